package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// OfferType is the side the offer owner takes
type OfferType string

const (
	OfferBuy  OfferType = "buy"
	OfferSell OfferType = "sell"
)

// Opposite returns the side the counterparty takes
func (t OfferType) Opposite() OfferType {
	if t == OfferBuy {
		return OfferSell
	}
	return OfferBuy
}

// Valid reports whether t is a known offer type
func (t OfferType) Valid() bool {
	return t == OfferBuy || t == OfferSell
}

// OfferStatus is the lifecycle state of an offer
type OfferStatus string

const (
	OfferActive    OfferStatus = "active"
	OfferReserved  OfferStatus = "reserved"
	OfferInactive  OfferStatus = "inactive"
	OfferCompleted OfferStatus = "completed"
)

// ReservationStatus is the lifecycle state of a reservation
type ReservationStatus string

const (
	ReservationPending   ReservationStatus = "pending"
	ReservationConfirmed ReservationStatus = "confirmed"
	ReservationRejected  ReservationStatus = "rejected"
	ReservationExpired   ReservationStatus = "expired"
)

// DealStatus is the state of a deal record
type DealStatus string

const (
	DealPending   DealStatus = "pending"
	DealCompleted DealStatus = "completed"
	DealCancelled DealStatus = "cancelled"
)

// RelationType tells why an offer shows up in a user's view
type RelationType string

const (
	RelationCreated  RelationType = "created"
	RelationReserved RelationType = "reserved"
)

// User represents a registered user
type User struct {
	ID           int64     `json:"id"`
	Name         string    `json:"name"`
	Email        string    `json:"email"`
	Phone        string    `json:"phone"`
	PasswordHash string    `json:"-"`
	TelegramID   *int64    `json:"telegram_id,omitempty"`
	IsAdmin      bool      `json:"is_admin"`
	Blocked      bool      `json:"blocked"`
	CreatedAt    time.Time `json:"created_at"`
}

// Offer represents a posted intent to buy or sell USDT for RUB
type Offer struct {
	ID             int64           `json:"id"`
	OwnerID        int64           `json:"owner_id"`
	OwnerName      string          `json:"owner_name,omitempty"`
	Type           OfferType       `json:"offer_type"`
	Amount         decimal.Decimal `json:"amount"` // USDT
	Rate           decimal.Decimal `json:"rate"`   // RUB per USDT
	MeetingTime    string          `json:"meeting_time"`
	MeetingTimeEnd string          `json:"meeting_time_end,omitempty"`
	City           string          `json:"city"`
	Offices        []string        `json:"offices"`
	Status         OfferStatus     `json:"status"`
	ReservedBy     *int64          `json:"reserved_by,omitempty"`
	ReservedAt     *time.Time      `json:"reserved_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	// Contact is set on buy offers posted without an account
	Contact   *AnonymousContact `json:"anonymous_contact,omitempty"`
	ExpiresAt *time.Time        `json:"expires_at,omitempty"`
}

// AnonymousContact is how sellers reach the poster of an anonymous offer
type AnonymousContact struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

// AnonymousEmail is the system account that owns anonymous offers
const AnonymousEmail = "anonymous@system.local"

// IsAnonymous reports whether the offer was posted without an account
func (o Offer) IsAnonymous() bool {
	return o.Contact != nil
}

// Total returns amount × rate in RUB
func (o Offer) Total() decimal.Decimal {
	return o.Amount.Mul(o.Rate)
}

// HasOffice reports whether office is one of the offer's meeting points.
// Offers without offices accept any office.
func (o Offer) HasOffice(office string) bool {
	if len(o.Offices) == 0 {
		return true
	}
	for _, of := range o.Offices {
		if of == office {
			return true
		}
	}
	return false
}

// Reservation is a responder's claim against an offer
type Reservation struct {
	ID            int64             `json:"id"`
	OfferID       int64             `json:"offer_id"`
	BuyerUserID   *int64            `json:"buyer_user_id,omitempty"`
	BuyerName     string            `json:"buyer_name"`
	BuyerPhone    string            `json:"buyer_phone,omitempty"`
	BuyerEmail    string            `json:"buyer_email,omitempty"`
	Amount        decimal.Decimal   `json:"amount"`
	MeetingTime   string            `json:"meeting_time"`
	MeetingOffice string            `json:"meeting_office"`
	Status        ReservationStatus `json:"status"`
	CreatedAt     time.Time         `json:"created_at"`
	ExpiresAt     time.Time         `json:"expires_at"`
	ResolvedAt    *time.Time        `json:"resolved_at,omitempty"`
	// Derived from ExpiresAt at read time, never stored
	TimeLeftSeconds int `json:"time_left_seconds"`
}

// Deal is the finalized record of a completed exchange for one party
type Deal struct {
	ID          int64           `json:"id"`
	UserID      int64           `json:"user_id"`
	OfferID     *int64          `json:"offer_id,omitempty"`
	Type        OfferType       `json:"deal_type"`
	Amount      decimal.Decimal `json:"amount"`
	Rate        decimal.Decimal `json:"rate"`
	Total       decimal.Decimal `json:"total"`
	Status      DealStatus      `json:"status"`
	PartnerName string          `json:"partner_name,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// UserOffer is an offer as seen from one user's profile
type UserOffer struct {
	Offer        Offer         `json:"offer"`
	RelationType RelationType  `json:"relation_type"`
	Reservations []Reservation `json:"reservations"`
}

// PendingCount returns how many of the attached reservations are pending
func (u UserOffer) PendingCount() int {
	n := 0
	for _, r := range u.Reservations {
		if r.Status == ReservationPending {
			n++
		}
	}
	return n
}

// UserStats aggregates one user's activity over a period
type UserStats struct {
	TotalDeals     int             `json:"total_deals"`
	CompletedDeals int             `json:"completed_deals"`
	TotalVolume    decimal.Decimal `json:"total_volume"`
	BuyDeals       int             `json:"buy_deals"`
	BuyVolume      decimal.Decimal `json:"buy_volume"`
	SellDeals      int             `json:"sell_deals"`
	SellVolume     decimal.Decimal `json:"sell_volume"`
	ActiveOffers   int             `json:"active_offers"`
}

// GlobalStats aggregates marketplace activity over a period for admins
type GlobalStats struct {
	TotalUsers   int `json:"total_users"`
	BlockedUsers int `json:"blocked_users"`
	TotalOffers  int `json:"total_offers"`
	UserStats
}

// Period is a half-open time range [Start, End). A zero Start means no
// lower bound.
type Period struct {
	Start time.Time
	End   time.Time
}

// ExchangeRate is a single exchange quote for USDT/RUB
type ExchangeRate struct {
	Exchange string  `json:"exchange"`
	Rate     float64 `json:"rate"`
	Change   float64 `json:"change"`
}

// P2PRate is the reference USDT/RUB price quoted next to offers. Source
// names where it came from after fallbacks.
type P2PRate struct {
	Rate   float64 `json:"rate"`
	Source string  `json:"source"`
}

// Contains reports whether t falls inside the period
func (p Period) Contains(t time.Time) bool {
	if !p.Start.IsZero() && t.Before(p.Start) {
		return false
	}
	if !p.End.IsZero() && !t.Before(p.End) {
		return false
	}
	return true
}

// OfferFilter narrows the public offer listing
type OfferFilter struct {
	Type OfferType
	City string
}

// OfferPatch holds the editable fields of an offer; nil fields are unchanged
type OfferPatch struct {
	Amount         *decimal.Decimal
	Rate           *decimal.Decimal
	MeetingTime    *string
	MeetingTimeEnd *string
	Offices        []string
}

// StaleRules selects the offers a cleanup pass deletes. Completed offers
// are never touched; anonymous offers past ExpiresAt always go.
type StaleRules struct {
	Now time.Time
	// ReservedBefore drops reserved offers whose reservation started
	// earlier. Zero disables the rule.
	ReservedBefore time.Time
	// PastMeetings drops active offers whose meeting time has gone by
	PastMeetings bool
}

// ClearResult counts what an admin clear-all removed
type ClearResult struct {
	Offers       int `json:"deleted_offers"`
	Reservations int `json:"deleted_reservations"`
}

// ReservationRequest is a responder's claim. BuyerUserID is nil for
// anonymous responders. A zero Amount reserves the whole offer.
type ReservationRequest struct {
	OfferID       int64
	BuyerUserID   *int64
	BuyerName     string
	BuyerPhone    string
	BuyerEmail    string
	Amount        decimal.Decimal
	MeetingTime   string
	MeetingOffice string
}

// Identity names the party asking to cancel a reservation: a registered
// user, or an anonymous responder known by phone.
type Identity struct {
	UserID *int64
	Phone  string
}

// Matches reports whether the identity made reservation r
func (id Identity) Matches(r Reservation) bool {
	if id.UserID != nil && r.BuyerUserID != nil && *id.UserID == *r.BuyerUserID {
		return true
	}
	return id.Phone != "" && id.Phone == r.BuyerPhone
}

// ReservationState is the view a polling responder gets
type ReservationState struct {
	ID              int64             `json:"id"`
	OfferID         int64             `json:"offer_id"`
	Status          ReservationStatus `json:"status"`
	TimeLeftSeconds int               `json:"time_left_seconds"`
}
