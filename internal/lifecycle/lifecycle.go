// Package lifecycle holds the offer and reservation transition rules. Stores
// call these guards inside their write transactions so that every backend
// enforces the same state machine.
package lifecycle

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/xtrntr/p2pmarket/internal/apperr"
	"github.com/xtrntr/p2pmarket/internal/models"
)

// DefaultPendingWindow is how long an owner has to answer a reservation
const DefaultPendingWindow = 5 * time.Minute

// AnonymousOfferTTL is how long an anonymous buy offer stays listed
const AnonymousOfferTTL = 24 * time.Hour

// Moscow is the wall clock meeting times and statistics days refer to
var Moscow = time.FixedZone("MSK", 3*60*60)

var offerTransitions = map[models.OfferStatus][]models.OfferStatus{
	models.OfferActive: {
		models.OfferReserved,
		models.OfferInactive,
		models.OfferCompleted,
	},
	models.OfferReserved: {
		models.OfferActive,
		models.OfferCompleted,
	},
	models.OfferInactive: {
		models.OfferActive,
		models.OfferCompleted,
	},
}

var reservationTransitions = map[models.ReservationStatus][]models.ReservationStatus{
	models.ReservationPending: {
		models.ReservationConfirmed,
		models.ReservationRejected,
		models.ReservationExpired,
	},
}

// CanTransitionOffer reports whether an offer may move from one status to another
func CanTransitionOffer(from, to models.OfferStatus) bool {
	for _, s := range offerTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CanTransitionReservation reports whether a reservation may move between statuses
func CanTransitionReservation(from, to models.ReservationStatus) bool {
	for _, s := range reservationTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether a reservation status is final
func IsTerminal(s models.ReservationStatus) bool {
	return s == models.ReservationConfirmed || s == models.ReservationRejected || s == models.ReservationExpired
}

// Holds reports whether a reservation in status s keeps its offer locked
func Holds(s models.ReservationStatus) bool {
	return s == models.ReservationPending || s == models.ReservationConfirmed
}

// IsOverdue reports whether a pending reservation has outlived its window
func IsOverdue(r models.Reservation, now time.Time) bool {
	return r.Status == models.ReservationPending && now.After(r.ExpiresAt)
}

// TimeLeft returns the whole seconds left in the pending window, floored at 0
func TimeLeft(r models.Reservation, now time.Time) int {
	if r.Status != models.ReservationPending {
		return 0
	}
	left := r.ExpiresAt.Sub(now)
	if left <= 0 {
		return 0
	}
	return int(left / time.Second)
}

// Requester identifies who is reserving or cancelling. Registered users
// carry UserID; anonymous responders are identified by phone.
type Requester struct {
	UserID  *int64
	Name    string
	Phone   string
	Email   string
	Blocked bool
}

// CheckReserve validates a reservation attempt against the offer and its
// currently holding reservation (nil when none).
func CheckReserve(offer models.Offer, holding *models.Reservation, req Requester, amount decimal.Decimal, office string, ownerBlocked bool) error {
	if req.Blocked {
		return apperr.ErrUserBlocked
	}
	if offer.IsAnonymous() {
		return apperr.ErrAnonymousOffer
	}
	if req.UserID != nil && *req.UserID == offer.OwnerID {
		return apperr.ErrOwnOffer
	}
	if holding != nil || offer.Status == models.OfferReserved {
		return apperr.ErrOfferReserved
	}
	if offer.Status != models.OfferActive || ownerBlocked {
		return apperr.ErrOfferNotActive
	}
	if !amount.IsPositive() {
		return apperr.Validation("amount must be positive")
	}
	if amount.GreaterThan(offer.Amount) {
		return apperr.Validationf("requested amount %s exceeds offer amount %s", amount, offer.Amount)
	}
	if !offer.HasOffice(office) {
		return apperr.Validationf("office %q is not offered", office)
	}
	return nil
}

// Response is the owner's answer to a pending reservation
type Response string

const (
	Accept Response = "accept"
	Reject Response = "reject"
)

// Target returns the reservation status a response leads to
func (r Response) Target() (models.ReservationStatus, error) {
	switch r {
	case Accept:
		return models.ReservationConfirmed, nil
	case Reject:
		return models.ReservationRejected, nil
	default:
		return "", apperr.Validation("action must be accept or reject")
	}
}

// CheckRespond validates an owner's response. The caller must already have
// expired the reservation when it is overdue.
func CheckRespond(offer models.Offer, r models.Reservation, ownerID int64, to models.ReservationStatus) error {
	if offer.OwnerID != ownerID {
		return apperr.ErrNotOwner
	}
	if offer.Status == models.OfferCompleted {
		return apperr.ErrOfferCompleted
	}
	if r.Status != models.ReservationPending {
		return apperr.ErrAlreadyResolved.WithMessage("reservation already %s", r.Status)
	}
	if !CanTransitionReservation(r.Status, to) {
		return apperr.ErrInvalidTransition
	}
	return nil
}

// OfferAfterRelease is the offer status once its holding reservation ends
// without confirmation.
func OfferAfterRelease(current models.OfferStatus) models.OfferStatus {
	if current == models.OfferReserved {
		return models.OfferActive
	}
	return current
}

// CheckSetStatus validates an owner pause/resume request
func CheckSetStatus(offer models.Offer, actorID int64, to models.OfferStatus, holding *models.Reservation) error {
	if offer.OwnerID != actorID {
		return apperr.ErrNotOwner
	}
	if to != models.OfferActive && to != models.OfferInactive {
		return apperr.Validation("status must be active or inactive")
	}
	if offer.Status == models.OfferCompleted {
		return apperr.ErrOfferCompleted
	}
	if offer.Status == to {
		return nil
	}
	if holding != nil || offer.Status == models.OfferReserved {
		return apperr.ErrOfferReserved
	}
	if !CanTransitionOffer(offer.Status, to) {
		return apperr.ErrInvalidTransition
	}
	return nil
}

// CheckComplete validates completion. Without force the offer must hold a
// confirmed reservation. A forced completion expires a pending one, which
// then never becomes a deal counterparty.
func CheckComplete(offer models.Offer, holding *models.Reservation, force bool) error {
	if offer.Status == models.OfferCompleted {
		return apperr.ErrOfferCompleted
	}
	if force {
		return nil
	}
	if holding == nil || holding.Status != models.ReservationConfirmed {
		return apperr.ErrNoConfirmed
	}
	return nil
}

// CheckEdit validates edits to amount, rate or meeting time
func CheckEdit(offer models.Offer, actorID int64, holding *models.Reservation) error {
	if offer.OwnerID != actorID {
		return apperr.ErrNotOwner
	}
	if offer.Status == models.OfferCompleted {
		return apperr.ErrOfferCompleted
	}
	if holding != nil || offer.Status == models.OfferReserved {
		return apperr.ErrOfferReserved
	}
	return nil
}

// CheckMeetingWindow checks that an optional end time comes after the start.
// Stores run it on the merged terms of an edit.
func CheckMeetingWindow(start, end string) error {
	if end == "" {
		return nil
	}
	// HH:MM strings order lexically
	if end <= start {
		return apperr.Validation("meeting_time_end must be after meeting_time")
	}
	return nil
}

// CheckDelete validates removal by the owner or an admin
func CheckDelete(offer models.Offer, actorID int64, admin bool) error {
	if !admin && offer.OwnerID != actorID {
		return apperr.ErrNotOwner
	}
	if offer.Status == models.OfferCompleted {
		return apperr.ErrOfferCompleted
	}
	return nil
}

// Deals builds the deal records written when an offer completes: one for
// the owner and, when the responder is registered, one for the responder.
func Deals(offer models.Offer, ownerName string, holding *models.Reservation, now time.Time) []models.Deal {
	offerID := offer.ID
	partner := ""
	if holding != nil {
		partner = holding.BuyerName
	}
	amount := offer.Amount
	if holding != nil && holding.Amount.IsPositive() {
		amount = holding.Amount
	}
	total := amount.Mul(offer.Rate)

	deals := []models.Deal{{
		UserID:      offer.OwnerID,
		OfferID:     &offerID,
		Type:        offer.Type,
		Amount:      amount,
		Rate:        offer.Rate,
		Total:       total,
		Status:      models.DealCompleted,
		PartnerName: partner,
		CreatedAt:   now,
		UpdatedAt:   now,
	}}
	if holding != nil && holding.BuyerUserID != nil {
		deals = append(deals, models.Deal{
			UserID:      *holding.BuyerUserID,
			OfferID:     &offerID,
			Type:        offer.Type.Opposite(),
			Amount:      amount,
			Rate:        offer.Rate,
			Total:       total,
			Status:      models.DealCompleted,
			PartnerName: ownerName,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
	}
	return deals
}

// MeetingAt returns when the offer's meeting is over: the first occurrence
// of its end time (or start time without one) at or after creation, on the
// Moscow clock.
func MeetingAt(o models.Offer) (time.Time, bool) {
	hhmm := o.MeetingTimeEnd
	if hhmm == "" {
		hhmm = o.MeetingTime
	}
	clock, err := time.Parse("15:04", hhmm)
	if err != nil {
		return time.Time{}, false
	}
	created := o.CreatedAt.In(Moscow)
	at := time.Date(created.Year(), created.Month(), created.Day(), clock.Hour(), clock.Minute(), 0, 0, Moscow)
	if at.Before(created) {
		at = at.AddDate(0, 0, 1)
	}
	return at, true
}

// MeetingPassed reports whether the offer's meeting time is behind now
func MeetingPassed(o models.Offer, now time.Time) bool {
	at, ok := MeetingAt(o)
	return ok && now.After(at)
}

// IsStale reports whether a cleanup pass under rules deletes the offer
func IsStale(o models.Offer, rules models.StaleRules) bool {
	if o.Status == models.OfferCompleted {
		return false
	}
	if o.ExpiresAt != nil && rules.Now.After(*o.ExpiresAt) {
		return true
	}
	switch o.Status {
	case models.OfferReserved:
		return !rules.ReservedBefore.IsZero() && o.ReservedAt != nil && o.ReservedAt.Before(rules.ReservedBefore)
	case models.OfferActive:
		return rules.PastMeetings && MeetingPassed(o, rules.Now)
	}
	return false
}
