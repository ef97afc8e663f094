// Package market implements the marketplace use cases on top of a Store:
// offers, the reservation workflow, deals, statistics and moderation.
// Every state change that concerns another party is published as a
// notify.Event once the store has committed it.
package market

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xtrntr/p2pmarket/internal/apperr"
	"github.com/xtrntr/p2pmarket/internal/book"
	"github.com/xtrntr/p2pmarket/internal/lifecycle"
	"github.com/xtrntr/p2pmarket/internal/metrics"
	"github.com/xtrntr/p2pmarket/internal/models"
	"github.com/xtrntr/p2pmarket/internal/notify"
)

// DefaultCity is used for offers created without a city
const DefaultCity = "Москва"

// Store is the persistence contract shared by the Postgres and in-memory
// stores. Mutating calls enforce the lifecycle guards atomically.
type Store interface {
	Ping(ctx context.Context) error

	CreateUser(ctx context.Context, u *models.User) (*models.User, error)
	GetUser(ctx context.Context, id int64) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	ListUsers(ctx context.Context) ([]models.User, error)
	SetUserBlocked(ctx context.Context, id int64, blocked bool) error
	SetTelegramID(ctx context.Context, id int64, telegramID *int64) (*models.User, error)

	CreateOffer(ctx context.Context, o *models.Offer) (*models.Offer, error)
	GetOffer(ctx context.Context, id int64) (*models.Offer, error)
	ListActiveOffers(ctx context.Context, f models.OfferFilter) ([]models.Offer, error)
	ListAllOffers(ctx context.Context) ([]models.Offer, error)
	UpdateOffer(ctx context.Context, id, actorID int64, p models.OfferPatch, now time.Time) (*models.Offer, error)
	SetOfferStatus(ctx context.Context, id, actorID int64, to models.OfferStatus, now time.Time) (*models.Offer, error)
	DeleteOffer(ctx context.Context, id, actorID int64, admin bool) error
	CompleteOffer(ctx context.Context, id, actorID int64, force bool, now time.Time) (*models.Offer, []models.Deal, error)

	CreateReservation(ctx context.Context, req models.ReservationRequest, now time.Time, window time.Duration) (*models.Reservation, *models.Offer, error)
	RespondToReservation(ctx context.Context, id, ownerID int64, to models.ReservationStatus, now time.Time) (*models.Reservation, *models.Offer, error)
	CancelReservation(ctx context.Context, offerID int64, who models.Identity, now time.Time) (*models.Reservation, *models.Offer, error)
	GetReservation(ctx context.Context, id int64, now time.Time) (*models.Reservation, error)
	ListOffersForUser(ctx context.Context, userID int64, now time.Time) ([]models.UserOffer, error)
	ExpireOverdue(ctx context.Context, now time.Time) ([]models.Reservation, error)
	CleanupStale(ctx context.Context, rules models.StaleRules) (int, error)
	ClearOffers(ctx context.Context) (models.ClearResult, error)

	ListDeals(ctx context.Context, userID *int64) ([]models.Deal, error)
	UserStats(ctx context.Context, userID int64, p models.Period) (*models.UserStats, error)
	GlobalStats(ctx context.Context, p models.Period) (*models.GlobalStats, error)
}

// Config tunes the reservation window and the stale-offer cleanup
type Config struct {
	// PendingWindow is how long the owner has to answer a reservation
	PendingWindow time.Duration
	// StaleReservedAfter drops offers reserved for longer; zero keeps them
	StaleReservedAfter time.Duration
	// CleanupPastMeetings drops active offers once their meeting time passed
	CleanupPastMeetings bool
	// Now overrides the clock in tests
	Now func() time.Time
}

// Service runs the marketplace use cases
type Service struct {
	store    Store
	notifier notify.Notifier
	logger   *zap.Logger
	cfg      Config
}

// NewService builds a Service. A nil notifier drops events.
func NewService(store Store, notifier notify.Notifier, logger *zap.Logger, cfg Config) *Service {
	if cfg.PendingWindow <= 0 {
		cfg.PendingWindow = lifecycle.DefaultPendingWindow
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Service{store: store, notifier: notifier, logger: logger, cfg: cfg}
}

func (s *Service) now() time.Time {
	return s.cfg.Now().UTC()
}

// Ping reports store health
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) publish(ctx context.Context, ev notify.Event) {
	// delivery must not be cut short by the request context
	ctx = context.WithoutCancel(ctx)
	if err := s.notifier.Notify(ctx, ev); err != nil {
		s.logger.Warn("failed to publish event", zap.String("event", string(ev.Type)), zap.Error(err))
	}
}

// CreateOfferInput is the payload of a new offer
type CreateOfferInput struct {
	Type           models.OfferType `json:"offer_type" validate:"required,oneof=buy sell"`
	Amount         decimal.Decimal  `json:"amount"`
	Rate           decimal.Decimal  `json:"rate"`
	MeetingTime    string           `json:"meeting_time" validate:"required,hhmm"`
	MeetingTimeEnd string           `json:"meeting_time_end" validate:"omitempty,hhmm"`
	City           string           `json:"city" validate:"max=64"`
	Offices        []string         `json:"offices" validate:"max=20,dive,required,max=128"`
}

func (s *Service) CreateOffer(ctx context.Context, ownerID int64, in CreateOfferInput) (*models.Offer, error) {
	if err := validateStruct(in); err != nil {
		return nil, err
	}
	if err := positive("amount", in.Amount); err != nil {
		return nil, err
	}
	if err := positive("rate", in.Rate); err != nil {
		return nil, err
	}
	if err := meetingWindow(in.MeetingTime, in.MeetingTimeEnd); err != nil {
		return nil, err
	}

	owner, err := s.store.GetUser(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if owner.Blocked {
		return nil, apperr.ErrUserBlocked
	}

	city := strings.TrimSpace(in.City)
	if city == "" {
		city = DefaultCity
	}
	offer, err := s.store.CreateOffer(ctx, &models.Offer{
		OwnerID:        ownerID,
		Type:           in.Type,
		Amount:         in.Amount,
		Rate:           in.Rate,
		MeetingTime:    in.MeetingTime,
		MeetingTimeEnd: in.MeetingTimeEnd,
		City:           city,
		Offices:        in.Offices,
		CreatedAt:      s.now(),
	})
	if err != nil {
		return nil, err
	}
	metrics.OfferCreated(string(offer.Type))
	s.logger.Info("offer created", zap.Int64("offer_id", offer.ID), zap.Int64("owner_id", ownerID))
	return offer, nil
}

// AnonymousOfferInput is a buy offer posted without an account. Sellers
// answer it by phone.
type AnonymousOfferInput struct {
	Name           string          `json:"name" validate:"required,max=128"`
	Phone          string          `json:"phone" validate:"required,max=32"`
	Amount         decimal.Decimal `json:"amount"`
	Rate           decimal.Decimal `json:"rate"`
	MeetingTime    string          `json:"meeting_time" validate:"required,hhmm"`
	MeetingTimeEnd string          `json:"meeting_time_end" validate:"omitempty,hhmm"`
	City           string          `json:"city" validate:"max=64"`
	Offices        []string        `json:"offices" validate:"max=20,dive,required,max=128"`
}

// CreateAnonymousOffer lists a buy offer for AnonymousOfferTTL under the
// system account. It cannot be reserved in the app.
func (s *Service) CreateAnonymousOffer(ctx context.Context, in AnonymousOfferInput) (*models.Offer, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.Phone = strings.TrimSpace(in.Phone)
	if err := validateStruct(in); err != nil {
		return nil, err
	}
	if err := positive("amount", in.Amount); err != nil {
		return nil, err
	}
	if err := positive("rate", in.Rate); err != nil {
		return nil, err
	}
	if err := meetingWindow(in.MeetingTime, in.MeetingTimeEnd); err != nil {
		return nil, err
	}

	owner, err := s.anonymousOwner(ctx)
	if err != nil {
		return nil, err
	}
	if owner.Blocked {
		return nil, apperr.ErrUserBlocked
	}

	city := strings.TrimSpace(in.City)
	if city == "" {
		city = DefaultCity
	}
	now := s.now()
	expires := now.Add(lifecycle.AnonymousOfferTTL)
	offer, err := s.store.CreateOffer(ctx, &models.Offer{
		OwnerID:        owner.ID,
		Type:           models.OfferBuy,
		Amount:         in.Amount,
		Rate:           in.Rate,
		MeetingTime:    in.MeetingTime,
		MeetingTimeEnd: in.MeetingTimeEnd,
		City:           city,
		Offices:        in.Offices,
		CreatedAt:      now,
		Contact:        &models.AnonymousContact{Name: in.Name, Phone: in.Phone},
		ExpiresAt:      &expires,
	})
	if err != nil {
		return nil, err
	}
	metrics.OfferCreated(string(offer.Type))
	s.logger.Info("anonymous offer created", zap.Int64("offer_id", offer.ID), zap.Time("expires_at", expires))
	return offer, nil
}

// anonymousOwner returns the system account, creating it on first use
func (s *Service) anonymousOwner(ctx context.Context) (*models.User, error) {
	u, err := s.store.GetUserByEmail(ctx, models.AnonymousEmail)
	if err == nil || !errors.Is(err, apperr.ErrUserNotFound) {
		return u, err
	}
	u, err = s.store.CreateUser(ctx, &models.User{Name: "Anonymous", Email: models.AnonymousEmail, CreatedAt: s.now()})
	if errors.Is(err, apperr.ErrEmailTaken) {
		return s.store.GetUserByEmail(ctx, models.AnonymousEmail)
	}
	return u, err
}

// ListOffers returns the public listing, optionally narrowed by type and city
func (s *Service) ListOffers(ctx context.Context, f models.OfferFilter) ([]models.Offer, error) {
	if f.Type != "" && !f.Type.Valid() {
		return nil, apperr.Validation("type must be buy or sell")
	}
	return s.store.ListActiveOffers(ctx, f)
}

// Book returns the public offers in price-time priority
func (s *Service) Book(ctx context.Context, f models.OfferFilter) (*book.Book, error) {
	offers, err := s.ListOffers(ctx, models.OfferFilter{City: f.City})
	if err != nil {
		return nil, err
	}
	return book.New(offers), nil
}

// GetOffer returns one offer in any status
func (s *Service) GetOffer(ctx context.Context, id int64) (*models.Offer, error) {
	return s.store.GetOffer(ctx, id)
}

// EditOfferInput holds optional replacements for an offer's terms
type EditOfferInput struct {
	Amount         *decimal.Decimal `json:"amount"`
	Rate           *decimal.Decimal `json:"rate"`
	MeetingTime    *string          `json:"meeting_time" validate:"omitempty,hhmm"`
	MeetingTimeEnd *string          `json:"meeting_time_end" validate:"omitempty,hhmm"`
	Offices        []string         `json:"offices" validate:"omitempty,max=20,dive,required,max=128"`
}

// EditOffer changes the terms of an unreserved offer. The store checks the
// meeting window again on the merged terms.
func (s *Service) EditOffer(ctx context.Context, actorID, offerID int64, in EditOfferInput) (*models.Offer, error) {
	if err := validateStruct(in); err != nil {
		return nil, err
	}
	if in.Amount != nil {
		if err := positive("amount", *in.Amount); err != nil {
			return nil, err
		}
	}
	if in.Rate != nil {
		if err := positive("rate", *in.Rate); err != nil {
			return nil, err
		}
	}
	if in.MeetingTime != nil && in.MeetingTimeEnd != nil {
		if err := meetingWindow(*in.MeetingTime, *in.MeetingTimeEnd); err != nil {
			return nil, err
		}
	}
	return s.store.UpdateOffer(ctx, offerID, actorID, models.OfferPatch{
		Amount:         in.Amount,
		Rate:           in.Rate,
		MeetingTime:    in.MeetingTime,
		MeetingTimeEnd: in.MeetingTimeEnd,
		Offices:        in.Offices,
	}, s.now())
}

// SetOfferStatus pauses (inactive) or resumes (active) an owner's offer
func (s *Service) SetOfferStatus(ctx context.Context, actorID, offerID int64, to models.OfferStatus) (*models.Offer, error) {
	return s.store.SetOfferStatus(ctx, offerID, actorID, to, s.now())
}

// DeleteOffer removes an offer; admins may remove any offer
func (s *Service) DeleteOffer(ctx context.Context, actorID, offerID int64, admin bool) error {
	if err := s.store.DeleteOffer(ctx, offerID, actorID, admin); err != nil {
		return err
	}
	s.logger.Info("offer deleted", zap.Int64("offer_id", offerID), zap.Int64("actor_id", actorID), zap.Bool("admin", admin))
	return nil
}

// CompleteOffer finalizes the meeting. Owners need a confirmed reservation;
// admins may force completion.
func (s *Service) CompleteOffer(ctx context.Context, actorID, offerID int64, force bool) (*models.Offer, []models.Deal, error) {
	now := s.now()
	offer, deals, err := s.store.CompleteOffer(ctx, offerID, actorID, force, now)
	if err != nil {
		return nil, nil, err
	}
	metrics.OfferCompleted()

	ev := notify.Event{Type: notify.OfferCompleted, OfferID: offer.ID, OwnerID: offer.OwnerID, OccurredAt: now}
	for _, d := range deals {
		if d.UserID != offer.OwnerID {
			buyer := d.UserID
			ev.BuyerUserID = &buyer
		}
	}
	s.publish(ctx, ev)
	s.logger.Info("offer completed", zap.Int64("offer_id", offer.ID), zap.Int("deals", len(deals)), zap.Bool("forced", force))
	return offer, deals, nil
}

// ReserveInput is a responder's reservation request. Registered users may
// leave the contact fields empty to use their profile.
type ReserveInput struct {
	Name          string          `json:"buyer_name" validate:"max=128"`
	Phone         string          `json:"buyer_phone" validate:"max=32"`
	Email         string          `json:"buyer_email" validate:"omitempty,email"`
	Amount        decimal.Decimal `json:"amount"`
	MeetingTime   string          `json:"meeting_time" validate:"omitempty,hhmm"`
	MeetingOffice string          `json:"meeting_office" validate:"max=128"`
}

// CreateReservation places a pending reservation on an active offer. At most
// one reservation may hold an offer; a second attempt gets ErrOfferReserved.
func (s *Service) CreateReservation(ctx context.Context, offerID int64, userID *int64, in ReserveInput) (*models.Reservation, error) {
	if err := validateStruct(in); err != nil {
		return nil, err
	}
	if in.Amount.IsNegative() {
		return nil, apperr.Validation("amount must be positive")
	}

	req := models.ReservationRequest{
		OfferID:       offerID,
		BuyerUserID:   userID,
		BuyerName:     strings.TrimSpace(in.Name),
		BuyerPhone:    strings.TrimSpace(in.Phone),
		BuyerEmail:    strings.TrimSpace(in.Email),
		Amount:        in.Amount,
		MeetingTime:   in.MeetingTime,
		MeetingOffice: in.MeetingOffice,
	}
	if userID != nil {
		u, err := s.store.GetUser(ctx, *userID)
		if err != nil {
			return nil, err
		}
		if req.BuyerName == "" {
			req.BuyerName = u.Name
		}
		if req.BuyerPhone == "" {
			req.BuyerPhone = u.Phone
		}
		if req.BuyerEmail == "" {
			req.BuyerEmail = u.Email
		}
	}
	if req.BuyerName == "" || req.BuyerPhone == "" {
		return nil, apperr.Validation("buyer_name and buyer_phone are required")
	}

	now := s.now()
	r, offer, err := s.store.CreateReservation(ctx, req, now, s.cfg.PendingWindow)
	if err != nil {
		if errors.Is(err, apperr.ErrOfferReserved) {
			metrics.ReservationConflict()
		}
		return nil, err
	}
	metrics.ReservationTransition(string(models.ReservationPending))
	s.publish(ctx, notify.ReservationEvent(notify.ReservationCreated, *r, offer.OwnerID, now))
	s.logger.Info("reservation created",
		zap.Int64("reservation_id", r.ID),
		zap.Int64("offer_id", offer.ID),
		zap.Time("expires_at", r.ExpiresAt))
	return r, nil
}

// RespondToReservation applies the owner's accept or reject. Repeating a
// response on a resolved reservation returns ErrAlreadyResolved.
func (s *Service) RespondToReservation(ctx context.Context, ownerID, reservationID int64, action lifecycle.Response) (*models.Reservation, error) {
	to, err := action.Target()
	if err != nil {
		return nil, err
	}
	now := s.now()
	r, offer, err := s.store.RespondToReservation(ctx, reservationID, ownerID, to, now)
	if err != nil {
		return nil, err
	}
	metrics.ReservationTransition(string(r.Status))

	evType := notify.ReservationConfirmed
	if r.Status == models.ReservationRejected {
		evType = notify.ReservationRejected
	}
	s.publish(ctx, notify.ReservationEvent(evType, *r, offer.OwnerID, now))
	s.logger.Info("reservation resolved", zap.Int64("reservation_id", r.ID), zap.String("status", string(r.Status)))
	return r, nil
}

// CancelReservation withdraws the offer's pending reservation on behalf of
// the responder (by user or phone) or the owner.
func (s *Service) CancelReservation(ctx context.Context, offerID int64, who models.Identity) (*models.Reservation, error) {
	if who.UserID == nil && strings.TrimSpace(who.Phone) == "" {
		return nil, apperr.Validation("buyer_phone is required for anonymous cancellation")
	}
	now := s.now()
	r, offer, err := s.store.CancelReservation(ctx, offerID, who, now)
	if err != nil {
		return nil, err
	}
	metrics.ReservationTransition(string(r.Status))
	s.publish(ctx, notify.ReservationEvent(notify.ReservationCancelled, *r, offer.OwnerID, now))
	s.logger.Info("reservation cancelled", zap.Int64("reservation_id", r.ID), zap.Int64("offer_id", offerID))
	return r, nil
}

// GetReservationStatus is polled by a waiting responder
func (s *Service) GetReservationStatus(ctx context.Context, reservationID int64) (*models.ReservationState, error) {
	r, err := s.store.GetReservation(ctx, reservationID, s.now())
	if err != nil {
		return nil, err
	}
	return &models.ReservationState{
		ID:              r.ID,
		OfferID:         r.OfferID,
		Status:          r.Status,
		TimeLeftSeconds: r.TimeLeftSeconds,
	}, nil
}

// ListOffersForUser is polled by the creator view
func (s *Service) ListOffersForUser(ctx context.Context, userID int64) ([]models.UserOffer, error) {
	return s.store.ListOffersForUser(ctx, userID, s.now())
}

// ExpireOverdue expires pending reservations past their window and
// publishes one event per expiry. Expiries a status read or a write already
// applied are published here too, each exactly once.
func (s *Service) ExpireOverdue(ctx context.Context) ([]models.Reservation, error) {
	now := s.now()
	expired, err := s.store.ExpireOverdue(ctx, now)
	if err != nil {
		return nil, err
	}
	for _, r := range expired {
		metrics.ReservationTransition(string(models.ReservationExpired))
		ownerID := int64(0)
		if offer, err := s.store.GetOffer(ctx, r.OfferID); err == nil {
			ownerID = offer.OwnerID
		}
		s.publish(ctx, notify.ReservationEvent(notify.ReservationExpired, r, ownerID, now))
	}
	return expired, nil
}

// CleanupStale removes anonymous offers past their expiry, offers reserved
// for longer than StaleReservedAfter and, when enabled, active offers whose
// meeting time has passed.
func (s *Service) CleanupStale(ctx context.Context) (int, error) {
	now := s.now()
	rules := models.StaleRules{Now: now, PastMeetings: s.cfg.CleanupPastMeetings}
	if s.cfg.StaleReservedAfter > 0 {
		rules.ReservedBefore = now.Add(-s.cfg.StaleReservedAfter)
	}
	return s.store.CleanupStale(ctx, rules)
}

// ClearOffers is the admin reset: every offer that is not completed goes,
// with its reservations. Deal history stays.
func (s *Service) ClearOffers(ctx context.Context, adminID int64) (models.ClearResult, error) {
	res, err := s.store.ClearOffers(ctx)
	if err != nil {
		return res, err
	}
	s.logger.Warn("offers cleared",
		zap.Int64("admin_id", adminID),
		zap.Int("offers", res.Offers),
		zap.Int("reservations", res.Reservations))
	return res, nil
}

// ListDeals returns one user's deals, or every deal for a nil userID
func (s *Service) ListDeals(ctx context.Context, userID *int64) ([]models.Deal, error) {
	return s.store.ListDeals(ctx, userID)
}

// UserStats aggregates a user's deals over the requested period
func (s *Service) UserStats(ctx context.Context, userID int64, q PeriodQuery) (*models.UserStats, error) {
	p, err := q.Resolve(s.now())
	if err != nil {
		return nil, err
	}
	return s.store.UserStats(ctx, userID, p)
}

// GlobalStats aggregates marketplace activity for admins
func (s *Service) GlobalStats(ctx context.Context, q PeriodQuery) (*models.GlobalStats, error) {
	p, err := q.Resolve(s.now())
	if err != nil {
		return nil, err
	}
	return s.store.GlobalStats(ctx, p)
}

// ListUsers returns every account for the admin panel
func (s *Service) ListUsers(ctx context.Context) ([]models.User, error) {
	return s.store.ListUsers(ctx)
}

// ListAllOffers returns offers in every status for the admin panel
func (s *Service) ListAllOffers(ctx context.Context) ([]models.Offer, error) {
	return s.store.ListAllOffers(ctx)
}

// SetUserBlocked blocks or unblocks a user. Blocked users' offers drop out
// of the public listing and they can no longer reserve or post offers.
func (s *Service) SetUserBlocked(ctx context.Context, userID int64, blocked bool) error {
	if err := s.store.SetUserBlocked(ctx, userID, blocked); err != nil {
		return err
	}
	s.logger.Info("user moderation", zap.Int64("user_id", userID), zap.Bool("blocked", blocked))
	return nil
}

// LinkTelegram stores the Telegram chat the user receives notifications in.
// A nil id unlinks it.
func (s *Service) LinkTelegram(ctx context.Context, userID int64, telegramID *int64) (*models.User, error) {
	if telegramID != nil && *telegramID <= 0 {
		return nil, apperr.Validation("telegram_id must be positive")
	}
	u, err := s.store.SetTelegramID(ctx, userID, telegramID)
	if err != nil {
		return nil, err
	}
	s.logger.Info("telegram link updated", zap.Int64("user_id", userID), zap.Bool("linked", telegramID != nil))
	return u, nil
}
