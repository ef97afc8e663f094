// Package memstore is an in-process implementation of the marketplace store.
// It backs development runs with STORE=memory and the service and API tests.
// A single mutex serializes every write, which gives the same guarantees as
// the row locks taken by the Postgres store.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/xtrntr/p2pmarket/internal/apperr"
	"github.com/xtrntr/p2pmarket/internal/lifecycle"
	"github.com/xtrntr/p2pmarket/internal/models"
)

// Store keeps users, offers, reservations and deals in maps
type Store struct {
	mu           sync.Mutex
	users        map[int64]*models.User
	offers       map[int64]*models.Offer
	reservations map[int64]*models.Reservation
	byOffer      map[int64][]int64
	deals        []models.Deal
	// expired reservations ExpireOverdue has not handed out yet
	unreported map[int64]struct{}

	userSeq, offerSeq, reservationSeq, dealSeq int64
}

// New returns an empty store
func New() *Store {
	return &Store{
		users:        make(map[int64]*models.User),
		offers:       make(map[int64]*models.Offer),
		reservations: make(map[int64]*models.Reservation),
		byOffer:      make(map[int64][]int64),
		unreported:   make(map[int64]struct{}),
	}
}

// Ping only reports a cancelled context
func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

// CreateUser adds a user; emails are unique case-insensitively
func (s *Store) CreateUser(ctx context.Context, u *models.User) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.users {
		if strings.EqualFold(existing.Email, u.Email) {
			return nil, apperr.ErrEmailTaken
		}
	}
	s.userSeq++
	nu := *u
	nu.ID = s.userSeq
	if nu.CreatedAt.IsZero() {
		nu.CreatedAt = time.Now()
	}
	s.users[nu.ID] = &nu
	out := nu
	return &out, nil
}

// GetUser returns a copy of the user
func (s *Store) GetUser(ctx context.Context, id int64) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return nil, apperr.ErrUserNotFound
	}
	out := *u
	return &out, nil
}

// GetUserByEmail looks a user up by email, ignoring case
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range s.users {
		if strings.EqualFold(u.Email, email) {
			out := *u
			return &out, nil
		}
	}
	return nil, apperr.ErrUserNotFound
}

// ListUsers returns every user ordered by id
func (s *Store) ListUsers(ctx context.Context) ([]models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	users := make([]models.User, 0, len(s.users))
	for _, u := range s.users {
		users = append(users, *u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users, nil
}

// SetUserBlocked blocks or unblocks a user
func (s *Store) SetUserBlocked(ctx context.Context, id int64, blocked bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return apperr.ErrUserNotFound
	}
	u.Blocked = blocked
	return nil
}

// SetTelegramID links a Telegram chat to the user, or unlinks it with nil
func (s *Store) SetTelegramID(ctx context.Context, id int64, telegramID *int64) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return nil, apperr.ErrUserNotFound
	}
	if telegramID == nil {
		u.TelegramID = nil
	} else {
		tid := *telegramID
		u.TelegramID = &tid
	}
	out := *u
	return &out, nil
}

// CreateOffer stores a new active offer for an existing owner
func (s *Store) CreateOffer(ctx context.Context, o *models.Offer) (*models.Offer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	owner, ok := s.users[o.OwnerID]
	if !ok {
		return nil, apperr.ErrUserNotFound
	}
	s.offerSeq++
	no := *o
	no.ID = s.offerSeq
	no.Offices = append([]string(nil), o.Offices...)
	no.Status = models.OfferActive
	no.ReservedBy = nil
	no.ReservedAt = nil
	no.UpdatedAt = no.CreatedAt
	if o.Contact != nil {
		contact := *o.Contact
		no.Contact = &contact
	}
	if o.ExpiresAt != nil {
		expires := *o.ExpiresAt
		no.ExpiresAt = &expires
	}
	s.offers[no.ID] = &no
	return s.offerView(&no, owner), nil
}

// GetOffer returns an offer with its owner's name
func (s *Store) GetOffer(ctx context.Context, id int64) (*models.Offer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.offers[id]
	if !ok {
		return nil, apperr.ErrOfferNotFound
	}
	return s.offerView(o, s.users[o.OwnerID]), nil
}

// ListActiveOffers returns active offers of unblocked owners, newest first
func (s *Store) ListActiveOffers(ctx context.Context, f models.OfferFilter) ([]models.Offer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.Offer
	for _, o := range s.offers {
		owner := s.users[o.OwnerID]
		if o.Status != models.OfferActive || owner == nil || owner.Blocked {
			continue
		}
		if f.Type != "" && o.Type != f.Type {
			continue
		}
		if f.City != "" && !strings.EqualFold(o.City, f.City) {
			continue
		}
		out = append(out, *s.offerView(o, owner))
	}
	sortNewestFirst(out)
	return out, nil
}

// ListAllOffers returns every offer regardless of status
func (s *Store) ListAllOffers(ctx context.Context) ([]models.Offer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.Offer, 0, len(s.offers))
	for _, o := range s.offers {
		out = append(out, *s.offerView(o, s.users[o.OwnerID]))
	}
	sortNewestFirst(out)
	return out, nil
}

// UpdateOffer applies a patch to an unreserved offer. The meeting window is
// checked on the merged terms.
func (s *Store) UpdateOffer(ctx context.Context, id, actorID int64, p models.OfferPatch, now time.Time) (*models.Offer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.offers[id]
	if !ok {
		return nil, apperr.ErrOfferNotFound
	}
	if err := lifecycle.CheckEdit(*o, actorID, s.holding(id)); err != nil {
		return nil, err
	}
	start, end := o.MeetingTime, o.MeetingTimeEnd
	if p.MeetingTime != nil {
		start = *p.MeetingTime
	}
	if p.MeetingTimeEnd != nil {
		end = *p.MeetingTimeEnd
	}
	if err := lifecycle.CheckMeetingWindow(start, end); err != nil {
		return nil, err
	}
	if p.Amount != nil {
		o.Amount = *p.Amount
	}
	if p.Rate != nil {
		o.Rate = *p.Rate
	}
	if p.MeetingTime != nil {
		o.MeetingTime = *p.MeetingTime
	}
	if p.MeetingTimeEnd != nil {
		o.MeetingTimeEnd = *p.MeetingTimeEnd
	}
	if p.Offices != nil {
		o.Offices = append([]string(nil), p.Offices...)
	}
	o.UpdatedAt = now
	return s.offerView(o, s.users[o.OwnerID]), nil
}

// SetOfferStatus pauses or resumes an unreserved offer
func (s *Store) SetOfferStatus(ctx context.Context, id, actorID int64, to models.OfferStatus, now time.Time) (*models.Offer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.offers[id]
	if !ok {
		return nil, apperr.ErrOfferNotFound
	}
	if err := lifecycle.CheckSetStatus(*o, actorID, to, s.holding(id)); err != nil {
		return nil, err
	}
	if o.Status != to {
		o.Status = to
		o.UpdatedAt = now
	}
	return s.offerView(o, s.users[o.OwnerID]), nil
}

// DeleteOffer removes an offer with its reservations
func (s *Store) DeleteOffer(ctx context.Context, id, actorID int64, admin bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.offers[id]
	if !ok {
		return apperr.ErrOfferNotFound
	}
	if err := lifecycle.CheckDelete(*o, actorID, admin); err != nil {
		return err
	}
	s.deleteOffer(id)
	return nil
}

// CompleteOffer finalizes an offer and records its deals. A forced
// completion expires a still pending reservation.
func (s *Store) CompleteOffer(ctx context.Context, id, actorID int64, force bool, now time.Time) (*models.Offer, []models.Deal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.offers[id]
	if !ok {
		return nil, nil, apperr.ErrOfferNotFound
	}
	if !force && o.OwnerID != actorID {
		return nil, nil, apperr.ErrNotOwner
	}
	holding := s.holding(id)
	if holding != nil && lifecycle.IsOverdue(*holding, now) {
		s.expire(holding, now)
		holding = nil
	}
	if err := lifecycle.CheckComplete(*o, holding, force); err != nil {
		return nil, nil, err
	}
	if holding != nil && holding.Status == models.ReservationPending {
		s.expire(holding, now)
		holding = nil
	}

	ownerName := ""
	if owner := s.users[o.OwnerID]; owner != nil {
		ownerName = owner.Name
	}
	deals := lifecycle.Deals(*o, ownerName, holding, now)
	for i := range deals {
		s.dealSeq++
		deals[i].ID = s.dealSeq
		s.deals = append(s.deals, deals[i])
	}

	o.Status = models.OfferCompleted
	o.UpdatedAt = now
	return s.offerView(o, s.users[o.OwnerID]), deals, nil
}

// CreateReservation places a pending reservation and marks the offer reserved
func (s *Store) CreateReservation(ctx context.Context, req models.ReservationRequest, now time.Time, window time.Duration) (*models.Reservation, *models.Offer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.offers[req.OfferID]
	if !ok {
		return nil, nil, apperr.ErrOfferNotFound
	}
	holding := s.holding(o.ID)
	if holding != nil && lifecycle.IsOverdue(*holding, now) {
		s.expire(holding, now)
		holding = nil
	}

	requester := lifecycle.Requester{
		UserID: req.BuyerUserID,
		Name:   req.BuyerName,
		Phone:  req.BuyerPhone,
		Email:  req.BuyerEmail,
	}
	if req.BuyerUserID != nil {
		u, ok := s.users[*req.BuyerUserID]
		if !ok {
			return nil, nil, apperr.ErrUserNotFound
		}
		requester.Blocked = u.Blocked
	}
	amount := req.Amount
	if amount.IsZero() {
		amount = o.Amount
	}
	owner := s.users[o.OwnerID]
	if err := lifecycle.CheckReserve(*o, holding, requester, amount, req.MeetingOffice, owner == nil || owner.Blocked); err != nil {
		return nil, nil, err
	}

	s.reservationSeq++
	r := &models.Reservation{
		ID:            s.reservationSeq,
		OfferID:       o.ID,
		BuyerUserID:   req.BuyerUserID,
		BuyerName:     req.BuyerName,
		BuyerPhone:    req.BuyerPhone,
		BuyerEmail:    req.BuyerEmail,
		Amount:        amount,
		MeetingTime:   req.MeetingTime,
		MeetingOffice: req.MeetingOffice,
		Status:        models.ReservationPending,
		CreatedAt:     now,
		ExpiresAt:     now.Add(window),
	}
	s.reservations[r.ID] = r
	s.byOffer[o.ID] = append(s.byOffer[o.ID], r.ID)

	o.Status = models.OfferReserved
	o.ReservedBy = req.BuyerUserID
	reservedAt := now
	o.ReservedAt = &reservedAt
	o.UpdatedAt = now

	return reservationView(r, now), s.offerView(o, owner), nil
}

// RespondToReservation confirms or rejects a pending reservation
func (s *Store) RespondToReservation(ctx context.Context, id, ownerID int64, to models.ReservationStatus, now time.Time) (*models.Reservation, *models.Offer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.reservations[id]
	if !ok {
		return nil, nil, apperr.ErrReservationNotFound
	}
	o, ok := s.offers[r.OfferID]
	if !ok {
		return nil, nil, apperr.ErrOfferNotFound
	}
	if o.OwnerID == ownerID && lifecycle.IsOverdue(*r, now) {
		s.expire(r, now)
	}
	if err := lifecycle.CheckRespond(*o, *r, ownerID, to); err != nil {
		return nil, nil, err
	}

	r.Status = to
	resolved := now
	r.ResolvedAt = &resolved
	if to == models.ReservationRejected {
		s.release(o, now)
	} else {
		o.UpdatedAt = now
	}
	return reservationView(r, now), s.offerView(o, s.users[o.OwnerID]), nil
}

// CancelReservation withdraws the offer's pending reservation
func (s *Store) CancelReservation(ctx context.Context, offerID int64, who models.Identity, now time.Time) (*models.Reservation, *models.Offer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.offers[offerID]
	if !ok {
		return nil, nil, apperr.ErrOfferNotFound
	}
	r := s.holding(offerID)
	isOwner := who.UserID != nil && *who.UserID == o.OwnerID
	if r == nil || (!isOwner && !who.Matches(*r)) {
		return nil, nil, apperr.ErrReservationNotFound
	}
	if lifecycle.IsOverdue(*r, now) {
		s.expire(r, now)
	}
	if r.Status != models.ReservationPending {
		return nil, nil, apperr.ErrAlreadyResolved.WithMessage("reservation already %s", r.Status)
	}

	r.Status = models.ReservationRejected
	resolved := now
	r.ResolvedAt = &resolved
	s.release(o, now)
	return reservationView(r, now), s.offerView(o, s.users[o.OwnerID]), nil
}

// GetReservation returns a reservation, expiring it when overdue
func (s *Store) GetReservation(ctx context.Context, id int64, now time.Time) (*models.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.reservations[id]
	if !ok {
		return nil, apperr.ErrReservationNotFound
	}
	if lifecycle.IsOverdue(*r, now) {
		s.expire(r, now)
	}
	return reservationView(r, now), nil
}

// ListOffersForUser returns the offers a user created or reserved
func (s *Store) ListOffersForUser(ctx context.Context, userID int64, now time.Time) ([]models.UserOffer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.UserOffer
	for _, o := range s.offers {
		owner := s.users[o.OwnerID]
		if o.OwnerID == userID {
			uo := models.UserOffer{Offer: *s.offerView(o, owner), RelationType: models.RelationCreated}
			for _, rid := range s.byOffer[o.ID] {
				uo.Reservations = append(uo.Reservations, *reservationView(s.reservations[rid], now))
			}
			out = append(out, uo)
			continue
		}
		var mine []models.Reservation
		for _, rid := range s.byOffer[o.ID] {
			r := s.reservations[rid]
			if r.BuyerUserID != nil && *r.BuyerUserID == userID {
				mine = append(mine, *reservationView(r, now))
			}
		}
		if len(mine) > 0 {
			out = append(out, models.UserOffer{Offer: *s.offerView(o, owner), RelationType: models.RelationReserved, Reservations: mine})
		}
	}
	for i := range out {
		rs := out[i].Reservations
		sort.Slice(rs, func(a, b int) bool { return rs[a].CreatedAt.After(rs[b].CreatedAt) || (rs[a].CreatedAt.Equal(rs[b].CreatedAt) && rs[a].ID > rs[b].ID) })
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Offer.CreatedAt.Equal(out[j].Offer.CreatedAt) {
			return out[i].Offer.CreatedAt.After(out[j].Offer.CreatedAt)
		}
		return out[i].Offer.ID > out[j].Offer.ID
	})
	return out, nil
}

// ExpireOverdue expires overdue pending reservations and returns every
// expiry not yet reported, including those a read or write expired lazily.
// Each expiry is returned once.
func (s *Store) ExpireOverdue(ctx context.Context, now time.Time) ([]models.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.reservations {
		if lifecycle.IsOverdue(*r, now) {
			s.expire(r, now)
		}
	}
	expired := make([]models.Reservation, 0, len(s.unreported))
	for id := range s.unreported {
		if r, ok := s.reservations[id]; ok {
			expired = append(expired, *reservationView(r, now))
		}
		delete(s.unreported, id)
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].ID < expired[j].ID })
	return expired, nil
}

// CleanupStale deletes the offers rules select and returns how many went
func (s *Store) CleanupStale(ctx context.Context, rules models.StaleRules) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stale []int64
	for id, o := range s.offers {
		if lifecycle.IsStale(*o, rules) {
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		s.deleteOffer(id)
	}
	return len(stale), nil
}

// ClearOffers deletes every offer that is not completed, with its
// reservations. Completed offers and deals stay.
func (s *Store) ClearOffers(ctx context.Context) (models.ClearResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res models.ClearResult
	for id, o := range s.offers {
		if o.Status == models.OfferCompleted {
			continue
		}
		res.Offers++
		res.Reservations += len(s.byOffer[id])
		s.deleteOffer(id)
	}
	return res, nil
}

// ListDeals returns one user's deals, or all with a nil userID
func (s *Store) ListDeals(ctx context.Context, userID *int64) ([]models.Deal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.Deal
	for _, d := range s.deals {
		if userID == nil || d.UserID == *userID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

// UserStats aggregates one user's deals and active offers over a period
func (s *Store) UserStats(ctx context.Context, userID int64, p models.Period) (*models.UserStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := &models.UserStats{}
	for _, d := range s.deals {
		if d.UserID == userID && p.Contains(d.CreatedAt) {
			addDeal(st, d)
		}
	}
	for _, o := range s.offers {
		if o.OwnerID == userID && o.Status == models.OfferActive && p.Contains(o.CreatedAt) {
			st.ActiveOffers++
		}
	}
	return st, nil
}

// GlobalStats aggregates marketplace activity over a period
func (s *Store) GlobalStats(ctx context.Context, p models.Period) (*models.GlobalStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := &models.GlobalStats{}
	for _, u := range s.users {
		st.TotalUsers++
		if u.Blocked {
			st.BlockedUsers++
		}
	}
	for _, o := range s.offers {
		if !p.Contains(o.CreatedAt) {
			continue
		}
		st.TotalOffers++
		if o.Status == models.OfferActive {
			st.ActiveOffers++
		}
	}
	for _, d := range s.deals {
		if p.Contains(d.CreatedAt) {
			addDeal(&st.UserStats, d)
		}
	}
	return st, nil
}

func addDeal(st *models.UserStats, d models.Deal) {
	st.TotalDeals++
	if d.Status != models.DealCompleted {
		return
	}
	st.CompletedDeals++
	st.TotalVolume = st.TotalVolume.Add(d.Total)
	switch d.Type {
	case models.OfferBuy:
		st.BuyDeals++
		st.BuyVolume = st.BuyVolume.Add(d.Total)
	case models.OfferSell:
		st.SellDeals++
		st.SellVolume = st.SellVolume.Add(d.Total)
	}
}

// holding returns the offer's pending or confirmed reservation, if any.
// Callers hold s.mu.
func (s *Store) holding(offerID int64) *models.Reservation {
	for _, rid := range s.byOffer[offerID] {
		if r := s.reservations[rid]; lifecycle.Holds(r.Status) {
			return r
		}
	}
	return nil
}

// expire ends a pending reservation and queues it for ExpireOverdue
func (s *Store) expire(r *models.Reservation, now time.Time) {
	r.Status = models.ReservationExpired
	resolved := now
	r.ResolvedAt = &resolved
	s.unreported[r.ID] = struct{}{}
	if o, ok := s.offers[r.OfferID]; ok {
		s.release(o, now)
	}
}

func (s *Store) release(o *models.Offer, now time.Time) {
	o.Status = lifecycle.OfferAfterRelease(o.Status)
	o.ReservedBy = nil
	o.ReservedAt = nil
	o.UpdatedAt = now
}

func (s *Store) deleteOffer(id int64) {
	for _, rid := range s.byOffer[id] {
		delete(s.reservations, rid)
		delete(s.unreported, rid)
	}
	delete(s.byOffer, id)
	delete(s.offers, id)
	for i := range s.deals {
		if s.deals[i].OfferID != nil && *s.deals[i].OfferID == id {
			s.deals[i].OfferID = nil
		}
	}
}

func (s *Store) offerView(o *models.Offer, owner *models.User) *models.Offer {
	out := *o
	out.Offices = append([]string(nil), o.Offices...)
	if owner != nil {
		out.OwnerName = owner.Name
	}
	if o.Contact != nil {
		contact := *o.Contact
		out.Contact = &contact
		out.OwnerName = contact.Name
	}
	return &out
}

func reservationView(r *models.Reservation, now time.Time) *models.Reservation {
	out := *r
	out.TimeLeftSeconds = lifecycle.TimeLeft(out, now)
	return &out
}

func sortNewestFirst(offers []models.Offer) {
	sort.Slice(offers, func(i, j int) bool {
		if !offers[i].CreatedAt.Equal(offers[j].CreatedAt) {
			return offers[i].CreatedAt.After(offers[j].CreatedAt)
		}
		return offers[i].ID > offers[j].ID
	})
}
