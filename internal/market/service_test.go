package market

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xtrntr/p2pmarket/internal/apperr"
	"github.com/xtrntr/p2pmarket/internal/lifecycle"
	"github.com/xtrntr/p2pmarket/internal/memstore"
	"github.com/xtrntr/p2pmarket/internal/models"
	"github.com/xtrntr/p2pmarket/internal/notify"
)

// 15:00 in Moscow
var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) Notify(ctx context.Context, ev notify.Event) error {
	return m.Called(ctx, ev).Error(0)
}

func (m *mockNotifier) events() []notify.Event {
	var out []notify.Event
	for _, c := range m.Calls {
		out = append(out, c.Arguments.Get(1).(notify.Event))
	}
	return out
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type env struct {
	svc      *Service
	store    *memstore.Store
	notifier *mockNotifier
	clock    *clock
	owner    *models.User
	buyer    *models.User
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()
	store := memstore.New()
	n := &mockNotifier{}
	n.On("Notify", mock.Anything, mock.Anything).Return(nil)
	clk := &clock{t: t0}

	owner, err := store.CreateUser(ctx, &models.User{Name: "Алиса", Email: "alice@example.com", Phone: "+79990000001"})
	require.NoError(t, err)
	buyer, err := store.CreateUser(ctx, &models.User{Name: "Борис", Email: "boris@example.com", Phone: "+79990000002"})
	require.NoError(t, err)

	svc := NewService(store, n, zap.NewNop(), Config{
		PendingWindow:       5 * time.Minute,
		StaleReservedAfter:  24 * time.Hour,
		CleanupPastMeetings: true,
		Now:                 clk.Now,
	})
	return &env{svc: svc, store: store, notifier: n, clock: clk, owner: owner, buyer: buyer}
}

func (e *env) offer(t *testing.T) *models.Offer {
	t.Helper()
	o, err := e.svc.CreateOffer(context.Background(), e.owner.ID, CreateOfferInput{
		Type:        models.OfferSell,
		Amount:      decimal.NewFromInt(1000),
		Rate:        decimal.RequireFromString("95.5"),
		MeetingTime: "12:00",
		Offices:     []string{"Тверская 1"},
	})
	require.NoError(t, err)
	return o
}

func (e *env) reserve(t *testing.T, offerID int64) *models.Reservation {
	t.Helper()
	r, err := e.svc.CreateReservation(context.Background(), offerID, &e.buyer.ID, ReserveInput{
		MeetingTime:   "12:30",
		MeetingOffice: "Тверская 1",
	})
	require.NoError(t, err)
	return r
}

func TestService_CreateOffer(t *testing.T) {
	valid := CreateOfferInput{
		Type:        models.OfferBuy,
		Amount:      decimal.NewFromInt(500),
		Rate:        decimal.RequireFromString("96.1"),
		MeetingTime: "10:00",
	}
	tests := []struct {
		name    string
		mutate  func(in *CreateOfferInput)
		wantErr string
	}{
		{name: "valid", mutate: func(in *CreateOfferInput) {}},
		{name: "unknown type", mutate: func(in *CreateOfferInput) { in.Type = "swap" }, wantErr: "offer_type"},
		{name: "missing type", mutate: func(in *CreateOfferInput) { in.Type = "" }, wantErr: "offer_type is required"},
		{name: "zero amount", mutate: func(in *CreateOfferInput) { in.Amount = decimal.Zero }, wantErr: "amount must be positive"},
		{name: "negative rate", mutate: func(in *CreateOfferInput) { in.Rate = decimal.NewFromInt(-1) }, wantErr: "rate must be positive"},
		{name: "bad meeting time", mutate: func(in *CreateOfferInput) { in.MeetingTime = "25:00" }, wantErr: "meeting_time must be HH:MM"},
		{name: "end before start", mutate: func(in *CreateOfferInput) { in.MeetingTimeEnd = "09:00" }, wantErr: "meeting_time_end must be after"},
		{name: "window", mutate: func(in *CreateOfferInput) { in.MeetingTimeEnd = "11:30" }},
		{name: "empty office", mutate: func(in *CreateOfferInput) { in.Offices = []string{""} }, wantErr: "is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			in := valid
			tt.mutate(&in)

			o, err := e.svc.CreateOffer(context.Background(), e.owner.ID, in)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.True(t, errors.Is(err, apperr.Validation("")), "expected validation error, got %v", err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, models.OfferActive, o.Status)
			assert.Equal(t, DefaultCity, o.City)
			assert.Equal(t, t0, o.CreatedAt)
		})
	}
}

func TestService_CreateOffer_BlockedOwner(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.svc.SetUserBlocked(context.Background(), e.owner.ID, true))

	_, err := e.svc.CreateOffer(context.Background(), e.owner.ID, CreateOfferInput{
		Type: models.OfferSell, Amount: decimal.NewFromInt(1), Rate: decimal.NewFromInt(90), MeetingTime: "10:00",
	})
	assert.ErrorIs(t, err, apperr.ErrUserBlocked)
}

func TestService_ReservationLifecycle(t *testing.T) {
	ctx := context.Background()

	t.Run("reserve holds the offer", func(t *testing.T) {
		e := newEnv(t)
		o := e.offer(t)
		r := e.reserve(t, o.ID)

		assert.Equal(t, models.ReservationPending, r.Status)
		assert.Equal(t, 300, r.TimeLeftSeconds)
		assert.True(t, r.Amount.Equal(decimal.NewFromInt(1000)))
		assert.Equal(t, e.buyer.Name, r.BuyerName)
		assert.Equal(t, e.buyer.Phone, r.BuyerPhone)

		got, err := e.svc.GetOffer(ctx, o.ID)
		require.NoError(t, err)
		assert.Equal(t, models.OfferReserved, got.Status)

		evs := e.notifier.events()
		require.Len(t, evs, 1)
		assert.Equal(t, notify.ReservationCreated, evs[0].Type)
		assert.Equal(t, e.owner.ID, evs[0].OwnerID)
		assert.Equal(t, r.ID, evs[0].ReservationID)
	})

	t.Run("accept is final", func(t *testing.T) {
		e := newEnv(t)
		o := e.offer(t)
		r := e.reserve(t, o.ID)

		got, err := e.svc.RespondToReservation(ctx, e.owner.ID, r.ID, lifecycle.Accept)
		require.NoError(t, err)
		assert.Equal(t, models.ReservationConfirmed, got.Status)

		_, err = e.svc.RespondToReservation(ctx, e.owner.ID, r.ID, lifecycle.Accept)
		assert.ErrorIs(t, err, apperr.ErrAlreadyResolved)

		evs := e.notifier.events()
		require.Len(t, evs, 2)
		assert.Equal(t, notify.ReservationConfirmed, evs[1].Type)
	})

	t.Run("reject releases the offer", func(t *testing.T) {
		e := newEnv(t)
		o := e.offer(t)
		r := e.reserve(t, o.ID)

		got, err := e.svc.RespondToReservation(ctx, e.owner.ID, r.ID, lifecycle.Reject)
		require.NoError(t, err)
		assert.Equal(t, models.ReservationRejected, got.Status)

		offer, err := e.svc.GetOffer(ctx, o.ID)
		require.NoError(t, err)
		assert.Equal(t, models.OfferActive, offer.Status)
	})

	t.Run("unanswered reservation expires", func(t *testing.T) {
		e := newEnv(t)
		o := e.offer(t)
		r := e.reserve(t, o.ID)

		e.clock.Advance(5*time.Minute + time.Second)
		expired, err := e.svc.ExpireOverdue(ctx)
		require.NoError(t, err)
		require.Len(t, expired, 1)
		assert.Equal(t, r.ID, expired[0].ID)

		state, err := e.svc.GetReservationStatus(ctx, r.ID)
		require.NoError(t, err)
		assert.Equal(t, models.ReservationExpired, state.Status)
		assert.Zero(t, state.TimeLeftSeconds)

		offer, err := e.svc.GetOffer(ctx, o.ID)
		require.NoError(t, err)
		assert.Equal(t, models.OfferActive, offer.Status)

		evs := e.notifier.events()
		require.Len(t, evs, 2)
		assert.Equal(t, notify.ReservationExpired, evs[1].Type)
		assert.Equal(t, e.owner.ID, evs[1].OwnerID)
	})

	t.Run("late accept after window", func(t *testing.T) {
		e := newEnv(t)
		o := e.offer(t)
		r := e.reserve(t, o.ID)

		e.clock.Advance(6 * time.Minute)
		_, err := e.svc.RespondToReservation(ctx, e.owner.ID, r.ID, lifecycle.Accept)
		assert.ErrorIs(t, err, apperr.ErrAlreadyResolved)
	})

	t.Run("unknown action", func(t *testing.T) {
		e := newEnv(t)
		o := e.offer(t)
		r := e.reserve(t, o.ID)

		_, err := e.svc.RespondToReservation(ctx, e.owner.ID, r.ID, lifecycle.Response("maybe"))
		assert.ErrorIs(t, err, apperr.Validation(""))
	})
}

func TestService_ConcurrentReservations(t *testing.T) {
	e := newEnv(t)
	o := e.offer(t)

	const n = 12
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		ok        int
		conflicts int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := e.svc.CreateReservation(context.Background(), o.ID, nil, ReserveInput{
				Name:          fmt.Sprintf("guest %d", i),
				Phone:         fmt.Sprintf("+7900000%04d", i),
				MeetingOffice: "Тверская 1",
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, apperr.ErrOfferReserved):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, ok)
	assert.Equal(t, n-1, conflicts)
}

func TestService_CreateReservation_Validation(t *testing.T) {
	e := newEnv(t)
	o := e.offer(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		userID  *int64
		in      ReserveInput
		wantErr error
	}{
		{name: "anonymous without phone", in: ReserveInput{Name: "гость"}, wantErr: apperr.Validation("")},
		{name: "bad email", in: ReserveInput{Name: "гость", Phone: "+7", Email: "nope"}, wantErr: apperr.Validation("")},
		{name: "negative amount", in: ReserveInput{Name: "гость", Phone: "+7", Amount: decimal.NewFromInt(-5)}, wantErr: apperr.Validation("")},
		{name: "amount above offer", in: ReserveInput{Name: "гость", Phone: "+7", Amount: decimal.NewFromInt(5000), MeetingOffice: "Тверская 1"}, wantErr: apperr.Validation("")},
		{name: "unknown office", in: ReserveInput{Name: "гость", Phone: "+7", MeetingOffice: "Арбат 5"}, wantErr: apperr.Validation("")},
		{name: "own offer", userID: &e.owner.ID, in: ReserveInput{MeetingOffice: "Тверская 1"}, wantErr: apperr.ErrOwnOffer},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.svc.CreateReservation(ctx, o.ID, tt.userID, tt.in)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	offer, err := e.svc.GetOffer(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OfferActive, offer.Status)
}

func TestService_CancelReservation(t *testing.T) {
	ctx := context.Background()

	t.Run("anonymous by phone", func(t *testing.T) {
		e := newEnv(t)
		o := e.offer(t)
		_, err := e.svc.CreateReservation(ctx, o.ID, nil, ReserveInput{Name: "гость", Phone: "+79001112233", MeetingOffice: "Тверская 1"})
		require.NoError(t, err)

		_, err = e.svc.CancelReservation(ctx, o.ID, models.Identity{Phone: "+70000000000"})
		assert.ErrorIs(t, err, apperr.ErrReservationNotFound)

		r, err := e.svc.CancelReservation(ctx, o.ID, models.Identity{Phone: "+79001112233"})
		require.NoError(t, err)
		assert.Equal(t, models.ReservationRejected, r.Status)

		offer, err := e.svc.GetOffer(ctx, o.ID)
		require.NoError(t, err)
		assert.Equal(t, models.OfferActive, offer.Status)
		assert.Equal(t, notify.ReservationCancelled, e.notifier.events()[1].Type)
	})

	t.Run("anonymous needs phone", func(t *testing.T) {
		e := newEnv(t)
		o := e.offer(t)
		_, err := e.svc.CancelReservation(ctx, o.ID, models.Identity{})
		assert.ErrorIs(t, err, apperr.Validation(""))
	})

	t.Run("confirmed cannot be cancelled", func(t *testing.T) {
		e := newEnv(t)
		o := e.offer(t)
		r := e.reserve(t, o.ID)
		_, err := e.svc.RespondToReservation(ctx, e.owner.ID, r.ID, lifecycle.Accept)
		require.NoError(t, err)

		_, err = e.svc.CancelReservation(ctx, o.ID, models.Identity{UserID: &e.buyer.ID})
		assert.ErrorIs(t, err, apperr.ErrAlreadyResolved)
	})
}

func TestService_CompleteOffer(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	o := e.offer(t)

	_, _, err := e.svc.CompleteOffer(ctx, e.owner.ID, o.ID, false)
	assert.ErrorIs(t, err, apperr.ErrNoConfirmed)

	r := e.reserve(t, o.ID)
	_, err = e.svc.RespondToReservation(ctx, e.owner.ID, r.ID, lifecycle.Accept)
	require.NoError(t, err)

	_, _, err = e.svc.CompleteOffer(ctx, e.buyer.ID, o.ID, false)
	assert.ErrorIs(t, err, apperr.ErrNotOwner)

	offer, deals, err := e.svc.CompleteOffer(ctx, e.owner.ID, o.ID, false)
	require.NoError(t, err)
	assert.Equal(t, models.OfferCompleted, offer.Status)
	require.Len(t, deals, 2)

	evs := e.notifier.events()
	last := evs[len(evs)-1]
	assert.Equal(t, notify.OfferCompleted, last.Type)
	require.NotNil(t, last.BuyerUserID)
	assert.Equal(t, e.buyer.ID, *last.BuyerUserID)

	want := decimal.RequireFromString("95500")
	ownerStats, err := e.svc.UserStats(ctx, e.owner.ID, PeriodQuery{Period: PeriodToday})
	require.NoError(t, err)
	assert.Equal(t, 1, ownerStats.SellDeals)
	assert.True(t, want.Equal(ownerStats.TotalVolume), "got %s", ownerStats.TotalVolume)

	buyerStats, err := e.svc.UserStats(ctx, e.buyer.ID, PeriodQuery{Period: PeriodToday})
	require.NoError(t, err)
	assert.Equal(t, 1, buyerStats.BuyDeals)

	yesterday, err := e.svc.UserStats(ctx, e.owner.ID, PeriodQuery{Period: PeriodYesterday})
	require.NoError(t, err)
	assert.Zero(t, yesterday.TotalDeals)

	global, err := e.svc.GlobalStats(ctx, PeriodQuery{})
	require.NoError(t, err)
	assert.Equal(t, 2, global.CompletedDeals)
	assert.Equal(t, 2, global.TotalUsers)
}

func (e *env) eventsOf(typ notify.EventType) []notify.Event {
	var out []notify.Event
	for _, ev := range e.notifier.events() {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func TestService_ForceCompleteClosesPendingReservation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	o := e.offer(t)
	r := e.reserve(t, o.ID)

	offer, deals, err := e.svc.CompleteOffer(ctx, e.buyer.ID, o.ID, true)
	require.NoError(t, err)
	assert.Equal(t, models.OfferCompleted, offer.Status)
	require.Len(t, deals, 1, "an unanswered responder is not a counterparty")

	_, err = e.svc.RespondToReservation(ctx, e.owner.ID, r.ID, lifecycle.Accept)
	assert.ErrorIs(t, err, apperr.ErrOfferCompleted)

	state, err := e.svc.GetReservationStatus(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReservationExpired, state.Status)

	// the responder hears about it on the next sweep
	expired, err := e.svc.ExpireOverdue(ctx)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	evs := e.eventsOf(notify.ReservationExpired)
	require.Len(t, evs, 1)
	assert.Equal(t, r.ID, evs[0].ReservationID)
	assert.Equal(t, e.owner.ID, evs[0].OwnerID)
}

func TestService_ExpiryPublishedAfterStatusPoll(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	o := e.offer(t)
	r := e.reserve(t, o.ID)

	e.clock.Advance(6 * time.Minute)
	state, err := e.svc.GetReservationStatus(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReservationExpired, state.Status)
	assert.Empty(t, e.eventsOf(notify.ReservationExpired))

	expired, err := e.svc.ExpireOverdue(ctx)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	evs := e.eventsOf(notify.ReservationExpired)
	require.Len(t, evs, 1)
	assert.Equal(t, r.ID, evs[0].ReservationID)
	require.NotNil(t, evs[0].BuyerUserID)
	assert.Equal(t, e.buyer.ID, *evs[0].BuyerUserID)

	expired, err = e.svc.ExpireOverdue(ctx)
	require.NoError(t, err)
	assert.Empty(t, expired)
	assert.Len(t, e.eventsOf(notify.ReservationExpired), 1)
}

func TestService_EditOffer_MergedWindow(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	o := e.offer(t)
	str := func(s string) *string { return &s }

	_, err := e.svc.EditOffer(ctx, e.owner.ID, o.ID, EditOfferInput{MeetingTimeEnd: str("09:00")})
	assert.ErrorIs(t, err, apperr.Validation(""))

	edited, err := e.svc.EditOffer(ctx, e.owner.ID, o.ID, EditOfferInput{MeetingTimeEnd: str("13:30")})
	require.NoError(t, err)
	assert.Equal(t, "12:00", edited.MeetingTime)
	assert.Equal(t, "13:30", edited.MeetingTimeEnd)

	_, err = e.svc.EditOffer(ctx, e.owner.ID, o.ID, EditOfferInput{MeetingTime: str("14:00")})
	assert.ErrorIs(t, err, apperr.Validation(""))
}

func TestService_CreateAnonymousOffer(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	in := AnonymousOfferInput{
		Name:        " Пётр ",
		Phone:       "+79990000009",
		Amount:      decimal.NewFromInt(300),
		Rate:        decimal.RequireFromString("94.5"),
		MeetingTime: "18:00",
	}

	tests := []struct {
		name   string
		mutate func(in *AnonymousOfferInput)
	}{
		{name: "missing phone", mutate: func(in *AnonymousOfferInput) { in.Phone = " " }},
		{name: "missing name", mutate: func(in *AnonymousOfferInput) { in.Name = "" }},
		{name: "zero amount", mutate: func(in *AnonymousOfferInput) { in.Amount = decimal.Zero }},
		{name: "bad window", mutate: func(in *AnonymousOfferInput) { in.MeetingTimeEnd = "17:00" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bad := in
			tt.mutate(&bad)
			_, err := e.svc.CreateAnonymousOffer(ctx, bad)
			assert.ErrorIs(t, err, apperr.Validation(""))
		})
	}

	o, err := e.svc.CreateAnonymousOffer(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, models.OfferBuy, o.Type)
	assert.Equal(t, "Пётр", o.OwnerName)
	assert.Equal(t, DefaultCity, o.City)
	require.NotNil(t, o.ExpiresAt)
	assert.True(t, t0.Add(24*time.Hour).Equal(*o.ExpiresAt))

	again, err := e.svc.CreateAnonymousOffer(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, o.OwnerID, again.OwnerID, "one system account owns every anonymous offer")

	_, err = e.svc.CreateReservation(ctx, o.ID, &e.buyer.ID, ReserveInput{})
	assert.ErrorIs(t, err, apperr.ErrAnonymousOffer)

	list, err := e.svc.ListOffers(ctx, models.OfferFilter{Type: models.OfferBuy})
	require.NoError(t, err)
	assert.Len(t, list, 2)

	e.clock.Advance(25 * time.Hour)
	n, err := e.svc.CleanupStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestService_ClearOffers(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	held := e.offer(t)
	e.reserve(t, held.ID)
	e.offer(t)

	res, err := e.svc.ClearOffers(ctx, e.owner.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ClearResult{Offers: 2, Reservations: 1}, res)

	all, err := e.svc.ListAllOffers(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestService_LinkTelegram(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	chat := int64(777)

	u, err := e.svc.LinkTelegram(ctx, e.buyer.ID, &chat)
	require.NoError(t, err)
	require.NotNil(t, u.TelegramID)
	assert.Equal(t, chat, *u.TelegramID)

	zero := int64(0)
	_, err = e.svc.LinkTelegram(ctx, e.buyer.ID, &zero)
	assert.ErrorIs(t, err, apperr.Validation(""))

	u, err = e.svc.LinkTelegram(ctx, e.buyer.ID, nil)
	require.NoError(t, err)
	assert.Nil(t, u.TelegramID)
}

func TestService_Moderation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	o := e.offer(t)

	list, err := e.svc.ListOffers(ctx, models.OfferFilter{})
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, e.svc.SetUserBlocked(ctx, e.owner.ID, true))
	list, err = e.svc.ListOffers(ctx, models.OfferFilter{})
	require.NoError(t, err)
	assert.Empty(t, list)

	_, err = e.svc.CreateReservation(ctx, o.ID, &e.buyer.ID, ReserveInput{MeetingOffice: "Тверская 1"})
	assert.ErrorIs(t, err, apperr.ErrOfferNotActive)

	all, err := e.svc.ListAllOffers(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, e.svc.DeleteOffer(ctx, e.buyer.ID, o.ID, true))
	_, err = e.svc.GetOffer(ctx, o.ID)
	assert.ErrorIs(t, err, apperr.ErrOfferNotFound)
}

func TestService_ListOffers_BadType(t *testing.T) {
	e := newEnv(t)
	_, err := e.svc.ListOffers(context.Background(), models.OfferFilter{Type: "swap"})
	assert.ErrorIs(t, err, apperr.Validation(""))
}

func TestService_EditAndPause(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	o := e.offer(t)

	rate := decimal.RequireFromString("97")
	edited, err := e.svc.EditOffer(ctx, e.owner.ID, o.ID, EditOfferInput{Rate: &rate})
	require.NoError(t, err)
	assert.True(t, rate.Equal(edited.Rate))

	bad := "7pm"
	_, err = e.svc.EditOffer(ctx, e.owner.ID, o.ID, EditOfferInput{MeetingTime: &bad})
	assert.ErrorIs(t, err, apperr.Validation(""))

	paused, err := e.svc.SetOfferStatus(ctx, e.owner.ID, o.ID, models.OfferInactive)
	require.NoError(t, err)
	assert.Equal(t, models.OfferInactive, paused.Status)

	_, err = e.svc.CreateReservation(ctx, o.ID, &e.buyer.ID, ReserveInput{MeetingOffice: "Тверская 1"})
	assert.ErrorIs(t, err, apperr.ErrOfferNotActive)
}

func TestService_ListOffersForUser(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	o := e.offer(t)
	r := e.reserve(t, o.ID)

	owned, err := e.svc.ListOffersForUser(ctx, e.owner.ID)
	require.NoError(t, err)
	require.Len(t, owned, 1)
	assert.Equal(t, models.RelationCreated, owned[0].RelationType)
	assert.Equal(t, 1, owned[0].PendingCount())

	taken, err := e.svc.ListOffersForUser(ctx, e.buyer.ID)
	require.NoError(t, err)
	require.Len(t, taken, 1)
	assert.Equal(t, models.RelationReserved, taken[0].RelationType)
	assert.Equal(t, r.ID, taken[0].Reservations[0].ID)
}

func TestSweeper_Sweep(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	held := e.offer(t)
	e.reserve(t, held.ID)

	e.clock.Advance(10 * time.Minute)
	sw := NewSweeper(e.svc, zap.NewNop(), time.Second)
	sw.Sweep(ctx)

	offer, err := e.svc.GetOffer(ctx, held.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OfferActive, offer.Status)

	e.clock.Advance(25 * time.Hour)
	sw.Sweep(ctx)
	_, err = e.svc.GetOffer(ctx, held.ID)
	assert.ErrorIs(t, err, apperr.ErrOfferNotFound)
}

func TestSweeper_RunStopsOnCancel(t *testing.T) {
	e := newEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		NewSweeper(e.svc, zap.NewNop(), 10*time.Millisecond).Run(ctx)
		close(done)
	}()
	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}

func TestService_Book(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	cheap := e.offer(t)
	dear, err := e.svc.CreateOffer(ctx, e.owner.ID, CreateOfferInput{
		Type: models.OfferSell, Amount: decimal.NewFromInt(10), Rate: decimal.NewFromInt(99), MeetingTime: "09:00",
	})
	require.NoError(t, err)
	e.reserve(t, cheap.ID)

	b, err := e.svc.Book(ctx, models.OfferFilter{})
	require.NoError(t, err)
	require.Len(t, b.Sell, 1)
	assert.Equal(t, dear.ID, b.Sell[0].ID)
	assert.Empty(t, b.Buy)
}
