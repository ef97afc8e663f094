package poller

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/xtrntr/p2pmarket/internal/apperr"
	"github.com/xtrntr/p2pmarket/internal/models"
)

const (
	DefaultCreatorInterval   = 5 * time.Second
	DefaultResponderInterval = 3 * time.Second
	DefaultRequestTimeout    = 10 * time.Second
)

// Source is the read side of the marketplace API the poller needs
type Source interface {
	ListOffersForUser(ctx context.Context) ([]models.UserOffer, error)
	GetReservationStatus(ctx context.Context, reservationID int64) (*models.ReservationState, error)
}

type Config struct {
	CreatorInterval   time.Duration
	ResponderInterval time.Duration
	RequestTimeout    time.Duration
	// CountdownStep is how often the local countdown ticks
	CountdownStep time.Duration
}

type Poller struct {
	src    Source
	logger *zap.Logger
	cfg    Config
}

func New(src Source, logger *zap.Logger, cfg Config) *Poller {
	if cfg.CreatorInterval <= 0 {
		cfg.CreatorInterval = DefaultCreatorInterval
	}
	if cfg.ResponderInterval <= 0 {
		cfg.ResponderInterval = DefaultResponderInterval
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.CountdownStep <= 0 {
		cfg.CountdownStep = time.Second
	}
	return &Poller{src: src, logger: logger, cfg: cfg}
}

// WatchCreator polls the user's offers until ctx is done and calls onNew for
// every detected batch of new reservations.
func (p *Poller) WatchCreator(ctx context.Context, w *CreatorWatcher, onNew func(NewReservations)) error {
	ticker := time.NewTicker(p.cfg.CreatorInterval)
	defer ticker.Stop()

	for {
		p.pollCreator(ctx, w, onNew)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *Poller) pollCreator(ctx context.Context, w *CreatorWatcher, onNew func(NewReservations)) {
	reqCtx, cancel := context.WithTimeout(ctx, p.cfg.RequestTimeout)
	defer cancel()

	snapshot, err := p.src.ListOffersForUser(reqCtx)
	if err != nil {
		p.logFailure("failed to fetch user offers", err)
		return
	}
	for _, ev := range w.Observe(snapshot) {
		p.logger.Info("new reservations",
			zap.Int64("offer_id", ev.OfferID),
			zap.Int("count", len(ev.Reservations)),
			zap.Int64("latest_reservation_id", ev.Latest().ID))
		onNew(ev)
	}
}

// WatchReservation polls one reservation until it leaves pending or ctx is
// done. onTick receives the local countdown every CountdownStep and may be
// nil. The resolving change is returned.
func (p *Poller) WatchReservation(ctx context.Context, reservationID int64, onTick func(secondsLeft int)) (StatusChange, error) {
	w := NewResponderWatcher(reservationID)
	cd := &Countdown{}

	poll := time.NewTicker(p.cfg.ResponderInterval)
	defer poll.Stop()
	tick := time.NewTicker(p.cfg.CountdownStep)
	defer tick.Stop()

	if change, ok := p.pollReservation(ctx, w, cd); ok {
		return change, nil
	}
	for {
		select {
		case <-ctx.Done():
			return StatusChange{}, ctx.Err()
		case <-tick.C:
			left := cd.Tick()
			if onTick != nil {
				onTick(left)
			}
		case <-poll.C:
			if change, ok := p.pollReservation(ctx, w, cd); ok {
				return change, nil
			}
		}
	}
}

func (p *Poller) pollReservation(ctx context.Context, w *ResponderWatcher, cd *Countdown) (StatusChange, bool) {
	reqCtx, cancel := context.WithTimeout(ctx, p.cfg.RequestTimeout)
	defer cancel()

	st, err := p.src.GetReservationStatus(reqCtx, w.id)
	if err != nil {
		p.logFailure("failed to fetch reservation status", err)
		return StatusChange{}, false
	}
	if st.Status == models.ReservationPending {
		cd.Sync(st.TimeLeftSeconds)
	}
	change, ok := w.Observe(*st)
	if ok {
		p.logger.Info("reservation resolved",
			zap.Int64("reservation_id", change.ReservationID),
			zap.String("status", string(change.To)))
	}
	return change, ok
}

func (p *Poller) logFailure(msg string, err error) {
	p.logger.Warn(msg, zap.Error(err), zap.Bool("retryable", apperr.IsRetryable(err)))
}
