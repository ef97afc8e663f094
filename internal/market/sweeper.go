package market

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Sweeper periodically expires overdue reservations and removes stale
// offers. Lazy expiry on reads keeps state correct between sweeps; the
// sweeper is what publishes the expiry events.
type Sweeper struct {
	svc      *Service
	logger   *zap.Logger
	interval time.Duration
}

func NewSweeper(svc *Service, logger *zap.Logger, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Sweeper{svc: svc, logger: logger, interval: interval}
}

// Run sweeps on every tick until ctx is cancelled
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopped", zap.Error(ctx.Err()))
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one expiry and cleanup pass
func (s *Sweeper) Sweep(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	expired, err := s.svc.ExpireOverdue(ctx)
	if err != nil {
		s.logger.Error("failed to expire reservations", zap.Error(err))
	} else if len(expired) > 0 {
		s.logger.Info("reservations expired", zap.Int("count", len(expired)))
	}

	removed, err := s.svc.CleanupStale(ctx)
	if err != nil {
		s.logger.Error("failed to clean up stale offers", zap.Error(err))
		return
	}
	if removed > 0 {
		s.logger.Info("stale offers removed", zap.Int("count", removed))
	}
}
