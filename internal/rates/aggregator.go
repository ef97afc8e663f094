package rates

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xtrntr/p2pmarket/internal/metrics"
	"github.com/xtrntr/p2pmarket/internal/models"
)

const DefaultTimeout = 5 * time.Second

// Fallback is served when no exchange answers
var Fallback = []models.ExchangeRate{
	{Exchange: "Binance", Rate: 100.12, Change: 0.5},
	{Exchange: "Bybit", Rate: 100.08, Change: -0.2},
	{Exchange: "OKX", Rate: 100.15, Change: 0.8},
}

// Aggregator queries all providers concurrently. A provider that fails or
// times out is skipped; the rest are returned in provider order.
type Aggregator struct {
	providers []Provider
	timeout   time.Duration
	logger    *zap.Logger
}

func NewAggregator(providers []Provider, timeout time.Duration, logger *zap.Logger) *Aggregator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Aggregator{providers: providers, timeout: timeout, logger: logger}
}

// Rates never fails: with zero successful quotes it returns Fallback
func (a *Aggregator) Rates(ctx context.Context) []models.ExchangeRate {
	results := make([]*models.ExchangeRate, len(a.providers))

	var g errgroup.Group
	for i, p := range a.providers {
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(ctx, a.timeout)
			defer cancel()

			rate, err := p.Fetch(pctx)
			if err != nil {
				metrics.RateProviderFailed(p.Name())
				a.logger.Debug("rate provider failed", zap.String("provider", p.Name()), zap.Error(err))
				return nil
			}
			results[i] = &rate
			return nil
		})
	}
	_ = g.Wait()

	out := make([]models.ExchangeRate, 0, len(results))
	for _, r := range results {
		if r != nil {
			out = append(out, *r)
		}
	}
	if len(out) == 0 {
		a.logger.Warn("all rate providers failed, serving fallback rates")
		return append([]models.ExchangeRate(nil), Fallback...)
	}
	return out
}
