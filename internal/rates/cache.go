package rates

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/xtrntr/p2pmarket/internal/apperr"
	"github.com/xtrntr/p2pmarket/internal/models"
)

const (
	DefaultTTL = 30 * time.Second
	cacheKey   = "rates:usdt_rub"
)

// Cache stores the last aggregated quotes. Get reports a miss with ok=false.
type Cache interface {
	Get(ctx context.Context) (rates []models.ExchangeRate, ok bool, err error)
	Set(ctx context.Context, rates []models.ExchangeRate, ttl time.Duration) error
}

type RedisCache struct {
	client *redis.Client
	key    string
}

func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client, key: cacheKey}
}

// WithKey returns a cache over the same client under another key
func (c *RedisCache) WithKey(key string) *RedisCache {
	return &RedisCache{client: c.client, key: key}
}

func (c *RedisCache) Get(ctx context.Context) ([]models.ExchangeRate, bool, error) {
	raw, err := c.client.Get(ctx, c.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read rates cache: %w", err)
	}
	var out []models.ExchangeRate
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, false, fmt.Errorf("failed to decode cached rates: %w", err)
	}
	return out, true, nil
}

func (c *RedisCache) Set(ctx context.Context, rates []models.ExchangeRate, ttl time.Duration) error {
	raw, err := json.Marshal(rates)
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, c.key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("failed to write rates cache: %w", err)
	}
	return nil
}

// MemoryCache is used when no Redis is configured
type MemoryCache struct {
	mu      sync.Mutex
	rates   []models.ExchangeRate
	expires time.Time
	now     func() time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{now: time.Now}
}

func (c *MemoryCache) Get(ctx context.Context) ([]models.ExchangeRate, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rates == nil || !c.now().Before(c.expires) {
		return nil, false, nil
	}
	return append([]models.ExchangeRate(nil), c.rates...), true, nil
}

func (c *MemoryCache) Set(ctx context.Context, rates []models.ExchangeRate, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rates = append([]models.ExchangeRate(nil), rates...)
	c.expires = c.now().Add(ttl)
	return nil
}

// Service serves cached quotes and refreshes them through the aggregator
// on a miss. Concurrent misses share one refresh.
type Service struct {
	agg    *Aggregator
	cache  Cache
	ttl    time.Duration
	logger *zap.Logger
	group  singleflight.Group

	p2p      *P2PSource
	p2pCache Cache
}

func NewService(agg *Aggregator, cache Cache, ttl time.Duration, logger *zap.Logger) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if cache == nil {
		cache = NewMemoryCache()
	}
	return &Service{agg: agg, cache: cache, ttl: ttl, logger: logger}
}

// WithP2P enables the P2P reference rate, cached in cache with the same TTL
func (s *Service) WithP2P(src *P2PSource, cache Cache) *Service {
	if cache == nil {
		cache = NewMemoryCache()
	}
	s.p2p = src
	s.p2pCache = cache
	return s
}

func (s *Service) Rates(ctx context.Context) []models.ExchangeRate {
	if cached, ok, err := s.cache.Get(ctx); err != nil {
		s.logger.Warn("rates cache unavailable", zap.Error(err))
	} else if ok {
		return cached
	}

	v, _, _ := s.group.Do(cacheKey, func() (any, error) {
		// the refresh outlives a single caller's cancellation
		fresh := s.agg.Rates(context.WithoutCancel(ctx))
		if err := s.cache.Set(context.WithoutCancel(ctx), fresh, s.ttl); err != nil {
			s.logger.Warn("failed to cache rates", zap.Error(err))
		}
		return fresh, nil
	})
	return v.([]models.ExchangeRate)
}

// P2PRate serves the cached P2P reference rate, refreshing it on a miss
func (s *Service) P2PRate(ctx context.Context) (models.P2PRate, error) {
	if s.p2p == nil {
		return models.P2PRate{}, apperr.NotFound("rates_disabled", "p2p rate is not configured")
	}
	if cached, ok, err := s.p2pCache.Get(ctx); err != nil {
		s.logger.Warn("p2p rate cache unavailable", zap.Error(err))
	} else if ok && len(cached) == 1 {
		return models.P2PRate{Rate: cached[0].Rate, Source: cached[0].Exchange}, nil
	}

	v, _, _ := s.group.Do(P2PCacheKey, func() (any, error) {
		fresh := s.p2p.Rate(context.WithoutCancel(ctx))
		entry := []models.ExchangeRate{{Exchange: fresh.Source, Rate: fresh.Rate}}
		if err := s.p2pCache.Set(context.WithoutCancel(ctx), entry, s.ttl); err != nil {
			s.logger.Warn("failed to cache p2p rate", zap.Error(err))
		}
		return fresh, nil
	})
	return v.(models.P2PRate), nil
}
