package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xtrntr/p2pmarket/internal/api"
	"github.com/xtrntr/p2pmarket/internal/auth"
	"github.com/xtrntr/p2pmarket/internal/config"
	"github.com/xtrntr/p2pmarket/internal/db"
	"github.com/xtrntr/p2pmarket/internal/logger"
	"github.com/xtrntr/p2pmarket/internal/market"
	"github.com/xtrntr/p2pmarket/internal/memstore"
	"github.com/xtrntr/p2pmarket/internal/notify"
	"github.com/xtrntr/p2pmarket/internal/rates"
)

// Main entry point: wires storage, notifications, rates and the HTTP API
func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log, err := logger.New(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("server stopped with error", zap.Error(err))
		os.Exit(1)
	}
	log.Info("server stopped")
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	store, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	hub := notify.NewHub(log, cfg.CORSOrigins...)
	defer hub.Close()
	notifier := notify.NewMulti(log).Add("websocket", hub)

	if len(cfg.KafkaBrokers) > 0 {
		kafka := notify.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kafka.Close()
		notifier.Add("kafka", kafka)
		log.Info("kafka events enabled", zap.Strings("brokers", cfg.KafkaBrokers), zap.String("topic", cfg.KafkaTopic))
	}
	if cfg.TelegramToken != "" {
		tg, err := notify.NewTelegramNotifier(cfg.TelegramToken, store)
		if err != nil {
			return err
		}
		notifier.Add("telegram", tg)
		log.Info("telegram notifications enabled")
	}

	svc := market.NewService(store, notifier, log, market.Config{
		PendingWindow:       cfg.ReservationWindow,
		StaleReservedAfter:  cfg.StaleReservedAfter,
		CleanupPastMeetings: cfg.CleanupPastMeetings,
	})
	authService := auth.NewAuthService(store, cfg.JWTSecret, cfg.TokenTTL)

	rateService, closeCache, err := newRates(cfg, log)
	if err != nil {
		return err
	}
	defer closeCache()

	handler := api.NewHandler(svc, authService, rateService, hub, log)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.NewRouter(handler, api.RouterConfig{CORSOrigins: cfg.CORSOrigins, RequestTimeout: cfg.RequestTimeout}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		market.NewSweeper(svc, log, cfg.SweepInterval).Run(gctx)
		return nil
	})
	g.Go(func() error {
		log.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		log.Info("shutting down http server", zap.Duration("timeout", cfg.ShutdownTimeout))
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

type storeWithUsers interface {
	market.Store
	notify.UserLookup
}

func openStore(ctx context.Context, cfg *config.Config, log *zap.Logger) (storeWithUsers, func(), error) {
	if cfg.Store == "memory" {
		log.Warn("using in-memory store, data is lost on restart")
		return memstore.New(), func() {}, nil
	}
	if cfg.Migrate {
		if err := db.Migrate(cfg.DatabaseURL); err != nil {
			return nil, nil, err
		}
		log.Info("database migrations applied")
	}
	database, err := db.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	return database, database.Close, nil
}

func newRates(cfg *config.Config, log *zap.Logger) (*rates.Service, func(), error) {
	client := &http.Client{Timeout: cfg.RatesTimeout}
	agg := rates.NewAggregator(rates.DefaultProviders(client), cfg.RatesTimeout, log)
	p2p := rates.NewP2PSource(client, cfg.RatesTimeout, log)

	if cfg.RedisURL == "" {
		svc := rates.NewService(agg, rates.NewMemoryCache(), cfg.RatesCacheTTL, log).WithP2P(p2p, rates.NewMemoryCache())
		return svc, func() {}, nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	closeFn := func() {
		if err := rdb.Close(); err != nil {
			log.Warn("failed to close redis client", zap.Error(err))
		}
	}
	cache := rates.NewRedisCache(rdb)
	svc := rates.NewService(agg, cache, cfg.RatesCacheTTL, log).WithP2P(p2p, cache.WithKey(rates.P2PCacheKey))
	return svc, closeFn, nil
}
