// Command watch follows the marketplace from the terminal. As a creator it
// reports new reservations on the user's offers; given -reservation it waits
// for the owner to answer one reservation.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/xtrntr/p2pmarket/internal/client"
	"github.com/xtrntr/p2pmarket/internal/logger"
	"github.com/xtrntr/p2pmarket/internal/poller"
)

type options struct {
	BaseURL     string        `env:"WATCH_API_URL" envDefault:"http://localhost:8080"`
	Email       string        `env:"WATCH_EMAIL"`
	Password    string        `env:"WATCH_PASSWORD"`
	Reservation int64         `env:"WATCH_RESERVATION"`
	Interval    time.Duration `env:"WATCH_INTERVAL"`
	LogLevel    string        `env:"LOG_LEVEL" envDefault:"info"`
}

func main() {
	_ = godotenv.Load()
	var opts options
	if err := env.Parse(&opts); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	flag.StringVar(&opts.BaseURL, "api", opts.BaseURL, "marketplace API base URL")
	flag.StringVar(&opts.Email, "email", opts.Email, "login email, required for creator mode")
	flag.StringVar(&opts.Password, "password", opts.Password, "login password")
	flag.Int64Var(&opts.Reservation, "reservation", opts.Reservation, "reservation id to wait on")
	flag.DurationVar(&opts.Interval, "interval", opts.Interval, "poll interval, 0 for the default")
	flag.Parse()

	log, err := logger.New(opts.LogLevel, "")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer log.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts, log); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("watch failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options, log *zap.Logger) error {
	c := client.New(opts.BaseURL, &http.Client{Timeout: poller.DefaultRequestTimeout})
	if opts.Email != "" {
		user, err := c.Login(ctx, opts.Email, opts.Password)
		if err != nil {
			return fmt.Errorf("login: %w", err)
		}
		log.Info("logged in", zap.Int64("user_id", user.ID), zap.String("name", user.Name))
	}

	p := poller.New(c, log, poller.Config{CreatorInterval: opts.Interval, ResponderInterval: opts.Interval})

	if opts.Reservation > 0 {
		change, err := p.WatchReservation(ctx, opts.Reservation, func(left int) {
			if left > 0 && left%30 == 0 {
				log.Info("waiting for the owner", zap.Int("seconds_left", left))
			}
		})
		if err != nil {
			return err
		}
		log.Info("reservation resolved",
			zap.Int64("reservation_id", change.ReservationID),
			zap.String("from", string(change.From)),
			zap.String("to", string(change.To)))
		return nil
	}

	if opts.Email == "" {
		return errors.New("-email is required to watch your offers")
	}
	return p.WatchCreator(ctx, poller.NewCreatorWatcher(), func(n poller.NewReservations) {
		latest := n.Latest()
		log.Info("new reservation",
			zap.Int64("offer_id", n.OfferID),
			zap.Int("count", len(n.Reservations)),
			zap.Int64("reservation_id", latest.ID),
			zap.String("buyer", latest.BuyerName),
			zap.String("office", latest.MeetingOffice),
			zap.Int("seconds_left", latest.TimeLeftSeconds))
	})
}
