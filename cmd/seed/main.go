package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xtrntr/p2pmarket/internal/apperr"
	"github.com/xtrntr/p2pmarket/internal/auth"
	"github.com/xtrntr/p2pmarket/internal/config"
	"github.com/xtrntr/p2pmarket/internal/db"
	"github.com/xtrntr/p2pmarket/internal/lifecycle"
	"github.com/xtrntr/p2pmarket/internal/logger"
	"github.com/xtrntr/p2pmarket/internal/market"
	"github.com/xtrntr/p2pmarket/internal/models"
)

const seedPassword = "password123"

// Seed the database with test users, offers and a few completed deals
func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log, err := logger.New(cfg.LogLevel, "")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	start := time.Now()
	ctx := context.Background()
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL is required")
	}
	if err := db.Migrate(cfg.DatabaseURL); err != nil {
		log.Fatal("failed to migrate", zap.Error(err))
	}
	database, err := db.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal("failed to connect to database", zap.Error(err))
	}
	defer database.Close()

	deals, err := database.ListDeals(ctx, nil)
	if err != nil {
		log.Fatal("failed to check deals", zap.Error(err))
	}
	if len(deals) > 0 {
		log.Info("database already seeded", zap.Int("deals", len(deals)))
		return
	}

	authService := auth.NewAuthService(database, cfg.JWTSecret, cfg.TokenTTL)
	svc := market.NewService(database, nil, log, market.Config{PendingWindow: cfg.ReservationWindow})

	seller, err := ensureUser(ctx, authService, database, "trader1", "+79990000001")
	if err != nil {
		log.Fatal("failed to create trader1", zap.Error(err))
	}
	buyer, err := ensureUser(ctx, authService, database, "trader2", "+79990000002")
	if err != nil {
		log.Fatal("failed to create trader2", zap.Error(err))
	}

	// completed history for both traders
	for _, d := range []struct{ amount, rate string }{{"500", "94.20"}, {"1200", "95.10"}, {"300", "96.00"}} {
		if err := completedDeal(ctx, svc, seller.ID, buyer.ID, d.amount, d.rate); err != nil {
			log.Fatal("failed to seed deal", zap.Error(err))
		}
	}

	// open offers on both sides of the book
	open := []market.CreateOfferInput{
		{Type: models.OfferSell, Amount: decimal.RequireFromString("1000"), Rate: decimal.RequireFromString("95.50"), MeetingTime: "12:00", MeetingTimeEnd: "14:00", Offices: []string{"Тверская 1", "Арбат 10"}},
		{Type: models.OfferSell, Amount: decimal.RequireFromString("250"), Rate: decimal.RequireFromString("95.80"), MeetingTime: "15:30", Offices: []string{"Тверская 1"}},
		{Type: models.OfferBuy, Amount: decimal.RequireFromString("700"), Rate: decimal.RequireFromString("94.90"), MeetingTime: "18:00"},
	}
	var created []*models.Offer
	for _, in := range open {
		owner := seller.ID
		if in.Type == models.OfferBuy {
			owner = buyer.ID
		}
		offer, err := svc.CreateOffer(ctx, owner, in)
		if err != nil {
			log.Fatal("failed to seed offer", zap.Error(err))
		}
		created = append(created, offer)
	}

	// one meeting agreed but not yet held
	res, err := svc.CreateReservation(ctx, created[1].ID, &buyer.ID, market.ReserveInput{MeetingOffice: "Тверская 1"})
	if err != nil {
		log.Fatal("failed to seed reservation", zap.Error(err))
	}
	if _, err := svc.RespondToReservation(ctx, seller.ID, res.ID, lifecycle.Accept); err != nil {
		log.Fatal("failed to confirm reservation", zap.Error(err))
	}

	log.Info("database seeded",
		zap.String("users", "trader1, trader2"),
		zap.String("password", seedPassword),
		zap.Duration("took", time.Since(start)))
}

func ensureUser(ctx context.Context, a *auth.AuthService, users auth.UserStore, name, phone string) (*models.User, error) {
	email := name + "@example.com"
	u, err := a.Register(ctx, auth.RegisterInput{Name: name, Email: email, Phone: phone, Password: seedPassword})
	if errors.Is(err, apperr.ErrEmailTaken) {
		return users.GetUserByEmail(ctx, email)
	}
	return u, err
}

// completedDeal runs one offer through reserve, accept and complete
func completedDeal(ctx context.Context, svc *market.Service, sellerID, buyerID int64, amount, rate string) error {
	offer, err := svc.CreateOffer(ctx, sellerID, market.CreateOfferInput{
		Type:        models.OfferSell,
		Amount:      decimal.RequireFromString(amount),
		Rate:        decimal.RequireFromString(rate),
		MeetingTime: "11:00",
		Offices:     []string{"Тверская 1"},
	})
	if err != nil {
		return err
	}
	res, err := svc.CreateReservation(ctx, offer.ID, &buyerID, market.ReserveInput{MeetingOffice: "Тверская 1"})
	if err != nil {
		return err
	}
	if _, err := svc.RespondToReservation(ctx, sellerID, res.ID, lifecycle.Accept); err != nil {
		return err
	}
	_, _, err = svc.CompleteOffer(ctx, sellerID, offer.ID, false)
	return err
}
