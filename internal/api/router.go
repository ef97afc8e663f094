package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xtrntr/p2pmarket/internal/logger"
	"github.com/xtrntr/p2pmarket/internal/metrics"
)

type RouterConfig struct {
	CORSOrigins    []string
	RequestTimeout time.Duration
}

// NewRouter wires every route of the marketplace API
func NewRouter(h *Handler, cfg RouterConfig) http.Handler {
	if len(cfg.CORSOrigins) == 0 {
		cfg.CORSOrigins = []string{"*"}
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}

	r := chi.NewRouter()
	r.Use(logger.Middleware(h.logger))
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", logger.HeaderRequestID},
		ExposedHeaders:   []string{logger.HeaderRequestID},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Handle("/metrics", promhttp.Handler())
	// long lived, outside the request timeout
	r.Get("/ws", h.Events)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(cfg.RequestTimeout))

		r.Get("/healthz", h.Healthz)
		r.Get("/rates", h.GetRates)
		r.Get("/rates/p2p", h.GetP2PRate)

		r.Post("/auth/register", h.Register)
		r.Post("/auth/login", h.Login)

		// Public endpoints
		r.Get("/offers", h.ListOffers)
		r.Get("/offers/book", h.GetBook)
		r.Get("/offers/{id}", h.GetOffer)
		r.Post("/offers/anonymous", h.CreateAnonymousOffer)
		r.Get("/reservations/{id}", h.GetReservationStatus)

		// Anonymous responders may reserve and cancel
		r.Group(func(r chi.Router) {
			r.Use(h.OptionalAuthMiddleware)
			r.Post("/offers/{id}/reservations", h.CreateReservation)
			r.Post("/offers/{id}/reservations/cancel", h.CancelReservation)
		})

		// Protected endpoints (require JWT)
		r.Group(func(r chi.Router) {
			r.Use(h.JWTAuthMiddleware)
			r.Post("/offers", h.CreateOffer)
			r.Patch("/offers/{id}", h.EditOffer)
			r.Post("/offers/{id}/status", h.SetOfferStatus)
			r.Post("/offers/{id}/complete", h.CompleteOffer)
			r.Delete("/offers/{id}", h.DeleteOffer)
			r.Post("/reservations/{id}/respond", h.RespondToReservation)

			r.Get("/me/offers", h.GetUserOffers)
			r.Get("/me/deals", h.GetUserDeals)
			r.Get("/me/stats", h.GetUserStats)
			r.Patch("/me/telegram", h.LinkTelegram)

			r.Route("/admin", func(r chi.Router) {
				r.Use(h.AdminOnly)
				r.Get("/users", h.AdminListUsers)
				r.Post("/users/{id}/block", h.AdminBlockUser)
				r.Post("/users/{id}/unblock", h.AdminUnblockUser)
				r.Get("/offers", h.AdminListOffers)
				r.Get("/deals", h.AdminListDeals)
				r.Get("/stats", h.AdminStats)
				r.Post("/offers/{id}/complete", h.ForceCompleteOffer)
				r.Delete("/offers/{id}", h.AdminDeleteOffer)
				r.Post("/clear", h.AdminClearOffers)
			})
		})
	})

	return r
}
