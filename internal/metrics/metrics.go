// Package metrics registers the Prometheus collectors of the marketplace.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	offersCreatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "p2pmarket_offers_created_total",
			Help: "Offers created, by offer type",
		},
		[]string{"type"},
	)
	offersCompletedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "p2pmarket_offers_completed_total",
			Help: "Offers completed into deals",
		},
	)
	reservationTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "p2pmarket_reservation_transitions_total",
			Help: "Reservation status transitions",
		},
		[]string{"to"},
	)
	reservationConflictsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "p2pmarket_reservation_conflicts_total",
			Help: "Reservation attempts refused because the offer was already held",
		},
	)
	rateProviderFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "p2pmarket_rate_provider_failures_total",
			Help: "Failed exchange rate fetches, by provider",
		},
		[]string{"provider"},
	)
	notifyFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "p2pmarket_notify_failures_total",
			Help: "Failed event deliveries, by channel",
		},
		[]string{"channel"},
	)
	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "p2pmarket_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
)

func OfferCreated(offerType string) { offersCreatedTotal.WithLabelValues(offerType).Inc() }

func OfferCompleted() { offersCompletedTotal.Inc() }

func ReservationTransition(to string) { reservationTransitionsTotal.WithLabelValues(to).Inc() }

func ReservationConflict() { reservationConflictsTotal.Inc() }

func RateProviderFailed(provider string) { rateProviderFailuresTotal.WithLabelValues(provider).Inc() }

func NotifyFailed(channel string) { notifyFailuresTotal.WithLabelValues(channel).Inc() }

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// Middleware observes request durations labeled by the matched chi route
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		httpRequestDuration.
			WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).
			Observe(time.Since(start).Seconds())
	})
}
