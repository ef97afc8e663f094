package api

import (
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/xtrntr/p2pmarket/internal/apperr"
	"github.com/xtrntr/p2pmarket/internal/auth"
	"github.com/xtrntr/p2pmarket/internal/lifecycle"
	"github.com/xtrntr/p2pmarket/internal/logger"
	"github.com/xtrntr/p2pmarket/internal/market"
	"github.com/xtrntr/p2pmarket/internal/models"
	"github.com/xtrntr/p2pmarket/internal/notify"
)

// RateSource serves the aggregated exchange quotes and the P2P reference rate
type RateSource interface {
	Rates(ctx context.Context) []models.ExchangeRate
	P2PRate(ctx context.Context) (models.P2PRate, error)
}

// Handler contains dependencies for HTTP handlers
type Handler struct {
	svc    *market.Service
	auth   *auth.AuthService
	rates  RateSource
	hub    *notify.Hub
	logger *zap.Logger
}

// NewHandler creates a new handler. rates and hub may be nil; their routes
// then answer 404.
func NewHandler(svc *market.Service, authService *auth.AuthService, rates RateSource, hub *notify.Hub, logger *zap.Logger) *Handler {
	return &Handler{svc: svc, auth: authService, rates: rates, hub: hub, logger: logger}
}

// Register handles user registration
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req auth.RegisterInput
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	user, err := h.auth.Register(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

// Login handles user login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	token, user, err := h.auth.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"token": token, "user": user})
}

// GetRates returns the aggregated USDT/RUB quotes
func (h *Handler) GetRates(w http.ResponseWriter, r *http.Request) {
	if h.rates == nil {
		h.writeError(w, r, apperr.NotFound("rates_disabled", "rates are not configured"))
		return
	}
	w.Header().Set("Cache-Control", "public, max-age=30")
	writeJSON(w, http.StatusOK, map[string]any{
		"rates":      h.rates.Rates(r.Context()),
		"request_id": logger.RequestID(r.Context()),
	})
}

// GetP2PRate returns the averaged Binance P2P price and its source
func (h *Handler) GetP2PRate(w http.ResponseWriter, r *http.Request) {
	if h.rates == nil {
		h.writeError(w, r, apperr.NotFound("rates_disabled", "rates are not configured"))
		return
	}
	rate, err := h.rates.P2PRate(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "public, max-age=30")
	writeJSON(w, http.StatusOK, rate)
}

func (h *Handler) ListOffers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	offers, err := h.svc.ListOffers(r.Context(), models.OfferFilter{
		Type: models.OfferType(q.Get("type")),
		City: q.Get("city"),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if offers == nil {
		offers = []models.Offer{}
	}
	writeJSON(w, http.StatusOK, offers)
}

// GetBook returns the public offers ordered best rate first on each side
func (h *Handler) GetBook(w http.ResponseWriter, r *http.Request) {
	b, err := h.svc.Book(r.Context(), models.OfferFilter{City: r.URL.Query().Get("city")})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (h *Handler) GetOffer(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	offer, err := h.svc.GetOffer(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, offer)
}

func (h *Handler) CreateOffer(w http.ResponseWriter, r *http.Request) {
	var req market.CreateOfferInput
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	offer, err := h.svc.CreateOffer(r.Context(), currentUser(r.Context()).ID, req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, offer)
}

// CreateAnonymousOffer posts a buy request without an account
func (h *Handler) CreateAnonymousOffer(w http.ResponseWriter, r *http.Request) {
	var req market.AnonymousOfferInput
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	offer, err := h.svc.CreateAnonymousOffer(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, offer)
}

func (h *Handler) EditOffer(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req market.EditOfferInput
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	offer, err := h.svc.EditOffer(r.Context(), currentUser(r.Context()).ID, id, req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, offer)
}

func (h *Handler) SetOfferStatus(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req struct {
		Status models.OfferStatus `json:"status"`
	}
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	offer, err := h.svc.SetOfferStatus(r.Context(), currentUser(r.Context()).ID, id, req.Status)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, offer)
}

func (h *Handler) completeOffer(w http.ResponseWriter, r *http.Request, force bool) {
	id, err := idParam(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	offer, deals, err := h.svc.CompleteOffer(r.Context(), currentUser(r.Context()).ID, id, force)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"offer": offer, "deals": deals})
}

// CompleteOffer lets the owner finish a confirmed meeting
func (h *Handler) CompleteOffer(w http.ResponseWriter, r *http.Request) {
	h.completeOffer(w, r, false)
}

// ForceCompleteOffer is the admin override
func (h *Handler) ForceCompleteOffer(w http.ResponseWriter, r *http.Request) {
	h.completeOffer(w, r, true)
}

func (h *Handler) deleteOffer(w http.ResponseWriter, r *http.Request, admin bool) {
	id, err := idParam(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.svc.DeleteOffer(r.Context(), currentUser(r.Context()).ID, id, admin); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Offer deleted"})
}

func (h *Handler) DeleteOffer(w http.ResponseWriter, r *http.Request) {
	h.deleteOffer(w, r, false)
}

func (h *Handler) AdminDeleteOffer(w http.ResponseWriter, r *http.Request) {
	h.deleteOffer(w, r, true)
}

type reservationResponse struct {
	ReservationID int64 `json:"reservation_id"`
	*models.Reservation
}

// CreateReservation places a pending reservation. Anonymous callers must
// send buyer_name and buyer_phone.
func (h *Handler) CreateReservation(w http.ResponseWriter, r *http.Request) {
	offerID, err := idParam(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req market.ReserveInput
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	var userID *int64
	if u := currentUser(r.Context()); u != nil {
		userID = &u.ID
	}
	res, err := h.svc.CreateReservation(r.Context(), offerID, userID, req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, reservationResponse{ReservationID: res.ID, Reservation: res})
}

// CancelReservation withdraws the offer's pending reservation. The caller
// is identified by token or by the phone used when reserving.
func (h *Handler) CancelReservation(w http.ResponseWriter, r *http.Request) {
	offerID, err := idParam(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req struct {
		Phone string `json:"buyer_phone"`
	}
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	who := models.Identity{Phone: strings.TrimSpace(req.Phone)}
	if u := currentUser(r.Context()); u != nil {
		who.UserID = &u.ID
	}
	res, err := h.svc.CancelReservation(r.Context(), offerID, who)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// RespondToReservation applies the owner's accept or reject
func (h *Handler) RespondToReservation(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req struct {
		Action lifecycle.Response `json:"action"`
	}
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	res, err := h.svc.RespondToReservation(r.Context(), currentUser(r.Context()).ID, id, req.Action)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GetReservationStatus is polled by the waiting responder
func (h *Handler) GetReservationStatus(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	st, err := h.svc.GetReservationStatus(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// GetUserOffers returns the offers the user created or reserved
func (h *Handler) GetUserOffers(w http.ResponseWriter, r *http.Request) {
	offers, err := h.svc.ListOffersForUser(r.Context(), currentUser(r.Context()).ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if offers == nil {
		offers = []models.UserOffer{}
	}
	writeJSON(w, http.StatusOK, offers)
}

// GetUserDeals retrieves a user's deal history
func (h *Handler) GetUserDeals(w http.ResponseWriter, r *http.Request) {
	id := currentUser(r.Context()).ID
	h.listDeals(w, r, &id)
}

func (h *Handler) listDeals(w http.ResponseWriter, r *http.Request, userID *int64) {
	deals, err := h.svc.ListDeals(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if deals == nil {
		deals = []models.Deal{}
	}
	writeJSON(w, http.StatusOK, deals)
}

func periodQuery(r *http.Request) market.PeriodQuery {
	q := r.URL.Query()
	return market.PeriodQuery{Period: q.Get("period"), StartDate: q.Get("start_date"), EndDate: q.Get("end_date")}
}

func (h *Handler) GetUserStats(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.UserStats(r.Context(), currentUser(r.Context()).ID, periodQuery(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// LinkTelegram sets or clears the chat that receives the user's
// notifications. A null telegram_id unlinks.
func (h *Handler) LinkTelegram(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TelegramID *int64 `json:"telegram_id"`
	}
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	user, err := h.svc.LinkTelegram(r.Context(), currentUser(r.Context()).ID, req.TelegramID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// Events upgrades to a websocket streaming the user's events. Browsers
// cannot set headers on upgrade, so the token may come as ?token=.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	if h.hub == nil {
		h.writeError(w, r, apperr.NotFound("events_disabled", "event stream is not configured"))
		return
	}
	token := bearerToken(r)
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		h.writeError(w, r, apperr.Unauthorized("token required"))
		return
	}
	u, err := h.authenticate(r, token)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.hub.Serve(w, r, u.ID)
}

func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Ping(r.Context()); err != nil {
		h.writeError(w, r, apperr.Internal(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) AdminListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.svc.ListUsers(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

func (h *Handler) setBlocked(w http.ResponseWriter, r *http.Request, blocked bool) {
	id, err := idParam(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if id == currentUser(r.Context()).ID && blocked {
		h.writeError(w, r, apperr.Validation("admins cannot block themselves"))
		return
	}
	if err := h.svc.SetUserBlocked(r.Context(), id, blocked); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": id, "blocked": blocked})
}

func (h *Handler) AdminBlockUser(w http.ResponseWriter, r *http.Request) {
	h.setBlocked(w, r, true)
}

func (h *Handler) AdminUnblockUser(w http.ResponseWriter, r *http.Request) {
	h.setBlocked(w, r, false)
}

func (h *Handler) AdminListOffers(w http.ResponseWriter, r *http.Request) {
	offers, err := h.svc.ListAllOffers(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if offers == nil {
		offers = []models.Offer{}
	}
	writeJSON(w, http.StatusOK, offers)
}

// AdminClearOffers removes every open offer with its reservations
func (h *Handler) AdminClearOffers(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.ClearOffers(r.Context(), currentUser(r.Context()).ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) AdminListDeals(w http.ResponseWriter, r *http.Request) {
	h.listDeals(w, r, nil)
}

func (h *Handler) AdminStats(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.GlobalStats(r.Context(), periodQuery(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}
