package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xtrntr/p2pmarket/internal/auth"
	"github.com/xtrntr/p2pmarket/internal/market"
	"github.com/xtrntr/p2pmarket/internal/memstore"
	"github.com/xtrntr/p2pmarket/internal/models"
	"github.com/xtrntr/p2pmarket/internal/notify"
)

type staticRates []models.ExchangeRate

func (s staticRates) Rates(ctx context.Context) []models.ExchangeRate { return s }

func (s staticRates) P2PRate(ctx context.Context) (models.P2PRate, error) {
	return models.P2PRate{Rate: 96.4, Source: "Binance P2P"}, nil
}

type testEnv struct {
	store  *memstore.Store
	auth   *auth.AuthService
	hub    *notify.Hub
	router http.Handler
	users  int
}

func setup(t *testing.T) *testEnv {
	t.Helper()
	store := memstore.New()
	log := zap.NewNop()
	hub := notify.NewHub(log)
	t.Cleanup(hub.Close)

	svc := market.NewService(store, hub, log, market.Config{PendingWindow: 5 * time.Minute})
	authService := auth.NewAuthService(store, "handler-test-secret", time.Hour)
	rates := staticRates{{Exchange: "Binance", Rate: 95.1, Change: 0.2}}
	h := NewHandler(svc, authService, rates, hub, log)

	return &testEnv{
		store:  store,
		auth:   authService,
		hub:    hub,
		router: NewRouter(h, RouterConfig{RequestTimeout: 5 * time.Second}),
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

// user registers and logs in, returning the user id and a token
func (e *testEnv) user(t *testing.T, name string) (int64, string) {
	t.Helper()
	e.users++
	w := e.do(t, "POST", "/auth/register", map[string]string{
		"name": name, "email": name + "@example.com", "phone": fmt.Sprintf("+7999%07d", e.users), "password": "password123",
	}, "")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = e.do(t, "POST", "/auth/login", map[string]string{"email": name + "@example.com", "password": "password123"}, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp struct {
		Token string      `json:"token"`
		User  models.User `json:"user"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.User.ID, resp.Token
}

func (e *testEnv) admin(t *testing.T) string {
	t.Helper()
	u, err := e.store.CreateUser(context.Background(), &models.User{Name: "root", Email: "root@example.com", IsAdmin: true})
	require.NoError(t, err)
	token, err := e.auth.Issue(u)
	require.NoError(t, err)
	return token
}

func (e *testEnv) offer(t *testing.T, token string) int64 {
	t.Helper()
	w := e.do(t, "POST", "/offers", map[string]any{
		"offer_type": "sell", "amount": "1000", "rate": "95.5", "meeting_time": "12:00", "offices": []string{"Тверская 1"},
	}, token)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var o models.Offer
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &o))
	return o.ID
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestHandler_Register(t *testing.T) {
	e := setup(t)

	tests := []struct {
		name           string
		requestBody    map[string]any
		expectedStatus int
		expectedError  string
	}{
		{
			name:           "Success",
			requestBody:    map[string]any{"name": "testuser", "email": "test@example.com", "phone": "+79990001122", "password": "testpass"},
			expectedStatus: http.StatusCreated,
		},
		{
			name:           "Missing Password",
			requestBody:    map[string]any{"name": "testuser", "email": "other@example.com", "phone": "+79990001122"},
			expectedStatus: http.StatusBadRequest,
			expectedError:  "validation_failed",
		},
		{
			name:           "Duplicate Email",
			requestBody:    map[string]any{"name": "again", "email": "TEST@example.com", "phone": "+79990001123", "password": "testpass"},
			expectedStatus: http.StatusConflict,
			expectedError:  "email_taken",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := e.do(t, "POST", "/auth/register", tt.requestBody, "")
			assert.Equal(t, tt.expectedStatus, w.Code)

			response := decodeBody(t, w)
			if tt.expectedError != "" {
				assert.Equal(t, tt.expectedError, response["error"])
				assert.Equal(t, false, response["retryable"])
				return
			}
			assert.Equal(t, "test@example.com", response["email"])
			assert.NotContains(t, response, "password_hash")
		})
	}
}

func TestHandler_Login(t *testing.T) {
	e := setup(t)
	e.user(t, "testuser")

	w := e.do(t, "POST", "/auth/login", map[string]string{"email": "testuser@example.com", "password": "wrongpass"}, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = e.do(t, "POST", "/auth/login", nil, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandler_ReservationFlow(t *testing.T) {
	e := setup(t)
	_, ownerToken := e.user(t, "owner")
	offerID := e.offer(t, ownerToken)

	// anonymous responder
	w := e.do(t, "POST", fmt.Sprintf("/offers/%d/reservations", offerID), map[string]any{
		"buyer_name": "Гость", "buyer_phone": "+79001112233", "meeting_office": "Тверская 1",
	}, "")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decodeBody(t, w)
	reservationID := int64(created["reservation_id"].(float64))
	assert.Equal(t, "pending", created["status"])

	// second responder loses
	w = e.do(t, "POST", fmt.Sprintf("/offers/%d/reservations", offerID), map[string]any{
		"buyer_name": "Другой", "buyer_phone": "+79004445566", "meeting_office": "Тверская 1",
	}, "")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "offer_reserved", decodeBody(t, w)["error"])

	w = e.do(t, "GET", fmt.Sprintf("/reservations/%d", reservationID), nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var st models.ReservationState
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, models.ReservationPending, st.Status)
	assert.Greater(t, st.TimeLeftSeconds, 290)

	w = e.do(t, "GET", "/me/offers", nil, ownerToken)
	require.Equal(t, http.StatusOK, w.Code)
	var mine []models.UserOffer
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &mine))
	require.Len(t, mine, 1)
	assert.Equal(t, 1, mine[0].PendingCount())

	path := fmt.Sprintf("/reservations/%d/respond", reservationID)
	w = e.do(t, "POST", path, map[string]string{"action": "accept"}, ownerToken)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = e.do(t, "POST", path, map[string]string{"action": "accept"}, ownerToken)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "already_resolved", decodeBody(t, w)["error"])

	w = e.do(t, "POST", fmt.Sprintf("/offers/%d/complete", offerID), nil, ownerToken)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = e.do(t, "GET", "/me/stats?period=today", nil, ownerToken)
	require.Equal(t, http.StatusOK, w.Code)
	stats := decodeBody(t, w)
	assert.Equal(t, float64(1), stats["completed_deals"])
	assert.Equal(t, "95500", stats["total_volume"])

	w = e.do(t, "GET", "/me/deals", nil, ownerToken)
	require.Equal(t, http.StatusOK, w.Code)
	var deals []models.Deal
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &deals))
	require.Len(t, deals, 1)
	assert.Equal(t, "Гость", deals[0].PartnerName)
}

func TestHandler_CancelAndReject(t *testing.T) {
	e := setup(t)
	_, ownerToken := e.user(t, "owner")
	_, buyerToken := e.user(t, "buyer")
	offerID := e.offer(t, ownerToken)
	reserve := fmt.Sprintf("/offers/%d/reservations", offerID)

	w := e.do(t, "POST", reserve, map[string]any{"meeting_office": "Тверская 1"}, buyerToken)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = e.do(t, "POST", reserve+"/cancel", nil, buyerToken)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "rejected", decodeBody(t, w)["status"])

	w = e.do(t, "POST", reserve, map[string]any{"meeting_office": "Тверская 1"}, buyerToken)
	require.Equal(t, http.StatusCreated, w.Code)
	id := int64(decodeBody(t, w)["reservation_id"].(float64))

	// only the owner may answer
	w = e.do(t, "POST", fmt.Sprintf("/reservations/%d/respond", id), map[string]string{"action": "reject"}, buyerToken)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = e.do(t, "POST", fmt.Sprintf("/reservations/%d/respond", id), map[string]string{"action": "maybe"}, ownerToken)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(t, "POST", fmt.Sprintf("/reservations/%d/respond", id), map[string]string{"action": "reject"}, ownerToken)
	require.Equal(t, http.StatusOK, w.Code)

	w = e.do(t, "GET", fmt.Sprintf("/offers/%d", offerID), nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "active", decodeBody(t, w)["status"])
}

func TestHandler_AuthErrors(t *testing.T) {
	e := setup(t)

	tests := []struct {
		name   string
		method string
		path   string
		token  string
		status int
	}{
		{name: "NoToken", method: "POST", path: "/offers", status: http.StatusUnauthorized},
		{name: "BadToken", method: "GET", path: "/me/offers", token: "garbage", status: http.StatusUnauthorized},
		{name: "BadTokenOnOptionalRoute", method: "POST", path: "/offers/1/reservations", token: "garbage", status: http.StatusUnauthorized},
		{name: "BadID", method: "GET", path: "/offers/abc", status: http.StatusBadRequest},
		{name: "MissingOffer", method: "GET", path: "/offers/42", status: http.StatusNotFound},
		{name: "MissingReservation", method: "GET", path: "/reservations/42", status: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := e.do(t, tt.method, tt.path, nil, tt.token)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
		})
	}
}

func TestHandler_Admin(t *testing.T) {
	e := setup(t)
	ownerID, ownerToken := e.user(t, "owner")
	_, userToken := e.user(t, "plain")
	adminToken := e.admin(t)
	offerID := e.offer(t, ownerToken)

	w := e.do(t, "GET", "/admin/users", nil, userToken)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "admin_only", decodeBody(t, w)["error"])

	w = e.do(t, "GET", "/admin/users", nil, adminToken)
	require.Equal(t, http.StatusOK, w.Code)
	var users []models.User
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &users))
	assert.Len(t, users, 3)

	w = e.do(t, "POST", fmt.Sprintf("/admin/users/%d/block", ownerID), nil, adminToken)
	require.Equal(t, http.StatusOK, w.Code)

	// blocked users lose access and their offers leave the listing
	w = e.do(t, "GET", "/me/offers", nil, ownerToken)
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = e.do(t, "GET", "/offers", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "[]", strings.TrimSpace(w.Body.String()))

	w = e.do(t, "GET", "/admin/offers", nil, adminToken)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), fmt.Sprintf(`"id":%d`, offerID))

	w = e.do(t, "POST", fmt.Sprintf("/admin/offers/%d/complete", offerID), nil, adminToken)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = e.do(t, "GET", "/admin/stats?period=all_time", nil, adminToken)
	require.Equal(t, http.StatusOK, w.Code)
	stats := decodeBody(t, w)
	assert.Equal(t, float64(1), stats["blocked_users"])
	assert.Equal(t, float64(1), stats["completed_deals"])

	w = e.do(t, "GET", "/admin/stats?period=custom&start_date=bad", nil, adminToken)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(t, "DELETE", fmt.Sprintf("/admin/offers/%d", offerID), nil, adminToken)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestHandler_RatesAndHealth(t *testing.T) {
	e := setup(t)

	w := e.do(t, "GET", "/rates", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "public, max-age=30", w.Header().Get("Cache-Control"))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
	assert.Contains(t, w.Body.String(), "Binance")

	w = e.do(t, "GET", "/rates/p2p", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "public, max-age=30", w.Header().Get("Cache-Control"))
	p2p := decodeBody(t, w)
	assert.Equal(t, 96.4, p2p["rate"])
	assert.Equal(t, "Binance P2P", p2p["source"])

	w = e.do(t, "GET", "/healthz", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = e.do(t, "GET", "/metrics", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandler_Book(t *testing.T) {
	e := setup(t)
	_, ownerToken := e.user(t, "owner")
	e.offer(t, ownerToken)

	w := e.do(t, "GET", "/offers/book", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var b struct {
		Buy  []models.Offer `json:"buy"`
		Sell []models.Offer `json:"sell"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &b))
	assert.Empty(t, b.Buy)
	assert.Len(t, b.Sell, 1)
}

func TestHandler_EventStream(t *testing.T) {
	e := setup(t)
	_, ownerToken := e.user(t, "owner")
	offerID := e.offer(t, ownerToken)

	srv := httptest.NewServer(e.router)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=" + ownerToken
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return e.hub.Connections() == 1 }, time.Second, 10*time.Millisecond)

	w := e.do(t, "POST", fmt.Sprintf("/offers/%d/reservations", offerID), map[string]any{
		"buyer_name": "Гость", "buyer_phone": "+79001112233", "meeting_office": "Тверская 1",
	}, "")
	require.Equal(t, http.StatusCreated, w.Code)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev notify.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, notify.ReservationCreated, ev.Type)
	assert.Equal(t, offerID, ev.OfferID)

	_, _, err = websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	assert.Error(t, err)
}

func TestHandler_AnonymousOffer(t *testing.T) {
	e := setup(t)

	tests := []struct {
		name           string
		body           map[string]any
		expectedStatus int
	}{
		{
			name:           "Success",
			body:           map[string]any{"name": "Гость", "phone": "+79001112233", "amount": "300", "rate": "95.1", "meeting_time": "18:00"},
			expectedStatus: http.StatusCreated,
		},
		{
			name:           "Missing Phone",
			body:           map[string]any{"name": "Гость", "amount": "300", "rate": "95.1", "meeting_time": "18:00"},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "Bad Window",
			body:           map[string]any{"name": "Гость", "phone": "+79001112233", "amount": "300", "rate": "95.1", "meeting_time": "18:00", "meeting_time_end": "17:00"},
			expectedStatus: http.StatusBadRequest,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := e.do(t, "POST", "/offers/anonymous", tt.body, "")
			assert.Equal(t, tt.expectedStatus, w.Code, w.Body.String())
		})
	}

	w := e.do(t, "GET", "/offers?type=buy", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var offers []models.Offer
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &offers))
	require.Len(t, offers, 1)
	require.NotNil(t, offers[0].Contact)
	assert.Equal(t, "+79001112233", offers[0].Contact.Phone)
	assert.Equal(t, "Гость", offers[0].OwnerName)
	assert.NotNil(t, offers[0].ExpiresAt)

	// answered by phone, never reserved
	_, buyerToken := e.user(t, "buyer")
	w = e.do(t, "POST", fmt.Sprintf("/offers/%d/reservations", offers[0].ID), map[string]any{}, buyerToken)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "anonymous_offer", decodeBody(t, w)["error"])
}

func TestHandler_AdminClearOffers(t *testing.T) {
	e := setup(t)
	_, ownerToken := e.user(t, "owner")
	_, userToken := e.user(t, "plain")
	adminToken := e.admin(t)
	e.offer(t, ownerToken)
	e.offer(t, ownerToken)

	w := e.do(t, "POST", "/admin/clear", nil, userToken)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = e.do(t, "POST", "/admin/clear", nil, adminToken)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := decodeBody(t, w)
	assert.Equal(t, float64(2), res["deleted_offers"])
	assert.Equal(t, float64(0), res["deleted_reservations"])

	w = e.do(t, "GET", "/offers", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "[]", strings.TrimSpace(w.Body.String()))
}

func TestHandler_LinkTelegram(t *testing.T) {
	e := setup(t)
	userID, token := e.user(t, "owner")

	tests := []struct {
		name           string
		body           string
		expectedStatus int
		wantLinked     *int64
	}{
		{name: "Link", body: `{"telegram_id":424242}`, expectedStatus: http.StatusOK, wantLinked: ptr(int64(424242))},
		{name: "Negative", body: `{"telegram_id":-5}`, expectedStatus: http.StatusBadRequest, wantLinked: ptr(int64(424242))},
		{name: "Unlink", body: `{"telegram_id":null}`, expectedStatus: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("PATCH", "/me/telegram", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("Authorization", "Bearer "+token)
			w := httptest.NewRecorder()
			e.router.ServeHTTP(w, req)
			require.Equal(t, tt.expectedStatus, w.Code, w.Body.String())

			u, err := e.store.GetUser(context.Background(), userID)
			require.NoError(t, err)
			assert.Equal(t, tt.wantLinked, u.TelegramID)
		})
	}

	w := e.do(t, "PATCH", "/me/telegram", map[string]any{"telegram_id": 1}, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func ptr[T any](v T) *T { return &v }
