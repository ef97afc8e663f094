package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/xtrntr/p2pmarket/internal/apperr"
	"github.com/xtrntr/p2pmarket/internal/models"
)

type userKey struct{}

func withUser(ctx context.Context, u *models.User) context.Context {
	return context.WithValue(ctx, userKey{}, u)
}

// currentUser returns the authenticated user, nil for anonymous requests
func currentUser(ctx context.Context) *models.User {
	u, _ := ctx.Value(userKey{}).(*models.User)
	return u
}

func bearerToken(r *http.Request) string {
	token := r.Header.Get("Authorization")
	// Remove "Bearer " prefix if present
	if len(token) > 7 && strings.EqualFold(token[:7], "Bearer ") {
		token = token[7:]
	}
	return strings.TrimSpace(token)
}

func (h *Handler) authenticate(r *http.Request, token string) (*models.User, error) {
	claims, err := h.auth.ParseToken(token)
	if err != nil {
		return nil, err
	}
	return h.auth.CurrentUser(r.Context(), claims)
}

// JWTAuthMiddleware verifies JWT tokens
func (h *Handler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			h.writeError(w, r, apperr.Unauthorized("authorization header required"))
			return
		}
		u, err := h.authenticate(r, token)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(withUser(r.Context(), u)))
	})
}

// OptionalAuthMiddleware attaches the user when a token is sent. A bad
// token is still rejected.
func (h *Handler) OptionalAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			next.ServeHTTP(w, r)
			return
		}
		u, err := h.authenticate(r, token)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(withUser(r.Context(), u)))
	})
}

// AdminOnly must run after JWTAuthMiddleware
func (h *Handler) AdminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u := currentUser(r.Context())
		if u == nil || !u.IsAdmin {
			h.writeError(w, r, apperr.ErrAdminOnly)
			return
		}
		next.ServeHTTP(w, r)
	})
}
