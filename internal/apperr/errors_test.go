package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFrom(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		kind      Kind
		status    int
		retryable bool
	}{
		{name: "sentinel", err: ErrOfferReserved, kind: KindConflict, status: http.StatusConflict},
		{name: "wrapped sentinel", err: fmt.Errorf("failed to reserve: %w", ErrOfferReserved), kind: KindConflict, status: http.StatusConflict},
		{name: "deadline", err: fmt.Errorf("failed to query: %w", context.DeadlineExceeded), kind: KindTimeout, status: http.StatusGatewayTimeout, retryable: true},
		{name: "plain", err: errors.New("connection refused"), kind: KindInternal, status: http.StatusInternalServerError, retryable: true},
		{name: "validation", err: Validationf("%s is required", "rate"), kind: KindValidation, status: http.StatusBadRequest},
		{name: "blocked", err: ErrUserBlocked, kind: KindForbidden, status: http.StatusForbidden},
		{name: "missing", err: ErrReservationNotFound, kind: KindNotFound, status: http.StatusNotFound},
		{name: "credentials", err: ErrInvalidCredentials, kind: KindUnauthorized, status: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ae := From(tt.err)
			assert.Equal(t, tt.kind, ae.Kind)
			assert.Equal(t, tt.status, ae.Status())
			assert.Equal(t, tt.retryable, IsRetryable(tt.err))
		})
	}

	assert.Nil(t, From(nil))
	assert.False(t, IsRetryable(nil))
}

func TestIsMatchesByCode(t *testing.T) {
	detailed := ErrOfferNotActive.WithMessage("offer %d is paused", 7)
	assert.ErrorIs(t, detailed, ErrOfferNotActive)
	assert.Equal(t, "offer 7 is paused", detailed.Error())
	assert.NotErrorIs(t, detailed, ErrOfferReserved)

	cause := errors.New("tx aborted")
	wrapped := Internal(cause)
	assert.ErrorIs(t, wrapped, cause)
	assert.Contains(t, wrapped.Error(), "tx aborted")

	// the sentinel itself is untouched by WithMessage
	assert.Equal(t, "offer is not active", ErrOfferNotActive.Message)
}
