// Package apperr defines the error taxonomy shared by the stores, the
// marketplace service and the HTTP layer.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	KindValidation   Kind = "validation"
	KindUnauthorized Kind = "unauthorized"
	KindForbidden    Kind = "forbidden"
	KindNotFound     Kind = "not_found"
	KindConflict     Kind = "conflict"
	KindTimeout      Kind = "timeout"
	KindInternal     Kind = "internal"
)

// Error is a classified application error. Two errors match under errors.Is
// when their codes are equal, so sentinels can be compared after wrapping.
type Error struct {
	Kind      Kind
	Code      string
	Message   string
	Retryable bool
	cause     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) || t == nil || e == nil {
		return false
	}
	return e.Code == t.Code
}

// Status maps the error kind to an HTTP status code
func (e *Error) Status() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// WithCause returns a copy of e carrying cause
func (e *Error) WithCause(cause error) *Error {
	cp := *e
	cp.cause = cause
	return &cp
}

// WithMessage returns a copy of e with a more specific message
func (e *Error) WithMessage(format string, args ...any) *Error {
	cp := *e
	cp.Message = fmt.Sprintf(format, args...)
	return &cp
}

func Validation(msg string) *Error {
	return &Error{Kind: KindValidation, Code: "validation_failed", Message: msg}
}

func Validationf(format string, args ...any) *Error {
	return Validation(fmt.Sprintf(format, args...))
}

func Unauthorized(msg string) *Error {
	return &Error{Kind: KindUnauthorized, Code: "unauthorized", Message: msg}
}

func NotFound(code, msg string) *Error {
	return &Error{Kind: KindNotFound, Code: code, Message: msg}
}

func Conflict(code, msg string) *Error {
	return &Error{Kind: KindConflict, Code: code, Message: msg}
}

func Forbidden(code, msg string) *Error {
	return &Error{Kind: KindForbidden, Code: code, Message: msg}
}

func Timeout(cause error) *Error {
	return &Error{Kind: KindTimeout, Code: "timeout", Message: "store did not respond in time", Retryable: true, cause: cause}
}

func Internal(cause error) *Error {
	return &Error{Kind: KindInternal, Code: "internal", Message: "internal error", Retryable: true, cause: cause}
}

var (
	ErrOfferNotFound       = NotFound("offer_not_found", "offer not found")
	ErrReservationNotFound = NotFound("reservation_not_found", "reservation not found")
	ErrUserNotFound        = NotFound("user_not_found", "user not found")
	ErrDealNotFound        = NotFound("deal_not_found", "deal not found")

	ErrOfferReserved     = Conflict("offer_reserved", "offer already has an open reservation")
	ErrOfferNotActive    = Conflict("offer_not_active", "offer is not active")
	ErrOfferCompleted    = Conflict("offer_completed", "offer is already completed")
	ErrAlreadyResolved   = Conflict("already_resolved", "reservation already resolved")
	ErrNoConfirmed       = Conflict("no_confirmed_reservation", "offer has no confirmed reservation")
	ErrInvalidTransition = Conflict("invalid_transition", "transition not allowed")
	ErrEmailTaken        = Conflict("email_taken", "email already registered")
	ErrAnonymousOffer    = Conflict("anonymous_offer", "anonymous offers are answered by phone")

	ErrNotOwner    = Forbidden("not_owner", "only the offer owner may do this")
	ErrOwnOffer    = Forbidden("own_offer", "cannot reserve own offer")
	ErrUserBlocked = Forbidden("user_blocked", "user is blocked")
	ErrAdminOnly   = Forbidden("admin_only", "admin access required")

	ErrInvalidCredentials = Unauthorized("invalid credentials")
)

// From classifies an arbitrary error. Already classified errors pass
// through; context deadlines become Timeout; everything else is Internal.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout(err)
	}
	return Internal(err)
}

// IsRetryable reports whether the caller may retry the failed operation
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return From(err).Retryable
}
