// Package apperr defines the error taxonomy shared by the match and
// messaging core, and maps each kind onto the codes used by the realtime
// protocol and the HTTP API.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an application error.
type Kind string

const (
	KindValidation      Kind = "validation"
	KindUnauthorized    Kind = "unauthorized"
	KindUnauthenticated Kind = "unauthenticated"
	KindInactiveMatch   Kind = "inactive_match"
	KindConflict        Kind = "conflict"
	KindConnectionLost  Kind = "connection_lost"
	KindInvalidTarget   Kind = "invalid_target"
	KindNotFound        Kind = "not_found"
	KindRateLimited     Kind = "rate_limited"
	KindInternal        Kind = "internal"
)

// Sentinels for errors.Is comparisons. An *Error matches the sentinel of
// its kind.
var (
	ErrValidation      = &Error{Kind: KindValidation, Msg: "invalid input"}
	ErrUnauthorized    = &Error{Kind: KindUnauthorized, Msg: "not permitted"}
	ErrUnauthenticated = &Error{Kind: KindUnauthenticated, Msg: "session is not valid"}
	ErrInactiveMatch   = &Error{Kind: KindInactiveMatch, Msg: "match is no longer active"}
	ErrConflict        = &Error{Kind: KindConflict, Msg: "concurrent update"}
	ErrConnectionLost  = &Error{Kind: KindConnectionLost, Msg: "connection lost"}
	ErrInvalidTarget   = &Error{Kind: KindInvalidTarget, Msg: "invalid target"}
	ErrNotFound        = &Error{Kind: KindNotFound, Msg: "not found"}
	ErrRateLimited     = &Error{Kind: KindRateLimited, Msg: "rate limited"}
)

// Error is an application error carrying its Kind, a client-safe message
// and an optional cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func Validation(format string, args ...any) *Error    { return newf(KindValidation, format, args...) }
func Unauthorized(format string, args ...any) *Error  { return newf(KindUnauthorized, format, args...) }
func InactiveMatch(format string, args ...any) *Error { return newf(KindInactiveMatch, format, args...) }
func InvalidTarget(format string, args ...any) *Error { return newf(KindInvalidTarget, format, args...) }
func NotFound(format string, args ...any) *Error      { return newf(KindNotFound, format, args...) }
func RateLimited(format string, args ...any) *Error   { return newf(KindRateLimited, format, args...) }

// Unauthenticated wraps a token validation failure.
func Unauthenticated(err error) *Error {
	return &Error{Kind: KindUnauthenticated, Msg: "session is not valid", Err: err}
}

// ConnectionLost wraps a transport failure.
func ConnectionLost(err error) *Error {
	return &Error{Kind: KindConnectionLost, Msg: "connection lost", Err: err}
}

// KindOf returns the Kind of err, or KindInternal for anything that is not
// an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Code returns the wire code for err.
func Code(err error) string {
	return string(KindOf(err))
}

// Message returns a client-safe message for err. Internal errors never
// leak their cause.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Msg
	}
	return "internal error"
}

// HTTPStatus maps err onto an HTTP status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation, KindInvalidTarget:
		return http.StatusBadRequest
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindUnauthorized:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindInactiveMatch, KindConflict:
		return http.StatusConflict
	case KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
