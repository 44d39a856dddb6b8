// Package apierr defines the error value shared by every operation of the
// upload engine. Each error carries a kind, the HTTP status the handlers
// should respond with, and a human-readable reason.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error independently of its HTTP status.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindUnauthorized
	KindForbidden
	KindConflict
	KindNotFound
	KindQuotaExceeded
	KindIntegrity
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindUnauthorized:
		return "unauthorized"
	case KindForbidden:
		return "forbidden"
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not_found"
	case KindQuotaExceeded:
		return "quota_exceeded"
	case KindIntegrity:
		return "integrity"
	default:
		return "internal"
	}
}

// Error is returned by engine operations.
type Error struct {
	Kind   Kind
	Status int
	Reason string
	Field  string // set for field-level validation errors, e.g. "files[2].md5sum"
	Err    error  // optional underlying cause
}

func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid '%s': %s", e.Field, e.Reason)
	}
	if e.Err != nil && e.Reason == "" {
		return e.Err.Error()
	}
	return e.Reason
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches sentinels by kind, so errors.Is(err, ErrNotFound) works for
// any not-found error regardless of its reason.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Reason == "" && t.Kind == e.Kind
}

// Sentinels for errors.Is comparisons.
var (
	ErrValidation    = &Error{Kind: KindValidation}
	ErrUnauthorized  = &Error{Kind: KindUnauthorized}
	ErrForbidden     = &Error{Kind: KindForbidden}
	ErrConflict      = &Error{Kind: KindConflict}
	ErrNotFound      = &Error{Kind: KindNotFound}
	ErrQuotaExceeded = &Error{Kind: KindQuotaExceeded}
	ErrIntegrity     = &Error{Kind: KindIntegrity}
	ErrInternal      = &Error{Kind: KindInternal}
)

func newf(kind Kind, status int, format string, args ...any) *Error {
	return &Error{Kind: kind, Status: status, Reason: fmt.Sprintf(format, args...)}
}

func Validation(format string, args ...any) *Error {
	return newf(KindValidation, http.StatusBadRequest, format, args...)
}

// Field reports a malformed field of a request body.
func Field(field, format string, args ...any) *Error {
	e := newf(KindValidation, http.StatusBadRequest, format, args...)
	e.Field = field
	return e
}

func Unauthorized(format string, args ...any) *Error {
	return newf(KindUnauthorized, http.StatusUnauthorized, format, args...)
}

func Forbidden(format string, args ...any) *Error {
	return newf(KindForbidden, http.StatusForbidden, format, args...)
}

// Conflict takes an explicit status: lock contention is reported as 403,
// an existing version as 409.
func Conflict(status int, format string, args ...any) *Error {
	return newf(KindConflict, status, format, args...)
}

func NotFound(format string, args ...any) *Error {
	return newf(KindNotFound, http.StatusNotFound, format, args...)
}

// NotFoundBadRequest is a not-found condition caused by the request body,
// such as a link to a version that does not exist.
func NotFoundBadRequest(format string, args ...any) *Error {
	return newf(KindNotFound, http.StatusBadRequest, format, args...)
}

func QuotaExceeded(format string, args ...any) *Error {
	return newf(KindQuotaExceeded, http.StatusBadRequest, format, args...)
}

// Integrity reports disagreement between declared and stored state. Use
// 400 when the caller can fix it and 500 for broken invariants.
func Integrity(status int, format string, args ...any) *Error {
	return newf(KindIntegrity, status, format, args...)
}

// Internal wraps an unexpected failure, usually from the blob store.
func Internal(err error, format string, args ...any) *Error {
	e := newf(KindInternal, http.StatusInternalServerError, format, args...)
	e.Err = err
	if err != nil {
		e.Reason = e.Reason + ": " + err.Error()
	}
	return e
}

// StatusOf returns the HTTP status for err. Foreign errors map to 500.
func StatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) && e.Status != 0 {
		return e.Status
	}
	return http.StatusInternalServerError
}

// KindOf returns the kind of err, KindInternal for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
