// Package apperr defines the error taxonomy shared by the orchestration,
// lifecycle, and API layers. The API layer maps kinds to HTTP status codes;
// everything below it works with typed errors only.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for HTTP mapping and retry semantics.
type Kind int

const (
	KindInternal Kind = iota
	KindFileValidation
	KindPayloadTooLarge
	KindRateLimited
	KindNotFound
	KindConflict
	KindExternal
)

// Error is a classified application error. RetryAfter/ResetEpoch/Limit/
// Remaining are only populated for rate-limit rejections.
type Error struct {
	Kind       Kind
	Detail     string
	RetryAfter int
	ResetEpoch int64
	Limit      int
	Remaining  int
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Detail, e.Err)
	}
	return e.Detail
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPStatus maps the error kind to an HTTP status code.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindFileValidation:
		return http.StatusBadRequest
	case KindPayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindExternal:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func FileValidation(format string, args ...any) *Error {
	return &Error{Kind: KindFileValidation, Detail: fmt.Sprintf(format, args...)}
}

func PayloadTooLarge(format string, args ...any) *Error {
	return &Error{Kind: KindPayloadTooLarge, Detail: fmt.Sprintf(format, args...)}
}

func NotFound(detail string) *Error {
	return &Error{Kind: KindNotFound, Detail: detail}
}

func Conflict(detail string) *Error {
	return &Error{Kind: KindConflict, Detail: detail}
}

// External wraps an upstream provider or storage failure that bounded retries
// could not resolve.
func External(op string, err error) *Error {
	return &Error{Kind: KindExternal, Detail: op, Err: err}
}

func Internal(op string, err error) *Error {
	return &Error{Kind: KindInternal, Detail: op, Err: err}
}

// RateLimited builds a 429 with the reset hints carried to response headers.
func RateLimited(detail string, retryAfter int, resetEpoch int64, limit, remaining int) *Error {
	return &Error{
		Kind:       KindRateLimited,
		Detail:     detail,
		RetryAfter: retryAfter,
		ResetEpoch: resetEpoch,
		Limit:      limit,
		Remaining:  remaining,
	}
}

// KindOf returns the Kind of err, or KindInternal for unclassified errors.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// As unwraps err into an *Error, wrapping unclassified errors as internal.
func As(err error) *Error {
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	return &Error{Kind: KindInternal, Detail: "internal error", Err: err}
}
