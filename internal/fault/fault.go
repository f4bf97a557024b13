package fault

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind classifies an error at a component boundary. Components translate
// lower-layer failures into exactly one Kind before handing them upward.
type Kind string

const (
	KindConfig               Kind = "config"
	KindTransport            Kind = "transport"
	KindRateLimited          Kind = "rate_limited"
	KindProvider             Kind = "provider"
	KindEmbeddingUnavailable Kind = "embedding_unavailable"
	KindHandleLost           Kind = "handle_lost"
	KindPermissionDenied     Kind = "permission_denied"
	KindOverloaded           Kind = "overloaded"
	KindNotFound             Kind = "not_found"
	KindUnknown              Kind = "unknown"
)

// Error carries a Kind alongside the wrapped cause. RetryAfter is only set
// for rate-limited errors where the upstream supplied a hint.
type Error struct {
	Kind       Kind
	Message    string
	RetryAfter time.Duration
	cause      error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

func RateLimited(message string, retryAfter time.Duration) *Error {
	return &Error{Kind: KindRateLimited, Message: message, RetryAfter: retryAfter}
}

// KindOf reports the Kind of err, unwrapping as needed.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

func Is(err error, kind Kind) bool { return KindOf(err) == kind }

// Retryable reports whether a caller may retry the operation with backoff.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransport, KindRateLimited, KindOverloaded:
		return true
	}
	return false
}

// HTTPStatus maps a Kind to the status code used on the HTTP surface.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindConfig:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindPermissionDenied:
		return http.StatusForbidden
	case KindOverloaded, KindEmbeddingUnavailable:
		return http.StatusServiceUnavailable
	case KindHandleLost:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Body is the wire shape of an error on the HTTP surface.
type Body struct {
	ErrorKind  string  `json:"error_kind"`
	Message    string  `json:"message"`
	RetryAfter float64 `json:"retry_after,omitempty"`
}

// BodyOf renders err for the HTTP surface without leaking internal causes.
func BodyOf(err error) Body {
	var fe *Error
	if errors.As(err, &fe) {
		b := Body{ErrorKind: string(fe.Kind), Message: fe.Message}
		if fe.RetryAfter > 0 {
			b.RetryAfter = fe.RetryAfter.Seconds()
		}
		return b
	}
	return Body{ErrorKind: string(KindUnknown), Message: "internal error"}
}
