package fault

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	err := Wrap(KindTransport, "gateway send", errors.New("connection reset"))
	assert.Equal(t, KindTransport, KindOf(err))

	wrapped := fmt.Errorf("outer: %w", err)
	assert.Equal(t, KindTransport, KindOf(wrapped))

	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
	assert.Equal(t, Kind(""), KindOf(nil))
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(New(KindTransport, "x")))
	assert.True(t, Retryable(RateLimited("x", time.Second)))
	assert.True(t, Retryable(New(KindOverloaded, "x")))
	assert.False(t, Retryable(New(KindConfig, "x")))
	assert.False(t, Retryable(New(KindPermissionDenied, "x")))
}

func TestHTTPStatus(t *testing.T) {
	cases := map[Kind]int{
		KindConfig:               http.StatusBadRequest,
		KindNotFound:             http.StatusNotFound,
		KindRateLimited:          http.StatusTooManyRequests,
		KindPermissionDenied:     http.StatusForbidden,
		KindOverloaded:           http.StatusServiceUnavailable,
		KindEmbeddingUnavailable: http.StatusServiceUnavailable,
		KindHandleLost:           http.StatusConflict,
		KindTransport:            http.StatusInternalServerError,
	}
	for kind, want := range cases {
		assert.Equal(t, want, HTTPStatus(kind), string(kind))
	}
}

func TestBodyOf(t *testing.T) {
	body := BodyOf(RateLimited("discord bucket", 2500*time.Millisecond))
	require.Equal(t, "rate_limited", body.ErrorKind)
	assert.Equal(t, "discord bucket", body.Message)
	assert.InDelta(t, 2.5, body.RetryAfter, 0.001)

	// Unclassified errors never leak their text to clients.
	body = BodyOf(errors.New("pgx: password authentication failed"))
	assert.Equal(t, "unknown", body.ErrorKind)
	assert.Equal(t, "internal error", body.Message)
}
