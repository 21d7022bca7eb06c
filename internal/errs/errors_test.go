package errs

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want int
	}{
		{"validation", Validationf("bad limit"), http.StatusBadRequest},
		{"not found", NotFound("memory", "m-1"), http.StatusNotFound},
		{"auth", Auth("missing api key"), http.StatusUnauthorized},
		{"rate limit", RateLimited("throttled", time.Second), http.StatusTooManyRequests},
		{"circuit open", CircuitOpen("embedding"), http.StatusServiceUnavailable},
		{"external", External("qdrant", errors.New("conn refused")), http.StatusServiceUnavailable},
		{"timeout", Timeout("search", nil), http.StatusGatewayTimeout},
		{"configuration", Configuration("vector size missing"), http.StatusInternalServerError},
		{"conflict", Conflict("merge in progress"), http.StatusConflict},
		{"unknown", Unknown(errors.New("boom")), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.HTTPStatus())
		})
	}
}

func TestRetryable(t *testing.T) {
	assert.True(t, External("llm", nil).Retryable())
	assert.True(t, Timeout("embed", nil).Retryable())
	assert.True(t, RateLimited("slow down", 0).Retryable())

	assert.False(t, CircuitOpen("embedding").Retryable(), "breaker-open must fail fast")
	assert.False(t, Validationf("bad input").Retryable())
	assert.False(t, Configuration("missing").Retryable())
	assert.False(t, NotFound("session", "s-1").Retryable())
}

func TestIsRetryableUnclassified(t *testing.T) {
	assert.False(t, IsRetryable(errors.New("plain")))
	assert.False(t, IsRetryable(nil))
}

func TestWrappingPreservesKind(t *testing.T) {
	inner := External("embedding", errors.New("dial tcp: refused"))
	wrapped := fmt.Errorf("embedding batch: %w", inner)

	assert.Equal(t, KindExternal, KindOf(wrapped))
	assert.True(t, IsRetryable(wrapped))
	assert.Equal(t, http.StatusServiceUnavailable, HTTPStatusOf(wrapped))
}

func TestIsMatchesByKind(t *testing.T) {
	err := fmt.Errorf("outer: %w", Timeout("search", nil))
	require.True(t, errors.Is(err, &Error{Kind: KindTimeout}))
	require.False(t, errors.Is(err, &Error{Kind: KindExternal}))
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := External("confluence", cause)
	assert.ErrorIs(t, err, cause)
}
