package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCategorizeError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorType
	}{
		{"deadline", fmt.Errorf("fetch: %w", context.DeadlineExceeded), ErrorTypeTimeout},
		{"refused", errors.New("dial tcp 127.0.0.1:8787: connect: connection refused"), ErrorTypeNetwork},
		{"dns", errors.New("dial tcp: lookup feed.invalid: no such host"), ErrorTypeNetwork},
		{"unknown", errors.New("something odd"), ErrorTypeUnknown},
		{"already categorized", ContractError("missing items"), ErrorTypeContract},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CategorizeError(tt.err).Type)
		})
	}

	assert.Nil(t, CategorizeError(nil))
}

func TestFromStatus(t *testing.T) {
	assert.Equal(t, ErrorTypeUnauthorized, FromStatus(401, "").Type)
	assert.Equal(t, ErrorTypeForbidden, FromStatus(403, "").Type)
	assert.Equal(t, ErrorTypeRateLimit, FromStatus(429, "").Type)

	server := FromStatus(503, "feed unavailable")
	assert.Equal(t, ErrorTypeServer, server.Type)
	assert.Equal(t, 503, server.StatusCode)
	assert.Equal(t, "feed unavailable", server.Message)
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(ServerError(502)))
	assert.True(t, IsRetryable(RateLimitError(30)))
	assert.True(t, IsRetryable(fmt.Errorf("wrapped: %w", context.DeadlineExceeded)))
	assert.False(t, IsRetryable(ContractError("items is not an array")))
	assert.False(t, IsRetryable(UnauthorizedError()))
	assert.False(t, IsRetryable(nil))
}

func TestIsContractViolation(t *testing.T) {
	wrapped := fmt.Errorf("page 2: %w", ContractError("items missing"))
	assert.True(t, IsContractViolation(wrapped))
	assert.False(t, IsContractViolation(ServerError(500)))
}

func TestFormatError(t *testing.T) {
	out := FormatError(RateLimitError(12))
	assert.True(t, strings.Contains(out, "(rate_limit)"))
	assert.True(t, strings.Contains(out, "Suggestion:"))
	assert.True(t, strings.Contains(out, "Retry in: 12 seconds"))

	assert.Equal(t, "", FormatError(nil))
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("socket closed")
	err := NetworkError("feed fetch failed", cause)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "socket closed")
}
