package llmerrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorTypeString(t *testing.T) {
	assert.Equal(t, "rate_limit", ErrorTypeRateLimit.String())
	assert.Equal(t, "service_unavailable", ErrorTypeServiceUnavailable.String())
	assert.Equal(t, "invalid", ErrorType(99).String())
}

func TestIsRetryable(t *testing.T) {
	retryable := []ErrorType{ErrorTypeRateLimit, ErrorTypeTransient, ErrorTypeUnknown}
	for _, et := range retryable {
		assert.True(t, NewError(et, "x").IsRetryable(), et.String())
	}

	terminal := []ErrorType{ErrorTypeAuth, ErrorTypeBadPrompt, ErrorTypeServiceUnavailable, ErrorTypeEmptyResponse}
	for _, et := range terminal {
		assert.False(t, NewError(et, "x").IsRetryable(), et.String())
	}
}

func TestIsAndTypeOfThroughWrapping(t *testing.T) {
	base := FromStatus(429, nil, "slow down")
	wrapped := fmt.Errorf("complete: %w", base)

	assert.True(t, Is(wrapped, ErrorTypeRateLimit))
	assert.False(t, Is(wrapped, ErrorTypeAuth))
	assert.Equal(t, ErrorTypeRateLimit, TypeOf(wrapped))
	assert.Equal(t, ErrorTypeUnknown, TypeOf(errors.New("plain")))
}

func TestErrorMessage(t *testing.T) {
	cause := errors.New("connection reset")

	assert.Equal(t, "LLM error (transient): retry me", NewError(ErrorTypeTransient, "retry me").Error())
	assert.Equal(t, "LLM error (transient): connection reset", (&Error{Type: ErrorTypeTransient, Err: cause}).Error())
	assert.Equal(t, "LLM error (auth): status 401", (&Error{Type: ErrorTypeAuth, StatusCode: 401}).Error())
}

func TestServiceUnavailable(t *testing.T) {
	cause := NewError(ErrorTypeTransient, "503")
	err := NewServiceUnavailableError(cause, 3)

	assert.True(t, IsServiceUnavailable(err))
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "after 3 attempts")
}

func TestTypeForStatus(t *testing.T) {
	tests := []struct {
		code int
		want ErrorType
	}{
		{401, ErrorTypeAuth},
		{403, ErrorTypeAuth},
		{429, ErrorTypeRateLimit},
		{400, ErrorTypeBadPrompt},
		{404, ErrorTypeBadPrompt},
		{413, ErrorTypeBadPrompt},
		{408, ErrorTypeTransient},
		{500, ErrorTypeTransient},
		{529, ErrorTypeTransient},
		{409, ErrorTypeUnknown},
		{0, ErrorTypeUnknown},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, TypeForStatus(tt.code), "status %d", tt.code)
	}
}

func TestFromStatus(t *testing.T) {
	cause := errors.New("overloaded")
	err := FromStatus(529, cause, "Anthropic API call failed")

	assert.Equal(t, ErrorTypeTransient, err.Type)
	assert.Equal(t, 529, err.StatusCode)
	assert.ErrorIs(t, err, cause)
	assert.True(t, err.IsRetryable())
}
