// Package llmerrors classifies provider failures so middleware can decide
// whether a completion is worth retrying.
package llmerrors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType represents different categories of LLM errors for retry logic.
type ErrorType int8

const (
	// ErrorTypeRateLimit represents rate limiting errors (429, quota exceeded).
	ErrorTypeRateLimit ErrorType = iota
	// ErrorTypeTransient represents transient errors (5xx, EOF, connection reset, timeout).
	ErrorTypeTransient
	// ErrorTypeEmptyResponse represents HTTP 200 but no content. It is a
	// sample like any other, so it is neither retried nor a provider fault.
	ErrorTypeEmptyResponse

	// ErrorTypeAuth represents authentication errors (401/403, bad API key).
	ErrorTypeAuth
	// ErrorTypeBadPrompt represents malformed requests (too long, unknown model).
	ErrorTypeBadPrompt
	// ErrorTypeUnknown is the default for unclassified errors.
	ErrorTypeUnknown

	// ErrorTypeServiceUnavailable is emitted once retries are exhausted or the
	// circuit is open. The oracle layer reports it as an unavailable oracle.
	ErrorTypeServiceUnavailable
)

var typeNames = [...]string{ //nolint:gochecknoglobals // lookup table
	ErrorTypeRateLimit:          "rate_limit",
	ErrorTypeTransient:          "transient",
	ErrorTypeEmptyResponse:      "empty_response",
	ErrorTypeAuth:               "auth",
	ErrorTypeBadPrompt:          "bad_prompt",
	ErrorTypeUnknown:            "unknown",
	ErrorTypeServiceUnavailable: "service_unavailable",
}

// String is the label used in logs and the llm_requests_total error_type label.
func (et ErrorType) String() string {
	if et < 0 || int(et) >= len(typeNames) {
		return "invalid"
	}
	return typeNames[et]
}

// Error represents a classified LLM error with retry metadata.
type Error struct {
	Err        error     // provider error, if any
	Message    string    // what failed, without the cause
	Type       ErrorType // drives retry and circuit decisions
	StatusCode int       // zero when the failure had no HTTP status
}

func (e *Error) Error() string {
	switch {
	case e.Message != "":
		return fmt.Sprintf("LLM error (%s): %s", e.Type, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("LLM error (%s): %v", e.Type, e.Err)
	default:
		return fmt.Sprintf("LLM error (%s): status %d", e.Type, e.StatusCode)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsRetryable is false for failures another identical request would hit
// again, for exhausted retries and for empty completions, which the caller
// treats as an unusable sample.
func (e *Error) IsRetryable() bool {
	switch e.Type {
	case ErrorTypeAuth, ErrorTypeBadPrompt, ErrorTypeServiceUnavailable, ErrorTypeEmptyResponse:
		return false
	default:
		return true
	}
}

// Is reports whether the outermost classification in err's chain is errorType.
func Is(err error, errorType ErrorType) bool {
	var classified *Error
	return errors.As(err, &classified) && classified.Type == errorType
}

// TypeOf is ErrorTypeUnknown for unclassified errors.
func TypeOf(err error) ErrorType {
	var classified *Error
	if !errors.As(err, &classified) {
		return ErrorTypeUnknown
	}
	return classified.Type
}

// NewError creates a new classified LLM error.
func NewError(errorType ErrorType, message string) *Error {
	return &Error{
		Type:    errorType,
		Message: message,
	}
}

// NewErrorWithCause creates a new classified LLM error wrapping another error.
func NewErrorWithCause(errorType ErrorType, cause error, message string) *Error {
	return &Error{
		Type:    errorType,
		Err:     cause,
		Message: message,
	}
}

// IsServiceUnavailable checks if the error indicates persistent service unavailability.
func IsServiceUnavailable(err error) bool {
	return Is(err, ErrorTypeServiceUnavailable)
}

// NewServiceUnavailableError wraps the last error seen after attempts failed.
func NewServiceUnavailableError(cause error, attempts int) *Error {
	return &Error{
		Type:    ErrorTypeServiceUnavailable,
		Err:     cause,
		Message: fmt.Sprintf("service unavailable after %d attempts", attempts),
	}
}

// TypeForStatus maps a provider HTTP status to an ErrorType. Statuses with no
// retry meaning are ErrorTypeUnknown.
func TypeForStatus(code int) ErrorType {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return ErrorTypeAuth
	case code == http.StatusTooManyRequests:
		return ErrorTypeRateLimit
	case code == http.StatusBadRequest || code == http.StatusNotFound || code == http.StatusRequestEntityTooLarge:
		return ErrorTypeBadPrompt
	case code == http.StatusRequestTimeout || code >= http.StatusInternalServerError:
		return ErrorTypeTransient
	default:
		return ErrorTypeUnknown
	}
}

// FromStatus classifies a failed provider call that carried an HTTP status.
func FromStatus(code int, cause error, message string) *Error {
	return &Error{
		Type:       TypeForStatus(code),
		StatusCode: code,
		Err:        cause,
		Message:    message,
	}
}
