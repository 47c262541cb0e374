package provider

import (
	"errors"
	"fmt"
)

var (
	// ErrNoProviders is returned when routing is attempted on an empty registry.
	ErrNoProviders = errors.New("no providers registered")

	// ErrUnknownProvider is returned when a provider id is not registered.
	ErrUnknownProvider = errors.New("unknown provider")
)

// ErrorCode classifies provider failures.
type ErrorCode string

const (
	ErrCodeAuthFailed         ErrorCode = "AUTH_FAILED"
	ErrCodeRateLimited        ErrorCode = "RATE_LIMITED"
	ErrCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
	ErrCodeModelNotFound      ErrorCode = "MODEL_NOT_FOUND"
	ErrCodeNetworkError       ErrorCode = "NETWORK_ERROR"
	ErrCodeInvalidRequest     ErrorCode = "INVALID_REQUEST"
	ErrCodeTimeout            ErrorCode = "TIMEOUT"
	ErrCodeUnknown            ErrorCode = "UNKNOWN"
)

// Error is a structured provider failure.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	Provider   string    `json:"provider"`
	Retryable  bool      `json:"retryable"`
	RetryAfter int       `json:"retry_after,omitempty"` // seconds
}

func (e *Error) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Provider, e.Code, e.Message)
}

// ShouldFailover reports whether the router may try another provider for
// this failure. Billing and quota problems are provider-specific and worth
// failing over; malformed requests would fail everywhere.
func (e *Error) ShouldFailover() bool {
	switch e.Code {
	case ErrCodeInvalidRequest:
		return false
	default:
		return true
	}
}

// NewError creates a structured provider error.
func NewError(code ErrorCode, message, providerID string, retryable bool) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Provider:  providerID,
		Retryable: retryable,
	}
}

// AsError extracts a *Error from err if present.
func AsError(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
