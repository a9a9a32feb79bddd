// Package errors provides the standardized error taxonomy for the
// reconciliation engine.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"time"
)

// ErrorCode represents standardized internal error codes.
type ErrorCode string

const (
	// Auth errors. Terminal errors destroy the session; transient errors
	// never do.
	ErrCodeAuthTerminal   ErrorCode = "AUTH_TERMINAL"
	ErrCodeAuthTransient  ErrorCode = "AUTH_TRANSIENT"
	ErrCodeNoRefreshToken ErrorCode = "NO_REFRESH_TOKEN"
	ErrCodeSessionMissing ErrorCode = "SESSION_MISSING"

	// Credit errors.
	ErrCodeInsufficientCredits ErrorCode = "INSUFFICIENT_CREDITS"
	ErrCodeRemoteUnavailable   ErrorCode = "REMOTE_UNAVAILABLE"

	// Billing errors.
	ErrCodePurchaseCancelled ErrorCode = "PURCHASE_CANCELLED"
	ErrCodeBillingAPIError   ErrorCode = "BILLING_API_ERROR"

	// Wire errors.
	ErrCodeMalformedResponse ErrorCode = "MALFORMED_RESPONSE"
	ErrCodeStateReadFailed   ErrorCode = "STATE_READ_FAILED"
)

// StandardError represents a structured application error.
type StandardError struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Details   string    `json:"details,omitempty"`
	Retryable bool      `json:"retryable"`
	Timestamp time.Time `json:"timestamp"`
}

func (e *StandardError) Error() string {
	return fmt.Sprintf("StandardError[%s]: %s", e.Code, e.Message)
}

// ==========================
// Error Constructors
// ==========================

// NewAuthTerminalError creates a non-retryable auth error. Callers must tear
// down the session when they see this code.
func NewAuthTerminalError(details string) *StandardError {
	return &StandardError{
		Code:      ErrCodeAuthTerminal,
		Message:   "Refresh token rejected by auth endpoint",
		Details:   details,
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewAuthTransientError creates a retryable auth error. The session survives.
func NewAuthTransientError(err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeAuthTransient,
		Message:   "Token refresh failed transiently",
		Details:   err.Error(),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewNoRefreshTokenError creates a non-retryable error for a missing refresh
// token.
func NewNoRefreshTokenError() *StandardError {
	return &StandardError{
		Code:      ErrCodeNoRefreshToken,
		Message:   "No refresh token available",
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewSessionMissingError creates a non-retryable error for operations that
// require an authenticated, non-anonymous session.
func NewSessionMissingError(details string) *StandardError {
	return &StandardError{
		Code:      ErrCodeSessionMissing,
		Message:   "Operation requires a non-anonymous session",
		Details:   details,
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewInsufficientCreditsError creates a non-retryable local invariant error.
func NewInsufficientCreditsError(have, want int64) *StandardError {
	return &StandardError{
		Code:      ErrCodeInsufficientCredits,
		Message:   "Insufficient credits",
		Details:   fmt.Sprintf("effective: %d, requested: %d", have, want),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewRemoteUnavailableError creates a retryable error for an unreachable
// credit or entitlement endpoint.
func NewRemoteUnavailableError(service string, err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeRemoteUnavailable,
		Message:   fmt.Sprintf("Remote service '%s' unavailable", service),
		Details:   err.Error(),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewPurchaseCancelledError marks an explicit user cancellation. It is not a
// failure; callers propagate it distinctly so the UI takes no action.
func NewPurchaseCancelledError() *StandardError {
	return &StandardError{
		Code:      ErrCodePurchaseCancelled,
		Message:   "Purchase cancelled by user",
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewBillingAPIError creates an error for a billing-provider API failure.
func NewBillingAPIError(details string, retryable bool) *StandardError {
	return &StandardError{
		Code:      ErrCodeBillingAPIError,
		Message:   "Billing provider API error",
		Details:   details,
		Retryable: retryable,
		Timestamp: time.Now().UTC(),
	}
}

// NewMalformedResponseError creates an error for an undecodable remote
// payload. Malformed bodies are treated as transient.
func NewMalformedResponseError(service string, err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeMalformedResponse,
		Message:   fmt.Sprintf("Malformed response from '%s'", service),
		Details:   err.Error(),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewStateReadFailedError creates an error for unreadable local state.
func NewStateReadFailedError(key string, err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeStateReadFailed,
		Message:   "Failed to read local state",
		Details:   fmt.Sprintf("key: %s, error: %s", key, err.Error()),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// ==========================
// Classification Helpers
// ==========================

// IsCode reports whether err carries the given error code.
func IsCode(err error, code ErrorCode) bool {
	var se *StandardError
	if stderrors.As(err, &se) {
		return se.Code == code
	}
	return false
}

// IsRetryable reports whether err is marked retryable. Unknown error types
// default to retryable so transient infrastructure failures are not promoted
// to terminal ones.
func IsRetryable(err error) bool {
	var se *StandardError
	if stderrors.As(err, &se) {
		return se.Retryable
	}
	return true
}

// IsTerminalAuthStatus reports whether an HTTP status from the auth endpoint
// invalidates the refresh token.
func IsTerminalAuthStatus(status int) bool {
	return status == http.StatusUnauthorized || status == http.StatusForbidden
}

// IsTransientStatus reports whether an HTTP status indicates a potentially
// transient failure worth retrying.
func IsTransientStatus(status int) bool {
	switch status {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}
