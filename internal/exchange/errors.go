package exchange

import (
	"fmt"
	"time"
)

// TransientError means the call kept failing with network errors or retryable statuses
// until the attempt budget ran out.
type TransientError struct {
	Group      Group
	Path       string
	Attempts   int
	StatusCode int // last HTTP status, 0 for network failures
	Err        error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s %s: transient failure after %d attempts (status %d): %v",
		e.Group, e.Path, e.Attempts, e.StatusCode, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// AuthError means the credentials could not be refreshed, or the broker still rejected
// them after a refresh.
type AuthError struct {
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth: %s: %v", e.Reason, e.Err)
	}
	return "auth: " + e.Reason
}

func (e *AuthError) Unwrap() error { return e.Err }

// CircuitOpenError is returned without any network call while a group's breaker is open.
type CircuitOpenError struct {
	Group      Group
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("%s circuit open, retry after %s", e.Group, e.RetryAfter.Round(time.Millisecond))
}

// ValidationError covers malformed requests and 4xx statuses other than 401.
type ValidationError struct {
	StatusCode int
	Message    string
	Body       map[string]any
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed (status %d): %s", e.StatusCode, e.Message)
}

// APIError is a logical failure reported inside a 2xx response (`"s": "error"`).
type APIError struct {
	StatusCode int
	Code       int
	Message    string
	Body       map[string]any
}

func (e *APIError) Error() string {
	return fmt.Sprintf("broker error %d (status %d): %s", e.Code, e.StatusCode, e.Message)
}
