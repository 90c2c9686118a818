// Package apperror defines the error taxonomy shared by services and
// handlers. Each error carries an HTTP status and a message that is safe to
// return to the client; wrapped causes stay server-side.
package apperror

import (
	"fmt"
	"net/http"
)

type Error struct {
	Status  int    `json:"-"`
	Type    string `json:"type"`
	Message string `json:"error"`

	// RetryAfter is set for rate-limit errors, in whole seconds.
	RetryAfter int `json:"retry_after,omitempty"`

	// Internal holds the underlying cause for logging. Never exposed.
	Internal error `json:"-"`
}

func (e *Error) Error() string {
	if e.Internal != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Internal)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Internal
}

func NewValidation(message string) *Error {
	return &Error{Status: http.StatusBadRequest, Type: "validation", Message: message}
}

// NewAuth returns a 401 with a deliberately generic message. Callers on
// enumeration-sensitive paths must pass the same message for every failure
// cause.
func NewAuth(message string) *Error {
	return &Error{Status: http.StatusUnauthorized, Type: "auth", Message: message}
}

func NewForbidden(message string) *Error {
	return &Error{Status: http.StatusForbidden, Type: "forbidden", Message: message}
}

func NewRateLimited(retryAfterSeconds int) *Error {
	if retryAfterSeconds < 1 {
		retryAfterSeconds = 1
	}
	return &Error{
		Status:     http.StatusTooManyRequests,
		Type:       "rate_limited",
		Message:    "too many requests",
		RetryAfter: retryAfterSeconds,
	}
}

func NewInternal(cause error) *Error {
	return &Error{
		Status:   http.StatusInternalServerError,
		Type:     "internal",
		Message:  "internal server error",
		Internal: cause,
	}
}
