// Package arbiter provides a Go client for the arbiter decision API.
package arbiter

import (
	"errors"
	"fmt"
)

// Error codes returned by the server in error responses.
const (
	CodeInvalidInput     = "INVALID_INPUT"
	CodeUnknownEventType = "UNKNOWN_EVENT_TYPE"
	CodeNotFound         = "NOT_FOUND"
	CodeBackpressure     = "BACKPRESSURE"
	CodeRateLimited      = "RATE_LIMITED"
)

// Error represents an error from the arbiter API with the HTTP status code
// and the server's error message.
type Error struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("arbiter: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// IsNotFound returns true if the error is a 404.
func IsNotFound(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 404
	}
	return false
}

// IsInvalid returns true if the server rejected the submission as malformed
// (400) or of an unknown event type (422).
func IsInvalid(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 400 || e.StatusCode == 422
	}
	return false
}

// IsBackpressure returns true if the target workflow's queue was full.
// The submission is safe to retry with the same event ID.
func IsBackpressure(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 429 && e.Code == CodeBackpressure
	}
	return false
}

// IsRateLimited returns true if the error is a 429 (Too Many Requests),
// whether from the intake rate limiter or from workflow backpressure.
func IsRateLimited(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 429
	}
	return false
}
