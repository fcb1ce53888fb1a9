package feed

import (
	"fmt"
	"time"
)

// RateLimitError signals that the provider throttled the request and asks
// the caller to wait RetryAfter before trying again.
type RateLimitError struct {
	RetryAfter time.Duration
	Msg        string
}

func (e *RateLimitError) Error() string {
	if e.Msg != "" {
		return e.Msg
	}
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// PermanentError signals that the provider can never serve the instrument
// with its current configuration, e.g. an unknown symbol.
type PermanentError struct {
	Reason string
	Err    error
}

func (e *PermanentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason
}

func (e *PermanentError) Unwrap() error { return e.Err }

// AuthExpiredError signals that the provider session is no longer valid.
type AuthExpiredError struct {
	Reason string
}

func (e *AuthExpiredError) Error() string {
	if e.Reason == "" {
		return "authentication expired"
	}
	return e.Reason
}

func RateLimited(retryAfter time.Duration, msg string) error {
	return &RateLimitError{RetryAfter: retryAfter, Msg: msg}
}

func Permanent(reason string, err error) error {
	return &PermanentError{Reason: reason, Err: err}
}

func AuthExpired(reason string) error {
	return &AuthExpiredError{Reason: reason}
}
