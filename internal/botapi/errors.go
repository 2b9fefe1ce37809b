package botapi

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrCircuitOpen is returned without any network I/O while the breaker
	// is open.
	ErrCircuitOpen = errors.New("botapi: circuit breaker open")
)

// APIError is a non-OK response from the bot API.
type APIError struct {
	Code        int
	Description string
	// RetryAfter carries the server's backoff hint on 429 (0 otherwise).
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("botapi: %d %s", e.Code, e.Description)
}

// Permanent reports whether the error must not be retried by the caller
// (bad request / forbidden: retrying cannot help).
func (e *APIError) Permanent() bool {
	return e.Code == 400 || e.Code == 403
}

// NoRetry marks an error as non-retryable.
//
// Callers can wrap validation errors or other permanent failures with
// NoRetry so the delivery worker won't waste attempts on them.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is a permanent failure: either wrapped with
// NoRetry or a permanent APIError.
func IsNoRetry(err error) bool {
	var n noRetryError
	if errors.As(err, &n) {
		return true
	}
	var api *APIError
	return errors.As(err, &api) && api.Permanent()
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }

// RetryAfterError is implemented by errors that carry an explicit retry
// delay (e.g. HTTP 429). The delivery worker respects the hint, bounded by
// its own max delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

// RetryAfterHint extracts a server-suggested retry delay from err, if any.
func RetryAfterHint(err error) (time.Duration, bool) {
	var ra RetryAfterError
	if errors.As(err, &ra) && ra.RetryAfter() > 0 {
		return ra.RetryAfter(), true
	}
	var api *APIError
	if errors.As(err, &api) && api.RetryAfter > 0 {
		return api.RetryAfter, true
	}
	return 0, false
}
