package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Error taxonomy shared by every remote call in the custodian.
var (
	// ErrRateLimited matches any RateLimitedError.
	ErrRateLimited = errors.New("rate limited")

	// ErrCircuitOpen matches any CircuitOpenError.
	ErrCircuitOpen = errors.New("circuit open")

	// ErrTokenInvalid indicates an expired, revoked or otherwise rejected grant.
	// Never retried.
	ErrTokenInvalid = errors.New("token expired or invalid")

	// ErrPermissionDenied indicates the credentials lack access. Never retried.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrNetworkTimeout indicates the upstream did not answer in time.
	ErrNetworkTimeout = errors.New("network timeout")

	// ErrNetwork indicates a transport-level failure.
	ErrNetwork = errors.New("network error")

	// ErrUpstreamServer indicates a 5xx answer from the upstream.
	ErrUpstreamServer = errors.New("upstream server error")

	// ErrValidation indicates a malformed request or an unexpected payload shape.
	ErrValidation = errors.New("validation error")
)

// RateLimitedError is the "too many requests" signal. RetryAfter is the wait
// suggested by the server, zero when none was given.
type RateLimitedError struct {
	RetryAfter time.Duration
	Message    string
}

func (e *RateLimitedError) Error() string {
	msg := "rate limited"
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.RetryAfter > 0 {
		msg += fmt.Sprintf(" (retry after %s)", e.RetryAfter)
	}
	return msg
}

// Is reports whether target is ErrRateLimited.
func (e *RateLimitedError) Is(target error) bool {
	return target == ErrRateLimited
}

// CircuitOpenError is returned when a breaker or limiter refuses a call
// without invoking the operation.
type CircuitOpenError struct {
	Name      string
	Remaining time.Duration
}

func (e *CircuitOpenError) Error() string {
	if e.Remaining > 0 {
		return fmt.Sprintf("circuit %q open, retry in %s", e.Name, e.Remaining.Round(time.Millisecond))
	}
	return fmt.Sprintf("circuit %q open", e.Name)
}

// Is reports whether target is ErrCircuitOpen.
func (e *CircuitOpenError) Is(target error) bool {
	return target == ErrCircuitOpen
}

// retryableError tags an error so the RateLimiter applies its backoff path.
type retryableError struct {
	err        error
	retryAfter time.Duration
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// Retryable marks err as safe to retry with backoff. retryAfter may carry a
// server hint; zero means none.
func Retryable(err error, retryAfter time.Duration) error {
	if err == nil {
		return nil
	}
	return &retryableError{err: err, retryAfter: retryAfter}
}

// retryHint reports whether err should follow the backoff path and the
// server-suggested wait, if any.
func retryHint(err error) (time.Duration, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl.RetryAfter, true
	}
	var re *retryableError
	if errors.As(err, &re) {
		return re.retryAfter, true
	}
	return 0, false
}

// IsRetryable reports whether err is a rate-limit signal or was tagged Retryable.
func IsRetryable(err error) bool {
	_, ok := retryHint(err)
	return ok
}

// IsCallerError reports errors caused by the request itself rather than by the
// upstream's health. Breakers ignore them.
func IsCallerError(err error) bool {
	return errors.Is(err, ErrTokenInvalid) ||
		errors.Is(err, ErrPermissionDenied) ||
		errors.Is(err, ErrValidation)
}

// CountsAgainstBreaker is the failure predicate for upstream breakers: caller
// errors, cancellations and refusals by another guard are not upstream faults.
func CountsAgainstBreaker(err error) bool {
	return !IsCallerError(err) &&
		!errors.Is(err, ErrCircuitOpen) &&
		!errors.Is(err, context.Canceled)
}
