// Package resilience provides the fault-tolerance layer for mandate-mesh
// services: circuit breaking, retry with backoff, timeouts, bulkhead
// isolation, and token bucket rate limiting for calls to the collaborators an
// authorization decision depends on (identity providers, token stores,
// revocation registries, audit sinks).
//
// A guarded operation's own error is always returned unmodified; the errors
// defined here are only returned for rejections the resilience layer itself
// decides.
package resilience

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// Resilience errors
var (
	ErrCircuitOpen       = errors.New("circuit breaker is open")
	ErrTimeout           = errors.New("operation timed out")
	ErrBulkheadFull      = errors.New("bulkhead is full, request rejected")
	ErrBulkheadClosed    = errors.New("bulkhead is closed")
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
)

// CircuitOpenError is returned when a call is rejected by an open circuit
// breaker. RetryAfter is the remaining wait before the breaker will probe.
type CircuitOpenError struct {
	Breaker    string
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("circuit breaker %s is open, retry after %s", e.Breaker, e.RetryAfter)
	}
	return fmt.Sprintf("circuit breaker %s is open", e.Breaker)
}

func (e *CircuitOpenError) Unwrap() error {
	return ErrCircuitOpen
}

// TimeoutError is returned when a guarded operation exceeds its deadline.
type TimeoutError struct {
	Operation string
	Timeout   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("operation %s timed out after %s", e.Operation, e.Timeout)
}

func (e *TimeoutError) Unwrap() error {
	return ErrTimeout
}

// BulkheadFullError is returned when a bulkhead has no free slot and no queue
// capacity for the request.
type BulkheadFullError struct {
	Bulkhead      string
	MaxConcurrent int
}

func (e *BulkheadFullError) Error() string {
	return fmt.Sprintf("bulkhead %s is full (max concurrent %d), request rejected", e.Bulkhead, e.MaxConcurrent)
}

func (e *BulkheadFullError) Unwrap() error {
	return ErrBulkheadFull
}

// RateLimitError is returned by the raising acquire variant when no token is
// available. RetryAfter is the wait until the bucket refills enough.
type RateLimitError struct {
	Limiter    string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s, retry after %s", e.Limiter, e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error {
	return ErrRateLimitExceeded
}

// PermanentError marks an error as non-retryable for RetryExecutor.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err so the retry executor fails fast instead of retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}
