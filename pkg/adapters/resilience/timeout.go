package resilience

import (
	"context"
	"fmt"
	"time"
)

// TimeoutConfig holds deadline settings for a guarded upstream call
type TimeoutConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`

	// GracePeriod extends the wait past the deadline so an almost-done
	// call can still deliver its result
	GracePeriod time.Duration `mapstructure:"grace_period"`
}

// DefaultTimeoutConfig returns deadline settings suitable for most upstreams
func DefaultTimeoutConfig() TimeoutConfig {
	return TimeoutConfig{
		Timeout:     10 * time.Second,
		GracePeriod: 2 * time.Second,
	}
}

// ExecuteWithTimeout races the operation against the configured deadline.
// The operation receives a context carrying the deadline and is expected to
// observe it; one that does not is abandoned, and its eventual result is
// discarded through the buffered channel.
func ExecuteWithTimeout[T any](ctx context.Context, config TimeoutConfig, operation func(context.Context) (T, error)) (T, error) {
	var zero T

	timeoutCtx, cancel := context.WithTimeout(ctx, config.Timeout)
	defer cancel()

	resultCh := make(chan struct {
		value T
		err   error
	}, 1)

	go func() {
		value, err := operation(timeoutCtx)
		resultCh <- struct {
			value T
			err   error
		}{value, err}
	}()

	select {
	case res := <-resultCh:
		return res.value, res.err
	case <-timeoutCtx.Done():
	}

	if config.GracePeriod > 0 {
		graceTimer := time.NewTimer(config.GracePeriod)
		defer graceTimer.Stop()

		select {
		case res := <-resultCh:
			return res.value, res.err
		case <-graceTimer.C:
			return zero, fmt.Errorf("upstream call exceeded %v deadline (plus %v grace): %w",
				config.Timeout, config.GracePeriod, context.DeadlineExceeded)
		}
	}

	return zero, fmt.Errorf("upstream call exceeded %v deadline: %w", config.Timeout, context.DeadlineExceeded)
}

// WithTimeout runs the operation with a plain deadline and no grace period
func WithTimeout[T any](ctx context.Context, operation func(context.Context) (T, error), timeout time.Duration) (T, error) {
	return ExecuteWithTimeout(ctx, TimeoutConfig{Timeout: timeout}, operation)
}

// TimeoutMiddleware wraps an operation so every invocation carries the given
// deadline. Useful for building per-upstream call chains once and reusing
// them.
func TimeoutMiddleware[T any](timeout time.Duration) func(func(context.Context) (T, error)) func(context.Context) (T, error) {
	return func(operation func(context.Context) (T, error)) func(context.Context) (T, error) {
		return func(ctx context.Context) (T, error) {
			return WithTimeout(ctx, operation, timeout)
		}
	}
}
