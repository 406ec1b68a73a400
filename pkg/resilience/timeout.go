package resilience

import (
	"context"
	"fmt"
	"time"

	"github.com/mandate-mesh/mandate-mesh/pkg/observability"
)

// TimeoutConfig holds configuration for a timeout guard
type TimeoutConfig struct {
	// Timeout is the deadline applied to each guarded operation
	Timeout time.Duration

	// GracePeriod extends the wait after the deadline fires, giving the
	// operation a last chance to deliver its result
	GracePeriod time.Duration

	// OnTimeout, if set, is invoked after the deadline and grace period
	// elapse without a result. Panics are recovered and logged.
	OnTimeout func(name string, timeout time.Duration)
}

// DefaultTimeoutConfig returns the default timeout configuration
func DefaultTimeoutConfig() TimeoutConfig {
	return TimeoutConfig{
		Timeout:     30 * time.Second,
		GracePeriod: 0,
	}
}

// TimeoutGuard bounds the duration of operations against collaborators that
// may hang. The operation receives a context with the deadline applied and
// is expected to observe it; a goroutine that ignores cancellation is
// abandoned, not interrupted.
type TimeoutGuard struct {
	name    string
	config  TimeoutConfig
	logger  observability.Logger
	metrics observability.MetricsClient
}

// NewTimeoutGuard creates a new timeout guard with the given configuration
func NewTimeoutGuard(name string, config TimeoutConfig, logger observability.Logger, metrics observability.MetricsClient) *TimeoutGuard {
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeoutConfig().Timeout
	}
	if config.GracePeriod < 0 {
		config.GracePeriod = 0
	}

	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewMetricsClient()
	}

	return &TimeoutGuard{
		name:    name,
		config:  config,
		logger:  logger.WithPrefix("timeout"),
		metrics: metrics,
	}
}

type operationResult struct {
	value interface{}
	err   error
}

// Execute runs the operation with the configured deadline. A result arriving
// in time, or within the grace period after the deadline, is returned as-is.
// Cancellation of the caller's context returns that context's error; only an
// elapsed deadline produces a TimeoutError.
func (t *TimeoutGuard) Execute(ctx context.Context, operation func(context.Context) (interface{}, error)) (interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, t.config.Timeout)
	defer cancel()

	// Buffered so the operation goroutine can always deliver its result and
	// exit, even after the guard has stopped listening
	resultCh := make(chan operationResult, 1)

	go func() {
		value, err := operation(timeoutCtx)
		resultCh <- operationResult{value: value, err: err}
	}()

	select {
	case res := <-resultCh:
		return res.value, res.err
	case <-timeoutCtx.Done():
	}

	// The caller cancelling is not a timeout
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if t.config.GracePeriod > 0 {
		graceTimer := time.NewTimer(t.config.GracePeriod)
		defer graceTimer.Stop()

		select {
		case res := <-resultCh:
			return res.value, res.err
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-graceTimer.C:
		}
	}

	t.metrics.IncrementCounterWithLabels("timeout_guard_timeouts_total", 1, map[string]string{"name": t.name})
	t.logger.Warn("operation timed out", map[string]interface{}{
		"guard":        t.name,
		"timeout":      t.config.Timeout.String(),
		"grace_period": t.config.GracePeriod.String(),
	})

	if t.config.OnTimeout != nil {
		t.notifyTimeout()
	}

	// The operation goroutine keeps running with its cancelled context; its
	// eventual result lands in the buffered channel and is dropped.
	return nil, &TimeoutError{Operation: t.name, Timeout: t.config.Timeout}
}

// notifyTimeout runs the timeout callback, isolating the guard from panics
func (t *TimeoutGuard) notifyTimeout() {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("timeout callback panicked", map[string]interface{}{
				"guard": t.name,
				"panic": fmt.Sprintf("%v", r),
			})
		}
	}()
	t.config.OnTimeout(t.name, t.config.Timeout)
}

// Timeout returns the configured deadline
func (t *TimeoutGuard) Timeout() time.Duration {
	return t.config.Timeout
}
