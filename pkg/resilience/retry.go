package resilience

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/pkg/errors"

	"github.com/mandate-mesh/mandate-mesh/pkg/observability"
)

// RetryConfig holds configuration for retry behavior
type RetryConfig struct {
	// MaxAttempts is the total number of invocations, including the first.
	// An operation that fails k times and then succeeds is invoked k+1 times.
	MaxAttempts int

	// InitialDelay is the delay before the first retry
	InitialDelay time.Duration

	// MaxDelay caps the exponential backoff
	MaxDelay time.Duration

	// Multiplier is the exponential growth factor between retries
	Multiplier float64

	// Jitter randomizes each delay to a uniform value in [0.5, 1.5) of the
	// computed delay, spreading out retries from concurrent callers
	Jitter bool

	// RetryableErrors, when non-empty, restricts retries to errors matching
	// one of these targets via errors.Is
	RetryableErrors []error

	// Classifier, when set, decides retryability and takes precedence over
	// RetryableErrors. Context errors, permanent errors, and circuit
	// breaker rejections are never retried regardless of classification.
	Classifier func(error) bool
}

// DefaultRetryConfig returns the default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// RetryExecutor retries failed operations with exponential backoff
type RetryExecutor struct {
	name    string
	config  RetryConfig
	logger  observability.Logger
	metrics observability.MetricsClient
}

// NewRetryExecutor creates a new retry executor with the given configuration
func NewRetryExecutor(name string, config RetryConfig, logger observability.Logger, metrics observability.MetricsClient) *RetryExecutor {
	defaults := DefaultRetryConfig()
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaults.MaxAttempts
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = defaults.InitialDelay
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = defaults.MaxDelay
	}
	if config.Multiplier <= 1.0 {
		config.Multiplier = defaults.Multiplier
	}

	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewMetricsClient()
	}

	return &RetryExecutor{
		name:    name,
		config:  config,
		logger:  logger.WithPrefix("retry"),
		metrics: metrics,
	}
}

// Execute runs the operation, retrying retryable failures with exponential
// backoff. The final error is the operation's own error, returned unmodified;
// context cancellation during a wait returns the context's error instead.
func (r *RetryExecutor) Execute(ctx context.Context, operation func(context.Context) (interface{}, error)) (interface{}, error) {
	var result interface{}
	var err error

	for attempt := 1; ; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}

		result, err = operation(ctx)
		r.metrics.IncrementCounterWithLabels("retry_attempts_total", 1, map[string]string{"name": r.name})

		if err == nil {
			if attempt > 1 {
				r.logger.Info("operation succeeded after retry", map[string]interface{}{
					"executor": r.name,
					"attempt":  attempt,
				})
			}
			return result, nil
		}

		if !r.isRetryable(err) {
			r.logger.Debug("error is not retryable", map[string]interface{}{
				"executor": r.name,
				"attempt":  attempt,
				"error":    err.Error(),
			})
			return nil, err
		}

		if attempt >= r.config.MaxAttempts {
			break
		}

		delay := r.delay(attempt)
		r.logger.Debug("retrying after delay", map[string]interface{}{
			"executor":     r.name,
			"attempt":      attempt,
			"max_attempts": r.config.MaxAttempts,
			"delay":        delay.String(),
			"error":        err.Error(),
		})

		if sleepErr := sleepContext(ctx, delay); sleepErr != nil {
			return nil, sleepErr
		}
	}

	r.metrics.IncrementCounterWithLabels("retry_exhausted_total", 1, map[string]string{"name": r.name})
	r.logger.Warn("retry attempts exhausted", map[string]interface{}{
		"executor":     r.name,
		"max_attempts": r.config.MaxAttempts,
		"error":        err.Error(),
	})

	return nil, err
}

// delay computes the backoff before the next attempt, where attempt is the
// number of failures so far. The exponential delay is capped at MaxDelay
// before jitter, so a jittered delay may exceed the cap by up to half.
func (r *RetryExecutor) delay(attempt int) time.Duration {
	backoff := float64(r.config.InitialDelay) * math.Pow(r.config.Multiplier, float64(attempt-1))
	if backoff > float64(r.config.MaxDelay) {
		backoff = float64(r.config.MaxDelay)
	}
	if r.config.Jitter {
		backoff *= 0.5 + rand.Float64()
	}
	return time.Duration(backoff)
}

// isRetryable classifies an error. Context errors, permanent errors, and
// circuit breaker rejections are terminal before any configured
// classification runs: an open breaker will not recover within a single
// retry budget, so sleeping through the remaining attempts only delays the
// caller, and no classifier or allow-list may override that contract.
// Otherwise the classifier, then the allow-list, then the retry-everything
// default apply in that order.
func (r *RetryExecutor) isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	if errors.Is(err, ErrCircuitOpen) {
		return false
	}

	var permanent *PermanentError
	if errors.As(err, &permanent) {
		return false
	}

	if r.config.Classifier != nil {
		return r.config.Classifier(err)
	}

	if len(r.config.RetryableErrors) > 0 {
		for _, target := range r.config.RetryableErrors {
			if errors.Is(err, target) {
				return true
			}
		}
		return false
	}

	return true
}

// sleepContext waits for the duration or until the context is done,
// whichever comes first
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
