package resilience

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/mandate-mesh/mandate-mesh/pkg/observability"
)

// RetryConfig holds settings for backoff-based retries against upstreams
type RetryConfig struct {
	MaxRetries      int           `mapstructure:"max_retries"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	Multiplier      float64       `mapstructure:"multiplier"`
	MaxElapsedTime  time.Duration `mapstructure:"max_elapsed_time"`

	// RetryIf decides whether a failure is worth retrying. Nil retries
	// everything until the budget runs out.
	RetryIf func(error) bool
}

// DefaultRetryConfig returns retry settings suitable for most upstreams
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      3,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     10 * time.Second,
		Multiplier:      2.0,
		MaxElapsedTime:  30 * time.Second,
	}
}

// Retry runs the operation under an exponential backoff schedule. A failure
// rejected by RetryIf is returned immediately without consuming the
// remaining budget; context cancellation stops the schedule between
// attempts.
func Retry(ctx context.Context, config RetryConfig, logger observability.Logger, operation func() error) error {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	log := logger.WithPrefix("egress-retry")

	b := backoff.NewExponentialBackOff()
	if config.InitialInterval > 0 {
		b.InitialInterval = config.InitialInterval
	}
	if config.MaxInterval > 0 {
		b.MaxInterval = config.MaxInterval
	}
	if config.Multiplier > 1 {
		b.Multiplier = config.Multiplier
	}
	b.MaxElapsedTime = config.MaxElapsedTime

	var schedule backoff.BackOff = b
	if config.MaxRetries > 0 {
		schedule = backoff.WithMaxRetries(b, uint64(config.MaxRetries))
	}
	schedule = backoff.WithContext(schedule, ctx)

	attempt := 0
	return backoff.RetryNotify(func() error {
		attempt++
		err := operation()
		if err != nil && config.RetryIf != nil && !config.RetryIf(err) {
			return backoff.Permanent(err)
		}
		return err
	}, schedule, func(err error, next time.Duration) {
		log.Debug("retrying upstream call", map[string]interface{}{
			"attempt": attempt,
			"delay":   next.String(),
			"error":   err.Error(),
		})
	})
}

// RetryWithResult is Retry for operations that produce a value
func RetryWithResult[T any](ctx context.Context, config RetryConfig, logger observability.Logger, operation func() (T, error)) (T, error) {
	var result T

	err := Retry(ctx, config, logger, func() error {
		var opErr error
		result, opErr = operation()
		return opErr
	})

	return result, err
}
