// Package resilience provides egress guards for services that call upstream
// collaborators (identity providers, attestation services, external token
// stores) and already standardize on the gobreaker/backoff ecosystem for
// outbound calls. The core state machines live in pkg/resilience; this
// package adapts established libraries to the same observability surface.
package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/mandate-mesh/mandate-mesh/pkg/observability"
)

// CircuitBreakerConfig holds settings for a gobreaker-backed breaker
type CircuitBreakerConfig struct {
	Name         string        `mapstructure:"name"`
	MaxRequests  uint32        `mapstructure:"max_requests"`
	Interval     time.Duration `mapstructure:"interval"`
	Timeout      time.Duration `mapstructure:"timeout"`
	FailureRatio float64       `mapstructure:"failure_ratio"`
	MinRequests  uint32        `mapstructure:"min_requests"`
}

var (
	breakers      = make(map[string]*gobreaker.CircuitBreaker)
	breakersMutex sync.RWMutex
)

// GetCircuitBreaker returns the process-wide breaker for the named upstream,
// creating it on first use. All callers in the process share one breaker per
// name, so every egress path contributes to the same health picture.
func GetCircuitBreaker(name string, config CircuitBreakerConfig, logger observability.Logger) *gobreaker.CircuitBreaker {
	breakersMutex.RLock()
	cb, ok := breakers[name]
	breakersMutex.RUnlock()

	if ok {
		return cb
	}

	breakersMutex.Lock()
	defer breakersMutex.Unlock()

	// Check again in case it was created while we were waiting for the lock
	if cb, ok := breakers[name]; ok {
		return cb
	}

	if config.Name == "" {
		config.Name = name
	}
	if config.MaxRequests == 0 {
		config.MaxRequests = 5
	}
	if config.Interval == 0 {
		config.Interval = 30 * time.Second
	}
	if config.Timeout == 0 {
		config.Timeout = 60 * time.Second
	}
	if config.FailureRatio == 0 {
		config.FailureRatio = 0.5
	}
	if config.MinRequests == 0 {
		config.MinRequests = 5
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	log := logger.WithPrefix("egress-breaker")

	settings := gobreaker.Settings{
		Name:        config.Name,
		MaxRequests: config.MaxRequests,
		Interval:    config.Interval,
		Timeout:     config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= config.MinRequests && failureRatio >= config.FailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Info("upstream circuit breaker state change", map[string]interface{}{
				"upstream": name,
				"from":     from.String(),
				"to":       to.String(),
			})
		},
	}

	cb = gobreaker.NewCircuitBreaker(settings)
	breakers[name] = cb
	return cb
}

// ExecuteWithCircuitBreaker runs fn through the named upstream's breaker.
// Context cancellation stops the wait, not the underlying call: fn has
// already been handed to the breaker and runs to completion in the
// background with its result discarded.
func ExecuteWithCircuitBreaker(ctx context.Context, name string, config CircuitBreakerConfig, logger observability.Logger, fn func() (interface{}, error)) (interface{}, error) {
	cb := GetCircuitBreaker(name, config, logger)

	resultCh := make(chan struct {
		result interface{}
		err    error
	}, 1)

	go func() {
		result, err := cb.Execute(fn)
		resultCh <- struct {
			result interface{}
			err    error
		}{result, err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-resultCh:
		return res.result, res.err
	}
}

// BreakerState returns the current state of the named upstream breaker, or
// an empty string if no breaker exists for that name yet
func BreakerState(name string) string {
	breakersMutex.RLock()
	defer breakersMutex.RUnlock()

	cb, ok := breakers[name]
	if !ok {
		return ""
	}
	return cb.State().String()
}
