package resilience

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/mandate-mesh/mandate-mesh/pkg/observability"
)

// executorConfig collects the optional component configurations
type executorConfig struct {
	breaker  *CircuitBreakerConfig
	retry    *RetryConfig
	timeout  *TimeoutConfig
	bulkhead *BulkheadConfig
	limiter  *TokenBucketConfig
}

// ResilientExecutorOption configures a ResilientExecutor
type ResilientExecutorOption func(*executorConfig)

// WithCircuitBreaker adds a circuit breaker to the executor
func WithCircuitBreaker(config CircuitBreakerConfig) ResilientExecutorOption {
	return func(o *executorConfig) { o.breaker = &config }
}

// WithRetry adds retry behavior to the executor
func WithRetry(config RetryConfig) ResilientExecutorOption {
	return func(o *executorConfig) { o.retry = &config }
}

// WithTimeout adds a per-call deadline to the executor
func WithTimeout(config TimeoutConfig) ResilientExecutorOption {
	return func(o *executorConfig) { o.timeout = &config }
}

// WithBulkhead adds a concurrency bound to the executor
func WithBulkhead(config BulkheadConfig) ResilientExecutorOption {
	return func(o *executorConfig) { o.bulkhead = &config }
}

// WithRateLimiter adds a token bucket admission gate to the executor
func WithRateLimiter(config TokenBucketConfig) ResilientExecutorOption {
	return func(o *executorConfig) { o.limiter = &config }
}

// ResilientExecutor composes the resilience patterns around calls to a single
// collaborator. The composition order is fixed regardless of option order:
// the rate limiter gates admission, the bulkhead bounds concurrency, and
// inside a held slot the retry loop drives the circuit breaker, which guards
// the deadline-bounded operation. Components that were not configured are
// skipped.
type ResilientExecutor struct {
	name     string
	limiter  *TokenBucket
	bulkhead *Bulkhead
	retry    *RetryExecutor
	breaker  *CircuitBreaker
	timeout  *TimeoutGuard
	logger   observability.Logger
	metrics  observability.MetricsClient
}

// NewResilientExecutor creates an executor for the named collaborator
func NewResilientExecutor(name string, logger observability.Logger, metrics observability.MetricsClient, opts ...ResilientExecutorOption) *ResilientExecutor {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewMetricsClient()
	}

	var cfg executorConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	e := &ResilientExecutor{
		name:    name,
		logger:  logger.WithPrefix("resilience"),
		metrics: metrics,
	}

	if cfg.limiter != nil {
		e.limiter = NewTokenBucket(name, *cfg.limiter, logger, metrics)
	}
	if cfg.bulkhead != nil {
		e.bulkhead = NewBulkhead(name, *cfg.bulkhead, logger, metrics)
	}
	if cfg.retry != nil {
		e.retry = NewRetryExecutor(name, *cfg.retry, logger, metrics)
	}
	if cfg.breaker != nil {
		e.breaker = NewCircuitBreaker(name, *cfg.breaker, logger, metrics)
	}
	if cfg.timeout != nil {
		e.timeout = NewTimeoutGuard(name, *cfg.timeout, logger, metrics)
	}

	return e
}

// Execute runs the operation through the configured resilience chain. The
// operation's own error passes through every layer unmodified; layer
// rejections surface as the layer's typed error.
func (e *ResilientExecutor) Execute(ctx context.Context, operation func(context.Context) (interface{}, error)) (interface{}, error) {
	ctx, span := observability.StartSpan(ctx, "resilience."+e.name)
	defer span.End()
	span.SetAttribute(string(observability.CollaboratorAttributeKey), e.name)

	// The limiter gates admission before anything else so a rate-limited
	// caller never consumes a bulkhead slot
	if e.limiter != nil {
		if err := e.limiter.Acquire(); err != nil {
			span.AddEvent("rate_limited", map[string]interface{}{"collaborator": e.name})
			span.RecordError(err)
			span.SetStatus(observability.SpanStatusError, "rate limited")
			return nil, err
		}
	}

	op := e.chain(operation)

	var result interface{}
	var err error
	if e.bulkhead != nil {
		result, err = e.bulkhead.Execute(ctx, op)
	} else {
		result, err = op(ctx)
	}

	if err != nil {
		e.recordRejection(span, err)
		span.RecordError(err)
		span.SetStatus(observability.SpanStatusError, err.Error())
		return result, err
	}

	span.SetStatus(observability.SpanStatusOK, "")
	return result, nil
}

// chain composes retry around breaker around timeout, innermost first
func (e *ResilientExecutor) chain(operation func(context.Context) (interface{}, error)) func(context.Context) (interface{}, error) {
	op := operation

	if e.timeout != nil {
		inner := op
		op = func(ctx context.Context) (interface{}, error) {
			return e.timeout.Execute(ctx, inner)
		}
	}
	if e.breaker != nil {
		inner := op
		op = func(ctx context.Context) (interface{}, error) {
			return e.breaker.Execute(ctx, inner)
		}
	}
	if e.retry != nil {
		inner := op
		op = func(ctx context.Context) (interface{}, error) {
			return e.retry.Execute(ctx, inner)
		}
	}

	return op
}

// recordRejection marks layer rejections as span events
func (e *ResilientExecutor) recordRejection(span observability.Span, err error) {
	switch {
	case errors.Is(err, ErrCircuitOpen):
		span.AddEvent("circuit_open", map[string]interface{}{"collaborator": e.name})
	case errors.Is(err, ErrBulkheadFull):
		span.AddEvent("bulkhead_full", map[string]interface{}{"collaborator": e.name})
	case errors.Is(err, ErrTimeout):
		span.AddEvent("timeout", map[string]interface{}{"collaborator": e.name})
	}
}

// Name returns the collaborator name this executor guards
func (e *ResilientExecutor) Name() string {
	return e.name
}

// CircuitBreaker returns the configured breaker, or nil
func (e *ResilientExecutor) CircuitBreaker() *CircuitBreaker {
	return e.breaker
}

// Bulkhead returns the configured bulkhead, or nil
func (e *ResilientExecutor) Bulkhead() *Bulkhead {
	return e.bulkhead
}

// RateLimiter returns the configured token bucket, or nil
func (e *ResilientExecutor) RateLimiter() *TokenBucket {
	return e.limiter
}

// Close releases the executor's components
func (e *ResilientExecutor) Close() error {
	var errs []error
	if e.breaker != nil {
		if err := e.breaker.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if e.bulkhead != nil {
		if err := e.bulkhead.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("errors closing executor components: %v", errs)
	}
	return nil
}

// CircuitBreakerRetry wires a retry loop around a circuit breaker so callers
// get transient-failure retries and fast rejection once the breaker opens. A
// breaker rejection stops the remaining retry budget immediately instead of
// sleeping through delays the open breaker would reject anyway.
type CircuitBreakerRetry struct {
	breaker *CircuitBreaker
	retry   *RetryExecutor
}

// NewCircuitBreakerRetry creates the combined breaker and retry pair
func NewCircuitBreakerRetry(name string, breakerConfig CircuitBreakerConfig, retryConfig RetryConfig, logger observability.Logger, metrics observability.MetricsClient) *CircuitBreakerRetry {
	return &CircuitBreakerRetry{
		breaker: NewCircuitBreaker(name, breakerConfig, logger, metrics),
		retry:   NewRetryExecutor(name, retryConfig, logger, metrics),
	}
}

// Execute retries the operation through the breaker
func (c *CircuitBreakerRetry) Execute(ctx context.Context, operation func(context.Context) (interface{}, error)) (interface{}, error) {
	return c.retry.Execute(ctx, func(ctx context.Context) (interface{}, error) {
		return c.breaker.Execute(ctx, operation)
	})
}

// Breaker returns the underlying circuit breaker
func (c *CircuitBreakerRetry) Breaker() *CircuitBreaker {
	return c.breaker
}

// Close stops the breaker's callback delivery
func (c *CircuitBreakerRetry) Close() error {
	return c.breaker.Close()
}
