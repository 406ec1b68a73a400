package resilience

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/mandate-mesh/mandate-mesh/pkg/observability"
)

// TokenBucketConfig holds configuration for a token bucket rate limiter
type TokenBucketConfig struct {
	// Rate is the steady-state refill rate in tokens per second
	Rate float64

	// BurstSize is the bucket capacity and the largest instantaneous burst
	BurstSize int
}

// DefaultTokenBucketConfig returns the default token bucket configuration
func DefaultTokenBucketConfig() TokenBucketConfig {
	return TokenBucketConfig{
		Rate:      100,
		BurstSize: 10,
	}
}

// TokenBucket is a token bucket rate limiter. Tokens are re-derived from the
// elapsed time on each check; there is no background refill goroutine. A
// bucket starts full, so an idle bucket admits BurstSize immediate calls.
type TokenBucket struct {
	name   string
	config TokenBucketConfig

	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time

	totalRequests atomic.Int64
	allowed       atomic.Int64
	rejected      atomic.Int64

	logger  observability.Logger
	metrics observability.MetricsClient
}

// NewTokenBucket creates a new token bucket with the given configuration
func NewTokenBucket(name string, config TokenBucketConfig, logger observability.Logger, metrics observability.MetricsClient) *TokenBucket {
	defaults := DefaultTokenBucketConfig()
	if config.Rate <= 0 {
		config.Rate = defaults.Rate
	}
	if config.BurstSize <= 0 {
		config.BurstSize = defaults.BurstSize
	}

	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewMetricsClient()
	}

	return &TokenBucket{
		name:       name,
		config:     config,
		tokens:     float64(config.BurstSize),
		lastRefill: time.Now(),
		logger:     logger.WithPrefix("rate-limiter"),
		metrics:    metrics,
	}
}

// refillLocked re-derives the available tokens from the elapsed time.
// Callers must hold tb.mu.
func (tb *TokenBucket) refillLocked(now time.Time) {
	elapsed := now.Sub(tb.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	tb.tokens = math.Min(float64(tb.config.BurstSize), tb.tokens+elapsed*tb.config.Rate)
	tb.lastRefill = now
}

// takeLocked takes n tokens if available. Callers must hold tb.mu.
func (tb *TokenBucket) takeLocked(n float64, now time.Time) bool {
	tb.refillLocked(now)
	if tb.tokens >= n {
		tb.tokens -= n
		return true
	}
	return false
}

// Allow reports whether a single call may proceed right now
func (tb *TokenBucket) Allow() bool {
	return tb.AllowN(1)
}

// AllowN reports whether n tokens are available right now, taking them if so
func (tb *TokenBucket) AllowN(n float64) bool {
	tb.totalRequests.Add(1)

	tb.mu.Lock()
	ok := tb.takeLocked(n, time.Now())
	tb.mu.Unlock()

	if ok {
		tb.allowed.Add(1)
		return true
	}

	tb.rejected.Add(1)
	tb.metrics.IncrementCounterWithLabels("rate_limiter_rejections_total", 1, map[string]string{"name": tb.name})
	return false
}

// Wait blocks until a single token is available or the context is done
func (tb *TokenBucket) Wait(ctx context.Context) error {
	return tb.WaitN(ctx, 1)
}

// WaitN blocks until n tokens are available or the context is done. The wait
// sleeps for exactly the time the current deficit takes to refill, then
// re-checks; a concurrent caller may have drained the bucket in the meantime.
func (tb *TokenBucket) WaitN(ctx context.Context, n float64) error {
	if n > float64(tb.config.BurstSize) {
		return errors.Errorf("requested %v tokens exceeds burst size %d", n, tb.config.BurstSize)
	}

	tb.totalRequests.Add(1)

	for {
		if err := ctx.Err(); err != nil {
			tb.rejected.Add(1)
			return err
		}

		tb.mu.Lock()
		now := time.Now()
		if tb.takeLocked(n, now) {
			tb.mu.Unlock()
			tb.allowed.Add(1)
			return nil
		}
		deficit := n - tb.tokens
		tb.mu.Unlock()

		wait := time.Duration(deficit / tb.config.Rate * float64(time.Second))
		if wait <= 0 {
			// Sub-nanosecond deficits floor to a minimal sleep
			wait = time.Microsecond
		}

		if err := sleepContext(ctx, wait); err != nil {
			tb.rejected.Add(1)
			return err
		}
	}
}

// Acquire takes a single token or refuses with a RateLimitError carrying the
// time until a token will be available. It never blocks.
func (tb *TokenBucket) Acquire() error {
	tb.totalRequests.Add(1)

	tb.mu.Lock()
	now := time.Now()
	if tb.takeLocked(1, now) {
		tb.mu.Unlock()
		tb.allowed.Add(1)
		return nil
	}
	deficit := 1 - tb.tokens
	tb.mu.Unlock()

	tb.rejected.Add(1)
	tb.metrics.IncrementCounterWithLabels("rate_limiter_rejections_total", 1, map[string]string{"name": tb.name})

	retryAfter := time.Duration(deficit / tb.config.Rate * float64(time.Second))
	return &RateLimitError{Limiter: tb.name, RetryAfter: retryAfter}
}

// Available returns the number of tokens available right now
func (tb *TokenBucket) Available() float64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refillLocked(time.Now())
	return tb.tokens
}

// Capacity returns the bucket capacity
func (tb *TokenBucket) Capacity() float64 {
	return float64(tb.config.BurstSize)
}

// RateLimiterStats holds rate limiter statistics
type RateLimiterStats struct {
	Name            string
	Rate            float64
	BurstSize       int
	AvailableTokens float64
	TotalRequests   int64
	Allowed         int64
	Rejected        int64
}

// Stats returns current rate limiter statistics
func (tb *TokenBucket) Stats() RateLimiterStats {
	return RateLimiterStats{
		Name:            tb.name,
		Rate:            tb.config.Rate,
		BurstSize:       tb.config.BurstSize,
		AvailableTokens: tb.Available(),
		TotalRequests:   tb.totalRequests.Load(),
		Allowed:         tb.allowed.Load(),
		Rejected:        tb.rejected.Load(),
	}
}

// RateLimiterManager manages token buckets for multiple collaborators
type RateLimiterManager struct {
	limiters map[string]*TokenBucket
	configs  map[string]TokenBucketConfig
	mutex    sync.RWMutex
	logger   observability.Logger
	metrics  observability.MetricsClient
}

// NewRateLimiterManager creates a new rate limiter manager
func NewRateLimiterManager(logger observability.Logger, metrics observability.MetricsClient, configs map[string]TokenBucketConfig) *RateLimiterManager {
	manager := &RateLimiterManager{
		limiters: make(map[string]*TokenBucket),
		configs:  make(map[string]TokenBucketConfig),
		logger:   logger,
		metrics:  metrics,
	}

	for name, config := range configs {
		manager.configs[name] = config
		manager.limiters[name] = NewTokenBucket(name, config, logger, metrics)
	}

	return manager
}

// GetRateLimiter gets or creates a token bucket for the given collaborator
func (m *RateLimiterManager) GetRateLimiter(name string) *TokenBucket {
	m.mutex.RLock()
	limiter, exists := m.limiters[name]
	m.mutex.RUnlock()

	if exists {
		return limiter
	}

	config, ok := m.configs[name]
	if !ok {
		config = DefaultTokenBucketConfig()
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	// Check again in case it was created while waiting for lock
	limiter, exists = m.limiters[name]
	if exists {
		return limiter
	}

	limiter = NewTokenBucket(name, config, m.logger, m.metrics)
	m.limiters[name] = limiter

	return limiter
}

// GetAllStats returns statistics for all managed limiters
func (m *RateLimiterManager) GetAllStats() map[string]RateLimiterStats {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	stats := make(map[string]RateLimiterStats, len(m.limiters))
	for name, limiter := range m.limiters {
		stats[name] = limiter.Stats()
	}
	return stats
}
