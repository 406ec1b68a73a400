// Package ratelimit provides per-key rate limiting for mandate issuance and
// verification flows: one logical limit per principal, mandate, or client,
// enforced by a pluggable strategy. The in-process strategies bound their key
// cardinality with an LRU; the Redis strategy shares one window across
// service replicas.
package ratelimit

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/mandate-mesh/mandate-mesh/pkg/observability"
	"github.com/mandate-mesh/mandate-mesh/pkg/resilience"
)

// Limiter strategy names accepted by New
const (
	TypeTokenBucket   = "token_bucket"
	TypeSlidingWindow = "sliding_window"
	TypeFixedWindow   = "fixed_window"
	TypeRedis         = "redis"
)

// defaultMaxKeys bounds the per-key state the in-process strategies retain
const defaultMaxKeys = 10000

// Quota is the decision for one acquisition attempt, with the metadata
// callers need to surface rate-limit headers to clients.
type Quota struct {
	Allowed    bool
	Limit      float64
	Remaining  float64
	ResetAt    time.Time
	RetryAfter time.Duration
}

// Limiter is a keyed rate limiter
type Limiter interface {
	// Acquire consumes one unit for the key, reporting the decision and the
	// remaining quota. Only infrastructure failures return an error; a
	// denied acquisition is a Quota with Allowed false.
	Acquire(ctx context.Context, key string) (Quota, error)

	// Reset clears all limiter state for the key
	Reset(ctx context.Context, key string) error

	// Close releases the limiter's resources
	Close() error
}

// Config selects and parameterizes a limiter strategy
type Config struct {
	// Type is one of token_bucket, sliding_window, fixed_window, redis
	Type string `mapstructure:"type"`

	// RequestsPerSecond is the steady-state rate (token_bucket)
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`

	// Burst is the bucket capacity (token_bucket)
	Burst int `mapstructure:"burst"`

	// MaxRequests per window (sliding_window, fixed_window, redis)
	MaxRequests int `mapstructure:"max_requests"`

	// Window duration (sliding_window, fixed_window, redis)
	Window time.Duration `mapstructure:"window"`

	// MaxKeys bounds per-key state held in memory
	MaxKeys int `mapstructure:"max_keys"`

	// Redis connection settings (redis type only)
	Redis RedisConfig `mapstructure:"redis"`
}

// New creates the limiter named by config.Type
func New(config Config, logger observability.Logger, metrics observability.MetricsClient) (Limiter, error) {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewMetricsClient()
	}

	switch config.Type {
	case TypeTokenBucket, "":
		return NewTokenBucketLimiter(config, logger, metrics)
	case TypeSlidingWindow:
		return NewSlidingWindowLimiter(config, logger, metrics)
	case TypeFixedWindow:
		return NewFixedWindowLimiter(config, logger, metrics)
	case TypeRedis:
		return NewRedisLimiter(config, logger, metrics)
	default:
		return nil, errors.Errorf("unknown rate limiter type: %s", config.Type)
	}
}

// Exceeded converts a denied quota into the resilience error callers already
// handle for the in-process token bucket
func Exceeded(key string, quota Quota) error {
	return &resilience.RateLimitError{Limiter: key, RetryAfter: quota.RetryAfter}
}
