package ratelimit

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/mandate-mesh/mandate-mesh/pkg/observability"
)

// RedisConfig carries the connection settings for the Redis-backed limiter
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// RedisLimiter enforces a fixed window shared across service replicas using
// a Redis counter per key. A Redis outage fails open: local enforcement
// still applies upstream of this limiter, and denying all traffic because
// the counter store is down would turn a cache failure into a full outage.
type RedisLimiter struct {
	client      *redis.Client
	ownsClient  bool
	keyPrefix   string
	maxRequests int
	window      time.Duration
	logger      observability.Logger
	metrics     observability.MetricsClient
}

// NewRedisLimiter creates a Redis-backed fixed window limiter, owning the
// connection it opens
func NewRedisLimiter(config Config, logger observability.Logger, metrics observability.MetricsClient) (*RedisLimiter, error) {
	if config.Redis.Addr == "" {
		return nil, errors.New("redis rate limiter requires an address")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     config.Redis.Addr,
		Password: config.Redis.Password,
		DB:       config.Redis.DB,
	})
	limiter := NewRedisLimiterWithClient(client, config, logger, metrics)
	limiter.ownsClient = true
	return limiter, nil
}

// NewRedisLimiterWithClient creates a Redis-backed limiter over an existing
// client, which the caller remains responsible for closing
func NewRedisLimiterWithClient(client *redis.Client, config Config, logger observability.Logger, metrics observability.MetricsClient) *RedisLimiter {
	if config.MaxRequests <= 0 {
		config.MaxRequests = 100
	}
	if config.Window <= 0 {
		config.Window = time.Minute
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewMetricsClient()
	}
	keyPrefix := config.Redis.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "ratelimit"
	}

	return &RedisLimiter{
		client:      client,
		keyPrefix:   keyPrefix,
		maxRequests: config.MaxRequests,
		window:      config.Window,
		logger:      logger,
		metrics:     metrics,
	}
}

// Acquire counts the request against the key's shared window
func (l *RedisLimiter) Acquire(ctx context.Context, key string) (Quota, error) {
	if err := ctx.Err(); err != nil {
		return Quota{}, err
	}

	redisKey := l.keyPrefix + ":" + key
	now := time.Now()

	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, redisKey)
	// NX keeps the expiry anchored at the first request of the window
	pipe.ExpireNX(ctx, redisKey, l.window)
	ttl := pipe.TTL(ctx, redisKey)

	if _, err := pipe.Exec(ctx); err != nil {
		l.logger.Warn("Redis rate limiter unavailable, failing open", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
		l.metrics.IncrementCounterWithLabels("ratelimit_fail_open_total", 1, map[string]string{
			"strategy": TypeRedis,
		})
		return Quota{
			Allowed:   true,
			Limit:     float64(l.maxRequests),
			Remaining: float64(l.maxRequests),
			ResetAt:   now.Add(l.window),
		}, nil
	}

	count := incr.Val()
	resetAt := now.Add(l.window)
	if remaining := ttl.Val(); remaining > 0 {
		resetAt = now.Add(remaining)
	}

	if count > int64(l.maxRequests) {
		l.metrics.IncrementCounterWithLabels("ratelimit_denied_total", 1, map[string]string{
			"strategy": TypeRedis,
		})
		return Quota{
			Allowed:    false,
			Limit:      float64(l.maxRequests),
			Remaining:  0,
			ResetAt:    resetAt,
			RetryAfter: resetAt.Sub(now),
		}, nil
	}

	return Quota{
		Allowed:   true,
		Limit:     float64(l.maxRequests),
		Remaining: float64(int64(l.maxRequests) - count),
		ResetAt:   resetAt,
	}, nil
}

// Reset clears the shared window for the key
func (l *RedisLimiter) Reset(ctx context.Context, key string) error {
	if err := l.client.Del(ctx, l.keyPrefix+":"+key).Err(); err != nil {
		return errors.Wrapf(err, "failed to reset rate limit for %s", key)
	}
	return nil
}

// Close closes the Redis connection when the limiter opened it
func (l *RedisLimiter) Close() error {
	if !l.ownsClient {
		return nil
	}
	return l.client.Close()
}
