package ratelimit

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/mandate-mesh/mandate-mesh/pkg/observability"
)

// TokenBucketLimiter keeps one token bucket per key. Buckets live in an LRU
// so an adversarial key space cannot grow memory without bound; an evicted
// key simply starts over with a full bucket.
type TokenBucketLimiter struct {
	buckets *lru.Cache[string, *rate.Limiter]
	rps     float64
	burst   int
	logger  observability.Logger
	metrics observability.MetricsClient
}

// NewTokenBucketLimiter creates a per-key token bucket limiter
func NewTokenBucketLimiter(config Config, logger observability.Logger, metrics observability.MetricsClient) (*TokenBucketLimiter, error) {
	if config.RequestsPerSecond <= 0 {
		config.RequestsPerSecond = 100
	}
	if config.Burst <= 0 {
		config.Burst = int(config.RequestsPerSecond)
		if config.Burst < 1 {
			config.Burst = 1
		}
	}
	if config.MaxKeys <= 0 {
		config.MaxKeys = defaultMaxKeys
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewMetricsClient()
	}

	buckets, err := lru.New[string, *rate.Limiter](config.MaxKeys)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create token bucket cache")
	}

	return &TokenBucketLimiter{
		buckets: buckets,
		rps:     config.RequestsPerSecond,
		burst:   config.Burst,
		logger:  logger,
		metrics: metrics,
	}, nil
}

// Acquire consumes one token for the key
func (l *TokenBucketLimiter) Acquire(ctx context.Context, key string) (Quota, error) {
	if err := ctx.Err(); err != nil {
		return Quota{}, err
	}

	bucket := l.bucket(key)

	reservation := bucket.Reserve()
	if !reservation.OK() {
		return Quota{}, errors.Errorf("token bucket for %s cannot ever satisfy the request", key)
	}

	delay := reservation.Delay()
	now := time.Now()
	if delay > 0 {
		// Not enough tokens: give them back and report when to retry
		reservation.Cancel()
		l.metrics.IncrementCounterWithLabels("ratelimit_denied_total", 1, map[string]string{
			"strategy": TypeTokenBucket,
		})
		return Quota{
			Allowed:    false,
			Limit:      l.rps,
			Remaining:  0,
			ResetAt:    now.Add(delay),
			RetryAfter: delay,
		}, nil
	}

	return Quota{
		Allowed:   true,
		Limit:     l.rps,
		Remaining: bucket.Tokens(),
		ResetAt:   now,
	}, nil
}

// Reset restores a full bucket for the key
func (l *TokenBucketLimiter) Reset(_ context.Context, key string) error {
	l.buckets.Remove(key)
	return nil
}

// Close releases the limiter's per-key state
func (l *TokenBucketLimiter) Close() error {
	l.buckets.Purge()
	return nil
}

func (l *TokenBucketLimiter) bucket(key string) *rate.Limiter {
	if bucket, ok := l.buckets.Get(key); ok {
		return bucket
	}
	bucket := rate.NewLimiter(rate.Limit(l.rps), l.burst)
	// Two concurrent callers may both miss and create a bucket; keep the one
	// that won the PeekOrAdd race so they converge on shared state
	if existing, found, _ := l.buckets.PeekOrAdd(key, bucket); found {
		return existing
	}
	return bucket
}
