package resilience

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mandate-mesh/mandate-mesh/pkg/observability"
)

func newTestBucket(config TokenBucketConfig) *TokenBucket {
	return NewTokenBucket("test", config, observability.NewNoopLogger(), newMockMetricsClient())
}

func TestNewTokenBucket_Defaults(t *testing.T) {
	tb := newTestBucket(TokenBucketConfig{})
	assert.Equal(t, 100.0, tb.config.Rate)
	assert.Equal(t, 10, tb.config.BurstSize)
	assert.Equal(t, 10.0, tb.Capacity())
	assert.Equal(t, 10.0, tb.Available())
}

func TestTokenBucket_BurstThenDenied(t *testing.T) {
	// A very slow refill rate keeps the bucket effectively static during the test
	tb := newTestBucket(TokenBucketConfig{Rate: 0.001, BurstSize: 5})

	for i := 0; i < 5; i++ {
		assert.True(t, tb.Allow(), "acquisition %d from a full bucket must succeed", i+1)
	}
	assert.False(t, tb.Allow(), "bucket must be empty after the burst")

	stats := tb.Stats()
	assert.Equal(t, int64(6), stats.TotalRequests)
	assert.Equal(t, int64(5), stats.Allowed)
	assert.Equal(t, int64(1), stats.Rejected)
}

func TestTokenBucket_RefillRestoresOneToken(t *testing.T) {
	// 50 tokens/s: one token refills in 20ms
	tb := newTestBucket(TokenBucketConfig{Rate: 50, BurstSize: 3})

	for i := 0; i < 3; i++ {
		require.True(t, tb.Allow())
	}
	require.False(t, tb.Allow())

	time.Sleep(25 * time.Millisecond)

	assert.True(t, tb.Allow(), "one token must be available after waiting 1/rate")
	assert.False(t, tb.Allow(), "only one token refilled")
}

func TestTokenBucket_NeverExceedsCapacity(t *testing.T) {
	tb := newTestBucket(TokenBucketConfig{Rate: 1000, BurstSize: 4})

	// Idle long enough to refill far more than the capacity
	time.Sleep(20 * time.Millisecond)
	assert.LessOrEqual(t, tb.Available(), 4.0)

	for i := 0; i < 4; i++ {
		assert.True(t, tb.Allow())
	}
}

func TestTokenBucket_AllowN(t *testing.T) {
	tb := newTestBucket(TokenBucketConfig{Rate: 0.001, BurstSize: 10})

	assert.True(t, tb.AllowN(7))
	assert.False(t, tb.AllowN(4), "only 3 tokens left")
	assert.True(t, tb.AllowN(3))
}

func TestTokenBucket_WaitSleepsForDeficit(t *testing.T) {
	// 100 tokens/s: an empty bucket refills one token in 10ms
	tb := newTestBucket(TokenBucketConfig{Rate: 100, BurstSize: 2})

	require.True(t, tb.AllowN(2))

	start := time.Now()
	err := tb.Wait(context.Background())
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.GreaterOrEqual(t, elapsed, 5*time.Millisecond, "wait must sleep for the deficit")
	assert.Less(t, elapsed, 200*time.Millisecond, "wait must not poll far past the deficit")
}

func TestTokenBucket_WaitNRejectsOversizedRequest(t *testing.T) {
	tb := newTestBucket(TokenBucketConfig{Rate: 10, BurstSize: 5})

	err := tb.WaitN(context.Background(), 6)
	assert.Error(t, err, "a request larger than the burst size can never be satisfied")
}

func TestTokenBucket_WaitCanceled(t *testing.T) {
	tb := newTestBucket(TokenBucketConfig{Rate: 0.1, BurstSize: 1})
	require.True(t, tb.Allow())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := tb.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTokenBucket_AcquireReturnsRetryAfter(t *testing.T) {
	tb := newTestBucket(TokenBucketConfig{Rate: 10, BurstSize: 1})

	require.NoError(t, tb.Acquire())

	err := tb.Acquire()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRateLimitExceeded))

	var rlErr *RateLimitError
	require.True(t, errors.As(err, &rlErr))
	assert.Equal(t, "test", rlErr.Limiter)
	assert.Greater(t, rlErr.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, rlErr.RetryAfter, 100*time.Millisecond)
}

func TestTokenBucket_ConcurrentAllowRespectsBurst(t *testing.T) {
	const burst = 8
	const callers = 50

	tb := newTestBucket(TokenBucketConfig{Rate: 0.001, BurstSize: burst})

	var allowed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if tb.Allow() {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(burst), allowed.Load())
}

func TestRateLimiterManager_GetOrCreate(t *testing.T) {
	manager := NewRateLimiterManager(observability.NewNoopLogger(), newMockMetricsClient(), map[string]TokenBucketConfig{
		"identity_provider": {Rate: 25, BurstSize: 5},
	})

	seeded := manager.GetRateLimiter("identity_provider")
	assert.Equal(t, 25.0, seeded.config.Rate)

	created := manager.GetRateLimiter("audit_sink")
	assert.Equal(t, DefaultTokenBucketConfig().Rate, created.config.Rate)
	assert.Same(t, created, manager.GetRateLimiter("audit_sink"))

	stats := manager.GetAllStats()
	assert.Contains(t, stats, "identity_provider")
	assert.Contains(t, stats, "audit_sink")
}

func BenchmarkTokenBucket_Allow(b *testing.B) {
	tb := NewTokenBucket("bench", TokenBucketConfig{Rate: 1e9, BurstSize: 1 << 20}, nil, nil)

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			tb.Allow()
		}
	})
}
