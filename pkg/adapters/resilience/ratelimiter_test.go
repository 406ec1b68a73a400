package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRateLimiter_Defaults(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{Name: "identity_provider"})
	assert.Equal(t, "identity_provider", rl.Name())
	assert.True(t, rl.Allow())
}

func TestRateLimiter_BurstThenDenied(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		Name:  "test",
		Rate:  0.001, // effectively no refill during the test
		Burst: 3,
	})

	for i := 0; i < 3; i++ {
		assert.True(t, rl.Allow(), "burst acquisition %d", i+1)
	}
	assert.False(t, rl.Allow())
}

func TestRateLimiter_WaitAdmitsAfterRefill(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		Name:      "test",
		Rate:      100, // one token per 10ms
		Burst:     1,
		WaitLimit: time.Second,
	})

	require.True(t, rl.Allow())

	start := time.Now()
	err := rl.Wait(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 5*time.Millisecond)
}

func TestRateLimiter_WaitLimitExpires(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		Name:      "test",
		Rate:      0.01, // next token is ~100s away
		Burst:     1,
		WaitLimit: 20 * time.Millisecond,
	})

	require.True(t, rl.Allow())

	err := rl.Wait(context.Background())
	assert.Error(t, err)
}

func TestAdjustFromQuota_LowersRate(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		Name:  "identity_provider",
		Rate:  100,
		Burst: 1,
	}).(*adaptiveRateLimiter)

	// 10 requests left in a 100-request window resetting in 100 seconds:
	// the effective rate must drop well below the configured 100/s
	rl.AdjustFromQuota(UpstreamQuota{
		Limit:     100,
		Remaining: 10,
		Reset:     time.Now().Add(100 * time.Second),
		Used:      90,
	})

	assert.Less(t, float64(rl.limiter.Limit()), 1.0)
	assert.Less(t, rl.dynamicFactor, 1.0)
}

func TestAdjustFromQuota_PastResetIgnored(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		Name:  "test",
		Rate:  50,
		Burst: 1,
	}).(*adaptiveRateLimiter)

	before := rl.limiter.Limit()
	rl.AdjustFromQuota(UpstreamQuota{
		Limit:     100,
		Remaining: 0,
		Reset:     time.Now().Add(-time.Minute),
		Used:      100,
	})

	assert.Equal(t, before, rl.limiter.Limit())
}

func TestAdjustFromQuota_NeverBelowFloor(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		Name:  "test",
		Rate:  100,
		Burst: 1,
	}).(*adaptiveRateLimiter)

	rl.AdjustFromQuota(UpstreamQuota{
		Limit:     1000,
		Remaining: 0,
		Reset:     time.Now().Add(time.Hour),
		Used:      1000,
	})

	// One request per minute is the floor, reduced at most by half by the
	// usage backoff
	assert.GreaterOrEqual(t, float64(rl.limiter.Limit()), (1.0/60.0)*0.5)
}

func TestRateLimiterManager(t *testing.T) {
	manager := NewRateLimiterManager(map[string]RateLimiterConfig{
		"token_store": {Rate: 1000, Burst: 100},
	})

	seeded, ok := manager.Get("token_store")
	require.True(t, ok)
	assert.Equal(t, "token_store", seeded.Name())

	// Execute creates a default limiter on first use
	result, err := manager.Execute(context.Background(), "audit_sink", func() (interface{}, error) {
		return "logged", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "logged", result)

	created, ok := manager.Get("audit_sink")
	require.True(t, ok)
	assert.Equal(t, "audit_sink", created.Name())
}
