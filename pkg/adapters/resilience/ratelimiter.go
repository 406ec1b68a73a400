package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter paces calls to one upstream
type RateLimiter interface {
	// Wait blocks until the limiter admits an event or the context is done
	Wait(ctx context.Context) error

	// Allow reports whether the limiter admits an event right now
	Allow() bool

	// Name returns the rate limiter name
	Name() string
}

// RateLimiterConfig holds settings for an upstream rate limiter
type RateLimiterConfig struct {
	Name      string        `mapstructure:"name"`
	Rate      float64       `mapstructure:"rate"` // events per second
	Burst     int           `mapstructure:"burst"`
	WaitLimit time.Duration `mapstructure:"wait_limit"`
}

// UpstreamQuota carries the rate limit information an upstream reports in
// its responses (identity providers and attestation services publish these
// as response headers).
type UpstreamQuota struct {
	Limit     int
	Remaining int
	Reset     time.Time
	Used      int
}

// adaptiveRateLimiter wraps a token-bucket limiter and adjusts its rate from
// upstream quota reports so we never burn through a quota window early
type adaptiveRateLimiter struct {
	limiter *rate.Limiter
	config  RateLimiterConfig

	resetLock     sync.RWMutex
	resetTime     time.Time
	dynamicFactor float64
}

// NewRateLimiter creates a rate limiter for the named upstream
func NewRateLimiter(config RateLimiterConfig) RateLimiter {
	if config.Rate <= 0 {
		config.Rate = 100
	}
	if config.Burst <= 0 {
		config.Burst = 10
	}
	if config.WaitLimit <= 0 {
		config.WaitLimit = 5 * time.Second
	}

	return &adaptiveRateLimiter{
		limiter:       rate.NewLimiter(rate.Limit(config.Rate), config.Burst),
		config:        config,
		dynamicFactor: 1.0,
	}
}

// Wait blocks until the limiter admits an event, the wait limit elapses, or
// the context is done. When the quota window is nearly exhausted and about
// to reset, waiting for the reset is cheaper than dribbling requests out.
func (rl *adaptiveRateLimiter) Wait(ctx context.Context) error {
	rl.resetLock.RLock()
	resetTime := rl.resetTime
	factor := rl.dynamicFactor
	rl.resetLock.RUnlock()

	if !resetTime.IsZero() {
		untilReset := time.Until(resetTime)
		if untilReset > 0 && untilReset < 5*time.Second && factor < 0.3 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(untilReset + 100*time.Millisecond):
				return nil
			}
		}
	}

	waitCtx := ctx
	if rl.config.WaitLimit > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, rl.config.WaitLimit)
		defer cancel()
	}

	return rl.limiter.Wait(waitCtx)
}

// Allow reports whether the limiter admits an event right now
func (rl *adaptiveRateLimiter) Allow() bool {
	return rl.limiter.Allow()
}

// Name returns the rate limiter name
func (rl *adaptiveRateLimiter) Name() string {
	return rl.config.Name
}

// AdjustFromQuota recalculates the steady-state rate from the upstream's
// reported quota: spread the remaining quota over the time until reset, with
// a 10% safety margin, and back off further once more than 75% of the
// window is spent. The rate never drops below one request per minute and
// never exceeds the configured maximum.
func (rl *adaptiveRateLimiter) AdjustFromQuota(quota UpstreamQuota) {
	rl.resetLock.Lock()
	defer rl.resetLock.Unlock()

	rl.resetTime = quota.Reset

	untilReset := time.Until(quota.Reset)
	if untilReset <= 0 {
		return
	}

	perSecond := float64(quota.Remaining) / untilReset.Seconds() * 0.9

	minRate := 1.0 / 60.0
	if perSecond < minRate {
		perSecond = minRate
	}
	if perSecond > rl.config.Rate {
		perSecond = rl.config.Rate
	}

	usageRatio := float64(quota.Used) / float64(quota.Limit)
	if usageRatio > 0.75 {
		rl.dynamicFactor = 1.0 - ((usageRatio - 0.75) * 2.0)
		perSecond *= rl.dynamicFactor
	} else {
		rl.dynamicFactor = 1.0
	}

	rl.limiter.SetLimit(rate.Limit(perSecond))
}

// RateLimiterManager holds one rate limiter per upstream
type RateLimiterManager struct {
	limiters map[string]RateLimiter
	mu       sync.RWMutex
}

// NewRateLimiterManager creates a manager seeded from the given configs
func NewRateLimiterManager(configs map[string]RateLimiterConfig) *RateLimiterManager {
	manager := &RateLimiterManager{
		limiters: make(map[string]RateLimiter),
	}

	for name, config := range configs {
		if config.Name == "" {
			config.Name = name
		}
		manager.limiters[name] = NewRateLimiter(config)
	}

	return manager
}

// Get returns the named rate limiter if it exists
func (m *RateLimiterManager) Get(name string) (RateLimiter, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limiter, exists := m.limiters[name]
	return limiter, exists
}

// Register creates and stores a rate limiter under the given name
func (m *RateLimiterManager) Register(name string, config RateLimiterConfig) RateLimiter {
	m.mu.Lock()
	defer m.mu.Unlock()

	if config.Name == "" {
		config.Name = name
	}
	limiter := NewRateLimiter(config)
	m.limiters[name] = limiter
	return limiter
}

// Wait waits on the named limiter, creating a default one on first use
func (m *RateLimiterManager) Wait(ctx context.Context, name string) error {
	m.mu.RLock()
	limiter, exists := m.limiters[name]
	m.mu.RUnlock()

	if !exists {
		limiter = m.Register(name, RateLimiterConfig{Name: name})
	}

	return limiter.Wait(ctx)
}

// Execute paces fn through the named limiter
func (m *RateLimiterManager) Execute(ctx context.Context, name string, fn func() (interface{}, error)) (interface{}, error) {
	if err := m.Wait(ctx, name); err != nil {
		return nil, fmt.Errorf("rate limit wait for %s: %w", name, err)
	}

	return fn()
}
