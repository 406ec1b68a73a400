package ratelimit

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"

	"github.com/mandate-mesh/mandate-mesh/pkg/observability"
)

// slidingWindow records the admission times inside the current window for
// one key
type slidingWindow struct {
	mu         sync.Mutex
	admissions []time.Time
}

// SlidingWindowLimiter admits at most MaxRequests per key over any rolling
// Window. Unlike a fixed window it has no boundary burst: the limit holds
// over every interval of the window's length, at the cost of keeping one
// timestamp per admitted request.
type SlidingWindowLimiter struct {
	windows     *lru.Cache[string, *slidingWindow]
	maxRequests int
	window      time.Duration
	logger      observability.Logger
	metrics     observability.MetricsClient
}

// NewSlidingWindowLimiter creates a per-key sliding window limiter
func NewSlidingWindowLimiter(config Config, logger observability.Logger, metrics observability.MetricsClient) (*SlidingWindowLimiter, error) {
	if config.MaxRequests <= 0 {
		config.MaxRequests = 100
	}
	if config.Window <= 0 {
		config.Window = time.Minute
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

	windows, err := lru.New[string, *slidingWindow](config.MaxKeys)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create sliding window cache")
	}

	return &SlidingWindowLimiter{
		windows:     windows,
		maxRequests: config.MaxRequests,
		window:      config.Window,
		logger:      logger,
		metrics:     metrics,
	}, nil
}

// Acquire admits the request if fewer than MaxRequests admissions fall
// within the trailing window
func (l *SlidingWindowLimiter) Acquire(ctx context.Context, key string) (Quota, error) {
	if err := ctx.Err(); err != nil {
		return Quota{}, err
	}

	w := l.windowFor(key)

	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-l.window)

	// Drop admissions that have slid out of the window. They are stored in
	// order, so scan to the first one still inside.
	kept := 0
	for kept < len(w.admissions) && !w.admissions[kept].After(cutoff) {
		kept++
	}
	if kept > 0 {
		w.admissions = append(w.admissions[:0], w.admissions[kept:]...)
	}

	if len(w.admissions) >= l.maxRequests {
		// The oldest admission leaving the window frees the next slot
		resetAt := w.admissions[0].Add(l.window)
		l.metrics.IncrementCounterWithLabels("ratelimit_denied_total", 1, map[string]string{
			"strategy": TypeSlidingWindow,
		})
		return Quota{
			Allowed:    false,
			Limit:      float64(l.maxRequests),
			Remaining:  0,
			ResetAt:    resetAt,
			RetryAfter: resetAt.Sub(now),
		}, nil
	}

	w.admissions = append(w.admissions, now)
	return Quota{
		Allowed:   true,
		Limit:     float64(l.maxRequests),
		Remaining: float64(l.maxRequests - len(w.admissions)),
		ResetAt:   now.Add(l.window),
	}, nil
}

// Reset clears the window for the key
func (l *SlidingWindowLimiter) Reset(_ context.Context, key string) error {
	l.windows.Remove(key)
	return nil
}

// Close releases the limiter's per-key state
func (l *SlidingWindowLimiter) Close() error {
	l.windows.Purge()
	return nil
}

func (l *SlidingWindowLimiter) windowFor(key string) *slidingWindow {
	if w, ok := l.windows.Get(key); ok {
		return w
	}
	w := &slidingWindow{}
	if existing, found, _ := l.windows.PeekOrAdd(key, w); found {
		return existing
	}
	return w
}
