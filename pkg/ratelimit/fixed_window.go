package ratelimit

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"

	"github.com/mandate-mesh/mandate-mesh/pkg/observability"
)

// fixedWindow is the counter for one key's current window
type fixedWindow struct {
	mu      sync.Mutex
	started time.Time
	count   int
}

// FixedWindowLimiter admits at most MaxRequests per key per window, with the
// window anchored at the key's first request. Cheaper than the sliding
// window, but a burst straddling a boundary can briefly see up to twice the
// limit.
type FixedWindowLimiter struct {
	windows     *lru.Cache[string, *fixedWindow]
	maxRequests int
	window      time.Duration
	logger      observability.Logger
	metrics     observability.MetricsClient
}

// NewFixedWindowLimiter creates a per-key fixed window limiter
func NewFixedWindowLimiter(config Config, logger observability.Logger, metrics observability.MetricsClient) (*FixedWindowLimiter, error) {
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

	windows, err := lru.New[string, *fixedWindow](config.MaxKeys)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create fixed window cache")
	}

	return &FixedWindowLimiter{
		windows:     windows,
		maxRequests: config.MaxRequests,
		window:      config.Window,
		logger:      logger,
		metrics:     metrics,
	}, nil
}

// Acquire counts the request against the key's current window
func (l *FixedWindowLimiter) Acquire(ctx context.Context, key string) (Quota, error) {
	if err := ctx.Err(); err != nil {
		return Quota{}, err
	}

	w := l.windowFor(key)

	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	if w.started.IsZero() || now.Sub(w.started) >= l.window {
		w.started = now
		w.count = 0
	}

	resetAt := w.started.Add(l.window)
	if w.count >= l.maxRequests {
		l.metrics.IncrementCounterWithLabels("ratelimit_denied_total", 1, map[string]string{
			"strategy": TypeFixedWindow,
		})
		return Quota{
			Allowed:    false,
			Limit:      float64(l.maxRequests),
			Remaining:  0,
			ResetAt:    resetAt,
			RetryAfter: resetAt.Sub(now),
		}, nil
	}

	w.count++
	return Quota{
		Allowed:   true,
		Limit:     float64(l.maxRequests),
		Remaining: float64(l.maxRequests - w.count),
		ResetAt:   resetAt,
	}, nil
}

// Reset clears the window for the key
func (l *FixedWindowLimiter) Reset(_ context.Context, key string) error {
	l.windows.Remove(key)
	return nil
}

// Close releases the limiter's per-key state
func (l *FixedWindowLimiter) Close() error {
	l.windows.Purge()
	return nil
}

func (l *FixedWindowLimiter) windowFor(key string) *fixedWindow {
	if w, ok := l.windows.Get(key); ok {
		return w
	}
	w := &fixedWindow{}
	if existing, found, _ := l.windows.PeekOrAdd(key, w); found {
		return existing
	}
	return w
}
