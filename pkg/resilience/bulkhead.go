package resilience

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/mandate-mesh/mandate-mesh/pkg/observability"
)

// BulkheadConfig holds configuration for a bulkhead
type BulkheadConfig struct {
	// MaxConcurrent is the maximum number of operations running at once
	MaxConcurrent int

	// MaxQueueSize is the maximum number of callers allowed to wait for a
	// slot when all are in use. Set to 0 to reject immediately when full.
	MaxQueueSize int

	// MaxWaitDuration is the longest a queued caller waits for a slot
	MaxWaitDuration time.Duration
}

// DefaultBulkheadConfig returns the default bulkhead configuration
func DefaultBulkheadConfig() BulkheadConfig {
	return BulkheadConfig{
		MaxConcurrent:   10,
		MaxQueueSize:    50,
		MaxWaitDuration: 5 * time.Second,
	}
}

// Bulkhead caps concurrent access to a collaborator so that one slow
// dependency cannot absorb every worker in the process. A single channel
// semaphore backs both immediate admission and queued waits; the queue
// counter is bookkeeping that bounds how many callers may wait at once.
type Bulkhead struct {
	name   string
	config BulkheadConfig

	// Slot semaphore: holding an element means holding an execution slot
	semaphore chan struct{}

	activeRequests    atomic.Int64
	queuedRequests    atomic.Int64
	totalRequests     atomic.Int64
	rejectedRequests  atomic.Int64
	completedRequests atomic.Int64
	timedOutRequests  atomic.Int64

	logger  observability.Logger
	metrics observability.MetricsClient

	closed atomic.Bool
	wg     sync.WaitGroup
}

// NewBulkhead creates a new bulkhead with the given configuration
func NewBulkhead(name string, config BulkheadConfig, logger observability.Logger, metrics observability.MetricsClient) *Bulkhead {
	defaults := DefaultBulkheadConfig()
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = defaults.MaxConcurrent
	}
	if config.MaxQueueSize < 0 {
		config.MaxQueueSize = 0
	}
	if config.MaxWaitDuration <= 0 {
		config.MaxWaitDuration = defaults.MaxWaitDuration
	}

	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewMetricsClient()
	}

	return &Bulkhead{
		name:      name,
		config:    config,
		semaphore: make(chan struct{}, config.MaxConcurrent),
		logger:    logger.WithPrefix("bulkhead"),
		metrics:   metrics,
	}
}

// Execute runs the operation inside a concurrency slot. When all slots are
// busy the caller queues for up to MaxWaitDuration, subject to the queue
// bound; a full queue or an expired wait rejects with a BulkheadFullError.
// Context cancellation while waiting returns the context's error.
func (b *Bulkhead) Execute(ctx context.Context, operation func(context.Context) (interface{}, error)) (interface{}, error) {
	if b.closed.Load() {
		return nil, ErrBulkheadClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.totalRequests.Add(1)

	// Fast path: a slot is free right now
	select {
	case b.semaphore <- struct{}{}:
		return b.executeWithSlot(ctx, operation)
	default:
	}

	// Saturated. The queue bound is advisory: concurrent arrivals may
	// briefly overshoot it before the counters settle.
	if b.config.MaxQueueSize == 0 || b.queuedRequests.Load() >= int64(b.config.MaxQueueSize) {
		b.rejectedRequests.Add(1)
		b.metrics.IncrementCounterWithLabels("bulkhead_rejections_total", 1, map[string]string{"name": b.name, "reason": "queue_full"})
		b.logger.Debug("request rejected, bulkhead saturated", map[string]interface{}{
			"bulkhead":       b.name,
			"max_concurrent": b.config.MaxConcurrent,
			"max_queue_size": b.config.MaxQueueSize,
		})
		return nil, &BulkheadFullError{Bulkhead: b.name, MaxConcurrent: b.config.MaxConcurrent}
	}

	b.queuedRequests.Add(1)
	b.metrics.RecordGauge("bulkhead_queued_requests", float64(b.queuedRequests.Load()), map[string]string{"name": b.name})

	waitTimer := time.NewTimer(b.config.MaxWaitDuration)
	defer waitTimer.Stop()

	select {
	case b.semaphore <- struct{}{}:
		b.queuedRequests.Add(-1)
		return b.executeWithSlot(ctx, operation)

	case <-waitTimer.C:
		b.queuedRequests.Add(-1)
		b.timedOutRequests.Add(1)
		b.rejectedRequests.Add(1)
		b.metrics.IncrementCounterWithLabels("bulkhead_rejections_total", 1, map[string]string{"name": b.name, "reason": "wait_timeout"})
		return nil, &BulkheadFullError{Bulkhead: b.name, MaxConcurrent: b.config.MaxConcurrent}

	case <-ctx.Done():
		b.queuedRequests.Add(-1)
		b.rejectedRequests.Add(1)
		b.metrics.IncrementCounterWithLabels("bulkhead_rejections_total", 1, map[string]string{"name": b.name, "reason": "context_canceled"})
		return nil, ctx.Err()
	}
}

// executeWithSlot runs the operation while holding a slot. The slot is
// released exactly once, even if the operation panics.
func (b *Bulkhead) executeWithSlot(ctx context.Context, operation func(context.Context) (interface{}, error)) (interface{}, error) {
	b.wg.Add(1)
	b.activeRequests.Add(1)
	b.metrics.RecordGauge("bulkhead_active_requests", float64(b.activeRequests.Load()), map[string]string{"name": b.name})

	defer func() {
		<-b.semaphore
		b.activeRequests.Add(-1)
		b.metrics.RecordGauge("bulkhead_active_requests", float64(b.activeRequests.Load()), map[string]string{"name": b.name})
		b.wg.Done()
	}()

	start := time.Now()
	result, err := operation(ctx)

	b.completedRequests.Add(1)
	b.metrics.RecordOperation("bulkhead", b.name, err == nil, time.Since(start).Seconds(), nil)

	return result, err
}

// BulkheadStats holds bulkhead statistics
type BulkheadStats struct {
	Name              string
	ActiveRequests    int64
	QueuedRequests    int64
	TotalRequests     int64
	RejectedRequests  int64
	CompletedRequests int64
	TimedOutRequests  int64
	MaxConcurrent     int64
	MaxQueueSize      int64
}

// GetStats returns current bulkhead statistics
func (b *Bulkhead) GetStats() BulkheadStats {
	return BulkheadStats{
		Name:              b.name,
		ActiveRequests:    b.activeRequests.Load(),
		QueuedRequests:    b.queuedRequests.Load(),
		TotalRequests:     b.totalRequests.Load(),
		RejectedRequests:  b.rejectedRequests.Load(),
		CompletedRequests: b.completedRequests.Load(),
		TimedOutRequests:  b.timedOutRequests.Load(),
		MaxConcurrent:     int64(b.config.MaxConcurrent),
		MaxQueueSize:      int64(b.config.MaxQueueSize),
	}
}

// Close rejects new calls and waits for in-flight operations to complete.
// Callers already waiting for a slot when Close is invoked may still run.
func (b *Bulkhead) Close() error {
	if b.closed.Swap(true) {
		return errors.New("bulkhead already closed")
	}
	b.wg.Wait()
	return nil
}

// BulkheadManager manages bulkheads for multiple collaborators
type BulkheadManager struct {
	bulkheads map[string]*Bulkhead
	configs   map[string]BulkheadConfig
	mutex     sync.RWMutex
	logger    observability.Logger
	metrics   observability.MetricsClient
}

// NewBulkheadManager creates a new bulkhead manager
func NewBulkheadManager(logger observability.Logger, metrics observability.MetricsClient, configs map[string]BulkheadConfig) *BulkheadManager {
	manager := &BulkheadManager{
		bulkheads: make(map[string]*Bulkhead),
		configs:   make(map[string]BulkheadConfig),
		logger:    logger,
		metrics:   metrics,
	}

	for name, config := range configs {
		manager.configs[name] = config
		manager.bulkheads[name] = NewBulkhead(name, config, logger, metrics)
	}

	return manager
}

// GetBulkhead gets or creates a bulkhead for the given collaborator
func (m *BulkheadManager) GetBulkhead(name string) *Bulkhead {
	m.mutex.RLock()
	bulkhead, exists := m.bulkheads[name]
	m.mutex.RUnlock()

	if exists {
		return bulkhead
	}

	config, ok := m.configs[name]
	if !ok {
		config = DefaultBulkheadConfig()
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	// Check again in case it was created while waiting for lock
	bulkhead, exists = m.bulkheads[name]
	if exists {
		return bulkhead
	}

	bulkhead = NewBulkhead(name, config, m.logger, m.metrics)
	m.bulkheads[name] = bulkhead

	return bulkhead
}

// Execute runs an operation through the named bulkhead
func (m *BulkheadManager) Execute(ctx context.Context, name string, operation func(context.Context) (interface{}, error)) (interface{}, error) {
	return m.GetBulkhead(name).Execute(ctx, operation)
}

// GetAllStats returns statistics for all bulkheads
func (m *BulkheadManager) GetAllStats() map[string]BulkheadStats {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	stats := make(map[string]BulkheadStats, len(m.bulkheads))
	for name, bulkhead := range m.bulkheads {
		stats[name] = bulkhead.GetStats()
	}
	return stats
}

// Close closes all bulkheads
func (m *BulkheadManager) Close() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	var errs []error
	for name, bulkhead := range m.bulkheads {
		if err := bulkhead.Close(); err != nil {
			errs = append(errs, errors.Wrapf(err, "failed to close bulkhead %s", name))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors closing bulkheads: %v", errs)
	}
	return nil
}

// DefaultBulkheadConfigs provides default configurations for the
// collaborators mandate-mesh services commonly depend on
var DefaultBulkheadConfigs = map[string]BulkheadConfig{
	"identity_provider": {
		MaxConcurrent:   20,
		MaxQueueSize:    100,
		MaxWaitDuration: 5 * time.Second,
	},
	"token_store": {
		MaxConcurrent:   50,
		MaxQueueSize:    200,
		MaxWaitDuration: 2 * time.Second,
	},
	"revocation_registry": {
		MaxConcurrent:   10,
		MaxQueueSize:    50,
		MaxWaitDuration: 3 * time.Second,
	},
	"audit_sink": {
		MaxConcurrent:   40,
		MaxQueueSize:    400,
		MaxWaitDuration: 10 * time.Second,
	},
	"attestation_service": {
		MaxConcurrent:   5,
		MaxQueueSize:    25,
		MaxWaitDuration: 15 * time.Second,
	},
}
