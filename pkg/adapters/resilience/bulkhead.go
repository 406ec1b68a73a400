package resilience

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"
)

// ErrBulkheadRejected is returned when no execution slot became available
// within the configured wait.
var ErrBulkheadRejected = errors.New("bulkhead rejected execution")

// BulkheadConfig holds settings for an egress bulkhead
type BulkheadConfig struct {
	Name          string        `mapstructure:"name"`
	MaxConcurrent int64         `mapstructure:"max_concurrent"`
	MaxWait       time.Duration `mapstructure:"max_wait"`
}

// Bulkhead bounds concurrent calls to one upstream
type Bulkhead interface {
	// Execute runs fn inside an execution slot, waiting up to MaxWait for one
	Execute(ctx context.Context, fn func(context.Context) (interface{}, error)) (interface{}, error)

	// TryExecute runs fn only if a slot is free right now
	TryExecute(ctx context.Context, fn func(context.Context) (interface{}, error)) (interface{}, error)

	// Name returns the bulkhead name
	Name() string

	// InFlight returns the number of calls currently holding a slot
	InFlight() int64
}

// weightedBulkhead implements Bulkhead over a weighted semaphore
type weightedBulkhead struct {
	config   BulkheadConfig
	sem      *semaphore.Weighted
	inFlight atomic.Int64
}

// NewBulkhead creates a bulkhead for the named upstream
func NewBulkhead(config BulkheadConfig) Bulkhead {
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 10
	}

	return &weightedBulkhead{
		config: config,
		sem:    semaphore.NewWeighted(config.MaxConcurrent),
	}
}

func (b *weightedBulkhead) Execute(ctx context.Context, fn func(context.Context) (interface{}, error)) (interface{}, error) {
	// Fast path avoids the wait machinery when a slot is free
	if !b.sem.TryAcquire(1) {
		waitCtx := ctx
		if b.config.MaxWait > 0 {
			var cancel context.CancelFunc
			waitCtx, cancel = context.WithTimeout(ctx, b.config.MaxWait)
			defer cancel()
		}

		if err := b.sem.Acquire(waitCtx, 1); err != nil {
			if ctx.Err() != nil {
				// The caller's own context ended; report that, not a rejection
				return nil, ctx.Err()
			}
			return nil, errors.Wrapf(ErrBulkheadRejected, "upstream %s saturated for %v", b.config.Name, b.config.MaxWait)
		}
	}

	return b.run(ctx, fn)
}

func (b *weightedBulkhead) TryExecute(ctx context.Context, fn func(context.Context) (interface{}, error)) (interface{}, error) {
	if !b.sem.TryAcquire(1) {
		return nil, errors.Wrapf(ErrBulkheadRejected, "upstream %s has no free slot", b.config.Name)
	}
	return b.run(ctx, fn)
}

// run executes fn while holding one acquired slot
func (b *weightedBulkhead) run(ctx context.Context, fn func(context.Context) (interface{}, error)) (interface{}, error) {
	b.inFlight.Add(1)
	defer func() {
		b.inFlight.Add(-1)
		b.sem.Release(1)
	}()

	return fn(ctx)
}

func (b *weightedBulkhead) Name() string {
	return b.config.Name
}

func (b *weightedBulkhead) InFlight() int64 {
	return b.inFlight.Load()
}

// BulkheadManager holds one bulkhead per upstream
type BulkheadManager struct {
	bulkheads map[string]Bulkhead
	mu        sync.RWMutex
}

// NewBulkheadManager creates a manager seeded from the given configs
func NewBulkheadManager(configs map[string]BulkheadConfig) *BulkheadManager {
	manager := &BulkheadManager{
		bulkheads: make(map[string]Bulkhead),
	}

	for name, config := range configs {
		if config.Name == "" {
			config.Name = name
		}
		manager.bulkheads[name] = NewBulkhead(config)
	}

	return manager
}

// Get returns the named bulkhead if it exists
func (m *BulkheadManager) Get(name string) (Bulkhead, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	bulkhead, exists := m.bulkheads[name]
	return bulkhead, exists
}

// Register creates and stores a bulkhead under the given name
func (m *BulkheadManager) Register(name string, config BulkheadConfig) Bulkhead {
	m.mu.Lock()
	defer m.mu.Unlock()

	if config.Name == "" {
		config.Name = name
	}
	bulkhead := NewBulkhead(config)
	m.bulkheads[name] = bulkhead
	return bulkhead
}

// Execute runs fn through the named bulkhead, creating a default one on
// first use
func (m *BulkheadManager) Execute(ctx context.Context, name string, fn func(context.Context) (interface{}, error)) (interface{}, error) {
	m.mu.RLock()
	bulkhead, exists := m.bulkheads[name]
	m.mu.RUnlock()

	if !exists {
		bulkhead = m.Register(name, BulkheadConfig{Name: name})
	}

	return bulkhead.Execute(ctx, fn)
}
