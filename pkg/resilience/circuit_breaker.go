package resilience

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/mandate-mesh/mandate-mesh/pkg/observability"
)

// CircuitBreakerState represents the state of a circuit breaker
type CircuitBreakerState int32

const (
	// CircuitBreakerClosed allows all requests through
	CircuitBreakerClosed CircuitBreakerState = iota
	// CircuitBreakerOpen rejects all requests until the reset timeout elapses
	CircuitBreakerOpen
	// CircuitBreakerHalfOpen admits a limited number of probe requests
	CircuitBreakerHalfOpen
)

// String returns the string representation of the state
func (s CircuitBreakerState) String() string {
	switch s {
	case CircuitBreakerClosed:
		return "closed"
	case CircuitBreakerOpen:
		return "open"
	case CircuitBreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Transition history bounds: once the log exceeds the max, only the most
// recent entries are kept.
const (
	transitionHistoryMax  = 100
	transitionHistoryKeep = 50
)

// StateTransition records a single state change for audit trails
type StateTransition struct {
	ID        string
	From      CircuitBreakerState
	To        CircuitBreakerState
	Timestamp time.Time
	Reason    string
	Failures  int
	Successes int
}

// StateChangeCallback is invoked asynchronously after each state transition
type StateChangeCallback func(name string, transition StateTransition)

// CircuitBreakerConfig holds configuration for a circuit breaker
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of failures that opens the breaker. The
	// count accumulates while the breaker is closed; successes do not reset
	// it. It clears when the breaker closes after a successful recovery.
	FailureThreshold int

	// ResetTimeout is how long the breaker stays open before admitting a probe
	ResetTimeout time.Duration

	// HalfOpenLimit caps the number of concurrent probes while half-open
	HalfOpenLimit int

	// SuccessThreshold is the number of probe successes that closes the breaker
	SuccessThreshold int

	// OnStateChange, if set, receives every state transition. It runs on a
	// dedicated goroutine; panics are recovered and logged, and a full
	// event queue drops transitions rather than blocking the breaker.
	OnStateChange StateChangeCallback
}

// DefaultCircuitBreakerConfig returns the default circuit breaker configuration
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		ResetTimeout:     60 * time.Second,
		HalfOpenLimit:    1,
		SuccessThreshold: 1,
	}
}

// CircuitBreaker prevents cascading failures by rejecting calls to a
// collaborator that keeps failing, then probing it after a cooldown.
type CircuitBreaker struct {
	name   string
	config CircuitBreakerConfig

	mu              sync.Mutex
	state           CircuitBreakerState
	counts          Counts
	halfOpenActive  int
	lastFailureTime time.Time
	transitions     []StateTransition

	// Transition events queued for async callback delivery
	events chan StateTransition
	stop   chan struct{}
	wg     sync.WaitGroup
	closed atomic.Bool

	logger  observability.Logger
	metrics observability.MetricsClient
}

// NewCircuitBreaker creates a new circuit breaker with the given configuration
func NewCircuitBreaker(name string, config CircuitBreakerConfig, logger observability.Logger, metrics observability.MetricsClient) *CircuitBreaker {
	defaults := DefaultCircuitBreakerConfig()
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = defaults.FailureThreshold
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = defaults.ResetTimeout
	}
	if config.HalfOpenLimit <= 0 {
		config.HalfOpenLimit = defaults.HalfOpenLimit
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = defaults.SuccessThreshold
	}

	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewMetricsClient()
	}

	cb := &CircuitBreaker{
		name:    name,
		config:  config,
		state:   CircuitBreakerClosed,
		counts:  NewCounts(),
		events:  make(chan StateTransition, 64),
		stop:    make(chan struct{}),
		logger:  logger.WithPrefix("circuit-breaker"),
		metrics: metrics,
	}

	cb.wg.Add(1)
	go cb.notifyLoop()

	cb.metrics.RecordGauge("circuit_breaker_state", float64(CircuitBreakerClosed), map[string]string{"name": name})

	return cb
}

// Execute runs the operation if the breaker admits it. The operation's own
// error is returned unmodified; a CircuitOpenError is returned when the
// breaker rejects the call without invoking the operation.
func (cb *CircuitBreaker) Execute(ctx context.Context, operation func(context.Context) (interface{}, error)) (interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := cb.allow(); err != nil {
		cb.metrics.IncrementCounterWithLabels("circuit_breaker_rejections_total", 1, map[string]string{"name": cb.name})
		return nil, err
	}

	start := time.Now()
	result, err := operation(ctx)
	cb.recordResult(err)

	cb.metrics.RecordOperation("circuit_breaker", cb.name, err == nil, time.Since(start).Seconds(), nil)

	return result, err
}

// FallbackFunc computes a substitute result when the primary operation fails
type FallbackFunc func(err error) (interface{}, error)

// ExecuteWithFallback runs the operation through the breaker and falls back
// when it fails or is rejected
func (cb *CircuitBreaker) ExecuteWithFallback(ctx context.Context, operation func(context.Context) (interface{}, error), fallback FallbackFunc) (interface{}, error) {
	result, err := cb.Execute(ctx, operation)
	if err == nil {
		return result, nil
	}
	if fallback == nil {
		return nil, err
	}

	fallbackResult, fallbackErr := fallback(err)
	if fallbackErr != nil {
		cb.metrics.IncrementCounterWithLabels("circuit_breaker_fallback_failure_total", 1, map[string]string{"name": cb.name})
		return nil, fallbackErr
	}

	cb.metrics.IncrementCounterWithLabels("circuit_breaker_fallback_success_total", 1, map[string]string{"name": cb.name})
	return fallbackResult, nil
}

// ExecuteWithDefaultValue runs the operation through the breaker and returns
// the default value when it fails or is rejected
func (cb *CircuitBreaker) ExecuteWithDefaultValue(ctx context.Context, operation func(context.Context) (interface{}, error), defaultValue interface{}) (interface{}, error) {
	return cb.ExecuteWithFallback(ctx, operation, func(err error) (interface{}, error) {
		return defaultValue, nil
	})
}

// allow decides whether a call may proceed. The admission decision and the
// request count update happen under a single lock hold.
func (cb *CircuitBreaker) allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.counts.RecordRequest()

	switch cb.state {
	case CircuitBreakerClosed:
		return nil

	case CircuitBreakerOpen:
		remaining := cb.config.ResetTimeout - time.Since(cb.lastFailureTime)
		if remaining > 0 {
			cb.counts.RecordShortCircuited()
			return &CircuitOpenError{Breaker: cb.name, RetryAfter: remaining}
		}
		// Reset timeout elapsed: move to half-open and admit this call as
		// the first probe. There is no background timer; the transition
		// happens lazily on the next call.
		cb.transitionLocked(CircuitBreakerHalfOpen, "reset timeout elapsed")
		cb.halfOpenActive = 1
		return nil

	case CircuitBreakerHalfOpen:
		if cb.halfOpenActive >= cb.config.HalfOpenLimit {
			cb.counts.RecordRejected()
			return &CircuitOpenError{Breaker: cb.name}
		}
		cb.halfOpenActive++
		return nil

	default:
		return errors.Errorf("unknown circuit breaker state: %d", cb.state)
	}
}

// recordResult updates the state machine with the outcome of an admitted call
func (cb *CircuitBreaker) recordResult(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitBreakerHalfOpen && cb.halfOpenActive > 0 {
		cb.halfOpenActive--
	}

	if err != nil {
		if errors.Is(err, ErrTimeout) {
			cb.counts.RecordTimeout()
		} else {
			cb.counts.RecordFailure()
		}
		cb.lastFailureTime = time.Now()

		switch cb.state {
		case CircuitBreakerClosed:
			// Failures accumulate across interleaved successes; only a
			// completed recovery clears the count
			if cb.counts.Failures >= cb.config.FailureThreshold {
				cb.transitionLocked(CircuitBreakerOpen, "failure threshold reached")
			}
		case CircuitBreakerHalfOpen:
			cb.transitionLocked(CircuitBreakerOpen, "failure in half-open state")
		}
		return
	}

	cb.counts.RecordSuccess()

	if cb.state == CircuitBreakerHalfOpen && cb.counts.Successes >= cb.config.SuccessThreshold {
		cb.transitionLocked(CircuitBreakerClosed, "success threshold reached")
	}
}

// transitionLocked changes state and records the transition. Callers must
// hold cb.mu.
func (cb *CircuitBreaker) transitionLocked(to CircuitBreakerState, reason string) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to

	switch to {
	case CircuitBreakerHalfOpen:
		// Probe successes count from zero for each half-open episode
		cb.counts.Successes = 0
		cb.counts.ConsecutiveSuccesses = 0
	case CircuitBreakerClosed:
		cb.counts.Failures = 0
		cb.counts.ConsecutiveFailures = 0
		cb.halfOpenActive = 0
	case CircuitBreakerOpen:
		cb.halfOpenActive = 0
	}

	transition := StateTransition{
		ID:        uuid.NewString(),
		From:      from,
		To:        to,
		Timestamp: time.Now(),
		Reason:    reason,
		Failures:  cb.counts.Failures,
		Successes: cb.counts.Successes,
	}

	cb.transitions = append(cb.transitions, transition)
	if len(cb.transitions) > transitionHistoryMax {
		trimmed := make([]StateTransition, transitionHistoryKeep)
		copy(trimmed, cb.transitions[len(cb.transitions)-transitionHistoryKeep:])
		cb.transitions = trimmed
	}

	cb.logger.Info("circuit breaker state change", map[string]interface{}{
		"breaker": cb.name,
		"from":    from.String(),
		"to":      to.String(),
		"reason":  reason,
	})

	cb.metrics.IncrementCounterWithLabels("circuit_breaker_state_changes_total", 1, map[string]string{
		"name": cb.name,
		"from": from.String(),
		"to":   to.String(),
	})
	cb.metrics.RecordGauge("circuit_breaker_state", float64(to), map[string]string{"name": cb.name})

	// Hand the transition to the delivery goroutine. The state machine never
	// blocks on a slow consumer; a full queue drops the event instead.
	if !cb.closed.Load() {
		select {
		case cb.events <- transition:
		default:
			cb.logger.Warn("state change event dropped, queue full", map[string]interface{}{
				"breaker": cb.name,
				"from":    from.String(),
				"to":      to.String(),
			})
		}
	}
}

// notifyLoop delivers queued transitions to the configured callback
func (cb *CircuitBreaker) notifyLoop() {
	defer cb.wg.Done()

	for {
		select {
		case transition := <-cb.events:
			cb.deliver(transition)
		case <-cb.stop:
			// Drain whatever is already queued before exiting
			for {
				select {
				case transition := <-cb.events:
					cb.deliver(transition)
				default:
					return
				}
			}
		}
	}
}

// deliver invokes the callback for one transition, isolating panics
func (cb *CircuitBreaker) deliver(transition StateTransition) {
	callback := cb.config.OnStateChange
	if callback == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			cb.logger.Error("state change callback panicked", map[string]interface{}{
				"breaker": cb.name,
				"panic":   fmt.Sprintf("%v", r),
			})
		}
	}()

	callback(cb.name, transition)
}

// Reset manually returns the breaker to the closed state and clears the
// episode counters
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.transitionLocked(CircuitBreakerClosed, "manual reset")
	cb.counts.Reset()
	cb.halfOpenActive = 0
}

// State returns the current state
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Name returns the breaker name
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// getCounts returns a snapshot of the current counts
func (cb *CircuitBreaker) getCounts() Counts {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.counts
}

// CircuitBreakerStats is a point-in-time snapshot of breaker activity
type CircuitBreakerStats struct {
	Name  string
	State string

	// Requests, Failures, and Successes are episode counters: Failures
	// clears when the breaker closes after recovery, Successes when a
	// half-open episode begins
	Requests  int
	Failures  int
	Successes int

	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	TotalSuccesses       uint32
	TotalFailures        uint32
	ShortCircuited       int
	Rejected             int
	Timeouts             int
	FailureRate          float64
	LastFailure          time.Time
	LastSuccess          time.Time
	Transitions          int
}

// Stats returns current circuit breaker statistics
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return CircuitBreakerStats{
		Name:                 cb.name,
		State:                cb.state.String(),
		Requests:             cb.counts.Requests,
		Failures:             cb.counts.Failures,
		Successes:            cb.counts.Successes,
		ConsecutiveFailures:  cb.counts.ConsecutiveFailures,
		ConsecutiveSuccesses: cb.counts.ConsecutiveSuccesses,
		TotalSuccesses:       cb.counts.TotalSuccesses,
		TotalFailures:        cb.counts.TotalFailures,
		ShortCircuited:       cb.counts.ShortCircuited,
		Rejected:             cb.counts.Rejected,
		Timeouts:             cb.counts.Timeout,
		FailureRate:          cb.counts.FailureRate(),
		LastFailure:          cb.counts.LastFailure,
		LastSuccess:          cb.counts.LastSuccess,
		Transitions:          len(cb.transitions),
	}
}

// Transitions returns a copy of the recorded transition history
func (cb *CircuitBreaker) Transitions() []StateTransition {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	out := make([]StateTransition, len(cb.transitions))
	copy(out, cb.transitions)
	return out
}

// Close stops callback delivery. The breaker remains usable for admission
// decisions afterwards, but no further transition events are delivered.
func (cb *CircuitBreaker) Close() error {
	if cb.closed.Swap(true) {
		return errors.New("circuit breaker already closed")
	}
	close(cb.stop)
	cb.wg.Wait()
	return nil
}

// CircuitBreakerManager manages circuit breakers for multiple collaborators
type CircuitBreakerManager struct {
	breakers map[string]*CircuitBreaker
	configs  map[string]CircuitBreakerConfig
	mutex    sync.RWMutex
	logger   observability.Logger
	metrics  observability.MetricsClient
}

// NewCircuitBreakerManager creates a new circuit breaker manager. The configs
// map seeds per-collaborator settings; unknown names fall back to defaults.
func NewCircuitBreakerManager(logger observability.Logger, metrics observability.MetricsClient, configs map[string]CircuitBreakerConfig) *CircuitBreakerManager {
	manager := &CircuitBreakerManager{
		breakers: make(map[string]*CircuitBreaker),
		configs:  make(map[string]CircuitBreakerConfig),
		logger:   logger,
		metrics:  metrics,
	}

	for name, config := range configs {
		manager.configs[name] = config
		manager.breakers[name] = NewCircuitBreaker(name, config, logger, metrics)
	}

	return manager
}

// GetCircuitBreaker gets a circuit breaker by name, creating it if it doesn't exist
func (m *CircuitBreakerManager) GetCircuitBreaker(name string) *CircuitBreaker {
	m.mutex.RLock()
	breaker, exists := m.breakers[name]
	m.mutex.RUnlock()

	if exists {
		return breaker
	}

	config, ok := m.configs[name]
	if !ok {
		config = DefaultCircuitBreakerConfig()
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	// Check again in case it was created while we were waiting for the lock
	breaker, exists = m.breakers[name]
	if exists {
		return breaker
	}

	breaker = NewCircuitBreaker(name, config, m.logger, m.metrics)
	m.breakers[name] = breaker

	return breaker
}

// Execute runs an operation through the named circuit breaker
func (m *CircuitBreakerManager) Execute(ctx context.Context, name string, operation func(context.Context) (interface{}, error)) (interface{}, error) {
	return m.GetCircuitBreaker(name).Execute(ctx, operation)
}

// ExecuteWithFallback runs an operation through the named breaker with a fallback
func (m *CircuitBreakerManager) ExecuteWithFallback(ctx context.Context, name string, operation func(context.Context) (interface{}, error), fallback FallbackFunc) (interface{}, error) {
	return m.GetCircuitBreaker(name).ExecuteWithFallback(ctx, operation, fallback)
}

// ExecuteWithDefaultValue runs an operation through the named breaker with a default value
func (m *CircuitBreakerManager) ExecuteWithDefaultValue(ctx context.Context, name string, operation func(context.Context) (interface{}, error), defaultValue interface{}) (interface{}, error) {
	return m.GetCircuitBreaker(name).ExecuteWithDefaultValue(ctx, operation, defaultValue)
}

// GetAllStats returns statistics for all managed breakers
func (m *CircuitBreakerManager) GetAllStats() map[string]CircuitBreakerStats {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	stats := make(map[string]CircuitBreakerStats, len(m.breakers))
	for name, breaker := range m.breakers {
		stats[name] = breaker.Stats()
	}
	return stats
}

// ResetAll resets every managed breaker to the closed state
func (m *CircuitBreakerManager) ResetAll() {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	for _, breaker := range m.breakers {
		breaker.Reset()
	}
}

// HealthStatus reports the state of every managed breaker, keyed by
// collaborator. Anything other than "closed" indicates degraded service.
func (m *CircuitBreakerManager) HealthStatus() map[string]string {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	status := make(map[string]string, len(m.breakers))
	for name, breaker := range m.breakers {
		status[name] = breaker.State().String()
	}
	return status
}

// Close stops callback delivery on all managed breakers
func (m *CircuitBreakerManager) Close() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	var errs []error
	for name, breaker := range m.breakers {
		if err := breaker.Close(); err != nil {
			errs = append(errs, errors.Wrapf(err, "failed to close circuit breaker %s", name))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors closing circuit breakers: %v", errs)
	}
	return nil
}

// DefaultCircuitBreakerConfigs provides default configurations for the
// collaborators mandate-mesh services commonly depend on
var DefaultCircuitBreakerConfigs = map[string]CircuitBreakerConfig{
	"identity_provider": {
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
		HalfOpenLimit:    2,
		SuccessThreshold: 2,
	},
	"token_store": {
		FailureThreshold: 10,
		ResetTimeout:     10 * time.Second,
		HalfOpenLimit:    5,
		SuccessThreshold: 3,
	},
	"revocation_registry": {
		FailureThreshold: 3,
		ResetTimeout:     15 * time.Second,
		HalfOpenLimit:    1,
		SuccessThreshold: 1,
	},
	"audit_sink": {
		FailureThreshold: 8,
		ResetTimeout:     20 * time.Second,
		HalfOpenLimit:    2,
		SuccessThreshold: 2,
	},
	"attestation_service": {
		FailureThreshold: 5,
		ResetTimeout:     60 * time.Second,
		HalfOpenLimit:    1,
		SuccessThreshold: 2,
	},
}
