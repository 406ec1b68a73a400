package observability

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetricsClient implements MetricsClient interface using Prometheus
type PrometheusMetricsClient struct {
	namespace string
	subsystem string
	factory   promauto.Factory

	// Metric collectors
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec

	// Mutex for thread-safe operations
	mu sync.RWMutex

	// Common labels
	commonLabels prometheus.Labels
}

// NewPrometheusMetricsClient creates a new Prometheus metrics client registered
// against the default registry
func NewPrometheusMetricsClient(namespace, subsystem string, commonLabels map[string]string) *PrometheusMetricsClient {
	return NewPrometheusMetricsClientWith(prometheus.DefaultRegisterer, namespace, subsystem, commonLabels)
}

// NewPrometheusMetricsClientWith creates a new Prometheus metrics client
// registered against the given registerer. Tests pass a fresh
// prometheus.NewRegistry() to avoid duplicate registration panics.
func NewPrometheusMetricsClientWith(reg prometheus.Registerer, namespace, subsystem string, commonLabels map[string]string) *PrometheusMetricsClient {
	labels := prometheus.Labels{}
	for k, v := range commonLabels {
		labels[k] = v
	}

	if namespace == "" {
		namespace = "mandatemesh"
	}

	client := &PrometheusMetricsClient{
		namespace:    namespace,
		subsystem:    subsystem,
		factory:      promauto.With(reg),
		counters:     make(map[string]*prometheus.CounterVec),
		gauges:       make(map[string]*prometheus.GaugeVec),
		histograms:   make(map[string]*prometheus.HistogramVec),
		commonLabels: labels,
	}

	// Register default metrics
	client.registerDefaultMetrics()

	return client
}

// registerDefaultMetrics registers commonly used metrics
func (c *PrometheusMetricsClient) registerDefaultMetrics() {
	// Circuit breaker metrics
	c.getOrCreateCounter("circuit_breaker_state_changes_total", "Circuit breaker state changes", []string{"name", "from", "to"})
	c.getOrCreateGauge("circuit_breaker_state", "Current circuit breaker state", []string{"name"})
	c.getOrCreateCounter("circuit_breaker_rejections_total", "Calls rejected by an open circuit breaker", []string{"name"})

	// Retry metrics
	c.getOrCreateCounter("retry_attempts_total", "Retry attempts performed", []string{"name"})
	c.getOrCreateCounter("retry_exhausted_total", "Operations that exhausted their retry budget", []string{"name"})

	// Bulkhead metrics
	c.getOrCreateGauge("bulkhead_active_requests", "Requests currently holding a bulkhead slot", []string{"name"})
	c.getOrCreateCounter("bulkhead_rejections_total", "Requests rejected by a saturated bulkhead", []string{"name"})

	// Rate limiter metrics
	c.getOrCreateCounter("rate_limiter_rejections_total", "Requests rejected by a rate limiter", []string{"name"})

	// Guarded operation metrics
	c.getOrCreateCounter("operations_total", "Guarded operations", []string{"component", "operation", "success"})
	c.getOrCreateHistogram("operation_duration_seconds", "Guarded operation duration", []string{"component", "operation", "success"}, prometheus.DefBuckets)

	// Event metrics
	c.getOrCreateCounter("events_total", "Recorded events", []string{"source", "event_type"})
}

// RecordEvent records an event metric
func (c *PrometheusMetricsClient) RecordEvent(source, eventType string) {
	c.RecordCounter("events_total", 1, map[string]string{
		"source":     source,
		"event_type": eventType,
	})
}

// RecordLatency records a latency metric
func (c *PrometheusMetricsClient) RecordLatency(operation string, duration time.Duration) {
	c.RecordHistogram(operation+"_latency_seconds", duration.Seconds(), map[string]string{
		"operation": operation,
	})
}

// RecordCounter records a counter metric
func (c *PrometheusMetricsClient) RecordCounter(name string, value float64, labels map[string]string) {
	counter := c.getOrCreateCounter(name, fmt.Sprintf("Counter for %s", name), c.getLabelNames(labels))
	counter.With(c.mergeLabelValues(labels)).Add(value)
}

// RecordGauge records a gauge metric
func (c *PrometheusMetricsClient) RecordGauge(name string, value float64, labels map[string]string) {
	gauge := c.getOrCreateGauge(name, fmt.Sprintf("Gauge for %s", name), c.getLabelNames(labels))
	gauge.With(c.mergeLabelValues(labels)).Set(value)
}

// RecordHistogram records a histogram metric
func (c *PrometheusMetricsClient) RecordHistogram(name string, value float64, labels map[string]string) {
	histogram := c.getOrCreateHistogram(name, fmt.Sprintf("Histogram for %s", name), c.getLabelNames(labels), prometheus.DefBuckets)
	histogram.With(c.mergeLabelValues(labels)).Observe(value)
}

// RecordTimer records an elapsed duration under the metric's seconds histogram
func (c *PrometheusMetricsClient) RecordTimer(name string, duration time.Duration, labels map[string]string) {
	c.RecordHistogram(name+"_seconds", duration.Seconds(), labels)
}

// RecordOperation records the outcome and duration of a guarded operation
func (c *PrometheusMetricsClient) RecordOperation(component string, operation string, success bool, durationSeconds float64, labels map[string]string) {
	merged := map[string]string{
		"component": component,
		"operation": operation,
		"success":   stringFromBool(success),
	}
	for k, v := range labels {
		merged[k] = v
	}

	c.RecordCounter("operations_total", 1, merged)
	c.RecordHistogram("operation_duration_seconds", durationSeconds, merged)
}

// StartTimer starts a timer and returns a function to stop it
func (c *PrometheusMetricsClient) StartTimer(name string, labels map[string]string) func() {
	start := time.Now()
	return func() {
		c.RecordTimer(name, time.Since(start), labels)
	}
}

// IncrementCounter increments a counter (legacy version without labels)
func (c *PrometheusMetricsClient) IncrementCounter(name string, value float64) {
	c.RecordCounter(name, value, nil)
}

// IncrementCounterWithLabels increments a counter with labels
func (c *PrometheusMetricsClient) IncrementCounterWithLabels(name string, value float64, labels map[string]string) {
	c.RecordCounter(name, value, labels)
}

// RecordDuration records a duration in seconds
func (c *PrometheusMetricsClient) RecordDuration(name string, duration time.Duration) {
	c.RecordHistogram(name, duration.Seconds(), nil)
}

// Close implements MetricsClient.Close
func (c *PrometheusMetricsClient) Close() error {
	return nil
}

// Helper methods

func (c *PrometheusMetricsClient) getOrCreateCounter(name, help string, labels []string) *prometheus.CounterVec {
	c.mu.RLock()
	if counter, exists := c.counters[name]; exists {
		c.mu.RUnlock()
		return counter
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	// Double-check after acquiring write lock
	if counter, exists := c.counters[name]; exists {
		return counter
	}

	counter := c.factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: c.namespace,
		Subsystem: c.subsystem,
		Name:      name,
		Help:      help,
	}, labels)

	c.counters[name] = counter
	return counter
}

func (c *PrometheusMetricsClient) getOrCreateGauge(name, help string, labels []string) *prometheus.GaugeVec {
	c.mu.RLock()
	if gauge, exists := c.gauges[name]; exists {
		c.mu.RUnlock()
		return gauge
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	// Double-check after acquiring write lock
	if gauge, exists := c.gauges[name]; exists {
		return gauge
	}

	gauge := c.factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: c.namespace,
		Subsystem: c.subsystem,
		Name:      name,
		Help:      help,
	}, labels)

	c.gauges[name] = gauge
	return gauge
}

func (c *PrometheusMetricsClient) getOrCreateHistogram(name, help string, labels []string, buckets []float64) *prometheus.HistogramVec {
	c.mu.RLock()
	if histogram, exists := c.histograms[name]; exists {
		c.mu.RUnlock()
		return histogram
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	// Double-check after acquiring write lock
	if histogram, exists := c.histograms[name]; exists {
		return histogram
	}

	histogram := c.factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: c.namespace,
		Subsystem: c.subsystem,
		Name:      name,
		Help:      help,
		Buckets:   buckets,
	}, labels)

	c.histograms[name] = histogram
	return histogram
}

func (c *PrometheusMetricsClient) getLabelNames(labels map[string]string) []string {
	if labels == nil {
		return []string{}
	}

	names := make([]string, 0, len(labels))
	for name := range labels {
		names = append(names, name)
	}
	return names
}

func (c *PrometheusMetricsClient) mergeLabelValues(labels map[string]string) prometheus.Labels {
	merged := prometheus.Labels{}

	// Add common labels first
	for k, v := range c.commonLabels {
		merged[k] = v
	}

	// Override with specific labels
	for k, v := range labels {
		merged[k] = v
	}

	return merged
}

// ResilienceMetrics provides direct collector handles for the resilience core,
// for services that prefer typed collectors over the MetricsClient interface
type ResilienceMetrics struct {
	BreakerStateChanges *prometheus.CounterVec
	BreakerRejections   *prometheus.CounterVec
	RetryAttempts       *prometheus.CounterVec
	RetryExhausted      *prometheus.CounterVec
	BulkheadActive      *prometheus.GaugeVec
	BulkheadRejections  *prometheus.CounterVec
	RateLimitRejections *prometheus.CounterVec
	OperationDuration   *prometheus.HistogramVec
}

// NewResilienceMetrics creates resilience-specific collectors on the given registerer
func NewResilienceMetrics(reg prometheus.Registerer, namespace string) *ResilienceMetrics {
	factory := promauto.With(reg)
	return &ResilienceMetrics{
		BreakerStateChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "resilience",
			Name:      "breaker_state_changes_total",
			Help:      "Circuit breaker state transitions",
		}, []string{"name", "from", "to"}),
		BreakerRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "resilience",
			Name:      "breaker_rejections_total",
			Help:      "Calls rejected by an open circuit breaker",
		}, []string{"name"}),
		RetryAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "resilience",
			Name:      "retry_attempts_total",
			Help:      "Retry attempts performed",
		}, []string{"name"}),
		RetryExhausted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "resilience",
			Name:      "retry_exhausted_total",
			Help:      "Operations that exhausted their retry budget",
		}, []string{"name"}),
		BulkheadActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "resilience",
			Name:      "bulkhead_active_requests",
			Help:      "Requests currently holding a bulkhead slot",
		}, []string{"name"}),
		BulkheadRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "resilience",
			Name:      "bulkhead_rejections_total",
			Help:      "Requests rejected by a saturated bulkhead",
		}, []string{"name"}),
		RateLimitRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "resilience",
			Name:      "rate_limiter_rejections_total",
			Help:      "Requests rejected by a rate limiter",
		}, []string{"name"}),
		OperationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "resilience",
			Name:      "operation_duration_seconds",
			Help:      "Guarded operation duration",
			Buckets:   prometheus.DefBuckets,
		}, []string{"name", "outcome"}),
	}
}
