package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoopMetricsClient(t *testing.T) {
	client := NewMetricsClient()
	require.NotNil(t, client)

	// None of these should panic
	client.RecordEvent("breaker", "state_change")
	client.RecordLatency("verify_mandate", 10*time.Millisecond)
	client.RecordCounter("requests_total", 1, map[string]string{"name": "identity_provider"})
	client.RecordGauge("active", 3, nil)
	client.RecordHistogram("duration_seconds", 0.25, nil)
	client.RecordTimer("call", 5*time.Millisecond, nil)
	client.RecordOperation("circuit_breaker", "execute", true, 0.01, nil)
	client.IncrementCounter("count", 1)
	client.IncrementCounterWithLabels("count", 1, map[string]string{"k": "v"})
	client.RecordDuration("elapsed", time.Second)

	stop := client.StartTimer("timed", nil)
	stop()

	assert.NoError(t, client.Close())
}

func TestDisabledMetricsClient(t *testing.T) {
	client := NewMetricsClientWithOptions(MetricsOptions{Enabled: false})

	client.IncrementCounter("count", 1)
	stop := client.StartTimer("timed", nil)
	stop()

	assert.NoError(t, client.Close())
}

// gatherCounterValue returns the summed value of the named counter family
func gatherCounterValue(t *testing.T, reg *prometheus.Registry, name string) (float64, bool) {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		total := 0.0
		for _, m := range mf.GetMetric() {
			total += m.GetCounter().GetValue()
		}
		return total, true
	}
	return 0, false
}

func TestPrometheusMetricsClient_Counter(t *testing.T) {
	reg := prometheus.NewRegistry()
	client := NewPrometheusMetricsClientWith(reg, "testns", "", nil)

	client.RecordCounter("mandates_issued_total", 2, map[string]string{"issuer": "identity_provider"})
	client.RecordCounter("mandates_issued_total", 1, map[string]string{"issuer": "identity_provider"})

	value, found := gatherCounterValue(t, reg, "testns_mandates_issued_total")
	require.True(t, found, "expected counter to be registered")
	assert.Equal(t, 3.0, value)
}

func TestPrometheusMetricsClient_Gauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	client := NewPrometheusMetricsClientWith(reg, "testns", "", nil)

	client.RecordGauge("circuit_breaker_state", 1, map[string]string{"name": "token_store"})
	client.RecordGauge("circuit_breaker_state", 2, map[string]string{"name": "token_store"})

	families, err := reg.Gather()
	require.NoError(t, err)

	found := false
	for _, mf := range families {
		if mf.GetName() == "testns_circuit_breaker_state" {
			found = true
			require.Len(t, mf.GetMetric(), 1)
			assert.Equal(t, 2.0, mf.GetMetric()[0].GetGauge().GetValue())
		}
	}
	require.True(t, found, "expected gauge to be registered")
}

func TestPrometheusMetricsClient_DefaultMetricsRegistered(t *testing.T) {
	reg := prometheus.NewRegistry()
	client := NewPrometheusMetricsClientWith(reg, "testns", "", nil)

	// Touch a default metric so it shows up in Gather
	client.IncrementCounterWithLabels("circuit_breaker_state_changes_total", 1, map[string]string{
		"name": "audit_sink",
		"from": "closed",
		"to":   "open",
	})

	value, found := gatherCounterValue(t, reg, "testns_circuit_breaker_state_changes_total")
	require.True(t, found)
	assert.Equal(t, 1.0, value)
}

func TestPrometheusMetricsClient_StartTimer(t *testing.T) {
	reg := prometheus.NewRegistry()
	client := NewPrometheusMetricsClientWith(reg, "testns", "", nil)

	stop := client.StartTimer("probe", nil)
	time.Sleep(5 * time.Millisecond)
	stop()

	families, err := reg.Gather()
	require.NoError(t, err)

	found := false
	for _, mf := range families {
		if mf.GetName() == "testns_probe_seconds" {
			found = true
			require.Len(t, mf.GetMetric(), 1)
			assert.Equal(t, uint64(1), mf.GetMetric()[0].GetHistogram().GetSampleCount())
		}
	}
	require.True(t, found, "expected timer histogram to be registered")
}

func TestNewResilienceMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewResilienceMetrics(reg, "testns")
	require.NotNil(t, metrics)

	metrics.BreakerStateChanges.WithLabelValues("identity_provider", "closed", "open").Inc()
	metrics.BulkheadActive.WithLabelValues("token_store").Set(4)

	value, found := gatherCounterValue(t, reg, "testns_resilience_breaker_state_changes_total")
	require.True(t, found)
	assert.Equal(t, 1.0, value)
}
