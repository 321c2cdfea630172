package metric

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ApollusEHS-OSS/openremote/errors"
)

func TestNewMetricsRegistry(t *testing.T) {
	registry := NewMetricsRegistry()
	require.NotNil(t, registry)
	require.NotNil(t, registry.PrometheusRegistry())
	require.NotNil(t, registry.CoreMetrics())

	// Core instruments gather without error
	_, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)
}

func TestRegisterAndUnregister(t *testing.T) {
	registry := NewMetricsRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "test_counter_total",
		Help: "test",
	})

	require.NoError(t, registry.RegisterCounter("engine", "test_counter", counter))

	// Same key again is rejected
	err := registry.RegisterCounter("engine", "test_counter", counter)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	// Same collector under a different key collides inside prometheus
	err = registry.RegisterCounter("engine", "other_name", counter)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	assert.True(t, registry.Unregister("engine", "test_counter"))
	assert.False(t, registry.Unregister("engine", "test_counter"))

	// Re-registering after unregister succeeds
	require.NoError(t, registry.RegisterCounter("engine", "test_counter", counter))
}

func TestRegisterVecKinds(t *testing.T) {
	registry := NewMetricsRegistry()

	require.NoError(t, registry.RegisterGauge("svc", "g", prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "test_gauge", Help: "test",
	})))
	require.NoError(t, registry.RegisterHistogram("svc", "h", prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: "test_histogram", Help: "test",
	})))
	require.NoError(t, registry.RegisterCounterVec("svc", "cv", prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "test_counter_vec_total", Help: "test",
	}, []string{"label"})))
	require.NoError(t, registry.RegisterGaugeVec("svc", "gv", prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "test_gauge_vec", Help: "test",
	}, []string{"label"})))
	require.NoError(t, registry.RegisterHistogramVec("svc", "hv", prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "test_histogram_vec", Help: "test",
	}, []string{"label"})))
}

func TestCoreRecorders(t *testing.T) {
	registry := NewMetricsRegistry()
	m := registry.CoreMetrics()

	m.RecordEngineStatus("global", 0)
	m.RecordEngineDeployments("global", 3)
	m.RecordFactCounts("global", 10, 2)
	m.RecordEvaluation("global", 5*time.Millisecond)
	m.RecordRuleFired("global", "7")
	m.RecordCompilationError("global")
	m.RecordExecutionError("global")
	m.RecordEventDropped("global")
	m.RecordAttributeEvent("master")
	m.RecordActionDispatched("attribute_write")
	m.RecordEnginesRunning("tenant", 2)
	m.RecordError("Service", "transient")
	m.RecordNATSStatus(true)
	m.RecordNATSRTT(2 * time.Millisecond)
	m.RecordNATSReconnect()

	families, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["openremote_engine_status"])
	assert.True(t, names["openremote_engine_rules_fired_total"])
	assert.True(t, names["openremote_facts_states"])
	assert.True(t, names["openremote_service_attribute_events_total"])
	assert.True(t, names["openremote_nats_connected"])
}
