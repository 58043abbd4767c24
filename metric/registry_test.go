package metric

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/alertbus/errors"
	"github.com/c360/alertbus/health"
	"github.com/c360/alertbus/pkg/tlsutil"
)

func gatheredNames(t *testing.T, registry *MetricsRegistry) map[string]bool {
	t.Helper()
	families, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)
	names := make(map[string]bool, len(families))
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	return names
}

func TestMetricsRegistry_RegisterKinds(t *testing.T) {
	registry := NewMetricsRegistry()

	require.NoError(t, registry.RegisterCounter("svc", "c", prometheus.NewCounter(prometheus.CounterOpts{
		Name: "test_counter", Help: "counter",
	})))
	require.NoError(t, registry.RegisterGauge("svc", "g", prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "test_gauge", Help: "gauge",
	})))
	require.NoError(t, registry.RegisterHistogram("svc", "h", prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: "test_histogram", Help: "histogram",
	})))
	gaugeVec := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "test_gauge_vec", Help: "gv"}, []string{"l"})
	require.NoError(t, registry.RegisterGaugeVec("svc", "gv", gaugeVec))
	gaugeVec.WithLabelValues("x").Set(1)

	names := gatheredNames(t, registry)
	for _, name := range []string{"test_counter", "test_gauge", "test_histogram", "test_gauge_vec"} {
		assert.True(t, names[name], "%s should be registered", name)
	}
}

func TestMetricsRegistry_PreventDuplicateRegistration(t *testing.T) {
	registry := NewMetricsRegistry()

	first := prometheus.NewCounter(prometheus.CounterOpts{Name: "dup_counter", Help: "first"})
	require.NoError(t, registry.RegisterCounter("svc", "dup", first))

	second := prometheus.NewCounter(prometheus.CounterOpts{Name: "dup_counter_2", Help: "second"})
	err := registry.RegisterCounter("svc", "dup", second)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrConflict)
	assert.True(t, errors.IsInvalid(err))

	// Same prometheus name under a different key is a prometheus conflict
	third := prometheus.NewCounter(prometheus.CounterOpts{Name: "dup_counter", Help: "third"})
	err = registry.RegisterCounter("other", "dup", third)
	assert.Error(t, err)
}

func TestMetricsRegistry_Unregister(t *testing.T) {
	registry := NewMetricsRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "unregister_counter", Help: "c"})
	require.NoError(t, registry.RegisterCounter("svc", "u", counter))

	assert.True(t, registry.Unregister("svc", "u"))
	assert.False(t, registry.Unregister("svc", "u"))
	assert.False(t, gatheredNames(t, registry)["unregister_counter"])

	// The key is free again
	require.NoError(t, registry.RegisterCounter("svc", "u", counter))
}

func TestMetricsRegistry_ThreadSafety(t *testing.T) {
	registry := NewMetricsRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			counter := prometheus.NewCounter(prometheus.CounterOpts{
				Name: fmt.Sprintf("concurrent_counter_%d", id),
				Help: "A concurrent counter",
			})
			assert.NoError(t, registry.RegisterCounter("svc", fmt.Sprintf("c%d", id), counter))
		}(i)
	}
	wg.Wait()

	count := 0
	for name := range gatheredNames(t, registry) {
		if strings.HasPrefix(name, "concurrent_counter_") {
			count++
		}
	}
	assert.Equal(t, 10, count)
}

func TestCoreMetrics_Recorded(t *testing.T) {
	registry := NewMetricsRegistry()
	var registrar MetricsRegistrar = registry
	assert.NotNil(t, registrar)

	core := registry.CoreMetrics()
	core.RecordConnectionOpened()
	core.RecordConnectionClosed("protocol")
	core.RecordMessageDecoded("alert")
	core.RecordDecodeError("decode")
	core.RecordUnhandled("sub_tag")
	core.RecordBackpressure()
	core.RecordRateLimited()
	core.RecordSinkRun("db", "success", 5*time.Millisecond)
	core.RecordNATSStatus(true)
	core.RecordNATSReconnect()
	core.RecordCircuitBreakerState(0)

	names := gatheredNames(t, registry)
	for _, name := range []string{
		"alertbus_server_connections_active",
		"alertbus_server_connections_total",
		"alertbus_server_connection_drops_total",
		"alertbus_decoder_messages_total",
		"alertbus_decoder_errors_total",
		"alertbus_decoder_unhandled_total",
		"alertbus_server_backpressure_total",
		"alertbus_server_rate_limited_total",
		"alertbus_report_runs_total",
		"alertbus_report_run_duration_seconds",
		"alertbus_nats_connected",
		"alertbus_nats_reconnects_total",
		"alertbus_nats_circuit_breaker",
	} {
		assert.True(t, names[name], "core metric %s should be exported", name)
	}

	var nilRegistry *MetricsRegistry
	assert.Nil(t, nilRegistry.CoreMetrics())
}

func TestServer_StopBeforeStart(t *testing.T) {
	server := NewServer(0, "", NewMetricsRegistry(), tlsutil.ServerConfig{})
	require.NoError(t, server.Stop())

	done := make(chan error, 1)
	go func() { done <- server.Start() }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Start after Stop kept serving")
	}
}

func TestServer_Handler(t *testing.T) {
	registry := NewMetricsRegistry()
	registry.CoreMetrics().RecordConnectionOpened()

	server := NewServer(0, "", registry, tlsutil.ServerConfig{})
	assert.Equal(t, "http://localhost:9090/metrics", server.Address())

	handler, err := server.Handler()
	require.NoError(t, err)
	ts := httptest.NewServer(handler)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "alertbus_server_connections_total 1")

	resp, err = http.Get(ts.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	_, err = NewServer(1, "/m", nil, tlsutil.ServerConfig{}).Handler()
	assert.Error(t, err)
}

func TestServer_HealthCheck(t *testing.T) {
	server := NewServer(0, "", NewMetricsRegistry(), tlsutil.ServerConfig{})
	var current atomic.Pointer[health.Status]
	degraded := health.NewDegraded("manager", "degraded: nats")
	current.Store(&degraded)
	server.SetHealthCheck(func() health.Status { return *current.Load() })

	handler, err := server.Handler()
	require.NoError(t, err)
	ts := httptest.NewServer(handler)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode, "degraded still serves")
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.Contains(t, string(body), `"status":"degraded"`)

	unhealthy := health.NewUnhealthy("manager", "unhealthy: server")
	current.Store(&unhealthy)
	resp, err = http.Get(ts.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
