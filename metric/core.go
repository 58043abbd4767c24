package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "alertbus"

// Metrics contains the manager's core metrics
type Metrics struct {
	// Sensor connections
	ConnectionsActive prometheus.Gauge
	ConnectionsTotal  prometheus.Counter
	ConnectionDrops   *prometheus.CounterVec

	// Decoding
	FramesReceived   *prometheus.CounterVec
	MessagesDecoded  *prometheus.CounterVec
	DecodeErrors     *prometheus.CounterVec
	UnhandledFrames  *prometheus.CounterVec
	BackpressureHits prometheus.Counter
	RateLimited      prometheus.Counter

	// Report sinks
	SinkRuns     *prometheus.CounterVec
	SinkDuration *prometheus.HistogramVec

	// NATS relay connection
	NATSConnected      prometheus.Gauge
	NATSReconnects     prometheus.Counter
	NATSCircuitBreaker prometheus.Gauge
}

// NewMetrics creates the core metrics
func NewMetrics() *Metrics {
	return &Metrics{
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "connections_active",
			Help:      "Number of open sensor connections",
		}),
		ConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "connections_total",
			Help:      "Total number of accepted sensor connections",
		}),
		ConnectionDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "connection_drops_total",
			Help:      "Sensor connections ended by an error",
		}, []string{"reason"}),

		FramesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "decoder",
			Name:      "frames_total",
			Help:      "Total number of frames read",
		}, []string{"outcome"}),
		MessagesDecoded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "decoder",
			Name:      "messages_total",
			Help:      "Total number of completed messages",
		}, []string{"kind"}),
		DecodeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "decoder",
			Name:      "errors_total",
			Help:      "Messages aborted by a decode error",
		}, []string{"type"}),
		UnhandledFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "decoder",
			Name:      "unhandled_total",
			Help:      "Frames skipped for an unknown tag or unbound sub-tag",
		}, []string{"type"}),
		BackpressureHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "backpressure_total",
			Help:      "Enqueue attempts that timed out on a full scheduler queue",
		}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "rate_limited_total",
			Help:      "Messages held back by a sensor's rate limit",
		}),

		SinkRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "report",
			Name:      "runs_total",
			Help:      "Report sink invocations by outcome",
		}, []string{"sink", "status"}),
		SinkDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "report",
			Name:      "run_duration_seconds",
			Help:      "Report sink run duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"sink"}),

		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "nats",
			Name:      "connected",
			Help:      "NATS connection status (0=disconnected, 1=connected)",
		}),
		NATSReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "nats",
			Name:      "reconnects_total",
			Help:      "Total number of NATS reconnections",
		}),
		NATSCircuitBreaker: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "nats",
			Name:      "circuit_breaker",
			Help:      "NATS circuit breaker status (0=closed, 1=open, 2=half-open)",
		}),
	}
}

func (c *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		c.ConnectionsActive,
		c.ConnectionsTotal,
		c.ConnectionDrops,
		c.FramesReceived,
		c.MessagesDecoded,
		c.DecodeErrors,
		c.UnhandledFrames,
		c.BackpressureHits,
		c.RateLimited,
		c.SinkRuns,
		c.SinkDuration,
		c.NATSConnected,
		c.NATSReconnects,
		c.NATSCircuitBreaker,
	}
}

// RecordConnectionOpened counts an accepted sensor connection
func (c *Metrics) RecordConnectionOpened() {
	c.ConnectionsTotal.Inc()
	c.ConnectionsActive.Inc()
}

// RecordConnectionClosed records a closed connection. A non-empty reason
// marks a drop caused by an error.
func (c *Metrics) RecordConnectionClosed(reason string) {
	c.ConnectionsActive.Dec()
	if reason != "" {
		c.ConnectionDrops.WithLabelValues(reason).Inc()
	}
}

// RecordMessageDecoded counts a completed message by kind
func (c *Metrics) RecordMessageDecoded(kind string) {
	c.MessagesDecoded.WithLabelValues(kind).Inc()
}

// RecordDecodeError counts an aborted message
func (c *Metrics) RecordDecodeError(errorType string) {
	c.DecodeErrors.WithLabelValues(errorType).Inc()
}

// RecordUnhandled counts a skipped frame ("tag" or "sub_tag")
func (c *Metrics) RecordUnhandled(kind string) {
	c.UnhandledFrames.WithLabelValues(kind).Inc()
}

// RecordBackpressure counts an enqueue that timed out
func (c *Metrics) RecordBackpressure() {
	c.BackpressureHits.Inc()
}

// RecordRateLimited counts a message that waited on its sensor's rate limit
func (c *Metrics) RecordRateLimited() {
	c.RateLimited.Inc()
}

// RecordSinkRun records one sink invocation
func (c *Metrics) RecordSinkRun(sink, status string, duration time.Duration) {
	c.SinkRuns.WithLabelValues(sink, status).Inc()
	c.SinkDuration.WithLabelValues(sink).Observe(duration.Seconds())
}

// RecordNATSStatus records NATS connection status
func (c *Metrics) RecordNATSStatus(connected bool) {
	if connected {
		c.NATSConnected.Set(1)
	} else {
		c.NATSConnected.Set(0)
	}
}

// RecordNATSReconnect counts a reconnection
func (c *Metrics) RecordNATSReconnect() {
	c.NATSReconnects.Inc()
}

// RecordCircuitBreakerState records the breaker state
func (c *Metrics) RecordCircuitBreakerState(state int) {
	c.NATSCircuitBreaker.Set(float64(state))
}
