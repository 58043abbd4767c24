// Package metric provides Prometheus metrics for the manager and an HTTP
// server exposing them.
//
// MetricsRegistry wraps a private Prometheus registry. It registers the
// manager's core metrics (connections, frames, decoded messages, sink runs,
// NATS health) at construction and lets components such as the scheduler
// register their own collectors, rejecting duplicate names per service.
//
// Components take a *MetricsRegistry and treat nil as "metrics disabled":
//
//	registry := metric.NewMetricsRegistry()
//	server := metric.NewServer(9090, "/metrics", registry, tlsutil.ServerConfig{})
//	go func() {
//	    if err := server.Start(); err != nil {
//	        logger.Error("Metrics server failed", "error", err)
//	    }
//	}()
//
//	registry.CoreMetrics().RecordConnectionOpened()
//
// The server exposes /metrics and /health.
package metric
