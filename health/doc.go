// Package health reports the state of the running manager.
//
// A Status is healthy, degraded or unhealthy. Degraded means events still
// flow but something needs attention: a full scheduler queue or a relay
// whose NATS connection is down. Aggregate combines the per-component
// statuses; the worst one wins.
//
// The metrics server serves the aggregate on /health as JSON, with 503 for
// unhealthy so load balancers and process supervisors can act on it.
//
// Messages built from errors go through Sanitize first, since /health may
// be reachable by more people than the logs are.
package health
