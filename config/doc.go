// Package config loads and validates the manager configuration.
//
// Configuration is JSON. The Loader starts from Default, deep-merges each
// file layer in order (objects merge, lists and scalars are replaced),
// applies ALERTBUS_* environment overrides and validates the result:
//
//	loader := config.NewLoader()
//	loader.AddLayer("/etc/alertbus/base.json")
//	loader.AddLayer("/etc/alertbus/site.json")
//	cfg, err := loader.Load()
//
// Durations are written as strings ("30s", "10m", "14d") under keys named
// timeout, ttl or ending in _interval, _timeout, _wait, _delay or _ttl.
// The loader converts them before decoding, inside plugin configs too, so
// plugins can declare time.Duration fields.
//
// Every loading or validation failure is an *errors.ConfigurationError,
// which the manager treats as fatal at startup.
//
// Environment overrides:
//
//	ALERTBUS_MANAGER_NAME, ALERTBUS_ANALYZER_ID, ALERTBUS_HEARTBEAT_INTERVAL,
//	ALERTBUS_LISTEN, ALERTBUS_WORKERS, ALERTBUS_QUEUE_SIZE,
//	ALERTBUS_NATS_URLS (comma separated), ALERTBUS_NATS_USERNAME,
//	ALERTBUS_NATS_PASSWORD, ALERTBUS_NATS_TOKEN, ALERTBUS_METRICS_PORT
package config
