package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/c360/alertbus/errors"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "ALERTBUS"

// Loader merges configuration layers over the defaults
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
	getenv     func(string) string
}

// NewLoader creates a loader with validation enabled
func NewLoader() *Loader {
	return &Loader{
		validation: true,
		envPrefix:  EnvPrefix,
		getenv:     os.Getenv,
	}
}

// AddLayer adds a configuration file layer. Later layers win.
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables validation in Load
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// LoadFile loads configuration from a single file
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load merges all layers onto the defaults, applies environment overrides
// and validates the result. With validation on, the listener's TLS files
// are checked on disk as well.
func (l *Loader) Load() (*Config, error) {
	merged, err := toMap(Default())
	if err != nil {
		return nil, errors.NewConfigurationError("config", err)
	}

	for _, path := range l.layers {
		raw, err := l.loadRawJSON(path)
		if err != nil {
			return nil, errors.NewConfigurationError("config", fmt.Errorf("load %s: %w", path, err))
		}
		merged = deepMergeMaps(merged, raw)
	}

	data, err := json.Marshal(merged)
	if err != nil {
		return nil, errors.NewConfigurationError("config", err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, errors.NewConfigurationError("config", fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err))
	}

	if err := l.applyEnvOverrides(&cfg); err != nil {
		return nil, errors.NewConfigurationError("config", err)
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		if err := checkTLSFiles(cfg.Server.TLS); err != nil {
			return nil, errors.NewConfigurationError("config", err)
		}
	}
	return &cfg, nil
}

// loadRawJSON reads one layer with its duration strings converted
func (l *Loader) loadRawJSON(path string) (map[string]any, error) {
	data, err := readLayer(path)
	if err != nil {
		return nil, err
	}
	if err := checkNesting(data); err != nil {
		return nil, err
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err)
	}
	if err := parseDurations(raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func toMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// deepMergeMaps merges override into base. Nested objects merge, every
// other value (lists included) is replaced.
func deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		result[k] = v
	}
	for k, v := range override {
		if v == nil {
			continue
		}
		if baseMap, ok := base[k].(map[string]any); ok {
			if overrideMap, ok := v.(map[string]any); ok {
				result[k] = deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}
		result[k] = v
	}
	return result
}

// isDurationKey reports whether values under key hold durations. Plugin
// configs follow the same naming so their time.Duration fields decode too.
func isDurationKey(key string) bool {
	if key == "timeout" || key == "ttl" {
		return true
	}
	for _, suffix := range []string{"_interval", "_timeout", "_wait", "_delay", "_ttl"} {
		if strings.HasSuffix(key, suffix) {
			return true
		}
	}
	return false
}

// parseDurations converts duration strings under duration keys to
// nanoseconds, walking nested objects and lists
func parseDurations(data map[string]any) error {
	for key, value := range data {
		switch v := value.(type) {
		case string:
			if !isDurationKey(key) {
				continue
			}
			d, err := parseDurationWithDays(v)
			if err != nil {
				return fmt.Errorf("%w: %s: %v", errors.ErrInvalidConfig, key, err)
			}
			data[key] = d.Nanoseconds()
		case map[string]any:
			if err := parseDurations(v); err != nil {
				return err
			}
		case []any:
			for _, elem := range v {
				if m, ok := elem.(map[string]any); ok {
					if err := parseDurations(m); err != nil {
						return err
					}
				}
			}
		}
	}
	return nil
}

// parseDurationWithDays parses durations that may use days ("14d")
func parseDurationWithDays(s string) (time.Duration, error) {
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, err
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}

// applyEnvOverrides applies ALERTBUS_* variables on top of the file layers
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	var firstErr error
	env := func(name string) (string, bool) {
		key := l.envPrefix + "_" + name
		val := l.getenv(key)
		if val == "" {
			return "", false
		}
		if err := checkEnvValue(key, name, val); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return "", false
		}
		return val, true
	}
	setErr := func(name string, err error) {
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("%w: %s_%s: %v", errors.ErrInvalidConfig, l.envPrefix, name, err)
		}
	}

	if val, ok := env("MANAGER_NAME"); ok {
		cfg.Manager.Name = val
	}
	if val, ok := env("ANALYZER_ID"); ok {
		cfg.Manager.AnalyzerID = val
	}
	if val, ok := env("HEARTBEAT_INTERVAL"); ok {
		d, err := parseDurationWithDays(val)
		setErr("HEARTBEAT_INTERVAL", err)
		if err == nil {
			cfg.Manager.HeartbeatInterval = d
		}
	}
	if val, ok := env("LISTEN"); ok {
		cfg.Server.Listen = val
	}
	if val, ok := env("WORKERS"); ok {
		n, err := strconv.Atoi(val)
		setErr("WORKERS", err)
		if err == nil {
			cfg.Scheduler.Workers = n
		}
	}
	if val, ok := env("QUEUE_SIZE"); ok {
		n, err := strconv.Atoi(val)
		setErr("QUEUE_SIZE", err)
		if err == nil {
			cfg.Scheduler.QueueSize = n
		}
	}
	if val, ok := env("NATS_URLS"); ok {
		cfg.NATS.URLs = strings.Split(val, ",")
	}
	if val, ok := env("NATS_USERNAME"); ok {
		cfg.NATS.Username = val
	}
	if val, ok := env("NATS_PASSWORD"); ok {
		cfg.NATS.Password = val
	}
	if val, ok := env("NATS_TOKEN"); ok {
		cfg.NATS.Token = val
	}
	if val, ok := env("METRICS_PORT"); ok {
		n, err := strconv.Atoi(val)
		setErr("METRICS_PORT", err)
		if err == nil {
			cfg.Metrics.Port = n
			cfg.Metrics.Enabled = true
		}
	}
	return firstErr
}
