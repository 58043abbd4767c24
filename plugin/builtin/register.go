// Package builtin registers every plugin compiled into the manager.
package builtin

import (
	"encoding/json"
	stderrors "errors"
	"fmt"

	"github.com/c360/alertbus/decode/additional"
	"github.com/c360/alertbus/decode/compressed"
	pkgerrors "github.com/c360/alertbus/errors"
	"github.com/c360/alertbus/filter"
	"github.com/c360/alertbus/output/debug"
	"github.com/c360/alertbus/output/file"
	"github.com/c360/alertbus/output/httppost"
	"github.com/c360/alertbus/output/relay"
	"github.com/c360/alertbus/output/sqlite"
	"github.com/c360/alertbus/plugin"
)

// Register adds the built-in plugins to registry:
//
// Decoders:
//   - additional (CBOR additional data records)
//   - compressed (zstd-compressed additional data)
//
// Filters:
//   - rule (path criteria over the message)
//
// Reports:
//   - debug (prints selected paths)
//   - file (JSON Lines)
//   - sqlite (database)
//   - relay (wire frames over NATS)
//   - httppost (webhooks)
func Register(registry *plugin.Registry) error {
	if registry == nil {
		return pkgerrors.WrapFatal(
			stderrors.New("registry cannot be nil"),
			"Builtin", "Register", "registry validation")
	}

	steps := []struct {
		what     string
		register func(*plugin.Registry) error
	}{
		{"additional decoder", additional.Register},
		{"compressed decoder", compressed.Register},
		{"rule filter", registerRuleFilter},
		{"debug report", debug.Register},
		{"file report", file.Register},
		{"sqlite report", sqlite.Register},
		{"relay report", relay.Register},
		{"httppost report", httppost.Register},
	}
	for _, step := range steps {
		if err := step.register(registry); err != nil {
			return pkgerrors.WrapInvalid(err, "Builtin", "Register", step.what+" registration")
		}
	}
	return nil
}

// NewRegistry returns a registry holding the built-in plugins
func NewRegistry() (*plugin.Registry, error) {
	registry := plugin.NewRegistry()
	if err := Register(registry); err != nil {
		return nil, err
	}
	return registry, nil
}

func registerRuleFilter(registry *plugin.Registry) error {
	return registry.Register(&plugin.Registration{
		Name:        filter.RuleType,
		Kind:        plugin.KindFilter,
		Description: "Matches IDMEF path criteria",
		Filter: func(name string, raw json.RawMessage, _ plugin.Dependencies) (filter.Filter, error) {
			var cfg filter.RuleConfig
			if len(raw) > 0 {
				if err := json.Unmarshal(raw, &cfg); err != nil {
					return nil, pkgerrors.NewConfigurationError(name, fmt.Errorf("%w: %v", pkgerrors.ErrInvalidConfig, err))
				}
			}
			return filter.NewRuleFilter(name, cfg)
		},
	})
}
