// Package plugin is the compiled-in capability registry. Decoders, filters
// and report sinks register a factory under a name; activation builds
// instances from the configuration and binds them into the decode registry
// and the report set.
package plugin

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/c360/alertbus/decode"
	"github.com/c360/alertbus/errors"
	"github.com/c360/alertbus/filter"
	"github.com/c360/alertbus/idmef"
	"github.com/c360/alertbus/metric"
	"github.com/c360/alertbus/natsclient"
	"github.com/c360/alertbus/report"
)

// Kind is the capability a plugin provides
type Kind string

// Plugin kinds
const (
	KindDecoder Kind = "decoder"
	KindFilter  Kind = "filter"
	KindReport  Kind = "report"
)

// Dependencies are the shared services handed to factories
type Dependencies struct {
	Logger     *slog.Logger
	Metrics    *metric.MetricsRegistry // nil disables plugin metrics
	NATSClient *natsclient.Client      // nil when no NATS is configured
	Local      *idmef.Analyzer         // read-only local manager record
}

// GetLogger returns the logger or the default one
func (d Dependencies) GetLogger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// DecoderFactory builds a decoder and names the sub-tag it binds
type DecoderFactory func(rawConfig json.RawMessage, deps Dependencies) (uint8, decode.Decoder, error)

// FilterFactory builds a filter instance
type FilterFactory func(name string, rawConfig json.RawMessage, deps Dependencies) (filter.Filter, error)

// ReportFactory builds a report sink instance
type ReportFactory func(name string, rawConfig json.RawMessage, deps Dependencies) (report.Sink, error)

// Registration describes one plugin. Exactly the factory matching Kind
// must be set.
type Registration struct {
	Name        string
	Kind        Kind
	Description string

	Decoder DecoderFactory
	Filter  FilterFactory
	Report  ReportFactory
}

func (r *Registration) validate() error {
	if r.Name == "" {
		return fmt.Errorf("%w: plugin name is required", errors.ErrInvalidConfig)
	}
	var ok bool
	switch r.Kind {
	case KindDecoder:
		ok = r.Decoder != nil && r.Filter == nil && r.Report == nil
	case KindFilter:
		ok = r.Filter != nil && r.Decoder == nil && r.Report == nil
	case KindReport:
		ok = r.Report != nil && r.Decoder == nil && r.Filter == nil
	default:
		return fmt.Errorf("%w: unknown plugin kind %q", errors.ErrInvalidConfig, r.Kind)
	}
	if !ok {
		return fmt.Errorf("%w: %s plugin %q needs exactly its own factory", errors.ErrInvalidConfig, r.Kind, r.Name)
	}
	return nil
}

// Registry holds the available plugins by kind and name
type Registry struct {
	mu      sync.RWMutex
	entries map[Kind]map[string]*Registration
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		entries: map[Kind]map[string]*Registration{
			KindDecoder: {},
			KindFilter:  {},
			KindReport:  {},
		},
	}
}

// Register adds a plugin. A name already taken within the kind is an
// ErrConflict.
func (r *Registry) Register(reg *Registration) error {
	if reg == nil {
		return errors.NewConfigurationError("plugin", fmt.Errorf("%w: nil registration", errors.ErrInvalidConfig))
	}
	if err := reg.validate(); err != nil {
		return errors.NewConfigurationError(reg.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[reg.Kind][reg.Name]; exists {
		return errors.NewConfigurationError(reg.Name,
			fmt.Errorf("%s plugin already registered: %w", reg.Kind, errors.ErrConflict))
	}
	r.entries[reg.Kind][reg.Name] = reg
	return nil
}

// Lookup returns the plugin registered under kind and name
func (r *Registry) Lookup(kind Kind, name string) (*Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.entries[kind][name]
	return reg, ok
}

// Names lists the plugins of a kind in sorted order
func (r *Registry) Names(kind Kind) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries[kind]))
	for name := range r.entries[kind] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
