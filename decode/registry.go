// Package decode binds proprietary frame sub-tags to decode plugins.
//
// A Proprietary frame carries a one-byte sub-tag followed by a private
// payload. The Registry maps each sub-tag to exactly one Decoder. Bindings
// are made at startup; after that the registry is only read.
package decode

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/c360/alertbus/errors"
	"github.com/c360/alertbus/idmef"
	"github.com/c360/alertbus/wire"
)

// Decoder interprets one proprietary sub-format. Decode may only mutate msg.
type Decoder interface {
	Name() string
	Decode(payload []byte, msg *idmef.Message) error
}

// Func adapts a plain function to the Decoder interface
type Func struct {
	DecoderName string
	Fn          func(payload []byte, msg *idmef.Message) error
}

// Name returns the decoder name
func (f Func) Name() string { return f.DecoderName }

// Decode calls the wrapped function
func (f Func) Decode(payload []byte, msg *idmef.Message) error { return f.Fn(payload, msg) }

// Registry maps sub-tags to decoders
type Registry struct {
	mu       sync.RWMutex
	decoders map[uint8]Decoder
	logger   *slog.Logger
}

// NewRegistry creates an empty registry
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		decoders: make(map[uint8]Decoder),
		logger:   logger.With("component", "decode-registry"),
	}
}

// Register binds subTag to d. A sub-tag that is already bound is rejected
// with a ConfigurationError wrapping errors.ErrConflict; the existing binding
// stays in place.
func (r *Registry) Register(subTag uint8, d Decoder) error {
	if d == nil {
		return errors.NewConfigurationError("decode-registry",
			errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "Register", "decoder validation"))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, exists := r.decoders[subTag]; exists {
		return errors.NewConfigurationError("decode-registry",
			fmt.Errorf("sub-tag %d already bound to %q, rejecting %q: %w",
				subTag, existing.Name(), d.Name(), errors.ErrConflict))
	}

	r.decoders[subTag] = d
	r.logger.Debug("Registered decoder", "sub_tag", subTag, "decoder", d.Name())
	return nil
}

// Lookup returns the decoder bound to subTag
func (r *Registry) Lookup(subTag uint8) (Decoder, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.decoders[subTag]
	return d, ok
}

// SubTags returns the bound sub-tags in ascending order
func (r *Registry) SubTags() []uint8 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tags := make([]uint8, 0, len(r.decoders))
	for tag := range r.decoders {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })
	return tags
}

// Dispatch runs the decoder bound to subTag over payload. An unbound sub-tag
// reports handled=false with a nil error. A decoder failure is returned as a
// *errors.DecodeError naming the sub-tag and decoder.
func (r *Registry) Dispatch(subTag uint8, payload []byte, msg *idmef.Message) (bool, error) {
	d, ok := r.Lookup(subTag)
	if !ok {
		return false, nil
	}
	if err := d.Decode(payload, msg); err != nil {
		return true, &errors.DecodeError{
			Tag:     wire.TagProprietary,
			SubTag:  subTag,
			Decoder: d.Name(),
			Err:     err,
		}
	}
	return true, nil
}
