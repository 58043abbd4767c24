package compressed

import (
	"encoding/json"
	"fmt"

	"github.com/c360/alertbus/decode"
	"github.com/c360/alertbus/errors"
	"github.com/c360/alertbus/plugin"
)

// Config for the compressed decoder
type Config struct {
	SubTag         *uint8 `json:"sub_tag,omitempty"`
	MaxDecodedSize uint64 `json:"max_decoded_size,omitempty"`
}

// Register adds the decoder to the plugin registry
func Register(registry *plugin.Registry) error {
	return registry.Register(&plugin.Registration{
		Name:        Name,
		Kind:        plugin.KindDecoder,
		Description: "zstd-compressed additional data records",
		Decoder:     newFromConfig,
	})
}

func newFromConfig(raw json.RawMessage, _ plugin.Dependencies) (uint8, decode.Decoder, error) {
	var cfg Config
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return 0, nil, errors.NewConfigurationError(Name, fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err))
		}
	}
	subTag := SubTag
	if cfg.SubTag != nil {
		subTag = *cfg.SubTag
	}
	d, err := New(cfg.MaxDecodedSize)
	if err != nil {
		return 0, nil, err
	}
	return subTag, d, nil
}
