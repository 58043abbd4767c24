// Package compressed decodes zstd-compressed additional data. The
// decompressed payload uses the additional data format.
package compressed

import (
	"fmt"

	"github.com/klauspost/compress/zstd"

	"github.com/c360/alertbus/decode/additional"
	"github.com/c360/alertbus/errors"
	"github.com/c360/alertbus/idmef"
)

// SubTag is the default proprietary sub-tag for this format
const SubTag uint8 = 2

// Name identifies the decoder in logs and configuration
const Name = "compressed"

// DefaultMaxDecodedSize bounds the decompressed payload
const DefaultMaxDecodedSize = 4 << 20

// zstd.Encoder and zstd.Decoder are safe for concurrent use
var encoder *zstd.Encoder

func init() {
	var err error
	encoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("compressed: zstd encoder initialization failed: " + err.Error())
	}
}

// Decoder decompresses a payload and hands it to the additional data parser
type Decoder struct {
	zstd    *zstd.Decoder
	maxSize uint64
}

// New creates a decoder that refuses output larger than maxDecodedSize.
// Zero selects DefaultMaxDecodedSize.
func New(maxDecodedSize uint64) (*Decoder, error) {
	if maxDecodedSize == 0 {
		maxDecodedSize = DefaultMaxDecodedSize
	}
	dec, err := zstd.NewReader(nil,
		zstd.WithDecoderMaxMemory(maxDecodedSize),
		zstd.WithDecoderConcurrency(1),
	)
	if err != nil {
		return nil, errors.WrapFatal(err, "compressed", "New", "zstd decoder initialization")
	}
	return &Decoder{zstd: dec, maxSize: maxDecodedSize}, nil
}

// Name returns the decoder name
func (d *Decoder) Name() string {
	return Name
}

// Decode decompresses payload and attaches the records to msg
func (d *Decoder) Decode(payload []byte, msg *idmef.Message) error {
	if len(payload) == 0 {
		return fmt.Errorf("%w: empty compressed payload", errors.ErrInvalidData)
	}
	raw, err := d.zstd.DecodeAll(payload, nil)
	if err != nil {
		return fmt.Errorf("%w: zstd decompress: %v", errors.ErrParsingFailed, err)
	}
	if uint64(len(raw)) > d.maxSize {
		return fmt.Errorf("%w: decompressed %d bytes exceeds limit %d", errors.ErrInvalidData, len(raw), d.maxSize)
	}
	records, err := additional.Parse(raw)
	if err != nil {
		return err
	}
	msg.AddAdditionalData(records...)
	return nil
}

// Close releases the zstd decoder
func (d *Decoder) Close() error {
	d.zstd.Close()
	return nil
}

// Encode produces the payload for records, without the sub-tag byte
func Encode(records []idmef.AdditionalData) ([]byte, error) {
	raw, err := additional.Encode(records)
	if err != nil {
		return nil, err
	}
	return encoder.EncodeAll(raw, nil), nil
}
