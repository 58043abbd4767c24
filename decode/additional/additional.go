// Package additional decodes analyzer-specific additional data carried in
// proprietary frames as a CBOR array of {meaning, type, data} records.
package additional

import (
	"fmt"

	"github.com/c360/alertbus/errors"
	"github.com/c360/alertbus/idmef"
	"github.com/c360/alertbus/wire"
)

// SubTag is the default proprietary sub-tag for this format
const SubTag uint8 = 1

// Name identifies the decoder in logs and configuration
const Name = "additional"

// MaxEntries bounds the records accepted from one frame
const MaxEntries = 1024

// Decoder appends decoded records to the message body. Records that arrive
// before the body are held on the message until the body is set.
type Decoder struct{}

// New creates the decoder
func New() *Decoder {
	return &Decoder{}
}

// Name returns the decoder name
func (d *Decoder) Name() string {
	return Name
}

// Decode parses payload and attaches the records to msg
func (d *Decoder) Decode(payload []byte, msg *idmef.Message) error {
	records, err := Parse(payload)
	if err != nil {
		return err
	}
	msg.AddAdditionalData(records...)
	return nil
}

// Parse decodes and validates a record list
func Parse(payload []byte) ([]idmef.AdditionalData, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: empty additional data", errors.ErrInvalidData)
	}

	var records []idmef.AdditionalData
	if err := wire.Unmarshal(payload, &records); err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrParsingFailed, err)
	}
	if len(records) > MaxEntries {
		return nil, fmt.Errorf("%w: %d records exceeds limit %d", errors.ErrInvalidData, len(records), MaxEntries)
	}
	for i, rec := range records {
		if rec.Meaning == "" {
			return nil, fmt.Errorf("%w: record %d has no meaning", errors.ErrInvalidData, i)
		}
	}
	return records, nil
}

// Encode produces the payload for records, without the sub-tag byte
func Encode(records []idmef.AdditionalData) ([]byte, error) {
	return wire.Marshal(records)
}
