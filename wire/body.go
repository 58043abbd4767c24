package wire

import (
	"fmt"
	"reflect"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/c360/alertbus/errors"
	"github.com/c360/alertbus/idmef"
)

// BodyVersion is the only body encoding version this package understands
const BodyVersion uint8 = 1

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("wire: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType:   reflect.TypeOf(map[string]any(nil)),
		MaxNestedLevels:  64,
		MaxArrayElements: 65536,
		MaxMapPairs:      65536,
	}.DecMode()
	if err != nil {
		panic("wire: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v with Core Deterministic Encoding
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

func encodeBody(v any) ([]byte, error) {
	data, err := encMode.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(data)+1)
	out = append(out, BodyVersion)
	return append(out, data...), nil
}

func decodeBody(tag uint8, payload []byte, v any) error {
	if len(payload) == 0 {
		return errors.NewDecodeError(tag, fmt.Errorf("%w: empty body", errors.ErrInvalidData))
	}
	if payload[0] != BodyVersion {
		return errors.NewDecodeError(tag, fmt.Errorf("%w: unknown body version %d", errors.ErrInvalidData, payload[0]))
	}
	if err := decMode.Unmarshal(payload[1:], v); err != nil {
		return errors.NewDecodeError(tag, fmt.Errorf("%w: %v", errors.ErrParsingFailed, err))
	}
	return nil
}

// EncodeAlert encodes an Alert frame payload
func EncodeAlert(a *idmef.Alert) ([]byte, error) {
	return encodeBody(a)
}

// DecodeAlert decodes an Alert frame payload. Failures are *errors.DecodeError.
func DecodeAlert(payload []byte) (*idmef.Alert, error) {
	var a idmef.Alert
	if err := decodeBody(TagAlert, payload, &a); err != nil {
		return nil, err
	}
	if err := validateTimes(TagAlert, a.CreateTime, a.DetectTime, a.AnalyzerTime); err != nil {
		return nil, err
	}
	return &a, nil
}

// EncodeHeartbeat encodes a Heartbeat frame payload
func EncodeHeartbeat(h *idmef.Heartbeat) ([]byte, error) {
	return encodeBody(h)
}

// DecodeHeartbeat decodes a Heartbeat frame payload. Failures are *errors.DecodeError.
func DecodeHeartbeat(payload []byte) (*idmef.Heartbeat, error) {
	var h idmef.Heartbeat
	if err := decodeBody(TagHeartbeat, payload, &h); err != nil {
		return nil, err
	}
	if err := validateTimes(TagHeartbeat, h.CreateTime, h.AnalyzerTime); err != nil {
		return nil, err
	}
	return &h, nil
}

func validateTimes(tag uint8, times ...*idmef.Time) error {
	for _, t := range times {
		if err := t.Validate(); err != nil {
			return errors.NewDecodeError(tag, fmt.Errorf("%w: %v", errors.ErrInvalidData, err))
		}
	}
	return nil
}

// WriteMessage writes msg as one frame group: the body frame followed by an
// End frame stamped with sentAt.
func (w *Writer) WriteMessage(msg *idmef.Message, sentAt time.Time) error {
	var (
		tag     uint8
		payload []byte
		err     error
	)
	switch msg.Kind() {
	case idmef.KindAlert:
		tag = TagAlert
		payload, err = EncodeAlert(msg.Alert)
	case idmef.KindHeartbeat:
		tag = TagHeartbeat
		payload, err = EncodeHeartbeat(msg.Heartbeat)
	default:
		return errors.WrapInvalid(errors.ErrInvalidData, "Writer", "WriteMessage", "encode message without body")
	}
	if err != nil {
		return errors.WrapInvalid(err, "Writer", "WriteMessage", "encode body")
	}
	if err := w.WriteFrame(tag, payload); err != nil {
		return err
	}
	return w.WriteEnd(sentAt)
}
