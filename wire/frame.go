// Package wire implements the sensor wire protocol: length-prefixed, tagged
// binary frames and the versioned body codec carried inside them.
package wire

import (
	"encoding/binary"
	stderrors "errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/c360/alertbus/errors"
)

// Frame tags. Every other value is reserved for protocol extensions.
const (
	TagAlert       uint8 = 1
	TagHeartbeat   uint8 = 2
	TagProprietary uint8 = 3
	TagEnd         uint8 = 4
)

// HeaderSize is the tag byte plus the 4-byte big-endian length
const HeaderSize = 5

// DefaultMaxFrameSize bounds payload allocation when no limit is configured
const DefaultMaxFrameSize = 1 << 20

// endTimestampSize is u64 seconds followed by u32 microseconds
const endTimestampSize = 12

// TagName returns a readable name for log entries
func TagName(tag uint8) string {
	switch tag {
	case TagAlert:
		return "alert"
	case TagHeartbeat:
		return "heartbeat"
	case TagProprietary:
		return "proprietary"
	case TagEnd:
		return "end"
	default:
		return fmt.Sprintf("reserved(%d)", tag)
	}
}

// Frame is one unit of wire transport
type Frame struct {
	Tag     uint8
	Payload []byte
}

// Reader reads frames sequentially from a byte stream
type Reader struct {
	r       io.Reader
	maxSize uint32
	header  [HeaderSize]byte
}

// NewReader creates a frame reader. A zero maxSize selects DefaultMaxFrameSize.
func NewReader(r io.Reader, maxSize uint32) *Reader {
	if maxSize == 0 {
		maxSize = DefaultMaxFrameSize
	}
	return &Reader{r: r, maxSize: maxSize}
}

// MaxSize returns the configured payload limit
func (r *Reader) MaxSize() uint32 {
	return r.maxSize
}

// ReadFrame blocks until a complete frame is available. A clean end of
// stream before any header byte returns io.EOF; every other failure is a
// *errors.ProtocolError.
func (r *Reader) ReadFrame() (Frame, error) {
	n, err := io.ReadFull(r.r, r.header[:])
	if err != nil {
		if stderrors.Is(err, io.EOF) && n == 0 {
			return Frame{}, io.EOF
		}
		if stderrors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, errors.NewProtocolError("read header", 0, errors.ErrTruncated)
		}
		return Frame{}, errors.NewProtocolError("read header", 0, err)
	}

	tag := r.header[0]
	length := binary.BigEndian.Uint32(r.header[1:])
	if length > r.maxSize {
		return Frame{}, errors.NewProtocolError("check length", tag,
			fmt.Errorf("%w: %d > %d", errors.ErrFrameTooLarge, length, r.maxSize))
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r.r, payload); err != nil {
		if stderrors.Is(err, io.EOF) || stderrors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, errors.NewProtocolError("read payload", tag, errors.ErrTruncated)
		}
		return Frame{}, errors.NewProtocolError("read payload", tag, err)
	}

	return Frame{Tag: tag, Payload: payload}, nil
}

// Writer writes frames to a byte stream
type Writer struct {
	w io.Writer
}

// NewWriter creates a frame writer
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteFrame writes a single frame
func (w *Writer) WriteFrame(tag uint8, payload []byte) error {
	if uint64(len(payload)) > math.MaxUint32 {
		return errors.WrapInvalid(errors.ErrFrameTooLarge, "Writer", "WriteFrame", "check length")
	}
	var header [HeaderSize]byte
	header[0] = tag
	binary.BigEndian.PutUint32(header[1:], uint32(len(payload)))
	if _, err := w.w.Write(header[:]); err != nil {
		return errors.Wrap(err, "Writer", "WriteFrame", "write header")
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.w.Write(payload); err != nil {
		return errors.Wrap(err, "Writer", "WriteFrame", "write payload")
	}
	return nil
}

// WriteProprietary writes a proprietary frame for the given decoder sub-tag
func (w *Writer) WriteProprietary(subTag uint8, data []byte) error {
	payload := make([]byte, 0, len(data)+1)
	payload = append(payload, subTag)
	payload = append(payload, data...)
	return w.WriteFrame(TagProprietary, payload)
}

// WriteEnd closes a frame group. A zero sentAt writes an empty End frame.
func (w *Writer) WriteEnd(sentAt time.Time) error {
	if sentAt.IsZero() {
		return w.WriteFrame(TagEnd, nil)
	}
	return w.WriteFrame(TagEnd, EncodeTimestamp(sentAt))
}

// EncodeTimestamp encodes the transport timestamp carried by End frames
func EncodeTimestamp(t time.Time) []byte {
	buf := make([]byte, endTimestampSize)
	binary.BigEndian.PutUint64(buf[:8], uint64(t.Unix()))
	binary.BigEndian.PutUint32(buf[8:], uint32(t.Nanosecond()/1000))
	return buf
}

// DecodeTimestamp parses an End frame payload. An empty payload reports ok=false.
func DecodeTimestamp(payload []byte) (t time.Time, ok bool, err error) {
	if len(payload) == 0 {
		return time.Time{}, false, nil
	}
	if len(payload) != endTimestampSize {
		return time.Time{}, false, fmt.Errorf("end timestamp: want %d bytes, got %d", endTimestampSize, len(payload))
	}
	sec := int64(binary.BigEndian.Uint64(payload[:8]))
	usec := binary.BigEndian.Uint32(payload[8:])
	if usec >= 1_000_000 {
		return time.Time{}, false, fmt.Errorf("end timestamp: usec out of range: %d", usec)
	}
	return time.Unix(sec, int64(usec)*1000), true, nil
}
