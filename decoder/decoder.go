// Package decoder turns a sensor's frame stream into complete IDMEF messages.
//
// Frames are grouped: body frames (Alert, Heartbeat) and Proprietary frames
// accumulate into one in-progress message. The message completes at an End
// frame, at the next body frame, or at a clean end of stream. A body frame
// that arrives while a message already has a body is held back and opens
// the following message, so sensors that never send End still deliver every
// event. Completed messages get a default analyzer time and a normalized
// analyzer chain before they are returned.
//
// A group is bounded by WithGroupLimits. Exceeding either limit aborts the
// message like any other decode error.
//
// Error handling follows the connection model:
//
//   - io.EOF: the stream ended with no message in progress; stop reading.
//   - *errors.DecodeError: the in-progress message was aborted and frames
//     are skipped up to the next End or body frame; call Next again.
//   - *errors.ProtocolError: the stream is unusable; drop the connection.
//
// Unknown tags and unbound proprietary sub-tags are logged and skipped.
package decoder

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/c360/alertbus/decode"
	"github.com/c360/alertbus/errors"
	"github.com/c360/alertbus/idmef"
	"github.com/c360/alertbus/metric"
	"github.com/c360/alertbus/normalize"
	"github.com/c360/alertbus/wire"
)

const (
	// DefaultMaxGroupFrames bounds the frames of one message
	DefaultMaxGroupFrames = 1024
	// DefaultMaxGroupRecords bounds the additional data records of one message
	DefaultMaxGroupRecords = 4096
)

// Option configures a Decoder
type Option func(*Decoder)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(d *Decoder) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithMaxFrameSize bounds frame payloads. Zero keeps the wire default.
func WithMaxFrameSize(size uint32) Option {
	return func(d *Decoder) {
		d.maxFrameSize = size
	}
}

// WithGroupLimits bounds the frames and additional data records one message
// may collect. Zero keeps the default for that limit.
func WithGroupLimits(frames, records int) Option {
	return func(d *Decoder) {
		if frames > 0 {
			d.maxGroupFrames = frames
		}
		if records > 0 {
			d.maxGroupRecords = records
		}
	}
}

// WithMetrics records decode outcomes. Nil disables it.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(d *Decoder) {
		d.metrics = registry.CoreMetrics()
	}
}

// WithClock replaces the receipt clock
func WithClock(now func() time.Time) Option {
	return func(d *Decoder) {
		if now != nil {
			d.now = now
		}
	}
}

// Stats counts decoder outcomes for one stream
type Stats struct {
	Messages    uint64
	DecodeErrs  uint64
	Unhandled   uint64
	Discarded   uint64
	FramesTotal uint64
}

// Decoder reads one stream. It is not safe for concurrent use.
type Decoder struct {
	reader       *wire.Reader
	registry     *decode.Registry
	normalizer   *normalize.Normalizer
	logger       *slog.Logger
	now          func() time.Time
	maxFrameSize uint32
	metrics      *metric.Metrics

	maxGroupFrames  int
	maxGroupRecords int

	// in-progress frame group
	msg         *idmef.Message
	receivedAt  time.Time
	skipping    bool
	groupFrames int

	// body frame that opens the next message
	held *wire.Frame

	messages    atomic.Uint64
	decodeErrs  atomic.Uint64
	unhandled   atomic.Uint64
	discarded   atomic.Uint64
	framesTotal atomic.Uint64
}

// New creates a decoder reading frames from r
func New(r io.Reader, registry *decode.Registry, normalizer *normalize.Normalizer, opts ...Option) *Decoder {
	d := &Decoder{
		registry:        registry,
		normalizer:      normalizer,
		logger:          slog.Default(),
		now:             time.Now,
		maxGroupFrames:  DefaultMaxGroupFrames,
		maxGroupRecords: DefaultMaxGroupRecords,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "decoder")
	d.reader = wire.NewReader(r, d.maxFrameSize)
	return d
}

// Stats returns a snapshot of the counters
func (d *Decoder) Stats() Stats {
	return Stats{
		Messages:    d.messages.Load(),
		DecodeErrs:  d.decodeErrs.Load(),
		Unhandled:   d.unhandled.Load(),
		Discarded:   d.discarded.Load(),
		FramesTotal: d.framesTotal.Load(),
	}
}

// Next returns the next complete message
func (d *Decoder) Next(ctx context.Context) (*idmef.Message, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		frame, err := d.nextFrame()
		if stderrors.Is(err, io.EOF) {
			if d.msg == nil || d.skipping {
				d.reset()
				return nil, io.EOF
			}
			msg := d.complete(time.Time{})
			if msg == nil {
				return nil, io.EOF
			}
			return msg, nil
		}
		if err != nil {
			d.reset()
			return nil, err
		}

		if d.skipping {
			switch frame.Tag {
			case wire.TagEnd:
				d.reset()
				continue
			case wire.TagAlert, wire.TagHeartbeat:
				// opens the next message
				d.reset()
			default:
				continue
			}
		}

		if isBody(frame.Tag) && d.msg != nil && d.msg.Kind() != idmef.KindNone {
			d.held = &frame
			if msg := d.complete(time.Time{}); msg != nil {
				return msg, nil
			}
			continue
		}

		if d.msg == nil {
			d.msg = idmef.New()
			d.receivedAt = d.now()
		}
		d.groupFrames++
		if d.groupFrames > d.maxGroupFrames {
			return nil, d.abort(errors.NewDecodeError(frame.Tag,
				fmt.Errorf("%w: more than %d frames", errors.ErrGroupTooLarge, d.maxGroupFrames)))
		}

		switch frame.Tag {
		case wire.TagAlert:
			alert, err := wire.DecodeAlert(frame.Payload)
			if err != nil {
				return nil, d.abort(err)
			}
			if err := d.msg.SetAlert(alert); err != nil {
				return nil, d.abort(errors.NewDecodeError(frame.Tag, err))
			}

		case wire.TagHeartbeat:
			hb, err := wire.DecodeHeartbeat(frame.Payload)
			if err != nil {
				return nil, d.abort(err)
			}
			if err := d.msg.SetHeartbeat(hb); err != nil {
				return nil, d.abort(errors.NewDecodeError(frame.Tag, err))
			}

		case wire.TagProprietary:
			if err := d.proprietary(frame.Payload); err != nil {
				return nil, d.abort(err)
			}
			if n := d.msg.AdditionalDataCount(); n > d.maxGroupRecords {
				return nil, d.abort(errors.NewDecodeError(frame.Tag,
					fmt.Errorf("%w: %d additional data records, limit %d",
						errors.ErrGroupTooLarge, n, d.maxGroupRecords)))
			}

		case wire.TagEnd:
			sentAt, ok, err := wire.DecodeTimestamp(frame.Payload)
			if err != nil {
				d.logger.Warn("Ignoring malformed end timestamp", "error", err)
			}
			if !ok {
				sentAt = time.Time{}
			}
			if msg := d.complete(sentAt); msg != nil {
				return msg, nil
			}

		default:
			d.unhandled.Add(1)
			if d.metrics != nil {
				d.metrics.RecordUnhandled("tag")
			}
			d.logger.Info("Unhandled tag, skipping frame",
				"tag", frame.Tag,
				"length", len(frame.Payload),
				"error", errors.ErrUnhandledTag)
		}
	}
}

// nextFrame returns the held body frame, if any, before reading the stream
func (d *Decoder) nextFrame() (wire.Frame, error) {
	if d.held != nil {
		frame := *d.held
		d.held = nil
		return frame, nil
	}
	frame, err := d.reader.ReadFrame()
	if err == nil {
		d.framesTotal.Add(1)
	}
	return frame, err
}

func isBody(tag uint8) bool {
	return tag == wire.TagAlert || tag == wire.TagHeartbeat
}

func (d *Decoder) proprietary(payload []byte) error {
	if len(payload) == 0 {
		return errors.NewDecodeError(wire.TagProprietary,
			fmt.Errorf("%w: proprietary frame without sub-tag", errors.ErrInvalidData))
	}
	subTag := payload[0]
	if d.registry == nil {
		d.logUnhandledSubTag(subTag, len(payload)-1)
		return nil
	}
	handled, err := d.registry.Dispatch(subTag, payload[1:], d.msg)
	if err != nil {
		return err
	}
	if !handled {
		d.logUnhandledSubTag(subTag, len(payload)-1)
	}
	return nil
}

func (d *Decoder) logUnhandledSubTag(subTag uint8, length int) {
	d.unhandled.Add(1)
	if d.metrics != nil {
		d.metrics.RecordUnhandled("sub_tag")
	}
	d.logger.Info("Unhandled sub-tag, skipping frame",
		"tag", wire.TagProprietary,
		"sub_tag", subTag,
		"length", length,
		"error", errors.ErrUnhandledSubTag)
}

// abort drops the in-progress message and skips frames up to the next End
// or body frame
func (d *Decoder) abort(err error) error {
	d.decodeErrs.Add(1)
	var derr *errors.DecodeError
	if !stderrors.As(err, &derr) {
		derr = errors.NewDecodeError(0, err)
		err = derr
	}
	if d.metrics != nil {
		d.metrics.RecordDecodeError(wire.TagName(derr.Tag))
	}
	d.logger.Warn("Decode error, message dropped, connection continues", "error", err)
	d.msg = nil
	d.skipping = true
	return err
}

// complete finishes the in-progress message. It returns nil when the group
// carried no body.
func (d *Decoder) complete(sentAt time.Time) *idmef.Message {
	msg := d.msg
	receivedAt := d.receivedAt
	d.reset()

	if msg.Kind() == idmef.KindNone {
		d.discarded.Add(1)
		d.logger.Info("Discarding frame group without alert or heartbeat",
			"pending_additional_data", len(msg.Pending()))
		return nil
	}

	if msg.AnalyzerTime() == nil {
		transport := receivedAt
		if !sentAt.IsZero() {
			transport = sentAt
		}
		msg.SetAnalyzerTime(transportTime(transport, msg.CreateTime()))
	}

	if d.normalizer != nil {
		d.normalizer.Normalize(msg)
	}

	d.messages.Add(1)
	if d.metrics != nil {
		d.metrics.RecordMessageDecoded(msg.Kind().String())
	}
	return msg
}

// transportTime converts t using the GMT offset of the message's create time
func transportTime(t time.Time, created *idmef.Time) *idmef.Time {
	at := idmef.NewTime(t)
	if created != nil {
		return at.WithOffset(created.GMTOffset)
	}
	return at
}

func (d *Decoder) reset() {
	d.msg = nil
	d.receivedAt = time.Time{}
	d.skipping = false
	d.groupFrames = 0
}
