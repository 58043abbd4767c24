package idmef

import (
	"fmt"
	"time"
)

// Time is an IDMEF timestamp: seconds and microseconds since the Unix epoch
// plus the GMT offset, in seconds, of the clock that produced it.
type Time struct {
	Sec       int64  `json:"sec"`
	Usec      uint32 `json:"usec"`
	GMTOffset int32  `json:"gmt_offset"`
}

// NewTime converts t, keeping the offset of t's location
func NewTime(t time.Time) *Time {
	_, offset := t.Zone()
	return &Time{
		Sec:       t.Unix(),
		Usec:      uint32(t.Nanosecond() / 1000),
		GMTOffset: int32(offset),
	}
}

// Time returns the timestamp in a fixed zone matching its GMT offset
func (t *Time) Time() time.Time {
	if t == nil {
		return time.Time{}
	}
	zone := time.FixedZone("", int(t.GMTOffset))
	return time.Unix(t.Sec, int64(t.Usec)*1000).In(zone)
}

// String formats the timestamp as RFC 3339 with microseconds
func (t *Time) String() string {
	if t == nil {
		return ""
	}
	return t.Time().Format("2006-01-02T15:04:05.000000Z07:00")
}

// WithOffset returns a copy of t carrying the given GMT offset
func (t Time) WithOffset(offset int32) *Time {
	t.GMTOffset = offset
	return &t
}

// Validate checks the microsecond field range
func (t *Time) Validate() error {
	if t == nil {
		return nil
	}
	if t.Usec >= 1_000_000 {
		return fmt.Errorf("usec out of range: %d", t.Usec)
	}
	return nil
}
