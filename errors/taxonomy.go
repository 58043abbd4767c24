package errors

import (
	"fmt"
)

// ProtocolError reports a malformed frame, an oversize length or a stream
// truncated mid-frame. It ends the read loop of the connection that produced
// it and nothing else.
type ProtocolError struct {
	Op  string
	Tag uint8
	Err error
}

// NewProtocolError creates a ProtocolError for op wrapping err
func NewProtocolError(op string, tag uint8, err error) *ProtocolError {
	return &ProtocolError{Op: op, Tag: tag, Err: err}
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: %s (tag %d): %v", e.Op, e.Tag, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// DecodeError reports that a decode routine, built-in or plugin, could not
// interpret its payload. Only the in-progress message is aborted.
type DecodeError struct {
	Tag     uint8
	SubTag  uint8
	Decoder string
	Err     error
}

// NewDecodeError creates a DecodeError for a built-in decode routine
func NewDecodeError(tag uint8, err error) *DecodeError {
	return &DecodeError{Tag: tag, Err: err}
}

func (e *DecodeError) Error() string {
	if e.Decoder != "" {
		return fmt.Sprintf("decode error: tag %d sub-tag %d (%s): %v", e.Tag, e.SubTag, e.Decoder, e.Err)
	}
	return fmt.Sprintf("decode error: tag %d: %v", e.Tag, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// SinkError reports a failed report sink run. It never aborts dispatch to
// the remaining sinks.
type SinkError struct {
	Sink    string
	Message string
	Err     error
}

func (e *SinkError) Error() string {
	return fmt.Sprintf("sink %s: message %s: %v", e.Sink, e.Message, e.Err)
}

func (e *SinkError) Unwrap() error {
	return e.Err
}

// ConfigurationError reports a plugin activation failure or a registration
// conflict. It is only produced at startup.
type ConfigurationError struct {
	Component string
	Err       error
}

// NewConfigurationError creates a ConfigurationError for component
func NewConfigurationError(component string, err error) *ConfigurationError {
	return &ConfigurationError{Component: component, Err: err}
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %v", e.Component, e.Err)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}
