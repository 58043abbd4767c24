// Package errors provides standardized error handling patterns for alertbus.
//
// # Overview
//
// Two layers live here. The first is the three-class classification shared by
// every component: Transient (temporary, retryable), Invalid (bad input, do not
// retry) and Fatal (stop processing). The second is the manager's error
// taxonomy, one typed error per failure scope:
//
//   - ProtocolError: malformed or oversize frame, stream truncated mid-frame.
//     The connection that produced it is dropped; other connections and the
//     scheduler are unaffected.
//   - DecodeError: a decode routine could not interpret its payload. Only the
//     in-progress message is discarded; the connection keeps reading.
//   - SinkError: a report sink failed. Logged with the sink and message
//     identity; the remaining sinks still run.
//   - ConfigurationError: plugin activation failure or registration conflict.
//     Fatal, and only ever returned before event processing begins.
//
// Unhandled tags and sub-tags are not errors. ErrUnhandledTag and
// ErrUnhandledSubTag exist so log entries and tests can name them.
//
// # Error Wrapping Pattern
//
// All wrapping follows the format "component.method: action failed: %w":
//
//	if err := sink.Run(ctx, msg); err != nil {
//	    return errors.WrapTransient(err, "RelaySink", "Run", "publish")
//	}
//
// Typed errors are matched with the standard library:
//
//	var perr *errors.ProtocolError
//	if errors.As(err, &perr) {
//	    // drop the connection
//	}
package errors
