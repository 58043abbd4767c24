// Package server is the sensor-facing TCP listener of the manager.
//
// # Connection lifecycle
//
// Each accepted connection is assigned a producer ID (a random UUID) that
// the scheduler uses to keep that sensor's messages in order. The
// connection's frames go through its own decoder.Decoder:
//
//   - a completed message is enqueued, waiting out scheduler backpressure
//   - with Config.MessagesPerSecond set, a message over the connection's
//     rate is held until its token bucket refills
//   - a decode error, including a frame group over its bounds, drops the message in progress and reading continues
//   - a protocol error (oversize or truncated frame) closes the connection
//   - end of stream between messages is a clean close
//
// # Shutdown
//
// Stop closes the listener and every open connection. Messages already
// enqueued are left to the scheduler's drain.
//
// # TLS
//
// Setting Config.TLS.Enabled wraps the listener with crypto/tls using the
// certificates loaded by pkg/tlsutil.
package server
