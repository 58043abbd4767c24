// Package natsclient wraps a nats.go connection for the relay report sink.
//
// # Circuit breaker
//
// Connection and publish failures are counted. After the threshold (5 by
// default) the circuit opens, every call fails fast with
// errors.ErrCircuitOpen, and a timer half-opens it after the current
// backoff. The backoff doubles on each opening up to the maximum (one
// minute by default). A successful connect, reconnect or stream publish
// closes the circuit again.
//
// # Publishing
//
// Publish sends on core NATS and is fire-and-forget. PublishToStream waits
// for the JetStream acknowledgement; EnsureStream creates the stream that
// backs a durable relay subject, reusing it when it already exists.
//
// # Lifecycle
//
//	client, err := natsclient.NewClient(url, natsclient.WithLogger(logger))
//	if err != nil {
//	    return err
//	}
//	if err := client.Connect(ctx); err != nil {
//	    return err
//	}
//	defer client.Close(context.Background())
//
// Close drains the connection within the drain timeout or the context
// deadline, whichever comes first, and is safe to call more than once.
package natsclient
