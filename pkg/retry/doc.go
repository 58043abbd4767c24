// Package retry provides exponential backoff with jitter for transient failures.
//
// Report sinks retry deliveries with DefaultConfig, the manager connects to
// NATS with Quick. A policy can also be read from the JSON config:
//
//	"retry": {"max_attempts": 5, "initial_delay": "200ms", "max_delay": "10s", "multiplier": 2, "jitter": true}
//
// Errors wrapped with NonRetryable end the loop at once, which is how a
// webhook sink gives up on a 4xx answer:
//
//	err := retry.Do(ctx, cfg, func() error {
//	    resp, err := post()
//	    if err != nil {
//	        return err
//	    }
//	    if resp.StatusCode < 500 {
//	        return retry.NonRetryable(fmt.Errorf("HTTP %d", resp.StatusCode))
//	    }
//	    return fmt.Errorf("HTTP %d", resp.StatusCode)
//	})
//
// All retry operations stop as soon as the context is done, whether during
// an attempt or the backoff sleep between attempts.
package retry
