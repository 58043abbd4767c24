// Package httppost provides a report sink that posts messages to an HTTP
// endpoint, typically a SIEM ingest webhook.
//
// # Configuration
//
//	{
//	    "name": "siem",
//	    "type": "httppost",
//	    "config": {
//	        "url": "https://siem.example.com/ingest",
//	        "headers": {"Authorization": "Bearer ..."},
//	        "timeout": "10s",
//	        "content_type": "application/json",
//	        "retry": {"max_attempts": 3, "initial_delay": "100ms", "max_delay": "5s", "multiplier": 2},
//	        "tls": {"enabled": true, "ca_files": ["/etc/alertbus/siem-ca.pem"]}
//	    }
//	}
//
// # Request
//
// The body is the IDMEF message as JSON. Every request carries the
// X-Alertbus-Message header holding the message ident, so the receiver can
// discard duplicates produced by retries.
//
// # Retry Behavior
//
// Network failures, 429 and 5xx responses are retried with exponential
// backoff. Other 4xx responses are returned at once as invalid: the same
// request would be rejected again. The context passed to Run bounds the
// whole exchange, retries included.
package httppost
