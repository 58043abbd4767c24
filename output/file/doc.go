// Package file provides a report sink writing messages to a file.
//
// # Overview
//
// Each message handed to the sink is encoded as JSON and buffered. The buffer
// is written when it reaches BufferSize entries and, independently, every
// FlushInterval. Close stops the flush loop, writes whatever is still
// buffered and closes the file.
//
// # Configuration
//
//	{
//	    "name": "audit",
//	    "type": "file",
//	    "config": {
//	        "path": "/var/log/alertbus/audit.jsonl",
//	        "format": "jsonl",
//	        "append": true,
//	        "buffer_size": 100,
//	        "flush_interval": "1s"
//	    }
//	}
//
//   - path: output file, its directory is created if missing
//   - format: "jsonl" (one message per line) or "json" (indented)
//   - append: append to an existing file instead of truncating it
//   - buffer_size: messages held before a write, 0 writes every message
//   - flush_interval: periodic flush, 0 disables it
//
// # Output
//
// A JSON Lines file holds one IDMEF message per line:
//
//	{"version":"1","alert":{"messageid":"17","classification":{"text":"port scan"}}}
//	{"version":"1","heartbeat":{"messageid":"18","heartbeat_interval":600}}
//
// # Failure Semantics
//
// A failed write is reported to the caller of the Run that triggered the
// flush. Writes from the periodic flush are logged and counted in Stats.
// Messages still buffered when the process dies are lost.
package file
