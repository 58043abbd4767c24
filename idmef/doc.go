// Package idmef holds the structured event model the manager works on.
//
// A Message carries either an Alert or a Heartbeat. Both variants own a
// creation time set by the originating analyzer, an analyzer time assigned
// at receipt, and an analyzer chain: a singly linked list of Analyzer
// records from the originating sensor towards the manager that received the
// event, following each record's Next link.
//
// Paths such as "alert.classification.text" address fields of a Message for
// filters and diagnostic sinks:
//
//	p := idmef.MustParsePath("alert.assessment.severity")
//	if sev, ok := msg.GetString(p); ok && sev == "high" {
//	    ...
//	}
package idmef
