// Package normalize closes every message's analyzer chain with the local
// manager's own Analyzer record.
package normalize

import (
	"github.com/c360/alertbus/idmef"
)

// Normalizer appends the shared local record to analyzer chains. The local
// record is handed over at construction and never mutated afterwards.
type Normalizer struct {
	local *idmef.Analyzer
}

// New creates a normalizer for the given local record
func New(local *idmef.Analyzer) *Normalizer {
	return &Normalizer{local: local}
}

// Local returns the shared local record
func (n *Normalizer) Local() *idmef.Analyzer {
	return n.local
}

// Normalize walks msg's analyzer chain from the head and links the local
// record after the terminal entry, unless the terminal already is the local
// manager. An empty chain gets the local record as its head. Messages
// without a body are left untouched. Running it twice is a no-op.
func (n *Normalizer) Normalize(msg *idmef.Message) {
	if msg == nil || n.local == nil || msg.Kind() == idmef.KindNone {
		return
	}

	head := msg.Analyzer()
	if head == nil {
		msg.SetAnalyzer(n.local)
		return
	}

	tail := head.Terminal()
	if tail.SameAs(n.local) {
		return
	}
	tail.Next = n.local
}
