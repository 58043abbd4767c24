package idmef

// Analyzer describes one system that handled an event: the sensor that
// raised it, a relay that forwarded it, or the manager that received it.
//
// Next points at the analyzer that relayed the event on. It is a reference,
// not ownership: several chains may end in the same shared record, so code
// outside the normalizer must treat every reachable Analyzer as read-only.
type Analyzer struct {
	AnalyzerID   string    `json:"analyzerid,omitempty"`
	Name         string    `json:"name,omitempty"`
	Manufacturer string    `json:"manufacturer,omitempty"`
	Model        string    `json:"model,omitempty"`
	Version      string    `json:"version,omitempty"`
	Class        string    `json:"class,omitempty"`
	OSType       string    `json:"ostype,omitempty"`
	OSVersion    string    `json:"osversion,omitempty"`
	Node         *Node     `json:"node,omitempty"`
	Next         *Analyzer `json:"analyzer,omitempty"`
}

// Node identifies a host
type Node struct {
	Name     string   `json:"name,omitempty"`
	Location string   `json:"location,omitempty"`
	Address  []string `json:"address,omitempty"`
}

// Chain returns the analyzers reachable from a, head first
func (a *Analyzer) Chain() []*Analyzer {
	var chain []*Analyzer
	for cur := a; cur != nil; cur = cur.Next {
		chain = append(chain, cur)
	}
	return chain
}

// Terminal returns the last analyzer of the chain starting at a
func (a *Analyzer) Terminal() *Analyzer {
	if a == nil {
		return nil
	}
	cur := a
	for cur.Next != nil {
		cur = cur.Next
	}
	return cur
}

// SameAs reports whether a and other describe the same analyzer, either by
// identity or by analyzer ID.
func (a *Analyzer) SameAs(other *Analyzer) bool {
	if a == nil || other == nil {
		return false
	}
	if a == other {
		return true
	}
	return a.AnalyzerID != "" && a.AnalyzerID == other.AnalyzerID
}
