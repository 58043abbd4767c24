// Package filter gates report sinks. Every sink owns a Chain of filters and
// only runs for a message when the whole chain matches.
package filter

import (
	"github.com/c360/alertbus/idmef"
)

// Filter is a read-only predicate over a message
type Filter interface {
	Name() string
	Match(msg *idmef.Message) bool
}

// Func adapts a plain predicate to the Filter interface
type Func struct {
	FilterName string
	Fn         func(msg *idmef.Message) bool
}

// Name returns the filter name
func (f Func) Name() string { return f.FilterName }

// Match calls the wrapped predicate
func (f Func) Match(msg *idmef.Message) bool { return f.Fn(msg) }

// Chain is an ordered set of filters combined with logical AND
type Chain struct {
	filters []Filter
}

// NewChain creates a chain, dropping nil filters
func NewChain(filters ...Filter) Chain {
	c := Chain{filters: make([]Filter, 0, len(filters))}
	for _, f := range filters {
		if f != nil {
			c.filters = append(c.filters, f)
		}
	}
	return c
}

// ShouldRun reports whether every filter matches msg. It stops at the first
// filter that does not match. An empty chain always matches.
func (c Chain) ShouldRun(msg *idmef.Message) bool {
	for _, f := range c.filters {
		if !f.Match(msg) {
			return false
		}
	}
	return true
}

// Len returns the number of filters
func (c Chain) Len() int {
	return len(c.filters)
}

// Names returns the filter names in evaluation order
func (c Chain) Names() []string {
	names := make([]string, 0, len(c.filters))
	for _, f := range c.filters {
		names = append(names, f.Name())
	}
	return names
}
