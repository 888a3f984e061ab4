// Package filter defines the contract of pipeline filters.
//
// A filter either runs synchronously (SyncFilter) and must not block on
// external I/O, or asynchronously (AsyncFilter) and reports its output later
// through a Completion, possibly from another goroutine.
package filter

import (
	"fmt"

	"edge-proxy-go/internal/message"
)

// Kind is the stage a filter belongs to.
type Kind int

const (
	Inbound Kind = iota
	Endpoint
	Outbound
)

func (k Kind) String() string {
	switch k {
	case Inbound:
		return "inbound"
	case Endpoint:
		return "endpoint"
	case Outbound:
		return "outbound"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Filter is the part of the contract shared by both execution modes.
type Filter interface {
	Name() string
	Kind() Kind
	// Order sorts filters of the same kind, lowest first.
	Order() int
	// ShouldFilter is a cheap applicability check. When it returns false the
	// component passes through unchanged.
	ShouldFilter(in message.Component) bool
}

// SyncFilter runs to completion on the calling goroutine.
type SyncFilter interface {
	Filter
	Apply(in message.Component) (message.Component, error)
}

// AsyncFilter returns immediately and completes done exactly once.
type AsyncFilter interface {
	Filter
	ApplyAsync(in message.Component, done *Completion)
}

// EndpointFilter is the terminal filter of the inbound chain.
type EndpointFilter interface {
	AsyncFilter
	// DefaultOutput builds the fallback error response for in.
	DefaultOutput(in message.Component) (*message.Response, error)
}

// Meta carries the static identity of a filter and can be embedded.
type Meta struct {
	FilterName  string
	FilterKind  Kind
	FilterOrder int
}

func (m Meta) Name() string { return m.FilterName }
func (m Meta) Kind() Kind   { return m.FilterKind }
func (m Meta) Order() int   { return m.FilterOrder }
