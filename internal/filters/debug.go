package filters

import (
	"strings"

	"edge-proxy-go/internal/filter"
	"edge-proxy-go/internal/message"
)

// HeaderDebug turns on request tracing for a single request.
const HeaderDebug = "X-Edge-Debug"

// Debug enables the debug trail when configured globally or when the caller
// sends X-Edge-Debug: true, and records the inbound request on it.
type Debug struct {
	filter.Meta
	always bool
}

func NewDebug(always bool) *Debug {
	return &Debug{
		Meta:   filter.Meta{FilterName: "debug", FilterKind: filter.Inbound, FilterOrder: OrderDebug},
		always: always,
	}
}

func (f *Debug) ShouldFilter(in message.Component) bool {
	req, ok := in.(*message.Request)
	if !ok {
		return false
	}
	return f.always || strings.EqualFold(req.Headers().Get(HeaderDebug), "true")
}

func (f *Debug) Apply(in message.Component) (message.Component, error) {
	req := in.(*message.Request)
	ctx := req.Context()
	ctx.SetDebug(true)

	ctx.AddDebugf("REQUEST_INBOUND:: %s %s", req.Protocol, req)
	for _, h := range req.Headers().Entries() {
		ctx.AddDebugf("REQUEST_INBOUND:: > %s:%s", h.Name, h.Value)
	}
	return req, nil
}
