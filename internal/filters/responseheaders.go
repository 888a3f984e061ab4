package filters

import (
	"edge-proxy-go/internal/filter"
	"edge-proxy-go/internal/message"
)

const (
	HeaderEdgeOrigin    = "X-Edge-Origin"
	HeaderEdgeRequestID = "X-Edge-Request-Id"
)

// ResponseHeaders stamps responses with the origin that served them and the
// request id.
type ResponseHeaders struct {
	filter.Meta
}

func NewResponseHeaders() *ResponseHeaders {
	return &ResponseHeaders{Meta: filter.Meta{FilterName: "response_headers", FilterKind: filter.Outbound, FilterOrder: OrderResponseHeaders}}
}

func (f *ResponseHeaders) ShouldFilter(in message.Component) bool {
	resp, ok := in.(*message.Response)
	return ok && !resp.Emitted()
}

func (f *ResponseHeaders) Apply(in message.Component) (message.Component, error) {
	resp := in.(*message.Response)
	ctx := resp.Context()

	if vip := ctx.RouteVIP(); vip != "" && ctx.Error() == nil {
		resp.Headers().Set(HeaderEdgeOrigin, vip)
	}
	resp.Headers().Set(HeaderEdgeRequestID, RequestIDOf(resp))
	if ctx.Debug() {
		ctx.AddDebugf("RESPONSE_OUTBOUND:: %s", resp)
	}
	return resp, nil
}
