package filters

import (
	"edge-proxy-go/internal/filter"
	"edge-proxy-go/internal/message"
)

// HeaderRequestID carries the request id to origins and back to callers.
const HeaderRequestID = "X-Request-Id"

const maxRequestIDLen = 128

// RequestID makes sure every proxied request carries an X-Request-Id. A valid
// id sent by the caller is kept; otherwise the context id is used.
type RequestID struct {
	filter.Meta
}

func NewRequestID() *RequestID {
	return &RequestID{Meta: filter.Meta{FilterName: "request_id", FilterKind: filter.Inbound, FilterOrder: OrderRequestID}}
}

func (f *RequestID) ShouldFilter(in message.Component) bool {
	_, ok := in.(*message.Request)
	return ok
}

func (f *RequestID) Apply(in message.Component) (message.Component, error) {
	req := in.(*message.Request)
	if !validRequestID(req.Headers().Get(HeaderRequestID)) {
		req.Headers().Set(HeaderRequestID, req.Context().ID())
	}
	return req, nil
}

// RequestIDOf returns the request id recorded on the request of c.
func RequestIDOf(c message.Component) string {
	req, err := message.RequestOf(c)
	if err != nil {
		return c.Context().ID()
	}
	if id := req.Headers().Get(HeaderRequestID); id != "" {
		return id
	}
	return req.Context().ID()
}

func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLen {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] < 0x21 || id[i] > 0x7e {
			return false
		}
	}
	return true
}
