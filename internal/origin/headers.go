package origin

import (
	"net/http"
	"strconv"
	"strings"

	"edge-proxy-go/internal/message"
)

// hopByHopHeaders apply to a single connection and are never forwarded.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Host comes from the chosen server and Content-Length from the buffered body.
var requestOnlyDenied = []string{"Host", "Content-Length"}

// Content-Length is recomputed when the body is re-chunked towards the caller.
var responseOnlyDenied = []string{"Content-Length", "Server"}

// HeaderPolicy decides which headers cross the proxy in each direction.
type HeaderPolicy struct {
	denyRequest  map[string]bool
	denyResponse map[string]bool
}

// NewHeaderPolicy returns the built-in policy extended by the given deny lists.
func NewHeaderPolicy(denyRequest, denyResponse []string) *HeaderPolicy {
	p := &HeaderPolicy{
		denyRequest:  make(map[string]bool),
		denyResponse: make(map[string]bool),
	}
	for _, lists := range [][]string{hopByHopHeaders, requestOnlyDenied, denyRequest} {
		for _, h := range lists {
			p.denyRequest[http.CanonicalHeaderKey(h)] = true
		}
	}
	for _, lists := range [][]string{hopByHopHeaders, responseOnlyDenied, denyResponse} {
		for _, h := range lists {
			p.denyResponse[http.CanonicalHeaderKey(h)] = true
		}
	}
	return p
}

// IsValidRequestHeader reports whether name may be forwarded to an origin.
func (p *HeaderPolicy) IsValidRequestHeader(name string) bool {
	return !p.denyRequest[http.CanonicalHeaderKey(name)]
}

// IsValidResponseHeader reports whether name may be returned to the caller.
func (p *HeaderPolicy) IsValidResponseHeader(name string) bool {
	return !p.denyResponse[http.CanonicalHeaderKey(name)]
}

// RequestHeaders returns the headers of req that may be sent to an origin.
func (p *HeaderPolicy) RequestHeaders(req *message.Request) http.Header {
	h := req.Headers()
	listed := connectionTokens(h.Values("Connection"))

	out := make(http.Header, h.Len())
	for _, e := range h.Entries() {
		if !p.IsValidRequestHeader(e.Name) || listed[http.CanonicalHeaderKey(e.Name)] {
			continue
		}
		out.Add(e.Name, e.Value)
	}
	return out
}

// ResponseHeaders copies the headers of an origin response that may be
// returned to the caller.
func (p *HeaderPolicy) ResponseHeaders(src http.Header) *message.Headers {
	listed := connectionTokens(src.Values("Connection"))

	out := message.NewHeaders()
	for _, e := range message.HeadersFromHTTP(src).Entries() {
		if !p.IsValidResponseHeader(e.Name) || listed[http.CanonicalHeaderKey(e.Name)] {
			continue
		}
		out.Add(e.Name, e.Value)
	}
	return out
}

// connectionTokens returns the header names nominated as hop-by-hop by a
// Connection header.
func connectionTokens(values []string) map[string]bool {
	tokens := make(map[string]bool)
	for _, v := range values {
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" {
				tokens[http.CanonicalHeaderKey(t)] = true
			}
		}
	}
	return tokens
}

// AddForwardedHeaders records the original request on req before it leaves
// the proxy. Existing X-Forwarded-Host, -Port and -Proto values are kept; the
// client address is appended to X-Forwarded-For.
func AddForwardedHeaders(req *message.Request) {
	h := req.Headers()
	if !h.Has("X-Forwarded-Host") && req.Host != "" {
		h.Set("X-Forwarded-Host", req.Host)
	}
	if !h.Has("X-Forwarded-Port") && req.Port > 0 {
		h.Set("X-Forwarded-Port", strconv.Itoa(req.Port))
	}
	if !h.Has("X-Forwarded-Proto") && req.Scheme != "" {
		h.Set("X-Forwarded-Proto", req.Scheme)
	}
	if req.ClientIP == "" {
		return
	}
	if prior := h.Values("X-Forwarded-For"); len(prior) > 0 {
		h.Set("X-Forwarded-For", strings.Join(prior, ", ")+", "+req.ClientIP)
		return
	}
	h.Set("X-Forwarded-For", req.ClientIP)
}
