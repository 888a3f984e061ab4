package filters

import (
	"net"
	"strings"

	"edge-proxy-go/internal/config"
	"edge-proxy-go/internal/filter"
	"edge-proxy-go/internal/message"
)

// Route resolves the origin VIP of a request from the configured routes.
// A route naming a host beats one that does not; among equals the longest
// path prefix wins. A route with neither host nor prefix is the default.
type Route struct {
	filter.Meta
	routes []config.RouteConfig
}

// NewRoute returns a Route filter over routes.
func NewRoute(routes []config.RouteConfig) *Route {
	return &Route{
		Meta:   filter.Meta{FilterName: "route", FilterKind: filter.Inbound, FilterOrder: OrderRoute},
		routes: routes,
	}
}

func (f *Route) ShouldFilter(in message.Component) bool {
	req, ok := in.(*message.Request)
	return ok && req.Context().RouteVIP() == ""
}

func (f *Route) Apply(in message.Component) (message.Component, error) {
	req := in.(*message.Request)
	if vip, ok := f.Match(req.Host, req.Path); ok {
		req.Context().SetRouteVIP(vip)
	}
	return req, nil
}

// Match returns the origin for a host and path.
func (f *Route) Match(host, path string) (string, bool) {
	host = stripPort(host)

	best, bestScore := "", -1
	for _, r := range f.routes {
		if r.Host != "" && !strings.EqualFold(r.Host, host) {
			continue
		}
		if !hasPathPrefix(path, r.PathPrefix) {
			continue
		}
		score := len(r.PathPrefix)
		if r.Host != "" {
			score += 1 << 20
		}
		if score > bestScore {
			best, bestScore = r.Origin, score
		}
	}
	return best, bestScore >= 0
}

// hasPathPrefix matches whole path segments, so /api matches /api and
// /api/x but not /apix.
func hasPathPrefix(path, prefix string) bool {
	if prefix == "" || prefix == "/" {
		return true
	}
	prefix = strings.TrimSuffix(prefix, "/")
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	return len(path) == len(prefix) || path[len(prefix)] == '/'
}

func stripPort(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}
