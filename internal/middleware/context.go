package middleware

import (
	"github.com/labstack/echo/v4"

	"edge-proxy-go/internal/reqctx"
)

// contextKey is the echo.Context key holding the request context of a
// proxied request.
const contextKey = "edge_proxy.reqctx"

// SetRequestContext stores the request context on c for the outer middleware.
func SetRequestContext(c echo.Context, ctx *reqctx.Context) {
	c.Set(contextKey, ctx)
}

// RequestContext returns the request context stored on c, if any.
func RequestContext(c echo.Context) (*reqctx.Context, bool) {
	ctx, ok := c.Get(contextKey).(*reqctx.Context)
	return ctx, ok && ctx != nil
}

// originOf returns the origin a request was routed to and the status the
// origin answered with. Both are empty for requests that were not proxied.
func originOf(c echo.Context) (vip, status string) {
	ctx, ok := RequestContext(c)
	if !ok {
		return "", ""
	}
	return ctx.RouteVIP(), ctx.OriginHTTPStatus()
}
