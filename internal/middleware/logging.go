// Package middleware provides Echo middleware for logging, metrics and
// security headers.
package middleware

import (
	"log/slog"
	"time"

	"github.com/labstack/echo/v4"
)

// RequestLogger returns an Echo middleware that logs each request with slog.
// Proxied requests also carry the origin and the status it answered with.
func RequestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)

			req := c.Request()
			res := c.Response()

			attrs := []any{
				"method", req.Method,
				"path", req.URL.Path,
				"status", res.Status,
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", res.Header().Get(echo.HeaderXRequestID),
				"remote_ip", c.RealIP(),
				"bytes_out", res.Size,
			}
			if vip, status := originOf(c); vip != "" {
				attrs = append(attrs, "origin", vip, "origin_status", status)
			}
			if ctx, ok := RequestContext(c); ok {
				if perr := ctx.Error(); perr != nil {
					attrs = append(attrs, "error", perr.Error())
				}
				if ctx.Debug() {
					attrs = append(attrs, "debug", ctx.DebugTrail())
				}
			}

			logger.Info("request", attrs...)
			return err
		}
	}
}
