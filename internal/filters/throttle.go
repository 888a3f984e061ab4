package filters

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"edge-proxy-go/internal/config"
	"edge-proxy-go/internal/filter"
	"edge-proxy-go/internal/message"
	"edge-proxy-go/internal/reqctx"
)

var throttledKey = reqctx.NewKey[bool]("throttled")

// Throttled reports whether the request was rejected by the throttle filter.
func Throttled(ctx *reqctx.Context) bool {
	v, _ := throttledKey.Get(ctx)
	return v
}

type originLimiter struct {
	limiter *rate.Limiter
	maxWait time.Duration
}

// Throttle limits the request rate towards each origin. A request over the
// limit waits up to the origin's max wait for a token; if none frees up it is
// answered with 429 and never reaches the endpoint.
type Throttle struct {
	filter.Meta
	limiters map[string]originLimiter
	logger   *slog.Logger
}

// NewThrottle builds limiters for every origin with a positive rate.
func NewThrottle(origins []config.OriginConfig, logger *slog.Logger) *Throttle {
	f := &Throttle{
		Meta:     filter.Meta{FilterName: "throttle", FilterKind: filter.Inbound, FilterOrder: OrderThrottle},
		limiters: make(map[string]originLimiter),
		logger:   logger.With("component", "throttle"),
	}
	for _, o := range origins {
		if o.Limit.RequestsPerSecond <= 0 {
			continue
		}
		burst := o.Limit.Burst
		if burst <= 0 {
			burst = max(1, int(o.Limit.RequestsPerSecond))
		}
		f.limiters[o.Name] = originLimiter{
			limiter: rate.NewLimiter(rate.Limit(o.Limit.RequestsPerSecond), burst),
			maxWait: time.Duration(o.Limit.MaxWaitMillis) * time.Millisecond,
		}
	}
	return f
}

func (f *Throttle) ShouldFilter(in message.Component) bool {
	req, ok := in.(*message.Request)
	if !ok {
		return false
	}
	_, limited := f.limiters[req.Context().RouteVIP()]
	return limited
}

func (f *Throttle) ApplyAsync(in message.Component, done *filter.Completion) {
	req := in.(*message.Request)
	lim := f.limiters[req.Context().RouteVIP()]

	if lim.limiter.Allow() {
		_ = done.Complete(req)
		return
	}
	if lim.maxWait <= 0 {
		_ = done.Complete(f.reject(req))
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(req.Context().Std(), lim.maxWait)
		defer cancel()

		if err := lim.limiter.Wait(ctx); err != nil {
			_ = done.Complete(f.reject(req))
			return
		}
		_ = done.Complete(req)
	}()
}

func (f *Throttle) reject(req *message.Request) *message.Response {
	ctx := req.Context()
	throttledKey.Set(ctx, true)
	f.logger.Info("request throttled",
		"request_id", ctx.ID(),
		"origin", ctx.RouteVIP(),
	)

	resp := message.NewResponse(ctx, req, http.StatusTooManyRequests)
	resp.Headers().Set("Retry-After", "1")
	resp.Headers().Set("Content-Length", "0")
	return resp
}
