// Package proxy provides the terminal filter that forwards requests to their
// origin and turns the outcome into the outbound response.
package proxy

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"edge-proxy-go/internal/filter"
	"edge-proxy-go/internal/message"
	"edge-proxy-go/internal/origin"
	"edge-proxy-go/internal/promise"
)

// ErrNoOriginRequest is recorded when a body chunk reaches the endpoint
// before its request has been proxied.
var ErrNoOriginRequest = errors.New("no origin request set up")

// RoutingError reports a route name with no registered origin.
type RoutingError struct {
	VIP string
}

func (e *RoutingError) Error() string {
	return fmt.Sprintf("no origin registered for vip %q", e.VIP)
}

// Code is the error code recorded for logging.
func (e *RoutingError) Code() string { return "UNKNOWN_VIP" }

func (e *RoutingError) Unwrap() error { return origin.ErrNoOrigin }

// Endpoint proxies each request to the origin named by its route.
//
// The response head is delivered through the completion of the request
// component. Body chunks of the origin response are delivered through the
// completion of the last inbound body chunk, which is emitted to and then
// completed with the final chunk. Earlier inbound chunks complete with nil.
type Endpoint struct {
	filter.Meta

	origins origin.Lookup
	logger  *slog.Logger
}

var _ filter.EndpointFilter = (*Endpoint)(nil)

// NewEndpoint returns an endpoint resolving origins through origins.
func NewEndpoint(origins origin.Lookup, logger *slog.Logger) *Endpoint {
	return &Endpoint{
		Meta:    filter.Meta{FilterName: "proxy_endpoint", FilterKind: filter.Endpoint},
		origins: origins,
		logger:  logger.With("component", "proxy_endpoint"),
	}
}

func (e *Endpoint) ShouldFilter(message.Component) bool { return true }

func (e *Endpoint) ApplyAsync(in message.Component, done *filter.Completion) {
	switch c := in.(type) {
	case *message.Request:
		e.applyForRequest(c, done)
	case *message.Content:
		e.applyForContent(c, done)
	default:
		_ = done.Complete(in)
	}
}

// DefaultOutput returns the fixed error response for the request in belongs to.
func (e *Endpoint) DefaultOutput(in message.Component) (*message.Response, error) {
	req, err := message.RequestOf(in)
	if err != nil {
		return nil, err
	}
	return message.DefaultErrorResponse(req), nil
}

func (e *Endpoint) applyForRequest(req *message.Request, done *filter.Completion) {
	ctx := req.Context()
	vip := ctx.RouteVIP()

	o, ok := e.origins.Get(vip)
	if !ok {
		err := &RoutingError{VIP: vip}
		e.logger.Warn("routing failed",
			"request_id", ctx.ID(),
			"vip", vip,
			"code", err.Code(),
		)
		e.fail(req, err, done)
		return
	}

	attempt := o.Request(req)
	origin.Attach(ctx, attempt)
	if ctx.Debug() {
		ctx.AddDebugf("REQUEST_OUTBOUND:: %s origin=%s", req, o.Name())
	}

	// Runs immediately when the promise has already settled.
	attempt.Promise().AddListener(func(p *promise.Promise[*message.Response]) {
		e.handleCompletion(req, p, done)
	})
}

func (e *Endpoint) handleCompletion(req *message.Request, p *promise.Promise[*message.Response], done *filter.Completion) {
	resp, err := p.Get()
	if err == nil && resp == nil {
		err = errors.New("origin resolved without a response")
	}
	if err != nil {
		e.fail(req, err, done)
		return
	}

	ctx := req.Context()
	ctx.SetOriginHTTPStatus(strconv.Itoa(resp.Status()))
	if ctx.Debug() {
		ctx.AddDebugf("RESPONSE_INBOUND:: %s", resp)
	}
	_ = done.Complete(resp)
}

// fail records err and completes with the default error response.
func (e *Endpoint) fail(req *message.Request, err error, done *filter.Completion) {
	req.Context().SetError(err)
	_ = done.Complete(message.DefaultErrorResponse(req))
}

func (e *Endpoint) applyForContent(chunk *message.Content, done *filter.Completion) {
	ctx := chunk.Context()

	attempt, ok := origin.RequestFrom(ctx)
	if !ok {
		if ctx.Error() != nil {
			// The request already failed before reaching an origin.
			e.drain(chunk, done)
			return
		}
		err := fmt.Errorf("%w: content for %s", ErrNoOriginRequest, chunk.Message())
		ctx.SetError(err)
		e.logger.Error("content without origin request", "request_id", ctx.ID(), "error", err)

		out, derr := e.DefaultOutput(chunk)
		if derr != nil {
			_ = done.Complete(nil)
			return
		}
		if done.Emit(out) == nil {
			_ = done.Complete(message.EmptyLast(out))
		}
		return
	}

	p := attempt.Promise()
	if err := attempt.WriteContent(chunk, done); err != nil {
		if p.IsDone() && !p.IsSuccess() {
			e.drain(chunk, done)
			return
		}
		ctx.SetError(err)
		_ = done.Complete(nil)
		return
	}
	if !chunk.IsLast() {
		_ = done.Complete(nil)
		return
	}

	p.AddListener(func(p *promise.Promise[*message.Response]) {
		if !p.IsSuccess() {
			e.terminate(chunk, done)
		}
	})
}

// drain absorbs the body of a request whose response is already an error.
func (e *Endpoint) drain(chunk *message.Content, done *filter.Completion) {
	if chunk.IsLast() {
		e.terminate(chunk, done)
		return
	}
	_ = done.Complete(nil)
}

// terminate ends the outbound body of a failed request.
func (e *Endpoint) terminate(chunk *message.Content, done *filter.Completion) {
	out, err := e.DefaultOutput(chunk)
	if err != nil {
		_ = done.Complete(nil)
		return
	}
	_ = done.Complete(message.EmptyLast(out))
}
