// Package reqctx holds the per-request state shared by filters, the proxy
// endpoint and the origin call.
package reqctx

import (
	"context"
	"net/http"
	"sync"

	"github.com/google/uuid"
)

// Context is the state bag of one inbound request. It is created when the
// request enters the pipeline and released once the response is written or
// the request is abandoned.
//
// Ownership moves between goroutines (the inbound I/O goroutine and the
// backend completion goroutine) but is never shared by two of them at once.
// The mutex only makes the handoff visible to the race detector.
type Context struct {
	mu sync.Mutex

	id       string
	ctx      context.Context
	routeVIP string
	err      error

	shouldSendErrorResponse bool
	originHTTPStatus        string
	originResponse          *http.Response

	debug      bool
	debugTrail []string

	timings *Timings
	attrs   map[string]any
	slots   map[any]any
}

// New returns a Context bound to the lifetime of parent.
func New(parent context.Context) *Context {
	if parent == nil {
		parent = context.Background()
	}
	return &Context{
		id:      uuid.NewString(),
		ctx:     parent,
		timings: NewTimings(),
		attrs:   make(map[string]any),
		slots:   make(map[any]any),
	}
}

// ID returns the unique id generated for the request.
func (c *Context) ID() string { return c.id }

// Std returns the standard library context governing the request lifetime.
func (c *Context) Std() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ctx
}

// WithStd replaces the governing standard library context, e.g. to attach a
// deadline.
func (c *Context) WithStd(ctx context.Context) {
	c.mu.Lock()
	c.ctx = ctx
	c.mu.Unlock()
}

// RouteVIP returns the name of the origin the request is routed to.
func (c *Context) RouteVIP() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.routeVIP
}

func (c *Context) SetRouteVIP(vip string) {
	c.mu.Lock()
	c.routeVIP = vip
	c.mu.Unlock()
}

// Error returns the error captured while processing the request, if any.
func (c *Context) Error() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Context) SetError(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
}

// ShouldSendErrorResponse reports whether a proxying failure was flagged for
// an error-response filter to act on.
func (c *Context) ShouldSendErrorResponse() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shouldSendErrorResponse
}

func (c *Context) SetShouldSendErrorResponse(v bool) {
	c.mu.Lock()
	c.shouldSendErrorResponse = v
	c.mu.Unlock()
}

// OriginHTTPStatus is the backend status code, string encoded for logging.
func (c *Context) OriginHTTPStatus() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.originHTTPStatus
}

func (c *Context) SetOriginHTTPStatus(status string) {
	c.mu.Lock()
	c.originHTTPStatus = status
	c.mu.Unlock()
}

// OriginResponse returns the raw backend response retained for release.
func (c *Context) OriginResponse() *http.Response {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.originResponse
}

func (c *Context) SetOriginResponse(resp *http.Response) {
	c.mu.Lock()
	c.originResponse = resp
	c.mu.Unlock()
}

// Release frees resources still held on behalf of the request. It is safe to
// call more than once.
func (c *Context) Release() {
	c.mu.Lock()
	resp := c.originResponse
	c.originResponse = nil
	c.mu.Unlock()

	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
}

// Timings returns the timing measurements of the request.
func (c *Context) Timings() *Timings { return c.timings }

// Get returns a filter-private attribute.
func (c *Context) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.attrs[key]
	return v, ok
}

func (c *Context) Set(key string, value any) {
	c.mu.Lock()
	c.attrs[key] = value
	c.mu.Unlock()
}

func (c *Context) Remove(key string) {
	c.mu.Lock()
	delete(c.attrs, key)
	c.mu.Unlock()
}
