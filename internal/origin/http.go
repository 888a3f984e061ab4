package origin

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"edge-proxy-go/internal/client"
	"edge-proxy-go/internal/config"
	"edge-proxy-go/internal/message"
	"edge-proxy-go/internal/metrics"
	"edge-proxy-go/internal/promise"
	"edge-proxy-go/internal/reqctx"
)

// Doer sends a request to a server of the named origin.
type Doer interface {
	Do(origin string, req *http.Request) (*http.Response, error)
}

// Options tune how an HTTPOrigin streams bodies.
type Options struct {
	// ChunkSize bounds the size of response body chunks.
	ChunkSize int
	// MaxRequestBody caps the buffered request body; zero keeps the
	// message default.
	MaxRequestBody int64
}

const defaultChunkSize = 32 * 1024

// HTTPOrigin proxies requests to a set of HTTP servers.
type HTTPOrigin struct {
	name    string
	pool    *pool
	client  Doer
	headers *HeaderPolicy
	opts    Options
	logger  *slog.Logger
}

// NewHTTPOrigin builds an origin from its configuration. The metrics
// parameter is optional.
func NewHTTPOrigin(cfg config.OriginConfig, c Doer, headers *HeaderPolicy, opts Options, logger *slog.Logger, m *metrics.Metrics) (*HTTPOrigin, error) {
	if len(cfg.Servers) == 0 {
		return nil, fmt.Errorf("origin %s: no servers configured", cfg.Name)
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = defaultChunkSize
	}
	if headers == nil {
		headers = NewHeaderPolicy(nil, nil)
	}

	logger = logger.With("component", "origin", "origin", cfg.Name)
	onState := func(server string, open bool) {
		logger.Warn("circuit breaker state changed", "server", server, "open", open)
		if m != nil {
			v := 0.0
			if open {
				v = 1
			}
			m.BreakerOpen.WithLabelValues(m.NormalizeOrigin(cfg.Name), server).Set(v)
		}
	}

	p, err := newPool(cfg.Name, cfg.Servers, cfg.Breaker, onState)
	if err != nil {
		return nil, err
	}

	return &HTTPOrigin{
		name:    cfg.Name,
		pool:    p,
		client:  c,
		headers: headers,
		opts:    opts,
		logger:  logger,
	}, nil
}

// NewManagerFromConfig builds an HTTPOrigin for every configured origin.
func NewManagerFromConfig(cfg *config.Config, c *client.OriginClient, logger *slog.Logger, m *metrics.Metrics) (*Manager, error) {
	headers := NewHeaderPolicy(cfg.Headers.DenyRequest, cfg.Headers.DenyResponse)
	opts := Options{
		ChunkSize:      cfg.Pipeline.ChunkSize,
		MaxRequestBody: cfg.Pipeline.RequestBodyMaxBytes,
	}

	mgr := NewManager()
	for _, oc := range cfg.Origins {
		o, err := NewHTTPOrigin(oc, c, headers, opts, logger, m)
		if err != nil {
			return nil, err
		}
		mgr.Register(o)
	}
	return mgr, nil
}

func (o *HTTPOrigin) Name() string { return o.name }

// IsAvailable reports whether any server has a breaker that is not open.
func (o *HTTPOrigin) IsAvailable() bool {
	return len(o.pool.available()) > 0
}

// Request starts a proxying attempt. The request body read timer runs from
// here until the last chunk is written.
func (o *HTTPOrigin) Request(req *message.Request) Request {
	req.Context().Timings().Start(reqctx.TimingRequestBodyRead)
	if o.opts.MaxRequestBody > 0 {
		req.SetMaxBodySize(o.opts.MaxRequestBody)
	}

	p, r := promise.New[*message.Response]()
	return &httpRequest{
		origin:   o,
		req:      req,
		promise:  p,
		resolver: r,
	}
}

type httpRequest struct {
	origin   *HTTPOrigin
	req      *message.Request
	promise  *promise.Promise[*message.Response]
	resolver *promise.Resolver[*message.Response]

	mu   sync.Mutex
	sent bool
}

func (r *httpRequest) Promise() *promise.Promise[*message.Response] { return r.promise }

func (r *httpRequest) WriteContent(chunk *message.Content, out Emitter) error {
	r.mu.Lock()
	if r.sent {
		r.mu.Unlock()
		return ErrContentAfterLast
	}
	err := r.req.AddContent(chunk.Bytes())
	if err != nil || chunk.IsLast() {
		r.sent = true
	}
	r.mu.Unlock()

	if err != nil {
		r.fail(err, "REQUEST_BODY_TOO_LARGE")
		return nil
	}
	if !chunk.IsLast() {
		return nil
	}

	r.req.SetBodyBuffered(true)
	r.req.Context().Timings().End(reqctx.TimingRequestBodyRead)
	go r.execute(out)
	return nil
}

func (r *httpRequest) execute(out Emitter) {
	o := r.origin
	ctx := r.req.Context()

	streaming := false
	defer func() {
		p := recover()
		if p == nil {
			return
		}
		err := fmt.Errorf("%w: %v", errOriginPanic, p)
		o.logger.Error("origin call panicked",
			"request_id", ctx.ID(),
			"error", err,
		)
		if streaming {
			_ = out.Fail(err)
			return
		}
		r.fail(err, "")
	}()

	srv, err := o.pool.pick(clientKey(r.req))
	if err != nil {
		r.fail(err, "")
		return
	}

	AddForwardedHeaders(r.req)
	header := o.headers.RequestHeaders(r.req)

	var body io.Reader
	if r.req.HasBody() {
		body = bytes.NewReader(r.req.Body())
	}

	outReq, err := http.NewRequestWithContext(ctx.Std(), r.req.Method, targetURL(srv, r.req), body)
	if err != nil {
		r.fail(err, "")
		return
	}
	outReq.Header = header

	done, err := srv.allow()
	if err != nil {
		r.fail(err, "")
		return
	}

	resp, err := r.call(outReq, done) //nolint:bodyclose // released with the request context
	if err != nil {
		r.fail(err, "")
		return
	}

	ctx.SetOriginResponse(resp)
	msg := o.newResponse(resp, r.req)
	if err := r.resolver.Resolve(msg); err != nil {
		return
	}
	streaming = true
	o.streamBody(resp, msg, out)
}

// call sends req to the origin as the request-proxy phase and reports the
// outcome to the server's breaker through done.
func (r *httpRequest) call(req *http.Request, done func(bool)) (resp *http.Response, err error) {
	ctx := r.req.Context()
	ctx.Timings().Start(reqctx.TimingRequestProxy)
	defer ctx.Timings().End(reqctx.TimingRequestProxy)

	reported := false
	defer func() {
		if !reported {
			done(false)
		}
	}()

	resp, err = r.origin.client.Do(r.origin.name, req)
	reported = true
	// A caller that went away says nothing about the server.
	done(err == nil || ctx.Std().Err() != nil)
	return resp, err
}

// fail records the failure on the context and rejects the promise.
func (r *httpRequest) fail(err error, cause string) {
	ctx := r.req.Context()
	ctx.SetShouldSendErrorResponse(true)

	perr := newProxyError(r.origin.name, r.req.PathAndQuery(), err, cause)
	r.origin.logger.Error("error making http request to origin",
		"request_id", ctx.ID(),
		"url", r.req.PathAndQuery(),
		"cause", perr.Cause,
		"error", err,
	)
	_ = r.resolver.Reject(perr)
}

// newResponse builds the response message for an origin reply, keeping only
// the headers that may be returned to the caller.
func (o *HTTPOrigin) newResponse(resp *http.Response, req *message.Request) *message.Response {
	msg := message.NewResponse(req.Context(), req, resp.StatusCode)
	msg.SetHeaders(o.headers.ResponseHeaders(resp.Header))
	msg.StoreInboundResponse()
	return msg
}

// streamBody emits the origin body in chunks of at most ChunkSize bytes and
// completes out with the last one. A response without a body completes with a
// single empty last chunk. A body that ends early fails out instead, so the
// caller never sees a truncated body as complete.
func (o *HTTPOrigin) streamBody(resp *http.Response, msg *message.Response, out Emitter) {
	if !hasEntity(resp) {
		_ = out.Complete(message.EmptyLast(msg))
		return
	}

	var total int64
	for {
		buf := make([]byte, o.opts.ChunkSize)
		n, err := resp.Body.Read(buf)
		total += int64(n)

		if err == nil && resp.ContentLength >= 0 && total >= resp.ContentLength {
			err = io.EOF
		}
		if err != nil && !errors.Is(err, io.EOF) {
			o.logger.Error("streaming origin response body",
				"request_id", msg.Context().ID(),
				"read_bytes", total,
				"error", err,
			)
			if n > 0 {
				_ = out.Emit(message.NewContent(msg, buf[:n], false))
			}
			_ = out.Fail(fmt.Errorf("read origin body: %w", err))
			return
		}
		if err != nil {
			_ = out.Complete(message.NewContent(msg, buf[:n], true))
			return
		}
		if n == 0 {
			continue
		}
		if emitErr := out.Emit(message.NewContent(msg, buf[:n], false)); emitErr != nil {
			o.logger.Debug("origin body consumer went away",
				"request_id", msg.Context().ID(),
				"error", emitErr,
			)
			return
		}
	}
}

func hasEntity(resp *http.Response) bool {
	return resp.Body != nil && resp.Body != http.NoBody && resp.ContentLength != 0
}

func clientKey(req *message.Request) string {
	if req.ClientIP != "" {
		return req.ClientIP
	}
	return req.Context().ID()
}

func targetURL(srv *server, req *message.Request) string {
	u := *srv.url
	u.Path = joinPath(srv.url.Path, req.Path)
	u.RawPath = ""
	u.RawQuery = req.Query.Encode()
	return u.String()
}

func joinPath(base, p string) string {
	switch {
	case base == "" || base == "/":
		if !strings.HasPrefix(p, "/") {
			return "/" + p
		}
		return p
	case p == "" || p == "/":
		return base
	}
	return strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(p, "/")
}
