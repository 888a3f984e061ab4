package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/sync/errgroup"

	"edge-proxy-go/internal/config"
	"edge-proxy-go/internal/message"
	"edge-proxy-go/internal/middleware"
	"edge-proxy-go/internal/pipeline"
	"edge-proxy-go/internal/reqctx"
)

var errNoResponse = errors.New("exchange ended without a response")

// ProxyHandler feeds inbound requests through the filter pipeline and writes
// the components it produces back to the caller.
type ProxyHandler struct {
	pipeline  *pipeline.Driver
	chunkSize int
	logger    *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(d *pipeline.Driver, cfg *config.Config, logger *slog.Logger) *ProxyHandler {
	size := cfg.Pipeline.ChunkSize
	if size <= 0 {
		size = 32 * 1024
	}
	return &ProxyHandler{
		pipeline:  d,
		chunkSize: size,
		logger:    logger.With("component", "proxy_handler"),
	}
}

// Handle runs one request through the pipeline. The request body is pumped
// into the exchange while the response is streamed out of it.
func (h *ProxyHandler) Handle(c echo.Context) error {
	r := c.Request()
	ctx := reqctx.New(r.Context())
	middleware.SetRequestContext(c, ctx)

	x := h.pipeline.Start(newRequest(c, ctx))
	defer x.Close()

	rc := http.NewResponseController(c.Response())
	// Origins may answer before the request body has been read in full.
	_ = rc.EnableFullDuplex()

	var (
		g           errgroup.Group
		headWritten bool
	)
	g.Go(func() error {
		h.pump(x, r.Body)
		return nil
	})
	g.Go(func() error {
		var err error
		headWritten, err = h.write(r.Context(), c.Response(), rc, x)
		if err != nil {
			x.Close()
		}
		// Unblock a pump still waiting on a body nobody needs anymore.
		_ = rc.SetReadDeadline(time.Now())
		return err
	})

	if err := g.Wait(); err != nil {
		h.logger.Debug("response not delivered", "error", err, "path", r.URL.Path)
		if !headWritten {
			return echo.NewHTTPError(http.StatusBadGateway).SetInternal(err)
		}
		return nil
	}

	if err := x.Err(); err != nil {
		h.logger.Error("response cut short",
			"error", err,
			"path", r.URL.Path,
			"request_id", ctx.ID(),
		)
		// The head is already out; aborting the connection tells the caller
		// the body is incomplete.
		panic(http.ErrAbortHandler)
	}
	return nil
}

// pump reads the request body in chunkSize pieces and writes each piece to
// the exchange. A read failure aborts the exchange.
func (h *ProxyHandler) pump(x *pipeline.Exchange, body io.Reader) {
	req := x.Request()
	if body == nil || body == http.NoBody {
		_ = x.Write(message.EmptyLast(req))
		return
	}

	for {
		buf := make([]byte, h.chunkSize)
		n, err := io.ReadFull(body, buf)
		switch {
		case errors.Is(err, io.EOF):
			_ = x.Write(message.EmptyLast(req))
			return
		case errors.Is(err, io.ErrUnexpectedEOF):
			_ = x.Write(message.NewContent(req, buf[:n], true))
			return
		case err != nil:
			x.Abort(fmt.Errorf("read request body: %w", err))
			return
		}
		if err := x.Write(message.NewContent(req, buf[:n], false)); err != nil {
			return
		}
	}
}

// write copies the outbound components of x to res until the exchange
// finishes. It reports whether the response head was written.
func (h *ProxyHandler) write(ctx context.Context, res *echo.Response, rc *http.ResponseController, x *pipeline.Exchange) (bool, error) {
	headWritten := false
	for {
		select {
		case comp, ok := <-x.Outbound():
			if !ok {
				if !headWritten {
					if err := x.Err(); err != nil {
						return false, err
					}
					return false, errNoResponse
				}
				return true, nil
			}

			switch v := comp.(type) {
			case *message.Response:
				writeHead(res, v)
				headWritten = true
			case *message.Content:
				if b := v.Bytes(); len(b) > 0 {
					if _, err := res.Write(b); err != nil {
						return headWritten, fmt.Errorf("write response body: %w", err)
					}
				}
				if !v.IsLast() {
					_ = rc.Flush()
				}
			}

		case <-ctx.Done():
			return headWritten, ctx.Err()
		}
	}
}

// writeHead writes the status and headers of resp. Headers set earlier by
// middleware are replaced when resp carries the same name.
func writeHead(res *echo.Response, resp *message.Response) {
	hdr := res.Header()
	seen := make(map[string]bool)
	for _, e := range resp.Headers().Entries() {
		key := http.CanonicalHeaderKey(e.Name)
		if !seen[key] {
			hdr.Del(key)
			seen[key] = true
		}
		hdr[key] = append(hdr[key], e.Value)
	}
	res.WriteHeader(resp.Status())
	resp.MarkEmitted()
}

// newRequest translates the inbound HTTP request into the pipeline's model.
func newRequest(c echo.Context, ctx *reqctx.Context) *message.Request {
	r := c.Request()

	req := message.NewRequest(ctx, r.Method, r.URL.Path)
	req.Query = r.URL.Query()
	req.Protocol = r.Proto
	req.Scheme = c.Scheme()
	req.Host = r.Host
	req.ClientIP = c.RealIP()
	req.Port = serverPort(r, req.Scheme)
	req.SetHeaders(message.HeadersFromHTTP(r.Header))

	// echo's RequestID middleware only sets the id on the response.
	if id := c.Response().Header().Get(echo.HeaderXRequestID); id != "" && !req.Headers().Has(echo.HeaderXRequestID) {
		req.Headers().Set(echo.HeaderXRequestID, id)
	}
	return req
}

// serverPort returns the local port the request arrived on, falling back to
// the Host header and then the scheme default.
func serverPort(r *http.Request, scheme string) int {
	if addr, ok := r.Context().Value(http.LocalAddrContextKey).(net.Addr); ok {
		if tcp, ok := addr.(*net.TCPAddr); ok && tcp.Port > 0 {
			return tcp.Port
		}
	}
	if _, p, err := net.SplitHostPort(r.Host); err == nil {
		if n, err := strconv.Atoi(p); err == nil {
			return n
		}
	}
	if scheme == "https" {
		return 443
	}
	return 80
}
