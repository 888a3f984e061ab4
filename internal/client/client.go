// Package client provides the pooled HTTP client used to call origin servers.
package client

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"edge-proxy-go/internal/config"
	"edge-proxy-go/internal/metrics"
)

// OriginClient sends requests to origin servers.
type OriginClient struct {
	httpClient *http.Client
	timeout    time.Duration
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewOriginClient creates an OriginClient with connection pooling and timeouts.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
//
// The upstream timeout bounds the wait for the response head and each gap
// in the response body, never the whole exchange, so long streams survive.
func NewOriginClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *OriginClient {
	transport := &http.Transport{
		MaxIdleConns:        cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost: cfg.Upstream.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		// The proxy forwards the caller's Accept-Encoding and streams the
		// encoded body through untouched.
		DisableCompression:    true,
		ResponseHeaderTimeout: cfg.Upstream.Timeout(),
	}

	return &OriginClient{
		httpClient: &http.Client{
			Transport: transport,
			// Redirects are returned to the caller, never followed.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		timeout: cfg.Upstream.Timeout(),
		logger:  logger.With("component", "origin_client"),
		metrics: m,
	}
}

// Do executes an HTTP request against an origin server and returns the raw
// response. The caller is responsible for closing the response body; reading
// it fails with ErrBodyIdle once the origin stalls past the upstream timeout.
func (c *OriginClient) Do(origin string, req *http.Request) (*http.Response, error) {
	c.logger.Debug("origin request",
		"origin", origin,
		"method", req.Method,
		"url", req.URL.Redacted(),
	)

	cancel := context.CancelFunc(func() {})
	if c.timeout > 0 {
		var ctx context.Context
		ctx, cancel = context.WithCancel(req.Context())
		req = req.WithContext(ctx)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller
	duration := time.Since(start).Seconds()

	method := metrics.NormalizeMethod(req.Method)
	label := origin
	if c.metrics != nil {
		label = c.metrics.NormalizeOrigin(origin)
		c.metrics.UpstreamDuration.WithLabelValues(label, method).Observe(duration)
	}

	if err != nil {
		cancel()
		if c.metrics != nil {
			c.metrics.UpstreamErrors.WithLabelValues(label).Inc()
		}
		return nil, fmt.Errorf("origin request: %w", err)
	}
	if c.timeout > 0 {
		resp.Body = newIdleBody(resp.Body, c.timeout, cancel)
	}

	if c.metrics != nil {
		c.metrics.UpstreamResponses.WithLabelValues(label, method, strconv.Itoa(resp.StatusCode)).Inc()
	}

	return resp, nil
}
