// Package metrics provides Prometheus metrics for the proxy.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for request latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// unknownOrigin is the label used for requests that never resolved to a
// configured origin.
const unknownOrigin = "none"

// Metrics holds all Prometheus metric collectors for the proxy.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec
	UpstreamErrors    *prometheus.CounterVec

	Timings              *prometheus.HistogramVec
	BreakerOpen          *prometheus.GaugeVec
	CompletionViolations *prometheus.CounterVec
	IdleTimeouts         prometheus.Counter

	knownOrigins map[string]bool
}

// New creates a Metrics instance with a custom registry and all collectors
// registered. origins bounds the cardinality of the origin label.
func New(origins ...string) *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edge_proxy_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "origin"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "edge_proxy_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "origin"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "edge_proxy_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "edge_proxy_origin_request_duration_seconds",
			Help:    "Origin call latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"origin", "method"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edge_proxy_origin_responses_total",
			Help: "Total origin responses by origin, method and status code.",
		}, []string{"origin", "method", "status_code"}),

		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edge_proxy_origin_errors_total",
			Help: "Origin calls that failed before a response was received.",
		}, []string{"origin"}),

		Timings: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "edge_proxy_request_timing_seconds",
			Help:    "Per-request timing measurements by name.",
			Buckets: defaultBuckets,
		}, []string{"name"}),

		BreakerOpen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "edge_proxy_origin_breaker_open",
			Help: "1 when the circuit breaker of an origin server is open.",
		}, []string{"origin", "server"}),

		CompletionViolations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edge_proxy_filter_completion_violations_total",
			Help: "Async filter completions invoked more than once or after being closed.",
		}, []string{"filter"}),

		IdleTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "edge_proxy_pipeline_idle_timeouts_total",
			Help: "Requests abandoned because the filter pipeline stalled.",
		}),

		knownOrigins: make(map[string]bool, len(origins)),
	}

	for _, o := range origins {
		m.knownOrigins[o] = true
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.UpstreamErrors,
		m.Timings,
		m.BreakerOpen,
		m.CompletionViolations,
		m.IdleTimeouts,
	)

	return m
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}

// NormalizeOrigin returns a bounded origin label: configured origin names pass
// through, anything else becomes "none".
func (m *Metrics) NormalizeOrigin(origin string) string {
	if m.knownOrigins[origin] {
		return origin
	}
	return unknownOrigin
}
