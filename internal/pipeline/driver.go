// Package pipeline drives message components through the filter chain.
//
// A request runs through the inbound filters in order and then reaches the
// endpoint. Body chunks follow the same path once the request has been
// handed over. Everything the endpoint produces runs through the outbound
// filters and is queued for the transport: exactly one response head
// followed by body chunks up to and including the last one.
package pipeline

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"edge-proxy-go/internal/filter"
	"edge-proxy-go/internal/message"
	"edge-proxy-go/internal/metrics"
)

var (
	// ErrIdleTimeout is recorded when an exchange saw no progress for the
	// configured idle timeout.
	ErrIdleTimeout = errors.New("pipeline idle timeout")
	// ErrFilterPanic wraps a panic raised by a filter.
	ErrFilterPanic = errors.New("filter panicked")
	// ErrRequestDropped is recorded when an inbound filter swallowed the
	// request itself.
	ErrRequestDropped = errors.New("request dropped by filter")
	// ErrAborted is returned by Write once the exchange has been abandoned.
	ErrAborted = errors.New("exchange aborted")
)

// minOutboundQueue leaves room for an error response head and its terminator
// without a reader.
const minOutboundQueue = 2

// Options tune a Driver.
type Options struct {
	IdleTimeout   time.Duration
	OutboundQueue int
}

// Driver runs exchanges through a fixed set of filters.
type Driver struct {
	inbound  []filter.Filter
	outbound []filter.Filter
	endpoint filter.EndpointFilter
	opts     Options
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// New returns a Driver. Every filter must implement filter.SyncFilter or
// filter.AsyncFilter. The metrics parameter is optional.
func New(endpoint filter.EndpointFilter, filters []filter.Filter, opts Options, logger *slog.Logger, m *metrics.Metrics) (*Driver, error) {
	if endpoint == nil {
		return nil, errors.New("pipeline: endpoint is required")
	}
	if opts.OutboundQueue < minOutboundQueue {
		opts.OutboundQueue = minOutboundQueue
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 90 * time.Second
	}

	d := &Driver{
		endpoint: endpoint,
		opts:     opts,
		logger:   logger.With("component", "pipeline"),
		metrics:  m,
	}
	for _, f := range filters {
		switch f.(type) {
		case filter.SyncFilter, filter.AsyncFilter:
		default:
			return nil, fmt.Errorf("pipeline: filter %s implements neither Apply nor ApplyAsync", f.Name())
		}
		switch f.Kind() {
		case filter.Inbound:
			d.inbound = append(d.inbound, f)
		case filter.Outbound:
			d.outbound = append(d.outbound, f)
		default:
			return nil, fmt.Errorf("pipeline: filter %s has kind %s", f.Name(), f.Kind())
		}
	}
	sort.SliceStable(d.inbound, func(i, j int) bool { return d.inbound[i].Order() < d.inbound[j].Order() })
	sort.SliceStable(d.outbound, func(i, j int) bool { return d.outbound[i].Order() < d.outbound[j].Order() })
	return d, nil
}

// Filters returns the names of the configured filters in execution order.
func (d *Driver) Filters() []string {
	names := make([]string, 0, len(d.inbound)+len(d.outbound)+1)
	for _, f := range d.inbound {
		names = append(names, f.Name())
	}
	names = append(names, d.endpoint.Name())
	for _, f := range d.outbound {
		names = append(names, f.Name())
	}
	return names
}

// guard runs fn, turning a panic into an error.
func guard(name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %s: %v", ErrFilterPanic, name, r)
		}
	}()
	return fn()
}

func shouldFilter(f filter.Filter, in message.Component) (ok bool, err error) {
	err = guard(f.Name(), func() error {
		ok = f.ShouldFilter(in)
		return nil
	})
	return ok, err
}

func (d *Driver) violation(name string) func(error) {
	return func(err error) {
		d.logger.Error("filter completion contract violated", "filter", name, "error", err)
		if d.metrics != nil {
			d.metrics.CompletionViolations.WithLabelValues(name).Inc()
		}
	}
}
