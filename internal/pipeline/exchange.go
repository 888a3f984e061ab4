package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"edge-proxy-go/internal/filter"
	"edge-proxy-go/internal/message"
	"edge-proxy-go/internal/reqctx"
)

// Exchange is one request travelling through a Driver.
//
// The transport feeds body chunks with Write, in order, and reads the
// response from Outbound until the channel is closed. Close must be called
// once the transport is done with the exchange.
type Exchange struct {
	d      *Driver
	req    *message.Request
	ctx    *reqctx.Context
	cancel context.CancelFunc
	logger *slog.Logger

	out  chan message.Component
	stop chan struct{}

	// routed is released once the request has left the inbound chain.
	routed    *stage
	shorted   atomic.Bool
	done      atomic.Bool
	closed    atomic.Bool
	stopOnce  sync.Once
	closeOnce sync.Once
	timer     *time.Timer

	// emitMu serializes everything sent to out.
	emitMu   sync.Mutex
	headSent bool
	finished bool
	abortErr error

	mu          sync.Mutex
	completions []*filter.Completion
}

// stage tracks one component on its way through the inbound chain.
type stage struct {
	request bool
	once    sync.Once
	handed  chan struct{}
}

func newStage(request bool) *stage {
	return &stage{request: request, handed: make(chan struct{})}
}

func (s *stage) release() { s.once.Do(func() { close(s.handed) }) }

// Start begins an exchange for req and runs it through the inbound filters.
func (d *Driver) Start(req *message.Request) *Exchange {
	ctx := req.Context()
	std, cancel := context.WithCancel(ctx.Std())
	ctx.WithStd(std)

	x := &Exchange{
		d:      d,
		req:    req,
		ctx:    ctx,
		cancel: cancel,
		logger: d.logger.With("request_id", ctx.ID()),
		out:    make(chan message.Component, d.opts.OutboundQueue),
		stop:   make(chan struct{}),
		routed: newStage(true),
	}
	x.timer = time.AfterFunc(d.opts.IdleTimeout, x.onIdle)

	x.runInbound(x.routed, 0, req)
	return x
}

// Request returns the request of the exchange.
func (x *Exchange) Request() *message.Request { return x.req }

// Outbound yields the response head followed by its body chunks. It is
// closed after the last chunk or when the exchange is cut short.
func (x *Exchange) Outbound() <-chan message.Component { return x.out }

// Err reports why the response was cut short after its head had been sent.
// It is nil for a complete response.
func (x *Exchange) Err() error {
	x.emitMu.Lock()
	defer x.emitMu.Unlock()
	return x.abortErr
}

// Write feeds the next inbound body chunk. It waits until the request has
// left the inbound chain and until the chunk has been handed to the endpoint.
func (x *Exchange) Write(chunk *message.Content) error {
	select {
	case <-x.routed.handed:
	case <-x.stop:
		return ErrAborted
	}

	if x.shorted.Load() || x.done.Load() {
		return nil
	}

	x.touch()
	st := newStage(false)
	x.runInbound(st, 0, chunk)

	select {
	case <-st.handed:
		return nil
	case <-x.stop:
		return ErrAborted
	}
}

// Abort ends the exchange because the transport failed. If no response head
// has been produced yet the default error response is queued.
func (x *Exchange) Abort(err error) {
	if x.done.Load() {
		return
	}
	if err == nil {
		err = ErrAborted
	}
	x.logger.Debug("exchange aborted", "error", err)
	x.shorted.Store(true)
	x.routed.release()
	x.fail(x.req, err)
	x.cancel()
}

// Close releases the exchange: it cancels any origin call still in flight,
// closes a retained origin response and records the request timings.
func (x *Exchange) Close() {
	x.closeOnce.Do(func() {
		x.closed.Store(true)
		x.timer.Stop()
		x.halt()
		x.cancel()
		x.ctx.Release()

		if m := x.d.metrics; m != nil {
			x.ctx.Timings().Each(func(name string, d time.Duration) {
				m.Timings.WithLabelValues(name).Observe(d.Seconds())
			})
		}
	})
}

func (x *Exchange) halt() { x.stopOnce.Do(func() { close(x.stop) }) }

func (x *Exchange) touch() {
	if !x.done.Load() && !x.closed.Load() {
		x.timer.Reset(x.d.opts.IdleTimeout)
	}
}

func (x *Exchange) completion(name string, deliver func(message.Component), onFail func(error)) *filter.Completion {
	opts := []filter.CompletionOption{filter.OnViolation(x.d.violation(name))}
	if onFail != nil {
		opts = append(opts, filter.OnFail(onFail))
	}
	c := filter.NewCompletion(deliver, opts...)

	x.mu.Lock()
	live := x.completions[:0]
	for _, p := range x.completions {
		if !p.Completed() {
			live = append(live, p)
		}
	}
	x.completions = append(live, c)
	x.mu.Unlock()
	return c
}

// runInbound applies the inbound filters from index i onwards.
func (x *Exchange) runInbound(st *stage, i int, in message.Component) {
	for ; i < len(x.d.inbound); i++ {
		f := x.d.inbound[i]
		ok, err := shouldFilter(f, in)
		if err != nil {
			x.failStage(st, in, err)
			return
		}
		if !ok {
			continue
		}

		switch ff := f.(type) {
		case filter.SyncFilter:
			var out message.Component
			err := guard(f.Name(), func() error {
				var aerr error
				out, aerr = ff.Apply(in)
				return aerr
			})
			if err != nil {
				x.failStage(st, in, fmt.Errorf("filter %s: %w", f.Name(), err))
				return
			}
			if !x.continueInbound(st, in, out) {
				return
			}
			in = out

		case filter.AsyncFilter:
			next := i + 1
			c := x.completion(f.Name(), func(out message.Component) {
				x.touch()
				if x.continueInbound(st, in, out) {
					x.runInbound(st, next, out)
				}
			}, func(err error) {
				x.failStage(st, in, fmt.Errorf("filter %s: %w", f.Name(), err))
			})
			if err := guard(f.Name(), func() error { ff.ApplyAsync(in, c); return nil }); err != nil {
				c.Close(err)
				x.failStage(st, in, err)
			}
			return
		}
	}
	x.toEndpoint(st, in)
}

// continueInbound handles what an inbound filter produced for in and reports
// whether the chain should go on with it.
func (x *Exchange) continueInbound(st *stage, in, out message.Component) bool {
	switch v := out.(type) {
	case nil:
		if st.request {
			x.failStage(st, in, ErrRequestDropped)
			return false
		}
		st.release()
		return false
	case *message.Response:
		x.shortCircuit(st, v)
		return false
	}
	return true
}

func (x *Exchange) toEndpoint(st *stage, in message.Component) {
	e := x.d.endpoint
	c := x.completion(e.Name(), x.emit, func(err error) {
		x.logger.Error("endpoint failed", "endpoint", e.Name(), "error", err)
		x.fail(in, err)
	})
	if err := guard(e.Name(), func() error { e.ApplyAsync(in, c); return nil }); err != nil {
		c.Close(err)
		x.failStage(st, in, err)
		return
	}
	st.release()
}

// shortCircuit answers the request with resp without reaching the endpoint.
func (x *Exchange) shortCircuit(st *stage, resp *message.Response) {
	x.shorted.Store(true)
	x.emitMu.Lock()
	x.emitLocked(resp)
	x.emitLocked(message.EmptyLast(resp))
	x.emitMu.Unlock()

	x.routed.release()
	st.release()
}

func (x *Exchange) failStage(st *stage, in message.Component, err error) {
	x.logger.Error("filter chain failed", "error", err)
	if st.request {
		x.shorted.Store(true)
	}
	x.fail(in, err)
	x.routed.release()
	st.release()
}

// fail records err and answers with the default error response, or cuts the
// response short when its head is already out.
func (x *Exchange) fail(in message.Component, err error) {
	def, derr := x.d.endpoint.DefaultOutput(in)

	x.emitMu.Lock()
	defer x.emitMu.Unlock()
	if x.finished {
		return
	}
	x.ctx.SetError(err)
	if x.headSent || derr != nil {
		x.finishLocked(err)
		return
	}
	x.emitLocked(def)
	x.emitLocked(message.EmptyLast(def))
}

func (x *Exchange) emit(c message.Component) {
	x.emitMu.Lock()
	defer x.emitMu.Unlock()
	x.emitLocked(c)
}

func (x *Exchange) emitLocked(c message.Component) {
	if x.finished || c == nil {
		return
	}

	switch v := c.(type) {
	case *message.Response:
		if x.headSent {
			x.logger.Warn("dropping second response head", "status", v.Status())
			return
		}
		x.headSent = true
		x.send(x.runOutbound(v))

	case *message.Content:
		if !x.headSent {
			def, err := x.d.endpoint.DefaultOutput(v)
			if err != nil {
				x.finishLocked(err)
				return
			}
			x.logger.Error("body chunk produced before response head")
			x.headSent = true
			x.send(x.runOutbound(def))
		}
		x.send(x.runOutbound(v))
		if v.IsLast() {
			x.finishLocked(nil)
		}

	default:
		x.logger.Warn("endpoint produced unexpected component", "type", fmt.Sprintf("%T", c))
	}
}

func (x *Exchange) send(c message.Component) {
	select {
	case x.out <- c:
		x.touch()
	case <-x.stop:
	}
}

func (x *Exchange) finishLocked(err error) {
	if x.finished {
		return
	}
	x.finished = true
	x.done.Store(true)
	x.abortErr = err
	x.timer.Stop()
	close(x.out)
}

// runOutbound applies the outbound filters to c. A failing filter is logged
// and skipped.
func (x *Exchange) runOutbound(c message.Component) message.Component {
	for _, f := range x.d.outbound {
		ok, err := shouldFilter(f, c)
		if err != nil || !ok {
			continue
		}

		var out message.Component
		switch ff := f.(type) {
		case filter.SyncFilter:
			err = guard(f.Name(), func() error {
				var aerr error
				out, aerr = ff.Apply(c)
				return aerr
			})
		case filter.AsyncFilter:
			out, err = x.awaitOutbound(ff, c)
		}
		if err != nil {
			x.logger.Error("outbound filter failed", "filter", f.Name(), "error", err)
			continue
		}
		if out != nil && sameKind(out, c) {
			c = out
		}
	}
	return c
}

// awaitOutbound runs an async outbound filter and waits for its output so
// outbound components keep their order.
func (x *Exchange) awaitOutbound(f filter.AsyncFilter, in message.Component) (message.Component, error) {
	result := make(chan message.Component, 1)
	c := x.completion(f.Name(), func(out message.Component) {
		select {
		case result <- out:
		default:
		}
	}, nil)
	if err := guard(f.Name(), func() error { f.ApplyAsync(in, c); return nil }); err != nil {
		c.Close(err)
		return nil, err
	}

	t := time.NewTimer(x.d.opts.IdleTimeout)
	defer t.Stop()
	select {
	case <-c.Done():
		if !c.Completed() {
			return nil, ErrAborted
		}
		if err := c.Err(); err != nil {
			return nil, err
		}
		return <-result, nil
	case <-t.C:
		c.Close(ErrIdleTimeout)
		return nil, ErrIdleTimeout
	case <-x.stop:
		c.Close(ErrAborted)
		return nil, ErrAborted
	}
}

func sameKind(a, b message.Component) bool {
	switch a.(type) {
	case *message.Request:
		_, ok := b.(*message.Request)
		return ok
	case *message.Response:
		_, ok := b.(*message.Response)
		return ok
	case *message.Content:
		_, ok := b.(*message.Content)
		return ok
	}
	return false
}

// onIdle retires every pending completion and answers with the default
// error response if nothing has been sent yet.
func (x *Exchange) onIdle() {
	if x.done.Load() || x.closed.Load() {
		return
	}

	x.logger.Warn("exchange idle timeout", "timeout", x.d.opts.IdleTimeout)
	if x.d.metrics != nil {
		x.d.metrics.IdleTimeouts.Inc()
	}
	if x.ctx.Error() == nil {
		x.ctx.SetError(ErrIdleTimeout)
	}

	x.mu.Lock()
	pending := append([]*filter.Completion(nil), x.completions...)
	x.mu.Unlock()
	for _, c := range pending {
		c.Close(ErrIdleTimeout)
	}
	x.cancel()
	x.halt()

	x.emitMu.Lock()
	defer x.emitMu.Unlock()
	if x.finished {
		return
	}
	if x.headSent {
		x.finishLocked(ErrIdleTimeout)
		return
	}
	def, err := x.d.endpoint.DefaultOutput(x.req)
	if err == nil {
		x.headSent = true
		x.sendNow(def)
		x.sendNow(message.EmptyLast(def))
	}
	x.finishLocked(nil)
}

// sendNow queues c only if there is room.
func (x *Exchange) sendNow(c message.Component) {
	select {
	case x.out <- c:
	default:
		x.logger.Warn("outbound queue full, dropping component")
	}
}

// IsIdleTimeout reports whether err comes from an idle timeout.
func IsIdleTimeout(err error) bool { return errors.Is(err, ErrIdleTimeout) }
