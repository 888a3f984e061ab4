// Package promise provides a single-resolution completion handle.
//
// A handle is split in two: the Promise, which any number of readers may
// observe, and the Resolver, which settles it. Only the first Resolve or
// Reject takes effect; later calls return ErrAlreadyResolved.
package promise

import (
	"context"
	"errors"
	"sync"
)

// ErrAlreadyResolved is returned by a Resolver that has already settled.
var ErrAlreadyResolved = errors.New("promise already resolved")

// ErrNotDone is returned by Get on a pending promise.
var ErrNotDone = errors.New("promise not done")

// Promise is the read side of a completion handle.
type Promise[T any] struct {
	mu        sync.Mutex
	done      chan struct{}
	settled   bool
	value     T
	cause     error
	listeners []func(*Promise[T])
}

// Resolver is the write side of a completion handle.
type Resolver[T any] struct {
	p *Promise[T]
}

// New returns a pending promise and its resolver.
func New[T any]() (*Promise[T], *Resolver[T]) {
	p := &Promise[T]{done: make(chan struct{})}
	return p, &Resolver[T]{p: p}
}

// Resolved returns a promise that already succeeded with v.
func Resolved[T any](v T) *Promise[T] {
	p, r := New[T]()
	_ = r.Resolve(v)
	return p
}

// Failed returns a promise that already failed with err.
func Failed[T any](err error) *Promise[T] {
	p, r := New[T]()
	_ = r.Reject(err)
	return p
}

// Resolve settles the promise successfully.
func (r *Resolver[T]) Resolve(v T) error {
	return r.p.settle(v, nil)
}

// Reject settles the promise with a failure. A nil err is replaced by a
// generic one so a failed promise always carries a cause.
func (r *Resolver[T]) Reject(err error) error {
	if err == nil {
		err = errors.New("promise rejected without cause")
	}
	var zero T
	return r.p.settle(zero, err)
}

// Promise returns the read side.
func (r *Resolver[T]) Promise() *Promise[T] { return r.p }

func (p *Promise[T]) settle(v T, err error) error {
	p.mu.Lock()
	if p.settled {
		p.mu.Unlock()
		return ErrAlreadyResolved
	}
	p.settled = true
	p.value = v
	p.cause = err
	listeners := p.listeners
	p.listeners = nil
	close(p.done)
	p.mu.Unlock()

	for _, fn := range listeners {
		fn(p)
	}
	return nil
}

// IsDone reports whether the promise has settled.
func (p *Promise[T]) IsDone() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.settled
}

// IsSuccess reports whether the promise settled without a failure.
func (p *Promise[T]) IsSuccess() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.settled && p.cause == nil
}

// Cause returns the failure of a rejected promise.
func (p *Promise[T]) Cause() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cause
}

// Get returns the outcome without blocking.
func (p *Promise[T]) Get() (T, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.settled {
		var zero T
		return zero, ErrNotDone
	}
	return p.value, p.cause
}

// Done is closed once the promise settles.
func (p *Promise[T]) Done() <-chan struct{} { return p.done }

// Wait blocks until the promise settles or ctx ends.
func (p *Promise[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-p.done:
		return p.Get()
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// AddListener registers fn to run once the promise settles. Listeners run in
// registration order on the goroutine that settles the promise; if the
// promise has already settled fn runs immediately on the caller's goroutine.
func (p *Promise[T]) AddListener(fn func(*Promise[T])) {
	p.mu.Lock()
	if !p.settled {
		p.listeners = append(p.listeners, fn)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	fn(p)
}
