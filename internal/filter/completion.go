package filter

import (
	"errors"
	"sync"

	"edge-proxy-go/internal/message"
)

var (
	// ErrAlreadyCompleted is returned when a completion is invoked twice.
	ErrAlreadyCompleted = errors.New("filter completion invoked more than once")
	// ErrCompletionClosed is returned when a completion was retired before the
	// filter finished, typically by an idle timeout.
	ErrCompletionClosed = errors.New("filter completion closed")
)

// Completion is the callback handed to AsyncFilter.ApplyAsync.
//
// A filter may Emit any number of intermediate outputs and must then call
// Complete or Fail exactly once. Calls after that, or after Close, are
// refused and reported through the violation hook.
type Completion struct {
	mu        sync.Mutex
	completed bool
	failErr   error
	closedErr error
	done      chan struct{}

	deliver     func(message.Component)
	onFail      func(error)
	onViolation func(error)
}

// CompletionOption configures a Completion.
type CompletionOption func(*Completion)

// OnViolation sets the hook called whenever the exactly-once contract is broken.
func OnViolation(fn func(error)) CompletionOption {
	return func(c *Completion) { c.onViolation = fn }
}

// OnFail sets the hook receiving the error passed to Fail. Without it a
// failure is delivered as a nil output.
func OnFail(fn func(error)) CompletionOption {
	return func(c *Completion) { c.onFail = fn }
}

// NewCompletion returns a Completion forwarding outputs to deliver.
func NewCompletion(deliver func(message.Component), opts ...CompletionOption) *Completion {
	c := &Completion{
		deliver: deliver,
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Completion) check() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closedErr != nil {
		return c.closedErr
	}
	if c.completed {
		return ErrAlreadyCompleted
	}
	return nil
}

// Emit forwards an intermediate output.
//
// The state check and the delivery are not atomic: an Emit racing with Close
// may still deliver once. Deliver functions must drop outputs that arrive
// after their consumer has finished.
func (c *Completion) Emit(out message.Component) error {
	if err := c.check(); err != nil {
		c.violation(err)
		return err
	}
	c.deliver(out)
	return nil
}

// Complete forwards the final output. Only the first call takes effect.
func (c *Completion) Complete(out message.Component) error {
	c.mu.Lock()
	if c.closedErr != nil {
		err := c.closedErr
		c.mu.Unlock()
		c.violation(err)
		return err
	}
	if c.completed {
		c.mu.Unlock()
		c.violation(ErrAlreadyCompleted)
		return ErrAlreadyCompleted
	}
	c.completed = true
	c.mu.Unlock()

	c.deliver(out)
	close(c.done)
	return nil
}

// Fail ends the completion with err instead of a final output. A stream
// that already emitted outputs must use it to report that it is incomplete.
func (c *Completion) Fail(err error) error {
	if err == nil {
		err = errors.New("filter completion failed")
	}

	c.mu.Lock()
	if c.closedErr != nil {
		cerr := c.closedErr
		c.mu.Unlock()
		c.violation(cerr)
		return cerr
	}
	if c.completed {
		c.mu.Unlock()
		c.violation(ErrAlreadyCompleted)
		return ErrAlreadyCompleted
	}
	c.completed = true
	c.failErr = err
	c.mu.Unlock()

	if c.onFail != nil {
		c.onFail(err)
	} else {
		c.deliver(nil)
	}
	close(c.done)
	return nil
}

// Err returns the error the completion ended with: the one given to Fail or
// to Close. It is nil while pending and after Complete.
func (c *Completion) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closedErr != nil {
		return c.closedErr
	}
	return c.failErr
}

// Close retires a pending completion so that late calls are refused. It
// reports whether the completion was still pending.
func (c *Completion) Close(err error) bool {
	if err == nil {
		err = ErrCompletionClosed
	} else if !errors.Is(err, ErrCompletionClosed) {
		err = errors.Join(ErrCompletionClosed, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.completed || c.closedErr != nil {
		return false
	}
	c.closedErr = err
	close(c.done)
	return true
}

// Completed reports whether Complete or Fail has been called successfully.
func (c *Completion) Completed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.completed
}

// Done is closed once the completion is completed or closed.
func (c *Completion) Done() <-chan struct{} { return c.done }

func (c *Completion) violation(err error) {
	if c.onViolation != nil {
		c.onViolation(err)
	}
}
