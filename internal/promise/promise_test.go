package promise

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestResolveOnce(t *testing.T) {
	p, r := New[int]()
	if p.IsDone() {
		t.Fatal("new promise is done")
	}
	if _, err := p.Get(); !errors.Is(err, ErrNotDone) {
		t.Fatalf("Get() on pending promise error = %v, want ErrNotDone", err)
	}

	if err := r.Resolve(202); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if err := r.Resolve(500); !errors.Is(err, ErrAlreadyResolved) {
		t.Errorf("second Resolve() error = %v, want ErrAlreadyResolved", err)
	}
	if err := r.Reject(errors.New("late")); !errors.Is(err, ErrAlreadyResolved) {
		t.Errorf("Reject() after Resolve error = %v, want ErrAlreadyResolved", err)
	}

	v, err := p.Get()
	if err != nil || v != 202 {
		t.Errorf("Get() = %d, %v; want 202, nil", v, err)
	}
	if !p.IsSuccess() {
		t.Error("IsSuccess() = false")
	}
}

func TestReject(t *testing.T) {
	p, r := New[string]()
	cause := errors.New("connection refused")
	if err := r.Reject(cause); err != nil {
		t.Fatalf("Reject() error = %v", err)
	}
	if p.IsSuccess() {
		t.Error("IsSuccess() = true after Reject")
	}
	if !errors.Is(p.Cause(), cause) {
		t.Errorf("Cause() = %v, want %v", p.Cause(), cause)
	}

	_, r2 := New[string]()
	if err := r2.Reject(nil); err != nil {
		t.Fatalf("Reject(nil) error = %v", err)
	}
	if r2.Promise().Cause() == nil {
		t.Error("Reject(nil) left no cause")
	}
}

func TestAddListener_Ordering(t *testing.T) {
	p, r := New[int]()
	var order []int
	p.AddListener(func(*Promise[int]) { order = append(order, 1) })
	p.AddListener(func(*Promise[int]) { order = append(order, 2) })

	if len(order) != 0 {
		t.Fatal("listeners ran before resolution")
	}
	_ = r.Resolve(1)
	p.AddListener(func(*Promise[int]) { order = append(order, 3) })

	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Errorf("listener order = %v, want [1 2 3]", order)
	}
}

func TestConcurrentResolveSettlesOnce(t *testing.T) {
	p, r := New[int]()
	var fired atomic.Int32
	p.AddListener(func(*Promise[int]) { fired.Add(1) })

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r.Resolve(i) == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Errorf("successful resolutions = %d, want 1", wins.Load())
	}
	if fired.Load() != 1 {
		t.Errorf("listener fired %d times, want 1", fired.Load())
	}
	if !p.IsDone() {
		t.Error("promise not done")
	}
}

func TestWait(t *testing.T) {
	p, r := New[int]()
	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = r.Resolve(7)
	}()
	v, err := p.Wait(context.Background())
	if err != nil || v != 7 {
		t.Errorf("Wait() = %d, %v; want 7, nil", v, err)
	}

	pending, _ := New[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := pending.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait() on stalled promise error = %v, want DeadlineExceeded", err)
	}
}

func TestResolvedAndFailed(t *testing.T) {
	if v, err := Resolved("ok").Get(); err != nil || v != "ok" {
		t.Errorf("Resolved().Get() = %q, %v", v, err)
	}
	if _, err := Failed[string](errors.New("x")).Get(); err == nil {
		t.Error("Failed().Get() error = nil")
	}
}
