package reqctx

import (
	"sort"
	"sync"
	"time"
)

// Well-known timing names.
const (
	TimingRequestBodyRead = "request-body-read"
	TimingRequestProxy    = "request-proxy"
)

type interval struct {
	start time.Time
	end   time.Time
}

// Timings is a bag of named start/stop intervals.
type Timings struct {
	mu  sync.Mutex
	now func() time.Time
	m   map[string]*interval
}

// NewTimings returns an empty Timings using the wall clock.
func NewTimings() *Timings {
	return &Timings{now: time.Now, m: make(map[string]*interval)}
}

// Start begins (or restarts) the named measurement.
func (t *Timings) Start(name string) {
	t.mu.Lock()
	t.m[name] = &interval{start: t.now()}
	t.mu.Unlock()
}

// End stops the named measurement. Ending a measurement that was never
// started, or was already ended, does nothing.
func (t *Timings) End(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	iv, ok := t.m[name]
	if !ok || !iv.end.IsZero() {
		return
	}
	iv.end = t.now()
}

// Duration returns the length of a finished measurement.
func (t *Timings) Duration(name string) (time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	iv, ok := t.m[name]
	if !ok || iv.end.IsZero() {
		return 0, false
	}
	return iv.end.Sub(iv.start), true
}

// Each calls fn for every finished measurement in name order.
func (t *Timings) Each(fn func(name string, d time.Duration)) {
	t.mu.Lock()
	names := make([]string, 0, len(t.m))
	for name, iv := range t.m {
		if !iv.end.IsZero() {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	ds := make([]time.Duration, len(names))
	for i, name := range names {
		iv := t.m[name]
		ds[i] = iv.end.Sub(iv.start)
	}
	t.mu.Unlock()

	for i, name := range names {
		fn(name, ds[i])
	}
}
