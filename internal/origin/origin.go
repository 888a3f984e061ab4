// Package origin maps logical backend names to the servers that serve them
// and drives one proxying attempt per request.
package origin

import (
	"errors"
	"sort"
	"sync"

	"edge-proxy-go/internal/message"
	"edge-proxy-go/internal/promise"
	"edge-proxy-go/internal/reqctx"
)

// ErrContentAfterLast is returned when body content arrives after the last
// chunk has already triggered the origin call.
var ErrContentAfterLast = errors.New("content received after last chunk")

// Origin is a named backend service.
type Origin interface {
	Name() string
	// IsAvailable reports whether at least one server can currently be tried.
	IsAvailable() bool
	// Request begins a proxying attempt for req. It never blocks.
	Request(req *message.Request) Request
}

// Emitter receives the response body chunks of an origin call: any number of
// Emit calls followed by exactly one Complete carrying the last chunk, or one
// Fail when the body could not be read in full. *filter.Completion satisfies
// it.
type Emitter interface {
	Emit(out message.Component) error
	Complete(out message.Component) error
	Fail(err error) error
}

// Request is one proxying attempt. It buffers the inbound body until the last
// chunk arrives and then calls the origin exactly once.
type Request interface {
	// Promise settles with the origin response or a *ProxyError.
	Promise() *promise.Promise[*message.Response]
	// WriteContent buffers a body chunk. On the last chunk the origin call is
	// issued; if it succeeds the response body is streamed to out after the
	// promise has resolved. On failure out is left untouched.
	WriteContent(chunk *message.Content, out Emitter) error
}

var requestKey = reqctx.NewKey[Request]("origin_request")

// Attach stores the active proxying attempt on the request context.
func Attach(ctx *reqctx.Context, r Request) { requestKey.Set(ctx, r) }

// RequestFrom returns the proxying attempt attached to ctx.
func RequestFrom(ctx *reqctx.Context) (Request, bool) { return requestKey.Get(ctx) }

// Lookup resolves an origin by name.
type Lookup interface {
	Get(name string) (Origin, bool)
}

// Manager is the registry of origins, keyed by name.
type Manager struct {
	mu      sync.RWMutex
	origins map[string]Origin
}

// NewManager returns a Manager holding origins.
func NewManager(origins ...Origin) *Manager {
	m := &Manager{origins: make(map[string]Origin, len(origins))}
	for _, o := range origins {
		m.Register(o)
	}
	return m
}

// Register adds or replaces an origin.
func (m *Manager) Register(o Origin) {
	m.mu.Lock()
	m.origins[o.Name()] = o
	m.mu.Unlock()
}

// Get returns the named origin.
func (m *Manager) Get(name string) (Origin, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.origins[name]
	return o, ok
}

// Names returns the registered origin names, sorted.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.origins))
	for name := range m.origins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
