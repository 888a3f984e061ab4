package reqctx

import "fmt"

// maxDebugEntries bounds the debug trail of a single request.
const maxDebugEntries = 64

// Debug reports whether debug tracing was requested for this request.
func (c *Context) Debug() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.debug
}

func (c *Context) SetDebug(v bool) {
	c.mu.Lock()
	c.debug = v
	c.mu.Unlock()
}

// AddDebugf appends a line to the debug trail when debugging is enabled.
func (c *Context) AddDebugf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.debug || len(c.debugTrail) >= maxDebugEntries {
		return
	}
	c.debugTrail = append(c.debugTrail, fmt.Sprintf(format, args...))
}

// DebugTrail returns a copy of the recorded debug lines.
func (c *Context) DebugTrail() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.debugTrail...)
}
