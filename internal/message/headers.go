package message

import (
	"net/http"
	"sort"
	"strings"
)

// Header is a single name/value pair.
type Header struct {
	Name  string
	Value string
}

// Headers is an ordered multimap of header entries. Names compare
// case-insensitively; the original spelling of a name is kept for the wire.
type Headers struct {
	entries []Header
}

// NewHeaders returns an empty Headers.
func NewHeaders() *Headers {
	return &Headers{}
}

// HeadersFromHTTP copies an http.Header. Names are visited in sorted order so
// the result is deterministic.
func HeadersFromHTTP(h http.Header) *Headers {
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	sort.Strings(names)

	out := NewHeaders()
	for _, name := range names {
		for _, v := range h[name] {
			out.Add(name, v)
		}
	}
	return out
}

// Add appends a value for name, keeping existing values.
func (h *Headers) Add(name, value string) {
	h.entries = append(h.entries, Header{Name: name, Value: value})
}

// Set replaces every value of name with value.
func (h *Headers) Set(name, value string) {
	h.Remove(name)
	h.Add(name, value)
}

// Get returns the first value of name, or "".
func (h *Headers) Get(name string) string {
	for _, e := range h.entries {
		if strings.EqualFold(e.Name, name) {
			return e.Value
		}
	}
	return ""
}

// Values returns every value of name in insertion order.
func (h *Headers) Values(name string) []string {
	var out []string
	for _, e := range h.entries {
		if strings.EqualFold(e.Name, name) {
			out = append(out, e.Value)
		}
	}
	return out
}

// Has reports whether at least one value exists for name.
func (h *Headers) Has(name string) bool {
	for _, e := range h.entries {
		if strings.EqualFold(e.Name, name) {
			return true
		}
	}
	return false
}

// Contains reports whether name carries exactly value.
func (h *Headers) Contains(name, value string) bool {
	for _, e := range h.entries {
		if strings.EqualFold(e.Name, name) && e.Value == value {
			return true
		}
	}
	return false
}

// Remove drops every value of name.
func (h *Headers) Remove(name string) {
	kept := h.entries[:0]
	for _, e := range h.entries {
		if !strings.EqualFold(e.Name, name) {
			kept = append(kept, e)
		}
	}
	h.entries = kept
}

// Entries returns a copy of all entries in insertion order.
func (h *Headers) Entries() []Header {
	return append([]Header(nil), h.entries...)
}

// Len returns the number of entries.
func (h *Headers) Len() int { return len(h.entries) }

// Clone returns a deep copy.
func (h *Headers) Clone() *Headers {
	return &Headers{entries: h.Entries()}
}

// HTTP converts to an http.Header with canonical names.
func (h *Headers) HTTP() http.Header {
	out := make(http.Header, len(h.entries))
	for _, e := range h.entries {
		out.Add(e.Name, e.Value)
	}
	return out
}
