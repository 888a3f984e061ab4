package reqctx

// Key is a typed slot on a Context. Packages that need to attach their own
// state to a request declare an unexported Key of the concrete type, so reads
// never need a type assertion at the call site.
type Key[T any] struct {
	name string
}

// NewKey returns a new, distinct slot. The name is used for debugging only.
func NewKey[T any](name string) *Key[T] {
	return &Key[T]{name: name}
}

func (k *Key[T]) String() string { return k.name }

// Get returns the value stored in the slot and whether one was set.
func (k *Key[T]) Get(c *Context) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.slots[k]
	if !ok {
		var zero T
		return zero, false
	}
	return v.(T), true
}

// Set stores v in the slot.
func (k *Key[T]) Set(c *Context, v T) {
	c.mu.Lock()
	c.slots[k] = v
	c.mu.Unlock()
}

// Clear empties the slot.
func (k *Key[T]) Clear(c *Context) {
	c.mu.Lock()
	delete(c.slots, k)
	c.mu.Unlock()
}
