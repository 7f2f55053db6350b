package manifest

import "sync"

// Entries is the ordered, append-only list of uploaded object names shared
// by all workers of a run. The mutex is held only for the copy or append.
type Entries struct {
	mu    sync.Mutex
	items []string
}

// NewEntries creates an empty list.
func NewEntries() *Entries {
	return &Entries{}
}

// Append records an uploaded object name.
func (e *Entries) Append(name string) {
	e.mu.Lock()
	e.items = append(e.items, name)
	e.mu.Unlock()
}

// Snapshot returns a copy of the list in insertion order.
func (e *Entries) Snapshot() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.items))
	copy(out, e.items)
	return out
}

// Len returns the number of recorded names.
func (e *Entries) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.items)
}
