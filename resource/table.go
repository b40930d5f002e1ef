package resource

import "sync"

// Table is the process-wide interning table from spec.md §3 and §9:
// a single Resource instance per (url, version) identity (URL compared
// as given, not normalized),
// reference-counted so it can be dropped once the last Tracker detaches
// from a terminal Resource.
type Table struct {
	mu      sync.Mutex
	entries map[Identity]*entry
}

type entry struct {
	resource *Resource
	refs     int
}

// NewTable creates an empty interning table.
func NewTable() *Table {
	return &Table{entries: make(map[Identity]*entry)}
}

// Intern returns the shared Resource for id, creating it on first use,
// and increments its reference count. Callers must call Release when
// they detach.
func (t *Table) Intern(id Identity) *Resource {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		e = &entry{resource: New(id)}
		t.entries[id] = e
	}
	e.refs++
	return e.resource
}

// Release decrements the reference count for id. If it reaches zero and
// the Resource is terminal (DOWNLOADED or ERROR), the entry is dropped
// so a future AddResource starts fresh instead of reusing stale state.
func (t *Table) Release(id Identity) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return
	}
	e.refs--
	if e.refs <= 0 && e.resource.State().Terminal() {
		delete(t.entries, id)
	}
}

// Lookup returns the interned Resource for id without incrementing the
// reference count, or nil if none exists.
func (t *Table) Lookup(id Identity) *Resource {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return nil
	}
	return e.resource
}
