package heap

import (
	"sort"
	"sync"
)

// ---------------------------------------------------------------------------
// WeakTable: external payloads keyed by object address
// ---------------------------------------------------------------------------

// WeakTable maps object addresses to their external payloads. Entries do not
// keep objects alive: the collector finalizes entries whose object died and
// the compactor moves entries along with their objects.
type WeakTable struct {
	entries map[Address]*External
	mu      sync.RWMutex
}

// NewWeakTable creates an empty table.
func NewWeakTable() *WeakTable {
	return &WeakTable{entries: make(map[Address]*External)}
}

// Set associates ext with the object at a.
func (t *WeakTable) Set(a Address, ext *External) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[a] = ext
}

// Get returns the payload of the object at a, or nil.
func (t *WeakTable) Get(a Address) *External {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.entries[a]
}

// Remove detaches and returns the payload of the object at a without
// finalizing it.
func (t *WeakTable) Remove(a Address) *External {
	t.mu.Lock()
	defer t.mu.Unlock()
	ext := t.entries[a]
	delete(t.entries, a)
	return ext
}

// Move rekeys the entry for an object that moved from old to new.
func (t *WeakTable) Move(old, new Address) {
	if old == new {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if ext, ok := t.entries[old]; ok {
		delete(t.entries, old)
		t.entries[new] = ext
	}
}

// Len returns the number of entries.
func (t *WeakTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Addresses returns the keys in ascending order.
func (t *WeakTable) Addresses() []Address {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Address, 0, len(t.entries))
	for a := range t.entries {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Sweep removes every entry whose object is not live and runs its finalizer.
// Finalizers run after the table lock is released. Returns the number of
// entries finalized.
func (t *WeakTable) Sweep(live func(Address) bool) int {
	t.mu.Lock()
	var dead []*External
	for a, ext := range t.entries {
		if !live(a) {
			dead = append(dead, ext)
			delete(t.entries, a)
		}
	}
	t.mu.Unlock()

	for _, ext := range dead {
		if ext.Finalize != nil {
			ext.Finalize(ext.Peer)
		}
	}
	return len(dead)
}
