package heap

import "sync"

// Each root set visits every slot it owns exactly once per call. The
// compactor rewrites slots in place, so a slot reachable through two root
// sets would be forwarded twice.

// ---------------------------------------------------------------------------
// Stack
// ---------------------------------------------------------------------------

// Stack is the root slot stack of one isolate.
type Stack struct {
	slots []Value
}

// NewStack creates an empty stack.
func NewStack() *Stack { return &Stack{} }

// Push adds v and returns its slot index.
func (s *Stack) Push(v Value) int {
	s.slots = append(s.slots, v)
	return len(s.slots) - 1
}

// At returns slot i.
func (s *Stack) At(i int) Value { return s.slots[i] }

// Set stores v in slot i.
func (s *Stack) Set(i int, v Value) { s.slots[i] = v }

// Len returns the number of slots.
func (s *Stack) Len() int { return len(s.slots) }

// Truncate pops every slot at index n and above.
func (s *Stack) Truncate(n int) {
	clear(s.slots[n:])
	s.slots = s.slots[:n]
}

// Visit calls fn with every slot.
func (s *Stack) Visit(fn func(slot *Value)) {
	for i := range s.slots {
		fn(&s.slots[i])
	}
}

// ---------------------------------------------------------------------------
// HandleTable: persistent and weak finalizable handles
// ---------------------------------------------------------------------------

// Handle is a persistent handle. It keeps its value alive.
type Handle struct {
	value Value
}

// Value returns the current value of the handle.
func (hd *Handle) Value() Value { return hd.value }

// WeakHandle refers to a value without keeping it alive. When the value dies
// the collector runs Finalizer with Peer exactly once.
type WeakHandle struct {
	value     Value
	alive     bool
	Peer      any
	Finalizer func(peer any)
}

// Value returns the referenced value and whether it is still alive.
func (wh *WeakHandle) Value() (Value, bool) { return wh.value, wh.alive }

// HandleTable holds handles on behalf of native code.
type HandleTable struct {
	mu         sync.Mutex
	persistent []*Handle
	weak       []*WeakHandle
}

// NewHandleTable creates an empty table.
func NewHandleTable() *HandleTable { return &HandleTable{} }

// NewPersistent creates a persistent handle for v.
func (t *HandleTable) NewPersistent(v Value) *Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	hd := &Handle{value: v}
	t.persistent = append(t.persistent, hd)
	return hd
}

// DeletePersistent releases a persistent handle.
func (t *HandleTable) DeletePersistent(hd *Handle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, p := range t.persistent {
		if p == hd {
			t.persistent = append(t.persistent[:i], t.persistent[i+1:]...)
			return
		}
	}
}

// NewWeak creates a weak finalizable handle for v.
func (t *HandleTable) NewWeak(v Value, peer any, finalizer func(peer any)) *WeakHandle {
	t.mu.Lock()
	defer t.mu.Unlock()
	wh := &WeakHandle{value: v, alive: true, Peer: peer, Finalizer: finalizer}
	t.weak = append(t.weak, wh)
	return wh
}

// DeleteWeak releases a weak handle without running its finalizer.
func (t *HandleTable) DeleteWeak(wh *WeakHandle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, w := range t.weak {
		if w == wh {
			t.weak = append(t.weak[:i], t.weak[i+1:]...)
			return
		}
	}
}

// NumPersistent returns the number of persistent handles.
func (t *HandleTable) NumPersistent() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.persistent)
}

// NumWeak returns the number of weak handles.
func (t *HandleTable) NumWeak() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.weak)
}

// VisitPersistent calls fn with the slot of every persistent handle.
func (t *HandleTable) VisitPersistent(fn func(slot *Value)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, hd := range t.persistent {
		fn(&hd.value)
	}
}

// VisitWeak calls fn with the slot of every weak handle whose value is
// alive.
func (t *HandleTable) VisitWeak(fn func(slot *Value)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, wh := range t.weak {
		if wh.alive {
			fn(&wh.value)
		}
	}
}

// SweepWeak clears and removes every weak handle whose value is dead, then
// runs their finalizers outside the table lock. Returns the number of
// handles finalized.
func (t *HandleTable) SweepWeak(live func(Value) bool) int {
	t.mu.Lock()
	var dead []*WeakHandle
	kept := t.weak[:0]
	for _, wh := range t.weak {
		if wh.alive && !live(wh.value) {
			wh.alive = false
			wh.value = 0
			dead = append(dead, wh)
			continue
		}
		kept = append(kept, wh)
	}
	clear(t.weak[len(kept):])
	t.weak = kept
	t.mu.Unlock()

	for _, wh := range dead {
		if wh.Finalizer != nil {
			wh.Finalizer(wh.Peer)
		}
	}
	return len(dead)
}

// ---------------------------------------------------------------------------
// RememberedSet
// ---------------------------------------------------------------------------

// RememberedSet is the store buffer of objects recorded by the write
// barrier. Each object appears at most once.
type RememberedSet struct {
	mu      sync.Mutex
	objects []Value
	index   map[Value]int
}

// NewRememberedSet creates an empty set.
func NewRememberedSet() *RememberedSet {
	return &RememberedSet{index: make(map[Value]int)}
}

// Add records v. Smis are ignored.
func (r *RememberedSet) Add(v Value) {
	if v.IsSmi() {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.index[v]; ok {
		return
	}
	r.index[v] = len(r.objects)
	r.objects = append(r.objects, v)
}

// Contains reports whether v is recorded.
func (r *RememberedSet) Contains(v Value) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.index[v]
	return ok
}

// Len returns the number of recorded objects.
func (r *RememberedSet) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.objects)
}

// Visit calls fn with every recorded slot and reindexes afterwards, since fn
// may rewrite slots.
func (r *RememberedSet) Visit(fn func(slot *Value)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.objects {
		fn(&r.objects[i])
	}
	r.reindexLocked()
}

// Prune drops every recorded object that is not live.
func (r *RememberedSet) Prune(live func(Value) bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.objects[:0]
	for _, v := range r.objects {
		if live(v) {
			kept = append(kept, v)
		}
	}
	dropped := len(r.objects) - len(kept)
	r.objects = kept
	r.reindexLocked()
	return dropped
}

func (r *RememberedSet) reindexLocked() {
	clear(r.index)
	for i, v := range r.objects {
		r.index[v] = i
	}
}

// ---------------------------------------------------------------------------
// ObjectIDRing
// ---------------------------------------------------------------------------

// ObjectIDRing hands out ids for recently referenced objects, as debuggers
// and profilers do. The ring has a fixed capacity; old ids expire as new ones
// are issued. Entries are weak.
type ObjectIDRing struct {
	mu    sync.Mutex
	slots []Value
	next  int
}

// NewObjectIDRing creates a ring with room for size entries.
func NewObjectIDRing(size int) *ObjectIDRing {
	return &ObjectIDRing{slots: make([]Value, size)}
}

// Add records v and returns its id.
func (r *ObjectIDRing) Add(v Value) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.next
	r.slots[id%len(r.slots)] = v
	r.next++
	return id
}

// Get returns the object recorded under id, if it has not expired or died.
func (r *ObjectIDRing) Get(id int) (Value, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id < 0 || id >= r.next || id < r.next-len(r.slots) {
		return 0, false
	}
	v := r.slots[id%len(r.slots)]
	return v, v != 0
}

// Visit calls fn with every occupied slot.
func (r *ObjectIDRing) Visit(fn func(slot *Value)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.slots {
		if r.slots[i] != 0 {
			fn(&r.slots[i])
		}
	}
}

// Prune clears every slot whose object is not live.
func (r *ObjectIDRing) Prune(live func(Value) bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for i, v := range r.slots {
		if v != 0 && !live(v) {
			r.slots[i] = 0
			n++
		}
	}
	return n
}
