package gc

import "github.com/chazu/heapwire/heap"

// Marker sets the mark bit on every object reachable from the strong roots:
// the heap's internal tables, isolate stacks and persistent handles. Weak
// handles, peers, the object-id ring and the remembered set do not keep
// objects alive. Image objects are always live and are not marked.
type Marker struct {
	heap *heap.Heap
	work []heap.Address

	Objects int
	Bytes   int
}

// NewMarker creates a marker for h.
func NewMarker(h *heap.Heap) *Marker {
	return &Marker{heap: h}
}

// MarkAll marks everything reachable from the roots.
func (m *Marker) MarkAll() {
	visit := func(slot *heap.Value) { m.push(*slot) }
	m.heap.VisitInternalRoots(visit)
	for _, s := range m.heap.Stacks() {
		s.Visit(visit)
	}
	m.heap.Handles().VisitPersistent(visit)
	m.drain()
}

// Mark marks everything reachable from v, in addition to what is already
// marked.
func (m *Marker) Mark(v heap.Value) {
	m.push(v)
	m.drain()
}

func (m *Marker) push(v heap.Value) {
	if !v.IsHeapObject() {
		return
	}
	a := v.Address()
	if m.heap.PageOf(a).Kind() == heap.ImagePage {
		return
	}
	if m.heap.TryMark(a) {
		m.Objects++
		m.Bytes += m.heap.SizeOf(v)
		m.work = append(m.work, a)
	}
}

func (m *Marker) drain() {
	for len(m.work) > 0 {
		a := m.work[len(m.work)-1]
		m.work = m.work[:len(m.work)-1]
		m.heap.VisitPointers(a, func(slot heap.Address) {
			m.push(m.heap.LoadSlot(slot))
		})
	}
}

// IsLive reports whether v survives the current cycle.
func IsLive(h *heap.Heap, v heap.Value) bool {
	if !v.IsHeapObject() {
		return true
	}
	a := v.Address()
	p := h.PageOf(a)
	if p == nil {
		return false
	}
	return p.Kind() == heap.ImagePage || h.IsMarked(a)
}
