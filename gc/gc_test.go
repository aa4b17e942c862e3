package gc

import (
	"fmt"
	"math/bits"
	"strings"
	"testing"

	"github.com/chazu/heapwire/heap"
)

func newHeap(t *testing.T, opts heap.Options) (*heap.Heap, *heap.Stack) {
	t.Helper()
	h, err := heap.New(opts)
	if err != nil {
		t.Fatalf("heap.New: %v", err)
	}
	s := heap.NewStack()
	h.AddStack(s)
	return h, s
}

// fragment allocates n small graphs and roots every keep-th one.
func fragment(h *heap.Heap, s *heap.Stack, n, keep int) {
	shared := h.NewString("shared")
	s.Push(shared)
	for i := 0; i < n; i++ {
		obj := h.NewArrayOf(heap.FromSmi(int64(i)), h.NewString(fmt.Sprintf("s%d", i)), shared)
		if i%keep == 0 {
			s.Push(obj)
		}
	}
}

func stackRoots(s *heap.Stack) []heap.Value {
	roots := make([]heap.Value, s.Len())
	for i := range roots {
		roots[i] = s.At(i)
	}
	return roots
}

// fingerprint describes the graph reachable from roots without mentioning
// addresses.
func fingerprint(h *heap.Heap, roots []heap.Value) string {
	var b strings.Builder
	seen := map[uint32]bool{}
	queue := append([]heap.Value(nil), roots...)
	for len(queue) > 0 {
		v := queue[0]
		queue = queue[1:]
		if v.IsSmi() {
			fmt.Fprintf(&b, "smi %d\n", v.Smi())
			continue
		}
		id := h.IdentityHash(v)
		if seen[id] {
			continue
		}
		seen[id] = true
		fmt.Fprintf(&b, "%s#%d:", h.ClassIDOf(v), id)
		if h.IsString(v) {
			fmt.Fprintf(&b, " %q", h.StringValue(v))
		}
		h.VisitPointers(v.Address(), func(slot heap.Address) {
			c := h.LoadSlot(slot)
			if c.IsSmi() {
				fmt.Fprintf(&b, " %d", c.Smi())
				return
			}
			fmt.Fprintf(&b, " #%d", h.IdentityHash(c))
			queue = append(queue, c)
		})
		b.WriteByte('\n')
	}
	return b.String()
}

// checkHeap verifies that pages are walkable and that every pointer slot in
// the heap and on the stacks refers to the start of a real object.
func checkHeap(t *testing.T, h *heap.Heap) {
	t.Helper()
	starts := map[heap.Address]bool{}
	pages := append(h.OldPages(), h.LargePages()...)
	pages = append(pages, h.ImagePage())
	for _, p := range pages {
		walked := 0
		h.ForEachObject(p, func(a heap.Address, cid heap.ClassID, size int) bool {
			walked += size
			if cid != heap.FreeListElementCid {
				starts[a] = true
			}
			return true
		})
		if p.Kind() == heap.OldPage && walked != p.Size() {
			t.Errorf("page %#x walks %d of %d bytes", uint64(p.Base()), walked, p.Size())
		}
	}
	check := func(where string, v heap.Value) {
		if v.IsHeapObject() && !starts[v.Address()] {
			t.Errorf("%s: stale pointer %#x", where, uint64(v))
		}
	}
	for a := range starts {
		h.VisitPointers(a, func(slot heap.Address) {
			check(fmt.Sprintf("object %#x", uint64(a)), h.LoadSlot(slot))
		})
	}
	for _, s := range h.Stacks() {
		s.Visit(func(slot *heap.Value) { check("stack", *slot) })
	}
	h.VisitInternalRoots(func(slot *heap.Value) { check("internal root", *slot) })
}

func TestForwardingBlockLookup(t *testing.T) {
	var b ForwardingBlock
	b.SetNewAddress(0x1000)
	b.RecordLive(0, 32)
	b.RecordLive(64, 16)
	b.RecordLive(1000, 100)

	tests := []struct {
		offset int
		want   heap.Address
	}{
		{0, 0x1000},
		{64, 0x1000 + 32},
		{1000, 0x1000 + 48},
	}
	for _, tt := range tests {
		if got := b.Lookup(tt.offset); got != tt.want {
			t.Errorf("Lookup(%d) = %#x, want %#x", tt.offset, uint64(got), uint64(tt.want))
		}
	}
	if !b.IsLive(1008) {
		t.Errorf("object overrunning the block should saturate into the last unit")
	}
	if n := bits.OnesCount64(b.LiveBits()); n != 5 {
		t.Errorf("live units = %d, want 5", n)
	}
}

func TestForwardingPageBlocks(t *testing.T) {
	h, _ := newHeap(t, heap.DefaultOptions())
	p := h.OldPages()[0]
	fp := NewForwardingPage(p)
	b, off := fp.BlockFor(p.Base() + heap.BlockSize + 48)
	if off != 48 {
		t.Fatalf("offset = %d", off)
	}
	b.SetNewAddress(p.Base())
	b.RecordLive(0, 48)
	if got := fp.Lookup(p.Base() + heap.BlockSize + 48); got != p.Base()+48 {
		t.Errorf("Lookup = %#x", uint64(got))
	}
}

// alignToBlock pads the allocator so that the next object starts a block.
func alignToBlock(t *testing.T, h *heap.Heap) {
	t.Helper()
	probe := h.NewArray(0)
	next := probe.Address() + heap.Address(h.SizeOf(probe))
	pad := int((heap.BlockSize - uint64(next)%heap.BlockSize) % heap.BlockSize)
	if pad == 0 {
		return
	}
	if pad < 32 {
		pad += heap.BlockSize
	}
	h.NewTypedData(heap.Uint8, pad-24)
}

func TestPinnedClassBlock(t *testing.T) {
	h, s := newHeap(t, heap.DefaultOptions())
	h.Symbol("Pinned")
	alignToBlock(t, h)

	d1 := h.NewInternalObject(heap.NullCid)
	h.NewInternalObject(heap.NullCid)
	h.NewArray(0)
	cid := h.RegisterClass("Pinned", 1)
	cls, err := h.ClassObject(cid)
	if err != nil {
		t.Fatalf("ClassObject: %v", err)
	}
	l1 := h.NewArrayOf(heap.FromSmi(1))
	l2 := h.NewArrayOf(heap.FromSmi(2))
	s.Push(l1)
	s.Push(l2)

	blockStart := d1.Address()
	if blockStart%heap.BlockSize != 0 || cls.Address()-blockStart != 64 {
		t.Fatalf("layout: block %#x, class at +%d", uint64(blockStart), cls.Address()-blockStart)
	}

	c := NewCollector(h, Options{Compact: true})
	stats := c.Collect()
	if stats.Compaction.PinnedBlocks == 0 {
		t.Errorf("no pinned blocks reported")
	}

	after, _ := h.ClassObject(cid)
	if after != cls {
		t.Fatalf("class moved from %#x to %#x", uint64(cls), uint64(after))
	}
	a1, a2 := s.At(0), s.At(1)
	if a1.Address() != cls.Address()+heap.Address(h.SizeOf(cls)) {
		t.Errorf("first instance at %#x, want right after the class", uint64(a1.Address()))
	}
	if a2.Address() != a1.Address()+heap.Address(h.SizeOf(a1)) {
		t.Errorf("instances not contiguous")
	}
	if h.ArrayAt(a1, 0) != heap.FromSmi(1) || h.ArrayAt(a2, 0) != heap.FromSmi(2) {
		t.Errorf("instance contents changed")
	}

	spans := h.FreeList().Spans()
	covering := 0
	for _, sp := range spans {
		if sp.Addr < cls.Address() && sp.End() > blockStart {
			covering++
			if sp.End() != cls.Address() {
				t.Errorf("span [%#x, %#x) does not end at the class", uint64(sp.Addr), uint64(sp.End()))
			}
		}
	}
	if covering != 1 {
		t.Errorf("dead space before the class is on the free list %d times", covering)
	}
	for i := 1; i < len(spans); i++ {
		if spans[i].Addr < spans[i-1].End() {
			t.Errorf("free spans overlap at %#x", uint64(spans[i].Addr))
		}
	}
	checkHeap(t, h)
}

func TestLiveObjectsLandOnForwardingAddress(t *testing.T) {
	h, s := newHeap(t, heap.DefaultOptions())
	fragment(h, s, 3000, 3)
	h.RegisterClass("Middle", 2)
	fragment(h, s, 1000, 4)

	NewMarker(h).MarkAll()
	before := map[heap.Address]uint32{}
	for _, p := range h.OldPages() {
		h.ForEachObject(p, func(a heap.Address, cid heap.ClassID, _ int) bool {
			if cid != heap.FreeListElementCid && h.IsMarked(a) {
				before[a] = h.IdentityHash(heap.FromAddress(a))
			}
			return true
		})
	}

	c := NewCompactor(h)
	unlinked := c.slidePages()
	for old, hash := range before {
		to := c.forwarding[h.PageOf(old)].Lookup(old)
		if got := h.IdentityHash(heap.FromAddress(to)); got != hash {
			t.Fatalf("object from %#x not at %#x", uint64(old), uint64(to))
		}
		if h.IsMarked(to) {
			t.Fatalf("mark bit left set at %#x", uint64(to))
		}
	}
	c.forwardPointers()
	c.freePages(unlinked)
	checkHeap(t, h)
}

func TestCompactionPreservesGraph(t *testing.T) {
	h, s := newHeap(t, heap.DefaultOptions())
	fragment(h, s, 3000, 3)
	want := fingerprint(h, stackRoots(s))

	c := NewCollector(h, Options{Compact: true})
	stats := c.Collect()

	if got := fingerprint(h, stackRoots(s)); got != want {
		t.Fatalf("graph changed by compaction")
	}
	if stats.Compaction.PagesFreed == 0 || stats.CapacityAfter >= stats.CapacityBefore {
		t.Errorf("no pages freed: %+v", stats.Compaction)
	}
	if stats.Compaction.MovedObjects == 0 {
		t.Errorf("nothing moved")
	}
	if c.Compactor().State() != Idle {
		t.Errorf("state = %s after cycle", c.Compactor().State())
	}
	checkHeap(t, h)

	// The heap stays usable after the cycle.
	fragment(h, s, 500, 2)
	c.Collect()
	checkHeap(t, h)
	if c.Cycles() != 2 || c.LastStats().Cycle != 2 {
		t.Errorf("cycle accounting: %d, %+v", c.Cycles(), c.LastStats())
	}
}

func TestClassesNeverMove(t *testing.T) {
	h, s := newHeap(t, heap.DefaultOptions())
	fragment(h, s, 1000, 5)
	for i := 0; i < 10; i++ {
		h.RegisterClass(fmt.Sprintf("C%d", i), i)
		fragment(h, s, 100, 3)
	}
	addrs := make([]heap.Value, h.NumClasses())
	for cid := range addrs {
		addrs[cid], _ = h.ClassObject(heap.ClassID(cid))
	}

	NewCollector(h, Options{Compact: true}).Collect()

	for cid, want := range addrs {
		got, _ := h.ClassObject(heap.ClassID(cid))
		if got != want {
			t.Errorf("class %d moved from %#x to %#x", cid, uint64(want), uint64(got))
		}
	}
	checkHeap(t, h)
}

func TestRootSetsForwarded(t *testing.T) {
	h, s := newHeap(t, heap.Options{
		PageSize:         heap.DefaultPageSize,
		LargeObjectSize:  heap.DefaultLargeObjectSize,
		ObjectIDRingSize: 8,
	})
	fragment(h, s, 2000, 1000)
	target := h.NewArrayOf(heap.FromSmi(99))
	s.Push(target)
	hd := h.Handles().NewPersistent(target)
	wh := h.Handles().NewWeak(target, nil, nil)
	h.RememberedSet().Add(target)
	id := h.ObjectIDRing().Add(target)

	NewCollector(h, Options{Compact: true}).Collect()

	moved := s.At(s.Len() - 1)
	if moved == target {
		t.Fatalf("target did not move; test needs more garbage")
	}
	if hd.Value() != moved {
		t.Errorf("persistent handle not forwarded")
	}
	if v, ok := wh.Value(); !ok || v != moved {
		t.Errorf("weak handle not forwarded")
	}
	if !h.RememberedSet().Contains(moved) {
		t.Errorf("remembered set not forwarded")
	}
	if v, ok := h.ObjectIDRing().Get(id); !ok || v != moved {
		t.Errorf("object id ring not forwarded")
	}
}

func TestCollectorFinalizesDeadPeersOnce(t *testing.T) {
	h, s := newHeap(t, heap.DefaultOptions())
	deadRuns, liveRuns := 0, 0
	h.NewExternalTypedData(heap.Uint8, make([]byte, 64), "dead", func(any) { deadRuns++ })
	fragment(h, s, 1000, 1000)
	payload := []byte("payload!")
	live := h.NewExternalTypedData(heap.Uint8, payload, "live", func(any) { liveRuns++ })
	s.Push(live)

	c := NewCollector(h, Options{Compact: true})
	stats := c.Collect()
	c.Collect()

	if deadRuns != 1 || liveRuns != 0 {
		t.Fatalf("finalizers ran dead=%d live=%d", deadRuns, liveRuns)
	}
	if stats.FinalizedPeers != 1 {
		t.Errorf("FinalizedPeers = %d", stats.FinalizedPeers)
	}
	moved := s.At(s.Len() - 1)
	if got := string(h.TypedDataBytes(moved)); got != "payload!" {
		t.Errorf("external payload lost after move: %q", got)
	}
}

func TestLargePagesFreed(t *testing.T) {
	h, s := newHeap(t, heap.DefaultOptions())
	h.NewTypedData(heap.Uint8, 2*heap.DefaultLargeObjectSize)
	keep := h.NewTypedData(heap.Uint8, 2*heap.DefaultLargeObjectSize)
	s.Push(keep)

	stats := NewCollector(h, Options{Compact: true}).Collect()
	if stats.FreedLargePages != 1 || len(h.LargePages()) != 1 {
		t.Fatalf("freed %d large pages, %d left", stats.FreedLargePages, len(h.LargePages()))
	}
	if s.At(0) != keep || h.IsMarked(keep.Address()) {
		t.Errorf("surviving large object moved or still marked")
	}
}

func TestSweepWithoutCompaction(t *testing.T) {
	h, s := newHeap(t, heap.DefaultOptions())
	fragment(h, s, 2000, 2)
	roots := stackRoots(s)
	want := fingerprint(h, roots)

	stats := NewCollector(h, Options{}).Collect()
	if stats.SweptFreeBytes == 0 {
		t.Fatalf("nothing swept")
	}
	for i, v := range stackRoots(s) {
		if v != roots[i] {
			t.Fatalf("sweep moved root %d", i)
		}
	}
	if got := fingerprint(h, roots); got != want {
		t.Fatalf("graph changed by sweep")
	}
	capBefore := h.Capacity()
	fragment(h, s, 200, 1000)
	if h.Capacity() != capBefore {
		t.Errorf("allocation after sweep did not reuse free space")
	}
	checkHeap(t, h)
}
