package gc

import (
	"fmt"
	"sync/atomic"

	"github.com/tliron/commonlog"

	"github.com/chazu/heapwire/heap"
)

// ---------------------------------------------------------------------------
// Compactor states
// ---------------------------------------------------------------------------

// State is the phase a compaction cycle is in.
type State int32

const (
	Idle State = iota
	SlidingPages
	ForwardingPointers
	FreeingPages
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case SlidingPages:
		return "sliding-pages"
	case ForwardingPointers:
		return "forwarding-pointers"
	case FreeingPages:
		return "freeing-pages"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// CompactionStats describes one compaction cycle.
type CompactionStats struct {
	PagesBefore    int
	PagesAfter     int
	PagesFreed     int
	LiveObjects    int
	LiveBytes      int
	MovedObjects   int
	MovedBytes     int
	PinnedBlocks   int
	ForwardedSlots int
}

// ---------------------------------------------------------------------------
// Compactor
// ---------------------------------------------------------------------------

// Compactor slides the live objects of old space toward the front of the
// page list, block by block, then rewrites every pointer to a moved object
// and releases the pages left empty.
//
// Class objects never move. A block holding a live class keeps the class and
// everything after it in place; the live objects before the class are packed
// immediately below it.
type Compactor struct {
	heap  *heap.Heap
	log   commonlog.Logger
	state atomic.Int32

	pages      []*heap.Page
	forwarding map[*heap.Page]*ForwardingPage

	// The free cursor: objects are slid to freeCurrent on pages[freeIndex].
	freeIndex   int
	freeCurrent heap.Address
	freeEnd     heap.Address

	stats CompactionStats
}

// NewCompactor creates a compactor for h.
func NewCompactor(h *heap.Heap) *Compactor {
	return &Compactor{
		heap: h,
		log:  commonlog.GetLogger("heapwire.gc"),
	}
}

// State returns the phase of the running cycle, or Idle.
func (c *Compactor) State() State { return State(c.state.Load()) }

func (c *Compactor) setState(s State) {
	c.log.Debugf("compactor: %s", s)
	c.state.Store(int32(s))
}

// Compact runs one cycle. Every live old-space object must be marked and
// mutators must be stopped. Marks are cleared on return. Compact panics if
// live data does not fit, which means the heap's accounting is corrupt.
func (c *Compactor) Compact() CompactionStats {
	c.stats = CompactionStats{}

	c.setState(SlidingPages)
	unlinked := c.slidePages()

	c.setState(ForwardingPointers)
	c.forwardPointers()

	c.setState(FreeingPages)
	c.freePages(unlinked)

	c.setState(Idle)
	return c.stats
}

// ---------------------------------------------------------------------------
// SlidingPages
// ---------------------------------------------------------------------------

type object struct {
	addr heap.Address
	size int
	cid  heap.ClassID
	live bool
}

func (c *Compactor) slidePages() []*heap.Page {
	h := c.heap
	h.LockPages()
	defer h.UnlockPages()

	c.pages = h.OldPages()
	c.stats.PagesBefore = len(c.pages)
	if len(c.pages) == 0 {
		return nil
	}
	c.forwarding = make(map[*heap.Page]*ForwardingPage, len(c.pages))
	for _, p := range c.pages {
		c.forwarding[p] = NewForwardingPage(p)
	}

	h.ResetFreeList()
	c.freeIndex = 0
	c.freeCurrent, c.freeEnd = c.pages[0].Base(), c.pages[0].End()

	for i, p := range c.pages {
		c.slidePage(i, p)
	}

	h.AddFree(c.freeCurrent, int(c.freeEnd-c.freeCurrent))
	kept := append([]*heap.Page(nil), c.pages[:c.freeIndex+1]...)
	h.SetOldPages(kept)
	c.stats.PagesAfter = len(kept)
	return c.pages[c.freeIndex+1:]
}

// slidePage plans and moves one page, block by block. An object belongs to
// the block it starts in.
func (c *Compactor) slidePage(index int, p *heap.Page) {
	h := c.heap
	fp := c.forwarding[p]
	end := p.ObjectEnd()
	var objs []object
	for a := p.Base(); a < end; {
		b, off := fp.BlockFor(a)
		blockStart := a - heap.Address(off)
		blockEnd := blockStart + heap.BlockSize

		objs = objs[:0]
		for a < end && a < blockEnd {
			cid, size := h.Header(a)
			live := cid != heap.FreeListElementCid && h.IsMarked(a)
			objs = append(objs, object{addr: a, size: size, cid: cid, live: live})
			a += heap.Address(size)
		}
		c.planBlock(index, p, blockStart, b, objs)
	}
}

func (c *Compactor) planBlock(index int, p *heap.Page, blockStart heap.Address, b *ForwardingBlock, objs []object) {
	for i, o := range objs {
		if o.live && o.cid == heap.ClassCid {
			c.planPinnedBlock(index, p, blockStart, b, objs, i)
			return
		}
	}

	live := 0
	for _, o := range objs {
		if o.live {
			b.RecordLive(int(o.addr-blockStart), o.size)
			live += o.size
		}
	}
	if live == 0 {
		b.SetNewAddress(c.freeCurrent)
		return
	}
	c.reserve(live)
	b.SetNewAddress(c.freeCurrent)
	c.freeCurrent += heap.Address(live)
	for _, o := range objs {
		if o.live {
			c.move(o, b.Lookup(int(o.addr-blockStart)))
		}
	}
}

// planPinnedBlock handles a block whose first live class is objs[pin].
func (c *Compactor) planPinnedBlock(index int, p *heap.Page, blockStart heap.Address, b *ForwardingBlock, objs []object, pin int) {
	h := c.heap
	c.stats.PinnedBlocks++
	cls := objs[pin]

	before := 0
	for _, o := range objs[:pin] {
		if o.live {
			b.RecordLive(int(o.addr-blockStart), o.size)
			before += o.size
		}
	}
	classOff := int(cls.addr - blockStart)
	b.RecordLive(classOff, heap.BlockSize-classOff)
	newAddress := cls.addr - heap.Address(before)
	b.SetNewAddress(newAddress)

	// Objects before the class move up toward it; go backwards so that no
	// object is overwritten before it has moved.
	for i := pin - 1; i >= 0; i-- {
		if o := objs[i]; o.live {
			c.move(o, b.Lookup(int(o.addr-blockStart)))
		}
	}

	var dead []heap.Span
	for _, o := range objs[pin:] {
		if o.live {
			h.ClearMark(o.addr)
			c.stats.LiveObjects++
			c.stats.LiveBytes += o.size
			continue
		}
		if n := len(dead); n > 0 && dead[n-1].End() == o.addr {
			dead[n-1].Size += o.size
		} else {
			dead = append(dead, heap.Span{Addr: o.addr, Size: o.size})
		}
	}

	c.releaseTo(index, newAddress)
	for _, s := range dead {
		h.AddFree(s.Addr, s.Size)
	}

	last := objs[len(objs)-1]
	c.freeIndex = index
	c.freeCurrent = last.addr + heap.Address(last.size)
	c.freeEnd = p.End()
}

// reserve makes room for size contiguous bytes at the free cursor, moving it
// to the next page when the current one is too full.
func (c *Compactor) reserve(size int) {
	for c.freeCurrent+heap.Address(size) > c.freeEnd {
		c.heap.AddFree(c.freeCurrent, int(c.freeEnd-c.freeCurrent))
		c.freeIndex++
		if c.freeIndex >= len(c.pages) {
			panic(fmt.Sprintf("gc: no contiguous space for %d live bytes", size))
		}
		np := c.pages[c.freeIndex]
		c.freeCurrent, c.freeEnd = np.Base(), np.End()
	}
}

// releaseTo returns everything from the free cursor up to a, on pages[index],
// to the free list, including whole pages skipped on the way.
func (c *Compactor) releaseTo(index int, a heap.Address) {
	for c.freeIndex < index {
		c.heap.AddFree(c.freeCurrent, int(c.freeEnd-c.freeCurrent))
		c.freeIndex++
		np := c.pages[c.freeIndex]
		c.freeCurrent, c.freeEnd = np.Base(), np.End()
	}
	if a < c.freeCurrent {
		panic(fmt.Sprintf("gc: pinned block at %#x below free cursor %#x", uint64(a), uint64(c.freeCurrent)))
	}
	c.heap.AddFree(c.freeCurrent, int(a-c.freeCurrent))
}

func (c *Compactor) move(o object, to heap.Address) {
	h := c.heap
	if to != o.addr {
		h.Move(to, o.addr, o.size)
		h.Peers().Move(o.addr, to)
		c.stats.MovedObjects++
		c.stats.MovedBytes += o.size
	}
	h.ClearMark(to)
	c.stats.LiveObjects++
	c.stats.LiveBytes += o.size
}

// ---------------------------------------------------------------------------
// ForwardingPointers
// ---------------------------------------------------------------------------

func (c *Compactor) forward(v heap.Value) (heap.Value, bool) {
	if !v.IsHeapObject() {
		return v, false
	}
	a := v.Address()
	fp := c.forwarding[c.heap.PageOf(a)]
	if fp == nil {
		return v, false
	}
	to := fp.Lookup(a)
	if to == a {
		return v, false
	}
	c.stats.ForwardedSlots++
	return heap.FromAddress(to), true
}

func (c *Compactor) forwardPointers() {
	h := c.heap
	if c.forwarding == nil {
		return
	}
	slot := func(s heap.Address) {
		if v, ok := c.forward(h.LoadSlot(s)); ok {
			h.StoreSlot(s, v)
		}
	}
	object := func(a heap.Address, cid heap.ClassID, _ int) bool {
		if cid != heap.FreeListElementCid {
			h.VisitPointers(a, slot)
		}
		return true
	}
	for _, p := range h.OldPages() {
		h.ForEachObject(p, object)
	}
	for _, p := range h.LargePages() {
		h.ForEachObject(p, object)
	}

	root := func(s *heap.Value) {
		if v, ok := c.forward(*s); ok {
			*s = v
		}
	}
	h.VisitInternalRoots(root)
	for _, s := range h.Stacks() {
		s.Visit(root)
	}
	if ring := h.ObjectIDRing(); ring != nil {
		ring.Visit(root)
	}
	h.Handles().VisitPersistent(root)
	h.Handles().VisitWeak(root)
	h.RememberedSet().Visit(root)
}

// ---------------------------------------------------------------------------
// FreeingPages
// ---------------------------------------------------------------------------

func (c *Compactor) freePages(unlinked []*heap.Page) {
	h := c.heap
	h.LockPages()
	for _, p := range unlinked {
		delete(c.forwarding, p)
		h.ReleasePage(p)
	}
	h.UnlockPages()
	c.stats.PagesFreed = len(unlinked)
	c.forwarding = nil
	c.pages = nil
}
