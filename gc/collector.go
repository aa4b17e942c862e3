package gc

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/tliron/commonlog"

	"github.com/chazu/heapwire/heap"
)

// ---------------------------------------------------------------------------
// Collector: mark, finalize, then compact or sweep old space
// ---------------------------------------------------------------------------

// Options configures a Collector.
type Options struct {
	// Compact slides old space after marking. When false, dead old-space
	// objects are swept onto the free list in place.
	Compact bool
	// LogStats logs every cycle at Info instead of Debug.
	LogStats bool
}

// CycleStats holds statistics from a single collection.
type CycleStats struct {
	Cycle            uint64
	MarkedObjects    int
	MarkedBytes      int
	FinalizedHandles int
	FinalizedPeers   int
	PrunedRemembered int
	PrunedObjectIDs  int
	FreedLargePages  int
	SweptFreeBytes   int
	Compaction       CompactionStats
	CapacityBefore   int
	CapacityAfter    int
	Duration         time.Duration
	Timestamp        time.Time
}

// Collector runs full collections of one heap. Callers must stop every
// mutator of the heap for the duration of Collect.
type Collector struct {
	heap      *heap.Heap
	opts      Options
	log       commonlog.Logger
	compactor *Compactor
	mu        sync.Mutex // one cycle at a time

	cycles    atomic.Uint64
	lastStats atomic.Value // *CycleStats
}

// NewCollector creates a collector for h.
func NewCollector(h *heap.Heap, opts Options) *Collector {
	return &Collector{
		heap:      h,
		opts:      opts,
		log:       commonlog.GetLogger("heapwire.gc"),
		compactor: NewCompactor(h),
	}
}

// Compactor returns the collector's compactor.
func (c *Collector) Compactor() *Compactor { return c.compactor }

// Cycles returns the number of completed collections.
func (c *Collector) Cycles() uint64 { return c.cycles.Load() }

// LastStats returns statistics from the most recent collection, or nil.
func (c *Collector) LastStats() *CycleStats {
	v := c.lastStats.Load()
	if v == nil {
		return nil
	}
	return v.(*CycleStats)
}

// Collect runs one full collection.
func (c *Collector) Collect() *CycleStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	h := c.heap
	start := time.Now()
	stats := &CycleStats{
		Cycle:          c.cycles.Load() + 1,
		Timestamp:      start,
		CapacityBefore: h.Capacity(),
	}

	m := NewMarker(h)
	m.MarkAll()
	stats.MarkedObjects = m.Objects
	stats.MarkedBytes = m.Bytes

	live := func(v heap.Value) bool { return IsLive(h, v) }
	stats.FinalizedHandles = h.Handles().SweepWeak(live)
	stats.FinalizedPeers = h.Peers().Sweep(func(a heap.Address) bool {
		return IsLive(h, heap.FromAddress(a))
	})
	stats.PrunedRemembered = h.RememberedSet().Prune(live)
	if ring := h.ObjectIDRing(); ring != nil {
		stats.PrunedObjectIDs = ring.Prune(live)
	}
	stats.FreedLargePages = c.sweepLarge()

	if c.opts.Compact {
		stats.Compaction = c.compactor.Compact()
	} else {
		stats.SweptFreeBytes = c.sweepOld()
	}

	stats.CapacityAfter = h.Capacity()
	stats.Duration = time.Since(start)
	c.cycles.Add(1)
	c.lastStats.Store(stats)
	c.report(stats)
	return stats
}

func (c *Collector) report(s *CycleStats) {
	format := "gc cycle %d: marked %d objects (%d bytes), moved %d, freed %d pages, finalized %d, capacity %d -> %d in %s"
	args := []any{
		s.Cycle, s.MarkedObjects, s.MarkedBytes, s.Compaction.MovedObjects,
		s.Compaction.PagesFreed + s.FreedLargePages, s.FinalizedHandles + s.FinalizedPeers,
		s.CapacityBefore, s.CapacityAfter, s.Duration,
	}
	if c.opts.LogStats {
		c.log.Infof(format, args...)
	} else {
		c.log.Debugf(format, args...)
	}
}

// sweepLarge releases every large page whose object is dead.
func (c *Collector) sweepLarge() int {
	h := c.heap
	h.LockPages()
	defer h.UnlockPages()
	freed := 0
	for _, p := range h.LargePages() {
		if a := p.Base(); h.IsMarked(a) {
			h.ClearMark(a)
			continue
		}
		h.ReleasePage(p)
		freed++
	}
	return freed
}

// sweepOld rebuilds the free list from the dead and free objects of old
// space, coalescing neighbours, and clears the marks of the survivors.
func (c *Collector) sweepOld() int {
	h := c.heap
	h.LockPages()
	defer h.UnlockPages()
	h.ResetFreeList()
	total := 0
	for _, p := range h.OldPages() {
		var run heap.Span
		flush := func() {
			if run.Size > 0 {
				h.AddFree(run.Addr, run.Size)
				total += run.Size
			}
			run = heap.Span{}
		}
		h.ForEachObject(p, func(a heap.Address, cid heap.ClassID, size int) bool {
			if cid != heap.FreeListElementCid && h.IsMarked(a) {
				h.ClearMark(a)
				flush()
				return true
			}
			if run.Size == 0 {
				run.Addr = a
			}
			run.Size += size
			return true
		})
		flush()
	}
	return total
}
