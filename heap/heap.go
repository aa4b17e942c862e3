package heap

import (
	"errors"
	"fmt"
	"math/bits"
	"sync"
	"sync/atomic"
)

// ---------------------------------------------------------------------------
// Heap configuration
// ---------------------------------------------------------------------------

// Defaults for Options.
const (
	DefaultPageSize        = 64 * 1024
	DefaultLargeObjectSize = 16 * 1024
)

// ImageBase is the fixed address of the image page. Base objects are
// allocated there in the same order by every heap, so their addresses agree
// across heaps.
const (
	ImageBase Address = 0x10000
	imageSize         = 4096
)

// BlockSize is the granularity the compactor plans moves in: one bit per
// allocation unit in a 64-bit live bitvector.
const BlockSize = ObjectAlignment * 64

var (
	ErrInvalidPageSize    = errors.New("heap: page size must be a power of two and a multiple of the block size")
	ErrInvalidLargeSize   = errors.New("heap: large object size must be positive and at most half a page")
	ErrUnknownClass       = errors.New("heap: unknown class id")
	ErrNotCanonicalizable = errors.New("heap: object cannot be canonicalized")
)

// Options configures a Heap.
type Options struct {
	PageSize        int
	LargeObjectSize int
	// ObjectIDRingSize enables the diagnostic object-id ring when positive.
	ObjectIDRingSize int
}

// DefaultOptions returns the options used when none are given.
func DefaultOptions() Options {
	return Options{
		PageSize:        DefaultPageSize,
		LargeObjectSize: DefaultLargeObjectSize,
	}
}

func (o Options) validate() error {
	if o.PageSize < BlockSize || o.PageSize&(o.PageSize-1) != 0 {
		return fmt.Errorf("%w: %d", ErrInvalidPageSize, o.PageSize)
	}
	if o.LargeObjectSize <= 0 || o.LargeObjectSize > o.PageSize/2 {
		return fmt.Errorf("%w: %d", ErrInvalidLargeSize, o.LargeObjectSize)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Heap
// ---------------------------------------------------------------------------

// Heap is a page-structured object heap shared by the isolates of one group.
type Heap struct {
	opts      Options
	pageShift uint

	// mu is the page-list lock: it guards allocation, the free list and the
	// page lists.
	mu        sync.Mutex
	oldPages  []*Page
	large     []*Page
	image     *Page
	freeList  FreeList
	nextPage  uint64
	capacity  int
	largeUsed int

	tableMu   sync.RWMutex
	pageTable map[uint64]*Page

	nextHash atomic.Uint32

	classMu sync.RWMutex
	classes []Value

	symbolsMu sync.Mutex
	symbols   map[string]Value

	// ConstantsMu is the constant-canonicalization lock. It is held only for
	// the duration of one canonicalize-or-insert operation.
	ConstantsMu sync.Mutex
	constants   map[ClassID]map[uint64][]Value

	funcMu    sync.RWMutex
	functions map[string]Value

	peers      *WeakTable
	handles    *HandleTable
	remembered *RememberedSet
	idRing     *ObjectIDRing

	stacksMu sync.Mutex
	stacks   []*Stack

	// Base objects, in wire registration order.
	Null               Value
	Sentinel           Value
	TransitionSentinel Value
	EmptyArray         Value
	DynamicType        Value
	VoidType           Value
	EmptyTypeArguments Value
	True               Value
	False              Value
}

// New creates a heap and allocates its base objects and class table.
func New(opts Options) (*Heap, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	h := &Heap{
		opts:       opts,
		pageShift:  uint(bits.TrailingZeros(uint(opts.PageSize))),
		pageTable:  make(map[uint64]*Page),
		symbols:    make(map[string]Value),
		constants:  make(map[ClassID]map[uint64][]Value),
		functions:  make(map[string]Value),
		peers:      NewWeakTable(),
		handles:    NewHandleTable(),
		remembered: NewRememberedSet(),
	}
	if opts.ObjectIDRingSize > 0 {
		h.idRing = NewObjectIDRing(opts.ObjectIDRingSize)
	}
	h.nextPage = uint64(ImageBase+imageSize)>>h.pageShift + 1
	h.image = &Page{kind: ImagePage, base: ImageBase, data: make([]byte, imageSize)}
	h.bootstrap()
	return h, nil
}

// MustNew is New for options known to be valid.
func MustNew(opts Options) *Heap {
	h, err := New(opts)
	if err != nil {
		panic(err)
	}
	return h
}

// Options returns the options the heap was created with.
func (h *Heap) Options() Options { return h.opts }

// BaseObjects returns the base objects in their fixed registration order.
func (h *Heap) BaseObjects() []Value {
	return []Value{
		h.Null,
		h.Sentinel,
		h.TransitionSentinel,
		h.EmptyArray,
		h.DynamicType,
		h.VoidType,
		h.EmptyTypeArguments,
		h.True,
		h.False,
	}
}

// NumBaseObjects is the length of BaseObjects.
const NumBaseObjects = 9

func (h *Heap) bootstrap() {
	h.Null = h.allocImage(NullCid, 0, 0)
	// Null's own fields do not exist, so every later constructor can use it.
	h.Sentinel = h.allocImage(SentinelCid, 1, 0)
	h.storeField(h.Sentinel.Address(), sentinelIDField, FromSmi(1))
	h.TransitionSentinel = h.allocImage(SentinelCid, 1, 0)
	h.storeField(h.TransitionSentinel.Address(), sentinelIDField, FromSmi(2))

	h.EmptyArray = h.allocImage(ImmutableArrayCid, arrayFirstElement, 0)
	h.storeField(h.EmptyArray.Address(), arrayTypeArgsField, h.Null)
	h.storeField(h.EmptyArray.Address(), arrayLengthField, FromSmi(0))

	h.EmptyTypeArguments = h.allocImage(TypeArgumentsCid, typeArgsFirstType, 0)
	h.storeField(h.EmptyTypeArguments.Address(), typeArgsLengthField, FromSmi(0))
	h.storeField(h.EmptyTypeArguments.Address(), typeArgsHashField, FromSmi(0))

	h.DynamicType = h.allocImage(TypeCid, 4, 0)
	h.initType(h.DynamicType.Address(), DynamicCid, h.Null, Nullable, TypeFinalized)
	h.VoidType = h.allocImage(TypeCid, 4, 0)
	h.initType(h.VoidType.Address(), VoidCid, h.Null, Nullable, TypeFinalized)

	h.True = h.allocImage(BoolCid, 1, 0)
	h.storeField(h.True.Address(), boolValueField, FromSmi(1))
	h.False = h.allocImage(BoolCid, 1, 0)
	h.storeField(h.False.Address(), boolValueField, FromSmi(0))

	h.classes = make([]Value, NumPredefinedCids)
	for cid := ClassID(0); cid < NumPredefinedCids; cid++ {
		h.classes[cid] = h.newClass(cid, cid.String(), 0)
	}
}

// allocImage bump-allocates a canonical object on the image page.
func (h *Heap) allocImage(cid ClassID, pointerFields, rawBytes int) Value {
	size := AllocationSize(pointerFields, rawBytes)
	if h.image.top+size > len(h.image.data) {
		panic("heap: image page exhausted")
	}
	a := h.image.base + Address(h.image.top)
	h.image.top += size
	h.initHeader(a, cid, size, true)
	return FromAddress(a)
}

// ---------------------------------------------------------------------------
// Pages
// ---------------------------------------------------------------------------

// LockPages acquires the page-list lock.
func (h *Heap) LockPages() { h.mu.Lock() }

// UnlockPages releases the page-list lock.
func (h *Heap) UnlockPages() { h.mu.Unlock() }

// PageOf returns the page containing a, or nil.
func (h *Heap) PageOf(a Address) *Page {
	if h.image.Contains(a) {
		return h.image
	}
	h.tableMu.RLock()
	p := h.pageTable[uint64(a)>>h.pageShift]
	h.tableMu.RUnlock()
	return p
}

// ImagePage returns the read-only page holding the base objects.
func (h *Heap) ImagePage() *Page { return h.image }

// OldPages returns the old-space page list in order. Callers that mutate the
// list must hold the page-list lock.
func (h *Heap) OldPages() []*Page {
	return append([]*Page(nil), h.oldPages...)
}

// LargePages returns the large-object pages.
func (h *Heap) LargePages() []*Page {
	return append([]*Page(nil), h.large...)
}

// SetOldPages replaces the old-space page list. Pages dropped from the list
// stay mapped until ReleasePage is called. Requires the page-list lock.
func (h *Heap) SetOldPages(pages []*Page) {
	h.oldPages = pages
}

// ReleasePage unmaps a page and returns its memory. Requires the page-list
// lock.
func (h *Heap) ReleasePage(p *Page) {
	n := p.Size() >> h.pageShift
	first := uint64(p.base) >> h.pageShift
	h.tableMu.Lock()
	for i := 0; i < n; i++ {
		delete(h.pageTable, first+uint64(i))
	}
	h.tableMu.Unlock()
	h.capacity -= p.Size()
	if p.kind == LargePage {
		for i, lp := range h.large {
			if lp == p {
				h.large = append(h.large[:i], h.large[i+1:]...)
				break
			}
		}
		h.largeUsed -= p.top
	}
	p.data = nil
}

func (h *Heap) mapPage(kind PageKind, size int) *Page {
	n := size >> h.pageShift
	p := &Page{
		kind: kind,
		base: Address(h.nextPage << h.pageShift),
		data: make([]byte, size),
	}
	h.tableMu.Lock()
	for i := 0; i < n; i++ {
		h.pageTable[h.nextPage+uint64(i)] = p
	}
	h.tableMu.Unlock()
	h.nextPage += uint64(n)
	h.capacity += size
	return p
}

// Capacity returns the bytes of heap memory currently mapped, excluding the
// image page.
func (h *Heap) Capacity() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.capacity
}

// UsedBytes returns mapped bytes not on the free list.
func (h *Heap) UsedBytes() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.capacity - h.freeList.Bytes()
}

// FreeList returns the old-space free list. Requires the page-list lock for
// anything but inspection in tests.
func (h *Heap) FreeList() *FreeList { return &h.freeList }

// ResetFreeList drops every free span. Requires the page-list lock.
func (h *Heap) ResetFreeList() { h.freeList.reset() }

// AddFree formats [a, a+size) as a free element and puts it on the free
// list. Requires the page-list lock.
func (h *Heap) AddFree(a Address, size int) {
	if size <= 0 {
		return
	}
	h.initHeader(a, FreeListElementCid, size, false)
	h.freeList.push(Span{Addr: a, Size: size})
}

// ---------------------------------------------------------------------------
// Allocation
// ---------------------------------------------------------------------------

func (h *Heap) allocate(cid ClassID, size int, canonical bool) Address {
	h.mu.Lock()
	a := h.allocateLocked(size)
	h.mu.Unlock()
	h.initHeader(a, cid, size, canonical)
	return a
}

func (h *Heap) allocateLocked(size int) Address {
	if size >= h.opts.LargeObjectSize {
		p := h.mapPage(LargePage, roundUp(size, h.opts.PageSize))
		p.top = size
		h.large = append(h.large, p)
		h.largeUsed += size
		return p.base
	}
	for attempt := 0; attempt < 2; attempt++ {
		if s, ok := h.freeList.pop(size); ok {
			if rest := s.Size - size; rest > 0 {
				h.AddFree(s.Addr+Address(size), rest)
			}
			return s.Addr
		}
		p := h.mapPage(OldPage, h.opts.PageSize)
		p.top = p.Size()
		h.oldPages = append(h.oldPages, p)
		h.AddFree(p.base, p.Size())
	}
	panic(fmt.Sprintf("heap: cannot allocate %d bytes", size))
}

func (h *Heap) initHeader(a Address, cid ClassID, size int, canonical bool) {
	p := h.PageOf(a)
	off := p.offset(a)
	clear(p.data[off : off+size])
	p.setWord(a, encodeHeader(cid, size, canonical))
	if cid != FreeListElementCid {
		p.setWord(a+WordSize, uint64(h.nextHash.Add(1)))
	}
}

// ---------------------------------------------------------------------------
// Raw access
// ---------------------------------------------------------------------------

// LoadWord reads the word at a.
func (h *Heap) LoadWord(a Address) uint64 { return h.PageOf(a).word(a) }

// StoreWord writes the word at a.
func (h *Heap) StoreWord(a Address, w uint64) { h.PageOf(a).setWord(a, w) }

// LoadSlot reads the pointer slot at a.
func (h *Heap) LoadSlot(a Address) Value { return Value(h.LoadWord(a)) }

// StoreSlot writes the pointer slot at a.
func (h *Heap) StoreSlot(a Address, v Value) { h.StoreWord(a, uint64(v)) }

// Bytes returns a slice aliasing n bytes of heap memory at a.
func (h *Heap) Bytes(a Address, n int) []byte {
	if n == 0 {
		return nil
	}
	p := h.PageOf(a)
	off := p.offset(a)
	return p.data[off : off+n : off+n]
}

// Move copies size bytes from src to dst; the ranges may overlap.
func (h *Heap) Move(dst, src Address, size int) {
	if dst == src {
		return
	}
	copy(h.Bytes(dst, size), h.Bytes(src, size))
}

func (h *Heap) loadField(a Address, i int) Value {
	return h.LoadSlot(a + fieldOffset(i))
}

func (h *Heap) storeField(a Address, i int, v Value) {
	h.StoreSlot(a+fieldOffset(i), v)
}

func (h *Heap) rawAddr(a Address, pointerFields int) Address {
	return a + fieldOffset(pointerFields)
}

// Field returns pointer field i of obj.
func (h *Heap) Field(obj Value, i int) Value {
	return h.loadField(obj.Address(), i)
}

// SetField stores v into pointer field i of obj.
func (h *Heap) SetField(obj Value, i int, v Value) {
	h.storeField(obj.Address(), i, v)
}

// ---------------------------------------------------------------------------
// Headers
// ---------------------------------------------------------------------------

// Header returns the class id and heap size of the object at a.
func (h *Heap) Header(a Address) (ClassID, int) {
	w := h.LoadWord(a)
	return headerCid(w), headerSize(w)
}

// ClassIDOf returns the class id of v. Smis report SmiCid.
func (h *Heap) ClassIDOf(v Value) ClassID {
	if v.IsSmi() {
		return SmiCid
	}
	return headerCid(h.LoadWord(v.Address()))
}

// IsCanonical reports whether v is a canonical value. Smis always are.
func (h *Heap) IsCanonical(v Value) bool {
	if v.IsSmi() {
		return true
	}
	return h.LoadWord(v.Address())&headerCanonBit != 0
}

func (h *Heap) setCanonical(v Value) {
	a := v.Address()
	h.StoreWord(a, h.LoadWord(a)|headerCanonBit)
}

// SizeOf returns the heap size of v in bytes; zero for Smis.
func (h *Heap) SizeOf(v Value) int {
	if v.IsSmi() {
		return 0
	}
	return headerSize(h.LoadWord(v.Address()))
}

// IdentityHash returns the identity hash assigned at allocation.
func (h *Heap) IdentityHash(v Value) uint32 {
	if v.IsSmi() {
		return uint32(v.Smi())
	}
	return uint32(h.LoadWord(v.Address() + WordSize))
}

// IsMarked reports whether the object at a carries the mark bit.
func (h *Heap) IsMarked(a Address) bool {
	return h.LoadWord(a)&headerMarkBit != 0
}

// TryMark sets the mark bit and reports whether it was previously clear.
func (h *Heap) TryMark(a Address) bool {
	w := h.LoadWord(a)
	if w&headerMarkBit != 0 {
		return false
	}
	h.StoreWord(a, w|headerMarkBit)
	return true
}

// ClearMark clears the mark bit of the object at a.
func (h *Heap) ClearMark(a Address) {
	h.StoreWord(a, h.LoadWord(a)&^headerMarkBit)
}

// ---------------------------------------------------------------------------
// Visitation
// ---------------------------------------------------------------------------

// VisitPointers calls fn with the address of every pointer slot of the
// object at a.
func (h *Heap) VisitPointers(a Address, fn func(slot Address)) {
	cid, size := h.Header(a)
	n := h.pointerFieldCount(a, cid, size)
	for i := 0; i < n; i++ {
		fn(a + fieldOffset(i))
	}
}

// ForEachObject walks the objects of p in address order, free elements
// included. It stops early if fn returns false.
func (h *Heap) ForEachObject(p *Page, fn func(a Address, cid ClassID, size int) bool) {
	end := p.ObjectEnd()
	for a := p.base; a < end; {
		w := p.word(a)
		cid, size := headerCid(w), headerSize(w)
		if size == 0 {
			panic(fmt.Sprintf("heap: zero-sized object at %#x", uint64(a)))
		}
		if !fn(a, cid, size) {
			return
		}
		a += Address(size)
	}
}

// ---------------------------------------------------------------------------
// Roots and side tables
// ---------------------------------------------------------------------------

// Peers returns the weak table of external payloads keyed by object address.
func (h *Heap) Peers() *WeakTable { return h.peers }

// Handles returns the persistent and finalizable handle table.
func (h *Heap) Handles() *HandleTable { return h.handles }

// RememberedSet returns the store buffer of recorded objects.
func (h *Heap) RememberedSet() *RememberedSet { return h.remembered }

// ObjectIDRing returns the diagnostic object-id ring, or nil if disabled.
func (h *Heap) ObjectIDRing() *ObjectIDRing { return h.idRing }

// AddStack registers an isolate stack as a root set.
func (h *Heap) AddStack(s *Stack) {
	h.stacksMu.Lock()
	h.stacks = append(h.stacks, s)
	h.stacksMu.Unlock()
}

// RemoveStack unregisters an isolate stack.
func (h *Heap) RemoveStack(s *Stack) {
	h.stacksMu.Lock()
	defer h.stacksMu.Unlock()
	for i, st := range h.stacks {
		if st == s {
			h.stacks = append(h.stacks[:i], h.stacks[i+1:]...)
			return
		}
	}
}

// Stacks returns the registered stacks.
func (h *Heap) Stacks() []*Stack {
	h.stacksMu.Lock()
	defer h.stacksMu.Unlock()
	return append([]*Stack(nil), h.stacks...)
}

// VisitInternalRoots calls fn with every root slot owned by the heap itself:
// the class table, the symbol table, the canonical-constant table and the
// function registry. Callers must have exclusive access to the heap.
func (h *Heap) VisitInternalRoots(fn func(slot *Value)) {
	for i := range h.classes {
		fn(&h.classes[i])
	}
	for k, v := range h.symbols {
		fn(&v)
		h.symbols[k] = v
	}
	for _, buckets := range h.constants {
		for _, bucket := range buckets {
			for i := range bucket {
				fn(&bucket[i])
			}
		}
	}
	for k, v := range h.functions {
		fn(&v)
		h.functions[k] = v
	}
}
