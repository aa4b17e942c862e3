package heap

import (
	"encoding/binary"
	"fmt"
	"sort"
)

// PageKind distinguishes the spaces a page belongs to.
type PageKind uint8

const (
	// OldPage pages hold ordinary objects and are compacted.
	OldPage PageKind = iota
	// LargePage pages hold a single large object and are never moved.
	LargePage
	// ImagePage is the read-only page holding the base objects.
	ImagePage
)

func (k PageKind) String() string {
	switch k {
	case OldPage:
		return "old"
	case LargePage:
		return "large"
	case ImagePage:
		return "image"
	default:
		return fmt.Sprintf("PageKind(%d)", uint8(k))
	}
}

// Page is a contiguous arena of heap memory with a fixed base address.
type Page struct {
	kind PageKind
	base Address
	data []byte
	// top is the end of the walkable object range, relative to base.
	top int
}

// Kind returns the space the page belongs to.
func (p *Page) Kind() PageKind { return p.kind }

// Base returns the address of the first byte of the page.
func (p *Page) Base() Address { return p.base }

// End returns the address one past the last byte of the page.
func (p *Page) End() Address { return p.base + Address(len(p.data)) }

// ObjectEnd returns the address one past the last walkable object.
func (p *Page) ObjectEnd() Address { return p.base + Address(p.top) }

// Size returns the page size in bytes.
func (p *Page) Size() int { return len(p.data) }

// Contains reports whether a falls inside the page.
func (p *Page) Contains(a Address) bool {
	return a >= p.base && a < p.End()
}

func (p *Page) offset(a Address) int {
	return int(a - p.base)
}

func (p *Page) word(a Address) uint64 {
	return binary.NativeEndian.Uint64(p.data[p.offset(a):])
}

func (p *Page) setWord(a Address, w uint64) {
	binary.NativeEndian.PutUint64(p.data[p.offset(a):], w)
}

// ---------------------------------------------------------------------------
// FreeList: size-class buckets of free spans in old space
// ---------------------------------------------------------------------------

// Exact-size buckets cover spans of 1..freeListBuckets-1 allocation units;
// anything larger goes to the first-fit large list.
const freeListBuckets = 128

// Span is a free range of heap memory.
type Span struct {
	Addr Address
	Size int
}

// End returns the address one past the span.
func (s Span) End() Address { return s.Addr + Address(s.Size) }

// FreeList tracks free spans of old space. Every span is also formatted in
// memory as a FreeListElement so that pages stay walkable.
type FreeList struct {
	buckets [freeListBuckets][]Address
	large   []Span
	bytes   int
}

func (f *FreeList) push(s Span) {
	units := s.Size >> ObjectAlignmentLog2
	if units < freeListBuckets {
		f.buckets[units] = append(f.buckets[units], s.Addr)
	} else {
		f.large = append(f.large, s)
	}
	f.bytes += s.Size
}

// pop removes a span of at least size bytes, or returns false.
func (f *FreeList) pop(size int) (Span, bool) {
	units := size >> ObjectAlignmentLog2
	for u := units; u < freeListBuckets; u++ {
		b := f.buckets[u]
		if len(b) == 0 {
			continue
		}
		a := b[len(b)-1]
		f.buckets[u] = b[:len(b)-1]
		s := Span{Addr: a, Size: u << ObjectAlignmentLog2}
		f.bytes -= s.Size
		return s, true
	}
	for i, s := range f.large {
		if s.Size >= size {
			f.large = append(f.large[:i], f.large[i+1:]...)
			f.bytes -= s.Size
			return s, true
		}
	}
	return Span{}, false
}

// Bytes returns the total number of free bytes on the list.
func (f *FreeList) Bytes() int { return f.bytes }

// Spans returns every free span sorted by address.
func (f *FreeList) Spans() []Span {
	var out []Span
	for u, b := range f.buckets {
		for _, a := range b {
			out = append(out, Span{Addr: a, Size: u << ObjectAlignmentLog2})
		}
	}
	out = append(out, f.large...)
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out
}

func (f *FreeList) reset() {
	*f = FreeList{}
}
