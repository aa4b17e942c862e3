// Package gc implements marking and sliding compaction of a heap's old
// space.
package gc

import (
	"math/bits"

	"github.com/chazu/heapwire/heap"
)

const (
	unitSize      = heap.ObjectAlignment
	unitsPerBlock = heap.BlockSize / unitSize
)

// ---------------------------------------------------------------------------
// ForwardingBlock
// ---------------------------------------------------------------------------

// ForwardingBlock records where the live objects that start in one block
// move to. Bit u of live is set when allocation unit u of the block holds
// live data; an object moves to newAddress plus the live bytes that precede
// it in the block.
type ForwardingBlock struct {
	newAddress heap.Address
	live       uint64
}

// RecordLive marks the units covered by an object of size bytes starting
// offset bytes into the block. Units past the end of the block are clamped to
// the last unit.
func (b *ForwardingBlock) RecordLive(offset, size int) {
	first := offset / unitSize
	last := (offset+size)/unitSize - 1
	if last >= unitsPerBlock {
		last = unitsPerBlock - 1
	}
	if last < first {
		return
	}
	var mask uint64
	if last == unitsPerBlock-1 {
		mask = ^uint64(0)
	} else {
		mask = uint64(1)<<(last+1) - 1
	}
	mask &^= uint64(1)<<first - 1
	b.live |= mask
}

// IsLive reports whether the unit at offset bytes into the block is live.
func (b *ForwardingBlock) IsLive(offset int) bool {
	return b.live&(uint64(1)<<(offset/unitSize)) != 0
}

// Lookup returns the forwarding address of the object starting offset bytes
// into the block.
func (b *ForwardingBlock) Lookup(offset int) heap.Address {
	unit := offset / unitSize
	below := b.live & (uint64(1)<<unit - 1)
	return b.newAddress + heap.Address(bits.OnesCount64(below)*unitSize)
}

// NewAddress returns the address the block's first live object moves to.
func (b *ForwardingBlock) NewAddress() heap.Address { return b.newAddress }

// SetNewAddress sets the destination of the block's first live object.
func (b *ForwardingBlock) SetNewAddress(a heap.Address) { b.newAddress = a }

// LiveBits returns the raw live bitvector.
func (b *ForwardingBlock) LiveBits() uint64 { return b.live }

// ---------------------------------------------------------------------------
// ForwardingPage
// ---------------------------------------------------------------------------

// ForwardingPage holds the forwarding blocks of one page. It lives for one
// compaction cycle.
type ForwardingPage struct {
	base   heap.Address
	blocks []ForwardingBlock
}

// NewForwardingPage allocates forwarding metadata for p.
func NewForwardingPage(p *heap.Page) *ForwardingPage {
	return &ForwardingPage{
		base:   p.Base(),
		blocks: make([]ForwardingBlock, p.Size()/heap.BlockSize),
	}
}

// BlockFor returns the block containing a and a's offset within it.
func (fp *ForwardingPage) BlockFor(a heap.Address) (*ForwardingBlock, int) {
	off := int(a - fp.base)
	return &fp.blocks[off/heap.BlockSize], off % heap.BlockSize
}

// Lookup returns the forwarding address of the live object starting at a.
func (fp *ForwardingPage) Lookup(a heap.Address) heap.Address {
	b, off := fp.BlockFor(a)
	return b.Lookup(off)
}
