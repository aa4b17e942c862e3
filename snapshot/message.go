// Package snapshot serializes object graphs between heaps. A message
// snapshot carries every object reachable from a root, grouped into
// per-class clusters that are written in a fixed phase order, plus an
// out-of-band list of payloads that are moved rather than copied.
package snapshot

import (
	"sync"

	"github.com/google/uuid"

	"github.com/chazu/heapwire/heap"
)

// ---------------------------------------------------------------------------
// FinalizableData: out-of-band payloads
// ---------------------------------------------------------------------------

// FinalizableEntry is one moved payload. Finalize transfers to the object
// the receiver builds around Data; Release runs instead when the message is
// dropped before the entry is taken.
type FinalizableEntry struct {
	Data     []byte
	Peer     any
	Finalize func(peer any)
	Release  func(peer any)
}

// FinalizableData is the ordered list of a message's moved payloads. The
// receiver takes entries in exactly the order the sender put them.
type FinalizableData struct {
	mu      sync.Mutex
	entries []FinalizableEntry
	taken   int
}

// Put appends an entry.
func (f *FinalizableData) Put(e FinalizableEntry) {
	f.mu.Lock()
	f.entries = append(f.entries, e)
	f.mu.Unlock()
}

// Take returns the next entry in emission order.
func (f *FinalizableData) Take() (FinalizableEntry, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.taken >= len(f.entries) {
		return FinalizableEntry{}, false
	}
	e := f.entries[f.taken]
	f.entries[f.taken] = FinalizableEntry{}
	f.taken++
	return e, true
}

// Len returns the number of entries ever put.
func (f *FinalizableData) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

// Remaining returns the number of entries not yet taken.
func (f *FinalizableData) Remaining() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries) - f.taken
}

// Pending returns the entries not yet taken, without taking them.
func (f *FinalizableData) Pending() []FinalizableEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]FinalizableEntry(nil), f.entries[f.taken:]...)
}

// ReleaseRemaining takes every remaining entry and runs its Release hook.
// It returns the number of entries released.
func (f *FinalizableData) ReleaseRemaining() int {
	n := 0
	for {
		e, ok := f.Take()
		if !ok {
			return n
		}
		if e.Release != nil {
			e.Release(e.Peer)
		}
		n++
	}
}

// ---------------------------------------------------------------------------
// Message
// ---------------------------------------------------------------------------

// Priority orders messages within a port's queue.
type Priority int

const (
	NormalPriority Priority = iota
	// OOBPriority messages are delivered before every normal message.
	OOBPriority
)

func (p Priority) String() string {
	if p == OOBPriority {
		return "oob"
	}
	return "normal"
}

// Message is a serialized value addressed to a port.
type Message struct {
	ID          uuid.UUID
	DestPort    int64
	Priority    Priority
	Snapshot    []byte
	Finalizable *FinalizableData

	raw      bool
	rawValue heap.Value
}

// NewMessage wraps a snapshot.
func NewMessage(dest int64, snapshot []byte, fd *FinalizableData, p Priority) *Message {
	if fd == nil {
		fd = &FinalizableData{}
	}
	return &Message{
		ID:          uuid.New(),
		DestPort:    dest,
		Priority:    p,
		Snapshot:    snapshot,
		Finalizable: fd,
	}
}

// NewRawMessage carries v without a snapshot. v must be a Smi or a base
// object, which read the same in every heap.
func NewRawMessage(dest int64, v heap.Value, p Priority) *Message {
	m := NewMessage(dest, nil, nil, p)
	m.raw = true
	m.rawValue = v
	return m
}

// IsRaw reports whether the message carries its value without a snapshot.
func (m *Message) IsRaw() bool { return m.raw }

// RawValue returns the value of a raw message.
func (m *Message) RawValue() heap.Value { return m.rawValue }

// Size returns the snapshot size in bytes.
func (m *Message) Size() int { return len(m.Snapshot) }

// Drop discards an undelivered message, releasing every payload the
// receiver has not taken.
func (m *Message) Drop() int {
	if m.Finalizable == nil {
		return 0
	}
	return m.Finalizable.ReleaseRemaining()
}
