package isolate

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"

	"github.com/chazu/heapwire/heap"
	"github.com/chazu/heapwire/snapshot"
)

// Isolate is one mutator of a group. Its stack is a root set of the group
// heap; values received from ports are pushed onto it so that they survive
// collections. Values held anywhere else are invalidated by CollectGarbage.
type Isolate struct {
	ID   uuid.UUID
	Name string

	group       *Group
	stack       *heap.Stack
	log         commonlog.Logger
	interrupted atomic.Bool

	mu      sync.Mutex
	ports   map[int64]*Port
	control *Port
	closed  bool
}

func (iso *Isolate) Group() *Group { return iso.group }

func (iso *Isolate) Heap() *heap.Heap { return iso.group.heap }

func (iso *Isolate) Stack() *heap.Stack { return iso.stack }

// ControlPort is the port opened when the isolate started. Its id is the
// origin of every send port the isolate creates.
func (iso *Isolate) ControlPort() *Port { return iso.control }

// NewPort opens a receive port owned by the isolate.
func (iso *Isolate) NewPort() *Port {
	id, q := iso.group.runtime.ports.open()
	p := &Port{id: id, owner: iso, queue: q}
	iso.mu.Lock()
	if iso.closed {
		iso.mu.Unlock()
		iso.group.runtime.ports.close(id)
		return p
	}
	iso.ports[id] = p
	iso.mu.Unlock()
	return p
}

func (iso *Isolate) closePort(p *Port) {
	iso.mu.Lock()
	delete(iso.ports, p.id)
	iso.mu.Unlock()
	iso.group.runtime.ports.close(p.id)
}

// NewSendPort allocates a send port object addressing p.
func (iso *Isolate) NewSendPort(p *Port) heap.Value {
	var v heap.Value
	iso.group.Mutate(func(h *heap.Heap) {
		v = h.NewSendPort(p.id, iso.control.id)
	})
	return v
}

// Send serializes v and posts it to port dest. If serialization fails
// nothing is sent and transferables stay attached; if the port is closed
// the message is dropped.
func (iso *Isolate) Send(dest int64, v heap.Value, p snapshot.Priority) error {
	var m *snapshot.Message
	var err error
	iso.group.Mutate(func(h *heap.Heap) {
		m, err = snapshot.WriteMessage(h, v, dest, p)
	})
	if err != nil {
		iso.log.Warningf("isolate %s: send to port %d failed: %s", iso.Name, dest, err)
		return err
	}
	return iso.group.runtime.ports.Post(m)
}

// Receive waits for the next message on p, reads it into the group heap
// and pushes the result onto the isolate stack. A message that cannot be
// read is dropped.
func (iso *Isolate) Receive(ctx context.Context, p *Port) (heap.Value, error) {
	if p.owner != iso {
		return 0, ErrNotOwner
	}
	m, err := p.queue.Wait(ctx)
	if err != nil {
		return 0, err
	}
	var v heap.Value
	iso.group.Mutate(func(h *heap.Heap) {
		v, err = snapshot.ReadMessage(h, m, interruptibleRehasher{iso})
		if err == nil {
			iso.stack.Push(v)
		}
	})
	if err != nil {
		m.Drop()
		iso.log.Errorf("isolate %s: message %s on port %d: %s", iso.Name, m.ID, p.id, err)
		return 0, err
	}
	return v, nil
}

// Interrupt asks the isolate to abandon long-running work at its next
// interrupt check.
func (iso *Isolate) Interrupt() { iso.interrupted.Store(true) }

// ClearInterrupt resets the interrupt flag and reports whether it was set.
func (iso *Isolate) ClearInterrupt() bool { return iso.interrupted.Swap(false) }

func (iso *Isolate) Interrupted() bool { return iso.interrupted.Load() }

// Shutdown closes the isolate's ports and removes its stack from the root
// set.
func (iso *Isolate) Shutdown() {
	iso.mu.Lock()
	if iso.closed {
		iso.mu.Unlock()
		return
	}
	iso.closed = true
	ports := make([]*Port, 0, len(iso.ports))
	for _, p := range iso.ports {
		ports = append(ports, p)
	}
	iso.ports = nil
	iso.mu.Unlock()

	for _, p := range ports {
		iso.group.runtime.ports.close(p.id)
	}
	iso.group.Mutate(func(h *heap.Heap) { h.RemoveStack(iso.stack) })
	iso.group.removeIsolate(iso)
	iso.log.Debugf("isolate %s (%s) shut down", iso.Name, iso.ID)
}

// interruptibleRehasher rebuilds hash collections one at a time, checking
// the isolate's interrupt flag in between.
type interruptibleRehasher struct {
	iso *Isolate
}

func (r interruptibleRehasher) Rehash(h *heap.Heap, objs []heap.Value) error {
	for i := range objs {
		if r.iso.Interrupted() {
			return fmt.Errorf("%w: rehashed %d of %d collections", ErrInterrupted, i, len(objs))
		}
		if err := h.Rehash(objs[i : i+1]); err != nil {
			return err
		}
	}
	return nil
}
