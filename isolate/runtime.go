// Package isolate runs isolates: independent mutators that share nothing
// but a heap within their group and exchange messages through ports.
// Every message crosses as a snapshot, even between isolates of one group.
package isolate

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"

	"github.com/chazu/heapwire/gc"
	"github.com/chazu/heapwire/heap"
	"github.com/chazu/heapwire/snapshot"
	"github.com/chazu/heapwire/snapshot/api"
)

var (
	ErrPortClosed  = errors.New("isolate: port is closed")
	ErrNotOwner    = errors.New("isolate: port belongs to another isolate")
	ErrInterrupted = errors.New("isolate: interrupted")
	ErrShutdown    = errors.New("isolate: runtime is shut down")
)

// Options configures a Runtime.
type Options struct {
	Heap heap.Options
	GC   gc.Options
}

// DefaultOptions returns the heap defaults with compaction enabled.
func DefaultOptions() Options {
	return Options{
		Heap: heap.DefaultOptions(),
		GC:   gc.Options{Compact: true},
	}
}

// ---------------------------------------------------------------------------
// Runtime
// ---------------------------------------------------------------------------

// Runtime owns the port map, the isolate groups and the native ports of a
// process.
type Runtime struct {
	opts  Options
	ports *PortMap
	log   commonlog.Logger

	mu       sync.Mutex
	groups   map[uuid.UUID]*Group
	natives  map[int64]*NativePort
	shutdown bool
}

func NewRuntime(opts Options) *Runtime {
	return &Runtime{
		opts:    opts,
		ports:   NewPortMap(),
		log:     commonlog.GetLogger("heapwire.isolate"),
		groups:  make(map[uuid.UUID]*Group),
		natives: make(map[int64]*NativePort),
	}
}

func (r *Runtime) Ports() *PortMap { return r.ports }

// NewGroup creates an isolate group with a fresh heap.
func (r *Runtime) NewGroup(name string) (*Group, error) {
	h, err := heap.New(r.opts.Heap)
	if err != nil {
		return nil, fmt.Errorf("isolate group %s: %w", name, err)
	}
	g := &Group{
		ID:        uuid.New(),
		Name:      name,
		runtime:   r,
		heap:      h,
		collector: gc.NewCollector(h, r.opts.GC),
		isolates:  make(map[uuid.UUID]*Isolate),
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.shutdown {
		return nil, ErrShutdown
	}
	r.groups[g.ID] = g
	r.log.Infof("isolate group %s (%s) created", name, g.ID)
	return g, nil
}

// Groups returns the live groups.
func (r *Runtime) Groups() []*Group {
	r.mu.Lock()
	defer r.mu.Unlock()
	groups := make([]*Group, 0, len(r.groups))
	for _, g := range r.groups {
		groups = append(groups, g)
	}
	return groups
}

// NewNativePort opens a port whose messages are decoded as CObject trees
// and passed to handler.
func (r *Runtime) NewNativePort(name string, handler NativeHandler) (*NativePort, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.shutdown {
		return nil, ErrShutdown
	}
	id, q := r.ports.open()
	np := &NativePort{
		id:      id,
		name:    name,
		ports:   r.ports,
		queue:   q,
		handler: handler,
		log:     r.log,
		done:    make(chan struct{}),
	}
	r.natives[id] = np
	go np.run()
	r.log.Debugf("native port %s opened as %d", name, id)
	return np, nil
}

// PostCObject sends o to port dest. On error nothing is moved out of o.
func (r *Runtime) PostCObject(dest int64, o *api.CObject, p snapshot.Priority) error {
	m, err := api.WriteMessage(o, dest, p)
	if err != nil {
		return err
	}
	return r.ports.Post(m)
}

// Shutdown closes every port, dropping undelivered messages, and stops the
// native port handlers.
func (r *Runtime) Shutdown() {
	r.mu.Lock()
	if r.shutdown {
		r.mu.Unlock()
		return
	}
	r.shutdown = true
	natives := r.natives
	r.natives = nil
	r.mu.Unlock()

	r.ports.closeAll()
	for _, np := range natives {
		<-np.done
	}
	r.log.Info("runtime shut down")
}

func (r *Runtime) removeGroup(g *Group) {
	r.mu.Lock()
	delete(r.groups, g.ID)
	r.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Group
// ---------------------------------------------------------------------------

// Group is a set of isolates sharing one heap. Mutators hold the safepoint
// lock for reading while they touch the heap; a collection holds it for
// writing.
type Group struct {
	ID   uuid.UUID
	Name string

	runtime   *Runtime
	heap      *heap.Heap
	collector *gc.Collector
	safepoint sync.RWMutex

	mu       sync.Mutex
	isolates map[uuid.UUID]*Isolate
}

func (g *Group) Heap() *heap.Heap { return g.heap }

func (g *Group) Collector() *gc.Collector { return g.collector }

// NewIsolate starts an isolate with an empty stack and a control port.
func (g *Group) NewIsolate(name string) *Isolate {
	iso := &Isolate{
		ID:    uuid.New(),
		Name:  name,
		group: g,
		stack: heap.NewStack(),
		log:   commonlog.GetLogger("heapwire.isolate"),
		ports: make(map[int64]*Port),
	}
	g.heap.AddStack(iso.stack)
	iso.control = iso.NewPort()
	g.mu.Lock()
	g.isolates[iso.ID] = iso
	g.mu.Unlock()
	iso.log.Debugf("isolate %s (%s) started in group %s", name, iso.ID, g.Name)
	return iso
}

// Isolates returns the live isolates of the group.
func (g *Group) Isolates() []*Isolate {
	g.mu.Lock()
	defer g.mu.Unlock()
	isolates := make([]*Isolate, 0, len(g.isolates))
	for _, iso := range g.isolates {
		isolates = append(isolates, iso)
	}
	return isolates
}

// Mutate runs fn while holding the safepoint for reading.
func (g *Group) Mutate(fn func(h *heap.Heap)) {
	g.safepoint.RLock()
	defer g.safepoint.RUnlock()
	fn(g.heap)
}

// CollectGarbage stops every mutator of the group and runs one collection.
func (g *Group) CollectGarbage() *gc.CycleStats {
	g.safepoint.Lock()
	defer g.safepoint.Unlock()
	return g.collector.Collect()
}

// Shutdown stops every isolate and removes the group from the runtime.
func (g *Group) Shutdown() {
	for _, iso := range g.Isolates() {
		iso.Shutdown()
	}
	g.runtime.removeGroup(g)
}

func (g *Group) removeIsolate(iso *Isolate) {
	g.mu.Lock()
	delete(g.isolates, iso.ID)
	g.mu.Unlock()
}
