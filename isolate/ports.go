package isolate

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tliron/commonlog"

	"github.com/chazu/heapwire/snapshot"
	"github.com/chazu/heapwire/snapshot/api"
)

// ---------------------------------------------------------------------------
// PortMap: process-wide port registry
// ---------------------------------------------------------------------------

// PortMap assigns port ids and routes messages to the queue of the port
// they are addressed to.
type PortMap struct {
	mu     sync.RWMutex
	queues map[int64]*MessageQueue
	nextID atomic.Int64
	log    commonlog.Logger
}

func NewPortMap() *PortMap {
	pm := &PortMap{
		queues: make(map[int64]*MessageQueue),
		log:    commonlog.GetLogger("heapwire.isolate"),
	}
	// 0 is never a valid port id.
	pm.nextID.Store(1)
	return pm
}

func (pm *PortMap) open() (int64, *MessageQueue) {
	id := pm.nextID.Add(1) - 1
	q := NewMessageQueue()
	pm.mu.Lock()
	pm.queues[id] = q
	pm.mu.Unlock()
	return id, q
}

// close unregisters id and drops its pending messages.
func (pm *PortMap) close(id int64) {
	pm.mu.Lock()
	q, ok := pm.queues[id]
	delete(pm.queues, id)
	pm.mu.Unlock()
	if !ok {
		return
	}
	if n := q.Close(); n > 0 {
		pm.log.Debugf("port %d closed, released %d payloads", id, n)
	}
}

// Post delivers m to its destination port. If the port is unknown or
// closed, m is dropped and its payloads released.
func (pm *PortMap) Post(m *snapshot.Message) error {
	pm.mu.RLock()
	q, ok := pm.queues[m.DestPort]
	pm.mu.RUnlock()
	if ok && q.Enqueue(m) {
		return nil
	}
	n := m.Drop()
	pm.log.Debugf("message %s to closed port %d dropped, released %d payloads", m.ID, m.DestPort, n)
	return fmt.Errorf("%w: %d", ErrPortClosed, m.DestPort)
}

// IsOpen reports whether id names an open port.
func (pm *PortMap) IsOpen(id int64) bool {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	_, ok := pm.queues[id]
	return ok
}

// Len returns the number of open ports.
func (pm *PortMap) Len() int {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return len(pm.queues)
}

// closeAll closes every port.
func (pm *PortMap) closeAll() {
	pm.mu.Lock()
	ids := make([]int64, 0, len(pm.queues))
	for id := range pm.queues {
		ids = append(ids, id)
	}
	pm.mu.Unlock()
	for _, id := range ids {
		pm.close(id)
	}
}

// ---------------------------------------------------------------------------
// Port: a receive port owned by an isolate
// ---------------------------------------------------------------------------

type Port struct {
	id    int64
	owner *Isolate
	queue *MessageQueue
}

func (p *Port) ID() int64 { return p.id }

// Pending returns the number of undelivered messages.
func (p *Port) Pending() int { return p.queue.Len() }

// Close closes the port. Undelivered messages are dropped.
func (p *Port) Close() {
	p.owner.closePort(p)
}

// ---------------------------------------------------------------------------
// NativePort: a port served by Go code
// ---------------------------------------------------------------------------

// NativeHandler receives the messages of a native port, decoded as CObject
// trees.
type NativeHandler func(port int64, message *api.CObject)

// NativePort runs its handler on a goroutine of its own, one message at a
// time.
type NativePort struct {
	id      int64
	name    string
	ports   *PortMap
	queue   *MessageQueue
	handler NativeHandler
	log     commonlog.Logger
	done    chan struct{}
}

func (np *NativePort) ID() int64 { return np.id }

func (np *NativePort) Name() string { return np.name }

func (np *NativePort) run() {
	defer close(np.done)
	for {
		m, err := np.queue.Wait(context.Background())
		if err != nil {
			return
		}
		o, err := api.ReadMessage(m)
		if err != nil {
			np.log.Errorf("native port %s: %s", np.name, err)
			m.Drop()
			continue
		}
		np.handler(np.id, o)
	}
}

// Close closes the port and waits for the handler to return.
func (np *NativePort) Close() {
	np.ports.close(np.id)
	<-np.done
}
