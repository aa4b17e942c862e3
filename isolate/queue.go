package isolate

import (
	"context"
	"sync"

	"github.com/chazu/heapwire/snapshot"
)

// ---------------------------------------------------------------------------
// MessageQueue: per-port FIFO with an out-of-band lane
// ---------------------------------------------------------------------------

// MessageQueue holds the undelivered messages of one port. OOB messages are
// dequeued before every normal message; within a lane order is FIFO.
type MessageQueue struct {
	mu     sync.Mutex
	oob    []*snapshot.Message
	normal []*snapshot.Message
	closed bool
	wake   chan struct{} // closed and replaced on every enqueue
}

func NewMessageQueue() *MessageQueue {
	return &MessageQueue{wake: make(chan struct{})}
}

// Enqueue appends m. It returns false, leaving m with the caller, if the
// queue is closed.
func (q *MessageQueue) Enqueue(m *snapshot.Message) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	if m.Priority == snapshot.OOBPriority {
		q.oob = append(q.oob, m)
	} else {
		q.normal = append(q.normal, m)
	}
	close(q.wake)
	q.wake = make(chan struct{})
	return true
}

// Dequeue removes the next message without blocking.
func (q *MessageQueue) Dequeue() (*snapshot.Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dequeueLocked()
}

func (q *MessageQueue) dequeueLocked() (*snapshot.Message, bool) {
	var m *snapshot.Message
	switch {
	case len(q.oob) > 0:
		m, q.oob[0] = q.oob[0], nil
		q.oob = q.oob[1:]
	case len(q.normal) > 0:
		m, q.normal[0] = q.normal[0], nil
		q.normal = q.normal[1:]
	default:
		return nil, false
	}
	return m, true
}

// Wait blocks until a message is available, the queue is closed or ctx is
// done.
func (q *MessageQueue) Wait(ctx context.Context) (*snapshot.Message, error) {
	for {
		q.mu.Lock()
		if m, ok := q.dequeueLocked(); ok {
			q.mu.Unlock()
			return m, nil
		}
		if q.closed {
			q.mu.Unlock()
			return nil, ErrPortClosed
		}
		wake := q.wake
		q.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Len returns the number of queued messages.
func (q *MessageQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.oob) + len(q.normal)
}

// Close rejects further messages, wakes every waiter and drops the
// messages still queued. It returns the number of payloads released.
func (q *MessageQueue) Close() int {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return 0
	}
	q.closed = true
	pending := append(q.oob, q.normal...)
	q.oob, q.normal = nil, nil
	close(q.wake)
	q.mu.Unlock()

	released := 0
	for _, m := range pending {
		released += m.Drop()
	}
	return released
}
