package isolate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/chazu/heapwire/snapshot"
)

func message(p snapshot.Priority) *snapshot.Message {
	return snapshot.NewMessage(1, nil, nil, p)
}

func TestQueueOOBFirst(t *testing.T) {
	q := NewMessageQueue()
	n1, n2 := message(snapshot.NormalPriority), message(snapshot.NormalPriority)
	o1, o2 := message(snapshot.OOBPriority), message(snapshot.OOBPriority)
	for _, m := range []*snapshot.Message{n1, o1, n2, o2} {
		if !q.Enqueue(m) {
			t.Fatalf("Enqueue on an open queue failed")
		}
	}
	for i, want := range []*snapshot.Message{o1, o2, n1, n2} {
		got, ok := q.Dequeue()
		if !ok || got != want {
			t.Fatalf("dequeue %d returned %v", i, got)
		}
	}
	if _, ok := q.Dequeue(); ok {
		t.Errorf("empty queue returned a message")
	}
}

func TestQueueWaitWakesOnEnqueue(t *testing.T) {
	q := NewMessageQueue()
	m := message(snapshot.NormalPriority)
	got := make(chan *snapshot.Message, 1)
	go func() {
		v, err := q.Wait(context.Background())
		if err != nil {
			t.Errorf("Wait: %v", err)
		}
		got <- v
	}()
	time.Sleep(10 * time.Millisecond)
	q.Enqueue(m)
	select {
	case v := <-got:
		if v != m {
			t.Errorf("woke with a different message")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("waiter not woken")
	}
}

func TestQueueWaitCanceled(t *testing.T) {
	q := NewMessageQueue()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := q.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestQueueCloseDropsPending(t *testing.T) {
	q := NewMessageQueue()
	released := 0
	fd := &snapshot.FinalizableData{}
	fd.Put(snapshot.FinalizableEntry{Data: []byte{1}, Release: func(any) { released++ }})
	q.Enqueue(snapshot.NewMessage(1, nil, fd, snapshot.NormalPriority))

	waiter := make(chan error, 1)
	empty := NewMessageQueue()
	go func() {
		_, err := empty.Wait(context.Background())
		waiter <- err
	}()
	empty.Close()
	if err := <-waiter; !errors.Is(err, ErrPortClosed) {
		t.Errorf("waiter err = %v, want ErrPortClosed", err)
	}

	if n := q.Close(); n != 1 || released != 1 {
		t.Errorf("Close released %d payloads, ran %d callbacks", n, released)
	}
	if q.Enqueue(message(snapshot.NormalPriority)) {
		t.Errorf("closed queue accepted a message")
	}
	if q.Close() != 0 {
		t.Errorf("second Close released payloads")
	}
}
