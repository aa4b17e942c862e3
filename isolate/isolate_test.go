package isolate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/chazu/heapwire/heap"
	"github.com/chazu/heapwire/snapshot"
	"github.com/chazu/heapwire/snapshot/api"
)

func newRuntime(t *testing.T) *Runtime {
	t.Helper()
	rt := NewRuntime(DefaultOptions())
	t.Cleanup(rt.Shutdown)
	return rt
}

func newGroup(t *testing.T, rt *Runtime, name string) *Group {
	t.Helper()
	g, err := rt.NewGroup(name)
	if err != nil {
		t.Fatalf("NewGroup: %v", err)
	}
	return g
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestSendReceiveAcrossGroups(t *testing.T) {
	rt := newRuntime(t)
	a := newGroup(t, rt, "a").NewIsolate("sender")
	b := newGroup(t, rt, "b").NewIsolate("receiver")
	port := b.NewPort()

	var v heap.Value
	a.Group().Mutate(func(h *heap.Heap) {
		v = h.NewArrayOf(h.NewString("hello"), heap.FromSmi(3))
	})
	if err := a.Send(port.ID(), v, snapshot.NormalPriority); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if port.Pending() != 1 {
		t.Fatalf("pending = %d", port.Pending())
	}
	got, err := b.Receive(testContext(t), port)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	h := b.Heap()
	if h.ArrayLength(got) != 2 || h.StringValue(h.ArrayAt(got, 0)) != "hello" || h.ArrayAt(got, 1).Smi() != 3 {
		t.Errorf("received a different value")
	}
	if top := b.Stack().At(b.Stack().Len() - 1); top != got {
		t.Errorf("received value not pushed onto the stack")
	}
}

func TestSendPortObjects(t *testing.T) {
	rt := newRuntime(t)
	iso := newGroup(t, rt, "g").NewIsolate("i")
	p := iso.NewPort()
	sp := iso.NewSendPort(p)
	h := iso.Heap()
	if h.SendPortID(sp) != p.ID() || h.SendPortOrigin(sp) != iso.ControlPort().ID() {
		t.Errorf("send port %d@%d", h.SendPortID(sp), h.SendPortOrigin(sp))
	}
	if err := iso.Send(h.SendPortID(sp), sp, snapshot.NormalPriority); err != nil {
		t.Fatalf("Send: %v", err)
	}
	got, err := iso.Receive(testContext(t), p)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if h.SendPortID(got) != p.ID() {
		t.Errorf("received send port for %d", h.SendPortID(got))
	}
}

func TestSendToClosedPortReleasesPayloads(t *testing.T) {
	rt := newRuntime(t)
	iso := newGroup(t, rt, "g").NewIsolate("i")
	p := iso.NewPort()
	p.Close()

	released := 0
	o := api.ExternalTypedData(heap.Uint8, []byte{1, 2}, nil, func(any) { released++ })
	if err := rt.PostCObject(p.ID(), o, snapshot.NormalPriority); !errors.Is(err, ErrPortClosed) {
		t.Fatalf("err = %v, want ErrPortClosed", err)
	}
	if released != 1 {
		t.Errorf("release ran %d times", released)
	}
	if err := rt.PostCObject(12345, api.Null(), snapshot.NormalPriority); !errors.Is(err, ErrPortClosed) {
		t.Errorf("unknown port: err = %v", err)
	}
}

func TestPostCObjectToIsolate(t *testing.T) {
	rt := newRuntime(t)
	iso := newGroup(t, rt, "g").NewIsolate("i")
	p := iso.NewPort()
	o := api.Array(api.Int32(1), api.String("x"), api.TypedData(heap.Uint8, []byte{9}))
	if err := rt.PostCObject(p.ID(), o, snapshot.NormalPriority); err != nil {
		t.Fatalf("PostCObject: %v", err)
	}
	v, err := iso.Receive(testContext(t), p)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	h := iso.Heap()
	if h.ArrayLength(v) != 3 || h.StringValue(h.ArrayAt(v, 1)) != "x" {
		t.Fatalf("received a different value")
	}
	if b := h.TypedDataBytes(h.ArrayAt(v, 2)); len(b) != 1 || b[0] != 9 {
		t.Errorf("typed data = %v", b)
	}
}

func TestNativePort(t *testing.T) {
	rt := newRuntime(t)
	iso := newGroup(t, rt, "g").NewIsolate("i")
	got := make(chan string, 1)
	np, err := rt.NewNativePort("echo", func(port int64, o *api.CObject) {
		got <- o.String()
	})
	if err != nil {
		t.Fatalf("NewNativePort: %v", err)
	}

	var v heap.Value
	iso.Group().Mutate(func(h *heap.Heap) {
		m := h.NewMap()
		h.MapSet(m, h.NewString("k"), heap.FromSmi(1))
		v = h.NewArrayOf(h.NewString("native"), heap.FromSmi(2), h.NewDouble(0.5), m)
	})
	if err := iso.Send(np.ID(), v, snapshot.NormalPriority); err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case s := <-got:
		if want := `["native", 2, 0.5, unsupported]`; s != want {
			t.Errorf("handler got %s, want %s", s, want)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("handler not called")
	}
	np.Close()
	if rt.Ports().IsOpen(np.ID()) {
		t.Errorf("native port still open after Close")
	}
}

func TestReceiveRejectsForeignPort(t *testing.T) {
	rt := newRuntime(t)
	g := newGroup(t, rt, "g")
	a, b := g.NewIsolate("a"), g.NewIsolate("b")
	if _, err := a.Receive(testContext(t), b.NewPort()); !errors.Is(err, ErrNotOwner) {
		t.Errorf("err = %v, want ErrNotOwner", err)
	}
}

func TestInterruptStopsRehash(t *testing.T) {
	rt := newRuntime(t)
	iso := newGroup(t, rt, "g").NewIsolate("i")
	p := iso.NewPort()
	var v heap.Value
	iso.Group().Mutate(func(h *heap.Heap) {
		m := h.NewMap()
		h.MapSet(m, h.NewString("k"), heap.FromSmi(1))
		v = m
	})
	if err := iso.Send(p.ID(), v, snapshot.NormalPriority); err != nil {
		t.Fatalf("Send: %v", err)
	}
	iso.Interrupt()
	if _, err := iso.Receive(testContext(t), p); !errors.Is(err, ErrInterrupted) {
		t.Fatalf("err = %v, want ErrInterrupted", err)
	}
	if !iso.ClearInterrupt() || iso.Interrupted() {
		t.Errorf("interrupt flag not cleared")
	}
}

func TestCollectGarbageKeepsReceivedValues(t *testing.T) {
	rt := newRuntime(t)
	g := newGroup(t, rt, "g")
	iso := g.NewIsolate("i")
	p := iso.NewPort()
	if err := rt.PostCObject(p.ID(), api.Array(api.String("survivor"), api.Int64(heap.MaxSmi+1)), snapshot.NormalPriority); err != nil {
		t.Fatalf("PostCObject: %v", err)
	}
	g.Mutate(func(h *heap.Heap) {
		for i := 0; i < 1000; i++ {
			h.NewString("garbage")
		}
	})
	if _, err := iso.Receive(testContext(t), p); err != nil {
		t.Fatalf("Receive: %v", err)
	}
	g.Mutate(func(h *heap.Heap) {
		for i := 0; i < 1000; i++ {
			h.NewString("more garbage")
		}
	})

	stats := g.CollectGarbage()
	if stats == nil || g.Collector().Cycles() != 1 {
		t.Fatalf("no collection ran")
	}
	h := iso.Heap()
	v := iso.Stack().At(iso.Stack().Len() - 1)
	if s := h.StringValue(h.ArrayAt(v, 0)); s != "survivor" {
		t.Errorf("string after collection = %q", s)
	}
	if n, _ := h.IntegerValue(h.ArrayAt(v, 1)); n != heap.MaxSmi+1 {
		t.Errorf("mint after collection = %d", n)
	}
}

func TestIsolateShutdown(t *testing.T) {
	rt := newRuntime(t)
	g := newGroup(t, rt, "g")
	iso := g.NewIsolate("i")
	p := iso.NewPort()
	if len(g.Isolates()) != 1 {
		t.Fatalf("isolates = %d", len(g.Isolates()))
	}
	iso.Shutdown()
	if rt.Ports().IsOpen(p.ID()) || rt.Ports().IsOpen(iso.ControlPort().ID()) {
		t.Errorf("ports still open after shutdown")
	}
	if len(g.Isolates()) != 0 || len(g.Heap().Stacks()) != 0 {
		t.Errorf("isolate still registered")
	}
	if _, err := iso.Receive(testContext(t), p); !errors.Is(err, ErrPortClosed) {
		t.Errorf("receive after shutdown: err = %v", err)
	}
}

func TestRuntimeShutdown(t *testing.T) {
	rt := NewRuntime(DefaultOptions())
	g, err := rt.NewGroup("g")
	if err != nil {
		t.Fatalf("NewGroup: %v", err)
	}
	p := g.NewIsolate("i").NewPort()
	rt.Shutdown()
	if rt.Ports().Len() != 0 {
		t.Errorf("%d ports open after shutdown", rt.Ports().Len())
	}
	if err := rt.PostCObject(p.ID(), api.Null(), snapshot.NormalPriority); !errors.Is(err, ErrPortClosed) {
		t.Errorf("post after shutdown: err = %v", err)
	}
	if _, err := rt.NewGroup("late"); !errors.Is(err, ErrShutdown) {
		t.Errorf("NewGroup after shutdown: err = %v", err)
	}
}

func TestInvalidHeapOptions(t *testing.T) {
	opts := DefaultOptions()
	opts.Heap.PageSize = 1000
	rt := NewRuntime(opts)
	defer rt.Shutdown()
	if _, err := rt.NewGroup("bad"); !errors.Is(err, heap.ErrInvalidPageSize) {
		t.Errorf("err = %v, want ErrInvalidPageSize", err)
	}
}
