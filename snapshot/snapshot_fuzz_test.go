package snapshot

import (
	"testing"

	"github.com/chazu/heapwire/heap"
)

// FuzzReadMessage feeds arbitrary snapshots to the deserializer. It must
// return an error or a value, never panic.
func FuzzReadMessage(f *testing.F) {
	src := heap.MustNew(heap.DefaultOptions())
	m := src.NewMap()
	src.MapSet(m, src.NewString("k"), src.NewArrayOf(src.NewDouble(1.5), src.Symbol("v")))
	td := src.NewTypedData(heap.Uint8, 8)
	seeds := []heap.Value{
		src.NewArrayOf(heap.FromSmi(1), src.NewString("hello"), heap.FromSmi(1)),
		m,
		src.NewArrayOf(td, src.NewTypedDataView(heap.Uint8, td, 2, 4)),
		src.NewArrayOf(src.NewType(heap.ArrayCid, src.NewTypeArguments(1), heap.Legacy)),
	}
	for _, root := range seeds {
		msg, err := WriteMessage(src, root, 0, NormalPriority)
		if err != nil {
			f.Fatalf("WriteMessage: %v", err)
		}
		f.Add(msg.Snapshot)
		f.Add(msg.Snapshot[:len(msg.Snapshot)/2])
	}
	f.Add([]byte{})
	f.Add([]byte{9, 9, 0, 0, 0, 0, 1})

	dst := heap.MustNew(heap.DefaultOptions())
	f.Fuzz(func(t *testing.T, data []byte) {
		ReadMessage(dst, NewMessage(0, data, nil, NormalPriority), nil)
	})
}
