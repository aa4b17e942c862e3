package snapshot

import (
	"bytes"
	"errors"
	"testing"

	"github.com/chazu/heapwire/heap"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	src, dst := newHeap(t), newHeap(t)
	ext := src.NewExternalTypedData(heap.Uint8, []byte("out of band"), nil, nil)
	root := src.NewArrayOf(src.NewString("inline"), ext)
	want := describe(src, root)

	m, err := WriteMessage(src, root, 42, OOBPriority)
	if err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	data, err := MarshalMessage(m)
	if err != nil {
		t.Fatalf("MarshalMessage: %v", err)
	}
	again, err := MarshalMessage(m)
	if err != nil || !bytes.Equal(data, again) {
		t.Errorf("encoding is not deterministic")
	}

	got, err := UnmarshalMessage(data)
	if err != nil {
		t.Fatalf("UnmarshalMessage: %v", err)
	}
	if got.ID != m.ID || got.DestPort != 42 || got.Priority != OOBPriority {
		t.Errorf("header = %s/%d/%s", got.ID, got.DestPort, got.Priority)
	}
	if !bytes.Equal(got.Snapshot, m.Snapshot) || got.Finalizable.Len() != 1 {
		t.Fatalf("payload mismatch: %d snapshot bytes, %d entries", len(got.Snapshot), got.Finalizable.Len())
	}
	v, err := ReadMessage(dst, got, nil)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if d := describe(dst, v); d != want {
		t.Errorf("got %s, want %s", d, want)
	}
}

func TestEnvelopeRawMessage(t *testing.T) {
	h := newHeap(t)
	m := NewRawMessage(3, h.True, NormalPriority)
	data, err := MarshalMessage(m)
	if err != nil {
		t.Fatalf("MarshalMessage: %v", err)
	}
	got, err := UnmarshalMessage(data)
	if err != nil {
		t.Fatalf("UnmarshalMessage: %v", err)
	}
	if !got.IsRaw() || got.RawValue() != h.True || got.ID != m.ID {
		t.Errorf("raw message decoded as raw=%t value=%#x", got.IsRaw(), uint64(got.RawValue()))
	}
}

func TestRawMessageWithHeapPointer(t *testing.T) {
	h := newHeap(t)
	data, err := MarshalMessage(NewRawMessage(1, heap.FromAddress(0x7fff0000), NormalPriority))
	if err != nil {
		t.Fatalf("MarshalMessage: %v", err)
	}
	m, err := UnmarshalMessage(data)
	if err != nil {
		t.Fatalf("UnmarshalMessage: %v", err)
	}
	if v, err := ReadMessage(h, m, nil); !errors.Is(err, ErrBadObject) {
		t.Errorf("ReadMessage = %#x, %v; want ErrBadObject", uint64(v), err)
	}

	for _, v := range []heap.Value{heap.FromSmi(-7), h.EmptyArray, h.False} {
		got, err := ReadMessage(h, NewRawMessage(1, v, NormalPriority), nil)
		if err != nil || got != v {
			t.Errorf("ReadMessage(raw %#x) = %#x, %v", uint64(v), uint64(got), err)
		}
	}
}

func TestEnvelopeRejects(t *testing.T) {
	h := newHeap(t)
	m := NewRawMessage(3, heap.FromSmi(1), NormalPriority)
	good, err := MarshalMessage(m)
	if err != nil {
		t.Fatalf("MarshalMessage: %v", err)
	}
	wrongVersion, _ := envelopeEncMode.Marshal(&envelope{Version: 2, ID: m.ID[:], WordSize: heap.WordSize, LittleEndian: hostLittleEndian()})
	wrongHost, _ := envelopeEncMode.Marshal(&envelope{Version: envelopeVersion, ID: m.ID[:], WordSize: 4, LittleEndian: hostLittleEndian()})
	badID, _ := envelopeEncMode.Marshal(&envelope{Version: envelopeVersion, ID: []byte{1, 2}, WordSize: heap.WordSize, LittleEndian: hostLittleEndian()})
	rawWithSnapshot, _ := envelopeEncMode.Marshal(&envelope{
		Version: envelopeVersion, ID: m.ID[:], Raw: true, RawValue: uint64(h.Null),
		WordSize: heap.WordSize, LittleEndian: hostLittleEndian(), Snapshot: []byte{1},
	})

	tests := map[string][]byte{
		"truncated":         good[:len(good)/2],
		"garbage":           []byte{0xFF, 0x00, 0x13},
		"version":           wrongVersion,
		"host":              wrongHost,
		"id":                badID,
		"raw with snapshot": rawWithSnapshot,
	}
	for name, data := range tests {
		if _, err := UnmarshalMessage(data); !errors.Is(err, ErrEnvelope) {
			t.Errorf("%s: err = %v, want ErrEnvelope", name, err)
		}
	}
}
