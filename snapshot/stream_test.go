package snapshot

import (
	"errors"
	"math"
	"testing"
)

func TestUnsignedRoundTrip(t *testing.T) {
	values := []uint64{0, 1, 0x7F, 0x80, 0x3FFF, 0x4000, 1 << 35, math.MaxUint64}
	w := NewWriteStream(0)
	for _, v := range values {
		w.WriteUnsigned(v)
	}
	r := NewReadStream(w.Bytes())
	for _, want := range values {
		if got := r.ReadUnsigned(); got != want {
			t.Errorf("ReadUnsigned = %d, want %d", got, want)
		}
	}
	if r.Err() != nil || r.Remaining() != 0 {
		t.Fatalf("err = %v, remaining = %d", r.Err(), r.Remaining())
	}
}

func TestUnsignedEncodingSize(t *testing.T) {
	tests := []struct {
		v    uint64
		size int
	}{
		{0, 1},
		{127, 1},
		{128, 2},
		{16383, 2},
		{16384, 3},
		{math.MaxUint64, 10},
	}
	for _, tt := range tests {
		w := NewWriteStream(0)
		w.WriteUnsigned(tt.v)
		if w.Len() != tt.size {
			t.Errorf("WriteUnsigned(%d) wrote %d bytes, want %d", tt.v, w.Len(), tt.size)
		}
	}
}

func TestFixedWidthRoundTrip(t *testing.T) {
	w := NewWriteStream(0)
	w.WriteInt64(-42)
	w.WriteUint64(math.MaxUint64)
	w.WriteFloat64(math.Pi)
	w.WriteUint16s([]uint16{0x41, 0xD800, 0xFFFF})
	w.WriteBytes([]byte("tail"))

	r := NewReadStream(w.Bytes())
	if got := r.ReadInt64(); got != -42 {
		t.Errorf("ReadInt64 = %d", got)
	}
	if got := r.ReadUint64(); got != math.MaxUint64 {
		t.Errorf("ReadUint64 = %d", got)
	}
	if got := r.ReadFloat64(); got != math.Pi {
		t.Errorf("ReadFloat64 = %v", got)
	}
	units := r.ReadUint16s(3)
	if len(units) != 3 || units[0] != 0x41 || units[1] != 0xD800 || units[2] != 0xFFFF {
		t.Errorf("ReadUint16s = %v", units)
	}
	if got := string(r.ReadBytes(4)); got != "tail" {
		t.Errorf("ReadBytes = %q", got)
	}
	if r.Err() != nil {
		t.Fatalf("unexpected error: %v", r.Err())
	}
}

func TestReadErrorsAreSticky(t *testing.T) {
	r := NewReadStream([]byte{1, 2, 3})
	if got := r.ReadInt64(); got != 0 {
		t.Errorf("ReadInt64 on short stream = %d", got)
	}
	if !errors.Is(r.Err(), ErrTruncated) {
		t.Fatalf("err = %v, want ErrTruncated", r.Err())
	}
	if r.Remaining() != 0 {
		t.Errorf("stream not exhausted after failure")
	}
	if got := r.ReadUnsigned(); got != 0 || !errors.Is(r.Err(), ErrTruncated) {
		t.Errorf("read after failure = %d, err = %v", got, r.Err())
	}
	if !errors.Is(r.Err(), ErrProtocol) {
		t.Errorf("truncation is not a protocol error")
	}
}

func TestMalformedUnsigned(t *testing.T) {
	data := make([]byte, 11)
	for i := range data {
		data[i] = 0x80
	}
	r := NewReadStream(data)
	r.ReadUnsigned()
	if !errors.Is(r.Err(), ErrMalformedInteger) {
		t.Fatalf("err = %v, want ErrMalformedInteger", r.Err())
	}

	r = NewReadStream([]byte{0x80, 0x80})
	r.ReadUnsigned()
	if !errors.Is(r.Err(), ErrTruncated) {
		t.Fatalf("err = %v, want ErrTruncated", r.Err())
	}
}

func TestReadUint16sBounds(t *testing.T) {
	r := NewReadStream([]byte{1, 0, 2})
	if units := r.ReadUint16s(2); units != nil {
		t.Errorf("ReadUint16s past the end = %v", units)
	}
	if !errors.Is(r.Err(), ErrTruncated) {
		t.Errorf("err = %v", r.Err())
	}
}
