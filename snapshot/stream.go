package snapshot

import (
	"encoding/binary"
	"math"
)

// ---------------------------------------------------------------------------
// WriteStream
// ---------------------------------------------------------------------------

// WriteStream accumulates a message snapshot. Unsigned values use a
// variable-length encoding of 7 bits per byte with the high bit as a
// continuation flag. Fixed-width values are written in host byte order, so
// a snapshot can only be read on a host of the same architecture.
type WriteStream struct {
	buf []byte
}

// NewWriteStream creates a stream with room for capacity bytes.
func NewWriteStream(capacity int) *WriteStream {
	return &WriteStream{buf: make([]byte, 0, capacity)}
}

// WriteUnsigned appends v as a variable-length integer.
func (w *WriteStream) WriteUnsigned(v uint64) {
	for v >= 0x80 {
		w.buf = append(w.buf, byte(v)|0x80)
		v >>= 7
	}
	w.buf = append(w.buf, byte(v))
}

// WriteInt64 appends v in host byte order.
func (w *WriteStream) WriteInt64(v int64) {
	w.buf = binary.NativeEndian.AppendUint64(w.buf, uint64(v))
}

// WriteUint64 appends v in host byte order.
func (w *WriteStream) WriteUint64(v uint64) {
	w.buf = binary.NativeEndian.AppendUint64(w.buf, v)
}

// WriteFloat64 appends the bits of f in host byte order.
func (w *WriteStream) WriteFloat64(f float64) {
	w.buf = binary.NativeEndian.AppendUint64(w.buf, math.Float64bits(f))
}

// WriteUint16s appends units in host byte order.
func (w *WriteStream) WriteUint16s(units []uint16) {
	for _, u := range units {
		w.buf = binary.NativeEndian.AppendUint16(w.buf, u)
	}
}

// WriteBytes appends b verbatim.
func (w *WriteStream) WriteBytes(b []byte) {
	w.buf = append(w.buf, b...)
}

// Len returns the number of bytes written.
func (w *WriteStream) Len() int { return len(w.buf) }

// Bytes returns the written bytes. The slice aliases the stream.
func (w *WriteStream) Bytes() []byte { return w.buf }

// ---------------------------------------------------------------------------
// ReadStream
// ---------------------------------------------------------------------------

// maxUnsignedBytes bounds the encoding of a 64-bit value.
const maxUnsignedBytes = 10

// ReadStream reads a message snapshot. The first error is sticky: once a
// read runs past the end of the data or meets a malformed value, every later
// read returns zero and Err reports the failure.
type ReadStream struct {
	data   []byte
	offset int
	err    error
}

// NewReadStream creates a stream over data.
func NewReadStream(data []byte) *ReadStream {
	return &ReadStream{data: data}
}

// Err returns the first error encountered, or nil.
func (r *ReadStream) Err() error { return r.err }

// Remaining returns the number of unread bytes.
func (r *ReadStream) Remaining() int { return len(r.data) - r.offset }

// Position returns the read offset.
func (r *ReadStream) Position() int { return r.offset }

// Fail records err unless an earlier error is pending and exhausts the
// stream, so that every later read fails too.
func (r *ReadStream) Fail(err error) { r.fail(err) }

func (r *ReadStream) fail(err error) {
	if r.err == nil {
		r.err = err
	}
	r.offset = len(r.data)
}

// ReadUnsigned reads a variable-length integer.
func (r *ReadStream) ReadUnsigned() uint64 {
	if r.err != nil {
		return 0
	}
	var v uint64
	var shift uint
	for i := 0; i < maxUnsignedBytes; i++ {
		if r.offset >= len(r.data) {
			r.fail(ErrTruncated)
			return 0
		}
		b := r.data[r.offset]
		r.offset++
		v |= uint64(b&0x7F) << shift
		if b < 0x80 {
			return v
		}
		shift += 7
	}
	r.fail(ErrMalformedInteger)
	return 0
}

func (r *ReadStream) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || n > r.Remaining() {
		r.fail(ErrTruncated)
		return nil
	}
	b := r.data[r.offset : r.offset+n : r.offset+n]
	r.offset += n
	return b
}

// ReadInt64 reads a host-order int64.
func (r *ReadStream) ReadInt64() int64 {
	return int64(r.ReadUint64())
}

// ReadUint64 reads a host-order uint64.
func (r *ReadStream) ReadUint64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.NativeEndian.Uint64(b)
}

// ReadFloat64 reads a host-order float64.
func (r *ReadStream) ReadFloat64() float64 {
	return math.Float64frombits(r.ReadUint64())
}

// ReadUint16s reads n host-order uint16 values.
func (r *ReadStream) ReadUint16s(n int) []uint16 {
	if n < 0 || n > r.Remaining()/2 {
		r.fail(ErrTruncated)
		return nil
	}
	b := r.take(2 * n)
	if b == nil {
		return nil
	}
	units := make([]uint16, n)
	for i := range units {
		units[i] = binary.NativeEndian.Uint16(b[2*i:])
	}
	return units
}

// ReadBytes reads n bytes. The slice aliases the stream's data.
func (r *ReadStream) ReadBytes(n int) []byte {
	return r.take(n)
}
