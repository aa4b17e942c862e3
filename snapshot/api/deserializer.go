package api

import (
	"bytes"
	"fmt"
	"sync"
	"unicode/utf16"

	"github.com/tliron/commonlog"
	"golang.org/x/text/encoding/charmap"

	"github.com/chazu/heapwire/heap"
	"github.com/chazu/heapwire/snapshot"
)

const (
	maxExternalLength = 1 << 40
	maxGrowableLength = 1 << 31
)

// baseObjects maps the base object refs onto CObjects, in the order of
// heap.BaseObjects.
var baseObjects = [heap.NumBaseObjects]*CObject{
	nullObject,        // null
	unsupportedObject, // sentinel
	unsupportedObject, // transition sentinel
	emptyArrayObject,
	unsupportedObject, // dynamic
	unsupportedObject, // void
	unsupportedObject, // empty type arguments
	trueObject,
	falseObject,
}

// referenceHeap supplies the base object addresses raw messages carry.
// They are the same in every heap.
var referenceHeap = sync.OnceValue(func() *heap.Heap {
	return heap.MustNew(heap.DefaultOptions())
})

type readCluster struct {
	cid       heap.ClassID
	canonical bool
	start     int
	stop      int
	lengths   []int
}

type growable struct {
	array  *CObject
	length int
	data   *CObject
}

// Deserializer reads a message snapshot as a CObject tree. Every cluster
// the heap serializer writes is understood. Objects without a CObject form
// decode as the unsupported placeholder, growable arrays as arrays and all
// typed data, views included, as typed data.
type Deserializer struct {
	r           *snapshot.ReadStream
	finalizable *snapshot.FinalizableData
	log         commonlog.Logger

	refs      []*CObject
	nextRef   int
	budget    int
	clusters  []*readCluster
	growables []growable
	taken     []snapshot.FinalizableEntry
}

func NewDeserializer(data []byte, fd *snapshot.FinalizableData) *Deserializer {
	if fd == nil {
		fd = &snapshot.FinalizableData{}
	}
	return &Deserializer{
		r:           snapshot.NewReadStream(data),
		finalizable: fd,
		log:         commonlog.GetLogger("heapwire.snapshot.api"),
		budget:      len(data),
	}
}

// Deserialize reads the message. On error every out-of-band entry already
// taken is released.
func (d *Deserializer) Deserialize() (*CObject, error) {
	root, err := d.deserialize()
	if err != nil {
		for _, e := range d.taken {
			if e.Release != nil {
				e.Release(e.Peer)
			}
		}
		return nil, err
	}
	return root, nil
}

func (d *Deserializer) deserialize() (*CObject, error) {
	numBase := d.r.ReadUnsigned()
	total := d.r.ReadUnsigned()
	if err := d.r.Err(); err != nil {
		return nil, err
	}
	if numBase != heap.NumBaseObjects {
		return nil, fmt.Errorf("%w: message has %d, expected %d", snapshot.ErrBaseObjectMismatch, numBase, heap.NumBaseObjects)
	}
	if total < numBase || total-numBase > uint64(d.r.Remaining()) {
		return nil, fmt.Errorf("%w: %d objects in a %d byte message", snapshot.ErrObjectCount, total, d.budget)
	}
	d.refs = make([]*CObject, total+1)
	d.nextRef = 1
	for _, o := range baseObjects {
		d.assign(o)
	}

	for phase := snapshot.Phase(0); phase < snapshot.NumPhases; phase++ {
		if err := d.readPhase(phase); err != nil {
			return nil, err
		}
	}
	if d.nextRef != len(d.refs) {
		return nil, fmt.Errorf("%w: header declares %d objects, message has %d",
			snapshot.ErrObjectCount, len(d.refs)-1, d.nextRef-1)
	}
	root := d.ref()
	if err := d.r.Err(); err != nil {
		return nil, err
	}
	if n := d.r.Remaining(); n != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", snapshot.ErrBadObject, n)
	}
	for _, g := range d.growables {
		if g.data.Type != TypeArray || len(g.data.Elements) < g.length {
			return nil, fmt.Errorf("%w: growable array of length %d backed by %s", snapshot.ErrBadObject, g.length, g.data)
		}
		g.array.Elements = append([]*CObject(nil), g.data.Elements[:g.length]...)
	}
	if n := d.finalizable.Remaining(); n != 0 {
		return nil, fmt.Errorf("%w: %d entries not claimed by the snapshot", snapshot.ErrFinalizableData, n)
	}
	return root, nil
}

func (d *Deserializer) readPhase(phase snapshot.Phase) error {
	n := d.readCount()
	if err := d.r.Err(); err != nil {
		return err
	}
	active := make([]*readCluster, 0, n)
	for i := 0; i < n; i++ {
		tag := d.r.ReadUnsigned()
		if err := d.r.Err(); err != nil {
			return err
		}
		cid, canonical, err := snapshot.ParseClusterTag(tag, phase)
		if err != nil {
			return err
		}
		c := &readCluster{cid: cid, canonical: canonical, start: d.nextRef}
		d.readNodes(c)
		if err := d.r.Err(); err != nil {
			return err
		}
		c.stop = d.nextRef
		active = append(active, c)
	}
	for _, c := range active {
		d.readEdges(c)
		if err := d.r.Err(); err != nil {
			return err
		}
	}
	d.clusters = append(d.clusters, active...)
	return nil
}

func (d *Deserializer) readNodes(c *readCluster) {
	n := d.readCount()
	for i := 0; i < n && d.r.Err() == nil; i++ {
		switch cid := c.cid; {
		case cid == heap.SmiCid:
			x := d.r.ReadInt64()
			if !heap.SmiValid(x) {
				d.failf("Smi %d out of range", x)
				return
			}
			d.assign(Int(x))
		case cid == heap.MintCid:
			d.assign(Int(d.r.ReadInt64()))
		case cid == heap.DoubleCid:
			d.assign(Double(d.r.ReadFloat64()))
		case cid == heap.OneByteStringCid:
			b, _ := charmap.ISO8859_1.NewDecoder().Bytes(d.r.ReadBytes(d.readLength(1)))
			d.assign(String(string(b)))
		case cid == heap.TwoByteStringCid:
			d.assign(decodeUTF16(d.r.ReadUint16s(d.readLength(2))))
		case cid == heap.FunctionCid:
			d.r.ReadBytes(d.readLength(1))
			d.assign(unsupportedObject)
		case cid == heap.SendPortCid:
			id := d.r.ReadInt64()
			d.assign(SendPort(id, d.r.ReadInt64()))
		case cid == heap.CapabilityCid:
			d.assign(Capability(d.r.ReadUint64()))
		case cid == heap.NativePointerCid:
			ptr := d.r.ReadInt64()
			e, ok := d.take(0)
			if !ok {
				return
			}
			d.assign(NativePointer(ptr, e.Peer, e.Finalize))
		case cid == heap.TypeArgumentsCid:
			c.lengths = append(c.lengths, d.readLength(1))
			d.assign(unsupportedObject)
		case cid == heap.TypeCid:
			d.r.ReadUnsigned()
			d.r.ReadUnsigned()
			d.assign(unsupportedObject)
		case cid == heap.ArrayCid || cid == heap.ImmutableArrayCid:
			d.assign(&CObject{Type: TypeArray, Elements: make([]*CObject, d.readLength(1))})
		case cid == heap.GrowableObjectArrayCid:
			c.lengths = append(c.lengths, d.readBoundedLength(maxGrowableLength))
			d.assign(&CObject{Type: TypeArray})
		case heap.IsMapCid(cid) || heap.IsSetCid(cid):
			stride := 1
			if heap.IsMapCid(cid) {
				stride = 2
			}
			c.lengths = append(c.lengths, d.readLength(stride)*stride)
			d.assign(unsupportedObject)
		case cid == heap.ClosureCid:
			d.assign(unsupportedObject)
		case cid == heap.TransferableTypedDataCid:
			e, ok := d.take(d.readBoundedLength(maxExternalLength))
			if !ok {
				return
			}
			d.assign(TypedData(heap.Uint8, e.Data))
		case heap.IsTypedDataCid(cid):
			kind := heap.TypedDataKindOf(cid)
			length := d.readLength(kind.ElementSize())
			d.assign(TypedData(kind, bytes.Clone(d.r.ReadBytes(length*kind.ElementSize()))))
		case heap.IsTypedDataViewCid(cid):
			d.assign(&CObject{Type: TypeTypedData, Kind: heap.TypedDataKindOf(cid)})
		case heap.IsExternalTypedDataCid(cid):
			kind := heap.TypedDataKindOf(cid)
			e, ok := d.take(d.readBoundedLength(maxExternalLength) * kind.ElementSize())
			if !ok {
				return
			}
			if e.Finalize != nil {
				d.assign(ExternalTypedData(kind, e.Data, e.Peer, e.Finalize))
			} else {
				d.assign(TypedData(kind, e.Data))
			}
		default:
			d.failf("no reader for %s", cid)
		}
	}
}

func (d *Deserializer) readEdges(c *readCluster) {
	for i := c.start; i < c.stop && d.r.Err() == nil; i++ {
		o := d.refs[i]
		switch cid := c.cid; {
		case cid == heap.TypeArgumentsCid:
			d.skipRefs(c.lengths[i-c.start])
		case cid == heap.TypeCid, cid == heap.ClosureCid:
			d.skipRefs(1)
		case cid == heap.ArrayCid || cid == heap.ImmutableArrayCid:
			d.skipRefs(1)
			for j := range o.Elements {
				o.Elements[j] = d.ref()
			}
		case cid == heap.GrowableObjectArrayCid:
			d.skipRefs(1)
			d.growables = append(d.growables, growable{array: o, length: c.lengths[i-c.start], data: d.ref()})
		case heap.IsMapCid(cid) || heap.IsSetCid(cid):
			d.skipRefs(1 + c.lengths[i-c.start])
		case heap.IsTypedDataViewCid(cid):
			backing := d.ref()
			offset := d.readBoundedLength(maxExternalLength)
			length := d.readBoundedLength(maxExternalLength) * o.Kind.ElementSize()
			if backing.Type != TypeTypedData && backing.Type != TypeExternalTypedData {
				d.failf("view backed by %s", backing.Type)
				return
			}
			if offset+length > len(backing.Data) {
				d.failf("view [%d, %d) exceeds %d bytes", offset, offset+length, len(backing.Data))
				return
			}
			o.Data = backing.Data[offset : offset+length]
		}
	}
}

func (d *Deserializer) failf(format string, args ...any) {
	d.r.Fail(fmt.Errorf("%w: "+format, append([]any{snapshot.ErrBadObject}, args...)...))
}

func (d *Deserializer) assign(o *CObject) {
	if d.nextRef >= len(d.refs) {
		d.r.Fail(fmt.Errorf("%w: more objects than the header declares", snapshot.ErrObjectCount))
		return
	}
	d.refs[d.nextRef] = o
	d.nextRef++
}

func (d *Deserializer) readCount() int {
	n := d.r.ReadUnsigned()
	if n > uint64(d.budget) || n > uint64(len(d.refs)-d.nextRef) {
		d.r.Fail(fmt.Errorf("%w: count %d", snapshot.ErrObjectCount, n))
		return 0
	}
	d.budget -= int(n)
	return int(n)
}

func (d *Deserializer) readLength(unit int) int {
	n := d.r.ReadUnsigned()
	if n > uint64(d.budget/unit) {
		d.r.Fail(fmt.Errorf("%w: length %d exceeds the message", snapshot.ErrTruncated, n))
		return 0
	}
	d.budget -= int(n) * unit
	return int(n)
}

func (d *Deserializer) readBoundedLength(limit uint64) int {
	n := d.r.ReadUnsigned()
	if n > limit {
		d.failf("length %d exceeds %d", n, limit)
		return 0
	}
	return int(n)
}

// ref reads a reference to an allocated object. On failure it returns the
// null object and the stream reports the error.
func (d *Deserializer) ref() *CObject {
	id := d.r.ReadUnsigned()
	if d.r.Err() != nil {
		return nullObject
	}
	if id < 1 || id >= uint64(d.nextRef) {
		d.r.Fail(fmt.Errorf("%w: %d not in [1, %d)", snapshot.ErrRefOutOfRange, id, d.nextRef))
		return nullObject
	}
	return d.refs[id]
}

func (d *Deserializer) skipRefs(n int) {
	for i := 0; i < n && d.r.Err() == nil; i++ {
		d.ref()
	}
}

func (d *Deserializer) take(want int) (snapshot.FinalizableEntry, bool) {
	if d.r.Err() != nil {
		return snapshot.FinalizableEntry{}, false
	}
	e, ok := d.finalizable.Take()
	if !ok {
		d.r.Fail(fmt.Errorf("%w: snapshot claims more entries than the message carries", snapshot.ErrFinalizableData))
		return snapshot.FinalizableEntry{}, false
	}
	d.taken = append(d.taken, e)
	if len(e.Data) != want {
		d.r.Fail(fmt.Errorf("%w: entry holds %d bytes, snapshot expects %d", snapshot.ErrFinalizableData, len(e.Data), want))
		return snapshot.FinalizableEntry{}, false
	}
	return e, true
}

// decodeUTF16 returns the unsupported placeholder for strings holding a
// lone surrogate, which have no UTF-8 form.
func decodeUTF16(units []uint16) *CObject {
	for i := 0; i < len(units); i++ {
		u := rune(units[i])
		if !utf16.IsSurrogate(u) {
			continue
		}
		if u >= 0xDC00 || i+1 == len(units) || units[i+1] < 0xDC00 || units[i+1] > 0xDFFF {
			return unsupportedObject
		}
		i++
	}
	return String(string(utf16.Decode(units)))
}

// ReadMessage decodes m as a CObject tree.
func ReadMessage(m *snapshot.Message) (*CObject, error) {
	if m.IsRaw() {
		v := m.RawValue()
		if v.IsSmi() {
			return Int(v.Smi()), nil
		}
		for i, b := range referenceHeap().BaseObjects() {
			if b == v {
				return baseObjects[i], nil
			}
		}
		return nil, fmt.Errorf("%w: raw message holds %#x", snapshot.ErrBadObject, uint64(v))
	}
	d := NewDeserializer(m.Snapshot, m.Finalizable)
	o, err := d.Deserialize()
	if err != nil {
		d.log.Debugf("native message %s rejected: %s", m.ID, err)
		return nil, err
	}
	d.log.Debugf("native message %s: %d objects in %d clusters", m.ID, d.nextRef-1, len(d.clusters))
	return o, nil
}
