package snapshot

import (
	"fmt"
	"slices"

	"github.com/tliron/commonlog"

	"github.com/chazu/heapwire/heap"
)

// Rehasher rebuilds the indexes of hash collections read from a message.
// Hash codes do not travel, so every non-canonical map and set must be
// rehashed in the receiving heap before use.
type Rehasher interface {
	Rehash(h *heap.Heap, objs []heap.Value) error
}

// RehasherFunc adapts a function to Rehasher.
type RehasherFunc func(h *heap.Heap, objs []heap.Value) error

func (f RehasherFunc) Rehash(h *heap.Heap, objs []heap.Value) error { return f(h, objs) }

// DefaultRehasher uses the heap's own collection rehash.
var DefaultRehasher Rehasher = RehasherFunc(func(h *heap.Heap, objs []heap.Value) error {
	return h.Rehash(objs)
})

// ---------------------------------------------------------------------------
// Deserializer
// ---------------------------------------------------------------------------

// Deserializer materializes a message snapshot in a heap. Like Serializer
// it is used for a single message.
type Deserializer struct {
	heap        *heap.Heap
	r           *ReadStream
	finalizable *FinalizableData
	rehasher    Rehasher
	log         commonlog.Logger

	refs     []heap.Value // indexed by reference id; slot 0 is unused
	nextRef  int
	budget   int // bytes not yet claimed by a declared count or length
	clusters []deserializationCluster

	replacements map[heap.Value]heap.Value // placeholder -> canonical
	rehash       []heap.Value
}

// NewDeserializer prepares to read data into h. fd holds the message's
// out-of-band payloads and may be nil. A nil rehasher selects
// DefaultRehasher.
func NewDeserializer(h *heap.Heap, data []byte, fd *FinalizableData, rehasher Rehasher) *Deserializer {
	if fd == nil {
		fd = &FinalizableData{}
	}
	if rehasher == nil {
		rehasher = DefaultRehasher
	}
	return &Deserializer{
		heap:         h,
		r:            NewReadStream(data),
		finalizable:  fd,
		rehasher:     rehasher,
		log:          commonlog.GetLogger("heapwire.snapshot"),
		nextRef:      1,
		budget:       len(data),
		replacements: make(map[heap.Value]heap.Value),
	}
}

// Deserialize reads the whole message and returns its root.
func (d *Deserializer) Deserialize() (heap.Value, error) {
	if err := d.readHeader(); err != nil {
		return 0, err
	}
	for phase := Phase(0); phase < NumPhases; phase++ {
		if err := d.readPhase(phase); err != nil {
			return 0, err
		}
	}
	if d.nextRef != len(d.refs) {
		return 0, fmt.Errorf("%w: header declares %d objects, message has %d",
			ErrObjectCount, len(d.refs)-1, d.nextRef-1)
	}
	root := d.refID()
	if err := d.r.Err(); err != nil {
		return 0, err
	}
	if n := d.r.Remaining(); n != 0 {
		return 0, fmt.Errorf("%w: %d trailing bytes", ErrBadObject, n)
	}

	if err := d.postLoad(); err != nil {
		return 0, err
	}
	if n := d.finalizable.Remaining(); n != 0 {
		return 0, fmt.Errorf("%w: %d entries not claimed by the snapshot", ErrFinalizableData, n)
	}
	return d.refs[root], nil
}

func (d *Deserializer) readHeader() error {
	numBase := d.r.ReadUnsigned()
	total := d.r.ReadUnsigned()
	if err := d.r.Err(); err != nil {
		return err
	}
	base := d.heap.BaseObjects()
	if numBase != uint64(len(base)) {
		return fmt.Errorf("%w: message has %d, heap has %d", ErrBaseObjectMismatch, numBase, len(base))
	}
	if total < numBase || total-numBase > uint64(d.r.Remaining()) {
		return fmt.Errorf("%w: %d objects in a %d byte message", ErrObjectCount, total, len(d.r.data))
	}
	d.refs = make([]heap.Value, total+1)
	for _, v := range base {
		d.assignRef(v)
	}
	return nil
}

func (d *Deserializer) readPhase(phase Phase) error {
	n := d.readCount()
	if err := d.r.Err(); err != nil {
		return err
	}
	active := make([]deserializationCluster, 0, n)
	for i := 0; i < n; i++ {
		tag := d.r.ReadUnsigned()
		if err := d.r.Err(); err != nil {
			return err
		}
		cid, canonical, err := ParseClusterTag(tag, phase)
		if err != nil {
			return err
		}
		c := newDeserializationCluster(cid, canonical)
		ci := c.info()
		ci.start = d.nextRef
		if err := c.readNodes(d); err != nil {
			return err
		}
		if err := d.r.Err(); err != nil {
			return err
		}
		ci.stop = d.nextRef
		active = append(active, c)
	}
	for _, c := range active {
		c.readEdges(d)
		if err := d.r.Err(); err != nil {
			return err
		}
	}
	d.clusters = append(d.clusters, active...)
	return nil
}

// postLoad runs after every object exists: clusters canonicalize and
// validate their objects, references to replaced placeholders are
// forwarded, and hash collections are rehashed last.
func (d *Deserializer) postLoad() error {
	for _, c := range d.clusters {
		for _, v := range c.info().refs(d) {
			d.forwardFields(v)
		}
		if err := c.postLoad(d); err != nil {
			return err
		}
	}
	for _, v := range d.refs[len(d.heap.BaseObjects())+1:] {
		d.forwardFields(v)
	}
	if len(d.rehash) == 0 {
		return nil
	}
	return d.rehasher.Rehash(d.heap, d.rehash)
}

// ---------------------------------------------------------------------------
// Helpers for clusters
// ---------------------------------------------------------------------------

func (d *Deserializer) fail(err error) { d.r.fail(err) }

func (d *Deserializer) failf(format string, args ...any) {
	d.r.fail(fmt.Errorf("%w: "+format, append([]any{ErrBadObject}, args...)...))
}

func (d *Deserializer) assignRef(v heap.Value) {
	if d.nextRef >= len(d.refs) {
		d.fail(fmt.Errorf("%w: more objects than the header declares", ErrObjectCount))
		return
	}
	d.refs[d.nextRef] = v
	d.nextRef++
}

// readCount reads the object count of a cluster, or the cluster count of a
// phase. Every object occupies at least one byte of the message.
func (d *Deserializer) readCount() int {
	n := d.r.ReadUnsigned()
	if n > uint64(d.budget) || n > uint64(len(d.refs)-d.nextRef) {
		d.fail(fmt.Errorf("%w: count %d", ErrObjectCount, n))
		return 0
	}
	d.budget -= int(n)
	return int(n)
}

// readLength reads a length in units of unit bytes of message data still
// to come: element references, string code units or typed data bytes.
func (d *Deserializer) readLength(unit int) int {
	n := d.r.ReadUnsigned()
	if n > uint64(d.budget/unit) {
		d.fail(fmt.Errorf("%w: length %d exceeds the message", ErrTruncated, n))
		return 0
	}
	d.budget -= int(n) * unit
	return int(n)
}

// readBoundedLength reads a length of data that does not travel in the
// snapshot itself.
func (d *Deserializer) readBoundedLength(limit uint64) int {
	n := d.r.ReadUnsigned()
	if n > limit {
		d.failf("length %d exceeds %d", n, limit)
		return 0
	}
	return int(n)
}

func (d *Deserializer) refID() int {
	id := d.r.ReadUnsigned()
	if d.r.Err() != nil {
		return 0
	}
	if id < 1 || id >= uint64(d.nextRef) {
		d.fail(fmt.Errorf("%w: %d not in [1, %d)", ErrRefOutOfRange, id, d.nextRef))
		return 0
	}
	return int(id)
}

// ref reads a reference to an object that has already been allocated. On
// failure it returns null and the stream reports the error.
func (d *Deserializer) ref() heap.Value {
	id := d.refID()
	if id == 0 {
		return d.heap.Null
	}
	return d.refs[id]
}

// typeArgumentsRef reads a reference that must be null or a type argument
// vector.
func (d *Deserializer) typeArgumentsRef() heap.Value {
	ta := d.ref()
	if ta != d.heap.Null && d.heap.ClassIDOf(ta) != heap.TypeArgumentsCid {
		d.failf("type arguments field holds %s", d.heap.ClassIDOf(ta))
		return d.heap.Null
	}
	return ta
}

func (d *Deserializer) take(want int) (FinalizableEntry, bool) {
	if d.r.Err() != nil {
		return FinalizableEntry{}, false
	}
	e, ok := d.finalizable.Take()
	if !ok {
		d.fail(fmt.Errorf("%w: snapshot claims more entries than the message carries", ErrFinalizableData))
		return FinalizableEntry{}, false
	}
	if len(e.Data) != want {
		d.fail(fmt.Errorf("%w: entry holds %d bytes, snapshot expects %d", ErrFinalizableData, len(e.Data), want))
		return FinalizableEntry{}, false
	}
	return e, true
}

// canonicalize replaces every object of c by its canonical instance.
func (d *Deserializer) canonicalize(c *clusterInfo) error {
	for i := c.start; i < c.stop; i++ {
		v := d.refs[i]
		canon, err := d.heap.Canonicalize(v)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrBadObject, c.Name(), err)
		}
		if canon != v {
			d.replacements[v] = canon
			d.refs[i] = canon
		}
	}
	return nil
}

func (d *Deserializer) forwardFields(v heap.Value) {
	if v.IsSmi() || len(d.replacements) == 0 {
		return
	}
	d.forwardSlots(v)
	if heap.IsHashCollectionCid(d.heap.ClassIDOf(v)) {
		d.forwardSlots(d.heap.HashData(v))
	}
}

func (d *Deserializer) forwardSlots(v heap.Value) {
	d.heap.VisitPointers(v.Address(), func(slot heap.Address) {
		if r, ok := d.replacements[d.heap.LoadSlot(slot)]; ok {
			d.heap.StoreSlot(slot, r)
		}
	})
}

// ---------------------------------------------------------------------------
// ReadMessage
// ---------------------------------------------------------------------------

// ReadMessage materializes m in h and returns its root. A raw message may
// only hold a Smi or a base object. A nil rehasher selects DefaultRehasher.
// On error the caller still owns m and should Drop it.
func ReadMessage(h *heap.Heap, m *Message, rehasher Rehasher) (heap.Value, error) {
	if m.IsRaw() {
		v := m.RawValue()
		if v.IsSmi() || slices.Contains(h.BaseObjects(), v) {
			return v, nil
		}
		return 0, fmt.Errorf("%w: raw message holds %#x", ErrBadObject, uint64(v))
	}
	d := NewDeserializer(h, m.Snapshot, m.Finalizable, rehasher)
	v, err := d.Deserialize()
	if err != nil {
		d.log.Debugf("message %s rejected: %s", m.ID, err)
		return 0, err
	}
	d.log.Debugf("message %s: %d objects in %d clusters, %d replaced by canonical instances",
		m.ID, d.nextRef-1, len(d.clusters), len(d.replacements))
	return v, nil
}
