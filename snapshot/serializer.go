package snapshot

import (
	"fmt"

	"github.com/tliron/commonlog"

	"github.com/chazu/heapwire/heap"
)

// ---------------------------------------------------------------------------
// Serializer
// ---------------------------------------------------------------------------

// Serializer writes the object graph reachable from a root into a message
// snapshot. A Serializer is used for a single message.
type Serializer struct {
	heap        *heap.Heap
	w           *WriteStream
	finalizable *FinalizableData
	log         commonlog.Logger

	root     heap.Value
	ids      map[heap.Value]int // 0 while pushed but not yet written
	nextRef  int
	numBase  int
	stack    []heap.Value
	clusters []serializationCluster
	byKey    map[clusterKey]serializationCluster
}

// NewSerializer creates a serializer reading from h.
func NewSerializer(h *heap.Heap) *Serializer {
	return &Serializer{
		heap:        h,
		w:           NewWriteStream(256),
		finalizable: &FinalizableData{},
		log:         commonlog.GetLogger("heapwire.snapshot"),
		ids:         make(map[heap.Value]int),
		nextRef:     1,
		byKey:       make(map[clusterKey]serializationCluster),
	}
}

// Serialize writes root and everything it reaches. On error nothing written
// so far is meaningful and the serializer must be discarded.
func (s *Serializer) Serialize(root heap.Value) error {
	s.root = root
	s.addBaseObjects()
	s.push(root)
	for len(s.stack) > 0 {
		v := s.stack[len(s.stack)-1]
		s.stack = s.stack[:len(s.stack)-1]
		if err := s.trace(v); err != nil {
			return err
		}
	}

	total := s.numBase
	for _, c := range s.clusters {
		total += len(c.info().objects)
	}
	s.w.WriteUnsigned(uint64(s.numBase))
	s.w.WriteUnsigned(uint64(total))

	for phase := Phase(0); phase < NumPhases; phase++ {
		var active []serializationCluster
		for _, c := range s.clusters {
			if c.info().phase == phase {
				active = append(active, c)
			}
		}
		s.w.WriteUnsigned(uint64(len(active)))
		for _, c := range active {
			ci := c.info()
			s.w.WriteUnsigned(ClusterTag(ci.cid, ci.canonical))
			c.writeNodes(s)
		}
		for _, c := range active {
			c.writeEdges(s)
		}
	}
	if s.nextRef != total+1 {
		panic(fmt.Sprintf("snapshot: assigned %d references for %d objects", s.nextRef-1, total))
	}
	s.writeRef(root)
	return nil
}

func (s *Serializer) addBaseObjects() {
	for _, v := range s.heap.BaseObjects() {
		s.ids[v] = s.nextRef
		s.nextRef++
	}
	s.numBase = s.nextRef - 1
}

// push schedules v for tracing. Pushing an object twice is a no-op.
func (s *Serializer) push(v heap.Value) {
	if _, seen := s.ids[v]; seen {
		return
	}
	s.ids[v] = 0
	s.stack = append(s.stack, v)
}

func (s *Serializer) classOf(v heap.Value) (heap.ClassID, bool) {
	if v.IsSmi() {
		return heap.SmiCid, true
	}
	cid := s.heap.ClassIDOf(v)
	return cid, heap.CanBeCanonical(cid) && s.heap.IsCanonical(v)
}

func (s *Serializer) trace(v heap.Value) error {
	cid, canonical := s.classOf(v)
	if reason := illegalReason(s.heap, v, cid); reason != "" {
		return s.illegalObject(v, cid, reason)
	}
	phase, ok := PhaseOf(cid, canonical)
	if !ok {
		return s.illegalObject(v, cid, "no wire representation")
	}
	if phase == CanonicalInstances {
		if err := s.checkConstant(v, cid); err != nil {
			return err
		}
	}
	key := clusterKey{cid: cid, canonical: canonical}
	c, ok := s.byKey[key]
	if !ok {
		c = newSerializationCluster(cid, canonical)
		s.byKey[key] = c
		s.clusters = append(s.clusters, c)
	}
	c.trace(s, v)
	return nil
}

// checkConstant rejects a canonical collection holding a value that is
// written in a later phase than the collection's own edges.
func (s *Serializer) checkConstant(v heap.Value, cid heap.ClassID) error {
	var bad heap.Value
	check := func(x heap.Value) {
		if bad != 0 || x.IsSmi() {
			return
		}
		if id := s.ids[x]; id != 0 {
			return
		}
		xcid, canonical := s.classOf(x)
		if phase, ok := PhaseOf(xcid, canonical); ok && phase > CanonicalInstances {
			bad = x
		}
	}
	if heap.IsHashCollectionCid(cid) {
		s.heap.ForEachEntry(v, func(key, value heap.Value) {
			check(key)
			check(value)
		})
	} else {
		for i := 0; i < s.heap.ArrayLength(v); i++ {
			check(s.heap.ArrayAt(v, i))
		}
	}
	if bad == 0 {
		return nil
	}
	bcid := s.heap.ClassIDOf(bad)
	return s.illegalObject(bad, bcid, fmt.Sprintf("canonical %s refers to a mutable %s", cid, bcid))
}

// assignRef gives v the next reference id. Called from writeNodes.
func (s *Serializer) assignRef(v heap.Value) {
	s.ids[v] = s.nextRef
	s.nextRef++
}

func (s *Serializer) writeRef(v heap.Value) {
	id := s.ids[v]
	if id == 0 {
		panic(fmt.Sprintf("snapshot: reference to unwritten object %#x", uint64(v)))
	}
	s.w.WriteUnsigned(uint64(id))
}

func (s *Serializer) writeCount(c *clusterInfo) {
	s.w.WriteUnsigned(uint64(len(c.objects)))
}

// Bytes returns the snapshot written by Serialize.
func (s *Serializer) Bytes() []byte { return s.w.Bytes() }

// Finalizable returns the out-of-band payloads collected by Serialize.
func (s *Serializer) Finalizable() *FinalizableData { return s.finalizable }

// RefOf returns the reference id assigned to v.
func (s *Serializer) RefOf(v heap.Value) (int, bool) {
	id, ok := s.ids[v]
	return id, ok && id != 0
}

// NumObjects returns the number of objects in the message, base objects
// included.
func (s *Serializer) NumObjects() int { return s.nextRef - 1 }

// Clusters describes the clusters of the message in creation order.
func (s *Serializer) Clusters() []ClusterInfo {
	out := make([]ClusterInfo, 0, len(s.clusters))
	for _, c := range s.clusters {
		ci := c.info()
		out = append(out, ClusterInfo{
			Name:      ci.Name(),
			Cid:       ci.cid,
			Canonical: ci.canonical,
			Phase:     ci.phase,
			Count:     len(ci.objects),
		})
	}
	return out
}

// ---------------------------------------------------------------------------
// WriteMessage
// ---------------------------------------------------------------------------

// WriteMessage serializes root into a message for port dest. Smis and base
// objects travel as raw messages.
func WriteMessage(h *heap.Heap, root heap.Value, dest int64, p Priority) (*Message, error) {
	if root.IsSmi() || isBaseObject(h, root) {
		return NewRawMessage(dest, root, p), nil
	}
	s := NewSerializer(h)
	if err := s.Serialize(root); err != nil {
		s.log.Debugf("message to port %d rejected: %s", dest, err)
		return nil, err
	}
	m := NewMessage(dest, s.Bytes(), s.Finalizable(), p)
	s.log.Debugf("message %s to port %d: %d objects in %d clusters, %d bytes, %d finalizable",
		m.ID, dest, s.NumObjects(), len(s.clusters), len(m.Snapshot), m.Finalizable.Len())
	return m, nil
}

func isBaseObject(h *heap.Heap, v heap.Value) bool {
	for _, b := range h.BaseObjects() {
		if v == b {
			return true
		}
	}
	return false
}
