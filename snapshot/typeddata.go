package snapshot

import (
	"bytes"
	"fmt"

	"github.com/chazu/heapwire/heap"
)

// maxExternalLength bounds the element count of out-of-band payloads. The
// bytes themselves are checked against the finalizable entry.
const maxExternalLength = 1 << 40

// ---------------------------------------------------------------------------
// Internal typed data
// ---------------------------------------------------------------------------

type typedDataCluster struct {
	clusterInfo
}

func (c *typedDataCluster) writeNodes(s *Serializer) {
	s.writeCount(&c.clusterInfo)
	for _, v := range c.objects {
		s.assignRef(v)
		s.w.WriteUnsigned(uint64(s.heap.TypedDataLength(v)))
		s.w.WriteBytes(s.heap.TypedDataBytes(v))
	}
}

func (c *typedDataCluster) readNodes(d *Deserializer) error {
	kind := heap.TypedDataKindOf(c.cid)
	n := d.readCount()
	for i := 0; i < n; i++ {
		length := d.readLength(kind.ElementSize())
		v := d.heap.NewTypedData(kind, length)
		copy(d.heap.TypedDataBytes(v), d.r.ReadBytes(length*kind.ElementSize()))
		d.assignRef(v)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Views
// ---------------------------------------------------------------------------

type typedDataViewCluster struct {
	clusterInfo
}

func (c *typedDataViewCluster) trace(s *Serializer, v heap.Value) {
	c.objects = append(c.objects, v)
	backing, _ := s.heap.ViewBacking(v)
	s.push(backing)
}

func (c *typedDataViewCluster) writeNodes(s *Serializer) {
	s.writeCount(&c.clusterInfo)
	for _, v := range c.objects {
		s.assignRef(v)
	}
}

func (c *typedDataViewCluster) writeEdges(s *Serializer) {
	for _, v := range c.objects {
		backing, offset := s.heap.ViewBacking(v)
		s.writeRef(backing)
		s.w.WriteUnsigned(uint64(offset))
		s.w.WriteUnsigned(uint64(s.heap.TypedDataLength(v)))
	}
}

func (c *typedDataViewCluster) readNodes(d *Deserializer) error {
	kind := heap.TypedDataKindOf(c.cid)
	n := d.readCount()
	for i := 0; i < n; i++ {
		d.assignRef(d.heap.NewTypedDataView(kind, d.heap.Null, 0, 0))
	}
	return nil
}

func (c *typedDataViewCluster) readEdges(d *Deserializer) {
	for _, v := range c.refs(d) {
		backing := d.ref()
		offset := d.readBoundedLength(maxExternalLength)
		length := d.readBoundedLength(maxExternalLength)
		d.heap.SetViewBacking(v, backing, offset, length)
	}
}

// postLoad checks bounds once every backing store exists.
func (c *typedDataViewCluster) postLoad(d *Deserializer) error {
	for _, v := range c.refs(d) {
		if err := d.heap.CheckViewBounds(v); err != nil {
			return fmt.Errorf("%w: %v", ErrBadObject, err)
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// External typed data
// ---------------------------------------------------------------------------

// The sender copies external bytes into a finalizable entry; the receiver
// adopts the entry's buffer without copying again.
type externalTypedDataCluster struct {
	clusterInfo
}

func (c *externalTypedDataCluster) writeNodes(s *Serializer) {
	s.writeCount(&c.clusterInfo)
	for _, v := range c.objects {
		s.assignRef(v)
		s.w.WriteUnsigned(uint64(s.heap.TypedDataLength(v)))
		s.finalizable.Put(FinalizableEntry{Data: bytes.Clone(s.heap.TypedDataBytes(v))})
	}
}

func (c *externalTypedDataCluster) readNodes(d *Deserializer) error {
	kind := heap.TypedDataKindOf(c.cid)
	n := d.readCount()
	for i := 0; i < n; i++ {
		length := d.readBoundedLength(maxExternalLength)
		e, ok := d.take(length * kind.ElementSize())
		if !ok {
			return nil
		}
		d.assignRef(d.heap.NewExternalTypedData(kind, e.Data, e.Peer, e.Finalize))
	}
	return nil
}

// ---------------------------------------------------------------------------
// Transferable typed data
// ---------------------------------------------------------------------------

// Transferables move: the sender's object is detached when its node is
// written, which happens only after the whole graph has been traced
// successfully.
type transferableCluster struct {
	clusterInfo
}

func (c *transferableCluster) writeNodes(s *Serializer) {
	s.writeCount(&c.clusterInfo)
	for _, v := range c.objects {
		s.assignRef(v)
		s.w.WriteUnsigned(uint64(s.heap.TransferableLength(v)))
		data, _ := s.heap.Detach(v)
		s.finalizable.Put(FinalizableEntry{Data: data})
	}
}

func (c *transferableCluster) readNodes(d *Deserializer) error {
	n := d.readCount()
	for i := 0; i < n; i++ {
		e, ok := d.take(d.readBoundedLength(maxExternalLength))
		if !ok {
			return nil
		}
		d.assignRef(d.heap.NewTransferableTypedData(e.Data))
	}
	return nil
}
