package snapshot

import (
	"fmt"

	"github.com/chazu/heapwire/heap"
)

// ---------------------------------------------------------------------------
// TypeArguments
// ---------------------------------------------------------------------------

type typeArgumentsCluster struct {
	clusterInfo
}

func (c *typeArgumentsCluster) trace(s *Serializer, v heap.Value) {
	c.objects = append(c.objects, v)
	for i := 0; i < s.heap.TypeArgumentsLength(v); i++ {
		s.push(s.heap.TypeArgumentAt(v, i))
	}
}

func (c *typeArgumentsCluster) writeNodes(s *Serializer) {
	s.writeCount(&c.clusterInfo)
	for _, v := range c.objects {
		s.assignRef(v)
		s.w.WriteUnsigned(uint64(s.heap.TypeArgumentsLength(v)))
	}
}

func (c *typeArgumentsCluster) writeEdges(s *Serializer) {
	for _, v := range c.objects {
		for i := 0; i < s.heap.TypeArgumentsLength(v); i++ {
			s.writeRef(s.heap.TypeArgumentAt(v, i))
		}
	}
}

func (c *typeArgumentsCluster) readNodes(d *Deserializer) error {
	n := d.readCount()
	for i := 0; i < n; i++ {
		d.assignRef(d.heap.NewTypeArguments(d.readLength(1)))
	}
	return nil
}

func (c *typeArgumentsCluster) readEdges(d *Deserializer) {
	for _, v := range c.refs(d) {
		for i := 0; i < d.heap.TypeArgumentsLength(v); i++ {
			t := d.ref()
			if d.heap.ClassIDOf(t) != heap.TypeCid {
				d.failf("type argument is %s", d.heap.ClassIDOf(t))
				return
			}
			d.heap.SetTypeArgumentAt(v, i, t)
		}
	}
}

func (c *typeArgumentsCluster) postLoad(d *Deserializer) error {
	if !c.canonical {
		return nil
	}
	return d.canonicalize(&c.clusterInfo)
}

// ---------------------------------------------------------------------------
// Type
// ---------------------------------------------------------------------------

const maxNullability = heap.Legacy

type typeCluster struct {
	clusterInfo
}

func (c *typeCluster) trace(s *Serializer, v heap.Value) {
	c.objects = append(c.objects, v)
	s.push(s.heap.TypeArguments(v))
}

func (c *typeCluster) writeNodes(s *Serializer) {
	s.writeCount(&c.clusterInfo)
	for _, v := range c.objects {
		s.assignRef(v)
		s.w.WriteUnsigned(uint64(s.heap.TypeClassID(v)))
		s.w.WriteUnsigned(uint64(s.heap.TypeNullability(v)))
	}
}

func (c *typeCluster) writeEdges(s *Serializer) {
	for _, v := range c.objects {
		s.writeRef(s.heap.TypeArguments(v))
	}
}

func (c *typeCluster) readNodes(d *Deserializer) error {
	n := d.readCount()
	for i := 0; i < n; i++ {
		cid := d.r.ReadUnsigned()
		nullability := d.r.ReadUnsigned()
		if cid > uint64(^heap.ClassID(0)) || nullability > uint64(maxNullability) {
			d.failf("type of class %d with nullability %d", cid, nullability)
			return nil
		}
		d.assignRef(d.heap.NewType(heap.ClassID(cid), d.heap.Null, heap.Nullability(nullability)))
	}
	return nil
}

func (c *typeCluster) readEdges(d *Deserializer) {
	for _, v := range c.refs(d) {
		d.heap.SetTypeArguments(v, d.typeArgumentsRef())
	}
}

func (c *typeCluster) postLoad(d *Deserializer) error {
	for _, v := range c.refs(d) {
		if err := d.heap.FinalizeType(v); err != nil {
			return fmt.Errorf("%w: %v", ErrBadObject, err)
		}
	}
	if !c.canonical {
		return nil
	}
	return d.canonicalize(&c.clusterInfo)
}
