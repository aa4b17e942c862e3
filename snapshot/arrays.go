package snapshot

import (
	"github.com/chazu/heapwire/heap"
)

// maxGrowableLength bounds a growable array's logical length before its
// backing array has been read.
const maxGrowableLength = 1 << 31

// ---------------------------------------------------------------------------
// Array and ImmutableArray
// ---------------------------------------------------------------------------

type arrayCluster struct {
	clusterInfo
}

func (c *arrayCluster) trace(s *Serializer, v heap.Value) {
	c.objects = append(c.objects, v)
	s.push(s.heap.ArrayTypeArguments(v))
	for i := 0; i < s.heap.ArrayLength(v); i++ {
		s.push(s.heap.ArrayAt(v, i))
	}
}

func (c *arrayCluster) writeNodes(s *Serializer) {
	s.writeCount(&c.clusterInfo)
	for _, v := range c.objects {
		s.assignRef(v)
		s.w.WriteUnsigned(uint64(s.heap.ArrayLength(v)))
	}
}

func (c *arrayCluster) writeEdges(s *Serializer) {
	for _, v := range c.objects {
		s.writeRef(s.heap.ArrayTypeArguments(v))
		for i := 0; i < s.heap.ArrayLength(v); i++ {
			s.writeRef(s.heap.ArrayAt(v, i))
		}
	}
}

func (c *arrayCluster) readNodes(d *Deserializer) error {
	n := d.readCount()
	for i := 0; i < n; i++ {
		length := d.readLength(1)
		if c.cid == heap.ImmutableArrayCid {
			d.assignRef(d.heap.NewImmutableArray(length))
		} else {
			d.assignRef(d.heap.NewArray(length))
		}
	}
	return nil
}

func (c *arrayCluster) readEdges(d *Deserializer) {
	for _, v := range c.refs(d) {
		d.heap.SetArrayTypeArguments(v, d.typeArgumentsRef())
		for i := 0; i < d.heap.ArrayLength(v); i++ {
			d.heap.ArraySetAt(v, i, d.ref())
		}
	}
}

func (c *arrayCluster) postLoad(d *Deserializer) error {
	if !c.canonical {
		return nil
	}
	return d.canonicalize(&c.clusterInfo)
}

// ---------------------------------------------------------------------------
// GrowableObjectArray
// ---------------------------------------------------------------------------

type growableArrayCluster struct {
	clusterInfo
}

func (c *growableArrayCluster) trace(s *Serializer, v heap.Value) {
	c.objects = append(c.objects, v)
	s.push(s.heap.ArrayTypeArguments(v))
	s.push(s.heap.GrowableData(v))
}

func (c *growableArrayCluster) writeNodes(s *Serializer) {
	s.writeCount(&c.clusterInfo)
	for _, v := range c.objects {
		s.assignRef(v)
		s.w.WriteUnsigned(uint64(s.heap.GrowableLength(v)))
	}
}

func (c *growableArrayCluster) writeEdges(s *Serializer) {
	for _, v := range c.objects {
		s.writeRef(s.heap.ArrayTypeArguments(v))
		s.writeRef(s.heap.GrowableData(v))
	}
}

func (c *growableArrayCluster) readNodes(d *Deserializer) error {
	n := d.readCount()
	for i := 0; i < n; i++ {
		length := d.readBoundedLength(maxGrowableLength)
		// The empty array stands in until readEdges installs the real one.
		d.assignRef(d.heap.NewGrowableArrayFrom(d.heap.EmptyArray, length))
	}
	return nil
}

func (c *growableArrayCluster) readEdges(d *Deserializer) {
	for _, v := range c.refs(d) {
		d.heap.SetArrayTypeArguments(v, d.typeArgumentsRef())
		data := d.ref()
		switch d.heap.ClassIDOf(data) {
		case heap.ArrayCid, heap.ImmutableArrayCid:
		default:
			d.failf("growable array backed by %s", d.heap.ClassIDOf(data))
			return
		}
		if have := d.heap.ArrayLength(data); have < d.heap.GrowableLength(v) {
			d.failf("growable array of length %d backed by %d elements", d.heap.GrowableLength(v), have)
			return
		}
		d.heap.SetGrowableData(v, data)
	}
}
