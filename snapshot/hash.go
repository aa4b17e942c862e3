package snapshot

import (
	"github.com/chazu/heapwire/heap"
)

// hashCluster carries maps and sets as their live entries in insertion
// order. The index is not sent: canonical collections rebuild it when they
// are canonicalized, the others are handed to the Rehasher.
type hashCluster struct {
	clusterInfo
}

func (c *hashCluster) stride() int {
	if heap.IsMapCid(c.cid) {
		return 2
	}
	return 1
}

func (c *hashCluster) trace(s *Serializer, v heap.Value) {
	c.objects = append(c.objects, v)
	s.push(s.heap.ArrayTypeArguments(v))
	isMap := heap.IsMapCid(c.cid)
	s.heap.ForEachEntry(v, func(key, value heap.Value) {
		s.push(key)
		if isMap {
			s.push(value)
		}
	})
}

func (c *hashCluster) writeNodes(s *Serializer) {
	s.writeCount(&c.clusterInfo)
	for _, v := range c.objects {
		s.assignRef(v)
		s.w.WriteUnsigned(uint64(s.heap.HashLength(v)))
	}
}

func (c *hashCluster) writeEdges(s *Serializer) {
	isMap := heap.IsMapCid(c.cid)
	for _, v := range c.objects {
		s.writeRef(s.heap.ArrayTypeArguments(v))
		s.heap.ForEachEntry(v, func(key, value heap.Value) {
			s.writeRef(key)
			if isMap {
				s.writeRef(value)
			}
		})
	}
}

func (c *hashCluster) readNodes(d *Deserializer) error {
	n := d.readCount()
	for i := 0; i < n; i++ {
		d.assignRef(d.heap.NewHashCollection(c.cid, d.readLength(c.stride())))
	}
	return nil
}

func (c *hashCluster) readEdges(d *Deserializer) {
	stride := c.stride()
	for _, v := range c.refs(d) {
		d.heap.SetArrayTypeArguments(v, d.typeArgumentsRef())
		slots := d.heap.HashEntryCount(v) * stride
		for i := 0; i < slots; i++ {
			x := d.ref()
			if i%stride == 0 && x == d.heap.Sentinel {
				d.failf("%s key is the deleted-entry marker", c.cid)
				return
			}
			d.heap.HashDataSetAt(v, i, x)
		}
	}
}

func (c *hashCluster) postLoad(d *Deserializer) error {
	if c.canonical {
		return d.canonicalize(&c.clusterInfo)
	}
	d.rehash = append(d.rehash, c.refs(d)...)
	return nil
}
