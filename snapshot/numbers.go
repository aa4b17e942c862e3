package snapshot

import (
	"github.com/chazu/heapwire/heap"
)

// ---------------------------------------------------------------------------
// Smi
// ---------------------------------------------------------------------------

type smiCluster struct {
	clusterInfo
}

func (c *smiCluster) writeNodes(s *Serializer) {
	s.writeCount(&c.clusterInfo)
	for _, v := range c.objects {
		s.assignRef(v)
		s.w.WriteInt64(v.Smi())
	}
}

func (c *smiCluster) readNodes(d *Deserializer) error {
	n := d.readCount()
	for i := 0; i < n; i++ {
		x := d.r.ReadInt64()
		if !heap.SmiValid(x) {
			d.failf("Smi %d out of range", x)
			return nil
		}
		d.assignRef(heap.FromSmi(x))
	}
	return nil
}

// ---------------------------------------------------------------------------
// Mint
// ---------------------------------------------------------------------------

type mintCluster struct {
	clusterInfo
}

func (c *mintCluster) writeNodes(s *Serializer) {
	s.writeCount(&c.clusterInfo)
	for _, v := range c.objects {
		s.assignRef(v)
		n, _ := s.heap.IntegerValue(v)
		s.w.WriteInt64(n)
	}
}

func (c *mintCluster) readNodes(d *Deserializer) error {
	n := d.readCount()
	for i := 0; i < n; i++ {
		v := d.heap.NewMint(d.r.ReadInt64())
		if c.canonical {
			// Leaves have no fields to wait for.
			var err error
			if v, err = d.heap.Canonicalize(v); err != nil {
				return err
			}
		}
		d.assignRef(v)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Double
// ---------------------------------------------------------------------------

type doubleCluster struct {
	clusterInfo
}

func (c *doubleCluster) writeNodes(s *Serializer) {
	s.writeCount(&c.clusterInfo)
	for _, v := range c.objects {
		s.assignRef(v)
		s.w.WriteFloat64(s.heap.DoubleValue(v))
	}
}

func (c *doubleCluster) readNodes(d *Deserializer) error {
	n := d.readCount()
	for i := 0; i < n; i++ {
		v := d.heap.NewDouble(d.r.ReadFloat64())
		if c.canonical {
			var err error
			if v, err = d.heap.Canonicalize(v); err != nil {
				return err
			}
		}
		d.assignRef(v)
	}
	return nil
}
