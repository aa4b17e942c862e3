package snapshot

// Strings are leaves. Canonical strings are looked up in the receiver's
// symbol table as soon as they are read, since nothing can refer to them
// yet.

type oneByteStringCluster struct {
	clusterInfo
}

func (c *oneByteStringCluster) writeNodes(s *Serializer) {
	s.writeCount(&c.clusterInfo)
	for _, v := range c.objects {
		s.assignRef(v)
		units := s.heap.OneByteUnits(v)
		s.w.WriteUnsigned(uint64(len(units)))
		s.w.WriteBytes(units)
	}
}

func (c *oneByteStringCluster) readNodes(d *Deserializer) error {
	n := d.readCount()
	for i := 0; i < n; i++ {
		units := d.r.ReadBytes(d.readLength(1))
		v := d.heap.NewOneByteString(units)
		if c.canonical {
			v = d.heap.CanonicalizeString(v)
		}
		d.assignRef(v)
	}
	return nil
}

type twoByteStringCluster struct {
	clusterInfo
}

func (c *twoByteStringCluster) writeNodes(s *Serializer) {
	s.writeCount(&c.clusterInfo)
	for _, v := range c.objects {
		s.assignRef(v)
		units := s.heap.TwoByteUnits(v)
		s.w.WriteUnsigned(uint64(len(units)))
		s.w.WriteUint16s(units)
	}
}

func (c *twoByteStringCluster) readNodes(d *Deserializer) error {
	n := d.readCount()
	for i := 0; i < n; i++ {
		units := d.r.ReadUint16s(d.readLength(2))
		v := d.heap.NewTwoByteString(units)
		if c.canonical {
			v = d.heap.CanonicalizeString(v)
		}
		d.assignRef(v)
	}
	return nil
}
