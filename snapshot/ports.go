package snapshot

type sendPortCluster struct {
	clusterInfo
}

func (c *sendPortCluster) writeNodes(s *Serializer) {
	s.writeCount(&c.clusterInfo)
	for _, v := range c.objects {
		s.assignRef(v)
		s.w.WriteInt64(s.heap.SendPortID(v))
		s.w.WriteInt64(s.heap.SendPortOrigin(v))
	}
}

func (c *sendPortCluster) readNodes(d *Deserializer) error {
	n := d.readCount()
	for i := 0; i < n; i++ {
		id := d.r.ReadInt64()
		origin := d.r.ReadInt64()
		d.assignRef(d.heap.NewSendPort(id, origin))
	}
	return nil
}

type capabilityCluster struct {
	clusterInfo
}

func (c *capabilityCluster) writeNodes(s *Serializer) {
	s.writeCount(&c.clusterInfo)
	for _, v := range c.objects {
		s.assignRef(v)
		s.w.WriteUint64(s.heap.CapabilityID(v))
	}
}

func (c *capabilityCluster) readNodes(d *Deserializer) error {
	n := d.readCount()
	for i := 0; i < n; i++ {
		d.assignRef(d.heap.NewCapability(d.r.ReadUint64()))
	}
	return nil
}

// nativePointerCluster only exists on the wire: the native API sends
// pointers, heaps never hold them. The receiver sees the address as an
// integer and the entry's finalizer becomes a weak handle on it.
type nativePointerCluster struct {
	clusterInfo
}

func (c *nativePointerCluster) readNodes(d *Deserializer) error {
	n := d.readCount()
	for i := 0; i < n; i++ {
		ptr := d.r.ReadInt64()
		e, ok := d.take(0)
		if !ok {
			return nil
		}
		v := d.heap.NewMint(ptr)
		if e.Finalize != nil {
			d.heap.Handles().NewWeak(v, e.Peer, e.Finalize)
		}
		d.assignRef(v)
	}
	return nil
}
