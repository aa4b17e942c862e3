package snapshot

import (
	"fmt"

	"github.com/chazu/heapwire/heap"
)

// Functions travel by name and are resolved against the receiving heap's
// function registry.
type functionCluster struct {
	clusterInfo
}

func (c *functionCluster) writeNodes(s *Serializer) {
	s.writeCount(&c.clusterInfo)
	for _, v := range c.objects {
		s.assignRef(v)
		name := s.heap.FunctionName(v)
		s.w.WriteUnsigned(uint64(len(name)))
		s.w.WriteBytes([]byte(name))
	}
}

func (c *functionCluster) readNodes(d *Deserializer) error {
	n := d.readCount()
	for i := 0; i < n; i++ {
		name := string(d.r.ReadBytes(d.readLength(1)))
		if d.r.Err() != nil {
			return nil
		}
		fn, ok := d.heap.LookupFunction(name)
		if !ok {
			return fmt.Errorf("%w: %q", ErrUnresolvedFunction, name)
		}
		d.assignRef(fn)
	}
	return nil
}

// Only implicit static closures reach this cluster, so the function is the
// only field that travels.
type closureCluster struct {
	clusterInfo
}

func (c *closureCluster) trace(s *Serializer, v heap.Value) {
	c.objects = append(c.objects, v)
	s.push(s.heap.ClosureFunction(v))
}

func (c *closureCluster) writeNodes(s *Serializer) {
	s.writeCount(&c.clusterInfo)
	for _, v := range c.objects {
		s.assignRef(v)
	}
}

func (c *closureCluster) writeEdges(s *Serializer) {
	for _, v := range c.objects {
		s.writeRef(s.heap.ClosureFunction(v))
	}
}

func (c *closureCluster) readNodes(d *Deserializer) error {
	n := d.readCount()
	for i := 0; i < n; i++ {
		d.assignRef(d.heap.NewClosure(d.heap.Null, d.heap.Null))
	}
	return nil
}

func (c *closureCluster) readEdges(d *Deserializer) {
	for _, v := range c.refs(d) {
		fn := d.ref()
		if d.heap.ClassIDOf(fn) != heap.FunctionCid || d.heap.FunctionKindOf(fn) != heap.StaticFunction {
			d.failf("closure over %s", d.heap.ClassIDOf(fn))
			return
		}
		d.heap.SetClosureFunction(v, fn)
	}
}
