package snapshot

import (
	"fmt"

	"github.com/chazu/heapwire/heap"
)

// ---------------------------------------------------------------------------
// Cluster framework
// ---------------------------------------------------------------------------

// A serialization cluster gathers every object of one (class id, canonical)
// combination in a message. trace records an object and pushes the objects
// it references; writeNodes assigns reference ids and writes each object's
// shape; writeEdges writes each object's references.
type serializationCluster interface {
	info() *clusterInfo
	trace(s *Serializer, v heap.Value)
	writeNodes(s *Serializer)
	writeEdges(s *Serializer)
}

// A deserialization cluster mirrors a serialization cluster. readNodes
// allocates one placeholder per object, readEdges fills in references once
// every node of the phase exists, and postLoad runs after the whole message
// has been read.
type deserializationCluster interface {
	info() *clusterInfo
	readNodes(d *Deserializer) error
	readEdges(d *Deserializer)
	postLoad(d *Deserializer) error
}

type clusterKey struct {
	cid       heap.ClassID
	canonical bool
}

// clusterInfo is embedded by every cluster. On the reading side start and
// stop delimit the reference ids owned by the cluster.
type clusterInfo struct {
	cid       heap.ClassID
	canonical bool
	phase     Phase
	objects   []heap.Value
	start     int
	stop      int
}

func (c *clusterInfo) info() *clusterInfo { return c }

func (c *clusterInfo) trace(_ *Serializer, v heap.Value) {
	c.objects = append(c.objects, v)
}

func (c *clusterInfo) writeEdges(*Serializer) {}

func (c *clusterInfo) readEdges(*Deserializer) {}

func (c *clusterInfo) postLoad(*Deserializer) error { return nil }

// Name returns a display name such as "canonical Array".
func (c *clusterInfo) Name() string {
	if c.canonical && c.cid != heap.SmiCid {
		return "canonical " + c.cid.String()
	}
	return c.cid.String()
}

// refs returns the reference ids owned by a deserialization cluster.
func (c *clusterInfo) refs(d *Deserializer) []heap.Value {
	return d.refs[c.start:c.stop]
}

// ClusterInfo describes a cluster of a serialized message.
type ClusterInfo struct {
	Name      string
	Cid       heap.ClassID
	Canonical bool
	Phase     Phase
	Count     int
}

func newInfo(cid heap.ClassID, canonical bool) clusterInfo {
	phase, ok := PhaseOf(cid, canonical)
	if !ok {
		panic(fmt.Sprintf("snapshot: no cluster for %s (canonical=%t)", cid, canonical))
	}
	return clusterInfo{cid: cid, canonical: canonical, phase: phase}
}

// newSerializationCluster is the dispatch table for the sending side. The
// caller has already checked that cid is legal.
func newSerializationCluster(cid heap.ClassID, canonical bool) serializationCluster {
	base := newInfo(cid, canonical)
	switch cid {
	case heap.SmiCid:
		return &smiCluster{clusterInfo: base}
	case heap.MintCid:
		return &mintCluster{clusterInfo: base}
	case heap.DoubleCid:
		return &doubleCluster{clusterInfo: base}
	case heap.OneByteStringCid:
		return &oneByteStringCluster{clusterInfo: base}
	case heap.TwoByteStringCid:
		return &twoByteStringCluster{clusterInfo: base}
	case heap.FunctionCid:
		return &functionCluster{clusterInfo: base}
	case heap.SendPortCid:
		return &sendPortCluster{clusterInfo: base}
	case heap.CapabilityCid:
		return &capabilityCluster{clusterInfo: base}
	case heap.TypeArgumentsCid:
		return &typeArgumentsCluster{clusterInfo: base}
	case heap.TypeCid:
		return &typeCluster{clusterInfo: base}
	case heap.ArrayCid, heap.ImmutableArrayCid:
		return &arrayCluster{clusterInfo: base}
	case heap.GrowableObjectArrayCid:
		return &growableArrayCluster{clusterInfo: base}
	case heap.MapCid, heap.ConstMapCid, heap.SetCid, heap.ConstSetCid:
		return &hashCluster{clusterInfo: base}
	case heap.ClosureCid:
		return &closureCluster{clusterInfo: base}
	case heap.TransferableTypedDataCid:
		return &transferableCluster{clusterInfo: base}
	}
	switch {
	case heap.IsTypedDataCid(cid):
		return &typedDataCluster{clusterInfo: base}
	case heap.IsTypedDataViewCid(cid):
		return &typedDataViewCluster{clusterInfo: base}
	case heap.IsExternalTypedDataCid(cid):
		return &externalTypedDataCluster{clusterInfo: base}
	}
	panic("snapshot: no serialization cluster for " + cid.String())
}

// newDeserializationCluster is the dispatch table for the receiving side.
// The tag has already been validated by ParseClusterTag.
func newDeserializationCluster(cid heap.ClassID, canonical bool) deserializationCluster {
	base := newInfo(cid, canonical)
	switch cid {
	case heap.SmiCid:
		return &smiCluster{clusterInfo: base}
	case heap.MintCid:
		return &mintCluster{clusterInfo: base}
	case heap.DoubleCid:
		return &doubleCluster{clusterInfo: base}
	case heap.OneByteStringCid:
		return &oneByteStringCluster{clusterInfo: base}
	case heap.TwoByteStringCid:
		return &twoByteStringCluster{clusterInfo: base}
	case heap.FunctionCid:
		return &functionCluster{clusterInfo: base}
	case heap.SendPortCid:
		return &sendPortCluster{clusterInfo: base}
	case heap.CapabilityCid:
		return &capabilityCluster{clusterInfo: base}
	case heap.NativePointerCid:
		return &nativePointerCluster{clusterInfo: base}
	case heap.TypeArgumentsCid:
		return &typeArgumentsCluster{clusterInfo: base}
	case heap.TypeCid:
		return &typeCluster{clusterInfo: base}
	case heap.ArrayCid, heap.ImmutableArrayCid:
		return &arrayCluster{clusterInfo: base}
	case heap.GrowableObjectArrayCid:
		return &growableArrayCluster{clusterInfo: base}
	case heap.MapCid, heap.ConstMapCid, heap.SetCid, heap.ConstSetCid:
		return &hashCluster{clusterInfo: base}
	case heap.ClosureCid:
		return &closureCluster{clusterInfo: base}
	case heap.TransferableTypedDataCid:
		return &transferableCluster{clusterInfo: base}
	}
	switch {
	case heap.IsTypedDataCid(cid):
		return &typedDataCluster{clusterInfo: base}
	case heap.IsTypedDataViewCid(cid):
		return &typedDataViewCluster{clusterInfo: base}
	case heap.IsExternalTypedDataCid(cid):
		return &externalTypedDataCluster{clusterInfo: base}
	}
	panic("snapshot: no deserialization cluster for " + cid.String())
}
