package snapshot

import (
	"fmt"

	"github.com/chazu/heapwire/heap"
)

// Phase orders clusters on the wire. Every cluster of an earlier phase is
// written completely, nodes and then edges, before any cluster of a later
// phase. Edges therefore only point into the same or an earlier phase.
type Phase int

const (
	BeforeTypes Phase = iota
	Types
	CanonicalInstances
	NonCanonicalInstances

	NumPhases
)

func (p Phase) String() string {
	switch p {
	case BeforeTypes:
		return "before-types"
	case Types:
		return "types"
	case CanonicalInstances:
		return "canonical-instances"
	case NonCanonicalInstances:
		return "non-canonical-instances"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// PhaseOf returns the phase of the cluster holding objects of class cid, or
// false if no cluster exists for that combination.
func PhaseOf(cid heap.ClassID, canonical bool) (Phase, bool) {
	switch cid {
	case heap.SmiCid:
		return BeforeTypes, canonical
	case heap.MintCid, heap.DoubleCid, heap.OneByteStringCid, heap.TwoByteStringCid:
		return BeforeTypes, true
	case heap.FunctionCid, heap.SendPortCid, heap.CapabilityCid, heap.NativePointerCid:
		return BeforeTypes, !canonical
	case heap.TypeArgumentsCid, heap.TypeCid:
		return Types, true
	case heap.ArrayCid, heap.ImmutableArrayCid,
		heap.MapCid, heap.ConstMapCid, heap.SetCid, heap.ConstSetCid:
		if canonical {
			return CanonicalInstances, true
		}
		return NonCanonicalInstances, true
	case heap.GrowableObjectArrayCid, heap.ClosureCid, heap.TransferableTypedDataCid:
		return NonCanonicalInstances, !canonical
	}
	if heap.IsTypedDataCid(cid) || heap.IsTypedDataViewCid(cid) || heap.IsExternalTypedDataCid(cid) {
		return NonCanonicalInstances, !canonical
	}
	return 0, false
}

// ClusterTag encodes the identity of a cluster on the wire.
func ClusterTag(cid heap.ClassID, canonical bool) uint64 {
	tag := uint64(cid) << 1
	if canonical {
		tag |= 1
	}
	return tag
}

// ParseClusterTag decodes a cluster tag and checks that it names a cluster
// of phase want.
func ParseClusterTag(tag uint64, want Phase) (heap.ClassID, bool, error) {
	if tag>>1 > uint64(^heap.ClassID(0)) {
		return 0, false, fmt.Errorf("%w: tag %#x", ErrUnknownCluster, tag)
	}
	cid, canonical := heap.ClassID(tag>>1), tag&1 == 1
	phase, ok := PhaseOf(cid, canonical)
	if !ok {
		return 0, false, fmt.Errorf("%w: %s (canonical=%t)", ErrUnknownCluster, cid, canonical)
	}
	if phase != want {
		return 0, false, fmt.Errorf("%w: %s cluster in phase %s", ErrUnknownCluster, cid, want)
	}
	return cid, canonical, nil
}
