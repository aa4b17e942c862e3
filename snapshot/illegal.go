package snapshot

import (
	"fmt"

	"github.com/chazu/heapwire/heap"
)

// illegalReason classifies every class id as sendable or not. It returns
// the empty string for objects that may cross an isolate boundary and a
// reason otherwise. The switch lists every predefined class so that a new
// kind has to be classified deliberately.
func illegalReason(h *heap.Heap, v heap.Value, cid heap.ClassID) string {
	switch cid {
	case heap.SmiCid, heap.MintCid, heap.DoubleCid,
		heap.NullCid, heap.BoolCid, heap.SentinelCid,
		heap.OneByteStringCid, heap.TwoByteStringCid,
		heap.ArrayCid, heap.ImmutableArrayCid, heap.GrowableObjectArrayCid,
		heap.TypeArgumentsCid, heap.TypeCid,
		heap.MapCid, heap.ConstMapCid, heap.SetCid, heap.ConstSetCid,
		heap.FunctionCid, heap.SendPortCid, heap.CapabilityCid:
		return ""

	case heap.ClosureCid:
		if h.IsImplicitStaticClosure(v) {
			return ""
		}
		return "only closures over static functions without captured state can be sent"
	case heap.TransferableTypedDataCid:
		if h.IsDetached(v) {
			return "transferable typed data has already been transferred"
		}
		return ""

	case heap.ReceivePortCid:
		return "receive ports belong to the isolate that opened them"
	case heap.RegExpCid:
		return "regular expressions hold compiled native state"
	case heap.StackTraceCid:
		return "stack traces refer to frames of the sending isolate"
	case heap.UserTagCid:
		return "user tags are registered per isolate"
	case heap.SuspendStateCid:
		return "suspended computations cannot move between isolates"
	case heap.PointerCid:
		return "native pointers must be sent through the native API"
	case heap.DynamicLibraryCid:
		return "dynamic library handles are process-local native state"
	case heap.WeakPropertyCid, heap.WeakReferenceCid:
		return "weak references are tied to the sending heap's collector"
	case heap.FinalizerCid, heap.FinalizerEntryCid:
		return "finalizers are tied to the sending heap's collector"
	case heap.MirrorReferenceCid:
		return "mirror references expose sending-isolate internals"
	case heap.ClassCid:
		return "class objects are not values"

	case heap.IllegalCid, heap.FreeListElementCid, heap.DynamicCid, heap.VoidCid,
		heap.NativePointerCid:
		return "internal object"
	}

	switch {
	case heap.IsTypedDataCid(cid), heap.IsTypedDataViewCid(cid), heap.IsExternalTypedDataCid(cid):
		return ""
	case heap.IsUserCid(cid):
		return fmt.Sprintf("instances of %s are not sendable", h.ClassName(cid))
	}
	return "unknown class id"
}

func (s *Serializer) illegalObject(v heap.Value, cid heap.ClassID, reason string) error {
	kind := cid.String()
	if heap.IsUserCid(cid) {
		kind = s.heap.ClassName(cid)
	}
	return &IllegalObjectError{
		Kind:   kind,
		Reason: reason,
		Path:   s.heap.FormatPath(s.heap.RetainingPath(s.root, v)),
	}
}
