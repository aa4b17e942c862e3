package heap

import "fmt"

// ClassID selects the runtime type of a heap object.
type ClassID uint16

// Predefined class ids. The order is part of the message wire format: the
// sender and the receiver must agree on every id below NumPredefinedCids.
const (
	IllegalCid ClassID = iota
	FreeListElementCid
	ClassCid

	NullCid
	BoolCid
	SentinelCid

	SmiCid // immediates; no heap instances
	MintCid
	DoubleCid

	OneByteStringCid
	TwoByteStringCid

	ArrayCid
	ImmutableArrayCid
	GrowableObjectArrayCid

	TypeArgumentsCid
	TypeCid
	DynamicCid // type class of the dynamic type; no instances
	VoidCid    // type class of the void type; no instances

	MapCid
	ConstMapCid
	SetCid
	ConstSetCid

	FunctionCid
	ClosureCid

	SendPortCid
	CapabilityCid
	ReceivePortCid
	TransferableTypedDataCid

	RegExpCid
	StackTraceCid
	UserTagCid
	SuspendStateCid
	PointerCid
	DynamicLibraryCid
	WeakPropertyCid
	WeakReferenceCid
	FinalizerCid
	FinalizerEntryCid
	MirrorReferenceCid

	// NativePointerCid only appears on the wire. It is produced by the API
	// boundary for native pointer payloads; receivers materialise it as a
	// Mint.
	NativePointerCid

	typedDataCidStart
)

// TypedDataKind is the element type of a typed data object.
type TypedDataKind uint8

const (
	Int8 TypedDataKind = iota
	Uint8
	Uint8Clamped
	Int16
	Uint16
	Int32
	Uint32
	Int64
	Uint64
	Float32
	Float64

	NumTypedDataKinds
)

// Each element kind owns three consecutive class ids: internal, view,
// external.
const typedDataCidsPerKind = 3

// NumPredefinedCids is the first class id available for user classes.
const NumPredefinedCids = typedDataCidStart + ClassID(NumTypedDataKinds)*typedDataCidsPerKind

var elementSizes = [NumTypedDataKinds]int{
	Int8: 1, Uint8: 1, Uint8Clamped: 1,
	Int16: 2, Uint16: 2,
	Int32: 4, Uint32: 4, Float32: 4,
	Int64: 8, Uint64: 8, Float64: 8,
}

var kindNames = [NumTypedDataKinds]string{
	"Int8", "Uint8", "Uint8Clamped", "Int16", "Uint16",
	"Int32", "Uint32", "Int64", "Uint64", "Float32", "Float64",
}

// ElementSize returns the size of one element in bytes.
func (k TypedDataKind) ElementSize() int {
	return elementSizes[k]
}

func (k TypedDataKind) String() string {
	if k >= NumTypedDataKinds {
		return fmt.Sprintf("TypedDataKind(%d)", uint8(k))
	}
	return kindNames[k]
}

// TypedDataCid returns the class id of internal typed data of kind k.
func TypedDataCid(k TypedDataKind) ClassID {
	return typedDataCidStart + ClassID(k)*typedDataCidsPerKind
}

// TypedDataViewCid returns the class id of a typed data view of kind k.
func TypedDataViewCid(k TypedDataKind) ClassID {
	return TypedDataCid(k) + 1
}

// ExternalTypedDataCid returns the class id of external typed data of kind k.
func ExternalTypedDataCid(k TypedDataKind) ClassID {
	return TypedDataCid(k) + 2
}

func inTypedDataRange(cid ClassID) bool {
	return cid >= typedDataCidStart && cid < NumPredefinedCids
}

// IsTypedDataCid reports whether cid is an internal typed data class.
func IsTypedDataCid(cid ClassID) bool {
	return inTypedDataRange(cid) && (cid-typedDataCidStart)%typedDataCidsPerKind == 0
}

// IsTypedDataViewCid reports whether cid is a typed data view class.
func IsTypedDataViewCid(cid ClassID) bool {
	return inTypedDataRange(cid) && (cid-typedDataCidStart)%typedDataCidsPerKind == 1
}

// IsExternalTypedDataCid reports whether cid is an external typed data class.
func IsExternalTypedDataCid(cid ClassID) bool {
	return inTypedDataRange(cid) && (cid-typedDataCidStart)%typedDataCidsPerKind == 2
}

// TypedDataKindOf returns the element kind of any typed data class id.
// Panics if cid is not in the typed data range.
func TypedDataKindOf(cid ClassID) TypedDataKind {
	if !inTypedDataRange(cid) {
		panic(fmt.Sprintf("TypedDataKindOf: %s is not typed data", cid))
	}
	return TypedDataKind((cid - typedDataCidStart) / typedDataCidsPerKind)
}

// IsUserCid reports whether cid belongs to a user-defined class.
func IsUserCid(cid ClassID) bool {
	return cid >= NumPredefinedCids
}

var cidNames = map[ClassID]string{
	IllegalCid:               "Illegal",
	FreeListElementCid:       "FreeListElement",
	ClassCid:                 "Class",
	NullCid:                  "Null",
	BoolCid:                  "Bool",
	SentinelCid:              "Sentinel",
	SmiCid:                   "Smi",
	MintCid:                  "Mint",
	DoubleCid:                "Double",
	OneByteStringCid:         "OneByteString",
	TwoByteStringCid:         "TwoByteString",
	ArrayCid:                 "Array",
	ImmutableArrayCid:        "ImmutableArray",
	GrowableObjectArrayCid:   "GrowableObjectArray",
	TypeArgumentsCid:         "TypeArguments",
	TypeCid:                  "Type",
	DynamicCid:               "dynamic",
	VoidCid:                  "void",
	MapCid:                   "Map",
	ConstMapCid:              "ConstMap",
	SetCid:                   "Set",
	ConstSetCid:              "ConstSet",
	FunctionCid:              "Function",
	ClosureCid:               "Closure",
	SendPortCid:              "SendPort",
	CapabilityCid:            "Capability",
	ReceivePortCid:           "ReceivePort",
	TransferableTypedDataCid: "TransferableTypedData",
	RegExpCid:                "RegExp",
	StackTraceCid:            "StackTrace",
	UserTagCid:               "UserTag",
	SuspendStateCid:          "SuspendState",
	PointerCid:               "Pointer",
	DynamicLibraryCid:        "DynamicLibrary",
	WeakPropertyCid:          "WeakProperty",
	WeakReferenceCid:         "WeakReference",
	FinalizerCid:             "Finalizer",
	FinalizerEntryCid:        "FinalizerEntry",
	MirrorReferenceCid:       "MirrorReference",
	NativePointerCid:         "NativePointer",
}

func (cid ClassID) String() string {
	if name, ok := cidNames[cid]; ok {
		return name
	}
	if inTypedDataRange(cid) {
		k := TypedDataKindOf(cid)
		switch {
		case IsTypedDataCid(cid):
			return k.String() + "List"
		case IsTypedDataViewCid(cid):
			return k.String() + "View"
		default:
			return "External" + k.String() + "Array"
		}
	}
	return fmt.Sprintf("Instance(%d)", uint16(cid))
}

// CanBeCanonical reports whether instances of cid exist in both canonical
// and non-canonical variants.
func CanBeCanonical(cid ClassID) bool {
	switch cid {
	case SmiCid, MintCid, DoubleCid, OneByteStringCid, TwoByteStringCid,
		ArrayCid, ImmutableArrayCid, MapCid, ConstMapCid, SetCid, ConstSetCid,
		TypeCid, TypeArgumentsCid:
		return true
	}
	return false
}
