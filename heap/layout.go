package heap

// ---------------------------------------------------------------------------
// Object layout
// ---------------------------------------------------------------------------

// Layout constants. Every object starts with a two-word header followed by
// its pointer fields and then its raw payload.
const (
	WordSize            = 8
	ObjectAlignment     = 16
	ObjectAlignmentLog2 = 4
	HeaderSize          = 2 * WordSize
)

// Header word 0 bit layout.
const (
	headerCidMask   uint64 = 0xFFFF
	headerMarkBit   uint64 = 1 << 16
	headerCanonBit  uint64 = 1 << 17
	headerSizeShift        = 32
)

// Field indices, per class.
const (
	classIDField          = 0
	classNameField        = 1
	classInstanceWords    = 2
	classNumTypeArgsField = 3

	boolValueField    = 0
	sentinelIDField   = 0
	numberRawField    = 0
	stringLengthField = 0
	stringHashField   = 1

	arrayTypeArgsField = 0
	arrayLengthField   = 1
	arrayFirstElement  = 2

	growableTypeArgsField = 0
	growableLengthField   = 1
	growableDataField     = 2

	typeArgsLengthField = 0
	typeArgsHashField   = 1
	typeArgsFirstType   = 2

	typeClassIDField     = 0
	typeArgumentsField   = 1
	typeNullabilityField = 2
	typeStateField       = 3

	hashTypeArgsField    = 0
	hashIndexField       = 1
	hashMaskField        = 2
	hashDataField        = 3
	hashUsedDataField    = 4
	hashDeletedKeysField = 5

	functionNameField = 0
	functionKindField = 1

	closureFunctionField = 0
	closureContextField  = 1

	sendPortIDField     = 0
	sendPortOriginField = 1
	capabilityIDField   = 0

	typedDataLengthField = 0

	viewTypedDataField = 0
	viewOffsetField    = 1
	viewLengthField    = 2
)

// Number of pointer fields for classes with a fixed layout. Raw words that
// follow are never visited.
var fixedPointerFields = map[ClassID]int{
	FreeListElementCid:       0,
	ClassCid:                 4,
	NullCid:                  0,
	BoolCid:                  1,
	SentinelCid:              1,
	MintCid:                  0,
	DoubleCid:                0,
	OneByteStringCid:         2,
	TwoByteStringCid:         2,
	GrowableObjectArrayCid:   3,
	TypeCid:                  4,
	MapCid:                   6,
	ConstMapCid:              6,
	SetCid:                   6,
	ConstSetCid:              6,
	FunctionCid:              2,
	ClosureCid:               2,
	SendPortCid:              0,
	CapabilityCid:            0,
	ReceivePortCid:           2,
	TransferableTypedDataCid: 0,
	RegExpCid:                1,
	StackTraceCid:            1,
	UserTagCid:               1,
	SuspendStateCid:          1,
	PointerCid:               0,
	DynamicLibraryCid:        0,
	WeakPropertyCid:          2,
	WeakReferenceCid:         2,
	FinalizerCid:             2,
	FinalizerEntryCid:        3,
	MirrorReferenceCid:       1,
}

// Raw payload words for fixed-layout classes that carry one.
var fixedRawWords = map[ClassID]int{
	MintCid:                  1,
	DoubleCid:                1,
	SendPortCid:              2,
	CapabilityCid:            1,
	TransferableTypedDataCid: 1,
	PointerCid:               1,
	DynamicLibraryCid:        1,
}

func fieldOffset(i int) Address {
	return Address(HeaderSize + i*WordSize)
}

func roundUp(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}

// AllocationSize returns the heap size of an object with the given number of
// pointer fields and raw payload bytes.
func AllocationSize(pointerFields, rawBytes int) int {
	return roundUp(HeaderSize+pointerFields*WordSize+rawBytes, ObjectAlignment)
}

func encodeHeader(cid ClassID, size int, canonical bool) uint64 {
	w := uint64(cid) | uint64(size>>ObjectAlignmentLog2)<<headerSizeShift
	if canonical {
		w |= headerCanonBit
	}
	return w
}

func headerCid(w uint64) ClassID {
	return ClassID(w & headerCidMask)
}

func headerSize(w uint64) int {
	return int(w>>headerSizeShift) << ObjectAlignmentLog2
}

// pointerFieldCount returns how many pointer fields the object at a has.
func (h *Heap) pointerFieldCount(a Address, cid ClassID, size int) int {
	if n, ok := fixedPointerFields[cid]; ok {
		return n
	}
	switch cid {
	case ArrayCid, ImmutableArrayCid:
		return arrayFirstElement + int(h.loadField(a, arrayLengthField).Smi())
	case TypeArgumentsCid:
		return typeArgsFirstType + int(h.loadField(a, typeArgsLengthField).Smi())
	}
	switch {
	case IsTypedDataCid(cid):
		return 1
	case IsTypedDataViewCid(cid):
		return 3
	case IsExternalTypedDataCid(cid):
		return 1
	case IsUserCid(cid):
		return (size - HeaderSize) / WordSize
	}
	panic("heap: no layout for " + cid.String())
}
