package heap

// Value is a tagged heap word.
//
// Encoding scheme:
//   - Smi: low bit 0, 63-bit signed payload in the upper bits
//   - Heap object: low bit 1, remaining bits are the object's address
//
// Objects are 16-byte aligned, so an address never uses the low bits and
// tagging is a plain OR.
type Value uint64

// Address is a byte address in a heap's virtual address space.
type Address uint64

const (
	smiTag     uint64  = 0
	heapTag    uint64  = 1
	tagMask    uint64  = 1
	smiShift           = 1
	smiBits            = 63
	addressNil Address = 0
)

// Smi range (63-bit signed)
const (
	MaxSmi int64 = 1<<(smiBits-1) - 1
	MinSmi int64 = -(1 << (smiBits - 1))
)

// ---------------------------------------------------------------------------
// Smi operations
// ---------------------------------------------------------------------------

// IsSmi returns true if v is an immediate small integer.
func (v Value) IsSmi() bool {
	return uint64(v)&tagMask == smiTag
}

// Smi returns the integer payload of v.
// Panics if v is not a Smi.
func (v Value) Smi() int64 {
	if !v.IsSmi() {
		panic("Value.Smi: not a small integer")
	}
	return int64(v) >> smiShift
}

// SmiValid reports whether n fits in a Smi.
func SmiValid(n int64) bool {
	return n >= MinSmi && n <= MaxSmi
}

// FromSmi creates a Smi Value.
// Panics if n is outside the Smi range.
func FromSmi(n int64) Value {
	if !SmiValid(n) {
		panic("FromSmi: value out of range")
	}
	return Value(uint64(n) << smiShift)
}

// ---------------------------------------------------------------------------
// Heap object operations
// ---------------------------------------------------------------------------

// IsHeapObject returns true if v points at a heap object.
func (v Value) IsHeapObject() bool {
	return uint64(v)&tagMask == heapTag
}

// Address returns the address of the object v points at.
// Panics if v is a Smi.
func (v Value) Address() Address {
	if !v.IsHeapObject() {
		panic("Value.Address: not a heap object")
	}
	return Address(uint64(v) &^ tagMask)
}

// FromAddress creates an object Value for the object starting at a.
func FromAddress(a Address) Value {
	return Value(uint64(a) | heapTag)
}
