package heap

import (
	"encoding/binary"
	"fmt"
	"math"
	"unicode/utf16"
	"unicode/utf8"

	"github.com/zeebo/xxh3"
)

// ---------------------------------------------------------------------------
// Classes
// ---------------------------------------------------------------------------

func (h *Heap) newClass(cid ClassID, name string, numFields int) Value {
	a := h.allocate(ClassCid, AllocationSize(fixedPointerFields[ClassCid], 0), false)
	h.storeField(a, classIDField, FromSmi(int64(cid)))
	h.storeField(a, classNameField, h.Symbol(name))
	h.storeField(a, classInstanceWords, FromSmi(int64(numFields)))
	h.storeField(a, classNumTypeArgsField, FromSmi(0))
	return FromAddress(a)
}

// RegisterClass adds a user class whose instances carry numFields pointer
// fields and returns its class id.
func (h *Heap) RegisterClass(name string, numFields int) ClassID {
	h.classMu.Lock()
	cid := ClassID(len(h.classes))
	h.classes = append(h.classes, Value(0))
	h.classMu.Unlock()
	cls := h.newClass(cid, name, numFields)
	h.classMu.Lock()
	h.classes[cid] = cls
	h.classMu.Unlock()
	return cid
}

// ClassObject returns the class object for cid.
func (h *Heap) ClassObject(cid ClassID) (Value, error) {
	h.classMu.RLock()
	defer h.classMu.RUnlock()
	if int(cid) >= len(h.classes) || h.classes[cid] == 0 {
		return 0, fmt.Errorf("%w: %d", ErrUnknownClass, cid)
	}
	return h.classes[cid], nil
}

// ClassName returns the registered name of cid.
func (h *Heap) ClassName(cid ClassID) string {
	cls, err := h.ClassObject(cid)
	if err != nil {
		return cid.String()
	}
	return h.StringValue(h.Field(cls, classNameField))
}

// NumClasses returns the size of the class table.
func (h *Heap) NumClasses() int {
	h.classMu.RLock()
	defer h.classMu.RUnlock()
	return len(h.classes)
}

// NewInstance allocates an instance of a user class with every field null.
func (h *Heap) NewInstance(cid ClassID) (Value, error) {
	if !IsUserCid(cid) {
		return 0, fmt.Errorf("%w: %s is not a user class", ErrUnknownClass, cid)
	}
	cls, err := h.ClassObject(cid)
	if err != nil {
		return 0, err
	}
	n := int(h.Field(cls, classInstanceWords).Smi())
	return h.newWithNullFields(cid, n, 0), nil
}

// NewInternalObject allocates an object of a fixed-layout class with the
// given pointer fields; missing fields are null. It is how runtime-only kinds
// such as receive ports and regular expressions are materialised.
func (h *Heap) NewInternalObject(cid ClassID, fields ...Value) Value {
	n, ok := fixedPointerFields[cid]
	if !ok {
		panic("NewInternalObject: " + cid.String() + " has no fixed layout")
	}
	if len(fields) > n {
		panic("NewInternalObject: too many fields for " + cid.String())
	}
	v := h.newWithNullFields(cid, n, fixedRawWords[cid]*WordSize)
	for i, f := range fields {
		h.SetField(v, i, f)
	}
	return v
}

func (h *Heap) newWithNullFields(cid ClassID, n, rawBytes int) Value {
	a := h.allocate(cid, AllocationSize(n, rawBytes), false)
	for i := 0; i < n; i++ {
		h.storeField(a, i, h.Null)
	}
	return FromAddress(a)
}

// Bool returns the canonical true or false object.
func (h *Heap) Bool(b bool) Value {
	if b {
		return h.True
	}
	return h.False
}

// ---------------------------------------------------------------------------
// Numbers
// ---------------------------------------------------------------------------

// NewInteger returns n as a Smi when it fits and as a boxed Mint otherwise.
func (h *Heap) NewInteger(n int64) Value {
	if SmiValid(n) {
		return FromSmi(n)
	}
	return h.NewMint(n)
}

// NewMint boxes n regardless of range. The result is not canonical.
func (h *Heap) NewMint(n int64) Value {
	a := h.allocate(MintCid, AllocationSize(0, WordSize), false)
	h.StoreWord(h.rawAddr(a, 0), uint64(n))
	return FromAddress(a)
}

// IntegerValue returns the value of a Smi or Mint.
func (h *Heap) IntegerValue(v Value) (int64, bool) {
	if v.IsSmi() {
		return v.Smi(), true
	}
	if h.ClassIDOf(v) != MintCid {
		return 0, false
	}
	return int64(h.LoadWord(h.rawAddr(v.Address(), 0))), true
}

// NewDouble boxes f. The result is not canonical.
func (h *Heap) NewDouble(f float64) Value {
	a := h.allocate(DoubleCid, AllocationSize(0, WordSize), false)
	h.StoreWord(h.rawAddr(a, 0), math.Float64bits(f))
	return FromAddress(a)
}

// DoubleValue returns the value of a Double.
// Panics if v is not a Double.
func (h *Heap) DoubleValue(v Value) float64 {
	h.mustBe(v, DoubleCid)
	return math.Float64frombits(h.LoadWord(h.rawAddr(v.Address(), 0)))
}

func (h *Heap) mustBe(v Value, cids ...ClassID) ClassID {
	cid := h.ClassIDOf(v)
	for _, c := range cids {
		if cid == c {
			return cid
		}
	}
	panic(fmt.Sprintf("heap: expected %v, got %s", cids, cid))
}

// mustBeMutable panics if v is a canonical constant.
func (h *Heap) mustBeMutable(v Value) {
	if h.IsCanonical(v) {
		panic(fmt.Sprintf("heap: cannot modify canonical %s", h.ClassIDOf(v)))
	}
}

// ---------------------------------------------------------------------------
// Strings
// ---------------------------------------------------------------------------

// NewString allocates s, which must be UTF-8. Strings whose code points all
// fit in Latin-1 are stored one byte per unit, everything else as UTF-16.
func (h *Heap) NewString(s string) Value {
	latin1 := true
	for _, r := range s {
		if r > 0xFF {
			latin1 = false
			break
		}
	}
	if latin1 {
		b := make([]byte, 0, len(s))
		for _, r := range s {
			b = append(b, byte(r))
		}
		return h.NewOneByteString(b)
	}
	return h.NewTwoByteString(utf16.Encode([]rune(s)))
}

// NewOneByteString allocates a Latin-1 string from units.
func (h *Heap) NewOneByteString(units []byte) Value {
	a := h.allocate(OneByteStringCid, AllocationSize(2, len(units)), false)
	h.storeField(a, stringLengthField, FromSmi(int64(len(units))))
	copy(h.Bytes(h.rawAddr(a, 2), len(units)), units)
	h.storeField(a, stringHashField, FromSmi(int64(hashOneByte(units))))
	return FromAddress(a)
}

// NewTwoByteString allocates a UTF-16 string from units. Units need not form
// valid UTF-16.
func (h *Heap) NewTwoByteString(units []uint16) Value {
	a := h.allocate(TwoByteStringCid, AllocationSize(2, 2*len(units)), false)
	h.storeField(a, stringLengthField, FromSmi(int64(len(units))))
	raw := h.Bytes(h.rawAddr(a, 2), 2*len(units))
	for i, u := range units {
		binary.LittleEndian.PutUint16(raw[2*i:], u)
	}
	h.storeField(a, stringHashField, FromSmi(int64(hashTwoByte(raw))))
	return FromAddress(a)
}

// IsString reports whether v is a one-byte or two-byte string.
func (h *Heap) IsString(v Value) bool {
	cid := h.ClassIDOf(v)
	return cid == OneByteStringCid || cid == TwoByteStringCid
}

// StringLength returns the length of a string in code units.
func (h *Heap) StringLength(v Value) int {
	h.mustBe(v, OneByteStringCid, TwoByteStringCid)
	return int(h.Field(v, stringLengthField).Smi())
}

// StringHash returns the content hash of a string.
func (h *Heap) StringHash(v Value) uint32 {
	h.mustBe(v, OneByteStringCid, TwoByteStringCid)
	return uint32(h.Field(v, stringHashField).Smi())
}

// OneByteUnits returns the Latin-1 units of a one-byte string. The slice
// aliases heap memory.
func (h *Heap) OneByteUnits(v Value) []byte {
	h.mustBe(v, OneByteStringCid)
	n := int(h.Field(v, stringLengthField).Smi())
	return h.Bytes(h.rawAddr(v.Address(), 2), n)
}

// TwoByteUnits returns a copy of the UTF-16 units of a two-byte string.
func (h *Heap) TwoByteUnits(v Value) []uint16 {
	h.mustBe(v, TwoByteStringCid)
	n := int(h.Field(v, stringLengthField).Smi())
	raw := h.Bytes(h.rawAddr(v.Address(), 2), 2*n)
	units := make([]uint16, n)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(raw[2*i:])
	}
	return units
}

// StringValue converts a heap string to UTF-8. Unpaired surrogates become
// U+FFFD.
func (h *Heap) StringValue(v Value) string {
	switch h.ClassIDOf(v) {
	case OneByteStringCid:
		units := h.OneByteUnits(v)
		b := make([]byte, 0, len(units))
		for _, u := range units {
			b = utf8.AppendRune(b, rune(u))
		}
		return string(b)
	case TwoByteStringCid:
		return string(utf16.Decode(h.TwoByteUnits(v)))
	}
	panic("StringValue: not a string: " + h.ClassIDOf(v).String())
}

// StringEquals compares two strings by content.
func (h *Heap) StringEquals(a, b Value) bool {
	if a == b {
		return true
	}
	if h.StringHash(a) != h.StringHash(b) || h.StringLength(a) != h.StringLength(b) {
		return false
	}
	ca, cb := h.ClassIDOf(a), h.ClassIDOf(b)
	if ca == OneByteStringCid && cb == OneByteStringCid {
		return string(h.OneByteUnits(a)) == string(h.OneByteUnits(b))
	}
	ua, ub := h.codeUnits(a), h.codeUnits(b)
	for i := range ua {
		if ua[i] != ub[i] {
			return false
		}
	}
	return true
}

func (h *Heap) codeUnits(v Value) []uint16 {
	if h.ClassIDOf(v) == TwoByteStringCid {
		return h.TwoByteUnits(v)
	}
	b := h.OneByteUnits(v)
	units := make([]uint16, len(b))
	for i, c := range b {
		units[i] = uint16(c)
	}
	return units
}

// Strings hash their UTF-16 code units so that equal one-byte and two-byte
// strings agree.
func hashOneByte(units []byte) uint32 {
	raw := make([]byte, 2*len(units))
	for i, c := range units {
		raw[2*i] = c
	}
	return hashTwoByte(raw)
}

func hashTwoByte(raw []byte) uint32 {
	return uint32(xxh3.Hash(raw)) & 0x3FFFFFFF
}

// Symbol returns the canonical string equal to s, creating it if needed.
func (h *Heap) Symbol(s string) Value {
	h.symbolsMu.Lock()
	defer h.symbolsMu.Unlock()
	if v, ok := h.symbols[s]; ok {
		return v
	}
	v := h.NewString(s)
	h.setCanonical(v)
	h.symbols[s] = v
	return v
}

// CanonicalizeString returns the symbol with the same content as v, adopting
// v itself when no symbol exists yet.
func (h *Heap) CanonicalizeString(v Value) Value {
	if h.IsCanonical(v) {
		return v
	}
	key := h.StringValue(v)
	if h.ClassIDOf(v) == TwoByteStringCid {
		// Lone surrogates do not survive the UTF-8 key; keep them distinct.
		key = string(h.rawStringKey(v))
	}
	h.symbolsMu.Lock()
	defer h.symbolsMu.Unlock()
	if s, ok := h.symbols[key]; ok {
		return s
	}
	h.setCanonical(v)
	h.symbols[key] = v
	return v
}

func (h *Heap) rawStringKey(v Value) []byte {
	units := h.TwoByteUnits(v)
	if !hasLoneSurrogate(units) {
		return []byte(string(utf16.Decode(units)))
	}
	key := []byte{0xFF}
	for _, u := range units {
		key = binary.LittleEndian.AppendUint16(key, u)
	}
	return key
}

func hasLoneSurrogate(units []uint16) bool {
	for i := 0; i < len(units); i++ {
		u := units[i]
		switch {
		case u >= 0xD800 && u < 0xDC00:
			if i+1 >= len(units) || units[i+1] < 0xDC00 || units[i+1] > 0xDFFF {
				return true
			}
			i++
		case u >= 0xDC00 && u <= 0xDFFF:
			return true
		}
	}
	return false
}

// HasLoneSurrogate reports whether a two-byte string contains an unpaired
// surrogate and so cannot be represented in UTF-8.
func (h *Heap) HasLoneSurrogate(v Value) bool {
	if h.ClassIDOf(v) != TwoByteStringCid {
		return false
	}
	return hasLoneSurrogate(h.TwoByteUnits(v))
}

// ---------------------------------------------------------------------------
// Arrays
// ---------------------------------------------------------------------------

// NewArray allocates a mutable array of n nulls.
func (h *Heap) NewArray(n int) Value { return h.newArray(ArrayCid, n) }

// NewImmutableArray allocates an immutable array of n nulls.
func (h *Heap) NewImmutableArray(n int) Value { return h.newArray(ImmutableArrayCid, n) }

func (h *Heap) newArray(cid ClassID, n int) Value {
	v := h.newWithNullFields(cid, arrayFirstElement+n, 0)
	h.SetField(v, arrayLengthField, FromSmi(int64(n)))
	return v
}

// NewArrayOf allocates a mutable array holding elems.
func (h *Heap) NewArrayOf(elems ...Value) Value {
	v := h.NewArray(len(elems))
	for i, e := range elems {
		h.ArraySetAt(v, i, e)
	}
	return v
}

// ArrayLength returns the length of an Array or ImmutableArray.
func (h *Heap) ArrayLength(v Value) int {
	h.mustBe(v, ArrayCid, ImmutableArrayCid)
	return int(h.Field(v, arrayLengthField).Smi())
}

// ArrayAt returns element i.
func (h *Heap) ArrayAt(v Value, i int) Value {
	h.checkIndex(i, h.ArrayLength(v))
	return h.Field(v, arrayFirstElement+i)
}

// ArraySetAt stores element i. Canonical arrays cannot be modified.
func (h *Heap) ArraySetAt(v Value, i int, x Value) {
	h.checkIndex(i, h.ArrayLength(v))
	h.mustBeMutable(v)
	h.SetField(v, arrayFirstElement+i, x)
}

// ArrayTypeArguments returns the type arguments field of an array-like
// object: arrays, growable arrays, maps and sets.
func (h *Heap) ArrayTypeArguments(v Value) Value { return h.Field(v, 0) }

// SetArrayTypeArguments stores the type arguments of an array-like object.
func (h *Heap) SetArrayTypeArguments(v, ta Value) { h.SetField(v, 0, ta) }

func (h *Heap) checkIndex(i, n int) {
	if i < 0 || i >= n {
		panic(fmt.Sprintf("heap: index %d out of range [0, %d)", i, n))
	}
}

// ---------------------------------------------------------------------------
// Growable arrays
// ---------------------------------------------------------------------------

// NewGrowableArray allocates an empty growable array with the given capacity.
func (h *Heap) NewGrowableArray(capacity int) Value {
	data := h.EmptyArray
	if capacity > 0 {
		data = h.NewArray(capacity)
	}
	return h.NewGrowableArrayFrom(data, 0)
}

// NewGrowableArrayFrom wraps data with the given logical length.
func (h *Heap) NewGrowableArrayFrom(data Value, length int) Value {
	v := h.newWithNullFields(GrowableObjectArrayCid, fixedPointerFields[GrowableObjectArrayCid], 0)
	h.SetField(v, growableLengthField, FromSmi(int64(length)))
	h.SetField(v, growableDataField, data)
	return v
}

// GrowableLength returns the logical length of a growable array.
func (h *Heap) GrowableLength(v Value) int {
	h.mustBe(v, GrowableObjectArrayCid)
	return int(h.Field(v, growableLengthField).Smi())
}

// GrowableData returns the backing array of a growable array.
func (h *Heap) GrowableData(v Value) Value {
	h.mustBe(v, GrowableObjectArrayCid)
	return h.Field(v, growableDataField)
}

// SetGrowableData replaces the backing array of a growable array. The
// logical length is unchanged and must not exceed the new array's length.
func (h *Heap) SetGrowableData(v, data Value) {
	h.mustBe(v, GrowableObjectArrayCid)
	h.SetField(v, growableDataField, data)
}

// GrowableAt returns element i.
func (h *Heap) GrowableAt(v Value, i int) Value {
	h.checkIndex(i, h.GrowableLength(v))
	return h.ArrayAt(h.GrowableData(v), i)
}

// GrowableAdd appends x, doubling the backing array when full.
func (h *Heap) GrowableAdd(v, x Value) {
	n := h.GrowableLength(v)
	data := h.GrowableData(v)
	if capacity := h.ArrayLength(data); n == capacity {
		grown := h.NewArray(max(2*capacity, 4))
		for i := 0; i < n; i++ {
			h.ArraySetAt(grown, i, h.ArrayAt(data, i))
		}
		h.SetField(v, growableDataField, grown)
		data = grown
	}
	h.ArraySetAt(data, n, x)
	h.SetField(v, growableLengthField, FromSmi(int64(n+1)))
}

// ---------------------------------------------------------------------------
// Types
// ---------------------------------------------------------------------------

// Nullability of a Type.
type Nullability int64

const (
	Nullable Nullability = iota
	NonNullable
	Legacy
)

// TypeState tracks type finalization.
type TypeState int64

const (
	TypeAllocated TypeState = iota
	TypeFinalized
)

// NewTypeArguments allocates a type argument vector of n dynamic types.
func (h *Heap) NewTypeArguments(n int) Value {
	a := h.allocate(TypeArgumentsCid, AllocationSize(typeArgsFirstType+n, 0), false)
	h.storeField(a, typeArgsLengthField, FromSmi(int64(n)))
	h.storeField(a, typeArgsHashField, FromSmi(0))
	for i := 0; i < n; i++ {
		h.storeField(a, typeArgsFirstType+i, h.DynamicType)
	}
	return FromAddress(a)
}

// TypeArgumentsLength returns the number of types in a vector.
func (h *Heap) TypeArgumentsLength(v Value) int {
	h.mustBe(v, TypeArgumentsCid)
	return int(h.Field(v, typeArgsLengthField).Smi())
}

// TypeArgumentAt returns type i of a vector.
func (h *Heap) TypeArgumentAt(v Value, i int) Value {
	h.checkIndex(i, h.TypeArgumentsLength(v))
	return h.Field(v, typeArgsFirstType+i)
}

// SetTypeArgumentAt stores type i of a vector.
func (h *Heap) SetTypeArgumentAt(v Value, i int, t Value) {
	h.checkIndex(i, h.TypeArgumentsLength(v))
	h.SetField(v, typeArgsFirstType+i, t)
}

// NewType allocates an unfinalized type for class cid.
func (h *Heap) NewType(cid ClassID, args Value, n Nullability) Value {
	a := h.allocate(TypeCid, AllocationSize(fixedPointerFields[TypeCid], 0), false)
	h.initType(a, cid, args, n, TypeAllocated)
	return FromAddress(a)
}

func (h *Heap) initType(a Address, cid ClassID, args Value, n Nullability, state TypeState) {
	h.storeField(a, typeClassIDField, FromSmi(int64(cid)))
	h.storeField(a, typeArgumentsField, args)
	h.storeField(a, typeNullabilityField, FromSmi(int64(n)))
	h.storeField(a, typeStateField, FromSmi(int64(state)))
}

// TypeClassID returns the class a type refers to.
func (h *Heap) TypeClassID(v Value) ClassID {
	h.mustBe(v, TypeCid)
	return ClassID(h.Field(v, typeClassIDField).Smi())
}

// TypeArguments returns the argument vector of a type, or null.
func (h *Heap) TypeArguments(v Value) Value {
	h.mustBe(v, TypeCid)
	return h.Field(v, typeArgumentsField)
}

// SetTypeArguments stores the argument vector of a type.
func (h *Heap) SetTypeArguments(v, args Value) {
	h.mustBe(v, TypeCid)
	h.SetField(v, typeArgumentsField, args)
}

// TypeNullability returns the nullability of a type.
func (h *Heap) TypeNullability(v Value) Nullability {
	h.mustBe(v, TypeCid)
	return Nullability(h.Field(v, typeNullabilityField).Smi())
}

// IsTypeFinalized reports whether FinalizeType has run on v.
func (h *Heap) IsTypeFinalized(v Value) bool {
	h.mustBe(v, TypeCid)
	return TypeState(h.Field(v, typeStateField).Smi()) == TypeFinalized
}

// FinalizeType checks that the type's class is known to this heap and marks
// it finalized.
func (h *Heap) FinalizeType(v Value) error {
	cid := h.TypeClassID(v)
	if cid != DynamicCid && cid != VoidCid {
		if _, err := h.ClassObject(cid); err != nil {
			return err
		}
	}
	h.SetField(v, typeStateField, FromSmi(int64(TypeFinalized)))
	return nil
}

// ---------------------------------------------------------------------------
// Typed data
// ---------------------------------------------------------------------------

// External holds the payload of an object whose bytes live outside the heap.
type External struct {
	Data []byte
	Peer any
	// Finalize runs once when the owning object dies.
	Finalize func(peer any)
}

// NewTypedData allocates internal typed data of length elements, zeroed.
func (h *Heap) NewTypedData(kind TypedDataKind, length int) Value {
	n := length * kind.ElementSize()
	a := h.allocate(TypedDataCid(kind), AllocationSize(1, n), false)
	h.storeField(a, typedDataLengthField, FromSmi(int64(length)))
	return FromAddress(a)
}

// NewExternalTypedData wraps data, which is owned by the heap from now on.
// finalize, if non-nil, runs when the object dies.
func (h *Heap) NewExternalTypedData(kind TypedDataKind, data []byte, peer any, finalize func(peer any)) Value {
	if len(data)%kind.ElementSize() != 0 {
		panic(fmt.Sprintf("NewExternalTypedData: %d bytes is not a whole number of %s elements", len(data), kind))
	}
	a := h.allocate(ExternalTypedDataCid(kind), AllocationSize(1, 0), false)
	h.storeField(a, typedDataLengthField, FromSmi(int64(len(data)/kind.ElementSize())))
	h.peers.Set(a, &External{Data: data, Peer: peer, Finalize: finalize})
	return FromAddress(a)
}

// NewTypedDataView allocates a view of length elements over backing,
// starting offsetInBytes into it.
func (h *Heap) NewTypedDataView(kind TypedDataKind, backing Value, offsetInBytes, length int) Value {
	v := h.newWithNullFields(TypedDataViewCid(kind), 3, 0)
	h.SetField(v, viewTypedDataField, backing)
	h.SetField(v, viewOffsetField, FromSmi(int64(offsetInBytes)))
	h.SetField(v, viewLengthField, FromSmi(int64(length)))
	return v
}

// SetViewBacking points a view at backing. Use CheckViewBounds to validate
// the result.
func (h *Heap) SetViewBacking(v, backing Value, offsetInBytes, length int) {
	if !IsTypedDataViewCid(h.ClassIDOf(v)) {
		panic("SetViewBacking: not a view: " + h.ClassIDOf(v).String())
	}
	h.SetField(v, viewTypedDataField, backing)
	h.SetField(v, viewOffsetField, FromSmi(int64(offsetInBytes)))
	h.SetField(v, viewLengthField, FromSmi(int64(length)))
}

// IsTypedDataLike reports whether v is internal, external or view typed data.
func (h *Heap) IsTypedDataLike(v Value) bool {
	if v.IsSmi() {
		return false
	}
	return inTypedDataRange(h.ClassIDOf(v))
}

// TypedDataLength returns the element count of any typed data object.
func (h *Heap) TypedDataLength(v Value) int {
	cid := h.ClassIDOf(v)
	if !inTypedDataRange(cid) {
		panic("TypedDataLength: not typed data: " + cid.String())
	}
	if IsTypedDataViewCid(cid) {
		return int(h.Field(v, viewLengthField).Smi())
	}
	return int(h.Field(v, typedDataLengthField).Smi())
}

// TypedDataBytes returns the bytes of any typed data object. For internal
// typed data the slice aliases heap memory and is invalidated by compaction.
func (h *Heap) TypedDataBytes(v Value) []byte {
	cid := h.ClassIDOf(v)
	kind := TypedDataKindOf(cid)
	n := h.TypedDataLength(v) * kind.ElementSize()
	switch {
	case IsTypedDataCid(cid):
		return h.Bytes(h.rawAddr(v.Address(), 1), n)
	case IsExternalTypedDataCid(cid):
		ext := h.peers.Get(v.Address())
		if ext == nil {
			return nil
		}
		return ext.Data[:n]
	default:
		backing, off := h.ViewBacking(v)
		return h.TypedDataBytes(backing)[off : off+n]
	}
}

// ViewBacking returns the backing object and byte offset of a view.
func (h *Heap) ViewBacking(v Value) (Value, int) {
	if !IsTypedDataViewCid(h.ClassIDOf(v)) {
		panic("ViewBacking: not a view: " + h.ClassIDOf(v).String())
	}
	return h.Field(v, viewTypedDataField), int(h.Field(v, viewOffsetField).Smi())
}

// CheckViewBounds validates that a view lies within its backing store.
func (h *Heap) CheckViewBounds(v Value) error {
	backing, off := h.ViewBacking(v)
	if !h.IsTypedDataLike(backing) || IsTypedDataViewCid(h.ClassIDOf(backing)) {
		return fmt.Errorf("heap: view backing is %s", h.ClassIDOf(backing))
	}
	size := TypedDataKindOf(h.ClassIDOf(v)).ElementSize()
	n := h.TypedDataLength(v) * size
	have := h.TypedDataLength(backing) * TypedDataKindOf(h.ClassIDOf(backing)).ElementSize()
	if off < 0 || n < 0 || off+n > have {
		return fmt.Errorf("heap: view [%d, %d) exceeds %d backing bytes", off, off+n, have)
	}
	return nil
}

// NewTransferableTypedData wraps data for a zero-copy transfer. The first
// transfer detaches it.
func (h *Heap) NewTransferableTypedData(data []byte) Value {
	a := h.allocate(TransferableTypedDataCid, AllocationSize(0, WordSize), false)
	h.StoreWord(h.rawAddr(a, 0), uint64(len(data)))
	h.peers.Set(a, &External{Data: data})
	return FromAddress(a)
}

// TransferableLength returns the byte length of a transferable buffer.
func (h *Heap) TransferableLength(v Value) int {
	h.mustBe(v, TransferableTypedDataCid)
	return int(h.LoadWord(h.rawAddr(v.Address(), 0)))
}

// IsDetached reports whether a transferable buffer has already been
// transferred.
func (h *Heap) IsDetached(v Value) bool {
	h.mustBe(v, TransferableTypedDataCid)
	return h.peers.Get(v.Address()) == nil
}

// Detach takes ownership of the bytes of a transferable buffer, leaving it
// detached.
func (h *Heap) Detach(v Value) ([]byte, bool) {
	h.mustBe(v, TransferableTypedDataCid)
	ext := h.peers.Remove(v.Address())
	if ext == nil {
		return nil, false
	}
	return ext.Data, true
}

// ---------------------------------------------------------------------------
// Ports and capabilities
// ---------------------------------------------------------------------------

// NewSendPort allocates a send port for port id, created by origin.
func (h *Heap) NewSendPort(id, origin int64) Value {
	a := h.allocate(SendPortCid, AllocationSize(0, 2*WordSize), false)
	h.StoreWord(h.rawAddr(a, 0), uint64(id))
	h.StoreWord(h.rawAddr(a, 0)+WordSize, uint64(origin))
	return FromAddress(a)
}

// SendPortID returns the port id of a send port.
func (h *Heap) SendPortID(v Value) int64 {
	h.mustBe(v, SendPortCid)
	return int64(h.LoadWord(h.rawAddr(v.Address(), 0)))
}

// SendPortOrigin returns the origin id of a send port.
func (h *Heap) SendPortOrigin(v Value) int64 {
	h.mustBe(v, SendPortCid)
	return int64(h.LoadWord(h.rawAddr(v.Address(), 0) + WordSize))
}

// NewCapability allocates a capability token.
func (h *Heap) NewCapability(id uint64) Value {
	a := h.allocate(CapabilityCid, AllocationSize(0, WordSize), false)
	h.StoreWord(h.rawAddr(a, 0), id)
	return FromAddress(a)
}

// CapabilityID returns the id of a capability.
func (h *Heap) CapabilityID(v Value) uint64 {
	h.mustBe(v, CapabilityCid)
	return h.LoadWord(h.rawAddr(v.Address(), 0))
}

// ---------------------------------------------------------------------------
// Functions and closures
// ---------------------------------------------------------------------------

// FunctionKind distinguishes functions that need a receiver or context from
// those that do not.
type FunctionKind int64

const (
	RegularFunction FunctionKind = iota
	StaticFunction
)

// NewFunction allocates a function and registers it by name, so that other
// heaps in the process can resolve it.
func (h *Heap) NewFunction(name string, kind FunctionKind) Value {
	a := h.allocate(FunctionCid, AllocationSize(fixedPointerFields[FunctionCid], 0), false)
	h.storeField(a, functionNameField, h.Symbol(name))
	h.storeField(a, functionKindField, FromSmi(int64(kind)))
	v := FromAddress(a)
	h.funcMu.Lock()
	h.functions[name] = v
	h.funcMu.Unlock()
	return v
}

// LookupFunction resolves a registered function by name.
func (h *Heap) LookupFunction(name string) (Value, bool) {
	h.funcMu.RLock()
	defer h.funcMu.RUnlock()
	v, ok := h.functions[name]
	return v, ok
}

// FunctionName returns the registered name of a function.
func (h *Heap) FunctionName(v Value) string {
	h.mustBe(v, FunctionCid)
	return h.StringValue(h.Field(v, functionNameField))
}

// FunctionKindOf returns the kind of a function.
func (h *Heap) FunctionKindOf(v Value) FunctionKind {
	h.mustBe(v, FunctionCid)
	return FunctionKind(h.Field(v, functionKindField).Smi())
}

// NewClosure allocates a closure over fn with the given context.
func (h *Heap) NewClosure(fn, context Value) Value {
	v := h.newWithNullFields(ClosureCid, 2, 0)
	h.SetField(v, closureFunctionField, fn)
	h.SetField(v, closureContextField, context)
	return v
}

// ClosureFunction returns the function of a closure.
func (h *Heap) ClosureFunction(v Value) Value {
	h.mustBe(v, ClosureCid)
	return h.Field(v, closureFunctionField)
}

// SetClosureFunction replaces the function of a closure.
func (h *Heap) SetClosureFunction(v, fn Value) {
	h.mustBe(v, ClosureCid)
	h.SetField(v, closureFunctionField, fn)
}

// IsImplicitStaticClosure reports whether v is a closure over a static
// function with no captured context. Only those can cross heaps.
func (h *Heap) IsImplicitStaticClosure(v Value) bool {
	if h.ClassIDOf(v) != ClosureCid {
		return false
	}
	fn := h.ClosureFunction(v)
	return h.Field(v, closureContextField) == h.Null &&
		h.ClassIDOf(fn) == FunctionCid &&
		h.FunctionKindOf(fn) == StaticFunction
}
