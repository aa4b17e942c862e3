package heap

import (
	"encoding/binary"
	"math"
)

// Linked hash maps and sets keep their entries in insertion order in a data
// array and find them through an open-addressing index of Uint32 slots. An
// index slot holds 0 when empty, deletedSlot after a removal, and entry+1
// otherwise. Removed entries keep their place in the data array with the
// sentinel as key.

const (
	minIndexSize = 8
	deletedSlot  = ^uint32(0)
)

// IsMapCid reports whether cid is a map class.
func IsMapCid(cid ClassID) bool { return cid == MapCid || cid == ConstMapCid }

// IsSetCid reports whether cid is a set class.
func IsSetCid(cid ClassID) bool { return cid == SetCid || cid == ConstSetCid }

// IsHashCollectionCid reports whether cid is a map or set class.
func IsHashCollectionCid(cid ClassID) bool { return IsMapCid(cid) || IsSetCid(cid) }

func stride(cid ClassID) int {
	if IsMapCid(cid) {
		return 2
	}
	return 1
}

// NewMap allocates an empty mutable map.
func (h *Heap) NewMap() Value { return h.NewHashCollection(MapCid, 0) }

// NewSet allocates an empty mutable set.
func (h *Heap) NewSet() Value { return h.NewHashCollection(SetCid, 0) }

// NewHashCollection allocates a map or set of class cid whose data array has
// room for n entries, all of them already counted as used and null. The
// caller fills the entries with HashDataSetAt and then calls Rehash.
func (h *Heap) NewHashCollection(cid ClassID, n int) Value {
	if !IsHashCollectionCid(cid) {
		panic("NewHashCollection: not a hash collection: " + cid.String())
	}
	v := h.newWithNullFields(cid, fixedPointerFields[cid], 0)
	data := h.EmptyArray
	if n > 0 {
		data = h.NewArray(n * stride(cid))
	}
	h.SetField(v, hashDataField, data)
	h.SetField(v, hashUsedDataField, FromSmi(int64(n*stride(cid))))
	h.SetField(v, hashDeletedKeysField, FromSmi(0))
	h.SetField(v, hashMaskField, FromSmi(0))
	return v
}

// HashLength returns the number of live entries of a map or set.
func (h *Heap) HashLength(v Value) int {
	cid := h.ClassIDOf(v)
	used := int(h.Field(v, hashUsedDataField).Smi())
	return used/stride(cid) - int(h.Field(v, hashDeletedKeysField).Smi())
}

// HashEntryCount returns the number of entries in the data array, removed
// entries included.
func (h *Heap) HashEntryCount(v Value) int {
	return int(h.Field(v, hashUsedDataField).Smi()) / stride(h.ClassIDOf(v))
}

// HashData returns the data array of a map or set.
func (h *Heap) HashData(v Value) Value { return h.Field(v, hashDataField) }

// HashDataSetAt stores slot i of the data array.
func (h *Heap) HashDataSetAt(v Value, i int, x Value) {
	h.ArraySetAt(h.HashData(v), i, x)
}

// ForEachEntry calls fn for every live entry in insertion order. For sets
// value is null.
func (h *Heap) ForEachEntry(v Value, fn func(key, value Value)) {
	cid := h.ClassIDOf(v)
	s := stride(cid)
	data := h.HashData(v)
	used := int(h.Field(v, hashUsedDataField).Smi())
	for i := 0; i < used; i += s {
		k := h.ArrayAt(data, i)
		if k == h.Sentinel {
			continue
		}
		val := h.Null
		if s == 2 {
			val = h.ArrayAt(data, i+1)
		}
		fn(k, val)
	}
}

// MapSet inserts or replaces the value for key.
func (h *Heap) MapSet(m, key, value Value) {
	h.mustBe(m, MapCid, ConstMapCid)
	h.mustBeMutable(m)
	if e, ok := h.findEntry(m, key); ok {
		h.HashDataSetAt(m, 2*e+1, value)
		return
	}
	e := h.appendEntry(m, key)
	h.HashDataSetAt(m, 2*e+1, value)
}

// MapLookup returns the value for key.
func (h *Heap) MapLookup(m, key Value) (Value, bool) {
	h.mustBe(m, MapCid, ConstMapCid)
	e, ok := h.findEntry(m, key)
	if !ok {
		return h.Null, false
	}
	return h.ArrayAt(h.HashData(m), 2*e+1), true
}

// MapRemove deletes key and reports whether it was present.
func (h *Heap) MapRemove(m, key Value) bool {
	h.mustBe(m, MapCid, ConstMapCid)
	h.mustBeMutable(m)
	return h.removeEntry(m, key)
}

// SetAdd inserts key and reports whether it was added.
func (h *Heap) SetAdd(s, key Value) bool {
	h.mustBe(s, SetCid, ConstSetCid)
	h.mustBeMutable(s)
	if _, ok := h.findEntry(s, key); ok {
		return false
	}
	h.appendEntry(s, key)
	return true
}

// SetContains reports whether key is in the set.
func (h *Heap) SetContains(s, key Value) bool {
	h.mustBe(s, SetCid, ConstSetCid)
	_, ok := h.findEntry(s, key)
	return ok
}

// SetRemove deletes key and reports whether it was present.
func (h *Heap) SetRemove(s, key Value) bool {
	h.mustBe(s, SetCid, ConstSetCid)
	h.mustBeMutable(s)
	return h.removeEntry(s, key)
}

// Rehash rebuilds the index of every map and set in objs from its data
// array. Hash codes are not portable between heaps, so collections arriving
// from another heap must be rehashed before use.
func (h *Heap) Rehash(objs []Value) error {
	for _, v := range objs {
		h.rebuild(v, h.HashEntryCount(v))
	}
	return nil
}

// ---------------------------------------------------------------------------
// Index maintenance
// ---------------------------------------------------------------------------

func (h *Heap) indexSlots(v Value) []byte {
	idx := h.Field(v, hashIndexField)
	if idx == h.Null {
		return nil
	}
	return h.TypedDataBytes(idx)
}

func slotAt(idx []byte, i int) uint32 { return binary.NativeEndian.Uint32(idx[4*i:]) }

func setSlot(idx []byte, i int, x uint32) { binary.NativeEndian.PutUint32(idx[4*i:], x) }

func (h *Heap) findEntry(v, key Value) (int, bool) {
	idx := h.indexSlots(v)
	if idx == nil {
		return 0, false
	}
	data := h.HashData(v)
	s := stride(h.ClassIDOf(v))
	mask := int(h.Field(v, hashMaskField).Smi())
	for i := int(h.KeyHash(key)) & mask; ; i = (i + 1) & mask {
		slot := slotAt(idx, i)
		if slot == 0 {
			return 0, false
		}
		if slot == deletedSlot {
			continue
		}
		e := int(slot - 1)
		if h.KeyEquals(h.ArrayAt(data, e*s), key) {
			return e, true
		}
	}
}

func (h *Heap) removeEntry(v, key Value) bool {
	idx := h.indexSlots(v)
	if idx == nil {
		return false
	}
	data := h.HashData(v)
	s := stride(h.ClassIDOf(v))
	mask := int(h.Field(v, hashMaskField).Smi())
	for i := int(h.KeyHash(key)) & mask; ; i = (i + 1) & mask {
		slot := slotAt(idx, i)
		if slot == 0 {
			return false
		}
		if slot == deletedSlot {
			continue
		}
		e := int(slot - 1)
		if h.KeyEquals(h.ArrayAt(data, e*s), key) {
			setSlot(idx, i, deletedSlot)
			h.ArraySetAt(data, e*s, h.Sentinel)
			if s == 2 {
				h.ArraySetAt(data, e*s+1, h.Null)
			}
			deleted := h.Field(v, hashDeletedKeysField).Smi()
			h.SetField(v, hashDeletedKeysField, FromSmi(deleted+1))
			return true
		}
	}
}

// appendEntry adds key as a new entry and returns its entry number.
func (h *Heap) appendEntry(v, key Value) int {
	s := stride(h.ClassIDOf(v))
	used := int(h.Field(v, hashUsedDataField).Smi())
	data := h.HashData(v)
	mask := int(h.Field(v, hashMaskField).Smi())
	if used+s > h.ArrayLength(data) || 2*(used/s+1) > mask+1 {
		live := h.HashLength(v)
		h.grow(v, max(2*(live+1), minIndexSize))
		used = int(h.Field(v, hashUsedDataField).Smi())
		data = h.HashData(v)
	}
	e := used / s
	h.ArraySetAt(data, used, key)
	h.SetField(v, hashUsedDataField, FromSmi(int64(used+s)))
	h.insertIndex(v, key, e)
	return e
}

// grow moves the live entries into a data array with room for entries
// entries, dropping removed ones, and rebuilds the index.
func (h *Heap) grow(v Value, entries int) {
	s := stride(h.ClassIDOf(v))
	fresh := h.NewArray(entries * s)
	n := 0
	h.ForEachEntry(v, func(k, val Value) {
		h.ArraySetAt(fresh, n*s, k)
		if s == 2 {
			h.ArraySetAt(fresh, n*s+1, val)
		}
		n++
	})
	h.SetField(v, hashDataField, fresh)
	h.SetField(v, hashUsedDataField, FromSmi(int64(n*s)))
	h.SetField(v, hashDeletedKeysField, FromSmi(0))
	h.rebuild(v, entries)
}

// rebuild allocates an index sized for capacity entries and inserts every
// live entry of the data array.
func (h *Heap) rebuild(v Value, capacity int) {
	size := minIndexSize
	for size < 2*capacity {
		size <<= 1
	}
	h.SetField(v, hashIndexField, h.NewTypedData(Uint32, size))
	h.SetField(v, hashMaskField, FromSmi(int64(size-1)))
	s := stride(h.ClassIDOf(v))
	data := h.HashData(v)
	used := int(h.Field(v, hashUsedDataField).Smi())
	deleted := 0
	for i := 0; i < used; i += s {
		k := h.ArrayAt(data, i)
		if k == h.Sentinel {
			deleted++
			continue
		}
		h.insertIndex(v, k, i/s)
	}
	h.SetField(v, hashDeletedKeysField, FromSmi(int64(deleted)))
}

func (h *Heap) insertIndex(v, key Value, e int) {
	idx := h.indexSlots(v)
	mask := int(h.Field(v, hashMaskField).Smi())
	i := int(h.KeyHash(key)) & mask
	for slotAt(idx, i) != 0 && slotAt(idx, i) != deletedSlot {
		i = (i + 1) & mask
	}
	setSlot(idx, i, uint32(e+1))
}

// ---------------------------------------------------------------------------
// Key hashing
// ---------------------------------------------------------------------------

func mix(n uint64) uint32 {
	return uint32((n * 0x9E3779B97F4A7C15) >> 32)
}

// KeyHash returns the hash used for v as a collection key. Numbers and
// strings hash by value, everything else by identity.
func (h *Heap) KeyHash(v Value) uint32 {
	switch cid := h.ClassIDOf(v); cid {
	case SmiCid:
		return mix(uint64(v.Smi()))
	case MintCid:
		n, _ := h.IntegerValue(v)
		return mix(uint64(n))
	case DoubleCid:
		f := h.DoubleValue(v)
		if f == math.Trunc(f) && f >= math.MinInt64 && f < math.MaxInt64 {
			return mix(uint64(int64(f)))
		}
		return mix(math.Float64bits(f))
	case OneByteStringCid, TwoByteStringCid:
		return h.StringHash(v)
	default:
		return h.IdentityHash(v)
	}
}

// KeyEquals reports whether a and b are the same collection key.
func (h *Heap) KeyEquals(a, b Value) bool {
	if a == b {
		return true
	}
	ca, cb := h.ClassIDOf(a), h.ClassIDOf(b)
	switch {
	case (ca == SmiCid || ca == MintCid) && (cb == SmiCid || cb == MintCid):
		x, _ := h.IntegerValue(a)
		y, _ := h.IntegerValue(b)
		return x == y
	case ca == DoubleCid && cb == DoubleCid:
		return h.DoubleValue(a) == h.DoubleValue(b)
	case h.IsString(a) && h.IsString(b):
		return h.StringEquals(a, b)
	}
	return false
}
