package heap

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/zeebo/xxh3"
)

// Canonicalize returns the canonical instance structurally equal to v,
// canonicalizing its fields first. When no such instance exists v itself is
// marked canonical and entered into the constant table. Send ports and
// capabilities are accepted as leaves but never become canonical.
func (h *Heap) Canonicalize(v Value) (Value, error) {
	return h.canonicalize(v, 0)
}

// maxCanonicalDepth bounds the nesting of a value being canonicalized. Only
// a cyclic graph, which has no canonical form, gets close.
const maxCanonicalDepth = 512

func (h *Heap) canonicalize(v Value, depth int) (Value, error) {
	if v.IsSmi() || h.IsCanonical(v) {
		return v, nil
	}
	cid := h.ClassIDOf(v)
	switch cid {
	case OneByteStringCid, TwoByteStringCid:
		return h.CanonicalizeString(v), nil
	case SendPortCid, CapabilityCid:
		return v, nil
	}
	if !CanBeCanonical(cid) {
		return 0, fmt.Errorf("%w: %s", ErrNotCanonicalizable, cid)
	}
	if depth > maxCanonicalDepth {
		return 0, fmt.Errorf("%w: %s nested more than %d deep", ErrNotCanonicalizable, cid, maxCanonicalDepth)
	}
	if err := h.canonicalizeFields(v, cid, depth); err != nil {
		return 0, err
	}
	h.ConstantsMu.Lock()
	defer h.ConstantsMu.Unlock()
	return h.insertConstantLocked(v, cid), nil
}

func (h *Heap) canonicalizeSlot(obj Value, i, depth int) error {
	c, err := h.canonicalize(h.Field(obj, i), depth+1)
	if err != nil {
		return err
	}
	h.SetField(obj, i, c)
	return nil
}

func (h *Heap) canonicalizeFields(v Value, cid ClassID, depth int) error {
	switch cid {
	case MintCid, DoubleCid:
		return nil
	case ArrayCid, ImmutableArrayCid:
		n := h.ArrayLength(v)
		for i := 0; i < arrayFirstElement+n; i++ {
			if i == arrayLengthField {
				continue
			}
			if err := h.canonicalizeSlot(v, i, depth); err != nil {
				return err
			}
		}
	case TypeArgumentsCid:
		n := h.TypeArgumentsLength(v)
		for i := 0; i < n; i++ {
			if err := h.canonicalizeSlot(v, typeArgsFirstType+i, depth); err != nil {
				return err
			}
		}
		h.SetField(v, typeArgsHashField, FromSmi(int64(h.constHash(v, cid)&0x3FFFFFFF)))
	case TypeCid:
		if err := h.canonicalizeSlot(v, typeArgumentsField, depth); err != nil {
			return err
		}
	case MapCid, ConstMapCid, SetCid, ConstSetCid:
		if err := h.canonicalizeSlot(v, hashTypeArgsField, depth); err != nil {
			return err
		}
		if h.Field(v, hashDeletedKeysField).Smi() > 0 {
			h.grow(v, h.HashLength(v))
		}
		data := h.HashData(v)
		used := int(h.Field(v, hashUsedDataField).Smi())
		for i := 0; i < used; i++ {
			if err := h.canonicalizeSlot(data, arrayFirstElement+i, depth); err != nil {
				return err
			}
		}
		h.rebuild(v, h.HashEntryCount(v))
	}
	return nil
}

func (h *Heap) insertConstantLocked(v Value, cid ClassID) Value {
	hash := h.constHash(v, cid)
	buckets := h.constants[cid]
	if buckets == nil {
		buckets = make(map[uint64][]Value)
		h.constants[cid] = buckets
	}
	for _, c := range buckets[hash] {
		if h.constEquals(c, v, cid) {
			return c
		}
	}
	h.setCanonical(v)
	buckets[hash] = append(buckets[hash], v)
	return v
}

// NumConstants returns the number of entries in the canonical-constant table
// for cid.
func (h *Heap) NumConstants(cid ClassID) int {
	h.ConstantsMu.Lock()
	defer h.ConstantsMu.Unlock()
	n := 0
	for _, b := range h.constants[cid] {
		n += len(b)
	}
	return n
}

// leafHash is stable across compaction: Smis hash by value, canonical objects
// by identity, ports by id.
func (h *Heap) leafHash(x Value) uint64 {
	switch {
	case x.IsSmi():
		return uint64(x)
	case h.IsCanonical(x):
		return uint64(h.IdentityHash(x))
	}
	switch h.ClassIDOf(x) {
	case SendPortCid:
		return uint64(h.SendPortID(x))
	case CapabilityCid:
		return h.CapabilityID(x)
	}
	return uint64(h.IdentityHash(x))
}

func (h *Heap) constHash(v Value, cid ClassID) uint64 {
	buf := binary.LittleEndian.AppendUint16(nil, uint16(cid))
	add := func(x uint64) { buf = binary.LittleEndian.AppendUint64(buf, x) }
	switch cid {
	case MintCid:
		n, _ := h.IntegerValue(v)
		add(uint64(n))
	case DoubleCid:
		add(math.Float64bits(h.DoubleValue(v)))
	case ArrayCid, ImmutableArrayCid:
		n := h.ArrayLength(v)
		add(uint64(n))
		add(h.leafHash(h.Field(v, arrayTypeArgsField)))
		for i := 0; i < n; i++ {
			add(h.leafHash(h.ArrayAt(v, i)))
		}
	case TypeArgumentsCid:
		n := h.TypeArgumentsLength(v)
		add(uint64(n))
		for i := 0; i < n; i++ {
			add(h.leafHash(h.TypeArgumentAt(v, i)))
		}
	case TypeCid:
		add(uint64(h.TypeClassID(v)))
		add(uint64(h.TypeNullability(v)))
		add(h.leafHash(h.TypeArguments(v)))
	case MapCid, ConstMapCid, SetCid, ConstSetCid:
		add(h.leafHash(h.Field(v, hashTypeArgsField)))
		h.ForEachEntry(v, func(k, val Value) {
			add(h.leafHash(k))
			add(h.leafHash(val))
		})
	}
	return xxh3.Hash(buf)
}

func (h *Heap) leafEquals(a, b Value) bool {
	if a == b {
		return true
	}
	if a.IsSmi() || b.IsSmi() {
		return false
	}
	ca, cb := h.ClassIDOf(a), h.ClassIDOf(b)
	if ca != cb {
		return false
	}
	switch ca {
	case SendPortCid:
		return h.SendPortID(a) == h.SendPortID(b)
	case CapabilityCid:
		return h.CapabilityID(a) == h.CapabilityID(b)
	}
	return false
}

func (h *Heap) constEquals(a, b Value, cid ClassID) bool {
	if h.ClassIDOf(a) != h.ClassIDOf(b) {
		return false
	}
	switch cid {
	case MintCid:
		x, _ := h.IntegerValue(a)
		y, _ := h.IntegerValue(b)
		return x == y
	case DoubleCid:
		return math.Float64bits(h.DoubleValue(a)) == math.Float64bits(h.DoubleValue(b))
	case ArrayCid, ImmutableArrayCid:
		n := h.ArrayLength(a)
		if n != h.ArrayLength(b) || !h.leafEquals(h.Field(a, arrayTypeArgsField), h.Field(b, arrayTypeArgsField)) {
			return false
		}
		for i := 0; i < n; i++ {
			if !h.leafEquals(h.ArrayAt(a, i), h.ArrayAt(b, i)) {
				return false
			}
		}
		return true
	case TypeArgumentsCid:
		n := h.TypeArgumentsLength(a)
		if n != h.TypeArgumentsLength(b) {
			return false
		}
		for i := 0; i < n; i++ {
			if !h.leafEquals(h.TypeArgumentAt(a, i), h.TypeArgumentAt(b, i)) {
				return false
			}
		}
		return true
	case TypeCid:
		return h.TypeClassID(a) == h.TypeClassID(b) &&
			h.TypeNullability(a) == h.TypeNullability(b) &&
			h.leafEquals(h.TypeArguments(a), h.TypeArguments(b))
	case MapCid, ConstMapCid, SetCid, ConstSetCid:
		if h.HashLength(a) != h.HashLength(b) ||
			!h.leafEquals(h.Field(a, hashTypeArgsField), h.Field(b, hashTypeArgsField)) {
			return false
		}
		var ea, eb []Value
		h.ForEachEntry(a, func(k, v Value) { ea = append(ea, k, v) })
		h.ForEachEntry(b, func(k, v Value) { eb = append(eb, k, v) })
		for i := range ea {
			if !h.leafEquals(ea[i], eb[i]) {
				return false
			}
		}
		return true
	}
	return false
}
