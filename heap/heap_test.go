package heap

import (
	"errors"
	"strings"
	"testing"
)

func newTestHeap(t *testing.T) *Heap {
	t.Helper()
	h, err := New(DefaultOptions())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return h
}

func TestSmiEncoding(t *testing.T) {
	tests := []int64{0, 1, -1, 42, MaxSmi, MinSmi}
	for _, n := range tests {
		v := FromSmi(n)
		if !v.IsSmi() || v.IsHeapObject() {
			t.Errorf("FromSmi(%d) is not a Smi", n)
		}
		if got := v.Smi(); got != n {
			t.Errorf("FromSmi(%d).Smi() = %d", n, got)
		}
	}
	if SmiValid(MaxSmi + 1) {
		t.Errorf("MaxSmi+1 should not be valid")
	}
}

func TestOptionsValidate(t *testing.T) {
	tests := []struct {
		name string
		opts Options
		want error
	}{
		{"defaults", DefaultOptions(), nil},
		{"not power of two", Options{PageSize: 3000, LargeObjectSize: 512}, ErrInvalidPageSize},
		{"smaller than block", Options{PageSize: 512, LargeObjectSize: 128}, ErrInvalidPageSize},
		{"large too big", Options{PageSize: 4096, LargeObjectSize: 4096}, ErrInvalidLargeSize},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.opts)
			if !errors.Is(err, tt.want) {
				t.Fatalf("New(%+v) = %v, want %v", tt.opts, err, tt.want)
			}
		})
	}
}

func TestBaseObjectsAgreeAcrossHeaps(t *testing.T) {
	a := newTestHeap(t)
	b := MustNew(Options{PageSize: 4096, LargeObjectSize: 1024})

	ba, bb := a.BaseObjects(), b.BaseObjects()
	if len(ba) != NumBaseObjects {
		t.Fatalf("len(BaseObjects) = %d, want %d", len(ba), NumBaseObjects)
	}
	for i := range ba {
		if ba[i] != bb[i] {
			t.Errorf("base object %d: %#x vs %#x", i, uint64(ba[i]), uint64(bb[i]))
		}
		if !a.IsCanonical(ba[i]) {
			t.Errorf("base object %d is not canonical", i)
		}
		if a.PageOf(ba[i].Address()).Kind() != ImagePage {
			t.Errorf("base object %d is not on the image page", i)
		}
	}
	if a.ClassIDOf(a.True) != BoolCid || a.ClassIDOf(a.EmptyArray) != ImmutableArrayCid {
		t.Errorf("unexpected base object classes")
	}
}

func TestAllocationReusesFreeSpace(t *testing.T) {
	h := newTestHeap(t)
	arr := h.NewArray(4)
	cap0 := h.Capacity()
	a := arr.Address()

	h.LockPages()
	h.AddFree(a, h.SizeOf(arr))
	h.UnlockPages()

	again := h.NewArray(4)
	if again.Address() != a {
		t.Fatalf("free span not reused: %#x vs %#x", uint64(again.Address()), uint64(a))
	}
	if h.Capacity() != cap0 {
		t.Errorf("Capacity grew from %d to %d", cap0, h.Capacity())
	}
}

func TestLargeObjectsGetOwnPage(t *testing.T) {
	h := newTestHeap(t)
	td := h.NewTypedData(Uint8, DefaultLargeObjectSize)
	p := h.PageOf(td.Address())
	if p.Kind() != LargePage {
		t.Fatalf("page kind = %s, want large", p.Kind())
	}
	if got := len(h.TypedDataBytes(td)); got != DefaultLargeObjectSize {
		t.Errorf("len(bytes) = %d", got)
	}
	if len(h.LargePages()) != 1 {
		t.Errorf("LargePages = %d", len(h.LargePages()))
	}
}

func TestPagesAreWalkable(t *testing.T) {
	h := newTestHeap(t)
	for i := 0; i < 2000; i++ {
		h.NewArrayOf(FromSmi(int64(i)), h.NewString("x"))
	}
	pages := h.OldPages()
	if len(pages) < 2 {
		t.Fatalf("expected several pages, got %d", len(pages))
	}
	for _, p := range pages {
		total := 0
		h.ForEachObject(p, func(a Address, cid ClassID, size int) bool {
			total += size
			return true
		})
		if total != p.Size() {
			t.Errorf("page %#x: walked %d of %d bytes", uint64(p.Base()), total, p.Size())
		}
	}
}

func TestStrings(t *testing.T) {
	h := newTestHeap(t)
	tests := []struct {
		in  string
		cid ClassID
		n   int
	}{
		{"hello", OneByteStringCid, 5},
		{"café", OneByteStringCid, 4},
		{"日本", TwoByteStringCid, 2},
		{"a😀", TwoByteStringCid, 3},
		{"", OneByteStringCid, 0},
	}
	for _, tt := range tests {
		v := h.NewString(tt.in)
		if got := h.ClassIDOf(v); got != tt.cid {
			t.Errorf("%q: cid = %s, want %s", tt.in, got, tt.cid)
		}
		if got := h.StringLength(v); got != tt.n {
			t.Errorf("%q: length = %d, want %d", tt.in, got, tt.n)
		}
		if got := h.StringValue(v); got != tt.in {
			t.Errorf("StringValue = %q, want %q", got, tt.in)
		}
	}

	one := h.NewOneByteString([]byte("abc"))
	two := h.NewTwoByteString([]uint16{'a', 'b', 'c'})
	if !h.StringEquals(one, two) || h.StringHash(one) != h.StringHash(two) {
		t.Errorf("one-byte and two-byte \"abc\" differ")
	}
	if h.Symbol("abc") != h.CanonicalizeString(two) {
		t.Errorf("CanonicalizeString did not find the symbol")
	}
}

func TestLoneSurrogates(t *testing.T) {
	h := newTestHeap(t)
	lone := h.NewTwoByteString([]uint16{'a', 0xD800, 'b'})
	if !h.HasLoneSurrogate(lone) {
		t.Errorf("lone high surrogate not detected")
	}
	pair := h.NewTwoByteString([]uint16{0xD83D, 0xDE00})
	if h.HasLoneSurrogate(pair) {
		t.Errorf("valid pair reported as lone")
	}
	if h.CanonicalizeString(lone) == h.Symbol("a�b") {
		t.Errorf("lone surrogate string collapsed onto replacement-char symbol")
	}
}

func TestIntegers(t *testing.T) {
	h := newTestHeap(t)
	if v := h.NewInteger(7); !v.IsSmi() {
		t.Errorf("NewInteger(7) is boxed")
	}
	big := int64(1) << 62
	v := h.NewInteger(big)
	if h.ClassIDOf(v) != MintCid {
		t.Fatalf("NewInteger(1<<62) cid = %s", h.ClassIDOf(v))
	}
	if n, ok := h.IntegerValue(v); !ok || n != big {
		t.Errorf("IntegerValue = %d, %v", n, ok)
	}
}

func TestGrowableArray(t *testing.T) {
	h := newTestHeap(t)
	g := h.NewGrowableArray(0)
	for i := 0; i < 10; i++ {
		h.GrowableAdd(g, FromSmi(int64(i)))
	}
	if h.GrowableLength(g) != 10 {
		t.Fatalf("length = %d", h.GrowableLength(g))
	}
	for i := 0; i < 10; i++ {
		if got := h.GrowableAt(g, i).Smi(); got != int64(i) {
			t.Errorf("at %d = %d", i, got)
		}
	}
}

func TestMapOperations(t *testing.T) {
	h := newTestHeap(t)
	m := h.NewMap()
	for i := 0; i < 100; i++ {
		h.MapSet(m, FromSmi(int64(i)), h.NewString(strings.Repeat("v", i%5)))
	}
	h.MapSet(m, h.NewString("key"), FromSmi(1))
	if got := h.HashLength(m); got != 101 {
		t.Fatalf("length = %d", got)
	}
	if v, ok := h.MapLookup(m, h.NewString("key")); !ok || v != FromSmi(1) {
		t.Errorf("string key lookup = %v, %v", v, ok)
	}
	if !h.MapRemove(m, FromSmi(50)) {
		t.Errorf("remove 50 failed")
	}
	if _, ok := h.MapLookup(m, FromSmi(50)); ok {
		t.Errorf("50 still present")
	}
	if v, ok := h.MapLookup(m, FromSmi(51)); !ok || h.StringLength(v) != 1 {
		t.Errorf("lookup after remove broken")
	}
	if h.HashLength(m) != 100 {
		t.Errorf("length after remove = %d", h.HashLength(m))
	}

	var keys []int64
	h.ForEachEntry(m, func(k, _ Value) {
		if k.IsSmi() {
			keys = append(keys, k.Smi())
		}
	})
	for i := 1; i < len(keys); i++ {
		if keys[i] <= keys[i-1] {
			t.Fatalf("insertion order lost at %d: %v", i, keys[i-1:i+1])
		}
	}
}

func TestSetAndRehash(t *testing.T) {
	h := newTestHeap(t)
	s := h.NewHashCollection(SetCid, 3)
	h.HashDataSetAt(s, 0, FromSmi(1))
	h.HashDataSetAt(s, 1, h.NewString("two"))
	h.HashDataSetAt(s, 2, h.NewMint(1<<62))
	if err := h.Rehash([]Value{s}); err != nil {
		t.Fatalf("Rehash: %v", err)
	}
	for _, k := range []Value{FromSmi(1), h.NewString("two"), h.NewMint(1 << 62)} {
		if !h.SetContains(s, k) {
			t.Errorf("missing key after rehash: %s", h.ClassIDOf(k))
		}
	}
	if h.SetAdd(s, FromSmi(1)) {
		t.Errorf("duplicate add succeeded")
	}
	if !h.SetAdd(s, FromSmi(4)) || h.HashLength(s) != 4 {
		t.Errorf("add after rehash failed")
	}
}

func TestCanonicalize(t *testing.T) {
	h := newTestHeap(t)
	build := func() Value {
		return h.NewArrayOf(FromSmi(1), h.NewString("s"), h.NewDouble(2.5), h.NewMint(1<<62))
	}
	a, err := h.Canonicalize(build())
	if err != nil {
		t.Fatalf("Canonicalize: %v", err)
	}
	b, err := h.Canonicalize(build())
	if err != nil {
		t.Fatalf("Canonicalize: %v", err)
	}
	if a != b {
		t.Errorf("structurally equal arrays not deduplicated")
	}
	if !h.IsCanonical(a) || !h.IsCanonical(h.ArrayAt(a, 2)) {
		t.Errorf("canonical bits not set")
	}
	if h.NumConstants(ArrayCid) != 1 {
		t.Errorf("NumConstants(Array) = %d", h.NumConstants(ArrayCid))
	}

	_, err = h.Canonicalize(h.NewArrayOf(h.NewTypedData(Uint8, 4)))
	if !errors.Is(err, ErrNotCanonicalizable) {
		t.Errorf("typed data element: err = %v", err)
	}
}

func TestCanonicalizeMap(t *testing.T) {
	h := newTestHeap(t)
	build := func() Value {
		m := h.NewMap()
		h.MapSet(m, h.NewString("a"), FromSmi(1))
		h.MapSet(m, h.NewString("b"), h.NewDouble(1.5))
		return m
	}
	a, _ := h.Canonicalize(build())
	b, _ := h.Canonicalize(build())
	if a != b {
		t.Fatalf("equal maps not deduplicated")
	}
	if v, ok := h.MapLookup(a, h.Symbol("a")); !ok || v != FromSmi(1) {
		t.Errorf("lookup in canonical map failed")
	}
}

func TestCanonicalValuesAreImmutable(t *testing.T) {
	h := newTestHeap(t)
	a, err := h.Canonicalize(h.NewArrayOf(FromSmi(1)))
	if err != nil {
		t.Fatalf("Canonicalize: %v", err)
	}
	m := h.NewMap()
	h.MapSet(m, h.NewString("k"), FromSmi(1))
	cm, err := h.Canonicalize(m)
	if err != nil {
		t.Fatalf("Canonicalize: %v", err)
	}
	set := h.NewSet()
	h.SetAdd(set, FromSmi(1))
	cs, err := h.Canonicalize(set)
	if err != nil {
		t.Fatalf("Canonicalize: %v", err)
	}

	tests := []struct {
		name string
		fn   func()
	}{
		{"ArraySetAt", func() { h.ArraySetAt(a, 0, h.NewTypedData(Uint8, 4)) }},
		{"MapSet", func() { h.MapSet(cm, h.NewString("k"), FromSmi(2)) }},
		{"MapRemove", func() { h.MapRemove(cm, h.Symbol("k")) }},
		{"SetAdd", func() { h.SetAdd(cs, FromSmi(2)) }},
		{"SetRemove", func() { h.SetRemove(cs, FromSmi(1)) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Errorf("%s modified a canonical value", tt.name)
				}
			}()
			tt.fn()
		})
	}
	if h.ArrayAt(a, 0) != FromSmi(1) {
		t.Errorf("canonical array changed")
	}
}

func TestTypes(t *testing.T) {
	h := newTestHeap(t)
	ta := h.NewTypeArguments(1)
	typ := h.NewType(OneByteStringCid, ta, NonNullable)
	if h.IsTypeFinalized(typ) {
		t.Errorf("fresh type is finalized")
	}
	if err := h.FinalizeType(typ); err != nil {
		t.Fatalf("FinalizeType: %v", err)
	}
	if h.TypeArgumentAt(ta, 0) != h.DynamicType {
		t.Errorf("default type argument is not dynamic")
	}
	if err := h.FinalizeType(h.NewType(ClassID(5000), h.Null, Nullable)); !errors.Is(err, ErrUnknownClass) {
		t.Errorf("unknown class: %v", err)
	}
}

func TestTypedDataAndViews(t *testing.T) {
	h := newTestHeap(t)
	td := h.NewTypedData(Int32, 4)
	if got := len(h.TypedDataBytes(td)); got != 16 {
		t.Fatalf("bytes = %d", got)
	}
	h.TypedDataBytes(td)[4] = 9
	view := h.NewTypedDataView(Uint8, td, 4, 8)
	if err := h.CheckViewBounds(view); err != nil {
		t.Fatalf("CheckViewBounds: %v", err)
	}
	if h.TypedDataBytes(view)[0] != 9 {
		t.Errorf("view does not alias backing store")
	}
	bad := h.NewTypedDataView(Uint8, td, 12, 8)
	if err := h.CheckViewBounds(bad); err == nil {
		t.Errorf("out-of-bounds view accepted")
	}

	finalized := 0
	ext := h.NewExternalTypedData(Uint16, make([]byte, 8), "peer", func(any) { finalized++ })
	if h.TypedDataLength(ext) != 4 {
		t.Errorf("external length = %d", h.TypedDataLength(ext))
	}
	h.Peers().Sweep(func(Address) bool { return false })
	if finalized != 1 {
		t.Errorf("finalizer ran %d times", finalized)
	}
}

func TestTransferable(t *testing.T) {
	h := newTestHeap(t)
	tt := h.NewTransferableTypedData([]byte{1, 2, 3})
	if h.IsDetached(tt) {
		t.Fatalf("fresh transferable is detached")
	}
	data, ok := h.Detach(tt)
	if !ok || len(data) != 3 {
		t.Fatalf("Detach = %v, %v", data, ok)
	}
	if !h.IsDetached(tt) {
		t.Errorf("not detached after Detach")
	}
	if _, ok := h.Detach(tt); ok {
		t.Errorf("second Detach succeeded")
	}
}

func TestClosures(t *testing.T) {
	h := newTestHeap(t)
	static := h.NewFunction("main", StaticFunction)
	if !h.IsImplicitStaticClosure(h.NewClosure(static, h.Null)) {
		t.Errorf("static closure not recognised")
	}
	if h.IsImplicitStaticClosure(h.NewClosure(static, h.NewArray(1))) {
		t.Errorf("closure with context recognised as static")
	}
	if fn, ok := h.LookupFunction("main"); !ok || fn != static {
		t.Errorf("LookupFunction failed")
	}
}

func TestUserInstances(t *testing.T) {
	h := newTestHeap(t)
	cid := h.RegisterClass("Point", 2)
	if !IsUserCid(cid) {
		t.Fatalf("cid %d is not a user cid", cid)
	}
	p, err := h.NewInstance(cid)
	if err != nil {
		t.Fatalf("NewInstance: %v", err)
	}
	if h.Field(p, 0) != h.Null || h.Field(p, 1) != h.Null {
		t.Errorf("fields not null")
	}
	n := 0
	h.VisitPointers(p.Address(), func(Address) { n++ })
	if n != 2 {
		t.Errorf("visited %d slots", n)
	}
	if h.ClassName(cid) != "Point" {
		t.Errorf("ClassName = %q", h.ClassName(cid))
	}
}

func TestRetainingPath(t *testing.T) {
	h := newTestHeap(t)
	bad := h.NewInternalObject(RegExpCid, h.NewString("a+"))
	m := h.NewMap()
	h.MapSet(m, FromSmi(1), bad)
	root := h.NewArrayOf(FromSmi(0), m)

	path := h.RetainingPath(root, bad)
	if len(path) < 3 || path[0].Object != root || path[len(path)-1].Object != bad {
		t.Fatalf("unexpected path %v", path)
	}
	got := h.FormatPath(path)
	want := "Array[1] -> Map.data -> Array[1] -> RegExp"
	if got != want {
		t.Errorf("FormatPath = %q, want %q", got, want)
	}
	if h.RetainingPath(root, h.NewArray(0)) != nil {
		t.Errorf("path to unreachable object")
	}
}

func TestRoots(t *testing.T) {
	h := newTestHeap(t)
	live := h.NewArray(1)
	dead := h.NewArray(1)
	isLive := func(v Value) bool { return v == live }

	ran := 0
	h.Handles().NewWeak(dead, nil, func(any) { ran++ })
	h.Handles().NewWeak(live, nil, func(any) { ran += 10 })
	if n := h.Handles().SweepWeak(isLive); n != 1 || ran != 1 {
		t.Errorf("SweepWeak = %d, ran = %d", n, ran)
	}

	h.RememberedSet().Add(live)
	h.RememberedSet().Add(dead)
	h.RememberedSet().Add(live)
	if h.RememberedSet().Len() != 2 {
		t.Errorf("remembered set kept duplicates")
	}
	h.RememberedSet().Prune(isLive)
	if h.RememberedSet().Contains(dead) {
		t.Errorf("dead object still remembered")
	}

	ring := NewObjectIDRing(2)
	id0 := ring.Add(live)
	ring.Add(dead)
	ring.Add(live)
	if _, ok := ring.Get(id0); ok {
		t.Errorf("expired id still valid")
	}
}
