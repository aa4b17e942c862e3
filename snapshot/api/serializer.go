package api

import (
	"bytes"
	"errors"
	"fmt"
	"unicode/utf16"
	"unicode/utf8"

	"github.com/tliron/commonlog"
	"golang.org/x/text/encoding/charmap"

	"github.com/chazu/heapwire/heap"
	"github.com/chazu/heapwire/snapshot"
)

// ErrInvalidEncoding is wrapped by every error for a CObject tree that has
// no wire form.
var ErrInvalidEncoding = errors.New("api: invalid object")

// References of the base objects every heap agrees on.
const (
	nullRef  = 1
	trueRef  = 8
	falseRef = 9
)

// Largest arrays and typed data the serializer accepts. They match the
// bounds the reader applies to growable arrays and external typed data.
var (
	maxArrayLength     int64 = maxGrowableLength
	maxTypedDataLength int64 = maxExternalLength
)

type cluster struct {
	cid       heap.ClassID
	canonical bool
	objects   []*CObject
	smis      []int64
}

func (c *cluster) len() int {
	if c.cid == heap.SmiCid {
		return len(c.smis)
	}
	return len(c.objects)
}

// Serializer writes one CObject tree as a message snapshot. Objects are
// identified by pointer, so a subtree shared within the tree is sent once.
// Integers in Smi range are identified by value.
type Serializer struct {
	w           *snapshot.WriteStream
	finalizable *snapshot.FinalizableData
	log         commonlog.Logger

	refs     map[*CObject]uint64
	smiRefs  map[int64]uint64
	clusters map[heap.ClassID]*cluster
	phases   [snapshot.NumPhases][]*cluster
	count    int
	nextRef  uint64

	oneByte map[*CObject][]byte
	twoByte map[*CObject][]uint16
}

func NewSerializer() *Serializer {
	return &Serializer{
		w:           snapshot.NewWriteStream(64),
		finalizable: &snapshot.FinalizableData{},
		log:         commonlog.GetLogger("heapwire.snapshot.api"),
		refs:        make(map[*CObject]uint64),
		smiRefs:     make(map[int64]uint64),
		clusters:    make(map[heap.ClassID]*cluster),
		oneByte:     make(map[*CObject][]byte),
		twoByte:     make(map[*CObject][]uint16),
	}
}

// Serialize writes root. Nothing is moved into the finalizable data unless
// the whole tree is valid, so on error the caller still owns every
// external buffer.
func (s *Serializer) Serialize(root *CObject) error {
	if err := s.trace(root); err != nil {
		return err
	}
	s.w.WriteUnsigned(heap.NumBaseObjects)
	s.w.WriteUnsigned(uint64(heap.NumBaseObjects + s.count))
	s.nextRef = heap.NumBaseObjects + 1
	for _, clusters := range s.phases {
		s.w.WriteUnsigned(uint64(len(clusters)))
		for _, c := range clusters {
			s.w.WriteUnsigned(snapshot.ClusterTag(c.cid, c.canonical))
			s.writeNodes(c)
		}
		for _, c := range clusters {
			s.writeEdges(c)
		}
	}
	s.w.WriteUnsigned(s.ref(root))
	return nil
}

func (s *Serializer) Bytes() []byte { return s.w.Bytes() }

func (s *Serializer) Finalizable() *snapshot.FinalizableData { return s.finalizable }

func (s *Serializer) trace(root *CObject) error {
	stack := []*CObject{root}
	for len(stack) > 0 {
		o := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if o == nil {
			continue
		}
		switch o.Type {
		case TypeNull, TypeBool:
			continue
		case TypeInt32, TypeInt64:
			if o.Type == TypeInt32 && int64(int32(o.Int)) != o.Int {
				return fmt.Errorf("%w: int32 object holds %d", ErrInvalidEncoding, o.Int)
			}
			if heap.SmiValid(o.Int) {
				if _, ok := s.smiRefs[o.Int]; !ok {
					s.smiRefs[o.Int] = 0
					c := s.cluster(heap.SmiCid, true)
					c.smis = append(c.smis, o.Int)
				}
				continue
			}
		}
		if _, ok := s.refs[o]; ok {
			continue
		}
		cid, err := s.classify(o)
		if err != nil {
			return err
		}
		s.refs[o] = 0
		c := s.cluster(cid, false)
		c.objects = append(c.objects, o)
		if o.Type == TypeArray {
			for i := len(o.Elements) - 1; i >= 0; i-- {
				stack = append(stack, o.Elements[i])
			}
		}
	}
	return nil
}

func (s *Serializer) classify(o *CObject) (heap.ClassID, error) {
	switch o.Type {
	case TypeInt32, TypeInt64:
		return heap.MintCid, nil
	case TypeDouble:
		return heap.DoubleCid, nil
	case TypeString:
		if !utf8.ValidString(o.Str) {
			return 0, fmt.Errorf("%w: string %q is not valid UTF-8", ErrInvalidEncoding, o.Str)
		}
		if b, err := charmap.ISO8859_1.NewEncoder().String(o.Str); err == nil {
			s.oneByte[o] = []byte(b)
			return heap.OneByteStringCid, nil
		}
		s.twoByte[o] = utf16.Encode([]rune(o.Str))
		return heap.TwoByteStringCid, nil
	case TypeArray:
		if int64(len(o.Elements)) > maxArrayLength {
			return 0, fmt.Errorf("%w: array of %d elements exceeds %d",
				ErrInvalidEncoding, len(o.Elements), maxArrayLength)
		}
		return heap.ArrayCid, nil
	case TypeTypedData, TypeExternalTypedData:
		if o.Kind >= heap.NumTypedDataKinds {
			return 0, fmt.Errorf("%w: typed data kind %d", ErrInvalidEncoding, o.Kind)
		}
		if len(o.Data)%o.Kind.ElementSize() != 0 {
			return 0, fmt.Errorf("%w: %d bytes is not a whole number of %s elements",
				ErrInvalidEncoding, len(o.Data), o.Kind)
		}
		if n := int64(len(o.Data) / o.Kind.ElementSize()); n > maxTypedDataLength {
			return 0, fmt.Errorf("%w: typed data of %d elements exceeds %d",
				ErrInvalidEncoding, n, maxTypedDataLength)
		}
		return heap.ExternalTypedDataCid(o.Kind), nil
	case TypeSendPort:
		return heap.SendPortCid, nil
	case TypeCapability:
		return heap.CapabilityCid, nil
	case TypeNativePointer:
		return heap.NativePointerCid, nil
	case TypeUnsupported:
		return 0, fmt.Errorf("%w: unsupported object cannot be sent", ErrInvalidEncoding)
	}
	return 0, fmt.Errorf("%w: %s", ErrInvalidEncoding, o.Type)
}

func (s *Serializer) cluster(cid heap.ClassID, canonical bool) *cluster {
	if c, ok := s.clusters[cid]; ok {
		s.count++
		return c
	}
	phase, ok := snapshot.PhaseOf(cid, canonical)
	if !ok {
		panic(fmt.Sprintf("api: no cluster for %s", cid))
	}
	c := &cluster{cid: cid, canonical: canonical}
	s.clusters[cid] = c
	s.phases[phase] = append(s.phases[phase], c)
	s.count++
	return c
}

func (s *Serializer) assign(o *CObject) {
	s.refs[o] = s.nextRef
	s.nextRef++
}

func (s *Serializer) ref(o *CObject) uint64 {
	if o == nil {
		return nullRef
	}
	switch o.Type {
	case TypeNull:
		return nullRef
	case TypeBool:
		if o.Bool {
			return trueRef
		}
		return falseRef
	case TypeInt32, TypeInt64:
		if heap.SmiValid(o.Int) {
			return s.smiRefs[o.Int]
		}
	}
	id := s.refs[o]
	if id == 0 {
		panic(fmt.Sprintf("api: %s written before its node", o.Type))
	}
	return id
}

func (s *Serializer) writeNodes(c *cluster) {
	s.w.WriteUnsigned(uint64(c.len()))
	if c.cid == heap.SmiCid {
		for _, n := range c.smis {
			s.smiRefs[n] = s.nextRef
			s.nextRef++
			s.w.WriteInt64(n)
		}
		return
	}
	for _, o := range c.objects {
		s.assign(o)
		switch c.cid {
		case heap.MintCid:
			s.w.WriteInt64(o.Int)
		case heap.DoubleCid:
			s.w.WriteFloat64(o.Double)
		case heap.OneByteStringCid:
			b := s.oneByte[o]
			s.w.WriteUnsigned(uint64(len(b)))
			s.w.WriteBytes(b)
		case heap.TwoByteStringCid:
			units := s.twoByte[o]
			s.w.WriteUnsigned(uint64(len(units)))
			s.w.WriteUint16s(units)
		case heap.SendPortCid:
			s.w.WriteInt64(o.PortID)
			s.w.WriteInt64(o.PortOrigin)
		case heap.CapabilityCid:
			s.w.WriteUint64(o.Capability)
		case heap.NativePointerCid:
			s.w.WriteInt64(o.Pointer)
			s.finalizable.Put(snapshot.FinalizableEntry{Peer: o.Peer, Finalize: o.Finalize, Release: o.Finalize})
		case heap.ArrayCid:
			s.w.WriteUnsigned(uint64(len(o.Elements)))
		default:
			// All typed data travels out of band. Internal data is
			// copied; external data is moved with its finalizer.
			s.w.WriteUnsigned(uint64(len(o.Data) / o.Kind.ElementSize()))
			e := snapshot.FinalizableEntry{Data: bytes.Clone(o.Data)}
			if o.Type == TypeExternalTypedData {
				e = snapshot.FinalizableEntry{Data: o.Data, Peer: o.Peer, Finalize: o.Finalize, Release: o.Finalize}
			}
			s.finalizable.Put(e)
		}
	}
}

func (s *Serializer) writeEdges(c *cluster) {
	if c.cid != heap.ArrayCid {
		return
	}
	for _, o := range c.objects {
		s.w.WriteUnsigned(nullRef)
		for _, e := range o.Elements {
			s.w.WriteUnsigned(s.ref(e))
		}
	}
}

// WriteMessage serializes root into a message for port dest.
func WriteMessage(root *CObject, dest int64, p snapshot.Priority) (*snapshot.Message, error) {
	s := NewSerializer()
	if err := s.Serialize(root); err != nil {
		s.log.Debugf("native message to port %d rejected: %s", dest, err)
		return nil, err
	}
	m := snapshot.NewMessage(dest, s.Bytes(), s.Finalizable(), p)
	s.log.Debugf("native message %s to port %d: %d objects, %d bytes, %d finalizable",
		m.ID, dest, s.count, m.Size(), s.finalizable.Len())
	return m, nil
}
