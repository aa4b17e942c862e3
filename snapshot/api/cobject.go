// Package api converts between message snapshots and CObject trees, the
// heap-free representation native code sends and receives. A CObject tree
// is written in the same wire format the heap serializer produces, so a
// message built here can be delivered to any isolate and vice versa.
package api

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/chazu/heapwire/heap"
)

// Type is the variant of a CObject.
type Type int

const (
	TypeNull Type = iota
	TypeBool
	TypeInt32
	TypeInt64
	TypeDouble
	TypeString
	TypeArray
	TypeTypedData
	TypeExternalTypedData
	TypeSendPort
	TypeCapability
	TypeNativePointer

	// TypeUnsupported stands in for received objects that have no CObject
	// form, such as maps or closures. It cannot be sent.
	TypeUnsupported
)

var typeNames = [...]string{
	TypeNull:              "null",
	TypeBool:              "bool",
	TypeInt32:             "int32",
	TypeInt64:             "int64",
	TypeDouble:            "double",
	TypeString:            "string",
	TypeArray:             "array",
	TypeTypedData:         "typed-data",
	TypeExternalTypedData: "external-typed-data",
	TypeSendPort:          "send-port",
	TypeCapability:        "capability",
	TypeNativePointer:     "native-pointer",
	TypeUnsupported:       "unsupported",
}

func (t Type) String() string {
	if t < 0 || int(t) >= len(typeNames) {
		return fmt.Sprintf("Type(%d)", int(t))
	}
	return typeNames[t]
}

// CObject is a tagged value. Only the fields of its Type are meaningful.
type CObject struct {
	Type Type

	Bool   bool
	Int    int64 // TypeInt32, TypeInt64
	Double float64
	Str    string

	Elements []*CObject // TypeArray

	// TypeTypedData, TypeExternalTypedData
	Kind heap.TypedDataKind
	Data []byte

	// TypeExternalTypedData, TypeNativePointer. Finalize runs when the
	// receiving side no longer needs the data; if the message is dropped
	// before delivery it runs from the message instead.
	Peer     any
	Finalize func(peer any)

	PortID     int64 // TypeSendPort
	PortOrigin int64
	Capability uint64
	Pointer    int64 // TypeNativePointer
}

// Shared read-only objects. Callers must not modify them.
var (
	nullObject        = &CObject{Type: TypeNull}
	trueObject        = &CObject{Type: TypeBool, Bool: true}
	falseObject       = &CObject{Type: TypeBool}
	emptyArrayObject  = &CObject{Type: TypeArray}
	unsupportedObject = &CObject{Type: TypeUnsupported}
)

// Null returns the shared null object.
func Null() *CObject { return nullObject }

// Bool returns the shared true or false object.
func Bool(b bool) *CObject {
	if b {
		return trueObject
	}
	return falseObject
}

// Unsupported returns the shared placeholder for unrepresentable objects.
func Unsupported() *CObject { return unsupportedObject }

func Int32(n int32) *CObject { return &CObject{Type: TypeInt32, Int: int64(n)} }

func Int64(n int64) *CObject { return &CObject{Type: TypeInt64, Int: n} }

// Int returns an Int32 object when n fits, an Int64 object otherwise.
func Int(n int64) *CObject {
	if int64(int32(n)) == n {
		return Int32(int32(n))
	}
	return Int64(n)
}

func Double(f float64) *CObject { return &CObject{Type: TypeDouble, Double: f} }

func String(s string) *CObject { return &CObject{Type: TypeString, Str: s} }

func Array(elements ...*CObject) *CObject {
	return &CObject{Type: TypeArray, Elements: elements}
}

// TypedData is copied into the message when it is written.
func TypedData(kind heap.TypedDataKind, data []byte) *CObject {
	return &CObject{Type: TypeTypedData, Kind: kind, Data: data}
}

// ExternalTypedData is moved into the message. The caller must not touch
// data afterwards; finalize eventually runs exactly once.
func ExternalTypedData(kind heap.TypedDataKind, data []byte, peer any, finalize func(peer any)) *CObject {
	return &CObject{Type: TypeExternalTypedData, Kind: kind, Data: data, Peer: peer, Finalize: finalize}
}

func SendPort(id, origin int64) *CObject {
	return &CObject{Type: TypeSendPort, PortID: id, PortOrigin: origin}
}

func Capability(id uint64) *CObject { return &CObject{Type: TypeCapability, Capability: id} }

// NativePointer arrives as an integer value whose finalizer runs callback
// with peer once the receiver drops it.
func NativePointer(ptr int64, peer any, callback func(peer any)) *CObject {
	return &CObject{Type: TypeNativePointer, Pointer: ptr, Peer: peer, Finalize: callback}
}

// String renders the tree. Shared subtrees are printed where they occur;
// cycles print as "<cycle>".
func (o *CObject) String() string {
	var b strings.Builder
	o.format(&b, map[*CObject]bool{})
	return b.String()
}

func (o *CObject) format(b *strings.Builder, active map[*CObject]bool) {
	if o == nil {
		b.WriteString("null")
		return
	}
	switch o.Type {
	case TypeNull, TypeUnsupported:
		b.WriteString(o.Type.String())
	case TypeBool:
		b.WriteString(strconv.FormatBool(o.Bool))
	case TypeInt32, TypeInt64:
		b.WriteString(strconv.FormatInt(o.Int, 10))
	case TypeDouble:
		b.WriteString(strconv.FormatFloat(o.Double, 'g', -1, 64))
	case TypeString:
		b.WriteString(strconv.Quote(o.Str))
	case TypeArray:
		if active[o] {
			b.WriteString("<cycle>")
			return
		}
		active[o] = true
		b.WriteByte('[')
		for i, e := range o.Elements {
			if i > 0 {
				b.WriteString(", ")
			}
			e.format(b, active)
		}
		b.WriteByte(']')
		delete(active, o)
	case TypeTypedData, TypeExternalTypedData:
		fmt.Fprintf(b, "%s(%s, %d bytes)", o.Type, o.Kind, len(o.Data))
	case TypeSendPort:
		fmt.Fprintf(b, "SendPort(%d@%d)", o.PortID, o.PortOrigin)
	case TypeCapability:
		fmt.Fprintf(b, "Capability(%d)", o.Capability)
	case TypeNativePointer:
		fmt.Fprintf(b, "NativePointer(%#x)", o.Pointer)
	default:
		b.WriteString(o.Type.String())
	}
}
