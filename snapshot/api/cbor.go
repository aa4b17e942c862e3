package api

import (
	"fmt"
	"math"

	"github.com/fxamacker/cbor/v2"

	"github.com/chazu/heapwire/heap"
)

// FromCBOR builds a CObject tree from a CBOR data item. Arrays, strings,
// byte strings, numbers, booleans and null are accepted; byte strings
// become Uint8 typed data.
func FromCBOR(data []byte) (*CObject, error) {
	var v any
	if err := cbor.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEncoding, err)
	}
	return fromValue(v)
}

func fromValue(v any) (*CObject, error) {
	switch x := v.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(x), nil
	case uint64:
		if x > math.MaxInt64 {
			return nil, fmt.Errorf("%w: integer %d out of range", ErrInvalidEncoding, x)
		}
		return Int(int64(x)), nil
	case int64:
		return Int(x), nil
	case float64:
		return Double(x), nil
	case float32:
		return Double(float64(x)), nil
	case string:
		return String(x), nil
	case []byte:
		return TypedData(heap.Uint8, x), nil
	case []any:
		elements := make([]*CObject, len(x))
		for i, e := range x {
			o, err := fromValue(e)
			if err != nil {
				return nil, err
			}
			elements[i] = o
		}
		return Array(elements...), nil
	}
	return nil, fmt.Errorf("%w: CBOR item of type %T", ErrInvalidEncoding, v)
}
