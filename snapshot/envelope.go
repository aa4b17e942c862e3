package snapshot

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/chazu/heapwire/heap"
)

// An envelope carries a message outside the process: the snapshot, the
// out-of-band payloads inlined in emission order, and enough of the host
// layout to reject a snapshot written with a different byte order. Peers
// and callbacks do not cross the envelope.

const envelopeVersion = 1

// ErrEnvelope is wrapped by every envelope decoding error.
var ErrEnvelope = errors.New("snapshot: invalid envelope")

var envelopeEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("snapshot: failed to create CBOR enc mode: %v", err))
	}
	envelopeEncMode = em
}

type envelope struct {
	Version      int      `cbor:"1,keyasint"`
	ID           []byte   `cbor:"2,keyasint"`
	DestPort     int64    `cbor:"3,keyasint"`
	Priority     Priority `cbor:"4,keyasint"`
	Raw          bool     `cbor:"5,keyasint,omitempty"`
	RawValue     uint64   `cbor:"6,keyasint,omitempty"`
	WordSize     int      `cbor:"7,keyasint"`
	LittleEndian bool     `cbor:"8,keyasint"`
	Snapshot     []byte   `cbor:"9,keyasint,omitempty"`
	Payloads     [][]byte `cbor:"10,keyasint,omitempty"`
}

func hostLittleEndian() bool {
	return binary.NativeEndian.Uint16([]byte{1, 0}) == 1
}

// MarshalMessage encodes m as CBOR. Payloads already taken by a receiver
// are not included; m itself is left untouched.
func MarshalMessage(m *Message) ([]byte, error) {
	env := envelope{
		Version:      envelopeVersion,
		ID:           m.ID[:],
		DestPort:     m.DestPort,
		Priority:     m.Priority,
		Raw:          m.raw,
		RawValue:     uint64(m.rawValue),
		WordSize:     heap.WordSize,
		LittleEndian: hostLittleEndian(),
		Snapshot:     m.Snapshot,
	}
	if m.Finalizable != nil {
		for _, e := range m.Finalizable.Pending() {
			env.Payloads = append(env.Payloads, e.Data)
		}
	}
	return envelopeEncMode.Marshal(&env)
}

// UnmarshalMessage decodes a message encoded by MarshalMessage.
func UnmarshalMessage(data []byte) (*Message, error) {
	var env envelope
	if err := cbor.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEnvelope, err)
	}
	if env.Version != envelopeVersion {
		return nil, fmt.Errorf("%w: version %d", ErrEnvelope, env.Version)
	}
	if env.WordSize != heap.WordSize || env.LittleEndian != hostLittleEndian() {
		return nil, fmt.Errorf("%w: written on a host with %d-byte words (little endian: %t)",
			ErrEnvelope, env.WordSize, env.LittleEndian)
	}
	id, err := uuid.FromBytes(env.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: message id: %v", ErrEnvelope, err)
	}
	if env.Raw {
		if len(env.Snapshot) != 0 || len(env.Payloads) != 0 {
			return nil, fmt.Errorf("%w: raw message with a snapshot", ErrEnvelope)
		}
		m := NewRawMessage(env.DestPort, heap.Value(env.RawValue), env.Priority)
		m.ID = id
		return m, nil
	}
	fd := &FinalizableData{}
	for _, p := range env.Payloads {
		fd.Put(FinalizableEntry{Data: p})
	}
	m := NewMessage(env.DestPort, env.Snapshot, fd, env.Priority)
	m.ID = id
	return m, nil
}
