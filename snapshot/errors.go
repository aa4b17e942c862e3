package snapshot

import (
	"errors"
	"fmt"
)

// ---------------------------------------------------------------------------
// Error Types
// ---------------------------------------------------------------------------

// ErrProtocol is wrapped by every error caused by a malformed or
// mismatched snapshot. Receivers treat these as defects: they mean version
// skew between sender and receiver or corruption in transit.
var ErrProtocol = errors.New("snapshot: protocol error")

var (
	ErrTruncated          = fmt.Errorf("%w: unexpected end of message", ErrProtocol)
	ErrMalformedInteger   = fmt.Errorf("%w: malformed variable-length integer", ErrProtocol)
	ErrBaseObjectMismatch = fmt.Errorf("%w: base object count mismatch", ErrProtocol)
	ErrRefOutOfRange      = fmt.Errorf("%w: reference out of range", ErrProtocol)
	ErrUnknownCluster     = fmt.Errorf("%w: unknown cluster", ErrProtocol)
	ErrObjectCount        = fmt.Errorf("%w: object count mismatch", ErrProtocol)
	ErrBadObject          = fmt.Errorf("%w: malformed object", ErrProtocol)
	ErrFinalizableData    = fmt.Errorf("%w: finalizable data mismatch", ErrProtocol)
)

var (
	// ErrIllegalObject is wrapped by IllegalObjectError.
	ErrIllegalObject = errors.New("snapshot: illegal argument in isolate message")

	// ErrUnresolvedFunction is returned when a message refers to a function
	// the receiving heap does not know.
	ErrUnresolvedFunction = errors.New("snapshot: unresolved function")
)

// IllegalObjectError reports an object that cannot cross an isolate
// boundary, together with how the message root reaches it.
type IllegalObjectError struct {
	Kind   string // class of the offending object
	Reason string
	Path   string // retaining path from the root, e.g. "Array[1] -> RegExp"
}

func (e *IllegalObjectError) Error() string {
	msg := fmt.Sprintf("%s: object is unsendable - %s (%s)", ErrIllegalObject, e.Kind, e.Reason)
	if e.Path != "" {
		msg += "\n  path: " + e.Path
	}
	return msg
}

func (e *IllegalObjectError) Unwrap() error { return ErrIllegalObject }
