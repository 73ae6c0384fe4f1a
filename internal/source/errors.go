package source

import (
	"errors"
	"fmt"
)

// Kind classifies a failed source operation.
type Kind int

const (
	KindUnknown Kind = iota
	// KindGated means the call was not made because its scope (line, plant,
	// sector) is empty.
	KindGated
	// KindTransient covers transport failures and non-2xx responses.
	KindTransient
	// KindMalformed means the response body could not be decoded.
	KindMalformed
)

func (k Kind) String() string {
	switch k {
	case KindGated:
		return "gated"
	case KindTransient:
		return "transient"
	case KindMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// Error is returned by every Client operation.
type Error struct {
	Kind   Kind
	Op     string
	Status int
	Err    error
}

func (e *Error) Error() string {
	switch {
	case e.Status != 0:
		return fmt.Sprintf("%s: %s: status %d: %v", e.Op, e.Kind, e.Status, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of err, or KindUnknown when err is nil or not a
// source error.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindUnknown
}

// IsGated reports whether err is a gated no-op.
func IsGated(err error) bool {
	return KindOf(err) == KindGated
}
