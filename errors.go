package indi

import (
	"errors"
	"fmt"
)

// Sentinel errors for the taxonomy in spec.md §7. Each is distinguishable
// with errors.Is; none collapse into a single generic error type.
var (
	// ErrTimeout is returned by WaitForProperties/WaitForState when the
	// requested condition wasn't reached before the deadline.
	ErrTimeout = errors.New("indi: timed out waiting for condition")

	// ErrPermission is returned when an assignment targets a read-only
	// property, or any Light element.
	ErrPermission = errors.New("indi: permission denied")

	// ErrType is returned when an assignment value isn't a member of the
	// target element's value set (e.g. an arbitrary string for a switch).
	ErrType = errors.New("indi: value not valid for element kind")

	// ErrConnection marks a transport failure: refused connection, EOF from
	// the server, or another I/O failure on the socket.
	ErrConnection = errors.New("indi: connection error")

	// ErrProtocolViolation marks an internal invariant failure, such as
	// redefining a property with a different kind than it was first
	// defined with. It is logged and otherwise ignored on the wire path.
	ErrProtocolViolation = errors.New("indi: protocol violation")

	// ErrBlobUnsupported names the store's lack of BLOB support. The parser
	// skips BLOB vectors, so they never enter the store, and no function in
	// this package returns this error: a lookup of a BLOB element fails with
	// a *LookupError like any other unknown name.
	ErrBlobUnsupported = errors.New("indi: BLOB elements are not supported by this store")

	// ErrPropertyWithoutDevice is returned when GetProperties is called
	// with a property filter but no device filter.
	ErrPropertyWithoutDevice = errors.New("indi: property filter requires a device filter")
)

// LookupError is returned when a dotted identifier names a missing device,
// property, or element, or is malformed for the context it's used in. It
// carries the offending component name and, where useful, the sibling names
// that were actually available.
type LookupError struct {
	Identifier string
	Component  string   // "device", "property", or "element"
	Missing    string   // the specific name that could not be found
	Available  []string // sibling names that do exist, for a precise message
}

func (e *LookupError) Error() string {
	if len(e.Available) == 0 {
		return fmt.Sprintf("indi: unknown %s %q in %q", e.Component, e.Missing, e.Identifier)
	}
	return fmt.Sprintf("indi: unknown %s %q in %q (available: %v)", e.Component, e.Missing, e.Identifier, e.Available)
}

// Is reports whether target is any *LookupError, so callers can use
// errors.Is(err, &LookupError{}) without matching on a specific identifier.
func (e *LookupError) Is(target error) bool {
	_, ok := target.(*LookupError)
	return ok
}

// UnknownEnumValueError reports that a wire literal doesn't match any known value
// of the named enumeration. The containing element is dropped; the caller
// logs a warning and continues.
type UnknownEnumValueError struct {
	Enum    string
	Literal string
}

func (e *UnknownEnumValueError) Error() string {
	return fmt.Sprintf("indi: %q is not a known %s value", e.Literal, e.Enum)
}

// UnknownEnumValue constructs an *UnknownEnumValueError.
func UnknownEnumValue(enum, literal string) error {
	return &UnknownEnumValueError{Enum: enum, Literal: literal}
}
