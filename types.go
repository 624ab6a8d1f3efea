// Package indi is a pure Go implementation of an INDI (Instrument Neutral
// Distributed Interface) client. It supports indiserver protocol version 1.7.
//
// See http://indilib.org/develop/developer-manual/106-client-development.html
//
// See http://www.clearskyinstitute.com/INDI/INDI.pdf
//
// INDI streams an indefinite series of sibling top-level XML elements with
// no document root, and a device is under no obligation to respond to a
// command it doesn't understand. This package keeps the connection alive
// across malformed input and unresponsive devices rather than treating
// either as fatal.
package indi

import (
	"fmt"
	"time"
)

// ProtocolVersion is the INDI protocol version this client announces on
// every GetProperties it sends.
const ProtocolVersion = "1.7"

// ISOTimestampLayout is the wire format for INDI timestamps: UTC,
// microsecond precision, Z-suffixed.
const ISOTimestampLayout = "2006-01-02T15:04:05.000000Z"

// MaxElementHistory is the default number of (timestamp, value) pairs kept
// per element before the oldest entry is discarded.
const MaxElementHistory = 100

// ChunkMaxReadSize is the largest read the connection engine issues per
// socket Read call.
const ChunkMaxReadSize = 1024

// SynchronizationTimeout bounds how long the blocking-style read/write
// loops wait before re-checking the client's status, so stop() has bounded
// latency.
const SynchronizationTimeout = 1 * time.Second

// SocketReadTimeout is a longer read deadline for idle-waiting on server
// traffic. The connection engine does not use it: its read loop re-arms
// every read with SynchronizationTimeout.
const SocketReadTimeout = 60 * time.Second

// ReconnectionDelay is how long the client sleeps between a lost connection
// and a reconnection attempt when automatic reconnection is enabled.
const ReconnectionDelay = 2 * time.Second

// PropertyKind distinguishes the four property vector kinds the core store
// understands. BLOB vectors are recognized on the wire (so a server that
// sends them doesn't break the parser) but are not represented in the
// store; see ErrBlobUnsupported.
type PropertyKind int

const (
	// KindNumber marks a property whose elements hold floating point values.
	KindNumber PropertyKind = iota + 1
	// KindText marks a property whose elements hold string values.
	KindText
	// KindSwitch marks a property whose elements hold On/Off values.
	KindSwitch
	// KindLight marks a read-only property whose elements hold PropertyState values.
	KindLight
)

// String renders the kind using the name a log line or error message would want.
func (k PropertyKind) String() string {
	switch k {
	case KindNumber:
		return "Number"
	case KindText:
		return "Text"
	case KindSwitch:
		return "Switch"
	case KindLight:
		return "Light"
	default:
		return fmt.Sprintf("PropertyKind(%d)", int(k))
	}
}

// PropertyState represents the current state of a property: "Idle", "Ok",
// "Busy", or "Alert".
type PropertyState string

const (
	// StateIdle is recommended to be displayed as Gray.
	StateIdle = PropertyState("Idle")
	// StateOk is recommended to be displayed as Green.
	StateOk = PropertyState("Ok")
	// StateBusy is recommended to be displayed as Yellow. A property enters
	// this state when a mutation is in flight.
	StateBusy = PropertyState("Busy")
	// StateAlert is recommended to be displayed as Red.
	StateAlert = PropertyState("Alert")
)

func parsePropertyState(s string) (PropertyState, error) {
	switch PropertyState(s) {
	case StateIdle, StateOk, StateBusy, StateAlert:
		return PropertyState(s), nil
	default:
		return "", UnknownEnumValue("PropertyState", s)
	}
}

// SwitchState represents the current state of a switch value: "On" or "Off".
type SwitchState string

const (
	// SwitchOff represents a switch that is "Off".
	SwitchOff = SwitchState("Off")
	// SwitchOn represents a switch that is "On".
	SwitchOn = SwitchState("On")
)

func parseSwitchState(s string) (SwitchState, error) {
	switch SwitchState(s) {
	case SwitchOn, SwitchOff:
		return SwitchState(s), nil
	default:
		return "", UnknownEnumValue("SwitchState", s)
	}
}

// SwitchRule represents how a switch state can exist relative to the other
// switches in its vector: "OneOfMany", "AtMostOne", or "AnyOfMany".
type SwitchRule string

const (
	// RuleOneOfMany requires exactly one switch in the vector to be active.
	RuleOneOfMany = SwitchRule("OneOfMany")
	// RuleAtMostOne allows at most one switch in the vector to be active.
	RuleAtMostOne = SwitchRule("AtMostOne")
	// RuleAnyOfMany allows any number of switches in the vector to be active.
	RuleAnyOfMany = SwitchRule("AnyOfMany")
)

func parseSwitchRule(s string) (SwitchRule, error) {
	switch SwitchRule(s) {
	case RuleOneOfMany, RuleAtMostOne, RuleAnyOfMany:
		return SwitchRule(s), nil
	default:
		return "", UnknownEnumValue("SwitchRule", s)
	}
}

// Permission represents a property's read/write permission: "ro", "wo", or "rw".
type Permission string

const (
	// PermReadOnly marks a property the client may only read.
	PermReadOnly = Permission("ro")
	// PermWriteOnly marks a property the client may only write.
	PermWriteOnly = Permission("wo")
	// PermReadWrite marks a property the client may read and write.
	PermReadWrite = Permission("rw")
)

func parsePermission(s string) (Permission, error) {
	switch Permission(s) {
	case PermReadOnly, PermWriteOnly, PermReadWrite:
		return Permission(s), nil
	default:
		return "", UnknownEnumValue("Permission", s)
	}
}

// Status is the connection engine's state machine position.
type Status int

const (
	// StatusStarting is the status before the first successful dial.
	StatusStarting Status = iota
	// StatusConnected means both workers are running against a live socket.
	StatusConnected
	// StatusReconnecting means the connection was lost and automatic
	// reconnection is in progress.
	StatusReconnecting
	// StatusStopped means Stop has been called, or the connection ended (or
	// could not be dialed) with automatic reconnection off; the client will
	// not reconnect on its own from this state.
	StatusStopped
)

// String names the status the way a log line or watcher callback would want.
func (s Status) String() string {
	switch s {
	case StatusStarting:
		return "Starting"
	case StatusConnected:
		return "Connected"
	case StatusReconnecting:
		return "Reconnecting"
	case StatusStopped:
		return "Stopped"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// FormatTimestamp renders t in UTC using the wire's ISO-8601 layout.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(ISOTimestampLayout)
}

// ParseTimestamp parses a wire timestamp. An empty string is not valid input;
// callers that want "use now() if absent" handle that themselves.
func ParseTimestamp(s string) (time.Time, error) {
	return time.Parse(ISOTimestampLayout, s)
}
