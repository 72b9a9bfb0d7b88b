package model

import (
	"fmt"
	"strings"
)

// Kind is the property data type. It fixes the payload type of every item.
type Kind uint8

const (
	// KindText is a vector of strings.
	KindText Kind = iota + 1

	// KindNumber is a vector of numbers with min, max, step and format.
	KindNumber

	// KindSwitch is a vector of on/off values governed by a Rule.
	KindSwitch

	// KindLight is a vector of read-only status lights.
	KindLight

	// KindBLOB is a vector of binary payloads.
	KindBLOB
)

// String returns the wire name fragment of the kind ("Text", "Number", ...).
func (k Kind) String() string {
	switch k {
	case KindText:
		return "Text"
	case KindNumber:
		return "Number"
	case KindSwitch:
		return "Switch"
	case KindLight:
		return "Light"
	case KindBLOB:
		return "BLOB"
	default:
		return "Unknown"
	}
}

// ParseKind parses a kind fragment as used in element names.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "Text":
		return KindText, nil
	case "Number":
		return KindNumber, nil
	case "Switch":
		return KindSwitch, nil
	case "Light":
		return KindLight, nil
	case "BLOB":
		return KindBLOB, nil
	}
	return 0, fmt.Errorf("%w: kind %q", ErrInvalidValue, s)
}

// State is the property state.
//
//	Idle -> Busy -> Ok | Alert
//
// Transitions are driven by the owning device only.
type State uint8

const (
	// StateIdle means the property is passive or not operational.
	StateIdle State = iota

	// StateOk means the last operation succeeded.
	StateOk

	// StateBusy means a change was accepted and is in flight.
	StateBusy

	// StateAlert means the last operation failed.
	StateAlert
)

// String returns the wire text of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateOk:
		return "Ok"
	case StateBusy:
		return "Busy"
	case StateAlert:
		return "Alert"
	default:
		return "Unknown"
	}
}

// ParseState parses Idle|Ok|Busy|Alert.
func ParseState(s string) (State, error) {
	switch s {
	case "Idle":
		return StateIdle, nil
	case "Ok":
		return StateOk, nil
	case "Busy":
		return StateBusy, nil
	case "Alert":
		return StateAlert, nil
	}
	return 0, fmt.Errorf("%w: state %q", ErrInvalidValue, s)
}

// Perm is the property access permission.
type Perm uint8

const (
	// PermRO is read-only.
	PermRO Perm = iota + 1

	// PermRW is read-write.
	PermRW

	// PermWO is write-only.
	PermWO
)

// CanWrite returns true if clients may request changes.
func (p Perm) CanWrite() bool { return p == PermRW || p == PermWO }

// String returns the wire text of the permission.
func (p Perm) String() string {
	switch p {
	case PermRO:
		return "ro"
	case PermRW:
		return "rw"
	case PermWO:
		return "wo"
	default:
		return ""
	}
}

// ParsePerm parses ro|rw|wo.
func ParsePerm(s string) (Perm, error) {
	switch strings.ToLower(s) {
	case "ro":
		return PermRO, nil
	case "rw":
		return PermRW, nil
	case "wo":
		return PermWO, nil
	}
	return 0, fmt.Errorf("%w: perm %q", ErrInvalidValue, s)
}

// Rule is the switch exclusivity rule.
type Rule uint8

const (
	// RuleOneOfMany keeps exactly one switch on (radio buttons).
	RuleOneOfMany Rule = iota + 1

	// RuleAtMostOne keeps none or one switch on.
	RuleAtMostOne

	// RuleAnyOfMany allows any combination (check boxes).
	RuleAnyOfMany
)

// String returns the wire text of the rule.
func (r Rule) String() string {
	switch r {
	case RuleOneOfMany:
		return "OneOfMany"
	case RuleAtMostOne:
		return "AtMostOne"
	case RuleAnyOfMany:
		return "AnyOfMany"
	default:
		return ""
	}
}

// ParseRule parses OneOfMany|AtMostOne|AnyOfMany.
func ParseRule(s string) (Rule, error) {
	switch s {
	case "OneOfMany":
		return RuleOneOfMany, nil
	case "AtMostOne":
		return RuleAtMostOne, nil
	case "AnyOfMany":
		return RuleAnyOfMany, nil
	}
	return 0, fmt.Errorf("%w: rule %q", ErrInvalidValue, s)
}

// Version is the negotiated protocol version of a client or device.
type Version uint16

const (
	// VersionNone marks internal pseudo-clients; nothing is serialized for them.
	VersionNone Version = 0x0000

	// VersionLegacy is the 1.7 protocol.
	VersionLegacy Version = 0x0107

	// Version2 is the 2.0 protocol.
	Version2 Version = 0x0200

	// VersionCurrent is the newest supported version.
	VersionCurrent = Version2
)

// String returns the version as "major.minor".
func (v Version) String() string {
	if v == VersionNone {
		return "none"
	}
	return fmt.Sprintf("%d.%d", v>>8, v&0xff)
}

// ParseVersion parses a version attribute value. Anything that is not 2.x is legacy.
func ParseVersion(s string) Version {
	if strings.HasPrefix(s, "2.") {
		return Version2
	}
	return VersionLegacy
}

// Interface is the device capability bitmask.
type Interface uint32

const (
	InterfaceMount   Interface = 1 << 0
	InterfaceCCD     Interface = 1 << 1
	InterfaceGuider  Interface = 1 << 2
	InterfaceFocuser Interface = 1 << 3
	InterfaceWheel   Interface = 1 << 4
	InterfaceDome    Interface = 1 << 5
	InterfaceGPS     Interface = 1 << 6
	InterfaceAO      Interface = 1 << 8
	InterfaceRotator Interface = 1 << 12
	InterfaceAgent   Interface = 1 << 14
	InterfaceAux     Interface = 1 << 15

	InterfaceAuxPowerbox = InterfaceAux | 1<<18
	InterfaceAuxWeather  = InterfaceAux | 1<<22
	InterfaceAuxGPIO     = InterfaceAux | 1<<23
)

// Has returns true if every bit of other is set.
func (i Interface) Has(other Interface) bool { return i&other == other }
