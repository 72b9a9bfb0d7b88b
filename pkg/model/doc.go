// Package model implements the device property model.
//
// # Properties
//
// A device exposes a set of properties. Each property is a typed vector of
// named items:
//
//	Device (CCD Simulator)
//	├── CONNECTION   Switch  rw  OneOfMany  {CONNECTED, DISCONNECTED}
//	├── INFO         Text    ro             {DEVICE_NAME, DEVICE_VERSION, ...}
//	└── CCD_EXPOSURE Number  rw             {EXPOSURE}
//
// The property kind fixes the payload of every item: Text, Number, Switch,
// Light or BLOB. Item payloads are the sealed Value types.
//
// # State
//
// Every property carries a state driven by its owning device:
//
//	Idle -> Busy -> Ok | Alert
//
// Busy means a change request was accepted and is in progress. Clients see
// Ok or Alert when it completes.
//
// # Permissions and rules
//
// Clients may only request changes to rw and wo properties. Switch vectors
// carry a rule (OneOfMany, AtMostOne, AnyOfMany) that Merge enforces when a
// change request is applied.
package model
