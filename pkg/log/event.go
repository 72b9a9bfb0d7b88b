package log

import (
	"time"
)

// Event is one protocol trace record. CBOR encoding uses integer keys.
type Event struct {
	// Timestamp when the event occurred.
	Timestamp time.Time `cbor:"1,keyasint"`

	// ConnectionID identifies the wire connection, or the bus client/device
	// id for in-process deliveries.
	ConnectionID string `cbor:"2,keyasint"`

	Direction Direction `cbor:"3,keyasint"`
	Layer     Layer     `cbor:"4,keyasint"`
	Category  Category  `cbor:"5,keyasint"`

	// RemoteAddr is the peer address for network connections.
	RemoteAddr string `cbor:"6,keyasint,omitempty"`

	// Device and Property name the addressed property, if any.
	Device   string `cbor:"7,keyasint,omitempty"`
	Property string `cbor:"8,keyasint,omitempty"`

	// Type-specific payload (one of these will be set).
	Frame       *FrameEvent       `cbor:"10,keyasint,omitempty"`
	Message     *MessageEvent     `cbor:"11,keyasint,omitempty"`
	StateChange *StateChangeEvent `cbor:"12,keyasint,omitempty"`
	Error       *ErrorEventData   `cbor:"13,keyasint,omitempty"`
}

// Direction indicates the direction of message flow.
type Direction uint8

const (
	DirectionIn  Direction = 0
	DirectionOut Direction = 1
)

// String returns the direction name.
func (d Direction) String() string {
	switch d {
	case DirectionIn:
		return "IN"
	case DirectionOut:
		return "OUT"
	default:
		return "UNKNOWN"
	}
}

// Layer indicates where the event was captured.
type Layer uint8

const (
	// LayerTransport is raw line/stream I/O.
	LayerTransport Layer = 0
	// LayerWire is the XML element codec.
	LayerWire Layer = 1
	// LayerBus is the in-process dispatcher.
	LayerBus Layer = 2
	// LayerSupervisor is driver, subprocess and server management.
	LayerSupervisor Layer = 3
)

// String returns the layer name.
func (l Layer) String() string {
	switch l {
	case LayerTransport:
		return "TRANSPORT"
	case LayerWire:
		return "WIRE"
	case LayerBus:
		return "BUS"
	case LayerSupervisor:
		return "SUPERVISOR"
	default:
		return "UNKNOWN"
	}
}

// Category classifies the event type.
type Category uint8

const (
	CategoryMessage Category = 0
	CategoryState   Category = 1
	CategoryError   Category = 2
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryMessage:
		return "MESSAGE"
	case CategoryState:
		return "STATE"
	case CategoryError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// FrameEvent captures raw bytes at the transport layer.
type FrameEvent struct {
	Size int    `cbor:"1,keyasint"`
	Data []byte `cbor:"2,keyasint,omitempty"`

	// Truncated indicates Data holds only a prefix of the frame.
	Truncated bool `cbor:"3,keyasint,omitempty"`
}

// MaxFrameData is the number of bytes of a frame kept in a FrameEvent.
const MaxFrameData = 256

// NewFrameEvent returns a FrameEvent holding at most MaxFrameData bytes of data.
func NewFrameEvent(data []byte) *FrameEvent {
	f := &FrameEvent{Size: len(data)}
	if len(data) > MaxFrameData {
		f.Data = append([]byte(nil), data[:MaxFrameData]...)
		f.Truncated = true
	} else {
		f.Data = append([]byte(nil), data...)
	}
	return f
}

// MessageEvent captures one bus verb.
type MessageEvent struct {
	Verb Verb `cbor:"1,keyasint"`

	// Kind is the property kind ("Text", "Number", ...), empty for verbs
	// that carry no property.
	Kind string `cbor:"2,keyasint,omitempty"`

	// State is the property state text.
	State string `cbor:"3,keyasint,omitempty"`

	// Items is the number of items carried.
	Items int `cbor:"4,keyasint,omitempty"`

	// Text is the attached human-readable message.
	Text string `cbor:"5,keyasint,omitempty"`
}

// Verb is the bus operation a MessageEvent records.
type Verb uint8

const (
	VerbEnumerate  Verb = 0
	VerbDefine     Verb = 1
	VerbUpdate     Verb = 2
	VerbDelete     Verb = 3
	VerbChange     Verb = 4
	VerbMessage    Verb = 5
	VerbEnableBLOB Verb = 6
)

// String returns the verb name.
func (v Verb) String() string {
	switch v {
	case VerbEnumerate:
		return "ENUMERATE"
	case VerbDefine:
		return "DEFINE"
	case VerbUpdate:
		return "UPDATE"
	case VerbDelete:
		return "DELETE"
	case VerbChange:
		return "CHANGE"
	case VerbMessage:
		return "MESSAGE"
	case VerbEnableBLOB:
		return "ENABLE_BLOB"
	default:
		return "UNKNOWN"
	}
}

// StateChangeEvent captures attach/detach and connection lifecycle events.
type StateChangeEvent struct {
	Entity   StateEntity `cbor:"1,keyasint"`
	OldState string      `cbor:"2,keyasint,omitempty"`
	NewState string      `cbor:"3,keyasint"`
	Reason   string      `cbor:"4,keyasint,omitempty"`
}

// StateEntity indicates what entity changed state.
type StateEntity uint8

const (
	StateEntityConnection StateEntity = 0
	StateEntityDevice     StateEntity = 1
	StateEntityClient     StateEntity = 2
	StateEntityDriver     StateEntity = 3
	StateEntitySubprocess StateEntity = 4
	StateEntityServer     StateEntity = 5
)

// String returns the state entity name.
func (s StateEntity) String() string {
	switch s {
	case StateEntityConnection:
		return "CONNECTION"
	case StateEntityDevice:
		return "DEVICE"
	case StateEntityClient:
		return "CLIENT"
	case StateEntityDriver:
		return "DRIVER"
	case StateEntitySubprocess:
		return "SUBPROCESS"
	case StateEntityServer:
		return "SERVER"
	default:
		return "UNKNOWN"
	}
}

// ErrorEventData captures errors at any layer.
type ErrorEventData struct {
	Layer   Layer  `cbor:"1,keyasint"`
	Message string `cbor:"2,keyasint"`

	// Context describes what operation was being performed.
	Context string `cbor:"3,keyasint,omitempty"`
}
