package bus

import (
	"context"

	"github.com/devbus/devbus-go/pkg/model"
)

// Device is a driver-side participant. It exclusively owns the properties it
// defines and is the only party that changes their values or state.
type Device interface {
	// Name is the unique device name on the bus.
	Name() string

	// Attach is called once when the device is registered. It usually
	// defines the mandatory properties.
	Attach(ctx context.Context, b *Bus) error

	// EnumerateProperties (re)defines the properties selected by filter.
	// Definitions made with ctx are delivered to client only; a nil client
	// means every client.
	EnumerateProperties(ctx context.Context, client Client, filter *model.Property) error

	// ChangeProperty handles a change request. Implementations copy the
	// accepted values (model.Property.Merge), report Busy, schedule the I/O on
	// a timer and finish with an Ok or Alert update.
	ChangeProperty(ctx context.Context, client Client, req *model.Property) error

	// Detach is called once when the device is unregistered.
	Detach(ctx context.Context) error
}

// DeviceInfo is implemented by devices that describe themselves.
type DeviceInfo interface {
	Interface() model.Interface
	DriverName() string
}

// Client is a consumer-side participant. Properties passed to a client are
// only valid for the duration of the call and must not be modified.
type Client interface {
	// ID uniquely identifies the client on the bus.
	ID() string

	// Version is the protocol version the client negotiated.
	Version() model.Version

	Attach(ctx context.Context, b *Bus) error
	DefineProperty(ctx context.Context, prop *model.Property, msg string) error
	UpdateProperty(ctx context.Context, prop *model.Property, msg string) error
	DeleteProperty(ctx context.Context, prop *model.Property, msg string) error
	SendMessage(ctx context.Context, device, msg string) error
	Detach(ctx context.Context) error
}

// Metrics receives dispatcher counters. All methods must be cheap and safe
// for concurrent use.
type Metrics interface {
	SetDevices(n int)
	SetClients(n int)
	Dispatched(verb string)
	Rejected(reason string)
}

type noopMetrics struct{}

func (noopMetrics) SetDevices(int)    {}
func (noopMetrics) SetClients(int)    {}
func (noopMetrics) Dispatched(string) {}
func (noopMetrics) Rejected(string)   {}
