package wire

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"github.com/devbus/devbus-go/pkg/bus"
	"github.com/devbus/devbus-go/pkg/model"
)

// DeviceAdapter represents one remote client on the bus. It serializes bus
// deliveries to the client's stream and turns the client's requests into bus
// calls.
//
// Nothing is written until the client has sent getProperties, which also
// fixes the protocol version used for the rest of the session.
type DeviceAdapter struct {
	BaseHandler

	id     string
	w      *Writer
	logger *slog.Logger

	mu      sync.RWMutex
	bus     *bus.Bus
	version model.Version

	blobs blobModes
}

var (
	_ bus.Client = (*DeviceAdapter)(nil)
	_ Handler    = (*DeviceAdapter)(nil)
)

// NewDeviceAdapter returns an adapter writing to w.
func NewDeviceAdapter(id string, w io.Writer, logger *slog.Logger) *DeviceAdapter {
	return &DeviceAdapter{id: id, w: NewWriter(w), logger: logger}
}

// Writer returns the adapter's output writer.
func (a *DeviceAdapter) Writer() *Writer { return a.w }

// ID implements bus.Client.
func (a *DeviceAdapter) ID() string { return a.id }

// Version implements bus.Client. It is VersionNone until getProperties.
func (a *DeviceAdapter) Version() model.Version {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.version
}

// Attach implements bus.Client.
func (a *DeviceAdapter) Attach(_ context.Context, b *bus.Bus) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.bus = b
	return nil
}

// Detach implements bus.Client.
func (a *DeviceAdapter) Detach(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.bus = nil
	return nil
}

// DefineProperty implements bus.Client.
func (a *DeviceAdapter) DefineProperty(_ context.Context, prop *model.Property, msg string) error {
	v := a.Version()
	if v == model.VersionNone {
		return nil
	}
	return a.w.Define(prop, msg, v)
}

// UpdateProperty implements bus.Client.
func (a *DeviceAdapter) UpdateProperty(_ context.Context, prop *model.Property, msg string) error {
	v := a.Version()
	if v == model.VersionNone {
		return nil
	}
	mode := BLOBAlso
	if prop.Kind == model.KindBLOB {
		mode = a.blobs.mode(prop.Device, prop.Name)
	}
	return a.w.Update(prop, msg, v, mode)
}

// DeleteProperty implements bus.Client.
func (a *DeviceAdapter) DeleteProperty(_ context.Context, prop *model.Property, msg string) error {
	if a.Version() == model.VersionNone {
		return nil
	}
	return a.w.Delete(prop.Device, prop.Name, msg)
}

// SendMessage implements bus.Client.
func (a *DeviceAdapter) SendMessage(_ context.Context, device, msg string) error {
	if a.Version() == model.VersionNone {
		return nil
	}
	return a.w.Message(device, msg)
}

// OnGetProperties records the client's version and enumerates the matching
// properties to it.
func (a *DeviceAdapter) OnGetProperties(ctx context.Context, filter *model.Property, version model.Version) error {
	a.mu.Lock()
	a.version = version
	b := a.bus
	a.mu.Unlock()
	if b == nil {
		return bus.ErrNotStarted
	}
	return b.EnumerateProperties(ctx, a, filter)
}

// OnChange forwards a change request to the bus.
func (a *DeviceAdapter) OnChange(ctx context.Context, prop *model.Property) error {
	a.mu.RLock()
	b := a.bus
	a.mu.RUnlock()
	if b == nil {
		return bus.ErrNotStarted
	}
	return b.ChangeProperty(ctx, a, prop)
}

// OnEnableBLOB records the client's BLOB delivery mode.
func (a *DeviceAdapter) OnEnableBLOB(_ context.Context, device, name string, mode BLOBMode) error {
	a.blobs.set(device, name, mode)
	return nil
}
