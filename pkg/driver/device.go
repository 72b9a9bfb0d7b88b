package driver

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/devbus/devbus-go/pkg/bus"
	"github.com/devbus/devbus-go/pkg/model"
	"github.com/devbus/devbus-go/pkg/timer"
)

// ConnectFunc opens or closes the connection to the hardware. It runs on a
// timer worker with the device lock held.
type ConnectFunc func(ctx context.Context, connect bool) error

// Config describes a device built on Base.
type Config struct {
	Name      string
	Interface model.Interface
	Driver    string
	Version   string

	// Timers runs the connection callback and the device's own I/O.
	Timers *timer.Engine

	// Connect is optional; without it CONNECTION switches immediately.
	Connect ConnectFunc

	Logger *slog.Logger
}

// Base implements the parts of bus.Device every device shares.
type Base struct {
	cfg  Config
	self bus.Device

	mu         sync.Mutex
	bus        *bus.Bus
	props      []*model.Property
	connection *model.Property
	info       *model.Property
	connected  bool

	connectTimer timer.Ref
}

// NewBase creates the shared part of self. self is the device embedding the
// returned Base; it is the identity under which properties are published.
func NewBase(self bus.Device, cfg Config) *Base {
	b := &Base{
		cfg:        cfg,
		self:       self,
		connection: model.NewConnectionProperty(cfg.Name),
		info:       model.NewInfoProperty(cfg.Name, cfg.Version, cfg.Interface),
	}
	b.props = []*model.Property{b.connection, b.info}
	return b
}

// Name returns the device name.
func (b *Base) Name() string { return b.cfg.Name }

// Interface returns the device capability mask.
func (b *Base) Interface() model.Interface { return b.cfg.Interface }

// DriverName returns the name of the driver serving the device.
func (b *Base) DriverName() string { return b.cfg.Driver }

// Timers returns the engine the device arms its timers on.
func (b *Base) Timers() *timer.Engine { return b.cfg.Timers }

// Lock acquires the device lock.
func (b *Base) Lock() { b.mu.Lock() }

// Unlock releases the device lock.
func (b *Base) Unlock() { b.mu.Unlock() }

// Locker returns the device lock, for timer.Engine.SetLocked.
func (b *Base) Locker() sync.Locker { return &b.mu }

// Attach remembers the bus. The bus enumerates the properties right after.
func (b *Base) Attach(_ context.Context, bb *bus.Bus) error {
	if b.cfg.Timers == nil {
		return fmt.Errorf("%w: device %q has no timer engine", bus.ErrFailed, b.cfg.Name)
	}
	b.mu.Lock()
	b.bus = bb
	b.mu.Unlock()
	return nil
}

// EnumerateProperties defines every property the device currently has that
// filter selects.
func (b *Base) EnumerateProperties(ctx context.Context, _ bus.Client, filter *model.Property) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.bus == nil {
		return bus.ErrNotStarted
	}
	for _, p := range b.props {
		if !p.Matches(filter) {
			continue
		}
		if err := b.bus.DefineProperty(ctx, b.self, p, ""); err != nil {
			return err
		}
	}
	return nil
}

// ChangeProperty handles CONNECTION. Devices call it for every request they
// do not handle themselves.
func (b *Base) ChangeProperty(ctx context.Context, _ bus.Client, req *model.Property) error {
	if req.Name != model.ConnectionProperty {
		return fmt.Errorf("%w: %s", bus.ErrNotFound, req.Key())
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.connection.Merge(req); err != nil {
		return err
	}
	b.connection.SetState(model.StateBusy)
	_ = b.Update(ctx, b.connection, "")

	if err := b.cfg.Timers.SetLocked(b.self, 0, b.connect, &b.connectTimer, &b.mu); err != nil {
		b.setConnectionSwitch(b.connected)
		b.connection.SetState(model.StateAlert)
		_ = b.Update(ctx, b.connection, err.Error())
		return err
	}
	return nil
}

// connect runs on a timer worker with the lock held.
func (b *Base) connect(ctx context.Context) {
	want := model.IsConnected(b.connection)
	if want != b.connected && b.cfg.Connect != nil {
		if err := b.cfg.Connect(ctx, want); err != nil {
			b.debugLog("driver: connection change failed", "device", b.cfg.Name, "connect", want, "error", err)
			b.setConnectionSwitch(b.connected)
			b.connection.SetState(model.StateAlert)
			_ = b.Update(ctx, b.connection, err.Error())
			return
		}
	}
	b.connected = want
	b.connection.SetState(model.StateOk)
	_ = b.Update(ctx, b.connection, "")
}

func (b *Base) setConnectionSwitch(connected bool) {
	b.connection.Item(model.ConnectedItem).Switch().On = connected
	b.connection.Item(model.DisconnectedItem).Switch().On = !connected
}

// Connected reports whether the device is connected. The caller holds the lock.
func (b *Base) Connected() bool { return b.connected }

// IsConnected is Connected for callers that do not hold the lock.
func (b *Base) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

// Detach closes an open connection and cancels the device's timers.
func (b *Base) Detach(ctx context.Context) error {
	b.cfg.Timers.CancelSync(ctx, &b.connectTimer)

	b.mu.Lock()
	var err error
	if b.connected && b.cfg.Connect != nil {
		err = b.cfg.Connect(ctx, false)
	}
	b.connected = false
	b.setConnectionSwitch(false)
	b.mu.Unlock()

	b.cfg.Timers.CancelAll(b.self)
	return err
}

// Define adds p to the device and publishes its definition. Defining a
// property the device already has republishes it. The caller holds the lock.
func (b *Base) Define(ctx context.Context, p *model.Property, msg string) error {
	if b.bus == nil {
		return bus.ErrNotStarted
	}
	if b.index(p.Name) < 0 {
		b.props = append(b.props, p)
	}
	return b.bus.DefineProperty(ctx, b.self, p, msg)
}

// Update publishes the current values and state of p. The caller holds the lock.
func (b *Base) Update(ctx context.Context, p *model.Property, msg string) error {
	if b.bus == nil {
		return bus.ErrNotStarted
	}
	return b.bus.UpdateProperty(ctx, b.self, p, msg)
}

// Delete removes p from the device and publishes the deletion. The caller
// holds the lock.
func (b *Base) Delete(ctx context.Context, p *model.Property, msg string) error {
	i := b.index(p.Name)
	if i < 0 {
		return fmt.Errorf("%w: %s", bus.ErrNotFound, p.Key())
	}
	b.props = append(b.props[:i], b.props[i+1:]...)
	if b.bus == nil {
		return nil
	}
	return b.bus.DeleteProperty(ctx, b.self, p, msg)
}

// Message sends a device message to every client.
func (b *Base) Message(ctx context.Context, msg string) error {
	if b.bus == nil {
		return bus.ErrNotStarted
	}
	return b.bus.SendMessage(ctx, b.self, msg)
}

func (b *Base) index(name string) int {
	for i, p := range b.props {
		if p.Name == name {
			return i
		}
	}
	return -1
}

func (b *Base) debugLog(msg string, args ...any) {
	if b.cfg.Logger != nil {
		b.cfg.Logger.Debug(msg, args...)
	}
}
