package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/devbus/devbus-go/pkg/log"
	"github.com/devbus/devbus-go/pkg/model"
)

// Default table capacities.
const (
	DefaultMaxDevices = 256
	DefaultMaxClients = 256
)

// Config configures a Bus.
type Config struct {
	// MaxDevices caps the number of attached devices.
	MaxDevices int

	// MaxClients caps the number of attached clients.
	MaxClients int

	// Logger for operational messages. If nil, logging is disabled.
	Logger *slog.Logger

	// Trace receives every dispatched event. If nil, tracing is disabled.
	Trace log.Logger

	// Metrics receives dispatcher counters. If nil, metrics are disabled.
	Metrics Metrics
}

// Bus routes property lifecycle events between devices and clients.
type Bus struct {
	cfg Config

	mu      sync.RWMutex
	started bool

	devices     map[string]Device
	deviceOrder []string
	clients     map[string]Client
	clientOrder []string

	props map[model.PropertyKey]*entry

	// owners maps device names to the Device that defined properties for
	// them. A proxy device may own several names.
	owners map[string]Device

	dispatchMu sync.Mutex
	dispatch   map[string]*sync.Mutex
}

type entry struct {
	owner     Device
	prop      *model.Property
	definedTo map[string]Client
	changing  bool
}

// New creates a stopped bus.
func New(cfg Config) *Bus {
	if cfg.MaxDevices <= 0 {
		cfg.MaxDevices = DefaultMaxDevices
	}
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = DefaultMaxClients
	}
	if cfg.Trace == nil {
		cfg.Trace = log.NoopLogger{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = noopMetrics{}
	}
	return &Bus{
		cfg:      cfg,
		devices:  make(map[string]Device),
		clients:  make(map[string]Client),
		props:    make(map[model.PropertyKey]*entry),
		owners:   make(map[string]Device),
		dispatch: make(map[string]*sync.Mutex),
	}
}

// Start makes the bus accept devices and clients. Calling Start on a running
// bus is a no-op.
func (b *Bus) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.started {
		b.started = true
		b.debugLog("bus: started")
	}
}

// Stop detaches every device and client in reverse attach order.
func (b *Bus) Stop(ctx context.Context) {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return
	}
	b.started = false
	devices := make([]Device, 0, len(b.deviceOrder))
	for i := len(b.deviceOrder) - 1; i >= 0; i-- {
		devices = append(devices, b.devices[b.deviceOrder[i]])
	}
	clients := make([]Client, 0, len(b.clientOrder))
	for i := len(b.clientOrder) - 1; i >= 0; i-- {
		clients = append(clients, b.clients[b.clientOrder[i]])
	}
	b.mu.Unlock()

	for _, d := range devices {
		if err := b.detachDevice(ctx, d); err != nil {
			b.debugLog("bus: detach on stop failed", "device", d.Name(), "error", err)
		}
	}
	for _, c := range clients {
		if err := b.detachClient(ctx, c); err != nil {
			b.debugLog("bus: detach on stop failed", "client", c.ID(), "error", err)
		}
	}
	b.debugLog("bus: stopped")
}

// AttachDevice registers dev, calls its Attach and then enumerates its
// properties to every client. A failing Attach leaves the device
// unregistered and returns an error wrapping ErrFailed.
func (b *Bus) AttachDevice(ctx context.Context, dev Device) error {
	name := dev.Name()

	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return ErrNotStarted
	}
	if _, dup := b.devices[name]; dup {
		b.mu.Unlock()
		return fmt.Errorf("%w: device %q", ErrDuplicated, name)
	}
	if len(b.devices) >= b.cfg.MaxDevices {
		b.mu.Unlock()
		return fmt.Errorf("%w: %d devices", ErrTooManyElements, len(b.devices))
	}
	b.devices[name] = dev
	b.deviceOrder = append(b.deviceOrder, name)
	n := len(b.devices)
	b.mu.Unlock()

	if err := dev.Attach(ctx, b); err != nil {
		b.unregisterDevice(ctx, dev)
		return fmt.Errorf("%w: attach %q: %v", ErrFailed, name, err)
	}

	b.cfg.Metrics.SetDevices(n)
	b.traceState(log.StateEntityDevice, name, "ATTACHED")
	b.debugLog("bus: device attached", "device", name)

	if err := dev.EnumerateProperties(ctx, nil, nil); err != nil {
		b.debugLog("bus: initial enumeration failed", "device", name, "error", err)
	}
	return nil
}

// DetachDevice calls dev.Detach, deletes every property it still owns and
// unregisters it.
func (b *Bus) DetachDevice(ctx context.Context, dev Device) error {
	return b.detachDevice(ctx, dev)
}

func (b *Bus) detachDevice(ctx context.Context, dev Device) error {
	name := dev.Name()

	b.mu.RLock()
	registered := b.devices[name] == dev
	b.mu.RUnlock()
	if !registered {
		return fmt.Errorf("%w: device %q", ErrNotFound, name)
	}

	err := dev.Detach(ctx)
	b.unregisterDevice(ctx, dev)
	b.traceState(log.StateEntityDevice, name, "DETACHED")
	b.debugLog("bus: device detached", "device", name)
	if err != nil {
		return fmt.Errorf("%w: detach %q: %v", ErrFailed, name, err)
	}
	return nil
}

// unregisterDevice deletes the properties dev still owns and drops it.
func (b *Bus) unregisterDevice(ctx context.Context, dev Device) {
	b.mu.RLock()
	var names []string
	for devName, owner := range b.owners {
		if owner == dev {
			names = append(names, devName)
		}
	}
	b.mu.RUnlock()

	for _, devName := range names {
		_ = b.DeleteProperty(ctx, dev, &model.Property{Device: devName}, "")
	}

	b.mu.Lock()
	name := dev.Name()
	if b.devices[name] == dev {
		delete(b.devices, name)
		b.deviceOrder = removeString(b.deviceOrder, name)
	}
	for devName, owner := range b.owners {
		if owner == dev {
			delete(b.owners, devName)
		}
	}
	n := len(b.devices)
	b.mu.Unlock()

	b.dispatchMu.Lock()
	delete(b.dispatch, name)
	b.dispatchMu.Unlock()

	b.cfg.Metrics.SetDevices(n)
}

// AttachClient registers c and calls its Attach.
func (b *Bus) AttachClient(ctx context.Context, c Client) error {
	id := c.ID()

	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return ErrNotStarted
	}
	if _, dup := b.clients[id]; dup {
		b.mu.Unlock()
		return fmt.Errorf("%w: client %q", ErrDuplicated, id)
	}
	if len(b.clients) >= b.cfg.MaxClients {
		b.mu.Unlock()
		return fmt.Errorf("%w: %d clients", ErrTooManyElements, len(b.clients))
	}
	b.clients[id] = c
	b.clientOrder = append(b.clientOrder, id)
	n := len(b.clients)
	b.mu.Unlock()

	if err := c.Attach(ctx, b); err != nil {
		b.unregisterClient(c)
		return fmt.Errorf("%w: attach client %q: %v", ErrFailed, id, err)
	}

	b.cfg.Metrics.SetClients(n)
	b.traceState(log.StateEntityClient, id, "ATTACHED")
	b.debugLog("bus: client attached", "client", id, "version", c.Version().String())
	return nil
}

// DetachClient calls c.Detach and unregisters it.
func (b *Bus) DetachClient(ctx context.Context, c Client) error {
	return b.detachClient(ctx, c)
}

func (b *Bus) detachClient(ctx context.Context, c Client) error {
	id := c.ID()

	b.mu.RLock()
	registered := b.clients[id] == c
	b.mu.RUnlock()
	if !registered {
		return fmt.Errorf("%w: client %q", ErrNotFound, id)
	}

	err := c.Detach(ctx)
	b.unregisterClient(c)
	b.traceState(log.StateEntityClient, id, "DETACHED")
	b.debugLog("bus: client detached", "client", id)
	if err != nil {
		return fmt.Errorf("%w: detach client %q: %v", ErrFailed, id, err)
	}
	return nil
}

func (b *Bus) unregisterClient(c Client) {
	id := c.ID()

	b.mu.Lock()
	if b.clients[id] == c {
		delete(b.clients, id)
		b.clientOrder = removeString(b.clientOrder, id)
	}
	for _, e := range b.props {
		delete(e.definedTo, id)
	}
	n := len(b.clients)
	b.mu.Unlock()

	b.cfg.Metrics.SetClients(n)
}

// EnumerateProperties asks the devices selected by filter to (re)define their
// properties. A nil filter or empty filter device selects every device; a nil
// client means every client.
func (b *Bus) EnumerateProperties(ctx context.Context, client Client, filter *model.Property) error {
	b.mu.RLock()
	var targets []Device
	if filter == nil || filter.Device == "" {
		for _, name := range b.deviceOrder {
			targets = append(targets, b.devices[name])
		}
	} else if owner, ok := b.owners[filter.Device]; ok {
		targets = append(targets, owner)
	} else if dev, ok := b.devices[filter.Device]; ok {
		targets = append(targets, dev)
	}
	b.mu.RUnlock()

	connID := ""
	if client != nil {
		connID = client.ID()
		ctx = withTarget(ctx, client)
	}
	b.trace(log.Event{
		ConnectionID: connID,
		Direction:    log.DirectionIn,
		Device:       filterDevice(filter),
		Property:     filterName(filter),
		Message:      &log.MessageEvent{Verb: log.VerbEnumerate},
	})
	b.cfg.Metrics.Dispatched(log.VerbEnumerate.String())

	var firstErr error
	for _, dev := range targets {
		if err := dev.EnumerateProperties(ctx, client, filter); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Devices returns the names of the attached devices in attach order.
func (b *Bus) Devices() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]string(nil), b.deviceOrder...)
}

// Clients returns the ids of the attached clients in attach order.
func (b *Bus) Clients() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]string(nil), b.clientOrder...)
}

// Device returns the attached device with the given name.
func (b *Bus) Device(name string) (Device, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	d, ok := b.devices[name]
	return d, ok
}

// Property returns a copy of the last defined or updated state of a property.
func (b *Bus) Property(device, name string) (*model.Property, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.props[model.PropertyKey{Device: device, Name: name}]
	if !ok {
		return nil, false
	}
	return e.prop.Clone(), true
}

// Properties returns copies of every known property matching filter.
func (b *Bus) Properties(filter *model.Property) []*model.Property {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []*model.Property
	for _, e := range b.props {
		if e.prop.Matches(filter) {
			out = append(out, e.prop.Clone())
		}
	}
	return out
}

func (b *Bus) debugLog(msg string, args ...any) {
	if b.cfg.Logger != nil {
		b.cfg.Logger.Debug(msg, args...)
	}
}

func removeString(list []string, s string) []string {
	for i, v := range list {
		if v == s {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

func filterDevice(f *model.Property) string {
	if f == nil {
		return ""
	}
	return f.Device
}

func filterName(f *model.Property) string {
	if f == nil {
		return ""
	}
	return f.Name
}
