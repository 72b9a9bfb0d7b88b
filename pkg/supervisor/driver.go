package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/devbus/devbus-go/pkg/bus"
	"github.com/devbus/devbus-go/pkg/log"
	"github.com/devbus/devbus-go/pkg/timer"
)

// DefaultMaxDrivers is the default capacity of the driver table.
const DefaultMaxDrivers = 128

// Action tells an entry point what to do.
type Action uint8

const (
	// ActionInit attaches the driver's devices.
	ActionInit Action = iota

	// ActionInfo fills in the Info argument only.
	ActionInfo

	// ActionShutdown detaches the driver's devices. A driver that cannot
	// stop yet returns bus.ErrBusy.
	ActionShutdown

	// ActionForceShutdown detaches the driver's devices even when they are
	// connected. Open connections are closed first.
	ActionForceShutdown
)

// String returns the action name.
func (a Action) String() string {
	switch a {
	case ActionInit:
		return "INIT"
	case ActionInfo:
		return "INFO"
	case ActionShutdown:
		return "SHUTDOWN"
	case ActionForceShutdown:
		return "FORCE_SHUTDOWN"
	default:
		return "UNKNOWN"
	}
}

// Info describes a driver.
type Info struct {
	// Name is the entry point name; it is unique in a driver table.
	Name        string
	Description string

	// Version is major in the high byte, revision in the low byte.
	Version uint16

	// MultiDevice reports whether the driver can serve several devices.
	MultiDevice bool
}

// Env is what a driver gets to work with.
type Env struct {
	Bus    *bus.Bus
	Timers *timer.Engine
	Logger *slog.Logger
}

// EntryPoint is a driver's single entry point. ActionInfo is called without
// side effects before the driver is added to a table.
type EntryPoint func(ctx context.Context, action Action, env Env, info *Info) error

// Catalog is a registry of compiled-in drivers.
type Catalog struct {
	mu      sync.RWMutex
	entries map[string]EntryPoint
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{entries: make(map[string]EntryPoint)}
}

// Register adds ep under name.
func (c *Catalog) Register(name string, ep EntryPoint) error {
	if name == "" || ep == nil {
		return fmt.Errorf("%w: empty catalog entry", bus.ErrFailed)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.entries[name]; dup {
		return fmt.Errorf("%w: driver %q", bus.ErrDuplicated, name)
	}
	c.entries[name] = ep
	return nil
}

// Lookup returns the entry point registered under name.
func (c *Catalog) Lookup(name string) (EntryPoint, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ep, ok := c.entries[name]
	return ep, ok
}

// Names returns the registered names, sorted.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.entries))
	for name := range c.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultCatalog holds drivers registered with Register.
var DefaultCatalog = NewCatalog()

// Register adds ep to DefaultCatalog. It panics on a duplicate name and is
// meant to be called from init functions.
func Register(name string, ep EntryPoint) {
	if err := DefaultCatalog.Register(name, ep); err != nil {
		panic("supervisor: " + err.Error())
	}
}

// Driver is one slot of a driver table.
type Driver struct {
	info  Info
	path  string
	entry EntryPoint

	// op serializes Init and Remove on this slot.
	op sync.Mutex

	initialized bool
	removed     bool
}

// Name returns the driver name.
func (d *Driver) Name() string { return d.info.Name }

// Info returns the driver's self description.
func (d *Driver) Info() Info { return d.info }

// Path returns the plugin path, or "" for a compiled-in driver.
func (d *Driver) Path() string { return d.path }

// DriverStatus is a snapshot of one driver slot.
type DriverStatus struct {
	Info        Info
	Path        string
	Initialized bool
}

// DriversConfig configures a driver table.
type DriversConfig struct {
	// Catalog resolves names for Load. Default: DefaultCatalog.
	Catalog *Catalog

	// Env is passed to every entry point.
	Env Env

	// MaxDrivers caps the table. Default: DefaultMaxDrivers.
	MaxDrivers int

	// Logger for operational messages. If nil, logging is disabled.
	Logger *slog.Logger

	// Trace receives driver state changes. If nil, tracing is disabled.
	Trace log.Logger
}

// Drivers is the table of in-process drivers.
type Drivers struct {
	cfg DriversConfig

	mu    sync.Mutex
	slots []*Driver
}

// NewDrivers creates an empty driver table.
func NewDrivers(cfg DriversConfig) *Drivers {
	if cfg.Catalog == nil {
		cfg.Catalog = DefaultCatalog
	}
	if cfg.MaxDrivers <= 0 {
		cfg.MaxDrivers = DefaultMaxDrivers
	}
	if cfg.Env.Logger == nil {
		cfg.Env.Logger = cfg.Logger
	}
	return &Drivers{cfg: cfg}
}

// Add puts ep in the table and, if init is set, initializes it. A failed
// initialization leaves the driver in the table, uninitialized.
func (d *Drivers) Add(ctx context.Context, ep EntryPoint, init bool) (*Driver, error) {
	return d.add(ctx, ep, "", init)
}

func (d *Drivers) add(ctx context.Context, ep EntryPoint, path string, init bool) (*Driver, error) {
	var info Info
	if err := ep(ctx, ActionInfo, d.cfg.Env, &info); err != nil {
		return nil, fmt.Errorf("%w: driver info: %v", bus.ErrFailed, err)
	}
	if info.Name == "" {
		return nil, fmt.Errorf("%w: driver without name", bus.ErrFailed)
	}

	d.mu.Lock()
	for _, s := range d.slots {
		if s.info.Name == info.Name {
			d.mu.Unlock()
			return s, fmt.Errorf("%w: driver %q", bus.ErrDuplicated, info.Name)
		}
	}
	if len(d.slots) >= d.cfg.MaxDrivers {
		d.mu.Unlock()
		return nil, fmt.Errorf("%w: %d drivers", bus.ErrTooManyElements, len(d.slots))
	}
	drv := &Driver{info: info, path: path, entry: ep}
	d.slots = append(d.slots, drv)
	d.mu.Unlock()

	d.debugLog("driver added", "driver", info.Name, "path", path)
	d.trace(info.Name, "ADDED", "")

	if init {
		return drv, d.Init(ctx, drv)
	}
	return drv, nil
}

// Load adds the driver called name. Compiled-in drivers are looked up in
// the catalog; a name that looks like a file path is opened as a Go plugin
// exporting PluginSymbol.
func (d *Drivers) Load(ctx context.Context, name string, init bool) (*Driver, error) {
	if ep, ok := d.cfg.Catalog.Lookup(name); ok {
		return d.add(ctx, ep, "", init)
	}
	if !isPluginPath(name) {
		return nil, fmt.Errorf("%w: driver %q", bus.ErrNotFound, name)
	}
	ep, err := openPlugin(name)
	if err != nil {
		return nil, err
	}
	return d.add(ctx, ep, name, init)
}

// Init initializes drv. Initializing an initialized driver is a no-op.
func (d *Drivers) Init(ctx context.Context, drv *Driver) error {
	drv.op.Lock()
	defer drv.op.Unlock()

	d.mu.Lock()
	if drv.removed {
		d.mu.Unlock()
		return fmt.Errorf("%w: driver %q", bus.ErrNotFound, drv.info.Name)
	}
	if drv.initialized {
		d.mu.Unlock()
		return nil
	}
	d.mu.Unlock()

	info := drv.info
	if err := drv.entry(ctx, ActionInit, d.cfg.Env, &info); err != nil {
		d.debugLog("driver init failed", "driver", drv.info.Name, "error", err)
		d.trace(drv.info.Name, "FAILED", err.Error())
		return fmt.Errorf("init %s: %w", drv.info.Name, err)
	}

	d.mu.Lock()
	drv.initialized = true
	d.mu.Unlock()
	d.trace(drv.info.Name, "INITIALIZED", "")
	return nil
}

// Remove shuts drv down and drops it from the table. If the driver reports
// bus.ErrBusy it stays in the table, initialized, and the error is returned.
func (d *Drivers) Remove(ctx context.Context, drv *Driver) error {
	return d.remove(ctx, drv, ActionShutdown)
}

// ForceRemove shuts drv down with ActionForceShutdown and drops it from the
// table whatever the driver reports.
func (d *Drivers) ForceRemove(ctx context.Context, drv *Driver) error {
	return d.remove(ctx, drv, ActionForceShutdown)
}

func (d *Drivers) remove(ctx context.Context, drv *Driver, action Action) error {
	drv.op.Lock()
	defer drv.op.Unlock()

	d.mu.Lock()
	if drv.removed {
		d.mu.Unlock()
		return fmt.Errorf("%w: driver %q", bus.ErrNotFound, drv.info.Name)
	}
	initialized := drv.initialized
	d.mu.Unlock()

	if initialized {
		info := drv.info
		if err := drv.entry(ctx, action, d.cfg.Env, &info); err != nil {
			if action == ActionShutdown && errors.Is(err, bus.ErrBusy) {
				return fmt.Errorf("shutdown %s: %w", drv.info.Name, err)
			}
			d.warnLog("driver shutdown failed", "driver", drv.info.Name, "action", action, "error", err)
		}
	}

	d.mu.Lock()
	drv.initialized = false
	drv.removed = true
	for i, s := range d.slots {
		if s == drv {
			d.slots = append(d.slots[:i], d.slots[i+1:]...)
			break
		}
	}
	d.mu.Unlock()

	d.debugLog("driver removed", "driver", drv.info.Name)
	d.trace(drv.info.Name, "REMOVED", "")
	return nil
}

// Initialized reports whether the driver called name is initialized. Entry
// points may call it.
func (d *Drivers) Initialized(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range d.slots {
		if s.info.Name == name {
			return s.initialized
		}
	}
	return false
}

// Get returns the driver called name.
func (d *Drivers) Get(name string) (*Driver, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range d.slots {
		if s.info.Name == name {
			return s, true
		}
	}
	return nil, false
}

// List returns the table in insertion order.
func (d *Drivers) List() []DriverStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]DriverStatus, len(d.slots))
	for i, s := range d.slots {
		out[i] = DriverStatus{Info: s.info, Path: s.path, Initialized: s.initialized}
	}
	return out
}

// RemoveAll removes every driver in reverse order and returns the first
// error.
func (d *Drivers) RemoveAll(ctx context.Context) error {
	return d.removeAll(ctx, d.Remove)
}

// ForceRemoveAll force-removes every driver in reverse order. The table is
// empty afterwards.
func (d *Drivers) ForceRemoveAll(ctx context.Context) error {
	return d.removeAll(ctx, d.ForceRemove)
}

func (d *Drivers) removeAll(ctx context.Context, remove func(context.Context, *Driver) error) error {
	d.mu.Lock()
	slots := append([]*Driver(nil), d.slots...)
	d.mu.Unlock()

	var first error
	for i := len(slots) - 1; i >= 0; i-- {
		if err := remove(ctx, slots[i]); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (d *Drivers) debugLog(msg string, args ...any) {
	if d.cfg.Logger != nil {
		d.cfg.Logger.Debug("supervisor: "+msg, args...)
	}
}

func (d *Drivers) warnLog(msg string, args ...any) {
	if d.cfg.Logger != nil {
		d.cfg.Logger.Warn("supervisor: "+msg, args...)
	}
}

func (d *Drivers) trace(name, state, reason string) {
	log.Emit(d.cfg.Trace, log.Event{
		ConnectionID: name,
		Layer:        log.LayerSupervisor,
		Category:     log.CategoryState,
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntityDriver,
			NewState: state,
			Reason:   reason,
		},
	})
}

func isPluginPath(name string) bool {
	return strings.HasSuffix(name, ".so") || strings.ContainsRune(name, '/')
}
