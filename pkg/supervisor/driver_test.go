package supervisor

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devbus/devbus-go/pkg/bus"
)

// fakeDriver is an entry point that records the actions it receives.
type fakeDriver struct {
	name string

	mu          sync.Mutex
	actions     []Action
	initErr     error
	shutdownErr []error
	forceErr    error
}

func (f *fakeDriver) entry(_ context.Context, action Action, _ Env, info *Info) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, action)
	switch action {
	case ActionInfo:
		info.Name = f.name
		info.Description = "fake " + f.name
		info.Version = 0x0102
	case ActionInit:
		return f.initErr
	case ActionForceShutdown:
		return f.forceErr
	case ActionShutdown:
		if len(f.shutdownErr) > 0 {
			err := f.shutdownErr[0]
			f.shutdownErr = f.shutdownErr[1:]
			return err
		}
	}
	return nil
}

func (f *fakeDriver) Actions() []Action {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Action(nil), f.actions...)
}

func TestCatalog(t *testing.T) {
	c := NewCatalog()
	f := &fakeDriver{name: "ccd_simulator"}
	require.NoError(t, c.Register("ccd_simulator", f.entry))
	require.NoError(t, c.Register("mount_simulator", f.entry))

	assert.ErrorIs(t, c.Register("ccd_simulator", f.entry), bus.ErrDuplicated)
	assert.ErrorIs(t, c.Register("", f.entry), bus.ErrFailed)

	_, ok := c.Lookup("ccd_simulator")
	assert.True(t, ok)
	_, ok = c.Lookup("focuser")
	assert.False(t, ok)
	assert.Equal(t, []string{"ccd_simulator", "mount_simulator"}, c.Names())
}

func TestDriversAdd(t *testing.T) {
	ctx := context.Background()
	d := NewDrivers(DriversConfig{Catalog: NewCatalog()})
	f := &fakeDriver{name: "ccd"}

	drv, err := d.Add(ctx, f.entry, true)
	require.NoError(t, err)
	assert.Equal(t, "ccd", drv.Name())
	assert.Equal(t, uint16(0x0102), drv.Info().Version)
	assert.True(t, d.Initialized("ccd"))
	assert.Equal(t, []Action{ActionInfo, ActionInit}, f.Actions())

	// Same entry point name again: existing slot, no second init.
	again, err := d.Add(ctx, f.entry, true)
	assert.ErrorIs(t, err, bus.ErrDuplicated)
	assert.Same(t, drv, again)
	assert.Equal(t, []Action{ActionInfo, ActionInit, ActionInfo}, f.Actions())

	// Init of an initialized driver is a no-op.
	require.NoError(t, d.Init(ctx, drv))
	assert.Len(t, f.Actions(), 3)

	got, ok := d.Get("ccd")
	require.True(t, ok)
	assert.Same(t, drv, got)
}

func TestDriversTableFull(t *testing.T) {
	ctx := context.Background()
	d := NewDrivers(DriversConfig{Catalog: NewCatalog(), MaxDrivers: 2})
	for _, name := range []string{"a", "b"} {
		_, err := d.Add(ctx, (&fakeDriver{name: name}).entry, false)
		require.NoError(t, err)
	}
	_, err := d.Add(ctx, (&fakeDriver{name: "c"}).entry, false)
	assert.ErrorIs(t, err, bus.ErrTooManyElements)
	assert.Len(t, d.List(), 2)
}

func TestDriversInitFailureKeepsSlot(t *testing.T) {
	ctx := context.Background()
	d := NewDrivers(DriversConfig{Catalog: NewCatalog()})
	boom := errors.New("no camera")
	f := &fakeDriver{name: "ccd", initErr: boom}

	drv, err := d.Add(ctx, f.entry, true)
	assert.ErrorIs(t, err, boom)
	require.NotNil(t, drv)
	assert.False(t, d.Initialized("ccd"))

	list := d.List()
	require.Len(t, list, 1)
	assert.Equal(t, "ccd", list[0].Info.Name)
	assert.False(t, list[0].Initialized)

	// Removing an uninitialized driver does not shut it down.
	require.NoError(t, d.Remove(ctx, drv))
	assert.NotContains(t, f.Actions(), ActionShutdown)
	assert.Empty(t, d.List())
}

func TestDriversRemoveBusy(t *testing.T) {
	ctx := context.Background()
	d := NewDrivers(DriversConfig{Catalog: NewCatalog()})
	f := &fakeDriver{name: "mount", shutdownErr: []error{bus.ErrBusy}}

	drv, err := d.Add(ctx, f.entry, true)
	require.NoError(t, err)

	err = d.Remove(ctx, drv)
	assert.ErrorIs(t, err, bus.ErrBusy)
	assert.True(t, d.Initialized("mount"))
	assert.Len(t, d.List(), 1)

	require.NoError(t, d.Remove(ctx, drv))
	assert.Empty(t, d.List())
	assert.False(t, d.Initialized("mount"))

	assert.ErrorIs(t, d.Remove(ctx, drv), bus.ErrNotFound)
	assert.ErrorIs(t, d.Init(ctx, drv), bus.ErrNotFound)
}

func TestDriversRemoveFailureStillRemoves(t *testing.T) {
	ctx := context.Background()
	d := NewDrivers(DriversConfig{Catalog: NewCatalog()})
	f := &fakeDriver{name: "focuser", shutdownErr: []error{errors.New("port gone")}}

	drv, err := d.Add(ctx, f.entry, true)
	require.NoError(t, err)
	require.NoError(t, d.Remove(ctx, drv))
	assert.Empty(t, d.List())
}

func TestDriversLoad(t *testing.T) {
	ctx := context.Background()
	catalog := NewCatalog()
	f := &fakeDriver{name: "wheel"}
	require.NoError(t, catalog.Register("wheel", f.entry))
	d := NewDrivers(DriversConfig{Catalog: catalog})

	drv, err := d.Load(ctx, "wheel", false)
	require.NoError(t, err)
	assert.Equal(t, "", drv.Path())
	assert.False(t, d.Initialized("wheel"))

	_, err = d.Load(ctx, "guider", true)
	assert.ErrorIs(t, err, bus.ErrNotFound)

	_, err = d.Load(ctx, "/nonexistent/driver.so", true)
	assert.ErrorIs(t, err, bus.ErrNotFound)
}

func TestDriversRemoveAll(t *testing.T) {
	ctx := context.Background()
	d := NewDrivers(DriversConfig{Catalog: NewCatalog()})
	var drivers []*fakeDriver
	for _, name := range []string{"a", "b", "c"} {
		f := &fakeDriver{name: name}
		drivers = append(drivers, f)
		_, err := d.Add(ctx, f.entry, true)
		require.NoError(t, err)
	}
	require.NoError(t, d.RemoveAll(ctx))
	assert.Empty(t, d.List())
	for _, f := range drivers {
		assert.Equal(t, []Action{ActionInfo, ActionInit, ActionShutdown}, f.Actions())
	}
}

func TestActionString(t *testing.T) {
	assert.Equal(t, "INIT", ActionInit.String())
	assert.Equal(t, "INFO", ActionInfo.String())
	assert.Equal(t, "SHUTDOWN", ActionShutdown.String())
	assert.Equal(t, "FORCE_SHUTDOWN", ActionForceShutdown.String())
	assert.Equal(t, "UNKNOWN", Action(9).String())
}
