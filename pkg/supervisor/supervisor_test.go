package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devbus/devbus-go/pkg/bus"
)

func TestSupervisorShutdown(t *testing.T) {
	b := startedBus(t)
	fake := newFakeServer(t)
	catalog := NewCatalog()
	busy := &fakeDriver{name: "mount", shutdownErr: []error{bus.ErrBusy}}
	require.NoError(t, catalog.Register("mount", busy.entry))

	s := New(Config{Bus: b, Catalog: catalog, Sleeper: shortSleep})

	_, err := s.Drivers.Load(context.Background(), "mount", true)
	require.NoError(t, err)
	_, err = s.Servers.Connect(context.Background(), "observatory", "127.0.0.1", fake.Port())
	require.NoError(t, err)
	require.Eventually(t, remoteDefined(b), 5*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))

	assert.Empty(t, s.Servers.List())
	assert.Empty(t, s.Drivers.List())
	assert.False(t, remoteDefined(b)())

	assert.Equal(t, []Action{ActionInfo, ActionInit, ActionShutdown, ActionForceShutdown}, busy.Actions())
}

func TestSupervisorShutdownDropsStuckDriver(t *testing.T) {
	catalog := NewCatalog()
	stuck := &fakeDriver{name: "dome", shutdownErr: []error{bus.ErrBusy}, forceErr: bus.ErrBusy}
	require.NoError(t, catalog.Register("dome", stuck.entry))
	idle := &fakeDriver{name: "focuser"}
	require.NoError(t, catalog.Register("focuser", idle.entry))

	s := New(Config{Bus: startedBus(t), Catalog: catalog})
	for _, name := range []string{"focuser", "dome"} {
		_, err := s.Drivers.Load(context.Background(), name, true)
		require.NoError(t, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	start := time.Now()
	require.NoError(t, s.Shutdown(ctx))
	assert.Less(t, time.Since(start), time.Second)
	assert.Empty(t, s.Drivers.List())
	assert.Equal(t, []Action{ActionInfo, ActionInit, ActionShutdown}, idle.Actions())
	assert.Equal(t, []Action{ActionInfo, ActionInit, ActionShutdown, ActionForceShutdown}, stuck.Actions())
}
