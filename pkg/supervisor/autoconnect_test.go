package supervisor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devbus/devbus-go/pkg/bus"
	"github.com/devbus/devbus-go/pkg/discovery"
)

// fakeBrowser resolves every name to a fixed loopback port.
type fakeBrowser struct {
	port int

	mu       sync.Mutex
	cb       discovery.Callback
	resolved []string
}

func (f *fakeBrowser) Start(_ context.Context, cb discovery.Callback) error {
	f.mu.Lock()
	f.cb = cb
	f.mu.Unlock()
	return nil
}

func (f *fakeBrowser) Resolve(_ context.Context, name string, iface int, cb discovery.ResolveCallback) error {
	f.mu.Lock()
	f.resolved = append(f.resolved, name)
	f.mu.Unlock()
	cb(name, iface, "127.0.0.1", f.port)
	return nil
}

func (f *fakeBrowser) emit(ev discovery.Event, name string) {
	f.mu.Lock()
	cb := f.cb
	f.mu.Unlock()
	cb(ev, name, 0)
}

func (f *fakeBrowser) Resolved() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.resolved...)
}

func TestAutoConnect(t *testing.T) {
	b := startedBus(t)
	fake := newFakeServer(t)
	servers := NewServers(ServersConfig{Bus: b, Sleeper: shortSleep, LocalName: "self"})
	t.Cleanup(servers.DisconnectAll)

	browser := &fakeBrowser{port: fake.Port()}
	require.NoError(t, AutoConnect(context.Background(), browser, servers))

	browser.emit(discovery.EventAdded, "self")
	browser.emit(discovery.EventAdded, "observatory")
	browser.emit(discovery.EventEndOfRecord, "")

	require.Eventually(t, func() bool {
		_, ok := servers.Lookup("observatory")
		return ok
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, remoteDefined(b), 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"observatory"}, browser.Resolved())

	// A second announcement of the same service reuses the slot.
	browser.emit(discovery.EventAdded, "observatory")
	require.Eventually(t, func() bool { return len(browser.Resolved()) == 2 }, 5*time.Second, 10*time.Millisecond)
	assert.Len(t, servers.List(), 1)

	browser.emit(discovery.EventRemoved, "observatory")
	_, ok := servers.Lookup("observatory")
	assert.False(t, ok)
	assert.False(t, remoteDefined(b)())

	// Removal of an unknown service is ignored.
	browser.emit(discovery.EventRemoved, "unknown")
	assert.Empty(t, servers.List())
}

func TestAutoConnectStartError(t *testing.T) {
	servers := NewServers(ServersConfig{Bus: startedBus(t)})
	err := AutoConnect(context.Background(), failingBrowser{}, servers)
	assert.ErrorIs(t, err, discovery.ErrAlreadyRunning)
}

type failingBrowser struct{}

func (failingBrowser) Start(context.Context, discovery.Callback) error {
	return discovery.ErrAlreadyRunning
}

func (failingBrowser) Resolve(context.Context, string, int, discovery.ResolveCallback) error {
	return bus.ErrNotFound
}
