package supervisor

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devbus/devbus-go/pkg/bus"
	"github.com/devbus/devbus-go/pkg/connection"
)

const remoteDefinition = `<defTextVector device='Remote' name='INFO' state='Idle' perm='ro'><defText name='NAME'>remote</defText></defTextVector>` + "\n"

// fakeServer accepts connections on loopback, sends one definition to each
// and counts them.
type fakeServer struct {
	ln      net.Listener
	accepts atomic.Int32

	mu    sync.Mutex
	conns []net.Conn
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &fakeServer{ln: ln}
	go s.serve()
	t.Cleanup(func() {
		_ = ln.Close()
		s.DropAll()
	})
	return s
}

func (s *fakeServer) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.accepts.Add(1)
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()
		go func() {
			_, _ = io.WriteString(conn, remoteDefinition)
			_, _ = io.Copy(io.Discard, conn)
		}()
	}
}

func (s *fakeServer) Port() int { return s.ln.Addr().(*net.TCPAddr).Port }

func (s *fakeServer) Accepts() int { return int(s.accepts.Load()) }

// DropAll closes every accepted connection.
func (s *fakeServer) DropAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		_ = c.Close()
	}
	s.conns = nil
}

func shortSleep(ctx context.Context, _ time.Duration) error {
	return connection.Sleep(ctx, 10*time.Millisecond)
}

func newServerTable(t *testing.T, b *bus.Bus) *Servers {
	t.Helper()
	servers := NewServers(ServersConfig{Bus: b, Sleeper: shortSleep})
	t.Cleanup(servers.DisconnectAll)
	return servers
}

func remoteDefined(b *bus.Bus) func() bool {
	return func() bool {
		_, ok := b.Property("Remote", "INFO")
		return ok
	}
}

func TestServerConnect(t *testing.T) {
	b := startedBus(t)
	fake := newFakeServer(t)
	servers := newServerTable(t, b)

	srv, err := servers.Connect(context.Background(), "", "127.0.0.1", fake.Port())
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", srv.Host())
	assert.Equal(t, fake.Port(), srv.Port())
	assert.NotEmpty(t, srv.Name())

	require.Eventually(t, remoteDefined(b), 5*time.Second, 10*time.Millisecond)
	connected, err := servers.Status(srv)
	assert.True(t, connected)
	assert.NoError(t, err)

	list := servers.List()
	require.Len(t, list, 1)
	assert.True(t, list[0].Connected)

	got, ok := servers.Lookup(srv.Name())
	require.True(t, ok)
	assert.Same(t, srv, got)

	require.NoError(t, servers.Disconnect(srv))
	assert.False(t, remoteDefined(b)())
	assert.Empty(t, servers.List())
	_, ok = servers.Lookup(srv.Name())
	assert.False(t, ok)
	assert.ErrorIs(t, servers.Disconnect(srv), bus.ErrNotFound)
}

func TestServerDuplicateConnect(t *testing.T) {
	b := startedBus(t)
	fake := newFakeServer(t)
	servers := newServerTable(t, b)
	ctx := context.Background()

	srv, err := servers.Connect(ctx, "observatory", "127.0.0.1", fake.Port())
	require.NoError(t, err)
	again, err := servers.Connect(ctx, "observatory", "127.0.0.1", fake.Port())
	assert.ErrorIs(t, err, bus.ErrDuplicated)
	assert.Same(t, srv, again)

	require.Eventually(t, remoteDefined(b), 5*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, fake.Accepts())
	assert.Len(t, servers.List(), 1)

	// A different connection id is a separate slot.
	other, err := servers.ConnectID(ctx, "observatory", "127.0.0.1", fake.Port(), 2)
	require.NoError(t, err)
	assert.NotSame(t, srv, other)
	require.Eventually(t, func() bool { return fake.Accepts() >= 2 }, 5*time.Second, 10*time.Millisecond)
}

func TestServerReconnects(t *testing.T) {
	b := startedBus(t)
	fake := newFakeServer(t)
	servers := newServerTable(t, b)

	srv, err := servers.Connect(context.Background(), "observatory", "127.0.0.1", fake.Port())
	require.NoError(t, err)
	require.Eventually(t, remoteDefined(b), 5*time.Second, 10*time.Millisecond)

	fake.DropAll()
	require.Eventually(t, func() bool { return fake.Accepts() >= 2 }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, remoteDefined(b), 5*time.Second, 10*time.Millisecond)

	connected, _ := servers.Status(srv)
	assert.True(t, connected)
}

func TestServerUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	servers := newServerTable(t, startedBus(t))
	srv, err := servers.Connect(context.Background(), "gone", "127.0.0.1", port)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, err := servers.Status(srv)
		return err != nil
	}, 5*time.Second, 10*time.Millisecond)
	connected, _ := servers.Status(srv)
	assert.False(t, connected)
}

func TestServerTableFull(t *testing.T) {
	fake := newFakeServer(t)
	servers := NewServers(ServersConfig{Bus: startedBus(t), MaxServers: 1, Sleeper: shortSleep})
	t.Cleanup(servers.DisconnectAll)

	_, err := servers.Connect(context.Background(), "a", "127.0.0.1", fake.Port())
	require.NoError(t, err)
	_, err = servers.Connect(context.Background(), "b", "localhost", fake.Port())
	assert.ErrorIs(t, err, bus.ErrTooManyElements)
}
