package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/devbus/devbus-go/pkg/bus"
	"github.com/devbus/devbus-go/pkg/connection"
	"github.com/devbus/devbus-go/pkg/discovery"
	"github.com/devbus/devbus-go/pkg/log"
	"github.com/devbus/devbus-go/pkg/transport"
	"github.com/devbus/devbus-go/pkg/wire"
)

// DefaultMaxServers is the default capacity of the server table.
const DefaultMaxServers = 10

// ErrServerClosed is recorded when a remote server closes the connection.
var ErrServerClosed = errors.New("server closed connection")

// DialFunc opens a stream to a remote server.
type DialFunc func(ctx context.Context, host string, port int) (io.ReadWriteCloser, error)

// ServersConfig configures a server table.
type ServersConfig struct {
	Bus *bus.Bus

	// MaxServers caps the table. Default: DefaultMaxServers.
	MaxServers int

	// Backoff creates the reconnect schedule for each server.
	// Default: connection.ReconnectBackoff.
	Backoff func() *connection.Backoff

	// Sleeper waits between attempts. Default: connection.Sleep.
	Sleeper connection.Sleeper

	// Dial opens connections. Default: TCP via the transport package.
	Dial DialFunc

	// LocalName is this server's own advertised name. AutoConnect never
	// connects to it.
	LocalName string

	// Logger for operational messages. If nil, logging is disabled.
	Logger *slog.Logger

	// Trace receives server state changes. If nil, tracing is disabled.
	Trace log.Logger
}

// Server is one slot of a server table.
type Server struct {
	name string
	host string
	port int
	id   uint32
	mgr  *connection.Manager
}

// Name returns the service name.
func (s *Server) Name() string { return s.name }

// Host returns the host name or address.
func (s *Server) Host() string { return s.host }

// Port returns the TCP port.
func (s *Server) Port() int { return s.port }

// ID returns the connection id.
func (s *Server) ID() uint32 { return s.id }

// ServerStatus is a snapshot of one server slot.
type ServerStatus struct {
	Name      string
	Host      string
	Port      int
	ID        uint32
	Connected bool
	LastError error
}

// Servers is the table of remote server connections.
type Servers struct {
	cfg ServersConfig

	mu    sync.Mutex
	slots []*Server
}

// NewServers creates an empty server table.
func NewServers(cfg ServersConfig) *Servers {
	if cfg.MaxServers <= 0 {
		cfg.MaxServers = DefaultMaxServers
	}
	if cfg.Backoff == nil {
		cfg.Backoff = connection.ReconnectBackoff
	}
	if cfg.Sleeper == nil {
		cfg.Sleeper = connection.Sleep
	}
	if cfg.Dial == nil {
		cfg.Dial = dialTCP
	}
	return &Servers{cfg: cfg}
}

func dialTCP(ctx context.Context, host string, port int) (io.ReadWriteCloser, error) {
	conn, err := transport.OpenTCP(ctx, host, port)
	if err != nil {
		return nil, err
	}
	// The protocol stream idles between events.
	conn.SetReadTimeout(0)
	return conn, nil
}

// Connect is ConnectID with id 0.
func (t *Servers) Connect(ctx context.Context, name, host string, port int) (*Server, error) {
	return t.ConnectID(ctx, name, host, port, 0)
}

// ConnectID starts a worker that keeps a connection to host:port open until
// Disconnect. An empty name defaults to the service name of host:port. A
// second connect to the same host, port and id returns the existing slot
// and bus.ErrDuplicated.
func (t *Servers) ConnectID(ctx context.Context, name, host string, port int, id uint32) (*Server, error) {
	if port == 0 {
		port = transport.DefaultPort
	}
	if name == "" {
		name = discovery.ServiceName(host, port)
	}

	t.mu.Lock()
	for _, s := range t.slots {
		if s.host == host && s.port == port && s.id == id {
			t.mu.Unlock()
			return s, fmt.Errorf("%w: server %s:%d", bus.ErrDuplicated, host, port)
		}
	}
	if len(t.slots) >= t.cfg.MaxServers {
		t.mu.Unlock()
		return nil, fmt.Errorf("%w: %d servers", bus.ErrTooManyElements, len(t.slots))
	}
	srv := &Server{name: name, host: host, port: port, id: id}
	srv.mgr = connection.NewManager(func(ctx context.Context) (connection.Session, error) {
		return t.open(ctx, srv)
	}, connection.Config{
		Backoff: t.cfg.Backoff(),
		Sleeper: t.cfg.Sleeper,
		OnStateChange: func(_, s connection.State) {
			t.trace(srv, s.String())
		},
		OnError: func(err error) {
			t.debugLog("server connection failed", "server", name, "error", err)
		},
	})
	t.slots = append(t.slots, srv)
	t.mu.Unlock()

	if err := srv.mgr.Start(ctx); err != nil {
		t.drop(srv)
		return nil, err
	}
	t.debugLog("server added", "server", name, "host", host, "port", port, "id", id)
	return srv, nil
}

// Disconnect closes the connection, stops reconnecting and drops the slot.
func (t *Servers) Disconnect(srv *Server) error {
	if !t.drop(srv) {
		return fmt.Errorf("%w: server %q", bus.ErrNotFound, srv.name)
	}
	srv.mgr.Close()
	t.debugLog("server disconnected", "server", srv.name)
	return nil
}

// DisconnectAll disconnects every server.
func (t *Servers) DisconnectAll() {
	t.mu.Lock()
	slots := append([]*Server(nil), t.slots...)
	t.mu.Unlock()
	for _, srv := range slots {
		_ = t.Disconnect(srv)
	}
}

// Status reports whether srv is connected and, if not, the error that
// ended the last attempt.
func (t *Servers) Status(srv *Server) (bool, error) {
	if srv.mgr.IsConnected() {
		return true, nil
	}
	return false, srv.mgr.LastError()
}

// Lookup returns the first server with the given name.
func (t *Servers) Lookup(name string) (*Server, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range t.slots {
		if s.name == name {
			return s, true
		}
	}
	return nil, false
}

// List returns the status of every slot in connect order.
func (t *Servers) List() []ServerStatus {
	t.mu.Lock()
	slots := append([]*Server(nil), t.slots...)
	t.mu.Unlock()
	out := make([]ServerStatus, len(slots))
	for i, s := range slots {
		connected, err := t.Status(s)
		out[i] = ServerStatus{
			Name:      s.name,
			Host:      s.host,
			Port:      s.port,
			ID:        s.id,
			Connected: connected,
			LastError: err,
		}
	}
	return out
}

func (t *Servers) drop(srv *Server) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, s := range t.slots {
		if s == srv {
			t.slots = append(t.slots[:i], t.slots[i+1:]...)
			return true
		}
	}
	return false
}

// open dials srv and attaches its protocol adapter to the bus.
func (t *Servers) open(ctx context.Context, srv *Server) (connection.Session, error) {
	conn, err := t.cfg.Dial(ctx, srv.host, srv.port)
	if err != nil {
		return nil, err
	}
	name := "@ " + srv.name
	if srv.id != 0 {
		name = fmt.Sprintf("%s #%d", name, srv.id)
	}
	rs := &remoteSession{
		t:       t,
		conn:    conn,
		adapter: wire.NewClientAdapter(name, conn, t.cfg.Logger),
	}
	if err := t.cfg.Bus.AttachDevice(ctx, rs.adapter); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return rs, nil
}

func (t *Servers) debugLog(msg string, args ...any) {
	if t.cfg.Logger != nil {
		t.cfg.Logger.Debug("supervisor: "+msg, args...)
	}
}

func (t *Servers) trace(srv *Server, state string) {
	log.Emit(t.cfg.Trace, log.Event{
		ConnectionID: srv.name,
		RemoteAddr:   fmt.Sprintf("%s:%d", srv.host, srv.port),
		Layer:        log.LayerSupervisor,
		Category:     log.CategoryState,
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntityServer,
			NewState: state,
		},
	})
}

// remoteSession is one connection to a remote server.
type remoteSession struct {
	t       *Servers
	conn    io.ReadWriteCloser
	adapter *wire.ClientAdapter
}

// Serve parses the server's stream until the connection drops or ctx is
// done.
func (r *remoteSession) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = r.conn.Close() })
	defer stop()
	if err := wire.Serve(ctx, r.conn, r.adapter, r.t.cfg.Logger); err != nil {
		return err
	}
	return ErrServerClosed
}

// Productive reports whether the server defined anything.
func (r *remoteSession) Productive() bool { return r.adapter.Definitions() > 0 }

// Close detaches the adapter and closes the connection.
func (r *remoteSession) Close() error {
	if err := r.t.cfg.Bus.DetachDevice(context.Background(), r.adapter); err != nil {
		r.t.debugLog("adapter detach failed", "device", r.adapter.Name(), "error", err)
	}
	if err := r.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}
