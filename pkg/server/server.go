package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/devbus/devbus-go/pkg/bus"
	"github.com/devbus/devbus-go/pkg/discovery"
	"github.com/devbus/devbus-go/pkg/log"
	"github.com/devbus/devbus-go/pkg/transport"
	"github.com/devbus/devbus-go/pkg/wire"
)

// DefaultMaxConnections caps concurrent client sessions.
const DefaultMaxConnections = 64

// Advertiser announces the listening server on the network.
type Advertiser interface {
	Advertise(name string, port int) error
	Stop()
}

var _ Advertiser = (*discovery.Advertiser)(nil)

// Config configures a Server.
type Config struct {
	// Name is the advertised service name. Empty disables advertisement.
	Name string

	// Address to listen on. Default: ":7624".
	Address string

	// MaxConnections caps concurrent sessions over TCP and WebSocket.
	MaxConnections int

	Bus *bus.Bus

	// Advertiser is optional.
	Advertiser Advertiser

	// Trace receives protocol and connection events. If nil, tracing is disabled.
	Trace log.Logger

	// Logger for operational messages. If nil, logging is disabled.
	Logger *slog.Logger
}

// Server accepts remote clients and attaches each one to the bus as a wire
// device adapter.
type Server struct {
	cfg      Config
	listener *transport.Listener

	mu       sync.Mutex
	sessions map[string]*wire.DeviceAdapter
}

// New creates a server. The listener is not opened until Start.
func New(cfg Config) (*Server, error) {
	if cfg.Bus == nil {
		return nil, fmt.Errorf("%w: server needs a bus", bus.ErrFailed)
	}
	if cfg.Address == "" {
		cfg.Address = fmt.Sprintf(":%d", transport.DefaultPort)
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = DefaultMaxConnections
	}
	s := &Server{cfg: cfg, sessions: make(map[string]*wire.DeviceAdapter)}

	l, err := transport.NewListener(transport.ListenerConfig{
		Address: cfg.Address,
		Logger:  cfg.Trace,
		Handle: func(ctx context.Context, conn *transport.ServerConn) {
			err := s.Serve(ctx, conn.ConnID(), conn)
			if err != nil && !errors.Is(err, context.Canceled) {
				s.debugLog("session ended", "conn", conn.ConnID(), "remote", conn.RemoteAddr().String(), "error", err)
			}
		},
		OnError: func(_ *transport.ServerConn, err error) {
			s.debugLog("listener error", "error", err)
		},
	})
	if err != nil {
		return nil, err
	}
	s.listener = l
	return s, nil
}

// Start opens the listener and advertises the server.
func (s *Server) Start(ctx context.Context) error {
	if err := s.listener.Start(ctx); err != nil {
		return err
	}
	if s.cfg.Advertiser != nil && s.cfg.Name != "" {
		if err := s.cfg.Advertiser.Advertise(s.cfg.Name, s.Port()); err != nil {
			// The server stays reachable by address.
			s.debugLog("advertise failed", "name", s.cfg.Name, "error", err)
		}
	}
	if s.cfg.Logger != nil {
		s.cfg.Logger.Info("server listening", "addr", s.Addr().String())
	}
	return nil
}

// Stop withdraws the advertisement and closes the listener and every TCP session.
func (s *Server) Stop() error {
	if s.cfg.Advertiser != nil {
		s.cfg.Advertiser.Stop()
	}
	return s.listener.Stop()
}

// Addr returns the listen address, or nil before Start.
func (s *Server) Addr() net.Addr { return s.listener.Addr() }

// Port returns the listening TCP port, or 0 before Start.
func (s *Server) Port() int {
	if addr, ok := s.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

// Sessions returns the ids of the attached client sessions.
func (s *Server) Sessions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Serve runs one client session over rw until the stream ends. The session
// is attached to the bus as a client for its lifetime. An empty id gets a
// fresh one.
func (s *Server) Serve(ctx context.Context, id string, rw io.ReadWriter) error {
	if id == "" {
		id = uuid.New().String()
	}
	adapter := wire.NewDeviceAdapter(id, rw, s.cfg.Logger)
	if s.cfg.Trace != nil {
		adapter.Writer().SetTrace(s.cfg.Trace, id)
	}

	if err := s.admit(id, adapter); err != nil {
		return err
	}
	defer s.release(id)

	if err := s.cfg.Bus.AttachClient(ctx, adapter); err != nil {
		return err
	}
	defer func() {
		// The stream may already be gone; detach with a fresh context.
		if err := s.cfg.Bus.DetachClient(context.WithoutCancel(ctx), adapter); err != nil {
			s.debugLog("detach failed", "conn", id, "error", err)
		}
	}()

	s.debugLog("session started", "conn", id)
	return wire.Serve(ctx, rw, adapter, s.cfg.Logger)
}

func (s *Server) admit(id string, a *wire.DeviceAdapter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sessions) >= s.cfg.MaxConnections {
		return fmt.Errorf("%w: %d sessions", bus.ErrTooManyElements, len(s.sessions))
	}
	if _, dup := s.sessions[id]; dup {
		return fmt.Errorf("%w: session %q", bus.ErrDuplicated, id)
	}
	s.sessions[id] = a
	return nil
}

func (s *Server) release(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

func (s *Server) debugLog(msg string, args ...any) {
	if s.cfg.Logger != nil {
		s.cfg.Logger.Debug("server: "+msg, args...)
	}
}
