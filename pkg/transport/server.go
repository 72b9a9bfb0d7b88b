package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/devbus/devbus-go/pkg/log"
)

// DefaultPort is the registered protocol port.
const DefaultPort = 7624

// ListenerConfig configures a Listener.
type ListenerConfig struct {
	// Address to listen on (e.g., ":7624" or "127.0.0.1:7624").
	Address string

	// Logger for protocol tracing (optional).
	Logger log.Logger

	// OnConnect is called when a new connection is established.
	OnConnect func(conn *ServerConn)

	// OnDisconnect is called when a connection is closed.
	OnDisconnect func(conn *ServerConn)

	// Handle serves one connection. The connection is closed when it returns.
	Handle func(ctx context.Context, conn *ServerConn)

	// OnError is called when an error occurs.
	OnError func(conn *ServerConn, err error)
}

// Listener accepts inbound stream connections.
type Listener struct {
	config   ListenerConfig
	listener net.Listener

	// Active connections
	conns   map[*ServerConn]struct{}
	connsMu sync.RWMutex

	// State
	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewListener creates a listener. Handle is required.
func NewListener(config ListenerConfig) (*Listener, error) {
	if config.Handle == nil {
		return nil, fmt.Errorf("handle function is required")
	}
	if config.Address == "" {
		config.Address = fmt.Sprintf(":%d", DefaultPort)
	}
	return &Listener{
		config: config,
		conns:  make(map[*ServerConn]struct{}),
	}, nil
}

// Start starts the listener and begins accepting connections.
func (l *Listener) Start(ctx context.Context) error {
	if l.running.Load() {
		return fmt.Errorf("listener already running")
	}

	l.ctx, l.cancel = context.WithCancel(ctx)

	listener, err := net.Listen("tcp", l.config.Address)
	if err != nil {
		l.cancel()
		return fmt.Errorf("failed to listen: %w", err)
	}
	l.listener = listener

	l.running.Store(true)

	l.wg.Add(1)
	go l.acceptLoop()

	return nil
}

// Stop stops the listener and closes all connections.
func (l *Listener) Stop() error {
	if !l.running.Load() {
		return nil
	}

	l.running.Store(false)
	l.cancel()

	// Close listener to stop accept loop
	if l.listener != nil {
		l.listener.Close()
	}

	l.connsMu.Lock()
	for conn := range l.conns {
		conn.Close()
	}
	l.connsMu.Unlock()

	l.wg.Wait()

	return nil
}

// Addr returns the listen address.
func (l *Listener) Addr() net.Addr {
	if l.listener != nil {
		return l.listener.Addr()
	}
	return nil
}

// ConnectionCount returns the number of active connections.
func (l *Listener) ConnectionCount() int {
	l.connsMu.RLock()
	defer l.connsMu.RUnlock()
	return len(l.conns)
}

func (l *Listener) acceptLoop() {
	defer l.wg.Done()

	for l.running.Load() {
		conn, err := l.listener.Accept()
		if err != nil {
			if l.running.Load() && l.config.OnError != nil {
				l.config.OnError(nil, fmt.Errorf("accept error: %w", err))
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if !l.running.Load() {
				return
			}
			time.Sleep(50 * time.Millisecond)
			continue
		}

		l.wg.Add(1)
		go l.handleConnection(conn)
	}
}

func (l *Listener) handleConnection(nc net.Conn) {
	defer l.wg.Done()

	connID := uuid.New().String()
	conn := NewConn(nc)
	// Clients may stay silent indefinitely; writes keep their deadline.
	conn.SetReadTimeout(0)
	if l.config.Logger != nil {
		conn.SetLogger(l.config.Logger, connID)
	}

	sconn := &ServerConn{
		Conn:       conn,
		remoteAddr: nc.RemoteAddr(),
		connID:     connID,
	}

	l.logState(sconn, "", "CONNECTED")

	l.connsMu.Lock()
	if !l.running.Load() {
		l.connsMu.Unlock()
		conn.Close()
		return
	}
	l.conns[sconn] = struct{}{}
	l.connsMu.Unlock()

	if l.config.OnConnect != nil {
		l.config.OnConnect(sconn)
	}

	l.config.Handle(l.ctx, sconn)
	sconn.Close()

	l.connsMu.Lock()
	delete(l.conns, sconn)
	l.connsMu.Unlock()

	l.logState(sconn, "CONNECTED", "DISCONNECTED")

	if l.config.OnDisconnect != nil {
		l.config.OnDisconnect(sconn)
	}
}

func (l *Listener) logState(c *ServerConn, oldState, newState string) {
	if l.config.Logger == nil {
		return
	}
	log.Emit(l.config.Logger, log.Event{
		ConnectionID: c.connID,
		Layer:        log.LayerTransport,
		Category:     log.CategoryState,
		RemoteAddr:   c.remoteAddr.String(),
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntityConnection,
			OldState: oldState,
			NewState: newState,
		},
	})
}

// ServerConn is an accepted connection.
type ServerConn struct {
	*Conn
	remoteAddr net.Addr
	connID     string
}

// RemoteAddr returns the remote address of the client.
func (c *ServerConn) RemoteAddr() net.Addr {
	return c.remoteAddr
}

// ConnID returns the unique connection identifier.
func (c *ServerConn) ConnID() string {
	return c.connID
}
