package connection

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// Connection errors.
var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrAlreadyRunning   = errors.New("already running")
)

// State represents the connection state.
type State uint8

const (
	// StateDisconnected indicates no active connection.
	StateDisconnected State = iota

	// StateConnecting indicates a connection attempt is in progress.
	StateConnecting

	// StateConnected indicates an active connection.
	StateConnected

	// StateReconnecting indicates the manager is waiting before the next
	// attempt.
	StateReconnecting

	// StateClosed indicates the connection manager has been closed.
	StateClosed
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateReconnecting:
		return "RECONNECTING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Session is one established connection.
type Session interface {
	// Serve runs the session until the connection is lost or ctx is done.
	Serve(ctx context.Context) error

	// Productive reports whether the session did useful work. A productive
	// session resets the backoff.
	Productive() bool

	// Close releases the session's resources.
	Close() error
}

// ConnectFunc establishes a connection.
type ConnectFunc func(ctx context.Context) (Session, error)

// Config configures a Manager.
type Config struct {
	// Backoff schedules the delay between attempts. Defaults to
	// ReconnectBackoff.
	Backoff *Backoff

	// Sleeper waits between attempts. Defaults to Sleep.
	Sleeper Sleeper

	// OnStateChange is called on every state transition.
	OnStateChange func(oldState, newState State)

	// OnError is called when an attempt fails or a session ends with an
	// error.
	OnError func(err error)
}

// Manager keeps one connection alive: it connects, serves the session until
// it is lost, waits according to the backoff and tries again until closed.
type Manager struct {
	mu sync.RWMutex

	state   State
	lastErr error

	cfg       Config
	connectFn ConnectFunc

	running  atomic.Bool
	attempts atomic.Uint64

	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager creates a stopped manager.
func NewManager(connectFn ConnectFunc, cfg Config) *Manager {
	if cfg.Backoff == nil {
		cfg.Backoff = ReconnectBackoff()
	}
	if cfg.Sleeper == nil {
		cfg.Sleeper = Sleep
	}
	return &Manager{
		state:     StateDisconnected,
		cfg:       cfg,
		connectFn: connectFn,
	}
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// IsConnected returns true if currently connected.
func (m *Manager) IsConnected() bool {
	return m.State() == StateConnected
}

// LastError returns the error of the most recent failed attempt or session.
func (m *Manager) LastError() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastErr
}

// Running reports whether the worker goroutine is alive.
func (m *Manager) Running() bool { return m.running.Load() }

// Attempts returns the number of connection attempts made.
func (m *Manager) Attempts() uint64 { return m.attempts.Load() }

// Start launches the worker goroutine.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		return ErrConnectionClosed
	}
	if m.running.Load() {
		m.mu.Unlock()
		return ErrAlreadyRunning
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	m.running.Store(true)
	m.mu.Unlock()

	go m.run(ctx)
	return nil
}

// Close stops the worker and waits for it to exit.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		return
	}
	cancel, done := m.cancel, m.done
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	m.setState(StateClosed)
}

func (m *Manager) run(ctx context.Context) {
	defer func() {
		m.setState(StateDisconnected)
		m.running.Store(false)
		close(m.done)
	}()

	for ctx.Err() == nil {
		m.setState(StateConnecting)
		m.attempts.Add(1)

		session, err := m.connectFn(ctx)
		if err == nil {
			m.setState(StateConnected)
			err = session.Serve(ctx)
			if cerr := session.Close(); err == nil {
				err = cerr
			}
			if session.Productive() {
				m.cfg.Backoff.Reset()
			}
		}
		if ctx.Err() != nil {
			return
		}
		m.fail(err)

		m.setState(StateReconnecting)
		if m.cfg.Sleeper(ctx, m.cfg.Backoff.Next()) != nil {
			return
		}
	}
}

func (m *Manager) fail(err error) {
	if err == nil {
		err = ErrConnectionClosed
	}
	m.mu.Lock()
	m.lastErr = err
	m.mu.Unlock()
	if m.cfg.OnError != nil {
		m.cfg.OnError(err)
	}
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	old := m.state
	if old == StateClosed || old == s {
		m.mu.Unlock()
		return
	}
	m.state = s
	if s == StateConnected {
		m.lastErr = nil
	}
	m.mu.Unlock()

	if m.cfg.OnStateChange != nil {
		m.cfg.OnStateChange(old, s)
	}
}

// Wait blocks until the worker exits or timeout elapses. It returns true if
// the worker is gone.
func (m *Manager) Wait(timeout time.Duration) bool {
	m.mu.RLock()
	done := m.done
	m.mu.RUnlock()
	if done == nil {
		return true
	}
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
