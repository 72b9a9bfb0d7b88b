package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/devbus/devbus-go/pkg/bus"
	"github.com/devbus/devbus-go/pkg/connection"
	"github.com/devbus/devbus-go/pkg/log"
	"github.com/devbus/devbus-go/pkg/wire"
)

// DefaultMaxSubprocesses is the default capacity of the subprocess table.
const DefaultMaxSubprocesses = 10

// ErrProcessExited is recorded when a subprocess closes its output.
var ErrProcessExited = errors.New("subprocess exited")

// waitDelay bounds how long Wait waits for a killed child's pipes.
const waitDelay = 5 * time.Second

// SubprocessesConfig configures a subprocess table.
type SubprocessesConfig struct {
	Bus *bus.Bus

	// MaxSubprocesses caps the table. Default: DefaultMaxSubprocesses.
	MaxSubprocesses int

	// Backoff creates the respawn schedule for each subprocess.
	// Default: connection.RespawnBackoff.
	Backoff func() *connection.Backoff

	// Sleeper waits between respawns. Default: connection.Sleep.
	Sleeper connection.Sleeper

	// Env is appended to the inherited environment of every child.
	Env []string

	// Logger for operational messages. If nil, logging is disabled.
	Logger *slog.Logger

	// Trace receives subprocess state changes. If nil, tracing is disabled.
	Trace log.Logger
}

// Subprocess is one slot of a subprocess table: an external driver
// executable speaking the wire protocol on stdin and stdout.
type Subprocess struct {
	executable string
	args       []string
	mgr        *connection.Manager

	mu  sync.Mutex
	pid int
}

// Executable returns the executable path.
func (s *Subprocess) Executable() string { return s.executable }

// SubprocessStatus is a snapshot of one subprocess slot.
type SubprocessStatus struct {
	Executable string
	PID        int

	// Running reports whether the child is up and being served.
	Running bool

	// Started reports whether the slot's worker goroutine is alive.
	Started bool

	// Attempts counts spawns, including the first.
	Attempts  uint64
	LastError error
}

// Subprocesses is the table of subprocess drivers.
type Subprocesses struct {
	cfg SubprocessesConfig

	mu    sync.Mutex
	slots []*Subprocess
}

// NewSubprocesses creates an empty subprocess table.
func NewSubprocesses(cfg SubprocessesConfig) *Subprocesses {
	if cfg.MaxSubprocesses <= 0 {
		cfg.MaxSubprocesses = DefaultMaxSubprocesses
	}
	if cfg.Backoff == nil {
		cfg.Backoff = connection.RespawnBackoff
	}
	if cfg.Sleeper == nil {
		cfg.Sleeper = connection.Sleep
	}
	return &Subprocesses{cfg: cfg}
}

// Start runs executable and keeps it running: whenever it exits it is
// respawned after a growing delay, which resets once a child has defined at
// least one property.
func (t *Subprocesses) Start(ctx context.Context, executable string, args ...string) (*Subprocess, error) {
	t.mu.Lock()
	for _, s := range t.slots {
		if s.executable == executable {
			t.mu.Unlock()
			return s, fmt.Errorf("%w: subprocess %q", bus.ErrDuplicated, executable)
		}
	}
	if len(t.slots) >= t.cfg.MaxSubprocesses {
		t.mu.Unlock()
		return nil, fmt.Errorf("%w: %d subprocesses", bus.ErrTooManyElements, len(t.slots))
	}
	sp := &Subprocess{executable: executable, args: args}
	sp.mgr = connection.NewManager(func(ctx context.Context) (connection.Session, error) {
		return t.spawn(ctx, sp)
	}, connection.Config{
		Backoff: t.cfg.Backoff(),
		Sleeper: t.cfg.Sleeper,
		OnStateChange: func(_, s connection.State) {
			t.trace(executable, s.String())
		},
		OnError: func(err error) {
			t.debugLog("subprocess failed", "executable", executable, "error", err)
		},
	})
	t.slots = append(t.slots, sp)
	t.mu.Unlock()

	if err := sp.mgr.Start(ctx); err != nil {
		t.drop(sp)
		return nil, err
	}
	return sp, nil
}

// Kill terminates the child, stops respawning and drops the slot.
func (t *Subprocesses) Kill(sp *Subprocess) error {
	if !t.drop(sp) {
		return fmt.Errorf("%w: subprocess %q", bus.ErrNotFound, sp.executable)
	}
	sp.mgr.Close()
	t.debugLog("subprocess killed", "executable", sp.executable)
	return nil
}

// KillAll kills every subprocess.
func (t *Subprocesses) KillAll() {
	t.mu.Lock()
	slots := append([]*Subprocess(nil), t.slots...)
	t.mu.Unlock()
	for _, sp := range slots {
		_ = t.Kill(sp)
	}
}

// Status returns a snapshot of sp.
func (t *Subprocesses) Status(sp *Subprocess) SubprocessStatus {
	sp.mu.Lock()
	pid := sp.pid
	sp.mu.Unlock()
	return SubprocessStatus{
		Executable: sp.executable,
		PID:        pid,
		Running:    sp.mgr.IsConnected(),
		Started:    sp.mgr.Running(),
		Attempts:   sp.mgr.Attempts(),
		LastError:  sp.mgr.LastError(),
	}
}

// List returns the status of every slot in start order.
func (t *Subprocesses) List() []SubprocessStatus {
	t.mu.Lock()
	slots := append([]*Subprocess(nil), t.slots...)
	t.mu.Unlock()
	out := make([]SubprocessStatus, len(slots))
	for i, sp := range slots {
		out[i] = t.Status(sp)
	}
	return out
}

func (t *Subprocesses) drop(sp *Subprocess) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, s := range t.slots {
		if s == sp {
			t.slots = append(t.slots[:i], t.slots[i+1:]...)
			return true
		}
	}
	return false
}

// spawn starts one child and attaches its protocol adapter to the bus.
func (t *Subprocesses) spawn(ctx context.Context, sp *Subprocess) (connection.Session, error) {
	cmd := exec.CommandContext(ctx, sp.executable, sp.args...)
	setProcAttr(cmd)
	cmd.WaitDelay = waitDelay
	if t.cfg.Env != nil {
		cmd.Env = append(os.Environ(), t.cfg.Env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", sp.executable, err)
	}

	sp.mu.Lock()
	sp.pid = cmd.Process.Pid
	sp.mu.Unlock()
	t.debugLog("subprocess started", "executable", sp.executable, "pid", cmd.Process.Pid)
	go t.captureStderr(sp.executable, stderr)

	cs := &childSession{
		t:       t,
		sp:      sp,
		cmd:     cmd,
		stdin:   stdin,
		stdout:  stdout,
		adapter: wire.NewClientAdapter("@ "+filepath.Base(sp.executable), stdin, t.cfg.Logger),
	}
	if err := t.cfg.Bus.AttachDevice(ctx, cs.adapter); err != nil {
		_ = cs.reap()
		return nil, err
	}
	return cs, nil
}

// captureStderr logs each line the child writes to stderr.
func (t *Subprocesses) captureStderr(executable string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		t.debugLog("subprocess output", "executable", executable, "line", scanner.Text())
	}
}

func (t *Subprocesses) debugLog(msg string, args ...any) {
	if t.cfg.Logger != nil {
		t.cfg.Logger.Debug("supervisor: "+msg, args...)
	}
}

func (t *Subprocesses) trace(executable, state string) {
	log.Emit(t.cfg.Trace, log.Event{
		ConnectionID: executable,
		Layer:        log.LayerSupervisor,
		Category:     log.CategoryState,
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntitySubprocess,
			NewState: state,
		},
	})
}

// childSession is one run of a subprocess.
type childSession struct {
	t       *Subprocesses
	sp      *Subprocess
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  io.Reader
	adapter *wire.ClientAdapter
}

// Serve parses the child's output until it closes. Canceling ctx kills the
// child, which closes the output.
func (c *childSession) Serve(ctx context.Context) error {
	if err := wire.Serve(ctx, c.stdout, c.adapter, c.t.cfg.Logger); err != nil {
		return err
	}
	return ErrProcessExited
}

// Productive reports whether the child defined anything.
func (c *childSession) Productive() bool { return c.adapter.Definitions() > 0 }

// Close detaches the adapter and reaps the child.
func (c *childSession) Close() error {
	if err := c.t.cfg.Bus.DetachDevice(context.Background(), c.adapter); err != nil {
		c.t.debugLog("adapter detach failed", "executable", c.sp.executable, "error", err)
	}
	return c.reap()
}

func (c *childSession) reap() error {
	_ = c.stdin.Close()
	_ = c.cmd.Process.Kill()
	err := c.cmd.Wait()
	c.sp.mu.Lock()
	c.sp.pid = 0
	c.sp.mu.Unlock()
	if err != nil {
		return fmt.Errorf("%s: %w", c.sp.executable, err)
	}
	return nil
}
