package timer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Timer engine errors.
var (
	ErrSlotOccupied = errors.New("timer reference still holds a live timer")
	ErrClosed       = errors.New("timer engine closed")
)

// Defaults.
const (
	// DefaultOccupiedWait bounds how long Set waits for a reference to vacate.
	DefaultOccupiedWait = time.Second

	// DefaultMaxIdleWorkers is the number of idle workers kept for reuse.
	DefaultMaxIdleWorkers = 64

	// LateThreshold is how late a callback may start before it is logged.
	LateThreshold = 100 * time.Millisecond

	occupiedPoll = 5 * time.Millisecond
)

// Callback is invoked once when a timer fires. The context carries the
// running timer so the callback may reschedule itself through its Ref, and is
// canceled when the engine closes.
type Callback func(ctx context.Context)

// Config configures an Engine.
type Config struct {
	// OccupiedWait bounds the wait in Set for a reference that still holds a
	// live timer. Zero means DefaultOccupiedWait.
	OccupiedWait time.Duration

	// MaxIdleWorkers caps the idle pool. Zero means DefaultMaxIdleWorkers.
	MaxIdleWorkers int

	// Logger for debug output. If nil, logging is disabled.
	Logger *slog.Logger
}

// Stats is a snapshot of the engine.
type Stats struct {
	Workers int
	Idle    int
	Armed   int
	Fired   uint64
}

// Engine runs timers on a pool of recyclable worker goroutines. Each armed
// timer owns one worker until it finishes; finished workers park in the idle
// pool and are reused by later timers.
type Engine struct {
	cfg Config

	mu      sync.Mutex
	slots   []*slot
	idle    []*slot
	retired []*slot
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	fired atomic.Uint64
}

type slot struct {
	index uint32
	gen   uint32

	owner    any
	delay    time.Duration
	deadline time.Time
	cb       Callback
	lock     sync.Locker
	ref      *Ref

	scheduled bool
	canceled  bool
	running   bool
	rearmed   bool
	alive     bool

	runDone chan struct{}
	wake    chan struct{}
}

type runningKey struct{}

type runningTimer struct {
	engine *Engine
	index  uint32
	gen    uint32
}

// NewEngine creates a timer engine.
func NewEngine(cfg Config) *Engine {
	if cfg.OccupiedWait <= 0 {
		cfg.OccupiedWait = DefaultOccupiedWait
	}
	if cfg.MaxIdleWorkers <= 0 {
		cfg.MaxIdleWorkers = DefaultMaxIdleWorkers
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{cfg: cfg, ctx: ctx, cancel: cancel}
}

// Set arms a timer that invokes cb after delay. If ref is non-nil it receives
// the handle; a ref that still holds a live timer is waited on for up to
// Config.OccupiedWait before ErrSlotOccupied is returned.
func (e *Engine) Set(owner any, delay time.Duration, cb Callback, ref *Ref) error {
	return e.SetLocked(owner, delay, cb, ref, nil)
}

// SetLocked is Set with an external lock held around the callback.
func (e *Engine) SetLocked(owner any, delay time.Duration, cb Callback, ref *Ref, lock sync.Locker) error {
	if ref != nil {
		if err := e.waitVacant(ref); err != nil {
			return err
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrClosed
	}
	if ref != nil && e.liveLocked(ref) != nil {
		return ErrSlotOccupied
	}

	t := e.acquireLocked()
	t.gen++
	t.owner = owner
	t.delay = delay
	t.deadline = time.Now().Add(delay)
	t.cb = cb
	t.lock = lock
	t.ref = ref
	t.scheduled = true
	t.canceled = false
	t.rearmed = false
	if ref != nil {
		ref.store(t.index, t.gen)
	}
	notify(t.wake)

	e.debugLog("timer: armed", "slot", t.index, "gen", t.gen, "delay", delay)
	return nil
}

// Reschedule re-arms the timer held by ref to fire delay from now. It is valid
// while the timer is armed or executing its callback; a stale or empty ref is
// a logged no-op returning false.
func (e *Engine) Reschedule(ref *Ref, delay time.Duration) bool {
	return e.reschedule(ref, delay, nil)
}

// RescheduleWithCallback is Reschedule that also replaces the callback.
func (e *Engine) RescheduleWithCallback(ref *Ref, delay time.Duration, cb Callback) bool {
	return e.reschedule(ref, delay, cb)
}

func (e *Engine) reschedule(ref *Ref, delay time.Duration, cb Callback) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	t := e.liveLocked(ref)
	if t == nil || t.canceled {
		e.debugLog("timer: reschedule on stale reference ignored")
		return false
	}
	t.delay = delay
	t.deadline = time.Now().Add(delay)
	if cb != nil {
		t.cb = cb
	}
	if t.running {
		t.rearmed = true
	}
	notify(t.wake)
	return true
}

// Cancel cancels the timer held by ref and clears ref. The callback is not
// invoked afterwards unless it had already started. Returns false if ref held
// no live timer.
func (e *Engine) Cancel(ref *Ref) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	t := e.liveLocked(ref)
	if t == nil {
		e.debugLog("timer: cancel on stale reference ignored")
		return false
	}
	e.cancelLocked(t)
	return true
}

// CancelSync cancels like Cancel and then waits until an in-flight callback of
// that timer has returned. Called from inside the same timer's callback it
// degrades to Cancel. Waiting stops early when ctx is done.
//
// The caller must not hold the lock passed to SetLocked for this timer.
func (e *Engine) CancelSync(ctx context.Context, ref *Ref) bool {
	e.mu.Lock()

	t := e.liveLocked(ref)
	if t == nil {
		e.mu.Unlock()
		e.debugLog("timer: cancel on stale reference ignored")
		return false
	}

	if rt, ok := ctx.Value(runningKey{}).(runningTimer); ok && rt.engine == e && rt.index == t.index && rt.gen == t.gen {
		e.cancelLocked(t)
		e.mu.Unlock()
		if e.cfg.Logger != nil {
			e.cfg.Logger.Warn("timer: CancelSync from own callback, canceling asynchronously", "slot", t.index)
		}
		return true
	}

	var done chan struct{}
	if t.running {
		done = t.runDone
	}
	e.cancelLocked(t)
	e.mu.Unlock()

	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
		}
	}
	return true
}

// CancelAll cancels every live timer of owner.
func (e *Engine) CancelAll(owner any) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := 0
	for _, t := range e.slots {
		if t.alive && t.scheduled && !t.canceled && t.owner == owner {
			e.cancelLocked(t)
			n++
		}
	}
	return n
}

// Stats returns a snapshot of the pool.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := Stats{Idle: len(e.idle), Fired: e.fired.Load()}
	for _, t := range e.slots {
		if !t.alive {
			continue
		}
		s.Workers++
		if t.scheduled && !t.canceled {
			s.Armed++
		}
	}
	return s
}

// Close cancels every timer, stops all workers and waits for them to exit.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	for _, t := range e.slots {
		if t.scheduled && !t.canceled {
			e.cancelLocked(t)
		}
		notify(t.wake)
	}
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()
}

func (e *Engine) waitVacant(ref *Ref) error {
	deadline := time.Now().Add(e.cfg.OccupiedWait)
	for {
		e.mu.Lock()
		live := e.liveLocked(ref) != nil
		e.mu.Unlock()
		if !live {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrSlotOccupied
		}
		time.Sleep(occupiedPoll)
	}
}

// liveLocked resolves ref to its slot if the generation still matches.
func (e *Engine) liveLocked(ref *Ref) *slot {
	if ref == nil {
		return nil
	}
	index, gen, ok := ref.load()
	if !ok || int(index) >= len(e.slots) {
		return nil
	}
	t := e.slots[index]
	if t.gen != gen || !t.scheduled {
		return nil
	}
	return t
}

func (e *Engine) cancelLocked(t *slot) {
	t.canceled = true
	t.rearmed = false
	if t.ref != nil {
		t.ref.clearIf(t.index, t.gen)
	}
	notify(t.wake)
}

// acquireLocked returns an idle worker, revives a retired slot, or spawns one.
func (e *Engine) acquireLocked() *slot {
	if n := len(e.idle); n > 0 {
		t := e.idle[n-1]
		e.idle = e.idle[:n-1]
		return t
	}
	var t *slot
	if n := len(e.retired); n > 0 {
		t = e.retired[n-1]
		e.retired = e.retired[:n-1]
	} else {
		t = &slot{index: uint32(len(e.slots))}
		e.slots = append(e.slots, t)
	}
	t.wake = make(chan struct{}, 1)
	t.alive = true
	e.wg.Add(1)
	go e.work(t)
	return t
}

// finishLocked returns t to the idle pool. It reports false if the worker
// should exit instead.
func (e *Engine) finishLocked(t *slot) bool {
	if t.ref != nil {
		t.ref.clearIf(t.index, t.gen)
	}
	t.scheduled = false
	t.canceled = false
	t.rearmed = false
	t.cb = nil
	t.lock = nil
	t.ref = nil
	t.owner = nil

	if e.closed || len(e.idle) >= e.cfg.MaxIdleWorkers {
		t.alive = false
		e.retired = append(e.retired, t)
		return false
	}
	e.idle = append(e.idle, t)
	return true
}

func (e *Engine) work(t *slot) {
	defer e.wg.Done()

	e.mu.Lock()
	for {
		if !t.scheduled {
			if e.closed {
				t.alive = false
				e.mu.Unlock()
				return
			}
			e.mu.Unlock()
			<-t.wake
			e.mu.Lock()
			continue
		}

		if t.canceled {
			if !e.finishLocked(t) {
				e.mu.Unlock()
				return
			}
			continue
		}

		wait := time.Until(t.deadline)
		if wait > 0 {
			e.mu.Unlock()
			tm := time.NewTimer(wait)
			select {
			case <-tm.C:
			case <-t.wake:
				tm.Stop()
			}
			e.mu.Lock()
			continue
		}

		if -wait > LateThreshold {
			e.debugLog("timer: fired late", "slot", t.index, "late", -wait)
		}

		cb, lock := t.cb, t.lock
		t.running = true
		t.runDone = make(chan struct{})
		done := t.runDone
		ctx := context.WithValue(e.ctx, runningKey{}, runningTimer{engine: e, index: t.index, gen: t.gen})
		e.mu.Unlock()

		e.fired.Add(1)
		e.invoke(ctx, cb, lock)

		e.mu.Lock()
		t.running = false
		close(done)
		if t.rearmed && !t.canceled {
			t.rearmed = false
			continue
		}
		if !e.finishLocked(t) {
			e.mu.Unlock()
			return
		}
	}
}

func (e *Engine) invoke(ctx context.Context, cb Callback, lock sync.Locker) {
	if lock != nil {
		lock.Lock()
		defer lock.Unlock()
	}
	defer func() {
		if r := recover(); r != nil && e.cfg.Logger != nil {
			e.cfg.Logger.Error("timer: callback panicked", "panic", r)
		}
	}()
	cb(ctx)
}

func (e *Engine) debugLog(msg string, args ...any) {
	if e.cfg.Logger != nil {
		e.cfg.Logger.Debug(msg, args...)
	}
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// RescheduleSelf re-arms the timer whose callback is running with ctx.
// It returns false when ctx does not belong to a callback of this engine or
// the timer was canceled meanwhile.
func (e *Engine) RescheduleSelf(ctx context.Context, delay time.Duration) bool {
	rt, ok := ctx.Value(runningKey{}).(runningTimer)
	if !ok || rt.engine != e {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if int(rt.index) >= len(e.slots) {
		return false
	}
	t := e.slots[rt.index]
	if t.gen != rt.gen || !t.scheduled || t.canceled {
		return false
	}
	t.delay = delay
	t.deadline = time.Now().Add(delay)
	t.rearmed = true
	return true
}
