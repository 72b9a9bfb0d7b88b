package timer

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Queue runs callbacks one at a time in deadline order on a single worker.
// Elements with equal deadlines run in insertion order.
type Queue struct {
	name   string
	logger *slog.Logger

	mu       sync.Mutex
	elements []*element
	running  *element
	runDone  chan struct{}
	closed   bool

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

type element struct {
	owner    any
	deadline time.Time
	cb       Callback
	lock     sync.Locker
}

type queueKey struct{}

// NewQueue creates a queue and starts its worker. A nil logger disables logging.
func NewQueue(name string, logger *slog.Logger) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		name:   name,
		logger: logger,
		wake:   make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go q.work()
	return q
}

// Add enqueues cb to run after delay, holding lock if non-nil.
func (q *Queue) Add(owner any, delay time.Duration, cb Callback, lock sync.Locker) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	el := &element{owner: owner, deadline: time.Now().Add(delay), cb: cb, lock: lock}
	i := sort.Search(len(q.elements), func(i int) bool {
		return q.elements[i].deadline.After(el.deadline)
	})
	q.elements = append(q.elements, nil)
	copy(q.elements[i+1:], q.elements[i:])
	q.elements[i] = el

	notify(q.wake)
	return nil
}

// Remove drops every pending element of owner. If an element of owner is
// executing, Remove returns after it finishes, unless ctx belongs to that
// element's own callback.
func (q *Queue) Remove(ctx context.Context, owner any) int {
	return q.remove(ctx, func(el *element) bool { return el.owner == owner })
}

// RemoveAll drops every pending element and waits for the executing one.
func (q *Queue) RemoveAll(ctx context.Context) int {
	return q.remove(ctx, func(*element) bool { return true })
}

func (q *Queue) remove(ctx context.Context, match func(*element) bool) int {
	q.mu.Lock()
	kept := q.elements[:0]
	n := 0
	for _, el := range q.elements {
		if match(el) {
			n++
			continue
		}
		kept = append(kept, el)
	}
	for i := len(kept); i < len(q.elements); i++ {
		q.elements[i] = nil
	}
	q.elements = kept

	var wait chan struct{}
	if q.running != nil && match(q.running) && ctx.Value(queueKey{}) != q {
		wait = q.runDone
	}
	q.mu.Unlock()

	if wait != nil {
		select {
		case <-wait:
		case <-ctx.Done():
		}
	}
	return n
}

// Len returns the number of pending elements.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.elements)
}

// Close drops pending elements, stops the worker and waits for it to exit.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.elements = nil
	q.mu.Unlock()

	q.cancel()
	notify(q.wake)
	<-q.done
}

func (q *Queue) work() {
	defer close(q.done)

	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return
		}
		if len(q.elements) == 0 {
			q.mu.Unlock()
			<-q.wake
			continue
		}

		head := q.elements[0]
		wait := time.Until(head.deadline)
		if wait > 0 {
			q.mu.Unlock()
			tm := time.NewTimer(wait)
			select {
			case <-tm.C:
			case <-q.wake:
				tm.Stop()
			}
			continue
		}

		q.elements[0] = nil
		q.elements = q.elements[1:]
		q.running = head
		q.runDone = make(chan struct{})
		done := q.runDone
		q.mu.Unlock()

		q.run(head)

		q.mu.Lock()
		q.running = nil
		close(done)
		q.mu.Unlock()
	}
}

func (q *Queue) run(el *element) {
	if el.lock != nil {
		el.lock.Lock()
		defer el.lock.Unlock()
	}
	defer func() {
		if r := recover(); r != nil && q.logger != nil {
			q.logger.Error("queue: callback panicked", "queue", q.name, "panic", r)
		}
	}()
	el.cb(context.WithValue(q.ctx, queueKey{}, q))
}
