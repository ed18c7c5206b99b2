// Package runloop bridges host completions into guest context.
//
// Host subsystems finish work on goroutines and threads the guest knows
// nothing about. Their guest-visible effects (allocating guest buffers,
// calling a guest callback) must not run there. Instead each completion is
// wrapped into a closure and appended to the Loop owned by a guest thread;
// that thread drains the loop at a safe point, normally a run-loop
// iteration.
//
// Entries drain in enqueue order. A drain runs only the entries queued when
// it started: anything enqueued by the entries themselves waits for the next
// drain. Only the owning guest thread may drain; a foreign caller aborts.
package runloop

import (
	"context"
	"sync"
	"time"

	"github.com/wippyai/hle/errors"
	"github.com/wippyai/hle/sched"
	"go.uber.org/zap"
)

// ErrClosed is returned by Enqueue after Close.
var ErrClosed = errors.Closed(errors.PhaseBridge, "run loop")

// Loop is one run loop's callback queue. C is the execution context handed
// to each entry.
type Loop[C any] struct {
	sched   *sched.Scheduler
	log     *zap.Logger
	notify  chan struct{}
	name    string
	queue   []func(C)
	spare   []func(C)
	waiters []sched.Ticket
	mu      sync.Mutex
	owner   sched.ThreadID
	closed  bool
}

// New creates a loop owned by guest thread owner.
func New[C any](name string, owner sched.ThreadID, s *sched.Scheduler, log *zap.Logger) *Loop[C] {
	if log == nil {
		log = zap.NewNop()
	}
	return &Loop[C]{
		sched:  s,
		log:    log,
		notify: make(chan struct{}, 1),
		name:   name,
		owner:  owner,
	}
}

// Name returns the loop name.
func (l *Loop[C]) Name() string { return l.name }

// Owner returns the guest thread allowed to drain.
func (l *Loop[C]) Owner() sched.ThreadID { return l.owner }

// Enqueue appends fn. Safe from any goroutine.
func (l *Loop[C]) Enqueue(fn func(C)) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	l.queue = append(l.queue, fn)
	waiters := l.waiters
	l.waiters = nil
	for _, t := range waiters {
		l.sched.WakeTicket(t)
	}
	l.mu.Unlock()

	select {
	case l.notify <- struct{}{}:
	default:
	}
	return nil
}

// Len returns the number of queued entries.
func (l *Loop[C]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// Drain runs every entry queued at the time of the call, in order, and
// returns how many ran. Panics from entries are not recovered.
func (l *Loop[C]) Drain(c C) int {
	if self, ok := l.sched.Self(); !ok || self != l.owner {
		errors.Fatal(errors.Consistency(errors.PhaseBridge,
			"run loop %q drained off its owner thread %d", l.name, l.owner))
	}

	l.mu.Lock()
	if len(l.queue) == 0 {
		l.mu.Unlock()
		return 0
	}
	batch := l.queue
	l.queue = l.spare
	l.spare = nil
	l.mu.Unlock()

	for i, fn := range batch {
		fn(c)
		batch[i] = nil
	}

	l.mu.Lock()
	if l.spare == nil {
		l.spare = batch[:0]
	}
	l.mu.Unlock()

	l.log.Debug("drained", zap.String("loop", l.name), zap.Int("entries", len(batch)))
	return len(batch)
}

// Park suspends the owning guest thread until an entry is queued or timeout
// passes, letting other guest threads run meanwhile. A negative timeout
// waits forever. It reports whether entries are pending.
func (l *Loop[C]) Park(self sched.ThreadID, timeout time.Duration) bool {
	ticket, pending, wait := l.prepare(self, timeout)
	if !wait {
		return pending
	}

	var timer *time.Timer
	if timeout > 0 {
		timer = time.AfterFunc(timeout, func() { l.sched.WakeTicket(ticket) })
	}
	l.sched.Park(self)
	if timer != nil {
		timer.Stop()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for i, t := range l.waiters {
		if t == ticket {
			l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
			break
		}
	}
	return len(l.queue) > 0
}

// prepare registers self as a blocked waiter unless entries are pending,
// the loop is closed or timeout is zero.
func (l *Loop[C]) prepare(self sched.ThreadID, timeout time.Duration) (ticket sched.Ticket, pending, wait bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) > 0 || l.closed || timeout == 0 {
		return sched.Ticket{}, len(l.queue) > 0, false
	}
	ticket = l.sched.MarkBlocked(self, sched.ReasonRunLoop)
	l.waiters = append(l.waiters, ticket)
	return ticket, false, true
}

// Wait blocks a host goroutine until entries are pending, timeout passes
// or ctx is done.
func (l *Loop[C]) Wait(ctx context.Context, timeout time.Duration) bool {
	if l.Len() > 0 {
		return true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-l.notify:
	case <-timer.C:
	case <-ctx.Done():
	}
	return l.Len() > 0
}

// Closed reports whether Close has been called.
func (l *Loop[C]) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Close rejects further entries and releases parked waiters. Entries
// already queued stay drainable.
func (l *Loop[C]) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	for _, t := range l.waiters {
		l.sched.WakeTicket(t)
	}
	l.waiters = nil
}
