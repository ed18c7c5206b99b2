package sched

import (
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/wippyai/hle/errors"
	"go.uber.org/zap"
)

// ThreadID identifies a guest logical thread for its whole lifetime.
type ThreadID uint32

// MainThread is the thread that created the scheduler.
const MainThread ThreadID = 0

// State of a guest thread.
type State uint8

const (
	Runnable State = iota
	Blocked
	Terminated
)

func (s State) String() string {
	switch s {
	case Runnable:
		return "runnable"
	case Blocked:
		return "blocked"
	case Terminated:
		return "terminated"
	}
	return "unknown"
}

// Reason a thread is blocked.
type Reason uint8

const (
	ReasonNone Reason = iota
	ReasonSemaphore
	ReasonJoin
	ReasonSleep
	ReasonRunLoop
)

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonSemaphore:
		return "semaphore"
	case ReasonJoin:
		return "join"
	case ReasonSleep:
		return "sleep"
	case ReasonRunLoop:
		return "run-loop"
	}
	return "unknown"
}

type thread struct {
	wake    chan struct{} // baton, capacity 1
	done    chan struct{}
	joiners []ThreadID
	gid     uint64
	seq     uint64 // bumped on every MarkBlocked
	id      ThreadID
	state   State
	reason  Reason
}

// Scheduler is the cooperative guest thread scheduler.
type Scheduler struct {
	threads map[ThreadID]*thread
	byGID   map[uint64]ThreadID
	log     *zap.Logger
	ready   []ThreadID
	mu      sync.Mutex
	next    ThreadID
	running ThreadID
	idle    bool
}

// New creates a scheduler whose main thread is the calling goroutine.
func New(log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	main := &thread{
		id:    MainThread,
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
		gid:   goroutineID(),
		state: Runnable,
	}
	return &Scheduler{
		threads: map[ThreadID]*thread{MainThread: main},
		byGID:   map[uint64]ThreadID{main.gid: MainThread},
		log:     log,
		next:    MainThread + 1,
		running: MainThread,
	}
}

// Current returns the thread holding the baton. While the scheduler is idle
// it returns the last thread that ran.
func (s *Scheduler) Current() ThreadID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Self returns the guest thread the calling goroutine belongs to. Host
// goroutines get false.
func (s *Scheduler) Self() (ThreadID, bool) {
	gid := goroutineID()
	s.mu.Lock()
	defer s.mu.Unlock()
	tid, ok := s.byGID[gid]
	return tid, ok
}

// Idle reports whether no guest thread holds the baton.
func (s *Scheduler) Idle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idle
}

// State returns the state of tid.
func (s *Scheduler) State(tid ThreadID) (State, Reason, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	th, ok := s.threads[tid]
	if !ok {
		return 0, 0, false
	}
	return th.state, th.reason, true
}

// Len returns the number of threads that have not terminated.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, th := range s.threads {
		if th.state != Terminated {
			n++
		}
	}
	return n
}

// Spawn creates a runnable thread that will execute fn once it receives the
// baton. The caller keeps running.
func (s *Scheduler) Spawn(fn func()) ThreadID {
	s.mu.Lock()
	th := &thread{
		id:    s.next,
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
		state: Runnable,
	}
	s.next++
	s.threads[th.id] = th
	s.makeReadyLocked(th)
	s.mu.Unlock()

	s.log.Debug("spawn", zap.Uint32("thread", uint32(th.id)))

	started := make(chan struct{})
	go func() {
		gid := goroutineID()
		s.mu.Lock()
		th.gid = gid
		s.byGID[gid] = th.id
		s.mu.Unlock()
		close(started)

		<-th.wake
		defer s.exit(th)
		fn()
	}()
	<-started
	return th.id
}

// Yield lets every other runnable thread run once before the caller resumes.
func (s *Scheduler) Yield() {
	s.mu.Lock()
	self, ok := s.byGID[goroutineID()]
	if !ok {
		s.mu.Unlock()
		errors.Fatal(errors.Consistency(errors.PhaseSchedule, "yield from a host goroutine"))
	}
	th := s.mustRunning(self)
	if len(s.ready) == 0 {
		s.mu.Unlock()
		return
	}
	s.ready = append(s.ready, th.id)
	s.switchLocked()
	s.mu.Unlock()
	<-th.wake
}

// Ticket names one blocking episode of a thread. Waking by ticket cannot
// release a later, unrelated wait of the same thread.
type Ticket struct {
	Thread ThreadID
	seq    uint64
}

// Block suspends the calling thread until another party wakes it.
func (s *Scheduler) Block(self ThreadID, reason Reason) {
	s.MarkBlocked(self, reason)
	s.Park(self)
}

// MarkBlocked publishes self as blocked without giving up the baton. A wake
// arriving before Park cancels the suspension.
func (s *Scheduler) MarkBlocked(self ThreadID, reason Reason) Ticket {
	s.mu.Lock()
	th := s.mustRunning(self)
	th.state = Blocked
	th.reason = reason
	th.seq++
	t := Ticket{Thread: self, seq: th.seq}
	s.mu.Unlock()
	return t
}

// Park gives up the baton if self is still blocked and returns once it is
// woken and scheduled again.
func (s *Scheduler) Park(self ThreadID) {
	s.mu.Lock()
	th := s.mustRunning(self)
	if th.state != Blocked {
		s.mu.Unlock()
		return
	}
	s.switchLocked()
	s.mu.Unlock()
	<-th.wake
}

// Wake makes a blocked thread runnable. It is safe to call from any
// goroutine and reports false if tid was not blocked, so a thread is never
// woken twice for one signal.
func (s *Scheduler) Wake(tid ThreadID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wakeLocked(tid)
}

// WakeTicket wakes the thread only if it is still in the blocking episode
// named by t.
func (s *Scheduler) WakeTicket(t Ticket) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	th, ok := s.threads[t.Thread]
	if !ok || th.seq != t.seq {
		return false
	}
	return s.wakeLocked(t.Thread)
}

// Sleep blocks the calling thread for d. A host timer performs the wake.
func (s *Scheduler) Sleep(self ThreadID, d time.Duration) {
	t := s.MarkBlocked(self, ReasonSleep)
	time.AfterFunc(d, func() { s.WakeTicket(t) })
	s.Park(self)
}

// Join blocks the calling thread until tid terminates.
func (s *Scheduler) Join(self, tid ThreadID) error {
	s.mu.Lock()
	target, ok := s.threads[tid]
	if !ok {
		s.mu.Unlock()
		return errors.NotFound(errors.PhaseSchedule, "thread", threadName(tid))
	}
	if tid == self {
		s.mu.Unlock()
		return errors.New(errors.PhaseSchedule, errors.KindInvalidInput).
			Detail("thread %d cannot join itself", self).
			Build()
	}
	if target.state == Terminated {
		s.mu.Unlock()
		return nil
	}
	th := s.mustRunning(self)
	target.joiners = append(target.joiners, self)
	th.state = Blocked
	th.reason = ReasonJoin
	th.seq++
	s.mu.Unlock()

	s.Park(self)
	return nil
}

// Done returns a channel closed when tid terminates, for host goroutines
// that need to wait on a guest thread.
func (s *Scheduler) Done(tid ThreadID) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if th, ok := s.threads[tid]; ok {
		return th.done
	}
	closed := make(chan struct{})
	close(closed)
	return closed
}

func (s *Scheduler) exit(th *thread) {
	s.mu.Lock()
	defer s.mu.Unlock()

	th.state = Terminated
	th.reason = ReasonNone
	delete(s.byGID, th.gid)
	for _, j := range th.joiners {
		s.wakeLocked(j)
	}
	th.joiners = nil
	close(th.done)
	s.log.Debug("exit", zap.Uint32("thread", uint32(th.id)))
	s.switchLocked()
}

func (s *Scheduler) wakeLocked(tid ThreadID) bool {
	th, ok := s.threads[tid]
	if !ok || th.state != Blocked {
		return false
	}
	th.state = Runnable
	th.reason = ReasonNone

	if !s.idle && s.running == tid {
		// Marked blocked but not parked yet; Park will return immediately.
		return true
	}
	s.makeReadyLocked(th)
	return true
}

// makeReadyLocked queues a runnable thread, or hands it the baton if the
// scheduler is idle.
func (s *Scheduler) makeReadyLocked(th *thread) {
	if s.idle {
		s.idle = false
		s.running = th.id
		th.wake <- struct{}{}
		return
	}
	s.ready = append(s.ready, th.id)
}

// switchLocked passes the baton from the running thread to the next ready
// one. The caller must then wait on its own wake channel or return.
func (s *Scheduler) switchLocked() {
	if len(s.ready) == 0 {
		s.idle = true
		return
	}
	next := s.threads[s.ready[0]]
	s.ready = s.ready[1:]
	s.running = next.id
	next.wake <- struct{}{}
}

// mustRunning returns self's record if self holds the baton and the caller
// is self's own goroutine. Otherwise it releases s.mu and aborts, so callers
// must hold s.mu without a deferred unlock.
func (s *Scheduler) mustRunning(self ThreadID) *thread {
	th, ok := s.threads[self]
	if !ok || s.idle || s.running != self {
		running, idle := s.running, s.idle
		s.mu.Unlock()
		errors.Fatal(errors.Consistency(errors.PhaseSchedule,
			"thread %d is not the running thread (running %d, idle %v)", self, running, idle))
	}
	if tid, ok := s.byGID[goroutineID()]; !ok || tid != self {
		s.mu.Unlock()
		errors.Fatal(errors.Consistency(errors.PhaseSchedule,
			"thread %d suspended from a goroutine that does not run it", self))
	}
	return th
}

func threadName(tid ThreadID) string {
	return "#" + strconv.FormatUint(uint64(tid), 10)
}

// goroutineID parses the current goroutine's id from its stack header.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	// Stack trace starts with "goroutine NNN ["
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] >= '0' && buf[i] <= '9' {
			id = id*10 + uint64(buf[i]-'0')
		} else {
			break
		}
	}
	return id
}
