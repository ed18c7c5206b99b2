package sched

import (
	"sort"
	"strconv"
	"sync"

	"github.com/wippyai/hle/errors"
	"github.com/wippyai/hle/mem"
	"go.uber.org/zap"
)

// Semaphore is the host record behind a guest sem_t handle.
type Semaphore struct {
	waiting map[ThreadID]Ticket
	count   int32
}

// Semaphores is the process-wide semaphore table keyed by guest handle.
type Semaphores struct {
	table map[uint32]*Semaphore
	sched *Scheduler
	mem   mem.Memory
	log   *zap.Logger
	mu    sync.Mutex
}

// NewSemaphores creates an empty table. Handles are allocated from m.
func NewSemaphores(s *Scheduler, m mem.Memory, log *zap.Logger) *Semaphores {
	if log == nil {
		log = zap.NewNop()
	}
	return &Semaphores{
		table: make(map[uint32]*Semaphore),
		sched: s,
		mem:   m,
		log:   log,
	}
}

// Open allocates a guest handle bound to a fresh semaphore.
func (t *Semaphores) Open(initial int32) (uint32, error) {
	if initial < 0 {
		return 0, errors.InvalidInput(errors.PhaseSchedule, "negative initial count")
	}
	addr, err := t.mem.Alloc(4)
	if err != nil {
		return 0, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.table[addr]; ok {
		errors.Fatal(errors.Consistency(errors.PhaseSchedule, "semaphore handle %#x reused while open", addr))
	}
	t.table[addr] = &Semaphore{count: initial, waiting: make(map[ThreadID]Ticket)}
	t.log.Debug("open", zap.Uint32("sem", addr), zap.Int32("count", initial))
	return addr, nil
}

// Wait takes one unit from the semaphore. With blocking set the calling
// thread suspends until a Post hands it a unit; otherwise Wait reports
// false without changing anything.
func (t *Semaphores) Wait(self ThreadID, handle uint32, blocking bool) (bool, error) {
	acquired, park, err := t.take(self, handle, blocking)
	if !park {
		return acquired, err
	}
	t.sched.Park(self)
	return true, nil
}

// take consumes a unit or, when blocking, registers self as a waiter marked
// Blocked under the table lock. park reports that self must park.
func (t *Semaphores) take(self ThreadID, handle uint32, blocking bool) (acquired, park bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	sem, ok := t.table[handle]
	if !ok {
		return false, false, errors.NotFound(errors.PhaseSchedule, "semaphore", hex(handle))
	}
	if sem.count > 0 {
		sem.count--
		return true, false, nil
	}
	if !blocking {
		return false, false, nil
	}
	sem.waiting[self] = t.sched.MarkBlocked(self, ReasonSemaphore)
	return false, true, nil
}

// Post releases exactly one waiter, which consumes the unit directly, or
// increments the count when nobody waits. Safe from any goroutine.
func (t *Semaphores) Post(handle uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	sem, ok := t.table[handle]
	if !ok {
		return errors.NotFound(errors.PhaseSchedule, "semaphore", hex(handle))
	}
	if len(sem.waiting) == 0 {
		sem.count++
		return nil
	}

	tid := lowest(sem.waiting)
	ticket := sem.waiting[tid]
	delete(sem.waiting, tid)
	if !t.sched.WakeTicket(ticket) {
		errors.Fatal(errors.Consistency(errors.PhaseSchedule, "semaphore %#x waiter %d was not blocked on it", handle, tid))
	}
	return nil
}

// Close drops the semaphore and frees its handle. Closing with waiters is
// the caller's responsibility; they are never woken.
func (t *Semaphores) Close(handle uint32) error {
	t.mu.Lock()
	sem, ok := t.table[handle]
	if !ok {
		t.mu.Unlock()
		return errors.NotFound(errors.PhaseSchedule, "semaphore", hex(handle))
	}
	delete(t.table, handle)
	t.mu.Unlock()

	if len(sem.waiting) > 0 {
		t.log.Warn("semaphore closed with waiters",
			zap.Uint32("sem", handle), zap.Int("waiters", len(sem.waiting)))
	}
	return t.mem.Free(handle)
}

// Value returns the count and number of waiters of a semaphore.
func (t *Semaphores) Value(handle uint32) (count int32, waiters int, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sem, ok := t.table[handle]
	if !ok {
		return 0, 0, false
	}
	return sem.count, len(sem.waiting), true
}

// Len returns the number of open semaphores.
func (t *Semaphores) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.table)
}

func lowest(set map[ThreadID]Ticket) ThreadID {
	ids := make([]ThreadID, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids[0]
}

func hex(v uint32) string {
	return "0x" + strconv.FormatUint(uint64(v), 16)
}
