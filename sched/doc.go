// Package sched runs guest logical threads cooperatively: exactly one guest
// thread executes at a time and control changes hands only at suspension
// points (a blocking semaphore wait, join, sleep, run-loop wait or an
// explicit yield).
//
// Each guest thread is a goroutine. The running thread holds a baton; when
// it suspends it hands the baton to the first runnable thread, or leaves the
// scheduler idle if there is none. Host goroutines (timers, I/O
// completions) never run guest code, but they may Wake a blocked thread; if
// the scheduler is idle the baton goes straight to that thread.
//
// Blocking is split in two so a wait condition can be checked and the
// thread published as blocked under the caller's own lock:
//
//	s.MarkBlocked(self, sched.ReasonSemaphore) // under the semaphore lock
//	unlock()
//	s.Park(self)                               // returns at once if woken meanwhile
//
// Semaphores and the per-thread Cells store build on this. Lock order is
// semaphore table, then scheduler.
package sched
