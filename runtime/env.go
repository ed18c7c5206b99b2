package runtime

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/wippyai/hle/cpu"
	"github.com/wippyai/hle/errors"
	"github.com/wippyai/hle/mem"
	"github.com/wippyai/hle/runloop"
	"github.com/wippyai/hle/sched"
	"go.uber.org/zap"
)

// Env is the execution context handed to every export implementation and
// every drained run-loop entry. The goroutine that calls NewEnv becomes
// guest thread 0 and owns the main run loop.
type Env struct {
	Ctx     context.Context
	Mem     mem.Memory
	Core    cpu.Core
	Exports *Registry
	Sched   *sched.Scheduler
	Sems    *sched.Semaphores
	Errno   *sched.Cells
	Main    *runloop.Loop[*Env]
	Log     *zap.Logger

	clock  func() time.Time
	policy StubPolicy
	rt     wazero.Runtime
	loops  map[sched.ThreadID]*runloop.Loop[*Env]
	mu     sync.Mutex
	closed bool
}

// NewEnv creates an environment. ctx is used for guest calls made by the
// Env and for the wazero runtime it owns.
func NewEnv(ctx context.Context, cfg Config) (*Env, error) {
	log := cfg.Logger
	if log == nil {
		log = Logger()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	core := cfg.Core
	if core == nil {
		core = cpu.NewTable()
	}

	env := &Env{
		Ctx:    ctx,
		Core:   core,
		Log:    log,
		clock:  clock,
		policy: cfg.StubPolicy,
		loops:  make(map[sched.ThreadID]*runloop.Loop[*Env]),
	}

	env.rt = wazero.NewRuntime(ctx)
	if cfg.Memory != nil {
		env.Mem = cfg.Memory
	} else {
		pages := cfg.MemoryPages
		if pages == 0 {
			pages = defaultMemoryPages
		}
		w, err := mem.NewWazero(ctx, env.rt, "memory", pages)
		if err != nil {
			_ = env.rt.Close(ctx)
			return nil, err
		}
		env.Mem = w
	}

	env.Exports = NewRegistry(log.Named("exports"))
	env.Sched = sched.New(log.Named("sched"))
	env.Sems = sched.NewSemaphores(env.Sched, env.Mem, log.Named("sem"))
	env.Errno = sched.NewCells(env.Mem)
	env.Main = env.Loop(sched.MainThread)
	return env, nil
}

// Runtime returns the wazero runtime owned by the Env. Guest memory lives
// in it as module "memory" unless Config.Memory was set.
func (e *Env) Runtime() wazero.Runtime {
	return e.rt
}

// Policy returns the stub policy for unresolved symbols.
func (e *Env) Policy() StubPolicy {
	return e.policy
}

// Now returns the host time from the configured clock.
func (e *Env) Now() time.Time {
	return e.clock()
}

// Thread returns the guest thread of the calling goroutine. Host goroutines
// get the thread that currently holds the baton, which is only meaningful
// for calls that do not suspend, such as errno updates.
func (e *Env) Thread() sched.ThreadID {
	if tid, ok := e.Sched.Self(); ok {
		return tid
	}
	return e.Sched.Current()
}

// GuestThread returns the guest thread of the calling goroutine for an
// operation that may suspend it. Host goroutines may only enqueue or post;
// a suspending call from one aborts.
func (e *Env) GuestThread(op string) sched.ThreadID {
	tid, ok := e.Sched.Self()
	if !ok {
		errors.Fatal(errors.Consistency(errors.PhaseSchedule, "%s called from a host goroutine", op))
	}
	return tid
}

// SetErrno stores v in the errno cell of the calling guest thread.
func (e *Env) SetErrno(v int32) {
	if err := e.Errno.Set(e.Thread(), v); err != nil {
		e.Log.Error("set errno", zap.Int32("errno", v), zap.Error(err))
	}
}

// Loop returns the run loop owned by tid, creating it on first use.
func (e *Env) Loop(tid sched.ThreadID) *runloop.Loop[*Env] {
	e.mu.Lock()
	defer e.mu.Unlock()
	if l, ok := e.loops[tid]; ok {
		return l
	}
	name := "main"
	if tid != sched.MainThread {
		name = "thread-" + strconv.FormatUint(uint64(tid), 10)
	}
	l := runloop.New[*Env](name, tid, e.Sched, e.Log.Named("runloop"))
	if e.closed {
		l.Close()
	}
	e.loops[tid] = l
	return l
}

// Spawn starts a guest thread running fn. Its errno cell is released when
// fn returns.
func (e *Env) Spawn(fn func()) sched.ThreadID {
	return e.Sched.Spawn(func() {
		defer func() {
			self := e.Sched.Current()
			if err := e.Errno.Release(self); err != nil {
				e.Log.Warn("release errno cell", zap.Uint32("thread", uint32(self)), zap.Error(err))
			}
		}()
		fn()
	})
}

// Close rejects further run-loop entries and releases the memory and
// wazero runtime owned by the Env.
func (e *Env) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	loops := make([]*runloop.Loop[*Env], 0, len(e.loops))
	for _, l := range e.loops {
		loops = append(loops, l)
	}
	e.mu.Unlock()

	for _, l := range loops {
		l.Close()
	}
	if err := e.rt.Close(ctx); err != nil {
		return errors.Wrap(errors.PhaseHost, errors.KindIO, err, "close wazero runtime")
	}
	return nil
}
