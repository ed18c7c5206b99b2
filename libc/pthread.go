package libc

import (
	"time"

	"github.com/wippyai/hle/abi"
	"github.com/wippyai/hle/mem"
	"github.com/wippyai/hle/runtime"
	"github.com/wippyai/hle/sched"
	"go.uber.org/zap"
)

// pthread_t values are thread IDs offset by one so that no thread is null.
func pthreadOf(tid sched.ThreadID) uint32 { return uint32(tid) + 1 }

func threadOf(p uint32) sched.ThreadID { return sched.ThreadID(p - 1) }

// PthreadCreate is pthread_create. The new guest thread runs start(arg)
// through the guest CPU; its return value is kept for pthread_join.
func (l *Lib) PthreadCreate(env *runtime.Env, thread mem.MutPtr[uint32], _ mem.ConstPtr[byte], start abi.GuestFunction, arg uint32) int32 {
	if start == 0 {
		return EINVAL
	}
	tid := env.Spawn(func() {
		ret, err := runtime.CallGuest[uint32](env, start, arg)
		if err != nil {
			env.Log.Error("guest thread start routine failed",
				zap.Uint32("thread", uint32(env.Thread())),
				zap.Error(err))
		}
		l.mu.Lock()
		l.results[env.Thread()] = ret
		l.mu.Unlock()
	})
	if !thread.Null() {
		if err := mem.Store(env.Mem, thread, pthreadOf(tid)); err != nil {
			return EFAULT
		}
	}
	env.Log.Debug("pthread_create", zap.Uint32("thread", uint32(tid)))
	return 0
}

// PthreadSelf is pthread_self.
func PthreadSelf(env *runtime.Env) uint32 {
	return pthreadOf(env.Thread())
}

// PthreadJoin is pthread_join. pthread functions return the error number
// instead of setting errno.
func (l *Lib) PthreadJoin(env *runtime.Env, thread uint32, retval mem.MutPtr[uint32]) int32 {
	self := env.GuestThread("pthread_join")
	tid := threadOf(thread)
	if tid == self {
		return EDEADLK
	}
	if rc := l.claimJoin(env, tid); rc != 0 {
		return rc
	}
	if err := env.Sched.Join(self, tid); err != nil {
		l.mu.Lock()
		delete(l.joined, tid)
		l.mu.Unlock()
		return ESRCH
	}
	l.mu.Lock()
	ret := l.results[tid]
	delete(l.results, tid)
	l.mu.Unlock()
	if !retval.Null() {
		if err := mem.Store(env.Mem, retval, ret); err != nil {
			return EFAULT
		}
	}
	return 0
}

// claimJoin marks tid as joined. A thread is joined once: another joiner
// gets EINVAL while it is still running and ESRCH after it was reaped.
func (l *Lib) claimJoin(env *runtime.Env, tid sched.ThreadID) int32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.joined[tid] {
		l.joined[tid] = true
		return 0
	}
	if st, _, ok := env.Sched.State(tid); ok && st != sched.Terminated {
		return EINVAL
	}
	return ESRCH
}

// SchedYield is sched_yield.
func SchedYield(env *runtime.Env) int32 {
	env.GuestThread("sched_yield")
	env.Sched.Yield()
	return 0
}

// Usleep is usleep. The calling guest thread sleeps while others run.
func Usleep(env *runtime.Env, usec uint32) int32 {
	env.Sched.Sleep(env.GuestThread("usleep"), time.Duration(usec)*time.Microsecond)
	return 0
}

func (l *Lib) pthreadExports() runtime.FunctionExports {
	return runtime.FunctionExports{
		{Name: "pthread_create", Arity: 4, Fn: l.PthreadCreate},
		{Name: "pthread_self", Arity: 0, Fn: PthreadSelf},
		{Name: "pthread_join", Arity: 2, Fn: l.PthreadJoin},
		{Name: "sched_yield", Arity: 0, Fn: SchedYield},
		{Name: "usleep", Arity: 1, Fn: Usleep},
	}
}
