package libc

import (
	"github.com/wippyai/hle/mem"
	"github.com/wippyai/hle/runtime"
)

// SemFailed is SEM_FAILED as a guest pointer.
const SemFailed = mem.MutPtr[int32](0xFFFF_FFFF)

// SemValueMax is SEM_VALUE_MAX.
const SemValueMax = 32767

// SemOpen is sem_open. Names are ignored: every call creates a fresh
// semaphore whose handle is a guest allocation.
func SemOpen(env *runtime.Env, _ mem.ConstPtr[byte], _ int32, _ uint32, value uint32) mem.MutPtr[int32] {
	if value > SemValueMax {
		env.SetErrno(EINVAL)
		return SemFailed
	}
	h, err := env.Sems.Open(int32(value))
	if err != nil {
		env.SetErrno(ENOMEM)
		return SemFailed
	}
	return mem.MutPtr[int32](h)
}

// SemPost is sem_post.
func SemPost(env *runtime.Env, sem mem.MutPtr[int32]) int32 {
	if err := env.Sems.Post(uint32(sem)); err != nil {
		return failErrno(env, EINVAL)
	}
	return 0
}

// SemWait is sem_wait. It suspends the calling guest thread until a post.
func SemWait(env *runtime.Env, sem mem.MutPtr[int32]) int32 {
	if _, err := env.Sems.Wait(env.GuestThread("sem_wait"), uint32(sem), true); err != nil {
		return failErrno(env, EINVAL)
	}
	return 0
}

// SemTryWait is sem_trywait.
func SemTryWait(env *runtime.Env, sem mem.MutPtr[int32]) int32 {
	ok, err := env.Sems.Wait(env.Thread(), uint32(sem), false)
	if err != nil {
		return failErrno(env, EINVAL)
	}
	if !ok {
		return failErrno(env, EAGAIN)
	}
	return 0
}

// SemUnlink is sem_unlink. Named semaphores are not shared, so there is
// nothing to remove.
func SemUnlink(*runtime.Env, mem.ConstPtr[byte]) int32 {
	return 0
}

// SemClose is sem_close.
func SemClose(env *runtime.Env, sem mem.MutPtr[int32]) int32 {
	if err := env.Sems.Close(uint32(sem)); err != nil {
		return failErrno(env, EINVAL)
	}
	return 0
}

func (l *Lib) semaphoreExports() runtime.FunctionExports {
	return runtime.FunctionExports{
		{Name: "sem_open", Arity: 4, Fn: SemOpen},
		{Name: "sem_post", Arity: 1, Fn: SemPost},
		{Name: "sem_wait", Arity: 1, Fn: SemWait},
		{Name: "sem_trywait", Arity: 1, Fn: SemTryWait},
		{Name: "sem_unlink", Arity: 1, Fn: SemUnlink},
		{Name: "sem_close", Arity: 1, Fn: SemClose},
	}
}
