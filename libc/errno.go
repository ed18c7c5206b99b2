package libc

import (
	"github.com/wippyai/hle/mem"
	"github.com/wippyai/hle/runtime"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Guest (Darwin) errno values.
const (
	EPERM           int32 = 1
	ENOENT          int32 = 2
	ESRCH           int32 = 3
	EINTR           int32 = 4
	EIO             int32 = 5
	EBADF           int32 = 9
	EDEADLK         int32 = 11
	ENOMEM          int32 = 12
	EACCES          int32 = 13
	EFAULT          int32 = 14
	EBUSY           int32 = 16
	EEXIST          int32 = 17
	EINVAL          int32 = 22
	ENFILE          int32 = 23
	EMFILE          int32 = 24
	EAGAIN          int32 = 35
	EINPROGRESS     int32 = 36
	EALREADY        int32 = 37
	ENOTSOCK        int32 = 38
	EMSGSIZE        int32 = 40
	EPROTOTYPE      int32 = 41
	EPROTONOSUPPORT int32 = 43
	EOPNOTSUPP      int32 = 45
	EAFNOSUPPORT    int32 = 47
	EADDRINUSE      int32 = 48
	EADDRNOTAVAIL   int32 = 49
	ENETDOWN        int32 = 50
	ENETUNREACH     int32 = 51
	ECONNABORTED    int32 = 53
	ECONNRESET      int32 = 54
	ENOBUFS         int32 = 55
	EISCONN         int32 = 56
	ENOTCONN        int32 = 57
	ETIMEDOUT       int32 = 60
	ECONNREFUSED    int32 = 61
	EHOSTUNREACH    int32 = 65
)

// guestErrno converts a host error into the guest errno value.
func guestErrno(err error) int32 {
	errno, ok := err.(unix.Errno)
	if !ok {
		return EIO
	}
	switch errno {
	case unix.EPERM:
		return EPERM
	case unix.ENOENT:
		return ENOENT
	case unix.ESRCH:
		return ESRCH
	case unix.EINTR:
		return EINTR
	case unix.EBADF:
		return EBADF
	case unix.EDEADLK:
		return EDEADLK
	case unix.ENOMEM:
		return ENOMEM
	case unix.EACCES:
		return EACCES
	case unix.EFAULT:
		return EFAULT
	case unix.EBUSY:
		return EBUSY
	case unix.EEXIST:
		return EEXIST
	case unix.EINVAL:
		return EINVAL
	case unix.ENFILE:
		return ENFILE
	case unix.EMFILE:
		return EMFILE
	case unix.EAGAIN:
		return EAGAIN
	case unix.EINPROGRESS:
		return EINPROGRESS
	case unix.EALREADY:
		return EALREADY
	case unix.ENOTSOCK:
		return ENOTSOCK
	case unix.EMSGSIZE:
		return EMSGSIZE
	case unix.EPROTOTYPE:
		return EPROTOTYPE
	case unix.EPROTONOSUPPORT:
		return EPROTONOSUPPORT
	case unix.EOPNOTSUPP:
		return EOPNOTSUPP
	case unix.EAFNOSUPPORT:
		return EAFNOSUPPORT
	case unix.EADDRINUSE:
		return EADDRINUSE
	case unix.EADDRNOTAVAIL:
		return EADDRNOTAVAIL
	case unix.ENETDOWN:
		return ENETDOWN
	case unix.ENETUNREACH:
		return ENETUNREACH
	case unix.ECONNABORTED:
		return ECONNABORTED
	case unix.ECONNRESET:
		return ECONNRESET
	case unix.ENOBUFS:
		return ENOBUFS
	case unix.EISCONN:
		return EISCONN
	case unix.ENOTCONN:
		return ENOTCONN
	case unix.ETIMEDOUT:
		return ETIMEDOUT
	case unix.ECONNREFUSED:
		return ECONNREFUSED
	case unix.EHOSTUNREACH:
		return EHOSTUNREACH
	default:
		return EIO
	}
}

// fail records a host failure in errno and returns the C failure value.
func fail(env *runtime.Env, op string, err error) int32 {
	errno := guestErrno(err)
	env.Log.Debug("libc call failed",
		zap.String("op", op),
		zap.Int32("errno", errno),
		zap.Error(err))
	env.SetErrno(errno)
	return -1
}

// failErrno sets errno and returns -1.
func failErrno(env *runtime.Env, errno int32) int32 {
	env.SetErrno(errno)
	return -1
}

// Error is __error(): the address of the calling thread's errno.
func Error(env *runtime.Env) mem.MutPtr[int32] {
	p, err := env.Errno.GetOrCreate(env.Thread())
	if err != nil {
		env.Log.Error("errno cell", zap.Error(err))
		return 0
	}
	return p
}

func (l *Lib) errnoExports() runtime.FunctionExports {
	return runtime.FunctionExports{
		{Name: "__error", Arity: 0, Fn: Error},
	}
}
