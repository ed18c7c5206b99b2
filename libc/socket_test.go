package libc

import (
	"os"
	"os/signal"
	"testing"
	"time"

	"github.com/wippyai/hle/mem"
	"github.com/wippyai/hle/runtime"
	"golang.org/x/sys/unix"
)

func TestSockaddrIn(t *testing.T) {
	sa := NewSockaddrIn([4]byte{10, 1, 2, 3}, 8080)
	if sa.Len != 16 || int32(sa.Family) != AFInet {
		t.Errorf("header = %d/%d", sa.Len, sa.Family)
	}
	if sa.PortOf() != 8080 || sa.Port != 0x901f {
		t.Errorf("port = %d raw %#x", sa.PortOf(), sa.Port)
	}
	if sa.IP() != [4]byte{10, 1, 2, 3} {
		t.Errorf("ip = %v", sa.IP())
	}
}

func fdSet(t *testing.T, env *runtime.Env, fds ...int32) mem.MutPtr[uint32] {
	t.Helper()
	p, err := env.Mem.Alloc(FdSetWords * 4)
	if err != nil {
		t.Fatal(err)
	}
	for _, fd := range fds {
		addr := p + uint32(fd/32)*4
		w, err := env.Mem.ReadU32(addr)
		if err != nil {
			t.Fatal(err)
		}
		if err := env.Mem.WriteU32(addr, w|1<<(fd%32)); err != nil {
			t.Fatal(err)
		}
	}
	return mem.MutPtr[uint32](p)
}

func isSet(t *testing.T, env *runtime.Env, set mem.MutPtr[uint32], fd int32) bool {
	t.Helper()
	w, err := env.Mem.ReadU32(uint32(set) + uint32(fd/32)*4)
	if err != nil {
		t.Fatal(err)
	}
	return w&(1<<(fd%32)) != 0
}

func TestSocketBindSelectClose(t *testing.T) {
	env, lib := newTestEnv(t, nil)

	fd := lib.Socket(env, AFInet, unix.SOCK_DGRAM, 0)
	if fd < 0 {
		t.Fatalf("socket failed, errno %d", errnoOf(t, env))
	}
	addr, err := mem.AllocValue(env.Mem, NewSockaddrIn([4]byte{127, 0, 0, 1}, 0))
	if err != nil {
		t.Fatal(err)
	}
	if rc := lib.Bind(env, fd, addr.Const(), 16); rc != 0 {
		t.Fatalf("bind = %d errno %d", rc, errnoOf(t, env))
	}

	zero, err := mem.AllocValue(env.Mem, Timeval{})
	if err != nil {
		t.Fatal(err)
	}
	set := fdSet(t, env, fd)
	if n := lib.Select(env, fd+1, set, 0, 0, zero.Const()); n != 0 {
		t.Fatalf("select on idle socket = %d", n)
	}
	if isSet(t, env, set, fd) {
		t.Error("idle descriptor left in the read set")
	}

	sa, err := unix.Getsockname(int(fd))
	if err != nil {
		t.Fatal(err)
	}
	sender, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer unix.Close(sender)
	if err := unix.Sendto(sender, []byte("ping"), 0, sa); err != nil {
		t.Fatal(err)
	}

	second, err := mem.AllocValue(env.Mem, Timeval{Sec: 2})
	if err != nil {
		t.Fatal(err)
	}
	set = fdSet(t, env, fd)
	if n := lib.Select(env, fd+1, set, 0, 0, second.Const()); n != 1 {
		t.Fatalf("select on readable socket = %d errno %d", n, errnoOf(t, env))
	}
	if !isSet(t, env, set, fd) {
		t.Error("readable descriptor missing from the read set")
	}

	if rc := lib.CloseFD(env, fd); rc != 0 {
		t.Errorf("close = %d", rc)
	}
	if rc := lib.CloseFD(env, fd); rc != -1 || errnoOf(t, env) != EBADF {
		t.Errorf("second close = %d errno %d", rc, errnoOf(t, env))
	}
}

func TestSocketErrors(t *testing.T) {
	env, lib := newTestEnv(t, nil)
	addr, err := mem.AllocValue(env.Mem, NewSockaddrIn([4]byte{127, 0, 0, 1}, 0))
	if err != nil {
		t.Fatal(err)
	}
	bad, err := mem.AllocValue(env.Mem, Timeval{Usec: 1_000_000})
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name  string
		call  func() int32
		errno int32
	}{
		{"unsupported family", func() int32 { return lib.Socket(env, 1, unix.SOCK_DGRAM, 0) }, EAFNOSUPPORT},
		{"bind unknown fd", func() int32 { return lib.Bind(env, 12345, addr.Const(), 16) }, EBADF},
		{"close unknown fd", func() int32 { return lib.CloseFD(env, 12345) }, EBADF},
		{"negative nfds", func() int32 { return lib.Select(env, -1, 0, 0, 0, 0) }, EINVAL},
		{"nfds over FD_SETSIZE", func() int32 { return lib.Select(env, FdSetWords*32+1, 0, 0, 0, 0) }, EINVAL},
		{"bad timeout", func() int32 { return lib.Select(env, 0, 0, 0, 0, bad.Const()) }, EINVAL},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rc := tt.call(); rc != -1 {
				t.Errorf("rc = %d, want -1", rc)
			}
			if got := errnoOf(t, env); got != tt.errno {
				t.Errorf("errno = %d, want %d", got, tt.errno)
			}
		})
	}
}

func TestSelectTimeoutSurvivesSignals(t *testing.T) {
	env, lib := newTestEnv(t, nil)

	fd := lib.Socket(env, AFInet, unix.SOCK_DGRAM, 0)
	if fd < 0 {
		t.Fatalf("socket failed, errno %d", errnoOf(t, env))
	}
	defer lib.CloseFD(env, fd)

	sigs := make(chan os.Signal, 64)
	signal.Notify(sigs, unix.SIGUSR1)
	defer signal.Stop(sigs)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case <-stop:
				return
			case <-time.After(5 * time.Millisecond):
				_ = unix.Kill(os.Getpid(), unix.SIGUSR1)
			}
		}
	}()

	tv, err := mem.AllocValue(env.Mem, Timeval{Usec: 100_000})
	if err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	if n := lib.Select(env, fd+1, fdSet(t, env, fd), 0, 0, tv.Const()); n != 0 {
		t.Fatalf("select = %d errno %d, want a timeout", n, errnoOf(t, env))
	}
	if elapsed := time.Since(start); elapsed < 90*time.Millisecond {
		t.Errorf("select returned after %v, before its timeout", elapsed)
	}
}
