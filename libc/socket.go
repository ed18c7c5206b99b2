package libc

import (
	"encoding/binary"
	"math/bits"
	"time"

	"github.com/wippyai/hle/mem"
	"github.com/wippyai/hle/runtime"
	"golang.org/x/sys/unix"
)

// Guest address families.
const (
	AFInet  int32 = 2
	AFInet6 int32 = 30
)

// SockaddrIn is the guest (BSD) struct sockaddr_in. Port and Addr hold
// network byte order.
type SockaddrIn struct {
	Len    uint8
	Family uint8
	Port   uint16
	Addr   uint32
	Zero   [8]uint8
}

// Timeval is the guest struct timeval (32-bit time_t).
type Timeval struct {
	Sec  int32
	Usec int32
}

// FdSetWords is the size of the guest fd_set in 32-bit words (FD_SETSIZE 1024).
const FdSetWords = 32

// PortOf returns the port in host byte order.
func (s SockaddrIn) PortOf() uint16 { return bits.ReverseBytes16(s.Port) }

// IP returns the address bytes.
func (s SockaddrIn) IP() [4]byte {
	var ip [4]byte
	binary.LittleEndian.PutUint32(ip[:], s.Addr)
	return ip
}

// NewSockaddrIn builds a guest sockaddr_in.
func NewSockaddrIn(ip [4]byte, port uint16) SockaddrIn {
	return SockaddrIn{
		Len:    16,
		Family: uint8(AFInet),
		Port:   bits.ReverseBytes16(port),
		Addr:   binary.LittleEndian.Uint32(ip[:]),
	}
}

func (l *Lib) owns(fd int32) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.sockets[fd]
	return ok
}

// Socket is socket. The guest descriptor is the host descriptor.
func (l *Lib) Socket(env *runtime.Env, domain, typ, proto int32) int32 {
	var family int
	switch domain {
	case AFInet:
		family = unix.AF_INET
	case AFInet6:
		family = unix.AF_INET6
	default:
		return failErrno(env, EAFNOSUPPORT)
	}
	fd, err := unix.Socket(family, int(typ), int(proto))
	if err != nil {
		return fail(env, "socket", err)
	}
	l.mu.Lock()
	l.sockets[int32(fd)] = struct{}{}
	l.mu.Unlock()
	return int32(fd)
}

// Bind is bind for IPv4 addresses.
func (l *Lib) Bind(env *runtime.Env, fd int32, addr mem.ConstPtr[SockaddrIn], _ uint32) int32 {
	if !l.owns(fd) {
		return failErrno(env, EBADF)
	}
	sa, err := mem.Load(env.Mem, addr)
	if err != nil {
		return failErrno(env, EFAULT)
	}
	if int32(sa.Family) != AFInet {
		return failErrno(env, EAFNOSUPPORT)
	}
	if err := unix.Bind(int(fd), &unix.SockaddrInet4{Port: int(sa.PortOf()), Addr: sa.IP()}); err != nil {
		return fail(env, "bind", err)
	}
	return 0
}

// CloseFD is close for descriptors created by Socket.
func (l *Lib) CloseFD(env *runtime.Env, fd int32) int32 {
	l.mu.Lock()
	_, ok := l.sockets[fd]
	delete(l.sockets, fd)
	l.mu.Unlock()
	if !ok {
		return failErrno(env, EBADF)
	}
	if err := unix.Close(int(fd)); err != nil {
		return fail(env, "close", err)
	}
	return 0
}

// Select is select. A null timeout blocks until a descriptor is ready;
// the calling guest thread keeps the scheduler meanwhile.
func (l *Lib) Select(env *runtime.Env, nfds int32, readfds, writefds, errorfds mem.MutPtr[uint32], timeout mem.ConstPtr[Timeval]) int32 {
	if nfds < 0 || nfds > FdSetWords*32 {
		return failErrno(env, EINVAL)
	}
	sets := [3]mem.MutPtr[uint32]{readfds, writefds, errorfds}
	var host [3]*unix.FdSet
	for i, p := range sets {
		if p.Null() {
			continue
		}
		set, err := readFdSet(env.Mem, p, nfds)
		if err != nil {
			return failErrno(env, EFAULT)
		}
		host[i] = set
	}

	wait := time.Duration(-1)
	if !timeout.Null() {
		t, err := mem.Load(env.Mem, timeout)
		if err != nil {
			return failErrno(env, EFAULT)
		}
		if t.Sec < 0 || t.Usec < 0 || t.Usec >= 1_000_000 {
			return failErrno(env, EINVAL)
		}
		wait = time.Duration(t.Sec)*time.Second + time.Duration(t.Usec)*time.Microsecond
	}

	n, err := selectRetry(int(nfds), host, wait)
	if err != nil {
		return fail(env, "select", err)
	}
	for i, p := range sets {
		if host[i] == nil {
			continue
		}
		if err := writeFdSet(env.Mem, p, nfds, host[i]); err != nil {
			return failErrno(env, EFAULT)
		}
	}
	return int32(n)
}

// selectRetry runs select(2), restarting it with the time left when a
// signal interrupts it. A negative wait blocks until a descriptor is ready.
func selectRetry(nfds int, sets [3]*unix.FdSet, wait time.Duration) (int, error) {
	deadline := time.Now().Add(wait)
	for {
		var tv *unix.Timeval
		if wait >= 0 {
			v := unix.NsecToTimeval(max(time.Until(deadline), 0).Nanoseconds())
			tv = &v
		}
		n, err := unix.Select(nfds, sets[0], sets[1], sets[2], tv)
		if err != unix.EINTR {
			return n, err
		}
	}
}

func readFdSet(m mem.Memory, p mem.MutPtr[uint32], nfds int32) (*unix.FdSet, error) {
	words := (nfds + 31) / 32
	raw, err := m.Read(uint32(p), uint32(words)*4)
	if err != nil {
		return nil, err
	}
	set := &unix.FdSet{}
	set.Zero()
	for fd := int32(0); fd < nfds; fd++ {
		w := binary.LittleEndian.Uint32(raw[(fd/32)*4:])
		if w&(1<<(fd%32)) != 0 {
			set.Set(int(fd))
		}
	}
	return set, nil
}

func writeFdSet(m mem.Memory, p mem.MutPtr[uint32], nfds int32, set *unix.FdSet) error {
	words := (nfds + 31) / 32
	raw := make([]byte, words*4)
	for fd := int32(0); fd < nfds; fd++ {
		if set.IsSet(int(fd)) {
			i := (fd / 32) * 4
			binary.LittleEndian.PutUint32(raw[i:], binary.LittleEndian.Uint32(raw[i:])|1<<(fd%32))
		}
	}
	return m.Write(uint32(p), raw)
}

func (l *Lib) socketExports() runtime.FunctionExports {
	return runtime.FunctionExports{
		{Name: "socket", Arity: 3, Fn: l.Socket},
		{Name: "bind", Arity: 3, Fn: l.Bind},
		{Name: "close", Arity: 1, Fn: l.CloseFD},
		{Name: "select", Arity: 5, Fn: l.Select},
	}
}
