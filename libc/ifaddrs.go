package libc

import (
	"net"

	"github.com/wippyai/hle/mem"
	"github.com/wippyai/hle/runtime"
	"go.uber.org/zap"
)

// Guest interface flags.
const (
	IFFUp           uint32 = 0x1
	IFFBroadcast    uint32 = 0x2
	IFFLoopback     uint32 = 0x8
	IFFPointToPoint uint32 = 0x10
	IFFRunning      uint32 = 0x40
	IFFMulticast    uint32 = 0x8000
)

// IfAddr is one IPv4 interface address of the host.
type IfAddr struct {
	Name    string
	Flags   uint32
	Addr    [4]byte
	Netmask [4]byte
}

// Ifaddrs is the guest struct ifaddrs.
type Ifaddrs struct {
	Next    mem.MutPtr[Ifaddrs]
	Name    mem.MutPtr[byte]
	Flags   uint32
	Addr    mem.MutPtr[SockaddrIn]
	Netmask mem.MutPtr[SockaddrIn]
	DstAddr mem.MutPtr[SockaddrIn]
	Data    uint32
}

func hostInterfaces() ([]IfAddr, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	var out []IfAddr
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := ipnet.IP.To4()
			if ip4 == nil || len(ipnet.Mask) != net.IPv4len {
				continue
			}
			ia := IfAddr{Name: iface.Name, Flags: guestFlags(iface.Flags)}
			copy(ia.Addr[:], ip4)
			copy(ia.Netmask[:], ipnet.Mask)
			out = append(out, ia)
		}
	}
	return out, nil
}

func guestFlags(f net.Flags) uint32 {
	var g uint32
	if f&net.FlagUp != 0 {
		g |= IFFUp
	}
	if f&net.FlagBroadcast != 0 {
		g |= IFFBroadcast
	}
	if f&net.FlagLoopback != 0 {
		g |= IFFLoopback
	}
	if f&net.FlagPointToPoint != 0 {
		g |= IFFPointToPoint
	}
	if f&net.FlagRunning != 0 {
		g |= IFFRunning
	}
	if f&net.FlagMulticast != 0 {
		g |= IFFMulticast
	}
	return g
}

// Getifaddrs is getifaddrs. It builds a linked list of the host's IPv4
// addresses in guest memory, in host enumeration order.
func (l *Lib) Getifaddrs(env *runtime.Env, ifap mem.MutPtr[mem.MutPtr[Ifaddrs]]) int32 {
	addrs, err := l.interfaces()
	if err != nil {
		return fail(env, "getifaddrs", err)
	}

	var head mem.MutPtr[Ifaddrs]
	for i := len(addrs) - 1; i >= 0; i-- {
		node, err := allocIfaddrs(env.Mem, addrs[i], head)
		if err != nil {
			l.Freeifaddrs(env, head)
			return failErrno(env, ENOMEM)
		}
		head = node
	}
	if err := mem.Store(env.Mem, ifap, head); err != nil {
		l.Freeifaddrs(env, head)
		return failErrno(env, EFAULT)
	}
	return 0
}

func allocIfaddrs(m mem.Memory, a IfAddr, next mem.MutPtr[Ifaddrs]) (mem.MutPtr[Ifaddrs], error) {
	name, err := mem.AllocCString(m, a.Name)
	if err != nil {
		return 0, err
	}
	addr, err := mem.AllocValue(m, NewSockaddrIn(a.Addr, 0))
	if err != nil {
		_ = mem.Frees(m, uint32(name))
		return 0, err
	}
	mask, err := mem.AllocValue(m, NewSockaddrIn(a.Netmask, 0))
	if err != nil {
		_ = mem.Frees(m, uint32(name), uint32(addr))
		return 0, err
	}
	node, err := mem.AllocValue(m, Ifaddrs{
		Next:    next,
		Name:    name,
		Flags:   a.Flags,
		Addr:    addr,
		Netmask: mask,
	})
	if err != nil {
		_ = mem.Frees(m, uint32(name), uint32(addr), uint32(mask))
		return 0, err
	}
	return node, nil
}

// Freeifaddrs is freeifaddrs.
func (l *Lib) Freeifaddrs(env *runtime.Env, ifa mem.MutPtr[Ifaddrs]) {
	for cur := ifa; !cur.Null(); {
		node, err := mem.Load(env.Mem, cur.Const())
		if err != nil {
			env.Log.Warn("freeifaddrs: bad list node", zap.Uint32("addr", uint32(cur)), zap.Error(err))
			return
		}
		_ = mem.Frees(env.Mem, uint32(node.Name), uint32(node.Addr), uint32(node.Netmask), uint32(node.DstAddr), uint32(cur))
		cur = node.Next
	}
}

// IfNameindex is if_nameindex. Interface index lists are not provided.
func IfNameindex(*runtime.Env) uint32 {
	return 0
}

func (l *Lib) ifaddrsExports() runtime.FunctionExports {
	return runtime.FunctionExports{
		{Name: "getifaddrs", Arity: 1, Fn: l.Getifaddrs},
		{Name: "freeifaddrs", Arity: 1, Fn: l.Freeifaddrs},
		{Name: "if_nameindex", Arity: 0, Fn: IfNameindex},
	}
}
