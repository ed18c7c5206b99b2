package libc

import (
	"github.com/wippyai/hle/abi"
	"github.com/wippyai/hle/dnssd"
	"github.com/wippyai/hle/errors"
	"github.com/wippyai/hle/mem"
	"github.com/wippyai/hle/runtime"
	"go.uber.org/zap"
)

// DNSServiceRef is the guest handle of a browse: a one-byte guest
// allocation used only as an identity.
type DNSServiceRef = uint32

// DNSServiceBrowse starts a browse on the host. Replies arrive on host
// contexts and are queued on the main run loop; the guest callback runs
// when that loop is drained, with
// (sdRef, flags, interfaceIndex, errorCode, serviceName, regtype, replyDomain, context).
func (l *Lib) DNSServiceBrowse(env *runtime.Env, sdRef mem.MutPtr[DNSServiceRef], _ uint32, ifIndex uint32,
	regtype, domain mem.ConstPtr[byte], callBack abi.GuestFunction, context uint32) int32 {
	if l.browser == nil {
		env.Log.Warn("DNSServiceBrowse without a host browser")
		return int32(dnssd.ErrNotRunning)
	}
	if sdRef.Null() || regtype.Null() || callBack == 0 {
		return int32(dnssd.ErrBadParam)
	}
	rt, err := mem.CString(env.Mem, regtype)
	if err != nil {
		return int32(dnssd.ErrBadParam)
	}
	var dom string
	if !domain.Null() {
		if dom, err = mem.CString(env.Mem, domain); err != nil {
			return int32(dnssd.ErrBadParam)
		}
	}

	handle, err := mem.AllocValue[uint8](env.Mem, 0)
	if err != nil {
		return int32(dnssd.ErrUnknown)
	}
	loop := env.Main
	reply := func(r dnssd.Reply) {
		err := loop.Enqueue(func(env *runtime.Env) {
			l.deliverBrowseReply(env, callBack, context, r)
		})
		if err != nil {
			env.Log.Warn("browse reply dropped", zap.String("service", r.Name), zap.Error(err))
		}
	}

	ref, err := l.browser.Browse(rt, dom, ifIndex, reply)
	if err != nil {
		_ = env.Mem.Free(uint32(handle))
		env.Log.Warn("DNSServiceBrowse failed", zap.String("regtype", rt), zap.Error(err))
		return int32(dnssd.ErrUnknown)
	}
	if err := l.services.Register(uint32(handle), ref); err != nil {
		errors.Fatal(errors.Consistency(errors.PhaseBridge, "browse handle %#x: %v", uint32(handle), err))
	}
	if err := mem.Store(env.Mem, sdRef, uint32(handle)); err != nil {
		l.services.Deallocate(uint32(handle))
		l.release(env, uint32(handle), ref)
		return int32(dnssd.ErrBadParam)
	}
	env.Log.Debug("DNSServiceBrowse",
		zap.String("regtype", rt),
		zap.Uint32("sdRef", uint32(handle)),
		zap.Uint64("ref", uint64(ref)))
	return int32(dnssd.NoError)
}

// deliverBrowseReply runs on the guest thread owning the main loop. The
// browse must still be registered: a reply for a deallocated ref aborts.
func (l *Lib) deliverBrowseReply(env *runtime.Env, callBack abi.GuestFunction, context uint32, r dnssd.Reply) {
	handle := l.services.Reverse(r.Ref)

	name, err := mem.AllocCString(env.Mem, r.Name)
	if err != nil {
		env.Log.Error("browse reply buffers", zap.Error(err))
		return
	}
	regtype, err := mem.AllocCString(env.Mem, r.Regtype)
	if err != nil {
		_ = mem.Frees(env.Mem, uint32(name))
		env.Log.Error("browse reply buffers", zap.Error(err))
		return
	}
	domain, err := mem.AllocCString(env.Mem, r.Domain)
	if err != nil {
		_ = mem.Frees(env.Mem, uint32(name), uint32(regtype))
		env.Log.Error("browse reply buffers", zap.Error(err))
		return
	}
	defer func() { _ = mem.Frees(env.Mem, uint32(domain), uint32(regtype), uint32(name)) }()

	err = runtime.CallGuestVoid(env, callBack,
		handle, uint32(r.Flags), r.Interface, int32(r.Err),
		name.Const(), regtype.Const(), domain.Const(), context)
	if err != nil {
		env.Log.Error("browse callback failed", zap.Uint32("sdRef", handle), zap.Error(err))
	}
}

// DNSServiceRefSockFD returns the descriptor that signals pending replies.
func (l *Lib) DNSServiceRefSockFD(env *runtime.Env, sdRef DNSServiceRef) int32 {
	ref, ok := l.services.Lookup(sdRef)
	if !ok || l.browser == nil {
		return -1
	}
	fd, err := l.browser.SockFD(ref)
	if err != nil {
		env.Log.Warn("DNSServiceRefSockFD", zap.Error(err))
		return -1
	}
	return int32(fd)
}

// DNSServiceProcessResult hands pending replies of sdRef to the run loop.
func (l *Lib) DNSServiceProcessResult(env *runtime.Env, sdRef DNSServiceRef) int32 {
	ref, ok := l.services.Lookup(sdRef)
	if !ok || l.browser == nil {
		return int32(dnssd.ErrBadReference)
	}
	if err := l.browser.ProcessResult(ref); err != nil {
		env.Log.Warn("DNSServiceProcessResult", zap.Error(err))
		return int32(dnssd.ErrUnknown)
	}
	return int32(dnssd.NoError)
}

// DNSServiceRefDeallocate stops the browse and releases its handle.
func (l *Lib) DNSServiceRefDeallocate(env *runtime.Env, sdRef DNSServiceRef) {
	ref, ok := l.services.Deallocate(sdRef)
	if !ok {
		env.Log.Warn("DNSServiceRefDeallocate of unknown ref", zap.Uint32("sdRef", sdRef))
		return
	}
	l.release(env, sdRef, ref)
}

// release stops the host browse ref and frees the guest handle sdRef, which
// must no longer be registered.
func (l *Lib) release(env *runtime.Env, sdRef DNSServiceRef, ref dnssd.Ref) {
	if l.browser != nil {
		if err := l.browser.Deallocate(ref); err != nil {
			env.Log.Warn("DNSServiceRefDeallocate", zap.Uint32("sdRef", sdRef), zap.Error(err))
		}
	}
	_ = env.Mem.Free(sdRef)
}

func (l *Lib) dnssdExports() runtime.FunctionExports {
	return runtime.FunctionExports{
		{Name: "DNSServiceBrowse", Arity: 7, Fn: l.DNSServiceBrowse},
		{Name: "DNSServiceRefSockFD", Arity: 1, Fn: l.DNSServiceRefSockFD},
		{Name: "DNSServiceProcessResult", Arity: 1, Fn: l.DNSServiceProcessResult},
		{Name: "DNSServiceRefDeallocate", Arity: 1, Fn: l.DNSServiceRefDeallocate},
	}
}
