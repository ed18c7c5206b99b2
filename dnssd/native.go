//go:build (darwin || linux) && (amd64 || arm64)

package dnssd

import (
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/ebitengine/purego"
	"github.com/wippyai/hle/errors"
	"go.uber.org/zap"
)

// Native is a Browser backed by the system dns_sd library, loaded with
// purego. On Linux this is the Avahi compatibility library.
type Native struct {
	browse  func(sdRef *uintptr, flags, ifIndex uint32, regtype, domain *byte, callBack, context uintptr) int32
	sockFD  func(sdRef uintptr) int32
	process func(sdRef uintptr) int32
	dealloc func(sdRef uintptr)

	refs map[Ref]*nativeRef
	lib  uintptr
	mu   sync.Mutex
}

type nativeRef struct {
	reply ReplyFunc
	sd    uintptr
}

var (
	replyTrampoline uintptr
	trampolineOnce  sync.Once

	// Replies find their browse through the context word, which is the Ref.
	nativeReplies sync.Map // Ref -> ReplyFunc
	nativeNext    atomic.Uint64
)

func libraryPaths() []string {
	if runtime.GOOS == "darwin" {
		return []string{"/usr/lib/system/libsystem_dnssd.dylib", "/usr/lib/libSystem.B.dylib"}
	}
	return []string{"libdns_sd.so.1", "libdns_sd.so"}
}

// OpenNative loads the system dns_sd library. Hosts without it get an error
// matching ErrUnavailable.
func OpenNative() (*Native, error) {
	var lib uintptr
	var lastErr error
	for _, path := range libraryPaths() {
		h, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if err == nil {
			lib = h
			break
		}
		lastErr = err
	}
	if lib == 0 {
		return nil, errors.Wrap(errors.PhaseIO, errors.KindUnsupported, lastErr, "load dns_sd")
	}

	n := &Native{lib: lib, refs: make(map[Ref]*nativeRef)}
	bind := []struct {
		fptr any
		name string
	}{
		{&n.browse, "DNSServiceBrowse"},
		{&n.sockFD, "DNSServiceRefSockFD"},
		{&n.process, "DNSServiceProcessResult"},
		{&n.dealloc, "DNSServiceRefDeallocate"},
	}
	for _, b := range bind {
		sym, err := purego.Dlsym(lib, b.name)
		if err != nil {
			_ = purego.Dlclose(lib)
			return nil, errors.Wrap(errors.PhaseIO, errors.KindUnsupported, err, b.name)
		}
		purego.RegisterFunc(b.fptr, sym)
	}

	trampolineOnce.Do(func() {
		replyTrampoline = purego.NewCallback(browseReply)
	})
	return n, nil
}

// browseReply is the DNSServiceBrowseReply invoked by the library, on the
// thread that called DNSServiceProcessResult.
func browseReply(sdRef uintptr, flags, ifIndex uint32, errorCode int32, name, regtype, domain *byte, context uintptr) {
	ref := Ref(context)
	fn, ok := nativeReplies.Load(ref)
	if !ok {
		Logger().Warn("reply for released browse", zap.Uint64("ref", uint64(ref)))
		return
	}
	fn.(ReplyFunc)(Reply{
		Name:      goString(name),
		Regtype:   goString(regtype),
		Domain:    goString(domain),
		Ref:       ref,
		Flags:     Flags(flags),
		Interface: ifIndex,
		Err:       ErrorCode(errorCode),
	})
}

// Browse implements Browser.
func (n *Native) Browse(regtype, domain string, ifIndex uint32, reply ReplyFunc) (Ref, error) {
	if regtype == "" || reply == nil {
		return 0, errors.InvalidInput(errors.PhaseIO, "browse needs a regtype and a reply function")
	}
	ref := Ref(nativeNext.Add(1))
	nativeReplies.Store(ref, reply)

	rt := cString(regtype)
	var dom *byte
	if domain != "" {
		dom = cString(domain)
	}
	var sd uintptr
	code := n.browse(&sd, 0, ifIndex, rt, dom, replyTrampoline, uintptr(ref))
	runtime.KeepAlive(rt)
	runtime.KeepAlive(dom)
	if ErrorCode(code) != NoError {
		nativeReplies.Delete(ref)
		return 0, errors.New(errors.PhaseIO, errors.KindIO).
			Detail("DNSServiceBrowse failed with %d", code).
			Build()
	}

	n.mu.Lock()
	n.refs[ref] = &nativeRef{reply: reply, sd: sd}
	n.mu.Unlock()
	return ref, nil
}

func (n *Native) lookup(ref Ref) (*nativeRef, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	r, ok := n.refs[ref]
	if !ok {
		return nil, ErrUnknownRef
	}
	return r, nil
}

// SockFD implements Browser.
func (n *Native) SockFD(ref Ref) (int, error) {
	r, err := n.lookup(ref)
	if err != nil {
		return -1, err
	}
	return int(n.sockFD(r.sd)), nil
}

// ProcessResult implements Browser.
func (n *Native) ProcessResult(ref Ref) error {
	r, err := n.lookup(ref)
	if err != nil {
		return err
	}
	if code := n.process(r.sd); ErrorCode(code) != NoError {
		return errors.New(errors.PhaseIO, errors.KindIO).
			Detail("DNSServiceProcessResult failed with %d", code).
			Build()
	}
	return nil
}

// Deallocate implements Browser.
func (n *Native) Deallocate(ref Ref) error {
	n.mu.Lock()
	r, ok := n.refs[ref]
	delete(n.refs, ref)
	n.mu.Unlock()
	if !ok {
		return ErrUnknownRef
	}
	n.dealloc(r.sd)
	nativeReplies.Delete(ref)
	return nil
}

// Close deallocates every browse and unloads the library.
func (n *Native) Close() error {
	n.mu.Lock()
	refs := make([]Ref, 0, len(n.refs))
	for ref := range n.refs {
		refs = append(refs, ref)
	}
	n.mu.Unlock()
	for _, ref := range refs {
		_ = n.Deallocate(ref)
	}
	return purego.Dlclose(n.lib)
}

func cString(s string) *byte {
	b := make([]byte, len(s)+1)
	copy(b, s)
	return &b[0]
}

func goString(p *byte) string {
	if p == nil {
		return ""
	}
	n := 0
	for *(*byte)(unsafe.Add(unsafe.Pointer(p), n)) != 0 {
		n++
	}
	return string(unsafe.Slice(p, n))
}
