// Package libc provides host implementations of the C library symbols
// guest binaries import: errno, POSIX semaphores, threads, sockets,
// interface enumeration and DNS service discovery.
//
// Failures never cross the boundary as Go errors. They set the calling
// thread's errno cell to the guest's errno value and return -1 (or a
// dns_sd error code), as the guest expects.
package libc

import (
	"sync"

	"github.com/wippyai/hle/dnssd"
	"github.com/wippyai/hle/resource"
	"github.com/wippyai/hle/runtime"
	"github.com/wippyai/hle/sched"
)

// Lib holds the host state behind the libc exports of one Env.
type Lib struct {
	browser    dnssd.Browser
	services   *resource.HandleMap[dnssd.Ref]
	interfaces func() ([]IfAddr, error)
	sockets    map[int32]struct{}
	results    map[sched.ThreadID]uint32
	joined     map[sched.ThreadID]bool
	mu         sync.Mutex
}

// Option configures a Lib.
type Option func(*Lib)

// WithBrowser sets the host service discovery backend used by the
// DNSService* exports. Without one a browse fails with
// kDNSServiceErr_ServiceNotRunning.
func WithBrowser(b dnssd.Browser) Option {
	return func(l *Lib) { l.browser = b }
}

// WithInterfaces replaces the host interface source of getifaddrs.
func WithInterfaces(fn func() ([]IfAddr, error)) Option {
	return func(l *Lib) { l.interfaces = fn }
}

// New creates the libc state.
func New(opts ...Option) *Lib {
	l := &Lib{
		services:   resource.NewHandleMap[dnssd.Ref]("DNSServiceRef"),
		interfaces: hostInterfaces,
		sockets:    make(map[int32]struct{}),
		results:    make(map[sched.ThreadID]uint32),
		joined:     make(map[sched.ThreadID]bool),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Services returns the map of guest DNSServiceRef handles to host browse
// references.
func (l *Lib) Services() *resource.HandleMap[dnssd.Ref] {
	return l.services
}

// Exports returns every libc export bound to l.
func (l *Lib) Exports() runtime.FunctionExports {
	var out runtime.FunctionExports
	out = append(out, l.errnoExports()...)
	out = append(out, l.semaphoreExports()...)
	out = append(out, l.pthreadExports()...)
	out = append(out, l.socketExports()...)
	out = append(out, l.ifaddrsExports()...)
	out = append(out, l.dnssdExports()...)
	return out
}

// Register adds the libc exports to env and traces DNSServiceRef handles
// through its logger.
func (l *Lib) Register(env *runtime.Env) error {
	if err := env.Exports.RegisterAll(l.Exports()); err != nil {
		return err
	}
	l.services.Subscribe(resource.LogEvents(env.Log.Named("libc")))
	return nil
}

// Close stops every browse the guest left running and frees its handle.
func (l *Lib) Close(env *runtime.Env) {
	l.services.Close(func(sdRef uint32, ref dnssd.Ref) {
		l.release(env, sdRef, ref)
	})
}
