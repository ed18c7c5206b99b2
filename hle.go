package hle

import (
	"context"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/wippyai/hle/abi"
	"github.com/wippyai/hle/cpu"
	"github.com/wippyai/hle/dnssd"
	"github.com/wippyai/hle/frameworks/corefoundation"
	"github.com/wippyai/hle/libc"
	"github.com/wippyai/hle/runtime"
	"go.uber.org/zap"
)

// GuestModule is the import module name guest binaries bind host exports
// from.
const GuestModule = "env"

// Emulator is an Env with the libc and CoreFoundation exports registered.
type Emulator struct {
	Env            *runtime.Env
	Libc           *libc.Lib
	CoreFoundation *corefoundation.Framework

	browser     dnssd.Browser
	ownsBrowser bool
}

type options struct {
	cfg     runtime.Config
	browser dnssd.Browser
}

// Option configures an Emulator.
type Option func(*options)

// WithMemoryPages sets the initial guest memory size in 64KiB pages.
func WithMemoryPages(pages uint32) Option {
	return func(o *options) { o.cfg.MemoryPages = pages }
}

// WithStubPolicy sets what happens on calls to symbols without a host
// implementation.
func WithStubPolicy(p runtime.StubPolicy) Option {
	return func(o *options) { o.cfg.StubPolicy = p }
}

// WithLogger sets the logger. The default is the runtime package logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.cfg.Logger = l }
}

// WithBrowser sets the service discovery backend. The default is an
// in-process dnssd.Local owned and closed by the Emulator.
func WithBrowser(b dnssd.Browser) Option {
	return func(o *options) { o.browser = b }
}

// WithClock sets the host clock behind the time exports.
func WithClock(fn func() time.Time) Option {
	return func(o *options) { o.cfg.Clock = fn }
}

// WithCore sets the guest CPU. The default is an empty cpu.Table.
func WithCore(c cpu.Core) Option {
	return func(o *options) { o.cfg.Core = c }
}

// New creates an Emulator. The calling goroutine becomes guest thread 0.
func New(ctx context.Context, opts ...Option) (*Emulator, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	env, err := runtime.NewEnv(ctx, o.cfg)
	if err != nil {
		return nil, err
	}

	e := &Emulator{Env: env, browser: o.browser}
	if e.browser == nil {
		e.browser = dnssd.NewLocal()
		e.ownsBrowser = true
	}
	e.Libc = libc.New(libc.WithBrowser(e.browser))
	e.CoreFoundation = corefoundation.New()

	for _, register := range []func(*runtime.Env) error{e.Libc.Register, e.CoreFoundation.Register} {
		if err := register(env); err != nil {
			_ = e.Close(ctx)
			return nil, err
		}
	}
	env.Log.Debug("emulator ready",
		zap.Int("exports", env.Exports.Len()),
		zap.Stringer("stub_policy", env.Policy()),
		zap.Uint32("memory_bytes", env.Mem.Size()))
	return e, nil
}

// Browser returns the service discovery backend.
func (e *Emulator) Browser() dnssd.Browser {
	return e.browser
}

// Call invokes the export name with argument window w, as the guest
// dispatcher does.
func (e *Emulator) Call(name string, w abi.Window) error {
	return e.Env.Exports.Call(e.Env, name, w)
}

// Bind instantiates the exports as wazero host module GuestModule and
// checks guest's imports against them. guest may be nil.
func (e *Emulator) Bind(ctx context.Context, guest wazero.CompiledModule) (api.Module, error) {
	return runtime.BindWazero(ctx, e.Env, GuestModule, guest)
}

// Close stops the browses and run-loop refs the guest left behind, then
// releases the Env and, when owned, the browser.
func (e *Emulator) Close(ctx context.Context) error {
	e.Libc.Close(e.Env)
	e.CoreFoundation.Close(e.Env)
	if e.ownsBrowser {
		if c, ok := e.browser.(interface{ Close() error }); ok {
			_ = c.Close()
		}
	}
	return e.Env.Close(ctx)
}
