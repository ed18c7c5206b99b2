// Package corefoundation provides host implementations of the
// CoreFoundation time and run-loop functions guest binaries import.
//
// CFRunLoopRunInMode is the guest's safe point: it drains the calling
// thread's callback queue, so host completions reach guest callbacks there.
package corefoundation

import (
	"sync"

	"github.com/wippyai/hle/mem"
	"github.com/wippyai/hle/resource"
	"github.com/wippyai/hle/runloop"
	"github.com/wippyai/hle/runtime"
	"go.uber.org/zap"
)

// Ref is a CFTypeRef as seen by the guest.
type Ref = uint32

// Framework holds the host state behind the CoreFoundation exports of one
// Env.
type Framework struct {
	loops *resource.HandleMap[*runloop.Loop[*runtime.Env]]
	mu    sync.Mutex
}

// New creates the CoreFoundation state.
func New() *Framework {
	return &Framework{
		loops: resource.NewHandleMap[*runloop.Loop[*runtime.Env]]("CFRunLoopRef"),
	}
}

// RunLoops returns the map of guest CFRunLoopRef values to run loops.
func (f *Framework) RunLoops() *resource.HandleMap[*runloop.Loop[*runtime.Env]] {
	return f.loops
}

// refFor returns the guest ref of loop, allocating one on first use.
func (f *Framework) refFor(env *runtime.Env, loop *runloop.Loop[*runtime.Env]) Ref {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ref, ok := f.loops.ReverseLookup(loop); ok {
		return ref
	}
	p, err := mem.AllocValue[uint32](env.Mem, 0)
	if err != nil {
		env.Log.Error("CFRunLoopRef allocation", zap.String("loop", loop.Name()), zap.Error(err))
		return 0
	}
	if err := f.loops.Register(uint32(p), loop); err != nil {
		_ = env.Mem.Free(uint32(p))
		env.Log.Error("CFRunLoopRef registration", zap.String("loop", loop.Name()), zap.Error(err))
		return 0
	}
	return uint32(p)
}

// Exports returns every CoreFoundation export bound to f.
func (f *Framework) Exports() runtime.FunctionExports {
	var out runtime.FunctionExports
	out = append(out, timeExports()...)
	out = append(out, f.runLoopExports()...)
	return out
}

// Register adds the CoreFoundation exports to env and traces run-loop refs
// through its logger.
func (f *Framework) Register(env *runtime.Env) error {
	if err := env.Exports.RegisterAll(f.Exports()); err != nil {
		return err
	}
	f.loops.Subscribe(resource.LogEvents(env.Log.Named("corefoundation")))
	return nil
}

// Close drops every run-loop ref and frees its guest cell.
func (f *Framework) Close(env *runtime.Env) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loops.Close(func(ref uint32, _ *runloop.Loop[*runtime.Env]) {
		_ = env.Mem.Free(ref)
	})
}
