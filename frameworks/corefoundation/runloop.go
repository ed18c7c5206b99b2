package corefoundation

import (
	"math"
	"time"

	"github.com/wippyai/hle/runtime"
	"go.uber.org/zap"
)

// CFRunLoopRunInMode results.
const (
	RunFinished      int32 = 1
	RunStopped       int32 = 2
	RunTimedOut      int32 = 3
	RunHandledSource int32 = 4
)

// distantFuture is the interval from which a run is treated as unbounded.
const distantFuture = 1e10

// CFRunLoopGetMain returns the main thread's run loop.
func (f *Framework) CFRunLoopGetMain(env *runtime.Env) Ref {
	return f.refFor(env, env.Main)
}

// CFRunLoopGetCurrent returns the calling thread's run loop.
func (f *Framework) CFRunLoopGetCurrent(env *runtime.Env) Ref {
	return f.refFor(env, env.Loop(env.Thread()))
}

// CFRunLoopRunInMode runs the calling thread's loop. Queued completions are
// delivered; between drains the thread parks so other guest threads run.
// With returnAfterSourceHandled it returns after the first drain that ran
// anything, otherwise when seconds have passed. The mode is ignored.
func (f *Framework) CFRunLoopRunInMode(env *runtime.Env, mode Ref, seconds float64, returnAfterSourceHandled bool) int32 {
	self := env.GuestThread("CFRunLoopRunInMode")
	loop := env.Loop(self)

	forever := seconds >= distantFuture || math.IsNaN(seconds)
	var deadline time.Time
	if !forever {
		deadline = time.Now().Add(time.Duration(math.Max(seconds, 0) * float64(time.Second)))
	}

	handled := 0
	defer func() {
		env.Log.Debug("CFRunLoopRunInMode",
			zap.String("loop", loop.Name()),
			zap.Uint32("mode", mode),
			zap.Int("handled", handled))
	}()

	for {
		if n := loop.Drain(env); n > 0 {
			handled += n
			if returnAfterSourceHandled {
				return RunHandledSource
			}
		}
		if loop.Closed() {
			return RunFinished
		}
		timeout := time.Duration(-1)
		if !forever {
			timeout = time.Until(deadline)
			if timeout <= 0 {
				return RunTimedOut
			}
		}
		loop.Park(self, timeout)
	}
}

func (f *Framework) runLoopExports() runtime.FunctionExports {
	return runtime.FunctionExports{
		{Name: "CFRunLoopGetMain", Arity: 0, Fn: f.CFRunLoopGetMain},
		{Name: "CFRunLoopGetCurrent", Arity: 0, Fn: f.CFRunLoopGetCurrent},
		{Name: "CFRunLoopRunInMode", Arity: 3, Fn: f.CFRunLoopRunInMode},
	}
}
