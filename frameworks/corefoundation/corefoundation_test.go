package corefoundation

import (
	"context"
	"math"
	"reflect"
	"testing"
	"time"

	"github.com/wippyai/hle/abi"
	"github.com/wippyai/hle/runtime"
	"github.com/wippyai/hle/sched"
)

func newTestEnv(t *testing.T, clock func() time.Time) (*runtime.Env, *Framework) {
	t.Helper()
	ctx := context.Background()
	env, err := runtime.NewEnv(ctx, runtime.Config{MemoryPages: 2, Clock: clock})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = env.Close(ctx) })
	f := New()
	if err := f.Register(env); err != nil {
		t.Fatal(err)
	}
	return env, f
}

// callExport runs name through the registry with a window built from args.
func callExport(t *testing.T, env *runtime.Env, name string, out uint32, args ...any) abi.Window {
	t.Helper()
	e, ok := env.Exports.Resolve(name)
	if !ok {
		t.Fatalf("%s not registered", name)
	}
	vals := make([]reflect.Value, len(args))
	for i, a := range args {
		vals[i] = reflect.ValueOf(a)
	}
	w := e.Layout().EncodeArgs(out, vals)
	if err := env.Exports.Call(env, name, w); err != nil {
		t.Fatalf("%s: %v", name, err)
	}
	return w
}

func TestAbsoluteTimeGetCurrent(t *testing.T) {
	now := time.Date(2001, time.January, 1, 0, 0, 10, 500_000_000, time.UTC)
	env, _ := newTestEnv(t, func() time.Time { return now })

	w := callExport(t, env, "CFAbsoluteTimeGetCurrent", 0)
	if got := abi.FromRegs[float64](w); got != 10.5 {
		t.Errorf("CFAbsoluteTimeGetCurrent = %v, want 10.5", got)
	}
	if got := CFTimeZoneCopySystem(env); got != 0 {
		t.Errorf("CFTimeZoneCopySystem = %#x", got)
	}
}

func TestGregorianDate(t *testing.T) {
	env, _ := newTestEnv(t, nil)

	tests := []struct {
		name string
		at   AbsoluteTime
		want GregorianDate
	}{
		{"reference date", 0, GregorianDate{Year: 2001, Month: 1, Day: 1}},
		{"before reference", -1, GregorianDate{Year: 2000, Month: 12, Day: 31, Hours: 23, Minutes: 59, Seconds: 59}},
		{"leap day", AbsoluteTimeOf(time.Date(2024, time.February, 29, 12, 34, 56, 0, time.UTC)) + 0.25,
			GregorianDate{Year: 2024, Month: 2, Day: 29, Hours: 12, Minutes: 34, Seconds: 56.25}},
		{"december", AbsoluteTimeOf(time.Date(2010, time.December, 31, 0, 0, 0, 0, time.UTC)),
			GregorianDate{Year: 2010, Month: 12, Day: 31}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CFAbsoluteTimeGetGregorianDate(env, tt.at, 0); got != tt.want {
				t.Errorf("date = %+v, want %+v", got, tt.want)
			}
			if back := CFGregorianDateGetAbsoluteTime(env, tt.want, 0); math.Abs(back-tt.at) > 1e-6 {
				t.Errorf("absolute time = %v, want %v", back, tt.at)
			}
		})
	}
}

func TestGregorianDateThroughRegistry(t *testing.T) {
	env, _ := newTestEnv(t, nil)
	at := AbsoluteTimeOf(time.Date(2024, time.February, 29, 12, 34, 56, 0, time.UTC)) + 0.5
	want := GregorianDate{Year: 2024, Month: 2, Day: 29, Hours: 12, Minutes: 34, Seconds: 56.5}

	e, _ := env.Exports.Resolve("CFAbsoluteTimeGetGregorianDate")
	if !e.Layout().Indirect() || e.Layout().ArgSlots != 4 {
		t.Fatalf("layout: indirect %v, %d arg slots", e.Layout().Indirect(), e.Layout().ArgSlots)
	}
	out, err := env.Mem.Alloc(uint32(abi.MustCodec[GregorianDate]().Size))
	if err != nil {
		t.Fatal(err)
	}
	callExport(t, env, "CFAbsoluteTimeGetGregorianDate", out, at, Ref(0))
	raw, err := env.Mem.Read(out, uint32(abi.MustCodec[GregorianDate]().Size))
	if err != nil {
		t.Fatal(err)
	}
	if got := abi.Unpack[GregorianDate](raw); got != want {
		t.Errorf("date = %+v, want %+v", got, want)
	}

	e, _ = env.Exports.Resolve("CFGregorianDateGetAbsoluteTime")
	if e.Layout().ArgSlots != 8 {
		t.Errorf("CFGregorianDateGetAbsoluteTime uses %d arg slots, want 8", e.Layout().ArgSlots)
	}
	w := callExport(t, env, "CFGregorianDateGetAbsoluteTime", 0, want, Ref(0))
	if got := abi.FromRegs[float64](w); got != at {
		t.Errorf("absolute time = %v, want %v", got, at)
	}
}

func TestRunLoopRefs(t *testing.T) {
	env, f := newTestEnv(t, nil)

	main := f.CFRunLoopGetMain(env)
	if main == 0 || f.CFRunLoopGetMain(env) != main {
		t.Fatalf("CFRunLoopGetMain = %#x, not stable", main)
	}
	if cur := f.CFRunLoopGetCurrent(env); cur != main {
		t.Errorf("CFRunLoopGetCurrent on main = %#x, want %#x", cur, main)
	}
	if f.RunLoops().Resolve(main) != env.Main {
		t.Error("main ref does not resolve to the main loop")
	}

	var child Ref
	tid := env.Spawn(func() { child = f.CFRunLoopGetCurrent(env) })
	if err := env.Sched.Join(sched.MainThread, tid); err != nil {
		t.Fatal(err)
	}
	if child == 0 || child == main {
		t.Errorf("thread loop ref = %#x", child)
	}
	if f.RunLoops().Len() != 2 {
		t.Errorf("%d loops registered", f.RunLoops().Len())
	}
}

func TestRunInMode_HandledSource(t *testing.T) {
	env, f := newTestEnv(t, nil)

	ran := false
	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = env.Main.Enqueue(func(*runtime.Env) { ran = true })
	}()
	if got := f.CFRunLoopRunInMode(env, 0, 5, true); got != RunHandledSource {
		t.Errorf("CFRunLoopRunInMode = %d, want handled", got)
	}
	if !ran {
		t.Error("completion did not run")
	}
}

func TestRunInMode_CompletionFromGuestThread(t *testing.T) {
	env, f := newTestEnv(t, nil)

	var order []string
	env.Spawn(func() {
		order = append(order, "worker")
		_ = env.Main.Enqueue(func(*runtime.Env) { order = append(order, "callback") })
	})
	if got := f.CFRunLoopRunInMode(env, 0, 5, true); got != RunHandledSource {
		t.Fatalf("CFRunLoopRunInMode = %d", got)
	}
	if len(order) != 2 || order[0] != "worker" || order[1] != "callback" {
		t.Errorf("order = %v", order)
	}
}

func TestRunInMode_TimedOut(t *testing.T) {
	env, f := newTestEnv(t, nil)

	start := time.Now()
	if got := f.CFRunLoopRunInMode(env, 0, 0.02, false); got != RunTimedOut {
		t.Errorf("CFRunLoopRunInMode = %d, want timed out", got)
	}
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Errorf("returned after %v", elapsed)
	}

	ran := 0
	_ = env.Main.Enqueue(func(*runtime.Env) { ran++ })
	if got := f.CFRunLoopRunInMode(env, 0, 0, false); got != RunTimedOut || ran != 1 {
		t.Errorf("zero interval = %d, ran %d", got, ran)
	}
}

func TestRunInMode_Finished(t *testing.T) {
	env, f := newTestEnv(t, nil)
	env.Main.Close()
	if got := f.CFRunLoopRunInMode(env, 0, 5, false); got != RunFinished {
		t.Errorf("CFRunLoopRunInMode on closed loop = %d", got)
	}
}
