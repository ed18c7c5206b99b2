package runtime

import (
	"context"
	"errors"
	"testing"

	"github.com/wippyai/hle/abi"
	"github.com/wippyai/hle/cpu"
	hleerrors "github.com/wippyai/hle/errors"
	"github.com/wippyai/hle/sched"
)

func TestCallGuest_Scalars(t *testing.T) {
	table := cpu.NewTable()
	env := newTestEnv(t, Config{Core: table})

	add := table.Define(func(_ context.Context, args []uint32) []uint32 {
		return []uint32{uint32(int32(args[0]) + int32(args[1]))}
	})
	got, err := CallGuest[int32](env, abi.GuestFunction(add), int32(-7), int32(3))
	if err != nil {
		t.Fatal(err)
	}
	if got != -4 {
		t.Errorf("add = %d", got)
	}

	var seen []uint32
	half := table.Define(func(_ context.Context, args []uint32) []uint32 {
		seen = append([]uint32(nil), args...)
		v := abi.FromRegs[float64](args)
		return abi.ToRegs(v / 2)
	})
	f, err := CallGuest[float64](env, abi.GuestFunction(half), 9.0)
	if err != nil {
		t.Fatal(err)
	}
	if f != 4.5 || len(seen) != 2 {
		t.Errorf("half = %v, args = %v", f, seen)
	}
}

func TestCallGuest_IndirectResult(t *testing.T) {
	table := cpu.NewTable()
	env := newTestEnv(t, Config{Core: table})
	live := env.Mem.(interface{ Live() int }).Live()

	var outPtr uint32
	mk := table.Define(func(_ context.Context, args []uint32) []uint32 {
		outPtr = args[0]
		d := gregorianDate{Year: int32(args[1]), Month: 2, Day: 29, Seconds: 0.5}
		if err := env.Mem.Write(outPtr, abi.Pack(d)); err != nil {
			t.Error(err)
		}
		return nil
	})

	got, err := CallGuest[gregorianDate](env, abi.GuestFunction(mk), int32(2024))
	if err != nil {
		t.Fatal(err)
	}
	if got != (gregorianDate{Year: 2024, Month: 2, Day: 29, Seconds: 0.5}) {
		t.Errorf("result = %+v", got)
	}
	if outPtr == 0 {
		t.Error("no output buffer in slot 0")
	}
	if now := env.Mem.(interface{ Live() int }).Live(); now != live {
		t.Errorf("output buffer leaked: %d live, was %d", now, live)
	}
}

func TestCallGuest_Errors(t *testing.T) {
	table := cpu.NewTable()
	env := newTestEnv(t, Config{Core: table})

	err := CallGuestVoid(env, 0)
	if !errors.Is(err, &hleerrors.Error{Phase: hleerrors.PhaseDispatch, Kind: hleerrors.KindNilPointer}) {
		t.Errorf("null callback err = %v", err)
	}

	err = CallGuestVoid(env, abi.GuestFunction(0xDEAD0))
	if !errors.Is(err, &hleerrors.Error{Phase: hleerrors.PhaseDispatch, Kind: hleerrors.KindNotFound}) {
		t.Errorf("unknown address err = %v", err)
	}

	defer func() {
		r := recover()
		if e, ok := r.(*hleerrors.Error); !ok || e.Phase != hleerrors.PhaseMarshal {
			t.Errorf("recovered %v, want marshal error", r)
		}
	}()
	noop := table.Define(func(context.Context, []uint32) []uint32 { return nil })
	_ = CallGuestVoid(env, abi.GuestFunction(noop), "strings do not marshal")
}

func TestEnv_ErrnoPerThread(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.SetErrno(35)

	var child sched.ThreadID
	tid := env.Spawn(func() {
		child = env.Thread()
		env.SetErrno(4)
		if v, _ := env.Errno.Get(child); v != 4 {
			t.Errorf("child errno = %d", v)
		}
	})
	if err := env.Sched.Join(sched.MainThread, tid); err != nil {
		t.Fatal(err)
	}
	if child != tid {
		t.Errorf("Thread inside spawn = %d, want %d", child, tid)
	}
	if v, _ := env.Errno.Get(sched.MainThread); v != 35 {
		t.Errorf("main errno = %d", v)
	}
}

func TestEnv_LoopsAndClose(t *testing.T) {
	ctx := context.Background()
	env, err := NewEnv(ctx, Config{MemoryPages: 2})
	if err != nil {
		t.Fatal(err)
	}
	if env.Main != env.Loop(sched.MainThread) || env.Main.Name() != "main" {
		t.Error("main loop not shared")
	}
	other := env.Loop(3)
	if other == env.Main || other.Owner() != 3 || other.Name() != "thread-3" {
		t.Errorf("loop for thread 3 = %s owned by %d", other.Name(), other.Owner())
	}

	if err := env.Close(ctx); err != nil {
		t.Fatal(err)
	}
	if err := env.Main.Enqueue(func(*Env) {}); err == nil {
		t.Error("enqueue after Close accepted")
	}
	if err := env.Close(ctx); err != nil {
		t.Errorf("second Close = %v", err)
	}
}
