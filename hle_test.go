package hle

import (
	"context"
	"testing"
	"time"

	"github.com/wippyai/hle/abi"
	"github.com/wippyai/hle/cpu"
	"github.com/wippyai/hle/dnssd"
	"github.com/wippyai/hle/mem"
	"github.com/wippyai/hle/runtime"
)

func newTestEmulator(t *testing.T, opts ...Option) *Emulator {
	t.Helper()
	ctx := context.Background()
	emu, err := New(ctx, opts...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = emu.Close(ctx) })
	return emu
}

func TestNew_RegistersSystemExports(t *testing.T) {
	emu := newTestEmulator(t, WithMemoryPages(2))

	want := len(emu.Libc.Exports()) + len(emu.CoreFoundation.Exports())
	if got := emu.Env.Exports.Len(); got != want {
		t.Errorf("%d exports registered, want %d", got, want)
	}
	if emu.Env.Mem.Size() != 2*65536 {
		t.Errorf("memory size = %d", emu.Env.Mem.Size())
	}
	if _, ok := emu.Browser().(*dnssd.Local); !ok {
		t.Errorf("default browser is %T", emu.Browser())
	}
}

func TestOptions(t *testing.T) {
	fixed := time.Date(2001, time.January, 1, 0, 1, 0, 0, time.UTC)
	local := dnssd.NewLocal()
	defer local.Close()

	emu := newTestEmulator(t,
		WithStubPolicy(runtime.PolicyReturnZero),
		WithClock(func() time.Time { return fixed }),
		WithBrowser(local),
		WithCore(cpu.NewTable()))

	if emu.Env.Policy() != runtime.PolicyReturnZero {
		t.Errorf("policy = %v", emu.Env.Policy())
	}
	if emu.Browser() != dnssd.Browser(local) {
		t.Error("browser option ignored")
	}

	w := abi.NewWindow(2)
	if err := emu.Call("CFAbsoluteTimeGetCurrent", w); err != nil {
		t.Fatal(err)
	}
	if got := abi.FromRegs[float64](w); got != 60 {
		t.Errorf("CFAbsoluteTimeGetCurrent = %v, want 60", got)
	}

	w = abi.NewWindow(1)
	w[0] = 7
	if err := emu.Call("NSLog", w); err != nil || w[0] != 0 {
		t.Errorf("unresolved call = %v, slot 0 = %d", err, w[0])
	}
}

func TestClose_ReleasesOwnedBrowser(t *testing.T) {
	ctx := context.Background()
	emu, err := New(ctx)
	if err != nil {
		t.Fatal(err)
	}
	local := emu.Browser().(*dnssd.Local)
	if _, err := local.Browse("_http._tcp", "", 0, func(dnssd.Reply) {}); err != nil {
		t.Fatal(err)
	}
	if err := emu.Close(ctx); err != nil {
		t.Fatal(err)
	}
	if local.Len() != 0 {
		t.Errorf("%d browses left after Close", local.Len())
	}
}

func TestClose_ReleasesGuestHandles(t *testing.T) {
	ctx := context.Background()
	local := dnssd.NewLocal()
	defer local.Close()
	emu, err := New(ctx, WithBrowser(local))
	if err != nil {
		t.Fatal(err)
	}

	sdRef, _ := mem.AllocValue[uint32](emu.Env.Mem, 0)
	rt, _ := mem.AllocCString(emu.Env.Mem, "_http._tcp")
	if rc := int32(call(t, emu, "DNSServiceBrowse", uint32(sdRef), 0, 0, uint32(rt), 0, 0x100, 0)); rc != 0 {
		t.Fatalf("DNSServiceBrowse = %d", rc)
	}
	if call(t, emu, "CFRunLoopGetMain") == 0 {
		t.Fatal("CFRunLoopGetMain returned null")
	}

	if err := emu.Close(ctx); err != nil {
		t.Fatal(err)
	}
	if local.Len() != 0 {
		t.Errorf("%d browses left running on a borrowed browser", local.Len())
	}
	if n := emu.Libc.Services().Len(); n != 0 {
		t.Errorf("%d DNSServiceRef handles left", n)
	}
	if n := emu.CoreFoundation.RunLoops().Len(); n != 0 {
		t.Errorf("%d CFRunLoopRef handles left", n)
	}
}

// A guest thread blocks on a semaphore; a browse reply, bridged through the
// main run loop, posts it from the guest callback.
func TestBrowseReplyReleasesSemaphoreWaiter(t *testing.T) {
	table := cpu.NewTable()
	emu := newTestEmulator(t, WithCore(table))
	env := emu.Env
	local := emu.Browser().(*dnssd.Local)

	sem := mem.MutPtr[int32](call(t, emu, "sem_open", 0, 0, 0, 0))
	if sem == 0 || sem == 0xFFFF_FFFF {
		t.Fatal("sem_open failed")
	}

	var found string
	callback := table.Define(func(_ context.Context, args []uint32) []uint32 {
		name, err := mem.CString(env.Mem, mem.ConstPtr[byte](args[4]))
		if err != nil {
			t.Error(err)
		}
		found = name
		call(t, emu, "sem_post", args[7])
		return nil
	})

	woke := false
	waiter := env.Spawn(func() {
		woke = call(t, emu, "sem_wait", uint32(sem)) == 0
	})

	sdRef, _ := mem.AllocValue[uint32](env.Mem, 0)
	regtype, _ := mem.AllocCString(env.Mem, "_ipp._tcp")
	if rc := int32(call(t, emu, "DNSServiceBrowse",
		uint32(sdRef), 0, 0, uint32(regtype), 0, callback, uint32(sem))); rc != 0 {
		t.Fatalf("DNSServiceBrowse = %d", rc)
	}
	ref, _ := mem.Load(env.Mem, sdRef.Const())

	go local.Announce("_ipp._tcp", "local", "office")
	deadline := time.Now().Add(5 * time.Second)
	for env.Main.Len() == 0 && time.Now().Before(deadline) {
		if rc := int32(call(t, emu, "DNSServiceProcessResult", ref)); rc != 0 {
			t.Fatalf("DNSServiceProcessResult = %d", rc)
		}
		time.Sleep(time.Millisecond)
	}

	args := []uint32{0}
	args = append(args, abi.ToRegs(1.0)...)
	args = append(args, 1)
	if rc := int32(call(t, emu, "CFRunLoopRunInMode", args...)); rc != 4 {
		t.Fatalf("CFRunLoopRunInMode = %d", rc)
	}
	if err := env.Sched.Join(env.Thread(), waiter); err != nil {
		t.Fatal(err)
	}
	if !woke || found != "office" {
		t.Errorf("waiter woke = %v, service = %q", woke, found)
	}
}

func call(t *testing.T, emu *Emulator, name string, args ...uint32) uint32 {
	t.Helper()
	e, ok := emu.Env.Exports.Resolve(name)
	if !ok {
		t.Fatalf("%s not registered", name)
	}
	w := abi.NewWindow(max(e.WindowSize(), len(args)))
	copy(w, args)
	if err := emu.Call(name, w); err != nil {
		t.Fatalf("%s: %v", name, err)
	}
	return w[0]
}
