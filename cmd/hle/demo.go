package main

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/wippyai/hle"
	"github.com/wippyai/hle/abi"
	"github.com/wippyai/hle/cpu"
	"github.com/wippyai/hle/dnssd"
	"github.com/wippyai/hle/frameworks/corefoundation"
	"github.com/wippyai/hle/libc"
	"github.com/wippyai/hle/mem"
)

const demoRegtype = "_hle-demo._tcp"

// demoConfig controls the demo run.
type demoConfig struct {
	workers  int
	services []string
	timeout  time.Duration
}

func defaultDemoConfig() demoConfig {
	return demoConfig{
		workers:  2,
		services: []string{"kitchen-printer", "studio-speaker"},
		timeout:  10 * time.Second,
	}
}

// demo plays a small guest program: worker threads wait on a semaphore,
// the main thread browses for services and each browse reply, delivered
// through the main run loop, posts the semaphore once.
type demo struct {
	emu   *hle.Emulator
	table *cpu.Table
	out   io.Writer
	st    styles

	mu      sync.Mutex
	replies []string
}

func (d *demo) printf(format string, args ...any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fmt.Fprintf(d.out, format, args...)
}

// guest calls an export the way compiled guest code would.
func (d *demo) guest(name string, args ...uint32) uint32 {
	e, ok := d.emu.Env.Exports.Resolve(name)
	size := len(args)
	if ok {
		size = max(size, e.WindowSize())
	}
	w := abi.NewWindow(max(size, 1))
	copy(w, args)
	if err := d.emu.Call(name, w); err != nil {
		d.printf("%s %s: %v\n", d.st.err.Render("!"), name, err)
		return 0
	}
	return w[0]
}

func (d *demo) cstring(s string) uint32 {
	p, err := mem.AllocCString(d.emu.Env.Mem, s)
	if err != nil {
		return 0
	}
	return uint32(p)
}

func runDemo(ctx context.Context, emu *hle.Emulator, table *cpu.Table, out io.Writer, st styles, cfg demoConfig) error {
	d := &demo{emu: emu, table: table, out: out, st: st}
	env := emu.Env

	sem := d.guest("sem_open", d.cstring("/hle-demo"), 0, 0, 0)
	if mem.MutPtr[int32](sem) == libc.SemFailed {
		return fmt.Errorf("sem_open failed")
	}

	worker := abi.GuestFunction(table.Define(func(_ context.Context, args []uint32) []uint32 {
		self := d.guest("pthread_self")
		d.printf("%s thread %d waiting on semaphore %#x\n", st.fn.Render("worker"), self, args[0])
		if rc := int32(d.guest("sem_wait", args[0])); rc != 0 {
			return []uint32{0}
		}
		d.printf("%s thread %d released\n", st.fn.Render("worker"), self)
		return []uint32{self}
	}))

	threads := make([]uint32, cfg.workers)
	slot, err := mem.AllocValue[uint32](env.Mem, 0)
	if err != nil {
		return err
	}
	for i := range threads {
		if rc := int32(d.guest("pthread_create", uint32(slot), 0, uint32(worker), sem)); rc != 0 {
			return fmt.Errorf("pthread_create: %d", rc)
		}
		threads[i], _ = mem.Load(env.Mem, slot.Const())
	}
	d.guest("sched_yield")

	callback := table.Define(func(_ context.Context, args []uint32) []uint32 {
		name, _ := mem.CString(env.Mem, mem.ConstPtr[byte](args[4]))
		domain, _ := mem.CString(env.Mem, mem.ConstPtr[byte](args[6]))
		d.mu.Lock()
		d.replies = append(d.replies, name)
		d.mu.Unlock()
		d.printf("%s %s in %s (flags %#x, interface %d)\n",
			st.result.Render("found"), name, domain, args[1], args[2])
		d.guest("sem_post", args[7])
		return nil
	})

	sdRef := slot
	if rc := int32(d.guest("DNSServiceBrowse", uint32(sdRef), 0, 0, d.cstring(demoRegtype), 0, callback, sem)); rc != 0 {
		return fmt.Errorf("DNSServiceBrowse: %d", rc)
	}
	ref, _ := mem.Load(env.Mem, sdRef.Const())
	defer d.guest("DNSServiceRefDeallocate", ref)
	d.printf("%s browsing for %s\n", st.fn.Render("main"), demoRegtype)

	if local, ok := emu.Browser().(*dnssd.Local); ok {
		go func() {
			for _, s := range cfg.services {
				time.Sleep(20 * time.Millisecond)
				local.Announce(demoRegtype, "", s)
			}
		}()
	}

	if err := d.pump(ctx, ref, cfg); err != nil {
		return err
	}

	for _, th := range threads {
		if rc := int32(d.guest("pthread_join", th, uint32(slot))); rc != 0 {
			return fmt.Errorf("pthread_join: %d", rc)
		}
		ret, _ := mem.Load(env.Mem, slot.Const())
		d.printf("%s joined thread %d (returned %d)\n", st.fn.Render("main"), th, ret)
	}
	return nil
}

// pump waits on the browse descriptor with select, hands readable results
// to the run loop and runs it until every worker has been released.
func (d *demo) pump(ctx context.Context, ref uint32, cfg demoConfig) error {
	env := d.emu.Env
	fd := int32(d.guest("DNSServiceRefSockFD", ref))
	if fd < 0 {
		return fmt.Errorf("DNSServiceRefSockFD failed")
	}

	set, err := env.Mem.Alloc(libc.FdSetWords * 4)
	if err != nil {
		return err
	}
	defer func() { _ = env.Mem.Free(set) }()
	tv, err := mem.AllocValue(env.Mem, libc.Timeval{Usec: 100_000})
	if err != nil {
		return err
	}
	defer func() { _ = env.Mem.Free(uint32(tv)) }()

	runArgs := append([]uint32{0}, abi.ToRegs(0.05)...)
	runArgs = append(runArgs, 1)

	deadline := time.Now().Add(cfg.timeout)
	for {
		d.mu.Lock()
		n := len(d.replies)
		d.mu.Unlock()
		if n >= cfg.workers {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out after %d of %d replies", n, cfg.workers)
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		word := set + uint32(fd/32)*4
		if err := env.Mem.WriteU32(word, 1<<(fd%32)); err != nil {
			return err
		}
		if int32(d.guest("select", uint32(fd+1), set, 0, 0, uint32(tv))) > 0 {
			d.guest("DNSServiceProcessResult", ref)
		}
		if rc := int32(d.guest("CFRunLoopRunInMode", runArgs...)); rc == corefoundation.RunFinished {
			return fmt.Errorf("main run loop closed")
		}
	}
}
