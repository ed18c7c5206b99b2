// Package hle is the guest/host execution boundary of a high-level
// emulator: guest code runs on an emulated CPU and calls into host
// implementations of the system libraries it imports.
//
// # Architecture Overview
//
//	hle/                      Emulator: an Env with the system exports registered
//	├── abi/                  Slot marshalling of Go values (registers, stack words, indirect results)
//	├── runtime/              Env, export registry, guest calls, wazero host module binding
//	├── sched/                Cooperative guest threads, semaphores, per-thread cells
//	├── runloop/              Callback queues that carry host completions into guest context
//	├── resource/             Guest handle <-> host resource maps
//	├── mem/                  Guest memory, typed guest pointers
//	├── cpu/                  Guest CPU collaborator
//	├── libc/                 errno, semaphores, pthreads, sockets, getifaddrs, dns_sd
//	├── frameworks/           CoreFoundation time and run loop
//	├── dnssd/                Host service discovery backends
//	└── errors/               Structured error types
//
// # Quick Start
//
//	table := cpu.NewTable()
//	emu, err := hle.New(ctx, hle.WithCore(table))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer emu.Close(ctx)
//
//	entry, _ := emu.Env.Exports.Resolve("sem_open")
//	w := abi.NewWindow(entry.WindowSize())
//	if err := emu.Call("sem_open", w); err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("sem_t* = %#x\n", w[0])
//
// # Threads and Callbacks
//
// Exactly one guest thread runs at a time. Blocking exports (sem_wait,
// pthread_join, usleep, CFRunLoopRunInMode) hand the CPU to the next
// runnable thread. Host completions never touch guest state directly:
// they are queued on the owning thread's run loop and delivered when that
// thread drains it, normally inside CFRunLoopRunInMode.
package hle
