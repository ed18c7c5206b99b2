package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/wippyai/hle"
	"github.com/wippyai/hle/cpu"
)

func newTestEmulator(t *testing.T) (*hle.Emulator, *cpu.Table) {
	t.Helper()
	ctx := context.Background()
	emu, table, err := newEmulator(ctx)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = emu.Close(ctx) })
	return emu, table
}

func TestCallExport(t *testing.T) {
	emu, _ := newTestEmulator(t)

	tests := []struct {
		name string
		sym  string
		args []string
		want string
	}{
		{"indirect record result", "CFAbsoluteTimeGetGregorianDate", []string{"0", "0"},
			"{Year:2001 Month:1 Day:1 Hours:0 Minutes:0 Seconds:0}"},
		{"record argument", "CFGregorianDateGetAbsoluteTime", []string{"2001,1,1,0,1,0.5", "0"}, "60.5"},
		{"no arguments", "CFTimeZoneCopySystem", nil, "0"},
		{"int result", "pthread_self", nil, "1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := callExport(emu, tt.sym, tt.args)
			if err != nil {
				t.Fatal(err)
			}
			if res.value != tt.want {
				t.Errorf("value = %q, want %q", res.value, tt.want)
			}
		})
	}
}

func TestCallExport_StringArgument(t *testing.T) {
	emu, _ := newTestEmulator(t)
	before := emu.Env.Mem.(interface{ Live() int }).Live()

	res, err := callExport(emu, "sem_open", []string{"/demo", "0", "0", "1"})
	if err != nil {
		t.Fatal(err)
	}
	if res.value == "0" || res.value == "4294967295" {
		t.Errorf("sem_open = %s", res.value)
	}
	// the semaphore stays allocated, the name buffer does not
	if now := emu.Env.Mem.(interface{ Live() int }).Live(); now != before+1 {
		t.Errorf("live allocations %d, want %d", now, before+1)
	}
}

func TestCallExport_Errors(t *testing.T) {
	emu, _ := newTestEmulator(t)

	tests := []struct {
		name string
		sym  string
		args []string
	}{
		{"arity", "sem_post", nil},
		{"bad integer", "usleep", []string{"soon"}},
		{"bad record", "CFGregorianDateGetAbsoluteTime", []string{"2001,1", "0"}},
		{"unresolved under abort", "NSLog", []string{"1"}},
		{"unresolved with text", "NSLog", []string{"hello"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := callExport(emu, tt.sym, tt.args); err == nil {
				t.Error("call succeeded")
			}
		})
	}
}

func TestListExports(t *testing.T) {
	emu, _ := newTestEmulator(t)
	list := listExports(emu.Env)
	if len(list) != emu.Env.Exports.Len() {
		t.Fatalf("%d of %d exports listed", len(list), emu.Env.Exports.Len())
	}
	byName := make(map[string]exportInfo)
	for _, x := range list {
		byName[x.name] = x
	}
	if x := byName["CFAbsoluteTimeGetGregorianDate"]; !x.indirect || !strings.HasPrefix(x.signature, "CFAbsoluteTimeGetGregorianDate: func(") {
		t.Errorf("CFAbsoluteTimeGetGregorianDate = %+v", x)
	}
	if x := byName["DNSServiceBrowse"]; x.slots != 7 || x.indirect {
		t.Errorf("DNSServiceBrowse = %+v", x)
	}
}

func TestDemo(t *testing.T) {
	emu, table := newTestEmulator(t)
	var out bytes.Buffer
	cfg := defaultDemoConfig()
	cfg.timeout = 5 * time.Second

	if err := runDemo(context.Background(), emu, table, &out, newStyles(false), cfg); err != nil {
		t.Fatalf("demo: %v\n%s", err, out.String())
	}
	text := out.String()
	for _, s := range cfg.services {
		if !strings.Contains(text, "found "+s) {
			t.Errorf("output misses %s:\n%s", s, text)
		}
	}
	if n := strings.Count(text, "released"); n != cfg.workers {
		t.Errorf("%d workers released:\n%s", n, text)
	}
	if n := strings.Count(text, "joined thread"); n != cfg.workers {
		t.Errorf("%d joins:\n%s", n, text)
	}
	if emu.Libc.Services().Len() != 0 {
		t.Error("browse ref not deallocated")
	}
}

func TestFormatSlots(t *testing.T) {
	if got := formatSlots([]uint32{0, 0x2a}); got != "[0x0 0x2a]" {
		t.Errorf("formatSlots = %s", got)
	}
}
