// Package cpu defines how the host calls back into guest code.
//
// The instruction-level emulator is outside this module; host code only
// needs to run a guest function at an address with a slot window of
// arguments and collect result slots. Core is that seam. Table is a
// reference core whose "code" is Go closures at synthetic addresses, and
// Wasm runs the exported functions of a wazero module.
package cpu

import (
	"context"
	"fmt"
	"sync"

	"github.com/wippyai/hle/errors"
)

// Core executes guest functions.
type Core interface {
	// Call runs the function at addr with args in r0.. and returns nret
	// result slots. It blocks until the guest function returns.
	Call(ctx context.Context, addr uint32, args []uint32, nret int) ([]uint32, error)
}

// Func is guest code backed by a Go closure operating on raw slots.
type Func func(ctx context.Context, args []uint32) []uint32

// TableBase is the first synthetic code address handed out by a Table.
const TableBase = 0x0010_0000

// Table is a Core whose functions are Go closures. Addresses are 4-byte
// aligned and never reused.
type Table struct {
	fns  map[uint32]Func
	next uint32
	mu   sync.RWMutex
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{fns: make(map[uint32]Func), next: TableBase}
}

// Define installs fn and returns its guest address.
func (t *Table) Define(fn Func) uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	addr := t.next
	t.next += 4
	t.fns[addr] = fn
	return addr
}

// Call implements Core.
func (t *Table) Call(ctx context.Context, addr uint32, args []uint32, nret int) ([]uint32, error) {
	t.mu.RLock()
	fn, ok := t.fns[addr]
	t.mu.RUnlock()
	if !ok {
		return nil, errors.NotFound(errors.PhaseDispatch, "guest function", fmt.Sprintf("%#x", addr))
	}
	return fit(fn(ctx, args), nret), nil
}

func fit(res []uint32, nret int) []uint32 {
	if len(res) == nret {
		return res
	}
	out := make([]uint32, nret)
	copy(out, res)
	return out
}
