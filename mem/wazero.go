package mem

import (
	"context"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/wippyai/hle/errors"
)

const pageSize = 65536

// Wazero is a guest address space backed by a wazero linear memory. The
// memory lives in a module of its own that exports it as "memory", so wasm
// guests and host modules in the same runtime can import it.
type Wazero struct {
	mod  api.Module
	mem  api.Memory
	mu   sync.Mutex
	heap *heap
}

// NewWazero instantiates a memory of pages 64KiB pages in rt under the module
// name. The memory grows on demand.
func NewWazero(ctx context.Context, rt wazero.Runtime, name string, pages uint32) (*Wazero, error) {
	if pages == 0 {
		pages = 1
	}
	mod, err := rt.InstantiateWithConfig(ctx, memoryModule(pages), wazero.NewModuleConfig().WithName(name))
	if err != nil {
		return nil, errors.Load("instantiate guest memory", err)
	}
	m := mod.ExportedMemory("memory")
	if m == nil {
		_ = mod.Close(ctx)
		return nil, errors.Load("guest memory module has no memory export", nil)
	}
	return &Wazero{mod: mod, mem: m, heap: newHeap()}, nil
}

// Memory returns the underlying wazero memory.
func (w *Wazero) Memory() api.Memory {
	return w.mem
}

// Close releases the memory module.
func (w *Wazero) Close(ctx context.Context) error {
	return w.mod.Close(ctx)
}

// Read copies length bytes at addr.
func (w *Wazero) Read(addr, length uint32) ([]byte, error) {
	data, ok := w.mem.Read(addr, length)
	if !ok {
		return nil, errors.MemoryFault(addr, length)
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// Write writes data at addr.
func (w *Wazero) Write(addr uint32, data []byte) error {
	if !w.mem.Write(addr, data) {
		return errors.MemoryFault(addr, uint32(len(data)))
	}
	return nil
}

// ReadU32 reads a little-endian 32-bit value.
func (w *Wazero) ReadU32(addr uint32) (uint32, error) {
	v, ok := w.mem.ReadUint32Le(addr)
	if !ok {
		return 0, errors.MemoryFault(addr, 4)
	}
	return v, nil
}

// WriteU32 writes a little-endian 32-bit value.
func (w *Wazero) WriteU32(addr, value uint32) error {
	if !w.mem.WriteUint32Le(addr, value) {
		return errors.MemoryFault(addr, 4)
	}
	return nil
}

// Alloc reserves a zeroed block of at least size bytes.
func (w *Wazero) Alloc(size uint32) (uint32, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	addr, err := w.heap.alloc(size, w.mem.Size(), w.grow)
	if err != nil {
		return 0, err
	}
	n, _ := w.heap.sizeOf(addr)
	if !w.mem.Write(addr, make([]byte, n)) {
		return 0, errors.MemoryFault(addr, n)
	}
	return addr, nil
}

// Free releases a block returned by Alloc.
func (w *Wazero) Free(addr uint32) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.heap.release(addr)
}

// Size returns the current memory size in bytes.
func (w *Wazero) Size() uint32 {
	return w.mem.Size()
}

// Live returns the number of blocks currently allocated.
func (w *Wazero) Live() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.heap.inUse()
}

func (w *Wazero) grow(need uint32) (uint32, error) {
	cur := w.mem.Size()
	delta := (uint64(need) - uint64(cur) + pageSize - 1) / pageSize
	if _, ok := w.mem.Grow(uint32(delta)); !ok {
		return cur, errors.New(errors.PhaseMemory, errors.KindAllocation).
			Detail("grow by %d pages failed", delta).
			Build()
	}
	return w.mem.Size(), nil
}

// memoryModule encodes a wasm module that only defines and exports a memory.
func memoryModule(pages uint32) []byte {
	limits := append([]byte{0x01, 0x00}, uleb128(pages)...) // one memory, no max
	export := []byte{
		0x01,                                     // one export
		0x06, 'm', 'e', 'm', 'o', 'r', 'y', 0x02, // "memory", kind memory
		0x00, // index 0
	}

	b := []byte{
		0x00, 0x61, 0x73, 0x6d, // magic
		0x01, 0x00, 0x00, 0x00, // version
	}
	b = append(b, 0x05)
	b = append(b, uleb128(uint32(len(limits)))...)
	b = append(b, limits...)
	b = append(b, 0x07)
	b = append(b, uleb128(uint32(len(export)))...)
	b = append(b, export...)
	return b
}

func uleb128(v uint32) []byte {
	var out []byte
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			c |= 0x80
		}
		out = append(out, c)
		if v == 0 {
			return out
		}
	}
}
