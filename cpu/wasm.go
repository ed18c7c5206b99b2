package cpu

import (
	"context"
	"sync"

	"github.com/tetratelabs/wazero/api"
	"github.com/wippyai/hle/errors"
)

// Wasm is a Core backed by the exported functions of a wazero module.
// Every i32 parameter is one slot. Addresses are assigned by Export.
type Wasm struct {
	mod  api.Module
	fns  map[uint32]api.Function
	addr map[string]uint32
	next uint32
	mu   sync.Mutex
}

// WasmBase is the first address assigned by Wasm.Export.
const WasmBase = 0x0020_0000

// NewWasm wraps an instantiated module.
func NewWasm(mod api.Module) *Wasm {
	return &Wasm{
		mod:  mod,
		fns:  make(map[uint32]api.Function),
		addr: make(map[string]uint32),
		next: WasmBase,
	}
}

// Export returns the guest address of the exported function name,
// assigning one on first use.
func (w *Wasm) Export(name string) (uint32, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if a, ok := w.addr[name]; ok {
		return a, nil
	}
	fn := w.mod.ExportedFunction(name)
	if fn == nil {
		return 0, errors.NotFound(errors.PhaseDispatch, "wasm export", name)
	}
	a := w.next
	w.next += 4
	w.fns[a] = fn
	w.addr[name] = a
	return a, nil
}

// Call implements Core.
func (w *Wasm) Call(ctx context.Context, addr uint32, args []uint32, nret int) ([]uint32, error) {
	w.mu.Lock()
	fn, ok := w.fns[addr]
	w.mu.Unlock()
	if !ok {
		return nil, errors.NotFound(errors.PhaseDispatch, "guest function", w.mod.Name())
	}

	params := fn.Definition().ParamTypes()
	if len(args) < len(params) {
		return nil, errors.OutOfBounds(errors.PhaseDispatch, []string{fn.Definition().Name()}, len(params), len(args))
	}
	in := make([]uint64, len(params))
	for i := range params {
		in[i] = api.EncodeU32(args[i])
	}

	res, err := fn.Call(ctx, in...)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseDispatch, errors.KindIO, err, fn.Definition().Name())
	}
	out := make([]uint32, len(res))
	for i, r := range res {
		out[i] = api.DecodeU32(r)
	}
	return fit(out, nret), nil
}
