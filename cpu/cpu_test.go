package cpu

import (
	"context"
	"errors"
	"testing"

	"github.com/tetratelabs/wazero"
	hleerrors "github.com/wippyai/hle/errors"
)

// addWASM exports add(i32, i32) -> i32.
var addWASM = []byte{
	0x00, 0x61, 0x73, 0x6d, // magic
	0x01, 0x00, 0x00, 0x00, // version
	0x01, 0x07, 0x01, 0x60, 0x02, 0x7f, 0x7f, 0x01, 0x7f, // type section: (i32, i32) -> i32
	0x03, 0x02, 0x01, 0x00, // function section
	0x07, 0x07, 0x01, 0x03, 'a', 'd', 'd', 0x00, 0x00, // export "add"
	0x0a, 0x09, 0x01, 0x07, 0x00, 0x20, 0x00, 0x20, 0x01, 0x6a, 0x0b, // local.get 0, local.get 1, i32.add
}

func TestTable_DefineCall(t *testing.T) {
	tab := NewTable()
	sum := tab.Define(func(_ context.Context, args []uint32) []uint32 {
		return []uint32{args[0] + args[1]}
	})
	noop := tab.Define(func(context.Context, []uint32) []uint32 { return nil })

	if sum == noop || sum%4 != 0 || sum < TableBase {
		t.Errorf("addresses %#x %#x", sum, noop)
	}

	res, err := tab.Call(context.Background(), sum, []uint32{2, 3}, 1)
	if err != nil || len(res) != 1 || res[0] != 5 {
		t.Errorf("Call = %v, %v", res, err)
	}

	res, err = tab.Call(context.Background(), noop, nil, 2)
	if err != nil || len(res) != 2 || res[0] != 0 || res[1] != 0 {
		t.Errorf("Call padded = %v, %v", res, err)
	}
}

func TestTable_UnknownAddress(t *testing.T) {
	tab := NewTable()
	_, err := tab.Call(context.Background(), 0xdead, nil, 0)
	if !errors.Is(err, &hleerrors.Error{Phase: hleerrors.PhaseDispatch, Kind: hleerrors.KindNotFound}) {
		t.Errorf("err = %v", err)
	}
}

func TestWasm_Call(t *testing.T) {
	ctx := context.Background()
	rt := wazero.NewRuntime(ctx)
	defer rt.Close(ctx)

	mod, err := rt.Instantiate(ctx, addWASM)
	if err != nil {
		t.Fatalf("instantiate: %v", err)
	}
	core := NewWasm(mod)

	addr, err := core.Export("add")
	if err != nil {
		t.Fatal(err)
	}
	again, _ := core.Export("add")
	if again != addr {
		t.Errorf("Export not stable: %#x vs %#x", addr, again)
	}

	res, err := core.Call(ctx, addr, []uint32{40, 2}, 1)
	if err != nil || res[0] != 42 {
		t.Errorf("Call = %v, %v", res, err)
	}

	res, err = core.Call(ctx, addr, []uint32{0xffffffff, 2}, 1)
	if err != nil || res[0] != 1 {
		t.Errorf("wrapping add = %v, %v", res, err)
	}

	if _, err := core.Call(ctx, addr, []uint32{1}, 1); err == nil {
		t.Error("short window should fail")
	}
	if _, err := core.Export("missing"); err == nil {
		t.Error("missing export should fail")
	}
}
