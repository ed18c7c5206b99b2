package abi

import (
	"reflect"

	"github.com/wippyai/hle/errors"
)

// Window is the slot window of one guest call: r0-r3 followed by the
// stack-passed words. Results are written back from slot 0.
type Window []uint32

// NewWindow returns a zeroed window of n slots.
func NewWindow(n int) Window {
	return make(Window, n)
}

// Arg returns slot i.
func (w Window) Arg(i int) uint32 {
	if i < 0 || i >= len(w) {
		errors.Fatal(errors.OutOfBounds(errors.PhaseMarshal, []string{"window"}, i, len(w)))
	}
	return w[i]
}

// Range returns n slots starting at from.
func (w Window) Range(from, n int) []uint32 {
	if from < 0 || n < 0 || from+n > len(w) {
		errors.Fatal(errors.OutOfBounds(errors.PhaseMarshal, []string{"window"}, from+n, len(w)))
	}
	return w[from : from+n]
}

// SetReturn copies result slots to the start of the window.
func (w Window) SetReturn(slots []uint32) {
	if len(slots) > len(w) {
		errors.Fatal(errors.OutOfBounds(errors.PhaseMarshal, []string{"window"}, len(slots), len(w)))
	}
	copy(w, slots)
}

// Layout describes where the arguments and result of a signature live in a
// window.
type Layout struct {
	Params   []*Codec
	Result   *Codec // nil for no result
	Offsets  []int  // first slot of each parameter
	ArgSlots int    // slots used by arguments, including the indirect pointer
}

// Indirect reports whether the result travels through a buffer whose
// address is in slot 0.
func (l *Layout) Indirect() bool {
	return l.Result != nil && l.Result.Indirect()
}

// ResultSlots returns how many slots the result occupies in registers.
func (l *Layout) ResultSlots() int {
	if l.Result == nil || l.Indirect() {
		return 0
	}
	return l.Result.Slots
}

// NewLayout computes the window layout of a signature.
func NewLayout(params []reflect.Type, result reflect.Type) (*Layout, error) {
	l := &Layout{
		Params:  make([]*Codec, len(params)),
		Offsets: make([]int, len(params)),
	}
	if result != nil {
		rc, err := Compile(result)
		if err != nil {
			return nil, err
		}
		l.Result = rc
	}

	slot := 0
	if l.Indirect() {
		slot = 1
	}
	for i, p := range params {
		pc, err := Compile(p)
		if err != nil {
			return nil, err
		}
		l.Params[i] = pc
		l.Offsets[i] = slot
		slot += pc.Slots
	}
	l.ArgSlots = slot
	return l, nil
}

// EncodeArgs packs values into a fresh window. When the result is indirect,
// out is stored in slot 0.
func (l *Layout) EncodeArgs(out uint32, args []reflect.Value) Window {
	if len(args) != len(l.Params) {
		errors.Fatal(errors.New(errors.PhaseMarshal, errors.KindTypeMismatch).
			Detail("expected %d arguments, got %d", len(l.Params), len(args)).
			Build())
	}
	w := NewWindow(max(l.ArgSlots, l.ResultSlots()))
	if l.Indirect() {
		w[0] = out
	}
	for i, a := range args {
		l.Params[i].Encode(a, w[l.Offsets[i]:])
	}
	return w
}

// DecodeArgs unpacks every parameter from w.
func (l *Layout) DecodeArgs(w Window) []reflect.Value {
	if len(w) < l.ArgSlots {
		errors.Fatal(errors.OutOfBounds(errors.PhaseMarshal, []string{"window"}, l.ArgSlots, len(w)))
	}
	out := make([]reflect.Value, len(l.Params))
	for i, pc := range l.Params {
		out[i] = pc.Decode(w[l.Offsets[i]:])
	}
	return out
}
