package runtime

import (
	"reflect"

	"github.com/wippyai/hle/abi"
	"github.com/wippyai/hle/errors"
)

// CallGuest runs the guest function fn with args and decodes its result as
// R. Arguments use the same slot layout as an inbound export call; a
// composite R larger than one slot is returned through a temporary guest
// buffer whose address travels in slot 0.
func CallGuest[R any](env *Env, fn abi.GuestFunction, args ...any) (R, error) {
	var zero R
	v, err := invoke(env, fn, reflect.TypeFor[R](), args)
	if err != nil {
		return zero, err
	}
	return v.Interface().(R), nil
}

// CallGuestVoid runs the guest function fn with args and ignores any result.
func CallGuestVoid(env *Env, fn abi.GuestFunction, args ...any) error {
	_, err := invoke(env, fn, nil, args)
	return err
}

func invoke(env *Env, fn abi.GuestFunction, result reflect.Type, args []any) (reflect.Value, error) {
	if fn == 0 {
		return reflect.Value{}, errors.NilPointer(errors.PhaseDispatch, []string{"callback"}, "guest-function")
	}

	types := make([]reflect.Type, len(args))
	values := make([]reflect.Value, len(args))
	for i, a := range args {
		if a == nil {
			errors.Fatal(errors.NilPointer(errors.PhaseMarshal, []string{"arg"}, "any"))
		}
		values[i] = reflect.ValueOf(a)
		types[i] = values[i].Type()
	}
	layout, err := abi.NewLayout(types, result)
	if err != nil {
		errors.Fatal(errors.Wrap(errors.PhaseMarshal, errors.KindUnsupported, err, "guest call signature"))
	}

	var out uint32
	if layout.Indirect() {
		out, err = env.Mem.Alloc(uint32(layout.Result.Size))
		if err != nil {
			return reflect.Value{}, err
		}
		defer func() { _ = env.Mem.Free(out) }()
	}

	w := layout.EncodeArgs(out, values)
	res, err := env.Core.Call(env.Ctx, uint32(fn), w[:layout.ArgSlots], layout.ResultSlots())
	if err != nil {
		return reflect.Value{}, err
	}

	switch {
	case layout.Result == nil:
		return reflect.Value{}, nil
	case layout.Indirect():
		buf, err := env.Mem.Read(out, uint32(layout.Result.Size))
		if err != nil {
			return reflect.Value{}, err
		}
		return layout.Result.Load(buf), nil
	default:
		return layout.Result.Decode(res), nil
	}
}
