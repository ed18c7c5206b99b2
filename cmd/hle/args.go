package main

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"go.bytecodealliance.org/wit"

	"github.com/wippyai/hle"
	"github.com/wippyai/hle/abi"
	"github.com/wippyai/hle/errors"
	"github.com/wippyai/hle/mem"
	"github.com/wippyai/hle/runtime"
)

var (
	constCStringType = reflect.TypeFor[mem.ConstPtr[byte]]()
	mutCStringType   = reflect.TypeFor[mem.MutPtr[byte]]()
)

// callResult is the outcome of one export call made from the command line.
type callResult struct {
	value string
	slots abi.Window
}

// argParser turns command-line strings into guest values. Strings given for
// char pointers are copied into guest memory and freed by release.
type argParser struct {
	mem    mem.Memory
	allocs []uint32
}

func (p *argParser) release() {
	_ = mem.Frees(p.mem, p.allocs...)
	p.allocs = nil
}

func (p *argParser) parse(t wit.Type, goType reflect.Type, s string) (reflect.Value, error) {
	v := reflect.New(goType).Elem()
	s = strings.TrimSpace(s)

	switch t := t.(type) {
	case wit.Bool:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return v, err
		}
		v.SetBool(b)
	case wit.S8, wit.S16, wit.S32, wit.S64:
		n, err := strconv.ParseInt(s, 0, goType.Bits())
		if err != nil {
			return v, err
		}
		v.SetInt(n)
	case wit.U8, wit.U16, wit.U32, wit.U64:
		n, err := strconv.ParseUint(s, 0, goType.Bits())
		if err == nil {
			v.SetUint(n)
			return v, nil
		}
		if goType != constCStringType && goType != mutCStringType {
			return v, err
		}
		ptr, err := mem.AllocCString(p.mem, s)
		if err != nil {
			return v, err
		}
		p.allocs = append(p.allocs, uint32(ptr))
		v.SetUint(uint64(ptr))
	case wit.F32, wit.F64:
		f, err := strconv.ParseFloat(s, goType.Bits())
		if err != nil {
			return v, err
		}
		v.SetFloat(f)
	case *wit.TypeDef:
		return p.parseComposite(t, goType, s)
	default:
		return v, errors.InvalidInput(errors.PhaseMarshal, fmt.Sprintf("cannot parse %s arguments", abi.TypeString(t)))
	}
	return v, nil
}

// parseComposite reads records and tuples as comma-separated fields.
func (p *argParser) parseComposite(td *wit.TypeDef, goType reflect.Type, s string) (reflect.Value, error) {
	v := reflect.New(goType).Elem()
	parts := strings.Split(s, ",")

	switch kind := td.Kind.(type) {
	case *wit.Record:
		if goType.Kind() != reflect.Struct || len(parts) != len(kind.Fields) {
			return v, errors.InvalidInput(errors.PhaseMarshal,
				fmt.Sprintf("%s needs %d comma-separated fields", abi.TypeString(td), len(kind.Fields)))
		}
		for i, f := range kind.Fields {
			fv, err := p.parse(f.Type, goType.Field(i).Type, parts[i])
			if err != nil {
				return v, fmt.Errorf("field %s: %w", f.Name, err)
			}
			v.Field(i).Set(fv)
		}
	case *wit.Tuple:
		if goType.Kind() != reflect.Array || len(parts) != len(kind.Types) {
			return v, errors.InvalidInput(errors.PhaseMarshal,
				fmt.Sprintf("%s needs %d comma-separated values", abi.TypeString(td), len(kind.Types)))
		}
		for i, et := range kind.Types {
			ev, err := p.parse(et, goType.Elem(), parts[i])
			if err != nil {
				return v, fmt.Errorf("element %d: %w", i, err)
			}
			v.Index(i).Set(ev)
		}
	default:
		return v, errors.InvalidInput(errors.PhaseMarshal, fmt.Sprintf("cannot parse %s arguments", abi.TypeString(td)))
	}
	return v, nil
}

// callExport parses args by the export's parameter types, calls it through
// the registry and decodes the result. Unregistered names are called with
// raw u32 arguments so the stub policy applies.
func callExport(emu *hle.Emulator, name string, args []string) (callResult, error) {
	env := emu.Env
	entry, ok := env.Exports.Resolve(name)
	if !ok {
		return callStub(emu, name, args)
	}

	params := entry.Params()
	if len(args) != len(params) {
		return callResult{}, errors.InvalidInput(errors.PhaseDispatch,
			fmt.Sprintf("%s takes %d arguments, got %d", name, len(params), len(args)))
	}

	layout := entry.Layout()
	p := &argParser{mem: env.Mem}
	defer p.release()

	vals := make([]reflect.Value, len(args))
	for i, a := range args {
		v, err := p.parse(params[i], layout.Params[i].Type, a)
		if err != nil {
			return callResult{}, fmt.Errorf("argument %d (%s): %w", i, abi.TypeString(params[i]), err)
		}
		vals[i] = v
	}

	var out uint32
	if layout.Indirect() {
		buf, err := env.Mem.Alloc(uint32(layout.Result.Size))
		if err != nil {
			return callResult{}, err
		}
		out = buf
		defer func() { _ = env.Mem.Free(buf) }()
	}

	w := layout.EncodeArgs(out, vals)
	if err := emu.Call(name, w); err != nil {
		return callResult{slots: w}, err
	}

	res := callResult{value: "void", slots: w}
	switch {
	case layout.Result == nil:
	case layout.Indirect():
		raw, err := env.Mem.Read(out, uint32(layout.Result.Size))
		if err != nil {
			return res, err
		}
		res.value = fmt.Sprintf("%+v", layout.Result.Load(raw).Interface())
	default:
		res.value = fmt.Sprintf("%v", layout.Result.Decode(w[:layout.Result.Slots]).Interface())
	}
	return res, nil
}

func callStub(emu *hle.Emulator, name string, args []string) (callResult, error) {
	w := abi.NewWindow(max(len(args), 1))
	for i, a := range args {
		n, err := strconv.ParseUint(strings.TrimSpace(a), 0, 32)
		if err != nil {
			return callResult{}, fmt.Errorf("argument %d: %w", i, err)
		}
		w[i] = uint32(n)
	}
	if err := emu.Call(name, w); err != nil {
		return callResult{slots: w}, err
	}
	return callResult{value: fmt.Sprintf("%d (stub)", w[0]), slots: w}, nil
}

// exportInfo describes one export for listings.
type exportInfo struct {
	name      string
	signature string
	slots     int
	indirect  bool
}

func listExports(env *runtime.Env) []exportInfo {
	names := env.Exports.Names()
	out := make([]exportInfo, 0, len(names))
	for _, n := range names {
		e, _ := env.Exports.Resolve(n)
		out = append(out, exportInfo{
			name:      n,
			signature: e.Signature(),
			slots:     e.WindowSize(),
			indirect:  e.Layout().Indirect(),
		})
	}
	return out
}
