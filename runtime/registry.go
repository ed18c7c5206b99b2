package runtime

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/wippyai/hle/abi"
	"github.com/wippyai/hle/errors"
	"go.bytecodealliance.org/wit"
	"go.uber.org/zap"
)

// Export is one host implementation of a guest symbol. Fn must be a
// func(*Env, A1, ..., An) R or func(*Env, A1, ..., An) with Arity == n.
type Export struct {
	Fn    any
	Name  string
	Arity int
}

// FunctionExports is a batch of exports registered together, usually one
// library's worth.
type FunctionExports []Export

// Entry is a registered export with its compiled slot layout.
type Entry struct {
	Export
	layout *abi.Layout
	fn     reflect.Value
}

// Layout returns the slot layout of the entry.
func (e *Entry) Layout() *abi.Layout {
	return e.layout
}

// WindowSize returns the number of slots a call window needs: every
// argument slot and every result slot.
func (e *Entry) WindowSize() int {
	return max(e.layout.ArgSlots, e.layout.ResultSlots(), 1)
}

// Params describes the guest parameters as WIT types.
func (e *Entry) Params() []wit.Type {
	out := make([]wit.Type, len(e.layout.Params))
	for i, c := range e.layout.Params {
		// compile succeeded, so every codec type has a WIT form
		out[i], _ = abi.WITType(c.Type)
	}
	return out
}

// Result describes the guest result as a WIT type, nil when there is none.
func (e *Entry) Result() wit.Type {
	if e.layout.Result == nil {
		return nil
	}
	t, _ := abi.WITType(e.layout.Result.Type)
	return t
}

// Signature renders the entry as a WIT function signature.
func (e *Entry) Signature() string {
	var b strings.Builder
	b.WriteString(e.Name)
	b.WriteString(": func(")
	for i, p := range e.Params() {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "p%d: %s", i, abi.TypeString(p))
	}
	b.WriteString(")")
	if r := e.Result(); r != nil {
		b.WriteString(" -> ")
		b.WriteString(abi.TypeString(r))
	}
	return b.String()
}

// Registry maps guest symbol names to host implementations.
type Registry struct {
	entries map[string]*Entry
	log     *zap.Logger
	mu      sync.RWMutex
}

var envType = reflect.TypeFor[*Env]()

// NewRegistry creates an empty registry.
func NewRegistry(log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		entries: make(map[string]*Entry),
		log:     log,
	}
}

// Register adds x. Names are unique; registering a name twice fails.
func (r *Registry) Register(x Export) error {
	if x.Name == "" {
		return errors.InvalidInput(errors.PhaseDispatch, "export name cannot be empty")
	}
	e, err := compileExport(x)
	if err != nil {
		return errors.Registration(x.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.entries[x.Name]; dup {
		return errors.Registration(x.Name, fmt.Errorf("already registered"))
	}
	r.entries[x.Name] = e
	return nil
}

// RegisterAll registers every export of xs, stopping at the first failure.
func (r *Registry) RegisterAll(xs FunctionExports) error {
	for _, x := range xs {
		if err := r.Register(x); err != nil {
			return err
		}
	}
	return nil
}

// Resolve looks up name. It has no side effects.
func (r *Registry) Resolve(name string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e, ok
}

// Names returns every registered name in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.entries))
	for n := range r.entries {
		names = append(names, n)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Len returns the number of registered exports.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Missing reports every name of a guest import list without an
// implementation. Names may carry a "library#" prefix. It returns nil when
// all resolve.
func (r *Registry) Missing(imports []string) error {
	var missing []string
	for _, imp := range imports {
		sym := imp
		if _, s, ok := strings.Cut(imp, "#"); ok {
			sym = s
		}
		if _, ok := r.Resolve(sym); !ok {
			missing = append(missing, imp)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return errors.NewMissingSymbolsError(missing)
}

// Call invokes name with the argument window w and writes the result slots
// back into w. Unresolved names follow the Env stub policy.
func (r *Registry) Call(env *Env, name string, w abi.Window) error {
	e, ok := r.Resolve(name)
	if !ok {
		return r.stub(env, name, w)
	}
	return e.Invoke(env, w)
}

func (r *Registry) stub(env *Env, name string, w abi.Window) error {
	policy := env.Policy()
	r.log.Warn("unresolved symbol",
		zap.String("symbol", name),
		zap.Stringer("policy", policy),
		zap.Uint32("thread", uint32(env.Thread())))
	switch policy {
	case PolicyReturnZero:
		if len(w) > 0 {
			w[0] = 0
		}
		return nil
	default:
		return errors.MissingSymbol(name)
	}
}

// Invoke decodes the arguments from w, runs the implementation and stores
// the result. Marshalling failures abort with *errors.Error; an indirect
// result that cannot be written to guest memory is returned as an error.
func (e *Entry) Invoke(env *Env, w abi.Window) error {
	args := e.layout.DecodeArgs(w)
	in := make([]reflect.Value, 0, len(args)+1)
	in = append(in, reflect.ValueOf(env))
	in = append(in, args...)
	out := e.fn.Call(in)

	rc := e.layout.Result
	if rc == nil {
		return nil
	}
	if e.layout.Indirect() {
		buf := make([]byte, rc.Size)
		rc.Store(out[0], buf)
		if err := env.Mem.Write(w[0], buf); err != nil {
			return errors.Wrap(errors.PhaseDispatch, errors.KindOutOfBounds, err,
				e.Name+": indirect result")
		}
		return nil
	}
	slots := make([]uint32, rc.Slots)
	rc.Encode(out[0], slots)
	w.SetReturn(slots)
	return nil
}

func compileExport(x Export) (*Entry, error) {
	if x.Fn == nil {
		return nil, errors.New(errors.PhaseDispatch, errors.KindNilPointer).
			Detail("implementation is nil").
			Build()
	}
	fv := reflect.ValueOf(x.Fn)
	ft := fv.Type()
	if ft.Kind() != reflect.Func {
		return nil, errors.New(errors.PhaseDispatch, errors.KindTypeMismatch).
			GoType(ft.String()).
			Detail("implementation must be a function").
			Build()
	}
	if ft.IsVariadic() || ft.NumIn() == 0 || ft.In(0) != envType {
		return nil, errors.New(errors.PhaseDispatch, errors.KindTypeMismatch).
			GoType(ft.String()).
			Detail("implementation must take *runtime.Env first").
			Build()
	}
	if ft.NumIn()-1 != x.Arity {
		return nil, errors.New(errors.PhaseDispatch, errors.KindTypeMismatch).
			GoType(ft.String()).
			Detail("arity %d does not match %d parameters", x.Arity, ft.NumIn()-1).
			Build()
	}
	if ft.NumOut() > 1 {
		return nil, errors.New(errors.PhaseDispatch, errors.KindTypeMismatch).
			GoType(ft.String()).
			Detail("implementation returns %d values, at most 1 allowed", ft.NumOut()).
			Build()
	}

	params := make([]reflect.Type, x.Arity)
	for i := range params {
		params[i] = ft.In(i + 1)
	}
	var result reflect.Type
	if ft.NumOut() == 1 {
		result = ft.Out(0)
	}
	layout, err := abi.NewLayout(params, result)
	if err != nil {
		return nil, err
	}
	return &Entry{Export: x, layout: layout, fn: fv}, nil
}
