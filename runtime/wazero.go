package runtime

import (
	"context"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/wippyai/hle/abi"
	"github.com/wippyai/hle/errors"
	"go.uber.org/zap"
)

// BindWazero instantiates every registered export as a function of host
// module moduleName in the Env's wazero runtime. Each slot is one i32.
//
// When guest is set, its imports from moduleName are checked against the
// registry: under PolicyAbort any unresolved import fails the bind with a
// *errors.MissingSymbolsError, under PolicyReturnZero each one is bound to a
// stub that logs and returns zeros.
func BindWazero(ctx context.Context, env *Env, moduleName string, guest wazero.CompiledModule) (api.Module, error) {
	builder := env.Runtime().NewHostModuleBuilder(moduleName)

	for _, name := range env.Exports.Names() {
		entry, _ := env.Exports.Resolve(name)
		builder.NewFunctionBuilder().
			WithGoModuleFunction(exportHandler(env, entry),
				i32s(entry.layout.ArgSlots), i32s(entry.layout.ResultSlots())).
			WithName(name).
			Export(name)
	}

	if guest != nil {
		var missing []string
		var stubs []api.FunctionDefinition
		for _, def := range guest.ImportedFunctions() {
			mod, name, ok := def.Import()
			if !ok || mod != moduleName {
				continue
			}
			if _, found := env.Exports.Resolve(name); found {
				continue
			}
			missing = append(missing, mod+"#"+name)
			stubs = append(stubs, def)
		}
		if len(missing) > 0 && env.Policy() == PolicyAbort {
			return nil, errors.NewMissingSymbolsError(missing)
		}
		for _, def := range stubs {
			_, name, _ := def.Import()
			builder.NewFunctionBuilder().
				WithGoModuleFunction(stubHandler(env, name, len(def.ResultTypes())), def.ParamTypes(), def.ResultTypes()).
				WithName(name).
				Export(name)
		}
	}

	mod, err := builder.Instantiate(ctx)
	if err != nil {
		return nil, errors.Load("instantiate host module "+moduleName, err)
	}
	env.Log.Debug("bound exports", zap.String("module", moduleName), zap.Int("exports", env.Exports.Len()))
	return mod, nil
}

func exportHandler(env *Env, entry *Entry) api.GoModuleFunc {
	argSlots := entry.layout.ArgSlots
	resSlots := entry.layout.ResultSlots()
	return func(_ context.Context, _ api.Module, stack []uint64) {
		w := abi.NewWindow(entry.WindowSize())
		for i := 0; i < argSlots; i++ {
			w[i] = api.DecodeU32(stack[i])
		}
		if err := entry.Invoke(env, w); err != nil {
			panic(err)
		}
		for i := 0; i < resSlots; i++ {
			stack[i] = api.EncodeU32(w[i])
		}
	}
}

func stubHandler(env *Env, name string, results int) api.GoModuleFunc {
	return func(_ context.Context, _ api.Module, stack []uint64) {
		w := abi.NewWindow(1)
		if err := env.Exports.stub(env, name, w); err != nil {
			panic(err)
		}
		for i := 0; i < results; i++ {
			stack[i] = 0
		}
	}
}

func i32s(n int) []api.ValueType {
	out := make([]api.ValueType, n)
	for i := range out {
		out[i] = api.ValueTypeI32
	}
	return out
}
