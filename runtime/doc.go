// Package runtime is the guest/host execution boundary: the export registry
// that lets Go functions stand in for guest symbols, and the Env that ties
// guest memory, the guest CPU, the scheduler and the main run loop together.
//
// # Quick Start
//
//	env, err := runtime.NewEnv(ctx, runtime.Config{})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer env.Close(ctx)
//
//	err = env.Exports.Register(runtime.Export{
//	    Name:  "add",
//	    Arity: 2,
//	    Fn:    func(_ *runtime.Env, a, b int32) int32 { return a + b },
//	})
//
//	w := abi.Window{2, 3}
//	err = env.Exports.Call(env, "add", w) // w[0] == 5
//
// # Exports
//
// An export implementation is a Go function whose first parameter is *Env
// and whose remaining parameters and optional single result are types the
// abi package can marshal. Each argument is decoded from consecutive slots
// of the call window. A composite result larger than one slot is written
// through the pointer the caller passes in slot 0, and the arguments then
// start at slot 1.
//
// # Unresolved symbols
//
// Calling a name that has no implementation is logged and handled by the
// StubPolicy of the Env: PolicyAbort stops the call with a
// *errors.MissingSymbolError, PolicyReturnZero sets r0 to zero and touches
// nothing else.
//
// # Calling guest code
//
// CallGuest runs a guest function through the configured cpu.Core with the
// same slot layout, so guest callbacks receive arguments exactly as a guest
// caller would pass them.
package runtime
