// Package errors provides structured error types for the guest/host boundary.
//
// Errors are categorized by Phase (where the error occurred) and Kind (error category).
// The Error type carries the field path, Go and guest type names, the offending
// value and a cause chain.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseMarshal, errors.KindUnsupported).
//		Path("CFGregorianDate", "seconds").
//		GoType("string").
//		Detail("strings cannot occupy register slots").
//		Build()
//
// Or use convenience constructors for common patterns:
//
//	err := errors.NotFound(errors.PhaseSchedule, "semaphore", "0x1040")
//	err := errors.OutOfBounds(errors.PhaseMemory, path, 10, 5)
//
// Marshalling mismatches and handle misses during a callback drain are internal
// invariant violations; callers report them through Fatal, which panics with the
// *Error instead of returning it to guest code.
//
// All errors implement the standard error interface and support errors.Is/As.
package errors
