package errors

import (
	"fmt"
	"sort"
	"strings"
)

// Phase indicates where in processing the error occurred
type Phase string

const (
	PhaseMarshal  Phase = "marshal"  // slot/value conversion
	PhaseDispatch Phase = "dispatch" // export lookup and invocation
	PhaseSchedule Phase = "schedule" // guest threads and semaphores
	PhaseBridge   Phase = "bridge"   // callback queue drain
	PhaseMemory   Phase = "memory"   // guest memory access
	PhaseIO       Phase = "io"       // host I/O collaborators
	PhaseHost     Phase = "host"     // export registration
	PhaseLoad     Phase = "load"     // environment setup
)

// Kind categorizes the error
type Kind string

const (
	KindTypeMismatch  Kind = "type_mismatch"
	KindOutOfBounds   Kind = "out_of_bounds"
	KindInvalidData   Kind = "invalid_data"
	KindUnsupported   Kind = "unsupported"
	KindAllocation    Kind = "allocation"
	KindNilPointer    Kind = "nil_pointer"
	KindMissingSymbol Kind = "missing_symbol"
	KindNotFound      Kind = "not_found"
	KindInvalidInput  Kind = "invalid_input"
	KindRegistration  Kind = "registration"
	KindConsistency   Kind = "consistency"
	KindClosed        Kind = "closed"
	KindIO            Kind = "io"
)

// Error is the structured error type used throughout the module
type Error struct {
	Value     any
	Cause     error
	Phase     Phase
	Kind      Kind
	GoType    string
	GuestType string
	Detail    string
	Path      []string
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if len(e.Path) > 0 {
		b.WriteString(" at ")
		b.WriteString(strings.Join(e.Path, "."))
	}

	if e.GoType != "" || e.GuestType != "" {
		b.WriteString(": ")
		if e.GoType != "" && e.GuestType != "" {
			b.WriteString("Go type ")
			b.WriteString(e.GoType)
			b.WriteString(", guest type ")
			b.WriteString(e.GuestType)
		} else if e.GoType != "" {
			b.WriteString("Go type ")
			b.WriteString(e.GoType)
		} else {
			b.WriteString("guest type ")
			b.WriteString(e.GuestType)
		}
	}

	if e.Detail != "" {
		if e.GoType != "" || e.GuestType != "" {
			b.WriteString(" - ")
		} else {
			b.WriteString(": ")
		}
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Phase == t.Phase && e.Kind == t.Kind
	}
	return false
}

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(phase Phase, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Phase: phase,
			Kind:  kind,
		},
	}
}

// Path sets the location path
func (b *Builder) Path(path ...string) *Builder {
	b.err.Path = path
	return b
}

// GoType sets the Go type name
func (b *Builder) GoType(t string) *Builder {
	b.err.GoType = t
	return b
}

// GuestType sets the guest type name
func (b *Builder) GuestType(t string) *Builder {
	b.err.GuestType = t
	return b
}

// Value sets the offending value
func (b *Builder) Value(v any) *Builder {
	b.err.Value = v
	return b
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// Convenience constructors for common error patterns

// OutOfBounds creates an out of bounds error
func OutOfBounds(phase Phase, path []string, index, length int) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindOutOfBounds,
		Path:   path,
		Detail: fmt.Sprintf("index %d out of bounds (length %d)", index, length),
		Value:  index,
	}
}

// MemoryFault creates an out of bounds guest memory access error
func MemoryFault(addr, length uint32) *Error {
	return &Error{
		Phase:  PhaseMemory,
		Kind:   KindOutOfBounds,
		Detail: fmt.Sprintf("guest access out of bounds: addr=%#x, length=%d", addr, length),
		Value:  addr,
	}
}

// AllocationFailed creates an allocation failure error
func AllocationFailed(size uint32, cause error) *Error {
	return &Error{
		Phase:  PhaseMemory,
		Kind:   KindAllocation,
		Detail: fmt.Sprintf("failed to allocate %d guest bytes", size),
		Cause:  cause,
	}
}

// NilPointer creates a null guest pointer error
func NilPointer(phase Phase, path []string, guestType string) *Error {
	return &Error{
		Phase:     phase,
		Kind:      KindNilPointer,
		Path:      path,
		GuestType: guestType,
		Detail:    "null guest pointer",
	}
}

// Consistency creates an internal-consistency violation. These are never
// returned to guest code; see Fatal.
func Consistency(phase Phase, detail string, args ...any) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindConsistency,
		Detail: fmt.Sprintf(detail, args...),
	}
}

// Wrap wraps an existing error with additional context
func Wrap(phase Phase, kind Kind, cause error, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   kind,
		Detail: detail,
		Cause:  cause,
	}
}

// NotFound creates a not-found error
func NotFound(phase Phase, what, name string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotFound,
		Detail: fmt.Sprintf("%s %q not found", what, name),
	}
}

// InvalidInput creates an invalid input error
func InvalidInput(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidInput,
		Detail: detail,
	}
}

// Registration creates a registration error
func Registration(name string, cause error) *Error {
	return &Error{
		Phase:  PhaseHost,
		Kind:   KindRegistration,
		Detail: fmt.Sprintf("register %s", name),
		Cause:  cause,
	}
}

// Closed creates an error for operations on a torn down structure
func Closed(phase Phase, what string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindClosed,
		Detail: fmt.Sprintf("%s closed", what),
	}
}

// Load creates an environment setup error
func Load(detail string, cause error) *Error {
	return &Error{
		Phase:  PhaseLoad,
		Kind:   KindInvalidData,
		Detail: detail,
		Cause:  cause,
	}
}

// Fatal aborts the current guest call with an internal invariant violation.
// Marshalling mismatches and handle misses during a drain end up here.
func Fatal(err *Error) {
	panic(err)
}

// MissingSymbolError is reported when the guest calls a symbol that has no
// host implementation.
type MissingSymbolError struct {
	Symbol string
}

// MissingSymbol creates an unresolved symbol error
func MissingSymbol(symbol string) *MissingSymbolError {
	return &MissingSymbolError{Symbol: symbol}
}

func (e *MissingSymbolError) Error() string {
	return fmt.Sprintf("[dispatch] missing_symbol: no host implementation for %q", e.Symbol)
}

// Is reports whether target matches this error type
func (e *MissingSymbolError) Is(target error) bool {
	switch t := target.(type) {
	case *MissingSymbolError:
		return t.Symbol == "" || t.Symbol == e.Symbol
	case *Error:
		return t.Phase == PhaseDispatch && t.Kind == KindMissingSymbol
	}
	return false
}

// MissingSymbolsError lists every unresolved symbol of a guest import table,
// grouped by the library that declares it.
type MissingSymbolsError struct {
	Symbols []MissingImport
}

// MissingImport represents a single unresolved import
type MissingImport struct {
	Library string // e.g., "libSystem.B.dylib"
	Symbol  string // e.g., "_sem_open"
}

// NewMissingSymbolsError creates an error from a list of "library#symbol" strings.
// Entries without a '#' are reported under an empty library.
func NewMissingSymbolsError(imports []string) *MissingSymbolsError {
	result := &MissingSymbolsError{
		Symbols: make([]MissingImport, 0, len(imports)),
	}
	for _, imp := range imports {
		lib, sym := parseImportKey(imp)
		result.Symbols = append(result.Symbols, MissingImport{
			Library: lib,
			Symbol:  sym,
		})
	}
	return result
}

func parseImportKey(key string) (library, symbol string) {
	lib, sym, found := strings.Cut(key, "#")
	if found {
		return lib, sym
	}
	return "", key
}

func (e *MissingSymbolsError) Error() string {
	if len(e.Symbols) == 0 {
		return "[dispatch] missing_symbol: no symbols specified"
	}

	var b strings.Builder
	b.WriteString(fmt.Sprintf("missing %d host implementation(s):\n", len(e.Symbols)))

	byLib := make(map[string][]string)
	var libOrder []string
	for _, imp := range e.Symbols {
		if _, exists := byLib[imp.Library]; !exists {
			libOrder = append(libOrder, imp.Library)
		}
		byLib[imp.Library] = append(byLib[imp.Library], imp.Symbol)
	}

	for _, lib := range libOrder {
		name := lib
		if name == "" {
			name = "(unknown library)"
		}
		syms := byLib[lib]
		sort.Strings(syms)
		b.WriteString("\n  ")
		b.WriteString(name)
		b.WriteString(":\n")
		for _, s := range syms {
			b.WriteString("    - ")
			b.WriteString(s)
			b.WriteByte('\n')
		}
	}

	return strings.TrimSuffix(b.String(), "\n")
}

// Is reports whether target matches this error type
func (e *MissingSymbolsError) Is(target error) bool {
	_, ok := target.(*MissingSymbolsError)
	return ok
}
