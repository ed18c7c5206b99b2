package runtime

import (
	"fmt"
	"strings"
	"time"

	"github.com/wippyai/hle/cpu"
	"github.com/wippyai/hle/errors"
	"github.com/wippyai/hle/mem"
	"go.uber.org/zap"
)

// StubPolicy decides what happens when the guest calls a symbol without a
// host implementation.
type StubPolicy uint8

const (
	// PolicyAbort stops the call with a *errors.MissingSymbolError.
	PolicyAbort StubPolicy = iota
	// PolicyReturnZero sets r0 to zero and returns normally.
	PolicyReturnZero
)

func (p StubPolicy) String() string {
	switch p {
	case PolicyAbort:
		return "abort"
	case PolicyReturnZero:
		return "zero"
	default:
		return fmt.Sprintf("policy(%d)", p)
	}
}

// ParseStubPolicy parses "abort" or "zero".
func ParseStubPolicy(s string) (StubPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "abort", "":
		return PolicyAbort, nil
	case "zero", "return-zero":
		return PolicyReturnZero, nil
	}
	return 0, errors.InvalidInput(errors.PhaseDispatch, fmt.Sprintf("unknown stub policy %q", s))
}

// Config configures an Env. The zero value is usable.
type Config struct {
	// Memory is the guest address space. When nil a wazero-backed memory of
	// MemoryPages pages is created and owned by the Env.
	Memory mem.Memory

	// MemoryPages is the initial size of the created memory in 64KiB pages.
	// 0 means 16 (1MiB). The memory grows on demand.
	MemoryPages uint32

	// Core runs guest code for CallGuest. When nil a cpu.Table is used.
	Core cpu.Core

	// StubPolicy applies to calls of unregistered symbols.
	StubPolicy StubPolicy

	// Logger receives structured logs. nil means Logger().
	Logger *zap.Logger

	// Clock returns the current host time. nil means time.Now.
	Clock func() time.Time
}

const defaultMemoryPages = 16
