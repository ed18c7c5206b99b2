// Package dnssd is the host side of DNS service discovery browsing.
//
// A Browser starts browse operations and delivers replies to a ReplyFunc.
// Replies may arrive on any host goroutine or native thread; callers that
// need to touch guest state must hand them off (see package runloop).
//
// Local is an in-process browser fed by Announce and Withdraw, used by tests
// and the CLI demo. Native binds the system dns_sd library at run time.
package dnssd

import (
	"sync"

	"github.com/wippyai/hle/errors"
	"go.uber.org/zap"
)

// Ref identifies a browse operation on the host.
type Ref uint64

// Flags are DNSServiceFlags as delivered with a reply.
type Flags uint32

const (
	FlagsMoreComing Flags = 0x1
	FlagsAdd        Flags = 0x2
)

// ErrorCode is a DNSServiceErrorType.
type ErrorCode int32

const (
	NoError           ErrorCode = 0
	ErrUnknown        ErrorCode = -65537
	ErrNoSuchName     ErrorCode = -65538
	ErrBadParam       ErrorCode = -65540
	ErrBadReference   ErrorCode = -65541
	ErrNotRunning     ErrorCode = -65563
)

// Reply is one browse result.
type Reply struct {
	Name      string
	Regtype   string
	Domain    string
	Ref       Ref
	Flags     Flags
	Interface uint32
	Err       ErrorCode
}

// ReplyFunc receives browse replies. It must not block.
type ReplyFunc func(Reply)

// Browser starts and services browse operations.
type Browser interface {
	// Browse starts browsing for regtype in domain ("" means the default
	// domains). reply is invoked once per result.
	Browse(regtype, domain string, ifIndex uint32, reply ReplyFunc) (Ref, error)

	// SockFD returns a descriptor that becomes readable when results are
	// pending for ref.
	SockFD(ref Ref) (int, error)

	// ProcessResult delivers the pending results of ref.
	ProcessResult(ref Ref) error

	// Deallocate stops ref and releases its descriptor.
	Deallocate(ref Ref) error
}

// ErrUnavailable is returned when the system dns_sd library cannot be used.
var ErrUnavailable = errors.New(errors.PhaseIO, errors.KindUnsupported).
	Detail("dns_sd library unavailable on this host").
	Build()

// ErrUnknownRef is returned for a Ref that was never issued or was
// deallocated.
var ErrUnknownRef = errors.New(errors.PhaseIO, errors.KindNotFound).
	Detail("unknown dns_sd reference").
	Build()

var (
	logger   *zap.Logger
	loggerMu sync.RWMutex
)

// Logger returns the package logger, a no-op logger by default.
func Logger() *zap.Logger {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	if logger == nil {
		return zap.NewNop()
	}
	return logger
}

// SetLogger sets the package logger.
func SetLogger(l *zap.Logger) {
	loggerMu.Lock()
	logger = l
	loggerMu.Unlock()
}
