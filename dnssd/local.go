package dnssd

import (
	"strings"
	"sync"

	"github.com/wippyai/hle/errors"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// DefaultDomain is used when an announcement names no domain.
const DefaultDomain = "local."

// LocalOption configures a Local browser.
type LocalOption func(*Local)

// Async makes Local deliver replies on a goroutine of its own as soon as
// they are announced, the way a system resolver thread does. Without it
// replies wait for ProcessResult.
func Async() LocalOption {
	return func(l *Local) { l.async = true }
}

// Interface sets the interface index reported in replies.
func Interface(index uint32) LocalOption {
	return func(l *Local) { l.ifIndex = index }
}

// Local is an in-process Browser. Services are announced with Announce and
// withdrawn with Withdraw; each matching browse gets a reply and its
// descriptor becomes readable.
type Local struct {
	browses map[Ref]*localBrowse
	next    Ref
	ifIndex uint32
	async   bool
	mu      sync.Mutex
	deliver sync.Mutex
}

type localBrowse struct {
	reply   ReplyFunc
	regtype string
	domain  string
	pending []Reply
	rfd     int
	wfd     int
}

// NewLocal creates an empty Local browser.
func NewLocal(opts ...LocalOption) *Local {
	l := &Local{browses: make(map[Ref]*localBrowse), ifIndex: 1}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Browse implements Browser.
func (l *Local) Browse(regtype, domain string, ifIndex uint32, reply ReplyFunc) (Ref, error) {
	if regtype == "" || reply == nil {
		return 0, errors.InvalidInput(errors.PhaseIO, "browse needs a regtype and a reply function")
	}
	var p [2]int
	if err := unix.Pipe(p[:]); err != nil {
		return 0, errors.Wrap(errors.PhaseIO, errors.KindIO, err, "readiness pipe")
	}
	for _, fd := range p {
		if err := unix.SetNonblock(fd, true); err != nil {
			_ = unix.Close(p[0])
			_ = unix.Close(p[1])
			return 0, errors.Wrap(errors.PhaseIO, errors.KindIO, err, "readiness pipe")
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.next++
	ref := l.next
	l.browses[ref] = &localBrowse{
		reply:   reply,
		regtype: canonical(regtype),
		domain:  canonical(domain),
		rfd:     p[0],
		wfd:     p[1],
	}
	Logger().Debug("browse started",
		zap.Uint64("ref", uint64(ref)),
		zap.String("regtype", regtype),
		zap.Uint32("interface", ifIndex))
	return ref, nil
}

// Announce publishes a service instance and returns how many browses
// matched.
func (l *Local) Announce(regtype, domain, name string) int {
	return l.publish(regtype, domain, name, FlagsAdd)
}

// Withdraw removes a service instance and returns how many browses
// matched.
func (l *Local) Withdraw(regtype, domain, name string) int {
	return l.publish(regtype, domain, name, 0)
}

func (l *Local) publish(regtype, domain, name string, flags Flags) int {
	if domain == "" {
		domain = DefaultDomain
	}
	rt, dom := canonical(regtype), canonical(domain)

	l.mu.Lock()
	var matched []Ref
	for ref, b := range l.browses {
		if b.regtype != rt || (b.domain != "" && b.domain != dom) {
			continue
		}
		b.pending = append(b.pending, Reply{
			Name:      name,
			Regtype:   rt,
			Domain:    dom,
			Ref:       ref,
			Flags:     flags,
			Interface: l.ifIndex,
		})
		_, _ = unix.Write(b.wfd, []byte{1})
		matched = append(matched, ref)
	}
	async := l.async
	l.mu.Unlock()

	if async {
		for _, ref := range matched {
			go func(ref Ref) {
				if err := l.ProcessResult(ref); err != nil {
					Logger().Debug("async delivery", zap.Uint64("ref", uint64(ref)), zap.Error(err))
				}
			}(ref)
		}
	}
	return len(matched)
}

// SockFD implements Browser.
func (l *Local) SockFD(ref Ref) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.browses[ref]
	if !ok {
		return -1, ErrUnknownRef
	}
	return b.rfd, nil
}

// ProcessResult implements Browser. Every pending reply but the last
// carries FlagsMoreComing.
func (l *Local) ProcessResult(ref Ref) error {
	l.deliver.Lock()
	defer l.deliver.Unlock()

	l.mu.Lock()
	b, ok := l.browses[ref]
	if !ok {
		l.mu.Unlock()
		return ErrUnknownRef
	}
	drain(b.rfd)
	pending := b.pending
	b.pending = nil
	reply := b.reply
	l.mu.Unlock()

	for i, r := range pending {
		if i < len(pending)-1 {
			r.Flags |= FlagsMoreComing
		}
		reply(r)
	}
	return nil
}

// Deallocate implements Browser.
func (l *Local) Deallocate(ref Ref) error {
	l.mu.Lock()
	b, ok := l.browses[ref]
	delete(l.browses, ref)
	l.mu.Unlock()
	if !ok {
		return ErrUnknownRef
	}
	_ = unix.Close(b.rfd)
	_ = unix.Close(b.wfd)
	return nil
}

// Len returns the number of active browses.
func (l *Local) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.browses)
}

// Close deallocates every browse.
func (l *Local) Close() error {
	l.mu.Lock()
	refs := make([]Ref, 0, len(l.browses))
	for ref := range l.browses {
		refs = append(refs, ref)
	}
	l.mu.Unlock()
	for _, ref := range refs {
		_ = l.Deallocate(ref)
	}
	return nil
}

func drain(fd int) {
	var buf [64]byte
	for {
		n, err := unix.Read(fd, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

// canonical lower-cases a DNS name and gives it a trailing dot.
func canonical(s string) string {
	if s == "" {
		return ""
	}
	s = strings.ToLower(s)
	if !strings.HasSuffix(s, ".") {
		s += "."
	}
	return s
}
