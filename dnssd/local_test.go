package dnssd

import (
	"errors"
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func readable(t *testing.T, fd int, wait time.Duration) bool {
	t.Helper()
	var set unix.FdSet
	set.Zero()
	set.Set(fd)
	tv := unix.NsecToTimeval(wait.Nanoseconds())
	n, err := unix.Select(fd+1, &set, nil, nil, &tv)
	if err != nil {
		t.Fatal(err)
	}
	return n > 0 && set.IsSet(fd)
}

func TestLocal_BrowseDeliversOnProcessResult(t *testing.T) {
	l := NewLocal(Interface(2))
	defer l.Close()

	var got []Reply
	ref, err := l.Browse("_DoomServer._udp", "", 0, func(r Reply) { got = append(got, r) })
	if err != nil {
		t.Fatal(err)
	}
	fd, err := l.SockFD(ref)
	if err != nil || fd < 0 {
		t.Fatalf("SockFD = %d, %v", fd, err)
	}
	if readable(t, fd, time.Millisecond) {
		t.Fatal("descriptor readable before any announcement")
	}

	if n := l.Announce("_doomserver._udp.", "", "arena"); n != 1 {
		t.Fatalf("Announce matched %d", n)
	}
	l.Announce("_DoomServer._udp", "local", "cellar")
	l.Announce("_http._tcp", "", "web")
	if len(got) != 0 {
		t.Fatal("replies delivered before ProcessResult")
	}
	if !readable(t, fd, time.Second) {
		t.Fatal("descriptor not readable after announcement")
	}

	if err := l.ProcessResult(ref); err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("replies = %+v", got)
	}
	first, second := got[0], got[1]
	if first.Name != "arena" || second.Name != "cellar" {
		t.Errorf("order = %q, %q", first.Name, second.Name)
	}
	if first.Flags != FlagsAdd|FlagsMoreComing || second.Flags != FlagsAdd {
		t.Errorf("flags = %#x, %#x", first.Flags, second.Flags)
	}
	if first.Regtype != "_doomserver._udp." || first.Domain != DefaultDomain || first.Interface != 2 || first.Ref != ref {
		t.Errorf("reply = %+v", first)
	}
	if readable(t, fd, time.Millisecond) {
		t.Error("descriptor still readable after ProcessResult")
	}

	l.Withdraw("_DoomServer._udp", "", "arena")
	_ = l.ProcessResult(ref)
	if len(got) != 3 || got[2].Flags&FlagsAdd != 0 {
		t.Errorf("withdraw reply = %+v", got[len(got)-1])
	}
}

func TestLocal_DomainFilter(t *testing.T) {
	l := NewLocal()
	defer l.Close()

	var n int
	ref, _ := l.Browse("_svc._tcp", "example.org", 0, func(Reply) { n++ })
	l.Announce("_svc._tcp", "", "default-domain")
	l.Announce("_svc._tcp", "Example.Org.", "match")
	_ = l.ProcessResult(ref)
	if n != 1 {
		t.Errorf("replies = %d, want 1", n)
	}
}

func TestLocal_UnknownRefAndDeallocate(t *testing.T) {
	l := NewLocal()
	ref, _ := l.Browse("_svc._tcp", "", 0, func(Reply) {})
	if l.Len() != 1 {
		t.Fatalf("Len = %d", l.Len())
	}
	if err := l.Deallocate(ref); err != nil {
		t.Fatal(err)
	}
	if err := l.Deallocate(ref); !errors.Is(err, ErrUnknownRef) {
		t.Errorf("second Deallocate = %v", err)
	}
	if _, err := l.SockFD(ref); !errors.Is(err, ErrUnknownRef) {
		t.Errorf("SockFD = %v", err)
	}
	if err := l.ProcessResult(99); !errors.Is(err, ErrUnknownRef) {
		t.Errorf("ProcessResult = %v", err)
	}
	if n := l.Announce("_svc._tcp", "", "gone"); n != 0 {
		t.Errorf("deallocated browse matched %d", n)
	}
	if _, err := l.Browse("", "", 0, func(Reply) {}); err == nil {
		t.Error("empty regtype accepted")
	}
}

func TestLocal_AsyncDeliveryOrder(t *testing.T) {
	l := NewLocal(Async())
	defer l.Close()

	var mu sync.Mutex
	var names []string
	done := make(chan struct{})
	const total = 20
	_, err := l.Browse("_svc._tcp", "", 0, func(r Reply) {
		mu.Lock()
		names = append(names, r.Name)
		if len(names) == total {
			close(done)
		}
		mu.Unlock()
	})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < total; i++ {
		l.Announce("_svc._tcp", "", string(rune('a'+i)))
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("async replies not delivered")
	}
	mu.Lock()
	defer mu.Unlock()
	for i, n := range names {
		if n != string(rune('a'+i)) {
			t.Fatalf("order = %v", names)
		}
	}
}

func TestOpenNative(t *testing.T) {
	n, err := OpenNative()
	if err != nil {
		if !errors.Is(err, ErrUnavailable) {
			t.Fatalf("OpenNative err = %v, want ErrUnavailable match", err)
		}
		t.Skip("dns_sd not installed")
	}
	defer n.Close()
	if err := n.ProcessResult(12345); !errors.Is(err, ErrUnknownRef) {
		t.Errorf("ProcessResult of unknown ref = %v", err)
	}
}
