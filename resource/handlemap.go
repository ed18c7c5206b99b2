package resource

import (
	"fmt"
	"sync"

	"github.com/wippyai/hle/errors"
)

type binding[R comparable] struct {
	host  R
	guest uint32
}

type subscription struct {
	o  Observer
	id uint64
}

// HandleMap is a bijection between guest handles and host resource ids.
// It is safe for concurrent use; completions on host goroutines may call
// Reverse while the guest registers or deallocates.
type HandleMap[R comparable] struct {
	arena     *Arena[binding[R]]
	byGuest   map[uint32]Handle
	byHost    map[R]Handle
	name      string
	observers []subscription
	nextObs   uint64
	mu        sync.RWMutex
	obsMu     sync.RWMutex
}

// NewHandleMap creates an empty map. name labels errors and events.
func NewHandleMap[R comparable](name string) *HandleMap[R] {
	return &HandleMap[R]{
		arena:   NewArena[binding[R]](),
		byGuest: make(map[uint32]Handle),
		byHost:  make(map[R]Handle),
		name:    name,
	}
}

// Register binds guest to host. Either side already being bound is an error.
func (m *HandleMap[R]) Register(guest uint32, host R) error {
	if guest == 0 {
		return errors.New(errors.PhaseBridge, errors.KindInvalidInput).
			Path(m.name).
			Detail("null guest handle").
			Build()
	}

	m.mu.Lock()
	if _, ok := m.byGuest[guest]; ok {
		m.mu.Unlock()
		return errors.New(errors.PhaseBridge, errors.KindInvalidInput).
			Path(m.name).
			Value(guest).
			Detail("guest handle %#x already registered", guest).
			Build()
	}
	if _, ok := m.byHost[host]; ok {
		m.mu.Unlock()
		return errors.New(errors.PhaseBridge, errors.KindInvalidInput).
			Path(m.name).
			Value(host).
			Detail("host resource %v already registered", host).
			Build()
	}
	h, err := m.arena.Insert(binding[R]{host: host, guest: guest})
	if err != nil {
		m.mu.Unlock()
		return errors.Wrap(errors.PhaseBridge, errors.KindClosed, err, m.name)
	}
	m.byGuest[guest] = h
	m.byHost[host] = h
	m.mu.Unlock()

	m.notify(Event{Type: EventCreated, Map: m.name, Guest: guest, Value: host})
	return nil
}

// Lookup returns the host resource bound to guest.
func (m *HandleMap[R]) Lookup(guest uint32) (R, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var zero R
	h, ok := m.byGuest[guest]
	if !ok {
		return zero, false
	}
	b, ok := m.arena.Get(h)
	if !ok {
		return zero, false
	}
	return b.host, true
}

// ReverseLookup returns the guest handle bound to host.
func (m *HandleMap[R]) ReverseLookup(host R) (uint32, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	h, ok := m.byHost[host]
	if !ok {
		return 0, false
	}
	b, ok := m.arena.Get(h)
	if !ok {
		return 0, false
	}
	return b.guest, true
}

// Resolve returns the host resource bound to guest. A miss is an internal
// consistency violation and aborts.
func (m *HandleMap[R]) Resolve(guest uint32) R {
	host, ok := m.Lookup(guest)
	if !ok {
		errors.Fatal(errors.Consistency(errors.PhaseBridge, "%s: guest handle %#x is not registered", m.name, guest))
	}
	return host
}

// Reverse returns the guest handle bound to host. A miss means the resource
// was deallocated while a completion was in flight and aborts.
func (m *HandleMap[R]) Reverse(host R) uint32 {
	guest, ok := m.ReverseLookup(host)
	if !ok {
		errors.Fatal(errors.Consistency(errors.PhaseBridge, "%s: host resource %s has no guest handle", m.name, fmt.Sprint(host)))
	}
	return guest
}

// Deallocate removes the binding for guest and returns its host resource.
func (m *HandleMap[R]) Deallocate(guest uint32) (R, bool) {
	m.mu.Lock()
	var zero R
	h, ok := m.byGuest[guest]
	if !ok {
		m.mu.Unlock()
		return zero, false
	}
	b, _ := m.arena.Remove(h)
	delete(m.byGuest, guest)
	delete(m.byHost, b.host)
	m.mu.Unlock()

	m.notify(Event{Type: EventDropped, Map: m.name, Guest: guest, Value: b.host})
	return b.host, true
}

// Len returns the number of live bindings.
func (m *HandleMap[R]) Len() int {
	return m.arena.Len()
}

// Each iterates over live bindings until fn returns false.
func (m *HandleMap[R]) Each(fn func(guest uint32, host R) bool) {
	m.arena.Each(func(_ Handle, b binding[R]) bool {
		return fn(b.guest, b.host)
	})
}

// Close deallocates every binding, handing each to release, and rejects
// further registrations. release may be nil.
func (m *HandleMap[R]) Close(release func(guest uint32, host R)) {
	var guests []uint32
	m.Each(func(guest uint32, _ R) bool {
		guests = append(guests, guest)
		return true
	})
	for _, g := range guests {
		if host, ok := m.Deallocate(g); ok && release != nil {
			release(g, host)
		}
	}
	m.mu.Lock()
	_ = m.arena.Close()
	m.mu.Unlock()
}

// Subscribe adds an observer for lifecycle events and returns the function
// that removes it.
func (m *HandleMap[R]) Subscribe(o Observer) (cancel func()) {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()
	m.nextObs++
	id := m.nextObs
	m.observers = append(m.observers, subscription{o: o, id: id})
	return func() { m.unsubscribe(id) }
}

func (m *HandleMap[R]) unsubscribe(id uint64) {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()
	for i, s := range m.observers {
		if s.id == id {
			m.observers = append(m.observers[:i], m.observers[i+1:]...)
			return
		}
	}
}

func (m *HandleMap[R]) notify(e Event) {
	m.obsMu.RLock()
	defer m.obsMu.RUnlock()
	for _, s := range m.observers {
		s.o.OnResourceEvent(e)
	}
}
