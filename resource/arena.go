package resource

import (
	"sync"

	"github.com/wippyai/hle/errors"
)

// ErrClosed is returned by Insert after Close.
var ErrClosed = errors.Closed(errors.PhaseBridge, "resource arena")

// Arena is an in-memory slot store. Handles are index+1 and freed slots are
// reused LIFO.
type Arena[T any] struct {
	entries  []slot[T]
	freeList []Handle
	mu       sync.RWMutex
	closed   bool
}

type slot[T any] struct {
	value T
	valid bool
}

// NewArena creates an empty arena.
func NewArena[T any]() *Arena[T] {
	return &Arena[T]{
		entries:  make([]slot[T], 0, 64),
		freeList: make([]Handle, 0, 16),
	}
}

// Insert stores a value and returns its handle.
func (a *Arena[T]) Insert(value T) (Handle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return 0, ErrClosed
	}

	e := slot[T]{value: value, valid: true}
	if len(a.freeList) > 0 {
		h := a.freeList[len(a.freeList)-1]
		a.freeList = a.freeList[:len(a.freeList)-1]
		a.entries[h-1] = e
		return h, nil
	}

	a.entries = append(a.entries, e)
	return Handle(len(a.entries)), nil
}

// Get retrieves a value by handle.
func (a *Arena[T]) Get(h Handle) (T, bool) {
	var zero T
	if h == 0 {
		return zero, false
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	idx := int(h - 1)
	if idx >= len(a.entries) || !a.entries[idx].valid {
		return zero, false
	}
	return a.entries[idx].value, true
}

// Remove drops a value and returns it.
func (a *Arena[T]) Remove(h Handle) (T, bool) {
	var zero T
	if h == 0 {
		return zero, false
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	idx := int(h - 1)
	if idx >= len(a.entries) || !a.entries[idx].valid {
		return zero, false
	}

	value := a.entries[idx].value
	a.entries[idx] = slot[T]{}
	a.freeList = append(a.freeList, h)
	return value, true
}

// Len returns the number of live values.
func (a *Arena[T]) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.entries) - len(a.freeList)
}

// Each iterates over live values until fn returns false.
func (a *Arena[T]) Each(fn func(Handle, T) bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	for i, e := range a.entries {
		if e.valid {
			if !fn(Handle(i+1), e.value) {
				break
			}
		}
	}
}

// Close discards every value and rejects further inserts.
func (a *Arena[T]) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.closed = true
	a.entries = nil
	a.freeList = nil
	return nil
}
