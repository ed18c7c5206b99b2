package mem

import (
	"sort"

	"github.com/wippyai/hle/errors"
)

const (
	// HeapBase is the lowest address handed out by the allocator. The page
	// below it stays unmapped so null and small offsets never alias data.
	HeapBase  = 0x1000
	heapAlign = 8
)

type span struct {
	addr, size uint32
}

// heap is a first-fit allocator over [HeapBase, limit). Blocks below top
// are either live or on the free list; the free list is kept sorted by
// address and adjacent spans are merged.
type heap struct {
	top  uint32
	free []span
	live map[uint32]uint32
}

func newHeap() *heap {
	return &heap{top: HeapBase, live: make(map[uint32]uint32)}
}

func alignUp(n uint32) uint32 {
	return (n + heapAlign - 1) &^ (heapAlign - 1)
}

// alloc reserves size bytes. grow is asked for more address space when the
// bump pointer would pass limit and returns the new limit.
func (h *heap) alloc(size, limit uint32, grow func(need uint32) (uint32, error)) (uint32, error) {
	if size > 1<<31 {
		return 0, errors.AllocationFailed(size, nil)
	}
	if size == 0 {
		size = heapAlign
	}
	size = alignUp(size)

	for i, s := range h.free {
		if s.size < size {
			continue
		}
		if s.size == size {
			h.free = append(h.free[:i], h.free[i+1:]...)
		} else {
			h.free[i] = span{addr: s.addr + size, size: s.size - size}
		}
		h.live[s.addr] = size
		return s.addr, nil
	}

	end := uint64(h.top) + uint64(size)
	if end > uint64(limit) {
		if end > 1<<32-1 {
			return 0, errors.AllocationFailed(size, nil)
		}
		newLimit, err := grow(uint32(end))
		if err != nil {
			return 0, errors.AllocationFailed(size, err)
		}
		if uint64(newLimit) < end {
			return 0, errors.AllocationFailed(size, nil)
		}
	}

	addr := h.top
	h.top = uint32(end)
	h.live[addr] = size
	return addr, nil
}

func (h *heap) release(addr uint32) error {
	if addr == 0 {
		return nil
	}
	size, ok := h.live[addr]
	if !ok {
		return errors.New(errors.PhaseMemory, errors.KindInvalidInput).
			Value(addr).
			Detail("free of unallocated address %#x", addr).
			Build()
	}
	delete(h.live, addr)

	i := sort.Search(len(h.free), func(i int) bool { return h.free[i].addr > addr })
	h.free = append(h.free, span{})
	copy(h.free[i+1:], h.free[i:])
	h.free[i] = span{addr: addr, size: size}

	if i+1 < len(h.free) && h.free[i].addr+h.free[i].size == h.free[i+1].addr {
		h.free[i].size += h.free[i+1].size
		h.free = append(h.free[:i+1], h.free[i+2:]...)
	}
	if i > 0 && h.free[i-1].addr+h.free[i-1].size == h.free[i].addr {
		h.free[i-1].size += h.free[i].size
		h.free = append(h.free[:i], h.free[i+1:]...)
	}

	if last := h.free[len(h.free)-1]; last.addr+last.size == h.top {
		h.top = last.addr
		h.free = h.free[:len(h.free)-1]
	}
	return nil
}

func (h *heap) sizeOf(addr uint32) (uint32, bool) {
	size, ok := h.live[addr]
	return size, ok
}

func (h *heap) inUse() int {
	return len(h.live)
}
