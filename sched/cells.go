package sched

import (
	"sync"

	"github.com/wippyai/hle/mem"
)

// Cells is a per-thread store of guest int32 cells, such as errno. A cell
// is allocated in guest memory the first time its thread touches it and
// keeps its address until Release.
type Cells struct {
	cells map[ThreadID]mem.MutPtr[int32]
	mem   mem.Memory
	mu    sync.Mutex
}

// NewCells creates an empty store backed by m.
func NewCells(m mem.Memory) *Cells {
	return &Cells{cells: make(map[ThreadID]mem.MutPtr[int32]), mem: m}
}

// GetOrCreate returns the cell of tid, allocating a zeroed one on first use.
func (c *Cells) GetOrCreate(tid ThreadID) (mem.MutPtr[int32], error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if p, ok := c.cells[tid]; ok {
		return p, nil
	}
	p, err := mem.AllocValue[int32](c.mem, 0)
	if err != nil {
		return 0, err
	}
	c.cells[tid] = p
	return p, nil
}

// Set writes v into the cell of tid.
func (c *Cells) Set(tid ThreadID, v int32) error {
	p, err := c.GetOrCreate(tid)
	if err != nil {
		return err
	}
	return mem.Store(c.mem, p, v)
}

// Get reads the cell of tid.
func (c *Cells) Get(tid ThreadID) (int32, error) {
	p, err := c.GetOrCreate(tid)
	if err != nil {
		return 0, err
	}
	return mem.Load(c.mem, p.Const())
}

// Release frees the cell of a terminated thread.
func (c *Cells) Release(tid ThreadID) error {
	c.mu.Lock()
	p, ok := c.cells[tid]
	delete(c.cells, tid)
	c.mu.Unlock()
	if !ok {
		return nil
	}
	return c.mem.Free(uint32(p))
}
