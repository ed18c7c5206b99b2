package sched

import (
	"errors"
	"sync"
	"testing"
	"time"

	hleerrors "github.com/wippyai/hle/errors"
)

// Open(0); T1 waits and suspends; a post resumes it; a trywait without
// another post then fails.
func TestSemaphores_WaitPostTryWait(t *testing.T) {
	s := New(nil)
	sems := NewSemaphores(s, newTestMemory(t), nil)

	h, err := sems.Open(0)
	if err != nil {
		t.Fatal(err)
	}

	var resumed bool
	t1 := s.Spawn(func() {
		ok, err := sems.Wait(s.Current(), h, true)
		resumed = ok && err == nil
	})

	s.Yield()
	if st, r, _ := s.State(t1); st != Blocked || r != ReasonSemaphore {
		t.Fatalf("T1 state = %v/%v, want blocked/semaphore", st, r)
	}
	if _, waiters, _ := sems.Value(h); waiters != 1 {
		t.Fatalf("waiters = %d", waiters)
	}

	if err := sems.Post(h); err != nil {
		t.Fatal(err)
	}
	if count, waiters, _ := sems.Value(h); count != 0 || waiters != 0 {
		t.Errorf("after post count=%d waiters=%d; the waiter consumes the unit", count, waiters)
	}

	_ = s.Join(MainThread, t1)
	if !resumed {
		t.Error("T1 did not resume with success")
	}

	ok, err := sems.Wait(MainThread, h, false)
	if err != nil || ok {
		t.Errorf("trywait = %v, %v; want failure", ok, err)
	}
	if count, _, _ := sems.Value(h); count != 0 {
		t.Errorf("failed trywait changed count to %d", count)
	}
}

func TestSemaphores_CountAccounting(t *testing.T) {
	s := New(nil)
	sems := NewSemaphores(s, newTestMemory(t), nil)
	h, _ := sems.Open(2)

	wins := 0
	for i := 0; i < 4; i++ {
		if ok, _ := sems.Wait(MainThread, h, false); ok {
			wins++
		}
	}
	if wins != 2 {
		t.Errorf("trywait successes = %d, want 2", wins)
	}

	_ = sems.Post(h)
	_ = sems.Post(h)
	if count, _, _ := sems.Value(h); count != 2 {
		t.Errorf("count = %d, want 2", count)
	}
	ok, _ := sems.Wait(MainThread, h, true)
	if !ok {
		t.Error("blocking wait with count > 0 should succeed immediately")
	}
	if count, _, _ := sems.Value(h); count != 1 {
		t.Errorf("count = %d, want 1", count)
	}
}

func TestSemaphores_PostReleasesExactlyOne(t *testing.T) {
	s := New(nil)
	sems := NewSemaphores(s, newTestMemory(t), nil)
	h, _ := sems.Open(0)

	var mu sync.Mutex
	var released []ThreadID
	var tids []ThreadID
	for i := 0; i < 3; i++ {
		tids = append(tids, s.Spawn(func() {
			self := s.Current()
			_, _ = sems.Wait(self, h, true)
			mu.Lock()
			released = append(released, self)
			mu.Unlock()
		}))
	}
	s.Yield()
	if _, waiters, _ := sems.Value(h); waiters != 3 {
		t.Fatalf("waiters = %d, want 3", waiters)
	}

	for round := 1; round <= 3; round++ {
		_ = sems.Post(h)
		s.Yield()
		mu.Lock()
		n := len(released)
		mu.Unlock()
		if n != round {
			t.Fatalf("after %d posts %d threads released", round, n)
		}
		if count, _, _ := sems.Value(h); count != 0 {
			t.Fatalf("count = %d with waiters present", count)
		}
	}
	for _, tid := range tids {
		_ = s.Join(MainThread, tid)
	}
	if released[0] != tids[0] {
		t.Errorf("first released = %d, want lowest id %d", released[0], tids[0])
	}
}

func TestSemaphores_PostFromHostGoroutine(t *testing.T) {
	s := New(nil)
	sems := NewSemaphores(s, newTestMemory(t), nil)

	for i := 0; i < 200; i++ {
		h, err := sems.Open(0)
		if err != nil {
			t.Fatal(err)
		}
		go func() {
			if i%2 == 0 {
				time.Sleep(50 * time.Microsecond)
			}
			if err := sems.Post(h); err != nil {
				t.Error(err)
			}
		}()

		ok, err := sems.Wait(MainThread, h, true)
		if !ok || err != nil {
			t.Fatalf("iteration %d: wait = %v, %v", i, ok, err)
		}
		if count, waiters, _ := sems.Value(h); count != 0 || waiters != 0 {
			t.Fatalf("iteration %d: count=%d waiters=%d", i, count, waiters)
		}
		if err := sems.Close(h); err != nil {
			t.Fatal(err)
		}
	}
	if sems.Len() != 0 {
		t.Errorf("Len = %d", sems.Len())
	}
}

func TestSemaphores_ProducerConsumer(t *testing.T) {
	s := New(nil)
	sems := NewSemaphores(s, newTestMemory(t), nil)
	items, _ := sems.Open(0)

	const n = 50
	consumed := 0
	consumer := s.Spawn(func() {
		self := s.Current()
		for i := 0; i < n; i++ {
			ok, _ := sems.Wait(self, items, true)
			if ok {
				consumed++
			}
		}
	})

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = sems.Post(items)
		}()
	}
	_ = s.Join(MainThread, consumer)
	wg.Wait()

	if consumed != n {
		t.Errorf("consumed = %d, want %d", consumed, n)
	}
	if count, waiters, _ := sems.Value(items); count != 0 || waiters != 0 {
		t.Errorf("count=%d waiters=%d", count, waiters)
	}
}

func TestSemaphores_UnknownHandle(t *testing.T) {
	s := New(nil)
	sems := NewSemaphores(s, newTestMemory(t), nil)
	notFound := &hleerrors.Error{Phase: hleerrors.PhaseSchedule, Kind: hleerrors.KindNotFound}

	if _, err := sems.Wait(MainThread, 0x1234, false); !errors.Is(err, notFound) {
		t.Errorf("Wait err = %v", err)
	}
	if err := sems.Post(0x1234); !errors.Is(err, notFound) {
		t.Errorf("Post err = %v", err)
	}
	if err := sems.Close(0x1234); !errors.Is(err, notFound) {
		t.Errorf("Close err = %v", err)
	}
	if _, err := sems.Open(-1); err == nil {
		t.Error("negative initial count accepted")
	}
}

func TestCells(t *testing.T) {
	m := newTestMemory(t)
	c := NewCells(m)

	p1, err := c.GetOrCreate(1)
	if err != nil {
		t.Fatal(err)
	}
	again, _ := c.GetOrCreate(1)
	if p1 != again {
		t.Errorf("cell moved: %#x then %#x", p1, again)
	}
	p2, _ := c.GetOrCreate(2)
	if p2 == p1 {
		t.Error("threads share a cell")
	}

	if v, _ := c.Get(1); v != 0 {
		t.Errorf("fresh cell = %d", v)
	}
	_ = c.Set(1, 35)
	_ = c.Set(2, -1)
	if v, _ := c.Get(1); v != 35 {
		t.Errorf("cell 1 = %d", v)
	}
	if p, _ := c.GetOrCreate(1); p != p1 {
		t.Error("Set reallocated the cell")
	}
	if v, _ := m.ReadU32(uint32(p2)); int32(v) != -1 {
		t.Errorf("guest view of cell 2 = %d", int32(v))
	}

	if err := c.Release(1); err != nil {
		t.Fatal(err)
	}
	if err := c.Release(1); err != nil {
		t.Errorf("second Release = %v", err)
	}
}
