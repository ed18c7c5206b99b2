package resource

import (
	"errors"
	"sync"
	"testing"
)


func TestArena_Basic(t *testing.T) {
	a := NewArena[string]()

	h, err := a.Insert("test value")
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if h == 0 {
		t.Fatal("Expected non-zero handle")
	}

	val, ok := a.Get(h)
	if !ok || val != "test value" {
		t.Fatalf("Get = %q, %v", val, ok)
	}

	val, ok = a.Remove(h)
	if !ok || val != "test value" {
		t.Fatalf("Remove = %q, %v", val, ok)
	}

	if _, ok = a.Get(h); ok {
		t.Fatal("Expected Get to fail after Remove")
	}
	if _, ok = a.Remove(h); ok {
		t.Fatal("Expected double Remove to fail")
	}
}

func TestArena_ZeroHandle(t *testing.T) {
	a := NewArena[int]()
	if _, ok := a.Get(0); ok {
		t.Error("handle 0 must be invalid")
	}
	if _, ok := a.Get(99); ok {
		t.Error("out of range handle must be invalid")
	}
}

func TestArena_HandleReuse(t *testing.T) {
	a := NewArena[int]()
	h1, _ := a.Insert(1)
	h2, _ := a.Insert(2)
	a.Remove(h1)

	h3, _ := a.Insert(3)
	if h3 != h1 {
		t.Errorf("expected freed handle %d to be reused, got %d", h1, h3)
	}
	if v, _ := a.Get(h2); v != 2 {
		t.Errorf("h2 = %d", v)
	}
	if a.Len() != 2 {
		t.Errorf("Len = %d, want 2", a.Len())
	}
}

func TestArena_Each(t *testing.T) {
	a := NewArena[int]()
	for i := 1; i <= 5; i++ {
		_, _ = a.Insert(i)
	}

	sum := 0
	a.Each(func(_ Handle, v int) bool {
		sum += v
		return true
	})
	if sum != 15 {
		t.Errorf("sum = %d, want 15", sum)
	}

	count := 0
	a.Each(func(Handle, int) bool {
		count++
		return count < 2
	})
	if count != 2 {
		t.Errorf("early stop visited %d", count)
	}
}

func TestArena_Close(t *testing.T) {
	a := NewArena[string]()
	_, _ = a.Insert("a")
	_, _ = a.Insert("b")

	if err := a.Close(); err != nil {
		t.Fatal(err)
	}
	if a.Len() != 0 {
		t.Errorf("Len = %d after Close", a.Len())
	}
	if _, err := a.Insert("c"); !errors.Is(err, ErrClosed) {
		t.Errorf("Insert after Close err = %v", err)
	}
	if err := a.Close(); err != nil {
		t.Errorf("second Close = %v", err)
	}
}

func TestArena_Concurrent(t *testing.T) {
	a := NewArena[int]()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				h, err := a.Insert(i*1000 + j)
				if err != nil {
					t.Error(err)
					return
				}
				if v, ok := a.Get(h); !ok || v != i*1000+j {
					t.Errorf("Get(%d) = %d, %v", h, v, ok)
				}
				a.Remove(h)
			}
		}(i)
	}
	wg.Wait()
	if a.Len() != 0 {
		t.Errorf("Len = %d, want 0", a.Len())
	}
}
