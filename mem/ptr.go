package mem

import (
	"bytes"
	"reflect"

	"github.com/wippyai/hle/abi"
	"github.com/wippyai/hle/errors"
)

// ConstPtr is a read-only guest pointer to a T.
type ConstPtr[T any] uint32

// MutPtr is a writable guest pointer to a T.
type MutPtr[T any] uint32

// Null reports whether p is the null pointer.
func (p ConstPtr[T]) Null() bool { return p == 0 }

// Null reports whether p is the null pointer.
func (p MutPtr[T]) Null() bool { return p == 0 }

// Const drops write access.
func (p MutPtr[T]) Const() ConstPtr[T] { return ConstPtr[T](p) }

// Add returns p advanced by n elements of T.
func (p MutPtr[T]) Add(n uint32) MutPtr[T] {
	return MutPtr[T](uint32(p) + n*uint32(abi.MustCodec[T]().Size))
}

// Cast reinterprets a pointer as pointing to U.
func Cast[U, T any](p MutPtr[T]) MutPtr[U] {
	return MutPtr[U](p)
}

// Load reads the T at p.
func Load[T any](m Memory, p ConstPtr[T]) (T, error) {
	var zero T
	if p == 0 {
		return zero, errors.NilPointer(errors.PhaseMemory, nil, reflect.TypeFor[T]().String())
	}
	c, err := abi.CodecFor[T]()
	if err != nil {
		return zero, err
	}
	b, err := m.Read(uint32(p), uint32(c.Size))
	if err != nil {
		return zero, err
	}
	return abi.Unpack[T](b), nil
}

// Store writes v at p.
func Store[T any](m Memory, p MutPtr[T], v T) error {
	if p == 0 {
		return errors.NilPointer(errors.PhaseMemory, nil, reflect.TypeFor[T]().String())
	}
	if _, err := abi.CodecFor[T](); err != nil {
		return err
	}
	return m.Write(uint32(p), abi.Pack(v))
}

// AllocValue allocates room for a T and stores v there.
func AllocValue[T any](m Memory, v T) (MutPtr[T], error) {
	c, err := abi.CodecFor[T]()
	if err != nil {
		return 0, err
	}
	addr, err := m.Alloc(uint32(c.Size))
	if err != nil {
		return 0, err
	}
	p := MutPtr[T](addr)
	if err := Store(m, p, v); err != nil {
		_ = m.Free(addr)
		return 0, err
	}
	return p, nil
}

// AllocCString copies s into a fresh NUL-terminated guest buffer.
func AllocCString(m Memory, s string) (MutPtr[byte], error) {
	addr, err := m.Alloc(uint32(len(s)) + 1)
	if err != nil {
		return 0, err
	}
	buf := make([]byte, len(s)+1)
	copy(buf, s)
	if err := m.Write(addr, buf); err != nil {
		_ = m.Free(addr)
		return 0, err
	}
	return MutPtr[byte](addr), nil
}

const cstringChunk = 64

// CString reads a NUL-terminated string at p.
func CString(m Memory, p ConstPtr[byte]) (string, error) {
	if p == 0 {
		return "", errors.NilPointer(errors.PhaseMemory, nil, "char")
	}
	var out []byte
	addr := uint32(p)
	for {
		n := uint32(cstringChunk)
		if size := m.Size(); addr >= size {
			return "", errors.MemoryFault(addr, 1)
		} else if size-addr < n {
			n = size - addr
		}
		chunk, err := m.Read(addr, n)
		if err != nil {
			return "", err
		}
		if i := bytes.IndexByte(chunk, 0); i >= 0 {
			return string(append(out, chunk[:i]...)), nil
		}
		out = append(out, chunk...)
		addr += n
	}
}

// Frees releases every address and returns the first error.
func Frees(m Memory, addrs ...uint32) error {
	var first error
	for _, a := range addrs {
		if err := m.Free(a); err != nil && first == nil {
			first = err
		}
	}
	return first
}
