// Package mem provides the guest address space: a flat little-endian byte
// space with an allocator, and typed guest pointers into it.
package mem

// Memory is the guest's flat address space. Addresses are guest offsets and
// never alias host memory. Read returns a copy.
type Memory interface {
	Read(addr, length uint32) ([]byte, error)
	Write(addr uint32, data []byte) error
	ReadU32(addr uint32) (uint32, error)
	WriteU32(addr, value uint32) error

	// Alloc returns a fresh 8-byte aligned block of at least size bytes.
	// The returned address is never 0.
	Alloc(size uint32) (uint32, error)
	// Free releases a block returned by Alloc. Free(0) is a no-op.
	Free(addr uint32) error

	// Size is the current size of the address space in bytes.
	Size() uint32
}
