// Package abi converts between typed Go values and the 32-bit register and
// stack slots of the guest calling convention.
//
// Every Go type usable as a guest argument or return compiles once into a
// Codec that knows how many slots the value occupies and how to move it in
// both directions:
//
//	bool, int8..int32, uint8..uint32, float32    1 slot (sign/zero extended)
//	int64, uint64, float64                       2 slots, low word first
//	named uint32 (guest pointers, functions)     1 slot
//	struct, array                                field by field, in order
//
// Sub-slot fields of a composite each round up to a full slot, so a struct
// of four int8 followed by a float64 takes 1+1+1+1+2 = 6 slots. In guest
// memory the same value uses a packed little-endian layout (Codec.Size).
//
// Composites whose packed size exceeds IndirectReturnThreshold are returned
// through a caller-supplied buffer whose address travels in slot 0; the
// arguments then begin at slot 1. The rule applies in both directions.
//
// Types with no slot form (int, uint, uintptr, string, slices, maps, host
// pointers, channels, funcs, interfaces) are rejected when the codec is
// compiled. Decoding a window that is too short is a broken contract and
// aborts through errors.Fatal.
package abi
