package abi

import (
	"encoding/binary"
	"math"
	"reflect"
	"sync"

	"github.com/wippyai/hle/errors"
)

const (
	// SlotSize is the width of one guest register in bytes.
	SlotSize = 4

	// IndirectReturnThreshold is the largest composite, in packed bytes,
	// still returned in registers.
	IndirectReturnThreshold = 4
)

// GuestFunction is the guest code address of a callable function.
type GuestFunction uint32

// SlotMarshaler is implemented by types with a hand-written slot form.
// SlotCount must not depend on the receiver's value.
type SlotMarshaler interface {
	SlotCount() int
	MarshalSlots(dst []uint32)
}

// SlotUnmarshaler is the decoding half of SlotMarshaler, implemented on the
// pointer receiver.
type SlotUnmarshaler interface {
	UnmarshalSlots(src []uint32)
}

var (
	marshalerType   = reflect.TypeFor[SlotMarshaler]()
	unmarshalerType = reflect.TypeFor[SlotUnmarshaler]()
)

// Codec is the compiled marshalling descriptor of one Go type.
type Codec struct {
	Type      reflect.Type
	Slots     int
	Size      int
	composite bool

	encode func(v reflect.Value, dst []uint32)
	decode func(src []uint32, v reflect.Value)
	store  func(v reflect.Value, dst []byte)
	load   func(src []byte, v reflect.Value)
}

// Indirect reports whether values of this type are returned through a
// caller-supplied buffer instead of registers.
func (c *Codec) Indirect() bool {
	return c.composite && c.Size > IndirectReturnThreshold
}

// Encode writes v into the first Slots entries of dst.
func (c *Codec) Encode(v reflect.Value, dst []uint32) {
	if len(dst) < c.Slots {
		errors.Fatal(errors.OutOfBounds(errors.PhaseMarshal, []string{c.Type.String()}, c.Slots, len(dst)))
	}
	c.encode(v, dst)
}

// Decode reads a new value from the first Slots entries of src.
func (c *Codec) Decode(src []uint32) reflect.Value {
	if len(src) < c.Slots {
		errors.Fatal(errors.OutOfBounds(errors.PhaseMarshal, []string{c.Type.String()}, c.Slots, len(src)))
	}
	v := reflect.New(c.Type).Elem()
	c.decode(src, v)
	return v
}

// Store writes the packed little-endian form of v into dst.
func (c *Codec) Store(v reflect.Value, dst []byte) {
	if len(dst) < c.Size {
		errors.Fatal(errors.OutOfBounds(errors.PhaseMarshal, []string{c.Type.String()}, c.Size, len(dst)))
	}
	c.store(v, dst)
}

// Load reads a new value from its packed form.
func (c *Codec) Load(src []byte) reflect.Value {
	if len(src) < c.Size {
		errors.Fatal(errors.OutOfBounds(errors.PhaseMarshal, []string{c.Type.String()}, c.Size, len(src)))
	}
	v := reflect.New(c.Type).Elem()
	c.load(src, v)
	return v
}

var cache sync.Map // reflect.Type -> *Codec

// Compile returns the cached codec for t, building it on first use.
func Compile(t reflect.Type) (*Codec, error) {
	if t == nil {
		return nil, errors.New(errors.PhaseMarshal, errors.KindNilPointer).
			Detail("Go type cannot be nil").
			Build()
	}
	if cached, ok := cache.Load(t); ok {
		return cached.(*Codec), nil
	}

	c, err := compile(t, nil)
	if err != nil {
		return nil, err
	}
	actual, _ := cache.LoadOrStore(t, c)
	return actual.(*Codec), nil
}

// CodecFor is Compile for a type parameter.
func CodecFor[T any]() (*Codec, error) {
	return Compile(reflect.TypeFor[T]())
}

// MustCodec is CodecFor that aborts on unsupported types.
func MustCodec[T any]() *Codec {
	c, err := CodecFor[T]()
	if err != nil {
		errors.Fatal(errors.Wrap(errors.PhaseMarshal, errors.KindUnsupported, err, reflect.TypeFor[T]().String()))
	}
	return c
}

// RegCount returns the number of slots T occupies.
func RegCount[T any]() int {
	return MustCodec[T]().Slots
}

// ToRegs returns the slot form of v.
func ToRegs[T any](v T) []uint32 {
	c := MustCodec[T]()
	out := make([]uint32, c.Slots)
	c.encode(reflect.ValueOf(&v).Elem(), out)
	return out
}

// FromRegs decodes a T from the start of regs.
func FromRegs[T any](regs []uint32) T {
	c := MustCodec[T]()
	var v T
	if len(regs) < c.Slots {
		errors.Fatal(errors.OutOfBounds(errors.PhaseMarshal, []string{c.Type.String()}, c.Slots, len(regs)))
	}
	c.decode(regs, reflect.ValueOf(&v).Elem())
	return v
}

// Pack returns the packed memory form of v.
func Pack[T any](v T) []byte {
	c := MustCodec[T]()
	out := make([]byte, c.Size)
	c.store(reflect.ValueOf(&v).Elem(), out)
	return out
}

// Unpack decodes a T from its packed memory form.
func Unpack[T any](b []byte) T {
	c := MustCodec[T]()
	var v T
	if len(b) < c.Size {
		errors.Fatal(errors.OutOfBounds(errors.PhaseMarshal, []string{c.Type.String()}, c.Size, len(b)))
	}
	c.load(b, reflect.ValueOf(&v).Elem())
	return v
}

func compile(t reflect.Type, path []string) (*Codec, error) {
	if t.Implements(marshalerType) && reflect.PointerTo(t).Implements(unmarshalerType) {
		return compileCustom(t, path)
	}

	switch t.Kind() {
	case reflect.Bool:
		return &Codec{
			Type: t, Slots: 1, Size: 1,
			encode: func(v reflect.Value, dst []uint32) {
				dst[0] = 0
				if v.Bool() {
					dst[0] = 1
				}
			},
			decode: func(src []uint32, v reflect.Value) { v.SetBool(src[0] != 0) },
			store: func(v reflect.Value, dst []byte) {
				dst[0] = 0
				if v.Bool() {
					dst[0] = 1
				}
			},
			load: func(src []byte, v reflect.Value) { v.SetBool(src[0] != 0) },
		}, nil

	case reflect.Int8:
		return &Codec{
			Type: t, Slots: 1, Size: 1,
			encode: func(v reflect.Value, dst []uint32) { dst[0] = uint32(int32(v.Int())) },
			decode: func(src []uint32, v reflect.Value) { v.SetInt(int64(int8(src[0]))) },
			store:  func(v reflect.Value, dst []byte) { dst[0] = byte(v.Int()) },
			load:   func(src []byte, v reflect.Value) { v.SetInt(int64(int8(src[0]))) },
		}, nil

	case reflect.Int16:
		return &Codec{
			Type: t, Slots: 1, Size: 2,
			encode: func(v reflect.Value, dst []uint32) { dst[0] = uint32(int32(v.Int())) },
			decode: func(src []uint32, v reflect.Value) { v.SetInt(int64(int16(src[0]))) },
			store:  func(v reflect.Value, dst []byte) { binary.LittleEndian.PutUint16(dst, uint16(v.Int())) },
			load: func(src []byte, v reflect.Value) {
				v.SetInt(int64(int16(binary.LittleEndian.Uint16(src))))
			},
		}, nil

	case reflect.Int32:
		return &Codec{
			Type: t, Slots: 1, Size: 4,
			encode: func(v reflect.Value, dst []uint32) { dst[0] = uint32(int32(v.Int())) },
			decode: func(src []uint32, v reflect.Value) { v.SetInt(int64(int32(src[0]))) },
			store:  func(v reflect.Value, dst []byte) { binary.LittleEndian.PutUint32(dst, uint32(v.Int())) },
			load: func(src []byte, v reflect.Value) {
				v.SetInt(int64(int32(binary.LittleEndian.Uint32(src))))
			},
		}, nil

	case reflect.Uint8:
		return &Codec{
			Type: t, Slots: 1, Size: 1,
			encode: func(v reflect.Value, dst []uint32) { dst[0] = uint32(uint8(v.Uint())) },
			decode: func(src []uint32, v reflect.Value) { v.SetUint(uint64(uint8(src[0]))) },
			store:  func(v reflect.Value, dst []byte) { dst[0] = byte(v.Uint()) },
			load:   func(src []byte, v reflect.Value) { v.SetUint(uint64(src[0])) },
		}, nil

	case reflect.Uint16:
		return &Codec{
			Type: t, Slots: 1, Size: 2,
			encode: func(v reflect.Value, dst []uint32) { dst[0] = uint32(uint16(v.Uint())) },
			decode: func(src []uint32, v reflect.Value) { v.SetUint(uint64(uint16(src[0]))) },
			store:  func(v reflect.Value, dst []byte) { binary.LittleEndian.PutUint16(dst, uint16(v.Uint())) },
			load: func(src []byte, v reflect.Value) {
				v.SetUint(uint64(binary.LittleEndian.Uint16(src)))
			},
		}, nil

	case reflect.Uint32:
		return &Codec{
			Type: t, Slots: 1, Size: 4,
			encode: func(v reflect.Value, dst []uint32) { dst[0] = uint32(v.Uint()) },
			decode: func(src []uint32, v reflect.Value) { v.SetUint(uint64(src[0])) },
			store:  func(v reflect.Value, dst []byte) { binary.LittleEndian.PutUint32(dst, uint32(v.Uint())) },
			load: func(src []byte, v reflect.Value) {
				v.SetUint(uint64(binary.LittleEndian.Uint32(src)))
			},
		}, nil

	case reflect.Float32:
		return &Codec{
			Type: t, Slots: 1, Size: 4,
			encode: func(v reflect.Value, dst []uint32) { dst[0] = math.Float32bits(float32(v.Float())) },
			decode: func(src []uint32, v reflect.Value) { v.SetFloat(float64(math.Float32frombits(src[0]))) },
			store: func(v reflect.Value, dst []byte) {
				binary.LittleEndian.PutUint32(dst, math.Float32bits(float32(v.Float())))
			},
			load: func(src []byte, v reflect.Value) {
				v.SetFloat(float64(math.Float32frombits(binary.LittleEndian.Uint32(src))))
			},
		}, nil

	case reflect.Int64:
		return wide(t,
			func(v reflect.Value) uint64 { return uint64(v.Int()) },
			func(u uint64, v reflect.Value) { v.SetInt(int64(u)) }), nil

	case reflect.Uint64:
		return wide(t,
			func(v reflect.Value) uint64 { return v.Uint() },
			func(u uint64, v reflect.Value) { v.SetUint(u) }), nil

	case reflect.Float64:
		return wide(t,
			func(v reflect.Value) uint64 { return math.Float64bits(v.Float()) },
			func(u uint64, v reflect.Value) { v.SetFloat(math.Float64frombits(u)) }), nil

	case reflect.Struct:
		return compileStruct(t, path)

	case reflect.Array:
		return compileArray(t, path)

	default:
		return nil, errors.New(errors.PhaseMarshal, errors.KindUnsupported).
			Path(path...).
			GoType(t.String()).
			Detail("%s has no guest slot form", t.Kind()).
			Build()
	}
}

// wide builds the codec of a 64-bit scalar: two slots, low word first.
func wide(t reflect.Type, get func(reflect.Value) uint64, set func(uint64, reflect.Value)) *Codec {
	return &Codec{
		Type: t, Slots: 2, Size: 8,
		encode: func(v reflect.Value, dst []uint32) {
			u := get(v)
			dst[0] = uint32(u)
			dst[1] = uint32(u >> 32)
		},
		decode: func(src []uint32, v reflect.Value) {
			set(uint64(src[0])|uint64(src[1])<<32, v)
		},
		store: func(v reflect.Value, dst []byte) { binary.LittleEndian.PutUint64(dst, get(v)) },
		load:  func(src []byte, v reflect.Value) { set(binary.LittleEndian.Uint64(src), v) },
	}
}

type fieldCodec struct {
	index  int
	slot   int
	offset int
	codec  *Codec
}

func compileStruct(t reflect.Type, path []string) (*Codec, error) {
	fields := make([]fieldCodec, 0, t.NumField())
	slots, size := 0, 0

	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		fieldPath := append(append([]string{}, path...), f.Name)
		if !f.IsExported() {
			return nil, errors.New(errors.PhaseMarshal, errors.KindUnsupported).
				Path(fieldPath...).
				GoType(t.String()).
				Detail("unexported field").
				Build()
		}
		fc, err := compile(f.Type, fieldPath)
		if err != nil {
			return nil, err
		}
		fields = append(fields, fieldCodec{index: i, slot: slots, offset: size, codec: fc})
		slots += fc.Slots
		size += fc.Size
	}

	return &Codec{
		Type: t, Slots: slots, Size: size, composite: true,
		encode: func(v reflect.Value, dst []uint32) {
			for _, f := range fields {
				f.codec.encode(v.Field(f.index), dst[f.slot:])
			}
		},
		decode: func(src []uint32, v reflect.Value) {
			for _, f := range fields {
				f.codec.decode(src[f.slot:], v.Field(f.index))
			}
		},
		store: func(v reflect.Value, dst []byte) {
			for _, f := range fields {
				f.codec.store(v.Field(f.index), dst[f.offset:])
			}
		},
		load: func(src []byte, v reflect.Value) {
			for _, f := range fields {
				f.codec.load(src[f.offset:], v.Field(f.index))
			}
		},
	}, nil
}

func compileArray(t reflect.Type, path []string) (*Codec, error) {
	elemPath := append(append([]string{}, path...), "[elem]")
	ec, err := compile(t.Elem(), elemPath)
	if err != nil {
		return nil, err
	}
	n := t.Len()

	return &Codec{
		Type: t, Slots: n * ec.Slots, Size: n * ec.Size, composite: true,
		encode: func(v reflect.Value, dst []uint32) {
			for i := 0; i < n; i++ {
				ec.encode(v.Index(i), dst[i*ec.Slots:])
			}
		},
		decode: func(src []uint32, v reflect.Value) {
			for i := 0; i < n; i++ {
				ec.decode(src[i*ec.Slots:], v.Index(i))
			}
		},
		store: func(v reflect.Value, dst []byte) {
			for i := 0; i < n; i++ {
				ec.store(v.Index(i), dst[i*ec.Size:])
			}
		},
		load: func(src []byte, v reflect.Value) {
			for i := 0; i < n; i++ {
				ec.load(src[i*ec.Size:], v.Index(i))
			}
		},
	}, nil
}

func compileCustom(t reflect.Type, path []string) (*Codec, error) {
	n := reflect.Zero(t).Interface().(SlotMarshaler).SlotCount()
	if n <= 0 {
		return nil, errors.New(errors.PhaseMarshal, errors.KindInvalidData).
			Path(path...).
			GoType(t.String()).
			Detail("SlotCount must be positive, got %d", n).
			Build()
	}

	return &Codec{
		Type: t, Slots: n, Size: n * SlotSize, composite: n > 1,
		encode: func(v reflect.Value, dst []uint32) {
			v.Interface().(SlotMarshaler).MarshalSlots(dst[:n])
		},
		decode: func(src []uint32, v reflect.Value) {
			v.Addr().Interface().(SlotUnmarshaler).UnmarshalSlots(src[:n])
		},
		store: func(v reflect.Value, dst []byte) {
			words := make([]uint32, n)
			v.Interface().(SlotMarshaler).MarshalSlots(words)
			for i, w := range words {
				binary.LittleEndian.PutUint32(dst[i*SlotSize:], w)
			}
		},
		load: func(src []byte, v reflect.Value) {
			words := make([]uint32, n)
			for i := range words {
				words[i] = binary.LittleEndian.Uint32(src[i*SlotSize:])
			}
			v.Addr().Interface().(SlotUnmarshaler).UnmarshalSlots(words)
		},
	}, nil
}
