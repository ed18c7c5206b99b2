package abi

import (
	"fmt"
	"reflect"
	"strings"
	"unicode"

	"github.com/wippyai/hle/errors"
	"go.bytecodealliance.org/wit"
)

// WITType describes a marshallable Go type as a WIT type. Structs become
// records, arrays become tuples and hand-marshalled types become a tuple
// of u32 words.
func WITType(t reflect.Type) (wit.Type, error) {
	return witType(t, nil)
}

func witType(t reflect.Type, path []string) (wit.Type, error) {
	if t.Implements(marshalerType) && reflect.PointerTo(t).Implements(unmarshalerType) {
		n := reflect.Zero(t).Interface().(SlotMarshaler).SlotCount()
		types := make([]wit.Type, n)
		for i := range types {
			types[i] = wit.U32{}
		}
		return named(t, &wit.TypeDef{Kind: &wit.Tuple{Types: types}}), nil
	}

	switch t.Kind() {
	case reflect.Bool:
		return wit.Bool{}, nil
	case reflect.Int8:
		return wit.S8{}, nil
	case reflect.Int16:
		return wit.S16{}, nil
	case reflect.Int32:
		return wit.S32{}, nil
	case reflect.Int64:
		return wit.S64{}, nil
	case reflect.Uint8:
		return wit.U8{}, nil
	case reflect.Uint16:
		return wit.U16{}, nil
	case reflect.Uint32:
		return wit.U32{}, nil
	case reflect.Uint64:
		return wit.U64{}, nil
	case reflect.Float32:
		return wit.F32{}, nil
	case reflect.Float64:
		return wit.F64{}, nil
	case reflect.Struct:
		fields := make([]wit.Field, 0, t.NumField())
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			ft, err := witType(f.Type, append(append([]string{}, path...), f.Name))
			if err != nil {
				return nil, err
			}
			fields = append(fields, wit.Field{Name: toKebabCase(f.Name), Type: ft})
		}
		return named(t, &wit.TypeDef{Kind: &wit.Record{Fields: fields}}), nil
	case reflect.Array:
		et, err := witType(t.Elem(), append(append([]string{}, path...), "[elem]"))
		if err != nil {
			return nil, err
		}
		types := make([]wit.Type, t.Len())
		for i := range types {
			types[i] = et
		}
		return &wit.TypeDef{Kind: &wit.Tuple{Types: types}}, nil
	default:
		return nil, errors.New(errors.PhaseMarshal, errors.KindUnsupported).
			Path(path...).
			GoType(t.String()).
			Detail("%s has no WIT form", t.Kind()).
			Build()
	}
}

func named(t reflect.Type, td *wit.TypeDef) *wit.TypeDef {
	if n := t.Name(); n != "" && !strings.Contains(n, "[") {
		name := toKebabCase(n)
		td.Name = &name
	}
	return td
}

// SlotCount returns the number of guest slots a WIT type occupies.
func SlotCount(t wit.Type) (int, error) {
	switch t := t.(type) {
	case wit.Bool, wit.U8, wit.S8, wit.U16, wit.S16, wit.U32, wit.S32, wit.F32, wit.Char:
		return 1, nil
	case wit.U64, wit.S64, wit.F64:
		return 2, nil
	case *wit.TypeDef:
		switch kind := t.Kind.(type) {
		case *wit.Record:
			count := 0
			for _, f := range kind.Fields {
				n, err := SlotCount(f.Type)
				if err != nil {
					return 0, err
				}
				count += n
			}
			return count, nil
		case *wit.Tuple:
			count := 0
			for _, elem := range kind.Types {
				n, err := SlotCount(elem)
				if err != nil {
					return 0, err
				}
				count += n
			}
			return count, nil
		case *wit.Enum, *wit.Flags:
			return 1, nil
		case wit.Type:
			return SlotCount(kind)
		}
	}
	return 0, errors.New(errors.PhaseMarshal, errors.KindUnsupported).
		GuestType(TypeString(t)).
		Detail("no guest slot form").
		Build()
}

// TypeString renders a WIT type for diagnostics and listings.
func TypeString(t wit.Type) string {
	switch v := t.(type) {
	case wit.Bool:
		return "bool"
	case wit.U8:
		return "u8"
	case wit.S8:
		return "s8"
	case wit.U16:
		return "u16"
	case wit.S16:
		return "s16"
	case wit.U32:
		return "u32"
	case wit.S32:
		return "s32"
	case wit.U64:
		return "u64"
	case wit.S64:
		return "s64"
	case wit.F32:
		return "f32"
	case wit.F64:
		return "f64"
	case wit.Char:
		return "char"
	case wit.String:
		return "string"
	case *wit.TypeDef:
		if v.Name != nil {
			return *v.Name
		}
		if tup, ok := v.Kind.(*wit.Tuple); ok {
			parts := make([]string, len(tup.Types))
			for i, e := range tup.Types {
				parts[i] = TypeString(e)
			}
			return "tuple<" + strings.Join(parts, ", ") + ">"
		}
		if inner, ok := v.Kind.(wit.Type); ok {
			return TypeString(inner)
		}
		return "typedef"
	case nil:
		return "_"
	default:
		return fmt.Sprintf("%T", t)
	}
}

func toKebabCase(s string) string {
	var result strings.Builder
	for i, r := range s {
		if unicode.IsUpper(r) {
			if i > 0 {
				result.WriteByte('-')
			}
			result.WriteRune(unicode.ToLower(r))
		} else {
			result.WriteRune(r)
		}
	}
	return result.String()
}
