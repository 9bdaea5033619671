// Package schema maps the byte layout of an event payload to named, typed
// fields, and keeps the registry of every layout known to the decoder.
package schema

import (
	"fmt"
	"strconv"
	"unsafe"

	"etw_decoder/internal/buffer"
)

// Context carries the producer properties that change field widths.
type Context struct {
	PointerSize  int // 4 or 8
	WideCharSize int // 2 (UTF-16) or 4 (UTF-32)
}

// DefaultContext describes a producer with the consumer's own pointer width
// and UTF-16 wide strings.
func DefaultContext() Context {
	return Context{
		PointerSize:  int(unsafe.Sizeof(uintptr(0))),
		WideCharSize: 2,
	}
}

// Decoder pulls one field value from r.
type Decoder func(ctx Context, r *buffer.Reader) (any, error)

// Encoder appends one field value to w. A nil value encodes as the zero value
// of the field.
type Encoder func(ctx Context, w *buffer.Writer, v any) error

// FieldType is a named Decoder/Encoder pair. Decoders hold no state; the same
// cursor position and context always produce the same value.
type FieldType struct {
	Name   string
	Decode Decoder
	Encode Encoder
}

// Field is one entry of a schema.
type Field struct {
	Name string
	Type FieldType
}

// F is shorthand for building field lists.
func F(name string, typ FieldType) Field {
	return Field{Name: name, Type: typ}
}

var (
	Int8 = FieldType{"int8",
		func(_ Context, r *buffer.Reader) (any, error) { return r.ReadInt8() },
		func(_ Context, w *buffer.Writer, v any) error {
			n, err := fitInt(v, 8)
			if err != nil {
				return err
			}
			w.WriteInt8(int8(n))
			return nil
		}}
	Int16 = FieldType{"int16",
		func(_ Context, r *buffer.Reader) (any, error) { return r.ReadInt16() },
		func(_ Context, w *buffer.Writer, v any) error {
			n, err := fitInt(v, 16)
			if err != nil {
				return err
			}
			w.WriteInt16(int16(n))
			return nil
		}}
	Int32 = FieldType{"int32",
		func(_ Context, r *buffer.Reader) (any, error) { return r.ReadInt32() },
		func(_ Context, w *buffer.Writer, v any) error {
			n, err := fitInt(v, 32)
			if err != nil {
				return err
			}
			w.WriteInt32(int32(n))
			return nil
		}}
	Int64 = FieldType{"int64",
		func(_ Context, r *buffer.Reader) (any, error) { return r.ReadInt64() },
		func(_ Context, w *buffer.Writer, v any) error {
			n, err := fitInt(v, 64)
			if err != nil {
				return err
			}
			w.WriteInt64(n)
			return nil
		}}
	UInt8 = FieldType{"uint8",
		func(_ Context, r *buffer.Reader) (any, error) { return r.ReadUint8() },
		func(_ Context, w *buffer.Writer, v any) error {
			n, err := fitUint(v, 8)
			if err != nil {
				return err
			}
			w.WriteUint8(uint8(n))
			return nil
		}}
	UInt16 = FieldType{"uint16",
		func(_ Context, r *buffer.Reader) (any, error) { return r.ReadUint16() },
		func(_ Context, w *buffer.Writer, v any) error {
			n, err := fitUint(v, 16)
			if err != nil {
				return err
			}
			w.WriteUint16(uint16(n))
			return nil
		}}
	UInt32 = FieldType{"uint32",
		func(_ Context, r *buffer.Reader) (any, error) { return r.ReadUint32() },
		func(_ Context, w *buffer.Writer, v any) error {
			n, err := fitUint(v, 32)
			if err != nil {
				return err
			}
			w.WriteUint32(uint32(n))
			return nil
		}}
	UInt64 = FieldType{"uint64",
		func(_ Context, r *buffer.Reader) (any, error) { return r.ReadUint64() },
		func(_ Context, w *buffer.Writer, v any) error {
			n, err := fitUint(v, 64)
			if err != nil {
				return err
			}
			w.WriteUint64(n)
			return nil
		}}

	// Pointer is an address-sized unsigned value, decoded as uint64.
	Pointer = FieldType{"pointer",
		func(ctx Context, r *buffer.Reader) (any, error) { return r.ReadPointer(ctx.PointerSize) },
		func(ctx Context, w *buffer.Writer, v any) error {
			n, err := asUint(v)
			if err != nil {
				return err
			}
			return w.WritePointer(n, ctx.PointerSize)
		}}

	// String is a NUL-terminated string of 1-byte units.
	String = FieldType{"string",
		func(_ Context, r *buffer.Reader) (any, error) { return r.ReadString() },
		func(_ Context, w *buffer.Writer, v any) error {
			s, err := asString(v)
			w.WriteString(s)
			return err
		}}

	// WString is a NUL-terminated wide string, Context.WideCharSize bytes per unit.
	WString = FieldType{"wstring",
		func(ctx Context, r *buffer.Reader) (any, error) { return r.ReadWString(ctx.WideCharSize) },
		func(ctx Context, w *buffer.Writer, v any) error {
			s, err := asString(v)
			if err != nil {
				return err
			}
			return w.WriteWString(s, ctx.WideCharSize)
		}}

	// Sid is a TOKEN_USER prefixed security identifier, decoded as *buffer.SID.
	// A null token decodes as a nil *buffer.SID; a nil value encodes as one.
	Sid = FieldType{"sid",
		func(ctx Context, r *buffer.Reader) (any, error) { return r.ReadSID(ctx.PointerSize) },
		func(ctx Context, w *buffer.Writer, v any) error {
			sid, ok := v.(*buffer.SID)
			if !ok && v != nil {
				return fmt.Errorf("expected *buffer.SID, got %T", v)
			}
			return w.WriteSID(sid, ctx.PointerSize)
		}}
)

// Blob is a fixed-size opaque byte field, decoded as []byte.
func Blob(size int) FieldType {
	return FieldType{
		Name: "blob[" + strconv.Itoa(size) + "]",
		Decode: func(_ Context, r *buffer.Reader) (any, error) {
			return r.ReadBytes(size)
		},
		Encode: func(_ Context, w *buffer.Writer, v any) error {
			b := make([]byte, size)
			if v != nil {
				src, ok := v.([]byte)
				if !ok {
					return fmt.Errorf("expected []byte, got %T", v)
				}
				if len(src) > size {
					return fmt.Errorf("blob of %d bytes exceeds field size %d", len(src), size)
				}
				copy(b, src)
			}
			w.WriteBytes(b)
			return nil
		},
	}
}

// fitInt converts v to a signed integer that fits in bits.
func fitInt(v any, bits uint) (int64, error) {
	n, err := asInt(v)
	if err != nil {
		return 0, err
	}
	if bits < 64 && (n < -1<<(bits-1) || n > 1<<(bits-1)-1) {
		return 0, fmt.Errorf("value %d overflows int%d", n, bits)
	}
	return n, nil
}

// fitUint converts v to an unsigned integer that fits in bits.
func fitUint(v any, bits uint) (uint64, error) {
	n, err := asUint(v)
	if err != nil {
		return 0, err
	}
	if bits < 64 && n > 1<<bits-1 {
		return 0, fmt.Errorf("value %d overflows uint%d", n, bits)
	}
	return n, nil
}

func asInt(v any) (int64, error) {
	switch n := v.(type) {
	case nil:
		return 0, nil
	case int:
		return int64(n), nil
	case int8:
		return int64(n), nil
	case int16:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	default:
		return 0, fmt.Errorf("expected signed integer, got %T", v)
	}
}

func asUint(v any) (uint64, error) {
	switch n := v.(type) {
	case nil:
		return 0, nil
	case uint:
		return uint64(n), nil
	case uint8:
		return uint64(n), nil
	case uint16:
		return uint64(n), nil
	case uint32:
		return uint64(n), nil
	case uint64:
		return n, nil
	case uintptr:
		return uint64(n), nil
	case int:
		if n < 0 {
			return 0, fmt.Errorf("negative value %d for unsigned field", n)
		}
		return uint64(n), nil
	default:
		return 0, fmt.Errorf("expected unsigned integer, got %T", v)
	}
}

func asString(v any) (string, error) {
	switch s := v.(type) {
	case nil:
		return "", nil
	case string:
		return s, nil
	default:
		return "", fmt.Errorf("expected string, got %T", v)
	}
}
