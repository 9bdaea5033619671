package schema

import (
	"testing"

	"github.com/Microsoft/go-winio/pkg/guid"
	"github.com/stretchr/testify/require"

	"etw_decoder/internal/buffer"
)

var testCategory = guid.GUID{Data1: 0x2cb15d1d, Data2: 0x5fc1, Data3: 0x11d2,
	Data4: [8]byte{0xab, 0xe1, 0x00, 0xa0, 0xc9, 0x11, 0xf5, 0x18}}

func TestDecodeSizeAndPath(t *testing.T) {
	s := &Schema{Name: "Image/Load", Fields: []Field{
		F("Size", UInt32),
		F("Path", WString),
	}}

	w := buffer.NewWriter()
	w.WriteUint32(1024)
	require.NoError(t, w.WriteWString(`C:\f.dll`, 2))
	payload := append(w.Bytes(), 0xEE, 0xFF)

	r := buffer.NewReader(payload)
	got, err := s.Decode(Context{PointerSize: 8, WideCharSize: 2}, r)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"Size": uint32(1024), "Path": `C:\f.dll`}, got)
	require.Equal(t, 4+2*len(`C:\f.dll`)+2, r.Offset())
}

func TestFixedWidthRoundTrip(t *testing.T) {
	s := &Schema{Name: "Fixed", Fields: []Field{
		F("A", Int8), F("B", Int16), F("C", Int32), F("D", Int64),
		F("E", UInt8), F("F", UInt16), F("G", UInt32), F("H", UInt64),
		F("P", Pointer), F("X", Blob(3)),
	}}
	raw := []byte{
		0xff,
		0xfe, 0xff,
		0x01, 0x02, 0x03, 0x84,
		0x10, 0x20, 0x30, 0x40, 0x50, 0x60, 0x70, 0x80,
		0x7f,
		0x34, 0x12,
		0x78, 0x56, 0x34, 0x12,
		0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0xf0,
		0x00, 0x10, 0x00, 0x00,
		0xaa, 0xbb, 0xcc,
	}

	for _, ptr := range []int{4, 8} {
		data := raw
		if ptr == 8 {
			data = append(append(append([]byte{}, raw[:34]...), 0, 0, 0, 0), raw[34:]...)
		}
		ctx := Context{PointerSize: ptr, WideCharSize: 2}

		values, err := s.Decode(ctx, buffer.NewReader(data))
		require.NoError(t, err)
		require.Equal(t, int8(-1), values["A"])
		require.Equal(t, uint64(0x1000), values["P"])

		encoded, err := s.Encode(ctx, values)
		require.NoError(t, err)
		require.Equal(t, data, encoded)
	}
}

func TestDecodeStopsAtFirstBadField(t *testing.T) {
	s := &Schema{Name: "Process/Start", Fields: []Field{
		F("ProcessId", UInt32),
		F("UserSID", Sid),
		F("ImageFileName", String),
	}}
	w := buffer.NewWriter()
	w.WriteUint32(42)
	require.NoError(t, w.WritePointer(16, 8))
	w.WriteBytes(make([]byte, 8))
	w.WriteUint8(9) // bad revision
	w.WriteUint8(1)

	values, err := s.Decode(Context{PointerSize: 8, WideCharSize: 2}, buffer.NewReader(w.Bytes()))
	require.ErrorIs(t, err, buffer.ErrBufferData)
	require.ErrorContains(t, err, "UserSID")
	require.Nil(t, values)

	_, err = s.Decode(DefaultContext(), buffer.NewReader([]byte{1, 2}))
	require.ErrorIs(t, err, buffer.ErrBufferOverflow)
}

func TestEncodeMissingValuesAsZero(t *testing.T) {
	s := &Schema{Name: "Zero", Fields: []Field{
		F("N", UInt32), F("S", String), F("W", WString), F("Sid", Sid),
	}}
	ctx := Context{PointerSize: 4, WideCharSize: 2}
	b, err := s.Encode(ctx, nil)
	require.NoError(t, err)

	values, err := s.Decode(ctx, buffer.NewReader(b))
	require.NoError(t, err)
	require.Equal(t, uint32(0), values["N"])
	require.Equal(t, "", values["S"])
	require.Equal(t, "", values["W"])
	require.Nil(t, values["Sid"], "a missing SID is a null token")
	require.Len(t, b, 4+1+2+4)
}

func TestEncodeTypeMismatch(t *testing.T) {
	s := &Schema{Name: "Bad", Fields: []Field{F("N", UInt32)}}
	_, err := s.Encode(DefaultContext(), map[string]any{"N": "nope"})
	require.ErrorContains(t, err, "field N")
}

func TestEncodeRejectsOverflow(t *testing.T) {
	ctx := DefaultContext()
	tests := []struct {
		typ FieldType
		ok  any
		bad any
	}{
		{Int8, -128, 128},
		{Int8, 127, -129},
		{Int16, int32(-32768), int32(-40000)},
		{Int32, int64(2147483647), int64(2147483648)},
		{UInt8, 255, 256},
		{UInt16, uint32(65535), uint32(65536)},
		{UInt32, uint64(0xffffffff), uint64(0x100000000)},
	}
	for _, tt := range tests {
		s := &Schema{Name: "Narrow", Fields: []Field{F("N", tt.typ)}}
		_, err := s.Encode(ctx, map[string]any{"N": tt.ok})
		require.NoError(t, err, "%s %v", tt.typ.Name, tt.ok)
		_, err = s.Encode(ctx, map[string]any{"N": tt.bad})
		require.ErrorContains(t, err, "overflows "+tt.typ.Name, "%s %v", tt.typ.Name, tt.bad)
	}
}

func TestCategorySchemas(t *testing.T) {
	c := &Category{
		Name:    "Image",
		GUID:    testCategory,
		Version: 2,
		Classes: []Class{{
			Name:     "Image_Load",
			Subtypes: map[uint8]string{10: "Load", 2: "Unload"},
			Fields:   []Field{F("ImageBase", Pointer)},
		}},
	}
	schemas := c.Schemas()
	require.Len(t, schemas, 2)
	require.Equal(t, uint8(2), schemas[0].Subtype)
	require.Equal(t, "Image/Unload", schemas[0].Name)
	require.Equal(t, uint8(10), schemas[1].Subtype)
	require.Equal(t, "Image/Load", schemas[1].Name)
}
