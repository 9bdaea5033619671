package tracefile

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/Microsoft/go-winio/pkg/guid"
	"github.com/stretchr/testify/require"

	"etw_decoder/internal/event"
)

var category = guid.GUID{Data1: 0x3d6fa8d0, Data2: 0xfe05, Data3: 0x11d0,
	Data4: [8]byte{0x9d, 0xda, 0x00, 0xc0, 0x4f, 0xd7, 0xba, 0x7c}}

func sampleEvents() []*event.Raw {
	return []*event.Raw{
		{ProcessID: 4, ThreadID: 8, Timestamp: 132223104000000000, Category: category, Version: 3, Subtype: 1, Data: []byte{1, 2, 3}},
		{ProcessID: 5, ThreadID: 9, Timestamp: 132223104000000001, Category: category, Version: 3, Subtype: 2, Data: []byte{}},
	}
}

func TestWriteRead(t *testing.T) {
	var out bytes.Buffer
	w, err := NewWriter(&out)
	require.NoError(t, err)
	require.NoError(t, w.WriteBuffer(sampleEvents()))
	require.NoError(t, w.WriteBuffer(sampleEvents()[:1]))
	require.NoError(t, w.WriteBuffer(nil))
	require.NoError(t, w.Flush())
	require.Equal(t, 3, w.Buffers())

	r, err := NewReader(bytes.NewReader(out.Bytes()))
	require.NoError(t, err)

	b, err := r.Next()
	require.NoError(t, err)
	require.Equal(t, 0, b.Index)
	require.Len(t, b.Events, 2)
	require.Equal(t, sampleEvents()[0], b.Events[0])
	require.Equal(t, category, b.Events[1].Category)
	require.Empty(t, b.Events[1].Data)
	require.Equal(t, uint32(2*EventHeaderSize+3), b.Size)

	b, err = r.Next()
	require.NoError(t, err)
	require.Equal(t, 1, b.Index)
	require.Len(t, b.Events, 1)

	b, err = r.Next()
	require.NoError(t, err)
	require.Empty(t, b.Events)

	_, err = r.Next()
	require.ErrorIs(t, err, io.EOF)
	_, err = r.Next()
	require.ErrorIs(t, err, io.EOF, "errors are sticky")
}

func TestCategoryWindowsByteOrder(t *testing.T) {
	var out bytes.Buffer
	w, err := NewWriter(&out)
	require.NoError(t, err)
	require.NoError(t, w.WriteBuffer(sampleEvents()[:1]))
	require.NoError(t, w.Flush())

	// Data1 of the GUID is stored little-endian right after pid, tid and timestamp.
	off := preambleSize + bufferHeaderSize + 16
	require.Equal(t, []byte{0xd0, 0xa8, 0x6f, 0x3d}, out.Bytes()[off:off+4])
}

func TestBadPreamble(t *testing.T) {
	_, err := NewReader(bytes.NewReader([]byte("NOPE\x01\x00\x00\x00")))
	require.ErrorIs(t, err, ErrBadMagic)

	_, err = NewReader(bytes.NewReader([]byte("ET")))
	require.ErrorIs(t, err, ErrBadMagic)

	_, err = NewReader(bytes.NewReader([]byte("ETWT\x07\x00\x00\x00")))
	require.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestCorruptBuffers(t *testing.T) {
	valid := func() []byte {
		var out bytes.Buffer
		w, _ := NewWriter(&out)
		_ = w.WriteBuffer(sampleEvents())
		_ = w.Flush()
		return out.Bytes()
	}

	tests := []struct {
		name   string
		mutate func(b []byte) []byte
	}{
		{"truncated payload", func(b []byte) []byte { return b[:len(b)-1] }},
		{"truncated buffer header", func(b []byte) []byte { return b[:preambleSize+3] }},
		{"count too large for size", func(b []byte) []byte {
			binary.LittleEndian.PutUint32(b[preambleSize+4:], 1000)
			return b
		}},
		{"event data length past buffer", func(b []byte) []byte {
			binary.LittleEndian.PutUint32(b[preambleSize+bufferHeaderSize+36:], 0xffffff)
			return b
		}},
		{"oversized buffer", func(b []byte) []byte {
			binary.LittleEndian.PutUint32(b[preambleSize:], MaxBufferSize+1)
			return b
		}},
		{"trailing bytes", func(b []byte) []byte {
			binary.LittleEndian.PutUint32(b[preambleSize+4:], 1)
			return b
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := NewReader(bytes.NewReader(tt.mutate(valid())))
			require.NoError(t, err)
			_, err = r.Next()
			require.ErrorIs(t, err, ErrCorrupt)
		})
	}
}
