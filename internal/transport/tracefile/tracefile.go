// Package tracefile reads and writes session log files.
//
// A file is a 8-byte preamble followed by buffers in the order they were
// flushed by the session:
//
//	preamble: "ETWT" | u16 format version | u16 reserved
//	buffer:   u32 payload size | u32 event count | events...
//	event:    u32 pid | u32 tid | i64 timestamp | [16]byte category (Windows order)
//	          | u8 version | u8 subtype | u16 reserved | u32 data length | data
//
// All integers are little-endian.
package tracefile

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/Microsoft/go-winio/pkg/guid"

	"etw_decoder/internal/buffer"
	"etw_decoder/internal/event"
)

const (
	// FormatVersion is the only version this package writes and reads.
	FormatVersion = 1

	preambleSize     = 8
	bufferHeaderSize = 8
	// EventHeaderSize is the fixed size of an event record before its data.
	EventHeaderSize = 40
	// MaxBufferSize bounds a single buffer payload.
	MaxBufferSize = 64 << 20
)

var magic = [4]byte{'E', 'T', 'W', 'T'}

var (
	// ErrBadMagic means the input is not a session log file.
	ErrBadMagic = errors.New("tracefile: bad magic")
	// ErrUnsupportedVersion means the file was written by a newer format.
	ErrUnsupportedVersion = errors.New("tracefile: unsupported format version")
	// ErrCorrupt means a buffer failed a length check.
	ErrCorrupt = errors.New("tracefile: corrupt buffer")
)

// Buffer is one flushed session buffer.
type Buffer struct {
	Index  int // zero based position in the file
	Size   uint32
	Events []*event.Raw
}

// EncodedSize returns the payload size of ev inside a buffer.
func EncodedSize(ev *event.Raw) int {
	return EventHeaderSize + len(ev.Data)
}

// Writer appends buffers to a log file.
type Writer struct {
	w   *bufio.Writer
	n   int
	err error
}

// NewWriter writes the preamble to w and returns a Writer for it.
func NewWriter(w io.Writer) (*Writer, error) {
	bw := bufio.NewWriter(w)
	var pre [preambleSize]byte
	copy(pre[:], magic[:])
	binary.LittleEndian.PutUint16(pre[4:], FormatVersion)
	if _, err := bw.Write(pre[:]); err != nil {
		return nil, err
	}
	return &Writer{w: bw}, nil
}

// WriteBuffer writes events as one buffer. Errors are sticky.
func (w *Writer) WriteBuffer(events []*event.Raw) error {
	if w.err != nil {
		return w.err
	}
	size := 0
	for _, ev := range events {
		size += EncodedSize(ev)
	}
	if size > MaxBufferSize {
		return fmt.Errorf("%w: buffer of %d bytes exceeds %d", ErrCorrupt, size, MaxBufferSize)
	}

	bw := buffer.NewWriter()
	bw.WriteUint32(uint32(size))
	bw.WriteUint32(uint32(len(events)))
	for _, ev := range events {
		bw.WriteUint32(ev.ProcessID)
		bw.WriteUint32(ev.ThreadID)
		bw.WriteInt64(ev.Timestamp)
		cat := ev.Category.ToWindowsArray()
		bw.WriteBytes(cat[:])
		bw.WriteUint8(ev.Version)
		bw.WriteUint8(ev.Subtype)
		bw.WriteUint16(0)
		bw.WriteUint32(uint32(len(ev.Data)))
		bw.WriteBytes(ev.Data)
	}
	if _, err := w.w.Write(bw.Bytes()); err != nil {
		w.err = err
		return err
	}
	w.n++
	return nil
}

// Buffers returns the number of buffers written so far.
func (w *Writer) Buffers() int { return w.n }

// Flush writes any buffered data to the underlying writer.
func (w *Writer) Flush() error {
	if w.err != nil {
		return w.err
	}
	w.err = w.w.Flush()
	return w.err
}

// Reader reads buffers from a log file.
type Reader struct {
	r   *bufio.Reader
	n   int
	err error
}

// NewReader validates the preamble of r. If r is a bufio.Reader it is used
// for buffering directly.
func NewReader(r io.Reader) (*Reader, error) {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}
	var pre [preambleSize]byte
	if _, err := io.ReadFull(br, pre[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrBadMagic
		}
		return nil, err
	}
	if [4]byte(pre[:4]) != magic {
		return nil, ErrBadMagic
	}
	if v := binary.LittleEndian.Uint16(pre[4:]); v != FormatVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, v)
	}
	return &Reader{r: br}, nil
}

// Next returns the next buffer, or io.EOF after the last one. Any other
// error is permanent.
func (r *Reader) Next() (*Buffer, error) {
	if r.err != nil {
		return nil, r.err
	}
	b, err := r.next()
	if err != nil {
		r.err = err
		return nil, err
	}
	return b, nil
}

func (r *Reader) next() (*Buffer, error) {
	var hdr [bufferHeaderSize]byte
	if _, err := io.ReadFull(r.r, hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: truncated buffer header after buffer %d", ErrCorrupt, r.n)
		}
		return nil, err // io.EOF on a clean end
	}
	size := binary.LittleEndian.Uint32(hdr[0:])
	count := binary.LittleEndian.Uint32(hdr[4:])
	if size > MaxBufferSize {
		return nil, fmt.Errorf("%w: buffer %d claims %d bytes", ErrCorrupt, r.n, size)
	}
	if uint64(count)*EventHeaderSize > uint64(size) {
		return nil, fmt.Errorf("%w: buffer %d claims %d events in %d bytes", ErrCorrupt, r.n, count, size)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r.r, payload); err != nil {
		return nil, fmt.Errorf("%w: buffer %d: %v", ErrCorrupt, r.n, err)
	}

	events, err := decodeEvents(payload, int(count))
	if err != nil {
		return nil, fmt.Errorf("%w: buffer %d: %v", ErrCorrupt, r.n, err)
	}
	b := &Buffer{Index: r.n, Size: size, Events: events}
	r.n++
	return b, nil
}

func decodeEvents(payload []byte, count int) ([]*event.Raw, error) {
	cur := buffer.NewReader(payload)
	events := make([]*event.Raw, 0, count)
	for i := 0; i < count; i++ {
		ev, err := decodeEvent(cur)
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", i, err)
		}
		events = append(events, ev)
	}
	if cur.Remaining() != 0 {
		return nil, fmt.Errorf("%d trailing bytes", cur.Remaining())
	}
	return events, nil
}

func decodeEvent(cur *buffer.Reader) (*event.Raw, error) {
	if !cur.Contains(cur.Offset(), EventHeaderSize) {
		return nil, fmt.Errorf("%w: event header at offset %d", buffer.ErrBufferOverflow, cur.Offset())
	}
	ev := &event.Raw{}
	ev.ProcessID, _ = cur.ReadUint32()
	ev.ThreadID, _ = cur.ReadUint32()
	ev.Timestamp, _ = cur.ReadInt64()
	cat, _ := cur.ReadBytes(16)
	ev.Category = guid.FromWindowsArray([16]byte(cat))
	ev.Version, _ = cur.ReadUint8()
	ev.Subtype, _ = cur.ReadUint8()
	_ = cur.Skip(2)
	n, _ := cur.ReadUint32()

	data, err := cur.ReadBytes(int(n))
	if err != nil {
		return nil, err
	}
	ev.Data = data
	return ev, nil
}
