// Package buffer provides the bounds-checked cursor used to pull typed values
// out of raw event payloads, and the matching writer used by producers.
//
// All values are little-endian, which is the only byte order the tracing
// transport ever produces.
package buffer

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/encoding/unicode/utf32"
)

var (
	// ErrBufferOverflow is returned when a read would go past the end of the buffer.
	ErrBufferOverflow = errors.New("buffer overflow")

	// ErrBufferData is returned when the bytes are present but fail a validity check.
	ErrBufferData = errors.New("invalid buffer data")
)

// Reader is a read cursor over a borrowed byte slice. The position always
// satisfies 0 <= Offset() <= Len(), and a failed read leaves it unchanged.
type Reader struct {
	buf []byte
	pos int
}

// NewReader returns a Reader positioned at the start of b. The Reader does not
// copy b; the caller keeps ownership and must not modify it while decoding.
func NewReader(b []byte) *Reader {
	return &Reader{buf: b}
}

// Len returns the total length of the underlying buffer.
func (r *Reader) Len() int { return len(r.buf) }

// Offset returns the current read position.
func (r *Reader) Offset() int { return r.pos }

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int { return len(r.buf) - r.pos }

// Contains reports whether [offset, offset+length) lies entirely inside the
// buffer. Both bounds are checked on their own before the sum is considered,
// so huge or negative values can never wrap around.
func (r *Reader) Contains(offset, length int) bool {
	if offset < 0 || length < 0 {
		return false
	}
	if offset > len(r.buf) {
		return false
	}
	return length <= len(r.buf)-offset
}

func (r *Reader) overflow(n int) error {
	return fmt.Errorf("%w: %d bytes at offset %d of %d", ErrBufferOverflow, n, r.pos, len(r.buf))
}

// next returns the next n bytes and advances past them.
func (r *Reader) next(n int) ([]byte, error) {
	if !r.Contains(r.pos, n) {
		return nil, r.overflow(n)
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

// Skip advances the cursor by n bytes.
func (r *Reader) Skip(n int) error {
	_, err := r.next(n)
	return err
}

// ReadBytes returns a copy of the next n bytes.
func (r *Reader) ReadBytes(n int) ([]byte, error) {
	b, err := r.next(n)
	if err != nil {
		return nil, err
	}
	return bytes.Clone(b), nil
}

func (r *Reader) ReadUint8() (uint8, error) {
	b, err := r.next(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *Reader) ReadUint16() (uint16, error) {
	b, err := r.next(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (r *Reader) ReadUint32() (uint32, error) {
	b, err := r.next(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *Reader) ReadUint64() (uint64, error) {
	b, err := r.next(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (r *Reader) ReadInt8() (int8, error) {
	v, err := r.ReadUint8()
	return int8(v), err
}

func (r *Reader) ReadInt16() (int16, error) {
	v, err := r.ReadUint16()
	return int16(v), err
}

func (r *Reader) ReadInt32() (int32, error) {
	v, err := r.ReadUint32()
	return int32(v), err
}

func (r *Reader) ReadInt64() (int64, error) {
	v, err := r.ReadUint64()
	return int64(v), err
}

// ReadPointer reads a pointer-sized unsigned value. size must be 4 or 8.
func (r *Reader) ReadPointer(size int) (uint64, error) {
	switch size {
	case 4:
		v, err := r.ReadUint32()
		return uint64(v), err
	case 8:
		return r.ReadUint64()
	default:
		return 0, fmt.Errorf("%w: unsupported pointer size %d", ErrBufferData, size)
	}
}

// ReadString reads a NUL-terminated string of 1-byte units. The cursor ends
// up just past the terminator.
func (r *Reader) ReadString() (string, error) {
	rest := r.buf[r.pos:]
	end := bytes.IndexByte(rest, 0)
	if end < 0 {
		return "", fmt.Errorf("%w: unterminated string at offset %d", ErrBufferOverflow, r.pos)
	}
	s := string(rest[:end])
	r.pos += end + 1
	return s, nil
}

// ReadWString reads a NUL-terminated wide string. unit is the width of one
// wide character in bytes, 2 (UTF-16) or 4 (UTF-32). The terminator is a
// whole zero unit aligned to the string start.
func (r *Reader) ReadWString(unit int) (string, error) {
	enc, err := wideEncoding(unit)
	if err != nil {
		return "", err
	}

	end := -1
	for off := r.pos; r.Contains(off, unit); off += unit {
		if isZero(r.buf[off : off+unit]) {
			end = off
			break
		}
	}
	if end < 0 {
		return "", fmt.Errorf("%w: unterminated wide string at offset %d", ErrBufferOverflow, r.pos)
	}

	decoded, err := enc.NewDecoder().Bytes(r.buf[r.pos:end])
	if err != nil {
		return "", fmt.Errorf("%w: wide string at offset %d: %v", ErrBufferData, r.pos, err)
	}
	r.pos = end + unit
	return string(decoded), nil
}

func isZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

func wideEncoding(unit int) (encoding.Encoding, error) {
	switch unit {
	case 2:
		return unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM), nil
	case 4:
		return utf32.UTF32(utf32.LittleEndian, utf32.IgnoreBOM), nil
	default:
		return nil, fmt.Errorf("%w: unsupported wide character size %d", ErrBufferData, unit)
	}
}
