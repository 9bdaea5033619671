package buffer

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Writer builds a little-endian payload in the same layout Reader consumes.
type Writer struct {
	buf bytes.Buffer
}

// NewWriter returns an empty Writer.
func NewWriter() *Writer {
	return &Writer{}
}

// Bytes returns the accumulated payload. The slice aliases the Writer's
// storage until the next write or Reset.
func (w *Writer) Bytes() []byte { return w.buf.Bytes() }

// Len returns the number of bytes written so far.
func (w *Writer) Len() int { return w.buf.Len() }

// Reset discards the accumulated payload.
func (w *Writer) Reset() { w.buf.Reset() }

func (w *Writer) WriteBytes(b []byte) { w.buf.Write(b) }

func (w *Writer) WriteUint8(v uint8) { w.buf.WriteByte(v) }

func (w *Writer) WriteUint16(v uint16) {
	w.buf.Write(binary.LittleEndian.AppendUint16(nil, v))
}

func (w *Writer) WriteUint32(v uint32) {
	w.buf.Write(binary.LittleEndian.AppendUint32(nil, v))
}

func (w *Writer) WriteUint64(v uint64) {
	w.buf.Write(binary.LittleEndian.AppendUint64(nil, v))
}

func (w *Writer) WriteInt8(v int8)   { w.WriteUint8(uint8(v)) }
func (w *Writer) WriteInt16(v int16) { w.WriteUint16(uint16(v)) }
func (w *Writer) WriteInt32(v int32) { w.WriteUint32(uint32(v)) }
func (w *Writer) WriteInt64(v int64) { w.WriteUint64(uint64(v)) }

// WritePointer writes v with the given pointer size (4 or 8).
func (w *Writer) WritePointer(v uint64, size int) error {
	switch size {
	case 4:
		if v > 0xFFFFFFFF {
			return fmt.Errorf("%w: pointer 0x%x does not fit in 4 bytes", ErrBufferData, v)
		}
		w.WriteUint32(uint32(v))
	case 8:
		w.WriteUint64(v)
	default:
		return fmt.Errorf("%w: unsupported pointer size %d", ErrBufferData, size)
	}
	return nil
}

// WriteString writes s followed by a NUL byte.
func (w *Writer) WriteString(s string) {
	w.buf.WriteString(s)
	w.buf.WriteByte(0)
}

// WriteWString writes s as a wide string of the given unit size followed by a
// zero unit.
func (w *Writer) WriteWString(s string, unit int) error {
	enc, err := wideEncoding(unit)
	if err != nil {
		return err
	}
	encoded, err := enc.NewEncoder().Bytes([]byte(s))
	if err != nil {
		return fmt.Errorf("%w: encoding wide string: %v", ErrBufferData, err)
	}
	w.buf.Write(encoded)
	w.buf.Write(make([]byte, unit))
	return nil
}

// WriteSID writes sid behind a TOKEN_USER prefix, mirroring ReadSID. The
// token's Sid pointer holds the self-relative offset of the SID. A nil sid
// is written as a null token.
func (w *Writer) WriteSID(sid *SID, pointerSize int) error {
	if pointerSize != 4 && pointerSize != 8 {
		return fmt.Errorf("%w: unsupported pointer size %d", ErrBufferData, pointerSize)
	}
	if sid == nil {
		w.WriteUint32(0)
		return nil
	}
	if len(sid.SubAuthorities) > sidMaxSubAuthorities {
		return fmt.Errorf("%w: SID has %d sub-authorities", ErrBufferData, len(sid.SubAuthorities))
	}
	if err := w.WritePointer(uint64(2*pointerSize), pointerSize); err != nil {
		return err
	}
	w.buf.Write(make([]byte, pointerSize))
	w.buf.WriteByte(sid.Revision)
	w.buf.WriteByte(uint8(len(sid.SubAuthorities)))
	for shift := 40; shift >= 0; shift -= 8 {
		w.buf.WriteByte(byte(sid.Authority >> shift))
	}
	for _, sub := range sid.SubAuthorities {
		w.WriteUint32(sub)
	}
	return nil
}
