// Package event holds the raw and decoded forms of a single trace event.
package event

import (
	"fmt"
	"time"

	"github.com/Microsoft/go-winio/pkg/guid"

	"etw_decoder/internal/buffer"
)

// Raw is an undecoded event as delivered by a transport: the fixed header and
// the schema-described payload (MOF data) that follows it.
type Raw struct {
	ProcessID uint32
	ThreadID  uint32
	Timestamp int64 // FILETIME ticks
	Category  guid.GUID
	Version   uint8
	Subtype   uint8
	Data      []byte
}

// Header is the fixed part of a decoded event.
type Header struct {
	ProcessID    uint32
	ThreadID     uint32
	RawTimestamp int64
	Timestamp    time.Time
	Category     guid.GUID
	Version      uint8
	Subtype      uint8
}

// HeaderFromRaw copies the fixed fields of raw and normalizes its timestamp.
func HeaderFromRaw(raw *Raw) Header {
	return Header{
		ProcessID:    raw.ProcessID,
		ThreadID:     raw.ThreadID,
		RawTimestamp: raw.Timestamp,
		Timestamp:    FileTimeToTime(raw.Timestamp),
		Category:     raw.Category,
		Version:      raw.Version,
		Subtype:      raw.Subtype,
	}
}

// Record is a fully decoded event. Records are handed to handlers by pointer
// but must be treated as read-only; the same Record is shared by every
// handler registered for it.
type Record struct {
	Header
	Name   string // schema name, e.g. "Process/Start"
	Fields map[string]any
}

// Value returns the decoded field called name.
func (r *Record) Value(name string) (any, bool) {
	v, ok := r.Fields[name]
	return v, ok
}

// Uint returns an unsigned integer or pointer field widened to uint64.
func (r *Record) Uint(name string) (uint64, error) {
	v, ok := r.Fields[name]
	if !ok {
		return 0, fmt.Errorf("field %q not present in %s", name, r.Name)
	}
	switch n := v.(type) {
	case uint8:
		return uint64(n), nil
	case uint16:
		return uint64(n), nil
	case uint32:
		return uint64(n), nil
	case uint64:
		return n, nil
	default:
		return 0, fmt.Errorf("field %q of %s is %T, not an unsigned integer", name, r.Name, v)
	}
}

// Int returns a signed integer field widened to int64.
func (r *Record) Int(name string) (int64, error) {
	v, ok := r.Fields[name]
	if !ok {
		return 0, fmt.Errorf("field %q not present in %s", name, r.Name)
	}
	switch n := v.(type) {
	case int8:
		return int64(n), nil
	case int16:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	default:
		return 0, fmt.Errorf("field %q of %s is %T, not a signed integer", name, r.Name, v)
	}
}

// String returns a narrow or wide string field.
func (r *Record) String(name string) (string, error) {
	v, ok := r.Fields[name]
	if !ok {
		return "", fmt.Errorf("field %q not present in %s", name, r.Name)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("field %q of %s is %T, not a string", name, r.Name, v)
	}
	return s, nil
}

// SID returns a security identifier field.
func (r *Record) SID(name string) (*buffer.SID, error) {
	v, ok := r.Fields[name]
	if !ok {
		return nil, fmt.Errorf("field %q not present in %s", name, r.Name)
	}
	sid, ok := v.(*buffer.SID)
	if !ok {
		return nil, fmt.Errorf("field %q of %s is %T, not a SID", name, r.Name, v)
	}
	return sid, nil
}
