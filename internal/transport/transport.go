// Package transport is the boundary between the decoder and the tracing
// service that owns sessions, buffers and provider enable state.
package transport

import (
	"errors"

	"github.com/Microsoft/go-winio/pkg/guid"

	"etw_decoder/internal/event"
)

// Mode says how a trace delivers its events.
type Mode int

const (
	// Realtime traces deliver buffers as the session flushes them, until the
	// session stops or the trace is closed.
	Realtime Mode = iota
	// File traces replay a session log file to its end.
	File
)

func (m Mode) String() string {
	switch m {
	case Realtime:
		return "realtime"
	case File:
		return "file"
	default:
		return "unknown"
	}
}

var (
	// ErrSessionExists is returned by StartSession for a name already in use.
	ErrSessionExists = errors.New("session already exists")
	// ErrSessionNotFound is returned for unknown session names or handles.
	ErrSessionNotFound = errors.New("session not found")
	// ErrProviderNotFound is returned for unknown provider handles.
	ErrProviderNotFound = errors.New("provider not found")
	// ErrTraceClosed is returned when a closed trace is processed again.
	ErrTraceClosed = errors.New("trace closed")
)

// BufferInfo describes one transport buffer before its events are delivered.
type BufferInfo struct {
	Trace  string
	Index  int
	Size   uint32
	Events int
}

// EventSink receives what a Trace delivers.
type EventSink interface {
	// ProcessBuffer is called once per buffer before its events. Returning
	// false skips the rest of that buffer.
	ProcessBuffer(info BufferInfo) bool
	// ProcessEvent is called for every event in delivery order. A non-nil
	// error stops the trace and is returned from Process.
	ProcessEvent(ev *event.Raw) error
}

// Trace is an open consumer handle on a realtime session or a log file.
type Trace interface {
	Name() string
	Mode() Mode
	// Process delivers events to sink and blocks until the file ends, the
	// session stops, Close is called or sink returns an error.
	Process(sink EventSink) error
	// Close releases the trace. It may be called from another goroutine while
	// Process runs; Process returns after the buffer in flight.
	Close() error
}

// SessionHandle identifies a logging session.
type SessionHandle uint64

// ProviderHandle identifies a registered provider.
type ProviderHandle uint64

// Properties configures a logging session. The counters are filled in by
// StopSession.
type Properties struct {
	Name       string
	LogFile    string // when set, flushed buffers are also written here
	BufferSize uint32 // bytes per buffer, 0 for the default
	MinBuffers uint32 // realtime delivery queue depth, 0 for the default

	BuffersWritten uint32
	EventsLost     uint32
	BuffersLost    uint32
}

// ControlCode tells a provider's ControlCallback what is being done.
type ControlCode uint32

const (
	ControlDisable ControlCode = iota
	ControlEnable
)

// ControlCallback receives enable state changes for a provider. It runs on a
// transport goroutine and must not block.
type ControlCallback func(provider guid.GUID, code ControlCode, level uint8, flags uint64)

// Transport is the tracing service surface used by consumers and producers.
type Transport interface {
	// OpenTrace opens a consumer on the realtime session called name, or on
	// the log file at name when mode is File.
	OpenTrace(name string, mode Mode) (Trace, error)

	StartSession(props *Properties) (SessionHandle, error)
	// StopSession flushes and stops the session and returns its final
	// properties, including the lost counters.
	StopSession(h SessionHandle) (*Properties, error)
	// FlushSession delivers the partially filled buffer of a session.
	FlushSession(h SessionHandle) error

	EnableProvider(h SessionHandle, provider guid.GUID, level uint8, flags uint64) error
	DisableProvider(h SessionHandle, provider guid.GUID) error

	RegisterProvider(provider guid.GUID, cb ControlCallback) (ProviderHandle, error)
	UnregisterProvider(h ProviderHandle) error
	// WriteEvent copies ev into every session the provider is enabled on.
	// The transport does not retain ev or its data after the call returns.
	WriteEvent(h ProviderHandle, ev *event.Raw) error
}
