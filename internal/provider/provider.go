// Package provider is the producer side: it turns a small set of fields into
// a raw event and hands it to the transport, gated by the enable state the
// transport pushes through the control callback.
package provider

import (
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/Microsoft/go-winio/pkg/guid"
	"github.com/phuslu/log"

	"etw_decoder/internal/buffer"
	"etw_decoder/internal/event"
	"etw_decoder/internal/logger"
	"etw_decoder/internal/schema"
	"etw_decoder/internal/transport"
)

// MaxFields is the most variable-length fields a single event may carry.
const MaxFields = 16

// Level is an event severity. Lower values are more severe.
type Level uint8

const (
	LevelAlways Level = iota
	LevelCritical
	LevelError
	LevelWarning
	LevelInfo
	LevelVerbose
)

var (
	ErrTooManyFields   = errors.New("too many event fields")
	ErrUnknownCategory = errors.New("category not declared by provider")
	ErrUnregistered    = errors.New("provider is not registered")
)

// state is replaced as a whole so readers never see a torn level/flags pair.
type state struct {
	enabled bool
	level   Level
	flags   uint64
}

var disabled = &state{}

// Provider emits events for a fixed set of categories.
type Provider struct {
	ID         guid.GUID
	transport  transport.Transport
	handle     transport.ProviderHandle
	categories map[guid.GUID]struct{}
	processID  uint32
	callback   transport.ControlCallback

	state      atomic.Pointer[state]
	registered atomic.Bool

	log log.Logger
}

// Option configures Register.
type Option func(*Provider)

// WithCallback sets a function that is called after every enable state
// change, on the transport's goroutine.
func WithCallback(cb transport.ControlCallback) Option {
	return func(p *Provider) { p.callback = cb }
}

// WithProcessID overrides the process id stamped on events.
func WithProcessID(pid uint32) Option {
	return func(p *Provider) { p.processID = pid }
}

// Register registers a provider for id that may emit the given categories.
func Register(t transport.Transport, id guid.GUID, categories []guid.GUID, opts ...Option) (*Provider, error) {
	p := &Provider{
		ID:         id,
		transport:  t,
		categories: make(map[guid.GUID]struct{}, len(categories)),
		processID:  uint32(os.Getpid()),
		log:        logger.NewLoggerWithContext("provider"),
	}
	for _, c := range categories {
		p.categories[c] = struct{}{}
	}
	for _, opt := range opts {
		opt(p)
	}
	p.state.Store(disabled)

	h, err := t.RegisterProvider(id, p.control)
	if err != nil {
		return nil, fmt.Errorf("failed to register provider %s: %w", id, err)
	}
	p.handle = h
	p.registered.Store(true)

	p.log.Debug().Str("provider", id.String()).Int("categories", len(categories)).Msg("Provider registered")
	return p, nil
}

// Unregister detaches the provider from the transport. Later Log calls fail.
func (p *Provider) Unregister() error {
	if !p.registered.CompareAndSwap(true, false) {
		return nil
	}
	p.state.Store(disabled)
	if err := p.transport.UnregisterProvider(p.handle); err != nil {
		return fmt.Errorf("failed to unregister provider %s: %w", p.ID, err)
	}
	return nil
}

// control is the transport's enable/disable entry point. It may run
// concurrently with Log and ShouldLog.
func (p *Provider) control(id guid.GUID, code transport.ControlCode, level uint8, flags uint64) {
	switch code {
	case transport.ControlDisable:
		p.state.Store(disabled)
	case transport.ControlEnable:
		p.state.Store(&state{enabled: true, level: Level(level), flags: flags})
	}
	p.log.Debug().Str("provider", id.String()).Uint32("code", uint32(code)).
		Uint32("level", uint32(level)).Uint64("flags", flags).Msg("Provider state changed")

	if p.callback != nil {
		p.callback(id, code, level, flags)
	}
}

// IsEnabled reports whether any session has the provider enabled.
func (p *Provider) IsEnabled() bool {
	return p.state.Load().enabled
}

// Level returns the current enable level.
func (p *Provider) Level() Level {
	return p.state.Load().level
}

// Flags returns the current enable flag mask.
func (p *Provider) Flags() uint64 {
	return p.state.Load().flags
}

// ShouldLog reports whether an event of the given level and flag would be
// consumed: the enable level is at least level and flag shares a bit with
// the enable flags. Every call observes the latest state.
func (p *Provider) ShouldLog(level Level, flag uint64) bool {
	s := p.state.Load()
	return s.enabled && s.level >= level && s.flags&flag != 0
}

// Event is the producer's view of one event. Fields are concatenated in
// order to form the payload; the slices only need to stay valid until Log
// returns.
type Event struct {
	Category  guid.GUID
	Version   uint8
	Subtype   uint8
	ThreadID  uint32
	Timestamp time.Time // zero means now
	Fields    [][]byte
}

// Log hands ev to the transport. It does not consult ShouldLog; callers gate
// expensive field construction themselves.
func (p *Provider) Log(ev *Event) error {
	if !p.registered.Load() {
		return ErrUnregistered
	}
	if len(ev.Fields) > MaxFields {
		return fmt.Errorf("%w: %d > %d", ErrTooManyFields, len(ev.Fields), MaxFields)
	}
	if _, ok := p.categories[ev.Category]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCategory, ev.Category)
	}

	size := 0
	for _, f := range ev.Fields {
		size += len(f)
	}
	data := make([]byte, 0, size)
	for _, f := range ev.Fields {
		data = append(data, f...)
	}

	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	raw := &event.Raw{
		ProcessID: p.processID,
		ThreadID:  ev.ThreadID,
		Timestamp: event.TimeToFileTime(ts),
		Category:  ev.Category,
		Version:   ev.Version,
		Subtype:   ev.Subtype,
		Data:      data,
	}
	if err := p.transport.WriteEvent(p.handle, raw); err != nil {
		return fmt.Errorf("failed to write event %s/%d: %w", ev.Category, ev.Subtype, err)
	}
	return nil
}

// LogSchema encodes values with s, one field per schema entry, and logs the
// result. It fails with ErrTooManyFields for schemas wider than MaxFields.
func (p *Provider) LogSchema(s *schema.Schema, ctx schema.Context, threadID uint32, values map[string]any) error {
	if len(s.Fields) > MaxFields {
		return fmt.Errorf("%w: schema %s has %d fields", ErrTooManyFields, s.Name, len(s.Fields))
	}
	fields := make([][]byte, 0, len(s.Fields))
	w := buffer.NewWriter()
	for _, f := range s.Fields {
		w.Reset()
		if err := f.Type.Encode(ctx, w, values[f.Name]); err != nil {
			return fmt.Errorf("%s: field %s: %w", s.Name, f.Name, err)
		}
		fields = append(fields, append([]byte(nil), w.Bytes()...))
	}
	return p.Log(&Event{
		Category: s.Category,
		Version:  s.Version,
		Subtype:  s.Subtype,
		ThreadID: threadID,
		Fields:   fields,
	})
}
