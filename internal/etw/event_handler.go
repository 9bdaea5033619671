package etwmain

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync/atomic"

	"github.com/Microsoft/go-winio/pkg/guid"
	"github.com/phuslu/log"
	"github.com/puzpuzpuz/xsync/v4"

	"etw_decoder/internal/buffer"
	"etw_decoder/internal/config"
	"etw_decoder/internal/etw/guids"
	"etw_decoder/internal/etw/handlers"
	"etw_decoder/internal/event"
	"etw_decoder/internal/logger"
	"etw_decoder/internal/schema"
	"etw_decoder/internal/transport"
)

// HandlerError is a handler failure for one event. File replay stops with it.
type HandlerError struct {
	Category guid.GUID
	Subtype  uint8
	Name     string // decoded event name
	Err      error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler for %s (%s/%d) failed: %v", e.Name, e.Category, e.Subtype, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// errHandlerPanic wraps a value recovered from a panicking handler.
var errHandlerPanic = errors.New("handler panicked")

// CategoryStats is a snapshot of the dispatcher counters for one category.
type CategoryStats struct {
	Category        guid.GUID
	Name            string
	Processed       uint64
	Dropped         uint64
	DecodeErrors    uint64
	HandlerFailures uint64
}

type categoryCounters struct {
	processed       atomic.Uint64
	dropped         atomic.Uint64
	decodeErrors    atomic.Uint64
	handlerFailures atomic.Uint64
}

// Dispatcher decodes raw events with the schema registry and routes each
// decoded record to the handlers bound to its (category, subtype).
//
// Handlers are registered during start-up. The routing table is read without
// locking while sessions are processed, so RegisterHandler and AddConsumer
// must not be called once a SessionController is processing.
type Dispatcher struct {
	registry *schema.Registry
	config   *config.DispatchConfig
	log      log.Logger

	// ROUTING TABLE - hot path, read only during processing
	routes map[handlers.Key][]handlers.HandlerFunc

	bufferCallback func(*TraceSession, transport.BufferInfo) bool

	// Event counters by category - atomic counters for thread safety
	stats   *xsync.Map[guid.GUID, *categoryCounters]
	buffers atomic.Uint64
}

// NewDispatcher creates a dispatcher over registry.
func NewDispatcher(registry *schema.Registry, cfg *config.DispatchConfig) *Dispatcher {
	if cfg == nil {
		cfg = &config.DispatchConfig{}
	}
	d := &Dispatcher{
		registry: registry,
		config:   cfg,
		log:      logger.NewLoggerWithContext("dispatcher"),
		routes:   make(map[handlers.Key][]handlers.HandlerFunc),
		stats:    xsync.NewMap[guid.GUID, *categoryCounters](),
	}
	d.log.Debug().Int("schemas", registry.Len()).Msg("Dispatcher created")
	return d
}

// Registry returns the schema registry the dispatcher decodes with.
func (d *Dispatcher) Registry() *schema.Registry {
	return d.registry
}

// RegisterHandler appends handler to the handlers of (category, subtype).
// Handlers for the same key run in registration order.
func (d *Dispatcher) RegisterHandler(category guid.GUID, subtype uint8, handler handlers.HandlerFunc) {
	key := handlers.Key{Category: category, Subtype: subtype}
	d.routes[key] = append(d.routes[key], handler)
	d.log.Debug().Str("category", d.registry.CategoryName(category)).Int("subtype", int(subtype)).
		Int("total_handlers", len(d.routes[key])).Msg("Event handler registered")
}

// AddRoute implements handlers.Router.
func (d *Dispatcher) AddRoute(category guid.GUID, subtype uint8, handler handlers.HandlerFunc) {
	d.RegisterHandler(category, subtype, handler)
}

// AddConsumer registers the flattened handler table of c, inherited
// bindings included.
func (d *Dispatcher) AddConsumer(c handlers.Consumer) {
	handlers.Register(d, c)
	d.log.Debug().Str("consumer", fmt.Sprintf("%T", c)).Msg("Consumer registered")
}

// SetBufferCallback installs a hook that runs once per transport buffer
// before its events. Returning false skips the rest of that buffer.
func (d *Dispatcher) SetBufferCallback(cb func(*TraceSession, transport.BufferInfo) bool) {
	d.bufferCallback = cb
}

// HandlerCount returns the number of handlers bound to (category, subtype).
func (d *Dispatcher) HandlerCount(category guid.GUID, subtype uint8) int {
	return len(d.routes[handlers.Key{Category: category, Subtype: subtype}])
}

func (d *Dispatcher) counters(category guid.GUID) *categoryCounters {
	c, _ := d.stats.LoadOrCompute(category, func() (*categoryCounters, bool) {
		return &categoryCounters{}, false
	})
	return c
}

// ProcessBuffer is called once per transport buffer of s.
func (d *Dispatcher) ProcessBuffer(s *TraceSession, info transport.BufferInfo) bool {
	d.buffers.Add(1)
	if d.bufferCallback != nil {
		return d.bufferCallback(s, info)
	}
	return true
}

// ProcessRawEvent decodes raw and runs its handlers.
//
// Events without a schema or without handlers are dropped. A decode failure
// is logged and counted and never returned. A handler failure is logged in
// realtime sessions; in file sessions the first one is returned, which stops
// the replay of that file.
func (d *Dispatcher) ProcessRawEvent(s *TraceSession, raw *event.Raw) error {
	if raw.Category == guids.EventTraceGUID && raw.Subtype == guids.EventTraceHeaderSubtype {
		s.latchPointerSize(raw.Data)
	}

	stats := d.counters(raw.Category)

	routes := d.routes[handlers.Key{Category: raw.Category, Subtype: raw.Subtype}]
	if len(routes) == 0 {
		stats.dropped.Add(1)
		return nil
	}
	sch, ok := d.registry.Lookup(raw.Category, raw.Version, raw.Subtype)
	if !ok {
		stats.dropped.Add(1)
		return nil
	}

	fields, err := sch.Decode(s.Context(), buffer.NewReader(raw.Data))
	if err != nil {
		stats.decodeErrors.Add(1)
		d.log.Warn().Err(err).Str("trace", s.Name()).
			Str("category", d.registry.CategoryName(raw.Category)).
			Int("version", int(raw.Version)).Int("subtype", int(raw.Subtype)).
			Int("size", len(raw.Data)).Msg("Failed to decode event")
		return nil
	}

	record := &event.Record{
		Header: event.HeaderFromRaw(raw),
		Name:   sch.Name,
		Fields: fields,
	}
	stats.processed.Add(1)
	if d.config.LogEvents {
		d.logRecord(s, record)
	}

	for _, handler := range routes {
		err := invoke(handler, record)
		if err == nil {
			continue
		}
		stats.handlerFailures.Add(1)
		herr := &HandlerError{Category: raw.Category, Subtype: raw.Subtype, Name: sch.Name, Err: err}
		if s.Mode() == transport.File {
			return herr
		}
		d.log.Error().Err(err).Str("trace", s.Name()).Str("event", sch.Name).
			Uint32("pid", record.ProcessID).Msg("Event handler failed")
	}
	return nil
}

// invoke runs one handler, turning a panic into an error.
func invoke(handler handlers.HandlerFunc, record *event.Record) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", errHandlerPanic, r)
		}
	}()
	return handler(record)
}

func (d *Dispatcher) logRecord(s *TraceSession, record *event.Record) {
	names := make([]string, 0, len(record.Fields))
	for name := range record.Fields {
		names = append(names, name)
	}
	slices.Sort(names)

	var sb strings.Builder
	for i, name := range names {
		if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%s=%v", name, record.Fields[name])
	}
	d.log.Debug().Str("trace", s.Name()).Str("event", record.Name).
		Uint32("pid", record.ProcessID).Uint32("tid", record.ThreadID).
		Time("timestamp", record.Timestamp).Str("fields", sb.String()).Msg("Event")
}

// BuffersProcessed returns the number of transport buffers seen.
func (d *Dispatcher) BuffersProcessed() uint64 {
	return d.buffers.Load()
}

// Stats returns a snapshot of the per-category counters, ordered by
// category name.
func (d *Dispatcher) Stats() []CategoryStats {
	var out []CategoryStats
	d.stats.Range(func(category guid.GUID, c *categoryCounters) bool {
		out = append(out, CategoryStats{
			Category:        category,
			Name:            d.registry.CategoryName(category),
			Processed:       c.processed.Load(),
			Dropped:         c.dropped.Load(),
			DecodeErrors:    c.decodeErrors.Load(),
			HandlerFailures: c.handlerFailures.Load(),
		})
		return true
	})
	slices.SortFunc(out, func(a, b CategoryStats) int {
		return strings.Compare(a.Name, b.Name)
	})
	return out
}

// Totals sums Stats over all categories.
func (d *Dispatcher) Totals() CategoryStats {
	var t CategoryStats
	for _, s := range d.Stats() {
		t.Processed += s.Processed
		t.Dropped += s.Dropped
		t.DecodeErrors += s.DecodeErrors
		t.HandlerFailures += s.HandlerFailures
	}
	return t
}
