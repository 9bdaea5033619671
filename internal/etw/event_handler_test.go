package etwmain

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/Microsoft/go-winio/pkg/guid"

	"etw_decoder/internal/config"
	"etw_decoder/internal/etw/guids"
	"etw_decoder/internal/etw/handlers"
	"etw_decoder/internal/event"
	"etw_decoder/internal/kernel/mof"
	"etw_decoder/internal/schema"
	"etw_decoder/internal/transport"
	"etw_decoder/internal/transport/tracefile"
)

var (
	testCategoryGUID  = guid.GUID{Data1: 0x7e57, Data2: 1, Data3: 2, Data4: [8]byte{3, 4, 5, 6, 7, 8, 9, 10}}
	otherCategoryGUID = guid.GUID{Data1: 0x7e58, Data2: 1, Data3: 2, Data4: [8]byte{3, 4, 5, 6, 7, 8, 9, 10}}
)

const (
	subtypeLoad   = 10
	subtypeUnload = 2
)

// testCategory has one class with a pointer, so decoding depends on the
// session pointer width.
var testCategory = &schema.Category{
	Name:    "Test",
	GUID:    testCategoryGUID,
	Version: 1,
	Classes: []schema.Class{{
		Name:     "Test_Image",
		Subtypes: map[uint8]string{subtypeLoad: "Load", subtypeUnload: "Unload"},
		Fields: []schema.Field{
			schema.F("Base", schema.Pointer),
			schema.F("Size", schema.UInt32),
			schema.F("Path", schema.WString),
		},
	}},
}

var otherCategory = &schema.Category{
	Name:    "Other",
	GUID:    otherCategoryGUID,
	Version: 0,
	Classes: []schema.Class{{
		Name:     "Other_Info",
		Subtypes: map[uint8]string{0: "Info"},
		Fields:   []schema.Field{schema.F("Value", schema.UInt32)},
	}},
}

// fakeTrace lets tests drive a TraceSession without a transport.
type fakeTrace struct {
	name string
	mode transport.Mode
}

func (f *fakeTrace) Name() string                      { return f.name }
func (f *fakeTrace) Mode() transport.Mode              { return f.mode }
func (f *fakeTrace) Process(transport.EventSink) error { return nil }
func (f *fakeTrace) Close() error                      { return nil }

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	registry := schema.NewRegistry()
	if err := registry.RegisterCategories(mof.Header, testCategory, otherCategory); err != nil {
		t.Fatalf("Failed to build registry: %v", err)
	}
	return NewDispatcher(registry, &config.DispatchConfig{LogEvents: true})
}

func newTestSession(d *Dispatcher, mode transport.Mode) *TraceSession {
	s := &TraceSession{
		id:           1,
		trace:        &fakeTrace{name: "test", mode: mode},
		dispatcher:   d,
		dispatchMu:   &sync.Mutex{},
		wideCharSize: 2,
	}
	s.pointerSize.Store(8)
	return s
}

func encode(t *testing.T, c *schema.Category, subtype uint8, ctx schema.Context, values map[string]any) []byte {
	t.Helper()
	for _, s := range c.Schemas() {
		if s.Subtype != subtype {
			continue
		}
		data, err := s.Encode(ctx, values)
		if err != nil {
			t.Fatalf("Failed to encode %s: %v", s.Name, err)
		}
		return data
	}
	t.Fatalf("No schema for subtype %d in %s", subtype, c.Name)
	return nil
}

func imageEvent(t *testing.T, subtype uint8, ctx schema.Context, size uint32, path string) *event.Raw {
	return &event.Raw{
		ProcessID: 100,
		ThreadID:  200,
		Timestamp: 132223104000000000,
		Category:  testCategoryGUID,
		Version:   1,
		Subtype:   subtype,
		Data: encode(t, testCategory, subtype, ctx, map[string]any{
			"Base": uint64(0x10000),
			"Size": size,
			"Path": path,
		}),
	}
}

func otherEvent(t *testing.T, value uint32) *event.Raw {
	return &event.Raw{
		Category: otherCategoryGUID,
		Data:     encode(t, otherCategory, 0, schema.DefaultContext(), map[string]any{"Value": value}),
	}
}

func headerEvent(t *testing.T, pointerSize int) *event.Raw {
	t.Helper()
	ctx := schema.Context{PointerSize: pointerSize, WideCharSize: 2}
	data, err := mof.EncodeLogfileHeader(ctx, mof.LogfileHeader{BufferSize: 64 * 1024, SessionName: "test"})
	if err != nil {
		t.Fatalf("Failed to encode header: %v", err)
	}
	return &event.Raw{Category: guids.EventTraceGUID, Version: mof.Header.Version, Data: data}
}

var ctx64 = schema.Context{PointerSize: 8, WideCharSize: 2}

func TestDispatcher_HandlersRunInRegistrationOrder(t *testing.T) {
	d := newTestDispatcher(t)
	var calls []string
	d.RegisterHandler(testCategoryGUID, subtypeLoad, func(r *event.Record) error {
		calls = append(calls, "first:"+r.Name)
		return nil
	})
	d.RegisterHandler(testCategoryGUID, subtypeLoad, func(r *event.Record) error {
		path, err := r.String("Path")
		if err != nil {
			return err
		}
		calls = append(calls, "second:"+path)
		return nil
	})

	s := newTestSession(d, transport.Realtime)
	if err := s.ProcessEvent(imageEvent(t, subtypeLoad, ctx64, 1024, `C:\f.dll`)); err != nil {
		t.Fatalf("ProcessEvent failed: %v", err)
	}

	expected := []string{"first:Test/Load", `second:C:\f.dll`}
	if len(calls) != len(expected) {
		t.Fatalf("Expected %d calls, got %v", len(expected), calls)
	}
	for i := range expected {
		if calls[i] != expected[i] {
			t.Errorf("Expected call %d to be %q, got %q", i, expected[i], calls[i])
		}
	}
	if got := d.HandlerCount(testCategoryGUID, subtypeLoad); got != 2 {
		t.Errorf("Expected 2 handlers, got %d", got)
	}
}

func TestDispatcher_RecordContents(t *testing.T) {
	d := newTestDispatcher(t)
	var got *event.Record
	d.RegisterHandler(testCategoryGUID, subtypeLoad, func(r *event.Record) error {
		got = r
		return nil
	})

	s := newTestSession(d, transport.Realtime)
	if err := s.ProcessEvent(imageEvent(t, subtypeLoad, ctx64, 4096, "a.dll")); err != nil {
		t.Fatalf("ProcessEvent failed: %v", err)
	}
	if got == nil {
		t.Fatal("Expected handler to be called")
	}
	if got.ProcessID != 100 || got.ThreadID != 200 {
		t.Errorf("Expected pid 100 tid 200, got %d %d", got.ProcessID, got.ThreadID)
	}
	if got.Timestamp.Year() != 2020 {
		t.Errorf("Expected timestamp in 2020, got %v", got.Timestamp)
	}
	if size, err := got.Uint("Size"); err != nil || size != 4096 {
		t.Errorf("Expected Size 4096, got %d (%v)", size, err)
	}
	if base, err := got.Uint("Base"); err != nil || base != 0x10000 {
		t.Errorf("Expected Base 0x10000, got %#x (%v)", base, err)
	}
}

func TestDispatcher_DropsUnroutedEvents(t *testing.T) {
	d := newTestDispatcher(t)
	called := 0
	d.RegisterHandler(testCategoryGUID, subtypeLoad, func(*event.Record) error {
		called++
		return nil
	})
	s := newTestSession(d, transport.Realtime)

	// Schema but no handler.
	if err := s.ProcessEvent(imageEvent(t, subtypeUnload, ctx64, 1, "x")); err != nil {
		t.Errorf("Expected nil error for unhandled event, got %v", err)
	}
	// Handler key but unknown version, so no schema.
	ev := imageEvent(t, subtypeLoad, ctx64, 1, "x")
	ev.Version = 9
	if err := s.ProcessEvent(ev); err != nil {
		t.Errorf("Expected nil error for unknown version, got %v", err)
	}
	// Unknown category.
	if err := s.ProcessEvent(&event.Raw{Category: guid.GUID{Data1: 1}}); err != nil {
		t.Errorf("Expected nil error for unknown category, got %v", err)
	}

	if called != 0 {
		t.Errorf("Expected no handler calls, got %d", called)
	}
	totals := d.Totals()
	if totals.Dropped != 3 {
		t.Errorf("Expected 3 dropped events, got %d", totals.Dropped)
	}
	if totals.Processed != 0 {
		t.Errorf("Expected 0 processed events, got %d", totals.Processed)
	}
}

func TestDispatcher_DecodeErrorsAreCounted(t *testing.T) {
	d := newTestDispatcher(t)
	called := 0
	d.RegisterHandler(testCategoryGUID, subtypeLoad, func(*event.Record) error {
		called++
		return nil
	})

	for _, mode := range []transport.Mode{transport.Realtime, transport.File} {
		s := newTestSession(d, mode)
		ev := imageEvent(t, subtypeLoad, ctx64, 1, "truncated")
		ev.Data = ev.Data[:len(ev.Data)-3]
		if err := s.ProcessEvent(ev); err != nil {
			t.Errorf("Expected decode error to be swallowed in %s mode, got %v", mode, err)
		}
	}

	if called != 0 {
		t.Errorf("Expected no handler calls, got %d", called)
	}
	if got := d.Totals().DecodeErrors; got != 2 {
		t.Errorf("Expected 2 decode errors, got %d", got)
	}
}

func TestDispatcher_RealtimeHandlerFaultIsIsolated(t *testing.T) {
	d := newTestDispatcher(t)
	var loads, others, after int
	d.RegisterHandler(testCategoryGUID, subtypeLoad, func(*event.Record) error {
		loads++
		return errors.New("load handler failed")
	})
	d.RegisterHandler(testCategoryGUID, subtypeLoad, func(*event.Record) error {
		after++
		panic("second load handler panicked")
	})
	d.RegisterHandler(otherCategoryGUID, 0, func(*event.Record) error {
		others++
		return nil
	})

	s := newTestSession(d, transport.Realtime)
	if err := s.ProcessEvent(imageEvent(t, subtypeLoad, ctx64, 1, "a")); err != nil {
		t.Errorf("Expected realtime handler fault to be swallowed, got %v", err)
	}
	if err := s.ProcessEvent(otherEvent(t, 7)); err != nil {
		t.Errorf("Expected nil error, got %v", err)
	}
	if err := s.ProcessEvent(imageEvent(t, subtypeLoad, ctx64, 2, "b")); err != nil {
		t.Errorf("Expected realtime handler fault to be swallowed, got %v", err)
	}

	if loads != 2 || after != 2 {
		t.Errorf("Expected both load handlers to run twice, got %d and %d", loads, after)
	}
	if others != 1 {
		t.Errorf("Expected unrelated handler to run once, got %d", others)
	}
	if got := d.Totals().HandlerFailures; got != 4 {
		t.Errorf("Expected 4 handler failures, got %d", got)
	}
}

func TestDispatcher_FileHandlerFaultIsReturned(t *testing.T) {
	d := newTestDispatcher(t)
	boom := errors.New("boom")
	second := 0
	d.RegisterHandler(testCategoryGUID, subtypeLoad, func(*event.Record) error { return boom })
	d.RegisterHandler(testCategoryGUID, subtypeLoad, func(*event.Record) error {
		second++
		return nil
	})

	s := newTestSession(d, transport.File)
	err := s.ProcessEvent(imageEvent(t, subtypeLoad, ctx64, 1, "a"))
	if !errors.Is(err, boom) {
		t.Fatalf("Expected boom, got %v", err)
	}
	var herr *HandlerError
	if !errors.As(err, &herr) {
		t.Fatalf("Expected *HandlerError, got %T", err)
	}
	if herr.Category != testCategoryGUID || herr.Subtype != subtypeLoad || herr.Name != "Test/Load" {
		t.Errorf("Unexpected handler error fields: %+v", herr)
	}
	if second != 0 {
		t.Errorf("Expected later handlers to be skipped in file mode, got %d calls", second)
	}
}

func TestDispatcher_PanicBecomesHandlerError(t *testing.T) {
	d := newTestDispatcher(t)
	d.RegisterHandler(testCategoryGUID, subtypeLoad, func(*event.Record) error {
		var m map[string]int
		m["x"] = 1 // nil map write
		return nil
	})

	s := newTestSession(d, transport.File)
	err := s.ProcessEvent(imageEvent(t, subtypeLoad, ctx64, 1, "a"))
	if !errors.Is(err, errHandlerPanic) {
		t.Errorf("Expected panic to be reported as errHandlerPanic, got %v", err)
	}
}

func TestTraceSession_LatchesPointerSize(t *testing.T) {
	d := newTestDispatcher(t)
	var bases []uint64
	d.RegisterHandler(testCategoryGUID, subtypeLoad, func(r *event.Record) error {
		base, err := r.Uint("Base")
		bases = append(bases, base)
		return err
	})

	s := &TraceSession{trace: &fakeTrace{name: "latch", mode: transport.File}, dispatcher: d, dispatchMu: &sync.Mutex{}, wideCharSize: 2}
	native := s.PointerSize()
	if native != 4 && native != 8 {
		t.Fatalf("Expected native pointer size 4 or 8, got %d", native)
	}

	if err := s.ProcessEvent(headerEvent(t, 4)); err != nil {
		t.Fatalf("Header event failed: %v", err)
	}
	if s.PointerSize() != 4 {
		t.Fatalf("Expected pointer size 4 after header, got %d", s.PointerSize())
	}
	if got := s.Context().WideCharSize; got != 2 {
		t.Errorf("Expected the configured wide char size 2 for a 32-bit producer, got %d", got)
	}

	// A later header does not change the latched width.
	if err := s.ProcessEvent(headerEvent(t, 8)); err != nil {
		t.Fatalf("Header event failed: %v", err)
	}
	if s.PointerSize() != 4 {
		t.Errorf("Expected pointer size to stay 4, got %d", s.PointerSize())
	}

	ctx32 := schema.Context{PointerSize: 4, WideCharSize: 2}
	if err := s.ProcessEvent(imageEvent(t, subtypeLoad, ctx32, 1, `C:\x.dll`)); err != nil {
		t.Fatalf("ProcessEvent failed: %v", err)
	}
	if len(bases) != 1 || bases[0] != 0x10000 {
		t.Errorf("Expected one 32-bit decode with base 0x10000, got %v", bases)
	}
}

func TestTraceSession_IgnoresInvalidHeader(t *testing.T) {
	d := newTestDispatcher(t)
	s := &TraceSession{trace: &fakeTrace{name: "bad", mode: transport.Realtime}, dispatcher: d, dispatchMu: &sync.Mutex{}}

	ev := headerEvent(t, 8)
	ev.Data[guids.HeaderPointerSizeOffset] = 3
	if err := s.ProcessEvent(ev); err != nil {
		t.Fatalf("ProcessEvent failed: %v", err)
	}
	if s.pointerSize.Load() != 0 {
		t.Errorf("Expected no latched pointer size, got %d", s.pointerSize.Load())
	}

	if err := s.ProcessEvent(&event.Raw{Category: guids.EventTraceGUID, Data: []byte{1, 2}}); err != nil {
		t.Fatalf("ProcessEvent failed: %v", err)
	}
	if s.pointerSize.Load() != 0 {
		t.Errorf("Expected no latched pointer size from a short header, got %d", s.pointerSize.Load())
	}
}

// baseConsumer and derivedConsumer check that inherited bindings reach the
// dispatcher with the derived override in place.
type baseConsumer struct{ calls *[]string }

func (b *baseConsumer) EventHandlers() handlers.Table {
	return handlers.Routes(testCategoryGUID, map[uint8]handlers.HandlerFunc{
		subtypeLoad:   func(*event.Record) error { *b.calls = append(*b.calls, "base load"); return nil },
		subtypeUnload: func(*event.Record) error { *b.calls = append(*b.calls, "base unload"); return nil },
	})
}

type derivedConsumer struct {
	base  *baseConsumer
	calls *[]string
}

func (d *derivedConsumer) Bases() []handlers.Consumer { return []handlers.Consumer{d.base} }

func (d *derivedConsumer) EventHandlers() handlers.Table {
	return handlers.Routes(testCategoryGUID, map[uint8]handlers.HandlerFunc{
		subtypeUnload: func(*event.Record) error { *d.calls = append(*d.calls, "derived unload"); return nil },
	})
}

func TestDispatcher_AddConsumerWithInheritance(t *testing.T) {
	d := newTestDispatcher(t)
	var calls []string
	d.AddConsumer(&derivedConsumer{base: &baseConsumer{calls: &calls}, calls: &calls})

	s := newTestSession(d, transport.Realtime)
	for _, st := range []uint8{subtypeLoad, subtypeUnload} {
		if err := s.ProcessEvent(imageEvent(t, st, ctx64, 1, "m.dll")); err != nil {
			t.Fatalf("ProcessEvent failed: %v", err)
		}
	}

	expected := []string{"base load", "derived unload"}
	if len(calls) != 2 || calls[0] != expected[0] || calls[1] != expected[1] {
		t.Errorf("Expected %v, got %v", expected, calls)
	}
}

func TestDispatcher_Stats(t *testing.T) {
	d := newTestDispatcher(t)
	d.RegisterHandler(testCategoryGUID, subtypeLoad, func(*event.Record) error { return nil })
	s := newTestSession(d, transport.Realtime)

	for i := 0; i < 3; i++ {
		if err := s.ProcessEvent(imageEvent(t, subtypeLoad, ctx64, 1, "a")); err != nil {
			t.Fatalf("ProcessEvent failed: %v", err)
		}
	}
	_ = s.ProcessEvent(otherEvent(t, 1))

	stats := d.Stats()
	if len(stats) != 2 {
		t.Fatalf("Expected stats for 2 categories, got %d", len(stats))
	}
	if stats[0].Name != "Other" || stats[1].Name != "Test" {
		t.Errorf("Expected stats ordered by name, got %s, %s", stats[0].Name, stats[1].Name)
	}
	if stats[1].Processed != 3 {
		t.Errorf("Expected 3 processed Test events, got %d", stats[1].Processed)
	}
	if stats[0].Dropped != 1 {
		t.Errorf("Expected 1 dropped Other event, got %d", stats[0].Dropped)
	}
}

// writeTraceFile writes each slice of events as one buffer, after a header
// buffer describing a 64-bit producer.
func writeTraceFile(t *testing.T, buffers ...[]*event.Raw) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "replay.etwt")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("Failed to create trace file: %v", err)
	}
	defer f.Close()

	w, err := tracefile.NewWriter(f)
	if err != nil {
		t.Fatalf("Failed to start trace file: %v", err)
	}
	if err := w.WriteBuffer([]*event.Raw{headerEvent(t, 8)}); err != nil {
		t.Fatalf("Failed to write header: %v", err)
	}
	for _, b := range buffers {
		if err := w.WriteBuffer(b); err != nil {
			t.Fatalf("Failed to write buffer: %v", err)
		}
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("Failed to flush trace file: %v", err)
	}
	return path
}
