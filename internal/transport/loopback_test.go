package transport

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Microsoft/go-winio/pkg/guid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"etw_decoder/internal/etw/guids"
	"etw_decoder/internal/event"
	"etw_decoder/internal/schema"
)

var (
	testProvider = guid.GUID{Data1: 0x1111, Data2: 0x22, Data3: 0x33, Data4: [8]byte{1, 2, 3, 4, 5, 6, 7, 8}}
	testCategory = guid.GUID{Data1: 0x4444, Data2: 0x55, Data3: 0x66, Data4: [8]byte{8, 7, 6, 5, 4, 3, 2, 1}}
)

// recorder is an EventSink that keeps everything it is given.
type recorder struct {
	mu      sync.Mutex
	buffers []BufferInfo
	events  []*event.Raw
	veto    func(BufferInfo) bool
	fail    func(*event.Raw) error
}

func (r *recorder) ProcessBuffer(info BufferInfo) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buffers = append(r.buffers, info)
	if r.veto != nil {
		return r.veto(info)
	}
	return true
}

func (r *recorder) ProcessEvent(ev *event.Raw) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		if err := r.fail(ev); err != nil {
			return err
		}
	}
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

type controlCall struct {
	code  ControlCode
	level uint8
	flags uint64
}

func newTestLoopback() *Loopback {
	return NewLoopback(schema.Context{PointerSize: 8, WideCharSize: 2})
}

func testEvent(subtype uint8, data ...byte) *event.Raw {
	return &event.Raw{ProcessID: 1, ThreadID: 2, Timestamp: 1000, Category: testCategory, Version: 1, Subtype: subtype, Data: data}
}

func TestLoopback_SessionNames(t *testing.T) {
	l := newTestLoopback()
	defer l.Close()

	h, err := l.StartSession(&Properties{Name: "one"})
	require.NoError(t, err)

	_, err = l.StartSession(&Properties{Name: "one"})
	require.ErrorIs(t, err, ErrSessionExists)

	props, err := l.StopSession(h)
	require.NoError(t, err)
	assert.Equal(t, "one", props.Name)
	assert.Equal(t, uint32(DefaultBufferSize), props.BufferSize)

	_, err = l.StopSession(h)
	require.ErrorIs(t, err, ErrSessionNotFound)

	// The name is free again once the session stopped.
	_, err = l.StartSession(&Properties{Name: "one"})
	require.NoError(t, err)
}

func TestLoopback_EnableStateIsCombined(t *testing.T) {
	l := newTestLoopback()
	defer l.Close()

	var mu sync.Mutex
	var calls []controlCall
	_, err := l.RegisterProvider(testProvider, func(_ guid.GUID, code ControlCode, level uint8, flags uint64) {
		mu.Lock()
		calls = append(calls, controlCall{code, level, flags})
		mu.Unlock()
	})
	require.NoError(t, err)

	a, err := l.StartSession(&Properties{Name: "a"})
	require.NoError(t, err)
	b, err := l.StartSession(&Properties{Name: "b"})
	require.NoError(t, err)

	require.NoError(t, l.EnableProvider(a, testProvider, 2, 0x1))
	require.NoError(t, l.EnableProvider(b, testProvider, 4, 0x4))
	require.NoError(t, l.DisableProvider(a, testProvider))
	_, err = l.StopSession(b)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []controlCall{
		{ControlEnable, 2, 0x1},
		{ControlEnable, 4, 0x5},
		{ControlEnable, 4, 0x4},
		{ControlDisable, 0, 0},
	}, calls)
}

func TestLoopback_RegisterAfterEnable(t *testing.T) {
	l := newTestLoopback()
	defer l.Close()

	h, err := l.StartSession(&Properties{Name: "s"})
	require.NoError(t, err)
	require.NoError(t, l.EnableProvider(h, testProvider, 5, 0xff))

	var got []controlCall
	_, err = l.RegisterProvider(testProvider, func(_ guid.GUID, code ControlCode, level uint8, flags uint64) {
		got = append(got, controlCall{code, level, flags})
	})
	require.NoError(t, err)
	assert.Equal(t, []controlCall{{ControlEnable, 5, 0xff}}, got)
}

func TestLoopback_RealtimeDelivery(t *testing.T) {
	l := newTestLoopback()
	defer l.Close()

	h, err := l.StartSession(&Properties{Name: "rt"})
	require.NoError(t, err)
	p, err := l.RegisterProvider(testProvider, nil)
	require.NoError(t, err)

	// Not enabled yet: the event goes nowhere.
	require.NoError(t, l.WriteEvent(p, testEvent(9)))
	require.NoError(t, l.EnableProvider(h, testProvider, 4, 1))

	tr, err := l.OpenTrace("rt", Realtime)
	require.NoError(t, err)
	assert.Equal(t, Realtime, tr.Mode())

	require.NoError(t, l.WriteEvent(p, testEvent(1, 0xaa)))
	require.NoError(t, l.WriteEvent(p, testEvent(2, 0xbb)))
	require.NoError(t, l.FlushSession(h))

	rec := &recorder{}
	done := make(chan error, 1)
	go func() { done <- tr.Process(rec) }()

	require.Eventually(t, func() bool { return rec.count() == 3 }, time.Second, 5*time.Millisecond)
	_, err = l.StopSession(h)
	require.NoError(t, err)
	require.NoError(t, <-done)

	require.Len(t, rec.events, 3)
	assert.Equal(t, guids.EventTraceGUID, rec.events[0].Category, "header comes first")
	assert.Equal(t, uint8(1), rec.events[1].Subtype)
	assert.Equal(t, []byte{0xbb}, rec.events[2].Data)
	require.Len(t, rec.buffers, 2)
	assert.Equal(t, 0, rec.buffers[0].Index)
	assert.Equal(t, 1, rec.buffers[1].Index)
	assert.Equal(t, 2, rec.buffers[1].Events)
}

func TestLoopback_FlushTimer(t *testing.T) {
	l := newTestLoopback()
	defer l.Close()

	h, err := l.StartSession(&Properties{Name: "rt"})
	require.NoError(t, err)
	p, err := l.RegisterProvider(testProvider, nil)
	require.NoError(t, err)
	require.NoError(t, l.EnableProvider(h, testProvider, 4, 1))
	tr, err := l.OpenTrace("rt", Realtime)
	require.NoError(t, err)

	rec := &recorder{}
	done := make(chan error, 1)
	go func() { done <- tr.Process(rec) }()
	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, l.WriteEvent(p, testEvent(1, 0xaa)))
	require.NoError(t, l.WriteEvent(p, testEvent(2, 0xbb)))
	require.Error(t, l.StartFlushTimer(h, 0))
	require.NoError(t, l.StartFlushTimer(h, 10*time.Millisecond))
	require.NoError(t, l.StartFlushTimer(h, time.Hour), "a running timer is kept")

	// The partial buffer arrives without an explicit flush or stop.
	require.Eventually(t, func() bool { return rec.count() == 3 }, time.Second, 5*time.Millisecond)
	require.NoError(t, l.WriteEvent(p, testEvent(3, 0xcc)))
	require.Eventually(t, func() bool { return rec.count() == 4 }, time.Second, 5*time.Millisecond)

	_, err = l.StopSession(h)
	require.NoError(t, err)
	require.NoError(t, <-done)
	assert.Equal(t, uint8(3), rec.events[3].Subtype)

	require.ErrorIs(t, l.StartFlushTimer(h, time.Millisecond), ErrSessionNotFound)
}

func TestLoopback_WriteEventCopiesData(t *testing.T) {
	l := newTestLoopback()
	defer l.Close()

	h, err := l.StartSession(&Properties{Name: "s"})
	require.NoError(t, err)
	p, err := l.RegisterProvider(testProvider, nil)
	require.NoError(t, err)
	require.NoError(t, l.EnableProvider(h, testProvider, 4, 1))
	tr, err := l.OpenTrace("s", Realtime)
	require.NoError(t, err)

	data := []byte{1, 2, 3}
	ev := testEvent(1, data...)
	ev.Timestamp = 0
	require.NoError(t, l.WriteEvent(p, ev))
	ev.Data[0] = 0xff
	_, err = l.StopSession(h)
	require.NoError(t, err)

	rec := &recorder{}
	require.NoError(t, tr.Process(rec))
	require.Len(t, rec.events, 2)
	assert.Equal(t, []byte{1, 2, 3}, rec.events[1].Data)
	assert.NotZero(t, rec.events[1].Timestamp, "missing timestamps are stamped")
}

func TestLoopback_BufferFullFlushes(t *testing.T) {
	l := newTestLoopback()
	defer l.Close()

	// Room for exactly two empty-payload events per buffer.
	h, err := l.StartSession(&Properties{Name: "s", BufferSize: 80})
	require.NoError(t, err)
	p, err := l.RegisterProvider(testProvider, nil)
	require.NoError(t, err)
	require.NoError(t, l.EnableProvider(h, testProvider, 4, 1))
	tr, err := l.OpenTrace("s", Realtime)
	require.NoError(t, err)

	for i := range 5 {
		require.NoError(t, l.WriteEvent(p, testEvent(uint8(i))))
	}
	err = l.WriteEvent(p, testEvent(9, make([]byte, 64)...))
	require.ErrorIs(t, err, ErrEventTooLarge)

	props, err := l.StopSession(h)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), props.BuffersWritten)
	assert.Equal(t, uint32(1), props.EventsLost)

	rec := &recorder{}
	require.NoError(t, tr.Process(rec))
	require.Len(t, rec.buffers, 4)
	assert.Equal(t, []int{1, 2, 2, 1}, []int{
		rec.buffers[0].Events, rec.buffers[1].Events, rec.buffers[2].Events, rec.buffers[3].Events,
	})
}

func TestLoopback_SlowConsumerLosesBuffers(t *testing.T) {
	l := newTestLoopback()
	defer l.Close()

	h, err := l.StartSession(&Properties{Name: "s", MinBuffers: 2})
	require.NoError(t, err)
	p, err := l.RegisterProvider(testProvider, nil)
	require.NoError(t, err)
	require.NoError(t, l.EnableProvider(h, testProvider, 4, 1))
	_, err = l.OpenTrace("s", Realtime) // queue holds the header plus one buffer
	require.NoError(t, err)

	for i := range 3 {
		require.NoError(t, l.WriteEvent(p, testEvent(uint8(i))))
		require.NoError(t, l.FlushSession(h))
	}

	props, err := l.StopSession(h)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), props.BuffersWritten)
	assert.Equal(t, uint32(2), props.BuffersLost)
	assert.Equal(t, uint32(2), props.EventsLost)
}

func TestLoopback_LogFileReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.etwt")
	l := newTestLoopback()
	defer l.Close()

	h, err := l.StartSession(&Properties{Name: "file", LogFile: path})
	require.NoError(t, err)
	p, err := l.RegisterProvider(testProvider, nil)
	require.NoError(t, err)
	require.NoError(t, l.EnableProvider(h, testProvider, 4, 1))
	for i := range 3 {
		require.NoError(t, l.WriteEvent(p, testEvent(uint8(i+1), byte(i))))
	}
	_, err = l.StopSession(h)
	require.NoError(t, err)

	tr, err := l.OpenTrace(path, File)
	require.NoError(t, err)
	defer tr.Close()
	assert.Equal(t, File, tr.Mode())
	assert.Equal(t, path, tr.Name())

	rec := &recorder{}
	require.NoError(t, tr.Process(rec))
	require.Len(t, rec.events, 4)
	assert.Equal(t, guids.EventTraceGUID, rec.events[0].Category)
	for i, ev := range rec.events[1:] {
		assert.Equal(t, uint8(i+1), ev.Subtype)
		assert.Equal(t, []byte{byte(i)}, ev.Data)
	}
}

func TestFileTrace_StopsOnSinkError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.etwt")
	l := newTestLoopback()
	defer l.Close()

	h, err := l.StartSession(&Properties{Name: "file", LogFile: path})
	require.NoError(t, err)
	p, err := l.RegisterProvider(testProvider, nil)
	require.NoError(t, err)
	require.NoError(t, l.EnableProvider(h, testProvider, 4, 1))
	for i := range 5 {
		require.NoError(t, l.WriteEvent(p, testEvent(uint8(i+1))))
	}
	_, err = l.StopSession(h)
	require.NoError(t, err)

	tr, err := OpenFile(path)
	require.NoError(t, err)
	defer tr.Close()

	boom := errors.New("boom")
	rec := &recorder{fail: func(ev *event.Raw) error {
		if ev.Subtype == 3 {
			return boom
		}
		return nil
	}}
	require.ErrorIs(t, tr.Process(rec), boom)
	assert.Len(t, rec.events, 3, "header and the two events before the failure")
}

func TestFileTrace_BufferVeto(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.etwt")
	l := newTestLoopback()
	defer l.Close()

	h, err := l.StartSession(&Properties{Name: "file", LogFile: path})
	require.NoError(t, err)
	p, err := l.RegisterProvider(testProvider, nil)
	require.NoError(t, err)
	require.NoError(t, l.EnableProvider(h, testProvider, 4, 1))
	require.NoError(t, l.WriteEvent(p, testEvent(1)))
	require.NoError(t, l.FlushSession(h))
	require.NoError(t, l.WriteEvent(p, testEvent(2)))
	_, err = l.StopSession(h)
	require.NoError(t, err)

	tr, err := OpenFile(path)
	require.NoError(t, err)
	defer tr.Close()

	rec := &recorder{veto: func(info BufferInfo) bool { return info.Index != 1 }}
	require.NoError(t, tr.Process(rec))
	require.Len(t, rec.buffers, 3)
	require.Len(t, rec.events, 2)
	assert.Equal(t, uint8(2), rec.events[1].Subtype)
}

func TestTrace_CloseWhileProcessing(t *testing.T) {
	l := newTestLoopback()
	defer l.Close()

	_, err := l.StartSession(&Properties{Name: "rt"})
	require.NoError(t, err)
	tr, err := l.OpenTrace("rt", Realtime)
	require.NoError(t, err)

	rec := &recorder{}
	done := make(chan error, 1)
	go func() { done <- tr.Process(rec) }()

	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, tr.Close())
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Process did not return after Close")
	}

	require.ErrorIs(t, tr.Process(rec), ErrTraceClosed)
	require.NoError(t, tr.Close())
}

func TestOpenTrace_Errors(t *testing.T) {
	l := newTestLoopback()
	defer l.Close()

	_, err := l.OpenTrace("missing", Realtime)
	require.ErrorIs(t, err, ErrSessionNotFound)

	_, err = l.OpenTrace(filepath.Join(t.TempDir(), "missing.etwt"), File)
	require.Error(t, err)
}
