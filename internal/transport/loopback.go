package transport

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/Microsoft/go-winio/pkg/guid"
	"github.com/phuslu/log"

	"etw_decoder/internal/etw/guids"
	"etw_decoder/internal/event"
	"etw_decoder/internal/kernel/mof"
	"etw_decoder/internal/logger"
	"etw_decoder/internal/schema"
	"etw_decoder/internal/transport/tracefile"
)

const (
	// DefaultBufferSize is used when Properties.BufferSize is zero.
	DefaultBufferSize = 64 * 1024
	// DefaultMinBuffers is the realtime delivery queue depth used when
	// Properties.MinBuffers is zero.
	DefaultMinBuffers = 64
)

// ErrEventTooLarge is returned by WriteEvent for an event that cannot fit in
// a single session buffer. The event is counted as lost.
var ErrEventTooLarge = errors.New("event larger than session buffer")

type enableState struct {
	level uint8
	flags uint64
}

// Loopback is an in-process Transport. Providers registered on it write into
// named sessions; sessions deliver full buffers to the realtime traces
// opened on them and append them to their log file when one is configured.
type Loopback struct {
	ctx schema.Context // layout of the header records it writes

	mu        sync.Mutex
	next      uint64
	sessions  map[SessionHandle]*loopSession
	byName    map[string]*loopSession
	providers map[ProviderHandle]*loopProvider

	// controlMu orders control callbacks so providers never observe an
	// older state after a newer one.
	controlMu sync.Mutex

	log log.Logger
}

type loopProvider struct {
	id guid.GUID
	cb ControlCallback
}

type loopSession struct {
	handle  SessionHandle
	props   Properties
	started time.Time
	header  *event.Raw

	enabled map[guid.GUID]enableState
	pending []*event.Raw
	size    int
	index   int

	file   *os.File
	writer *tracefile.Writer
	traces map[*realtimeTrace]struct{}

	stopFlush chan struct{}
}

type delivery struct {
	info   BufferInfo
	events []*event.Raw
}

// NewLoopback returns a Loopback whose session headers describe a producer
// with the given pointer and wide character widths.
func NewLoopback(ctx schema.Context) *Loopback {
	return &Loopback{
		ctx:       ctx,
		sessions:  make(map[SessionHandle]*loopSession),
		byName:    make(map[string]*loopSession),
		providers: make(map[ProviderHandle]*loopProvider),
		log:       logger.NewLoggerWithContext("loopback"),
	}
}

func (l *Loopback) nextHandle() uint64 {
	l.next++
	return l.next
}

// StartSession creates a named session. When props.LogFile is set the file
// is created immediately and starts with the session header.
func (l *Loopback) StartSession(props *Properties) (SessionHandle, error) {
	if props == nil || props.Name == "" {
		return 0, fmt.Errorf("session name is required")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.byName[props.Name]; exists {
		return 0, fmt.Errorf("%w: %s", ErrSessionExists, props.Name)
	}

	s := &loopSession{
		handle:  SessionHandle(l.nextHandle()),
		props:   *props,
		started: time.Now(),
		enabled: make(map[guid.GUID]enableState),
		traces:  make(map[*realtimeTrace]struct{}),
		index:   1, // buffer 0 carries the header
	}
	if s.props.BufferSize == 0 {
		s.props.BufferSize = DefaultBufferSize
	}
	if s.props.MinBuffers == 0 {
		s.props.MinBuffers = DefaultMinBuffers
	}
	s.props.BuffersWritten, s.props.EventsLost, s.props.BuffersLost = 0, 0, 0

	header, err := l.headerEvent(s)
	if err != nil {
		return 0, err
	}
	s.header = header

	if s.props.LogFile != "" {
		f, err := os.Create(s.props.LogFile)
		if err != nil {
			return 0, fmt.Errorf("failed to create log file for session %s: %w", s.props.Name, err)
		}
		w, err := tracefile.NewWriter(f)
		if err == nil {
			err = w.WriteBuffer([]*event.Raw{header})
		}
		if err != nil {
			f.Close()
			return 0, fmt.Errorf("failed to write log file header for session %s: %w", s.props.Name, err)
		}
		s.file, s.writer = f, w
	}

	l.sessions[s.handle] = s
	l.byName[s.props.Name] = s

	l.log.Info().Str("session", s.props.Name).Str("log_file", s.props.LogFile).
		Uint32("buffer_size", s.props.BufferSize).Msg("Session started")
	return s.handle, nil
}

func (l *Loopback) headerEvent(s *loopSession) (*event.Raw, error) {
	data, err := mof.EncodeLogfileHeader(l.ctx, mof.LogfileHeader{
		BufferSize:  s.props.BufferSize,
		PointerSize: uint32(l.ctx.PointerSize),
		StartTime:   s.started,
		SessionName: s.props.Name,
		LogFileName: s.props.LogFile,
	})
	if err != nil {
		return nil, err
	}
	return &event.Raw{
		ProcessID: uint32(os.Getpid()),
		Timestamp: event.TimeToFileTime(s.started),
		Category:  guids.EventTraceGUID,
		Version:   mof.Header.Version,
		Subtype:   guids.EventTraceHeaderSubtype,
		Data:      data,
	}, nil
}

// StopSession flushes the session, ends every realtime trace on it, closes
// its log file and disables its providers.
func (l *Loopback) StopSession(h SessionHandle) (*Properties, error) {
	l.controlMu.Lock()
	defer l.controlMu.Unlock()

	l.mu.Lock()
	s, ok := l.sessions[h]
	if !ok {
		l.mu.Unlock()
		return nil, fmt.Errorf("%w: handle %d", ErrSessionNotFound, h)
	}
	l.flushLocked(s)
	for t := range s.traces {
		t.sessionStopped()
	}
	s.traces = nil
	if s.stopFlush != nil {
		close(s.stopFlush)
	}
	delete(l.sessions, h)
	delete(l.byName, s.props.Name)

	affected := make([]guid.GUID, 0, len(s.enabled))
	for id := range s.enabled {
		affected = append(affected, id)
	}
	notes := l.notificationsLocked(affected...)
	props := s.props
	l.mu.Unlock()

	var fileErr error
	if s.file != nil {
		fileErr = errors.Join(s.writer.Flush(), s.file.Close())
	}
	l.notify(notes)

	l.log.Info().Str("session", props.Name).
		Uint32("buffers_written", props.BuffersWritten).
		Uint32("events_lost", props.EventsLost).
		Uint32("buffers_lost", props.BuffersLost).
		Msg("Session stopped")

	if fileErr != nil {
		return &props, fmt.Errorf("failed to close log file for session %s: %w", props.Name, fileErr)
	}
	return &props, nil
}

// FlushSession delivers the partially filled buffer of a session.
func (l *Loopback) FlushSession(h SessionHandle) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.sessions[h]
	if !ok {
		return fmt.Errorf("%w: handle %d", ErrSessionNotFound, h)
	}
	l.flushLocked(s)
	return nil
}

// StartFlushTimer flushes the session every interval until it stops, the
// way realtime sessions deliver partially filled buffers.
func (l *Loopback) StartFlushTimer(h SessionHandle, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("flush interval must be positive, got %s", interval)
	}
	l.mu.Lock()
	s, ok := l.sessions[h]
	if !ok {
		l.mu.Unlock()
		return fmt.Errorf("%w: handle %d", ErrSessionNotFound, h)
	}
	if s.stopFlush != nil {
		l.mu.Unlock()
		return nil
	}
	stop := make(chan struct{})
	s.stopFlush = stop
	l.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				_ = l.FlushSession(h)
			}
		}
	}()
	return nil
}

// flushLocked turns the pending events into one buffer. Realtime traces
// that cannot take it count it as lost.
func (l *Loopback) flushLocked(s *loopSession) {
	if len(s.pending) == 0 {
		return
	}
	d := delivery{
		info: BufferInfo{
			Trace:  s.props.Name,
			Index:  s.index,
			Size:   uint32(s.size),
			Events: len(s.pending),
		},
		events: s.pending,
	}
	s.pending, s.size = nil, 0
	s.index++
	s.props.BuffersWritten++

	for t := range s.traces {
		if !t.deliver(d) {
			s.props.BuffersLost++
			s.props.EventsLost += uint32(len(d.events))
		}
	}
	if s.writer != nil {
		if err := s.writer.WriteBuffer(d.events); err != nil {
			l.log.Error().Err(err).Str("session", s.props.Name).Msg("Failed to write buffer to log file")
			s.props.BuffersLost++
			s.props.EventsLost += uint32(len(d.events))
		}
	}
}

// EnableProvider enables provider on the session and pushes the combined
// state of all sessions to every registration of that provider.
func (l *Loopback) EnableProvider(h SessionHandle, provider guid.GUID, level uint8, flags uint64) error {
	l.controlMu.Lock()
	defer l.controlMu.Unlock()

	l.mu.Lock()
	s, ok := l.sessions[h]
	if !ok {
		l.mu.Unlock()
		return fmt.Errorf("%w: handle %d", ErrSessionNotFound, h)
	}
	s.enabled[provider] = enableState{level: level, flags: flags}
	notes := l.notificationsLocked(provider)
	l.mu.Unlock()

	l.notify(notes)
	return nil
}

// DisableProvider removes provider from the session.
func (l *Loopback) DisableProvider(h SessionHandle, provider guid.GUID) error {
	l.controlMu.Lock()
	defer l.controlMu.Unlock()

	l.mu.Lock()
	s, ok := l.sessions[h]
	if !ok {
		l.mu.Unlock()
		return fmt.Errorf("%w: handle %d", ErrSessionNotFound, h)
	}
	delete(s.enabled, provider)
	notes := l.notificationsLocked(provider)
	l.mu.Unlock()

	l.notify(notes)
	return nil
}

// RegisterProvider registers cb for provider. If a session already enables
// the provider, cb is called with that state before RegisterProvider returns.
func (l *Loopback) RegisterProvider(provider guid.GUID, cb ControlCallback) (ProviderHandle, error) {
	l.controlMu.Lock()
	defer l.controlMu.Unlock()

	l.mu.Lock()
	h := ProviderHandle(l.nextHandle())
	p := &loopProvider{id: provider, cb: cb}
	l.providers[h] = p

	var notes []notification
	if st, ok := l.combinedLocked(provider); ok {
		notes = append(notes, notification{p: p, code: ControlEnable, state: st})
	}
	l.mu.Unlock()

	l.notify(notes)
	return h, nil
}

// UnregisterProvider removes a provider registration.
func (l *Loopback) UnregisterProvider(h ProviderHandle) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.providers[h]; !ok {
		return fmt.Errorf("%w: handle %d", ErrProviderNotFound, h)
	}
	delete(l.providers, h)
	return nil
}

// WriteEvent copies ev into every session that enables its provider.
func (l *Loopback) WriteEvent(h ProviderHandle, ev *event.Raw) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.providers[h]
	if !ok {
		return fmt.Errorf("%w: handle %d", ErrProviderNotFound, h)
	}

	size := tracefile.EncodedSize(ev)
	var tooLarge bool
	for _, s := range l.sessions {
		if _, on := s.enabled[p.id]; !on {
			continue
		}
		if size > int(s.props.BufferSize) {
			s.props.EventsLost++
			tooLarge = true
			continue
		}
		if s.size+size > int(s.props.BufferSize) {
			l.flushLocked(s)
		}
		cp := *ev
		cp.Data = bytes.Clone(ev.Data)
		if cp.Timestamp == 0 {
			cp.Timestamp = event.TimeToFileTime(time.Now())
		}
		s.pending = append(s.pending, &cp)
		s.size += size
	}
	if tooLarge {
		return fmt.Errorf("%w: %d bytes", ErrEventTooLarge, size)
	}
	return nil
}

type notification struct {
	p     *loopProvider
	code  ControlCode
	state enableState
}

// combinedLocked merges the enable state of provider across sessions: the
// highest level and the union of the flags.
func (l *Loopback) combinedLocked(provider guid.GUID) (enableState, bool) {
	var st enableState
	found := false
	for _, s := range l.sessions {
		e, ok := s.enabled[provider]
		if !ok {
			continue
		}
		found = true
		st.level = max(st.level, e.level)
		st.flags |= e.flags
	}
	return st, found
}

func (l *Loopback) notificationsLocked(ids ...guid.GUID) []notification {
	var notes []notification
	for _, id := range ids {
		st, on := l.combinedLocked(id)
		code := ControlDisable
		if on {
			code = ControlEnable
		}
		for _, p := range l.providers {
			if p.id == id && p.cb != nil {
				notes = append(notes, notification{p: p, code: code, state: st})
			}
		}
	}
	return notes
}

// notify runs the control callbacks on a transport goroutine and waits for
// them, so state changes are visible when the control call returns.
func (l *Loopback) notify(notes []notification) {
	if len(notes) == 0 {
		return
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, n := range notes {
			n.p.cb(n.p.id, n.code, n.state.level, n.state.flags)
		}
	}()
	<-done
}

// OpenTrace opens a realtime consumer on a running session, or a log file.
func (l *Loopback) OpenTrace(name string, mode Mode) (Trace, error) {
	switch mode {
	case Realtime:
		return l.openRealtime(name)
	case File:
		return OpenFile(name)
	default:
		return nil, fmt.Errorf("unknown trace mode %d", mode)
	}
}

func (l *Loopback) openRealtime(name string) (Trace, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	s, ok := l.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, name)
	}
	t := &realtimeTrace{
		name:    name,
		buffers: make(chan delivery, s.props.MinBuffers),
		done:    make(chan struct{}),
		owner:   l,
		session: s,
	}
	// Every consumer starts with the header so it can learn the producer's
	// pointer width before anything else.
	t.buffers <- delivery{
		info:   BufferInfo{Trace: name, Index: 0, Size: uint32(tracefile.EncodedSize(s.header)), Events: 1},
		events: []*event.Raw{s.header},
	}
	s.traces[t] = struct{}{}
	return t, nil
}

// Close stops every running session.
func (l *Loopback) Close() error {
	l.mu.Lock()
	handles := make([]SessionHandle, 0, len(l.sessions))
	for h := range l.sessions {
		handles = append(handles, h)
	}
	l.mu.Unlock()

	var errs []error
	for _, h := range handles {
		if _, err := l.StopSession(h); err != nil && !errors.Is(err, ErrSessionNotFound) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (l *Loopback) detach(t *realtimeTrace) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if t.session.traces != nil {
		delete(t.session.traces, t)
	}
}
