package etwmain

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/Microsoft/go-winio/pkg/guid"
	plog "github.com/phuslu/log"
	"github.com/puzpuzpuz/xsync/v4"

	"etw_decoder/internal/buffer"
	"etw_decoder/internal/config"
	"etw_decoder/internal/etw/guids"
	"etw_decoder/internal/event"
	"etw_decoder/internal/logger"
	"etw_decoder/internal/maps"
	"etw_decoder/internal/schema"
	"etw_decoder/internal/transport"
)

var (
	// ErrRealtimeSessionOpen is returned when a second realtime session is
	// opened while the first one is still open.
	ErrRealtimeSessionOpen = errors.New("a realtime session is already open")
	// ErrTooManySessions is returned when the file session limit is reached.
	ErrTooManySessions = errors.New("too many open sessions")
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("session controller closed")
	// ErrSessionNotOpen is returned for sessions that are not (or no longer) open.
	ErrSessionNotOpen = errors.New("session not open")
)

// TraceSession is one open trace: a realtime session or a replayed log file.
// It is the event sink its trace delivers to.
type TraceSession struct {
	id         uint64
	trace      transport.Trace
	dispatcher *Dispatcher
	// dispatchMu is shared by every session of a controller so handlers
	// never run concurrently.
	dispatchMu *sync.Mutex

	wideCharSize int
	// pointerSize is 0 until the session header latches it.
	pointerSize atomic.Int32

	processing atomic.Bool
	buffers    atomic.Uint64
	events     atomic.Uint64
}

// ID returns the controller-assigned session id.
func (s *TraceSession) ID() uint64 { return s.id }

// Name returns the session name or log file path.
func (s *TraceSession) Name() string { return s.trace.Name() }

// Mode returns whether the session is realtime or a file replay.
func (s *TraceSession) Mode() transport.Mode { return s.trace.Mode() }

// PointerSize returns the producer pointer width in bytes, or the native
// width while no session header has been seen.
func (s *TraceSession) PointerSize() int {
	if p := s.pointerSize.Load(); p != 0 {
		return int(p)
	}
	return int(unsafe.Sizeof(uintptr(0)))
}

// Context returns the decode context of the session.
func (s *TraceSession) Context() schema.Context {
	return schema.Context{PointerSize: s.PointerSize(), WideCharSize: s.wideCharSize}
}

// BuffersProcessed returns the number of buffers delivered to the session.
func (s *TraceSession) BuffersProcessed() uint64 { return s.buffers.Load() }

// EventsProcessed returns the number of events delivered to the session.
func (s *TraceSession) EventsProcessed() uint64 { return s.events.Load() }

// latchPointerSize records the pointer width from a session header payload.
// The first valid header wins.
func (s *TraceSession) latchPointerSize(header []byte) {
	r := buffer.NewReader(header)
	if err := r.Skip(guids.HeaderPointerSizeOffset); err != nil {
		return
	}
	size, err := r.ReadUint32()
	if err != nil || (size != 4 && size != 8) {
		return
	}
	s.pointerSize.CompareAndSwap(0, int32(size))
}

// ProcessBuffer implements transport.EventSink.
func (s *TraceSession) ProcessBuffer(info transport.BufferInfo) bool {
	s.buffers.Add(1)
	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()
	return s.dispatcher.ProcessBuffer(s, info)
}

// ProcessEvent implements transport.EventSink.
func (s *TraceSession) ProcessEvent(ev *event.Raw) error {
	s.events.Add(1)
	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()
	return s.dispatcher.ProcessRawEvent(s, ev)
}

// SessionStats is the final state of a stopped logging session.
type SessionStats struct {
	Name           string
	BuffersWritten uint32
	EventsLost     uint32
	BuffersLost    uint32
}

// SessionController opens traces on a transport, feeds them to a
// dispatcher and controls the logging sessions and providers behind them.
type SessionController struct {
	transport  transport.Transport
	dispatcher *Dispatcher
	config     *config.SessionConfig
	log        plog.Logger

	mu       sync.Mutex // guards opening and closing
	dispatch sync.Mutex // held while an event or buffer is dispatched
	closed   bool
	realtime *TraceSession
	files    int
	nextID   uint64
	sessions maps.ConcurrentMap[uint64, *TraceSession]

	// Logging sessions started through the controller, by handle, and the
	// counters of the ones already stopped, by name.
	loggers *xsync.Map[transport.SessionHandle, string]
	stopped *xsync.Map[string, SessionStats]
}

// NewSessionController creates a controller. A nil cfg uses the session
// defaults.
func NewSessionController(t transport.Transport, d *Dispatcher, cfg *config.SessionConfig) *SessionController {
	if cfg == nil {
		cfg = &config.DefaultConfig().Session
	}
	c := &SessionController{
		transport:  t,
		dispatcher: d,
		config:     cfg,
		log:        logger.NewLoggerWithContext("etw_session"),
		sessions:   maps.NewConcurrentMap[uint64, *TraceSession](),
		loggers:    xsync.NewMap[transport.SessionHandle, string](),
		stopped:    xsync.NewMap[string, SessionStats](),
	}
	c.log.Debug().Msg("SessionController created")
	return c
}

func (c *SessionController) newSession(trace transport.Trace) *TraceSession {
	c.nextID++
	s := &TraceSession{
		id:           c.nextID,
		trace:        trace,
		dispatcher:   c.dispatcher,
		dispatchMu:   &c.dispatch,
		wideCharSize: c.config.WideCharSize,
	}
	if s.wideCharSize == 0 {
		s.wideCharSize = 2
	}
	c.sessions.Store(s.id, s)
	return s
}

// OpenRealtimeSession opens a consumer on the running logging session name.
// Only one realtime session may be open at a time.
func (c *SessionController) OpenRealtimeSession(name string) (*TraceSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	if c.realtime != nil {
		return nil, fmt.Errorf("%w: %s", ErrRealtimeSessionOpen, c.realtime.Name())
	}

	trace, err := c.transport.OpenTrace(name, transport.Realtime)
	if err != nil {
		return nil, fmt.Errorf("failed to open realtime session %s: %w", name, err)
	}
	s := c.newSession(trace)
	c.realtime = s

	c.log.Info().Str("session", name).Uint64("id", s.id).Msg("Realtime session opened")
	return s, nil
}

// OpenFileSession opens a log file for replay. Up to
// SessionConfig.MaxFileSessions files may be open at once.
func (c *SessionController) OpenFileSession(path string) (*TraceSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	if c.files >= c.config.MaxFileSessions {
		return nil, fmt.Errorf("%w: %d file sessions", ErrTooManySessions, c.files)
	}

	trace, err := c.transport.OpenTrace(path, transport.File)
	if err != nil {
		return nil, fmt.Errorf("failed to open file session %s: %w", path, err)
	}
	s := c.newSession(trace)
	c.files++

	c.log.Info().Str("file", path).Uint64("id", s.id).Msg("File session opened")
	return s, nil
}

// Sessions returns the open sessions.
func (c *SessionController) Sessions() []*TraceSession {
	var out []*TraceSession
	c.sessions.Range(func(_ uint64, s *TraceSession) bool {
		out = append(out, s)
		return true
	})
	return out
}

// Process delivers the events of every open session to the dispatcher and
// blocks until all of them are done: files at their end, realtime sessions
// when the logging session stops or Close is called. Sessions are read
// concurrently but their events are dispatched one at a time, each session
// in its own delivery order, so handlers need no locking of their own.
// Finished sessions are closed.
//
// The returned error joins the errors of the sessions that failed, such as
// the handler error that stopped a file replay.
func (c *SessionController) Process() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.mu.Unlock()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, s := range c.Sessions() {
		if !s.processing.CompareAndSwap(false, true) {
			continue // another Process call owns it
		}
		wg.Add(1)
		go func(s *TraceSession) {
			defer wg.Done()
			c.log.Debug().Str("session", s.Name()).Str("mode", s.Mode().String()).Msg("Processing session")

			err := s.trace.Process(s)
			if err != nil {
				c.log.Error().Err(err).Str("session", s.Name()).Msg("Session processing stopped")
				mu.Lock()
				errs = append(errs, fmt.Errorf("session %s: %w", s.Name(), err))
				mu.Unlock()
			} else {
				c.log.Debug().Str("session", s.Name()).Uint64("buffers", s.BuffersProcessed()).
					Uint64("events", s.EventsProcessed()).Msg("Session processed")
			}
			if err := c.CloseSession(s); err != nil && !errors.Is(err, ErrSessionNotOpen) {
				c.log.Warn().Err(err).Str("session", s.Name()).Msg("Failed to close session")
			}
		}(s)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// CloseSession closes one session and frees its slot. A Process call
// running it returns once the buffer in flight is finished.
func (c *SessionController) CloseSession(s *TraceSession) error {
	c.mu.Lock()
	if _, ok := c.sessions.LoadAndDelete(s.id); !ok {
		c.mu.Unlock()
		return ErrSessionNotOpen
	}
	if c.realtime == s {
		c.realtime = nil
	}
	if s.Mode() == transport.File {
		c.files--
	}
	c.mu.Unlock()

	if err := s.trace.Close(); err != nil {
		return fmt.Errorf("failed to close session %s: %w", s.Name(), err)
	}
	c.log.Debug().Str("session", s.Name()).Msg("Session closed")
	return nil
}

// Close closes every open session. It is safe to call more than once and
// from another goroutine while Process is blocked; Process returns once the
// buffers in flight are finished.
func (c *SessionController) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	var errs []error
	for _, s := range c.Sessions() {
		if err := c.CloseSession(s); err != nil && !errors.Is(err, ErrSessionNotOpen) {
			errs = append(errs, err)
		}
	}
	c.log.Info().Msg("Session controller closed")
	return errors.Join(errs...)
}

// Start creates the named logging session.
func (c *SessionController) Start(name string, props *transport.Properties) (transport.SessionHandle, error) {
	if props == nil {
		props = &transport.Properties{}
	}
	p := *props
	p.Name = name
	if p.BufferSize == 0 {
		p.BufferSize = c.config.BufferSizeKB * 1024
	}

	h, err := c.transport.StartSession(&p)
	if err != nil {
		return 0, fmt.Errorf("failed to start session %s: %w", name, err)
	}
	c.loggers.Store(h, name)
	c.log.Info().Str("session", name).Str("log_file", p.LogFile).Msg("Logging session started")
	return h, nil
}

// Stop stops a logging session and returns its final properties, including
// the buffers written and the events and buffers lost.
func (c *SessionController) Stop(h transport.SessionHandle) (*transport.Properties, error) {
	props, err := c.transport.StopSession(h)
	if props == nil {
		if err == nil {
			err = fmt.Errorf("no properties returned for session %d", h)
		}
		return nil, fmt.Errorf("failed to stop session: %w", err)
	}
	c.loggers.Delete(h)
	c.stopped.Store(props.Name, SessionStats{
		Name:           props.Name,
		BuffersWritten: props.BuffersWritten,
		EventsLost:     props.EventsLost,
		BuffersLost:    props.BuffersLost,
	})

	entry := c.log.Info()
	if props.EventsLost > 0 || props.BuffersLost > 0 {
		entry = c.log.Warn()
	}
	entry.Str("session", props.Name).
		Uint32("buffers_written", props.BuffersWritten).
		Uint32("events_lost", props.EventsLost).
		Uint32("buffers_lost", props.BuffersLost).
		Msg("Logging session stopped")

	if err != nil {
		return props, fmt.Errorf("failed to stop session %s: %w", props.Name, err)
	}
	return props, nil
}

// EnableProvider enables provider on the logging session h.
func (c *SessionController) EnableProvider(h transport.SessionHandle, provider guid.GUID, level uint8, flags uint64) error {
	if err := c.transport.EnableProvider(h, provider, level, flags); err != nil {
		return fmt.Errorf("failed to enable provider %s: %w", provider, err)
	}
	c.log.Debug().Str("provider", provider.String()).Uint32("level", uint32(level)).
		Uint64("flags", flags).Msg("Enabled provider")
	return nil
}

// DisableProvider disables provider on the logging session h.
func (c *SessionController) DisableProvider(h transport.SessionHandle, provider guid.GUID) error {
	if err := c.transport.DisableProvider(h, provider); err != nil {
		return fmt.Errorf("failed to disable provider %s: %w", provider, err)
	}
	c.log.Debug().Str("provider", provider.String()).Msg("Disabled provider")
	return nil
}

// EnableConfiguredProviders enables every provider listed in the session
// configuration on h. A zero flag mask enables everything.
func (c *SessionController) EnableConfiguredProviders(h transport.SessionHandle) error {
	for _, p := range c.config.Providers {
		id, err := config.ParseGUID(p.GUID)
		if err != nil {
			return fmt.Errorf("invalid provider guid %q: %w", p.GUID, err)
		}
		flags := p.Flags
		if flags == 0 {
			flags = ^uint64(0)
		}
		if err := c.EnableProvider(h, id, p.Level, flags); err != nil {
			return err
		}
	}
	return nil
}

// StoppedSessions returns the final counters of the logging sessions stopped
// through the controller.
func (c *SessionController) StoppedSessions() []SessionStats {
	var out []SessionStats
	c.stopped.Range(func(_ string, s SessionStats) bool {
		out = append(out, s)
		return true
	})
	return out
}
