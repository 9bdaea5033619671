package transport

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"etw_decoder/internal/event"
	"etw_decoder/internal/transport/tracefile"
)

// realtimeTrace consumes the buffers a live session flushes.
type realtimeTrace struct {
	name    string
	buffers chan delivery
	done    chan struct{}

	owner   *Loopback
	session *loopSession

	stopOnce  sync.Once
	closeOnce sync.Once
	running   atomic.Bool
	closed    atomic.Bool
}

func (t *realtimeTrace) Name() string { return t.name }
func (t *realtimeTrace) Mode() Mode   { return Realtime }

// deliver queues a buffer without blocking. It reports false when the
// consumer is too far behind and the buffer has to be dropped. Called with
// the owner's lock held.
func (t *realtimeTrace) deliver(d delivery) bool {
	if t.closed.Load() {
		return true
	}
	select {
	case t.buffers <- d:
		return true
	default:
		return false
	}
}

// sessionStopped ends delivery. Buffers already queued are still processed.
// Called with the owner's lock held.
func (t *realtimeTrace) sessionStopped() {
	t.stopOnce.Do(func() { close(t.buffers) })
}

func (t *realtimeTrace) Process(sink EventSink) error {
	if t.closed.Load() {
		return ErrTraceClosed
	}
	if !t.running.CompareAndSwap(false, true) {
		return fmt.Errorf("trace %s is already being processed", t.name)
	}
	defer t.running.Store(false)

	for {
		select {
		case <-t.done:
			return nil
		case d, ok := <-t.buffers:
			if !ok {
				return nil
			}
			if err := deliverBuffer(sink, d.info, d.events, t.done); err != nil {
				return err
			}
		}
	}
}

func (t *realtimeTrace) Close() error {
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		close(t.done)
		t.owner.detach(t)
	})
	return nil
}

// fileTrace replays a log file written by a session.
type fileTrace struct {
	name string
	file *os.File
	rd   *tracefile.Reader

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
	running   atomic.Bool
	closed    atomic.Bool
}

// OpenFile opens a session log file for replay. The file preamble is
// validated before OpenFile returns.
func OpenFile(path string) (Trace, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open trace file: %w", err)
	}
	rd, err := tracefile.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to read trace file %s: %w", path, err)
	}
	return &fileTrace{
		name: path,
		file: f,
		rd:   rd,
		done: make(chan struct{}),
	}, nil
}

func (t *fileTrace) Name() string { return t.name }
func (t *fileTrace) Mode() Mode   { return File }

func (t *fileTrace) Process(sink EventSink) error {
	if t.closed.Load() {
		return ErrTraceClosed
	}
	if !t.running.CompareAndSwap(false, true) {
		return fmt.Errorf("trace %s is already being processed", t.name)
	}
	defer t.running.Store(false)

	for {
		select {
		case <-t.done:
			return nil
		default:
		}

		buf, err := t.rd.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if t.closed.Load() {
				return nil
			}
			return fmt.Errorf("trace %s: %w", t.name, err)
		}

		info := BufferInfo{Trace: t.name, Index: buf.Index, Size: buf.Size, Events: len(buf.Events)}
		if err := deliverBuffer(sink, info, buf.Events, t.done); err != nil {
			return err
		}
	}
}

func (t *fileTrace) Close() error {
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		close(t.done)
		t.closeErr = t.file.Close()
	})
	return t.closeErr
}

// deliverBuffer hands one buffer to sink. A closed trace stops between
// events, never in the middle of one.
func deliverBuffer(sink EventSink, info BufferInfo, events []*event.Raw, done <-chan struct{}) error {
	if !sink.ProcessBuffer(info) {
		return nil
	}
	for _, ev := range events {
		select {
		case <-done:
			return nil
		default:
		}
		if err := sink.ProcessEvent(ev); err != nil {
			return err
		}
	}
	return nil
}
