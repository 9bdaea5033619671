package mof

import (
	"fmt"
	"time"

	"etw_decoder/internal/event"
	s "etw_decoder/internal/schema"
)

// LogfileHeader holds the values a session writes into its header record.
type LogfileHeader struct {
	BufferSize         uint32
	NumberOfProcessors uint32
	PointerSize        uint32
	LogFileMode        uint32
	BuffersWritten     uint32
	EventsLost         uint32
	BuffersLost        uint32
	StartTime          time.Time
	EndTime            time.Time
	SessionName        string
	LogFileName        string
}

// EncodeLogfileHeader serializes h as an EventTrace header payload using ctx
// for pointer and wide string widths. h.PointerSize defaults to
// ctx.PointerSize.
func EncodeLogfileHeader(ctx s.Context, h LogfileHeader) ([]byte, error) {
	if h.PointerSize == 0 {
		h.PointerSize = uint32(ctx.PointerSize)
	}
	schema := Header.Schemas()[0]
	b, err := schema.Encode(ctx, map[string]any{
		"BufferSize":         h.BufferSize,
		"Version":            uint32(0x0a00),
		"NumberOfProcessors": h.NumberOfProcessors,
		"EndTime":            event.TimeToFileTime(h.EndTime),
		"TimerResolution":    uint32(156250),
		"LogFileMode":        h.LogFileMode,
		"BuffersWritten":     h.BuffersWritten,
		"PointerSize":        h.PointerSize,
		"EventsLost":         h.EventsLost,
		"PerfFreq":           int64(10_000_000),
		"StartTime":          event.TimeToFileTime(h.StartTime),
		"BuffersLost":        h.BuffersLost,
		"SessionNameString":  h.SessionName,
		"LogFileNameString":  h.LogFileName,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding logfile header: %w", err)
	}
	return b, nil
}
