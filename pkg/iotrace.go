package oneclient

import (
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// IOTraceLogger emits one structured line per dispatcher call when enabled.
// It rides on the process logger with a dedicated component field, so trace
// output can be split off by the log sink.
type IOTraceLogger struct {
	enabled atomic.Bool
	log     zerolog.Logger
	seq     atomic.Uint64
}

func NewIOTraceLogger(enabled bool) *IOTraceLogger {
	t := &IOTraceLogger{
		log: GetLogger().Raw().With().Str("component", "iotrace").Logger(),
	}
	t.enabled.Store(enabled)
	return t
}

func (t *IOTraceLogger) Enabled() bool { return t.enabled.Load() }

func (t *IOTraceLogger) SetEnabled(enabled bool) { t.enabled.Store(enabled) }

// Trace records one completed operation. Offset and size are only
// meaningful for data-plane calls and are passed as -1 otherwise.
func (t *IOTraceLogger) Trace(op, identity string, offset, size int64, started time.Time, err error) {
	if !t.enabled.Load() {
		return
	}
	event := t.log.Info().
		Uint64("seq", t.seq.Add(1)).
		Str("op", op).
		Str("uuid", identity).
		Dur("duration", time.Since(started))
	if offset >= 0 {
		event = event.Int64("offset", offset)
	}
	if size >= 0 {
		event = event.Int64("size", size)
	}
	if err != nil {
		event = event.Str("error", err.Error())
	}
	event.Msg("io")
}
