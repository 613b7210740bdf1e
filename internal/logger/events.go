package logger

import "log/slog"

// Sink receives lifecycle diagnostics. Record is fire-and-forget and must never
// block the caller on I/O failures or panic.
type Sink interface {
	Record(message, contextID string)
}

// EventLog is a Sink backed by slog.
type EventLog struct {
	l *slog.Logger
}

// NewEventLog wraps l; a nil logger falls back to slog.Default().
func NewEventLog(l *slog.Logger) *EventLog {
	if l == nil {
		l = slog.Default()
	}
	return &EventLog{l: l}
}

func (e *EventLog) Record(message, contextID string) {
	e.l.Info(message, "id", contextID)
}

// Logger exposes the underlying slog.Logger for leveled output.
func (e *EventLog) Logger() *slog.Logger { return e.l }

// Discard drops every event.
var Discard Sink = discard{}

type discard struct{}

func (discard) Record(string, string) {}
