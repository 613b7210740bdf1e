package history

import (
	"context"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventSpawned    EventType = "spawned"
	EventExited     EventType = "exited"
	EventError      EventType = "error"
	EventTerminated EventType = "terminated"
	EventRestarted  EventType = "restarted"
	EventDeleted    EventType = "deleted"
)

// Record is the state of one supervised process at the time of an event.
type Record struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Command  string `json:"command"`
	Cwd      string `json:"cwd"`
	PID      int    `json:"pid"`
	Status   string `json:"status"`
	ExitCode *int   `json:"exit_code,omitempty"`
	Signal   string `json:"signal,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Event represents a lifecycle event to be exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	ServerID   string    `json:"server_id,omitempty"`
	Record     Record    `json:"record"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// NullableCode maps a missing exit code to SQL NULL.
func NullableCode(code *int) any {
	if code == nil {
		return nil
	}
	return int64(*code)
}

// NullableString maps an empty string to SQL NULL.
func NullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
