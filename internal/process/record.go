package process

import (
	"time"

	"github.com/loykin/procm/internal/capture"
)

// EventType is an OS-level notification about one launch.
type EventType int

const (
	EventSpawned EventType = iota
	EventExited
	EventError
)

func (t EventType) String() string {
	switch t {
	case EventSpawned:
		return "spawned"
	case EventExited:
		return "exited"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event carries an OS notification for the launch identified by Generation.
type Event struct {
	Type       EventType
	Generation uint64
	PID        int
	ExitCode   *int
	Signal     string
	Err        error
	At         time.Time
}

// Record is the mutable state of one supervised process. It is owned by the
// registry and must only be mutated from the registry's goroutine.
type Record struct {
	ID         string
	Generation uint64 // bumped on every launch under this id
	Spec       Spec

	PID       int
	Status    Status
	ExitCode  *int
	Signal    string
	Err       string
	CreatedAt time.Time
	StartedAt time.Time
	ExitedAt  time.Time

	Stdout *capture.Client
	Stderr *capture.Client
	Handle *Handle

	done chan struct{}
}

// NewRecord returns a record in the spawning state.
func NewRecord(id string, gen uint64, spec Spec) *Record {
	return &Record{
		ID:         id,
		Generation: gen,
		Spec:       spec.Clone(),
		Status:     StatusSpawning,
		CreatedAt:  time.Now(),
		done:       make(chan struct{}),
	}
}

// Done is closed by the first terminal transition.
func (r *Record) Done() <-chan struct{} { return r.done }

// Apply runs one transition of the state machine and reports whether the record
// changed. Events of another launch are ignored, spawned is accepted only while
// spawning, and the first terminal transition wins.
func (r *Record) Apply(ev Event) bool {
	if ev.Generation != r.Generation {
		return false
	}
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	switch ev.Type {
	case EventSpawned:
		if r.Status != StatusSpawning {
			return false
		}
		r.Status = StatusRunning
		r.PID = ev.PID
		r.StartedAt = at
		return true
	case EventExited:
		if r.Status.Terminal() {
			return false
		}
		r.Status = StatusExited
		if ev.ExitCode != nil {
			code := *ev.ExitCode
			r.ExitCode = &code
		}
		r.Signal = ev.Signal
		r.ExitedAt = at
		close(r.done)
		return true
	case EventError:
		if r.Status.Terminal() {
			return false
		}
		r.Status = StatusError
		if ev.Err != nil {
			r.Err = ev.Err.Error()
		} else {
			r.Err = "unknown error"
		}
		r.ExitedAt = at
		close(r.done)
		return true
	}
	return false
}

// Info is an immutable snapshot of a Record.
type Info struct {
	ID        string            `json:"id"`
	PID       int               `json:"pid,omitempty"`
	Name      string            `json:"name"`
	Script    string            `json:"script"`
	Args      []string          `json:"args"`
	Cwd       string            `json:"cwd"`
	Envs      map[string]string `json:"envs,omitempty"`
	Status    Status            `json:"status"`
	ExitCode  *int              `json:"exit_code,omitempty"`
	Signal    string            `json:"signal,omitempty"`
	Error     string            `json:"error,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	StartedAt time.Time         `json:"started_at,omitempty"`
	ExitedAt  time.Time         `json:"exited_at,omitempty"`
}

func (r *Record) Info() Info {
	spec := r.Spec.Clone()
	args := spec.Args
	if args == nil {
		args = []string{}
	}
	var code *int
	if r.ExitCode != nil {
		c := *r.ExitCode
		code = &c
	}
	return Info{
		ID:        r.ID,
		PID:       r.PID,
		Name:      spec.DisplayName(),
		Script:    spec.Script,
		Args:      args,
		Cwd:       spec.Cwd,
		Envs:      spec.Envs,
		Status:    r.Status,
		ExitCode:  code,
		Signal:    r.Signal,
		Error:     r.Err,
		CreatedAt: r.CreatedAt,
		StartedAt: r.StartedAt,
		ExitedAt:  r.ExitedAt,
	}
}
