// Package tool maps caller requests onto supervisor operations. Every tool
// runs exactly one operation and answers in plain text.
package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/loykin/procm/internal/allowlist"
	"github.com/loykin/procm/internal/logger"
	"github.com/loykin/procm/internal/logstore"
	"github.com/loykin/procm/internal/metrics"
	"github.com/loykin/procm/internal/process"
)

var (
	// ErrUnknownTool is returned by Call for a name that is not registered.
	ErrUnknownTool = errors.New("unknown tool")
	// ErrInvalidArguments wraps argument decoding and validation failures.
	ErrInvalidArguments = errors.New("invalid arguments")
)

// DefaultChunkCount is how many output entries are returned when the caller
// does not ask for a specific number.
const DefaultChunkCount = 10

// Supervisor is the subset of the process manager the tools drive.
type Supervisor interface {
	Spawn(spec process.Spec) (string, error)
	Terminate(id string) (bool, error)
	Restart(id string) error
	Delete(id string) (bool, error)
	List() ([]process.Info, error)
	Get(id string) (process.Info, bool, error)
	Stdout(ctx context.Context, id string, count int) ([]logstore.Entry, error)
	Stderr(ctx context.Context, id string, count int) ([]logstore.Entry, error)
}

// Result is the text answer of one call. IsError marks failures the caller
// should treat as such; informational answers such as "not found" are not errors.
type Result struct {
	Text    string `json:"text"`
	IsError bool   `json:"isError"`
}

func text(format string, a ...any) Result { return Result{Text: fmt.Sprintf(format, a...)} }

func failure(format string, a ...any) Result {
	return Result{Text: fmt.Sprintf(format, a...), IsError: true}
}

// Definition describes a tool to clients.
type Definition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// Options configures a Service.
type Options struct {
	ServerID          string
	LogID             string // context id of tool diagnostics; defaults to ServerID
	DefaultChunkCount int
	// Cwd is used when a request omits cwd; defaults to the working directory.
	Cwd string
}

type handler func(ctx context.Context, raw json.RawMessage) (Result, error)

type entry struct {
	def Definition
	fn  handler
}

// Service dispatches tool calls.
type Service struct {
	sup    Supervisor
	allow  *allowlist.Store
	events logger.Sink
	opts   Options
	tools  map[string]entry
}

// New builds the tool table. events may be nil.
func New(sup Supervisor, allow *allowlist.Store, events logger.Sink, opts Options) *Service {
	if events == nil {
		events = logger.Discard
	}
	if opts.DefaultChunkCount <= 0 {
		opts.DefaultChunkCount = DefaultChunkCount
	}
	if opts.LogID == "" {
		opts.LogID = opts.ServerID
	}
	if opts.Cwd == "" {
		if wd, err := os.Getwd(); err == nil {
			opts.Cwd = wd
		}
	}
	s := &Service{sup: sup, allow: allow, events: events, opts: opts}
	s.tools = s.table()
	return s
}

// ServerID returns the id reported by get-server-id.
func (s *Service) ServerID() string { return s.opts.ServerID }

// Tools lists every tool sorted by name.
func (s *Service) Tools() []Definition {
	out := make([]Definition, 0, len(s.tools))
	for _, e := range s.tools {
		out = append(out, e.def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Call runs the tool name with JSON arguments. An error is returned only for
// an unknown tool or undecodable arguments; every other outcome is a Result.
func (s *Service) Call(ctx context.Context, name string, args json.RawMessage) (Result, error) {
	e, ok := s.tools[name]
	if !ok {
		metrics.IncToolCall("unknown", "error")
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	if len(args) == 0 || string(args) == "null" {
		args = json.RawMessage("{}")
	}
	s.events.Record(fmt.Sprintf("Tool started: %s with args: %s", name, compact(args)), s.opts.LogID)
	res, err := e.fn(ctx, args)
	switch {
	case err != nil:
		metrics.IncToolCall(name, "error")
		s.events.Record(fmt.Sprintf("Tool error: %s - %v", name, err), s.opts.LogID)
		return Result{}, err
	case res.IsError:
		metrics.IncToolCall(name, "error")
		s.events.Record(fmt.Sprintf("Tool error: %s - %s", name, res.Text), s.opts.LogID)
	default:
		metrics.IncToolCall(name, "ok")
		s.events.Record(fmt.Sprintf("Tool ended: %s", name), s.opts.LogID)
	}
	return res, nil
}

func decode(raw json.RawMessage, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	return nil
}

func compact(raw json.RawMessage) string {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return string(raw)
	}
	return string(b)
}
