package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/loykin/procm/internal/allowlist"
	"github.com/loykin/procm/internal/logstore"
	"github.com/loykin/procm/internal/manager"
	"github.com/loykin/procm/internal/process"
)

const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

type launchArgs struct {
	Script string   `json:"script"`
	Args   []string `json:"args"`
	Cwd    string   `json:"cwd"`
}

type startArgs struct {
	launchArgs
	Name string            `json:"name"`
	Envs map[string]string `json:"envs"`
}

type idArgs struct {
	ID string `json:"id"`
}

type outputArgs struct {
	ID         string   `json:"id"`
	ChunkCount *float64 `json:"chunkCount"`
}

type cwdArgs struct {
	Cwd string `json:"cwd"`
}

func schema(required []string, props map[string]any) map[string]any {
	s := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

var (
	stringProp = map[string]any{"type": "string"}
	argsProp   = map[string]any{"type": "array", "items": stringProp}
	envsProp   = map[string]any{"type": "object", "additionalProperties": stringProp}
	countProp  = map[string]any{"type": "number"}
)

func (s *Service) table() map[string]entry {
	launch := schema([]string{"script"}, map[string]any{"script": stringProp, "args": argsProp, "cwd": stringProp})
	byID := schema([]string{"id"}, map[string]any{"id": stringProp})
	output := schema([]string{"id"}, map[string]any{"id": stringProp, "chunkCount": countProp})

	list := []entry{
		{Definition{"get-server-id", "Get server id", schema(nil, map[string]any{})}, s.serverID},
		{Definition{"allow-start-process", "Allow process creation", launch}, s.allowStart},
		{Definition{"list-allowed-processes-in-cwd", "List allowed processes in current working directory",
			schema(nil, map[string]any{"cwd": stringProp})}, s.listAllowed},
		{Definition{"delete-allowed-process", "Delete an allowed process", launch}, s.deleteAllowed},
		{Definition{"start-process", "Start a new process.\nWarning: Do not invoke background processes that will not exit automatically, and stdout/stderr will not be captured.",
			schema([]string{"script", "cwd"}, map[string]any{
				"script": stringProp, "name": stringProp, "args": argsProp, "cwd": stringProp, "envs": envsProp,
			})}, s.startProcess},
		{Definition{"stop-process", "Stop a process by ID, keeping its record and logs", byID}, s.stopProcess},
		{Definition{"delete-process", "Delete a process by ID", byID}, s.deleteProcess},
		{Definition{"restart-process", "Restart a process by ID", byID}, s.restartProcess},
		{Definition{"get-process-info", "Get information about a process by ID", byID}, s.processInfo},
		{Definition{"list-processes", "List all running processes", schema(nil, map[string]any{})}, s.listProcesses},
		{Definition{"get-process-stdout", "Get the stdout of a process by ID", output}, s.stdout},
		{Definition{"get-process-stderr", "Get the stderr of a process by ID", output}, s.stderr},
	}
	m := make(map[string]entry, len(list))
	for _, e := range list {
		m[e.def.Name] = e
	}
	return m
}

func (s *Service) decodeLaunch(raw json.RawMessage) (launchArgs, error) {
	var a launchArgs
	if err := decode(raw, &a); err != nil {
		return a, err
	}
	if a.Script == "" {
		return a, fmt.Errorf("%w: script is required", ErrInvalidArguments)
	}
	if a.Args == nil {
		a.Args = []string{}
	}
	if a.Cwd == "" {
		a.Cwd = s.opts.Cwd
	}
	return a, nil
}

func decodeID(raw json.RawMessage) (string, error) {
	var a idArgs
	if err := decode(raw, &a); err != nil {
		return "", err
	}
	if a.ID == "" {
		return "", fmt.Errorf("%w: id is required", ErrInvalidArguments)
	}
	return a.ID, nil
}

func notFound(id string) Result { return text("Process with ID %s not found.", id) }

func (s *Service) serverID(context.Context, json.RawMessage) (Result, error) {
	return text("Server ID: %s", s.opts.ServerID), nil
}

func (s *Service) allowStart(_ context.Context, raw json.RawMessage) (Result, error) {
	a, err := s.decodeLaunch(raw)
	if err != nil {
		return Result{}, err
	}
	if err := process.ValidateScript(a.Script); err != nil {
		return failure("%v", err), nil
	}
	if err := s.allow.Add(allowlist.Entry{Script: a.Script, Args: a.Args, Cwd: a.Cwd}); err != nil {
		return failure("Error allowing process creation: %v", err), nil
	}
	return text("Process creation allowed for script: %s with args: %s in cwd: %s.",
		a.Script, strings.Join(a.Args, " "), a.Cwd), nil
}

func (s *Service) listAllowed(_ context.Context, raw json.RawMessage) (Result, error) {
	var a cwdArgs
	if err := decode(raw, &a); err != nil {
		return Result{}, err
	}
	if a.Cwd == "" {
		a.Cwd = s.opts.Cwd
	}
	entries, err := s.allow.List(a.Cwd)
	if err != nil {
		return failure("Error listing allowed processes: %v", err), nil
	}
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		lines = append(lines, e.String())
	}
	return text("Allowed processes:\n%s", strings.Join(lines, "\n")), nil
}

func (s *Service) deleteAllowed(_ context.Context, raw json.RawMessage) (Result, error) {
	a, err := s.decodeLaunch(raw)
	if err != nil {
		return Result{}, err
	}
	if err := process.ValidateScript(a.Script); err != nil {
		return failure("%v", err), nil
	}
	if _, err := s.allow.Remove(allowlist.Entry{Script: a.Script, Args: a.Args, Cwd: a.Cwd}); err != nil {
		return failure("Error deleting allowed process: %v", err), nil
	}
	return text("Allowed process deleted for script: %s with args: %s in cwd: %s.",
		a.Script, strings.Join(a.Args, " "), a.Cwd), nil
}

func (s *Service) startProcess(_ context.Context, raw json.RawMessage) (Result, error) {
	var a startArgs
	if err := decode(raw, &a); err != nil {
		return Result{}, err
	}
	if a.Script == "" {
		return Result{}, fmt.Errorf("%w: script is required", ErrInvalidArguments)
	}
	if a.Args == nil {
		a.Args = []string{}
	}
	if a.Cwd == "" {
		a.Cwd = s.opts.Cwd
	}
	if err := process.ValidateScript(a.Script); err != nil {
		return failure("%v", err), nil
	}

	ok, err := s.allow.IsAllowed(allowlist.Entry{Script: a.Script, Args: a.Args, Cwd: a.Cwd})
	if err != nil {
		return failure("Error starting process: %v", err), nil
	}
	if !ok {
		return failure("Process creation is not allowed for script: %s with args: %s in cwd: %s. Please allow it first using the allow-start-process tool.",
			a.Script, strings.Join(a.Args, " "), a.Cwd), nil
	}

	spec := process.Spec{Name: a.Name, Script: a.Script, Args: a.Args, Cwd: a.Cwd, Envs: a.Envs}
	id, err := s.sup.Spawn(spec)
	if err != nil {
		return failure("Error starting process: %v", err), nil
	}
	return text("Process started: %s (ID: %s)", spec.DisplayName(), id), nil
}

func (s *Service) stopProcess(_ context.Context, raw json.RawMessage) (Result, error) {
	id, err := decodeID(raw)
	if err != nil {
		return Result{}, err
	}
	found, err := s.sup.Terminate(id)
	if !found && err == nil {
		return notFound(id), nil
	}
	if err != nil {
		return failure("Error stopping process: %v", err), nil
	}
	return text("Process with ID %s has been stopped.", id), nil
}

func (s *Service) deleteProcess(_ context.Context, raw json.RawMessage) (Result, error) {
	id, err := decodeID(raw)
	if err != nil {
		return Result{}, err
	}
	found, err := s.sup.Delete(id)
	if !found && err == nil {
		return notFound(id), nil
	}
	if err != nil {
		return failure("Error deleting process: %v", err), nil
	}
	return text("Process with ID %s has been deleted.", id), nil
}

func (s *Service) restartProcess(_ context.Context, raw json.RawMessage) (Result, error) {
	id, err := decodeID(raw)
	if err != nil {
		return Result{}, err
	}
	switch err := s.sup.Restart(id); {
	case errors.Is(err, manager.ErrNotFound):
		return notFound(id), nil
	case err != nil:
		return failure("Error restarting process: %v", err), nil
	}
	return text("Process with ID %s has been restarted.", id), nil
}

func (s *Service) processInfo(_ context.Context, raw json.RawMessage) (Result, error) {
	id, err := decodeID(raw)
	if err != nil {
		return Result{}, err
	}
	info, ok, err := s.sup.Get(id)
	if err != nil {
		return failure("Error getting process info: %v", err), nil
	}
	if !ok {
		return notFound(id), nil
	}
	return Result{Text: renderInfo(info)}, nil
}

func renderInfo(info process.Info) string {
	pid, code, errText := "N/A", "N/A", "N/A"
	if info.PID > 0 {
		pid = fmt.Sprint(info.PID)
	}
	if info.ExitCode != nil {
		code = fmt.Sprint(*info.ExitCode)
	}
	if info.Error != "" {
		errText = info.Error
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Process ID: %s\n", info.ID)
	fmt.Fprintf(&b, "Process PID: %s\n", pid)
	fmt.Fprintf(&b, "Name: %s\n", info.Name)
	fmt.Fprintf(&b, "Script: %s\n", info.Script)
	fmt.Fprintf(&b, "Arguments: %s\n", strings.Join(info.Args, " "))
	fmt.Fprintf(&b, "CWD: %s\n", info.Cwd)
	fmt.Fprintf(&b, "Status: %s\n", info.Status)
	if info.Signal != "" {
		fmt.Fprintf(&b, "Signal: %s\n", info.Signal)
	}
	fmt.Fprintf(&b, "Exit Code: %s\n", code)
	fmt.Fprintf(&b, "Error: %s", errText)
	return b.String()
}

func (s *Service) listProcesses(context.Context, json.RawMessage) (Result, error) {
	infos, err := s.sup.List()
	if err != nil {
		return failure("Error listing processes: %v", err), nil
	}
	if len(infos) == 0 {
		return text("No processes are currently running."), nil
	}
	lines := make([]string, 0, len(infos))
	for _, p := range infos {
		cmd := process.Spec{Script: p.Script, Args: p.Args}.Command()
		lines = append(lines, fmt.Sprintf("%s: %s (%s)", p.ID, p.Name, cmd))
	}
	return text("Running processes:\n%s", strings.Join(lines, "\n")), nil
}

type readFunc func(ctx context.Context, id string, count int) ([]logstore.Entry, error)

func (s *Service) stdout(ctx context.Context, raw json.RawMessage) (Result, error) {
	return s.output(ctx, raw, s.sup.Stdout, "No stdout found for process with ID %s.", "Error getting process stdout: %v")
}

func (s *Service) stderr(ctx context.Context, raw json.RawMessage) (Result, error) {
	return s.output(ctx, raw, s.sup.Stderr, "No stderr logs found for process with ID %s.", "Error getting process stderr: %v")
}

func (s *Service) output(ctx context.Context, raw json.RawMessage, read readFunc, empty, failed string) (Result, error) {
	var a outputArgs
	if err := decode(raw, &a); err != nil {
		return Result{}, err
	}
	if a.ID == "" {
		return Result{}, fmt.Errorf("%w: id is required", ErrInvalidArguments)
	}
	count := s.opts.DefaultChunkCount
	if a.ChunkCount != nil {
		count = chunkCount(*a.ChunkCount)
	}
	entries, err := read(ctx, a.ID, count)
	switch {
	case errors.Is(err, manager.ErrNotFound):
		return notFound(a.ID), nil
	case err != nil:
		return failure(failed, err), nil
	case len(entries) == 0:
		return text(empty, a.ID), nil
	}
	return Result{Text: RenderEntries(entries)}, nil
}

// chunkCount truncates a JSON number to an entry count.
func chunkCount(v float64) int {
	if v >= math.MaxInt32 {
		return math.MaxInt32
	}
	return int(v)
}

// RenderEntries formats entries one per line as "[timestamp] message".
func RenderEntries(entries []logstore.Entry) string {
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		lines = append(lines, fmt.Sprintf("[%s] %s", e.Timestamp.UTC().Format(timestampLayout), e.Message))
	}
	return strings.Join(lines, "\n")
}
