package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/procm/internal/allowlist"
	"github.com/loykin/procm/internal/logstore"
	"github.com/loykin/procm/internal/manager"
	"github.com/loykin/procm/internal/process"
)

type fakeSupervisor struct {
	mu        sync.Mutex
	spawned   []process.Spec
	infos     map[string]process.Info
	out       map[string][]logstore.Entry
	spawnErr  error
	termErr   error
	lastCount int
}

func newFake() *fakeSupervisor {
	return &fakeSupervisor{infos: map[string]process.Info{}, out: map[string][]logstore.Entry{}}
}

func (f *fakeSupervisor) Spawn(spec process.Spec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.spawnErr != nil {
		return "", f.spawnErr
	}
	if err := process.ValidateScript(spec.Script); err != nil {
		return "", err
	}
	f.spawned = append(f.spawned, spec)
	id := fmt.Sprintf("id%06d", len(f.spawned))
	f.infos[id] = process.Info{ID: id, Name: spec.DisplayName(), Script: spec.Script, Args: spec.Args, Cwd: spec.Cwd, Status: process.StatusSpawning}
	return id, nil
}

func (f *fakeSupervisor) Terminate(id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.infos[id]
	if !ok {
		return false, nil
	}
	return true, f.termErr
}

func (f *fakeSupervisor) Restart(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.infos[id]; !ok {
		return manager.ErrNotFound
	}
	return nil
}

func (f *fakeSupervisor) Delete(id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.infos[id]; !ok {
		return false, nil
	}
	delete(f.infos, id)
	return true, nil
}

func (f *fakeSupervisor) List() ([]process.Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]process.Info, 0, len(f.infos))
	for i := 1; i <= len(f.spawned); i++ {
		if info, ok := f.infos[fmt.Sprintf("id%06d", i)]; ok {
			out = append(out, info)
		}
	}
	return out, nil
}

func (f *fakeSupervisor) Get(id string) (process.Info, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.infos[id]
	return info, ok, nil
}

func (f *fakeSupervisor) Stdout(_ context.Context, id string, count int) ([]logstore.Entry, error) {
	return f.read(id, count)
}

func (f *fakeSupervisor) Stderr(_ context.Context, id string, count int) ([]logstore.Entry, error) {
	return nil, manager.ErrNotFound
}

func (f *fakeSupervisor) read(id string, count int) ([]logstore.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastCount = count
	if _, ok := f.infos[id]; !ok {
		return nil, manager.ErrNotFound
	}
	entries := f.out[id]
	if count <= 0 {
		return []logstore.Entry{}, nil
	}
	if count < len(entries) {
		entries = entries[:count]
	}
	return entries, nil
}

type recordingSink struct {
	mu   sync.Mutex
	msgs []string
}

func (r *recordingSink) Record(message, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, message)
}

func newService(t *testing.T) (*Service, *fakeSupervisor, *allowlist.Store, *recordingSink) {
	t.Helper()
	sup := newFake()
	allow := allowlist.InDir(t.TempDir())
	sink := &recordingSink{}
	svc := New(sup, allow, sink, Options{ServerID: "abc123", Cwd: "/work"})
	return svc, sup, allow, sink
}

func call(t *testing.T, s *Service, name string, args any) Result {
	t.Helper()
	raw, err := json.Marshal(args)
	require.NoError(t, err)
	res, err := s.Call(context.Background(), name, raw)
	require.NoError(t, err)
	return res
}

func TestServerID(t *testing.T) {
	s, _, _, _ := newService(t)
	res := call(t, s, "get-server-id", nil)
	assert.Equal(t, "Server ID: abc123", res.Text)
	assert.False(t, res.IsError)
}

func TestUnknownTool(t *testing.T) {
	s, _, _, _ := newService(t)
	_, err := s.Call(context.Background(), "nope", nil)
	assert.ErrorIs(t, err, ErrUnknownTool)
}

func TestInvalidArguments(t *testing.T) {
	s, _, _, sink := newService(t)
	_, err := s.Call(context.Background(), "start-process", json.RawMessage(`{"script": 3}`))
	assert.ErrorIs(t, err, ErrInvalidArguments)
	_, err = s.Call(context.Background(), "get-process-info", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrInvalidArguments)
	assert.Contains(t, sink.msgs[len(sink.msgs)-1], "Tool error: get-process-info")
}

func TestStartRequiresAllowlist(t *testing.T) {
	s, sup, _, _ := newService(t)
	res := call(t, s, "start-process", map[string]any{"script": "node", "args": []string{"app.js"}, "cwd": "/app"})
	assert.True(t, res.IsError)
	assert.Equal(t, "Process creation is not allowed for script: node with args: app.js in cwd: /app. Please allow it first using the allow-start-process tool.", res.Text)
	assert.Empty(t, sup.spawned)

	res = call(t, s, "allow-start-process", map[string]any{"script": "node", "args": []string{"app.js"}, "cwd": "/app"})
	assert.False(t, res.IsError)
	assert.Equal(t, "Process creation allowed for script: node with args: app.js in cwd: /app.", res.Text)

	res = call(t, s, "start-process", map[string]any{"script": "node", "args": []string{"app.js"}, "cwd": "/app", "envs": map[string]string{"PORT": "80"}})
	assert.False(t, res.IsError)
	assert.Equal(t, "Process started: node app.js (ID: id000001)", res.Text)
	require.Len(t, sup.spawned, 1)
	assert.Equal(t, map[string]string{"PORT": "80"}, sup.spawned[0].Envs)
}

func TestStartUsesName(t *testing.T) {
	s, _, allow, _ := newService(t)
	require.NoError(t, allow.Add(allowlist.Entry{Script: "make", Cwd: "/work"}))
	res := call(t, s, "start-process", map[string]any{"script": "make", "name": "build"})
	assert.Equal(t, "Process started: build (ID: id000001)", res.Text)
}

func TestStartRejectsSpaceAndAssignment(t *testing.T) {
	s, sup, _, _ := newService(t)
	res := call(t, s, "start-process", map[string]any{"script": "node script.js", "cwd": "/app"})
	assert.True(t, res.IsError)
	assert.Contains(t, res.Text, `script: "node", args: ["script.js"]`)

	res = call(t, s, "start-process", map[string]any{"script": "FOO=1", "cwd": "/app"})
	assert.True(t, res.IsError)
	assert.Contains(t, res.Text, `"envs"`)
	assert.Empty(t, sup.spawned)
}

func TestStartReportsSpawnError(t *testing.T) {
	s, sup, allow, _ := newService(t)
	require.NoError(t, allow.Add(allowlist.Entry{Script: "true", Cwd: "/work"}))
	sup.spawnErr = manager.ErrShuttingDown
	res := call(t, s, "start-process", map[string]any{"script": "true"})
	assert.True(t, res.IsError)
	assert.Equal(t, "Error starting process: process manager shutting down", res.Text)
}

func TestAllowedListAndDelete(t *testing.T) {
	s, _, _, _ := newService(t)
	call(t, s, "allow-start-process", map[string]any{"script": "npm", "args": []string{"start"}})
	call(t, s, "allow-start-process", map[string]any{"script": "npm", "args": []string{"test"}})
	call(t, s, "allow-start-process", map[string]any{"script": "go", "cwd": "/elsewhere"})

	res := call(t, s, "list-allowed-processes-in-cwd", nil)
	assert.Equal(t, "Allowed processes:\nnpm start in /work\nnpm test in /work", res.Text)

	res = call(t, s, "delete-allowed-process", map[string]any{"script": "npm", "args": []string{"start"}})
	assert.Equal(t, "Allowed process deleted for script: npm with args: start in cwd: /work.", res.Text)

	res = call(t, s, "list-allowed-processes-in-cwd", map[string]any{"cwd": "/work"})
	assert.Equal(t, "Allowed processes:\nnpm test in /work", res.Text)
}

func TestNotFoundIsInformational(t *testing.T) {
	s, _, _, _ := newService(t)
	for _, name := range []string{"stop-process", "delete-process", "restart-process", "get-process-info", "get-process-stdout", "get-process-stderr"} {
		t.Run(name, func(t *testing.T) {
			res := call(t, s, name, map[string]any{"id": "missing"})
			assert.Equal(t, "Process with ID missing not found.", res.Text)
			assert.False(t, res.IsError)
		})
	}
}

func TestProcessLifecycleTools(t *testing.T) {
	s, sup, allow, _ := newService(t)
	require.NoError(t, allow.Add(allowlist.Entry{Script: "sleep", Args: []string{"5"}, Cwd: "/work"}))
	call(t, s, "start-process", map[string]any{"script": "sleep", "args": []string{"5"}})

	res := call(t, s, "list-processes", nil)
	assert.Equal(t, "Running processes:\nid000001: sleep 5 (sleep 5)", res.Text)

	res = call(t, s, "stop-process", map[string]any{"id": "id000001"})
	assert.Equal(t, "Process with ID id000001 has been stopped.", res.Text)

	sup.termErr = errors.New("still alive")
	res = call(t, s, "stop-process", map[string]any{"id": "id000001"})
	assert.True(t, res.IsError)
	assert.Equal(t, "Error stopping process: still alive", res.Text)

	res = call(t, s, "restart-process", map[string]any{"id": "id000001"})
	assert.Equal(t, "Process with ID id000001 has been restarted.", res.Text)

	res = call(t, s, "delete-process", map[string]any{"id": "id000001"})
	assert.Equal(t, "Process with ID id000001 has been deleted.", res.Text)

	res = call(t, s, "list-processes", nil)
	assert.Equal(t, "No processes are currently running.", res.Text)
}

func TestProcessInfoRendering(t *testing.T) {
	s, sup, _, _ := newService(t)
	code := 0
	sup.spawned = append(sup.spawned, process.Spec{})
	sup.infos["id000001"] = process.Info{
		ID: "id000001", PID: 42, Name: "web", Script: "node", Args: []string{"a.js", "--x"},
		Cwd: "/app", Status: process.StatusExited, ExitCode: &code,
	}
	sup.infos["id000002"] = process.Info{ID: "id000002", Name: "bad", Script: "nope", Args: []string{}, Cwd: "/", Status: process.StatusError, Error: "spawn nope: not found"}

	res := call(t, s, "get-process-info", map[string]any{"id": "id000001"})
	assert.Equal(t, "Process ID: id000001\nProcess PID: 42\nName: web\nScript: node\nArguments: a.js --x\nCWD: /app\nStatus: exited\nExit Code: 0\nError: N/A", res.Text)

	res = call(t, s, "get-process-info", map[string]any{"id": "id000002"})
	assert.Equal(t, "Process ID: id000002\nProcess PID: N/A\nName: bad\nScript: nope\nArguments: \nCWD: /\nStatus: error\nExit Code: N/A\nError: spawn nope: not found", res.Text)
}

func TestOutputRendering(t *testing.T) {
	s, sup, _, _ := newService(t)
	sup.spawned = append(sup.spawned, process.Spec{})
	sup.infos["id000001"] = process.Info{ID: "id000001"}
	t0 := time.Date(2024, 5, 1, 12, 0, 0, 123_000_000, time.UTC)
	sup.out["id000001"] = []logstore.Entry{
		{Timestamp: t0.Add(time.Second), Message: "second"},
		{Timestamp: t0, Message: "first"},
	}

	res := call(t, s, "get-process-stdout", map[string]any{"id": "id000001"})
	assert.Equal(t, "[2024-05-01T12:00:01.123Z] second\n[2024-05-01T12:00:00.123Z] first", res.Text)
	assert.Equal(t, DefaultChunkCount, sup.lastCount)

	res = call(t, s, "get-process-stdout", map[string]any{"id": "id000001", "chunkCount": 1})
	assert.Equal(t, "[2024-05-01T12:00:01.123Z] second", res.Text)

	res = call(t, s, "get-process-stdout", map[string]any{"id": "id000001", "chunkCount": 1.9})
	assert.False(t, res.IsError)
	assert.Equal(t, 1, sup.lastCount)

	res = call(t, s, "get-process-stdout", map[string]any{"id": "id000001", "chunkCount": 1e12})
	assert.False(t, res.IsError)
	assert.Equal(t, math.MaxInt32, sup.lastCount)

	res = call(t, s, "get-process-stdout", map[string]any{"id": "id000001", "chunkCount": 0})
	assert.Equal(t, "No stdout found for process with ID id000001.", res.Text)
	assert.False(t, res.IsError)
}

func TestToolDiagnostics(t *testing.T) {
	s, _, _, sink := newService(t)
	call(t, s, "get-server-id", map[string]any{})
	require.Len(t, sink.msgs, 2)
	assert.Equal(t, "Tool started: get-server-id with args: {}", sink.msgs[0])
	assert.Equal(t, "Tool ended: get-server-id", sink.msgs[1])
}

func TestToolsListing(t *testing.T) {
	s, _, _, _ := newService(t)
	defs := s.Tools()
	names := make([]string, 0, len(defs))
	for _, d := range defs {
		names = append(names, d.Name)
		assert.Equal(t, "object", d.InputSchema["type"])
	}
	assert.Equal(t, []string{
		"allow-start-process", "delete-allowed-process", "delete-process", "get-process-info",
		"get-process-stderr", "get-process-stdout", "get-server-id", "list-allowed-processes-in-cwd",
		"list-processes", "restart-process", "start-process", "stop-process",
	}, names)
}
