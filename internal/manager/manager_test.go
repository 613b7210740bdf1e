//go:build !windows

package manager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/procm/internal/history"
	"github.com/loykin/procm/internal/logstore"
	"github.com/loykin/procm/internal/process"
)

func newTestManager(t *testing.T, mutate ...func(*Config)) *Manager {
	t.Helper()
	cfg := Config{
		Logs:          logstore.Config{Backend: logstore.BackendMemory},
		KillTimeout:   500 * time.Millisecond,
		ForceKillWait: 2 * time.Second,
		DrainTimeout:  time.Second,
		ServerID:      "test",
	}
	for _, f := range mutate {
		f(&cfg)
	}
	m := New(cfg)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func waitStatus(t *testing.T, m *Manager, id string, want process.Status) process.Info {
	t.Helper()
	var info process.Info
	require.Eventually(t, func() bool {
		got, ok, err := m.Get(id)
		if err != nil || !ok {
			return false
		}
		info = got
		return got.Status == want
	}, 10*time.Second, 10*time.Millisecond, "status never reached %s", want)
	return info
}

func sh(script string) process.Spec {
	return process.Spec{Script: "sh", Args: []string{"-c", script}, Cwd: os.TempDir()}
}

func TestEchoScenario(t *testing.T) {
	m := newTestManager(t)
	id, err := m.Spawn(process.Spec{Script: "echo", Args: []string{"hi"}, Cwd: os.TempDir()})
	require.NoError(t, err)
	assert.Len(t, id, 8)

	info := waitStatus(t, m, id, process.StatusExited)
	require.NotNil(t, info.ExitCode)
	assert.Equal(t, 0, *info.ExitCode)
	assert.Greater(t, info.PID, 0)

	out, err := m.Stdout(context.Background(), id, 1)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "hi", out[0].Message)
}

func TestSpawnThenListNeverAbsent(t *testing.T) {
	m := newTestManager(t)
	id, err := m.Spawn(sh("sleep 5"))
	require.NoError(t, err)

	list, err := m.List()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, id, list[0].ID)
	assert.Contains(t, []process.Status{process.StatusSpawning, process.StatusRunning}, list[0].Status)
}

func TestSpawnRejectsInvalidScript(t *testing.T) {
	m := newTestManager(t)
	for _, script := range []string{"node script.js", "FOO=bar"} {
		_, err := m.Spawn(process.Spec{Script: script, Cwd: os.TempDir()})
		require.Error(t, err)
		assert.ErrorIs(t, err, process.ErrInvalidScript)
	}
	list, err := m.List()
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestSpawnFailureIsRecorded(t *testing.T) {
	m := newTestManager(t)
	id, err := m.Spawn(process.Spec{Script: "/nonexistent/procm-binary", Cwd: os.TempDir()})
	require.NoError(t, err)

	info := waitStatus(t, m, id, process.StatusError)
	assert.NotEmpty(t, info.Error)
	assert.Nil(t, info.ExitCode)

	found, err := m.Terminate(id)
	assert.True(t, found)
	assert.NoError(t, err)
}

func TestLogOrderingNewestFirst(t *testing.T) {
	m := newTestManager(t)
	id, err := m.Spawn(sh("for l in L1 L2 L3 L4; do echo $l; sleep 0.05; done"))
	require.NoError(t, err)
	waitStatus(t, m, id, process.StatusExited)

	out, err := m.Stdout(context.Background(), id, 4)
	require.NoError(t, err)
	require.Len(t, out, 4)
	assert.Equal(t, []string{"L4", "L3", "L2", "L1"}, messages(out))
	for i := 1; i < len(out); i++ {
		assert.False(t, out[i].Timestamp.After(out[i-1].Timestamp))
	}
}

func TestTopNonPositiveCount(t *testing.T) {
	m := newTestManager(t)
	id, err := m.Spawn(sh("echo a; echo b 1>&2"))
	require.NoError(t, err)
	waitStatus(t, m, id, process.StatusExited)

	out, err := m.Stdout(context.Background(), id, 0)
	require.NoError(t, err)
	assert.Empty(t, out)
	errOut, err := m.Stderr(context.Background(), id, -1)
	require.NoError(t, err)
	assert.Empty(t, errOut)

	errOut, err = m.Stderr(context.Background(), id, 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, messages(errOut))
}

func TestOutputOfUnknownID(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Stdout(context.Background(), "missing", 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTerminateIsIdempotent(t *testing.T) {
	m := newTestManager(t)
	id, err := m.Spawn(sh("sleep 30"))
	require.NoError(t, err)
	waitStatus(t, m, id, process.StatusRunning)

	found, err := m.Terminate(id)
	require.True(t, found)
	require.NoError(t, err)
	info, ok, err := m.Get(id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, process.StatusExited, info.Status)
	assert.Equal(t, "SIGTERM", info.Signal)

	found, err = m.Terminate(id)
	assert.True(t, found)
	assert.NoError(t, err)

	found, err = m.Terminate("does-not-exist")
	assert.False(t, found)
	assert.NoError(t, err)
}

func TestTerminateEscalatesToSIGKILL(t *testing.T) {
	m := newTestManager(t)
	id, err := m.Spawn(sh(`trap "" TERM; echo ready; while :; do sleep 0.1; done`))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		out, err := m.Stdout(context.Background(), id, 1)
		return err == nil && len(out) == 1 && out[0].Message == "ready"
	}, 10*time.Second, 10*time.Millisecond)

	start := time.Now()
	found, err := m.Terminate(id)
	elapsed := time.Since(start)
	require.True(t, found)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, elapsed, 500*time.Millisecond)
	assert.Less(t, elapsed, 500*time.Millisecond+2*time.Second+time.Second)

	info, _, err := m.Get(id)
	require.NoError(t, err)
	assert.Equal(t, process.StatusExited, info.Status)
	assert.Equal(t, "SIGKILL", info.Signal)
}

func TestTerminateKeepsOutputWrittenOnExit(t *testing.T) {
	m := newTestManager(t)
	// more than a pipe buffer is still unread when the process exits
	id, err := m.Spawn(sh(`trap 'seq 1 30000; echo LAST-LINE; exit 0' TERM; echo ready; while :; do sleep 0.1; done`))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		out, err := m.Stdout(context.Background(), id, 1)
		return err == nil && len(out) == 1 && out[0].Message == "ready"
	}, 10*time.Second, 10*time.Millisecond)

	found, err := m.Terminate(id)
	require.True(t, found)
	require.NoError(t, err)

	out, err := m.Stdout(context.Background(), id, 1)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.True(t, strings.HasSuffix(out[0].Message, "LAST-LINE"), "newest entry %q", tail(out[0].Message, 40))

	info, _, err := m.Get(id)
	require.NoError(t, err)
	assert.Equal(t, process.StatusExited, info.Status)
	require.NotNil(t, info.ExitCode)
	assert.Equal(t, 0, *info.ExitCode)
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// faultySink panics on the supervision goroutine right after a process started.
type faultySink struct{}

func (faultySink) Record(message, _ string) {
	if strings.HasPrefix(message, "Process spawned") {
		panic("boom")
	}
}

func TestSupervisePanicReachesHandler(t *testing.T) {
	faults := make(chan any, 1)
	m := newTestManager(t, func(c *Config) {
		c.Events = faultySink{}
		c.OnPanic = func(r any) { faults <- r }
	})
	id, err := m.Spawn(sh("sleep 30"))
	require.NoError(t, err)

	select {
	case r := <-faults:
		assert.Equal(t, "boom", r)
	case <-time.After(10 * time.Second):
		t.Fatal("panic handler was not called")
	}
	info := waitStatus(t, m, id, process.StatusError)
	assert.Equal(t, "supervisor fault: boom", info.Error)

	// the launch is terminal, so terminate does not wait for an exit event
	found, err := m.Terminate(id)
	assert.True(t, found)
	assert.NoError(t, err)
}

func TestTerminateKillsGrandchildren(t *testing.T) {
	m := newTestManager(t)
	marker := filepath.Join(t.TempDir(), "alive")
	// the grandchild would create the marker after the parent is gone
	id, err := m.Spawn(sh("(sleep 1; touch " + marker + ") & echo started; wait"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		out, err := m.Stdout(context.Background(), id, 1)
		return err == nil && len(out) == 1
	}, 10*time.Second, 10*time.Millisecond)

	_, err = m.Terminate(id)
	require.NoError(t, err)

	time.Sleep(1500 * time.Millisecond)
	_, statErr := os.Stat(marker)
	assert.True(t, os.IsNotExist(statErr), "grandchild survived termination")
}

func TestRestartPreservesIdentity(t *testing.T) {
	m := newTestManager(t)
	spec := sh("echo run; sleep 30")
	spec.Name = "sleeper"
	spec.Envs = map[string]string{"MODE": "test"}
	id, err := m.Spawn(spec)
	require.NoError(t, err)
	waitStatus(t, m, id, process.StatusRunning)
	other, err := m.Spawn(sh("sleep 30"))
	require.NoError(t, err)

	before, ok, err := m.lookup(id)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, m.Restart(id))

	info, ok, err := m.Get(id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, id, info.ID)
	assert.Equal(t, "sleeper", info.Name)
	assert.Equal(t, spec.Script, info.Script)
	assert.Equal(t, spec.Args, info.Args)
	assert.Equal(t, spec.Cwd, info.Cwd)
	assert.Equal(t, spec.Envs, info.Envs)
	assert.Contains(t, []process.Status{process.StatusSpawning, process.StatusRunning}, info.Status)
	assert.Nil(t, info.ExitCode)

	after, ok, err := m.lookup(id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, before.gen+1, after.gen)
	assert.NotSame(t, before.stdout, after.stdout)
	assert.NotSame(t, before.stderr, after.stderr)

	// the old pair is fully closed, the new pair is live
	for _, c := range []<-chan struct{}{before.stdout.Drained(), before.stderr.Drained()} {
		require.Eventually(t, func() bool {
			select {
			case <-c:
				return true
			default:
				return false
			}
		}, 5*time.Second, 10*time.Millisecond, "old capture client still attached")
	}
	select {
	case <-after.stdout.Drained():
		t.Fatal("new capture client already detached")
	default:
	}

	list, err := m.List()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, id, list[0].ID)
	assert.Equal(t, other, list[1].ID)

	waitStatus(t, m, id, process.StatusRunning)
	assert.ErrorIs(t, m.Restart("missing"), ErrNotFound)
}

func TestRestartAfterExitKeepsHistory(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t, func(c *Config) {
		c.Logs = logstore.Config{Backend: logstore.BackendSQLite, Dir: dir, Mirror: true}
	})
	id, err := m.Spawn(process.Spec{Script: "echo", Args: []string{"again"}, Cwd: os.TempDir()})
	require.NoError(t, err)
	waitStatus(t, m, id, process.StatusExited)

	require.NoError(t, m.Restart(id))
	waitStatus(t, m, id, process.StatusExited)

	out, err := m.Stdout(context.Background(), id, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"again", "again"}, messages(out))

	mirror, err := os.ReadFile(filepath.Join(dir, id+"-stdout.log"))
	require.NoError(t, err)
	assert.Equal(t, "again\nagain\n", string(mirror))
}

func TestDeleteRemovesRecord(t *testing.T) {
	m := newTestManager(t)
	id, err := m.Spawn(sh("sleep 30"))
	require.NoError(t, err)
	waitStatus(t, m, id, process.StatusRunning)

	found, err := m.Delete(id)
	require.True(t, found)
	require.NoError(t, err)

	_, ok, err := m.Get(id)
	require.NoError(t, err)
	assert.False(t, ok)
	found, err = m.Delete(id)
	assert.False(t, found)
	assert.NoError(t, err)
	found, err = m.Terminate(id)
	assert.False(t, found)
	assert.NoError(t, err)
}

func TestIDLocksAreReleased(t *testing.T) {
	m := newTestManager(t)
	for i := 0; i < 1000; i++ {
		found, err := m.Terminate(fmt.Sprintf("missing-%d", i))
		require.False(t, found)
		require.NoError(t, err)
	}
	require.ErrorIs(t, m.Restart("missing"), ErrNotFound)

	id, err := m.Spawn(sh("sleep 30"))
	require.NoError(t, err)
	waitStatus(t, m, id, process.StatusRunning)
	_, err = m.Terminate(id)
	require.NoError(t, err)

	m.idMu.Lock()
	defer m.idMu.Unlock()
	assert.Empty(t, m.idOps)
}

func TestShutdownAllRunsOnceAndInParallel(t *testing.T) {
	const killTimeout = time.Second
	m := newTestManager(t, func(c *Config) { c.KillTimeout = killTimeout })
	var ids []string
	for i := 0; i < 3; i++ {
		id, err := m.Spawn(sh(`trap "" TERM; echo ready; while :; do sleep 0.1; done`))
		require.NoError(t, err)
		ids = append(ids, id)
	}
	for _, id := range ids {
		require.Eventually(t, func() bool {
			out, err := m.Stdout(context.Background(), id, 1)
			return err == nil && len(out) == 1
		}, 10*time.Second, 10*time.Millisecond)
	}

	start := time.Now()
	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = m.ShutdownAll()
		}(i)
	}
	wg.Wait()
	elapsed := time.Since(start)

	for _, err := range errs {
		assert.NoError(t, err)
	}
	// parallel: one escalation; sequential would take three
	assert.GreaterOrEqual(t, elapsed, killTimeout)
	assert.Less(t, elapsed, 2*killTimeout)

	list, err := m.List()
	require.NoError(t, err)
	for _, info := range list {
		assert.Equal(t, process.StatusExited, info.Status)
	}

	_, err = m.Spawn(sh("true"))
	assert.ErrorIs(t, err, ErrShuttingDown)
	assert.ErrorIs(t, m.Restart(ids[0]), ErrShuttingDown)
	assert.NoError(t, m.ShutdownAll())
}

func TestCloseStopsManager(t *testing.T) {
	m := New(Config{})
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
	_, err := m.List()
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestEnvIsPassedToProcess(t *testing.T) {
	m := newTestManager(t)
	spec := sh(`echo "$GREETING"`)
	spec.Envs = map[string]string{"GREETING": "hello"}
	id, err := m.Spawn(spec)
	require.NoError(t, err)
	waitStatus(t, m, id, process.StatusExited)

	out, err := m.Stdout(context.Background(), id, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"hello"}, messages(out))
}

func TestIDCollisionRetries(t *testing.T) {
	seq := []string{"aaaaaaaa", "aaaaaaaa", "bbbbbbbb"}
	var mu sync.Mutex
	m := newTestManager(t, func(c *Config) {
		c.NewID = func() string {
			mu.Lock()
			defer mu.Unlock()
			id := seq[0]
			if len(seq) > 1 {
				seq = seq[1:]
			}
			return id
		}
	})
	first, err := m.Spawn(sh("true"))
	require.NoError(t, err)
	second, err := m.Spawn(sh("true"))
	require.NoError(t, err)
	assert.Equal(t, "aaaaaaaa", first)
	assert.Equal(t, "bbbbbbbb", second)
}

type memorySink struct {
	mu     sync.Mutex
	events []history.Event
}

func (s *memorySink) Send(_ context.Context, e history.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *memorySink) types() []history.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]history.EventType, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.Type)
	}
	return out
}

type failingSink struct{}

func (failingSink) Send(context.Context, history.Event) error { return errors.New("unreachable") }

func TestHistoryReceivesLifecycle(t *testing.T) {
	sink := &memorySink{}
	m := newTestManager(t, func(c *Config) { c.History = []history.Sink{sink, failingSink{}} })
	id, err := m.Spawn(process.Spec{Script: "true", Cwd: os.TempDir()})
	require.NoError(t, err)
	waitStatus(t, m, id, process.StatusExited)
	require.Eventually(t, func() bool { return len(sink.types()) == 2 }, 5*time.Second, 10*time.Millisecond)
	_, err = m.Delete(id)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(sink.types()) >= 3 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []history.EventType{history.EventSpawned, history.EventExited, history.EventDeleted}, sink.types())
	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, id, sink.events[0].Record.ID)
	assert.Equal(t, "test", sink.events[0].ServerID)
}

func messages(entries []logstore.Entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Message)
	}
	return out
}
