package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/loykin/procm/internal/capture"
	"github.com/loykin/procm/internal/env"
	"github.com/loykin/procm/internal/history"
	"github.com/loykin/procm/internal/logger"
	"github.com/loykin/procm/internal/logstore"
	"github.com/loykin/procm/internal/metrics"
	"github.com/loykin/procm/internal/process"
)

var (
	// ErrNotFound reports an id that is not in the registry.
	ErrNotFound = errors.New("process not found")
	// ErrShuttingDown is returned once ShutdownAll has started.
	ErrShuttingDown = errors.New("process manager shutting down")
)

const (
	DefaultKillTimeout   = 10 * time.Second
	DefaultForceKillWait = 2 * time.Second
	DefaultDrainTimeout  = time.Second
)

// Config wires a Manager to its collaborators.
type Config struct {
	Logs          logstore.Config
	Env           *env.Env
	Events        logger.Sink
	Logger        *slog.Logger
	History       []history.Sink
	ServerID      string
	KillTimeout   time.Duration // graceful window before SIGKILL
	ForceKillWait time.Duration // how long to wait for the tree after SIGKILL
	DrainTimeout  time.Duration // how long to wait for output after exit
	NewID         func() string
	// OnPanic receives panics recovered on supervision and capture goroutines.
	// Nil terminates every process and re-raises the panic.
	OnPanic func(any)
}

// Manager owns the process registry. A single goroutine applies every mutation;
// long waits such as termination run in the caller's goroutine.
type Manager struct {
	cfg    Config
	events logger.Sink
	log    *slog.Logger
	env    *env.Env

	ctrl chan ctrlMsg
	quit chan struct{}
	done chan struct{}

	idMu  sync.Mutex
	idOps map[string]*idLock

	closing      atomic.Bool
	shutdownOnce sync.Once
	shutdownErr  error
	closeOnce    sync.Once
}

// New starts the registry loop.
func New(cfg Config) *Manager {
	if cfg.KillTimeout <= 0 {
		cfg.KillTimeout = DefaultKillTimeout
	}
	if cfg.ForceKillWait <= 0 {
		cfg.ForceKillWait = DefaultForceKillWait
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}
	if cfg.NewID == nil {
		cfg.NewID = NewID
	}
	if cfg.Logs.Backend == "" && cfg.Logs.Dir == "" {
		cfg.Logs.Backend = logstore.BackendMemory
	}
	m := &Manager{
		cfg:    cfg,
		events: cfg.Events,
		log:    cfg.Logger,
		env:    cfg.Env,
		ctrl:   make(chan ctrlMsg, 16),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
		idOps:  make(map[string]*idLock),
	}
	if m.events == nil {
		m.events = logger.Discard
	}
	if m.log == nil {
		m.log = slog.Default()
	}
	if m.env == nil {
		m.env = env.New()
		m.env.FromOS()
	}
	go m.run(newRegistry(cfg.NewID))
	return m
}

// NewID returns an 8 character random id.
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

func (m *Manager) run(r *registry) {
	defer close(m.done)
	for {
		select {
		case <-m.quit:
			return
		case msg := <-m.ctrl:
			msg.reply <- r.handle(msg)
		}
	}
}

func (m *Manager) send(msg ctrlMsg) (ctrlReply, error) {
	msg.reply = make(chan ctrlReply, 1)
	select {
	case m.ctrl <- msg:
	case <-m.done:
		return ctrlReply{}, ErrShuttingDown
	}
	select {
	case rep := <-msg.reply:
		return rep, rep.err
	case <-m.done:
	}
	// the loop may have answered right before stopping
	select {
	case rep := <-msg.reply:
		return rep, rep.err
	default:
		return ctrlReply{}, ErrShuttingDown
	}
}

// idLock is held by every in-flight terminate, restart or delete of one id.
// refs counts holders and waiters; the entry is dropped when it reaches zero.
type idLock struct {
	mu   sync.Mutex
	refs int
}

// lockID serializes terminate, restart and delete for one id.
func (m *Manager) lockID(id string) func() {
	m.idMu.Lock()
	l, ok := m.idOps[id]
	if !ok {
		l = &idLock{}
		m.idOps[id] = l
	}
	l.refs++
	m.idMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		m.idMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(m.idOps, id)
		}
		m.idMu.Unlock()
	}
}

// Spawn validates spec, registers a record in the spawning state and launches
// the process in the background. It does not wait for the OS to confirm.
func (m *Manager) Spawn(spec process.Spec) (string, error) {
	if err := process.ValidateScript(spec.Script); err != nil {
		return "", err
	}
	if m.closing.Load() {
		return "", ErrShuttingDown
	}
	rep, err := m.send(ctrlMsg{typ: ctrlAllocate})
	if err != nil {
		return "", err
	}
	id := rep.id

	rec := process.NewRecord(id, 1, spec)
	if err := m.attach(rec); err != nil {
		_, _ = m.send(ctrlMsg{typ: ctrlRelease, id: id})
		m.events.Record(fmt.Sprintf("Failed to prepare process: %v", err), id)
		return "", err
	}
	if _, err := m.send(ctrlMsg{typ: ctrlRegister, rec: rec}); err != nil {
		m.abort(rec)
		return "", err
	}

	metrics.IncSpawn(spec.DisplayName())
	m.events.Record(fmt.Sprintf("Starting process: %s (cwd %s)", spec.Command(), spec.Cwd), id)
	go m.supervise(id, rec.Generation, rec.Handle, rec.Stdout, rec.Stderr)
	return id, nil
}

// attach prepares the OS handle and both capture clients of a new launch.
func (m *Manager) attach(rec *process.Record) error {
	h, err := process.Prepare(rec.Spec, m.env.Merge(rec.Spec.Envs))
	if err != nil {
		return err
	}
	outStore, err := logstore.Open(m.cfg.Logs, rec.ID, logstore.Stdout)
	if err != nil {
		h.Abort()
		return fmt.Errorf("open stdout log: %w", err)
	}
	errStore, err := logstore.Open(m.cfg.Logs, rec.ID, logstore.Stderr)
	if err != nil {
		_ = outStore.Close()
		h.Abort()
		return fmt.Errorf("open stderr log: %w", err)
	}
	rec.Handle = h
	opts := []capture.Option{capture.WithSink(m.events), capture.WithPanicHandler(m.fault)}
	rec.Stdout = capture.New(rec.ID, logstore.Stdout, h.Stdout(), outStore, opts...)
	rec.Stderr = capture.New(rec.ID, logstore.Stderr, h.Stderr(), errStore, opts...)
	return nil
}

// abort releases a launch that was never started.
func (m *Manager) abort(rec *process.Record) {
	_ = rec.Stdout.Close()
	_ = rec.Stderr.Close()
	rec.Handle.Abort()
}

// Terminate stops the process tree of id and closes its log clients. found is
// false when id is not registered. Calling it again is a no-op.
func (m *Manager) Terminate(id string) (bool, error) {
	unlock := m.lockID(id)
	defer unlock()
	t, ok, err := m.lookup(id)
	if err != nil || !ok {
		return false, err
	}
	err = m.terminate(t)
	m.recordHistory(history.EventTerminated, t.id)
	return true, err
}

// Restart terminates id and launches the same spec again under the same id.
// The record keeps its listing position and starts over in the spawning state.
func (m *Manager) Restart(id string) error {
	if m.closing.Load() {
		return ErrShuttingDown
	}
	unlock := m.lockID(id)
	defer unlock()
	t, ok, err := m.lookup(id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	if err := m.terminate(t); err != nil {
		return err
	}

	rec := process.NewRecord(id, 0, t.spec)
	if err := m.attach(rec); err != nil {
		m.events.Record(fmt.Sprintf("Failed to prepare restart: %v", err), id)
		return err
	}
	rep, err := m.send(ctrlMsg{typ: ctrlReplace, id: id, gen: t.gen, rec: rec})
	if err != nil {
		m.abort(rec)
		return err
	}

	metrics.IncRestart(t.spec.DisplayName())
	m.events.Record("Restarting process: "+t.spec.Command(), id)
	m.sendHistory(history.EventRestarted, rep.info)
	go m.supervise(id, rep.gen, rec.Handle, rec.Stdout, rec.Stderr)
	return nil
}

// Delete terminates id and removes it from the registry.
func (m *Manager) Delete(id string) (bool, error) {
	unlock := m.lockID(id)
	defer unlock()
	t, ok, err := m.lookup(id)
	if err != nil || !ok {
		return false, err
	}
	termErr := m.terminate(t)
	rep, err := m.send(ctrlMsg{typ: ctrlRemove, id: id})
	if err != nil {
		return true, errors.Join(termErr, err)
	}
	if rep.ok {
		m.events.Record("Process deleted", id)
		m.sendHistory(history.EventDeleted, rep.info)
	}
	return true, termErr
}

// List returns a snapshot of every registered record in registration order.
func (m *Manager) List() ([]process.Info, error) {
	rep, err := m.send(ctrlMsg{typ: ctrlList})
	if err != nil {
		return nil, err
	}
	return rep.infos, nil
}

// Get returns the snapshot of one record.
func (m *Manager) Get(id string) (process.Info, bool, error) {
	rep, err := m.send(ctrlMsg{typ: ctrlLookup, id: id})
	if err != nil {
		return process.Info{}, false, err
	}
	return rep.info, rep.ok, nil
}

// Stdout returns the newest count stdout entries of id, newest first.
func (m *Manager) Stdout(ctx context.Context, id string, count int) ([]logstore.Entry, error) {
	return m.top(ctx, id, logstore.Stdout, count)
}

// Stderr returns the newest count stderr entries of id, newest first.
func (m *Manager) Stderr(ctx context.Context, id string, count int) ([]logstore.Entry, error) {
	return m.top(ctx, id, logstore.Stderr, count)
}

func (m *Manager) top(ctx context.Context, id string, kind logstore.Kind, count int) ([]logstore.Entry, error) {
	t, ok, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	c := t.stdout
	if kind == logstore.Stderr {
		c = t.stderr
	}
	return c.Top(ctx, count)
}

func (m *Manager) lookup(id string) (target, bool, error) {
	rep, err := m.send(ctrlMsg{typ: ctrlLookup, id: id})
	if err != nil {
		return target{}, false, err
	}
	return rep.target, rep.ok, nil
}

// ShutdownAll terminates every registered process concurrently. Only the first
// call does the work; concurrent and later callers wait for it and get the same
// result. New spawns and restarts are refused from the moment it starts.
func (m *Manager) ShutdownAll() error {
	m.shutdownOnce.Do(func() {
		m.closing.Store(true)
		rep, err := m.send(ctrlMsg{typ: ctrlBeginShutdown})
		if err != nil {
			m.shutdownErr = err
			return
		}
		m.events.Record(fmt.Sprintf("Shutting down %d process(es)", len(rep.ids)), m.cfg.ServerID)
		errs := make([]error, len(rep.ids))
		var g errgroup.Group
		for i, id := range rep.ids {
			g.Go(func() error {
				if _, err := m.Terminate(id); err != nil {
					errs[i] = fmt.Errorf("terminate %s: %w", id, err)
				}
				return nil
			})
		}
		_ = g.Wait()
		m.shutdownErr = errors.Join(errs...)
		if m.shutdownErr != nil {
			m.log.Error("shutdown finished with errors", "error", m.shutdownErr)
		}
		m.events.Record("Shutdown complete", m.cfg.ServerID)
	})
	return m.shutdownErr
}

// Close runs ShutdownAll and stops the registry loop.
func (m *Manager) Close() error {
	err := m.ShutdownAll()
	m.closeOnce.Do(func() {
		close(m.quit)
		<-m.done
	})
	return err
}
