// Package procm supervises local child processes: it starts them, captures
// their output into per-process log stores, and terminates whole process trees.
//
// Embedders use Manager directly, or put a Tools service in front of it to gate
// launches with an allowlist and to serve the tool surface over HTTP or stdio.
package procm

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/procm/internal/allowlist"
	cfg "github.com/loykin/procm/internal/config"
	"github.com/loykin/procm/internal/env"
	"github.com/loykin/procm/internal/history"
	"github.com/loykin/procm/internal/logger"
	"github.com/loykin/procm/internal/logstore"
	"github.com/loykin/procm/internal/manager"
	"github.com/loykin/procm/internal/metrics"
	"github.com/loykin/procm/internal/process"
	"github.com/loykin/procm/internal/rpc"
	"github.com/loykin/procm/internal/server"
	"github.com/loykin/procm/internal/tool"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Spec = process.Spec

type Status = process.Status

type Info = process.Info

type LogEntry = logstore.Entry

type HistorySink = history.Sink

type ToolResult = tool.Result

const (
	StatusSpawning = process.StatusSpawning
	StatusRunning  = process.StatusRunning
	StatusExited   = process.StatusExited
	StatusError    = process.StatusError
)

var (
	ErrNotFound     = manager.ErrNotFound
	ErrShuttingDown = manager.ErrShuttingDown
)

// Options configures an embedded Manager.
type Options struct {
	ServerID string
	// LogDir holds <id>-stdout.sqlite3 and friends; empty keeps output in memory.
	LogDir string
	// Env is the base environment as KEY=VALUE; nil inherits the OS environment.
	Env           []string
	Logger        *slog.Logger
	History       []HistorySink
	KillTimeout   time.Duration
	ForceKillWait time.Duration
	// OnPanic receives panics recovered on supervision goroutines. Nil
	// terminates every process and re-raises the panic.
	OnPanic func(any)
}

// Manager is a thin facade over internal/manager.Manager.
// It provides a stable public API for embedding.
type Manager struct {
	inner    *manager.Manager
	serverID string
	log      *slog.Logger
}

func New(o Options) *Manager {
	e := env.New()
	if o.Env == nil {
		e.FromOS()
	} else {
		e.WithBase(o.Env)
	}
	logs := logstore.Config{Backend: logstore.BackendMemory}
	if o.LogDir != "" {
		logs = logstore.Config{Backend: logstore.BackendSQLite, Dir: o.LogDir, Mirror: true}
	}
	l := o.Logger
	if l == nil {
		l = slog.Default()
	}
	return &Manager{
		inner: manager.New(manager.Config{
			Logs:          logs,
			Env:           e,
			Events:        logger.NewEventLog(l),
			Logger:        l,
			History:       o.History,
			ServerID:      o.ServerID,
			KillTimeout:   o.KillTimeout,
			ForceKillWait: o.ForceKillWait,
			OnPanic:       o.OnPanic,
		}),
		serverID: o.ServerID,
		log:      l,
	}
}

func (m *Manager) Spawn(s Spec) (string, error)      { return m.inner.Spawn(s) }
func (m *Manager) Terminate(id string) (bool, error) { return m.inner.Terminate(id) }
func (m *Manager) Restart(id string) error           { return m.inner.Restart(id) }
func (m *Manager) Delete(id string) (bool, error)    { return m.inner.Delete(id) }
func (m *Manager) List() ([]Info, error)             { return m.inner.List() }
func (m *Manager) Get(id string) (Info, bool, error) { return m.inner.Get(id) }
func (m *Manager) ShutdownAll() error                { return m.inner.ShutdownAll() }
func (m *Manager) Close() error                      { return m.inner.Close() }
func (m *Manager) Stdout(ctx context.Context, id string, count int) ([]LogEntry, error) {
	return m.inner.Stdout(ctx, id, count)
}
func (m *Manager) Stderr(ctx context.Context, id string, count int) ([]LogEntry, error) {
	return m.inner.Stderr(ctx, id, count)
}

// Tools is the allowlist-gated tool surface over a Manager.
type Tools struct {
	inner *tool.Service
	mgr   *Manager
}

// NewTools gates m with the allowlist stored at allowlistPath.
func NewTools(m *Manager, allowlistPath string) *Tools {
	svc := tool.New(m.inner, allowlist.New(allowlistPath), logger.NewEventLog(m.log), tool.Options{ServerID: m.serverID})
	return &Tools{inner: svc, mgr: m}
}

// Call runs one tool; args is its JSON argument object.
func (t *Tools) Call(ctx context.Context, name string, args json.RawMessage) (ToolResult, error) {
	return t.inner.Call(ctx, name, args)
}

// Handler returns the HTTP API under basePath as a standalone http.Handler.
func (t *Tools) Handler(basePath string) http.Handler {
	return server.NewRouter(t.inner, t.mgr.inner, basePath, server.WithLogger(t.mgr.log)).Handler()
}

// RegisterGin mounts the HTTP API on an existing gin engine.
func (t *Tools) RegisterGin(g *gin.Engine, basePath string) {
	server.NewRouter(t.inner, t.mgr.inner, basePath, server.WithLogger(t.mgr.log)).Register(g)
}

// ServeStdio answers newline-delimited JSON-RPC on in/out until in closes or ctx ends.
func (t *Tools) ServeStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	return rpc.NewServer(t.inner, "procm", "embedded", t.mgr.log).Serve(ctx, in, out)
}

func LoadConfig(path string) (*cfg.Config, error) {
	return cfg.Load(path)
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }
func MetricsHandler() http.Handler                  { return metrics.Handler() }
