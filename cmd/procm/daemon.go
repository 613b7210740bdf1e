package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/procm/internal/allowlist"
	"github.com/loykin/procm/internal/config"
	"github.com/loykin/procm/internal/history/factory"
	"github.com/loykin/procm/internal/logger"
	"github.com/loykin/procm/internal/manager"
	"github.com/loykin/procm/internal/metrics"
	"github.com/loykin/procm/internal/rpc"
	"github.com/loykin/procm/internal/server"
	"github.com/loykin/procm/internal/tool"
)

const httpShutdownTimeout = 5 * time.Second

// daemon holds every long-lived component of one procm server run.
type daemon struct {
	cfg      *config.Config
	serverID string
	dir      string

	log    *slog.Logger
	events *logger.EventLog
	mgr    *manager.Manager
	svc    *tool.Service

	closers      []func() error
	shutdownOnce sync.Once
	shutdownErr  error
	exit         func(code int)
}

// newServerID returns a short random id for one server run.
func newServerID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
}

// newDaemon creates the server directory and wires logging, metrics, history
// sinks, the process manager and the tool service.
func newDaemon(cfg *config.Config, pid int) (*daemon, error) {
	d := &daemon{cfg: cfg, serverID: cfg.ServerID, exit: os.Exit}
	if d.serverID == "" {
		d.serverID = newServerID()
	}
	d.dir = cfg.ServerDir(d.serverID, pid)
	if err := os.MkdirAll(d.dir, 0o750); err != nil {
		return nil, fmt.Errorf("create server dir %s: %w", d.dir, err)
	}

	log, logCloser := logger.New(cfg.Logger(d.dir))
	d.log = log.With("server_id", d.serverID)
	d.closers = append(d.closers, logCloser.Close)
	d.events = logger.NewEventLog(d.log)

	if cfg.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			d.log.Warn("failed to register metrics", "error", err)
		}
	}

	sinks, closeSinks, err := factory.OpenAll(cfg.History)
	if err != nil {
		_ = d.close()
		return nil, err
	}
	d.closers = append(d.closers, closeSinks)

	base, err := cfg.BuildEnv()
	if err != nil {
		_ = d.close()
		return nil, err
	}

	d.mgr = manager.New(manager.Config{
		Logs:          cfg.LogStore(d.dir),
		Env:           base,
		Events:        d.events,
		Logger:        d.log,
		History:       sinks,
		ServerID:      d.serverID,
		KillTimeout:   cfg.KillTimeout,
		ForceKillWait: cfg.ForceKillWait,
		DrainTimeout:  cfg.DrainTimeout,
		OnPanic:       d.fatal,
	})
	d.svc = tool.New(d.mgr, allowlist.New(cfg.AllowlistFile()), d.events, tool.Options{
		ServerID:          d.serverID,
		DefaultChunkCount: cfg.DefaultChunkCount,
	})
	d.events.Record("Server started in "+d.dir, d.serverID)
	return d, nil
}

// startMetrics serves /metrics on its own listener when one is configured.
func (d *daemon) startMetrics() error {
	if !d.cfg.Metrics.Enabled || d.cfg.Metrics.Listen == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv, addr, err := server.NewServer(d.cfg.Metrics.Listen, mux)
	if err != nil {
		return fmt.Errorf("metrics listener: %w", err)
	}
	d.log.Info("metrics listening", "addr", addr.String())
	d.closers = append(d.closers, srv.Close)
	return nil
}

// startHTTP binds the HTTP transport and returns the bound address.
func (d *daemon) startHTTP() (*http.Server, net.Addr, error) {
	opts := []server.Option{server.WithLogger(d.log), server.WithPanicHandler(d.fatal)}
	if d.cfg.Metrics.Enabled && d.cfg.Metrics.Listen == "" {
		opts = append(opts, server.WithMetrics())
	}
	r := server.NewRouter(d.svc, d.mgr, d.cfg.Server.BasePath, opts...)
	srv, addr, err := server.NewServer(d.cfg.Server.Listen, r.Handler())
	if err != nil {
		return nil, nil, fmt.Errorf("http listener: %w", err)
	}
	d.log.Info("http transport listening", "addr", addr.String(), "base_path", d.cfg.Server.BasePath)
	return srv, addr, nil
}

// serveHTTP runs the HTTP transport until ctx is cancelled.
func (d *daemon) serveHTTP(ctx context.Context) error {
	srv, _, err := d.startHTTP()
	if err != nil {
		return err
	}
	<-ctx.Done()
	sctx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
	defer cancel()
	return srv.Shutdown(sctx)
}

// serveStdio runs the JSON-RPC transport until in reaches EOF or ctx is cancelled.
func (d *daemon) serveStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	err := rpc.NewServer(d.svc, "procm", version, d.log, rpc.WithPanicHandler(d.fatal)).Serve(ctx, in, out)
	if err == nil {
		d.log.Info("stdin closed")
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// shutdown terminates every process once, then releases the remaining resources.
func (d *daemon) shutdown() error {
	d.shutdownOnce.Do(func() {
		d.events.Record("Server shutting down", d.serverID)
		err := d.mgr.Close()
		if err != nil {
			d.log.Error("shutdown left processes behind", "error", err)
		}
		d.shutdownErr = errors.Join(err, d.close())
	})
	return d.shutdownErr
}

// fatal handles a panic recovered on any goroutine of the server: every process
// is terminated, then the server exits with status 1.
func (d *daemon) fatal(r any) {
	d.log.Error("panic, shutting down", "panic", r, "stack", string(debug.Stack()))
	if err := d.shutdown(); err != nil {
		d.log.Error("shutdown after panic failed", "error", err)
	}
	d.exit(1)
}

func (d *daemon) close() error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		errs = append(errs, d.closers[i]())
	}
	d.closers = nil
	return errors.Join(errs...)
}
