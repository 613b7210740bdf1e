package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/procm/internal/metrics"
	"github.com/loykin/procm/internal/process"
	"github.com/loykin/procm/internal/tool"
)

// ErrorHeader is set to "true" on tool responses whose result is an error.
const ErrorHeader = "X-Procm-Error"

const maxBodyBytes = 1 << 20

// Lister exposes the registry snapshot served on /processes.
type Lister interface {
	List() ([]process.Info, error)
	Get(id string) (process.Info, bool, error)
}

// Router provides embeddable HTTP handlers over the tool service.
// Endpoints:
//
//	GET  {basePath}/healthz
//	GET  {basePath}/tools            tool definitions
//	POST {basePath}/tools/:name      body: JSON arguments, answer: text/plain
//	GET  {basePath}/processes        registry snapshot
//	GET  {basePath}/processes/:id    one record
//	GET  /metrics                    when metrics are enabled
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	svc      *tool.Service
	procs    Lister
	basePath string
	metrics  bool
	log      *slog.Logger
	onPanic  func(any)
}

// Option customizes a Router.
type Option func(*Router)

// WithMetrics mounts the Prometheus handler at /metrics.
func WithMetrics() Option { return func(r *Router) { r.metrics = true } }

// WithLogger sets the request logger.
func WithLogger(l *slog.Logger) Option { return func(r *Router) { r.log = l } }

// WithPanicHandler passes a panic recovered in a handler to fn after the
// request was answered with 500.
func WithPanicHandler(fn func(any)) Option { return func(r *Router) { r.onPanic = fn } }

// NewRouter constructs a new Router with configurable basePath.
func NewRouter(svc *tool.Service, procs Lister, basePath string, opts ...Option) *Router {
	r := &Router{svc: svc, procs: procs, basePath: sanitizeBase(basePath)}
	for _, o := range opts {
		o(r)
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	if r.onPanic != nil {
		g.Use(gin.CustomRecovery(func(c *gin.Context, rec any) {
			c.AbortWithStatus(http.StatusInternalServerError)
			r.onPanic(rec)
		}))
	} else {
		g.Use(gin.Recovery())
	}
	r.Register(g)
	return g
}

// Register mounts the endpoints on an existing gin engine.
func (r *Router) Register(g *gin.Engine) {
	group := g.Group(r.basePath)
	group.Use(r.requestLog)
	group.GET("/healthz", r.handleHealth)
	group.GET("/tools", r.handleTools)
	group.POST("/tools/:name", r.handleCall)
	group.GET("/processes", r.handleProcesses)
	group.GET("/processes/:id", r.handleProcess)
	if r.metrics {
		g.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
}

// NewServer starts a standalone HTTP server on addr using handler. Bind errors
// are returned; serve errors after startup are logged.
func NewServer(addr string, handler http.Handler) (*http.Server, net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, err
	}
	server := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// output reads can wait on a restart, which may take the full kill timeout
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server stopped", "addr", ln.Addr().String(), "error", err)
		}
	}()
	return server, ln.Addr(), nil
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type healthResp struct {
	OK       bool   `json:"ok"`
	ServerID string `json:"server_id"`
}

func (r *Router) requestLog(c *gin.Context) {
	start := time.Now()
	c.Next()
	r.log.Debug("http request",
		"method", c.Request.Method,
		"path", c.Request.URL.Path,
		"status", c.Writer.Status(),
		"duration", time.Since(start))
}

func (r *Router) handleHealth(c *gin.Context) {
	writeJSON(c, http.StatusOK, healthResp{OK: true, ServerID: r.svc.ServerID()})
}

func (r *Router) handleTools(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.svc.Tools())
}

func (r *Router) handleCall(c *gin.Context) {
	name := c.Param("name")
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "read body: " + err.Error()})
		return
	}
	if len(body) > 0 && !json.Valid(body) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON body"})
		return
	}
	if cwd, ok := cwdOf(body); ok && !isSafeAbsPath(cwd) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid cwd: must be absolute path without traversal"})
		return
	}

	// a caller that disconnects must not abort a half-done termination
	ctx := context.WithoutCancel(c.Request.Context())
	res, err := r.svc.Call(ctx, name, body)
	switch {
	case errors.Is(err, tool.ErrUnknownTool):
		writeJSON(c, http.StatusNotFound, errorResp{Error: err.Error()})
		return
	case errors.Is(err, tool.ErrInvalidArguments):
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	case err != nil:
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	if res.IsError {
		c.Header(ErrorHeader, "true")
	}
	c.Data(http.StatusOK, "text/plain; charset=utf-8", []byte(res.Text))
}

func (r *Router) handleProcesses(c *gin.Context) {
	infos, err := r.procs.List()
	if err != nil {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, infos)
}

func (r *Router) handleProcess(c *gin.Context) {
	id := c.Param("id")
	info, ok, err := r.procs.Get(id)
	if err != nil {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: err.Error()})
		return
	}
	if !ok {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "Process with ID " + id + " not found."})
		return
	}
	writeJSON(c, http.StatusOK, info)
}

func cwdOf(body []byte) (string, bool) {
	if len(body) == 0 {
		return "", false
	}
	var req struct {
		Cwd *string `json:"cwd"`
	}
	if err := json.Unmarshal(body, &req); err != nil || req.Cwd == nil || *req.Cwd == "" {
		return "", false
	}
	return *req.Cwd, true
}
