package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrorHeader marks tool answers whose result is an error.
const ErrorHeader = "X-Procm-Error"

// ErrNotFound is returned when the daemon does not know the requested process.
var ErrNotFound = errors.New("not found")

// Client provides HTTP client functionality to communicate with the procm daemon
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger // Optional logger for client operations
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://127.0.0.1:7070/api",
		// stop and restart may wait for the kill timeout plus the forced kill
		Timeout: 30 * time.Second,
	}
}

// New creates a new procm API client
func New(config Config) *Client {
	def := DefaultConfig()
	if config.BaseURL == "" {
		config.BaseURL = def.BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = def.Timeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		logger:  config.Logger,
		client:  &http.Client{Timeout: config.Timeout},
	}
}

// IsReachable checks if the daemon is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	h, err := c.Health(ctx)
	if err != nil {
		c.logger.Debug("Daemon unreachable", "error", err)
		return false
	}
	return h.OK
}

// Health returns the daemon liveness answer.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var h Health
	err := c.getJSON(ctx, "/healthz", &h)
	return h, err
}

// Tools lists the tools the daemon exposes.
func (c *Client) Tools(ctx context.Context) ([]ToolDefinition, error) {
	var defs []ToolDefinition
	err := c.getJSON(ctx, "/tools", &defs)
	return defs, err
}

// Processes returns every registered process in registration order.
func (c *Client) Processes(ctx context.Context) ([]ProcessInfo, error) {
	var infos []ProcessInfo
	err := c.getJSON(ctx, "/processes", &infos)
	return infos, err
}

// Process returns one process record.
func (c *Client) Process(ctx context.Context, id string) (ProcessInfo, error) {
	var info ProcessInfo
	err := c.getJSON(ctx, "/processes/"+url.PathEscape(id), &info)
	return info, err
}

// Call runs a tool by name with args marshaled as JSON.
func (c *Client) Call(ctx context.Context, name string, args any) (ToolResult, error) {
	c.logger.Debug("Calling tool", "tool", name)
	var body []byte
	if args != nil {
		b, err := json.Marshal(args)
		if err != nil {
			return ToolResult{}, fmt.Errorf("marshal request: %w", err)
		}
		body = b
	}
	resp, err := c.do(ctx, http.MethodPost, "/tools/"+url.PathEscape(name), body)
	if err != nil {
		return ToolResult{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return ToolResult{}, c.handleErrorResponse(resp)
	}
	text, err := io.ReadAll(resp.Body)
	if err != nil {
		return ToolResult{}, fmt.Errorf("read response: %w", err)
	}
	return ToolResult{Text: string(text), IsError: resp.Header.Get(ErrorHeader) == "true"}, nil
}

func (c *Client) Allow(ctx context.Context, req LaunchRequest) (ToolResult, error) {
	return c.Call(ctx, "allow-start-process", req)
}

func (c *Client) Disallow(ctx context.Context, req LaunchRequest) (ToolResult, error) {
	return c.Call(ctx, "delete-allowed-process", req)
}

// Allowed lists allowlist entries for cwd; an empty cwd means the daemon's working directory.
func (c *Client) Allowed(ctx context.Context, cwd string) (ToolResult, error) {
	return c.Call(ctx, "list-allowed-processes-in-cwd", map[string]string{"cwd": cwd})
}

func (c *Client) Start(ctx context.Context, req StartRequest) (ToolResult, error) {
	return c.Call(ctx, "start-process", req)
}

func (c *Client) Stop(ctx context.Context, id string) (ToolResult, error) {
	return c.Call(ctx, "stop-process", map[string]string{"id": id})
}

func (c *Client) Restart(ctx context.Context, id string) (ToolResult, error) {
	return c.Call(ctx, "restart-process", map[string]string{"id": id})
}

func (c *Client) Delete(ctx context.Context, id string) (ToolResult, error) {
	return c.Call(ctx, "delete-process", map[string]string{"id": id})
}

func (c *Client) Info(ctx context.Context, id string) (ToolResult, error) {
	return c.Call(ctx, "get-process-info", map[string]string{"id": id})
}

// Stdout returns the newest count stdout entries; count <= 0 uses the daemon default.
func (c *Client) Stdout(ctx context.Context, id string, count int) (ToolResult, error) {
	return c.Call(ctx, "get-process-stdout", outputArgs(id, count))
}

// Stderr returns the newest count stderr entries; count <= 0 uses the daemon default.
func (c *Client) Stderr(ctx context.Context, id string, count int) (ToolResult, error) {
	return c.Call(ctx, "get-process-stderr", outputArgs(id, count))
}

func outputArgs(id string, count int) map[string]any {
	args := map[string]any{"id": id}
	if count > 0 {
		args["chunkCount"] = count
	}
	return args
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return c.handleErrorResponse(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// do performs an HTTP request against baseURL+path
func (c *Client) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("HTTP request failed", "error", err, "path", path)
		return nil, fmt.Errorf("do request: %w", err)
	}
	return resp, nil
}

// handleErrorResponse turns a non-200 answer into an error
func (c *Client) handleErrorResponse(resp *http.Response) error {
	var errorResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil {
		c.logger.Debug("Failed to decode error response", "status", resp.StatusCode)
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrNotFound, errorResp.Error)
	}
	c.logger.Debug("API request failed", "error", errorResp.Error, "status", resp.StatusCode)
	return fmt.Errorf("API error: %s", errorResp.Error)
}
