package client

import "time"

// LaunchRequest identifies an allowlist entry.
type LaunchRequest struct {
	Script string   `json:"script"`
	Args   []string `json:"args,omitempty"`
	Cwd    string   `json:"cwd,omitempty"`
}

// StartRequest represents a request to start a process
type StartRequest struct {
	Name   string            `json:"name,omitempty"`
	Script string            `json:"script"`
	Args   []string          `json:"args,omitempty"`
	Cwd    string            `json:"cwd,omitempty"`
	Envs   map[string]string `json:"envs,omitempty"`
}

// ToolResult is the plain-text answer of a tool call.
type ToolResult struct {
	Text    string
	IsError bool
}

// ToolDefinition describes one tool exposed by the daemon.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// ProcessInfo represents the state of a single supervised process
type ProcessInfo struct {
	ID        string            `json:"id"`
	PID       int               `json:"pid,omitempty"`
	Name      string            `json:"name"`
	Script    string            `json:"script"`
	Args      []string          `json:"args"`
	Cwd       string            `json:"cwd"`
	Envs      map[string]string `json:"envs,omitempty"`
	Status    string            `json:"status"`
	ExitCode  *int              `json:"exit_code,omitempty"`
	Signal    string            `json:"signal,omitempty"`
	Error     string            `json:"error,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	StartedAt time.Time         `json:"started_at,omitempty"`
	ExitedAt  time.Time         `json:"exited_at,omitempty"`
}

// Health is the daemon liveness answer.
type Health struct {
	OK       bool   `json:"ok"`
	ServerID string `json:"server_id"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}
