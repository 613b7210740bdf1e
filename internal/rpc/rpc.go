// Package rpc serves the tool service as newline-delimited JSON-RPC 2.0 over a
// pair of streams, normally stdin and stdout.
package rpc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/loykin/procm/internal/tool"
)

// DefaultProtocolVersion is answered when the client does not ask for one.
const DefaultProtocolVersion = "2024-11-05"

// JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

const maxLineBytes = 4 << 20

// Request is one incoming message. A request without an id is a notification.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response answers a Request.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is a JSON-RPC error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string { return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message) }

// Content is one block of a tool answer.
type Content struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// CallResult is the result of tools/call.
type CallResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError"`
}

type callParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type initializeParams struct {
	ProtocolVersion string `json:"protocolVersion"`
}

// Server dispatches requests read from one stream and writes answers to another.
type Server struct {
	svc     *tool.Service
	name    string
	version string
	log     *slog.Logger

	onPanic func(any)

	mu  sync.Mutex // serializes writes
	out io.Writer
}

// Option customizes a Server.
type Option func(*Server)

// WithPanicHandler passes a panic raised while handling a request to fn after
// the caller got an internal error. Without it the panic is only logged.
func WithPanicHandler(fn func(any)) Option { return func(s *Server) { s.onPanic = fn } }

// NewServer returns a server answering with the given identity.
func NewServer(svc *tool.Service, name, version string, log *slog.Logger, opts ...Option) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{svc: svc, name: name, version: version, log: log}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Serve reads requests from in until it is exhausted or ctx is cancelled.
// Requests are handled concurrently so a slow termination does not hold up
// other calls. Serve returns nil on EOF after in-flight requests finished.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	s.out = out
	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		defer close(lines)
		r := bufio.NewReaderSize(in, 64*1024)
		for {
			line, err := readLine(r)
			if len(bytes.TrimSpace(line)) > 0 {
				select {
				case lines <- line:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				if !errors.Is(err, io.EOF) {
					readErr <- err
				}
				return
			}
		}
	}()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				wg.Wait()
				select {
				case err := <-readErr:
					return err
				default:
					return nil
				}
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer s.recoverRequest(line)
				s.handleLine(context.WithoutCancel(ctx), line)
			}()
		}
	}
}

func readLine(r *bufio.Reader) ([]byte, error) {
	var buf []byte
	for {
		chunk, err := r.ReadSlice('\n')
		buf = append(buf, chunk...)
		if len(buf) > maxLineBytes {
			return nil, fmt.Errorf("request line exceeds %d bytes", maxLineBytes)
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return buf, err
	}
}

func (s *Server) handleLine(ctx context.Context, line []byte) {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		s.write(Response{JSONRPC: "2.0", ID: json.RawMessage("null"), Error: &Error{Code: CodeParseError, Message: err.Error()}})
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		if len(req.ID) > 0 {
			s.write(Response{JSONRPC: "2.0", ID: req.ID, Error: &Error{Code: CodeInvalidRequest, Message: "invalid request"}})
		}
		return
	}
	result, rerr := s.dispatch(ctx, req)
	if len(req.ID) == 0 {
		return
	}
	resp := Response{JSONRPC: "2.0", ID: req.ID}
	if rerr != nil {
		resp.Error = rerr
	} else {
		resp.Result = result
	}
	s.write(resp)
}

func (s *Server) recoverRequest(line []byte) {
	r := recover()
	if r == nil {
		return
	}
	s.log.Error("panic handling rpc request", "panic", r, "stack", string(debug.Stack()))
	var req Request
	if json.Unmarshal(line, &req) == nil && len(req.ID) > 0 {
		s.write(Response{JSONRPC: "2.0", ID: req.ID, Error: &Error{Code: CodeInternalError, Message: fmt.Sprintf("internal error: %v", r)}})
	}
	if s.onPanic != nil {
		s.onPanic(r)
	}
}

func (s *Server) dispatch(ctx context.Context, req Request) (any, *Error) {
	switch req.Method {
	case "initialize":
		var p initializeParams
		_ = json.Unmarshal(req.Params, &p)
		version := p.ProtocolVersion
		if version == "" {
			version = DefaultProtocolVersion
		}
		return map[string]any{
			"protocolVersion": version,
			"capabilities":    map[string]any{"tools": map[string]any{}},
			"serverInfo":      map[string]any{"name": s.name, "version": s.version},
		}, nil
	case "ping":
		return map[string]any{}, nil
	case "tools/list":
		return map[string]any{"tools": s.svc.Tools()}, nil
	case "tools/call":
		var p callParams
		if err := json.Unmarshal(req.Params, &p); err != nil || p.Name == "" {
			return nil, &Error{Code: CodeInvalidParams, Message: "tools/call requires a tool name"}
		}
		res, err := s.svc.Call(ctx, p.Name, p.Arguments)
		switch {
		case errors.Is(err, tool.ErrUnknownTool), errors.Is(err, tool.ErrInvalidArguments):
			return nil, &Error{Code: CodeInvalidParams, Message: err.Error()}
		case err != nil:
			return nil, &Error{Code: CodeInternalError, Message: err.Error()}
		}
		return CallResult{Content: []Content{{Type: "text", Text: res.Text}}, IsError: res.IsError}, nil
	}
	if len(req.ID) == 0 {
		// notifications such as notifications/initialized need no answer
		return nil, nil
	}
	return nil, &Error{Code: CodeMethodNotFound, Message: "method not found: " + req.Method}
}

func (s *Server) write(resp Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.log.Error("encode rpc response", "error", err)
		return
	}
	data = append(data, '\n')
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.out.Write(data); err != nil {
		s.log.Warn("write rpc response", "error", err)
	}
}
