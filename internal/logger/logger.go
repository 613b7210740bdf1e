package logger

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default logging configuration constants
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
	DefaultFileName   = "debug.log"
)

// Config describes where procm writes its own diagnostics.
// The file lives at Dir/debug.log unless Path is set. Rotation parameters
// follow lumberjack semantics.
type Config struct {
	Dir        string // server directory
	Path       string // explicit file path overrides Dir
	Level      string // debug, info, warn, error (default info)
	Console    bool   // also write colored output to stderr
	MaxSizeMB  int    // megabytes before rotation (default 10)
	MaxBackups int    // number of backups to keep (default 3)
	MaxAgeDays int    // days to keep (default 7)
	Compress   bool   // Gzip rotated files
}

// FilePath returns the resolved diagnostic log path, or "" when file logging is off.
func (c Config) FilePath() string {
	if c.Path != "" {
		return c.Path
	}
	if c.Dir != "" {
		return filepath.Join(c.Dir, DefaultFileName)
	}
	return ""
}

// Writer returns the rotating file writer, or nil when no path is configured.
func (c Config) Writer() io.WriteCloser {
	p := c.FilePath()
	if p == "" {
		return nil
	}
	_ = os.MkdirAll(filepath.Dir(p), 0o750)
	return &lj.Logger{
		Filename:   p,
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
}

// New builds the process-wide slog.Logger. The returned closer releases the
// file writer and is never nil. stdout is never used: it may carry the stdio transport.
func New(c Config) (*slog.Logger, io.Closer) {
	opts := &slog.HandlerOptions{Level: ParseLevel(c.Level)}
	var handlers []slog.Handler
	var closer io.Closer = nopCloser{}
	if w := c.Writer(); w != nil {
		handlers = append(handlers, slog.NewJSONHandler(w, opts))
		closer = w
	}
	if c.Console {
		handlers = append(handlers, NewColorTextHandler(os.Stderr, opts, true))
	}
	switch len(handlers) {
	case 0:
		return slog.New(slog.NewTextHandler(io.Discard, opts)), closer
	case 1:
		return slog.New(handlers[0]), closer
	default:
		return slog.New(fanout(handlers)), closer
	}
}

// ParseLevel maps a textual level to slog.Level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
