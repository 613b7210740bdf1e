package logstore

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by Append once the store has been closed.
var ErrClosed = errors.New("store closed")

// Kind identifies which output stream of a process a store belongs to.
type Kind string

const (
	Stdout Kind = "stdout"
	Stderr Kind = "stderr"
)

// Entry is one captured line.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

// Store is a durable, append-only record of timestamped lines for one stream.
//
// Append must not return before the entry is persisted. Tail returns the most
// recent count entries, newest first; a non-positive count yields an empty
// slice. Implementations must be safe for concurrent use.
type Store interface {
	Append(ctx context.Context, ts time.Time, msg string) error
	Tail(ctx context.Context, count int) ([]Entry, error)
	Close() error
}
