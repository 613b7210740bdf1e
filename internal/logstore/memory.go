package logstore

import (
	"context"
	"sync"
	"time"
)

// Memory keeps entries in process memory. History does not survive a restart of procm.
type Memory struct {
	mu      sync.RWMutex
	entries []Entry
	closed  bool
}

func NewMemory() *Memory { return &Memory{} }

func (m *Memory) Append(_ context.Context, ts time.Time, msg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.entries = append(m.entries, Entry{Timestamp: ts, Message: msg})
	return nil
}

// Tail keeps serving the entries written before Close.
func (m *Memory) Tail(_ context.Context, count int) ([]Entry, error) {
	if count <= 0 {
		return []Entry{}, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := len(m.entries)
	if count > n {
		count = n
	}
	out := make([]Entry, 0, count)
	for i := n - 1; i >= n-count; i-- {
		out = append(out, m.entries[i])
	}
	return out, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
