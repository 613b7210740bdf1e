// Package allowlist persists the (script, args, cwd) triples a caller has
// approved for launching.
package allowlist

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
)

// FileName is the document name inside the data directory.
const FileName = "allowed-process-creations.json"

// Entry is one approved launch. Matching is exact on every field.
type Entry struct {
	Script string   `json:"script"`
	Args   []string `json:"args"`
	Cwd    string   `json:"cwd"`
}

// Matches reports whether e and o describe the same launch. Args must have the
// same length and be equal position by position.
func (e Entry) Matches(o Entry) bool {
	return e.Script == o.Script && e.Cwd == o.Cwd && slices.Equal(e.Args, o.Args)
}

// String renders the entry the way tool responses show it.
func (e Entry) String() string {
	return fmt.Sprintf("%s %s in %s", e.Script, strings.Join(e.Args, " "), e.Cwd)
}

func (e Entry) normalized() Entry {
	if e.Args == nil {
		e.Args = []string{}
	}
	return e
}

// Store is a JSON array of entries on disk. Reads and writes within one
// process are serialized; the file is replaced atomically on every change.
type Store struct {
	path string
	mu   sync.Mutex
}

// New returns a store backed by path. The file is created on first write.
func New(path string) *Store {
	return &Store{path: strings.TrimSpace(path)}
}

// InDir returns the store at dir/FileName.
func InDir(dir string) *Store {
	return New(filepath.Join(dir, FileName))
}

// Path returns the document location.
func (s *Store) Path() string { return s.path }

// IsAllowed reports whether e was previously added.
func (s *Store) IsAllowed(e Entry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := s.load()
	if err != nil {
		return false, err
	}
	e = e.normalized()
	return slices.ContainsFunc(entries, e.Matches), nil
}

// Add appends e unless an identical entry is already present.
func (s *Store) Add(e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := s.load()
	if err != nil {
		return err
	}
	e = e.normalized()
	if slices.ContainsFunc(entries, e.Matches) {
		return nil
	}
	return s.write(append(entries, e))
}

// Remove deletes the first entry matching e. It reports whether one was found.
func (s *Store) Remove(e Entry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := s.load()
	if err != nil {
		return false, err
	}
	e = e.normalized()
	i := slices.IndexFunc(entries, e.Matches)
	if i < 0 {
		return false, nil
	}
	return true, s.write(slices.Delete(entries, i, i+1))
}

// List returns the entries registered for cwd, or every entry when cwd is empty.
func (s *Store) List(cwd string) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := s.load()
	if err != nil {
		return nil, err
	}
	if cwd == "" {
		return entries, nil
	}
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if e.Cwd == cwd {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Store) load() ([]Entry, error) {
	if s.path == "" {
		return nil, errors.New("allowlist path is empty")
	}
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return []Entry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading allowlist: %w", err)
	}
	var entries []Entry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("parsing allowlist %s: %w", s.path, err)
	}
	for i := range entries {
		entries[i] = entries[i].normalized()
	}
	return entries, nil
}

func (s *Store) write(entries []Entry) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("creating allowlist dir: %w", err)
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding allowlist: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing temp allowlist: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replacing allowlist: %w", err)
	}
	return nil
}
