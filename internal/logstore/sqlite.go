package logstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLite implements Store on a single SQLite database file (modernc.org/sqlite driver, CGO-free).
// Every message is also mirrored as a line into a plain-text sidecar file next to the database.
type SQLite struct {
	path     string
	textPath string

	mu     sync.RWMutex
	db     *sql.DB
	text   *os.File
	closed bool
}

// sqliteURI turns a file path into a file: URI so that '?', '#' and '%' in
// directory names reach SQLite escaped instead of being read as URI syntax.
func sqliteURI(path, query string) string {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	path = filepath.ToSlash(path)
	if !strings.HasPrefix(path, "/") {
		// C:/x needs a leading slash to stay a path rather than a host
		path = "/" + path
	}
	return (&url.URL{Scheme: "file", Path: path, RawQuery: query}).String()
}

// OpenSQLite opens (creating if needed) the database at path and ensures the schema.
// textPath may be empty to disable the plain-text mirror.
func OpenSQLite(path, textPath string) (*SQLite, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
		return nil, err
	}
	d, err := sql.Open("sqlite", sqliteURI(p, ""))
	if err != nil {
		return nil, err
	}
	// one writer connection keeps inserts strictly ordered
	d.SetMaxOpenConns(1)
	// busy timeout helps with short concurrent locks from read-only handles
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	s := &SQLite{path: p, textPath: textPath, db: d}
	if err := s.ensureSchema(context.Background()); err != nil {
		_ = d.Close()
		return nil, err
	}
	if textPath != "" {
		// #nosec G304 -- path is derived from the server directory and a generated id
		f, err := os.OpenFile(textPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			_ = d.Close()
			return nil, fmt.Errorf("open text mirror: %w", err)
		}
		s.text = f
	}
	return s, nil
}

func (s *SQLite) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS logs(
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp INTEGER NOT NULL,
			message TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_logs_timestamp ON logs(timestamp);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

// Path returns the database file path.
func (s *SQLite) Path() string { return s.path }

func (s *SQLite) Append(ctx context.Context, ts time.Time, msg string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO logs(timestamp, message) VALUES(?, ?);`, ts.UnixMilli(), msg); err != nil {
		return err
	}
	if s.text != nil {
		if _, err := s.text.WriteString(msg + "\n"); err != nil {
			return fmt.Errorf("write text mirror: %w", err)
		}
	}
	return nil
}

func (s *SQLite) Tail(ctx context.Context, count int) ([]Entry, error) {
	if count <= 0 {
		return []Entry{}, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	db := s.db
	if s.closed {
		// history stays readable after teardown through a short-lived read-only handle
		ro, err := sql.Open("sqlite", sqliteURI(s.path, "mode=ro"))
		if err != nil {
			return nil, err
		}
		defer func() { _ = ro.Close() }()
		db = ro
	}
	rows, err := db.QueryContext(ctx, `
		SELECT timestamp, message
		FROM logs
		ORDER BY timestamp DESC, seq DESC
		LIMIT ?;`, count)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make([]Entry, 0, count)
	for rows.Next() {
		var ms int64
		var e Entry
		if err := rows.Scan(&ms, &e.Message); err != nil {
			return nil, err
		}
		e.Timestamp = time.UnixMilli(ms)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close releases the database and text mirror. It is safe to call more than once.
func (s *SQLite) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	var errs []error
	if s.text != nil {
		errs = append(errs, s.text.Close())
		s.text = nil
	}
	errs = append(errs, s.db.Close())
	return errors.Join(errs...)
}
