package logstore

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Backend names accepted by Open.
const (
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// Config selects where captured output is kept.
type Config struct {
	Backend string // "sqlite" (default) or "memory"
	Dir     string // directory holding <id>-<kind>.sqlite3 and <id>-<kind>.log
	Mirror  bool   // also write the plain-text <id>-<kind>.log file
}

// Open creates the store for one stream of one process.
func Open(cfg Config, id string, kind Kind) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", BackendSQLite:
		if cfg.Dir == "" {
			return nil, fmt.Errorf("log store directory is not configured")
		}
		base := filepath.Join(cfg.Dir, fmt.Sprintf("%s-%s", id, kind))
		text := ""
		if cfg.Mirror {
			text = base + ".log"
		}
		return OpenSQLite(base+".sqlite3", text)
	case BackendMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unsupported log store backend %q", cfg.Backend)
	}
}
