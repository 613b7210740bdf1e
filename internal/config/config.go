package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/procm/internal/allowlist"
	"github.com/loykin/procm/internal/env"
	"github.com/loykin/procm/internal/logger"
	"github.com/loykin/procm/internal/logstore"
	"github.com/loykin/procm/internal/manager"
	"github.com/loykin/procm/internal/tool"
)

// EnvPrefix prefixes environment overrides, e.g. PROCM_KILL_TIMEOUT=5s or
// PROCM_SERVER_LISTEN=:9000.
const EnvPrefix = "PROCM"

// Config represents the TOML configuration file.
//
//	data_dir = "/var/lib/procm"
//	kill_timeout = "10s"
//	history = ["sqlite:///var/lib/procm/history.db"]
//
//	[logs]
//	backend = "sqlite"
//
//	[server]
//	listen = "127.0.0.1:7070"
type Config struct {
	DataDir           string        `mapstructure:"data_dir"`
	ServerID          string        `mapstructure:"server_id"`
	KillTimeout       time.Duration `mapstructure:"kill_timeout"`
	ForceKillWait     time.Duration `mapstructure:"force_kill_wait"`
	DrainTimeout      time.Duration `mapstructure:"drain_timeout"`
	DefaultChunkCount int           `mapstructure:"default_chunk_count"`
	AllowlistPath     string        `mapstructure:"allowlist_path"`

	Env      []string `mapstructure:"env"`
	EnvFiles []string `mapstructure:"env_files"`
	UseOSEnv bool     `mapstructure:"use_os_env"`

	Logs    LogsConfig    `mapstructure:"logs"`
	Log     LogConfig     `mapstructure:"log"`
	Server  ServerConfig  `mapstructure:"server"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	History []string      `mapstructure:"history"`
}

// LogsConfig selects the store for captured process output.
type LogsConfig struct {
	Backend string `mapstructure:"backend"`
	Mirror  bool   `mapstructure:"mirror"`
}

// LogConfig controls procm's own diagnostic log.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Path       string `mapstructure:"path"`
	Console    bool   `mapstructure:"console"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

type ServerConfig struct {
	Listen   string `mapstructure:"listen"`
	BasePath string `mapstructure:"base_path"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"` // separate listener; empty mounts /metrics on the server
}

// DefaultDataDir is ~/.procm, or ./.procm when the home directory is unknown.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".procm"
	}
	return filepath.Join(home, ".procm")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", DefaultDataDir())
	v.SetDefault("server_id", "")
	v.SetDefault("kill_timeout", manager.DefaultKillTimeout)
	v.SetDefault("force_kill_wait", manager.DefaultForceKillWait)
	v.SetDefault("drain_timeout", manager.DefaultDrainTimeout)
	v.SetDefault("default_chunk_count", tool.DefaultChunkCount)
	v.SetDefault("allowlist_path", "")
	v.SetDefault("env", []string{})
	v.SetDefault("env_files", []string{})
	v.SetDefault("use_os_env", true)
	v.SetDefault("logs.backend", logstore.BackendSQLite)
	v.SetDefault("logs.mirror", true)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.path", "")
	v.SetDefault("log.console", false)
	v.SetDefault("log.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.compress", false)
	v.SetDefault("server.listen", "127.0.0.1:7070")
	v.SetDefault("server.base_path", "/api")
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", "")
	v.SetDefault("history", []string{})
}

// Load reads path (TOML) on top of the defaults and applies PROCM_* environment
// overrides. An empty path loads defaults and environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.DataDir) == "" {
		errs = append(errs, errors.New("data_dir must not be empty"))
	}
	if c.KillTimeout <= 0 {
		errs = append(errs, fmt.Errorf("kill_timeout must be positive, got %s", c.KillTimeout))
	}
	if c.ForceKillWait <= 0 {
		errs = append(errs, fmt.Errorf("force_kill_wait must be positive, got %s", c.ForceKillWait))
	}
	if c.DrainTimeout <= 0 {
		errs = append(errs, fmt.Errorf("drain_timeout must be positive, got %s", c.DrainTimeout))
	}
	if c.DefaultChunkCount <= 0 {
		errs = append(errs, fmt.Errorf("default_chunk_count must be positive, got %d", c.DefaultChunkCount))
	}
	switch strings.ToLower(c.Logs.Backend) {
	case "", logstore.BackendSQLite, logstore.BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown logs.backend %q", c.Logs.Backend))
	}
	return errors.Join(errs...)
}

// ServerDir is the per-run directory <data_dir>/<serverID>(<pid>).
func (c *Config) ServerDir(serverID string, pid int) string {
	return filepath.Join(c.DataDir, fmt.Sprintf("%s(%d)", serverID, pid))
}

// AllowlistFile resolves the allowlist document location.
func (c *Config) AllowlistFile() string {
	if c.AllowlistPath != "" {
		return c.AllowlistPath
	}
	return filepath.Join(c.DataDir, allowlist.FileName)
}

// LogStore returns the output store settings for a server directory.
func (c *Config) LogStore(serverDir string) logstore.Config {
	return logstore.Config{
		Backend: c.Logs.Backend,
		Dir:     filepath.Join(serverDir, "processes"),
		Mirror:  c.Logs.Mirror,
	}
}

// Logger returns the diagnostic log settings for a server directory.
func (c *Config) Logger(serverDir string) logger.Config {
	return logger.Config{
		Dir:        serverDir,
		Path:       c.Log.Path,
		Level:      c.Log.Level,
		Console:    c.Log.Console,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
		Compress:   c.Log.Compress,
	}
}

// BuildEnv composes the environment base for spawned processes: the OS
// environment when use_os_env is set, then env_files in order, then env.
func (c *Config) BuildEnv() (*env.Env, error) {
	e := env.New()
	if c.UseOSEnv {
		e.FromOS()
	} else {
		e.WithBase(nil)
	}
	for _, p := range c.EnvFiles {
		pairs, err := loadEnvFile(p)
		if err != nil {
			return nil, fmt.Errorf("env file %s: %w", p, err)
		}
		for k, v := range pairs {
			e.Set(k, v)
		}
	}
	for _, kv := range c.Env {
		if i := strings.IndexByte(kv, '='); i > 0 {
			e.Set(kv[:i], kv[i+1:])
		}
	}
	return e, nil
}

// LoadEnvFile parses a simple .env file and returns a slice of "KEY=VALUE" entries.
func LoadEnvFile(path string) ([]string, error) {
	m, err := loadEnvFile(path)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	return out, nil
}

// loadEnvFile parses KEY=VALUE lines (no export, no quotes). Lines starting with # are ignored.
func loadEnvFile(path string) (map[string]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	m := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i > 0 {
			m[strings.TrimSpace(line[:i])] = strings.TrimSpace(line[i+1:])
		}
	}
	return m, nil
}
