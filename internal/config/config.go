// Package config loads client and server settings from a YAML file with
// TASKLYTIC_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/tasklytic/tasklytic/internal/engine"
	"github.com/tasklytic/tasklytic/internal/protocol"
)

// EnvPrefix prefixes environment overrides: sync.interval is read from
// TASKLYTIC_SYNC_INTERVAL.
const EnvPrefix = "TASKLYTIC"

// ErrNotInitialized is returned by Validate when the identity is missing.
var ErrNotInitialized = errors.New("tasklytic is not initialized; run 'tasklytic init'")

type Identity struct {
	UserID      string `mapstructure:"user_id"`
	WorkspaceID string `mapstructure:"workspace_id"`
	ClientID    string `mapstructure:"client_id"`
}

type Store struct {
	Engine engine.Kind `mapstructure:"engine"`
	Path   string      `mapstructure:"path"`
}

type Server struct {
	// URL is where clients reach the server. Empty means offline only.
	URL string `mapstructure:"url"`
	// Addr and DBPath configure 'tasklytic serve'.
	Addr   string `mapstructure:"addr"`
	DBPath string `mapstructure:"db_path"`
}

type Sync struct {
	Interval             time.Duration `mapstructure:"interval"`
	BaseBackoff          time.Duration `mapstructure:"base_backoff"`
	MaxBackoff           time.Duration `mapstructure:"max_backoff"`
	CallTimeout          time.Duration `mapstructure:"call_timeout"`
	BatchSize            int           `mapstructure:"batch_size"`
	PullPageSize         int           `mapstructure:"pull_page_size"`
	RealtimeDebounce     time.Duration `mapstructure:"realtime_debounce"`
	StorageWarnThreshold int64         `mapstructure:"storage_warn_threshold"`
}

type Log struct {
	// File, when set, receives logs instead of stderr and is rotated.
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Verbose    bool   `mapstructure:"verbose"`
}

// Config is the complete set of settings.
type Config struct {
	Identity Identity `mapstructure:"identity"`
	Store    Store    `mapstructure:"store"`
	Server   Server   `mapstructure:"server"`
	Sync     Sync     `mapstructure:"sync"`
	Log      Log      `mapstructure:"log"`
}

// Dir returns the configuration directory.
func Dir() string {
	configHome := os.Getenv("XDG_CONFIG_HOME")
	if configHome == "" {
		home, _ := os.UserHomeDir()
		configHome = filepath.Join(home, ".config")
	}
	return filepath.Join(configHome, "tasklytic")
}

// DataDir returns the directory holding local databases.
func DataDir() string {
	dataHome := os.Getenv("XDG_DATA_HOME")
	if dataHome == "" {
		home, _ := os.UserHomeDir()
		dataHome = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataHome, "tasklytic")
}

// DefaultPath returns the default config file path.
func DefaultPath() string {
	return filepath.Join(Dir(), "config.yaml")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("identity.user_id", "")
	v.SetDefault("identity.workspace_id", "")
	v.SetDefault("identity.client_id", "")

	v.SetDefault("store.engine", string(engine.KindSQLite))
	v.SetDefault("store.path", filepath.Join(DataDir(), "local.db"))

	v.SetDefault("server.url", "")
	v.SetDefault("server.addr", "127.0.0.1:7420")
	v.SetDefault("server.db_path", filepath.Join(DataDir(), "server.db"))

	v.SetDefault("sync.interval", 30*time.Second)
	v.SetDefault("sync.base_backoff", time.Second)
	v.SetDefault("sync.max_backoff", 5*time.Minute)
	v.SetDefault("sync.call_timeout", 15*time.Second)
	v.SetDefault("sync.batch_size", 50)
	v.SetDefault("sync.pull_page_size", 200)
	v.SetDefault("sync.realtime_debounce", 250*time.Millisecond)
	v.SetDefault("sync.storage_warn_threshold", 3)

	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
	v.SetDefault("log.verbose", false)
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Default returns the settings used when no file or environment override
// exists.
func Default() *Config {
	cfg := &Config{}
	// Defaults always decode.
	_ = newViper().Unmarshal(cfg)
	return cfg
}

// Load reads the file at path, or DefaultPath if path is empty. A missing
// file is not an error; defaults and environment overrides still apply.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}

	v := newViper()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	cfg.Store.Path = expandHome(cfg.Store.Path)
	cfg.Server.DBPath = expandHome(cfg.Server.DBPath)
	cfg.Log.File = expandHome(cfg.Log.File)
	return cfg, nil
}

// Save writes cfg to path as YAML, creating the directory if needed.
func (c *Config) Save(path string) error {
	if path == "" {
		path = DefaultPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	v.Set("identity.user_id", c.Identity.UserID)
	v.Set("identity.workspace_id", c.Identity.WorkspaceID)
	v.Set("identity.client_id", c.Identity.ClientID)
	v.Set("store.engine", string(c.Store.Engine))
	v.Set("store.path", c.Store.Path)
	v.Set("server.url", c.Server.URL)
	v.Set("server.addr", c.Server.Addr)
	v.Set("server.db_path", c.Server.DBPath)
	v.Set("sync.interval", c.Sync.Interval.String())
	v.Set("sync.base_backoff", c.Sync.BaseBackoff.String())
	v.Set("sync.max_backoff", c.Sync.MaxBackoff.String())
	v.Set("sync.call_timeout", c.Sync.CallTimeout.String())
	v.Set("sync.batch_size", c.Sync.BatchSize)
	v.Set("sync.pull_page_size", c.Sync.PullPageSize)
	v.Set("sync.realtime_debounce", c.Sync.RealtimeDebounce.String())
	v.Set("sync.storage_warn_threshold", c.Sync.StorageWarnThreshold)
	v.Set("log.file", c.Log.File)
	v.Set("log.max_size_mb", c.Log.MaxSizeMB)
	v.Set("log.max_backups", c.Log.MaxBackups)
	v.Set("log.max_age_days", c.Log.MaxAgeDays)
	v.Set("log.verbose", c.Log.Verbose)

	v.SetConfigType("yaml")
	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return os.Chmod(path, 0600)
}

// Scope returns the identity as a request scope.
func (c *Config) Scope() protocol.Scope {
	return protocol.Scope{
		UserID:      c.Identity.UserID,
		WorkspaceID: c.Identity.WorkspaceID,
		ClientID:    c.Identity.ClientID,
	}
}

// Validate checks the settings a client needs.
func (c *Config) Validate() error {
	id := c.Identity
	if id.UserID == "" || id.WorkspaceID == "" || id.ClientID == "" {
		return ErrNotInitialized
	}
	switch c.Store.Engine {
	case engine.KindSQLite, engine.KindBadger:
	default:
		return fmt.Errorf("store.engine must be sqlite or badger (got %q)", c.Store.Engine)
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	if c.Sync.BatchSize < 1 || c.Sync.PullPageSize < 1 {
		return fmt.Errorf("sync.batch_size and sync.pull_page_size must be positive")
	}
	if c.Sync.MaxBackoff < c.Sync.BaseBackoff {
		return fmt.Errorf("sync.max_backoff must not be less than sync.base_backoff")
	}
	return nil
}

// Online reports whether a server is configured.
func (c *Config) Online() bool {
	return c.Server.URL != ""
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
