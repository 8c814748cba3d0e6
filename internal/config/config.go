// Package config loads the mailsync configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/roasbeef/mailsync/internal/build"
	"github.com/roasbeef/mailsync/internal/db"
	"github.com/roasbeef/mailsync/internal/flush"
	"github.com/roasbeef/mailsync/internal/index"
	"github.com/roasbeef/mailsync/internal/journal"
	"github.com/roasbeef/mailsync/internal/maildb"
	"github.com/roasbeef/mailsync/internal/query"
	"github.com/roasbeef/mailsync/internal/search"
)

const (
	// DefaultMailRoot is the mail root used when none is configured.
	DefaultMailRoot = "~/Mail"

	// DefaultLogLevel is the log level used when none is configured.
	DefaultLogLevel = "info"

	// DefaultMaxLogFiles is the number of rotated log files kept.
	DefaultMaxLogFiles = 3

	// DefaultMaxLogFileSize is the log file size in MB that triggers
	// rotation.
	DefaultMaxLogFileSize = 10
)

// DefaultExcludeTags are hidden from searches unless named in the query.
var DefaultExcludeTags = []string{"deleted", "spam"}

// IndexConfig locates the index.
type IndexConfig struct {
	// Root is the mail root holding the maildirs.
	Root string `toml:"root"`

	// Path overrides the index database location.
	Path string `toml:"path"`

	ReadOnly bool `toml:"read_only"`

	// LockTimeout bounds how long a flush waits for another writer.
	LockTimeout time.Duration `toml:"lock_timeout"`
}

// SearchConfig holds search defaults.
type SearchConfig struct {
	ExcludeTags []string   `toml:"exclude_tags"`
	BufferSize  int        `toml:"buffer_size"`
	DefaultSort query.Sort `toml:"default_sort"`
}

// FlushConfig controls the flush scheduler.
type FlushConfig struct {
	// RetryTimeout is the delay before a flush blocked by a locked index
	// is retried.
	RetryTimeout time.Duration `toml:"retry_timeout"`

	// AutoInterval flushes periodically when non-zero.
	AutoInterval time.Duration `toml:"auto_interval"`
}

// JournalConfig enables the durable mutation journal.
type JournalConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`

	// TxRetries bounds the attempts of a journal write that finds the
	// journal locked by another process. Zero keeps the store default.
	TxRetries int `toml:"tx_retries"`

	// TxRetryDelay is the initial backoff between those attempts. Zero
	// keeps the store default.
	TxRetryDelay time.Duration `toml:"tx_retry_delay"`
}

// LogConfig controls log output.
type LogConfig struct {
	// Dir enables the rotating log file when set.
	Dir         string `toml:"dir"`
	Level       string `toml:"level"`
	MaxFiles    int    `toml:"max_files"`
	MaxFileSize int    `toml:"max_file_size"`
}

// MetricsConfig enables the Prometheus listener.
type MetricsConfig struct {
	// Addr is the listen address, for example "127.0.0.1:9090". Empty
	// disables the listener.
	Addr string `toml:"addr"`
}

// Config is the full configuration.
type Config struct {
	Index   IndexConfig   `toml:"index"`
	Search  SearchConfig  `toml:"search"`
	Flush   FlushConfig   `toml:"flush"`
	Journal JournalConfig `toml:"journal"`
	Log     LogConfig     `toml:"log"`
	Metrics MetricsConfig `toml:"metrics"`

	// Queries are named queries saved into the index when missing.
	Queries map[string]string `toml:"queries"`
}

// DefaultConfig returns a Config with the default values.
func DefaultConfig() *Config {
	return &Config{
		Index: IndexConfig{
			Root: DefaultMailRoot,
		},
		Search: SearchConfig{
			ExcludeTags: append([]string(nil), DefaultExcludeTags...),
			BufferSize:  search.DefaultBufferSize,
			DefaultSort: query.NewestFirst,
		},
		Flush: FlushConfig{
			RetryTimeout: flush.DefaultRetryDelay,
		},
		Log: LogConfig{
			Level:       DefaultLogLevel,
			MaxFiles:    DefaultMaxLogFiles,
			MaxFileSize: DefaultMaxLogFileSize,
		},
		Queries: map[string]string{
			"inbox":  "tag:inbox",
			"unread": "tag:unread",
		},
	}
}

// DefaultPath returns the default configuration file location.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return filepath.Join("~", ".config", "mailsync", "config.toml")
	}

	return filepath.Join(dir, "mailsync", "config.toml")
}

// LoadConfig reads the file at path over the defaults. A missing file
// yields the defaults. Unknown keys are rejected.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	path, err := ExpandPath(path)
	if err != nil {
		return nil, err
	}

	md, err := toml.DecodeFile(path, cfg)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return cfg, cfg.expand()

	case err != nil:
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		sort.Strings(keys)

		return nil, fmt.Errorf("config %s: unknown keys: %s", path,
			strings.Join(keys, ", "))
	}

	if err := cfg.expand(); err != nil {
		return nil, err
	}

	return cfg, cfg.Validate()
}

// expand resolves ~ in every path.
func (c *Config) expand() error {
	for _, p := range []*string{
		&c.Index.Root, &c.Index.Path, &c.Journal.Path, &c.Log.Dir,
	} {
		expanded, err := ExpandPath(*p)
		if err != nil {
			return err
		}
		*p = expanded
	}

	return nil
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.Index.Root == "" {
		return fmt.Errorf("index.root must be set")
	}
	if c.Index.LockTimeout < 0 {
		return fmt.Errorf("index.lock_timeout must not be negative")
	}
	if c.Search.BufferSize <= 0 {
		return fmt.Errorf("search.buffer_size must be positive, got %d",
			c.Search.BufferSize)
	}
	if c.Flush.RetryTimeout < 0 || c.Flush.AutoInterval < 0 {
		return fmt.Errorf("flush intervals must not be negative")
	}
	if _, _, err := build.ParseLevelSpec(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if c.Journal.TxRetries < 0 || c.Journal.TxRetryDelay < 0 {
		return fmt.Errorf("journal retry settings must not be negative")
	}
	if c.Log.MaxFiles < 0 || c.Log.MaxFileSize < 0 {
		return fmt.Errorf("log rotation limits must not be negative")
	}

	for name, q := range c.Queries {
		if name == "" {
			return fmt.Errorf("named query with empty name")
		}
		if _, err := query.Parse(q); err != nil {
			return fmt.Errorf("named query %s: %w", name, err)
		}
	}

	for _, tag := range c.Search.ExcludeTags {
		if tag == "" {
			return fmt.Errorf("search.exclude_tags contains an empty " +
				"tag")
		}
	}

	return nil
}

// IndexConfig returns the engine configuration.
func (c *Config) IndexConfig() index.Config {
	return index.Config{
		Root:        c.Index.Root,
		Path:        c.Index.Path,
		LockTimeout: c.Index.LockTimeout,
	}
}

// JournalPath returns the journal database location, next to the index by
// default.
func (c *Config) JournalPath() string {
	if c.Journal.Path != "" {
		return c.Journal.Path
	}

	return filepath.Join(
		filepath.Dir(c.IndexConfig().DBPath()), journal.DefaultFileName,
	)
}

// JournalStoreOptions returns the transaction retry options of the journal
// store.
func (c *Config) JournalStoreOptions() []db.TxExecutorOption {
	var opts []db.TxExecutorOption
	if c.Journal.TxRetries > 0 {
		opts = append(opts, db.WithTxRetries(c.Journal.TxRetries))
	}
	if c.Journal.TxRetryDelay > 0 {
		opts = append(opts, db.WithTxRetryDelay(c.Journal.TxRetryDelay))
	}

	return opts
}

// GatewayConfig returns the gateway configuration. The journal and metrics
// are attached by the caller.
func (c *Config) GatewayConfig() maildb.Config {
	return maildb.Config{
		Index:       c.IndexConfig(),
		ReadOnly:    c.Index.ReadOnly,
		ExcludeTags: c.Search.ExcludeTags,
	}
}

// FlushSchedulerConfig returns the flush scheduler configuration.
func (c *Config) FlushSchedulerConfig() flush.Config {
	return flush.Config{
		RetryDelay: c.Flush.RetryTimeout,
		Interval:   c.Flush.AutoInterval,
	}
}

// ExpandPath replaces a leading ~ with the home directory.
func ExpandPath(p string) (string, error) {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("expand %s: %w", p, err)
	}

	return filepath.Join(home, strings.TrimPrefix(p, "~")), nil
}
