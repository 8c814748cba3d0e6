package db

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	// DefaultBusyTimeout is how long a connection waits on a competing
	// writer before SQLite reports SQLITE_BUSY.
	DefaultBusyTimeout = 5 * time.Second
)

// SqliteConfig describes how a SQLite database file should be opened.
type SqliteConfig struct {
	// Path is the location of the database file.
	Path string

	// ReadOnly opens the file with mode=ro. The file must already exist.
	ReadOnly bool

	// BusyTimeout bounds how long a statement waits for a lock held by
	// another connection. Zero means fail immediately.
	BusyTimeout time.Duration

	// ImmediateTx makes every BEGIN take the write lock up front
	// (BEGIN IMMEDIATE) instead of on the first write.
	ImmediateTx bool
}

// DefaultSqliteConfig returns a read-write configuration for the given path
// using the default busy timeout.
func DefaultSqliteConfig(path string) SqliteConfig {
	return SqliteConfig{
		Path:        path,
		BusyTimeout: DefaultBusyTimeout,
	}
}

// dsn builds the go-sqlite3 connection string for the config.
func (c SqliteConfig) dsn() string {
	params := url.Values{}
	params.Set("_foreign_keys", "on")

	// go-sqlite3 falls back to a 5s timeout when the parameter is absent,
	// so it is always passed explicitly.
	params.Set(
		"_busy_timeout",
		fmt.Sprintf("%d", c.BusyTimeout.Milliseconds()),
	)

	if c.ReadOnly {
		params.Set("mode", "ro")
	} else {
		params.Set("_journal_mode", "WAL")
	}

	if c.ImmediateTx {
		params.Set("_txlock", "immediate")
	}

	return fmt.Sprintf("file:%s?%s", c.Path, params.Encode())
}

// OpenSQLite opens a SQLite database connection with WAL mode enabled and
// appropriate pragmas for performance and reliability.
func OpenSQLite(cfg SqliteConfig) (*sql.DB, error) {
	if cfg.ReadOnly {
		if _, err := os.Stat(cfg.Path); err != nil {
			return nil, fmt.Errorf("database %s: %w", cfg.Path, err)
		}
	} else {
		dir := filepath.Dir(cfg.Path)
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create database "+
				"directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", cfg.dsn())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// A single connection per handle. Write handles rely on this so the
	// transaction that holds the lock and every statement issued through
	// the handle share one connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := configurePragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure database: %w",
			MapSQLError(err))
	}

	return db, nil
}

// configurePragmas sets additional SQLite pragmas for optimal performance.
func configurePragmas(db *sql.DB) error {
	pragmas := []string{
		// NORMAL is durable enough under WAL.
		"PRAGMA synchronous = NORMAL",

		// Negative value is in KiB, 16MB cache.
		"PRAGMA cache_size = -16384",

		"PRAGMA temp_store = MEMORY",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}
