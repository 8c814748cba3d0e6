// Package index is a SQLite-backed mail index. It supports the operations the
// synchronization layer needs from a notmuch-style engine: read-only and
// single-writer handles, nested atomic sections, threaded message storage,
// tags, named queries and query-driven search.
package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/roasbeef/mailsync/internal/db"
	"github.com/roasbeef/mailsync/internal/query"
)

const (
	// DefaultDirName is the directory under the mail root holding the
	// index database.
	DefaultDirName = ".mailsync"

	// DefaultFileName is the file name of the index database.
	DefaultFileName = "index.db"
)

// Mode selects how a handle is opened.
type Mode int

const (
	// ModeReadOnly handles can run queries concurrently with a writer.
	ModeReadOnly Mode = iota

	// ModeReadWrite handles hold the single-writer lock from Open until
	// Close or Abort.
	ModeReadWrite
)

// String returns a human readable mode name.
func (m Mode) String() string {
	if m == ModeReadWrite {
		return "read-write"
	}

	return "read-only"
}

// Config locates an index.
type Config struct {
	// Root is the mail root. Indexed file paths are stored relative to it.
	Root string

	// Path overrides the database file location. It defaults to
	// <Root>/.mailsync/index.db.
	Path string

	// LockTimeout bounds how long a read-write Open waits for another
	// writer. Zero fails immediately.
	LockTimeout time.Duration
}

// DBPath returns the location of the database file.
func (c Config) DBPath() string {
	if c.Path != "" {
		return c.Path
	}

	return filepath.Join(c.Root, DefaultDirName, DefaultFileName)
}

// Create initializes the index database for cfg, or upgrades its schema if
// it already exists.
func Create(ctx context.Context, cfg Config) error {
	path := cfg.DBPath()

	sqlDB, err := db.OpenSQLite(db.DefaultSqliteConfig(path))
	if err != nil {
		return fmt.Errorf("create index: %w", err)
	}
	defer sqlDB.Close()

	err = db.ApplyMigrations(
		ctx, sqlDB, migrationSet, log, db.WithBackup(path),
	)
	if err != nil {
		return fmt.Errorf("migrate index: %w", err)
	}

	log.DebugS(ctx, "Index ready", "path", path)

	return nil
}

// Database is an open handle to the index. A handle is not safe for
// concurrent use; open one handle per goroutine instead.
type Database struct {
	cfg  Config
	mode Mode

	sqlDB *sql.DB

	// tx is the write transaction holding the index lock. It is nil for
	// read-only handles.
	tx *sql.Tx

	atomicDepth int
	closed      bool
}

// Open opens a handle to an existing index. A read-write handle takes the
// index lock immediately and returns ErrLocked if another writer holds it.
// The write transaction is bound to ctx: canceling ctx rolls it back.
func Open(ctx context.Context, cfg Config, mode Mode) (*Database, error) {
	path := cfg.DBPath()
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w at %s", ErrNoIndex, path)
		}

		return nil, err
	}

	sqlCfg := db.SqliteConfig{
		Path:        path,
		ReadOnly:    mode == ModeReadOnly,
		BusyTimeout: db.DefaultBusyTimeout,
	}
	if mode == ModeReadWrite {
		sqlCfg.BusyTimeout = cfg.LockTimeout
		sqlCfg.ImmediateTx = true
	}

	sqlDB, err := db.OpenSQLite(sqlCfg)
	if err != nil {
		if db.IsSerializationOrDeadlockError(err) {
			return nil, fmt.Errorf("%w: %w", ErrLocked, err)
		}

		return nil, fmt.Errorf("open index: %w", err)
	}

	d := &Database{
		cfg:   cfg,
		mode:  mode,
		sqlDB: sqlDB,
	}

	if mode == ModeReadOnly {
		return d, nil
	}

	tx, err := sqlDB.BeginTx(ctx, nil)
	if err != nil {
		sqlDB.Close()

		dbErr := db.MapSQLError(err)
		if db.IsSerializationOrDeadlockError(dbErr) {
			return nil, fmt.Errorf("%w: %w", ErrLocked, dbErr)
		}

		return nil, fmt.Errorf("begin write transaction: %w", dbErr)
	}
	d.tx = tx

	log.TraceS(ctx, "Opened write handle", "path", path)

	return d, nil
}

// Mode returns the mode the handle was opened in.
func (d *Database) Mode() Mode {
	return d.mode
}

// Config returns the configuration the handle was opened with.
func (d *Database) Config() Config {
	return d.cfg
}

// q returns the querier statements run against.
func (d *Database) q() db.Querier {
	if d.tx != nil {
		return d.tx
	}

	return d.sqlDB
}

// checkOpen returns ErrClosed for closed handles.
func (d *Database) checkOpen() error {
	if d.closed {
		return ErrClosed
	}

	return nil
}

// checkWritable returns an error unless the handle is open for writing.
func (d *Database) checkWritable() error {
	if err := d.checkOpen(); err != nil {
		return err
	}
	if d.mode != ModeReadWrite {
		return ErrReadOnly
	}

	return nil
}

func savepointName(depth int) string {
	return fmt.Sprintf("atomic_%d", depth)
}

// BeginAtomic opens an atomic section. Sections nest; all changes made inside
// the outermost section become visible together or not at all.
func (d *Database) BeginAtomic(ctx context.Context) error {
	if err := d.checkWritable(); err != nil {
		return err
	}

	stmt := "SAVEPOINT " + savepointName(d.atomicDepth+1)
	if _, err := d.tx.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("begin atomic: %w", db.MapSQLError(err))
	}
	d.atomicDepth++

	return nil
}

// EndAtomic closes the innermost atomic section.
func (d *Database) EndAtomic(ctx context.Context) error {
	if err := d.checkWritable(); err != nil {
		return err
	}
	if d.atomicDepth == 0 {
		return ErrUnbalancedAtomic
	}

	stmt := "RELEASE " + savepointName(d.atomicDepth)
	if _, err := d.tx.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("end atomic: %w", db.MapSQLError(err))
	}
	d.atomicDepth--

	return nil
}

// AtomicDepth returns the number of open atomic sections.
func (d *Database) AtomicDepth() int {
	return d.atomicDepth
}

// Close releases the handle. For a read-write handle, changes made outside
// any open atomic section are committed and changes inside an unfinished
// atomic section are discarded. Closing twice is a no-op.
func (d *Database) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true

	defer d.sqlDB.Close()

	if d.tx == nil {
		return nil
	}

	if d.atomicDepth > 0 {
		log.Warnf("Discarding %d unfinished atomic section(s) of %s",
			d.atomicDepth, d.cfg.DBPath())

		outer := savepointName(1)
		_, err := d.tx.Exec("ROLLBACK TO " + outer)
		if err == nil {
			_, err = d.tx.Exec("RELEASE " + outer)
		}
		if err != nil {
			_ = d.tx.Rollback()
			return fmt.Errorf("discard atomic section: %w",
				db.MapSQLError(err))
		}
		d.atomicDepth = 0
	}

	if err := d.tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", db.MapSQLError(err))
	}

	return nil
}

// Abort releases the handle and discards every change made through it.
func (d *Database) Abort() error {
	if d.closed {
		return nil
	}
	d.closed = true

	defer d.sqlDB.Close()

	if d.tx == nil {
		return nil
	}

	if err := d.tx.Rollback(); err != nil &&
		!errors.Is(err, sql.ErrTxDone) {

		return fmt.Errorf("rollback: %w", db.MapSQLError(err))
	}

	return nil
}

// resolver returns a query.Resolver reading the named_queries table.
func (d *Database) resolver(ctx context.Context) query.Resolver {
	return func(name string) (string, error) {
		var text string
		err := d.q().QueryRowContext(
			ctx, "SELECT query FROM named_queries WHERE name = ?",
			name,
		).Scan(&text)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return "", fmt.Errorf("%w: %s", query.ErrUnknownQuery,
				name)

		case err != nil:
			return "", db.MapSQLError(err)
		}

		return text, nil
	}
}

// compile parses and compiles q, expanding named queries from the index.
func (d *Database) compile(ctx context.Context,
	q string) (*query.Compiled, error) {

	compiled, err := query.ParseAndCompile(q, d.resolver(ctx))
	if err != nil {
		return nil, fmt.Errorf("query %q: %w", q, err)
	}

	return compiled, nil
}

// NamedQueries returns every saved query keyed by name.
func (d *Database) NamedQueries(ctx context.Context) (map[string]string,
	error) {

	if err := d.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := d.q().QueryContext(
		ctx, "SELECT name, query FROM named_queries ORDER BY name",
	)
	if err != nil {
		return nil, db.MapSQLError(err)
	}
	defer rows.Close()

	queries := make(map[string]string)
	for rows.Next() {
		var name, text string
		if err := rows.Scan(&name, &text); err != nil {
			return nil, err
		}
		queries[name] = text
	}

	return queries, rows.Err()
}

// SetNamedQuery saves or replaces a named query. The query text must parse.
func (d *Database) SetNamedQuery(ctx context.Context, name,
	text string) error {

	if err := d.checkWritable(); err != nil {
		return err
	}
	if name == "" {
		return fmt.Errorf("named query: empty name")
	}
	if _, err := query.Parse(text); err != nil {
		return fmt.Errorf("named query %s: %w", name, err)
	}

	_, err := d.tx.ExecContext(ctx, `
		INSERT INTO named_queries (name, query) VALUES (?, ?)
		ON CONFLICT (name) DO UPDATE SET query = excluded.query`,
		name, text,
	)
	if err != nil {
		return fmt.Errorf("save named query %s: %w", name,
			db.MapSQLError(err))
	}

	return nil
}

// RemoveNamedQuery deletes a named query.
func (d *Database) RemoveNamedQuery(ctx context.Context, name string) error {
	if err := d.checkWritable(); err != nil {
		return err
	}

	res, err := d.tx.ExecContext(
		ctx, "DELETE FROM named_queries WHERE name = ?", name,
	)
	if err != nil {
		return fmt.Errorf("remove named query %s: %w", name,
			db.MapSQLError(err))
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("named query %s: %w", name, ErrNotFound)
	}

	return nil
}

// AllTags returns every tag in use, sorted.
func (d *Database) AllTags(ctx context.Context) ([]string, error) {
	if err := d.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := d.q().QueryContext(
		ctx, "SELECT DISTINCT tag FROM tags ORDER BY tag",
	)
	if err != nil {
		return nil, db.MapSQLError(err)
	}

	return scanStrings(rows)
}

// AllFiles returns the path of every indexed file relative to the mail
// root, sorted.
func (d *Database) AllFiles(ctx context.Context) ([]string, error) {
	if err := d.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := d.q().QueryContext(
		ctx, "SELECT path FROM message_files ORDER BY path",
	)
	if err != nil {
		return nil, db.MapSQLError(err)
	}

	return scanStrings(rows)
}

// scanStrings drains a single string column result set and closes it.
func scanStrings(rows *sql.Rows) ([]string, error) {
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}

	return out, rows.Err()
}

// sortedKeys returns the keys of set in ascending order.
func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	return keys
}
