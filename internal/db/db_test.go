package db

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// testStore opens a fresh database in a temp dir with a single kv table.
func testStore(t *testing.T) (*Store, string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "test.db")

	sqlDB, err := OpenSQLite(DefaultSqliteConfig(path))
	require.NoError(t, err)

	store := NewStore(sqlDB, nil)
	t.Cleanup(func() {
		store.Close()
	})

	_, err = store.DB().Exec(
		"CREATE TABLE kv (k TEXT PRIMARY KEY, v TEXT NOT NULL)",
	)
	require.NoError(t, err)

	return store, path
}

func TestWithTxCommitAndRollback(t *testing.T) {
	t.Parallel()

	store, _ := testStore(t)
	ctx := context.Background()

	err := store.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(
			ctx, "INSERT INTO kv (k, v) VALUES ('a', '1')",
		)
		return err
	})
	require.NoError(t, err)

	errBoom := errors.New("boom")
	err = store.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(
			ctx, "INSERT INTO kv (k, v) VALUES ('b', '2')",
		)
		require.NoError(t, err)

		return errBoom
	})
	require.ErrorIs(t, err, errBoom)

	var count int
	err = store.WithReadTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		return tx.QueryRowContext(
			ctx, "SELECT COUNT(*) FROM kv",
		).Scan(&count)
	})
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestDuplicateKeyIsUniqueViolation(t *testing.T) {
	t.Parallel()

	store, _ := testStore(t)

	_, err := store.DB().Exec("INSERT INTO kv (k, v) VALUES ('a', '1')")
	require.NoError(t, err)

	_, err = store.DB().Exec("INSERT INTO kv (k, v) VALUES ('a', '2')")
	require.True(t, IsUniqueConstraintViolation(MapSQLError(err)))
}

func TestReadOnlyConnectionRejectsWrites(t *testing.T) {
	t.Parallel()

	_, path := testStore(t)

	cfg := DefaultSqliteConfig(path)
	cfg.ReadOnly = true

	roDB, err := OpenSQLite(cfg)
	require.NoError(t, err)
	defer roDB.Close()

	var count int
	err = roDB.QueryRow("SELECT COUNT(*) FROM kv").Scan(&count)
	require.NoError(t, err)

	_, err = roDB.Exec("INSERT INTO kv (k, v) VALUES ('x', 'y')")
	require.ErrorIs(t, MapSQLError(err), ErrReadOnlyDatabase)
}

func TestReadOnlyOpenMissingFile(t *testing.T) {
	t.Parallel()

	cfg := DefaultSqliteConfig(filepath.Join(t.TempDir(), "missing.db"))
	cfg.ReadOnly = true

	_, err := OpenSQLite(cfg)
	require.Error(t, err)
}

// TestImmediateTxContention checks that a second writer fails fast with a
// serialization error while the first holds the write lock.
func TestImmediateTxContention(t *testing.T) {
	t.Parallel()

	_, path := testStore(t)
	ctx := context.Background()

	cfg := SqliteConfig{
		Path:        path,
		ImmediateTx: true,
	}

	first, err := OpenSQLite(cfg)
	require.NoError(t, err)
	defer first.Close()

	second, err := OpenSQLite(cfg)
	require.NoError(t, err)
	defer second.Close()

	tx, err := first.BeginTx(ctx, nil)
	require.NoError(t, err)

	_, err = second.BeginTx(ctx, nil)
	require.Error(t, err)
	require.True(t, IsSerializationError(MapSQLError(err)))

	require.NoError(t, tx.Rollback())

	tx2, err := second.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, tx2.Rollback())
}

func TestExecTxRetriesLockErrors(t *testing.T) {
	t.Parallel()

	store, _ := testStore(t)
	ctx := context.Background()

	identity := func(tx *sql.Tx) *sql.Tx { return tx }
	exec := NewTransactionExecutor(
		NewBaseDB(store.DB()), identity, nil,
		WithTxRetries(3), WithTxRetryDelay(time.Millisecond),
	)

	lockErr := &ErrSerializationError{DBError: errors.New("busy")}

	var attempts int
	err := exec.ExecTx(ctx, WriteTxOption(), func(*sql.Tx) error {
		attempts++
		return lockErr
	})
	require.ErrorIs(t, err, ErrRetriesExceeded)
	require.True(t, IsSerializationError(err))
	require.Equal(t, 3, attempts)

	// Succeeding on a later attempt commits normally.
	attempts = 0
	err = exec.ExecTx(ctx, WriteTxOption(), func(tx *sql.Tx) error {
		attempts++
		if attempts < 2 {
			return lockErr
		}

		_, err := tx.ExecContext(
			ctx, "INSERT INTO kv (k, v) VALUES ('r', 'ok')",
		)
		return err
	})
	require.NoError(t, err)
	require.Equal(t, 2, attempts)

	// Other errors are returned without a retry.
	attempts = 0
	errBoom := errors.New("boom")
	err = exec.ExecTx(ctx, WriteTxOption(), func(*sql.Tx) error {
		attempts++
		return errBoom
	})
	require.ErrorIs(t, err, errBoom)
	require.Equal(t, 1, attempts)
}

// TestStoreRetryOptions checks that the retry options given to NewStore
// bound the attempts of WithTx.
func TestStoreRetryOptions(t *testing.T) {
	t.Parallel()

	sqlDB, err := OpenSQLite(DefaultSqliteConfig(
		filepath.Join(t.TempDir(), "retry.db"),
	))
	require.NoError(t, err)

	store := NewStore(
		sqlDB, nil, WithTxRetries(2), WithTxRetryDelay(time.Millisecond),
	)
	t.Cleanup(func() {
		store.Close()
	})

	var attempts int
	err = store.WithTx(context.Background(),
		func(context.Context, *sql.Tx) error {
			attempts++
			return &ErrDeadlockError{DBError: errors.New("locked")}
		},
	)
	require.ErrorIs(t, err, ErrRetriesExceeded)
	require.Equal(t, 2, attempts)
}

func TestRandRetryDelayBounds(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		initial := time.Duration(
			rapid.Int64Range(2, int64(time.Second)).Draw(t, "initial"),
		)
		maxDelay := time.Duration(
			rapid.Int64Range(
				int64(initial), int64(10*time.Second),
			).Draw(t, "max"),
		)
		attempt := rapid.IntRange(0, 64).Draw(t, "attempt")

		opts := &txExecutorOptions{
			numRetries:        1,
			initialRetryDelay: initial,
			maxRetryDelay:     maxDelay,
		}

		delay := opts.randRetryDelay(attempt)
		require.Positive(t, delay)

		if attempt == 0 {
			require.GreaterOrEqual(t, delay, initial/2)
			require.Less(t, delay, initial/2+initial)
		} else {
			require.LessOrEqual(t, delay, maxDelay)
		}
	})
}

var testMigrations = fstest.MapFS{
	"migrations/000001_init.up.sql": &fstest.MapFile{
		Data: []byte("CREATE TABLE widgets (id INTEGER PRIMARY KEY);"),
	},
	"migrations/000001_init.down.sql": &fstest.MapFile{
		Data: []byte("DROP TABLE widgets;"),
	},
}

func TestApplyMigrations(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "migrate.db")
	sqlDB, err := OpenSQLite(DefaultSqliteConfig(path))
	require.NoError(t, err)
	defer sqlDB.Close()

	ctx := context.Background()
	set := MigrationSet{
		FS:            testMigrations,
		Dir:           "migrations",
		Table:         "widget_migrations",
		LatestVersion: 1,
	}

	require.NoError(t, ApplyMigrations(ctx, sqlDB, set, nil))

	// Applying again is a no-op.
	require.NoError(t, ApplyMigrations(ctx, sqlDB, set, nil))

	_, err = sqlDB.Exec("INSERT INTO widgets (id) VALUES (1)")
	require.NoError(t, err)

	// A binary that only knows older migrations refuses the database.
	set.LatestVersion = 0
	err = ApplyMigrations(ctx, sqlDB, set, nil)
	require.ErrorIs(t, err, ErrMigrationDowngrade)
}
