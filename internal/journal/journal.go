// Package journal is an optional durable mirror of the write queue. Every
// queued mutation is recorded before it is queued and marked delivered once
// committed, so mutations still pending when the process dies can be
// replayed on the next start.
package journal

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/roasbeef/mailsync/internal/db"
	"github.com/roasbeef/mailsync/internal/maildb"
)

// DefaultFileName is the journal database name next to the index.
const DefaultFileName = "journal.db"

// ErrNoJournal is returned by commands that need a journal when none is
// configured.
var ErrNoJournal = errors.New("journal is not enabled")

// LatestMigrationVersion is the newest journal schema version.
//
// NOTE: This MUST be updated when a new migration is added.
const LatestMigrationVersion uint = 1

//go:embed migrations/*.sql
var sqlSchemas embed.FS

var migrationSet = db.MigrationSet{
	FS:            sqlSchemas,
	Dir:           "migrations",
	Table:         "journal_migrations",
	LatestVersion: LatestMigrationVersion,
}

// Journal stores queued mutations in SQLite. It implements maildb.Journal.
type Journal struct {
	store *db.Store
}

var _ maildb.Journal = (*Journal)(nil)

// New wraps an open database, applying the journal schema. The options tune
// how writes retry while another process holds the journal.
func New(ctx context.Context, sqlDB *sql.DB,
	opts ...db.TxExecutorOption) (*Journal, error) {

	if err := db.ApplyMigrations(ctx, sqlDB, migrationSet, log); err != nil {
		return nil, fmt.Errorf("migrate journal: %w", err)
	}

	return &Journal{store: db.NewStore(sqlDB, log, opts...)}, nil
}

// Open opens or creates the journal database at path.
func Open(ctx context.Context, path string,
	opts ...db.TxExecutorOption) (*Journal, error) {

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}

	sqlDB, err := db.OpenSQLite(db.DefaultSqliteConfig(path))
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	j, err := New(ctx, sqlDB, opts...)
	if err != nil {
		sqlDB.Close()
		return nil, err
	}

	return j, nil
}

// Record stores m as pending. Recording a mutation that is already in the
// journal is a no-op, so replayed mutations can be queued again.
func (j *Journal) Record(ctx context.Context, m *maildb.Mutation) error {
	payload, err := PayloadOf(m).marshal()
	if err != nil {
		return err
	}

	return j.store.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO pending_mutations
				(id, kind, payload_json, created_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (id) DO NOTHING`,
			m.ID.String(), string(m.Kind), payload,
			m.EnqueuedAt.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("record mutation: %w",
				db.MapSQLError(err))
		}

		return nil
	})
}

// Delivered marks the mutation as committed.
func (j *Journal) Delivered(ctx context.Context, id uuid.UUID) error {
	return j.store.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE pending_mutations
			SET status = 'delivered', delivered_at = ?
			WHERE id = ?`,
			time.Now().UnixMilli(), id.String(),
		)
		if err != nil {
			return fmt.Errorf("mark delivered: %w",
				db.MapSQLError(err))
		}

		return nil
	})
}

const selectEntries = `
	SELECT seq, id, kind, payload_json, created_at, delivered_at, status
	FROM pending_mutations`

func (j *Journal) query(ctx context.Context, stmt string,
	args ...any) ([]Entry, error) {

	var entries []Entry
	err := j.store.WithReadTx(ctx, func(ctx context.Context,
		tx *sql.Tx) error {

		rows, err := tx.QueryContext(ctx, stmt, args...)
		if err != nil {
			return db.MapSQLError(err)
		}
		defer rows.Close()

		for rows.Next() {
			e, err := scanEntry(rows)
			if err != nil {
				return err
			}
			entries = append(entries, e)
		}

		return rows.Err()
	})

	return entries, err
}

func scanEntry(rows *sql.Rows) (Entry, error) {
	var (
		e           Entry
		id, kind    string
		payload     string
		status      string
		createdAt   int64
		deliveredAt sql.NullInt64
	)
	err := rows.Scan(
		&e.Seq, &id, &kind, &payload, &createdAt, &deliveredAt,
		&status,
	)
	if err != nil {
		return e, err
	}

	if e.ID, err = uuid.Parse(id); err != nil {
		return e, fmt.Errorf("entry %d: %w", e.Seq, err)
	}
	if e.Payload, err = unmarshalPayload(payload); err != nil {
		return e, fmt.Errorf("entry %d: %w", e.Seq, err)
	}

	e.Kind = maildb.Kind(kind)
	e.Status = Status(status)
	e.CreatedAt = time.UnixMilli(createdAt)
	if deliveredAt.Valid {
		e.DeliveredAt = fn.Some(time.UnixMilli(deliveredAt.Int64))
	}

	return e, nil
}

// List returns every entry in queue order.
func (j *Journal) List(ctx context.Context) ([]Entry, error) {
	return j.query(ctx, selectEntries+" ORDER BY seq")
}

// Replay returns the mutations that were never delivered, in the order they
// were queued, ready to be queued again.
func (j *Journal) Replay(ctx context.Context) ([]*maildb.Mutation, error) {
	entries, err := j.query(
		ctx, selectEntries+" WHERE status = ? ORDER BY seq",
		string(StatusPending),
	)
	if err != nil {
		return nil, err
	}

	mutations := make([]*maildb.Mutation, len(entries))
	for i, e := range entries {
		mutations[i] = e.Mutation()
	}

	if len(mutations) > 0 {
		log.InfoS(ctx, "Replaying journaled mutations",
			"count", len(mutations))
	}

	return mutations, nil
}

// Stats returns aggregate counts.
func (j *Journal) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	err := j.store.WithReadTx(ctx, func(ctx context.Context,
		tx *sql.Tx) error {

		var oldest sql.NullInt64
		err := tx.QueryRowContext(ctx, `
			SELECT
				COUNT(*) FILTER (WHERE status = 'pending'),
				COUNT(*) FILTER (WHERE status = 'delivered'),
				MIN(created_at) FILTER (WHERE status = 'pending')
			FROM pending_mutations`,
		).Scan(&stats.Pending, &stats.Delivered, &oldest)
		if err != nil {
			return db.MapSQLError(err)
		}

		if oldest.Valid {
			stats.OldestPending = fn.Some(
				time.UnixMilli(oldest.Int64),
			)
		}

		return nil
	})

	return stats, err
}

// Clear deletes every entry regardless of status.
func (j *Journal) Clear(ctx context.Context) error {
	return j.store.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, "DELETE FROM pending_mutations")
		return db.MapSQLError(err)
	})
}

// Prune deletes delivered entries older than age and returns how many were
// removed.
func (j *Journal) Prune(ctx context.Context,
	age time.Duration) (int64, error) {

	var pruned int64
	err := j.store.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			DELETE FROM pending_mutations
			WHERE status = 'delivered' AND delivered_at < ?`,
			time.Now().Add(-age).UnixMilli(),
		)
		if err != nil {
			return db.MapSQLError(err)
		}

		pruned, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, err
	}

	return pruned, nil
}

// Close closes the journal database.
func (j *Journal) Close() error {
	return j.store.Close()
}

// IsEmpty reports whether no mutations are pending.
func (j *Journal) IsEmpty(ctx context.Context) (bool, error) {
	stats, err := j.Stats(ctx)
	if err != nil {
		return false, err
	}

	return stats.Pending == 0, nil
}
