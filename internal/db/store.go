package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/btcsuite/btclog/v2"
)

// Store wraps a database connection with retrying transaction helpers.
type Store struct {
	db *sql.DB

	txExec *TransactionExecutor[*sql.Tx]
}

// NewStore creates a new Store instance wrapping the given database
// connection.
func NewStore(db *sql.DB, log btclog.Logger,
	opts ...TxExecutorOption) *Store {

	identity := func(tx *sql.Tx) *sql.Tx {
		return tx
	}

	return &Store{
		db: db,
		txExec: NewTransactionExecutor(
			NewBaseDB(db), identity, log, opts...,
		),
	}
}

// DB returns the underlying database connection.
func (s *Store) DB() *sql.DB {
	return s.db
}

// TxFunc is the function signature for transaction callbacks.
type TxFunc func(ctx context.Context, tx *sql.Tx) error

// WithTx executes the given function within a write transaction. The
// transaction commits when fn returns nil and rolls back otherwise. Lock
// contention retries the whole callback, so fn must not have side effects
// outside the transaction.
func (s *Store) WithTx(ctx context.Context, fn TxFunc) error {
	err := s.txExec.ExecTx(ctx, WriteTxOption(), func(tx *sql.Tx) error {
		return fn(ctx, tx)
	})
	if err != nil {
		return fmt.Errorf("write tx: %w", err)
	}

	return nil
}

// WithReadTx executes the given function within a read-only transaction.
func (s *Store) WithReadTx(ctx context.Context, fn TxFunc) error {
	err := s.txExec.ExecTx(ctx, ReadTxOption(), func(tx *sql.Tx) error {
		return fn(ctx, tx)
	})
	if err != nil {
		return fmt.Errorf("read tx: %w", err)
	}

	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
