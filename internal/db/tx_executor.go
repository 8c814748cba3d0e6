package db

import (
	"context"
	"fmt"
	"math"
	prand "math/rand"
	"time"

	"github.com/btcsuite/btclog/v2"
)

// txExecutorOptions holds the retry policy of a TransactionExecutor.
type txExecutorOptions struct {
	numRetries        int
	initialRetryDelay time.Duration
	maxRetryDelay     time.Duration
}

// defaultTxExecutorOptions returns the default options for the transaction
// executor.
func defaultTxExecutorOptions() *txExecutorOptions {
	return &txExecutorOptions{
		numRetries:        DefaultNumTxRetries,
		initialRetryDelay: DefaultInitialRetryDelay,
		maxRetryDelay:     DefaultMaxRetryDelay,
	}
}

// randRetryDelay returns a random retry delay between -50% and +50% of the
// configured delay that is doubled for each attempt and capped at a max value.
func (t *txExecutorOptions) randRetryDelay(attempt int) time.Duration {
	if t.initialRetryDelay <= 0 {
		return 0
	}

	halfDelay := t.initialRetryDelay / 2
	randDelay := prand.Int63n(int64(t.initialRetryDelay)) //nolint:gosec

	// 50% plus 0%-100% gives us the range of 50%-150%.
	initialDelay := halfDelay + time.Duration(randDelay)
	if attempt == 0 {
		return initialDelay
	}

	// Doubling n times is multiplying by 2^n. The power is capped at 32
	// to avoid overflows.
	factor := time.Duration(math.Pow(2, math.Min(float64(attempt), 32)))
	//nolint:durationcheck
	actualDelay := initialDelay * factor

	if actualDelay > t.maxRetryDelay {
		return t.maxRetryDelay
	}

	return actualDelay
}

// TxExecutorOption is a functional option that allows us to pass in optional
// argument when creating the executor.
type TxExecutorOption func(*txExecutorOptions)

// WithTxRetries is a functional option that allows us to specify the number of
// times a transaction should be retried if it fails with a repeatable error.
func WithTxRetries(numRetries int) TxExecutorOption {
	return func(o *txExecutorOptions) {
		o.numRetries = numRetries
	}
}

// WithTxRetryDelay is a functional option that allows us to specify the delay
// to wait before a transaction is retried.
func WithTxRetryDelay(delay time.Duration) TxExecutorOption {
	return func(o *txExecutorOptions) {
		o.initialRetryDelay = delay
	}
}

// TransactionExecutor abstracts away from the type of query a caller needs to
// run under a database transaction and retries the whole body when the
// database reports lock contention.
type TransactionExecutor[Query any] struct {
	BatchedQuerier

	createQuery QueryCreator[Query]

	opts *txExecutorOptions

	log btclog.Logger
}

// NewTransactionExecutor creates a new instance of a TransactionExecutor.
func NewTransactionExecutor[Querier any](db BatchedQuerier,
	createQuery QueryCreator[Querier], log btclog.Logger,
	opts ...TxExecutorOption) *TransactionExecutor[Querier] {

	txOpts := defaultTxExecutorOptions()
	for _, optFunc := range opts {
		optFunc(txOpts)
	}

	if log == nil {
		log = btclog.Disabled
	}

	return &TransactionExecutor[Querier]{
		BatchedQuerier: db,
		createQuery:    createQuery,
		opts:           txOpts,
		log:            log,
	}
}

// ExecTx runs txBody inside a single transaction and commits it. If the begin,
// the body or the commit fail because the database is busy, the transaction
// is rolled back and the whole body is retried after a randomized backoff.
// Once the retries are used up the last lock error is returned wrapped in
// ErrRetriesExceeded.
func (t *TransactionExecutor[Q]) ExecTx(ctx context.Context,
	txOptions TxOptions, txBody func(Q) error) error {

	waitBeforeRetry := func(attemptNumber int) error {
		retryDelay := t.opts.randRetryDelay(attemptNumber)

		t.log.DebugS(ctx, "Retrying transaction due to tx "+
			"serialization or deadlock error",
			"attempt_number", attemptNumber,
			"delay", retryDelay,
		)

		select {
		case <-time.After(retryDelay):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	var lastErr error
	for i := 0; i < t.opts.numRetries; i++ {
		tx, err := t.BeginTx(ctx, txOptions)
		if err != nil {
			dbErr := MapSQLError(err)
			if !IsSerializationOrDeadlockError(dbErr) {
				return dbErr
			}

			lastErr = dbErr
			if err := waitBeforeRetry(i); err != nil {
				return err
			}

			continue
		}

		if err := txBody(t.createQuery(tx)); err != nil {
			_ = tx.Rollback()

			dbErr := MapSQLError(err)
			if !IsSerializationOrDeadlockError(dbErr) {
				return dbErr
			}

			lastErr = dbErr
			if err := waitBeforeRetry(i); err != nil {
				return err
			}

			continue
		}

		if err := tx.Commit(); err != nil {
			_ = tx.Rollback()

			dbErr := MapSQLError(err)
			if !IsSerializationOrDeadlockError(dbErr) {
				return dbErr
			}

			lastErr = dbErr
			if err := waitBeforeRetry(i); err != nil {
				return err
			}

			continue
		}

		return nil
	}

	if lastErr == nil {
		return ErrRetriesExceeded
	}

	return fmt.Errorf("%w: %w", ErrRetriesExceeded, lastErr)
}
