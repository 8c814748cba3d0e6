package maildb

import (
	"errors"
	"fmt"

	"github.com/roasbeef/mailsync/internal/index"
)

// ErrFlushInProgress is returned by Flush and DropHead while another flush
// is draining the queue.
var ErrFlushInProgress = errors.New("flush already in progress")

// ErrHeadMismatch is returned by DropHeadIf when another mutation is at the
// head of the queue.
var ErrHeadMismatch = errors.New("mutation is not at the head of the queue")

// ReadOnlyError is returned by every mutating call on a read-only gateway.
// It is not retried.
type ReadOnlyError struct {
	// Op names the refused operation.
	Op string
}

// Error implements the error interface.
func (e *ReadOnlyError) Error() string {
	return fmt.Sprintf("%s: mail index is read-only", e.Op)
}

// Unwrap lets errors.Is match index.ErrReadOnly.
func (e *ReadOnlyError) Unwrap() error {
	return index.ErrReadOnly
}

// IndexLockedError is returned when another writer holds the index. The
// write queue is left intact and the caller should retry after a delay.
type IndexLockedError struct {
	Err error
}

// Error implements the error interface.
func (e *IndexLockedError) Error() string {
	return fmt.Sprintf("index locked: %v", e.Err)
}

// Unwrap returns the engine error.
func (e *IndexLockedError) Unwrap() error {
	return e.Err
}

// NotFoundError is returned when a thread or message id no longer resolves.
type NotFoundError struct {
	// Kind is "thread" or "message".
	Kind string

	ID string

	Err error
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// Unwrap returns the engine error.
func (e *NotFoundError) Unwrap() error {
	return e.Err
}

// TransactionError reports an engine failure while applying a mutation.
// The transaction was rolled back and the mutation stays at the head of the
// queue.
type TransactionError struct {
	// Mutation describes the mutation that failed.
	Mutation string

	Err error
}

// Error implements the error interface.
func (e *TransactionError) Error() string {
	return fmt.Sprintf("apply %s: %v", e.Mutation, e.Err)
}

// Unwrap returns the engine error.
func (e *TransactionError) Unwrap() error {
	return e.Err
}

// IsLocked reports whether err is an IndexLockedError.
func IsLocked(err error) bool {
	var target *IndexLockedError
	return errors.As(err, &target)
}

// IsReadOnly reports whether err is a ReadOnlyError.
func IsReadOnly(err error) bool {
	var target *ReadOnlyError
	return errors.As(err, &target)
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

// IsTransaction reports whether err is a TransactionError.
func IsTransaction(err error) bool {
	var target *TransactionError
	return errors.As(err, &target)
}
