package index

import "errors"

var (
	// ErrLocked is returned when a read-write handle cannot be opened
	// because another writer holds the index lock.
	ErrLocked = errors.New("index is locked by another writer")

	// ErrReadOnly is returned by mutating calls on a read-only handle.
	ErrReadOnly = errors.New("index handle is read-only")

	// ErrNoIndex is returned when opening an index that was never
	// created.
	ErrNoIndex = errors.New("no index found")

	// ErrNotFound is returned when a message, thread, file or named query
	// does not exist.
	ErrNotFound = errors.New("not found")

	// ErrClosed is returned by calls on a closed handle.
	ErrClosed = errors.New("index handle is closed")

	// ErrUnbalancedAtomic is returned by EndAtomic without a matching
	// BeginAtomic.
	ErrUnbalancedAtomic = errors.New("unbalanced atomic section")

	// ErrUnbalancedFreezeThaw is returned by Thaw without a matching
	// Freeze.
	ErrUnbalancedFreezeThaw = errors.New("unbalanced freeze/thaw")

	// ErrDuplicateMessageID is a non-fatal status from IndexFile: the
	// file was recorded as another copy of an already indexed message.
	ErrDuplicateMessageID = errors.New("duplicate message id")

	// ErrOutsideRoot is returned for file paths outside the mail root.
	ErrOutsideRoot = errors.New("path is outside the mail root")

	// ErrInvalidTag is returned for empty or overlong tags.
	ErrInvalidTag = errors.New("invalid tag")
)
