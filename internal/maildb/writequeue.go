package maildb

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/roasbeef/mailsync/internal/metrics"
)

// QueueState is the flush state of a WriteQueue.
type QueueState int

const (
	// StateIdle is the state before the first flush and after every flush
	// that did not hit a locked index.
	StateIdle QueueState = iota

	// StateFlushing is held while a flush drains the queue.
	StateFlushing

	// StateLocked is entered when the last flush stopped because another
	// writer held the index.
	StateLocked
)

// String returns the state name.
func (s QueueState) String() string {
	switch s {
	case StateFlushing:
		return "flushing"
	case StateLocked:
		return "locked"
	default:
		return "idle"
	}
}

// Journal persists queued mutations so they survive a restart.
type Journal interface {
	// Record stores m before it is queued.
	Record(ctx context.Context, m *Mutation) error

	// Delivered marks the mutation with the given id as committed.
	Delivered(ctx context.Context, id uuid.UUID) error
}

// ApplyFunc commits a single mutation in its own transaction.
type ApplyFunc func(ctx context.Context, m *Mutation) error

// WriteQueue buffers mutations and applies them to the index in enqueue
// order. Enqueue is safe to call from any goroutine, including while a
// flush is in progress.
type WriteQueue struct {
	apply    ApplyFunc
	readOnly bool
	journal  Journal
	metrics  *metrics.Collectors

	mu       sync.Mutex
	items    []*Mutation
	state    QueueState
	flushing bool
}

// QueueOption configures a WriteQueue.
type QueueOption func(*WriteQueue)

// WithJournal mirrors every queued mutation into j.
func WithJournal(j Journal) QueueOption {
	return func(q *WriteQueue) {
		q.journal = j
	}
}

// WithMetrics reports queue depth and flush outcomes to c.
func WithMetrics(c *metrics.Collectors) QueueOption {
	return func(q *WriteQueue) {
		q.metrics = c
	}
}

// NewWriteQueue creates an empty queue committing mutations with apply.
// A read-only queue refuses every Enqueue.
func NewWriteQueue(apply ApplyFunc, readOnly bool,
	opts ...QueueOption) *WriteQueue {

	q := &WriteQueue{
		apply:    apply,
		readOnly: readOnly,
	}
	for _, opt := range opts {
		opt(q)
	}

	return q
}

// Enqueue appends m to the tail of the queue. A zero ID is replaced with a
// fresh one. With a journal configured, m is recorded before it is queued.
func (q *WriteQueue) Enqueue(ctx context.Context, m *Mutation) error {
	if q.readOnly {
		return &ReadOnlyError{Op: string(m.Kind)}
	}
	if err := m.validate(); err != nil {
		return err
	}

	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.EnqueuedAt.IsZero() {
		m.EnqueuedAt = time.Now()
	}

	if q.journal != nil {
		if err := q.journal.Record(ctx, m); err != nil {
			return fmt.Errorf("journal %s: %w", m, err)
		}
	}

	q.mu.Lock()
	q.items = append(q.items, m)
	depth := len(q.items)
	q.mu.Unlock()

	q.metrics.SetQueueDepth(depth)

	log.TraceS(ctx, "Queued mutation",
		"id", m.ID, "mutation", m.String(), "depth", depth)

	return nil
}

// Flush applies the queued mutations in order, each in its own
// transaction, and returns how many were committed. Mutations enqueued
// after Flush starts are left for the next call.
//
// On failure the failing mutation stays at the head of the queue, followed
// by the rest in their original order, and the error is returned. An
// IndexLockedError moves the queue to StateLocked.
func (q *WriteQueue) Flush(ctx context.Context) (int, error) {
	q.mu.Lock()
	if q.flushing {
		q.mu.Unlock()
		return 0, ErrFlushInProgress
	}
	q.flushing = true
	q.state = StateFlushing
	batch := len(q.items)
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.flushing = false
		q.mu.Unlock()
	}()

	if batch > 0 {
		log.DebugS(ctx, "Flushing write queue", "mutations", batch)
	}

	// Only Flush removes items and only one Flush runs at a time, so the
	// head stays put while it is being applied.
	for applied := 0; applied < batch; applied++ {
		q.mu.Lock()
		m := q.items[0]
		q.mu.Unlock()

		if err := q.apply(ctx, m); err != nil {
			state, outcome := StateIdle, metrics.OutcomeError
			if IsLocked(err) {
				state, outcome = StateLocked, metrics.OutcomeLocked
			}

			q.mu.Lock()
			q.state = state
			q.mu.Unlock()

			q.metrics.FlushCompleted(outcome)
			log.WarnS(ctx, "Flush stopped", err,
				"mutation", m.String(), "applied", applied,
				"remaining", q.Len())

			return applied, err
		}

		q.mu.Lock()
		q.items[0] = nil
		q.items = q.items[1:]
		depth := len(q.items)
		q.mu.Unlock()

		q.metrics.SetQueueDepth(depth)
		q.metrics.MutationApplied(string(m.Kind))

		log.DebugS(ctx, "Applied mutation",
			"id", m.ID, "mutation", m.String())

		if q.journal != nil {
			if err := q.journal.Delivered(ctx, m.ID); err != nil {
				log.WarnS(ctx, "Unable to mark mutation "+
					"delivered in journal", err, "id", m.ID)
			}
		}

		if m.Afterwards != nil {
			m.Afterwards()
		}
	}

	q.mu.Lock()
	q.state = StateIdle
	q.mu.Unlock()

	if batch > 0 {
		q.metrics.FlushCompleted(metrics.OutcomeOK)
	}

	return batch, nil
}

// DropHead removes and returns the mutation at the head of the queue. It is
// the way out when a mutation fails permanently. It returns nil for an
// empty queue and ErrFlushInProgress while a flush runs.
func (q *WriteQueue) DropHead(ctx context.Context) (*Mutation, error) {
	return q.dropHead(ctx, fn.None[uuid.UUID]())
}

// DropHeadIf is DropHead for a caller that inspected the queue first: the
// head is dropped only if its id is id, and ErrHeadMismatch is returned
// otherwise.
func (q *WriteQueue) DropHeadIf(ctx context.Context,
	id uuid.UUID) (*Mutation, error) {

	return q.dropHead(ctx, fn.Some(id))
}

func (q *WriteQueue) dropHead(ctx context.Context,
	expect fn.Option[uuid.UUID]) (*Mutation, error) {

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.flushing {
		return nil, ErrFlushInProgress
	}
	if len(q.items) == 0 {
		if expect.IsSome() {
			return nil, ErrHeadMismatch
		}

		return nil, nil
	}

	m := q.items[0]
	mismatch := fn.MapOptionZ(expect, func(id uuid.UUID) bool {
		return id != m.ID
	})
	if mismatch {
		return nil, fmt.Errorf("%w: head is %s", ErrHeadMismatch, m.ID)
	}

	q.items[0] = nil
	q.items = q.items[1:]
	q.metrics.SetQueueDepth(len(q.items))

	if q.journal != nil {
		if err := q.journal.Delivered(ctx, m.ID); err != nil {
			return m, fmt.Errorf("journal: %w", err)
		}
	}

	log.InfoS(ctx, "Dropped queued mutation",
		"id", m.ID, "mutation", m.String())

	return m, nil
}

// Len returns the number of queued mutations.
func (q *WriteQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.items)
}

// Pending returns a snapshot of the queued mutations, head first.
func (q *WriteQueue) Pending() []Mutation {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Mutation, len(q.items))
	for i, m := range q.items {
		out[i] = *m
	}

	return out
}

// State returns the current flush state.
func (q *WriteQueue) State() QueueState {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.state
}
