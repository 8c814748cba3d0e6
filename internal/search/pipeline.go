// Package search runs thread searches on worker goroutines and hands the
// results to the caller through bounded channels, so a slow or large query
// never blocks the caller beyond the results it actually asks for.
package search

import (
	"context"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/roasbeef/mailsync/internal/metrics"
	"github.com/roasbeef/mailsync/internal/query"
)

// DefaultBufferSize is the result channel capacity used when none is
// configured.
const DefaultBufferSize = 64

// Source runs thread searches. maildb.Gateway implements it.
type Source interface {
	SearchThreads(ctx context.Context, q string, sort query.Sort,
		exclude []string) iter.Seq2[string, error]
}

// Request describes one search.
type Request struct {
	Query string
	Sort  query.Sort

	// Exclude follows the Source convention: nil selects the default
	// exclude tags and an empty slice disables exclusion.
	Exclude []string
}

// Transform turns a thread id into the item handed to the consumer. It runs
// on the worker goroutine.
type Transform[T any] func(ctx context.Context, threadID string) (T, error)

// ThreadIDs is the identity Transform.
func ThreadIDs(_ context.Context, threadID string) (string, error) {
	return threadID, nil
}

type pipelineConfig struct {
	bufferSize int
	metrics    *metrics.Collectors
}

// Option configures a Pipeline.
type Option func(*pipelineConfig)

// WithBufferSize sets the capacity of each result channel.
func WithBufferSize(n int) Option {
	return func(c *pipelineConfig) {
		if n > 0 {
			c.bufferSize = n
		}
	}
}

// WithMetrics reports worker activity to c.
func WithMetrics(c *metrics.Collectors) Option {
	return func(cfg *pipelineConfig) {
		cfg.metrics = c
	}
}

// Pipeline starts searches and tracks the running ones.
type Pipeline[T any] struct {
	src Source
	cfg pipelineConfig

	mu     sync.Mutex
	active map[uuid.UUID]*Handle[T]
}

// NewPipeline creates a pipeline searching src.
func NewPipeline[T any](src Source, opts ...Option) *Pipeline[T] {
	cfg := pipelineConfig{bufferSize: DefaultBufferSize}
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Pipeline[T]{
		src:    src,
		cfg:    cfg,
		active: make(map[uuid.UUID]*Handle[T]),
	}
}

// StartSearch spawns a worker for req and returns its handle immediately.
// The worker stops when the results are exhausted, when ctx is canceled or
// when the handle is terminated. A handle that is dropped before it is
// exhausted must be terminated.
func (p *Pipeline[T]) StartSearch(ctx context.Context, req Request,
	transform Transform[T]) *Handle[T] {

	workerCtx, cancel := context.WithCancel(ctx)

	h := &Handle[T]{
		id:      uuid.New(),
		query:   req.Query,
		results: make(chan T, p.cfg.bufferSize),
		done:    make(chan struct{}),
		cancel:  cancel,
	}

	p.mu.Lock()
	p.active[h.id] = h
	p.mu.Unlock()

	p.cfg.metrics.SearchStarted()

	log.DebugS(ctx, "Starting search", "search_id", h.id,
		"query", req.Query, "sort", req.Sort.String())

	go p.run(workerCtx, h, req, transform)

	return h
}

// run is the worker body. It owns the results channel.
func (p *Pipeline[T]) run(ctx context.Context, h *Handle[T], req Request,
	transform Transform[T]) {

	defer close(h.done)
	defer close(h.results)
	defer func() {
		h.cancel()

		p.mu.Lock()
		delete(p.active, h.id)
		p.mu.Unlock()

		p.cfg.metrics.SearchStopped()
	}()

	var sent int

	// stopped records why the context ended. A search the consumer
	// terminated has no error.
	stopped := func() {
		if h.terminated.Load() {
			log.TraceS(ctx, "Search terminated",
				"search_id", h.id, "results", sent)
			return
		}

		h.setErr(ctx.Err())
		log.DebugS(ctx, "Search canceled", "search_id", h.id,
			"results", sent, "reason", ctx.Err())
	}

	fail := func(err error) {
		if ctx.Err() != nil {
			stopped()
			return
		}

		h.setErr(err)
		log.WarnS(ctx, "Search failed", err, "search_id", h.id,
			"query", req.Query, "results", sent)
	}

	results := p.src.SearchThreads(ctx, req.Query, req.Sort, req.Exclude)
	for threadID, err := range results {
		if err != nil {
			fail(err)
			return
		}

		item, err := transform(ctx, threadID)
		if err != nil {
			fail(fmt.Errorf("transform thread %s: %w", threadID, err))
			return
		}

		select {
		case h.results <- item:
			sent++
			p.cfg.metrics.ResultStreamed()

		case <-ctx.Done():
			stopped()
			return
		}
	}

	// A source may end its iteration quietly once ctx is done.
	if ctx.Err() != nil {
		stopped()
		return
	}

	log.TraceS(ctx, "Search exhausted", "search_id", h.id,
		"results", sent)
}

// Active returns the number of running workers.
func (p *Pipeline[T]) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.active)
}

// TerminateAll terminates every running search and waits for the workers.
func (p *Pipeline[T]) TerminateAll() {
	p.mu.Lock()
	handles := make([]*Handle[T], 0, len(p.active))
	for _, h := range p.active {
		handles = append(handles, h)
	}
	p.mu.Unlock()

	for _, h := range handles {
		h.Terminate()
	}
}

// Handle is the consumer side of one running search. It must have a single
// consumer.
type Handle[T any] struct {
	id    uuid.UUID
	query string

	results chan T
	done    chan struct{}
	cancel  context.CancelFunc

	terminated atomic.Bool

	mu  sync.Mutex
	err error
}

// ID identifies the search in logs.
func (h *Handle[T]) ID() uuid.UUID {
	return h.id
}

// Query returns the query being searched.
func (h *Handle[T]) Query() string {
	return h.query
}

// Next blocks until the worker produces the next result. It returns false
// once the results are exhausted, the worker failed or the handle was
// terminated.
func (h *Handle[T]) Next() (T, bool) {
	var zero T
	if h.terminated.Load() {
		return zero, false
	}

	item, ok := <-h.results
	if !ok || h.terminated.Load() {
		return zero, false
	}

	return item, true
}

// Terminate stops the worker and waits for it to exit. Results still
// buffered are discarded. Calling Terminate again is a no-op.
func (h *Handle[T]) Terminate() {
	if h.terminated.Swap(true) {
		<-h.done
		return
	}

	h.cancel()
	<-h.done

	log.TraceS(context.Background(), "Search handle terminated",
		"search_id", h.id)
}

// Done is closed once the worker has exited.
func (h *Handle[T]) Done() <-chan struct{} {
	return h.done
}

// Err returns the error that stopped the worker early, if any. A worker
// stopped by its context ending reports the context's error. A terminated
// handle reports none.
func (h *Handle[T]) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.err
}

func (h *Handle[T]) setErr(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.err = err
}
