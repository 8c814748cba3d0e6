// Package maildb is the synchronization layer between a client and the mail
// index. The Gateway runs read queries against short-lived read handles and
// funnels every write through an ordered WriteQueue, which commits each
// mutation in its own atomic transaction. Threads and messages loaded
// through the gateway carry an optimistic tag view that reflects queued
// writes before they reach the index.
package maildb

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/roasbeef/mailsync/internal/index"
	"github.com/roasbeef/mailsync/internal/metrics"
	"github.com/roasbeef/mailsync/internal/query"
)

// DefaultSummaryCacheSize is the number of thread summaries kept when the
// config does not set a size.
const DefaultSummaryCacheSize = 512

// Config configures a Gateway.
type Config struct {
	// Index locates the index database.
	Index index.Config

	// ReadOnly refuses every mutation.
	ReadOnly bool

	// ExcludeTags hide messages from SearchThreads unless the caller
	// passes its own list or the query names the tag.
	ExcludeTags []string

	// SummaryCacheSize bounds the thread summary cache.
	SummaryCacheSize int

	// Journal optionally persists queued mutations.
	Journal Journal

	// Metrics optionally receives queue metrics.
	Metrics *metrics.Collectors
}

// ThreadSummary is the metadata shown for a thread in a search listing.
type ThreadSummary struct {
	ID            string
	Subject       string
	Authors       []string
	Oldest        time.Time
	Newest        time.Time
	TotalMessages int
	Tags          []string
}

// Gateway is the entry point for reading and writing the mail index. It
// never holds an index handle between calls: every read opens a read-only
// handle and every flushed mutation opens the read-write handle for the
// duration of its transaction.
type Gateway struct {
	cfg Config

	queue *WriteQueue

	summaries *lru.Cache[string, ThreadSummary]
}

// New creates a gateway. The index must already exist.
func New(cfg Config) (*Gateway, error) {
	size := cfg.SummaryCacheSize
	if size <= 0 {
		size = DefaultSummaryCacheSize
	}

	cache, err := lru.New[string, ThreadSummary](size)
	if err != nil {
		return nil, fmt.Errorf("summary cache: %w", err)
	}

	g := &Gateway{
		cfg:       cfg,
		summaries: cache,
	}

	var opts []QueueOption
	if cfg.Journal != nil {
		opts = append(opts, WithJournal(cfg.Journal))
	}
	if cfg.Metrics != nil {
		opts = append(opts, WithMetrics(cfg.Metrics))
	}
	g.queue = NewWriteQueue(g.applyMutation, cfg.ReadOnly, opts...)

	return g, nil
}

// ReadOnly reports whether the gateway refuses mutations.
func (g *Gateway) ReadOnly() bool {
	return g.cfg.ReadOnly
}

// Queue returns the write queue owned by the gateway.
func (g *Gateway) Queue() *WriteQueue {
	return g.queue
}

// withRead runs fn against a fresh read-only handle.
func (g *Gateway) withRead(ctx context.Context,
	fn func(d *index.Database) error) error {

	d, err := index.Open(ctx, g.cfg.Index, index.ModeReadOnly)
	if err != nil {
		return err
	}
	defer d.Close()

	return fn(d)
}

// CountMessages returns the number of messages matching q. Exclude tags do
// not apply to counts.
func (g *Gateway) CountMessages(ctx context.Context, q string) (int, error) {
	var n int
	err := g.withRead(ctx, func(d *index.Database) error {
		var err error
		n, err = d.CountMessages(ctx, q)
		return err
	})

	return n, err
}

// CountThreads returns the number of threads matching q.
func (g *Gateway) CountThreads(ctx context.Context, q string) (int, error) {
	var n int
	err := g.withRead(ctx, func(d *index.Database) error {
		var err error
		n, err = d.CountThreads(ctx, q)
		return err
	})

	return n, err
}

// excludeTags picks the exclusion list for a search: nil selects the
// configured default and an empty slice disables exclusion.
func (g *Gateway) excludeTags(exclude []string) []string {
	if exclude == nil {
		return g.cfg.ExcludeTags
	}

	return exclude
}

// SearchThreads returns the ids of the threads matching q. The sequence is
// lazy and finite: ranging over it opens a read handle, runs the query and
// closes the handle once iteration stops. Ranging again re-runs the query.
// A failure is yielded as the last element.
func (g *Gateway) SearchThreads(ctx context.Context, q string,
	sort query.Sort, exclude []string) iter.Seq2[string, error] {

	opts := index.SearchOptions{
		Sort:    sort,
		Exclude: g.excludeTags(exclude),
	}

	return func(yield func(string, error) bool) {
		d, err := index.Open(ctx, g.cfg.Index, index.ModeReadOnly)
		if err != nil {
			yield("", err)
			return
		}
		defer d.Close()

		for id, err := range d.SearchThreads(ctx, q, opts) {
			if !yield(id, err) {
				return
			}
		}
	}
}

// GetThread loads a thread with its reply tree.
func (g *Gateway) GetThread(ctx context.Context, id string) (*Thread, error) {
	t := &Thread{
		g:  g,
		id: id,
	}
	if err := t.Refresh(ctx); err != nil {
		return nil, err
	}

	return t, nil
}

// GetMessage loads a single message.
func (g *Gateway) GetMessage(ctx context.Context,
	id string) (*Message, error) {

	var m *Message
	err := g.withRead(ctx, func(d *index.Database) error {
		im, err := d.FindMessage(ctx, id)
		if err != nil {
			return err
		}
		m = newMessage(g, im, nil)

		return nil
	})
	if errors.Is(err, index.ErrNotFound) {
		return nil, &NotFoundError{Kind: "message", ID: id, Err: err}
	}

	return m, err
}

// Summary returns the listing metadata of a thread. Summaries are cached
// until the next flush that commits a mutation.
func (g *Gateway) Summary(ctx context.Context,
	id string) (ThreadSummary, error) {

	if s, ok := g.summaries.Get(id); ok {
		return s, nil
	}

	var s ThreadSummary
	err := g.withRead(ctx, func(d *index.Database) error {
		t, err := d.FindThread(ctx, id)
		if err != nil {
			return err
		}

		s = ThreadSummary{
			ID:            t.ID,
			Subject:       t.Subject,
			Authors:       t.Authors,
			Oldest:        t.Oldest,
			Newest:        t.Newest,
			TotalMessages: t.TotalMessages,
			Tags:          t.Tags,
		}

		return nil
	})
	switch {
	case errors.Is(err, index.ErrNotFound):
		return s, &NotFoundError{Kind: "thread", ID: id, Err: err}
	case err != nil:
		return s, err
	}

	g.summaries.Add(id, s)

	return s, nil
}

// GetAllTags returns every tag used in the index.
func (g *Gateway) GetAllTags(ctx context.Context) ([]string, error) {
	var tags []string
	err := g.withRead(ctx, func(d *index.Database) error {
		var err error
		tags, err = d.AllTags(ctx)
		return err
	})

	return tags, err
}

// IndexedFiles returns the set of indexed file paths, relative to the mail
// root.
func (g *Gateway) IndexedFiles(ctx context.Context) (map[string]struct{},
	error) {

	var files []string
	err := g.withRead(ctx, func(d *index.Database) error {
		var err error
		files, err = d.AllFiles(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	set := make(map[string]struct{}, len(files))
	for _, f := range files {
		set[f] = struct{}{}
	}

	return set, nil
}

// Root returns the mail root of the index.
func (g *Gateway) Root() string {
	return g.cfg.Index.Root
}

// GetNamedQueries returns the saved queries keyed by name.
func (g *Gateway) GetNamedQueries(ctx context.Context) (map[string]string,
	error) {

	var queries map[string]string
	err := g.withRead(ctx, func(d *index.Database) error {
		var err error
		queries, err = d.NamedQueries(ctx)
		return err
	})

	return queries, err
}

// enqueue builds and queues a mutation.
func (g *Gateway) enqueue(ctx context.Context, m *Mutation,
	opts []Option, first func()) error {

	o := applyOptions(opts)
	if o.removeRest && m.Kind == KindTag {
		m.Kind = KindSet
	}
	m.Afterwards = o.callback(first)

	return g.queue.Enqueue(ctx, m)
}

// Tag queues adding tags to every message matching q. WithRemoveRest turns
// it into a set.
func (g *Gateway) Tag(ctx context.Context, q string, tags []string,
	opts ...Option) error {

	return g.enqueue(ctx, &Mutation{
		Kind:  KindTag,
		Query: q,
		Tags:  tags,
	}, opts, nil)
}

// Untag queues removing tags from every message matching q.
func (g *Gateway) Untag(ctx context.Context, q string, tags []string,
	opts ...Option) error {

	return g.enqueue(ctx, &Mutation{
		Kind:  KindUntag,
		Query: q,
		Tags:  tags,
	}, opts, nil)
}

// AddMessage queues indexing the message file at path with initial tags.
func (g *Gateway) AddMessage(ctx context.Context, path string, tags []string,
	opts ...Option) error {

	return g.enqueue(ctx, &Mutation{
		Kind: KindAddMessage,
		Path: path,
		Tags: tags,
	}, opts, nil)
}

// RemoveMessage queues removing the message file at path from the index.
func (g *Gateway) RemoveMessage(ctx context.Context, path string,
	opts ...Option) error {

	return g.enqueue(ctx, &Mutation{
		Kind: KindRemoveMessage,
		Path: path,
	}, opts, nil)
}

// SaveNamedQuery queues storing q under name.
func (g *Gateway) SaveNamedQuery(ctx context.Context, name, q string,
	opts ...Option) error {

	if _, err := query.Parse(q); err != nil {
		return fmt.Errorf("named query %s: %w", name, err)
	}

	return g.enqueue(ctx, &Mutation{
		Kind:  KindSaveQuery,
		Name:  name,
		Query: q,
	}, opts, nil)
}

// RemoveNamedQuery queues deleting the named query.
func (g *Gateway) RemoveNamedQuery(ctx context.Context, name string,
	opts ...Option) error {

	return g.enqueue(ctx, &Mutation{
		Kind: KindRemoveQuery,
		Name: name,
	}, opts, nil)
}

// Flush commits the queued mutations. See WriteQueue.Flush.
func (g *Gateway) Flush(ctx context.Context) (int, error) {
	n, err := g.queue.Flush(ctx)
	if n > 0 {
		g.summaries.Purge()
	}

	return n, err
}

// Requeue queues mutations restored from a journal, keeping their ids so
// the journal does not record them twice. Callbacks are not restored.
func (g *Gateway) Requeue(ctx context.Context, muts []*Mutation) error {
	for _, m := range muts {
		if err := g.queue.Enqueue(ctx, m); err != nil {
			return fmt.Errorf("requeue %v: %w", m, err)
		}
	}

	return nil
}

// PendingWrites returns the number of queued mutations.
func (g *Gateway) PendingWrites() int {
	return g.queue.Len()
}

// Close reports mutations that were never flushed. Without a journal they
// are lost.
func (g *Gateway) Close(ctx context.Context) error {
	n := g.queue.Len()
	if n == 0 {
		return nil
	}

	if g.cfg.Journal != nil {
		log.InfoS(ctx, "Unflushed mutations kept in journal",
			"count", n)
		return nil
	}

	log.WarnS(ctx, "Dropping unflushed mutations", nil, "count", n)

	return nil
}

// applyMutation commits m in one atomic section of a fresh read-write
// handle. It is only called by the write queue.
func (g *Gateway) applyMutation(ctx context.Context, m *Mutation) error {
	if g.cfg.ReadOnly {
		return &ReadOnlyError{Op: string(m.Kind)}
	}

	d, err := index.Open(ctx, g.cfg.Index, index.ModeReadWrite)
	switch {
	case errors.Is(err, index.ErrLocked):
		return &IndexLockedError{Err: err}
	case err != nil:
		return &TransactionError{Mutation: m.String(), Err: err}
	}

	fail := func(err error) error {
		if abortErr := d.Abort(); abortErr != nil {
			log.WarnS(ctx, "Rollback failed", abortErr,
				"mutation", m.String())
		}

		return &TransactionError{Mutation: m.String(), Err: err}
	}

	if err := d.BeginAtomic(ctx); err != nil {
		return fail(err)
	}
	if err := applyTo(ctx, d, m); err != nil {
		return fail(err)
	}
	if err := d.EndAtomic(ctx); err != nil {
		return fail(err)
	}

	if err := d.Close(); err != nil {
		return &TransactionError{Mutation: m.String(), Err: err}
	}

	return nil
}

// applyTo performs m on an open write handle.
func applyTo(ctx context.Context, d *index.Database, m *Mutation) error {
	switch m.Kind {
	case KindTag, KindUntag, KindSet:
		// Exclude tags never limit writes.
		opts := index.SearchOptions{Sort: query.Unsorted}
		for msg, err := range d.SearchMessages(ctx, m.Query, opts) {
			if err != nil {
				return err
			}
			if err := retag(ctx, msg, m.Kind, m.Tags); err != nil {
				return err
			}
		}

		return nil

	case KindAddMessage:
		msg, err := d.IndexFile(ctx, m.Path)
		switch {
		// Initial tags only apply to messages new to the index.
		case errors.Is(err, index.ErrDuplicateMessageID):
			log.DebugS(ctx, "Added file of known message",
				"path", m.Path, "message_id", msg.ID)

			return nil

		case err != nil:
			return err
		}
		if len(m.Tags) == 0 {
			return nil
		}

		return retag(ctx, msg, KindTag, m.Tags)

	case KindRemoveMessage:
		_, err := d.RemoveFile(ctx, m.Path)
		return err

	case KindSaveQuery:
		return d.SetNamedQuery(ctx, m.Name, m.Query)

	case KindRemoveQuery:
		return d.RemoveNamedQuery(ctx, m.Name)

	default:
		return fmt.Errorf("unknown mutation kind %q", m.Kind)
	}
}

// retag edits the tags of one message while it is frozen, so the message
// never carries a partial tag set.
func retag(ctx context.Context, msg *index.Message, kind Kind,
	tags []string) error {

	if err := msg.Freeze(); err != nil {
		return err
	}

	if kind == KindSet {
		if err := msg.RemoveAllTags(ctx); err != nil {
			return err
		}
	}

	for _, tag := range tags {
		var err error
		if kind == KindUntag {
			err = msg.RemoveTag(ctx, tag)
		} else {
			err = msg.AddTag(ctx, tag)
		}
		if err != nil {
			return err
		}
	}

	return msg.Thaw(ctx)
}
