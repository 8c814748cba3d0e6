package maildb

import (
	"context"
	"errors"
	"testing"

	"github.com/roasbeef/mailsync/internal/index"
	"github.com/roasbeef/mailsync/internal/index/indextest"
	"github.com/roasbeef/mailsync/internal/query"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, g *Gateway, q string,
	exclude []string) []string {

	t.Helper()

	var ids []string
	for id, err := range g.SearchThreads(
		context.Background(), q, query.OldestFirst, exclude,
	) {
		require.NoError(t, err)
		ids = append(ids, id)
	}

	return ids
}

// TestTagQueryInbox tags every message of a named query and checks the
// counts after the flush.
func TestTagQueryInbox(t *testing.T) {
	t.Parallel()

	g := newGateway(t, Config{},
		seedMsg{rel: "INBOX/cur/1", msg: indextest.Msg{ID: "1@x"},
			tags: []string{"inbox"}},
		seedMsg{rel: "INBOX/cur/2", msg: indextest.Msg{ID: "2@x"},
			tags: []string{"inbox", "seen"}},
		seedMsg{rel: "INBOX/cur/3", msg: indextest.Msg{ID: "3@x"},
			tags: []string{"inbox", "unread"}},
		seedMsg{rel: "archive/cur/4", msg: indextest.Msg{ID: "4@x"}},
	)
	ctx := context.Background()

	require.NoError(t, g.SaveNamedQuery(ctx, "inbox", "tag:inbox"))
	_, err := g.Flush(ctx)
	require.NoError(t, err)

	before := count(t, g, "tag:seen")
	unseen := count(t, g, "tag:inbox AND NOT tag:seen")
	require.Equal(t, 1, before)
	require.Equal(t, 2, unseen)

	require.NoError(t, g.Tag(ctx, "query:inbox", []string{"seen"}))
	require.Equal(t, 1, g.PendingWrites())

	n, err := g.Flush(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, before+unseen, count(t, g, "tag:seen"))
	require.Zero(t, count(t, g, "id:4@x AND tag:seen"))
}

// TestLockedFlushKeepsQueue holds the index lock during the first flush
// and checks that the queue survives intact and drains once the lock is
// released.
func TestLockedFlushKeepsQueue(t *testing.T) {
	t.Parallel()

	g := newGateway(t, Config{}, conversation()...)
	ctx := context.Background()

	require.NoError(t, g.Tag(ctx, "id:a@x", []string{"one"}))
	require.NoError(t, g.Untag(ctx, "id:b@x", []string{"unread"}))
	require.NoError(t, g.Tag(ctx, "id:c@x", []string{"three"},
		WithRemoveRest()))
	before := g.Queue().Pending()

	holder, err := index.Open(ctx, g.cfg.Index, index.ModeReadWrite)
	require.NoError(t, err)

	n, err := g.Flush(ctx)
	require.True(t, IsLocked(err), "got %v", err)
	require.ErrorIs(t, err, index.ErrLocked)
	require.Zero(t, n)
	require.Equal(t, StateLocked, g.Queue().State())

	after := g.Queue().Pending()
	require.Len(t, after, len(before))
	for i := range before {
		require.Equal(t, before[i].ID, after[i].ID)
	}
	require.Zero(t, count(t, g, "tag:one"))

	require.NoError(t, holder.Close())

	n, err = g.Flush(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Zero(t, g.PendingWrites())
	require.Equal(t, StateIdle, g.Queue().State())

	require.Equal(t, 1, count(t, g, "id:a@x AND tag:one"))
	require.Zero(t, count(t, g, "tag:unread"))
	require.Equal(t, 1, count(t, g, "id:c@x AND tag:three"))
	require.Zero(t, count(t, g, "id:c@x AND tag:inbox"))
}

func TestTransactionErrorKeepsHead(t *testing.T) {
	t.Parallel()

	g := newGateway(t, Config{}, conversation()...)
	ctx := context.Background()

	require.NoError(t, g.Tag(ctx, "(", []string{"x"}))
	require.NoError(t, g.Tag(ctx, "*", []string{"y"}))

	n, err := g.Flush(ctx)
	require.True(t, IsTransaction(err), "got %v", err)
	require.ErrorIs(t, err, query.ErrSyntax)
	require.Zero(t, n)
	require.Equal(t, 2, g.PendingWrites())
	require.Equal(t, StateIdle, g.Queue().State())

	// Nothing of the failed transaction reached the index.
	require.Zero(t, count(t, g, "tag:x OR tag:y"))

	dropped, err := g.Queue().DropHead(ctx)
	require.NoError(t, err)
	require.Equal(t, "(", dropped.Query)

	n, err = g.Flush(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, 4, count(t, g, "tag:y"))
}

func TestReadOnlyGateway(t *testing.T) {
	t.Parallel()

	g := newGateway(t, Config{ReadOnly: true}, conversation()...)
	ctx := context.Background()

	err := g.Tag(ctx, "*", []string{"x"})
	require.True(t, IsReadOnly(err))
	require.ErrorIs(t, err, index.ErrReadOnly)

	require.True(t, IsReadOnly(g.AddMessage(ctx, "INBOX/cur/z", nil)))
	require.True(t, IsReadOnly(g.RemoveMessage(ctx, "INBOX/cur/a")))
	require.True(t, IsReadOnly(g.RemoveNamedQuery(ctx, "inbox")))

	thread, err := g.GetThread(ctx, threadOf(t, g, "a@x"))
	require.NoError(t, err)
	require.True(t, IsReadOnly(thread.AddTags(ctx, []string{"x"})))

	// The failed call leaves no optimistic change behind.
	require.NotContains(t, thread.Tags(false), "x")
	require.Zero(t, g.PendingWrites())

	// Reads still work.
	require.Equal(t, 4, count(t, g, "*"))
}

func TestNotFound(t *testing.T) {
	t.Parallel()

	g := newGateway(t, Config{}, conversation()...)
	ctx := context.Background()

	_, err := g.GetThread(ctx, "ffffffffffffffff")
	require.True(t, IsNotFound(err))
	require.ErrorIs(t, err, index.ErrNotFound)

	_, err = g.GetMessage(ctx, "missing@x")
	require.True(t, IsNotFound(err))

	var nf *NotFoundError
	require.True(t, errors.As(err, &nf))
	require.Equal(t, "message", nf.Kind)

	_, err = g.Summary(ctx, "ffffffffffffffff")
	require.True(t, IsNotFound(err))
}

func TestSearchThreadsExclusion(t *testing.T) {
	t.Parallel()

	g := newGateway(t, Config{ExcludeTags: []string{"spam"}},
		seedMsg{rel: "INBOX/cur/1", msg: indextest.Msg{
			ID: "1@x", Date: indextest.Day(1, 0),
		}, tags: []string{"inbox"}},
		seedMsg{rel: "INBOX/cur/2", msg: indextest.Msg{
			ID: "2@x", Date: indextest.Day(2, 0),
		}, tags: []string{"spam"}},
		seedMsg{rel: "INBOX/cur/3", msg: indextest.Msg{
			ID: "3@x", Date: indextest.Day(3, 0),
		}, tags: []string{"inbox"}},
	)

	one, two, three := threadOf(t, g, "1@x"), threadOf(t, g, "2@x"),
		threadOf(t, g, "3@x")

	require.Equal(t, []string{one, three}, collect(t, g, "*", nil))
	require.Equal(t, []string{one, two, three},
		collect(t, g, "*", []string{}))
	require.Equal(t, []string{two}, collect(t, g, "tag:spam", nil))
	require.Equal(t, []string{two},
		collect(t, g, "*", []string{"inbox"}))

	// Counts ignore exclusion.
	require.Equal(t, 3, count(t, g, "*"))

	// Each range runs the query again.
	seq := g.SearchThreads(
		context.Background(), "*", query.NewestFirst, nil,
	)
	for range 2 {
		var ids []string
		for id, err := range seq {
			require.NoError(t, err)
			ids = append(ids, id)
		}
		require.Equal(t, []string{three, one}, ids)
	}
}

func TestSearchThreadsBadQuery(t *testing.T) {
	t.Parallel()

	g := newGateway(t, Config{}, conversation()...)

	var last error
	for _, err := range g.SearchThreads(
		context.Background(), "query:missing", query.OldestFirst, nil,
	) {
		last = err
	}
	require.ErrorIs(t, last, query.ErrUnknownQuery)
}

func TestAddAndRemoveMessage(t *testing.T) {
	t.Parallel()

	g := newGateway(t, Config{})
	ctx := context.Background()

	path := indextest.Write(t, g.cfg.Index.Root, "INBOX/new/1",
		indextest.Msg{ID: "new@x", Subject: "fresh"})

	added := false
	require.NoError(t, g.AddMessage(ctx, path, []string{"inbox", "unread"},
		WithAfterwards(func() { added = true })))
	require.False(t, added)

	_, err := g.Flush(ctx)
	require.NoError(t, err)
	require.True(t, added)

	m, err := g.GetMessage(ctx, "new@x")
	require.NoError(t, err)
	require.Equal(t, []string{"inbox", "unread"}, m.Tags())
	require.Equal(t, "INBOX/new/1", m.Filename())

	files, err := g.IndexedFiles(ctx)
	require.NoError(t, err)
	require.Contains(t, files, "INBOX/new/1")

	// Adding a known file again leaves the tags alone.
	require.NoError(t, g.AddMessage(ctx, path, []string{"again"}))
	_, err = g.Flush(ctx)
	require.NoError(t, err)
	require.Zero(t, count(t, g, "tag:again"))

	require.NoError(t, g.RemoveMessage(ctx, path))
	_, err = g.Flush(ctx)
	require.NoError(t, err)

	_, err = g.GetMessage(ctx, "new@x")
	require.True(t, IsNotFound(err))
}

func TestNamedQueries(t *testing.T) {
	t.Parallel()

	g := newGateway(t, Config{}, conversation()...)
	ctx := context.Background()

	require.Error(t, g.SaveNamedQuery(ctx, "bad", "(tag:x"))
	require.Zero(t, g.PendingWrites())

	require.NoError(t, g.SaveNamedQuery(ctx, "todo", "tag:unread"))
	_, err := g.Flush(ctx)
	require.NoError(t, err)

	queries, err := g.GetNamedQueries(ctx)
	require.NoError(t, err)
	require.Equal(t, map[string]string{"todo": "tag:unread"}, queries)
	require.Equal(t, 1, count(t, g, "query:todo"))

	require.NoError(t, g.RemoveNamedQuery(ctx, "todo"))
	_, err = g.Flush(ctx)
	require.NoError(t, err)

	queries, err = g.GetNamedQueries(ctx)
	require.NoError(t, err)
	require.Empty(t, queries)

	tags, err := g.GetAllTags(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"inbox", "unread"}, tags)
}

func TestSummaryCacheInvalidatedByFlush(t *testing.T) {
	t.Parallel()

	g := newGateway(t, Config{}, conversation()...)
	ctx := context.Background()
	id := threadOf(t, g, "a@x")

	s, err := g.Summary(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "plan", s.Subject)
	require.Equal(t, 4, s.TotalMessages)
	require.Equal(t, []string{"Alice", "Bob", "Carol"}, s.Authors)
	require.NotContains(t, s.Tags, "flagged")

	require.NoError(t, g.Tag(ctx, "thread:"+id, []string{"flagged"}))

	// Still cached until the flush commits.
	s, err = g.Summary(ctx, id)
	require.NoError(t, err)
	require.NotContains(t, s.Tags, "flagged")

	_, err = g.Flush(ctx)
	require.NoError(t, err)

	s, err = g.Summary(ctx, id)
	require.NoError(t, err)
	require.Contains(t, s.Tags, "flagged")
}

func TestCloseWithPendingWrites(t *testing.T) {
	t.Parallel()

	g := newGateway(t, Config{}, conversation()...)
	ctx := context.Background()

	require.NoError(t, g.Close(ctx))
	require.NoError(t, g.Tag(ctx, "*", []string{"x"}))
	require.NoError(t, g.Close(ctx))
	require.Equal(t, 1, g.PendingWrites())
}
