package maildb

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func ids(msgs []*Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}

	return out
}

func TestThreadTree(t *testing.T) {
	t.Parallel()

	g := newGateway(t, Config{}, conversation()...)
	ctx := context.Background()

	thread, err := g.GetThread(ctx, threadOf(t, g, "d@x"))
	require.NoError(t, err)

	require.Equal(t, "plan", thread.Subject())
	require.Equal(t, "Alice, Bob, Carol", thread.AuthorsString())
	require.Equal(t, 4, thread.TotalMessages())
	require.True(t, thread.Oldest().Before(thread.Newest()))

	require.Equal(t, []string{"a@x"}, ids(thread.TopLevel()))
	require.Equal(t, []string{"a@x", "b@x", "d@x", "c@x"},
		ids(thread.Messages()))
	require.Equal(t, []string{"b@x", "c@x"}, ids(thread.Replies("a@x")))
	require.Empty(t, thread.Replies("c@x"))
	require.Empty(t, thread.Replies("nope@x"))

	parent := thread.Parent("d@x")
	require.True(t, parent.IsSome())
	require.Equal(t, "b@x", parent.UnwrapOr(nil).ID)
	require.True(t, thread.Parent("a@x").IsNone())
	require.True(t, thread.Message("zzz@x").IsNone())

	b := thread.Message("b@x").UnwrapOr(nil)
	name, addr := b.Author()
	require.Equal(t, "Bob", name)
	require.Equal(t, "bob@x", addr)

	require.Equal(t, []string{"inbox", "unread"}, thread.Tags(false))
	require.Equal(t, []string{"inbox"}, thread.Tags(true))
}

// TestThreadTagRoundTrip adds and removes a tag through the thread model and
// checks the optimistic view against the index before and after flushing.
func TestThreadTagRoundTrip(t *testing.T) {
	t.Parallel()

	g := newGateway(t, Config{}, conversation()...)
	ctx := context.Background()
	id := threadOf(t, g, "a@x")

	thread, err := g.GetThread(ctx, id)
	require.NoError(t, err)

	done := 0
	require.NoError(t, thread.AddTags(ctx, []string{"x"},
		WithAfterwards(func() { done++ })))

	// Optimistic: visible locally, absent from the index.
	require.Contains(t, thread.Tags(true), "x")
	matches, err := thread.Matches(ctx, "tag:x")
	require.NoError(t, err)
	require.False(t, matches)
	require.Equal(t, 1, g.PendingWrites())

	m := thread.Message("a@x").UnwrapOr(nil)
	require.Equal(t, 1, m.TagState().Pending())
	require.NotContains(t, m.TagState().Confirmed(), "x")

	_, err = g.Flush(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, done)
	require.Zero(t, m.TagState().Pending())
	require.Contains(t, m.TagState().Confirmed(), "x")

	matches, err = thread.Matches(ctx, "tag:x")
	require.NoError(t, err)
	require.True(t, matches)

	fresh, err := g.GetThread(ctx, id)
	require.NoError(t, err)
	require.Contains(t, fresh.Tags(true), "x")

	require.NoError(t, thread.RemoveTags(ctx, []string{"x"}))
	require.NotContains(t, thread.Tags(false), "x")
	_, err = g.Flush(ctx)
	require.NoError(t, err)

	fresh, err = g.GetThread(ctx, id)
	require.NoError(t, err)
	require.NotContains(t, fresh.Tags(false), "x")
	require.Equal(t, 0, count(t, g, "tag:x"))
}

func TestRemoveAbsentTagsQueuesNothing(t *testing.T) {
	t.Parallel()

	g := newGateway(t, Config{}, conversation()...)
	ctx := context.Background()

	thread, err := g.GetThread(ctx, threadOf(t, g, "a@x"))
	require.NoError(t, err)

	require.NoError(t, thread.RemoveTags(ctx, []string{"absent"}))
	require.Zero(t, g.PendingWrites())

	// Only the present tag is queued for removal.
	require.NoError(t, thread.RemoveTags(ctx, []string{"absent", "unread"}))
	pending := g.Queue().Pending()
	require.Len(t, pending, 1)
	require.Equal(t, KindUntag, pending[0].Kind)
	require.Equal(t, []string{"unread"}, pending[0].Tags)
	require.Equal(t, "thread:"+thread.ID(), pending[0].Query)
}

func TestSetTagsOnThread(t *testing.T) {
	t.Parallel()

	g := newGateway(t, Config{}, conversation()...)
	ctx := context.Background()
	id := threadOf(t, g, "a@x")

	thread, err := g.GetThread(ctx, id)
	require.NoError(t, err)

	require.NoError(t, thread.AddTags(ctx, []string{"archived"},
		WithRemoveRest()))
	require.Equal(t, []string{"archived"}, thread.Tags(false))
	require.Equal(t, KindSet, g.Queue().Pending()[0].Kind)

	_, err = g.Flush(ctx)
	require.NoError(t, err)
	require.Equal(t, 4, count(t, g, "tag:archived"))
	require.Zero(t, count(t, g, "tag:inbox OR tag:unread"))
}

// TestRefreshKeepsPendingChanges checks that a refresh reloads confirmed
// tags without losing queued changes.
func TestRefreshKeepsPendingChanges(t *testing.T) {
	t.Parallel()

	g := newGateway(t, Config{}, conversation()...)
	ctx := context.Background()

	thread, err := g.GetThread(ctx, threadOf(t, g, "a@x"))
	require.NoError(t, err)

	require.NoError(t, thread.AddTags(ctx, []string{"pending"}))

	// Another writer changes the index behind the thread's back.
	require.NoError(t, g.Tag(ctx, "id:c@x", []string{"remote"}))
	require.NoError(t, thread.Refresh(ctx))
	require.Contains(t, thread.Tags(false), "pending")

	_, err = g.Flush(ctx)
	require.NoError(t, err)
	require.NoError(t, thread.Refresh(ctx))

	require.Contains(t, thread.Tags(true), "pending")
	require.Contains(t, thread.Tags(false), "remote")
	require.NotContains(t, thread.Tags(true), "remote")

	for _, m := range thread.Messages() {
		require.Zero(t, m.TagState().Pending(), m.ID)
	}
}

func TestMessageTags(t *testing.T) {
	t.Parallel()

	g := newGateway(t, Config{}, conversation()...)
	ctx := context.Background()

	m, err := g.GetMessage(ctx, "b@x")
	require.NoError(t, err)
	require.Equal(t, "id:b@x", m.Query())
	require.True(t, m.HasTag("unread"))

	require.NoError(t, m.RemoveTags(ctx, []string{"unread", "missing"}))
	require.NoError(t, m.AddTags(ctx, []string{"replied"}))
	require.False(t, m.HasTag("unread"))
	require.Equal(t, []string{"inbox", "replied"}, m.Tags())

	_, err = g.Flush(ctx)
	require.NoError(t, err)

	ok, err := m.Matches(ctx, "tag:replied AND NOT tag:unread")
	require.NoError(t, err)
	require.True(t, ok)

	// Only b changed.
	require.Equal(t, 1, count(t, g, "tag:replied"))
	require.Zero(t, count(t, g, "tag:unread"))
}
