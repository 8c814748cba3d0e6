package search_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/roasbeef/mailsync/internal/index"
	"github.com/roasbeef/mailsync/internal/index/indextest"
	"github.com/roasbeef/mailsync/internal/maildb"
	"github.com/roasbeef/mailsync/internal/query"
	"github.com/roasbeef/mailsync/internal/search"
	"github.com/stretchr/testify/require"
)

// TestSearchGateway streams summaries from a real index and drops a thread
// from the walker after it is retagged out of the query.
func TestSearchGateway(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cfg := index.Config{Root: t.TempDir()}
	require.NoError(t, index.Create(ctx, cfg))

	d, err := index.Open(ctx, cfg, index.ModeReadWrite)
	require.NoError(t, err)
	for i := range 10 {
		path := indextest.Write(t, cfg.Root,
			fmt.Sprintf("INBOX/cur/%d", i), indextest.Msg{
				ID:      fmt.Sprintf("%d@x", i),
				Subject: fmt.Sprintf("subject %d", i),
				Date:    indextest.Day(i+1, 0),
			})
		m, err := d.IndexFile(ctx, path)
		require.NoError(t, err)
		require.NoError(t, m.AddTag(ctx, "inbox"))
	}
	require.NoError(t, d.Close())

	g, err := maildb.New(maildb.Config{Index: cfg})
	require.NoError(t, err)

	p := search.NewPipeline[maildb.ThreadSummary](g, search.WithBufferSize(3))
	h := p.StartSearch(ctx, search.Request{
		Query: "tag:inbox",
		Sort:  query.NewestFirst,
	}, g.Summary)
	w := search.NewWalker(h, false)
	defer w.Close()

	first := w.Get(0).UnwrapOr(maildb.ThreadSummary{})
	require.Equal(t, "subject 9", first.Subject)
	require.Equal(t, "subject 7", w.Get(2).UnwrapOr(
		maildb.ThreadSummary{},
	).Subject)

	// Archive the newest thread and drop it from the listing.
	thread, err := g.GetThread(ctx, first.ID)
	require.NoError(t, err)
	require.NoError(t, thread.RemoveTags(ctx, []string{"inbox"}))
	_, err = g.Flush(ctx)
	require.NoError(t, err)

	matches, err := thread.Matches(ctx, "tag:inbox")
	require.NoError(t, err)
	require.False(t, matches)
	require.True(t, w.Remove(func(s maildb.ThreadSummary) bool {
		return s.ID == first.ID
	}))

	var subjects []string
	for i := 0; ; i++ {
		s := w.Get(i)
		if s.IsNone() {
			break
		}
		subjects = append(subjects, s.UnwrapOr(
			maildb.ThreadSummary{},
		).Subject)
	}
	require.Len(t, subjects, 9)
	require.Equal(t, "subject 8", subjects[0])
	require.Equal(t, "subject 0", subjects[8])
	require.NoError(t, w.Err())
}
