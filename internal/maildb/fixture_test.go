package maildb

import (
	"context"
	"testing"

	"github.com/roasbeef/mailsync/internal/index"
	"github.com/roasbeef/mailsync/internal/index/indextest"
	"github.com/stretchr/testify/require"
)

// seedMsg is a message file indexed with initial tags.
type seedMsg struct {
	rel  string
	msg  indextest.Msg
	tags []string
}

// seed writes and indexes msgs in one write handle.
func seed(t *testing.T, cfg index.Config, msgs ...seedMsg) {
	t.Helper()

	ctx := context.Background()
	d, err := index.Open(ctx, cfg, index.ModeReadWrite)
	require.NoError(t, err)

	for _, s := range msgs {
		path := indextest.Write(t, cfg.Root, s.rel, s.msg)
		m, err := d.IndexFile(ctx, path)
		require.NoError(t, err)

		for _, tag := range s.tags {
			require.NoError(t, m.AddTag(ctx, tag))
		}
	}
	require.NoError(t, d.Close())
}

// newGateway creates an index seeded with msgs and a gateway over it.
func newGateway(t *testing.T, cfg Config, msgs ...seedMsg) *Gateway {
	t.Helper()

	if cfg.Index.Root == "" {
		cfg.Index.Root = t.TempDir()
	}
	require.NoError(t, index.Create(context.Background(), cfg.Index))
	seed(t, cfg.Index, msgs...)

	g, err := New(cfg)
	require.NoError(t, err)

	return g
}

// threadOf returns the thread id of a message.
func threadOf(t *testing.T, g *Gateway, id string) string {
	t.Helper()

	m, err := g.GetMessage(context.Background(), id)
	require.NoError(t, err)

	return m.ThreadID
}

func count(t *testing.T, g *Gateway, q string) int {
	t.Helper()

	n, err := g.CountMessages(context.Background(), q)
	require.NoError(t, err)

	return n
}

// conversation is a reply tree: a <- b <- d and a <- c.
func conversation() []seedMsg {
	return []seedMsg{
		{rel: "INBOX/cur/a", msg: indextest.Msg{
			ID: "a@x", Subject: "plan", Date: indextest.Day(1, 0),
			From: "Alice <alice@x>",
		}, tags: []string{"inbox"}},
		{rel: "INBOX/cur/b", msg: indextest.Msg{
			ID: "b@x", InReplyTo: "a@x", References: []string{"a@x"},
			Subject: "Re: plan", Date: indextest.Day(2, 0),
			From: "Bob <bob@x>",
		}, tags: []string{"inbox", "unread"}},
		{rel: "INBOX/cur/c", msg: indextest.Msg{
			ID: "c@x", InReplyTo: "a@x", References: []string{"a@x"},
			Subject: "Re: plan", Date: indextest.Day(3, 0),
			From: "Carol <carol@x>",
		}, tags: []string{"inbox"}},
		{rel: "INBOX/cur/d", msg: indextest.Msg{
			ID: "d@x", InReplyTo: "b@x",
			References: []string{"a@x", "b@x"},
			Subject:    "Re: plan", Date: indextest.Day(4, 0),
			From: "Alice <alice@x>",
		}, tags: []string{"inbox"}},
	}
}
