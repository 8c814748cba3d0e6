package commands

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/roasbeef/mailsync/internal/index"
	"github.com/roasbeef/mailsync/internal/index/indextest"
	"github.com/roasbeef/mailsync/internal/maildb"
	"github.com/stretchr/testify/require"
)

func TestParseTagArgs(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		args    []string
		add     []string
		remove  []string
		query   string
		wantErr bool
	}{
		{
			name:   "add and remove",
			args:   []string{"+todo", "-inbox", "from:alice"},
			add:    []string{"todo"},
			remove: []string{"inbox"},
			query:  "from:alice",
		},
		{
			name:  "query joined",
			args:  []string{"+a", "tag:inbox", "and", "subject:plan"},
			add:   []string{"a"},
			query: "tag:inbox and subject:plan",
		},
		{
			name:  "lone sign is query text",
			args:  []string{"+x", "-", "foo"},
			add:   []string{"x"},
			query: "- foo",
		},
		{
			name:    "no query",
			args:    []string{"+a", "-b"},
			wantErr: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			add, remove, q, err := parseTagArgs(tc.args)
			if tc.wantErr {
				require.Error(t, err)
				return
			}

			require.NoError(t, err)
			require.Equal(t, tc.add, add)
			require.Equal(t, tc.remove, remove)
			require.Equal(t, tc.query, q)
		})
	}
}

func TestFormatDate(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 6, 15, 18, 0, 0, 0, time.UTC)

	require.Equal(t, "unknown", formatDate(time.Time{}, now))
	require.Equal(t, "09:30", formatDate(
		time.Date(2024, 6, 15, 9, 30, 0, 0, time.UTC), now,
	))
	require.Equal(t, "Mar 02", formatDate(
		time.Date(2024, 3, 2, 9, 30, 0, 0, time.UTC), now,
	))
	require.Equal(t, "2023-12-31", formatDate(
		time.Date(2023, 12, 31, 9, 30, 0, 0, time.UTC), now,
	))
}

// makeMaildir creates the cur, new and tmp directories of a maildir.
func makeMaildir(t *testing.T, path string) {
	t.Helper()

	for _, sub := range []string{"cur", "new", "tmp"} {
		require.NoError(t, os.MkdirAll(filepath.Join(path, sub), 0o700))
	}
}

func TestFindMaildirs(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	makeMaildir(t, filepath.Join(root, "INBOX"))
	makeMaildir(t, filepath.Join(root, "INBOX", ".Sent"))
	makeMaildir(t, filepath.Join(root, "lists", "go"))
	require.NoError(t, os.MkdirAll(
		filepath.Join(root, ".mailsync"), 0o700,
	))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "notes"), 0o700))

	dirs, err := findMaildirs(root)
	require.NoError(t, err)
	require.Equal(t, []string{
		filepath.Join(root, "INBOX"),
		filepath.Join(root, "INBOX", ".Sent"),
		filepath.Join(root, "lists", "go"),
	}, dirs)
}

func TestScanMaildirs(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	root := t.TempDir()
	idxCfg := index.Config{Root: root}
	require.NoError(t, index.Create(ctx, idxCfg))

	inbox := filepath.Join(root, "INBOX")
	makeMaildir(t, inbox)
	indextest.Write(t, root, "INBOX/cur/1.seen:2,S", indextest.Msg{
		ID: "seen@x", Subject: "read already",
	})
	indextest.Write(t, root, "INBOX/new/2.fresh", indextest.Msg{
		ID: "fresh@x", Subject: "just arrived",
	})

	gw, err := maildb.New(maildb.Config{Index: idxCfg})
	require.NoError(t, err)

	res, err := scanMaildirs(ctx, gw, []string{"inbox"}, "unread")
	require.NoError(t, err)
	require.Equal(t, 2, res.Added)
	require.Zero(t, res.Removed)

	_, err = gw.Flush(ctx)
	require.NoError(t, err)

	n, err := gw.CountMessages(ctx, "tag:inbox")
	require.NoError(t, err)
	require.Equal(t, 2, n)

	n, err = gw.CountMessages(ctx, "tag:unread")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	fresh, err := gw.GetMessage(ctx, "fresh@x")
	require.NoError(t, err)
	require.Contains(t, fresh.Filename(), "INBOX/cur/")

	// A second scan finds nothing new.
	res, err = scanMaildirs(ctx, gw, []string{"inbox"}, "unread")
	require.NoError(t, err)
	require.Zero(t, res.Added)
	require.Zero(t, res.Removed)

	// Deleting a file removes its message.
	require.NoError(t, os.Remove(
		filepath.Join(inbox, "cur", "1.seen:2,S"),
	))
	res, err = scanMaildirs(ctx, gw, nil, "")
	require.NoError(t, err)
	require.Zero(t, res.Added)
	require.Equal(t, 1, res.Removed)

	_, err = gw.Flush(ctx)
	require.NoError(t, err)

	n, err = gw.CountMessages(ctx, "*")
	require.NoError(t, err)
	require.Equal(t, 1, n)
}
