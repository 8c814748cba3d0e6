package index

import (
	"context"
	"fmt"
	"time"

	"github.com/roasbeef/mailsync/internal/db"
)

// Thread is the metadata of one conversation.
type Thread struct {
	ID string

	// Subject is the subject of the oldest message.
	Subject string

	// Authors lists the distinct senders ordered by their first message.
	Authors []string

	Oldest time.Time
	Newest time.Time

	TotalMessages int

	// Tags is the union of the tags of every message.
	Tags []string
}

// FindThread loads the metadata of a thread.
func (d *Database) FindThread(ctx context.Context, id string) (*Thread,
	error) {

	if err := d.checkOpen(); err != nil {
		return nil, err
	}

	t := &Thread{ID: id}

	var oldest, newest int64
	err := d.q().QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(MIN(date), 0), COALESCE(MAX(date), 0)
		FROM messages WHERE thread_id = ?`, id,
	).Scan(&t.TotalMessages, &oldest, &newest)
	if err != nil {
		return nil, db.MapSQLError(err)
	}
	if t.TotalMessages == 0 {
		return nil, fmt.Errorf("thread %s: %w", id, ErrNotFound)
	}
	t.Oldest = time.Unix(oldest, 0)
	t.Newest = time.Unix(newest, 0)

	rows, err := d.q().QueryContext(ctx, `
		SELECT from_header FROM messages
		WHERE thread_id = ? ORDER BY date, id`, id,
	)
	if err != nil {
		return nil, db.MapSQLError(err)
	}
	senders, err := scanStrings(rows)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	for _, from := range senders {
		name := AuthorName(from)
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		t.Authors = append(t.Authors, name)
	}

	err = d.q().QueryRowContext(ctx, `
		SELECT subject FROM messages
		WHERE thread_id = ? ORDER BY date, id LIMIT 1`, id,
	).Scan(&t.Subject)
	if err != nil {
		return nil, db.MapSQLError(err)
	}

	rows, err = d.q().QueryContext(ctx, `
		SELECT DISTINCT t.tag
		FROM tags t JOIN messages m ON m.id = t.message_id
		WHERE m.thread_id = ?
		ORDER BY t.tag`, id,
	)
	if err != nil {
		return nil, db.MapSQLError(err)
	}
	t.Tags, err = scanStrings(rows)
	if err != nil {
		return nil, err
	}

	return t, nil
}

// ThreadMessages returns every message of a thread, oldest first.
func (d *Database) ThreadMessages(ctx context.Context,
	threadID string) ([]*Message, error) {

	if err := d.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := d.q().QueryContext(ctx, `
		SELECT id FROM messages
		WHERE thread_id = ? ORDER BY date, id`, threadID,
	)
	if err != nil {
		return nil, db.MapSQLError(err)
	}

	ids, err := scanStrings(rows)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("thread %s: %w", threadID, ErrNotFound)
	}

	return d.loadMessages(ctx, ids)
}

// ToplevelMessages returns the messages of a thread whose parent is not part
// of the thread, oldest first.
func (d *Database) ToplevelMessages(ctx context.Context,
	threadID string) ([]*Message, error) {

	if err := d.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := d.q().QueryContext(ctx, `
		SELECT m.id FROM messages m
		WHERE m.thread_id = ?
		AND (m.parent_id IS NULL OR NOT EXISTS (
			SELECT 1 FROM messages p
			WHERE p.id = m.parent_id AND p.thread_id = m.thread_id
		))
		ORDER BY m.date, m.id`, threadID,
	)
	if err != nil {
		return nil, db.MapSQLError(err)
	}

	ids, err := scanStrings(rows)
	if err != nil {
		return nil, err
	}

	return d.loadMessages(ctx, ids)
}
