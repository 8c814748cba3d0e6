package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roasbeef/mailsync/internal/db"
)

// MaxTagLength is the longest tag accepted.
const MaxTagLength = 200

// Message is one indexed message. Tag edits go straight to the index unless
// the message is frozen, in which case they are applied together at Thaw.
type Message struct {
	d *Database

	// ID is the Message-ID without angle brackets.
	ID string

	// ThreadID is the id of the thread the message belongs to.
	ThreadID string

	// ParentID is the Message-ID of the direct parent. It may name a
	// message that is not indexed.
	ParentID string

	From    string
	To      string
	Subject string
	Date    time.Time

	// Filenames lists every indexed file holding this message, relative
	// to the mail root.
	Filenames []string

	tags   map[string]struct{}
	frozen int
	dirty  bool
}

// Tags returns the message tags in sorted order.
func (m *Message) Tags() []string {
	return sortedKeys(m.tags)
}

// HasTag reports whether the message carries tag.
func (m *Message) HasTag(tag string) bool {
	_, ok := m.tags[tag]
	return ok
}

// Filename returns the first file of the message.
func (m *Message) Filename() string {
	if len(m.Filenames) == 0 {
		return ""
	}

	return m.Filenames[0]
}

func validateTag(tag string) error {
	switch {
	case tag == "":
		return fmt.Errorf("%w: empty tag", ErrInvalidTag)
	case len(tag) > MaxTagLength:
		return fmt.Errorf("%w: tag longer than %d bytes", ErrInvalidTag,
			MaxTagLength)
	}

	return nil
}

// AddTag adds tag to the message.
func (m *Message) AddTag(ctx context.Context, tag string) error {
	if err := m.d.checkWritable(); err != nil {
		return err
	}
	if err := validateTag(tag); err != nil {
		return err
	}

	m.tags[tag] = struct{}{}
	if m.frozen > 0 {
		m.dirty = true
		return nil
	}

	_, err := m.d.tx.ExecContext(ctx,
		"INSERT OR IGNORE INTO tags (message_id, tag) VALUES (?, ?)",
		m.ID, tag,
	)
	if err != nil {
		return fmt.Errorf("add tag %s to %s: %w", tag, m.ID,
			db.MapSQLError(err))
	}

	return nil
}

// RemoveTag removes tag from the message. Removing an absent tag is not an
// error.
func (m *Message) RemoveTag(ctx context.Context, tag string) error {
	if err := m.d.checkWritable(); err != nil {
		return err
	}
	if err := validateTag(tag); err != nil {
		return err
	}

	delete(m.tags, tag)
	if m.frozen > 0 {
		m.dirty = true
		return nil
	}

	_, err := m.d.tx.ExecContext(ctx,
		"DELETE FROM tags WHERE message_id = ? AND tag = ?", m.ID, tag,
	)
	if err != nil {
		return fmt.Errorf("remove tag %s from %s: %w", tag, m.ID,
			db.MapSQLError(err))
	}

	return nil
}

// RemoveAllTags clears every tag of the message.
func (m *Message) RemoveAllTags(ctx context.Context) error {
	if err := m.d.checkWritable(); err != nil {
		return err
	}

	m.tags = make(map[string]struct{})
	if m.frozen > 0 {
		m.dirty = true
		return nil
	}

	_, err := m.d.tx.ExecContext(ctx,
		"DELETE FROM tags WHERE message_id = ?", m.ID,
	)
	if err != nil {
		return fmt.Errorf("clear tags of %s: %w", m.ID,
			db.MapSQLError(err))
	}

	return nil
}

// Freeze defers tag edits until the matching Thaw. Freezes nest.
func (m *Message) Freeze() error {
	if err := m.d.checkWritable(); err != nil {
		return err
	}
	m.frozen++

	return nil
}

// Thaw ends one Freeze. When the last freeze ends, the tag set accumulated
// while frozen replaces the stored tags in one step.
func (m *Message) Thaw(ctx context.Context) error {
	if err := m.d.checkWritable(); err != nil {
		return err
	}
	if m.frozen == 0 {
		return ErrUnbalancedFreezeThaw
	}

	m.frozen--
	if m.frozen > 0 || !m.dirty {
		return nil
	}

	_, err := m.d.tx.ExecContext(ctx,
		"DELETE FROM tags WHERE message_id = ?", m.ID,
	)
	if err != nil {
		return fmt.Errorf("thaw %s: %w", m.ID, db.MapSQLError(err))
	}

	for _, tag := range m.Tags() {
		_, err := m.d.tx.ExecContext(ctx,
			"INSERT INTO tags (message_id, tag) VALUES (?, ?)",
			m.ID, tag,
		)
		if err != nil {
			return fmt.Errorf("thaw %s: %w", m.ID,
				db.MapSQLError(err))
		}
	}
	m.dirty = false

	return nil
}

// Replies returns the direct replies to the message, oldest first.
func (m *Message) Replies(ctx context.Context) ([]*Message, error) {
	if err := m.d.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := m.d.q().QueryContext(ctx, `
		SELECT id FROM messages
		WHERE thread_id = ? AND parent_id = ?
		ORDER BY date, id`,
		m.ThreadID, m.ID,
	)
	if err != nil {
		return nil, db.MapSQLError(err)
	}

	ids, err := scanStrings(rows)
	if err != nil {
		return nil, err
	}

	return m.d.loadMessages(ctx, ids)
}

// FindMessage looks a message up by Message-ID.
func (d *Database) FindMessage(ctx context.Context, id string) (*Message,
	error) {

	if err := d.checkOpen(); err != nil {
		return nil, err
	}

	return d.loadMessage(ctx, id)
}

// FindMessageByFilename returns the message stored in the given file.
func (d *Database) FindMessageByFilename(ctx context.Context,
	path string) (*Message, error) {

	if err := d.checkOpen(); err != nil {
		return nil, err
	}

	rel, err := d.relPath(path)
	if err != nil {
		return nil, err
	}

	var id string
	err = d.q().QueryRowContext(ctx,
		"SELECT message_id FROM message_files WHERE path = ?", rel,
	).Scan(&id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("file %s: %w", rel, ErrNotFound)
	case err != nil:
		return nil, db.MapSQLError(err)
	}

	return d.loadMessage(ctx, id)
}

// loadMessage reads a message row with its tags and files.
func (d *Database) loadMessage(ctx context.Context, id string) (*Message,
	error) {

	m := &Message{
		d:    d,
		tags: make(map[string]struct{}),
	}

	var (
		parent sql.NullString
		date   int64
	)
	err := d.q().QueryRowContext(ctx, `
		SELECT id, thread_id, parent_id, from_header, to_header,
			subject, date
		FROM messages WHERE id = ?`, id,
	).Scan(
		&m.ID, &m.ThreadID, &parent, &m.From, &m.To, &m.Subject, &date,
	)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("message %s: %w", id, ErrNotFound)
	case err != nil:
		return nil, db.MapSQLError(err)
	}
	m.ParentID = parent.String
	m.Date = time.Unix(date, 0)

	rows, err := d.q().QueryContext(ctx,
		"SELECT tag FROM tags WHERE message_id = ?", id,
	)
	if err != nil {
		return nil, db.MapSQLError(err)
	}
	tags, err := scanStrings(rows)
	if err != nil {
		return nil, err
	}
	for _, tag := range tags {
		m.tags[tag] = struct{}{}
	}

	rows, err = d.q().QueryContext(ctx,
		"SELECT path FROM message_files WHERE message_id = ? "+
			"ORDER BY path", id,
	)
	if err != nil {
		return nil, db.MapSQLError(err)
	}
	m.Filenames, err = scanStrings(rows)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// loadMessages loads each id in order.
func (d *Database) loadMessages(ctx context.Context,
	ids []string) ([]*Message, error) {

	msgs := make([]*Message, 0, len(ids))
	for _, id := range ids {
		m, err := d.loadMessage(ctx, id)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}

	return msgs, nil
}
