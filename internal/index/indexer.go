package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/roasbeef/mailsync/internal/db"
)

// relPath converts a file path to the slash separated form stored in the
// index, relative to the mail root.
func (d *Database) relPath(p string) (string, error) {
	if !filepath.IsAbs(p) {
		p = filepath.Join(d.cfg.Root, p)
	}

	root, err := filepath.Abs(d.cfg.Root)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}

	rel, err := filepath.Rel(root, abs)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, p)
	}
	parent := ".." + string(filepath.Separator)
	if rel == ".." || strings.HasPrefix(rel, parent) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, p)
	}

	return filepath.ToSlash(rel), nil
}

// fileDir returns the directory of a relative path, with "" for the root.
func fileDir(rel string) string {
	dir := path.Dir(rel)
	if dir == "." {
		return ""
	}

	return dir
}

// IndexFile adds the message stored in the file at p. If the index already
// has a message with the same Message-ID, or already has this file, the file
// is recorded against that message and the message is returned together with
// ErrDuplicateMessageID.
func (d *Database) IndexFile(ctx context.Context, p string) (*Message, error) {
	if err := d.checkWritable(); err != nil {
		return nil, err
	}

	rel, err := d.relPath(p)
	if err != nil {
		return nil, err
	}

	var existing string
	err = d.tx.QueryRowContext(ctx,
		"SELECT message_id FROM message_files WHERE path = ?", rel,
	).Scan(&existing)
	switch {
	case err == nil:
		m, err := d.loadMessage(ctx, existing)
		if err != nil {
			return nil, err
		}

		return m, ErrDuplicateMessageID

	case !errors.Is(err, sql.ErrNoRows):
		return nil, db.MapSQLError(err)
	}

	full := filepath.Join(d.cfg.Root, filepath.FromSlash(rel))
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", rel, err)
	}

	parsed, err := parseMessage(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", rel, err)
	}

	m, err := d.loadMessage(ctx, parsed.id)
	switch {
	case err == nil:
		if err := d.addFile(ctx, rel, m.ID); err != nil {
			return nil, err
		}
		m.Filenames = append(m.Filenames, rel)

		log.DebugS(ctx, "Indexed duplicate message file",
			"message_id", m.ID, "path", rel)

		return m, ErrDuplicateMessageID

	case !errors.Is(err, ErrNotFound):
		return nil, err
	}

	threadID, err := d.linkThread(ctx, parsed)
	if err != nil {
		return nil, err
	}

	var parent any
	if parsed.parentID != "" {
		parent = parsed.parentID
	}

	_, err = d.tx.ExecContext(ctx, `
		INSERT INTO messages (id, thread_id, parent_id, from_header,
			to_header, subject, date, body)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		parsed.id, threadID, parent, parsed.from, parsed.to,
		parsed.subject, parsed.date.Unix(), parsed.body,
	)
	if err != nil {
		return nil, fmt.Errorf("insert message %s: %w", parsed.id,
			db.MapSQLError(err))
	}

	for _, ref := range parsed.refs {
		_, err := d.tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO message_refs (message_id, ref_id) "+
				"VALUES (?, ?)", parsed.id, ref,
		)
		if err != nil {
			return nil, fmt.Errorf("insert reference: %w",
				db.MapSQLError(err))
		}
	}

	if err := d.addFile(ctx, rel, parsed.id); err != nil {
		return nil, err
	}

	log.DebugS(ctx, "Indexed message",
		"message_id", parsed.id,
		"thread_id", threadID,
		"path", rel,
	)

	return d.loadMessage(ctx, parsed.id)
}

func (d *Database) addFile(ctx context.Context, rel, messageID string) error {
	_, err := d.tx.ExecContext(ctx,
		"INSERT INTO message_files (path, dir, message_id) "+
			"VALUES (?, ?, ?)", rel, fileDir(rel), messageID,
	)
	if err != nil {
		return fmt.Errorf("insert file %s: %w", rel, db.MapSQLError(err))
	}

	return nil
}

// linkThread picks the thread for a new message. The threads of indexed
// ancestors, of messages sharing an ancestor and of messages that already
// refer to the new message are merged into one, preferring the parent's
// thread as the survivor. A message unrelated to anything indexed starts a
// new thread.
func (d *Database) linkThread(ctx context.Context,
	parsed *parsedMessage) (string, error) {

	var candidates []string
	seen := make(map[string]struct{})
	add := func(ids []string) {
		for _, id := range ids {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			candidates = append(candidates, id)
		}
	}

	if parsed.parentID != "" {
		ids, err := d.threadsOf(ctx,
			"SELECT thread_id FROM messages WHERE id = ?",
			parsed.parentID,
		)
		if err != nil {
			return "", err
		}
		add(ids)
	}

	// Ancestors that are indexed, then messages sharing an ancestor that
	// is not indexed yet.
	for _, ref := range parsed.refs {
		ids, err := d.threadsOf(ctx,
			"SELECT thread_id FROM messages WHERE id = ?", ref,
		)
		if err != nil {
			return "", err
		}
		add(ids)
	}
	for _, ref := range parsed.refs {
		ids, err := d.threadsOf(ctx, `
			SELECT DISTINCT m.thread_id
			FROM message_refs r JOIN messages m ON m.id = r.message_id
			WHERE r.ref_id = ?
			ORDER BY m.thread_id`, ref,
		)
		if err != nil {
			return "", err
		}
		add(ids)
	}

	ids, err := d.threadsOf(ctx, `
		SELECT DISTINCT m.thread_id
		FROM message_refs r JOIN messages m ON m.id = r.message_id
		WHERE r.ref_id = ?
		ORDER BY m.thread_id`, parsed.id,
	)
	if err != nil {
		return "", err
	}
	add(ids)

	if len(candidates) == 0 {
		return d.nextThreadID(ctx)
	}

	survivor := candidates[0]
	for _, other := range candidates[1:] {
		_, err := d.tx.ExecContext(ctx,
			"UPDATE messages SET thread_id = ? WHERE thread_id = ?",
			survivor, other,
		)
		if err != nil {
			return "", fmt.Errorf("merge thread %s: %w", other,
				db.MapSQLError(err))
		}

		log.DebugS(ctx, "Merged threads",
			"into", survivor, "from", other)
	}

	return survivor, nil
}

func (d *Database) threadsOf(ctx context.Context, stmt string,
	args ...any) ([]string, error) {

	rows, err := d.tx.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, db.MapSQLError(err)
	}

	return scanStrings(rows)
}

// nextThreadID allocates a fresh thread id from the metadata counter.
func (d *Database) nextThreadID(ctx context.Context) (string, error) {
	var raw string
	err := d.tx.QueryRowContext(ctx, `
		UPDATE metadata SET value = CAST(value AS INTEGER) + 1
		WHERE key = 'last_thread_id'
		RETURNING value`,
	).Scan(&raw)
	if err != nil {
		return "", fmt.Errorf("allocate thread id: %w",
			db.MapSQLError(err))
	}

	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return "", fmt.Errorf("corrupt thread id counter %q: %w", raw,
			err)
	}

	return fmt.Sprintf("%016x", n), nil
}

// RemoveFile removes a file from the index. The message it holds is removed
// together with its last file. The returned flag reports whether the
// message itself was removed.
func (d *Database) RemoveFile(ctx context.Context, p string) (bool, error) {
	if err := d.checkWritable(); err != nil {
		return false, err
	}

	rel, err := d.relPath(p)
	if err != nil {
		return false, err
	}

	var id string
	err = d.tx.QueryRowContext(ctx,
		"SELECT message_id FROM message_files WHERE path = ?", rel,
	).Scan(&id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return false, fmt.Errorf("file %s: %w", rel, ErrNotFound)
	case err != nil:
		return false, db.MapSQLError(err)
	}

	_, err = d.tx.ExecContext(ctx,
		"DELETE FROM message_files WHERE path = ?", rel,
	)
	if err != nil {
		return false, fmt.Errorf("remove file %s: %w", rel,
			db.MapSQLError(err))
	}

	var remaining int
	err = d.tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM message_files WHERE message_id = ?", id,
	).Scan(&remaining)
	if err != nil {
		return false, db.MapSQLError(err)
	}
	if remaining > 0 {
		return false, nil
	}

	_, err = d.tx.ExecContext(ctx, "DELETE FROM messages WHERE id = ?", id)
	if err != nil {
		return false, fmt.Errorf("remove message %s: %w", id,
			db.MapSQLError(err))
	}

	log.DebugS(ctx, "Removed message", "message_id", id, "path", rel)

	return true, nil
}
