package index

import (
	"context"
	"iter"
	"strings"

	"github.com/roasbeef/mailsync/internal/db"
	"github.com/roasbeef/mailsync/internal/query"
)

// SearchOptions controls thread and message searches.
type SearchOptions struct {
	// Sort is the result order.
	Sort query.Sort

	// Exclude hides messages carrying any of these tags, unless the query
	// names the tag explicitly.
	Exclude []string
}

// CountMessages returns the number of messages matching q. Exclude tags are
// not applied.
func (d *Database) CountMessages(ctx context.Context, q string) (int, error) {
	return d.count(ctx, "COUNT(*)", q)
}

// CountThreads returns the number of threads with at least one message
// matching q.
func (d *Database) CountThreads(ctx context.Context, q string) (int, error) {
	return d.count(ctx, "COUNT(DISTINCT m.thread_id)", q)
}

func (d *Database) count(ctx context.Context, expr, q string) (int, error) {
	if err := d.checkOpen(); err != nil {
		return 0, err
	}

	compiled, err := d.compile(ctx, q)
	if err != nil {
		return 0, err
	}

	var n int
	err = d.q().QueryRowContext(ctx,
		"SELECT "+expr+" FROM messages m WHERE ("+compiled.Where+")",
		compiled.Args...,
	).Scan(&n)
	if err != nil {
		return 0, db.MapSQLError(err)
	}

	return n, nil
}

// where builds the filter for a search, adding the exclusion clause.
func (d *Database) where(ctx context.Context, q string,
	exclude []string) (string, []any, error) {

	compiled, err := d.compile(ctx, q)
	if err != nil {
		return "", nil, err
	}

	clause := "(" + compiled.Where + ")"
	args := compiled.Args

	named := make(map[string]struct{}, len(compiled.Tags))
	for _, tag := range compiled.Tags {
		named[tag] = struct{}{}
	}

	var hidden []string
	for _, tag := range exclude {
		if _, ok := named[tag]; !ok {
			hidden = append(hidden, tag)
		}
	}

	if len(hidden) > 0 {
		placeholders := strings.TrimSuffix(
			strings.Repeat("?, ", len(hidden)), ", ",
		)
		clause += " AND NOT EXISTS (SELECT 1 FROM tags x WHERE " +
			"x.message_id = m.id AND x.tag IN (" + placeholders + "))"
		for _, tag := range hidden {
			args = append(args, tag)
		}
	}

	return clause, args, nil
}

func threadOrder(s query.Sort) string {
	switch s {
	case query.NewestFirst:
		return "MAX(m.date) DESC, m.thread_id"
	case query.MessageID:
		return "MIN(m.id), m.thread_id"
	case query.Unsorted:
		return "MIN(m.rowid)"
	default:
		return "MIN(m.date), m.thread_id"
	}
}

func messageOrder(s query.Sort) string {
	switch s {
	case query.NewestFirst:
		return "m.date DESC, m.id"
	case query.MessageID:
		return "m.id"
	case query.Unsorted:
		return "m.rowid"
	default:
		return "m.date, m.id"
	}
}

// SearchThreads returns the ids of the threads matching q in the requested
// order. A thread matches if any of its non-excluded messages matches. The
// sequence is lazy: the query runs when iteration starts and rows are read
// as the caller consumes them. Any error is yielded as the final element.
//
// NOTE: The handle has a single connection. Other calls on the same handle
// must not be made until iteration stops.
func (d *Database) SearchThreads(ctx context.Context, q string,
	opts SearchOptions) iter.Seq2[string, error] {

	return func(yield func(string, error) bool) {
		if err := d.checkOpen(); err != nil {
			yield("", err)
			return
		}

		clause, args, err := d.where(ctx, q, opts.Exclude)
		if err != nil {
			yield("", err)
			return
		}

		rows, err := d.q().QueryContext(ctx,
			"SELECT m.thread_id FROM messages m WHERE "+clause+
				" GROUP BY m.thread_id ORDER BY "+
				threadOrder(opts.Sort),
			args...,
		)
		if err != nil {
			yield("", db.MapSQLError(err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				yield("", err)
				return
			}

			if !yield(id, nil) {
				return
			}
		}

		if err := rows.Err(); err != nil {
			yield("", db.MapSQLError(err))
		}
	}
}

// MessageIDs returns the ids of every message matching q in the requested
// order.
func (d *Database) MessageIDs(ctx context.Context, q string,
	opts SearchOptions) ([]string, error) {

	if err := d.checkOpen(); err != nil {
		return nil, err
	}

	clause, args, err := d.where(ctx, q, opts.Exclude)
	if err != nil {
		return nil, err
	}

	rows, err := d.q().QueryContext(ctx,
		"SELECT m.id FROM messages m WHERE "+clause+
			" ORDER BY "+messageOrder(opts.Sort),
		args...,
	)
	if err != nil {
		return nil, db.MapSQLError(err)
	}

	return scanStrings(rows)
}

// SearchMessages yields the messages matching q. The matching ids are read
// up front, so the caller may modify messages while iterating.
func (d *Database) SearchMessages(ctx context.Context, q string,
	opts SearchOptions) iter.Seq2[*Message, error] {

	return func(yield func(*Message, error) bool) {
		ids, err := d.MessageIDs(ctx, q, opts)
		if err != nil {
			yield(nil, err)
			return
		}

		for _, id := range ids {
			m, err := d.loadMessage(ctx, id)
			if err != nil {
				yield(nil, err)
				return
			}

			if !yield(m, nil) {
				return
			}
		}
	}
}
