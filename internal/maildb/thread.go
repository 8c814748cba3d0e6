package maildb

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/roasbeef/mailsync/internal/index"
	"github.com/roasbeef/mailsync/internal/query"
)

// Thread is a conversation loaded through the gateway. It caches the thread
// metadata and the reply tree as of the last Refresh. The tree is an arena
// of messages keyed by id with explicit reply lists.
//
// A Thread belongs to the caller that loaded it and is not safe for
// concurrent Refresh.
type Thread struct {
	g  *Gateway
	id string

	subject string
	authors []string
	oldest  time.Time
	newest  time.Time
	total   int

	arena    map[string]*Message
	toplevel []string

	// order lists every message depth first, replies after their parent.
	order []string
}

// Refresh reloads the metadata and rebuilds the reply tree from the index.
// Tag changes that are still queued stay visible.
func (t *Thread) Refresh(ctx context.Context) error {
	var (
		meta *index.Thread
		all  []*index.Message
		top  []*index.Message
	)
	err := t.g.withRead(ctx, func(d *index.Database) error {
		var err error
		if meta, err = d.FindThread(ctx, t.id); err != nil {
			return err
		}
		if all, err = d.ThreadMessages(ctx, t.id); err != nil {
			return err
		}
		top, err = d.ToplevelMessages(ctx, t.id)

		return err
	})
	switch {
	case errors.Is(err, index.ErrNotFound):
		return &NotFoundError{Kind: "thread", ID: t.id, Err: err}
	case err != nil:
		return err
	}

	arena := make(map[string]*Message, len(all))
	for _, im := range all {
		var state *TagState
		if old, ok := t.arena[im.ID]; ok {
			state = old.tags
			state.reset(im.Tags())
		}
		arena[im.ID] = newMessage(t.g, im, state)
	}

	toplevel := make([]string, 0, len(top))
	isTop := make(map[string]bool, len(top))
	for _, im := range top {
		toplevel = append(toplevel, im.ID)
		isTop[im.ID] = true
	}

	// all is in date order, so reply lists are too.
	for _, im := range all {
		if isTop[im.ID] {
			continue
		}
		if parent, ok := arena[im.ParentID]; ok {
			parent.replies = append(parent.replies, im.ID)
		}
	}

	var (
		order   []string
		visited = make(map[string]bool, len(all))
		walk    func(id string)
	)
	walk = func(id string) {
		if visited[id] {
			return
		}
		visited[id] = true
		order = append(order, id)

		for _, reply := range arena[id].replies {
			walk(reply)
		}
	}
	for _, id := range toplevel {
		walk(id)
	}

	// Messages caught in a reference loop have no root. Treat them as
	// top level so they are still shown.
	for _, im := range all {
		if !visited[im.ID] {
			toplevel = append(toplevel, im.ID)
			walk(im.ID)
		}
	}

	t.subject = meta.Subject
	t.authors = meta.Authors
	t.oldest = meta.Oldest
	t.newest = meta.Newest
	t.total = meta.TotalMessages
	t.arena = arena
	t.toplevel = toplevel
	t.order = order

	return nil
}

// ID returns the thread id.
func (t *Thread) ID() string {
	return t.id
}

// Subject returns the subject of the oldest message.
func (t *Thread) Subject() string {
	return t.subject
}

// Authors returns the distinct senders ordered by their first message.
func (t *Thread) Authors() []string {
	return t.authors
}

// AuthorsString joins the authors for display.
func (t *Thread) AuthorsString() string {
	return strings.Join(t.authors, ", ")
}

// Oldest returns the date of the oldest message.
func (t *Thread) Oldest() time.Time {
	return t.oldest
}

// Newest returns the date of the newest message.
func (t *Thread) Newest() time.Time {
	return t.newest
}

// TotalMessages returns the number of messages in the thread.
func (t *Thread) TotalMessages() int {
	return t.total
}

// Query returns the query matching every message of the thread.
func (t *Thread) Query() string {
	return "thread:" + t.id
}

// Tags returns the tag view of the thread: the union of the message tags,
// or their intersection.
func (t *Thread) Tags(intersection bool) []string {
	var (
		acc   map[string]struct{}
		first = true
	)
	for _, id := range t.order {
		tags := t.arena[id].tags.viewSet()

		switch {
		case first:
			acc = tags
			first = false

		case intersection:
			for tag := range acc {
				if _, ok := tags[tag]; !ok {
					delete(acc, tag)
				}
			}

		default:
			for tag := range tags {
				acc[tag] = struct{}{}
			}
		}
	}

	return sortedSet(acc)
}

// Messages returns every message depth first, each reply after its parent.
func (t *Thread) Messages() []*Message {
	return t.lookup(t.order)
}

// TopLevel returns the messages whose parent is not in the thread.
func (t *Thread) TopLevel() []*Message {
	return t.lookup(t.toplevel)
}

// Replies returns the direct replies to the message with the given id.
func (t *Thread) Replies(id string) []*Message {
	m, ok := t.arena[id]
	if !ok {
		return nil
	}

	return t.lookup(m.replies)
}

// Message returns the message with the given id if it is in the thread.
func (t *Thread) Message(id string) fn.Option[*Message] {
	m, ok := t.arena[id]
	if !ok {
		return fn.None[*Message]()
	}

	return fn.Some(m)
}

// Parent returns the parent of the message with the given id if the parent
// is in the thread.
func (t *Thread) Parent(id string) fn.Option[*Message] {
	m, ok := t.arena[id]
	if !ok || m.ParentID == "" {
		return fn.None[*Message]()
	}

	return t.Message(m.ParentID)
}

func (t *Thread) lookup(ids []string) []*Message {
	msgs := make([]*Message, 0, len(ids))
	for _, id := range ids {
		msgs = append(msgs, t.arena[id])
	}

	return msgs
}

func (t *Thread) tagStates() []*TagState {
	states := make([]*TagState, 0, len(t.arena))
	for _, id := range t.order {
		states = append(states, t.arena[id].tags)
	}

	return states
}

// AddTags shows tags on every message right away and queues writing them
// to the whole thread. WithRemoveRest replaces every other tag.
func (t *Thread) AddTags(ctx context.Context, tags []string,
	opts ...Option) error {

	return queueTagChange(
		ctx, t.g, t.Query(), t.tagStates(), tags, false, opts,
	)
}

// RemoveTags hides tags right away and queues removing them from the whole
// thread. Only tags present on some message are removed; if none are
// present nothing is queued.
func (t *Thread) RemoveTags(ctx context.Context, tags []string,
	opts ...Option) error {

	union := make(map[string]struct{})
	for _, tag := range t.Tags(false) {
		union[tag] = struct{}{}
	}

	present := presentTags(tags, union)
	if len(present) == 0 {
		return nil
	}

	return queueTagChange(
		ctx, t.g, t.Query(), t.tagStates(), present, true, opts,
	)
}

// Matches reports whether any message of the thread matches q. The answer
// always comes from the index.
func (t *Thread) Matches(ctx context.Context, q string) (bool, error) {
	n, err := t.g.CountMessages(ctx, query.AndQueries(t.Query(), q))
	if err != nil {
		return false, err
	}

	return n > 0, nil
}
