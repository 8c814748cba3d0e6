package maildb

import (
	"context"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/roasbeef/mailsync/internal/index"
	"github.com/roasbeef/mailsync/internal/query"
)

// Message is a message loaded through the gateway. Its header fields are a
// snapshot; its tags are an optimistic view that includes queued changes.
type Message struct {
	g *Gateway

	ID       string
	ThreadID string

	// ParentID is the direct parent, which may not be indexed.
	ParentID string

	From    string
	To      string
	Subject string
	Date    time.Time

	Filenames []string

	tags *TagState

	// replies lists direct replies in date order. It is filled in by the
	// owning thread.
	replies []string
}

func newMessage(g *Gateway, im *index.Message, tags *TagState) *Message {
	if tags == nil {
		tags = newTagState(im.Tags())
	}

	return &Message{
		g:         g,
		ID:        im.ID,
		ThreadID:  im.ThreadID,
		ParentID:  im.ParentID,
		From:      im.From,
		To:        im.To,
		Subject:   im.Subject,
		Date:      im.Date,
		Filenames: im.Filenames,
		tags:      tags,
	}
}

// Tags returns the current tag view, sorted.
func (m *Message) Tags() []string {
	return m.tags.View()
}

// HasTag reports whether the tag view contains tag.
func (m *Message) HasTag(tag string) bool {
	return m.tags.Has(tag)
}

// TagState exposes the confirmed and pending tags of the message.
func (m *Message) TagState() *TagState {
	return m.tags
}

// Filename returns the first file of the message.
func (m *Message) Filename() string {
	if len(m.Filenames) == 0 {
		return ""
	}

	return m.Filenames[0]
}

// Author returns the display name and address of the sender. The name
// falls back to the address.
func (m *Message) Author() (string, string) {
	addr, err := mail.ParseAddress(m.From)
	if err != nil {
		return index.AuthorName(m.From), ""
	}

	return index.AuthorName(m.From), strings.ToLower(addr.Address)
}

// Query returns the query matching exactly this message.
func (m *Message) Query() string {
	return "id:" + query.Quote(m.ID)
}

// AddTags shows tags on the message right away and queues writing them.
// WithRemoveRest replaces every other tag.
func (m *Message) AddTags(ctx context.Context, tags []string,
	opts ...Option) error {

	return queueTagChange(
		ctx, m.g, m.Query(), []*TagState{m.tags}, tags, false, opts,
	)
}

// RemoveTags hides tags on the message right away and queues removing
// them. Tags the message does not carry are skipped; if none remain nothing
// is queued.
func (m *Message) RemoveTags(ctx context.Context, tags []string,
	opts ...Option) error {

	present := presentTags(tags, m.tags.viewSet())
	if len(present) == 0 {
		return nil
	}

	return queueTagChange(
		ctx, m.g, m.Query(), []*TagState{m.tags}, present, true, opts,
	)
}

// Matches reports whether the message matches q. The answer always comes
// from the index, never from the optimistic tag view.
func (m *Message) Matches(ctx context.Context, q string) (bool, error) {
	n, err := m.g.CountMessages(ctx, query.AndQueries(m.Query(), q))
	if err != nil {
		return false, err
	}

	return n > 0, nil
}

// presentTags returns the tags of want that are in have, in want order.
func presentTags(want []string, have map[string]struct{}) []string {
	var out []string
	for _, tag := range want {
		if _, ok := have[tag]; ok {
			out = append(out, tag)
		}
	}

	return out
}

// queueTagChange applies a tag change to the given views and queues the
// matching mutation on scope. The change is confirmed in every view once
// the mutation commits.
func queueTagChange(ctx context.Context, g *Gateway, scope string,
	states []*TagState, tags []string, remove bool, opts []Option) error {

	o := applyOptions(opts)

	delta := &tagDelta{id: uuid.New()}
	kind := KindTag
	switch {
	case remove:
		kind = KindUntag
		delta.remove = tags

	case o.removeRest:
		kind = KindSet
		delta.reset = true
		delta.add = tags

	default:
		delta.add = tags
	}

	m := &Mutation{
		ID:    delta.id,
		Kind:  kind,
		Query: scope,
		Tags:  tags,
	}
	m.Afterwards = o.callback(func() {
		for _, s := range states {
			s.confirm(delta.id)
		}
	})

	// The view changes before the mutation is queued so a flush on
	// another goroutine always finds the delta to confirm.
	for _, s := range states {
		s.push(delta)
	}

	if err := g.queue.Enqueue(ctx, m); err != nil {
		for _, s := range states {
			s.drop(delta.id)
		}

		return err
	}

	return nil
}
