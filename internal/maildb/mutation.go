package maildb

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind identifies what a Mutation does.
type Kind string

const (
	// KindTag adds tags to every message matching a query.
	KindTag Kind = "tag"

	// KindUntag removes tags from every message matching a query.
	KindUntag Kind = "untag"

	// KindSet replaces the tags of every message matching a query.
	KindSet Kind = "set"

	// KindAddMessage indexes a message file and applies initial tags.
	KindAddMessage Kind = "add-message"

	// KindRemoveMessage removes a message file from the index.
	KindRemoveMessage Kind = "remove-message"

	// KindSaveQuery stores a named query.
	KindSaveQuery Kind = "save-query"

	// KindRemoveQuery deletes a named query.
	KindRemoveQuery Kind = "remove-query"
)

// Mutation is one queued write. Mutations are applied in the order they were
// enqueued and are never merged.
type Mutation struct {
	// ID identifies the mutation in logs and the journal.
	ID uuid.UUID

	Kind Kind

	// Query selects the messages for tag, untag and set. For save-query
	// it is the saved query text.
	Query string

	// Path is the message file for add-message and remove-message.
	Path string

	// Tags are the tags to add, remove or set. For add-message they are
	// the initial tags of the new message.
	Tags []string

	// Name is the named query for save-query and remove-query.
	Name string

	// Afterwards runs inside Flush after the mutation has been committed.
	Afterwards func()

	EnqueuedAt time.Time
}

// String returns a short description used in logs and errors.
func (m *Mutation) String() string {
	switch m.Kind {
	case KindTag, KindUntag, KindSet:
		return fmt.Sprintf("%s [%s] on %q", m.Kind,
			strings.Join(m.Tags, " "), m.Query)

	case KindAddMessage, KindRemoveMessage:
		return fmt.Sprintf("%s %s", m.Kind, m.Path)

	default:
		return fmt.Sprintf("%s %s", m.Kind, m.Name)
	}
}

func (m *Mutation) validate() error {
	switch m.Kind {
	case KindTag, KindUntag:
		if len(m.Tags) == 0 {
			return fmt.Errorf("%s: no tags given", m.Kind)
		}

	case KindSet:

	case KindAddMessage, KindRemoveMessage:
		if m.Path == "" {
			return fmt.Errorf("%s: no path given", m.Kind)
		}

	case KindSaveQuery, KindRemoveQuery:
		if m.Name == "" {
			return fmt.Errorf("%s: no name given", m.Kind)
		}

	default:
		return fmt.Errorf("unknown mutation kind %q", m.Kind)
	}

	for _, tag := range m.Tags {
		if tag == "" {
			return errors.New("empty tag")
		}
	}

	return nil
}

// Option configures a mutator call.
type Option func(*mutatorOptions)

type mutatorOptions struct {
	removeRest bool
	afterwards []func()
}

// WithRemoveRest turns a tag call into a set: every tag not listed is
// removed from the matched messages.
func WithRemoveRest() Option {
	return func(o *mutatorOptions) {
		o.removeRest = true
	}
}

// WithAfterwards registers a callback that runs inside Flush once the
// mutation has been committed.
func WithAfterwards(fn func()) Option {
	return func(o *mutatorOptions) {
		if fn != nil {
			o.afterwards = append(o.afterwards, fn)
		}
	}
}

func applyOptions(opts []Option) *mutatorOptions {
	o := &mutatorOptions{}
	for _, opt := range opts {
		opt(o)
	}

	return o
}

// callback chains the registered callbacks after first, which may be nil.
func (o *mutatorOptions) callback(first func()) func() {
	fns := o.afterwards
	if first != nil {
		fns = append([]func(){first}, fns...)
	}
	if len(fns) == 0 {
		return nil
	}

	return func() {
		for _, fn := range fns {
			fn()
		}
	}
}
