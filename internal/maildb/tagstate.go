package maildb

import (
	"slices"
	"sync"

	"github.com/google/uuid"
)

// tagDelta is one queued tag change.
type tagDelta struct {
	id uuid.UUID

	// reset clears the confirmed tags before add is applied.
	reset  bool
	add    []string
	remove []string
}

func (d *tagDelta) applyTo(tags map[string]struct{}) {
	if d.reset {
		clear(tags)
	}
	for _, tag := range d.add {
		tags[tag] = struct{}{}
	}
	for _, tag := range d.remove {
		delete(tags, tag)
	}
}

// TagState is the tag set of one message as the client sees it: the tags
// confirmed by the index plus the changes still waiting in the write queue.
// A change moves from pending to confirmed when its mutation commits.
type TagState struct {
	mu        sync.Mutex
	confirmed map[string]struct{}
	pending   []*tagDelta
}

func newTagState(tags []string) *TagState {
	s := &TagState{confirmed: make(map[string]struct{}, len(tags))}
	for _, tag := range tags {
		s.confirmed[tag] = struct{}{}
	}

	return s
}

// view returns confirmed with the pending deltas applied in order.
func (s *TagState) view() map[string]struct{} {
	tags := make(map[string]struct{}, len(s.confirmed))
	for tag := range s.confirmed {
		tags[tag] = struct{}{}
	}
	for _, d := range s.pending {
		d.applyTo(tags)
	}

	return tags
}

// View returns the tags the client should display, sorted.
func (s *TagState) View() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return sortedSet(s.view())
}

// Confirmed returns the tags last read from or committed to the index.
func (s *TagState) Confirmed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return sortedSet(s.confirmed)
}

// Has reports whether the view contains tag.
func (s *TagState) Has(tag string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.view()[tag]
	return ok
}

// Pending returns the number of unconfirmed changes.
func (s *TagState) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.pending)
}

func (s *TagState) push(d *tagDelta) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending = append(s.pending, d)
}

// confirm folds the delta with the given id into the confirmed set.
func (s *TagState) confirm(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := slices.IndexFunc(s.pending, func(d *tagDelta) bool {
		return d.id == id
	})
	if i < 0 {
		return
	}

	s.pending[i].applyTo(s.confirmed)
	s.pending = slices.Delete(s.pending, i, i+1)
}

// drop forgets the delta with the given id without confirming it.
func (s *TagState) drop(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending = slices.DeleteFunc(s.pending, func(d *tagDelta) bool {
		return d.id == id
	})
}

// viewSet returns a copy of the view as a set.
func (s *TagState) viewSet() map[string]struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.view()
}

// reset replaces the confirmed tags with a fresh read from the index,
// keeping pending changes.
func (s *TagState) reset(tags []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	clear(s.confirmed)
	for _, tag := range tags {
		s.confirmed[tag] = struct{}{}
	}
}

func sortedSet(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for tag := range set {
		out = append(out, tag)
	}
	slices.Sort(out)

	return out
}
