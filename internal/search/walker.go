package search

import (
	"slices"

	"github.com/lightningnetwork/lnd/fn/v2"
)

// Walker gives indexed access to the results of a search. Results are
// pulled from the handle only as far as a caller asks and are cached, so a
// list view can fill itself as it scrolls. A Walker is not safe for
// concurrent use.
type Walker[T any] struct {
	h *Handle[T]

	items []T
	empty bool

	focus   int
	reverse bool
}

// NewWalker wraps h. With reverse set, Next and Prev swap directions.
func NewWalker[T any](h *Handle[T], reverse bool) *Walker[T] {
	return &Walker[T]{
		h:       h,
		reverse: reverse,
	}
}

// fill pulls results until position i is cached or the handle runs dry.
func (w *Walker[T]) fill(i int) {
	for len(w.items) <= i && !w.empty {
		item, ok := w.h.Next()
		if !ok {
			w.empty = true
			return
		}
		w.items = append(w.items, item)
	}
}

// Get returns the result at position i, blocking until the worker has
// produced it. It returns None past the end of the results.
func (w *Walker[T]) Get(i int) fn.Option[T] {
	if i < 0 {
		return fn.None[T]()
	}

	w.fill(i)
	if i >= len(w.items) {
		return fn.None[T]()
	}

	return fn.Some(w.items[i])
}

// Empty reports whether every result has been pulled. It never goes back
// to false.
func (w *Walker[T]) Empty() bool {
	return w.empty
}

// Len returns the number of cached results.
func (w *Walker[T]) Len() int {
	return len(w.items)
}

// Lines returns the cached results.
func (w *Walker[T]) Lines() []T {
	return slices.Clone(w.items)
}

// Contains reports whether a cached result matches.
func (w *Walker[T]) Contains(match func(T) bool) bool {
	return slices.ContainsFunc(w.items, match)
}

// RemoveAt drops the cached result at position i. Later results move up.
func (w *Walker[T]) RemoveAt(i int) bool {
	if i < 0 || i >= len(w.items) {
		return false
	}

	w.items = slices.Delete(w.items, i, i+1)
	if i < w.focus {
		w.focus--
	}
	if w.focus >= len(w.items) && len(w.items) > 0 && w.empty {
		w.focus = len(w.items) - 1
	}

	return true
}

// Remove drops the first cached result that matches. Nothing is pulled
// from the handle.
func (w *Walker[T]) Remove(match func(T) bool) bool {
	i := slices.IndexFunc(w.items, match)
	if i < 0 {
		return false
	}

	return w.RemoveAt(i)
}

// Focus returns the focused position.
func (w *Walker[T]) Focus() int {
	return w.focus
}

// SetFocus moves the focus to position i if a result exists there.
func (w *Walker[T]) SetFocus(i int) bool {
	if w.Get(i).IsNone() {
		return false
	}
	w.focus = i

	return true
}

// Focused returns the focused result.
func (w *Walker[T]) Focused() fn.Option[T] {
	return w.Get(w.focus)
}

func (w *Walker[T]) step(delta int) fn.Option[T] {
	if w.reverse {
		delta = -delta
	}

	next := w.focus + delta
	item := w.Get(next)
	if item.IsSome() {
		w.focus = next
	}

	return item
}

// Next moves the focus one result forward and returns the result there.
// At the end it returns None and keeps the focus.
func (w *Walker[T]) Next() fn.Option[T] {
	return w.step(1)
}

// Prev moves the focus one result back.
func (w *Walker[T]) Prev() fn.Option[T] {
	return w.step(-1)
}

// Err returns the error that stopped the search early, if any.
func (w *Walker[T]) Err() error {
	return w.h.Err()
}

// Close terminates the search. Cached results stay readable.
func (w *Walker[T]) Close() {
	w.h.Terminate()
	w.empty = true
}
