package build

import (
	"context"
	"log/slog"

	"github.com/btcsuite/btclog"
	btclogv2 "github.com/btcsuite/btclog/v2"
)

// HandlerSet fans every record out to several btclog handlers, so the
// console and the log file see the same stream.
type HandlerSet struct {
	level btclog.Level
	set   []btclogv2.Handler
}

// NewHandlerSet combines handlers. All of them start at the Info level.
func NewHandlerSet(handlers ...btclogv2.Handler) *HandlerSet {
	h := &HandlerSet{set: handlers}
	h.SetLevel(btclog.LevelInfo)

	return h
}

// Enabled is part of the slog.Handler interface. A record is enabled only
// if every handler accepts it.
func (h *HandlerSet) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.set {
		if !handler.Enabled(ctx, level) {
			return false
		}
	}

	return true
}

// Handle is part of the slog.Handler interface.
func (h *HandlerSet) Handle(ctx context.Context, record slog.Record) error {
	for _, handler := range h.set {
		if err := handler.Handle(ctx, record); err != nil {
			return err
		}
	}

	return nil
}

// WithAttrs is part of the slog.Handler interface.
func (h *HandlerSet) WithAttrs(attrs []slog.Attr) slog.Handler {
	return h.reduce(func(handler btclogv2.Handler) slog.Handler {
		return handler.WithAttrs(attrs)
	})
}

// WithGroup is part of the slog.Handler interface.
func (h *HandlerSet) WithGroup(name string) slog.Handler {
	return h.reduce(func(handler btclogv2.Handler) slog.Handler {
		return handler.WithGroup(name)
	})
}

func (h *HandlerSet) reduce(
	f func(btclogv2.Handler) slog.Handler) *slogSet {

	out := &slogSet{set: make([]slog.Handler, len(h.set))}
	for i, handler := range h.set {
		out.set[i] = f(handler)
	}

	return out
}

func (h *HandlerSet) derive(
	f func(btclogv2.Handler) btclogv2.Handler) *HandlerSet {

	out := &HandlerSet{
		level: h.level,
		set:   make([]btclogv2.Handler, len(h.set)),
	}
	for i, handler := range h.set {
		out.set[i] = f(handler)
	}

	return out
}

// SubSystem is part of the btclog.Handler interface.
func (h *HandlerSet) SubSystem(tag string) btclogv2.Handler {
	return h.derive(func(handler btclogv2.Handler) btclogv2.Handler {
		return handler.SubSystem(tag)
	})
}

// WithPrefix is part of the btclog.Handler interface.
func (h *HandlerSet) WithPrefix(prefix string) btclogv2.Handler {
	return h.derive(func(handler btclogv2.Handler) btclogv2.Handler {
		return handler.WithPrefix(prefix)
	})
}

// SetLevel is part of the btclog.Handler interface.
func (h *HandlerSet) SetLevel(level btclog.Level) {
	for _, handler := range h.set {
		handler.SetLevel(level)
	}
	h.level = level
}

// Level is part of the btclog.Handler interface.
func (h *HandlerSet) Level() btclog.Level {
	return h.level
}

var _ btclogv2.Handler = (*HandlerSet)(nil)

// slogSet is the plain slog.Handler produced by WithAttrs and WithGroup.
type slogSet struct {
	set []slog.Handler
}

// Enabled is part of the slog.Handler interface.
func (s *slogSet) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range s.set {
		if !handler.Enabled(ctx, level) {
			return false
		}
	}

	return true
}

// Handle is part of the slog.Handler interface.
func (s *slogSet) Handle(ctx context.Context, record slog.Record) error {
	for _, handler := range s.set {
		if err := handler.Handle(ctx, record); err != nil {
			return err
		}
	}

	return nil
}

// WithAttrs is part of the slog.Handler interface.
func (s *slogSet) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := &slogSet{set: make([]slog.Handler, len(s.set))}
	for i, handler := range s.set {
		out.set[i] = handler.WithAttrs(attrs)
	}

	return out
}

// WithGroup is part of the slog.Handler interface.
func (s *slogSet) WithGroup(name string) slog.Handler {
	out := &slogSet{set: make([]slog.Handler, len(s.set))}
	for i, handler := range s.set {
		out.set[i] = handler.WithGroup(name)
	}

	return out
}

var _ slog.Handler = (*slogSet)(nil)
