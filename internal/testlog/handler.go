// Package testlog provides a slog.Handler that records log entries so tests
// can assert on what was logged.
package testlog

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// Entry is one recorded log call. Attrs are rendered as key=value, with group
// names joined by dots.
type Entry struct {
	Level   slog.Level
	Message string
	Attrs   map[string]string
}

func (e Entry) String() string {
	keys := make([]string, 0, len(e.Attrs))
	for k, v := range e.Attrs {
		keys = append(keys, k+"="+v)
	}
	return fmt.Sprintf("%s: %s %s", e.Level, e.Message, strings.Join(keys, ", "))
}

type recorder struct {
	mu      sync.Mutex
	entries []Entry
}

// Handler records every entry it handles. Handlers derived with WithAttrs or
// WithGroup share the same record.
type Handler struct {
	rec         *recorder
	attrs       []slog.Attr
	groups      []string
	ignoreDebug bool
}

type Option func(*Handler)

// WithIgnoreDebug drops DEBUG entries.
func WithIgnoreDebug() Option {
	return func(h *Handler) {
		h.ignoreDebug = true
	}
}

func New(opts ...Option) *Handler {
	h := &Handler{rec: &recorder{}}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

//nolint:gocritic
func (h *Handler) Handle(_ context.Context, r slog.Record) error {
	if r.Level == slog.LevelDebug && h.ignoreDebug {
		return nil
	}

	e := Entry{Level: r.Level, Message: r.Message, Attrs: map[string]string{}}
	for _, a := range h.attrs {
		flatten(e.Attrs, "", a)
	}
	prefix := groupPrefix(h.groups)
	r.Attrs(func(a slog.Attr) bool {
		flatten(e.Attrs, prefix, a)
		return true
	})

	h.rec.mu.Lock()
	h.rec.entries = append(h.rec.entries, e)
	h.rec.mu.Unlock()
	return nil
}

func flatten(dst map[string]string, prefix string, a slog.Attr) {
	if a.Value.Kind() == slog.KindGroup {
		for _, ga := range a.Value.Group() {
			flatten(dst, prefix+a.Key+".", ga)
		}
		return
	}
	dst[prefix+a.Key] = a.Value.String()
}

func groupPrefix(groups []string) string {
	if len(groups) == 0 {
		return ""
	}
	return strings.Join(groups, ".") + "."
}

func (h *Handler) Enabled(context.Context, slog.Level) bool {
	return true
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	prefix := groupPrefix(h.groups)
	prefixed := make([]slog.Attr, 0, len(attrs))
	for _, a := range attrs {
		prefixed = append(prefixed, slog.Attr{Key: prefix + a.Key, Value: a.Value})
	}

	return &Handler{
		rec:         h.rec,
		attrs:       append(h.attrs[:len(h.attrs):len(h.attrs)], prefixed...),
		groups:      h.groups,
		ignoreDebug: h.ignoreDebug,
	}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &Handler{
		rec:         h.rec,
		attrs:       h.attrs,
		groups:      append(h.groups[:len(h.groups):len(h.groups)], name),
		ignoreDebug: h.ignoreDebug,
	}
}

// Entries returns a copy of everything recorded so far.
func (h *Handler) Entries() []Entry {
	h.rec.mu.Lock()
	defer h.rec.mu.Unlock()

	return append([]Entry(nil), h.rec.entries...)
}

// Find returns the recorded entries at level whose message contains substr.
func (h *Handler) Find(level slog.Level, substr string) []Entry {
	var out []Entry
	for _, e := range h.Entries() {
		if e.Level == level && strings.Contains(e.Message, substr) {
			out = append(out, e)
		}
	}
	return out
}
