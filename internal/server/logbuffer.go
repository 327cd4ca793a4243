package server

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// LogEntry represents a single captured log line.
type LogEntry struct {
	Time    time.Time      `json:"time"`
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Attrs   map[string]any `json:"attrs,omitempty"`
}

// logRing is shared by a LogBuffer and every handler derived from it.
type logRing struct {
	mu      sync.Mutex
	entries []LogEntry
	pos     int
	full    bool
}

func (r *logRing) add(e LogEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[r.pos] = e
	r.pos++
	if r.pos >= len(r.entries) {
		r.pos = 0
		r.full = true
	}
}

// LogBuffer is a ring-buffer slog.Handler that captures recent log entries
// while forwarding them to a wrapped handler.
type LogBuffer struct {
	inner slog.Handler
	ring  *logRing
	attrs []slog.Attr
	group string
}

// NewLogBuffer creates a LogBuffer wrapping the given handler, retaining up to maxSize entries.
func NewLogBuffer(inner slog.Handler, maxSize int) *LogBuffer {
	if maxSize < 1 {
		maxSize = 1
	}
	return &LogBuffer{
		inner: inner,
		ring:  &logRing{entries: make([]LogEntry, maxSize)},
	}
}

// Enabled delegates to the inner handler.
func (lb *LogBuffer) Enabled(ctx context.Context, level slog.Level) bool {
	return lb.inner.Enabled(ctx, level)
}

// Handle captures the log record into the ring buffer and forwards to the inner handler.
func (lb *LogBuffer) Handle(ctx context.Context, r slog.Record) error {
	entry := LogEntry{
		Time:    r.Time,
		Level:   r.Level.String(),
		Message: r.Message,
	}

	if n := len(lb.attrs) + r.NumAttrs(); n > 0 {
		entry.Attrs = make(map[string]any, n)
		for _, a := range lb.attrs {
			entry.Attrs[a.Key] = a.Value.Any()
		}
		r.Attrs(func(a slog.Attr) bool {
			entry.Attrs[lb.key(a.Key)] = a.Value.Any()
			return true
		})
	}
	lb.ring.add(entry)

	return lb.inner.Handle(ctx, r)
}

func (lb *LogBuffer) key(k string) string {
	if lb.group == "" {
		return k
	}
	return lb.group + "." + k
}

// WithAttrs returns a handler that shares this buffer and records attrs on every entry.
func (lb *LogBuffer) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(lb.attrs)+len(attrs))
	merged = append(merged, lb.attrs...)
	for _, a := range attrs {
		a.Key = lb.key(a.Key)
		merged = append(merged, a)
	}
	return &LogBuffer{
		inner: lb.inner.WithAttrs(attrs),
		ring:  lb.ring,
		attrs: merged,
		group: lb.group,
	}
}

// WithGroup returns a handler that shares this buffer and prefixes later keys.
func (lb *LogBuffer) WithGroup(name string) slog.Handler {
	return &LogBuffer{
		inner: lb.inner.WithGroup(name),
		ring:  lb.ring,
		attrs: lb.attrs,
		group: lb.key(name),
	}
}

// Entries returns the buffered log entries in chronological order.
func (lb *LogBuffer) Entries() []LogEntry {
	r := lb.ring
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.full {
		result := make([]LogEntry, r.pos)
		copy(result, r.entries[:r.pos])
		return result
	}

	result := make([]LogEntry, len(r.entries))
	n := copy(result, r.entries[r.pos:])
	copy(result[n:], r.entries[:r.pos])
	return result
}
