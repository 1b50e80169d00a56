// Package loghandler implements a slog.Handler that fans log records into
// a capped, TTL-refreshed Redis list instead of (or alongside) stderr, so
// that an operator can tail a worker's recent log history through Redis
// without shelling onto the host running it.
package loghandler

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jrepp/redisbus/queue"
)

// defaultCapacity bounds how many records are retained; each Handle trims
// the backing list to this many most-recent entries.
const defaultCapacity = 200

// defaultTTL is the list's TTL, refreshed on every write so a log sink
// for a dead worker eventually disappears on its own.
const defaultTTL = 24 * time.Hour

// record is the JSON shape pushed for each log line.
type record struct {
	Time    string         `json:"time"`
	Level   string         `json:"level"`
	Message string         `json:"msg"`
	Attrs   map[string]any `json:"attrs,omitempty"`
}

// Handler is an slog.Handler backed by a Redis list. It is safe for
// concurrent use because the underlying queue.Queue is.
type Handler struct {
	q        *queue.Queue
	level    slog.Leveler
	ttl      time.Duration
	capacity int64
	attrs    map[string]any
	group    string
}

// New returns a Handler that pushes onto the Redis key name via client.
// level may be nil, defaulting to slog.LevelInfo.
func New(client *redis.Client, name string, level slog.Leveler) *Handler {
	if level == nil {
		level = slog.LevelInfo
	}
	return &Handler{
		q:        queue.New(client, name, nil),
		level:    level,
		ttl:      defaultTTL,
		capacity: defaultCapacity,
	}
}

// WithCapacity overrides the retained record count.
func (h *Handler) WithCapacity(n int64) *Handler {
	c := *h
	c.capacity = n
	return &c
}

// WithTTL overrides the list's refreshed TTL.
func (h *Handler) WithTTL(ttl time.Duration) *Handler {
	c := *h
	c.ttl = ttl
	return &c
}

// Enabled reports whether level meets the handler's configured floor.
func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

// Handle pushes r onto the backing Redis list, trimmed to capacity and
// with its TTL refreshed in the same pipeline. Errors pushing are
// swallowed: logging must never be the reason a worker's real work
// fails, and queue.Queue already records the failure internally.
func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	rec := record{
		Time:    r.Time.UTC().Format(time.RFC3339Nano),
		Level:   r.Level.String(),
		Message: r.Message,
	}
	if len(h.attrs) > 0 || r.NumAttrs() > 0 {
		rec.Attrs = make(map[string]any, len(h.attrs)+r.NumAttrs())
		for k, v := range h.attrs {
			rec.Attrs[k] = v
		}
		r.Attrs(func(a slog.Attr) bool {
			key := a.Key
			if h.group != "" {
				key = h.group + "." + key
			}
			rec.Attrs[key] = a.Value.Any()
			return true
		})
	}
	_ = h.q.PushConstrained(ctx, rec, h.ttl, -h.capacity, -1)
	return nil
}

// WithAttrs returns a new Handler with attrs merged into every future
// record it emits.
func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := *h
	c.attrs = make(map[string]any, len(h.attrs)+len(attrs))
	for k, v := range h.attrs {
		c.attrs[k] = v
	}
	for _, a := range attrs {
		key := a.Key
		if c.group != "" {
			key = c.group + "." + key
		}
		c.attrs[key] = a.Value.Any()
	}
	return &c
}

// WithGroup namespaces subsequent attribute keys under name.
func (h *Handler) WithGroup(name string) slog.Handler {
	c := *h
	if c.group != "" {
		c.group = c.group + "." + name
	} else {
		c.group = name
	}
	return &c
}

// RefreshTTL re-applies the handler's TTL to the backing list without
// writing a new record. Workers call this on their maintenance tick so a
// quiet worker's log sink doesn't expire while it's still alive.
func (h *Handler) RefreshTTL(ctx context.Context) error {
	return h.q.Expire(ctx, h.ttl)
}
