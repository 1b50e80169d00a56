// Package queue is a thin, blocking-capable abstraction over a single
// Redis list. It is the lowest-level building block of redisbus: every
// request key, reply key, and log sink is a Queue.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jrepp/redisbus/envelope"
)

// Queue wraps a named Redis list. A Queue is safe for concurrent use;
// Active turns false once a push or pop has failed, so an owner can
// detect transport loss without inspecting individual call errors.
type Queue struct {
	client *redis.Client
	name   string
	logger *slog.Logger
	active atomic.Bool
}

// New creates a Queue bound to name on client. logger may be nil, in
// which case a discard logger is used.
func New(client *redis.Client, name string, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	q := &Queue{client: client, name: name, logger: logger.With("queue", name)}
	q.active.Store(true)
	return q
}

// Name returns the Redis key this Queue operates on.
func (q *Queue) Name() string {
	return q.name
}

// Active reports whether every push and pop on this Queue has succeeded
// so far. A push or pop transport failure sets it false; it never
// becomes true again, since a Queue with a broken connection can't
// self-heal. Len, Expire, and Clear's trim do not affect it.
func (q *Queue) Active() bool {
	return q.active.Load()
}

// Push appends v, JSON-encoded, to the right of the list.
func (q *Queue) Push(ctx context.Context, v any) error {
	raw, err := encode(v)
	if err != nil {
		return err
	}
	if err := q.client.RPush(ctx, q.name, raw).Err(); err != nil {
		q.active.Store(false)
		return err
	}
	return nil
}

// PushConstrained appends v and, in the same pipeline, sets the list's
// TTL and trims it to the [trimStart, trimEnd] range (Redis LTRIM
// semantics: negative indices count from the list's tail). It is used by
// LogHandler to keep a capped, TTL-refreshed log sink.
func (q *Queue) PushConstrained(ctx context.Context, v any, ttl time.Duration, trimStart, trimEnd int64) error {
	raw, err := encode(v)
	if err != nil {
		return err
	}
	pipe := q.client.Pipeline()
	pipe.RPush(ctx, q.name, raw)
	pipe.Expire(ctx, q.name, ttl)
	pipe.LTrim(ctx, q.name, trimStart, trimEnd)
	if _, err := pipe.Exec(ctx); err != nil {
		q.active.Store(false)
		return err
	}
	return nil
}

// Pop removes and decodes the next envelope from the left of the list.
// When wait > 0 it performs a blocking pop with that timeout; otherwise
// it performs a non-blocking pop.
//
// A transport failure marks the Queue inactive and returns (nil, nil):
// per the queue error policy, callers must never see a pop failure
// propagate as an error, only as an empty result. A malformed element is
// logged and also swallowed to (nil, nil) so it can never kill a
// consumer. The only error Pop returns is the caller's own context
// cancellation.
func (q *Queue) Pop(ctx context.Context, wait time.Duration) (*envelope.Envelope, error) {
	var raw string
	var err error

	if wait > 0 {
		var res []string
		res, err = q.client.BLPop(ctx, wait, q.name).Result()
		if err == nil && len(res) == 2 {
			raw = res[1]
		} else if err == nil {
			return nil, nil
		}
	} else {
		raw, err = q.client.LPop(ctx, q.name).Result()
	}

	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		q.active.Store(false)
		q.logger.Error("pop failed", "error", err)
		return nil, nil
	}

	env, err := envelope.Decode([]byte(raw))
	if err != nil {
		q.logger.Error("decode failed, dropping message", "error", err, "raw", raw)
		return nil, nil
	}
	return env, nil
}

// Len returns the current list length.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.name).Result()
}

// Expire sets the list's TTL.
func (q *Queue) Expire(ctx context.Context, ttl time.Duration) error {
	return q.client.Expire(ctx, q.name, ttl).Err()
}

// Clear empties the list: it trims to a one-element range and then pops
// that element, leaving the list empty.
func (q *Queue) Clear(ctx context.Context) error {
	if err := q.client.LTrim(ctx, q.name, 0, 0).Err(); err != nil {
		return err
	}
	_, err := q.Pop(ctx, 0)
	return err
}

func encode(v any) ([]byte, error) {
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	if env, ok := v.(*envelope.Envelope); ok {
		return env.Encode()
	}
	return json.Marshal(v)
}
