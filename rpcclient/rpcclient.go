// Package rpcclient implements the client side of the RPC protocol: request
// issuance across the four addressing modes (direct, group, multicast,
// broadcast), reply emission (single-shot and streamed), and reply
// collection with the termination semantics of the wire protocol.
package rpcclient

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/jrepp/redisbus/buserr"
	"github.com/jrepp/redisbus/envelope"
	"github.com/jrepp/redisbus/presence"
	"github.com/jrepp/redisbus/queue"
)

// DefaultCommandTTL is the TTL applied to a request key and to a
// single-shot reply key, refreshed on every push.
const DefaultCommandTTL = 10 * time.Second

// minStreamReplyTTL is the floor applied to a streamed reply's TTL
// regardless of element count, so short streams survive a slow reader.
const minStreamReplyTTL = 300 * time.Second

// replyPollWait is the per-call blocking wait PerformRPC uses when
// popping the reply key; the overall deadline is tracked independently
// so a long wait here can't overshoot the caller's requested timeout by
// more than this amount.
const replyPollWait = time.Second

// Stream is the portable contract for a lazily-produced reply: a
// handler may return one in place of a plain value, and ReplyStream
// frames each element with the wire format's stream counter.
type Stream interface {
	// Next returns the next element. ok is false once the stream is
	// exhausted (with err nil); a non-nil err aborts the stream and is
	// reported to the caller in place of the terminator envelope.
	Next(ctx context.Context) (data any, ok bool, err error)
}

// Client issues requests in any of the four addressing modes and emits
// replies on behalf of a CommandContext.
type Client struct {
	redis      *redis.Client
	site       string
	logger     *slog.Logger
	commandTTL time.Duration
	tracer     trace.Tracer
}

// New returns a Client bound to redisClient, scoped to site. logger and
// tracer may be nil.
func New(redisClient *redis.Client, site string, logger *slog.Logger, tracer trace.Tracer) *Client {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("redisbus/rpcclient")
	}
	return &Client{redis: redisClient, site: site, logger: logger, commandTTL: DefaultCommandTTL, tracer: tracer}
}

// WithCommandTTL overrides the default request/reply TTL.
func (c *Client) WithCommandTTL(ttl time.Duration) *Client {
	cc := *c
	cc.commandTTL = ttl
	return &cc
}

func newCorrelation(prefix string) string {
	id := uuid.New().String()
	tail := id
	if len(id) > 12 {
		tail = id[len(id)-12:]
	}
	return prefix + ":" + tail
}

// CallDirect pushes a request onto direct:<dstID> and returns the reply
// queue the caller should poll, plus a wait count of 1.
func (c *Client) CallDirect(ctx context.Context, srcID, dstID, command string, data any) (*queue.Queue, int, error) {
	key := "direct:" + dstID
	cid := newCorrelation("c")
	if err := c.push(ctx, "call_direct", key, srcID, command, data, cid); err != nil {
		return nil, 0, err
	}
	return c.replyQueue(cid), 1, nil
}

// CallGroup pushes a request onto group:<site>:<workerType>, to be
// claimed by exactly one worker of that type, and returns a wait count
// of 1.
func (c *Client) CallGroup(ctx context.Context, srcID, workerType, command string, data any) (*queue.Queue, int, error) {
	key := fmt.Sprintf("group:%s:%s", c.site, workerType)
	cid := newCorrelation("c")
	if err := c.push(ctx, "call_group", key, srcID, command, data, cid); err != nil {
		return nil, 0, err
	}
	return c.replyQueue(cid), 1, nil
}

// Multicast resolves pattern against the presence index and pushes one
// direct request per matching worker, all sharing one correlation id. It
// returns a wait count equal to the number of workers discovered.
func (c *Client) Multicast(ctx context.Context, srcID, pattern, command string, data any) (*queue.Queue, int, error) {
	ctx, span := c.tracer.Start(ctx, "rpcclient.multicast")
	defer span.End()
	span.SetAttributes(attribute.String("bus.command", command), attribute.String("bus.pattern", pattern))

	ids, err := presence.Discover(ctx, c.redis, c.logger, c.site, pattern)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, 0, buserr.Wrap(buserr.ClassTransport, "rpcclient.Multicast", err)
	}

	cid := newCorrelation("m")
	for _, key := range ids {
		c.logger.Debug("multicasting", "key", key, "correlation", cid)
		if err := c.pushEnvelope(ctx, key, srcID, command, data, cid); err != nil {
			c.logger.Error("multicast push failed", "key", key, "error", err)
			continue
		}
	}
	span.SetAttributes(attribute.Int("bus.wait_count", len(ids)))
	return c.replyQueue(cid), len(ids), nil
}

// Broadcast publishes a request on the site's broadcast channel. The
// number of responders is unknown ahead of time, so the caller receives
// a nil wait count.
func (c *Client) Broadcast(ctx context.Context, srcID, command string, data any) (*queue.Queue, *int, error) {
	ctx, span := c.tracer.Start(ctx, "rpcclient.broadcast")
	defer span.End()
	span.SetAttributes(attribute.String("bus.command", command))

	cid := newCorrelation("b")
	env, err := envelope.New(command, srcID, cid, data)
	if err != nil {
		return nil, nil, err
	}
	raw, err := env.Encode()
	if err != nil {
		return nil, nil, err
	}
	channel := fmt.Sprintf("rpc:worker:%s", c.site)
	c.logger.Info("broadcast", "command", command, "correlation", cid)
	if err := c.redis.Publish(ctx, channel, raw).Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, nil, buserr.Wrap(buserr.ClassTransport, "rpcclient.Broadcast", err)
	}
	return c.replyQueue(cid), nil, nil
}

func (c *Client) push(ctx context.Context, spanName, key, srcID, command string, data any, cid string) error {
	ctx, span := c.tracer.Start(ctx, "rpcclient."+spanName)
	defer span.End()
	span.SetAttributes(
		attribute.String("bus.command", command),
		attribute.String("bus.key", key),
		attribute.String("bus.correlation", cid),
	)
	c.logger.Info("call", "command", command, "key", key, "correlation", cid)
	if err := c.pushEnvelope(ctx, key, srcID, command, data, cid); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func (c *Client) pushEnvelope(ctx context.Context, key, srcID, command string, data any, cid string) error {
	env, err := envelope.New(command, srcID, cid, data)
	if err != nil {
		return err
	}
	q := queue.New(c.redis, key, c.logger)
	if err := q.Push(ctx, env); err != nil {
		return buserr.Wrap(buserr.ClassTransport, "rpcclient.push", err)
	}
	return q.Expire(ctx, c.commandTTL)
}

func (c *Client) replyQueue(correlation string) *queue.Queue {
	return queue.New(c.redis, "reply:"+correlation, c.logger)
}

// Reply pushes a single-shot reply envelope for correlation and sets the
// reply key's TTL to the client's command TTL.
func (c *Client) Reply(ctx context.Context, originID, correlation string, data any) error {
	env, err := envelope.New("", originID, correlation, data)
	if err != nil {
		return err
	}
	q := c.replyQueue(correlation)
	if err := q.Push(ctx, env); err != nil {
		return buserr.Wrap(buserr.ClassTransport, "rpcclient.Reply", err)
	}
	return q.Expire(ctx, c.commandTTL)
}

// ReplyStream drains seq, pushing one envelope per element with a
// monotonically increasing stream counter, followed by a terminator
// envelope. If seq.Next returns an error mid-stream, a failure envelope
// is pushed in place of the terminator, so the consumer still observes
// a single terminal reply. The reply key's TTL is stretched
// proportionally to the element count.
func (c *Client) ReplyStream(ctx context.Context, originID, correlation string, seq Stream) error {
	q := c.replyQueue(correlation)
	count := 0
	for {
		data, ok, err := seq.Next(ctx)
		if err != nil {
			failure := map[string]any{
				"success": false,
				"msg":     fmt.Sprintf("an exception occurred while replying to correlation %s - %v", correlation, err),
			}
			env, encErr := envelope.New("", originID, correlation, failure)
			if encErr != nil {
				return encErr
			}
			if pushErr := q.Push(ctx, env); pushErr != nil {
				return buserr.Wrap(buserr.ClassTransport, "rpcclient.ReplyStream", pushErr)
			}
			_ = q.Expire(ctx, c.commandTTL)
			return buserr.Wrap(buserr.ClassStreamingFailure, "rpcclient.ReplyStream", err)
		}
		if !ok {
			break
		}
		elem, err := envelope.NewStreamElement(originID, correlation, count, data)
		if err != nil {
			return err
		}
		if err := q.Push(ctx, elem); err != nil {
			return buserr.Wrap(buserr.ClassTransport, "rpcclient.ReplyStream", err)
		}
		count++
	}

	term := envelope.NewStreamTerminator(originID, correlation)
	if err := q.Push(ctx, term); err != nil {
		return buserr.Wrap(buserr.ClassTransport, "rpcclient.ReplyStream", err)
	}
	ttl := c.commandTTL * time.Duration(count)
	if ttl < minStreamReplyTTL {
		ttl = minStreamReplyTTL
	}
	return q.Expire(ctx, ttl)
}

// PerformRPC pops reply envelopes off q until a termination condition is
// reached, invoking onReply for each one it delivers. Termination
// conditions, any one of which ends the call: the wall-clock deadline is
// reached on an empty pop; reply_count reaches waitCount after a
// delivered envelope (when waitCount is non-nil); or a stream terminator
// is observed. It returns the number of envelopes delivered.
func (c *Client) PerformRPC(ctx context.Context, q *queue.Queue, waitCount *int, wait time.Duration, onReply func(*envelope.Envelope)) (int, error) {
	ctx, span := c.tracer.Start(ctx, "rpcclient.perform_rpc")
	defer span.End()
	span.SetAttributes(attribute.String("bus.key", q.Name()))

	deadline := time.Now().Add(wait)
	replyCount := 0

	for {
		popWait := replyPollWait
		if remaining := time.Until(deadline); remaining < popWait {
			if remaining <= 0 {
				popWait = 0
			} else {
				popWait = remaining
			}
		}

		env, err := q.Pop(ctx, popWait)
		if err != nil {
			return replyCount, err
		}

		if env != nil {
			replyCount++
			onReply(env)

			if env.IsStreamTerminator() {
				break
			}
			if env.IsStreamElement() {
				// More to come: skip the deadline and wait-count checks
				// entirely this iteration.
				continue
			}
		} else if !time.Now().Before(deadline) {
			break
		}

		if waitCount != nil && replyCount == *waitCount {
			break
		}
	}

	if replyCount == 0 {
		c.logger.Error("failed to receive reply", "queue", q.Name(), "wait", wait)
	} else {
		c.logger.Info("received replies", "count", replyCount, "queue", q.Name())
	}
	return replyCount, nil
}
