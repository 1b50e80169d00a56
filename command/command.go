// Package command implements CommandContext, the per-message reply
// handle a dispatched command is given: it carries the correlation id
// and decoded data for the request it answers, and tracks whether a
// reply was ever emitted so the dispatcher can synthesize one if not.
package command

import (
	"context"
	"encoding/json"

	"github.com/jrepp/redisbus/rpcclient"
)

// Context is bound to one in-flight request. It is not safe for
// concurrent use by multiple goroutines; a handler that fans work out
// across goroutines must serialize its Reply* calls.
type Context struct {
	WorkerID    string
	Correlation string
	Data        json.RawMessage

	client   *rpcclient.Client
	didReply bool
}

// New builds a Context for a request addressed to workerID, carrying
// correlation and data, that replies through client.
func New(client *rpcclient.Client, workerID, correlation string, data json.RawMessage) *Context {
	return &Context{WorkerID: workerID, Correlation: correlation, Data: data, client: client}
}

// DataAs unmarshals the request payload into v.
func (c *Context) DataAs(v any) error {
	if len(c.Data) == 0 {
		return nil
	}
	return json.Unmarshal(c.Data, v)
}

// DidReply reports whether Reply, ReplySuccess, ReplyFailure, or
// ReplyStream has already been called on this Context.
func (c *Context) DidReply() bool {
	return c.didReply
}

// Reply emits payload as the single-shot reply for this request; use
// ReplyStream for a streamed reply.
func (c *Context) Reply(ctx context.Context, payload any) error {
	c.didReply = true
	return c.client.Reply(ctx, c.WorkerID, c.Correlation, payload)
}

// ReplyStream drains seq as a streamed reply, framing each element with
// an increasing stream counter and a terminal envelope.
func (c *Context) ReplyStream(ctx context.Context, seq rpcclient.Stream) error {
	c.didReply = true
	return c.client.ReplyStream(ctx, c.WorkerID, c.Correlation, seq)
}

// ReplySuccess emits {success: true, msg: msg} merged with fields.
func (c *Context) ReplySuccess(ctx context.Context, msg string, fields map[string]any) error {
	if msg == "" {
		msg = "OK"
	}
	payload := map[string]any{"success": true, "msg": msg}
	for k, v := range fields {
		payload[k] = v
	}
	return c.Reply(ctx, payload)
}

// ReplyFailure emits {success: false, msg: msg}. The caller is expected
// to have already logged the underlying failure.
func (c *Context) ReplyFailure(ctx context.Context, msg string) error {
	return c.Reply(ctx, map[string]any{"success": false, "msg": msg})
}
