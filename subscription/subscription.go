// Package subscription wraps a Redis pub/sub binding on a fixed set of
// channels, exposing a non-blocking GetMessage with a bounded number of
// reconnect attempts on transport failure.
package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jrepp/redisbus/envelope"
)

// maxReconnectAttempts bounds how many times GetMessage will re-subscribe
// after a transport error before giving up for that call.
const maxReconnectAttempts = 3

// pollTimeout is how long a single receive attempt waits before being
// treated as "no message right now" rather than a transport failure.
const pollTimeout = 10 * time.Millisecond

// Subscription binds to one or more pub/sub channels and decodes
// Envelopes off them.
type Subscription struct {
	client   *redis.Client
	channels []string
	logger   *slog.Logger

	mu     sync.Mutex
	pubsub *redis.PubSub
}

// New subscribes to the given channels and waits for Redis to confirm
// the subscription before returning.
func New(ctx context.Context, client *redis.Client, logger *slog.Logger, channels ...string) (*Subscription, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Subscription{client: client, channels: channels, logger: logger}
	if err := s.establish(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Subscription) establish(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pubsub != nil {
		_ = s.pubsub.Close()
	}
	s.pubsub = s.client.Subscribe(ctx, s.channels...)
	if _, err := s.pubsub.Receive(ctx); err != nil {
		return err
	}
	return nil
}

// GetMessage returns the next pending envelope, or (nil, nil) if none is
// currently available. Subscription-acknowledgement events are skipped
// silently. On a transport error it attempts to reconnect and
// resubscribe up to three times before giving up and returning
// (nil, nil); callers are expected to call GetMessage again on their
// next tick.
func (s *Subscription) GetMessage(ctx context.Context) (*envelope.Envelope, error) {
	for attempt := 0; attempt < maxReconnectAttempts; attempt++ {
		s.mu.Lock()
		ps := s.pubsub
		s.mu.Unlock()

		msg, err := ps.ReceiveTimeout(ctx, pollTimeout)
		if err != nil {
			if isNoMessageAvailable(err) {
				return nil, nil
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			s.logger.Warn("subscription read failed, reconnecting", "error", err, "attempt", attempt+1)
			if rerr := s.establish(ctx); rerr != nil {
				s.logger.Error("subscription reconnect failed", "error", rerr)
				continue
			}
			continue
		}

		switch m := msg.(type) {
		case *redis.Subscription:
			continue // ack event, not a message
		case *redis.Pong:
			continue
		case *redis.Message:
			var env envelope.Envelope
			if err := json.Unmarshal([]byte(m.Payload), &env); err != nil {
				s.logger.Error("subscription decode failed, dropping message", "error", err)
				return nil, nil
			}
			return &env, nil
		default:
			continue
		}
	}
	return nil, nil
}

// Close unsubscribes and releases the underlying connection.
func (s *Subscription) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pubsub == nil {
		return nil
	}
	err := s.pubsub.Close()
	s.pubsub = nil
	return err
}

func isNoMessageAvailable(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return errors.Is(err, context.DeadlineExceeded)
}
