// Package monitor fans in a dynamic set of Redis list keys into one
// channel, using a single blocking multi-key pop on a background
// goroutine. It exists because one connection doing BRPOP across many
// keys is cheaper than one connection per key, and it preserves fairness
// across sources.
package monitor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jrepp/redisbus/envelope"
)

// popTimeout is the timeout on the blocking multi-key pop issued each
// iteration of the background loop.
const popTimeout = 3 * time.Second

// idleSleep is how long the background loop sleeps when no queue names
// are registered yet.
const idleSleep = 200 * time.Millisecond

// bufferSize bounds the internal channel of decoded envelopes.
const bufferSize = 4096

// Monitor owns one Redis connection and drains a mutable set of list
// keys into an internal buffered channel. Consumers register queue names
// with AddQueue before or while it runs, and read decoded envelopes with
// the non-blocking Pop.
type Monitor struct {
	client *redis.Client
	logger *slog.Logger

	mu         sync.Mutex
	queueNames []string

	active atomic.Bool
	out    chan *envelope.Envelope
	done   chan struct{}
}

// New creates a Monitor bound to client. It does not start the
// background loop; call Start for that.
func New(client *redis.Client, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Monitor{
		client: client,
		logger: logger,
		out:    make(chan *envelope.Envelope, bufferSize),
		done:   make(chan struct{}),
	}
}

// AddQueue registers a Redis list key to be drained by the background
// loop. Safe to call before or after Start.
func (m *Monitor) AddQueue(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queueNames = append(m.queueNames, name)
}

// Active reports whether the background loop is still running. It
// becomes false after Stop, or after a transport failure it cannot
// recover from.
func (m *Monitor) Active() bool {
	return m.active.Load()
}

// Start launches the background loop. It returns immediately; the loop
// runs until ctx is cancelled or Stop is called.
func (m *Monitor) Start(ctx context.Context) {
	m.active.Store(true)
	go m.run(ctx)
}

// Stop requests the background loop to exit. It returns without waiting
// for the loop to observe the request; the loop checks it at the start
// of its next iteration (within popTimeout).
func (m *Monitor) Stop() {
	m.active.Store(false)
}

// Pop returns the next buffered envelope, or nil if none is ready.
func (m *Monitor) Pop() *envelope.Envelope {
	select {
	case env := <-m.out:
		return env
	default:
		return nil
	}
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)
	for m.active.Load() {
		select {
		case <-ctx.Done():
			m.active.Store(false)
			return
		default:
		}

		m.mu.Lock()
		names := append([]string(nil), m.queueNames...)
		m.mu.Unlock()

		if len(names) == 0 {
			time.Sleep(idleSleep)
			continue
		}

		res, err := m.client.BRPop(ctx, popTimeout, names...).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue // timeout, no key had a value
			}
			if ctx.Err() != nil {
				m.active.Store(false)
				return
			}
			m.logger.Error("monitor brpop failed", "error", err)
			m.active.Store(false)
			return
		}
		if len(res) != 2 {
			continue
		}

		env, err := envelope.Decode([]byte(res[1]))
		if err != nil {
			m.logger.Error("monitor decode failed, dropping message", "error", err)
			continue
		}

		select {
		case m.out <- env:
		case <-ctx.Done():
			m.active.Store(false)
			return
		}
	}
}
