package worker

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jrepp/redisbus/command"
	"github.com/jrepp/redisbus/envelope"
	"github.com/jrepp/redisbus/registry"
	"github.com/jrepp/redisbus/rpcclient"
)

func setup(t *testing.T, caps Capabilities) (*Worker, *redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = rc.Close()
		mr.Close()
	})

	w, err := New(Config{
		Site:       "test",
		WorkerType: "echo",
		Interval:   20 * time.Millisecond,
		LogDir:     t.TempDir(),
	}, Deps{Redis: rc}, caps)
	require.NoError(t, err)
	require.NoError(t, w.Connect(context.Background()))
	return w, rc, mr
}

// run starts w's loop on a goroutine and returns a channel that yields
// Run's result. The worker is cancelled and drained at test cleanup.
func run(t *testing.T, w *Worker) <-chan error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	finished := make(chan struct{})
	go func() {
		done <- w.Run(ctx)
		close(finished)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-finished:
		case <-time.After(5 * time.Second):
			t.Error("worker did not shut down")
		}
	})
	return done
}

func TestPingRoundTrip(t *testing.T) {
	w, rc, _ := setup(t, Capabilities{})
	run(t, w)

	c := rpcclient.New(rc, "test", nil, nil)
	ctx := context.Background()
	q, waitCount, err := c.CallDirect(ctx, "", w.ID(), "ping", map[string]any{"hello": "world"})
	require.NoError(t, err)

	var replies []*envelope.Envelope
	n, err := c.PerformRPC(ctx, q, &waitCount, 2*time.Second, func(e *envelope.Envelope) {
		replies = append(replies, e)
	})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	assert.Equal(t, w.ID(), replies[0].OriginID)
	var data map[string]string
	require.NoError(t, replies[0].DataAs(&data))
	assert.Equal(t, "world", data["hello"])
}

func TestGroupDispatch(t *testing.T) {
	w, rc, _ := setup(t, Capabilities{})
	run(t, w)

	c := rpcclient.New(rc, "test", nil, nil)
	ctx := context.Background()
	q, waitCount, err := c.CallGroup(ctx, "", "echo", "ping", "hi")
	require.NoError(t, err)

	var replies []*envelope.Envelope
	n, err := c.PerformRPC(ctx, q, &waitCount, 2*time.Second, func(e *envelope.Envelope) {
		replies = append(replies, e)
	})
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.Equal(t, w.ID(), replies[0].OriginID)
}

func TestBroadcastCollection(t *testing.T) {
	w, rc, _ := setup(t, Capabilities{})
	run(t, w)

	c := rpcclient.New(rc, "test", nil, nil)
	ctx := context.Background()
	q, waitCount, err := c.Broadcast(ctx, "", "ping", 1)
	require.NoError(t, err)
	assert.Nil(t, waitCount)

	var replies []*envelope.Envelope
	n, err := c.PerformRPC(ctx, q, nil, 500*time.Millisecond, func(e *envelope.Envelope) {
		replies = append(replies, e)
	})
	require.NoError(t, err)
	require.Equal(t, 1, n)
	var data int
	require.NoError(t, replies[0].DataAs(&data))
	assert.Equal(t, 1, data)
	assert.Equal(t, w.ID(), replies[0].OriginID)
}

func TestUnknownCommandRepliesFailure(t *testing.T) {
	w, rc, _ := setup(t, Capabilities{})
	run(t, w)

	c := rpcclient.New(rc, "test", nil, nil)
	ctx := context.Background()
	q, waitCount, err := c.CallDirect(ctx, "", w.ID(), "no_such", nil)
	require.NoError(t, err)

	var replies []*envelope.Envelope
	n, err := c.PerformRPC(ctx, q, &waitCount, 2*time.Second, func(e *envelope.Envelope) {
		replies = append(replies, e)
	})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	var data map[string]any
	require.NoError(t, replies[0].DataAs(&data))
	assert.Equal(t, false, data["success"])
	assert.True(t, strings.HasPrefix(data["msg"].(string), "Unknown command function 'cmd_no_such'"), "got %q", data["msg"])
}

func TestHandlerWithoutReplyGetsAutoSuccess(t *testing.T) {
	w, rc, _ := setup(t, Capabilities{
		Commands: map[string]registry.Handler{
			"noop": func(ctx context.Context, cc *command.Context) error { return nil },
		},
	})
	run(t, w)

	c := rpcclient.New(rc, "test", nil, nil)
	ctx := context.Background()
	q, waitCount, err := c.CallDirect(ctx, "", w.ID(), "noop", nil)
	require.NoError(t, err)

	var data map[string]any
	n, err := c.PerformRPC(ctx, q, &waitCount, 2*time.Second, func(e *envelope.Envelope) {
		require.NoError(t, e.DataAs(&data))
	})
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.Equal(t, true, data["success"])
	assert.Equal(t, "OK", data["msg"])
}

func TestHandlerErrorRepliesFailure(t *testing.T) {
	w, rc, _ := setup(t, Capabilities{
		Commands: map[string]registry.Handler{
			"explode": func(ctx context.Context, cc *command.Context) error {
				return errors.New("kaboom")
			},
		},
	})
	run(t, w)

	c := rpcclient.New(rc, "test", nil, nil)
	ctx := context.Background()
	q, waitCount, err := c.CallDirect(ctx, "", w.ID(), "explode", nil)
	require.NoError(t, err)

	var data map[string]any
	n, err := c.PerformRPC(ctx, q, &waitCount, 2*time.Second, func(e *envelope.Envelope) {
		require.NoError(t, e.DataAs(&data))
	})
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.Equal(t, false, data["success"])
	assert.Contains(t, data["msg"], "kaboom")
}

func TestHandlerPanicRepliesFailure(t *testing.T) {
	w, rc, _ := setup(t, Capabilities{
		Commands: map[string]registry.Handler{
			"panic": func(ctx context.Context, cc *command.Context) error {
				panic("unexpected state")
			},
		},
	})
	run(t, w)

	c := rpcclient.New(rc, "test", nil, nil)
	ctx := context.Background()
	q, waitCount, err := c.CallDirect(ctx, "", w.ID(), "panic", nil)
	require.NoError(t, err)

	var data map[string]any
	n, err := c.PerformRPC(ctx, q, &waitCount, 2*time.Second, func(e *envelope.Envelope) {
		require.NoError(t, e.DataAs(&data))
	})
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.Equal(t, false, data["success"])
	assert.Contains(t, data["msg"], "unexpected state")
}

type sliceStream struct {
	items []any
	idx   int
}

func (s *sliceStream) Next(ctx context.Context) (any, bool, error) {
	if s.idx >= len(s.items) {
		return nil, false, nil
	}
	v := s.items[s.idx]
	s.idx++
	return v, true, nil
}

func TestStreamedReply(t *testing.T) {
	w, rc, _ := setup(t, Capabilities{
		Commands: map[string]registry.Handler{
			"numbers": func(ctx context.Context, cc *command.Context) error {
				return cc.ReplyStream(ctx, &sliceStream{items: []any{1, 2, 3, 4}})
			},
		},
	})
	run(t, w)

	c := rpcclient.New(rc, "test", nil, nil)
	ctx := context.Background()
	q, _, err := c.CallDirect(ctx, "", w.ID(), "numbers", nil)
	require.NoError(t, err)

	var replies []*envelope.Envelope
	n, err := c.PerformRPC(ctx, q, nil, 2*time.Second, func(e *envelope.Envelope) {
		replies = append(replies, e)
	})
	require.NoError(t, err)
	require.Equal(t, 5, n)

	for i := 0; i < 4; i++ {
		require.True(t, replies[i].IsStreamElement())
		assert.Equal(t, i, *replies[i].Stream)
		var v int
		require.NoError(t, replies[i].DataAs(&v))
		assert.Equal(t, i+1, v)
	}
	assert.True(t, replies[4].IsStreamTerminator())
}

func TestInfoListsRegisteredCommands(t *testing.T) {
	w, rc, _ := setup(t, Capabilities{
		Commands: map[string]registry.Handler{
			"custom": func(ctx context.Context, cc *command.Context) error { return nil },
		},
	})
	run(t, w)

	c := rpcclient.New(rc, "test", nil, nil)
	ctx := context.Background()
	q, waitCount, err := c.CallDirect(ctx, "", w.ID(), "info", nil)
	require.NoError(t, err)

	var data map[string]any
	n, err := c.PerformRPC(ctx, q, &waitCount, 2*time.Second, func(e *envelope.Envelope) {
		require.NoError(t, e.DataAs(&data))
	})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	assert.Equal(t, true, data["success"])
	assert.Equal(t, w.ID(), data["id"])
	assert.Equal(t, "echo", data["worker"])
	commands, ok := data["commands"].([]any)
	require.True(t, ok)
	assert.Contains(t, commands, "custom")
	assert.Contains(t, commands, "ping")
	assert.Contains(t, commands, "stop")
}

func TestUpdateSpawnerReplacesStoredID(t *testing.T) {
	w, rc, _ := setup(t, Capabilities{})
	run(t, w)

	c := rpcclient.New(rc, "test", nil, nil)
	ctx := context.Background()
	q, waitCount, err := c.CallDirect(ctx, "", w.ID(), "update_spawner", "spawner-9")
	require.NoError(t, err)

	var data map[string]any
	n, err := c.PerformRPC(ctx, q, &waitCount, 2*time.Second, func(e *envelope.Envelope) {
		require.NoError(t, e.DataAs(&data))
	})
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.Equal(t, true, data["success"])

	w.mu.Lock()
	spawner := w.spawner
	w.mu.Unlock()
	assert.Equal(t, "spawner-9", spawner)
}

func TestStopCommandShutsDownAndRemovesPresence(t *testing.T) {
	w, rc, _ := setup(t, Capabilities{})
	done := run(t, w)

	ctx := context.Background()
	presenceKey := w.presence.Key()

	// Registered at startup.
	require.Eventually(t, func() bool {
		n, err := rc.Exists(ctx, presenceKey).Result()
		return err == nil && n == 1
	}, 2*time.Second, 10*time.Millisecond)

	c := rpcclient.New(rc, "test", nil, nil)
	q, waitCount, err := c.CallDirect(ctx, "", w.ID(), "stop", nil)
	require.NoError(t, err)

	var data map[string]any
	n, err := c.PerformRPC(ctx, q, &waitCount, 2*time.Second, func(e *envelope.Envelope) {
		require.NoError(t, e.DataAs(&data))
	})
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.Equal(t, true, data["success"])

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("worker loop did not exit after stop")
	}

	exists, err := rc.Exists(ctx, presenceKey).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), exists)
	member, err := rc.HExists(ctx, "workers", presenceKey).Result()
	require.NoError(t, err)
	assert.False(t, member)
}

func TestGenerateWorkerIDShape(t *testing.T) {
	id, err := generateWorkerID()
	require.NoError(t, err)
	parts := strings.Split(id, ":")
	require.Len(t, parts, 3)
	assert.NotEmpty(t, parts[0])
	assert.NotEmpty(t, parts[1])
	assert.NotEmpty(t, parts[2])
}
