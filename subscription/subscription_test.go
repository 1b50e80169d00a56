package subscription

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscriptionReceivesPublishedEnvelope(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	sub, err := New(ctx, client, nil, "rpc:worker:site-a")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close() })

	require.NoError(t, client.Publish(ctx, "rpc:worker:site-a", `{"c":"c:1","x":"ping"}`).Err())

	require.Eventually(t, func() bool {
		got, err := sub.GetMessage(ctx)
		if err != nil || got == nil {
			return false
		}
		assert.Equal(t, "ping", got.Command)
		return true
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSubscriptionGetMessageReturnsNilWhenIdle(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	sub, err := New(ctx, client, nil, "rpc:worker:site-a")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close() })

	got, err := sub.GetMessage(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSubscriptionCloseIsIdempotent(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	sub, err := New(ctx, client, nil, "rpc:worker:site-a")
	require.NoError(t, err)

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())
}
