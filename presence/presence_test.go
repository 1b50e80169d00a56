package presence

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return client, mr
}

func TestUpdateWritesPresenceKeyAndHashEntry(t *testing.T) {
	client, mr := setup(t)
	ctx := context.Background()
	r := New(client, "test", "echo", "10.0.0.1:100:abcd")

	require.NoError(t, r.Update(ctx, Info{WorkerID: "10.0.0.1:100:abcd", WorkerType: "echo", Site: "test"}))

	assert.True(t, mr.Exists(r.Key()))
	ttl := mr.TTL(r.Key())
	assert.Greater(t, ttl, time.Duration(0))

	hashVal, err := client.HGet(ctx, WorkersHashKey, r.Key()).Result()
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1:100:abcd", hashVal)
}

func TestRemoveDeletesPresenceKeyAndHashEntry(t *testing.T) {
	client, mr := setup(t)
	ctx := context.Background()
	r := New(client, "test", "echo", "10.0.0.1:100:abcd")
	require.NoError(t, r.Update(ctx, Info{WorkerID: "10.0.0.1:100:abcd"}))

	require.NoError(t, r.Remove(ctx))

	assert.False(t, mr.Exists(r.Key()))
	exists, err := client.HExists(ctx, WorkersHashKey, r.Key()).Result()
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestRemoveAndWriteUseByteIdenticalKey(t *testing.T) {
	// Update and Remove must compute the presence key identically, or a
	// stale hash entry / stuck presence key results.
	r := New(nil, "test", "echo", "10.0.0.1:100:abcd")
	assert.Equal(t, presenceKey("test", "echo", "10.0.0.1:100:abcd"), r.Key())
}

func TestDiscoverFindsMatchingWorkers(t *testing.T) {
	client, _ := setup(t)
	ctx := context.Background()

	for _, id := range []string{"worker-a", "worker-b"} {
		r := New(client, "test", "echo", id)
		require.NoError(t, r.Update(ctx, Info{WorkerID: id}))
	}
	other := New(client, "test", "other", "worker-c")
	require.NoError(t, other.Update(ctx, Info{WorkerID: "worker-c"}))

	ids, err := Discover(ctx, client, nil, "test", "echo:*")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"direct:worker-a", "direct:worker-b"}, ids)
}

func TestDiscoverUnionsSlashAlternatives(t *testing.T) {
	client, _ := setup(t)
	ctx := context.Background()

	a := New(client, "test", "echo", "worker-a")
	require.NoError(t, a.Update(ctx, Info{WorkerID: "worker-a"}))
	b := New(client, "test", "batch", "worker-b")
	require.NoError(t, b.Update(ctx, Info{WorkerID: "worker-b"}))

	ids, err := Discover(ctx, client, nil, "test", "echo:*/batch:*")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"direct:worker-a", "direct:worker-b"}, ids)
}

func TestDiscoverDeduplicatesAcrossAlternatives(t *testing.T) {
	client, _ := setup(t)
	ctx := context.Background()

	a := New(client, "test", "echo", "worker-a")
	require.NoError(t, a.Update(ctx, Info{WorkerID: "worker-a"}))

	ids, err := Discover(ctx, client, nil, "test", "echo:*/echo:worker-a")
	require.NoError(t, err)
	assert.Equal(t, []string{"direct:worker-a"}, ids)
}
