// Package presence tracks which workers are alive by way of TTL'd Redis
// presence keys (indexed in the WorkersHashKey hash), and resolves
// multicast glob patterns against those keys.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// defaultTTL is how long a presence key survives without being refreshed.
// A worker that stops ticking drops out of discovery after this long.
const defaultTTL = 30 * time.Second

// WorkersHashKey is the single hash mapping each presence key to the
// worker id it advertises. Update and Remove write and delete the same
// subkey through presenceKey, so the two can never diverge.
const WorkersHashKey = "workers"

// Info is the set of fields published about a live worker.
type Info struct {
	WorkerID   string `json:"worker_id"`
	WorkerType string `json:"worker_type"`
	Site       string `json:"site"`
	Host       string `json:"host"`
	StartedAt  string `json:"started_at"`
}

// presenceKey builds the single key format shared by Update, Remove, and
// Key, so the three can never drift out of sync with each other.
func presenceKey(site, workerType, workerID string) string {
	return fmt.Sprintf("worker:%s:%s:%s", site, workerType, workerID)
}

// Registry publishes and retracts one worker's presence key.
type Registry struct {
	client     *redis.Client
	site       string
	workerType string
	workerID   string
	ttl        time.Duration
}

// New returns a Registry for the given worker identity.
func New(client *redis.Client, site, workerType, workerID string) *Registry {
	return &Registry{client: client, site: site, workerType: workerType, workerID: workerID, ttl: defaultTTL}
}

// WithTTL overrides the default presence TTL.
func (r *Registry) WithTTL(ttl time.Duration) *Registry {
	c := *r
	c.ttl = ttl
	return &c
}

// Key returns the presence key this registry publishes under.
func (r *Registry) Key() string {
	return presenceKey(r.site, r.workerType, r.workerID)
}

// Update writes or refreshes the presence key with a fresh TTL and
// records the worker id under WorkersHashKey for the discovery index.
// info is marshaled as-is: callers needing only the bare identity fields
// can pass an Info value, while a Worker publishes its fuller info
// dictionary (uptime, spawner, registered commands, ...) through the
// same method.
func (r *Registry) Update(ctx context.Context, info any) error {
	raw, err := json.Marshal(info)
	if err != nil {
		return err
	}
	pipe := r.client.Pipeline()
	pipe.HSet(ctx, WorkersHashKey, r.Key(), r.workerID)
	pipe.Set(ctx, r.Key(), raw, r.ttl)
	_, err = pipe.Exec(ctx)
	return err
}

// Remove deletes the presence key and its WorkersHashKey entry. Workers
// call this on clean shutdown; an unclean exit simply lets the presence
// key's TTL expire it. The hash entry has no TTL of its own and stays
// until Remove deletes it; Discover scans presence keys, not the hash,
// so a stale hash entry is never returned by discovery.
func (r *Registry) Remove(ctx context.Context) error {
	pipe := r.client.Pipeline()
	pipe.HDel(ctx, WorkersHashKey, r.Key())
	pipe.Del(ctx, r.Key())
	_, err := pipe.Exec(ctx)
	return err
}

// Discover scans for every presence key under site matching pattern
// (a glob as understood by Redis SCAN MATCH) and returns the direct
// worker ids found. pattern may itself contain '/'-separated
// alternatives, each scanned independently; the result is deduplicated
// across alternatives.
func Discover(ctx context.Context, client *redis.Client, logger *slog.Logger, site, pattern string) ([]string, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	seen := make(map[string]struct{})
	var ids []string

	for _, alt := range strings.Split(pattern, "/") {
		match := fmt.Sprintf("worker:%s:%s", site, alt)
		iter := client.Scan(ctx, 0, match, 0).Iterator()
		for iter.Next(ctx) {
			key := iter.Val()
			id := directIDFromKey(key)
			if id == "" {
				continue
			}
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
		if err := iter.Err(); err != nil {
			logger.Error("presence scan failed", "pattern", match, "error", err)
			return ids, err
		}
	}
	return ids, nil
}

// directIDFromKey turns "worker:<site>:<type>:<id>" into "direct:<id>",
// where <id> is everything after the third colon (worker ids contain
// colons themselves).
func directIDFromKey(key string) string {
	parts := strings.Split(key, ":")
	if len(parts) < 4 {
		return ""
	}
	return "direct:" + strings.Join(parts[3:], ":")
}
