package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/vaultdash/internal/domain"
)

// SnapshotCache implements domain.SnapshotCache. The latest snapshot lives in
// one hash (seq, data); Set refuses to overwrite a newer sequence number so replicas
// racing to publish cannot move the cache backwards.
type SnapshotCache struct {
	c   *Client
	ttl time.Duration
	set *redis.Script
}

// setIfNewerLua stores ARGV[2] and seq ARGV[1] unless the stored seq is
// higher. Returns 1 when written.
const setIfNewerLua = `
local cur = redis.call('HGET', KEYS[1], 'seq')
if cur and tonumber(cur) > tonumber(ARGV[1]) then
    return 0
end
redis.call('HSET', KEYS[1], 'seq', ARGV[1], 'data', ARGV[2])
if tonumber(ARGV[3]) > 0 then
    redis.call('PEXPIRE', KEYS[1], ARGV[3])
end
return 1
`

// NewSnapshotCache creates a SnapshotCache. A zero ttl keeps the entry
// forever.
func NewSnapshotCache(c *Client, ttl time.Duration) *SnapshotCache {
	return &SnapshotCache{c: c, ttl: ttl, set: redis.NewScript(setIfNewerLua)}
}

// Set stores snap unless a newer one is already cached.
func (sc *SnapshotCache) Set(ctx context.Context, snap domain.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("redis: marshal snapshot: %w", err)
	}
	err = sc.set.Run(ctx, sc.c.rdb, []string{sc.c.key("snapshot:latest")},
		snap.Seq, data, sc.ttl.Milliseconds()).Err()
	if err != nil {
		return fmt.Errorf("redis: set snapshot %d: %w", snap.Seq, err)
	}
	return nil
}

// Get returns the cached snapshot or domain.ErrNotFound.
func (sc *SnapshotCache) Get(ctx context.Context) (domain.Snapshot, error) {
	data, err := sc.c.rdb.HGet(ctx, sc.c.key("snapshot:latest"), "data").Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Snapshot{}, domain.ErrNotFound
		}
		return domain.Snapshot{}, fmt.Errorf("redis: get snapshot: %w", err)
	}
	var snap domain.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return domain.Snapshot{}, fmt.Errorf("redis: unmarshal snapshot: %w", err)
	}
	return snap, nil
}

var _ domain.SnapshotCache = (*SnapshotCache)(nil)
