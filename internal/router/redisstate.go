// Copyright 2025 James Ross
package router

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ingestkit/go-ingest/internal/streaming"
)

// RedisErrorStateStore backs ManagedErrorState with Redis so the policy
// decided by one router instance is honored by every other instance
// sharing the same table, rather than each process learning the hard way.
// Each key carries its own TTL set to its ResetAt, so an expired entry
// disappears from Redis on its own instead of needing an explicit sweep.
type RedisErrorStateStore struct {
	client    *redis.Client
	namespace string
}

// NewRedisErrorStateStore constructs a RedisErrorStateStore. namespace
// prefixes every key, defaulting to "ingest:router:state" so multiple
// applications can share one Redis instance without colliding.
func NewRedisErrorStateStore(client *redis.Client, namespace string) *RedisErrorStateStore {
	if namespace == "" {
		namespace = "ingest:router:state"
	}
	return &RedisErrorStateStore{client: client, namespace: namespace}
}

func (s *RedisErrorStateStore) keyName(key string) string {
	return fmt.Sprintf("%s:%s", s.namespace, key)
}

// encodeStateValue stores the entry as "<resetAtMs>|<category>" rather than
// JSON so the CAS script below can compare reset times with plain Lua
// string/number operations, no extra Lua libraries required.
func encodeStateValue(entry stateEntry) string {
	return strconv.FormatInt(entry.ResetAt.UnixMilli(), 10) + "|" + string(entry.Category)
}

func decodeStateValue(raw string) (stateEntry, error) {
	resetAtStr, category, found := strings.Cut(raw, "|")
	if !found {
		return stateEntry{}, fmt.Errorf("redis error state decode: malformed value %q", raw)
	}
	resetAtMs, err := strconv.ParseInt(resetAtStr, 10, 64)
	if err != nil {
		return stateEntry{}, fmt.Errorf("redis error state decode: %w", err)
	}
	return stateEntry{Category: streaming.Category(category), ResetAt: time.UnixMilli(resetAtMs).UTC()}, nil
}

// Load returns the entry currently in effect for key. Redis's own TTL
// already clears expired entries, so a miss and an expired-and-gone entry
// look identical here.
func (s *RedisErrorStateStore) Load(ctx context.Context, key string) (stateEntry, bool, error) {
	raw, err := s.client.Get(ctx, s.keyName(key)).Result()
	if err == redis.Nil {
		return stateEntry{}, false, nil
	}
	if err != nil {
		return stateEntry{}, false, fmt.Errorf("redis error state load: %w", err)
	}
	entry, err := decodeStateValue(raw)
	if err != nil {
		return stateEntry{}, false, err
	}
	return entry, true, nil
}

// Merge stores entry for key unless the entry already stored expires
// later (an equal ResetAt replaces it), evaluated and applied atomically
// via a Lua script so a
// stale caller racing a newer one never clobbers it. The key's TTL is set
// to entry.ResetAt, so Redis lazily drops it once it's no longer active.
func (s *RedisErrorStateStore) Merge(ctx context.Context, key string, entry stateEntry) error {
	resetAtMs := entry.ResetAt.UnixMilli()
	ttl := time.Until(entry.ResetAt)
	if ttl <= 0 {
		ttl = time.Second // already expiring: keep it long enough for Merge to be visible to a racing Load
	}

	script := `
		local key = KEYS[1]
		local new_value = ARGV[1]
		local new_reset_at = tonumber(ARGV[2])
		local ttl_ms = tonumber(ARGV[3])

		local current = redis.call('GET', key)
		if current then
			local sep = string.find(current, '|')
			local current_reset_at = tonumber(string.sub(current, 1, sep - 1))
			if current_reset_at and current_reset_at > new_reset_at then
				return 0 -- a newer, later-expiring entry already won
			end
		end

		redis.call('SET', key, new_value, 'PX', ttl_ms)
		return 1
	`

	if err := s.client.Eval(ctx, script, []string{s.keyName(key)}, encodeStateValue(entry), resetAtMs, ttl.Milliseconds()).Err(); err != nil {
		return fmt.Errorf("redis error state merge: %w", err)
	}
	return nil
}
