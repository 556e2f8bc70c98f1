package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// incrScript increments the counter and starts its expiry on the first hit
// of a window, returning the count and the remaining TTL in milliseconds.
var incrScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

// RedisStore shares counters across gateway replicas.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore creates a store using client. Keys are namespaced by prefix.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "ratelimit:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

// Incr implements Store.
func (s *RedisStore) Incr(ctx context.Context, key string, window time.Duration, now time.Time) (Record, error) {
	vals, err := incrScript.Run(ctx, s.client, []string{s.prefix + key}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return Record{}, fmt.Errorf("redis incr %s: %w", key, err)
	}
	if len(vals) != 2 {
		return Record{}, fmt.Errorf("redis incr %s: unexpected reply %v", key, vals)
	}
	return Record{
		Key:     key,
		Count:   int(vals[0]),
		ResetAt: now.Add(time.Duration(vals[1]) * time.Millisecond),
	}, nil
}
