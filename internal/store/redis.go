// redis.go -- go-redis client and fixed-window rate-limit counters.
//
// Counters are shared by every replica so a limit holds across processes.
// Check and increment happen inside one Lua script, so concurrent hits on
// the same key never lose updates.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// counterKeyPrefix namespaces rate-limit counters.
const counterKeyPrefix = "portcullis:ratelimit:"

// NewRedisClient connects to Redis and returns a ready-to-use client.
// It pings Redis to verify connectivity before returning.
// Call once at startup from main.go; the client is shared by counters and the event queue.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}

	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	return rdb, nil
}

// RedisCounterStore implements fixed-window counters in Redis.
type RedisCounterStore struct {
	rdb *redis.Client
}

// NewRedisCounterStore wraps a shared Redis client.
func NewRedisCounterStore(rdb *redis.Client) *RedisCounterStore {
	return &RedisCounterStore{rdb: rdb}
}

// hitScript increments KEYS[1] unless it already reached the limit.
// The window starts at the first hit and the key expires with it.
// KEYS[1] = counter key, ARGV[1] = limit, ARGV[2] = window (ms).
// Returns {count, allowed (1/0), remaining ttl (ms)}.
var hitScript = redis.NewScript(`
local limit = tonumber(ARGV[1])
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
if current >= limit then
    return {current, 0, redis.call('PTTL', KEYS[1])}
end
current = redis.call('INCR', KEYS[1])
if current == 1 then
    redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return {current, 1, redis.call('PTTL', KEYS[1])}
`)

// Hit records one event against key if the count is below limit.
// Returns the count after the call, whether the event was admitted, and the time until the window resets.
func (s *RedisCounterStore) Hit(ctx context.Context, key string, limit int, window time.Duration) (int64, bool, time.Duration, error) {
	res, err := hitScript.Run(ctx, s.rdb, []string{counterKeyPrefix + key}, limit, window.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, false, 0, fmt.Errorf("incrementing counter: %w", err)
	}
	if len(res) != 3 {
		return 0, false, 0, fmt.Errorf("incrementing counter: unexpected reply length %d", len(res))
	}
	// PTTL is negative for keys without expiry; treat as a full window.
	resetIn := time.Duration(res[2]) * time.Millisecond
	if resetIn < 0 {
		resetIn = window
	}
	return res[0], res[1] == 1, resetIn, nil
}

// Count returns the current count for key without changing it.
// A missing key counts as zero.
func (s *RedisCounterStore) Count(ctx context.Context, key string) (int64, error) {
	n, err := s.rdb.Get(ctx, counterKeyPrefix+key).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading counter: %w", err)
	}
	return n, nil
}

// TTL returns the time until key's window resets, or zero if no window is open.
func (s *RedisCounterStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := s.rdb.PTTL(ctx, counterKeyPrefix+key).Result()
	if err != nil {
		return 0, fmt.Errorf("reading counter ttl: %w", err)
	}
	return max(d, 0), nil
}

// Reset clears key's window.
func (s *RedisCounterStore) Reset(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, counterKeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("resetting counter: %w", err)
	}
	return nil
}

// CheckHealth pings Redis.
func (s *RedisCounterStore) CheckHealth(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}
