package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// takeSlot increments the provider's in-flight counter unless it would pass
// the limit. The key TTL bounds slots leaked by a crashed process.
//
//	KEYS[1] = counter key, ARGV[1] = limit, ARGV[2] = ttl in ms
var takeSlot = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 or redis.call('PTTL', KEYS[1]) < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
if n > tonumber(ARGV[1]) then
  redis.call('DECR', KEYS[1])
  return 0
end
return 1
`)

var giveSlot = redis.NewScript(`
if redis.call('DECR', KEYS[1]) <= 0 then
  redis.call('DEL', KEYS[1])
end
return 1
`)

func slotKey(providerCode string) string {
	return "sms:provider:inflight:" + providerCode
}

// RedisCap is a DistributedCap shared by every instance using the same Redis.
type RedisCap struct {
	rdb redis.Scripter
	ttl time.Duration
}

// NewRedisCap returns a cap whose slots expire after ttl if never released.
func NewRedisCap(rdb redis.Scripter, ttl time.Duration) *RedisCap {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &RedisCap{rdb: rdb, ttl: ttl}
}

func (c *RedisCap) Acquire(ctx context.Context, providerCode string, limit int) (bool, error) {
	if providerCode == "" {
		return false, fmt.Errorf("ratelimit: provider code is required")
	}
	if limit <= 0 {
		return false, fmt.Errorf("ratelimit: cap limit must be > 0, got %d", limit)
	}
	res, err := takeSlot.Run(ctx, c.rdb, []string{slotKey(providerCode)}, limit, c.ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

func (c *RedisCap) Release(ctx context.Context, providerCode string) error {
	return giveSlot.Run(ctx, c.rdb, []string{slotKey(providerCode)}).Err()
}
