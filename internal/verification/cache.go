package verification

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Entry is the latest code seen for a phone number.
type Entry struct {
	PhoneNumber string    `json:"phone_number"`
	ServiceCode string    `json:"service_code"`
	LeaseID     string    `json:"lease_id"`
	Code        string    `json:"code"`
	PatternType string    `json:"pattern_type"`
	Confidence  int       `json:"confidence"`
	ReceivedAt  time.Time `json:"received_at"`
}

type Cache interface {
	Put(ctx context.Context, e Entry) error
	// Latest returns the newest entry for phone, narrowed to service when set.
	Latest(ctx context.Context, phone, service string) (Entry, bool, error)
}

const DefaultTTL = 30 * time.Minute

func cacheKey(phone, service string) string {
	k := "sms:code:" + strings.TrimSpace(phone)
	if service != "" {
		k += ":" + service
	}
	return k
}

type RedisCache struct {
	rdb redis.Cmdable
	ttl time.Duration
}

func NewRedisCache(rdb redis.Cmdable, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisCache{rdb: rdb, ttl: ttl}
}

func (c *RedisCache) Put(ctx context.Context, e Entry) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	pipe := c.rdb.TxPipeline()
	pipe.Set(ctx, cacheKey(e.PhoneNumber, ""), b, c.ttl)
	if e.ServiceCode != "" {
		pipe.Set(ctx, cacheKey(e.PhoneNumber, e.ServiceCode), b, c.ttl)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (c *RedisCache) Latest(ctx context.Context, phone, service string) (Entry, bool, error) {
	raw, err := c.rdb.Get(ctx, cacheKey(phone, service)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

type memoryEntry struct {
	e       Entry
	expires time.Time
}

// MemoryCache is the single-instance fallback when Redis is not configured.
type MemoryCache struct {
	mu  sync.Mutex
	ttl time.Duration
	now func() time.Time
	m   map[string]memoryEntry
}

func NewMemoryCache(ttl time.Duration) *MemoryCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryCache{ttl: ttl, now: time.Now, m: map[string]memoryEntry{}}
}

func (c *MemoryCache) Put(ctx context.Context, e Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	exp := c.now().Add(c.ttl)
	c.m[cacheKey(e.PhoneNumber, "")] = memoryEntry{e, exp}
	if e.ServiceCode != "" {
		c.m[cacheKey(e.PhoneNumber, e.ServiceCode)] = memoryEntry{e, exp}
	}
	return nil
}

func (c *MemoryCache) Latest(ctx context.Context, phone, service string) (Entry, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := cacheKey(phone, service)
	me, ok := c.m[k]
	if !ok {
		return Entry{}, false, nil
	}
	if !c.now().Before(me.expires) {
		delete(c.m, k)
		return Entry{}, false, nil
	}
	return me.e, true, nil
}
