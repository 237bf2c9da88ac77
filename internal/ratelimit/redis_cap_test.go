package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestRedisCap_RejectsOverLimitAndReleases(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	ctx := context.Background()
	c := NewRedisCap(rdb, time.Minute)
	for i := 0; i < 2; i++ {
		ok, err := c.Acquire(ctx, "alpha", 2)
		if err != nil || !ok {
			t.Fatalf("acquire %d: ok=%v err=%v", i, ok, err)
		}
	}
	ok, err := c.Acquire(ctx, "alpha", 2)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if ok {
		t.Fatalf("expected third acquire to be rejected")
	}

	key := slotKey("alpha")
	if got, _ := mr.Get(key); got != "2" {
		t.Fatalf("expected counter to stay at 2, got %q", got)
	}
	if mr.TTL(key) <= 0 {
		t.Fatalf("expected ttl on slot counter")
	}

	if err := c.Release(ctx, "alpha"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if ok, err := c.Acquire(ctx, "alpha", 2); err != nil || !ok {
		t.Fatalf("expected acquire after release, ok=%v err=%v", ok, err)
	}

	if _, err := c.Acquire(ctx, "", 1); err == nil {
		t.Fatalf("expected error for empty provider")
	}
	if _, err := c.Acquire(ctx, "alpha", 0); err == nil {
		t.Fatalf("expected error for zero limit")
	}
}
