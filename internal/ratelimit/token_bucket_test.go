package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestAgentsHaveSeparateBuckets(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bucket := NewTokenBucket(client, 2, 0.001, time.Minute)

	for i := 0; i < 2; i++ {
		allowed, err := bucket.AllowAgent(ctx, "rover-1")
		if err != nil || !allowed {
			t.Fatalf("request %d: allowed=%v err=%v", i, allowed, err)
		}
	}
	if allowed, _ := bucket.AllowAgent(ctx, "rover-1"); allowed {
		t.Fatalf("expected third request to be rejected")
	}
	if allowed, _ := bucket.AllowAgent(ctx, "rover-2"); !allowed {
		t.Fatalf("another agent must not share the bucket")
	}
	if ttl := mr.TTL(AgentKey("rover-1")); ttl <= 0 {
		t.Fatalf("bucket key should expire, ttl=%v", ttl)
	}
}
