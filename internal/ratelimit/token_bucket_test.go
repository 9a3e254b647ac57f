package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestTokenBucket(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bucket := NewTokenBucket(client, 2, 0.001, time.Minute)

	allowed, err := bucket.AllowOwner(ctx, "alice")
	if err != nil || !allowed {
		t.Fatalf("expected first token allowed got allowed=%v err=%v", allowed, err)
	}
	allowed, _ = bucket.AllowOwner(ctx, "alice")
	if !allowed {
		t.Fatalf("expected second token allowed")
	}
	allowed, _ = bucket.AllowOwner(ctx, "alice")
	if allowed {
		t.Fatalf("expected third token to be rejected")
	}

	// Buckets are per owner.
	allowed, _ = bucket.AllowOwner(ctx, "bob")
	if !allowed {
		t.Fatalf("expected a different owner to have its own bucket")
	}

	if !mr.Exists("ratelimit:owner:alice") {
		t.Fatalf("expected bucket key for alice")
	}
	// Refill is driven by the caller's clock, so it is not exercised here.
}
