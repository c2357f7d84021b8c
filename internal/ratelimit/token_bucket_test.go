package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func testBucket(t *testing.T, capacity int, refill float64) (*TokenBucket, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewTokenBucket(client, capacity, refill, time.Minute), mr
}

func TestAllowUntilBucketEmpty(t *testing.T) {
	ctx := context.Background()
	bucket, _ := testBucket(t, 3, 0)

	for i := 0; i < 3; i++ {
		allowed, _, err := bucket.Allow(ctx, "caller")
		if err != nil {
			t.Fatalf("allow %d: %v", i, err)
		}
		if !allowed {
			t.Fatalf("request %d should be allowed", i)
		}
	}

	allowed, tokens, err := bucket.Allow(ctx, "caller")
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if allowed {
		t.Fatal("request past capacity should be rejected")
	}
	if tokens >= 1 {
		t.Fatalf("expected bucket drained, tokens=%f", tokens)
	}
}

func TestKeysAreIndependent(t *testing.T) {
	ctx := context.Background()
	bucket, _ := testBucket(t, 1, 0)

	if allowed, _, _ := bucket.Allow(ctx, "a"); !allowed {
		t.Fatal("first request for key a should pass")
	}
	if allowed, _, _ := bucket.Allow(ctx, "a"); allowed {
		t.Fatal("second request for key a should be rejected")
	}
	if allowed, _, _ := bucket.Allow(ctx, "b"); !allowed {
		t.Fatal("key b has its own bucket")
	}
}

func TestBucketRefills(t *testing.T) {
	ctx := context.Background()
	bucket, mr := testBucket(t, 1, 10) // 10 tokens/sec

	if allowed, _, _ := bucket.Allow(ctx, "caller"); !allowed {
		t.Fatal("first request should pass")
	}
	if allowed, _, _ := bucket.Allow(ctx, "caller"); allowed {
		t.Fatal("bucket should be empty")
	}

	// The script computes elapsed time from wall-clock arguments, so backdate
	// the stored timestamp instead of sleeping.
	mr.HSet("rl:caller", "last_ms", "0")

	if allowed, _, _ := bucket.Allow(ctx, "caller"); !allowed {
		t.Fatal("bucket should have refilled")
	}
}
