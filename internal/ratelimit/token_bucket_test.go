package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"autopost-engine/internal/models"
)

func TestTokenBucket(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bucket := NewTokenBucket(client, 2, time.Minute)

	allowed, remaining, err := bucket.Allow(ctx, "uploads")
	if err != nil || !allowed {
		t.Fatalf("expected first token allowed got allowed=%v err=%v", allowed, err)
	}
	if remaining >= 2 {
		t.Fatalf("first take should leave under 2 tokens, got %f", remaining)
	}
	allowed, _, _ = bucket.Allow(ctx, "uploads")
	if !allowed {
		t.Fatalf("expected second token allowed")
	}
	allowed, _, _ = bucket.Allow(ctx, "uploads")
	if allowed {
		t.Fatalf("expected third token to be rejected")
	}

	// Note: Cannot test refill with miniredis.FastForward() because the Lua script
	// receives time from Go's time.Now(), not Redis's internal clock.
}

func TestCategoryLimiterIndependentBudgets(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	limiter := NewCategoryLimiter(client, Budgets{
		models.CategoryUpload:     1,
		models.CategoryProxyCheck: 2,
	}, time.Minute)

	if ok, _ := limiter.Allow(ctx, models.CategoryUpload); !ok {
		t.Fatalf("first upload token should be allowed")
	}
	if ok, _ := limiter.Allow(ctx, models.CategoryUpload); ok {
		t.Fatalf("upload budget of 1 should be exhausted")
	}

	// Exhausting uploads must not touch the proxy-check bucket.
	if ok, _ := limiter.Allow(ctx, models.CategoryProxyCheck); !ok {
		t.Fatalf("proxy check bucket should still have tokens")
	}
	if ok, _ := limiter.Allow(ctx, models.CategoryProxyCheck); !ok {
		t.Fatalf("proxy check bucket should have a second token")
	}
	if ok, _ := limiter.Allow(ctx, models.CategoryProxyCheck); ok {
		t.Fatalf("proxy check budget of 2 should be exhausted")
	}

	// Categories without a configured budget pass through.
	if ok, _ := limiter.Allow(ctx, models.CategoryBatchVideo); !ok {
		t.Fatalf("unbudgeted category should be allowed")
	}
}
