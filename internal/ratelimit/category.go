package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"autopost-engine/internal/models"
)

// CategoryLimiter holds one token bucket per task category, each with an
// independent tasks/minute budget. Unknown categories are always allowed.
type CategoryLimiter struct {
	buckets map[string]*TokenBucket
}

// Budgets maps task categories to their tasks/minute allowance.
type Budgets map[string]int

// DefaultBudgets builds the budget table from per-minute settings.
func DefaultBudgets(upload, accountTest, proxyCheck, batchVideo int) Budgets {
	return Budgets{
		models.CategoryUpload:      upload,
		models.CategoryAccountTest: accountTest,
		models.CategoryProxyCheck:  proxyCheck,
		models.CategoryBatchVideo:  batchVideo,
	}
}

// NewCategoryLimiter builds a limiter with one bucket per budget entry.
// Capacity equals the per-minute budget; tokens refill continuously.
func NewCategoryLimiter(client *redis.Client, budgets Budgets, ttl time.Duration) *CategoryLimiter {
	buckets := make(map[string]*TokenBucket, len(budgets))
	for category, perMinute := range budgets {
		if perMinute <= 0 {
			continue
		}
		buckets[category] = NewTokenBucket(client, perMinute, ttl)
	}
	return &CategoryLimiter{buckets: buckets}
}

// Allow consumes one token from the category's bucket.
func (l *CategoryLimiter) Allow(ctx context.Context, category string) (bool, error) {
	bucket, ok := l.buckets[category]
	if !ok {
		return true, nil
	}
	allowed, _, err := bucket.Allow(ctx, "rl:category:"+category)
	return allowed, err
}
