package queue

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"autopost-engine/internal/models"
)

func newTestQueue(t *testing.T) *JobQueue {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(Options{Client: client, VisibilityTimeout: time.Minute})
}

func TestEnqueueDueGoesToCategoryQueue(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	past := time.Now().Add(-time.Second)
	if err := q.Enqueue(ctx, "job-1", "camp-1", models.CategoryUpload, past); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Enqueue(ctx, "job-2", "camp-1", models.CategoryProxyCheck, past); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	got, err := q.Dequeue(ctx, models.CategoryUpload)
	if err != nil || got != "job-1" {
		t.Fatalf("expected job-1 from upload queue, got %q err=%v", got, err)
	}
	got, err = q.Dequeue(ctx, models.CategoryProxyCheck)
	if err != nil || got != "job-2" {
		t.Fatalf("expected job-2 from proxy queue, got %q err=%v", got, err)
	}
	got, _ = q.Dequeue(ctx, models.CategoryUpload)
	if got != "" {
		t.Fatalf("upload queue should be drained, got %q", got)
	}
}

func TestPromoteScheduledInOrder(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	base := time.Now().Add(-time.Minute)
	// Enqueue out of order; promotion must drain by ascending scheduled time.
	_ = q.Enqueue(ctx, "late", "camp-1", models.CategoryUpload, time.Now().Add(time.Hour))
	if err := q.client.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(base.Add(2 * time.Second).UnixMilli()), Member: "second"}).Err(); err != nil {
		t.Fatalf("seed zset: %v", err)
	}
	_ = q.client.HSet(ctx, q.metaKey("second"), "category", models.CategoryUpload, "campaign", "camp-1").Err()
	_ = q.client.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(base.UnixMilli()), Member: "first"}).Err()
	_ = q.client.HSet(ctx, q.metaKey("first"), "category", models.CategoryUpload, "campaign", "camp-1").Err()

	n, err := q.PromoteScheduled(ctx, time.Now(), 100)
	if err != nil {
		t.Fatalf("promote: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 promoted (future job stays), got %d", n)
	}

	if got, _ := q.Dequeue(ctx, models.CategoryUpload); got != "first" {
		t.Fatalf("expected earliest job first, got %q", got)
	}
	if got, _ := q.Dequeue(ctx, models.CategoryUpload); got != "second" {
		t.Fatalf("expected second job next, got %q", got)
	}
}

func TestHoldAndResumeCampaign(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	sched := time.Now().Add(-time.Second)
	_ = q.Enqueue(ctx, "job-1", "camp-1", models.CategoryUpload, sched)
	id, _ := q.Dequeue(ctx, models.CategoryUpload)
	if id != "job-1" {
		t.Fatalf("expected job-1, got %q", id)
	}

	if err := q.Hold(ctx, "job-1", sched); err != nil {
		t.Fatalf("hold: %v", err)
	}

	// Held jobs are invisible to promotion and dequeue.
	if n, _ := q.PromoteScheduled(ctx, time.Now(), 100); n != 0 {
		t.Fatalf("held job must not promote, promoted %d", n)
	}
	if got, _ := q.Dequeue(ctx, models.CategoryUpload); got != "" {
		t.Fatalf("held job must not dequeue, got %q", got)
	}

	released, err := q.ResumeCampaign(ctx, "camp-1")
	if err != nil || released != 1 {
		t.Fatalf("resume: released=%d err=%v", released, err)
	}
	if n, _ := q.PromoteScheduled(ctx, time.Now(), 100); n != 1 {
		t.Fatalf("resumed job should promote, promoted %d", n)
	}
	if got, _ := q.Dequeue(ctx, models.CategoryUpload); got != "job-1" {
		t.Fatalf("expected job-1 after resume, got %q", got)
	}
}

func TestRequeueExpiredReclaimsInflight(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)
	q.visibilityTTL = -time.Second // expire immediately

	_ = q.Enqueue(ctx, "job-1", "camp-1", models.CategoryUpload, time.Now().Add(-time.Second))
	if id, _ := q.Dequeue(ctx, models.CategoryUpload); id != "job-1" {
		t.Fatalf("expected job-1, got %q", id)
	}

	ids, err := q.RequeueExpired(ctx, time.Now(), 100)
	if err != nil {
		t.Fatalf("requeue expired: %v", err)
	}
	if len(ids) != 1 || ids[0] != "job-1" {
		t.Fatalf("expected job-1 reclaimed, got %v", ids)
	}

	if n, _ := q.PromoteScheduled(ctx, time.Now(), 100); n != 1 {
		t.Fatalf("reclaimed job should be schedulable, promoted %d", n)
	}
}

func TestCancelRemovesEverywhere(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	_ = q.Enqueue(ctx, "job-1", "camp-1", models.CategoryUpload, time.Now().Add(time.Hour))
	if err := q.Cancel(ctx, "job-1", "camp-1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if n, _ := q.PromoteScheduled(ctx, time.Now().Add(2*time.Hour), 100); n != 0 {
		t.Fatalf("cancelled job must not promote, promoted %d", n)
	}
}
