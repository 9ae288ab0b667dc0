package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"autopost-engine/internal/models"
)

// JobQueue coordinates ready, in-flight, scheduled, and held job sets in
// Redis. Jobs move scheduled -> ready -> in-flight; paused campaigns park
// their jobs in a per-campaign held set the dispatcher skips.
type JobQueue struct {
	client        *redis.Client
	categories    []string
	inflightKey   string
	scheduledKey  string
	jobMetaPrefix string
	heldPrefix    string
	visibilityTTL time.Duration
	dlqKey        string
}

// Options configures the queue client.
type Options struct {
	Client            *redis.Client
	VisibilityTimeout time.Duration
	DLQName           string
}

// New builds a queue over the four task categories.
func New(opts Options) *JobQueue {
	visibility := opts.VisibilityTimeout
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	dlq := opts.DLQName
	if dlq == "" {
		dlq = "queue:dlq"
	}
	return &JobQueue{
		client:        opts.Client,
		categories:    models.Categories,
		inflightKey:   "queue:inflight",
		scheduledKey:  "queue:scheduled",
		jobMetaPrefix: "queue:jobmeta:",
		heldPrefix:    "queue:held:",
		visibilityTTL: visibility,
		dlqKey:        dlq,
	}
}

func (q *JobQueue) readyKey(category string) string {
	return fmt.Sprintf("queue:ready:%s", category)
}

func (q *JobQueue) metaKey(jobID string) string {
	return q.jobMetaPrefix + jobID
}

func (q *JobQueue) heldKey(campaignID string) string {
	return q.heldPrefix + campaignID
}

// Enqueue inserts a job into either the scheduled set or its ready queue.
func (q *JobQueue) Enqueue(ctx context.Context, jobID, campaignID, category string, runAt time.Time) error {
	if category == "" {
		category = models.CategoryUpload
	}
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.metaKey(jobID), "category", category, "campaign", campaignID)
	if runAt.After(time.Now()) {
		pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: jobID})
	} else {
		pipe.RPush(ctx, q.readyKey(category), jobID)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Requeue moves a job back into the scheduled set for deferred execution,
// clearing any in-flight lease it holds. Used for lease contention and for
// retries whose backoff expires in the future.
func (q *JobQueue) Requeue(ctx context.Context, jobID string, runAt time.Time) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, jobID)
	pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: jobID})
	_, err := pipe.Exec(ctx)
	return err
}

// PromoteScheduled moves due scheduled jobs into their category ready queues.
// Returns how many were promoted. Promotion preserves scheduled order because
// the ZSET is drained in ascending score order.
func (q *JobQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.scheduledKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		category, err := q.client.HGet(ctx, q.metaKey(id), "category").Result()
		if err == redis.Nil || category == "" {
			category = models.CategoryUpload
		} else if err != nil {
			category = models.CategoryUpload
		}
		pipe.ZRem(ctx, q.scheduledKey, id)
		pipe.RPush(ctx, q.readyKey(category), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// Dequeue pops the next ready job for a category and places it into the
// in-flight set with a visibility timeout. Returns "" when the queue is empty.
func (q *JobQueue) Dequeue(ctx context.Context, category string) (string, error) {
	keys := []string{q.readyKey(category), q.inflightKey}
	res, err := dequeueScript.Run(ctx, q.client, keys, time.Now().Add(q.visibilityTTL).UnixMilli()).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	jobID, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	return jobID, nil
}

// ExtendVisibility pushes the visibility deadline forward for an in-flight job.
func (q *JobQueue) ExtendVisibility(ctx context.Context, jobID string, extension time.Duration) error {
	return q.client.ZAdd(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: jobID,
	}).Err()
}

// Ack removes a settled job from in-flight tracking and its meta record.
func (q *JobQueue) Ack(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, jobID)
	pipe.Del(ctx, q.metaKey(jobID))
	_, err := pipe.Exec(ctx)
	return err
}

// Hold parks a dequeued job in its campaign's held set. Held jobs keep their
// original scheduled time as the score so resume restores ordering.
func (q *JobQueue) Hold(ctx context.Context, jobID string, scheduledAt time.Time) error {
	campaignID, err := q.client.HGet(ctx, q.metaKey(jobID), "campaign").Result()
	if err == redis.Nil {
		campaignID = ""
	} else if err != nil {
		return err
	}
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, jobID)
	pipe.ZAdd(ctx, q.heldKey(campaignID), redis.Z{Score: float64(scheduledAt.UnixMilli()), Member: jobID})
	_, err = pipe.Exec(ctx)
	return err
}

// ResumeCampaign clears the campaign's held set, returning its jobs to the
// scheduled set at their original times. Returns how many were released.
func (q *JobQueue) ResumeCampaign(ctx context.Context, campaignID string) (int, error) {
	entries, err := q.client.ZRangeWithScores(ctx, q.heldKey(campaignID), 0, -1).Result()
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 0, nil
	}
	pipe := q.client.TxPipeline()
	for _, e := range entries {
		pipe.ZAdd(ctx, q.scheduledKey, e)
	}
	pipe.Del(ctx, q.heldKey(campaignID))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(entries), nil
}

// RequeueExpired reclaims in-flight entries whose visibility timed out,
// returning them to the scheduled set for the next tick.
func (q *JobQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.inflightKey, id)
		pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(now.UnixMilli()), Member: id})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

// Cancel removes a job from ready, scheduled, held, and in-flight sets.
func (q *JobQueue) Cancel(ctx context.Context, jobID, campaignID string) error {
	pipe := q.client.TxPipeline()
	for _, c := range q.categories {
		pipe.LRem(ctx, q.readyKey(c), 0, jobID)
	}
	pipe.ZRem(ctx, q.inflightKey, jobID)
	pipe.ZRem(ctx, q.scheduledKey, jobID)
	pipe.ZRem(ctx, q.heldKey(campaignID), jobID)
	pipe.Del(ctx, q.metaKey(jobID))
	_, err := pipe.Exec(ctx)
	return err
}

// DLQPush appends to the dead-letter queue for operational inspection.
func (q *JobQueue) DLQPush(ctx context.Context, jobID string) error {
	return q.client.RPush(ctx, q.dlqKey, jobID).Err()
}

// DLQPeek reads the latest dead-lettered job IDs.
func (q *JobQueue) DLQPeek(ctx context.Context, count int64) ([]string, error) {
	return q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
}

// ReadyDepth returns the total length of all category ready queues.
func (q *JobQueue) ReadyDepth(ctx context.Context) (int64, error) {
	pipe := q.client.Pipeline()
	cmds := make([]*redis.IntCmd, 0, len(q.categories))
	for _, c := range q.categories {
		cmds = append(cmds, pipe.LLen(ctx, q.readyKey(c)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	var total int64
	for _, c := range cmds {
		total += c.Val()
	}
	return total, nil
}

var dequeueScript = redis.NewScript(`
local inflight = KEYS[#KEYS]
for i=1,#KEYS-1 do
  local job = redis.call('LPOP', KEYS[i])
  if job then
    redis.call('ZADD', inflight, ARGV[1], job)
    return job
  end
end
return nil
`)
