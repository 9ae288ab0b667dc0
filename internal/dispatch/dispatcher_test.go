package dispatch

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"autopost-engine/internal/allocator"
	"autopost-engine/internal/models"
	"autopost-engine/internal/queue"
	"autopost-engine/internal/ratelimit"
)

type fakeSource struct {
	jobs             map[string]models.Job
	campaigns        map[string]models.Campaign
	completionChecks []string
}

func (f *fakeSource) GetJob(_ context.Context, id string) (models.Job, error) {
	j, ok := f.jobs[id]
	if !ok {
		return models.Job{}, fmt.Errorf("job not found: %s", id)
	}
	return j, nil
}

func (f *fakeSource) GetCampaign(_ context.Context, id string) (models.Campaign, error) {
	c, ok := f.campaigns[id]
	if !ok {
		return models.Campaign{}, fmt.Errorf("campaign not found: %s", id)
	}
	return c, nil
}

func (f *fakeSource) MaybeCompleteCampaign(_ context.Context, id string) (bool, error) {
	f.completionChecks = append(f.completionChecks, id)
	return false, nil
}

type fakeMachine struct {
	began      []string
	failedPend []string
}

func (f *fakeMachine) Begin(_ context.Context, jobID string) (string, bool, error) {
	f.began = append(f.began, jobID)
	return "token-" + jobID, true, nil
}

func (f *fakeMachine) FailPending(_ context.Context, jobID, _ string) (bool, error) {
	f.failedPend = append(f.failedPend, jobID)
	return true, nil
}

type fakeLimiter struct {
	deny map[string]bool
}

func (f *fakeLimiter) Allow(_ context.Context, category string) (bool, error) {
	return !f.deny[category], nil
}

type captureSink struct {
	tasks []Task
}

func (c *captureSink) Submit(_ context.Context, task Task) error {
	c.tasks = append(c.tasks, task)
	return nil
}

type harness struct {
	mr      *miniredis.Miniredis
	client  *redis.Client
	queue   *queue.JobQueue
	leases  *allocator.Allocator
	source  *fakeSource
	machine *fakeMachine
	limiter *fakeLimiter
	sink    *captureSink
	d       *Dispatcher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	h := &harness{
		mr:      mr,
		client:  client,
		queue:   queue.New(queue.Options{Client: client, VisibilityTimeout: time.Minute}),
		leases:  allocator.New(client, time.Minute),
		source:  &fakeSource{jobs: map[string]models.Job{}, campaigns: map[string]models.Campaign{}},
		machine: &fakeMachine{},
		limiter: &fakeLimiter{deny: map[string]bool{}},
		sink:    &captureSink{},
	}
	h.d = New(Options{
		Queue:          h.queue,
		Source:         h.source,
		Leases:         h.leases,
		Machine:        h.machine,
		Limiter:        h.limiter,
		Sink:           h.sink,
		MaxPendingWait: 2 * time.Hour,
	})
	return h
}

func (h *harness) addJob(t *testing.T, id, campaignID, accountID string, scheduledAt time.Time) {
	t.Helper()
	h.source.jobs[id] = models.Job{
		ID:          id,
		CampaignID:  campaignID,
		AccountID:   accountID,
		Category:    models.CategoryUpload,
		Status:      models.JobPending,
		ScheduledAt: scheduledAt,
		MaxRetries:  3,
	}
	if err := h.queue.Enqueue(context.Background(), id, campaignID, models.CategoryUpload, scheduledAt); err != nil {
		t.Fatalf("enqueue %s: %v", id, err)
	}
}

func (h *harness) addCampaign(id, status string) {
	h.source.campaigns[id] = models.Campaign{ID: id, Status: status}
}

func TestTickDispatchesDueJob(t *testing.T) {
	h := newHarness(t)
	h.addCampaign("camp-1", models.CampaignRunning)
	h.addJob(t, "job-1", "camp-1", "acct-1", time.Now().Add(-time.Minute))

	if err := h.d.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(h.sink.tasks) != 1 || h.sink.tasks[0].Job.ID != "job-1" {
		t.Fatalf("expected job-1 dispatched, got %+v", h.sink.tasks)
	}
	if h.sink.tasks[0].Token == "" || h.sink.tasks[0].Lease.AccountID != "acct-1" {
		t.Fatalf("task missing token or lease: %+v", h.sink.tasks[0])
	}

	held, err := h.leases.Held(context.Background(), "acct-1")
	if err != nil {
		t.Fatalf("held: %v", err)
	}
	if !held {
		t.Fatal("dispatched job must hold the account lease")
	}
}

func TestTickLeavesFutureJobScheduled(t *testing.T) {
	h := newHarness(t)
	h.addCampaign("camp-1", models.CampaignRunning)
	h.addJob(t, "job-future", "camp-1", "acct-1", time.Now().Add(time.Hour))

	if err := h.d.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(h.sink.tasks) != 0 {
		t.Fatalf("future job must not dispatch, got %+v", h.sink.tasks)
	}
}

func TestSameAccountOneRunningAtATime(t *testing.T) {
	// Two due jobs for the same account in the same tick: exactly one
	// dispatches, the other defers without consuming its retry budget.
	h := newHarness(t)
	h.addCampaign("camp-1", models.CampaignRunning)
	h.addJob(t, "job-a", "camp-1", "acct-1", time.Now().Add(-2*time.Minute))
	h.addJob(t, "job-b", "camp-1", "acct-1", time.Now().Add(-time.Minute))

	if err := h.d.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(h.sink.tasks) != 1 {
		t.Fatalf("expected exactly one dispatch, got %d", len(h.sink.tasks))
	}
	if len(h.machine.failedPend) != 0 {
		t.Fatalf("lease contention must not fail jobs: %v", h.machine.failedPend)
	}

	// The deferred job sits in the scheduled set for a later tick.
	deferred := "job-b"
	if h.sink.tasks[0].Job.ID == "job-b" {
		deferred = "job-a"
	}
	score, err := h.client.ZScore(context.Background(), "queue:scheduled", deferred).Result()
	if err != nil {
		t.Fatalf("deferred job not in scheduled set: %v", err)
	}
	if score <= float64(time.Now().UnixMilli()) {
		t.Fatalf("deferred job should be scheduled in the future, score %f", score)
	}
}

func TestPausedCampaignHoldsJob(t *testing.T) {
	h := newHarness(t)
	h.addCampaign("camp-p", models.CampaignPaused)
	h.addJob(t, "job-h", "camp-p", "acct-1", time.Now().Add(-time.Minute))

	if err := h.d.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(h.sink.tasks) != 0 {
		t.Fatal("paused campaign jobs must not dispatch")
	}

	n, err := h.client.ZCard(context.Background(), "queue:held:camp-p").Result()
	if err != nil || n != 1 {
		t.Fatalf("expected 1 held job, got %d (%v)", n, err)
	}

	// Resume returns the job to the scheduled set and the next tick runs it.
	if _, err := h.queue.ResumeCampaign(context.Background(), "camp-p"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	h.addCampaign("camp-p", models.CampaignRunning)
	if err := h.d.Tick(context.Background()); err != nil {
		t.Fatalf("tick after resume: %v", err)
	}
	if len(h.sink.tasks) != 1 || h.sink.tasks[0].Job.ID != "job-h" {
		t.Fatalf("expected held job dispatched after resume, got %+v", h.sink.tasks)
	}
}

func TestRateBudgetStopsCategoryDrain(t *testing.T) {
	h := newHarness(t)
	h.limiter.deny[models.CategoryUpload] = true
	h.addCampaign("camp-1", models.CampaignRunning)
	h.addJob(t, "job-1", "camp-1", "acct-1", time.Now().Add(-time.Minute))

	if err := h.d.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(h.sink.tasks) != 0 {
		t.Fatal("rate-limited category must not dispatch")
	}
	// The deferred job waits in the scheduled set and its lease is freed.
	score, err := h.client.ZScore(context.Background(), "queue:scheduled", "job-1").Result()
	if err != nil {
		t.Fatalf("deferred job not in scheduled set: %v", err)
	}
	if score <= float64(time.Now().UnixMilli()) {
		t.Fatalf("deferred job should be scheduled in the future, score %f", score)
	}
	held, _ := h.leases.Held(context.Background(), "acct-1")
	if held {
		t.Fatal("a rate-denied job must not keep its account lease")
	}
}

func TestIdleTicksDoNotConsumeBudget(t *testing.T) {
	// An empty queue and lease-contended jobs never touch the bucket: a
	// category that executed nothing keeps its full budget for the next
	// due job.
	h := newHarness(t)
	limiter := ratelimit.NewCategoryLimiter(h.client, ratelimit.Budgets{
		models.CategoryUpload: 2,
	}, time.Hour)
	d := New(Options{
		Queue:          h.queue,
		Source:         h.source,
		Leases:         h.leases,
		Machine:        h.machine,
		Limiter:        limiter,
		Sink:           h.sink,
		MaxPendingWait: 2 * time.Hour,
	})

	for i := 0; i < 5; i++ {
		if err := d.Tick(context.Background()); err != nil {
			t.Fatalf("idle tick %d: %v", i, err)
		}
	}

	h.addCampaign("camp-1", models.CampaignRunning)
	h.addJob(t, "job-1", "camp-1", "acct-1", time.Now().Add(-time.Minute))
	h.addJob(t, "job-2", "camp-1", "acct-2", time.Now().Add(-time.Minute))

	if err := d.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(h.sink.tasks) != 2 {
		t.Fatalf("both due jobs should dispatch on an untouched budget of 2, got %d", len(h.sink.tasks))
	}
}

func TestPendingWaitCeilingFailsJob(t *testing.T) {
	h := newHarness(t)
	h.addCampaign("camp-1", models.CampaignRunning)

	// Another holder already owns the account.
	if _, err := h.leases.Acquire(context.Background(), "acct-1"); err != nil {
		t.Fatalf("pre-acquire: %v", err)
	}
	h.addJob(t, "job-old", "camp-1", "acct-1", time.Now().Add(-3*time.Hour))

	if err := h.d.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(h.sink.tasks) != 0 {
		t.Fatal("starved job must not dispatch")
	}
	if len(h.machine.failedPend) != 1 || h.machine.failedPend[0] != "job-old" {
		t.Fatalf("expected job-old failed pending, got %v", h.machine.failedPend)
	}
	dlq, err := h.queue.DLQPeek(context.Background(), 10)
	if err != nil {
		t.Fatalf("dlq peek: %v", err)
	}
	if len(dlq) != 1 || dlq[0] != "job-old" {
		t.Fatalf("expected job-old in DLQ, got %v", dlq)
	}
	if len(h.source.completionChecks) != 1 || h.source.completionChecks[0] != "camp-1" {
		t.Fatalf("terminal failure on the dispatch path must check campaign completion, got %v", h.source.completionChecks)
	}
}

func TestCancelledCampaignJobAcked(t *testing.T) {
	h := newHarness(t)
	h.addCampaign("camp-c", models.CampaignCancelled)
	h.addJob(t, "job-c", "camp-c", "acct-1", time.Now().Add(-time.Minute))

	if err := h.d.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(h.sink.tasks) != 0 {
		t.Fatal("cancelled campaign jobs must not dispatch")
	}
	held, _ := h.leases.Held(context.Background(), "acct-1")
	if held {
		t.Fatal("no lease should be taken for a dropped job")
	}
}

func TestMissingJobRecordIsDropped(t *testing.T) {
	h := newHarness(t)
	if err := h.queue.Enqueue(context.Background(), "ghost", "camp-1", models.CategoryUpload, time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if err := h.d.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(h.sink.tasks) != 0 {
		t.Fatal("ghost job must not dispatch")
	}
	n, err := h.client.ZCard(context.Background(), "queue:inflight").Result()
	if err != nil || n != 0 {
		t.Fatalf("ghost job should be acked out of in-flight, got %d (%v)", n, err)
	}
}
