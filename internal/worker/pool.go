// Package worker executes dispatched tasks. A fixed pool of goroutines pulls
// tasks from the dispatcher, runs the category handler under the hard job
// deadline, reports the outcome through the state machine, and settles the
// queue entry and account lease accordingly.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"autopost-engine/internal/allocator"
	"autopost-engine/internal/dispatch"
	"autopost-engine/internal/faults"
	"autopost-engine/internal/lifecycle"
	"autopost-engine/internal/models"
	"autopost-engine/internal/telemetry"
)

// Handler runs one job to completion. It returns the remote URL for jobs that
// publish something, nil otherwise. Errors should carry a faults
// classification; unclassified errors count as retryable.
type Handler func(ctx context.Context, job models.Job) (*string, error)

// Lifecycle is the outcome-reporting surface of the job state machine.
type Lifecycle interface {
	Report(ctx context.Context, job models.Job, token string, remoteURL *string, execErr error) (lifecycle.Result, error)
}

// TaskQueue is the queue surface the pool settles tasks against.
type TaskQueue interface {
	Requeue(ctx context.Context, jobID string, runAt time.Time) error
	Ack(ctx context.Context, jobID string) error
	DLQPush(ctx context.Context, jobID string) error
	ExtendVisibility(ctx context.Context, jobID string, extension time.Duration) error
}

// Leaser keeps account leases alive during execution and frees them after a
// job settles.
type Leaser interface {
	Release(ctx context.Context, lease allocator.Lease) error
	Revoke(ctx context.Context, accountID string) error
	Extend(ctx context.Context, lease allocator.Lease, ttl time.Duration) error
}

// Recorder is the persistence surface for post-settlement bookkeeping.
type Recorder interface {
	TouchAccountLastUsed(ctx context.Context, id string) error
	MaybeCompleteCampaign(ctx context.Context, id string) (bool, error)
	AppendAudit(ctx context.Context, jobID, event, detail string) error
}

// Pool is a bounded task executor. It implements dispatch.Sink.
type Pool struct {
	handlers   map[string]Handler
	machine    Lifecycle
	queue      TaskQueue
	leases     Leaser
	recorder   Recorder
	metrics    *telemetry.Metrics
	logger     *zap.Logger
	jobTimeout time.Duration
	leaseTTL   time.Duration

	tasks chan dispatch.Task
	wg    sync.WaitGroup
}

// PoolOptions wires the pool's collaborators.
type PoolOptions struct {
	Size       int
	JobTimeout time.Duration
	LeaseTTL   time.Duration
	Machine    Lifecycle
	Queue      TaskQueue
	Leases     Leaser
	Recorder   Recorder
	Metrics    *telemetry.Metrics
	Logger     *zap.Logger
}

// NewPool builds an idle pool; Start launches the workers.
func NewPool(opts PoolOptions) *Pool {
	if opts.Size <= 0 {
		opts.Size = 8
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = 30 * time.Minute
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = 45 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Pool{
		handlers:   make(map[string]Handler),
		machine:    opts.Machine,
		queue:      opts.Queue,
		leases:     opts.Leases,
		recorder:   opts.Recorder,
		metrics:    opts.Metrics,
		logger:     opts.Logger,
		jobTimeout: opts.JobTimeout,
		leaseTTL:   opts.LeaseTTL,
		tasks:      make(chan dispatch.Task, opts.Size),
	}
}

// Register binds a handler to a task category.
func (p *Pool) Register(category string, handler Handler) {
	if category == "" || handler == nil {
		return
	}
	p.handlers[category] = handler
}

// Submit hands a dispatched task to the pool. Blocks when every worker is
// busy, which backpressures the dispatcher.
func (p *Pool) Submit(ctx context.Context, task dispatch.Task) error {
	select {
	case p.tasks <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start launches size workers that run until ctx is cancelled.
func (p *Pool) Start(ctx context.Context, size int) {
	if size <= 0 {
		size = cap(p.tasks)
	}
	for i := 0; i < size; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case task := <-p.tasks:
					p.execute(ctx, task)
				}
			}
		}()
	}
}

// Wait blocks until every worker has exited.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// execute runs one task end to end and settles it. Settlement uses the
// background context so a cancelled run context cannot strand queue entries
// or leases.
func (p *Pool) execute(ctx context.Context, task dispatch.Task) {
	job := task.Job
	started := time.Now()

	runCtx, cancel := context.WithTimeout(ctx, p.jobTimeout)
	go p.heartbeat(runCtx, task)
	remoteURL, execErr := p.runHandler(runCtx, job)
	cancel()

	timedOut := runCtx.Err() == context.DeadlineExceeded
	if timedOut {
		execErr = fmt.Errorf("%w after %s", faults.ErrTimeout, p.jobTimeout)
	}

	settleCtx, settleCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer settleCancel()

	result, err := p.machine.Report(settleCtx, job, task.Token, remoteURL, execErr)
	if err != nil {
		p.logger.Error("report outcome failed", zap.String("job", job.ID), zap.Error(err))
	}

	p.releaseLease(settleCtx, task.Lease, timedOut)
	p.settle(settleCtx, job, result, execErr)

	if p.metrics != nil {
		p.metrics.JobDuration.WithLabelValues(job.Category).Observe(time.Since(started).Seconds())
	}
}

// heartbeat keeps the queue entry invisible and the account lease alive while
// a long encode or upload is still running, so a slow job is not reclaimed
// and redispatched mid-flight. Stops when the run context ends.
func (p *Pool) heartbeat(ctx context.Context, task dispatch.Task) {
	interval := p.jobTimeout / 3
	if p.leaseTTL/3 < interval {
		interval = p.leaseTTL / 3
	}
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.queue.ExtendVisibility(ctx, task.Job.ID, p.jobTimeout); err != nil && ctx.Err() == nil {
				p.logger.Warn("extend visibility failed", zap.String("job", task.Job.ID), zap.Error(err))
			}
			if task.Lease.AccountID != "" {
				if err := p.leases.Extend(ctx, task.Lease, p.leaseTTL); err != nil && ctx.Err() == nil {
					p.logger.Warn("extend lease failed", zap.String("account", task.Lease.AccountID), zap.Error(err))
				}
			}
		}
	}
}

func (p *Pool) runHandler(ctx context.Context, job models.Job) (*string, error) {
	handler, ok := p.handlers[job.Category]
	if !ok {
		return nil, faults.Fatal(fmt.Errorf("no handler registered for category %q", job.Category))
	}
	return handler(ctx, job)
}

// releaseLease frees the account. A timed-out attempt cannot be trusted to
// still own its token, so the lease is revoked outright.
func (p *Pool) releaseLease(ctx context.Context, lease allocator.Lease, timedOut bool) {
	if lease.AccountID == "" {
		return
	}
	var err error
	if timedOut {
		err = p.leases.Revoke(ctx, lease.AccountID)
	} else {
		err = p.leases.Release(ctx, lease)
	}
	if err != nil {
		p.logger.Error("free account lease failed", zap.String("account", lease.AccountID), zap.Error(err))
	}
}

// settle finalizes the queue entry for the reported transition and performs
// post-settlement bookkeeping.
func (p *Pool) settle(ctx context.Context, job models.Job, result lifecycle.Result, execErr error) {
	if !result.Applied {
		// Stale report: another actor settled the job. Drop the entry.
		if err := p.queue.Ack(ctx, job.ID); err != nil {
			p.logger.Error("ack stale job failed", zap.String("job", job.ID), zap.Error(err))
		}
		return
	}

	switch result.Status {
	case models.JobCompleted:
		if err := p.queue.Ack(ctx, job.ID); err != nil {
			p.logger.Error("ack completed job failed", zap.String("job", job.ID), zap.Error(err))
		}
		if job.AccountID != "" {
			if err := p.recorder.TouchAccountLastUsed(ctx, job.AccountID); err != nil {
				p.logger.Error("touch account failed", zap.String("account", job.AccountID), zap.Error(err))
			}
		}
		_ = p.recorder.AppendAudit(ctx, job.ID, "completed", "")
		if p.metrics != nil {
			p.metrics.JobsCompleted.WithLabelValues(job.Category).Inc()
		}
		p.maybeCompleteCampaign(ctx, job.CampaignID)

	case models.JobRetrying:
		// Scheduled retry: return the job to the queue at its backoff time.
		if err := p.queue.Requeue(ctx, job.ID, result.NextRun); err != nil {
			p.logger.Error("requeue retry failed", zap.String("job", job.ID), zap.Error(err))
		}
		_ = p.recorder.AppendAudit(ctx, job.ID, "retry_scheduled",
			fmt.Sprintf("attempt=%d next_run=%s error=%s", result.RetryCount, result.NextRun.UTC().Format(time.RFC3339), errString(execErr)))
		if p.metrics != nil {
			p.metrics.JobsRetried.WithLabelValues(job.Category).Inc()
		}
		p.logger.Info("job retry scheduled",
			zap.String("job", job.ID),
			zap.Int("attempt", result.RetryCount),
			zap.Time("next_run", result.NextRun))

	case models.JobFailed:
		if err := p.queue.Ack(ctx, job.ID); err != nil {
			p.logger.Error("ack failed job failed", zap.String("job", job.ID), zap.Error(err))
		}
		if err := p.queue.DLQPush(ctx, job.ID); err != nil {
			p.logger.Error("dead-letter push failed", zap.String("job", job.ID), zap.Error(err))
		}
		_ = p.recorder.AppendAudit(ctx, job.ID, "failed", errString(execErr))
		if p.metrics != nil {
			p.metrics.JobsFailed.WithLabelValues(job.Category).Inc()
			p.metrics.JobsDeadLetter.Inc()
		}
		p.logger.Warn("job failed permanently",
			zap.String("job", job.ID),
			zap.String("category", job.Category),
			zap.Error(execErr))
		p.maybeCompleteCampaign(ctx, job.CampaignID)
	}
}

func (p *Pool) maybeCompleteCampaign(ctx context.Context, campaignID string) {
	if campaignID == "" {
		return
	}
	done, err := p.recorder.MaybeCompleteCampaign(ctx, campaignID)
	if err != nil {
		p.logger.Error("campaign completion check failed", zap.String("campaign", campaignID), zap.Error(err))
		return
	}
	if done {
		p.logger.Info("campaign completed", zap.String("campaign", campaignID))
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
