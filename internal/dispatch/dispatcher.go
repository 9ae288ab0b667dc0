// Package dispatch runs the scheduler tick: it reclaims expired in-flight
// jobs, promotes due jobs into their category ready queues, and drains those
// queues into the worker pool subject to rate budgets, campaign state, and
// account lease exclusivity.
package dispatch

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"autopost-engine/internal/allocator"
	"autopost-engine/internal/faults"
	"autopost-engine/internal/models"
	"autopost-engine/internal/queue"
	"autopost-engine/internal/telemetry"
)

// busyRequeueDelay defers a job whose account lease is held. Long enough to
// avoid hammering the lease table, short enough to pick up a freed account
// within a tick or two.
const busyRequeueDelay = 15 * time.Second

// rateDeferDelay defers a job denied by its category budget. The bucket
// refills continuously, so a short push-back is enough.
const rateDeferDelay = 5 * time.Second

// JobSource loads job and campaign records at dispatch time.
type JobSource interface {
	GetJob(ctx context.Context, id string) (models.Job, error)
	GetCampaign(ctx context.Context, id string) (models.Campaign, error)
	MaybeCompleteCampaign(ctx context.Context, id string) (bool, error)
}

// Leaser claims and frees account leases.
type Leaser interface {
	Acquire(ctx context.Context, accountID string) (allocator.Lease, error)
	Release(ctx context.Context, lease allocator.Lease) error
}

// Lifecycle is the job state machine surface the dispatcher drives.
type Lifecycle interface {
	Begin(ctx context.Context, jobID string) (token string, applied bool, err error)
	FailPending(ctx context.Context, jobID, reason string) (bool, error)
}

// Limiter gates dispatch per task category.
type Limiter interface {
	Allow(ctx context.Context, category string) (bool, error)
}

// Task is a dispatched unit of work handed to the execution pool. The lease
// is zero-valued for categories that run without an account.
type Task struct {
	Job   models.Job
	Token string
	Lease allocator.Lease
}

// Sink receives dispatched tasks. Submit must not block the dispatch loop
// indefinitely; the pool applies its own backpressure.
type Sink interface {
	Submit(ctx context.Context, task Task) error
}

// Dispatcher drains the queue on a fixed tick.
type Dispatcher struct {
	queue          *queue.JobQueue
	source         JobSource
	leases         Leaser
	machine        Lifecycle
	limiter        Limiter
	sink           Sink
	metrics        *telemetry.Metrics
	logger         *zap.Logger
	tick           time.Duration
	batchSize      int64
	maxPendingWait time.Duration
}

// Options wires the dispatcher's collaborators.
type Options struct {
	Queue          *queue.JobQueue
	Source         JobSource
	Leases         Leaser
	Machine        Lifecycle
	Limiter        Limiter
	Sink           Sink
	Metrics        *telemetry.Metrics
	Logger         *zap.Logger
	TickInterval   time.Duration
	BatchSize      int
	MaxPendingWait time.Duration
}

// New builds a dispatcher.
func New(opts Options) *Dispatcher {
	if opts.TickInterval <= 0 {
		opts.TickInterval = 2 * time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.MaxPendingWait <= 0 {
		opts.MaxPendingWait = 2 * time.Hour
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Dispatcher{
		queue:          opts.Queue,
		source:         opts.Source,
		leases:         opts.Leases,
		machine:        opts.Machine,
		limiter:        opts.Limiter,
		sink:           opts.Sink,
		metrics:        opts.Metrics,
		logger:         opts.Logger,
		tick:           opts.TickInterval,
		batchSize:      int64(opts.BatchSize),
		maxPendingWait: opts.MaxPendingWait,
	}
}

// Run ticks until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := d.Tick(ctx); err != nil && !errors.Is(err, context.Canceled) {
				d.logger.Error("dispatch tick failed", zap.Error(err))
			}
		}
	}
}

// Tick runs one full dispatch pass.
func (d *Dispatcher) Tick(ctx context.Context) error {
	now := time.Now().UTC()

	reclaimed, err := d.queue.RequeueExpired(ctx, now, d.batchSize)
	if err != nil {
		return err
	}
	if len(reclaimed) > 0 {
		d.logger.Warn("reclaimed expired in-flight jobs", zap.Int("count", len(reclaimed)))
	}

	if _, err := d.queue.PromoteScheduled(ctx, now, d.batchSize); err != nil {
		return err
	}

	for _, category := range models.Categories {
		if err := d.drainCategory(ctx, category, now); err != nil {
			return err
		}
	}

	if d.metrics != nil {
		if depth, err := d.queue.ReadyDepth(ctx); err == nil {
			d.metrics.QueueDepth.Set(float64(depth))
		}
	}
	return nil
}

func (d *Dispatcher) drainCategory(ctx context.Context, category string, now time.Time) error {
	for i := int64(0); i < d.batchSize; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		jobID, err := d.queue.Dequeue(ctx, category)
		if err != nil {
			return err
		}
		if jobID == "" {
			return nil
		}

		proceed, err := d.dispatchOne(ctx, jobID, category, now)
		if err != nil {
			return err
		}
		if !proceed {
			return nil
		}
	}
	return nil
}

// dispatchOne moves a single dequeued job toward execution. Every exit path
// must settle the in-flight entry: ack it, requeue it, or hold it. The rate
// token is consumed only after the account lease is acquired, so idle ticks,
// dropped entries, and lease contention never charge the category budget.
// Returns false when the category budget is exhausted and draining must stop.
func (d *Dispatcher) dispatchOne(ctx context.Context, jobID, category string, now time.Time) (bool, error) {
	job, err := d.source.GetJob(ctx, jobID)
	if err != nil {
		// The queue entry has no backing row; drop it rather than loop on it.
		d.logger.Warn("dequeued job has no record, dropping", zap.String("job", jobID), zap.Error(err))
		return true, d.queue.Ack(ctx, jobID)
	}

	if models.TerminalStatus(job.Status) {
		if err := d.queue.Ack(ctx, jobID); err != nil {
			return false, err
		}
		d.maybeCompleteCampaign(ctx, job.CampaignID)
		return true, nil
	}

	campaign, err := d.source.GetCampaign(ctx, job.CampaignID)
	if err == nil {
		switch campaign.Status {
		case models.CampaignPaused:
			if d.metrics != nil {
				d.metrics.JobsHeld.Inc()
			}
			return true, d.queue.Hold(ctx, jobID, job.ScheduledAt)
		case models.CampaignCancelled:
			return true, d.queue.Ack(ctx, jobID)
		}
	}

	var lease allocator.Lease
	if job.AccountID != "" {
		lease, err = d.leases.Acquire(ctx, job.AccountID)
		if errors.Is(err, faults.ErrResourceBusy) {
			return true, d.handleBusy(ctx, job, now)
		}
		if err != nil {
			return false, err
		}
	}

	allowed, err := d.limiter.Allow(ctx, category)
	if err != nil {
		d.releaseLease(ctx, lease)
		return false, err
	}
	if !allowed {
		if d.metrics != nil {
			d.metrics.RateLimited.WithLabelValues(category).Inc()
		}
		d.releaseLease(ctx, lease)
		return false, d.queue.Requeue(ctx, jobID, now.Add(rateDeferDelay))
	}

	token, applied, err := d.machine.Begin(ctx, job.ID)
	if err != nil {
		d.releaseLease(ctx, lease)
		return false, err
	}
	if !applied {
		// Not runnable anymore (cancelled or raced); nothing to run.
		d.releaseLease(ctx, lease)
		return true, d.queue.Ack(ctx, jobID)
	}

	if err := d.sink.Submit(ctx, Task{Job: job, Token: token, Lease: lease}); err != nil {
		d.releaseLease(ctx, lease)
		return false, err
	}
	if d.metrics != nil {
		d.metrics.JobsDispatched.WithLabelValues(category).Inc()
	}
	return true, nil
}

// handleBusy defers a job whose account is leased elsewhere. A job that has
// waited past the pending ceiling fails permanently instead; lease contention
// never charges the retry budget either way.
func (d *Dispatcher) handleBusy(ctx context.Context, job models.Job, now time.Time) error {
	if d.metrics != nil {
		d.metrics.LeaseContention.Inc()
	}
	if now.Sub(job.ScheduledAt) > d.maxPendingWait {
		applied, err := d.machine.FailPending(ctx, job.ID, faults.ErrResourceTimeout.Error())
		if err != nil {
			return err
		}
		if applied {
			d.logger.Warn("job exceeded pending wait ceiling",
				zap.String("job", job.ID),
				zap.String("account", job.AccountID))
			if err := d.queue.DLQPush(ctx, job.ID); err != nil {
				return err
			}
			if d.metrics != nil {
				d.metrics.JobsDeadLetter.Inc()
				d.metrics.JobsFailed.WithLabelValues(job.Category).Inc()
			}
			if err := d.queue.Ack(ctx, job.ID); err != nil {
				return err
			}
			d.maybeCompleteCampaign(ctx, job.CampaignID)
			return nil
		}
		return d.queue.Ack(ctx, job.ID)
	}
	return d.queue.Requeue(ctx, job.ID, now.Add(busyRequeueDelay))
}

// maybeCompleteCampaign runs the completion check after a terminal transition
// made on the dispatch path.
func (d *Dispatcher) maybeCompleteCampaign(ctx context.Context, campaignID string) {
	if campaignID == "" {
		return
	}
	done, err := d.source.MaybeCompleteCampaign(ctx, campaignID)
	if err != nil {
		d.logger.Error("campaign completion check failed", zap.String("campaign", campaignID), zap.Error(err))
		return
	}
	if done {
		d.logger.Info("campaign completed", zap.String("campaign", campaignID))
	}
}

func (d *Dispatcher) releaseLease(ctx context.Context, lease allocator.Lease) {
	if lease.AccountID == "" {
		return
	}
	if err := d.leases.Release(ctx, lease); err != nil {
		d.logger.Error("release lease failed",
			zap.String("account", lease.AccountID),
			zap.Error(err))
	}
}
