// Package lifecycle owns per-job status transitions. Every mutation goes
// through conditional store updates fenced by an attempt token, so a result
// report from a stale or timed-out attempt affects zero rows and is dropped.
package lifecycle

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"autopost-engine/internal/backoff"
	"autopost-engine/internal/faults"
	"autopost-engine/internal/models"
)

// canTransition is the legal-transition table. The store's conditional
// updates enforce the same edges; this is the single place they are written
// down together.
func canTransition(from, to string) bool {
	switch from {
	case models.JobPending:
		return to == models.JobRunning || to == models.JobCancelled || to == models.JobFailed
	case models.JobRunning:
		return to == models.JobCompleted || to == models.JobRetrying || to == models.JobFailed || to == models.JobCancelled
	case models.JobRetrying:
		return to == models.JobRunning || to == models.JobCancelled || to == models.JobFailed
	}
	return false
}

// JobStore is the subset of persistence the machine drives. Every method
// returning a bool reports whether the conditional update applied.
type JobStore interface {
	MarkJobRunning(ctx context.Context, id, attemptToken string) (bool, error)
	CompleteJob(ctx context.Context, id, attemptToken string, remoteURL *string) (bool, error)
	FailJob(ctx context.Context, id, attemptToken, lastError string) (bool, error)
	RetryJob(ctx context.Context, id, attemptToken string, retryCount int, nextRun time.Time, lastError string) (bool, error)
	FailPendingJob(ctx context.Context, id, lastError string) (bool, error)
	CancelJob(ctx context.Context, id string) (bool, error)
}

// Machine applies fenced job transitions.
type Machine struct {
	store   JobStore
	backoff *backoff.Controller
	logger  *zap.Logger
}

// NewMachine builds the state machine over a job store.
func NewMachine(store JobStore, bo *backoff.Controller, logger *zap.Logger) *Machine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Machine{store: store, backoff: bo, logger: logger}
}

// Begin transitions a pending or retrying job to running and returns the
// attempt token that fences the eventual result report. applied is false when
// the job was not dispatchable anymore (cancelled, already running, settled).
func (m *Machine) Begin(ctx context.Context, jobID string) (token string, applied bool, err error) {
	token = uuid.New().String()
	applied, err = m.store.MarkJobRunning(ctx, jobID, token)
	if err != nil {
		return "", false, err
	}
	if !applied {
		return "", false, nil
	}
	return token, true, nil
}

// Result describes the transition an outcome report produced.
type Result struct {
	// Applied is false when the report was stale or duplicate and was discarded.
	Applied bool
	// Status the job moved to when Applied.
	Status string
	// NextRun is set when Status is retrying (a scheduled retry).
	NextRun time.Time
	// RetryCount after the transition.
	RetryCount int
}

// Report applies an execution outcome for a running attempt. A nil execErr
// completes the job; otherwise the faults classification decides between a
// scheduled retry and terminal failure. Unclassified errors count as
// retryable. The job passed in must be the one loaded at dispatch time.
func (m *Machine) Report(ctx context.Context, job models.Job, token string, remoteURL *string, execErr error) (Result, error) {
	if execErr == nil {
		applied, err := m.store.CompleteJob(ctx, job.ID, token, remoteURL)
		if err != nil {
			return Result{}, err
		}
		if !applied {
			m.logger.Warn("discarding stale success report", zap.String("job", job.ID))
		}
		return Result{Applied: applied, Status: models.JobCompleted, RetryCount: job.RetryCount}, nil
	}

	fatal := faults.IsFatal(execErr) || faults.IsTimeout(execErr)
	retriesLeft := job.RetryCount < job.MaxRetries
	if !fatal && retriesLeft {
		next := job.RetryCount + 1
		nextRun := m.backoff.NextAttempt(time.Now().UTC(), next)
		applied, err := m.store.RetryJob(ctx, job.ID, token, next, nextRun, execErr.Error())
		if err != nil {
			return Result{}, err
		}
		if !applied {
			m.logger.Warn("discarding stale retry report", zap.String("job", job.ID))
			return Result{}, nil
		}
		return Result{Applied: true, Status: models.JobRetrying, NextRun: nextRun, RetryCount: next}, nil
	}

	applied, err := m.store.FailJob(ctx, job.ID, token, execErr.Error())
	if err != nil {
		return Result{}, err
	}
	if !applied {
		m.logger.Warn("discarding stale failure report", zap.String("job", job.ID))
	}
	return Result{Applied: applied, Status: models.JobFailed, RetryCount: job.RetryCount}, nil
}

// FailPending fails a job that never reached running. Used for
// ResourceTimeout; it does not consume the retry budget.
func (m *Machine) FailPending(ctx context.Context, jobID, reason string) (bool, error) {
	return m.store.FailPendingJob(ctx, jobID, reason)
}

// Cancel moves a non-terminal job to cancelled.
func (m *Machine) Cancel(ctx context.Context, jobID string) (bool, error) {
	return m.store.CancelJob(ctx, jobID)
}
