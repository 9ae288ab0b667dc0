package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"autopost-engine/internal/models"
)

// CreateJobs inserts a planner-produced job set in a single transaction.
// Either the whole set lands or none of it does.
func (s *Store) CreateJobs(ctx context.Context, jobs []models.Job) error {
	if len(jobs) == 0 {
		return nil
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	for _, j := range jobs {
		_, err := tx.Exec(ctx, `
			INSERT INTO jobs (id, campaign_id, account_id, proxy_id, category, video_path, caption, status, scheduled_at, seed, batch_count, retry_count, max_retries, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $14)
		`, j.ID, nilIfEmpty(j.CampaignID), nilIfEmpty(j.AccountID), j.ProxyID, j.Category, j.VideoPath, j.Caption, j.Status, j.ScheduledAt, j.Seed, j.BatchCount, j.RetryCount, j.MaxRetries, j.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert job %s: %w", j.ID, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit job set: %w", err)
	}
	return nil
}

func nilIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

const jobColumns = `id, campaign_id, account_id, proxy_id, category, video_path, caption, status, scheduled_at, seed, batch_count, started_at, completed_at, retry_count, max_retries, attempt_token, last_error, remote_url, created_at, updated_at`

func scanJob(row pgx.Row) (models.Job, error) {
	var j models.Job
	var campaignID, accountID, proxyID, attemptToken, lastErr, remoteURL pgtype.Text
	var started, completed pgtype.Timestamptz

	if err := row.Scan(&j.ID, &campaignID, &accountID, &proxyID, &j.Category, &j.VideoPath, &j.Caption, &j.Status, &j.ScheduledAt, &j.Seed, &j.BatchCount, &started, &completed, &j.RetryCount, &j.MaxRetries, &attemptToken, &lastErr, &remoteURL, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return models.Job{}, err
	}
	if campaignID.Valid {
		j.CampaignID = campaignID.String
	}
	if accountID.Valid {
		j.AccountID = accountID.String
	}
	j.ProxyID = textPtr(proxyID)
	j.AttemptToken = textPtr(attemptToken)
	j.LastError = textPtr(lastErr)
	j.RemoteURL = textPtr(remoteURL)
	j.StartedAt = tsPtr(started)
	j.CompletedAt = tsPtr(completed)
	return j, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("job not found: %w", err)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	return j, nil
}

// ListJobsByCampaign returns a campaign's jobs in scheduled order, ties by id.
func (s *Store) ListJobsByCampaign(ctx context.Context, campaignID string) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE campaign_id = $1 ORDER BY scheduled_at, id
	`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var out []models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// MarkJobRunning transitions a pending or retrying job to running and
// installs the attempt token that fences the eventual result report. Returns
// false if the job was not dispatchable (already running, cancelled, settled).
func (s *Store) MarkJobRunning(ctx context.Context, id, attemptToken string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, started_at = NOW(), attempt_token = $3, updated_at = NOW()
		WHERE id = $1 AND status IN ($4, $5)
	`, id, models.JobRunning, attemptToken, models.JobPending, models.JobRetrying)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// CompleteJob applies a success report. The update only lands if the job is
// still running under the same attempt token; stale or duplicate reports
// affect zero rows and are discarded by the caller.
func (s *Store) CompleteJob(ctx context.Context, id, attemptToken string, remoteURL *string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, completed_at = NOW(), remote_url = $3, last_error = NULL, attempt_token = NULL, updated_at = NOW()
		WHERE id = $1 AND status = $4 AND attempt_token = $5
	`, id, models.JobCompleted, remoteURL, models.JobRunning, attemptToken)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// FailJob applies a fatal report under the same fencing as CompleteJob.
func (s *Store) FailJob(ctx context.Context, id, attemptToken, lastError string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, completed_at = NOW(), last_error = $3, attempt_token = NULL, updated_at = NOW()
		WHERE id = $1 AND status = $4 AND attempt_token = $5
	`, id, models.JobFailed, lastError, models.JobRunning, attemptToken)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// RetryJob applies a retryable failure: bumps retry_count and parks the job
// in retrying until the backoff time, when the dispatcher picks it back up.
// Same fencing as CompleteJob.
func (s *Store) RetryJob(ctx context.Context, id, attemptToken string, retryCount int, nextRun time.Time, lastError string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, retry_count = $3, scheduled_at = $4, last_error = $5, attempt_token = NULL, updated_at = NOW()
		WHERE id = $1 AND status = $6 AND attempt_token = $7 AND retry_count < max_retries
	`, id, models.JobRetrying, retryCount, nextRun, lastError, models.JobRunning, attemptToken)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// FailPendingJob fails a job that never got to run (ResourceTimeout). Only
// applies while the job is still waiting to run.
func (s *Store) FailPendingJob(ctx context.Context, id, lastError string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, completed_at = NOW(), last_error = $3, updated_at = NOW()
		WHERE id = $1 AND status IN ($4, $5)
	`, id, models.JobFailed, lastError, models.JobPending, models.JobRetrying)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// CancelJob cancels a job in any non-terminal state.
func (s *Store) CancelJob(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, completed_at = NOW(), attempt_token = NULL, updated_at = NOW()
		WHERE id = $1 AND status IN ($3, $4, $5)
	`, id, models.JobCancelled, models.JobPending, models.JobRunning, models.JobRetrying)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// CancelCampaignJobs cancels every non-terminal job of a campaign and returns
// the affected ids so the caller can purge them from the queue.
func (s *Store) CancelCampaignJobs(ctx context.Context, campaignID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE jobs SET status = $2, completed_at = NOW(), attempt_token = NULL, updated_at = NOW()
		WHERE campaign_id = $1 AND status IN ($3, $4, $5)
		RETURNING id
	`, campaignID, models.JobCancelled, models.JobPending, models.JobRunning, models.JobRetrying)
	if err != nil {
		return nil, fmt.Errorf("cancel campaign jobs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan cancelled id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ResetJobForRetry returns a failed job to pending with a fresh retry budget.
// Backs the manual retry endpoint.
func (s *Store) ResetJobForRetry(ctx context.Context, id string, runAt time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, scheduled_at = $3, retry_count = 0, last_error = NULL, completed_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = $4
	`, id, models.JobPending, runAt, models.JobFailed)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}
