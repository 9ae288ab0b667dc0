package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"autopost-engine/internal/models"
)

// CreateCampaignParams collects inputs required to insert a campaign.
type CreateCampaignParams struct {
	Name            string
	VideoPaths      []string
	CaptionTemplate string
	Selection       models.AccountSelection
	Schedule        models.Schedule
	Seed            int64
}

// CreateCampaign inserts a campaign in draft status.
func (s *Store) CreateCampaign(ctx context.Context, p CreateCampaignParams) (models.Campaign, error) {
	selectionJSON, err := json.Marshal(p.Selection)
	if err != nil {
		return models.Campaign{}, fmt.Errorf("marshal selection: %w", err)
	}
	scheduleJSON, err := json.Marshal(p.Schedule)
	if err != nil {
		return models.Campaign{}, fmt.Errorf("marshal schedule: %w", err)
	}
	videosJSON, err := json.Marshal(p.VideoPaths)
	if err != nil {
		return models.Campaign{}, fmt.Errorf("marshal video paths: %w", err)
	}

	id := uuid.New().String()
	now := time.Now().UTC()
	_, err = s.pool.Exec(ctx, `
		INSERT INTO campaigns (id, name, status, video_paths, caption_template, account_selection, schedule, seed, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
	`, id, p.Name, models.CampaignDraft, videosJSON, p.CaptionTemplate, selectionJSON, scheduleJSON, p.Seed, now)
	if err != nil {
		return models.Campaign{}, fmt.Errorf("insert campaign: %w", err)
	}

	return models.Campaign{
		ID:              id,
		Name:            p.Name,
		Status:          models.CampaignDraft,
		VideoPaths:      p.VideoPaths,
		CaptionTemplate: p.CaptionTemplate,
		Selection:       p.Selection,
		Schedule:        p.Schedule,
		Seed:            p.Seed,
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

const campaignColumns = `id, name, status, video_paths, caption_template, account_selection, schedule, seed, created_at, updated_at, started_at, completed_at`

func scanCampaign(row pgx.Row) (models.Campaign, error) {
	var c models.Campaign
	var videosJSON, selectionJSON, scheduleJSON []byte
	var started, completed pgtype.Timestamptz

	if err := row.Scan(&c.ID, &c.Name, &c.Status, &videosJSON, &c.CaptionTemplate, &selectionJSON, &scheduleJSON, &c.Seed, &c.CreatedAt, &c.UpdatedAt, &started, &completed); err != nil {
		return models.Campaign{}, err
	}
	if err := json.Unmarshal(videosJSON, &c.VideoPaths); err != nil {
		return models.Campaign{}, fmt.Errorf("unmarshal video paths: %w", err)
	}
	if err := json.Unmarshal(selectionJSON, &c.Selection); err != nil {
		return models.Campaign{}, fmt.Errorf("unmarshal selection: %w", err)
	}
	if err := json.Unmarshal(scheduleJSON, &c.Schedule); err != nil {
		return models.Campaign{}, fmt.Errorf("unmarshal schedule: %w", err)
	}
	c.StartedAt = tsPtr(started)
	c.CompletedAt = tsPtr(completed)
	return c, nil
}

// GetCampaign fetches a campaign by id.
func (s *Store) GetCampaign(ctx context.Context, id string) (models.Campaign, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id = $1`, id)
	c, err := scanCampaign(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Campaign{}, fmt.Errorf("campaign not found: %w", err)
	}
	if err != nil {
		return models.Campaign{}, fmt.Errorf("scan campaign: %w", err)
	}
	return c, nil
}

// ListCampaigns returns campaigns newest first.
func (s *Store) ListCampaigns(ctx context.Context, limit int) ([]models.Campaign, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `SELECT `+campaignColumns+` FROM campaigns ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query campaigns: %w", err)
	}
	defer rows.Close()

	var out []models.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, fmt.Errorf("scan campaign: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// MarkCampaignRunning flips a draft/scheduled campaign to running.
// Returns false if the campaign was not in a startable status.
func (s *Store) MarkCampaignRunning(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE campaigns SET status = $2, started_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status IN ($3, $4)
	`, id, models.CampaignRunning, models.CampaignDraft, models.CampaignScheduled)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// SetCampaignStatus sets the status unconditionally (pause/resume/cancel paths).
func (s *Store) SetCampaignStatus(ctx context.Context, id, status string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE campaigns SET status = $2, updated_at = NOW() WHERE id = $1
	`, id, status)
	return err
}

// MaybeCompleteCampaign marks a running campaign completed once every one of
// its jobs has reached a terminal state. Returns whether the flip happened.
func (s *Store) MaybeCompleteCampaign(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE campaigns SET status = $2, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = $3
		  AND NOT EXISTS (
			SELECT 1 FROM jobs
			WHERE campaign_id = $1 AND status IN ($4, $5, $6)
		  )
	`, id, models.CampaignCompleted, models.CampaignRunning,
		models.JobPending, models.JobRunning, models.JobRetrying)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// CountCampaignJobs returns the aggregate per-status job summary.
func (s *Store) CountCampaignJobs(ctx context.Context, campaignID string) (models.JobCounts, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT status, COUNT(*) FROM jobs WHERE campaign_id = $1 GROUP BY status
	`, campaignID)
	if err != nil {
		return models.JobCounts{}, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()

	var counts models.JobCounts
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return models.JobCounts{}, fmt.Errorf("scan count: %w", err)
		}
		switch status {
		case models.JobPending:
			counts.Pending = n
		case models.JobRunning:
			counts.Running = n
		case models.JobRetrying:
			counts.Retrying = n
		case models.JobCompleted:
			counts.Completed = n
		case models.JobFailed:
			counts.Failed = n
		case models.JobCancelled:
			counts.Cancelled = n
		}
	}
	return counts, rows.Err()
}
