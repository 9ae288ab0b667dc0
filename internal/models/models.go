package models

import (
	"time"
)

// CampaignStatus values persisted in Postgres.
const (
	CampaignDraft     = "draft"
	CampaignScheduled = "scheduled"
	CampaignRunning   = "running"
	CampaignPaused    = "paused"
	CampaignCompleted = "completed"
	CampaignCancelled = "cancelled"
)

// JobStatus values. Completed, failed and cancelled are terminal.
const (
	JobPending   = "pending"
	JobRunning   = "running"
	JobRetrying  = "retrying"
	JobCompleted = "completed"
	JobFailed    = "failed"
	JobCancelled = "cancelled"
)

// AccountStatus values.
const (
	AccountActive       = "active"
	AccountBanned       = "banned"
	AccountCooldown     = "cooldown"
	AccountNeedsCaptcha = "needs_captcha"
	AccountInactive     = "inactive"
)

// ProxyStatus values.
const (
	ProxyActive   = "active"
	ProxyInactive = "inactive"
	ProxyBanned   = "banned"
	ProxyError    = "error"
)

// Task categories. Each category has its own rate-limit budget and ready queue.
const (
	CategoryUpload      = "upload"
	CategoryAccountTest = "account_test"
	CategoryProxyCheck  = "proxy_check"
	CategoryBatchVideo  = "batch_video"
)

// Categories lists every known task category in dispatch order.
var Categories = []string{CategoryUpload, CategoryAccountTest, CategoryProxyCheck, CategoryBatchVideo}

// Selection strategies for choosing campaign accounts.
const (
	SelectAll      = "all"
	SelectRandom   = "random"
	SelectSpecific = "specific"
)

// AccountSelection describes how a campaign picks its accounts.
type AccountSelection struct {
	Strategy   string   `json:"strategy"`
	Count      int      `json:"count,omitempty"`
	AccountIDs []string `json:"account_ids,omitempty"`
}

// Schedule is the posting window plus the per-job jitter range.
type Schedule struct {
	StartTime       time.Time `json:"start_time"`
	EndTime         time.Time `json:"end_time"`
	DelayMinSeconds int       `json:"delay_min_seconds"`
	DelayMaxSeconds int       `json:"delay_max_seconds"`
}

// Campaign is a declarative batch posting intent spanning many accounts and videos.
type Campaign struct {
	ID              string           `json:"id"`
	Name            string           `json:"name"`
	Status          string           `json:"status"`
	VideoPaths      []string         `json:"video_paths"`
	CaptionTemplate string           `json:"caption_template"`
	Selection       AccountSelection `json:"account_selection"`
	Schedule        Schedule         `json:"schedule"`
	Seed            int64            `json:"seed"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
	StartedAt       *time.Time       `json:"started_at,omitempty"`
	CompletedAt     *time.Time       `json:"completed_at,omitempty"`
}

// Job is one account/video/time unit of work derived from a campaign.
// Jobs are created once by the planner and mutated only by the dispatcher,
// the backoff controller, and result reporting.
type Job struct {
	ID           string     `json:"id"`
	CampaignID   string     `json:"campaign_id"`
	AccountID    string     `json:"account_id"`
	ProxyID      *string    `json:"proxy_id,omitempty"`
	Category     string     `json:"category"`
	VideoPath    string     `json:"video_path"`
	Caption      string     `json:"caption"`
	Status       string     `json:"status"`
	ScheduledAt  time.Time  `json:"scheduled_at"`
	Seed         int64      `json:"seed"`
	BatchCount   int        `json:"batch_count,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	RetryCount   int        `json:"retry_count"`
	MaxRetries   int        `json:"max_retries"`
	AttemptToken *string    `json:"attempt_token,omitempty"`
	LastError    *string    `json:"last_error,omitempty"`
	RemoteURL    *string    `json:"remote_url,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Terminal reports whether the job status can no longer change.
func (j Job) Terminal() bool {
	return TerminalStatus(j.Status)
}

// TerminalStatus reports whether a job status is terminal.
func TerminalStatus(status string) bool {
	switch status {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	}
	return false
}

// Account is a posting account. The proxy assignment is static; it is read
// along with the account and never reallocated per job.
type Account struct {
	ID        string     `json:"id"`
	Username  string     `json:"username"`
	Status    string     `json:"status"`
	ProxyID   *string    `json:"proxy_id,omitempty"`
	LastUsed  *time.Time `json:"last_used,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Proxy is an upstream proxy server accounts are pinned to.
type Proxy struct {
	ID          string     `json:"id"`
	Host        string     `json:"host"`
	Port        int        `json:"port"`
	Username    *string    `json:"username,omitempty"`
	Password    *string    `json:"password,omitempty"`
	Status      string     `json:"status"`
	LatencyMS   *int       `json:"latency_ms,omitempty"`
	LastChecked *time.Time `json:"last_checked,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// JobCounts is the aggregate per-status job summary for a campaign.
type JobCounts struct {
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Retrying  int `json:"retrying"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

// Total returns the total number of jobs across all statuses.
func (c JobCounts) Total() int {
	return c.Pending + c.Running + c.Retrying + c.Completed + c.Failed + c.Cancelled
}

// Settled reports whether every job has reached a terminal state.
func (c JobCounts) Settled() bool {
	return c.Pending == 0 && c.Running == 0 && c.Retrying == 0
}

// AuditLog is a simple audit event row.
type AuditLog struct {
	JobID    string    `json:"job_id"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}
