// Package api exposes the campaign, job, account, and proxy HTTP surface.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"autopost-engine/internal/faults"
	"autopost-engine/internal/models"
	"autopost-engine/internal/store"
	"autopost-engine/internal/telemetry"
)

// Store is the persistence surface the API drives.
type Store interface {
	CreateCampaign(ctx context.Context, p store.CreateCampaignParams) (models.Campaign, error)
	GetCampaign(ctx context.Context, id string) (models.Campaign, error)
	ListCampaigns(ctx context.Context, limit int) ([]models.Campaign, error)
	MarkCampaignRunning(ctx context.Context, id string) (bool, error)
	SetCampaignStatus(ctx context.Context, id, status string) error
	MaybeCompleteCampaign(ctx context.Context, id string) (bool, error)
	CountCampaignJobs(ctx context.Context, campaignID string) (models.JobCounts, error)

	CreateJobs(ctx context.Context, jobs []models.Job) error
	GetJob(ctx context.Context, id string) (models.Job, error)
	ListJobsByCampaign(ctx context.Context, campaignID string) ([]models.Job, error)
	CancelJob(ctx context.Context, id string) (bool, error)
	CancelCampaignJobs(ctx context.Context, campaignID string) ([]string, error)
	ResetJobForRetry(ctx context.Context, id string, runAt time.Time) (bool, error)
	AppendAudit(ctx context.Context, jobID, event, detail string) error

	CreateAccount(ctx context.Context, username string, proxyID *string) (models.Account, error)
	GetAccount(ctx context.Context, id string) (models.Account, error)
	ListActiveAccounts(ctx context.Context) ([]models.Account, error)
	CreateProxy(ctx context.Context, host string, port int, username, password *string) (models.Proxy, error)
	GetProxy(ctx context.Context, id string) (models.Proxy, error)
	ListProxies(ctx context.Context) ([]models.Proxy, error)
}

// Planner expands a campaign into its job set.
type Planner interface {
	Plan(ctx context.Context, c models.Campaign) ([]models.Job, error)
}

// Queue is the queue surface the API drives.
type Queue interface {
	Enqueue(ctx context.Context, jobID, campaignID, category string, runAt time.Time) error
	Cancel(ctx context.Context, jobID, campaignID string) error
	ResumeCampaign(ctx context.Context, campaignID string) (int, error)
	DLQPeek(ctx context.Context, count int64) ([]string, error)
}

// Server wires the HTTP handlers.
type Server struct {
	store      Store
	planner    Planner
	queue      Queue
	metrics    *telemetry.Metrics
	logger     *zap.Logger
	maxRetries int
}

// Options configures the server.
type Options struct {
	Store      Store
	Planner    Planner
	Queue      Queue
	Metrics    *telemetry.Metrics
	Logger     *zap.Logger
	MaxRetries int
}

// New constructs the API server.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	return &Server{
		store:      opts.Store,
		planner:    opts.Planner,
		queue:      opts.Queue,
		metrics:    opts.Metrics,
		logger:     opts.Logger,
		maxRetries: opts.MaxRetries,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	if s.metrics != nil {
		r.Mount("/metrics", s.metrics.Handler())
	}

	r.Route("/campaigns", func(r chi.Router) {
		r.Post("/", s.handleCreateCampaign)
		r.Get("/", s.handleListCampaigns)
		r.Get("/{id}", s.handleGetCampaign)
		r.Get("/{id}/jobs", s.handleCampaignJobs)
		r.Post("/{id}/start", s.handleStartCampaign)
		r.Post("/{id}/pause", s.handlePauseCampaign)
		r.Post("/{id}/resume", s.handleResumeCampaign)
		r.Post("/{id}/cancel", s.handleCancelCampaign)
	})

	r.Route("/jobs", func(r chi.Router) {
		r.Get("/{id}", s.handleGetJob)
		r.Post("/{id}/retry", s.handleRetryJob)
		r.Post("/{id}/cancel", s.handleCancelJob)
	})

	r.Route("/accounts", func(r chi.Router) {
		r.Post("/", s.handleCreateAccount)
		r.Get("/", s.handleListAccounts)
		r.Post("/{id}/test", s.handleTestAccount)
	})

	r.Route("/proxies", func(r chi.Router) {
		r.Post("/", s.handleCreateProxy)
		r.Get("/", s.handleListProxies)
		r.Post("/{id}/check", s.handleCheckProxy)
		r.Post("/check-all", s.handleCheckAllProxies)
	})

	r.Post("/batches", s.handleCreateBatch)
	r.Get("/dlq", s.handleDLQ)
	return r
}

type createCampaignRequest struct {
	Name            string                  `json:"name"`
	VideoPaths      []string                `json:"video_paths"`
	CaptionTemplate string                  `json:"caption_template"`
	Selection       models.AccountSelection `json:"account_selection"`
	Schedule        models.Schedule         `json:"schedule"`
	Seed            int64                   `json:"seed"`
}

func (s *Server) handleCreateCampaign(w http.ResponseWriter, r *http.Request) {
	var req createCampaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}
	if len(req.VideoPaths) == 0 {
		http.Error(w, "video_paths is required", http.StatusBadRequest)
		return
	}
	if !req.Schedule.EndTime.After(req.Schedule.StartTime) {
		http.Error(w, "schedule end_time must be after start_time", http.StatusBadRequest)
		return
	}

	campaign, err := s.store.CreateCampaign(r.Context(), store.CreateCampaignParams{
		Name:            req.Name,
		VideoPaths:      req.VideoPaths,
		CaptionTemplate: req.CaptionTemplate,
		Selection:       req.Selection,
		Schedule:        req.Schedule,
		Seed:            req.Seed,
	})
	if err != nil {
		s.logger.Error("create campaign failed", zap.Error(err))
		http.Error(w, "create campaign failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, campaign)
}

func (s *Server) handleListCampaigns(w http.ResponseWriter, r *http.Request) {
	campaigns, err := s.store.ListCampaigns(r.Context(), 100)
	if err != nil {
		http.Error(w, "list campaigns failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"campaigns": campaigns})
}

type campaignDetail struct {
	models.Campaign
	Jobs models.JobCounts `json:"job_counts"`
}

func (s *Server) handleGetCampaign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	campaign, err := s.store.GetCampaign(r.Context(), id)
	if err != nil {
		http.Error(w, "campaign not found", http.StatusNotFound)
		return
	}
	counts, err := s.store.CountCampaignJobs(r.Context(), id)
	if err != nil {
		http.Error(w, "count jobs failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, campaignDetail{Campaign: campaign, Jobs: counts})
}

func (s *Server) handleCampaignJobs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	jobs, err := s.store.ListJobsByCampaign(r.Context(), id)
	if err != nil {
		http.Error(w, "list jobs failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

// handleStartCampaign expands the campaign into jobs and begins dispatching
// them. Planning is all-or-nothing: any validation problem rejects the start
// and no partial job set is created.
func (s *Server) handleStartCampaign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	campaign, err := s.store.GetCampaign(r.Context(), id)
	if err != nil {
		http.Error(w, "campaign not found", http.StatusNotFound)
		return
	}
	if campaign.Status != models.CampaignDraft && campaign.Status != models.CampaignScheduled {
		http.Error(w, fmt.Sprintf("campaign is %s, not startable", campaign.Status), http.StatusConflict)
		return
	}

	jobs, err := s.planner.Plan(r.Context(), campaign)
	if err != nil {
		if faults.IsConfig(err) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.logger.Error("plan campaign failed", zap.String("campaign", id), zap.Error(err))
		http.Error(w, "plan campaign failed", http.StatusInternalServerError)
		return
	}

	if err := s.store.CreateJobs(r.Context(), jobs); err != nil {
		s.logger.Error("persist job set failed", zap.String("campaign", id), zap.Error(err))
		http.Error(w, "persist job set failed", http.StatusInternalServerError)
		return
	}
	for _, j := range jobs {
		if err := s.queue.Enqueue(r.Context(), j.ID, j.CampaignID, j.Category, j.ScheduledAt); err != nil {
			s.logger.Error("enqueue job failed", zap.String("job", j.ID), zap.Error(err))
			http.Error(w, "enqueue failed", http.StatusInternalServerError)
			return
		}
	}

	started, err := s.store.MarkCampaignRunning(r.Context(), id)
	if err != nil || !started {
		s.logger.Error("mark campaign running failed", zap.String("campaign", id), zap.Error(err))
		http.Error(w, "start campaign failed", http.StatusInternalServerError)
		return
	}

	s.logger.Info("campaign started", zap.String("campaign", id), zap.Int("jobs", len(jobs)))
	writeJSON(w, http.StatusOK, map[string]any{"status": models.CampaignRunning, "jobs": len(jobs)})
}

func (s *Server) handlePauseCampaign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	campaign, err := s.store.GetCampaign(r.Context(), id)
	if err != nil {
		http.Error(w, "campaign not found", http.StatusNotFound)
		return
	}
	if campaign.Status != models.CampaignRunning {
		http.Error(w, fmt.Sprintf("campaign is %s, not pausable", campaign.Status), http.StatusConflict)
		return
	}
	if err := s.store.SetCampaignStatus(r.Context(), id, models.CampaignPaused); err != nil {
		http.Error(w, "pause failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": models.CampaignPaused})
}

func (s *Server) handleResumeCampaign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	campaign, err := s.store.GetCampaign(r.Context(), id)
	if err != nil {
		http.Error(w, "campaign not found", http.StatusNotFound)
		return
	}
	if campaign.Status != models.CampaignPaused {
		http.Error(w, fmt.Sprintf("campaign is %s, not resumable", campaign.Status), http.StatusConflict)
		return
	}
	if err := s.store.SetCampaignStatus(r.Context(), id, models.CampaignRunning); err != nil {
		http.Error(w, "resume failed", http.StatusInternalServerError)
		return
	}
	released, err := s.queue.ResumeCampaign(r.Context(), id)
	if err != nil {
		http.Error(w, "release held jobs failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": models.CampaignRunning, "released": released})
}

func (s *Server) handleCancelCampaign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	campaign, err := s.store.GetCampaign(r.Context(), id)
	if err != nil {
		http.Error(w, "campaign not found", http.StatusNotFound)
		return
	}
	switch campaign.Status {
	case models.CampaignCompleted, models.CampaignCancelled:
		http.Error(w, fmt.Sprintf("campaign already %s", campaign.Status), http.StatusConflict)
		return
	}

	if err := s.store.SetCampaignStatus(r.Context(), id, models.CampaignCancelled); err != nil {
		http.Error(w, "cancel failed", http.StatusInternalServerError)
		return
	}
	ids, err := s.store.CancelCampaignJobs(r.Context(), id)
	if err != nil {
		http.Error(w, "cancel jobs failed", http.StatusInternalServerError)
		return
	}
	for _, jobID := range ids {
		if err := s.queue.Cancel(r.Context(), jobID, id); err != nil {
			s.logger.Error("purge cancelled job failed", zap.String("job", jobID), zap.Error(err))
		}
		_ = s.store.AppendAudit(r.Context(), jobID, "cancelled", "campaign cancelled via API")
	}
	if s.metrics != nil {
		for range ids {
			s.metrics.JobsCancelled.Inc()
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": models.CampaignCancelled, "cancelled_jobs": len(ids)})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleRetryJob returns a failed job to the queue with a fresh retry budget.
func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if job.Status != models.JobFailed {
		http.Error(w, fmt.Sprintf("job is %s, only failed jobs can be retried", job.Status), http.StatusConflict)
		return
	}

	runAt := time.Now().UTC()
	applied, err := s.store.ResetJobForRetry(r.Context(), id, runAt)
	if err != nil || !applied {
		http.Error(w, "retry failed", http.StatusInternalServerError)
		return
	}
	if err := s.queue.Enqueue(r.Context(), id, job.CampaignID, job.Category, runAt); err != nil {
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
		return
	}
	_ = s.store.AppendAudit(r.Context(), id, "manual_retry", "retry requested via API")
	writeJSON(w, http.StatusOK, map[string]string{"status": models.JobPending})
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	applied, err := s.store.CancelJob(r.Context(), id)
	if err != nil {
		http.Error(w, "cancel failed", http.StatusInternalServerError)
		return
	}
	if !applied {
		http.Error(w, fmt.Sprintf("job is %s, not cancellable", job.Status), http.StatusConflict)
		return
	}
	if err := s.queue.Cancel(r.Context(), id, job.CampaignID); err != nil {
		s.logger.Error("purge cancelled job failed", zap.String("job", id), zap.Error(err))
	}
	_ = s.store.AppendAudit(r.Context(), id, "cancelled", "cancel requested via API")
	if s.metrics != nil {
		s.metrics.JobsCancelled.Inc()
	}
	// Cancelling the last outstanding job may finish its campaign.
	if job.CampaignID != "" {
		if _, err := s.store.MaybeCompleteCampaign(r.Context(), job.CampaignID); err != nil {
			s.logger.Error("campaign completion check failed", zap.String("campaign", job.CampaignID), zap.Error(err))
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": models.JobCancelled})
}

type createAccountRequest struct {
	Username string  `json:"username"`
	ProxyID  *string `json:"proxy_id"`
}

func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Username == "" {
		http.Error(w, "username is required", http.StatusBadRequest)
		return
	}
	account, err := s.store.CreateAccount(r.Context(), req.Username, req.ProxyID)
	if err != nil {
		http.Error(w, "create account failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, account)
}

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.store.ListActiveAccounts(r.Context())
	if err != nil {
		http.Error(w, "list accounts failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"accounts": accounts})
}

// handleTestAccount enqueues a session check for the account.
func (s *Server) handleTestAccount(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	account, err := s.store.GetAccount(r.Context(), id)
	if err != nil {
		http.Error(w, "account not found", http.StatusNotFound)
		return
	}
	job := s.maintenanceJob(models.CategoryAccountTest)
	job.AccountID = account.ID
	job.ProxyID = account.ProxyID
	if err := s.createAndEnqueue(r.Context(), job); err != nil {
		http.Error(w, "enqueue account test failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

type createProxyRequest struct {
	Host     string  `json:"host"`
	Port     int     `json:"port"`
	Username *string `json:"username"`
	Password *string `json:"password"`
}

func (s *Server) handleCreateProxy(w http.ResponseWriter, r *http.Request) {
	var req createProxyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Host == "" || req.Port <= 0 {
		http.Error(w, "host and port are required", http.StatusBadRequest)
		return
	}
	proxy, err := s.store.CreateProxy(r.Context(), req.Host, req.Port, req.Username, req.Password)
	if err != nil {
		http.Error(w, "create proxy failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, proxy)
}

func (s *Server) handleListProxies(w http.ResponseWriter, r *http.Request) {
	proxies, err := s.store.ListProxies(r.Context())
	if err != nil {
		http.Error(w, "list proxies failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"proxies": proxies})
}

// handleCheckProxy enqueues a health probe for the proxy.
func (s *Server) handleCheckProxy(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	proxy, err := s.store.GetProxy(r.Context(), id)
	if err != nil {
		http.Error(w, "proxy not found", http.StatusNotFound)
		return
	}
	job := s.maintenanceJob(models.CategoryProxyCheck)
	job.ProxyID = &proxy.ID
	if err := s.createAndEnqueue(r.Context(), job); err != nil {
		http.Error(w, "enqueue proxy check failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

// handleCheckAllProxies fans a health probe out to every known proxy.
func (s *Server) handleCheckAllProxies(w http.ResponseWriter, r *http.Request) {
	proxies, err := s.store.ListProxies(r.Context())
	if err != nil {
		http.Error(w, "list proxies failed", http.StatusInternalServerError)
		return
	}
	enqueued := 0
	for i := range proxies {
		job := s.maintenanceJob(models.CategoryProxyCheck)
		job.ProxyID = &proxies[i].ID
		if err := s.createAndEnqueue(r.Context(), job); err != nil {
			s.logger.Error("enqueue proxy check failed", zap.String("proxy", proxies[i].ID), zap.Error(err))
			continue
		}
		enqueued++
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"enqueued": enqueued, "total": len(proxies)})
}

type createBatchRequest struct {
	SourcePath string `json:"source_path"`
	Count      int    `json:"count"`
	Seed       int64  `json:"seed"`
}

// handleCreateBatch enqueues a batch pre-render of seeded variations.
func (s *Server) handleCreateBatch(w http.ResponseWriter, r *http.Request) {
	var req createBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.SourcePath == "" {
		http.Error(w, "source_path is required", http.StatusBadRequest)
		return
	}
	if req.Count <= 0 || req.Count > 100 {
		http.Error(w, "count must be between 1 and 100", http.StatusBadRequest)
		return
	}
	if req.Seed == 0 {
		req.Seed = time.Now().UnixNano()
	}

	job := s.maintenanceJob(models.CategoryBatchVideo)
	job.VideoPath = req.SourcePath
	job.Seed = req.Seed
	job.BatchCount = req.Count
	if err := s.createAndEnqueue(r.Context(), job); err != nil {
		http.Error(w, "enqueue batch failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	items, err := s.queue.DLQPeek(r.Context(), 100)
	if err != nil {
		http.Error(w, "read dlq failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// maintenanceJob builds a standalone job outside any campaign.
func (s *Server) maintenanceJob(category string) models.Job {
	now := time.Now().UTC()
	return models.Job{
		ID:          uuid.New().String(),
		Category:    category,
		Status:      models.JobPending,
		ScheduledAt: now,
		MaxRetries:  s.maxRetries,
		CreatedAt:   now,
	}
}

func (s *Server) createAndEnqueue(ctx context.Context, job models.Job) error {
	if err := s.store.CreateJobs(ctx, []models.Job{job}); err != nil {
		return err
	}
	return s.queue.Enqueue(ctx, job.ID, job.CampaignID, job.Category, job.ScheduledAt)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
