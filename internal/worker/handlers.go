package worker

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"autopost-engine/internal/artifact"
	"autopost-engine/internal/faults"
	"autopost-engine/internal/models"
	"autopost-engine/internal/proxycheck"
	"autopost-engine/internal/telemetry"
	"autopost-engine/internal/upload"
	"autopost-engine/internal/variation"
)

// VariationEngine is the rendering surface the upload and batch handlers use.
type VariationEngine interface {
	CreateVariation(ctx context.Context, source string, seed int64, outDir string) (variation.Attempt, error)
	Batch(ctx context.Context, source string, count int, baseSeed int64, outDir string) ([]variation.BatchResult, error)
	Thumbnail(ctx context.Context, video, thumbPath string, offsetSeconds float64) error
}

// ResourceStore is the persistence surface the maintenance handlers use.
type ResourceStore interface {
	GetProxy(ctx context.Context, id string) (models.Proxy, error)
	SetAccountStatus(ctx context.Context, id, status string) error
	RecordProxyCheck(ctx context.Context, id, status string, latencyMS *int) error
}

// UploadHandler renders a seeded variation of the job's video, stores the
// artifact, and publishes it through the bridge.
type UploadHandler struct {
	engine           VariationEngine
	artifacts        artifact.Store
	bridge           upload.Uploader
	outputDir        string
	variationRetries int
	metrics          *telemetry.Metrics
	logger           *zap.Logger
}

// NewUploadHandler builds the upload handler. variationRetries is how many
// attempts may fail in the variation stage before the failure turns fatal.
func NewUploadHandler(engine VariationEngine, artifacts artifact.Store, bridge upload.Uploader, outputDir string, variationRetries int, metrics *telemetry.Metrics, logger *zap.Logger) *UploadHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UploadHandler{
		engine:           engine,
		artifacts:        artifacts,
		bridge:           bridge,
		outputDir:        outputDir,
		variationRetries: variationRetries,
		metrics:          metrics,
		logger:           logger,
	}
}

// Handle implements Handler for upload jobs.
func (h *UploadHandler) Handle(ctx context.Context, job models.Job) (*string, error) {
	attempt, err := h.engine.CreateVariation(ctx, job.VideoPath, job.Seed, h.outputDir)
	if err != nil {
		return nil, h.classifyVariationErr(job, err)
	}
	if h.metrics != nil {
		h.metrics.EncodeDuration.Observe(attempt.Elapsed.Seconds())
	}

	key := fmt.Sprintf("%s/%s", job.CampaignID, filepath.Base(attempt.OutputPath))
	stored, err := artifact.PutFile(ctx, h.artifacts, attempt.OutputPath, key, "video/mp4")
	if err != nil {
		return nil, faults.Retryable(fmt.Errorf("store artifact: %w", err))
	}

	// Thumbnails are for review UIs; a failure here never blocks publishing.
	thumbPath := thumbnailPath(attempt.OutputPath)
	if err := h.engine.Thumbnail(ctx, attempt.OutputPath, thumbPath, 1.0); err != nil {
		h.logger.Warn("thumbnail failed", zap.String("job", job.ID), zap.Error(err))
	} else if _, err := artifact.PutFile(ctx, h.artifacts, thumbPath, thumbnailPath(key), "image/jpeg"); err != nil {
		h.logger.Warn("store thumbnail failed", zap.String("job", job.ID), zap.Error(err))
	}

	uploadStart := time.Now()
	result, err := h.bridge.Upload(ctx, job.AccountID, stored, job.Caption)
	if err != nil {
		// The bridge client classifies its own errors.
		return nil, err
	}
	if h.metrics != nil {
		h.metrics.UploadDuration.Observe(time.Since(uploadStart).Seconds())
	}

	h.logger.Info("video published",
		zap.String("job", job.ID),
		zap.String("account", job.AccountID),
		zap.String("remote_url", result.RemoteURL),
		zap.String("content_hash", attempt.ContentHash))
	return &result.RemoteURL, nil
}

// classifyVariationErr keeps variation failures retryable for a bounded
// number of attempts, then escalates to fatal so a structurally broken source
// cannot burn the whole retry budget on hopeless re-encodes.
func (h *UploadHandler) classifyVariationErr(job models.Job, err error) error {
	if errors.Is(err, variation.ErrSourceNotFound) || errors.Is(err, variation.ErrEncoderUnavailable) {
		return faults.Fatal(err)
	}
	if job.RetryCount >= h.variationRetries {
		return faults.Fatal(fmt.Errorf("variation failed %d times: %w", job.RetryCount+1, err))
	}
	return faults.Retryable(err)
}

// AccountTestHandler verifies an account's stored session and records the
// resulting account status.
type AccountTestHandler struct {
	bridge upload.Uploader
	store  ResourceStore
	logger *zap.Logger
}

// NewAccountTestHandler builds the account-test handler.
func NewAccountTestHandler(bridge upload.Uploader, store ResourceStore, logger *zap.Logger) *AccountTestHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AccountTestHandler{bridge: bridge, store: store, logger: logger}
}

// Handle implements Handler for account_test jobs.
func (h *AccountTestHandler) Handle(ctx context.Context, job models.Job) (*string, error) {
	result, err := h.bridge.TestAuth(ctx, job.AccountID)
	if err != nil {
		return nil, err
	}

	status := models.AccountActive
	if !result.OK {
		status = normalizeAccountStatus(result.Status)
	}
	if err := h.store.SetAccountStatus(ctx, job.AccountID, status); err != nil {
		return nil, faults.Retryable(fmt.Errorf("record account status: %w", err))
	}

	h.logger.Info("account tested",
		zap.String("job", job.ID),
		zap.String("account", job.AccountID),
		zap.String("status", status),
		zap.String("detail", result.Detail))
	return nil, nil
}

// thumbnailPath swaps a video path's extension for .jpg.
func thumbnailPath(videoPath string) string {
	ext := filepath.Ext(videoPath)
	return videoPath[:len(videoPath)-len(ext)] + ".jpg"
}

func normalizeAccountStatus(status string) string {
	switch status {
	case models.AccountBanned, models.AccountCooldown, models.AccountNeedsCaptcha:
		return status
	}
	return models.AccountInactive
}

// ProxyCheckHandler probes the job's proxy and persists the outcome.
type ProxyCheckHandler struct {
	checker *proxycheck.Checker
	store   ResourceStore
	logger  *zap.Logger
}

// NewProxyCheckHandler builds the proxy-check handler.
func NewProxyCheckHandler(checker *proxycheck.Checker, store ResourceStore, logger *zap.Logger) *ProxyCheckHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProxyCheckHandler{checker: checker, store: store, logger: logger}
}

// Handle implements Handler for proxy_check jobs.
func (h *ProxyCheckHandler) Handle(ctx context.Context, job models.Job) (*string, error) {
	if job.ProxyID == nil || *job.ProxyID == "" {
		return nil, faults.Fatal(errors.New("proxy check job has no proxy id"))
	}

	proxy, err := h.store.GetProxy(ctx, *job.ProxyID)
	if err != nil {
		return nil, faults.Fatal(fmt.Errorf("load proxy: %w", err))
	}

	outcome, err := h.checker.Check(ctx, proxy)
	if err != nil {
		return nil, faults.Fatal(err)
	}

	status := models.ProxyActive
	var latency *int
	if outcome.Alive {
		latency = &outcome.LatencyMS
	} else {
		status = models.ProxyError
	}
	if err := h.store.RecordProxyCheck(ctx, proxy.ID, status, latency); err != nil {
		return nil, faults.Retryable(fmt.Errorf("record proxy check: %w", err))
	}

	h.logger.Info("proxy checked",
		zap.String("job", job.ID),
		zap.String("proxy", proxy.ID),
		zap.String("status", status),
		zap.Int("latency_ms", outcome.LatencyMS))
	return nil, nil
}

// BatchVideoHandler pre-renders a batch of variations for later campaigns.
// One bad item does not fail the batch; the job only fails when every
// variation failed.
type BatchVideoHandler struct {
	engine    VariationEngine
	outputDir string
	logger    *zap.Logger
}

// NewBatchVideoHandler builds the batch pre-render handler.
func NewBatchVideoHandler(engine VariationEngine, outputDir string, logger *zap.Logger) *BatchVideoHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BatchVideoHandler{engine: engine, outputDir: outputDir, logger: logger}
}

// Handle implements Handler for batch_video jobs.
func (h *BatchVideoHandler) Handle(ctx context.Context, job models.Job) (*string, error) {
	count := job.BatchCount
	if count <= 0 {
		return nil, faults.Fatal(fmt.Errorf("batch job has no variation count"))
	}

	started := time.Now()
	results, err := h.engine.Batch(ctx, job.VideoPath, count, job.Seed, h.outputDir)
	if err != nil {
		return nil, faults.Retryable(err)
	}

	var ok int
	var lastErr error
	paths := make([]string, 0, len(results))
	for _, r := range results {
		if r.Err != nil {
			lastErr = r.Err
			continue
		}
		ok++
		paths = append(paths, r.Attempt.OutputPath)
	}
	if ok == 0 {
		return nil, faults.Retryable(fmt.Errorf("all %d variations failed, last: %w", count, lastErr))
	}

	report, err := variation.VerifyUniqueness(paths)
	if err != nil {
		return nil, faults.Retryable(fmt.Errorf("verify uniqueness: %w", err))
	}
	if !report.AllUnique {
		h.logger.Warn("batch produced duplicate variations",
			zap.String("job", job.ID),
			zap.Int("collisions", len(report.Collisions)))
	}

	h.logger.Info("batch rendered",
		zap.String("job", job.ID),
		zap.Int("requested", count),
		zap.Int("succeeded", ok),
		zap.Bool("all_unique", report.AllUnique),
		zap.Duration("elapsed", time.Since(started)))
	return nil, nil
}
