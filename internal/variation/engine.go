// Package variation renders seed-deterministic derivatives of a source
// video. Each variation is produced by a single ffmpeg pass whose parameters
// are derived from a seed, so a (source, seed) pair always yields the same
// transformation.
package variation

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// What to do when Batch detects duplicate output digests.
const (
	CollisionWarn   = "warn"
	CollisionReject = "reject"
)

// commandRunner abstracts subprocess execution so tests can run the pipeline
// without ffmpeg installed.
type commandRunner interface {
	Run(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf
	err := cmd.Run()
	return outBuf.Bytes(), errBuf.Bytes(), err
}

// Options configures the encoder invocation.
type Options struct {
	FFmpegPath    string
	FFprobePath   string
	VideoCodec    string
	AudioCodec    string
	Preset        string
	CRF           int
	EncodeTimeout time.Duration
	MaxConcurrent int
}

func (o *Options) withDefaults() {
	if o.FFmpegPath == "" {
		o.FFmpegPath = "ffmpeg"
	}
	if o.FFprobePath == "" {
		o.FFprobePath = "ffprobe"
	}
	if o.VideoCodec == "" {
		o.VideoCodec = "libx264"
	}
	if o.AudioCodec == "" {
		o.AudioCodec = "aac"
	}
	if o.Preset == "" {
		o.Preset = "medium"
	}
	if o.CRF <= 0 {
		o.CRF = 23
	}
	if o.EncodeTimeout <= 0 {
		o.EncodeTimeout = 5 * time.Minute
	}
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = 5
	}
}

// Engine runs the variation pipeline with a bounded number of concurrent
// encodes.
type Engine struct {
	opts   Options
	runner commandRunner
	sem    *semaphore.Weighted
	logger *zap.Logger
}

// NewEngine builds an engine from options.
func NewEngine(opts Options, logger *zap.Logger) *Engine {
	opts.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		opts:   opts,
		runner: execRunner{},
		sem:    semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		logger: logger,
	}
}

// Attempt is the outcome of one successful variation pass.
type Attempt struct {
	Seed        int64
	Params      Params
	SourcePath  string
	OutputPath  string
	ContentHash string
	Media       MediaInfo
	Elapsed     time.Duration
}

// VerifyEncoder checks that ffmpeg is actually invocable. Call it once at
// startup so a missing binary fails fast instead of per job.
func (e *Engine) VerifyEncoder(ctx context.Context) error {
	if _, _, err := e.runner.Run(ctx, e.opts.FFmpegPath, "-version"); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrEncoderUnavailable, e.opts.FFmpegPath, err)
	}
	if _, _, err := e.runner.Run(ctx, e.opts.FFprobePath, "-version"); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrEncoderUnavailable, e.opts.FFprobePath, err)
	}
	return nil
}

// Probe inspects the source video.
func (e *Engine) Probe(ctx context.Context, source string) (MediaInfo, error) {
	out, stderr, err := e.runner.Run(ctx, e.opts.FFprobePath,
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		source)
	if err != nil {
		return MediaInfo{}, &Error{Stage: StageProbe, Diagnostic: lastLine(stderr), Err: fmt.Errorf("ffprobe %s: %w", source, err)}
	}
	info, err := parseProbeOutput(out)
	if err != nil {
		return MediaInfo{}, stageErr(StageProbe, err)
	}
	return info, nil
}

// Process renders one variation of source into output using the given seed.
// The encode runs under the engine's concurrency cap and per-encode timeout.
func (e *Engine) Process(ctx context.Context, source, output string, seed int64) (Attempt, error) {
	if _, err := os.Stat(source); err != nil {
		return Attempt{}, fmt.Errorf("%w: %s", ErrSourceNotFound, source)
	}

	if err := e.sem.Acquire(ctx, 1); err != nil {
		return Attempt{}, fmt.Errorf("acquire encode slot: %w", err)
	}
	defer e.sem.Release(1)

	info, err := e.Probe(ctx, source)
	if err != nil {
		return Attempt{}, err
	}

	params := GenerateParams(seed)
	started := time.Now()
	if err := e.encode(ctx, source, output, params, info); err != nil {
		return Attempt{}, err
	}

	hash, err := digestFile(output)
	if err != nil {
		return Attempt{}, stageErr(StageDigest, err)
	}

	attempt := Attempt{
		Seed:        seed,
		Params:      params,
		SourcePath:  source,
		OutputPath:  output,
		ContentHash: hash,
		Media:       info,
		Elapsed:     time.Since(started),
	}
	e.logger.Debug("variation rendered",
		zap.String("source", source),
		zap.Int64("seed", seed),
		zap.String("hash", hash[:12]),
		zap.Duration("elapsed", attempt.Elapsed))
	return attempt, nil
}

// CreateVariation renders one variation into outDir under a fresh unique
// filename and returns the attempt.
func (e *Engine) CreateVariation(ctx context.Context, source string, seed int64, outDir string) (Attempt, error) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return Attempt{}, fmt.Errorf("create output dir: %w", err)
	}
	name := fmt.Sprintf("%s_var_%s.mp4", strings.TrimSuffix(filepath.Base(source), filepath.Ext(source)), uuid.New().String()[:8])
	return e.Process(ctx, source, filepath.Join(outDir, name), seed)
}

func (e *Engine) encode(ctx context.Context, source, output string, params Params, info MediaInfo) error {
	encodeCtx, cancel := context.WithTimeout(ctx, e.opts.EncodeTimeout)
	defer cancel()

	args := []string{"-y", "-hide_banner", "-loglevel", "error"}
	if params.FrameOffset > 0 && info.FPS > 0 {
		offset := float64(params.FrameOffset) / info.FPS
		args = append(args, "-ss", fmt.Sprintf("%.4f", offset))
	}
	args = append(args,
		"-i", source,
		"-vf", params.FilterGraph(info.Width, info.Height),
		"-af", params.AudioFilter(),
		"-c:v", e.opts.VideoCodec,
		"-preset", e.opts.Preset,
		"-crf", fmt.Sprintf("%d", e.opts.CRF),
	)
	if info.Bitrate > 0 {
		target := int(float64(info.Bitrate) * params.BitrateFactor)
		args = append(args, "-b:v", fmt.Sprintf("%d", target))
	}
	args = append(args,
		"-c:a", e.opts.AudioCodec,
		"-b:a", "128k",
		"-map_metadata", "-1",
		"-movflags", "+faststart",
		output,
	)

	_, stderr, err := e.runner.Run(encodeCtx, e.opts.FFmpegPath, args...)
	if err != nil {
		if encodeCtx.Err() == context.DeadlineExceeded {
			return &Error{Stage: StageEncode, Err: ErrEncodeTimeout}
		}
		return &Error{Stage: StageEncode, Diagnostic: lastLine(stderr), Err: fmt.Errorf("ffmpeg: %w", err)}
	}
	return nil
}

// BatchResult pairs each requested variation with its outcome. A failed item
// carries its error; it never aborts the rest of the batch.
type BatchResult struct {
	Index   int
	Seed    int64
	Attempt Attempt
	Err     error
}

// Batch renders count variations of source into outDir, each with a distinct
// seed derived from baseSeed. Failures are recorded per item; the batch stops
// early only when ctx is cancelled.
func (e *Engine) Batch(ctx context.Context, source string, count int, baseSeed int64, outDir string) ([]BatchResult, error) {
	if count <= 0 {
		return nil, fmt.Errorf("batch count must be positive, got %d", count)
	}
	if baseSeed == 0 {
		baseSeed = time.Now().UnixNano()
	}

	results := make([]BatchResult, 0, count)
	for i := 0; i < count; i++ {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		seed := baseSeed + int64(i)
		attempt, err := e.CreateVariation(ctx, source, seed, outDir)
		if err != nil {
			e.logger.Warn("batch variation failed",
				zap.String("source", source),
				zap.Int("index", i),
				zap.Int64("seed", seed),
				zap.Error(err))
		}
		results = append(results, BatchResult{Index: i, Seed: seed, Attempt: attempt, Err: err})
	}
	return results, nil
}

// UniquenessReport summarizes content-digest uniqueness across a file set.
type UniquenessReport struct {
	TotalFiles   int
	UniqueHashes int
	Collisions   map[string][]string
	AllUnique    bool
}

// VerifyUniqueness digests every file and groups any duplicates.
func VerifyUniqueness(paths []string) (UniquenessReport, error) {
	byHash := make(map[string][]string, len(paths))
	for _, p := range paths {
		h, err := digestFile(p)
		if err != nil {
			return UniquenessReport{}, fmt.Errorf("digest %s: %w", p, err)
		}
		byHash[h] = append(byHash[h], p)
	}

	report := UniquenessReport{
		TotalFiles:   len(paths),
		UniqueHashes: len(byHash),
		Collisions:   make(map[string][]string),
	}
	for h, files := range byHash {
		if len(files) > 1 {
			report.Collisions[h] = files
		}
	}
	report.AllUnique = len(report.Collisions) == 0 && report.TotalFiles == report.UniqueHashes
	return report, nil
}

func digestFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// lastLine extracts the final non-empty line of encoder stderr, which is
// where ffmpeg puts the actual failure reason.
func lastLine(stderr []byte) string {
	lines := strings.Split(strings.TrimSpace(string(stderr)), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return ""
}
