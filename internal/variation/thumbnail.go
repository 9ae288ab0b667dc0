package variation

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
)

// ThumbnailWidth is the target width for preview images. Height follows the
// source aspect ratio.
const ThumbnailWidth = 320

// Thumbnail extracts a frame at offsetSeconds from the video and writes a
// resized JPEG preview next to the requested path.
func (e *Engine) Thumbnail(ctx context.Context, video, thumbPath string, offsetSeconds float64) error {
	if _, err := os.Stat(video); err != nil {
		return fmt.Errorf("%w: %s", ErrSourceNotFound, video)
	}
	if err := os.MkdirAll(filepath.Dir(thumbPath), 0o755); err != nil {
		return stageErr(StageThumbnail, fmt.Errorf("create thumbnail dir: %w", err))
	}

	framePath := strings.TrimSuffix(thumbPath, filepath.Ext(thumbPath)) + "_frame.png"
	defer os.Remove(framePath)

	_, stderr, err := e.runner.Run(ctx, e.opts.FFmpegPath,
		"-y", "-hide_banner", "-loglevel", "error",
		"-ss", fmt.Sprintf("%.3f", offsetSeconds),
		"-i", video,
		"-frames:v", "1",
		framePath)
	if err != nil {
		return &Error{Stage: StageThumbnail, Diagnostic: lastLine(stderr), Err: fmt.Errorf("extract frame: %w", err)}
	}

	frame, err := imaging.Open(framePath)
	if err != nil {
		return stageErr(StageThumbnail, fmt.Errorf("open frame: %w", err))
	}
	thumb := imaging.Resize(frame, ThumbnailWidth, 0, imaging.Lanczos)
	if err := imaging.Save(thumb, thumbPath, imaging.JPEGQuality(85)); err != nil {
		return stageErr(StageThumbnail, fmt.Errorf("save thumbnail: %w", err))
	}
	return nil
}
