package variation

import (
	"errors"
	"fmt"
)

// Pipeline stages reported in errors.
const (
	StageProbe     = "probe"
	StageEncode    = "encode"
	StageThumbnail = "thumbnail"
	StageDigest    = "digest"
)

var (
	// ErrSourceNotFound means the input video path does not exist.
	ErrSourceNotFound = errors.New("source video not found")
	// ErrEncoderUnavailable means ffmpeg/ffprobe is missing from PATH.
	ErrEncoderUnavailable = errors.New("encoder unavailable")
	// ErrEncodeTimeout means the per-encode deadline elapsed.
	ErrEncodeTimeout = errors.New("encode timed out")
)

// Error is a variation failure tagged with the pipeline stage that failed.
type Error struct {
	Stage      string
	Diagnostic string
	Err        error
}

func (e *Error) Error() string {
	if e.Diagnostic != "" {
		return fmt.Sprintf("variation %s: %v: %s", e.Stage, e.Err, e.Diagnostic)
	}
	return fmt.Sprintf("variation %s: %v", e.Stage, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func stageErr(stage string, err error) *Error {
	return &Error{Stage: stage, Err: err}
}

// IsVariation reports whether err is (or wraps) a variation Error.
func IsVariation(err error) bool {
	var ve *Error
	return errors.As(err, &ve)
}
