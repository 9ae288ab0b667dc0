package variation

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// MediaInfo is the subset of ffprobe output the pipeline needs.
type MediaInfo struct {
	Duration float64
	Width    int
	Height   int
	Codec    string
	Bitrate  int
	FPS      float64
	Format   string
}

type probeOutput struct {
	Streams []probeStream `json:"streams"`
	Format  probeFormat   `json:"format"`
}

type probeStream struct {
	CodecType  string `json:"codec_type"`
	CodecName  string `json:"codec_name"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	RFrameRate string `json:"r_frame_rate"`
}

type probeFormat struct {
	Duration   string `json:"duration"`
	BitRate    string `json:"bit_rate"`
	FormatName string `json:"format_name"`
}

// parseProbeOutput decodes `ffprobe -print_format json -show_format -show_streams`.
func parseProbeOutput(raw []byte) (MediaInfo, error) {
	var out probeOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return MediaInfo{}, fmt.Errorf("parse ffprobe output: %w", err)
	}

	var video *probeStream
	for i := range out.Streams {
		if out.Streams[i].CodecType == "video" {
			video = &out.Streams[i]
			break
		}
	}
	if video == nil {
		return MediaInfo{}, fmt.Errorf("no video stream found")
	}
	if video.Width <= 0 || video.Height <= 0 {
		return MediaInfo{}, fmt.Errorf("invalid video dimensions %dx%d", video.Width, video.Height)
	}

	info := MediaInfo{
		Width:  video.Width,
		Height: video.Height,
		Codec:  video.CodecName,
		Format: out.Format.FormatName,
	}
	if d, err := strconv.ParseFloat(out.Format.Duration, 64); err == nil {
		info.Duration = d
	}
	if b, err := strconv.Atoi(out.Format.BitRate); err == nil {
		info.Bitrate = b
	}
	info.FPS = parseFrameRate(video.RFrameRate)
	return info, nil
}

// parseFrameRate handles ffprobe's fractional rates like "30000/1001".
func parseFrameRate(rate string) float64 {
	if rate == "" {
		return 0
	}
	parts := strings.SplitN(rate, "/", 2)
	num, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return 0
	}
	if len(parts) == 1 {
		return num
	}
	den, err := strconv.ParseFloat(parts[1], 64)
	if err != nil || den == 0 {
		return 0
	}
	return num / den
}
