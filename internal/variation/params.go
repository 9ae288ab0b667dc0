package variation

import (
	"fmt"
	"math/rand"
	"strings"
)

// Params is the variation parameter vector. All values are derived from one
// seed, so the same seed always reproduces the same vector.
type Params struct {
	Brightness    float64 `json:"brightness"`     // [-0.03, 0.03]
	Saturation    float64 `json:"saturation"`     // [0.97, 1.03]
	Contrast      float64 `json:"contrast"`       // [0.98, 1.02]
	CropTop       int     `json:"crop_top"`       // [1, 3] px
	CropBottom    int     `json:"crop_bottom"`    // [1, 3] px
	CropLeft      int     `json:"crop_left"`      // [1, 3] px
	CropRight     int     `json:"crop_right"`     // [1, 3] px
	BitrateFactor float64 `json:"bitrate_factor"` // [0.97, 1.03]
	NoiseStrength int     `json:"noise_strength"` // [1, 3]
	Speed         float64 `json:"speed"`          // [0.99, 1.01]
	FrameOffset   int     `json:"frame_offset"`   // [0, 3] frames
}

// GenerateParams derives the parameter vector for a seed. The draw order is
// fixed; changing it would silently break the reproducibility contract.
func GenerateParams(seed int64) Params {
	rng := rand.New(rand.NewSource(seed))
	uniform := func(lo, hi float64) float64 { return lo + rng.Float64()*(hi-lo) }
	between := func(lo, hi int) int { return lo + rng.Intn(hi-lo+1) }

	return Params{
		Brightness:    uniform(-0.03, 0.03),
		Saturation:    uniform(0.97, 1.03),
		Contrast:      uniform(0.98, 1.02),
		CropTop:       between(1, 3),
		CropBottom:    between(1, 3),
		CropLeft:      between(1, 3),
		CropRight:     between(1, 3),
		BitrateFactor: uniform(0.97, 1.03),
		NoiseStrength: between(1, 3),
		Speed:         uniform(0.99, 1.01),
		FrameOffset:   between(0, 3),
	}
}

// FilterGraph builds the ffmpeg video filter chain for the vector:
// crop -> rescale to original dimensions -> color eq -> noise -> speed.
func (p Params) FilterGraph(width, height int) string {
	cropW := width - p.CropLeft - p.CropRight
	cropH := height - p.CropTop - p.CropBottom

	filters := []string{
		fmt.Sprintf("crop=%d:%d:%d:%d", cropW, cropH, p.CropLeft, p.CropTop),
		fmt.Sprintf("scale=%d:%d", width, height),
		fmt.Sprintf("eq=brightness=%.6f:saturation=%.6f:contrast=%.6f", p.Brightness, p.Saturation, p.Contrast),
		fmt.Sprintf("noise=alls=%d:allf=t", p.NoiseStrength),
		fmt.Sprintf("setpts=PTS/%.6f", p.Speed),
	}
	return strings.Join(filters, ",")
}

// AudioFilter returns the matching audio speed filter. atempo keeps pitch.
func (p Params) AudioFilter() string {
	return fmt.Sprintf("atempo=%.6f", p.Speed)
}
