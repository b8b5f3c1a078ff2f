package conditioning

import (
	"fmt"
	"math"

	"github.com/knights-analytics/qwenedit/util/safeconv"
)

// RescaleSpec is the vision-language resize target for one image.
type RescaleSpec struct {
	TargetPixels int
	Scale        float64
	Width        int
	Height       int
}

// ComputeRescale finds the uniform scale that brings a width x height image to
// megapixels million pixels. The target pixel count is truncated and the resulting
// sides are rounded half to even, so the area matches only up to rounding.
func ComputeRescale(width, height int, megapixels float64) (RescaleSpec, error) {
	if math.IsNaN(megapixels) || math.IsInf(megapixels, 0) || megapixels <= 0 {
		return RescaleSpec{}, fmt.Errorf("%w: %v", ErrInvalidMegapixels, megapixels)
	}
	if width <= 0 || height <= 0 {
		return RescaleSpec{}, fmt.Errorf("%w: %dx%d", ErrZeroArea, width, height)
	}
	target := safeconv.TruncToInt(megapixels * 1_000_000)
	if target <= 0 {
		return RescaleSpec{}, fmt.Errorf("%w: %v is below one pixel", ErrInvalidMegapixels, megapixels)
	}
	scale := math.Sqrt(float64(target) / (float64(width) * float64(height)))
	return RescaleSpec{
		TargetPixels: target,
		Scale:        scale,
		Width:        safeconv.RoundToInt(float64(width) * scale),
		Height:       safeconv.RoundToInt(float64(height) * scale),
	}, nil
}
