package safeconv

import (
	"math"
	"time"
)

// RoundToInt rounds half to even, the same rule Python's round() applies to floats,
// and clamps into the int range. NaN maps to 0.
func RoundToInt(f float64) int {
	return clampToInt(math.RoundToEven(f))
}

// TruncToInt truncates toward zero with clamping, matching Python's int(float).
func TruncToInt(f float64) int {
	return clampToInt(math.Trunc(f))
}

func clampToInt(f float64) int {
	switch {
	case math.IsNaN(f):
		return 0
	case f >= math.MaxInt:
		return math.MaxInt
	case f <= math.MinInt:
		return math.MinInt
	default:
		return int(f)
	}
}

// DurationToU64 converts a duration to an unsigned nanoseconds counter safely.
// Negative durations are mapped to 0.
func DurationToU64(d time.Duration) uint64 {
	if d <= 0 {
		return 0
	}
	return uint64(d) // #nosec G115
}

// U64ToDuration converts an unsigned nanoseconds count to time.Duration safely.
// Values larger than MaxInt64 are clamped to time.Duration(math.MaxInt64).
func U64ToDuration(u uint64) time.Duration {
	if u > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(int64(u))
}
