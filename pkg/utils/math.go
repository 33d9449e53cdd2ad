package utils

import "math"

// NormalizeL2 scales x in place to unit L2 norm and returns the norm it had before.
// When the norm is below minNorm the slice is left unchanged, so callers can reject it.
func NormalizeL2(x []float32, minNorm float64) float64 {
	var sum float64
	for _, v := range x {
		sum += float64(v) * float64(v)
	}
	norm := math.Sqrt(sum)
	if norm < minNorm || norm == 0 {
		return norm
	}
	inv := 1 / norm
	for i := range x {
		x[i] = float32(float64(x[i]) * inv)
	}
	return norm
}
