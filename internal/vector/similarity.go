package vector

// SquaredL2 returns the squared Euclidean distance between a and b.
// Both slices must have the same length.
func SquaredL2(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return sum
}

// Similarity maps a squared L2 distance to (0, 1]. It is 1 only for an exact match
// and decreases monotonically with distance.
func Similarity(squaredDistance float64) float64 {
	if squaredDistance < 0 {
		squaredDistance = 0
	}
	return 1 / (1 + squaredDistance)
}
