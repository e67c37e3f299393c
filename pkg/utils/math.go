package utils

import "math"

// NormalizeL2 scales the vector in place to unit length. Embedding models
// are compared by distance, so vectors from different runs need a common
// scale. A zero vector has no direction and is left alone.
func NormalizeL2(vec []float32) {
	var sumSquares float64
	for _, v := range vec {
		sumSquares += float64(v) * float64(v)
	}
	if sumSquares == 0 {
		return
	}
	scale := float32(1 / math.Sqrt(sumSquares))
	for i := range vec {
		vec[i] *= scale
	}
}
