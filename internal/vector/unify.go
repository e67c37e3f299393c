package vector

// Unify maps a vector of any native width into exactly width w: copied when
// the widths already agree, truncated to the first w values when longer, and
// zero-padded on the right when shorter. The text and image embedding models
// produce differently sized vectors; forcing both into one width lets a
// single index answer cross-modal queries. The result is always a new slice.
func Unify(vec []float32, w int) []float32 {
	out := make([]float32, w)
	copy(out, vec)
	return out
}

// UnifiedWidth returns the shared index width for the given native model
// widths, chosen as their maximum so no source loses information to padding.
func UnifiedWidth(widths ...int) int {
	max := 0
	for _, w := range widths {
		if w > max {
			max = w
		}
	}
	return max
}
