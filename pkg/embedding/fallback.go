package embedding

const (
	lcgMultiplier = 9301
	lcgIncrement  = 49297
	lcgModulus    = 233280
)

// Fallback returns a deterministic pseudo-embedding of dim values in
// [-0.5, 0.5). A 32-bit rolling hash of the text seeds a linear
// congruential generator; the same text always yields the same vector.
func Fallback(text string, dim int) []float32 {
	if dim <= 0 {
		dim = DefaultDimension
	}

	var hash int32
	for _, r := range text {
		hash = hash*31 + int32(r)
	}

	seed := int64(hash)
	if seed < 0 {
		seed = -seed
	}
	seed %= lcgModulus

	vec := make([]float32, dim)
	for i := range vec {
		seed = (seed*lcgMultiplier + lcgIncrement) % lcgModulus
		vec[i] = float32(seed)/lcgModulus - 0.5
	}
	return vec
}
