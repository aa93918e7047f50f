package dedup

import "math"

// CosineSimilarity returns the cosine of the angle between a and b. ok is
// false when the vectors differ in length, are empty, or either has zero norm.
func CosineSimilarity(a, b []float32) (similarity float64, ok bool) {
	if len(a) != len(b) || len(a) == 0 {
		return 0, false
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0, false
	}

	similarity = dot / (math.Sqrt(normA) * math.Sqrt(normB))
	// Clamp to [-1, 1] to absorb floating point error
	if similarity > 1 {
		similarity = 1
	}
	if similarity < -1 {
		similarity = -1
	}
	return similarity, true
}

// isZero reports whether every component of v is zero.
func isZero(v []float32) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}
