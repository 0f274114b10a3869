package similarity

import (
	"context"
	"crypto/sha256"
	"math"
	"strings"

	chromem "github.com/philippgille/chromem-go"
)

// HashEmbedding returns a deterministic, dependency-free embedding function.
// It hashes word shingles into a fixed number of dimensions so that texts
// sharing vocabulary land near each other. Good enough for local use and
// tests; production deployments supply a real model-backed EmbeddingFunc.
func HashEmbedding(dimensions int) chromem.EmbeddingFunc {
	if dimensions <= 0 {
		dimensions = 384
	}
	return func(_ context.Context, text string) ([]float32, error) {
		vec := make([]float32, dimensions)
		if text == "" {
			vec[0] = 1
			return vec, nil
		}

		words := strings.Fields(strings.ToLower(text))
		for _, w := range words {
			h := sha256.Sum256([]byte(w))
			idx := (int(h[0])<<8 | int(h[1])) % dimensions
			sign := float32(1)
			if h[2]%2 == 1 {
				sign = -1
			}
			vec[idx] += sign
		}

		return normalize(vec), nil
	}
}

// normalize scales a vector to unit length. chromem expects normalized
// embeddings for cosine similarity.
func normalize(vec []float32) []float32 {
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		vec[0] = 1
		return vec
	}
	n := float32(math.Sqrt(norm))
	for i := range vec {
		vec[i] /= n
	}
	return vec
}
