package scoring

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
)

// DefaultEmbeddingDim is the vector size of the feature-hash embedder.
const DefaultEmbeddingDim = 256

// FeatureHashEmbedder is the default embedder: tokens from the flattened
// payload are hashed into a fixed-size vector, signed by a hash bit, then
// L2-normalised. Deterministic — identical payloads always embed to
// identical vectors — which keeps reconciliation decisions reproducible.
type FeatureHashEmbedder struct {
	Dim int
}

// NewFeatureHashEmbedder returns an embedder with the default dimension.
func NewFeatureHashEmbedder() *FeatureHashEmbedder {
	return &FeatureHashEmbedder{Dim: DefaultEmbeddingDim}
}

// Embed converts the payload into a normalised context vector.
func (e *FeatureHashEmbedder) Embed(_ context.Context, payload map[string]interface{}) ([]float64, error) {
	dim := e.Dim
	if dim <= 0 {
		dim = DefaultEmbeddingDim
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("scoring: failed to encode payload: %w", err)
	}

	vec := make([]float64, dim)
	for _, token := range tokenize(string(encoded)) {
		h := fnv.New64a()
		h.Write([]byte(token))
		sum := h.Sum64()

		idx := int(sum % uint64(dim))
		sign := 1.0
		if sum&(1<<63) != 0 {
			sign = -1.0
		}
		vec[idx] += sign
	}

	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	if norm > 0 {
		norm = math.Sqrt(norm)
		for i := range vec {
			vec[i] /= norm
		}
	}
	return vec, nil
}

// tokenize splits on JSON structure and whitespace, lowercased.
func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		switch r {
		case '{', '}', '[', ']', '"', ':', ',', ' ', '\t', '\n':
			return true
		}
		return false
	})
}
