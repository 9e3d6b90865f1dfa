package embedding

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/hyperjump/guiderec/pkg/utils"
)

// HashingEmbedder maps whitespace tokens into a fixed number of signed buckets
// (the hashing trick) and L2-normalizes the counts. Texts sharing tokens get a
// positive inner product, and repeating a token raises its weight, so it honors
// the field weights of a composed document without any model files.
type HashingEmbedder struct {
	dimensions int
}

// NewHashingEmbedder returns a hashing embedder with the given dimensions (384 when <= 0).
func NewHashingEmbedder(dimensions int) *HashingEmbedder {
	if dimensions <= 0 {
		dimensions = 384
	}
	return &HashingEmbedder{dimensions: dimensions}
}

// Embed returns the unit-length token histogram of text. Empty text yields the zero vector.
func (e *HashingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.dimensions)
	for _, tok := range strings.Fields(text) {
		idx, sign := e.bucket(tok)
		vec[idx] += sign
	}
	utils.NormalizeL2(vec)
	return vec, nil
}

func (e *HashingEmbedder) bucket(tok string) (int, float32) {
	h := fnv.New64a()
	_, _ = h.Write([]byte(tok))
	sum := h.Sum64()
	sign := float32(1)
	if sum>>63 == 1 {
		sign = -1
	}
	return int(sum % uint64(e.dimensions)), sign
}

// EmbedBatch calls Embed for each text.
func (e *HashingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return embedEach(ctx, e, texts)
}

// Dimensions returns the embedding dimension.
func (e *HashingEmbedder) Dimensions() int {
	return e.dimensions
}

// Name returns "hashing-<dimensions>".
func (e *HashingEmbedder) Name() string {
	return fmt.Sprintf("hashing-%d", e.dimensions)
}

// Close is a no-op.
func (e *HashingEmbedder) Close() error {
	return nil
}
