package embedding

import (
	"context"
	"hash/fnv"
	"math"

	"github.com/nidhogg/finmem/internal/market"
)

// HashProvider embeds text without a model: every token is hashed into a
// pseudo-random unit vector and the token vectors are summed, so texts that
// share words point in similar directions. Deterministic across runs.
type HashProvider struct {
	dimension int
}

// NewHashProvider creates a hash embedder. dimension defaults to 256.
func NewHashProvider(dimension int) *HashProvider {
	if dimension <= 0 {
		dimension = 256
	}
	return &HashProvider{dimension: dimension}
}

func (h *HashProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		vec := make([]float32, h.dimension)
		for _, tok := range market.Tokenize(text) {
			h.accumulate(vec, tok)
		}
		out[i] = normalize(vec)
	}
	return out, nil
}

func (h *HashProvider) Dimension() int { return h.dimension }

func (h *HashProvider) accumulate(vec []float32, token string) {
	f := fnv.New64a()
	f.Write([]byte(token))
	seed := f.Sum64()
	for i := range vec {
		// LCG
		seed = seed*6364136223846793005 + 1442695040888963407
		vec[i] += float32(int64(seed)) / float32(math.MaxInt64)
	}
}

func normalize(vec []float32) []float32 {
	var norm float32
	for _, v := range vec {
		norm += v * v
	}
	if norm == 0 {
		return vec
	}
	norm = float32(math.Sqrt(float64(norm)))
	for i := range vec {
		vec[i] /= norm
	}
	return vec
}
