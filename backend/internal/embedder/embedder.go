package embedder

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"

	"go.uber.org/zap"

	"synthmemory/backend/internal/constants"
	"synthmemory/backend/pkg/logger"
)

// Embedder turns text into a fixed-dimension vector
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

// HashEmbedder builds deterministic unit vectors by hashing each lowercased
// token into a pseudo-random direction and summing them. Texts sharing words
// land near each other, which is enough for offline use and tests.
type HashEmbedder struct {
	dimensions int
}

// NewHash creates a hash embedder
func NewHash(dimensions int) *HashEmbedder {
	if dimensions < 1 {
		dimensions = 384
	}
	return &HashEmbedder{dimensions: dimensions}
}

// Embed creates a deterministic embedding from text
func (h *HashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	embedding := make([]float32, h.dimensions)

	tokens := strings.Fields(strings.ToLower(text))
	if len(tokens) == 0 {
		tokens = []string{""}
	}
	for _, tok := range tokens {
		tok = strings.Trim(tok, "?!.,;:\"'()[]")
		hasher := fnv.New64a()
		_, _ = hasher.Write([]byte(tok))
		seed := hasher.Sum64()
		for i := 0; i < h.dimensions; i++ {
			// Linear congruential step
			seed = seed*6364136223846793005 + 1442695040888963407
			embedding[i] += float32(int64(seed)) / float32(math.MaxInt64)
		}
	}

	return normalize(embedding), nil
}

// Dimensions returns the embedding size
func (h *HashEmbedder) Dimensions() int {
	return h.dimensions
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
	for i, v := range vec {
		vec[i] = v / norm
	}
	return vec
}

// BatchEmbedder is the slice of the LLM adapter the OpenAI embedder needs
type BatchEmbedder interface {
	Embed(ctx context.Context, inputs []string) ([][]float32, error)
}

// OpenAIEmbedder calls an OpenAI-compatible embeddings endpoint
type OpenAIEmbedder struct {
	client     BatchEmbedder
	dimensions int
	logger     *zap.Logger
}

// NewOpenAI creates an embedder. dimensions is the expected vector size and
// is replaced by the probed size once Probe succeeds.
func NewOpenAI(client BatchEmbedder, dimensions int) *OpenAIEmbedder {
	return &OpenAIEmbedder{
		client:     client,
		dimensions: dimensions,
		logger:     logger.Component("embedder"),
	}
}

// Embed returns the embedding of text
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.client.Embed(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("failed to embed text: %w", err)
	}
	if len(vecs) != 1 || len(vecs[0]) == 0 {
		return nil, fmt.Errorf("embedding endpoint returned no vector")
	}
	return vecs[0], nil
}

// Dimensions returns the expected embedding size
func (e *OpenAIEmbedder) Dimensions() int {
	return e.dimensions
}

// Probe embeds a fixed string once to learn the real dimension. On failure the
// embedder keeps its configured dimension.
func (e *OpenAIEmbedder) Probe(ctx context.Context) int {
	vec, err := e.Embed(ctx, constants.DimensionProbeText)
	if err != nil {
		e.logger.Warn("Embedding dimension probe failed, using configured dimension",
			zap.Int("dimension", e.dimensions),
			zap.Error(err),
		)
		return e.dimensions
	}
	if len(vec) != e.dimensions {
		e.logger.Info("Embedding dimension negotiated",
			zap.Int("configured", e.dimensions),
			zap.Int("probed", len(vec)),
		)
		e.dimensions = len(vec)
	}
	return e.dimensions
}

// Negotiate returns the dimension a store should be built with: the probed
// size for embedders that support probing, otherwise Dimensions(), falling
// back to the default when that is unset.
func Negotiate(ctx context.Context, emb Embedder) int {
	if p, ok := emb.(interface{ Probe(context.Context) int }); ok {
		if d := p.Probe(ctx); d > 0 {
			return d
		}
	}
	if d := emb.Dimensions(); d > 0 {
		return d
	}
	return constants.FallbackEmbeddingDimension
}
