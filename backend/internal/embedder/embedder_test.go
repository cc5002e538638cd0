package embedder

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func l2(a, b []float32) float64 {
	var d float64
	for i := range a {
		diff := float64(a[i] - b[i])
		d += diff * diff
	}
	return d
}

func TestHashEmbedder_Deterministic(t *testing.T) {
	h := NewHash(64)
	ctx := context.Background()

	a, err := h.Embed(ctx, "Alice uses Kubernetes daily")
	require.NoError(t, err)
	b, err := h.Embed(ctx, "alice uses kubernetes daily.")
	require.NoError(t, err)

	assert.Len(t, a, 64)
	assert.InDelta(t, 0, l2(a, b), 1e-9)

	var norm float64
	for _, v := range a {
		norm += float64(v) * float64(v)
	}
	assert.InDelta(t, 1, math.Sqrt(norm), 1e-5)
}

func TestHashEmbedder_SharedWordsAreCloser(t *testing.T) {
	h := NewHash(128)
	ctx := context.Background()

	q, _ := h.Embed(ctx, "kubernetes cluster")
	near, _ := h.Embed(ctx, "kubernetes cluster upgrade")
	far, _ := h.Embed(ctx, "banana bread recipe")

	assert.Less(t, l2(q, near), l2(q, far))
}

type fakeBatch struct {
	vec []float32
	err error
}

func (f fakeBatch) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	return [][]float32{f.vec}, nil
}

func TestOpenAIEmbedder_Probe(t *testing.T) {
	e := NewOpenAI(fakeBatch{vec: make([]float32, 8)}, 1536)
	assert.Equal(t, 8, Negotiate(context.Background(), e))
	assert.Equal(t, 8, e.Dimensions())
}

func TestOpenAIEmbedder_ProbeFailureKeepsConfigured(t *testing.T) {
	e := NewOpenAI(fakeBatch{err: errors.New("offline")}, 1536)
	assert.Equal(t, 1536, Negotiate(context.Background(), e))

	_, err := e.Embed(context.Background(), "x")
	assert.Error(t, err)
}

func TestNegotiate_Hash(t *testing.T) {
	assert.Equal(t, 32, Negotiate(context.Background(), NewHash(32)))
}
