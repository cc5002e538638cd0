package vector

import (
	"context"

	"synthmemory/backend/internal/state"
)

// NoopStore stands in when no vector backend could be opened. It keeps the
// dimension checks but discards writes and never finds anything.
type NoopStore struct {
	dim int
}

// NewNoopStore creates a degraded store of the given dimension
func NewNoopStore(dim int) *NoopStore {
	return &NoopStore{dim: dim}
}

func (s *NoopStore) Add(ctx context.Context, vectors [][]float32, records []state.MemoryRecord) error {
	return checkBatch(s.dim, vectors, records)
}

func (s *NoopStore) Search(ctx context.Context, query []float32, k int) ([]Hit, error) {
	if err := checkQuery(s.dim, query); err != nil {
		return nil, err
	}
	return []Hit{}, nil
}

func (s *NoopStore) Dimension() int { return s.dim }

func (s *NoopStore) Count() int { return 0 }

func (s *NoopStore) Close() error { return nil }
