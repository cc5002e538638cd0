package vector

import (
	"context"
	"fmt"

	"synthmemory/backend/internal/state"
	apperrors "synthmemory/backend/pkg/errors"
)

// Store persists fixed-dimension vectors with a parallel metadata record each.
// There is no delete or update; corrections happen by re-ingestion.
type Store interface {
	// Add appends vectors and their records. Every vector must match Dimension().
	Add(ctx context.Context, vectors [][]float32, records []state.MemoryRecord) error
	// Search returns at most k hits, nearest first. Empty store gives no hits.
	Search(ctx context.Context, query []float32, k int) ([]Hit, error)
	Dimension() int
	Count() int
	Close() error
}

// Hit is one search result
type Hit struct {
	ID       int64 // position-derived vector id, count + offset at append time
	Record   state.MemoryRecord
	Distance float32
	Rank     int // 1-based
}

// checkBatch validates an Add call before anything is mutated
func checkBatch(dim int, vectors [][]float32, records []state.MemoryRecord) error {
	if len(vectors) != len(records) {
		return apperrors.NewStoreOperationFailed(apperrors.ErrorTypeVector, "add",
			fmt.Errorf("%d vectors for %d records", len(vectors), len(records)))
	}
	for _, v := range vectors {
		if len(v) != dim {
			return apperrors.NewDimensionMismatch(dim, len(v))
		}
	}
	return nil
}

func checkQuery(dim int, query []float32) error {
	if len(query) != dim {
		return apperrors.NewDimensionMismatch(dim, len(query))
	}
	return nil
}
