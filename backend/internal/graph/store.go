package graph

import (
	"context"
	"time"

	"go.uber.org/zap"

	"synthmemory/backend/internal/constants"
	"synthmemory/backend/internal/state"
	apperrors "synthmemory/backend/pkg/errors"
)

// Store persists the bi-temporal entity graph.
//
// Read and write operations never panic. On a backend failure they return an
// empty result (or false) together with an *errors.ErrStoreOperationFailed,
// so callers can tell an empty graph from a broken one and degrade.
type Store interface {
	// UpsertEntity creates the entity or overwrites its name and type
	UpsertEntity(ctx context.Context, id, name, entityType string) error
	// UpsertCommunity creates the community or overwrites its summary
	UpsertCommunity(ctx context.Context, id int64, summary string) error
	// SetMembership ensures both nodes and the MemberOf edge exist
	SetMembership(ctx context.Context, entityID string, communityID int64) error
	// AddRelation ensures both endpoints exist and appends a new edge
	AddRelation(ctx context.Context, rel state.Relation) error
	// GetCommunityID returns the entity's community, if it has one
	GetCommunityID(ctx context.Context, entityID string) (int64, bool, error)
	// TraverseBounded walks RelatedTo edges in either direction up to depth
	// hops from startID, keeping only neighbours in startID's community when
	// it has one. At most limit rows; the start node is not included.
	TraverseBounded(ctx context.Context, startID string, depth, limit int) ([]state.Neighbor, error)
	// GetEntity returns nil when the entity does not exist
	GetEntity(ctx context.Context, id string) (*state.Entity, error)
	// Relations returns edges touching entityID; a non-nil at keeps only
	// those valid at that instant
	Relations(ctx context.Context, entityID string, at *time.Time) ([]state.Relation, error)
	Stats(ctx context.Context) (Stats, error)
	Close() error
}

// Stats summarises graph size
type Stats struct {
	Entities    int64 `json:"entities"`
	Communities int64 `json:"communities"`
	Relations   int64 `json:"relations"`
	Memberships int64 `json:"memberships"`
}

// failed wraps a backend error and logs it at debug; callers decide how loud
// the degradation should be
func failed(log *zap.Logger, op string, err error) error {
	log.Debug("Graph operation failed", zap.String("operation", op), zap.Error(err))
	return apperrors.NewStoreOperationFailed(apperrors.ErrorTypeGraph, op, err)
}

func normalizeRelation(rel state.Relation) state.Relation {
	if rel.ValidFrom.IsZero() {
		rel.ValidFrom = time.Now()
	}
	rel.ValidFrom = rel.ValidFrom.UTC()
	if rel.ValidTo != nil {
		vt := rel.ValidTo.UTC()
		rel.ValidTo = &vt
	}
	return rel
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return constants.DefaultTraversalLimit
	}
	return limit
}
