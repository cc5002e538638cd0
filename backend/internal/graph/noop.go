package graph

import (
	"context"
	"time"

	"synthmemory/backend/internal/state"
)

// NoopStore stands in when no graph backend could be opened
type NoopStore struct{}

// NewNoopStore creates a degraded graph store
func NewNoopStore() *NoopStore {
	return &NoopStore{}
}

func (NoopStore) UpsertEntity(ctx context.Context, id, name, entityType string) error { return nil }

func (NoopStore) UpsertCommunity(ctx context.Context, id int64, summary string) error { return nil }

func (NoopStore) SetMembership(ctx context.Context, entityID string, communityID int64) error {
	return nil
}

func (NoopStore) AddRelation(ctx context.Context, rel state.Relation) error { return nil }

func (NoopStore) GetCommunityID(ctx context.Context, entityID string) (int64, bool, error) {
	return 0, false, nil
}

func (NoopStore) TraverseBounded(ctx context.Context, startID string, depth, limit int) ([]state.Neighbor, error) {
	return []state.Neighbor{}, nil
}

func (NoopStore) GetEntity(ctx context.Context, id string) (*state.Entity, error) { return nil, nil }

func (NoopStore) Relations(ctx context.Context, entityID string, at *time.Time) ([]state.Relation, error) {
	return []state.Relation{}, nil
}

func (NoopStore) Stats(ctx context.Context) (Stats, error) { return Stats{}, nil }

func (NoopStore) Close() error { return nil }
