package graph

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"synthmemory/backend/internal/state"
	apperrors "synthmemory/backend/pkg/errors"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(context.Background(), t.TempDir())
	require.NoError(t, err)
	require.NoError(t, s.SchemaError())
	t.Cleanup(func() { s.Close() })
	return s
}

func ids(ns []state.Neighbor) []string {
	out := make([]string, 0, len(ns))
	for _, n := range ns {
		out = append(out, n.ID)
	}
	sort.Strings(out)
	return out
}

func relate(t *testing.T, s Store, src, dst string) {
	t.Helper()
	require.NoError(t, s.AddRelation(context.Background(), state.Relation{
		Src: src, Dst: dst, Type: "KNOWS", Weight: 1, Confidence: 1,
	}))
}

func TestSQLiteStore_UpsertEntityIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.UpsertEntity(ctx, "alice", "Alice", "PERSON"))
	require.NoError(t, s.UpsertEntity(ctx, "alice", "Alice Smith", "ENGINEER"))

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Entities)

	e, err := s.GetEntity(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, "Alice Smith", e.Name)
	assert.Equal(t, "ENGINEER", e.Type)

	missing, err := s.GetEntity(ctx, "nobody")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestSQLiteStore_AddRelationAppendsAndCreatesEndpoints(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	relate(t, s, "rec-1", "kubernetes")
	relate(t, s, "rec-1", "kubernetes")

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.Entities, "endpoints are created")
	assert.Equal(t, int64(2), st.Relations, "edges are never merged")

	rels, err := s.Relations(ctx, "kubernetes", nil)
	require.NoError(t, err)
	require.Len(t, rels, 2)
	assert.Equal(t, "rec-1", rels[0].Src)
	assert.Nil(t, rels[0].ValidTo)
	assert.False(t, rels[0].ValidFrom.IsZero())
}

func TestSQLiteStore_AddRelationRejectsInvalid(t *testing.T) {
	s := newTestStore(t)
	err := s.AddRelation(context.Background(), state.Relation{Src: "a", Type: "X"})
	require.Error(t, err)
	assert.True(t, apperrors.IsErrorType(err, apperrors.ErrorTypeGraph))
}

func TestSQLiteStore_BiTemporalRelations(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	jan := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	jun := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	dec := time.Date(2024, 12, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.AddRelation(ctx, state.Relation{
		Src: "alice", Dst: "acme", Type: "WORKS_AT", Weight: 1, Confidence: 1,
		ValidFrom: jan, ValidTo: &jun,
	}))
	require.NoError(t, s.AddRelation(ctx, state.Relation{
		Src: "alice", Dst: "globex", Type: "WORKS_AT", Weight: 1, Confidence: 1,
		ValidFrom: jun,
	}))

	all, err := s.Relations(ctx, "alice", nil)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	march := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	atMarch, err := s.Relations(ctx, "alice", &march)
	require.NoError(t, err)
	require.Len(t, atMarch, 1)
	assert.Equal(t, "acme", atMarch[0].Dst)
	require.NotNil(t, atMarch[0].ValidTo)
	assert.True(t, atMarch[0].ValidTo.Equal(jun))

	atDec, err := s.Relations(ctx, "alice", &dec)
	require.NoError(t, err)
	require.Len(t, atDec, 1)
	assert.Equal(t, "globex", atDec[0].Dst)
}

func TestSQLiteStore_CommunityMembership(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, ok, err := s.GetCommunityID(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.UpsertCommunity(ctx, 7, "infra people"))
	require.NoError(t, s.UpsertCommunity(ctx, 7, "infrastructure people"))
	require.NoError(t, s.SetMembership(ctx, "alice", 7))
	require.NoError(t, s.SetMembership(ctx, "alice", 7))

	cid, ok, err := s.GetCommunityID(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(7), cid)

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Communities)
	assert.Equal(t, int64(1), st.Memberships, "membership edge is not duplicated")
	assert.Equal(t, int64(1), st.Entities)
}

func TestSQLiteStore_CommunityLookupAfterReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := NewSQLiteStore(ctx, dir)
	require.NoError(t, err)
	require.NoError(t, s.SetMembership(ctx, "bob", 3))
	require.NoError(t, s.Close())

	// fresh instance, empty cache: falls back to the database
	reopened, err := NewSQLiteStore(ctx, dir)
	require.NoError(t, err)
	defer reopened.Close()

	cid, ok, err := reopened.GetCommunityID(ctx, "bob")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(3), cid)
}

func TestSQLiteStore_TraverseBoundedByCommunity(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	// A and B in community C; D outside. A-B, A-D, B-E (E in C), E-F (3 hops)
	for _, id := range []string{"a", "b", "e"} {
		require.NoError(t, s.SetMembership(ctx, id, 1))
	}
	require.NoError(t, s.SetMembership(ctx, "d", 2))
	require.NoError(t, s.UpsertEntity(ctx, "b", "B", "PERSON"))
	relate(t, s, "a", "b")
	relate(t, s, "d", "a")
	relate(t, s, "b", "e")
	relate(t, s, "e", "f")

	got, err := s.TraverseBounded(ctx, "a", 2, 50)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "e"}, ids(got))
	assert.Equal(t, "B", got[0].Name)
	assert.Equal(t, "PERSON", got[0].Type)
}

func TestSQLiteStore_MembershipMoveReplacesOldCommunity(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for _, id := range []string{"a", "b"} {
		require.NoError(t, s.SetMembership(ctx, id, 1))
	}
	relate(t, s, "a", "b")

	got, err := s.TraverseBounded(ctx, "a", 1, 50)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, ids(got))

	require.NoError(t, s.SetMembership(ctx, "b", 2))

	cid, ok, err := s.GetCommunityID(ctx, "b")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(2), cid)

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.Memberships, "old membership edge is removed")

	got, err = s.TraverseBounded(ctx, "a", 1, 50)
	require.NoError(t, err)
	assert.Empty(t, got, "b left community 1")
}

func TestSQLiteStore_TraverseUnscopedAndDepth(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	relate(t, s, "a", "b")
	relate(t, s, "c", "b") // reached against edge direction
	relate(t, s, "c", "d")
	relate(t, s, "b", "a") // cycle back to start

	one, err := s.TraverseBounded(ctx, "a", 1, 50)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, ids(one))

	two, err := s.TraverseBounded(ctx, "a", 2, 50)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, ids(two))

	three, err := s.TraverseBounded(ctx, "a", 3, 50)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c", "d"}, ids(three))

	none, err := s.TraverseBounded(ctx, "a", 0, 50)
	require.NoError(t, err)
	assert.Empty(t, none)

	unknown, err := s.TraverseBounded(ctx, "zzz", 2, 50)
	require.NoError(t, err)
	assert.Empty(t, unknown)
}

func TestSQLiteStore_TraverseLimit(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for i := 0; i < 12; i++ {
		relate(t, s, "hub", fmt.Sprintf("spoke-%02d", i))
	}

	got, err := s.TraverseBounded(ctx, "hub", 2, 5)
	require.NoError(t, err)
	assert.Len(t, got, 5)

	all, err := s.TraverseBounded(ctx, "hub", 2, 0)
	require.NoError(t, err)
	assert.Len(t, all, 12)
}

func TestSQLiteStore_ConcurrentWrites(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("rec-%d", i)
			assert.NoError(t, s.UpsertEntity(ctx, "shared", "Shared", "CONCEPT"))
			assert.NoError(t, s.AddRelation(ctx, state.Relation{Src: id, Dst: "shared", Type: "MENTIONS", Weight: 1, Confidence: 1}))
		}(i)
	}
	wg.Wait()

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(21), st.Entities)
	assert.Equal(t, int64(20), st.Relations)
}

func TestSQLiteStore_ReportsIncompatibleSchema(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	db, err := sql.Open("sqlite", filepath.Join(dir, graphDBFile))
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE Entity (id TEXT PRIMARY KEY, label TEXT)`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	s, err := NewSQLiteStore(ctx, dir)
	require.NoError(t, err, "startup must not fail")
	defer s.Close()

	var corrupt *apperrors.ErrSchemaCorruption
	require.ErrorAs(t, s.SchemaError(), &corrupt)
	assert.Contains(t, corrupt.Detail, "Entity")

	// operations degrade instead of panicking
	err = s.UpsertEntity(ctx, "alice", "Alice", "PERSON")
	assert.True(t, apperrors.IsErrorType(err, apperrors.ErrorTypeGraph))
}

func TestSQLiteStore_FailuresAreTyped(t *testing.T) {
	ctx := context.Background()
	s, err := NewSQLiteStore(ctx, t.TempDir())
	require.NoError(t, err)
	require.NoError(t, s.Close())

	got, err := s.TraverseBounded(ctx, "a", 2, 10)
	assert.Empty(t, got)
	var opErr *apperrors.ErrStoreOperationFailed
	assert.ErrorAs(t, err, &opErr)

	_, ok, err := s.GetCommunityID(ctx, "a")
	assert.False(t, ok)
	assert.Error(t, err)
}

func TestNoopStore(t *testing.T) {
	ctx := context.Background()
	var s Store = NewNoopStore()

	assert.NoError(t, s.UpsertEntity(ctx, "a", "A", "X"))
	assert.NoError(t, s.AddRelation(ctx, state.Relation{Src: "a", Dst: "b", Type: "X"}))
	assert.NoError(t, s.SetMembership(ctx, "a", 1))

	_, ok, err := s.GetCommunityID(ctx, "a")
	assert.NoError(t, err)
	assert.False(t, ok)

	got, err := s.TraverseBounded(ctx, "a", 2, 10)
	assert.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

// TestNeo4jStore requires a running Neo4j instance.
// Set SY_NEO4J_URI, SY_NEO4J_USER, SY_NEO4J_PASSWORD.
func TestNeo4jStore_CommunityBounding(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test")
	}
	uri := os.Getenv("SY_NEO4J_URI")
	if uri == "" {
		t.Skip("SY_NEO4J_URI not set")
	}

	ctx := context.Background()
	s, err := NewNeo4jStore(ctx, uri, os.Getenv("SY_NEO4J_USER"), os.Getenv("SY_NEO4J_PASSWORD"))
	require.NoError(t, err)
	defer s.Close()

	prefix := "test-" + time.Now().Format("20060102150405") + "-"
	a, b, d := prefix+"a", prefix+"b", prefix+"d"
	cid := time.Now().UnixNano()

	require.NoError(t, s.UpsertEntity(ctx, a, "A", "PERSON"))
	require.NoError(t, s.UpsertEntity(ctx, a, "A2", "PERSON"))
	require.NoError(t, s.SetMembership(ctx, a, cid))
	require.NoError(t, s.SetMembership(ctx, b, cid))
	relate(t, s, a, b)
	relate(t, s, d, a)

	got, err := s.TraverseBounded(ctx, a, 2, 50)
	require.NoError(t, err)
	assert.Equal(t, []string{b}, ids(got))

	e, err := s.GetEntity(ctx, a)
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, "A2", e.Name)
}
