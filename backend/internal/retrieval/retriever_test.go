package retrieval

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"synthmemory/backend/internal/constants"
	"synthmemory/backend/internal/extractor"
	"synthmemory/backend/internal/graph"
	"synthmemory/backend/internal/state"
	"synthmemory/backend/internal/vector"
	"synthmemory/backend/internal/workers"
	apperrors "synthmemory/backend/pkg/errors"
)

func vhit(id string, rank int) vector.Hit {
	return vector.Hit{
		Record: state.MemoryRecord{ID: id, Text: "text " + id, Mode: "work"},
		Rank:   rank + 1,
	}
}

func TestFuse_RRFArithmetic(t *testing.T) {
	hits := Fuse(
		[]vector.Hit{vhit("both", 0), vhit("v-only", 1)},
		[]state.Neighbor{{ID: "both", Name: "Both"}, {ID: "g-only", Name: "G"}},
		60, 5,
	)
	require.Len(t, hits, 3)

	assert.Equal(t, "both", hits[0].ID)
	assert.InDelta(t, 2.0/61, hits[0].Score, 1e-12)
	assert.Equal(t, state.SourceVector, hits[0].Source, "vector metadata is authoritative")
	assert.Equal(t, "text both", hits[0].Text())

	// rank 1 in one source each: tie broken by encounter order, vector first
	assert.Equal(t, "v-only", hits[1].ID)
	assert.InDelta(t, 1.0/62, hits[1].Score, 1e-12)
	assert.Equal(t, "g-only", hits[2].ID)
	assert.InDelta(t, 1.0/62, hits[2].Score, 1e-12)
	assert.Equal(t, state.SourceGraph, hits[2].Source)
}

func TestFuse_SingleSourceTopRank(t *testing.T) {
	hits := Fuse([]vector.Hit{vhit("a", 0)}, nil, 60, 5)
	require.Len(t, hits, 1)
	assert.InDelta(t, 1.0/61, hits[0].Score, 1e-12)
}

func TestFuse_GraphOnlyMetadata(t *testing.T) {
	hits := Fuse(nil, []state.Neighbor{
		{ID: "kubernetes", Name: "Kubernetes", Type: "API"},
		{ID: "3f2a-record"},
	}, 60, 5)
	require.Len(t, hits, 2)

	assert.Equal(t, map[string]interface{}{
		"id": "kubernetes", "text": "Kubernetes", "type": "API", "source": "graph",
	}, hits[0].Metadata)
	assert.Empty(t, hits[1].Text(), "unnamed nodes never surface their id as text")
	assert.Equal(t, "Unknown", hits[1].Metadata["type"])
}

func TestFuse_DoesNotMutateVectorRecord(t *testing.T) {
	v := []vector.Hit{vhit("a", 0)}
	v[0].Record.Extra = map[string]string{"k": "v"}
	_ = Fuse(v, nil, 60, 5)
	assert.Equal(t, map[string]string{"k": "v"}, v[0].Record.Extra)
}

func TestFuse_OutputBound(t *testing.T) {
	var v []vector.Hit
	for i := 0; i < 10; i++ {
		v = append(v, vhit(fmt.Sprintf("v%d", i), i))
	}
	var g []state.Neighbor
	for i := 0; i < 12; i++ {
		g = append(g, state.Neighbor{ID: fmt.Sprintf("g%d", i)})
	}

	assert.Len(t, Fuse(v, g, 60, 5), 10, "capped at 2*vector_k, not 17")
	assert.Len(t, Fuse(v[:5], g[:2], 60, 5), 7, "vector_k + graph hits under the cap")
	assert.Len(t, Fuse(v, nil, 60, 5), 5, "vector only is cut to vector_k")
}

func TestOutputLimit(t *testing.T) {
	assert.Equal(t, 10, OutputLimit(5, 12))
	assert.Equal(t, 7, OutputLimit(5, 2))
	assert.Equal(t, 5, OutputLimit(5, 0))
}

// ---- Retrieve ----

type slowExtractor struct {
	delay time.Duration
	ents  []state.ExtractedEntity
}

func (s slowExtractor) Extract(ctx context.Context, text string, labels []string, threshold float64) ([]state.ExtractedEntity, error) {
	time.Sleep(s.delay)
	return s.ents, nil
}

type fakeGraph struct {
	graph.NoopStore
	neighbors []state.Neighbor
	err       error
	gotStart  string
	gotDepth  int
}

func (f *fakeGraph) TraverseBounded(ctx context.Context, startID string, depth, limit int) ([]state.Neighbor, error) {
	f.gotStart, f.gotDepth = startID, depth
	if f.err != nil {
		return []state.Neighbor{}, f.err
	}
	return f.neighbors, nil
}

func newVectorStore(t *testing.T, n int) vector.Store {
	t.Helper()
	vs, err := vector.NewFlatStore(t.TempDir(), 2)
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		require.NoError(t, vs.Add(context.Background(),
			[][]float32{{float32(i), 0}},
			[]state.MemoryRecord{{ID: fmt.Sprintf("rec-%d", i), Text: fmt.Sprintf("memory %d", i)}},
		))
	}
	return vs
}

func opts() Options {
	return Options{VectorK: 5, GraphDepth: 2, GraphLimit: 50, RRFK: 60, ExtractionTimeout: 100 * time.Millisecond}
}

func TestRetrieve_FusesBothBranches(t *testing.T) {
	g := &fakeGraph{neighbors: []state.Neighbor{{ID: "rec-0"}, {ID: "kubernetes", Name: "Kubernetes", Type: "API"}}}
	r := New(newVectorStore(t, 3), g, extractor.NewHeuristic(), workers.NewCPUPool(2), opts())

	hits := r.Retrieve(context.Background(), "Does Alice use kubernetes?", []float32{0, 0}, "work")

	assert.Equal(t, "does", g.gotStart, "first extracted entity, lowercased")
	assert.Equal(t, 2, g.gotDepth)
	require.Len(t, hits, 4)
	assert.Equal(t, "rec-0", hits[0].ID)
	assert.InDelta(t, 2.0/61, hits[0].Score, 1e-12)
	assert.Equal(t, state.SourceVector, hits[0].Source)
}

func TestRetrieve_TimeoutFallsBackToVector(t *testing.T) {
	g := &fakeGraph{neighbors: []state.Neighbor{{ID: "alice", Name: "Alice"}}}
	ext := slowExtractor{delay: 2 * time.Second, ents: []state.ExtractedEntity{{Text: "Alice"}}}
	o := opts()
	o.ExtractionTimeout = 50 * time.Millisecond
	r := New(newVectorStore(t, 3), g, ext, workers.NewCPUPool(1), o)

	start := time.Now()
	hits := r.Retrieve(context.Background(), "Alice", []float32{0, 0}, "work")
	elapsed := time.Since(start)

	assert.Less(t, elapsed, 500*time.Millisecond, "timeout must bound the call")
	require.Len(t, hits, 3)
	for _, h := range hits {
		assert.NotEqual(t, state.SourceGraph, h.Source)
	}
	assert.Empty(t, g.gotStart, "traversal never ran")
}

func TestEntryPoint_TimeoutIsTyped(t *testing.T) {
	ext := slowExtractor{delay: time.Second}
	o := opts()
	o.ExtractionTimeout = 20 * time.Millisecond
	r := New(vector.NewNoopStore(2), graph.NewNoopStore(), ext, workers.NewCPUPool(1), o)

	_, err := r.EntryPoint(context.Background(), "Alice")
	var timeout *apperrors.ErrExtractionTimeout
	require.ErrorAs(t, err, &timeout)
	assert.True(t, apperrors.IsErrorType(err, apperrors.ErrorTypeExtraction))
}

func TestRetrieve_GraphFailureFallsBack(t *testing.T) {
	g := &fakeGraph{err: apperrors.NewStoreOperationFailed(apperrors.ErrorTypeGraph, "traverse", errors.New("boom"))}
	r := New(newVectorStore(t, 2), g, extractor.NewHeuristic(), workers.NewCPUPool(1), opts())

	hits := r.Retrieve(context.Background(), "Alice", []float32{0, 0}, "work")
	assert.Len(t, hits, 2)
}

func TestRetrieve_ExtractorErrorFallsBack(t *testing.T) {
	r := New(newVectorStore(t, 2), graph.NewNoopStore(), extractor.Static{Err: errors.New("down")}, workers.NewCPUPool(1), opts())
	hits := r.Retrieve(context.Background(), "Alice", []float32{0, 0}, "work")
	assert.Len(t, hits, 2)
}

func TestRetrieve_VectorDimensionMismatchFallsBackToGraph(t *testing.T) {
	g := &fakeGraph{neighbors: []state.Neighbor{{ID: "alice", Name: "Alice"}}}
	r := New(newVectorStore(t, 2), g, extractor.NewHeuristic(), workers.NewCPUPool(1), opts())

	hits := r.Retrieve(context.Background(), "Alice", []float32{1, 2, 3}, "work")
	require.Len(t, hits, 1)
	assert.Equal(t, state.SourceGraph, hits[0].Source)
}

func TestRetrieve_GraphFloodIsBounded(t *testing.T) {
	var flood []state.Neighbor
	for i := 0; i < 12; i++ {
		flood = append(flood, state.Neighbor{ID: fmt.Sprintf("ent-%d", i)})
	}
	g := &fakeGraph{neighbors: flood}
	r := New(newVectorStore(t, 10), g, extractor.NewHeuristic(), workers.NewCPUPool(1), opts())

	hits := r.Retrieve(context.Background(), "Alice", []float32{0, 0}, "work")
	assert.Len(t, hits, 10)
}

func TestRetrieve_EmptyStores(t *testing.T) {
	r := New(vector.NewNoopStore(2), graph.NewNoopStore(), extractor.NewHeuristic(), workers.NewCPUPool(1), opts())
	hits := r.Retrieve(context.Background(), "Alice", []float32{0, 0}, "work")
	assert.Empty(t, hits)
}

func TestRetrieve_NamespaceLock(t *testing.T) {
	vs, err := vector.NewFlatStore(t.TempDir(), 2)
	require.NoError(t, err)
	for i, mode := range []string{"work", "personal", "work", "personal"} {
		id := fmt.Sprintf("%c-%d", mode[0], i)
		require.NoError(t, vs.Add(context.Background(),
			[][]float32{{float32(i), 0}},
			[]state.MemoryRecord{{ID: id, Text: "memory " + id, Mode: mode}},
		))
	}
	g := &fakeGraph{neighbors: []state.Neighbor{
		{ID: "p-9", Name: "a personal note", Type: constants.RecordNodeType},
		{ID: "w-2", Name: "memory w-2", Type: constants.RecordNodeType},
		{ID: "kafka", Name: "Kafka", Type: "CONCEPT"},
	}}

	hitIDs := func(hits []state.RetrievalHit) []string {
		out := make([]string, 0, len(hits))
		for _, h := range hits {
			out = append(out, h.ID)
		}
		return out
	}

	open := New(vs, g, extractor.NewHeuristic(), workers.NewCPUPool(1), opts())
	assert.ElementsMatch(t,
		[]string{"w-0", "p-1", "w-2", "p-3", "p-9", "kafka"},
		hitIDs(open.Retrieve(context.Background(), "Alice", []float32{0, 0}, "work")))

	o := opts()
	o.NamespaceLock = true
	locked := New(vs, g, extractor.NewHeuristic(), workers.NewCPUPool(1), o)
	assert.ElementsMatch(t,
		[]string{"w-0", "w-2", "kafka"},
		hitIDs(locked.Retrieve(context.Background(), "Alice", []float32{0, 0}, "work")),
		"other modes and unverified record nodes are dropped")
}
