package retrieval

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"synthmemory/backend/internal/constants"
	"synthmemory/backend/internal/extractor"
	"synthmemory/backend/internal/graph"
	"synthmemory/backend/internal/state"
	"synthmemory/backend/internal/vector"
	"synthmemory/backend/internal/workers"
	apperrors "synthmemory/backend/pkg/errors"
	"synthmemory/backend/pkg/logger"
)

// Options tunes retrieval
type Options struct {
	VectorK           int
	GraphDepth        int
	GraphLimit        int
	RRFK              int
	ExtractionTimeout time.Duration
	Labels            []string
	Threshold         float64
	// NamespaceLock keeps records from other modes out of the result
	NamespaceLock bool
}

// Retriever fans a query out to the vector and graph stores and fuses the
// two ranked lists
type Retriever struct {
	vectors   vector.Store
	graph     graph.Store
	extractor extractor.Extractor
	pool      *workers.CPUPool
	opts      Options
	logger    *zap.Logger
}

// New creates a retriever
func New(vs vector.Store, gs graph.Store, ext extractor.Extractor, pool *workers.CPUPool, opts Options) *Retriever {
	return &Retriever{
		vectors:   vs,
		graph:     gs,
		extractor: ext,
		pool:      pool,
		opts:      opts,
		logger:    logger.Component("retrieval"),
	}
}

// Retrieve returns fused hits, best first. It never fails: a broken or slow
// branch contributes nothing and the other branch's hits are returned.
func (r *Retriever) Retrieve(ctx context.Context, queryText string, queryVector []float32, mode string) []state.RetrievalHit {
	start := time.Now()

	var (
		vectorHits []vector.Hit
		graphHits  []state.Neighbor
	)

	// branches report their own failures; the group only joins them
	var g errgroup.Group
	g.Go(func() error {
		vectorHits = r.vectorBranch(ctx, queryVector)
		return nil
	})
	g.Go(func() error {
		graphHits = r.graphBranch(ctx, queryText)
		return nil
	})
	_ = g.Wait()

	if r.opts.NamespaceLock {
		vectorHits, graphHits = lockNamespace(mode, vectorHits, graphHits)
	}

	hits := Fuse(vectorHits, graphHits, r.opts.RRFK, r.opts.VectorK)

	r.logger.Debug("Retrieval complete",
		zap.String("mode", mode),
		zap.Bool("namespace_lock", r.opts.NamespaceLock),
		zap.Int("vector_hits", len(vectorHits)),
		zap.Int("graph_hits", len(graphHits)),
		zap.Int("fused", len(hits)),
		zap.Duration("took", time.Since(start)),
	)
	return hits
}

// lockNamespace drops vector hits whose record was ingested under another
// mode. Graph record nodes carry no mode, so one is kept only when the
// filtered vector hits vouch for it; entity nodes are shared across modes.
func lockNamespace(mode string, vectorHits []vector.Hit, graphHits []state.Neighbor) ([]vector.Hit, []state.Neighbor) {
	allowed := make(map[string]bool, len(vectorHits))
	keptVectors := vectorHits[:0:0]
	for _, h := range vectorHits {
		if h.Record.Mode != mode {
			continue
		}
		allowed[h.Record.ID] = true
		keptVectors = append(keptVectors, h)
	}

	keptGraph := graphHits[:0:0]
	for _, n := range graphHits {
		if n.Type == constants.RecordNodeType && !allowed[n.ID] {
			continue
		}
		keptGraph = append(keptGraph, n)
	}
	return keptVectors, keptGraph
}

func (r *Retriever) vectorBranch(ctx context.Context, queryVector []float32) []vector.Hit {
	if len(queryVector) == 0 {
		return nil
	}
	hits, err := r.vectors.Search(ctx, queryVector, 2*r.opts.VectorK)
	if err != nil {
		r.logger.Warn("Vector search failed, continuing without it", zap.Error(err))
		return nil
	}
	return hits
}

func (r *Retriever) graphBranch(ctx context.Context, queryText string) []state.Neighbor {
	entry, err := r.EntryPoint(ctx, queryText)
	if err != nil {
		var timeout *apperrors.ErrExtractionTimeout
		if errors.As(err, &timeout) {
			r.logger.Info("Entity extraction timed out, using vector results only",
				zap.Duration("timeout", timeout.Timeout),
			)
		} else {
			r.logger.Warn("Entity extraction failed, using vector results only", zap.Error(err))
		}
		return nil
	}
	if entry == "" {
		return nil
	}

	neighbors, err := r.graph.TraverseBounded(ctx, entry, r.opts.GraphDepth, r.opts.GraphLimit)
	if err != nil {
		r.logger.Warn("Graph traversal failed, continuing without it",
			zap.String("entry", entry),
			zap.Error(err),
		)
		return nil
	}
	return neighbors
}

// EntryPoint extracts entities from the query under the extraction deadline
// and returns the first one's graph id, or "" when there is none. When the
// deadline passes it returns an ErrExtractionTimeout at once; the abandoned
// extraction finishes on its own and its result is dropped.
func (r *Retriever) EntryPoint(ctx context.Context, queryText string) (string, error) {
	tctx, cancel := context.WithTimeout(ctx, r.opts.ExtractionTimeout)
	defer cancel()

	out := make(chan []state.ExtractedEntity, 1)
	err := r.pool.Run(tctx, func(ctx context.Context) error {
		ents, err := r.extractor.Extract(ctx, queryText, r.opts.Labels, r.opts.Threshold)
		if err != nil {
			return err
		}
		out <- ents
		return nil
	})
	if err != nil {
		if errors.Is(tctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return "", apperrors.NewExtractionTimeout(r.opts.ExtractionTimeout, err)
		}
		return "", err
	}

	for _, ent := range <-out {
		if id := state.NormalizeEntityID(ent.Text); id != "" {
			return id, nil
		}
	}
	return "", nil
}
