package indexing

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"synthmemory/backend/internal/constants"
	"synthmemory/backend/internal/embedder"
	"synthmemory/backend/internal/extractor"
	"synthmemory/backend/internal/graph"
	"synthmemory/backend/internal/redact"
	"synthmemory/backend/internal/state"
	"synthmemory/backend/internal/vector"
	"synthmemory/backend/internal/workers"
	apperrors "synthmemory/backend/pkg/errors"
	"synthmemory/backend/pkg/logger"
)

// Redactor scrubs PII before anything is stored
type Redactor interface {
	Redact(text string, mode redact.Mode) string
}

// Options tunes extraction and redaction
type Options struct {
	Labels    []string
	Threshold float64
	PIIMode   redact.Mode
}

// Pipeline writes chat messages into both stores in the background.
// There is no cross-store transaction: a unit that fails after the vector
// write leaves that record without graph mentions.
type Pipeline struct {
	vectors   vector.Store
	graph     graph.Store
	redactor  Redactor
	extractor extractor.Extractor
	embedder  embedder.Embedder
	pool      *workers.CPUPool
	tasks     *workers.TaskGroup
	opts      Options

	newID  func() string
	logger *zap.Logger
}

// New creates a pipeline
func New(vs vector.Store, gs graph.Store, red Redactor, ext extractor.Extractor, emb embedder.Embedder, pool *workers.CPUPool, opts Options) *Pipeline {
	return &Pipeline{
		vectors:   vs,
		graph:     gs,
		redactor:  red,
		extractor: ext,
		embedder:  emb,
		pool:      pool,
		tasks:     workers.NewTaskGroup("indexing"),
		opts:      opts,
		newID:     func() string { return uuid.New().String() },
		logger:    logger.Component("indexing"),
	}
}

// Enqueue schedules text for indexing and returns immediately. The caller
// never sees the outcome; failures are logged. Returns false once draining.
func (p *Pipeline) Enqueue(text, mode string) bool {
	accepted := p.tasks.Go(func(ctx context.Context) {
		start := time.Now()
		id, err := p.Process(ctx, text, mode)
		if err != nil {
			p.logger.Error("Indexing unit dropped", zap.String("mode", mode), zap.Error(err))
			return
		}
		p.logger.Debug("Indexing unit complete",
			zap.String("record_id", id),
			zap.Duration("took", time.Since(start)),
		)
	})
	if !accepted {
		p.logger.Warn("Indexing rejected, pipeline is draining", zap.Error(apperrors.ErrIndexingClosed))
	}
	return accepted
}

// Process runs one indexing unit synchronously and returns the new record id
func (p *Pipeline) Process(ctx context.Context, text, mode string) (string, error) {
	clean := p.redactor.Redact(text, p.opts.PIIMode)

	var (
		entities  []state.ExtractedEntity
		embedding []float32
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// found is only read once Run reports the job finished
		var found []state.ExtractedEntity
		err := p.pool.Run(gctx, func(ctx context.Context) error {
			var err error
			found, err = p.extractor.Extract(ctx, clean, p.opts.Labels, p.opts.Threshold)
			return err
		})
		if err != nil {
			return apperrors.NewIndexingFailure("extract", err)
		}
		entities = found
		return nil
	})
	g.Go(func() error {
		var err error
		embedding, err = p.embedder.Embed(gctx, clean)
		if err != nil {
			return apperrors.NewIndexingFailure("embed", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return "", err
	}

	recordID := p.newID()
	record := state.MemoryRecord{
		ID:        recordID,
		Text:      clean,
		Mode:      mode,
		Timestamp: time.Now().UTC(),
	}
	if err := p.vectors.Add(ctx, [][]float32{embedding}, []state.MemoryRecord{record}); err != nil {
		return "", apperrors.NewIndexingFailure("vector add", err)
	}

	// the record node carries the text so graph-only hits resolve to it
	if len(entities) > 0 {
		if err := p.graph.UpsertEntity(ctx, recordID, clean, constants.RecordNodeType); err != nil {
			return recordID, apperrors.NewIndexingFailure("upsert record", err)
		}
	}

	for _, ent := range entities {
		entityID := state.NormalizeEntityID(ent.Text)
		if entityID == "" {
			continue
		}
		if err := p.graph.UpsertEntity(ctx, entityID, ent.Text, ent.Label); err != nil {
			return recordID, apperrors.NewIndexingFailure("upsert entity", err)
		}

		confidence := ent.Score
		if confidence == 0 {
			confidence = constants.DefaultConfidence
		}
		err := p.graph.AddRelation(ctx, state.Relation{
			Src:        recordID,
			Dst:        entityID,
			Type:       constants.RelationMentions,
			Weight:     constants.DefaultRelationWeight,
			Confidence: confidence,
			ValidFrom:  record.Timestamp,
		})
		if err != nil {
			return recordID, apperrors.NewIndexingFailure("add relation", err)
		}
	}

	return recordID, nil
}

// Drain stops accepting work and waits for in-flight units until ctx ends
func (p *Pipeline) Drain(ctx context.Context) error {
	return p.tasks.Drain(ctx)
}

// InFlight returns the number of running units
func (p *Pipeline) InFlight() int {
	return p.tasks.InFlight()
}
