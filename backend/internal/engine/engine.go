package engine

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"synthmemory/backend/internal/adapter"
	"synthmemory/backend/internal/constants"
	"synthmemory/backend/internal/embedder"
	"synthmemory/backend/internal/extractor"
	"synthmemory/backend/internal/graph"
	"synthmemory/backend/internal/indexing"
	"synthmemory/backend/internal/redact"
	"synthmemory/backend/internal/retrieval"
	"synthmemory/backend/internal/state"
	"synthmemory/backend/internal/vector"
	"synthmemory/backend/internal/workers"
	"synthmemory/backend/pkg/config"
	apperrors "synthmemory/backend/pkg/errors"
	"synthmemory/backend/pkg/logger"
)

// Injector accepts recalled memory for the host's next prompt. Hosts that
// cannot take injected content pass a nil Injector.
type Injector interface {
	Inject(text string) error
}

// InjectorFunc adapts a function to Injector
type InjectorFunc func(text string) error

// Inject calls f(text)
func (f InjectorFunc) Inject(text string) error {
	return f(text)
}

// Options overrides collaborators that New would otherwise build from config
type Options struct {
	Embedder  embedder.Embedder
	Extractor extractor.Extractor
	Vectors   vector.Store
	Graph     graph.Store
}

// Degraded reports which stores fell back to their no-op variant
type Degraded struct {
	Vector bool `json:"vector"`
	Graph  bool `json:"graph"`
}

// Stats is a point-in-time view of both stores
type Stats struct {
	Records   int         `json:"records"`
	Dimension int         `json:"dimension"`
	Graph     graph.Stats `json:"graph"`
	InFlight  int         `json:"in_flight"`
	Degraded  Degraded    `json:"degraded"`
}

// Engine owns the stores and exposes the host hooks
type Engine struct {
	cfg       *config.Config
	vectors   vector.Store
	graph     graph.Store
	embedder  embedder.Embedder
	pipeline  *indexing.Pipeline
	retriever *retrieval.Retriever
	degraded  Degraded
	logger    *zap.Logger

	closeOnce sync.Once
	closeErr  error
}

// New builds the engine. A store that cannot be opened is replaced by its
// no-op variant and reported by Degraded; startup only fails when cfg is nil.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Engine, error) {
	if cfg == nil {
		return nil, apperrors.NewConfigValidationFailed("config", "must not be nil")
	}
	log := logger.Component("engine")

	var llm *adapter.LLMAdapter
	if cfg.LLM.BaseURL != "" || cfg.LLM.APIKey != "" {
		llm = adapter.NewLLMAdapter(cfg.LLM.BaseURL, cfg.LLM.APIKey, cfg.LLM.ModelID, cfg.LLM.EmbeddingModel)
	}

	emb := opts.Embedder
	if emb == nil {
		if llm != nil {
			emb = embedder.NewOpenAI(llm, cfg.Performance.EmbeddingDimension)
		} else {
			emb = embedder.NewHash(cfg.Performance.EmbeddingDimension)
		}
	}
	dim := embedder.Negotiate(ctx, emb)

	ext := opts.Extractor
	if ext == nil {
		if cfg.Extraction.Provider == config.ExtractionProviderLLM && llm != nil {
			ext = extractor.NewLLM(llm)
		} else {
			ext = extractor.NewHeuristic()
		}
	}

	e := &Engine{
		cfg:      cfg,
		embedder: emb,
		logger:   log,
	}

	e.vectors = opts.Vectors
	if e.vectors == nil {
		vs, err := openVectorStore(cfg, dim)
		if err != nil {
			log.Error("Vector store unavailable, running without semantic recall", zap.Error(err))
			vs = vector.NewNoopStore(dim)
			e.degraded.Vector = true
		}
		e.vectors = vs
	}

	e.graph = opts.Graph
	if e.graph == nil {
		gs, err := openGraphStore(ctx, cfg)
		if err != nil {
			log.Error("Graph store unavailable, running without graph recall", zap.Error(err))
			gs = graph.NewNoopStore()
			e.degraded.Graph = true
		}
		e.graph = gs
	}
	if sc, ok := e.graph.(interface{ SchemaError() error }); ok && sc.SchemaError() != nil {
		log.Warn("Graph store opened with schema errors", zap.Error(sc.SchemaError()))
	}

	pool := workers.NewCPUPool(cfg.Performance.CPUExecutorWorkers)
	e.pipeline = indexing.New(e.vectors, e.graph, redact.New(), ext, emb, pool, indexing.Options{
		Labels:    cfg.Extraction.Labels,
		Threshold: cfg.Extraction.Threshold,
		PIIMode:   redact.ParseMode(cfg.Security.PIIRedactionMode),
	})
	e.retriever = retrieval.New(e.vectors, e.graph, ext, pool, retrieval.Options{
		VectorK:           cfg.Retrieval.VectorK,
		GraphDepth:        cfg.Retrieval.GraphDepthTraversal,
		GraphLimit:        cfg.Retrieval.GraphTraversalLimit,
		RRFK:              cfg.Retrieval.RRFK,
		ExtractionTimeout: cfg.NERTimeout(),
		Labels:            cfg.Extraction.Labels,
		Threshold:         cfg.Extraction.Threshold,
		NamespaceLock:     cfg.Security.NamespaceLock,
	})

	log.Info("Memory engine ready",
		zap.Int("dimension", e.vectors.Dimension()),
		zap.Int("records", e.vectors.Count()),
		zap.String("vector_index", cfg.Performance.VectorIndexType),
		zap.String("graph_backend", cfg.Performance.GraphBackend),
		zap.Bool("vector_degraded", e.degraded.Vector),
		zap.Bool("graph_degraded", e.degraded.Graph),
	)
	return e, nil
}

func openVectorStore(cfg *config.Config, dim int) (vector.Store, error) {
	dir := filepath.Join(cfg.StoresDir(), constants.VectorDirName)
	switch cfg.Performance.VectorIndexType {
	case config.VectorIndexChromem:
		return vector.NewChromemStore(dir, dim)
	default:
		return vector.NewFlatStore(dir, dim)
	}
}

func openGraphStore(ctx context.Context, cfg *config.Config) (graph.Store, error) {
	switch cfg.Performance.GraphBackend {
	case config.GraphBackendNeo4j:
		return graph.NewNeo4jStore(ctx, cfg.Neo4j.URI, cfg.Neo4j.User, cfg.Neo4j.Password)
	case config.GraphBackendNone:
		return nil, apperrors.NewStoreUnavailable(apperrors.ErrorTypeGraph, "none", errors.New("graph backend disabled"))
	default:
		return graph.NewSQLiteStore(ctx, filepath.Join(cfg.StoresDir(), constants.GraphDirName))
	}
}

// Degraded reports which stores are running as no-ops
func (e *Engine) Degraded() Degraded {
	return e.degraded
}

// OnUserSend indexes a user message in the background. Empty text is ignored.
func (e *Engine) OnUserSend(text, mode string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	e.pipeline.Enqueue(text, mode)
}

// OnContextBegin recalls memories for the coming turn and returns their
// texts. When inj is non-nil and anything was recalled, the texts are also
// injected under the recall header.
func (e *Engine) OnContextBegin(ctx context.Context, queryText string, queryVector []float32, mode string, inj Injector) []string {
	texts := Texts(e.Recall(ctx, queryText, queryVector, mode))
	if len(texts) == 0 {
		return texts
	}

	if inj == nil {
		e.logger.Warn("Host accepts no injected context, skipping recall injection", zap.Int("memories", len(texts)))
		return texts
	}
	if err := inj.Inject(FormatRecall(texts)); err != nil {
		e.logger.Warn("Recall injection failed", zap.Error(err))
	}
	return texts
}

// Texts returns the non-empty texts of hits, in rank order
func Texts(hits []state.RetrievalHit) []string {
	texts := make([]string, 0, len(hits))
	for _, h := range hits {
		if t := h.Text(); t != "" {
			texts = append(texts, t)
		}
	}
	return texts
}

// FormatRecall renders recalled texts the way they are injected
func FormatRecall(texts []string) string {
	return constants.RecallHeader + strings.Join(texts, "\n")
}

// Recall returns fused hits for a query. The query is embedded when no
// vector is given; an embedding failure leaves only the graph branch.
func (e *Engine) Recall(ctx context.Context, queryText string, queryVector []float32, mode string) []state.RetrievalHit {
	if strings.TrimSpace(queryText) == "" && len(queryVector) == 0 {
		return []state.RetrievalHit{}
	}
	if len(queryVector) == 0 && queryText != "" {
		vec, err := e.embedder.Embed(ctx, queryText)
		if err != nil {
			e.logger.Warn("Query embedding failed, recalling from graph only", zap.Error(err))
		} else {
			queryVector = vec
		}
	}
	return e.retriever.Retrieve(ctx, queryText, queryVector, mode)
}

// Ingest indexes text synchronously and returns the new record id
func (e *Engine) Ingest(ctx context.Context, text, mode string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", apperrors.NewIndexingFailure("validate", errors.New("empty text"))
	}
	return e.pipeline.Process(ctx, text, mode)
}

// AssignCommunity records a community and adds members to it. Communities
// are computed outside this process; the engine only stores them so that
// traversal can be bounded by them.
func (e *Engine) AssignCommunity(ctx context.Context, id int64, summary string, members []string) error {
	if err := e.graph.UpsertCommunity(ctx, id, summary); err != nil {
		return err
	}
	for _, m := range members {
		entityID := state.NormalizeEntityID(m)
		if entityID == "" {
			continue
		}
		if err := e.graph.SetMembership(ctx, entityID, id); err != nil {
			return err
		}
	}
	e.logger.Debug("Community assigned", zap.Int64("community", id), zap.Int("members", len(members)))
	return nil
}

// Stats reports store sizes
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	gs, err := e.graph.Stats(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Records:   e.vectors.Count(),
		Dimension: e.vectors.Dimension(),
		Graph:     gs,
		InFlight:  e.pipeline.InFlight(),
		Degraded:  e.degraded,
	}, nil
}

// Shutdown drains background indexing until ctx ends, then closes the graph
// store and the vector store. Units still running past the deadline are
// abandoned and reported as an ErrContextTimeout. Safe to call more than once.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.closeOnce.Do(func() {
		var errs []error

		start := time.Now()
		if err := e.pipeline.Drain(ctx); err != nil {
			e.logger.Warn("Shutdown deadline passed with indexing in flight",
				zap.Int("abandoned", e.pipeline.InFlight()),
				zap.Error(err),
			)
			if errors.Is(err, context.DeadlineExceeded) {
				errs = append(errs, apperrors.NewContextTimeout("drain indexing", time.Since(start)))
			} else {
				errs = append(errs, err)
			}
		}

		if err := e.graph.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := e.vectors.Close(); err != nil {
			errs = append(errs, err)
		}
		e.closeErr = errors.Join(errs...)
		e.logger.Info("Memory engine stopped")
	})
	return e.closeErr
}
