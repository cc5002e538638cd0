package vector

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	chromem "github.com/philippgille/chromem-go"
	"go.uber.org/zap"

	"synthmemory/backend/internal/state"
	apperrors "synthmemory/backend/pkg/errors"
	"synthmemory/backend/pkg/logger"
)

const chromemCollection = "memories"

// ChromemStore is the alternate index type, backed by an embedded chromem-go
// database persisted under dir. Distance is cosine distance (1 - similarity).
type ChromemStore struct {
	db  *chromem.DB
	col *chromem.Collection
	dim int

	mu     sync.Mutex // serialises Add so ids stay dense
	logger *zap.Logger
}

// NewChromemStore opens or creates the persistent collection
func NewChromemStore(dir string, dim int) (*ChromemStore, error) {
	if dim < 1 {
		return nil, apperrors.NewStoreUnavailable(apperrors.ErrorTypeVector, "chromem",
			fmt.Errorf("invalid dimension %d", dim))
	}

	log := logger.Component("vector")

	db, col, err := openChromem(dir)
	if err != nil {
		return nil, apperrors.NewStoreUnavailable(apperrors.ErrorTypeVector, "chromem", err)
	}

	if err := checkPersistedDimension(col, dim); err != nil {
		log.Error("Persisted chromem collection has wrong dimension, quarantining",
			zap.Int("expected", dim),
			zap.Error(err),
		)
		backup, qerr := quarantineDir(dir, time.Now())
		if qerr != nil {
			return nil, apperrors.NewStoreUnavailable(apperrors.ErrorTypeVector, "chromem", qerr)
		}
		log.Warn("Vector collection moved aside", zap.String("backup", backup))

		if db, col, err = openChromem(dir); err != nil {
			return nil, apperrors.NewStoreUnavailable(apperrors.ErrorTypeVector, "chromem", err)
		}
	}

	s := &ChromemStore{
		db:     db,
		col:    col,
		dim:    dim,
		logger: log,
	}
	s.logger.Info("Chromem vector store opened",
		zap.String("dir", dir),
		zap.Int("dimension", dim),
		zap.Int("count", col.Count()),
	)
	return s, nil
}

func openChromem(dir string) (*chromem.DB, *chromem.Collection, error) {
	db, err := chromem.NewPersistentDB(dir, false)
	if err != nil {
		return nil, nil, err
	}
	// Embeddings are always supplied, so no embedding func is needed
	col, err := db.GetOrCreateCollection(chromemCollection, nil, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("create collection: %w", err)
	}
	return db, col, nil
}

// quarantineDir renames the whole persisted DB directory to a timestamped
// sibling. The persistent DB holds no open files between writes.
func quarantineDir(dir string, now time.Time) (string, error) {
	backup := filepath.Join(filepath.Dir(dir),
		fmt.Sprintf("vector_mismatch_%s.bak", now.Format("20060102150405")))
	if err := os.Rename(dir, backup); err != nil {
		return "", fmt.Errorf("failed to quarantine %s: %w", dir, err)
	}
	return backup, nil
}

// checkPersistedDimension queries an existing collection with a unit probe;
// chromem rejects a query whose length differs from the stored vectors.
func checkPersistedDimension(col *chromem.Collection, dim int) error {
	if col.Count() == 0 {
		return nil
	}
	probe := make([]float32, dim)
	probe[0] = 1
	if _, err := col.QueryEmbedding(context.Background(), probe, 1, nil, nil); err != nil {
		return fmt.Errorf("persisted collection rejected a %d-dimension probe: %w", dim, err)
	}
	return nil
}

func (s *ChromemStore) Dimension() int {
	return s.dim
}

func (s *ChromemStore) Count() int {
	return s.col.Count()
}

// Add stores each vector as a document whose id is its position-derived id
func (s *ChromemStore) Add(ctx context.Context, vectors [][]float32, records []state.MemoryRecord) error {
	if err := checkBatch(s.dim, vectors, records); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	base := s.col.Count()
	for i, v := range vectors {
		rec := records[i]
		doc := chromem.Document{
			ID:        strconv.Itoa(base + i),
			Content:   rec.Text,
			Embedding: append([]float32(nil), v...),
			Metadata:  recordToMetadata(rec),
		}
		if err := s.col.AddDocument(ctx, doc); err != nil {
			return apperrors.NewStoreOperationFailed(apperrors.ErrorTypeVector, "add document", err)
		}
	}
	return nil
}

// Search queries by embedding. chromem requires nResults <= collection size.
func (s *ChromemStore) Search(ctx context.Context, query []float32, k int) ([]Hit, error) {
	if err := checkQuery(s.dim, query); err != nil {
		return nil, err
	}

	n := s.col.Count()
	if n == 0 || k <= 0 {
		return []Hit{}, nil
	}
	if k > n {
		k = n
	}

	results, err := s.col.QueryEmbedding(ctx, query, k, nil, nil)
	if err != nil {
		return nil, apperrors.NewStoreOperationFailed(apperrors.ErrorTypeVector, "query", err)
	}

	hits := make([]Hit, 0, len(results))
	for i, r := range results {
		id, _ := strconv.ParseInt(r.ID, 10, 64)
		hits = append(hits, Hit{
			ID:       id,
			Record:   metadataToRecord(r.Content, r.Metadata),
			Distance: 1 - r.Similarity,
			Rank:     i + 1,
		})
	}
	return hits, nil
}

// Close is a no-op; the persistent DB writes each document on add
func (s *ChromemStore) Close() error {
	return nil
}

const extraPrefix = "x_"

func recordToMetadata(rec state.MemoryRecord) map[string]string {
	md := map[string]string{
		"record_id": rec.ID,
		"mode":      rec.Mode,
		"timestamp": rec.Timestamp.Format(time.RFC3339Nano),
	}
	for k, v := range rec.Extra {
		md[extraPrefix+k] = v
	}
	return md
}

func metadataToRecord(content string, md map[string]string) state.MemoryRecord {
	ts, _ := time.Parse(time.RFC3339Nano, md["timestamp"])
	rec := state.MemoryRecord{
		ID:        md["record_id"],
		Text:      content,
		Mode:      md["mode"],
		Timestamp: ts,
	}
	for k, v := range md {
		if strings.HasPrefix(k, extraPrefix) {
			if rec.Extra == nil {
				rec.Extra = make(map[string]string)
			}
			rec.Extra[strings.TrimPrefix(k, extraPrefix)] = v
		}
	}
	return rec
}
