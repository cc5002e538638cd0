package vector

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"synthmemory/backend/internal/state"
	apperrors "synthmemory/backend/pkg/errors"
	"synthmemory/backend/pkg/logger"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	indexFile = "vector.index"
	metaFile  = "vector.meta"

	indexMagic   = "SYVI"
	indexVersion = uint32(1)

	// magic, version, dim, offset, count
	indexHeaderSize = 4 + 4 + 4 + 8 + 8
)

// FlatStore is an exact squared-L2 index. Every Add rewrites the index and
// metadata files in full.
type FlatStore struct {
	dir    string
	dim    int
	offset int64

	mu      sync.RWMutex
	ids     []int64
	data    []float32 // row-major, len(ids) * dim
	records []state.MemoryRecord

	logger *zap.Logger
	now    func() time.Time
}

// NewFlatStore opens or creates the store in dir. A persisted index with a
// different dimension, or one that cannot be read, is renamed aside and the
// store starts empty.
func NewFlatStore(dir string, dim int) (*FlatStore, error) {
	if dim < 1 {
		return nil, apperrors.NewStoreUnavailable(apperrors.ErrorTypeVector, "flat",
			fmt.Errorf("invalid dimension %d", dim))
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, apperrors.NewStoreUnavailable(apperrors.ErrorTypeVector, "flat",
			fmt.Errorf("failed to create store dir: %w", err))
	}

	s := &FlatStore{
		dir:    dir,
		dim:    dim,
		logger: logger.Component("vector"),
		now:    time.Now,
	}

	if err := s.load(); err != nil {
		var mismatch *apperrors.ErrDimensionMismatch
		if errors.As(err, &mismatch) {
			s.logger.Error("Persisted vector index has wrong dimension, quarantining",
				zap.Int("expected", mismatch.Expected),
				zap.Int("found", mismatch.Got),
			)
		} else {
			s.logger.Error("Persisted vector index is unreadable, quarantining", zap.Error(err))
		}
		if qerr := s.quarantine(); qerr != nil {
			return nil, apperrors.NewStoreUnavailable(apperrors.ErrorTypeVector, "flat", qerr)
		}
		s.reset()
	}

	s.logger.Info("Vector store opened",
		zap.String("dir", dir),
		zap.Int("dimension", dim),
		zap.Int("count", len(s.ids)),
	)
	return s, nil
}

func (s *FlatStore) reset() {
	s.offset = 0
	s.ids = nil
	s.data = nil
	s.records = nil
}

// Dimension returns the fixed vector size
func (s *FlatStore) Dimension() int {
	return s.dim
}

// Count returns the number of stored vectors
func (s *FlatStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ids)
}

// Add appends the batch and flushes the full state
func (s *FlatStore) Add(ctx context.Context, vectors [][]float32, records []state.MemoryRecord) error {
	if err := checkBatch(s.dim, vectors, records); err != nil {
		return err
	}
	if len(vectors) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.ids)
	base := int64(n) + s.offset
	for i, v := range vectors {
		s.ids = append(s.ids, base+int64(i))
		s.data = append(s.data, v...)
		s.records = append(s.records, records[i])
	}

	if err := s.flush(); err != nil {
		// roll back so memory matches disk
		s.ids = s.ids[:n]
		s.data = s.data[:n*s.dim]
		s.records = s.records[:n]
		return apperrors.NewStoreOperationFailed(apperrors.ErrorTypeVector, "flush", err)
	}

	s.logger.Debug("Vectors added",
		zap.Int("added", len(vectors)),
		zap.Int("total", len(s.ids)),
	)
	return nil
}

// Search returns the k nearest records by squared L2 distance
func (s *FlatStore) Search(ctx context.Context, query []float32, k int) ([]Hit, error) {
	if err := checkQuery(s.dim, query); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	n := len(s.ids)
	if n == 0 || k <= 0 {
		return []Hit{}, nil
	}

	type scored struct {
		idx  int
		dist float32
	}
	all := make([]scored, n)
	for i := 0; i < n; i++ {
		row := s.data[i*s.dim : (i+1)*s.dim]
		var d float32
		for j, q := range query {
			diff := row[j] - q
			d += diff * diff
		}
		all[i] = scored{idx: i, dist: d}
	}
	sort.SliceStable(all, func(a, b int) bool { return all[a].dist < all[b].dist })

	if k > n {
		k = n
	}
	hits := make([]Hit, k)
	for r := 0; r < k; r++ {
		sc := all[r]
		hits[r] = Hit{
			ID:       s.ids[sc.idx],
			Record:   s.records[sc.idx],
			Distance: sc.dist,
			Rank:     r + 1,
		}
	}
	return hits, nil
}

// Close is a no-op; every Add is already durable
func (s *FlatStore) Close() error {
	return nil
}

// flush writes both files to temp names and renames them into place
func (s *FlatStore) flush() error {
	indexPath := filepath.Join(s.dir, indexFile)
	metaPath := filepath.Join(s.dir, metaFile)

	if err := writeAtomic(indexPath, s.writeIndex); err != nil {
		return fmt.Errorf("failed to write index: %w", err)
	}
	if err := writeAtomic(metaPath, func(w io.Writer) error {
		return json.NewEncoder(w).Encode(s.records)
	}); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	return nil
}

func (s *FlatStore) writeIndex(w io.Writer) error {
	if _, err := io.WriteString(w, indexMagic); err != nil {
		return err
	}
	header := []interface{}{
		indexVersion,
		uint32(s.dim),
		s.offset,
		uint64(len(s.ids)),
	}
	for _, v := range header {
		if err := binary.Write(w, binary.LittleEndian, v); err != nil {
			return err
		}
	}
	if err := binary.Write(w, binary.LittleEndian, s.ids); err != nil {
		return err
	}
	return binary.Write(w, binary.LittleEndian, s.data)
}

func writeAtomic(path string, write func(io.Writer) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	bw := bufio.NewWriter(tmp)
	if err := write(bw); err != nil {
		tmp.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// load reads persisted state. Missing files mean an empty store.
func (s *FlatStore) load() error {
	indexPath := filepath.Join(s.dir, indexFile)
	metaPath := filepath.Join(s.dir, metaFile)

	f, err := os.Open(indexPath)
	if os.IsNotExist(err) {
		if _, statErr := os.Stat(metaPath); statErr == nil {
			return fmt.Errorf("metadata file present without index")
		}
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()
	r := bufio.NewReader(f)

	magic := make([]byte, len(indexMagic))
	if _, err := io.ReadFull(r, magic); err != nil || string(magic) != indexMagic {
		return fmt.Errorf("bad index header")
	}

	var (
		version uint32
		dim     uint32
		offset  int64
		count   uint64
	)
	for _, v := range []interface{}{&version, &dim, &offset, &count} {
		if err := binary.Read(r, binary.LittleEndian, v); err != nil {
			return fmt.Errorf("failed to read index header: %w", err)
		}
	}
	if version != indexVersion {
		return fmt.Errorf("unsupported index version %d", version)
	}
	if int(dim) != s.dim {
		return apperrors.NewDimensionMismatch(s.dim, int(dim))
	}

	// a corrupt count must not drive the allocations below
	info, err := f.Stat()
	if err != nil {
		return err
	}
	want := int64(indexHeaderSize) + int64(count)*8 + int64(count)*int64(s.dim)*4
	if count > uint64(info.Size()) || info.Size() != want {
		return fmt.Errorf("index size %d does not match %d vectors", info.Size(), count)
	}

	ids := make([]int64, count)
	if err := binary.Read(r, binary.LittleEndian, ids); err != nil {
		return fmt.Errorf("failed to read ids: %w", err)
	}
	data := make([]float32, int(count)*s.dim)
	if err := binary.Read(r, binary.LittleEndian, data); err != nil {
		return fmt.Errorf("failed to read vectors: %w", err)
	}

	raw, err := os.ReadFile(metaPath)
	if err != nil {
		return fmt.Errorf("failed to read metadata: %w", err)
	}
	var records []state.MemoryRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		return fmt.Errorf("failed to parse metadata: %w", err)
	}
	if uint64(len(records)) != count {
		return fmt.Errorf("index holds %d vectors but metadata holds %d records", count, len(records))
	}

	s.offset = offset
	s.ids = ids
	s.data = data
	s.records = records
	return nil
}

// quarantine renames the persisted files aside with a timestamp
func (s *FlatStore) quarantine() error {
	stamp := s.now().Format("20060102150405")
	moves := map[string]string{
		indexFile: fmt.Sprintf("vector_mismatch_%s.bak", stamp),
		metaFile:  fmt.Sprintf("vector_mismatch_%s.meta.bak", stamp),
	}
	for from, to := range moves {
		src := filepath.Join(s.dir, from)
		if _, err := os.Stat(src); os.IsNotExist(err) {
			continue
		}
		dst := filepath.Join(s.dir, to)
		if err := os.Rename(src, dst); err != nil {
			return fmt.Errorf("failed to quarantine %s: %w", from, err)
		}
		s.logger.Warn("Vector file moved aside", zap.String("backup", dst))
	}
	return nil
}
