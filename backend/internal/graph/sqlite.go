package graph

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"synthmemory/backend/internal/state"
	apperrors "synthmemory/backend/pkg/errors"
	"synthmemory/backend/pkg/logger"
)

const graphDBFile = "graph.db"

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS Entity (
		id   TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		type TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS Community (
		id           INTEGER PRIMARY KEY,
		summary      TEXT NOT NULL DEFAULT '',
		last_updated TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS RelatedTo (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		src        TEXT NOT NULL,
		dst        TEXT NOT NULL,
		type       TEXT NOT NULL,
		weight     REAL NOT NULL DEFAULT 1.0,
		confidence REAL NOT NULL DEFAULT 1.0,
		valid_from TEXT NOT NULL,
		valid_to   TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_relatedto_src ON RelatedTo(src)`,
	`CREATE INDEX IF NOT EXISTS idx_relatedto_dst ON RelatedTo(dst)`,
	`CREATE TABLE IF NOT EXISTS MemberOf (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		entity_id    TEXT NOT NULL,
		community_id INTEGER NOT NULL,
		UNIQUE (entity_id, community_id)
	)`,
}

// columns each table must carry for the queries below to work
var sqliteColumns = map[string][]string{
	"Entity":    {"id", "name", "type"},
	"Community": {"id", "summary", "last_updated"},
	"RelatedTo": {"id", "src", "dst", "type", "weight", "confidence", "valid_from", "valid_to"},
	"MemberOf":  {"id", "entity_id", "community_id"},
}

// SQLiteStore keeps the graph in an embedded SQLite database inside dir
type SQLiteStore struct {
	db     *sql.DB
	path   string
	mu     sync.Mutex // serialises mutations
	cache  *communityCache
	logger *zap.Logger

	schemaErr error
}

// NewSQLiteStore opens or creates dir/graph.db. An incompatible existing
// schema is reported as a warning; the store still opens.
func NewSQLiteStore(ctx context.Context, dir string) (*SQLiteStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, apperrors.NewStoreUnavailable(apperrors.ErrorTypeGraph, "sqlite",
			fmt.Errorf("failed to create graph dir: %w", err))
	}

	path := filepath.Join(dir, graphDBFile)
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, apperrors.NewStoreUnavailable(apperrors.ErrorTypeGraph, "sqlite", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, apperrors.NewStoreUnavailable(apperrors.ErrorTypeGraph, "sqlite", err)
	}

	cache, err := newCommunityCache()
	if err != nil {
		db.Close()
		return nil, apperrors.NewStoreUnavailable(apperrors.ErrorTypeGraph, "sqlite",
			fmt.Errorf("failed to create community cache: %w", err))
	}

	s := &SQLiteStore{
		db:     db,
		path:   path,
		cache:  cache,
		logger: logger.Component("graph"),
	}

	if err := s.initSchema(ctx); err != nil {
		s.schemaErr = err
		s.logger.Warn("Graph schema is incompatible; rebuild the graph store",
			zap.String("path", path),
			zap.Error(err),
		)
	}

	s.logger.Info("Graph store opened", zap.String("backend", "sqlite"), zap.String("path", path))
	return s, nil
}

// SchemaError returns the schema problem found at startup, if any
func (s *SQLiteStore) SchemaError() error {
	return s.schemaErr
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	for _, stmt := range sqliteSchema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			if strings.Contains(err.Error(), "already exists") {
				continue
			}
			return apperrors.NewSchemaCorruption("create table", err)
		}
	}

	for table, want := range sqliteColumns {
		have, err := s.tableColumns(ctx, table)
		if err != nil {
			return apperrors.NewSchemaCorruption("inspect "+table, err)
		}
		for _, col := range want {
			if !have[col] {
				return apperrors.NewSchemaCorruption(fmt.Sprintf("%s is missing column %s", table, col), nil)
			}
		}
	}
	return nil
}

func (s *SQLiteStore) tableColumns(ctx context.Context, table string) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols := make(map[string]bool)
	for rows.Next() {
		var (
			cid       int
			name      string
			colType   string
			notNull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dfltValue, &pk); err != nil {
			return nil, err
		}
		cols[name] = true
	}
	return cols, rows.Err()
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	s.cache.close()
	return s.db.Close()
}

func (s *SQLiteStore) UpsertEntity(ctx context.Context, id, name, entityType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO Entity (id, name, type) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, type = excluded.type`,
		id, name, entityType)
	if err != nil {
		return failed(s.logger, "upsert entity", err)
	}
	return nil
}

func (s *SQLiteStore) UpsertCommunity(ctx context.Context, id int64, summary string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO Community (id, summary, last_updated) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET summary = excluded.summary, last_updated = excluded.last_updated`,
		id, summary, formatTime(time.Now()))
	if err != nil {
		return failed(s.logger, "upsert community", err)
	}
	return nil
}

func (s *SQLiteStore) SetMembership(ctx context.Context, entityID string, communityID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return failed(s.logger, "set membership", err)
	}
	defer tx.Rollback()

	stmts := []struct {
		query string
		args  []interface{}
	}{
		{`INSERT INTO Entity (id) VALUES (?) ON CONFLICT(id) DO NOTHING`, []interface{}{entityID}},
		{`INSERT INTO Community (id, last_updated) VALUES (?, ?) ON CONFLICT(id) DO NOTHING`, []interface{}{communityID, formatTime(time.Now())}},
		// an entity belongs to one community; moving it drops the old edge
		{`DELETE FROM MemberOf WHERE entity_id = ? AND community_id <> ?`, []interface{}{entityID, communityID}},
		{`INSERT OR IGNORE INTO MemberOf (entity_id, community_id) VALUES (?, ?)`, []interface{}{entityID, communityID}},
	}
	for _, st := range stmts {
		if _, err := tx.ExecContext(ctx, st.query, st.args...); err != nil {
			return failed(s.logger, "set membership", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return failed(s.logger, "set membership", err)
	}

	s.cache.set(entityID, communityID)
	return nil
}

func (s *SQLiteStore) AddRelation(ctx context.Context, rel state.Relation) error {
	rel = normalizeRelation(rel)
	if err := rel.Validate(); err != nil {
		return failed(s.logger, "add relation", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return failed(s.logger, "add relation", err)
	}
	defer tx.Rollback()

	for _, id := range []string{rel.Src, rel.Dst} {
		if _, err := tx.ExecContext(ctx, `INSERT INTO Entity (id) VALUES (?) ON CONFLICT(id) DO NOTHING`, id); err != nil {
			return failed(s.logger, "add relation", err)
		}
	}

	var validTo interface{}
	if rel.ValidTo != nil {
		validTo = formatTime(*rel.ValidTo)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO RelatedTo (src, dst, type, weight, confidence, valid_from, valid_to)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rel.Src, rel.Dst, rel.Type, rel.Weight, rel.Confidence, formatTime(rel.ValidFrom), validTo)
	if err != nil {
		return failed(s.logger, "add relation", err)
	}

	if err := tx.Commit(); err != nil {
		return failed(s.logger, "add relation", err)
	}
	return nil
}

func (s *SQLiteStore) GetCommunityID(ctx context.Context, entityID string) (int64, bool, error) {
	if id, ok := s.cache.get(entityID); ok {
		return id, true, nil
	}

	var id int64
	err := s.db.QueryRowContext(ctx, `
		SELECT community_id FROM MemberOf WHERE entity_id = ?
		ORDER BY id DESC LIMIT 1`, entityID).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, failed(s.logger, "get community", err)
	}

	s.cache.set(entityID, id)
	return id, true, nil
}

const traverseQuery = `
	WITH RECURSIVE walk(id, depth) AS (
		SELECT ?1, 0
		UNION
		SELECT r.dst, w.depth + 1 FROM walk w JOIN RelatedTo r ON r.src = w.id WHERE w.depth < ?2
		UNION
		SELECT r.src, w.depth + 1 FROM walk w JOIN RelatedTo r ON r.dst = w.id WHERE w.depth < ?2
	)
	SELECT n.id, n.name, n.type
	FROM walk w JOIN Entity n ON n.id = w.id
	WHERE w.id <> ?1 %s
	GROUP BY n.id
	ORDER BY MIN(w.depth), n.id
	LIMIT ?3`

const communityFilter = `AND EXISTS (SELECT 1 FROM MemberOf m WHERE m.entity_id = n.id AND m.community_id = ?4)`

func (s *SQLiteStore) TraverseBounded(ctx context.Context, startID string, depth, limit int) ([]state.Neighbor, error) {
	if depth < 1 || startID == "" {
		return []state.Neighbor{}, nil
	}

	cid, scoped, err := s.GetCommunityID(ctx, startID)
	if err != nil {
		// an unknown community widens the walk rather than failing it
		s.logger.Debug("Community lookup failed, traversing unscoped", zap.Error(err))
		scoped = false
	}

	args := []interface{}{startID, depth, clampLimit(limit)}
	filter := ""
	if scoped {
		filter = communityFilter
		args = append(args, cid)
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(traverseQuery, filter), args...)
	if err != nil {
		return []state.Neighbor{}, failed(s.logger, "traverse", err)
	}
	defer rows.Close()

	out := []state.Neighbor{}
	for rows.Next() {
		var n state.Neighbor
		if err := rows.Scan(&n.ID, &n.Name, &n.Type); err != nil {
			return []state.Neighbor{}, failed(s.logger, "traverse", err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return []state.Neighbor{}, failed(s.logger, "traverse", err)
	}
	return out, nil
}

func (s *SQLiteStore) GetEntity(ctx context.Context, id string) (*state.Entity, error) {
	var e state.Entity
	err := s.db.QueryRowContext(ctx, `SELECT id, name, type FROM Entity WHERE id = ?`, id).
		Scan(&e.ID, &e.Name, &e.Type)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, failed(s.logger, "get entity", err)
	}
	return &e, nil
}

func (s *SQLiteStore) Relations(ctx context.Context, entityID string, at *time.Time) ([]state.Relation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT src, dst, type, weight, confidence, valid_from, valid_to
		FROM RelatedTo WHERE src = ? OR dst = ?
		ORDER BY id`, entityID, entityID)
	if err != nil {
		return []state.Relation{}, failed(s.logger, "relations", err)
	}
	defer rows.Close()

	out := []state.Relation{}
	for rows.Next() {
		var (
			rel       state.Relation
			validFrom string
			validTo   sql.NullString
		)
		if err := rows.Scan(&rel.Src, &rel.Dst, &rel.Type, &rel.Weight, &rel.Confidence, &validFrom, &validTo); err != nil {
			return []state.Relation{}, failed(s.logger, "relations", err)
		}
		rel.ValidFrom = parseTime(validFrom)
		if validTo.Valid {
			vt := parseTime(validTo.String)
			rel.ValidTo = &vt
		}
		if at != nil && !rel.ValidAt(*at) {
			continue
		}
		out = append(out, rel)
	}
	if err := rows.Err(); err != nil {
		return []state.Relation{}, failed(s.logger, "relations", err)
	}
	return out, nil
}

func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM Entity),
			(SELECT COUNT(*) FROM Community),
			(SELECT COUNT(*) FROM RelatedTo),
			(SELECT COUNT(*) FROM MemberOf)`).
		Scan(&st.Entities, &st.Communities, &st.Relations, &st.Memberships)
	if err != nil {
		return Stats{}, failed(s.logger, "stats", err)
	}
	return st, nil
}
