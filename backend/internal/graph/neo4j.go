package graph

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"synthmemory/backend/internal/state"
	apperrors "synthmemory/backend/pkg/errors"
	"synthmemory/backend/pkg/logger"
)

var neo4jSchema = []string{
	"CREATE CONSTRAINT entity_id IF NOT EXISTS FOR (e:Entity) REQUIRE e.id IS UNIQUE",
	"CREATE CONSTRAINT community_id IF NOT EXISTS FOR (c:Community) REQUIRE c.id IS UNIQUE",
}

// Neo4jStore keeps the graph in a Neo4j server. Labels and relationship
// types mirror the embedded schema: Entity, Community, RelatedTo, MemberOf.
type Neo4jStore struct {
	driver neo4j.DriverWithContext
	mu     sync.Mutex // serialises mutations
	cache  *communityCache
	logger *zap.Logger

	schemaErr error
}

// NewNeo4jStore connects and bootstraps constraints
func NewNeo4jStore(ctx context.Context, uri, user, password string) (*Neo4jStore, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(user, password, ""))
	if err != nil {
		return nil, apperrors.NewStoreUnavailable(apperrors.ErrorTypeGraph, "neo4j", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, apperrors.NewStoreUnavailable(apperrors.ErrorTypeGraph, "neo4j", err)
	}

	return newNeo4jStore(ctx, driver)
}

func newNeo4jStore(ctx context.Context, driver neo4j.DriverWithContext) (*Neo4jStore, error) {
	cache, err := newCommunityCache()
	if err != nil {
		return nil, apperrors.NewStoreUnavailable(apperrors.ErrorTypeGraph, "neo4j",
			fmt.Errorf("failed to create community cache: %w", err))
	}

	s := &Neo4jStore{
		driver: driver,
		cache:  cache,
		logger: logger.Component("graph"),
	}

	if err := s.initSchema(ctx); err != nil {
		s.schemaErr = err
		s.logger.Warn("Graph schema is incompatible; rebuild the graph store", zap.Error(err))
	}

	s.logger.Info("Graph store opened", zap.String("backend", "neo4j"))
	return s, nil
}

// SchemaError returns the schema problem found at startup, if any
func (s *Neo4jStore) SchemaError() error {
	return s.schemaErr
}

func (s *Neo4jStore) initSchema(ctx context.Context) error {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	for _, stmt := range neo4jSchema {
		result, err := session.Run(ctx, stmt, nil)
		if err == nil {
			_, err = result.Consume(ctx)
		}
		if err != nil {
			if strings.Contains(err.Error(), "already exists") || strings.Contains(err.Error(), "EquivalentSchemaRule") {
				continue
			}
			return apperrors.NewSchemaCorruption("create constraint", err)
		}
	}
	return nil
}

// Close closes the Neo4j driver connection
func (s *Neo4jStore) Close() error {
	s.cache.close()
	return s.driver.Close(context.Background())
}

// write runs a statement in a write session under the store mutex
func (s *Neo4jStore) write(ctx context.Context, op, query string, params map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	result, err := session.Run(ctx, query, params)
	if err != nil {
		return failed(s.logger, op, err)
	}
	if _, err := result.Consume(ctx); err != nil {
		return failed(s.logger, op, err)
	}
	return nil
}

// read collects every record of a read query
func (s *Neo4jStore) read(ctx context.Context, query string, params map[string]interface{}) ([]*neo4j.Record, error) {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.Run(ctx, query, params)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}

	var records []*neo4j.Record
	for result.Next(ctx) {
		records = append(records, result.Record())
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("failed to fetch records: %w", err)
	}
	return records, nil
}

func (s *Neo4jStore) UpsertEntity(ctx context.Context, id, name, entityType string) error {
	return s.write(ctx, "upsert entity", `
		MERGE (e:Entity {id: $id})
		SET e.name = $name, e.type = $type
	`, map[string]interface{}{
		"id":   id,
		"name": name,
		"type": entityType,
	})
}

func (s *Neo4jStore) UpsertCommunity(ctx context.Context, id int64, summary string) error {
	return s.write(ctx, "upsert community", `
		MERGE (c:Community {id: $id})
		SET c.summary = $summary, c.last_updated = datetime()
	`, map[string]interface{}{
		"id":      id,
		"summary": summary,
	})
}

func (s *Neo4jStore) SetMembership(ctx context.Context, entityID string, communityID int64) error {
	err := s.write(ctx, "set membership", `
		MERGE (e:Entity {id: $entityID})
		ON CREATE SET e.name = '', e.type = ''
		WITH e
		OPTIONAL MATCH (e)-[old:MemberOf]->(prev:Community)
		WHERE prev.id <> $communityID
		DELETE old
		WITH DISTINCT e
		MERGE (c:Community {id: $communityID})
		ON CREATE SET c.summary = '', c.last_updated = datetime()
		MERGE (e)-[m:MemberOf]->(c)
		ON CREATE SET m.created_at = datetime()
	`, map[string]interface{}{
		"entityID":    entityID,
		"communityID": communityID,
	})
	if err != nil {
		return err
	}

	s.cache.set(entityID, communityID)
	return nil
}

func (s *Neo4jStore) AddRelation(ctx context.Context, rel state.Relation) error {
	rel = normalizeRelation(rel)
	if err := rel.Validate(); err != nil {
		return failed(s.logger, "add relation", err)
	}

	params := map[string]interface{}{
		"src":        rel.Src,
		"dst":        rel.Dst,
		"type":       rel.Type,
		"weight":     rel.Weight,
		"confidence": rel.Confidence,
		"validFrom":  rel.ValidFrom,
		"validTo":    nil,
	}
	if rel.ValidTo != nil {
		params["validTo"] = *rel.ValidTo
	}

	return s.write(ctx, "add relation", `
		MERGE (a:Entity {id: $src})
		ON CREATE SET a.name = '', a.type = ''
		MERGE (b:Entity {id: $dst})
		ON CREATE SET b.name = '', b.type = ''
		CREATE (a)-[:RelatedTo {
			type: $type,
			weight: $weight,
			confidence: $confidence,
			valid_from: $validFrom,
			valid_to: $validTo
		}]->(b)
	`, params)
}

func (s *Neo4jStore) GetCommunityID(ctx context.Context, entityID string) (int64, bool, error) {
	if id, ok := s.cache.get(entityID); ok {
		return id, true, nil
	}

	records, err := s.read(ctx, `
		MATCH (e:Entity {id: $id})-[m:MemberOf]->(c:Community)
		RETURN c.id AS id
		ORDER BY m.created_at DESC
		LIMIT 1
	`, map[string]interface{}{"id": entityID})
	if err != nil {
		return 0, false, failed(s.logger, "get community", err)
	}
	if len(records) == 0 {
		return 0, false, nil
	}

	id := getInt64FromRecord(records[0], "id")
	s.cache.set(entityID, id)
	return id, true, nil
}

func (s *Neo4jStore) TraverseBounded(ctx context.Context, startID string, depth, limit int) ([]state.Neighbor, error) {
	if depth < 1 || startID == "" {
		return []state.Neighbor{}, nil
	}

	cid, scoped, err := s.GetCommunityID(ctx, startID)
	if err != nil {
		s.logger.Debug("Community lookup failed, traversing unscoped", zap.Error(err))
		scoped = false
	}

	params := map[string]interface{}{
		"id":    startID,
		"limit": int64(clampLimit(limit)),
	}
	filter := ""
	if scoped {
		filter = "AND (n)-[:MemberOf]->(:Community {id: $cid})"
		params["cid"] = cid
	}

	// variable-length bounds cannot be parameters
	query := fmt.Sprintf(`
		MATCH p = (start:Entity {id: $id})-[:RelatedTo*1..%d]-(n:Entity)
		WHERE n.id <> $id %s
		WITH n, min(length(p)) AS hops
		RETURN n.id AS id, n.name AS name, n.type AS type
		ORDER BY hops, id
		LIMIT $limit
	`, depth, filter)

	records, err := s.read(ctx, query, params)
	if err != nil {
		return []state.Neighbor{}, failed(s.logger, "traverse", err)
	}

	out := make([]state.Neighbor, 0, len(records))
	for _, record := range records {
		out = append(out, state.Neighbor{
			ID:   getStringFromRecord(record, "id"),
			Name: getStringFromRecord(record, "name"),
			Type: getStringFromRecord(record, "type"),
		})
	}
	return out, nil
}

func (s *Neo4jStore) GetEntity(ctx context.Context, id string) (*state.Entity, error) {
	records, err := s.read(ctx, `
		MATCH (e:Entity {id: $id})
		RETURN e.id AS id, e.name AS name, e.type AS type
	`, map[string]interface{}{"id": id})
	if err != nil {
		return nil, failed(s.logger, "get entity", err)
	}
	if len(records) == 0 {
		return nil, nil
	}
	return &state.Entity{
		ID:   getStringFromRecord(records[0], "id"),
		Name: getStringFromRecord(records[0], "name"),
		Type: getStringFromRecord(records[0], "type"),
	}, nil
}

func (s *Neo4jStore) Relations(ctx context.Context, entityID string, at *time.Time) ([]state.Relation, error) {
	records, err := s.read(ctx, `
		MATCH (a:Entity)-[r:RelatedTo]->(b:Entity)
		WHERE a.id = $id OR b.id = $id
		RETURN a.id AS src, b.id AS dst, r.type AS type, r.weight AS weight,
			r.confidence AS confidence, r.valid_from AS valid_from, r.valid_to AS valid_to
		ORDER BY r.valid_from
	`, map[string]interface{}{"id": entityID})
	if err != nil {
		return []state.Relation{}, failed(s.logger, "relations", err)
	}

	out := make([]state.Relation, 0, len(records))
	for _, record := range records {
		rel := state.Relation{
			Src:        getStringFromRecord(record, "src"),
			Dst:        getStringFromRecord(record, "dst"),
			Type:       getStringFromRecord(record, "type"),
			Weight:     getFloat64FromRecord(record, "weight"),
			Confidence: getFloat64FromRecord(record, "confidence"),
		}
		rel.ValidFrom, _ = getTimeFromRecord(record, "valid_from")
		if vt, ok := getTimeFromRecord(record, "valid_to"); ok {
			rel.ValidTo = &vt
		}
		if at != nil && !rel.ValidAt(*at) {
			continue
		}
		out = append(out, rel)
	}
	return out, nil
}

func (s *Neo4jStore) Stats(ctx context.Context) (Stats, error) {
	records, err := s.read(ctx, `
		CALL { MATCH (e:Entity) RETURN count(e) AS entities }
		CALL { MATCH (c:Community) RETURN count(c) AS communities }
		CALL { MATCH ()-[r:RelatedTo]->() RETURN count(r) AS relations }
		CALL { MATCH ()-[m:MemberOf]->() RETURN count(m) AS memberships }
		RETURN entities, communities, relations, memberships
	`, nil)
	if err != nil {
		return Stats{}, failed(s.logger, "stats", err)
	}
	if len(records) == 0 {
		return Stats{}, nil
	}
	r := records[0]
	return Stats{
		Entities:    getInt64FromRecord(r, "entities"),
		Communities: getInt64FromRecord(r, "communities"),
		Relations:   getInt64FromRecord(r, "relations"),
		Memberships: getInt64FromRecord(r, "memberships"),
	}, nil
}
