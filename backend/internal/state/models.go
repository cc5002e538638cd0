package state

import (
	"fmt"
	"strings"
	"time"
)

// MemoryRecord is one ingested message. It is the metadata item stored in
// parallel with each vector and is never modified after it is written.
type MemoryRecord struct {
	ID        string            `json:"id"`
	Text      string            `json:"text"` // already redacted
	Mode      string            `json:"mode"`
	Timestamp time.Time         `json:"timestamp"`
	Extra     map[string]string `json:"extra,omitempty"`
}

// Metadata flattens the record into the map handed back with retrieval hits
func (r MemoryRecord) Metadata() map[string]interface{} {
	md := map[string]interface{}{
		"id":        r.ID,
		"text":      r.Text,
		"mode":      r.Mode,
		"timestamp": r.Timestamp.Format(time.RFC3339),
	}
	for k, v := range r.Extra {
		if _, taken := md[k]; !taken {
			md[k] = v
		}
	}
	return md
}

// Entity is a graph node keyed by its normalized name
type Entity struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

// Relation is an append-only, bi-temporal RelatedTo edge.
// ValidTo == nil means the relation is still valid.
type Relation struct {
	Src        string     `json:"src"`
	Dst        string     `json:"dst"`
	Type       string     `json:"type"`
	Weight     float64    `json:"weight"`
	Confidence float64    `json:"confidence"`
	ValidFrom  time.Time  `json:"valid_from"`
	ValidTo    *time.Time `json:"valid_to,omitempty"`
}

// ValidAt reports whether the relation's validity window covers t
func (r Relation) ValidAt(t time.Time) bool {
	if t.Before(r.ValidFrom) {
		return false
	}
	return r.ValidTo == nil || t.Before(*r.ValidTo)
}

// Validate checks the fields every stored relation must carry
func (r Relation) Validate() error {
	if r.Src == "" || r.Dst == "" {
		return ErrInvalidRelation{Reason: "src and dst cannot be empty"}
	}
	if r.Type == "" {
		return ErrInvalidRelation{Reason: "type cannot be empty"}
	}
	if r.ValidTo != nil && r.ValidTo.Before(r.ValidFrom) {
		return ErrInvalidRelation{Reason: "valid_to precedes valid_from"}
	}
	return nil
}

// Community bounds traversal scope. Membership is a separate MemberOf edge.
type Community struct {
	ID          int64     `json:"id"`
	Summary     string    `json:"summary"`
	LastUpdated time.Time `json:"last_updated"`
}

// Neighbor is one row returned by a bounded traversal
type Neighbor struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

// ExtractedEntity is one entity reported by an extractor.
// A zero Score means the extractor reported no score.
type ExtractedEntity struct {
	Text  string  `json:"text"`
	Label string  `json:"label"`
	Score float64 `json:"score,omitempty"`
}

// Hit sources
const (
	SourceVector = "vector"
	SourceGraph  = "graph"
)

// RetrievalHit is one fused result. Produced per query, never persisted.
type RetrievalHit struct {
	ID       string                 `json:"id"`
	Score    float64                `json:"score"`
	Metadata map[string]interface{} `json:"metadata"`
	Source   string                 `json:"source"`
}

// Text returns the hit's recallable text, or "" when it has none
func (h RetrievalHit) Text() string {
	if s, ok := h.Metadata["text"].(string); ok {
		return s
	}
	return ""
}

// NormalizeEntityID turns extracted entity text into its graph merge key
func NormalizeEntityID(text string) string {
	return strings.ToLower(strings.TrimSpace(text))
}

// Errors

type ErrInvalidRelation struct {
	Reason string
}

func (e ErrInvalidRelation) Error() string {
	return fmt.Sprintf("invalid relation: %s", e.Reason)
}
