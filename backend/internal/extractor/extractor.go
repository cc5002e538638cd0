package extractor

import (
	"context"
	"strings"

	"synthmemory/backend/internal/state"
)

// Extractor finds named entities in text. Implementations must be safe to
// abandon mid-call: a caller may stop waiting when its deadline passes.
type Extractor interface {
	Extract(ctx context.Context, text string, labels []string, threshold float64) ([]state.ExtractedEntity, error)
}

// HeuristicExtractor treats capitalised words longer than two characters as
// CONCEPT entities. It is used when no model endpoint is configured.
type HeuristicExtractor struct{}

// NewHeuristic creates a heuristic extractor
func NewHeuristic() *HeuristicExtractor {
	return &HeuristicExtractor{}
}

const heuristicLabel = "CONCEPT"

// Extract ignores labels and threshold; the heuristic reports no score
func (h *HeuristicExtractor) Extract(ctx context.Context, text string, labels []string, threshold float64) ([]state.ExtractedEntity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []state.ExtractedEntity
	seen := make(map[string]bool)
	for _, word := range strings.Fields(text) {
		word = strings.Trim(word, "?!.,;:\"'()[]")
		if len(word) <= 2 || !startsUpper(word) {
			continue
		}
		key := state.NormalizeEntityID(word)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, state.ExtractedEntity{Text: word, Label: heuristicLabel})
	}
	return out, nil
}

func startsUpper(word string) bool {
	c := word[0]
	return c >= 'A' && c <= 'Z'
}

// Static returns a fixed result. Handy for wiring tests and offline demos.
type Static struct {
	Entities []state.ExtractedEntity
	Err      error
}

// Extract returns the configured entities
func (s Static) Extract(ctx context.Context, text string, labels []string, threshold float64) ([]state.ExtractedEntity, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	return append([]state.ExtractedEntity(nil), s.Entities...), nil
}
