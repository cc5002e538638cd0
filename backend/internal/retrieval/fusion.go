package retrieval

import (
	"sort"

	"synthmemory/backend/internal/state"
	"synthmemory/backend/internal/vector"
)

// Fuse merges the two ranked lists with Reciprocal Rank Fusion. A hit at
// 0-based rank r adds 1/(rrfK+r+1) to its id; ids found by both sources add
// up. Vector metadata wins when an id is in both lists. Ties keep first
// encounter order, vector list first. A nameless graph node gets empty text
// so it is never recalled as a bare id. The result holds at most
// min(vectorK+len(graphHits), 2*vectorK) hits.
func Fuse(vectorHits []vector.Hit, graphHits []state.Neighbor, rrfK, vectorK int) []state.RetrievalHit {
	type entry struct {
		hit   state.RetrievalHit
		order int
	}
	byID := make(map[string]*entry)
	var order []string

	add := func(id string, rank int) *entry {
		e, ok := byID[id]
		if !ok {
			e = &entry{order: len(order)}
			e.hit.ID = id
			byID[id] = e
			order = append(order, id)
		}
		e.hit.Score += 1.0 / float64(rrfK+rank+1)
		return e
	}

	for rank, h := range vectorHits {
		id := h.Record.ID
		if id == "" {
			continue
		}
		e := add(id, rank)
		if e.hit.Metadata == nil {
			e.hit.Metadata = h.Record.Metadata()
			e.hit.Metadata["source"] = state.SourceVector
			e.hit.Metadata["distance"] = h.Distance
			e.hit.Source = state.SourceVector
		}
	}

	for rank, n := range graphHits {
		if n.ID == "" {
			continue
		}
		e := add(n.ID, rank)
		if e.hit.Metadata == nil {
			typ := n.Type
			if typ == "" {
				typ = "Unknown"
			}
			e.hit.Metadata = map[string]interface{}{
				"id":     n.ID,
				"text":   n.Name,
				"type":   typ,
				"source": state.SourceGraph,
			}
			e.hit.Source = state.SourceGraph
		}
	}

	out := make([]state.RetrievalHit, 0, len(order))
	for _, id := range order {
		out = append(out, byID[id].hit)
	}
	// stable sort keeps encounter order among equal scores
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })

	if limit := OutputLimit(vectorK, len(graphHits)); len(out) > limit {
		out = out[:limit]
	}
	return out
}

// OutputLimit is min(vectorK+graphCount, 2*vectorK)
func OutputLimit(vectorK, graphCount int) int {
	limit := vectorK + graphCount
	if limit > 2*vectorK {
		limit = 2 * vectorK
	}
	return limit
}
