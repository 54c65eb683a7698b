package retrieval

import (
	"context"
	"fmt"
	"sort"

	"compass/internal/logging"
)

// Result is one retrieved item after fusion.
type Result struct {
	ID       string            `json:"id"`
	Content  string            `json:"content"`
	Score    float64           `json:"score"`
	Sources  []string          `json:"sources"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Query describes one retrieval request. Filter restricts vector candidates
// by exact metadata match before scoring.
type Query struct {
	Text    string
	TopK    int
	Filter  map[string]string
	MaxHops int
}

// Hybrid fuses vector similarity search with knowledge graph traversal.
// Vector hits carry the configured vector weight, graph hits the graph
// weight; an item found by both keeps the higher weighted score. Output
// ordering is deterministic: score descending, ID ascending on ties.
type Hybrid struct {
	vectors      VectorStore
	graph        *Graph
	vectorWeight float64
	graphWeight  float64
	logger       logging.Logger
}

// NewHybrid constructs the retriever. Weights are normalized so callers can
// pass any positive pair.
func NewHybrid(vectors VectorStore, graph *Graph, vectorWeight, graphWeight float64) (*Hybrid, error) {
	total := vectorWeight + graphWeight
	if total <= 0 {
		return nil, fmt.Errorf("retrieval weights must sum to a positive value")
	}
	return &Hybrid{
		vectors:      vectors,
		graph:        graph,
		vectorWeight: vectorWeight / total,
		graphWeight:  graphWeight / total,
		logger:       logging.NewComponentLogger("HybridRetriever"),
	}, nil
}

// Retrieve runs both retrieval arms and fuses the results.
func (h *Hybrid) Retrieve(ctx context.Context, q Query) ([]Result, error) {
	if q.Text == "" {
		return nil, nil
	}
	topK := q.TopK
	if topK <= 0 {
		topK = 5
	}
	maxHops := q.MaxHops
	if maxHops <= 0 {
		maxHops = 2
	}

	merged := make(map[string]*Result)

	vectorHits, err := h.vectors.Search(ctx, q.Text, topK, q.Filter)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	for _, hit := range vectorHits {
		score := h.vectorWeight * float64(hit.Similarity)
		merged[hit.Document.ID] = &Result{
			ID:       hit.Document.ID,
			Content:  hit.Document.Content,
			Score:    score,
			Sources:  []string{"vector"},
			Metadata: hit.Document.Metadata,
		}
	}

	seeds := h.graph.Seeds(q.Text)
	graphHits := h.graph.Traverse(seeds, maxHops)
	for _, hit := range graphHits {
		if !matchesFilter(hit.Node.Metadata, q.Filter) {
			continue
		}
		score := h.graphWeight * hit.Score
		existing, ok := merged[hit.Node.ID]
		if !ok {
			merged[hit.Node.ID] = &Result{
				ID:       hit.Node.ID,
				Content:  hit.Node.Content,
				Score:    score,
				Sources:  []string{"graph"},
				Metadata: hit.Node.Metadata,
			}
			continue
		}
		// Same item found by both arms: keep the higher score, remember
		// both provenances.
		existing.Sources = append(existing.Sources, "graph")
		if score > existing.Score {
			existing.Score = score
		}
	}

	out := make([]Result, 0, len(merged))
	for _, r := range merged {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score == out[j].Score {
			return out[i].ID < out[j].ID
		}
		return out[i].Score > out[j].Score
	})
	if len(out) > topK {
		out = out[:topK]
	}

	h.logger.Debug("query %q: %d vector + %d graph hits -> %d results",
		q.Text, len(vectorHits), len(graphHits), len(out))
	return out, nil
}

// matchesFilter applies the same exact-match metadata semantics the vector
// arm gets from its store, so filtering happens before fusion on both arms.
func matchesFilter(metadata, filter map[string]string) bool {
	for k, want := range filter {
		if metadata[k] != want {
			return false
		}
	}
	return true
}
