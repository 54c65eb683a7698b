package retrieval

import (
	"sort"
	"strings"
	"sync"
)

// Node is an entity in the knowledge graph: a control, a framework, a
// policy, a system.
type Node struct {
	ID       string            `yaml:"id" json:"id"`
	Kind     string            `yaml:"kind" json:"kind"`
	Name     string            `yaml:"name" json:"name"`
	Content  string            `yaml:"content" json:"content"`
	Metadata map[string]string `yaml:"metadata,omitempty" json:"metadata,omitempty"`
}

// Edge is a typed, weighted relation between two nodes. Weight in (0, 1]
// scales how much relevance flows across the edge during traversal.
type Edge struct {
	From   string  `yaml:"from" json:"from"`
	To     string  `yaml:"to" json:"to"`
	Kind   string  `yaml:"kind" json:"kind"`
	Weight float64 `yaml:"weight" json:"weight"`
}

// Graph is an in-memory knowledge graph with undirected traversal over
// directed, typed edges.
type Graph struct {
	mu    sync.RWMutex
	nodes map[string]*Node
	// adjacency by node ID, both directions.
	edges map[string][]Edge
}

// NewGraph constructs an empty graph.
func NewGraph() *Graph {
	return &Graph{
		nodes: make(map[string]*Node),
		edges: make(map[string][]Edge),
	}
}

// AddNode inserts or replaces a node.
func (g *Graph) AddNode(n Node) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nodes[n.ID] = &n
}

// AddEdge links two nodes. Unknown endpoints are tolerated so load order
// does not matter; traversal simply never reaches them.
func (g *Graph) AddEdge(e Edge) {
	if e.Weight <= 0 || e.Weight > 1 {
		e.Weight = 1
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.edges[e.From] = append(g.edges[e.From], e)
	reversed := Edge{From: e.To, To: e.From, Kind: e.Kind, Weight: e.Weight}
	g.edges[e.To] = append(g.edges[e.To], reversed)
}

// Node returns a node by ID.
func (g *Graph) Node(id string) (*Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[id]
	if !ok {
		return nil, false
	}
	out := *n
	return &out, true
}

// Len returns the node count.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// Seeds finds nodes whose ID or name appears in the query text,
// case-insensitively. These anchor graph traversal for a query.
func (g *Graph) Seeds(query string) []string {
	lowered := strings.ToLower(query)

	g.mu.RLock()
	defer g.mu.RUnlock()

	var seeds []string
	for id, n := range g.nodes {
		if strings.Contains(lowered, strings.ToLower(id)) ||
			(n.Name != "" && strings.Contains(lowered, strings.ToLower(n.Name))) {
			seeds = append(seeds, id)
		}
	}
	sort.Strings(seeds)
	return seeds
}

// Scored is a node with its traversal relevance.
type Scored struct {
	Node  Node
	Score float64
}

// Traverse walks outward from the seed nodes up to maxHops, scoring each
// reached node by the strongest path to it: seeds score 1.0 and every hop
// multiplies by the edge weight and a 0.5 hop decay. Results come back
// ordered by score descending, node ID ascending on ties.
func (g *Graph) Traverse(seeds []string, maxHops int) []Scored {
	if maxHops < 0 {
		maxHops = 0
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	const hopDecay = 0.5

	best := make(map[string]float64)
	type frontier struct {
		id    string
		score float64
	}
	var current []frontier
	for _, id := range seeds {
		if _, ok := g.nodes[id]; !ok {
			continue
		}
		if best[id] < 1.0 {
			best[id] = 1.0
			current = append(current, frontier{id: id, score: 1.0})
		}
	}

	for hop := 0; hop < maxHops && len(current) > 0; hop++ {
		var next []frontier
		for _, f := range current {
			for _, e := range g.edges[f.id] {
				if _, ok := g.nodes[e.To]; !ok {
					continue
				}
				score := f.score * e.Weight * hopDecay
				if score > best[e.To] {
					best[e.To] = score
					next = append(next, frontier{id: e.To, score: score})
				}
			}
		}
		current = next
	}

	out := make([]Scored, 0, len(best))
	for id, score := range best {
		out = append(out, Scored{Node: *g.nodes[id], Score: score})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score == out[j].Score {
			return out[i].Node.ID < out[j].Node.ID
		}
		return out[i].Score > out[j].Score
	})
	return out
}
