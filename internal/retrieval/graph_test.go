package retrieval

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testGraph() *Graph {
	g := NewGraph()
	g.AddNode(Node{ID: "ac-2", Kind: "control", Name: "account management"})
	g.AddNode(Node{ID: "okta", Kind: "system", Name: "okta"})
	g.AddNode(Node{ID: "hr-offboarding", Kind: "process", Name: "offboarding"})
	g.AddEdge(Edge{From: "ac-2", To: "okta", Kind: "implemented_by", Weight: 1.0})
	g.AddEdge(Edge{From: "okta", To: "hr-offboarding", Kind: "feeds", Weight: 0.8})
	return g
}

func TestSeedsMatchIDAndName(t *testing.T) {
	g := testGraph()

	assert.Equal(t, []string{"ac-2"}, g.Seeds("tell me about AC-2"))
	assert.Equal(t, []string{"okta"}, g.Seeds("how is Okta configured"))
	assert.Empty(t, g.Seeds("nothing relevant here"))
}

func TestTraverseDecaysPerHop(t *testing.T) {
	g := testGraph()

	scored := g.Traverse([]string{"ac-2"}, 2)
	require.Len(t, scored, 3)

	byID := make(map[string]float64)
	for _, s := range scored {
		byID[s.Node.ID] = s.Score
	}

	assert.Equal(t, 1.0, byID["ac-2"])
	assert.InDelta(t, 0.5, byID["okta"], 1e-9)                // 1.0 * 1.0 * 0.5
	assert.InDelta(t, 0.2, byID["hr-offboarding"], 1e-9)      // 0.5 * 0.8 * 0.5
	assert.Greater(t, byID["okta"], byID["hr-offboarding"])   // farther is weaker
}

func TestTraverseHonorsHopLimit(t *testing.T) {
	g := testGraph()

	scored := g.Traverse([]string{"ac-2"}, 1)
	ids := make([]string, 0, len(scored))
	for _, s := range scored {
		ids = append(ids, s.Node.ID)
	}
	assert.ElementsMatch(t, []string{"ac-2", "okta"}, ids)

	scored = g.Traverse([]string{"ac-2"}, 0)
	require.Len(t, scored, 1)
	assert.Equal(t, "ac-2", scored[0].Node.ID)
}

func TestTraverseIgnoresUnknownSeeds(t *testing.T) {
	g := testGraph()
	assert.Empty(t, g.Traverse([]string{"nope"}, 2))
}

func TestTraverseIsUndirected(t *testing.T) {
	g := testGraph()

	scored := g.Traverse([]string{"okta"}, 1)
	ids := make([]string, 0, len(scored))
	for _, s := range scored {
		ids = append(ids, s.Node.ID)
	}
	assert.ElementsMatch(t, []string{"okta", "ac-2", "hr-offboarding"}, ids)
}

func TestMockEmbedderIsDeterministic(t *testing.T) {
	e := NewMockEmbedder()
	ctx := context.Background()

	a, err := e.Embed(ctx, "quarterly access review")
	require.NoError(t, err)
	b, err := e.Embed(ctx, "quarterly access review")
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := e.Embed(ctx, "encryption at rest")
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}
