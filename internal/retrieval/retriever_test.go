package retrieval

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testHybrid(t *testing.T) *Hybrid {
	t.Helper()

	embedder := NewMockEmbedder()
	vectors, err := NewVectorStore("", "test", embedder)
	require.NoError(t, err)

	graph := NewGraph()
	indexer := NewIndexer(vectors, graph)

	pack := &KnowledgePack{
		Documents: []struct {
			ID       string            `yaml:"id"`
			Content  string            `yaml:"content"`
			Metadata map[string]string `yaml:"metadata,omitempty"`
		}{
			{ID: "doc-access-policy", Content: "access control policy requires quarterly access reviews for all accounts", Metadata: map[string]string{"framework": "soc2"}},
			{ID: "doc-encryption", Content: "data at rest must be encrypted with AES-256", Metadata: map[string]string{"framework": "soc2"}},
			{ID: "doc-iso-policy", Content: "information security policy review cadence", Metadata: map[string]string{"framework": "iso27001"}},
		},
		Entities: []Node{
			{ID: "ac-2", Kind: "control", Name: "account management", Content: "control for provisioning and deprovisioning accounts", Metadata: map[string]string{"framework": "soc2"}},
			{ID: "ac-3", Kind: "control", Name: "access enforcement", Content: "control enforcing approved authorizations", Metadata: map[string]string{"framework": "soc2"}},
			{ID: "okta", Kind: "system", Name: "okta", Content: "identity provider handling authentication"},
		},
		Edges: []Edge{
			{From: "ac-2", To: "okta", Kind: "implemented_by", Weight: 1.0},
			{From: "ac-2", To: "ac-3", Kind: "related_to", Weight: 0.5},
			{From: "ac-2", To: "doc-access-policy", Kind: "documented_in", Weight: 1.0},
		},
	}
	require.NoError(t, indexer.Index(context.Background(), pack))

	hybrid, err := NewHybrid(vectors, graph, 0.6, 0.4)
	require.NoError(t, err)
	return hybrid
}

func TestRetrieveIsDeterministic(t *testing.T) {
	hybrid := testHybrid(t)
	ctx := context.Background()

	q := Query{Text: "access control policy reviews", TopK: 5}
	first, err := hybrid.Retrieve(ctx, q)
	require.NoError(t, err)
	require.NotEmpty(t, first)

	for i := 0; i < 5; i++ {
		again, err := hybrid.Retrieve(ctx, q)
		require.NoError(t, err)
		assert.Equal(t, first, again, "identical corpus and query must produce identical ranking")
	}

	// Scores are sorted descending with ID as tie-break.
	for i := 1; i < len(first); i++ {
		if first[i-1].Score == first[i].Score {
			assert.Less(t, first[i-1].ID, first[i].ID)
		} else {
			assert.Greater(t, first[i-1].Score, first[i].Score)
		}
	}
}

func TestRetrieveFusesBothArms(t *testing.T) {
	hybrid := testHybrid(t)

	// Mentions ac-2 explicitly, so the graph arm seeds on it and walks to
	// okta; the vector arm matches account-related documents.
	results, err := hybrid.Retrieve(context.Background(), Query{Text: "what does ac-2 account management require", TopK: 6})
	require.NoError(t, err)

	byID := make(map[string]Result)
	for _, r := range results {
		byID[r.ID] = r
	}

	seed, ok := byID["ac-2"]
	require.True(t, ok, "graph seed must be retrievable")
	assert.Contains(t, seed.Sources, "graph")

	neighbor, ok := byID["okta"]
	require.True(t, ok, "one-hop neighbor must be reachable")
	assert.Less(t, neighbor.Score, seed.Score, "hop decay lowers neighbor scores")
}

func TestRetrieveDedupesKeepingHigherScore(t *testing.T) {
	hybrid := testHybrid(t)

	// doc-access-policy is indexed in vectors and linked from ac-2 in the
	// graph, so both arms can produce it.
	results, err := hybrid.Retrieve(context.Background(), Query{Text: "ac-2 access control policy quarterly access reviews", TopK: 6})
	require.NoError(t, err)

	seen := make(map[string]int)
	for _, r := range results {
		seen[r.ID]++
	}
	for id, n := range seen {
		assert.Equal(t, 1, n, "item %s appears more than once", id)
	}

	for _, r := range results {
		if r.ID == "doc-access-policy" {
			assert.ElementsMatch(t, []string{"vector", "graph"}, r.Sources)
		}
	}
}

func TestRetrieveFilterAppliesBeforeScoring(t *testing.T) {
	hybrid := testHybrid(t)

	results, err := hybrid.Retrieve(context.Background(), Query{
		Text:   "security policy",
		TopK:   5,
		Filter: map[string]string{"framework": "iso27001"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	for _, r := range results {
		assert.Equal(t, "iso27001", r.Metadata["framework"], "filtered-out item %s leaked through", r.ID)
	}
}

func TestRetrieveEmptyQuery(t *testing.T) {
	hybrid := testHybrid(t)
	results, err := hybrid.Retrieve(context.Background(), Query{Text: ""})
	require.NoError(t, err)
	assert.Empty(t, results)
}
