package retrieval

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIndexDocumentsBecomeGraphNodes(t *testing.T) {
	embedder := NewMockEmbedder()
	vectors, err := NewVectorStore("", "indexer-test", embedder)
	require.NoError(t, err)

	graph := NewGraph()
	indexer := NewIndexer(vectors, graph)

	pack := &KnowledgePack{
		Documents: []struct {
			ID       string            `yaml:"id"`
			Content  string            `yaml:"content"`
			Metadata map[string]string `yaml:"metadata,omitempty"`
		}{
			{ID: "doc-policy", Content: "access reviews happen quarterly", Metadata: map[string]string{"framework": "soc2"}},
		},
		Entities: []Node{
			{ID: "ac-2", Kind: "control", Name: "account management"},
		},
		Edges: []Edge{
			{From: "ac-2", To: "doc-policy", Kind: "documented_in", Weight: 1.0},
		},
	}
	require.NoError(t, indexer.Index(context.Background(), pack))

	node, ok := graph.Node("doc-policy")
	require.True(t, ok, "indexed documents must be graph nodes")
	assert.Equal(t, "document", node.Kind)
	assert.Equal(t, "soc2", node.Metadata["framework"])

	// An edge targeting a document must be walkable, not a dead end.
	scored := graph.Traverse([]string{"ac-2"}, 1)
	ids := make([]string, 0, len(scored))
	for _, s := range scored {
		ids = append(ids, s.Node.ID)
	}
	assert.ElementsMatch(t, []string{"ac-2", "doc-policy"}, ids)
}
