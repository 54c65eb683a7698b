package retrieval

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"compass/internal/compliance"
	"compass/internal/logging"
)

// KnowledgePack is the on-disk knowledge bundle: indexable documents, graph
// entities and relations, and the compliance controls they reference.
type KnowledgePack struct {
	Documents []struct {
		ID       string            `yaml:"id"`
		Content  string            `yaml:"content"`
		Metadata map[string]string `yaml:"metadata,omitempty"`
	} `yaml:"documents"`
	Entities []Node               `yaml:"entities"`
	Edges    []Edge               `yaml:"edges"`
	Controls []compliance.Control `yaml:"controls"`
}

// LoadKnowledgePack parses a knowledge pack YAML file.
func LoadKnowledgePack(path string) (*KnowledgePack, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read knowledge pack: %w", err)
	}
	var pack KnowledgePack
	if err := yaml.Unmarshal(data, &pack); err != nil {
		return nil, fmt.Errorf("parse knowledge pack %s: %w", path, err)
	}
	return &pack, nil
}

// Indexer loads knowledge packs into the retrieval indexes.
type Indexer struct {
	vectors VectorStore
	graph   *Graph
	logger  logging.Logger
}

// NewIndexer constructs an indexer over the given stores.
func NewIndexer(vectors VectorStore, graph *Graph) *Indexer {
	return &Indexer{
		vectors: vectors,
		graph:   graph,
		logger:  logging.NewComponentLogger("Indexer"),
	}
}

// Index ingests a pack: documents into the vector store, entities and edges
// into the graph. Entities with content are also vector-indexed under their
// node ID, and documents become graph nodes of kind "document", so edges may
// target either and both arms can find the same item.
func (i *Indexer) Index(ctx context.Context, pack *KnowledgePack) error {
	docs := make([]Document, 0, len(pack.Documents)+len(pack.Entities))
	for _, d := range pack.Documents {
		docs = append(docs, Document{ID: d.ID, Content: d.Content, Metadata: d.Metadata})
		i.graph.AddNode(Node{ID: d.ID, Kind: "document", Content: d.Content, Metadata: d.Metadata})
	}

	for _, n := range pack.Entities {
		i.graph.AddNode(n)
		if n.Content != "" {
			docs = append(docs, Document{ID: n.ID, Content: n.Content, Metadata: n.Metadata})
		}
	}
	for _, e := range pack.Edges {
		i.graph.AddEdge(e)
	}

	if err := i.vectors.Add(ctx, docs); err != nil {
		return fmt.Errorf("index documents: %w", err)
	}

	i.logger.Info("indexed pack: %d documents, %d entities, %d edges, %d controls",
		len(pack.Documents), len(pack.Entities), len(pack.Edges), len(pack.Controls))
	return nil
}
