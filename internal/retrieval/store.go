package retrieval

import (
	"context"
	"fmt"
	"path/filepath"

	chromem "github.com/philippgille/chromem-go"

	"compass/internal/logging"
)

// Document is one indexed knowledge fragment: a policy excerpt, a control
// description, a runbook section.
type Document struct {
	ID       string
	Content  string
	Metadata map[string]string
}

// SearchResult pairs a document with its similarity to the query.
type SearchResult struct {
	Document   Document
	Similarity float32
}

// VectorStore manages embeddings and similarity search.
type VectorStore interface {
	// Add indexes documents.
	Add(ctx context.Context, docs []Document) error

	// Search performs similarity search. A non-empty filter restricts
	// candidates by exact metadata match before any scoring happens.
	Search(ctx context.Context, query string, topK int, filter map[string]string) ([]SearchResult, error)

	// Count returns the total document count.
	Count() int
}

// chromemStore implements VectorStore using chromem-go.
type chromemStore struct {
	db         *chromem.DB
	collection *chromem.Collection
	logger     logging.Logger
}

// NewVectorStore creates a vector store. An empty persistPath keeps the
// index in memory only.
func NewVectorStore(persistPath, collection string, embedder Embedder) (VectorStore, error) {
	if collection == "" {
		collection = "knowledge"
	}

	var db *chromem.DB
	var err error
	if persistPath != "" {
		db, err = chromem.NewPersistentDB(filepath.Join(persistPath, "chromem.gob"), false)
		if err != nil {
			return nil, fmt.Errorf("create persistent DB: %w", err)
		}
	} else {
		db = chromem.NewDB()
	}

	embeddingFunc := func(ctx context.Context, text string) ([]float32, error) {
		return embedder.Embed(ctx, text)
	}
	col, err := db.GetOrCreateCollection(collection, nil, embeddingFunc)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}

	return &chromemStore{
		db:         db,
		collection: col,
		logger:     logging.NewComponentLogger("VectorStore"),
	}, nil
}

func (s *chromemStore) Add(ctx context.Context, docs []Document) error {
	for _, doc := range docs {
		err := s.collection.AddDocument(ctx, chromem.Document{
			ID:       doc.ID,
			Content:  doc.Content,
			Metadata: doc.Metadata,
		})
		if err != nil {
			return fmt.Errorf("add document %s: %w", doc.ID, err)
		}
	}
	if len(docs) > 0 {
		s.logger.Debug("indexed %d documents (total %d)", len(docs), s.collection.Count())
	}
	return nil
}

func (s *chromemStore) Search(ctx context.Context, query string, topK int, filter map[string]string) ([]SearchResult, error) {
	if topK <= 0 {
		topK = 5
	}
	count := s.collection.Count()
	if count == 0 {
		return nil, nil
	}
	if topK > count {
		topK = count
	}

	results, err := s.collection.Query(ctx, query, topK, filter, nil)
	if err != nil {
		return nil, fmt.Errorf("query collection: %w", err)
	}

	out := make([]SearchResult, 0, len(results))
	for _, r := range results {
		out = append(out, SearchResult{
			Document: Document{
				ID:       r.ID,
				Content:  r.Content,
				Metadata: r.Metadata,
			},
			Similarity: r.Similarity,
		})
	}
	return out, nil
}

func (s *chromemStore) Count() int {
	return s.collection.Count()
}
