package store

import (
	"context"
	"fmt"

	"github.com/philippgille/chromem-go"

	"github.com/xhad/dealctx/internal/types"
)

// ChromemConfig configures the embedded backend. An empty Path keeps
// everything in memory.
type ChromemConfig struct {
	Path       string
	Collection string
	Compress   bool
}

// ChromemStore is the embedded chromem-go backend.
type ChromemStore struct {
	db         *chromem.DB
	collection *chromem.Collection
}

func NewChromemStore(config ChromemConfig, embedder types.Embedder) (*ChromemStore, error) {
	if config.Collection == "" {
		config.Collection = "documents"
	}

	var db *chromem.DB
	if config.Path == "" {
		db = chromem.NewDB()
	} else {
		var err error
		db, err = chromem.NewPersistentDB(config.Path, config.Compress)
		if err != nil {
			return nil, fmt.Errorf("open chromem db at %s: %w", config.Path, err)
		}
	}

	// Documents always arrive with embeddings; the function only serves
	// chromem's own text queries.
	embed := func(ctx context.Context, text string) ([]float32, error) {
		return embedder.Embed(ctx, text)
	}
	collection, err := db.GetOrCreateCollection(config.Collection, nil, embed)
	if err != nil {
		return nil, fmt.Errorf("get or create collection %s: %w", config.Collection, err)
	}

	return &ChromemStore{db: db, collection: collection}, nil
}

func (s *ChromemStore) Upsert(ctx context.Context, doc Record) error {
	return s.collection.AddDocument(ctx, chromem.Document{
		ID:        doc.ID,
		Content:   doc.Content,
		Embedding: doc.Embedding,
		Metadata:  doc.Metadata,
	})
}

func (s *ChromemStore) Query(ctx context.Context, embedding []float32, k int, where map[string]string) ([]Hit, error) {
	// chromem rejects k above the collection size.
	count := s.collection.Count()
	if count == 0 {
		return nil, nil
	}
	if k > count {
		k = count
	}
	if len(where) == 0 {
		where = nil
	}

	results, err := s.collection.QueryEmbedding(ctx, embedding, k, where, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem query: %w", err)
	}

	hits := make([]Hit, len(results))
	for i, r := range results {
		hits[i] = Hit{
			ID:       r.ID,
			Content:  r.Content,
			Metadata: r.Metadata,
			Distance: 1 - r.Similarity,
		}
	}
	return hits, nil
}

func (s *ChromemStore) Count(context.Context) (int, error) {
	return s.collection.Count(), nil
}

func (s *ChromemStore) Close() error {
	return nil
}
