package vectorstore

import (
	"context"
	"errors"
	"fmt"

	chromem "github.com/philippgille/chromem-go"
)

var (
	errNoEmbeddingFunc = errors.New("chromem: documents must carry embeddings")
	errZeroVector      = errors.New("chromem: zero vector")
)

// Chromem is an in-process Store backed by a chromem-go collection.
type Chromem struct {
	db  *chromem.DB
	col *chromem.Collection
}

// NewChromem creates an in-memory collection.
func NewChromem(collection string) (*Chromem, error) {
	if collection == "" {
		collection = "finmem_records"
	}
	db := chromem.NewDB()
	col, err := db.GetOrCreateCollection(collection, nil, func(context.Context, string) ([]float32, error) {
		return nil, errNoEmbeddingFunc
	})
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}
	return &Chromem{db: db, col: col}, nil
}

// Upsert replaces any document with the same id.
func (c *Chromem) Upsert(ctx context.Context, id string, vector []float32, metadata map[string]string) error {
	if isZero(vector) {
		return errZeroVector
	}
	doc := chromem.Document{
		ID:        id,
		Metadata:  metadata,
		Embedding: append([]float32(nil), vector...),
		Content:   id,
	}
	if err := c.col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("add document: %w", err)
	}
	return nil
}

// Query returns up to k hits by cosine similarity.
func (c *Chromem) Query(ctx context.Context, vector []float32, k int) ([]Hit, error) {
	if isZero(vector) {
		return nil, nil
	}
	n := c.col.Count()
	if k > n {
		// chromem-go rejects nResults above the collection size
		k = n
	}
	if k <= 0 {
		return nil, nil
	}
	results, err := c.col.QueryEmbedding(ctx, vector, k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem query: %w", err)
	}
	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		hits = append(hits, Hit{ID: r.ID, Score: r.Similarity, Metadata: r.Metadata})
	}
	return hits, nil
}

func (c *Chromem) Close() error { return nil }

func isZero(v []float32) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}
