package vectorstore

import "context"

// Hit is one ranked result of a similarity query.
type Hit struct {
	ID       string
	Score    float32
	Metadata map[string]string
}

// Store is a vector similarity index keyed by record id.
type Store interface {
	Upsert(ctx context.Context, id string, vector []float32, metadata map[string]string) error
	// Query returns at most k hits ordered by descending score.
	Query(ctx context.Context, vector []float32, k int) ([]Hit, error)
	Close() error
}

// Config selects and configures a Store.
type Config struct {
	Backend    string `json:"backend" yaml:"backend"` // "qdrant", "chromem" or ""
	Host       string `json:"host" yaml:"host"`
	Port       int    `json:"port" yaml:"port"`
	Collection string `json:"collection" yaml:"collection"`
	Dimension  int    `json:"dimension" yaml:"dimension"`
}
