package embedding

import (
	"context"
	"fmt"
	"time"
)

// Provider generates vector embeddings from text.
type Provider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// Config holds embedding provider configuration.
type Config struct {
	Provider  string        `json:"provider" yaml:"provider"` // "api", "local" or "hash"
	Endpoint  string        `json:"endpoint" yaml:"endpoint"`
	Model     string        `json:"model" yaml:"model"`
	APIKey    string        `json:"api_key" yaml:"api_key"`
	Dimension int           `json:"dimension" yaml:"dimension"`
	Timeout   time.Duration `json:"-" yaml:"-"`
}

// New returns the provider named by cfg.Provider. An empty name means no
// embedding provider is configured and (nil, nil) is returned.
func New(cfg Config) (Provider, error) {
	switch cfg.Provider {
	case "":
		return nil, nil
	case "api":
		return NewAPIProvider(cfg), nil
	case "local":
		return NewLocalProvider(cfg), nil
	case "hash":
		return NewHashProvider(cfg.Dimension), nil
	default:
		return nil, fmt.Errorf("embedding: unknown provider %q", cfg.Provider)
	}
}

func timeoutOr(d time.Duration) time.Duration {
	if d <= 0 {
		return 30 * time.Second
	}
	return d
}
