package embedding

import (
	"context"
	"errors"
)

// LocalProvider embeds through an Ollama server. Its /api/embeddings
// endpoint takes one prompt per call.
type LocalProvider struct {
	client jsonClient
	model  string
	dim    dimension
}

// NewLocalProvider returns a LocalProvider for cfg.Endpoint.
func NewLocalProvider(cfg Config) *LocalProvider {
	p := &LocalProvider{client: newJSONClient("embedding local", cfg), model: cfg.Model}
	p.dim.configured = cfg.Dimension
	return p
}

// Embed returns one vector per text. The first failure aborts the batch.
func (p *LocalProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	vecs := make([][]float32, len(texts))
	for i, text := range texts {
		var out struct {
			Embedding []float32 `json:"embedding"`
		}
		in := map[string]string{"model": p.model, "prompt": text}
		if err := p.client.post(ctx, "/api/embeddings", in, &out); err != nil {
			return nil, err
		}
		if len(out.Embedding) == 0 {
			return nil, p.client.invalid(errors.New("empty embedding"))
		}
		vecs[i] = out.Embedding
	}
	p.dim.observe(vecs)
	return vecs, nil
}

// Dimension is the width seen in the first reply, or the configured one.
func (p *LocalProvider) Dimension() int { return p.dim.get() }
