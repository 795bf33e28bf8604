package embedding

import (
	"context"
	"fmt"
)

// APIProvider embeds through an OpenAI-compatible /embeddings endpoint,
// one request per batch.
type APIProvider struct {
	client jsonClient
	model  string
	dim    dimension
}

// NewAPIProvider returns an APIProvider for cfg.Endpoint.
func NewAPIProvider(cfg Config) *APIProvider {
	p := &APIProvider{client: newJSONClient("embedding api", cfg), model: cfg.Model}
	p.dim.configured = cfg.Dimension
	return p
}

// Embed returns one vector per text, in input order.
func (p *APIProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	var out struct {
		Data []struct {
			Index     int       `json:"index"`
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	in := map[string]any{"model": p.model, "input": texts}
	if err := p.client.post(ctx, "/embeddings", in, &out); err != nil {
		return nil, err
	}
	if len(out.Data) != len(texts) {
		return nil, p.client.invalid(fmt.Errorf("got %d embeddings for %d inputs", len(out.Data), len(texts)))
	}

	// servers that omit index reply in input order
	byIndex := false
	for _, d := range out.Data {
		byIndex = byIndex || d.Index != 0
	}
	vecs := make([][]float32, len(texts))
	for i, d := range out.Data {
		at := i
		if byIndex {
			at = d.Index
		}
		if at < 0 || at >= len(texts) || vecs[at] != nil {
			return nil, p.client.invalid(fmt.Errorf("bad embedding index %d", d.Index))
		}
		if len(d.Embedding) == 0 {
			return nil, p.client.invalid(fmt.Errorf("no embedding for input %d", at))
		}
		vecs[at] = d.Embedding
	}
	p.dim.observe(vecs)
	return vecs, nil
}

// Dimension is the width seen in the first reply, or the configured one.
func (p *APIProvider) Dimension() int { return p.dim.get() }
