package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/nidhogg/finmem/internal/provider"
)

// jsonClient posts JSON to an embedding server and decodes the reply.
type jsonClient struct {
	op     string
	base   string
	apiKey string
	http   *http.Client
}

func newJSONClient(op string, cfg Config) jsonClient {
	return jsonClient{
		op:     op,
		base:   strings.TrimRight(cfg.Endpoint, "/"),
		apiKey: cfg.APIKey,
		http:   &http.Client{Timeout: timeoutOr(cfg.Timeout)},
	}
}

// post sends in to path and decodes a 200 reply into out. Transport and
// status failures come back as *provider.ProviderError.
func (c jsonClient) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("%s: marshal request: %w", c.op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s: create request: %w", c.op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return provider.Classify(c.op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return provider.StatusError(c.op, resp.StatusCode, string(msg))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return c.invalid(err)
	}
	return nil
}

func (c jsonClient) invalid(err error) error {
	return &provider.ProviderError{Op: c.op, Kind: provider.ErrInvalidResponse, Err: err}
}

// dimension reports the configured vector width until a server reply
// shows the real one.
type dimension struct {
	configured int
	seen       atomic.Int64
}

func (d *dimension) observe(vecs [][]float32) {
	if len(vecs) > 0 && len(vecs[0]) > 0 {
		d.seen.CompareAndSwap(0, int64(len(vecs[0])))
	}
}

func (d *dimension) get() int {
	if n := d.seen.Load(); n > 0 {
		return int(n)
	}
	return d.configured
}
