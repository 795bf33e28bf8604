package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nidhogg/finmem/internal/provider"
)

func TestAPIProviderEmbed(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/embeddings", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("authorization = %q", got)
		}
		w.Write([]byte(`{"data":[{"embedding":[0.1,0.2,0.3]}]}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	p := NewAPIProvider(Config{
		Endpoint: srv.URL + "/",
		Model:    "test-model",
		APIKey:   "sk-test",
	})

	vectors, err := p.Embed(context.Background(), []string{"hello"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(vectors) != 1 {
		t.Fatalf("got %d vectors, want 1", len(vectors))
	}
	if len(vectors[0]) != 3 {
		t.Fatalf("got dimension %d, want 3", len(vectors[0]))
	}
	if p.Dimension() != 3 {
		t.Errorf("got dimension %d, want 3", p.Dimension())
	}
}

func TestAPIProviderEmbed_Empty(t *testing.T) {
	p := NewAPIProvider(Config{
		Endpoint:  "http://unused",
		Model:     "test-model",
		Dimension: 128,
	})

	vectors, err := p.Embed(context.Background(), []string{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if vectors != nil {
		t.Errorf("expected nil for empty input, got %v", vectors)
	}
}

func TestAPIProviderDimension_Fallback(t *testing.T) {
	p := NewAPIProvider(Config{
		Endpoint:  "http://unused",
		Model:     "test-model",
		Dimension: 256,
	})

	// Before any Embed call, Dimension should return the configured default.
	if d := p.Dimension(); d != 256 {
		t.Errorf("got dimension %d, want configured default 256", d)
	}
}

func TestAPIProviderEmbed_StatusClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p := NewAPIProvider(Config{Endpoint: srv.URL, Model: "test-model"})
	_, err := p.Embed(context.Background(), []string{"hello"})
	if !errors.Is(err, provider.ErrRateLimited) {
		t.Fatalf("got %v, want rate limited", err)
	}
}

func TestAPIProviderEmbed_CountMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":[{"embedding":[1]}]}`))
	}))
	defer srv.Close()

	p := NewAPIProvider(Config{Endpoint: srv.URL})
	_, err := p.Embed(context.Background(), []string{"a", "b"})
	if !errors.Is(err, provider.ErrInvalidResponse) {
		t.Fatalf("got %v, want invalid response", err)
	}
}

func TestAPIProviderEmbed_Reordered(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":[{"index":1,"embedding":[2]},{"index":0,"embedding":[1]}]}`))
	}))
	defer srv.Close()

	p := NewAPIProvider(Config{Endpoint: srv.URL})
	vecs, err := p.Embed(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if vecs[0][0] != 1 || vecs[1][0] != 2 {
		t.Errorf("vectors not in input order: %v", vecs)
	}
}

func TestLocalProviderEmbed(t *testing.T) {
	var prompts []string
	mux := http.NewServeMux()
	mux.HandleFunc("/api/embeddings", func(w http.ResponseWriter, r *http.Request) {
		var in struct {
			Model  string `json:"model"`
			Prompt string `json:"prompt"`
		}
		json.NewDecoder(r.Body).Decode(&in)
		prompts = append(prompts, in.Prompt)
		w.Write([]byte(`{"embedding":[0.5,0.5]}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	p := NewLocalProvider(Config{Endpoint: srv.URL, Model: "nomic"})
	vectors, err := p.Embed(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(vectors) != 2 || p.Dimension() != 2 {
		t.Fatalf("got %d vectors of dim %d", len(vectors), p.Dimension())
	}
	if len(prompts) != 2 || prompts[1] != "b" {
		t.Errorf("prompts = %v", prompts)
	}
}

func TestLocalProviderEmbed_Empty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"embedding":[]}`))
	}))
	defer srv.Close()

	_, err := NewLocalProvider(Config{Endpoint: srv.URL}).Embed(context.Background(), []string{"a"})
	if !errors.Is(err, provider.ErrInvalidResponse) {
		t.Fatalf("got %v, want invalid response", err)
	}
}

func TestHashProvider(t *testing.T) {
	h := NewHashProvider(64)
	vecs, err := h.Embed(context.Background(), []string{
		"bitcoin rally continues",
		"bitcoin rally continues",
		"central bank raises rates",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(vecs[0]) != 64 {
		t.Fatalf("dimension = %d", len(vecs[0]))
	}
	same := dot(vecs[0], vecs[1])
	other := dot(vecs[0], vecs[2])
	if math.Abs(float64(same)-1) > 1e-4 {
		t.Errorf("identical text similarity = %f, want 1", same)
	}
	if other >= same {
		t.Errorf("unrelated text similarity %f should be below %f", other, same)
	}
}

func TestNew(t *testing.T) {
	p, err := New(Config{})
	if err != nil || p != nil {
		t.Fatalf("empty config: got %v, %v", p, err)
	}
	if _, err := New(Config{Provider: "bogus"}); err == nil {
		t.Fatal("expected error for unknown provider")
	}
	p, err = New(Config{Provider: "hash", Dimension: 8})
	if err != nil || p.Dimension() != 8 {
		t.Fatalf("hash: got %v, %v", p, err)
	}
}

func dot(a, b []float32) float32 {
	var s float32
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}
