package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func fastPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		CallTimeout:     time.Second,
	}
}

func TestOpenAIGenerate(t *testing.T) {
	var got ChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Errorf("missing auth header")
		}
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(map[string]any{
			"id":    "c1",
			"model": "m",
			"choices": []map[string]any{
				{"message": map[string]string{"role": "assistant", "content": "RECOMMENDATION: LONG"}},
			},
		})
	}))
	defer srv.Close()

	p := NewOpenAIProvider(ProviderConfig{ID: "oa", Endpoint: srv.URL, APIKey: "sk-test", Model: "m"}, zap.NewNop())
	out, err := p.Generate(context.Background(), "decide", "memory sections")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if out != "RECOMMENDATION: LONG" {
		t.Errorf("out = %q", out)
	}
	if len(got.Messages) != 2 || got.Messages[0].Role != "system" || got.Messages[1].Content != "decide" {
		t.Errorf("unexpected messages: %+v", got.Messages)
	}
}

func TestOpenAIStatusClassification(t *testing.T) {
	tests := []struct {
		status int
		kind   error
	}{
		{http.StatusTooManyRequests, ErrRateLimited},
		{http.StatusBadRequest, ErrInvalidResponse},
		{http.StatusGatewayTimeout, ErrTimeout},
		{http.StatusInternalServerError, ErrUnavailable},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", tt.status)
		}))
		p := NewOpenAIProvider(ProviderConfig{ID: "oa", Endpoint: srv.URL}, zap.NewNop())
		_, err := p.Generate(context.Background(), "x", "")
		srv.Close()
		if !errors.Is(err, tt.kind) {
			t.Errorf("status %d: err = %v, want kind %v", tt.status, err, tt.kind)
		}
	}
}

func TestDoRetriesTransientFailures(t *testing.T) {
	var calls int32
	out, err := Do(context.Background(), fastPolicy(), "op", func(ctx context.Context) (string, error) {
		if atomic.AddInt32(&calls, 1) < 3 {
			return "", ErrUnavailable
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if out != "ok" || calls != 3 {
		t.Errorf("out=%q calls=%d", out, calls)
	}
}

func TestDoStopsOnInvalidResponse(t *testing.T) {
	var calls int32
	_, err := Do(context.Background(), fastPolicy(), "op", func(ctx context.Context) (int, error) {
		atomic.AddInt32(&calls, 1)
		return 0, ErrInvalidResponse
	})
	if !errors.Is(err, ErrInvalidResponse) {
		t.Fatalf("err = %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDoClassifiesTimeout(t *testing.T) {
	p := fastPolicy()
	p.MaxAttempts = 1
	p.CallTimeout = 5 * time.Millisecond
	_, err := Do(context.Background(), p, "slow", func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want timeout", err)
	}
	var pe *ProviderError
	if !errors.As(err, &pe) || pe.Op != "slow" {
		t.Errorf("expected ProviderError with op, got %v", err)
	}
}

type stubGenerator struct {
	id    string
	reply string
	err   error
	calls int32
}

func (s *stubGenerator) ID() string { return s.id }

func (s *stubGenerator) Generate(ctx context.Context, prompt, memoryContext string) (string, error) {
	atomic.AddInt32(&s.calls, 1)
	return s.reply, s.err
}

func TestRouterFallsBack(t *testing.T) {
	primary := &stubGenerator{id: "a", err: ErrInvalidResponse}
	backup := &stubGenerator{id: "b", reply: "fine"}

	r := NewRouter(fastPolicy(), zap.NewNop())
	r.Register(primary)
	r.Register(backup)
	r.SetFallbacks([]string{"b"})

	out, err := r.Generate(context.Background(), "p", "c")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if out != "fine" {
		t.Errorf("out = %q", out)
	}
	if primary.calls != 1 {
		t.Errorf("primary calls = %d", primary.calls)
	}
}

func TestRouterEmpty(t *testing.T) {
	r := NewRouter(fastPolicy(), zap.NewNop())
	if _, err := r.Generate(context.Background(), "p", ""); !errors.Is(err, ErrUnavailable) {
		t.Errorf("err = %v", err)
	}
}
