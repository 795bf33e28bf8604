package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Router holds several generators and tries the default first, then the
// configured fallback chain. It satisfies Generator itself.
type Router struct {
	providers map[string]Generator
	fallbacks []string
	defaults  string
	retry     RetryPolicy
	mu        sync.RWMutex
	logger    *zap.Logger
}

// NewRouter creates a new provider router.
func NewRouter(retry RetryPolicy, logger *zap.Logger) *Router {
	return &Router{
		providers: make(map[string]Generator),
		retry:     retry,
		logger:    logger,
	}
}

// Register adds a provider to the router. The first one becomes the default.
func (r *Router) Register(p Generator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.ID()] = p
	if r.defaults == "" {
		r.defaults = p.ID()
	}
	r.logger.Info("registered provider", zap.String("id", p.ID()))
}

// SetDefault sets the default provider.
func (r *Router) SetDefault(providerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaults = providerID
}

// DefaultID returns the current default provider ID.
func (r *Router) DefaultID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaults
}

// SetFallbacks configures the providers tried after the default fails.
func (r *Router) SetFallbacks(providerIDs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallbacks = append([]string(nil), providerIDs...)
}

func (r *Router) ID() string { return "router" }

// Len reports how many providers are registered.
func (r *Router) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.providers)
}

// Generate runs the request through the default provider with retries, then
// through each fallback. The last provider error is returned if all fail.
func (r *Router) Generate(ctx context.Context, prompt, memoryContext string) (string, error) {
	r.mu.RLock()
	chain := r.chain()
	r.mu.RUnlock()

	if len(chain) == 0 {
		return "", &ProviderError{Op: "generate", Kind: ErrUnavailable, Err: fmt.Errorf("no provider registered")}
	}

	var lastErr error
	for i, p := range chain {
		out, err := Do(ctx, r.retry, "generate "+p.ID(), func(ctx context.Context) (string, error) {
			return p.Generate(ctx, prompt, memoryContext)
		})
		if err == nil {
			return out, nil
		}
		lastErr = err
		if i == 0 {
			r.logger.Warn("primary provider failed, trying fallbacks",
				zap.String("provider", p.ID()), zap.Error(err))
		} else {
			r.logger.Warn("fallback provider failed", zap.String("provider", p.ID()), zap.Error(err))
		}
		if ctx.Err() != nil {
			break
		}
	}
	return "", lastErr
}

func (r *Router) chain() []Generator {
	var out []Generator
	seen := make(map[string]bool)
	add := func(id string) {
		if seen[id] {
			return
		}
		if p, ok := r.providers[id]; ok {
			seen[id] = true
			out = append(out, p)
		}
	}
	add(r.defaults)
	for _, id := range r.fallbacks {
		add(id)
	}
	return out
}

// GetProvider returns a provider by ID.
func (r *Router) GetProvider(id string) (Generator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	return p, ok
}

// ListProviders returns all registered provider IDs in sorted order.
func (r *Router) ListProviders() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]string, 0, len(r.providers))
	for id := range r.providers {
		result = append(result, id)
	}
	sort.Strings(result)
	return result
}

// New builds a Generator for cfg.Type.
func New(cfg ProviderConfig, logger *zap.Logger) (Generator, error) {
	switch cfg.Type {
	case "openai", "":
		return NewOpenAIProvider(cfg, logger), nil
	case "anthropic":
		return NewAnthropicProvider(cfg, logger), nil
	default:
		return nil, fmt.Errorf("unknown provider type %q", cfg.Type)
	}
}
