package memory

import (
	"sort"
	"strings"
	"sync"

	"github.com/nidhogg/finmem/internal/market"
)

// StrategyTemplate is a reusable decision method. It applies when all of its
// tags are present in the context features.
type StrategyTemplate struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	Description string           `json:"description"`
	Tags        []string         `json:"tags"`
	Vote        market.Direction `json:"vote"`
	Strength    float64          `json:"strength"`
}

func (t StrategyTemplate) validate() error {
	switch {
	case strings.TrimSpace(t.ID) == "":
		return &market.ValidationError{Field: "id", Reason: "required"}
	case len(t.Tags) == 0:
		return &market.ValidationError{Field: "tags", Reason: "at least one tag required"}
	case !t.Vote.Valid():
		return &market.ValidationError{Field: "vote", Reason: "must be Long or Short"}
	case t.Strength < 0 || t.Strength > 1:
		return &market.ValidationError{Field: "strength", Reason: "must be within [0, 1]"}
	}
	return nil
}

// DefaultTemplates are the built-in strategies.
func DefaultTemplates() []StrategyTemplate {
	return []StrategyTemplate{
		{
			ID: "momentum-long", Name: "Trend following (up)",
			Description: "Price above its rolling average tends to keep rising.",
			Tags:        []string{"trend_up"}, Vote: market.Long, Strength: 0.6,
		},
		{
			ID: "momentum-short", Name: "Trend following (down)",
			Description: "Price below its rolling average tends to keep falling.",
			Tags:        []string{"trend_down"}, Vote: market.Short, Strength: 0.6,
		},
		{
			ID: "sentiment-long", Name: "Positive news flow",
			Description: "Predominantly positive news supports a long position.",
			Tags:        []string{"sentiment_positive"}, Vote: market.Long, Strength: 0.5,
		},
		{
			ID: "sentiment-short", Name: "Negative news flow",
			Description: "Predominantly negative news supports a short position.",
			Tags:        []string{"sentiment_negative"}, Vote: market.Short, Strength: 0.5,
		},
		{
			ID: "divergence-fade", Name: "Sentiment/price divergence",
			Description: "Positive news while price trends down is usually sold into.",
			Tags:        []string{"sentiment_positive", "trend_down"}, Vote: market.Short, Strength: 0.4,
		},
		{
			ID: "volatility-guard", Name: "Volatility guard",
			Description: "Large deviations from the average favour caution.",
			Tags:        []string{"high_volatility"}, Vote: market.Short, Strength: 0.3,
		},
	}
}

// ProceduralMemory holds strategy templates keyed by id.
type ProceduralMemory struct {
	mu        sync.RWMutex
	templates map[string]StrategyTemplate
}

// NewProceduralMemory creates a store seeded with templates.
func NewProceduralMemory(templates []StrategyTemplate) *ProceduralMemory {
	m := &ProceduralMemory{templates: make(map[string]StrategyTemplate)}
	for _, t := range templates {
		m.templates[t.ID] = t
	}
	return m
}

// Register adds or replaces a template.
func (m *ProceduralMemory) Register(t StrategyTemplate) error {
	if err := t.validate(); err != nil {
		return err
	}
	t.Tags = append([]string(nil), t.Tags...)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.templates[t.ID] = t
	return nil
}

// Match returns every template whose tags are all in features, ordered by id.
func (m *ProceduralMemory) Match(features []string) []StrategyTemplate {
	have := make(map[string]bool, len(features))
	for _, f := range features {
		have[f] = true
	}

	m.mu.RLock()
	var out []StrategyTemplate
	for _, t := range m.templates {
		ok := true
		for _, tag := range t.Tags {
			if !have[tag] {
				ok = false
				break
			}
		}
		if ok {
			out = append(out, t)
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// List returns all templates ordered by id.
func (m *ProceduralMemory) List() []StrategyTemplate {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshotLocked()
}

func (m *ProceduralMemory) snapshotLocked() []StrategyTemplate {
	out := make([]StrategyTemplate, 0, len(m.templates))
	for _, t := range m.templates {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *ProceduralMemory) restoreLocked(templates []StrategyTemplate) {
	m.templates = make(map[string]StrategyTemplate, len(templates))
	for _, t := range templates {
		m.templates[t.ID] = t
	}
}
