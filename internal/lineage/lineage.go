// Package lineage records which memories and strategies each decision drew
// on, and how it resolved, as a graph.
package lineage

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/nidhogg/finmem/internal/memory"
)

// Recorder stores decision lineage. Implementations are best-effort: callers
// log failures and carry on.
type Recorder interface {
	RecordDecision(ctx context.Context, d memory.Decision) error
	RecordOutcome(ctx context.Context, d memory.Decision) error
	Close(ctx context.Context) error
}

// Nop discards lineage.
type Nop struct{}

func (Nop) RecordDecision(context.Context, memory.Decision) error { return nil }
func (Nop) RecordOutcome(context.Context, memory.Decision) error  { return nil }
func (Nop) Close(context.Context) error                           { return nil }

// Consulted is one memory record a decision cited.
type Consulted struct {
	ID     string
	Source string
	Vote   string
	Weight float64
}

// Graph is the flattened lineage of one decision.
type Graph struct {
	DecisionID     string
	Timestamp      time.Time
	Query          string
	Asset          string
	Recommendation string
	Confidence     float64
	Signature      string
	Degraded       bool
	Records        []Consulted
	Strategies     []string
}

// Build flattens d into the nodes and edges to write. Records cited by more
// than one signal keep the heaviest one.
func Build(d memory.Decision) Graph {
	g := Graph{
		DecisionID:     d.ID,
		Timestamp:      d.Timestamp,
		Query:          d.Query,
		Asset:          d.Asset,
		Recommendation: string(d.Recommendation),
		Confidence:     d.Confidence,
		Signature:      d.Reasoning.Signature,
		Degraded:       d.Reasoning.Degraded,
	}
	records := make(map[string]Consulted)
	strategies := make(map[string]bool)
	for _, s := range d.Reasoning.Signals {
		switch {
		case s.Source == memory.SourceStrategy:
			if id := strategyID(s.Key); id != "" {
				strategies[id] = true
			}
		case s.RecordID != "":
			if prev, ok := records[s.RecordID]; ok && prev.Weight >= s.Weight {
				continue
			}
			records[s.RecordID] = Consulted{ID: s.RecordID, Source: s.Source, Vote: string(s.Vote), Weight: s.Weight}
		}
	}
	for _, ref := range d.ContextRefs {
		if _, ok := records[ref]; !ok {
			records[ref] = Consulted{ID: ref}
		}
	}
	for _, c := range records {
		g.Records = append(g.Records, c)
	}
	sort.Slice(g.Records, func(i, j int) bool { return g.Records[i].ID < g.Records[j].ID })
	for id := range strategies {
		g.Strategies = append(g.Strategies, id)
	}
	sort.Strings(g.Strategies)
	return g
}

// strategyID extracts the template id from a "strategy:<id>:<vote>" key.
func strategyID(key string) string {
	rest, ok := strings.CutPrefix(key, memory.SourceStrategy+":")
	if !ok {
		return ""
	}
	if i := strings.LastIndex(rest, ":"); i >= 0 {
		return rest[:i]
	}
	return rest
}
