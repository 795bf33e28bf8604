package memory

import (
	"time"

	"github.com/nidhogg/finmem/internal/market"
)

// Signal sources.
const (
	SourceNews       = "news"
	SourcePrice      = "price"
	SourceFact       = "fact"
	SourceStrategy   = "strategy"
	SourceGenerative = "generative"
)

// SignalTrace is one contributing signal of a decision.
type SignalTrace struct {
	Source      string           `json:"source"`
	Key         string           `json:"key"`
	RecordID    string           `json:"record_id,omitempty"`
	Vote        market.Direction `json:"vote"`
	Strength    float64          `json:"strength"`
	Weight      float64          `json:"weight"`
	Conflicting bool             `json:"conflicting"`
	Detail      string           `json:"detail,omitempty"`
}

// Reasoning is the structured trace of how a decision was reached.
type Reasoning struct {
	Signature       string        `json:"signature"`
	Features        []string      `json:"features"`
	Signals         []SignalTrace `json:"signals"`
	LongWeight      float64       `json:"long_weight"`
	ShortWeight     float64       `json:"short_weight"`
	Margin          float64       `json:"margin"`
	TieBreak        bool          `json:"tie_break"`
	ConflictPenalty bool          `json:"conflict_penalty"`
	Degraded        bool          `json:"degraded"`
	DegradedReason  string        `json:"degraded_reason,omitempty"`
	Narrative       string        `json:"narrative,omitempty"`
}

// Decision is one recommendation. Immutable once logged, except for the
// single outcome attachment.
type Decision struct {
	ID             string           `json:"id"`
	Timestamp      time.Time        `json:"timestamp"`
	Query          string           `json:"query"`
	Asset          string           `json:"asset,omitempty"`
	Recommendation market.Direction `json:"recommendation"`
	Confidence     float64          `json:"confidence"`
	Reasoning      Reasoning        `json:"reasoning"`
	ContextRefs    []string         `json:"context_refs"`
	Outcome        *Outcome         `json:"outcome,omitempty"`
}

// Outcome is the realized result of a decision.
type Outcome struct {
	DecisionID string    `json:"decision_id"`
	Label      string    `json:"outcome_label"`
	Reward     float64   `json:"reward"`
	ResolvedAt time.Time `json:"resolved_at"`
}

// Equal reports whether two outcomes describe the same resolution.
func (o Outcome) Equal(other Outcome) bool {
	return o.DecisionID == other.DecisionID &&
		o.Label == other.Label &&
		o.Reward == other.Reward &&
		o.ResolvedAt.Equal(other.ResolvedAt)
}

// Clone returns a deep copy.
func (d Decision) Clone() Decision {
	c := d
	c.ContextRefs = append([]string(nil), d.ContextRefs...)
	c.Reasoning.Features = append([]string(nil), d.Reasoning.Features...)
	c.Reasoning.Signals = append([]SignalTrace(nil), d.Reasoning.Signals...)
	if d.Outcome != nil {
		o := *d.Outcome
		c.Outcome = &o
	}
	return c
}
