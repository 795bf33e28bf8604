package decision

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/finmem/internal/market"
	"github.com/nidhogg/finmem/internal/memory"
	"github.com/nidhogg/finmem/internal/provider"
)

// Config tunes the decision cycle.
type Config struct {
	RecentK         int                `json:"recent_k" yaml:"recent_k"`
	RetrieveK       int                `json:"retrieve_k" yaml:"retrieve_k"`
	BaseWeights     map[string]float64 `json:"base_weights" yaml:"base_weights"`
	PriceScale      float64            `json:"price_scale" yaml:"price_scale"`
	TieBias         market.Direction   `json:"tie_bias" yaml:"tie_bias"`
	ConflictRatio   float64            `json:"conflict_ratio" yaml:"conflict_ratio"`
	ConflictPenalty float64            `json:"conflict_penalty" yaml:"conflict_penalty"`
	DegradedCap     float64            `json:"degraded_cap" yaml:"degraded_cap"`
	GenerateTimeout time.Duration      `json:"generate_timeout" yaml:"generate_timeout"`
	ShortTermDecay  memory.DecayConfig `json:"short_term_decay" yaml:"short_term_decay"`
	Thresholds      FeatureThresholds  `json:"thresholds" yaml:"thresholds"`
}

// DefaultConfig returns the default decision parameters.
func DefaultConfig() Config {
	return Config{
		RecentK:   10,
		RetrieveK: 10,
		BaseWeights: map[string]float64{
			memory.SourceNews:       1.0,
			memory.SourcePrice:      1.0,
			memory.SourceFact:       0.8,
			memory.SourceStrategy:   0.7,
			memory.SourceGenerative: 1.0,
		},
		PriceScale:      0.02,
		TieBias:         market.Short,
		ConflictRatio:   0.5,
		ConflictPenalty: 0.5,
		DegradedCap:     0.3,
		GenerateTimeout: 30 * time.Second,
		ShortTermDecay:  memory.DefaultShortTermDecay(),
		Thresholds:      DefaultFeatureThresholds(),
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.RecentK <= 0 {
		c.RecentK = d.RecentK
	}
	if c.RetrieveK <= 0 {
		c.RetrieveK = d.RetrieveK
	}
	if c.BaseWeights == nil {
		c.BaseWeights = d.BaseWeights
	}
	if c.PriceScale <= 0 {
		c.PriceScale = d.PriceScale
	}
	if !c.TieBias.Valid() {
		c.TieBias = d.TieBias
	}
	if c.ConflictRatio <= 0 {
		c.ConflictRatio = d.ConflictRatio
	}
	if c.ConflictPenalty <= 0 {
		c.ConflictPenalty = d.ConflictPenalty
	}
	if c.DegradedCap <= 0 {
		c.DegradedCap = d.DegradedCap
	}
	if c.GenerateTimeout <= 0 {
		c.GenerateTimeout = d.GenerateTimeout
	}
	if c.ShortTermDecay.HalfLife <= 0 {
		c.ShortTermDecay = d.ShortTermDecay
	}
	if c.Thresholds == (FeatureThresholds{}) {
		c.Thresholds = d.Thresholds
	}
	return c
}

// Engine runs decision cycles over an agent's memories. Cycles are serialized.
type Engine struct {
	mu        sync.Mutex
	stores    *memory.Stores
	generator provider.Generator
	cfg       Config
	logger    *zap.Logger
}

// NewEngine creates an engine. generator may be nil.
func NewEngine(stores *memory.Stores, generator provider.Generator, cfg Config, logger *zap.Logger) *Engine {
	return &Engine{
		stores:    stores,
		generator: generator,
		cfg:       cfg.withDefaults(),
		logger:    logger,
	}
}

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

type signal struct {
	memory.SignalTrace
	decay float64
}

// MakeRecommendation runs one decision cycle for query at now, logs the
// decision in autobiographical memory and returns it. Collaborator failures
// degrade the cycle to short-term and procedural signals with capped
// confidence; they never fail it.
func (e *Engine) MakeRecommendation(ctx context.Context, query string, now time.Time) (memory.Decision, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return memory.Decision{}, &market.ValidationError{Field: "query", Reason: "required"}
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	wm := e.stores.Working
	wm.Reset(query)

	recent := e.stores.ShortTerm.Recent(e.cfg.RecentK)
	mctx := Extract(query, recent, e.cfg.Thresholds)
	wm.SetFeatures(mctx.Features)

	base := e.recentSignals(recent, now)
	for _, r := range recent {
		wm.AddRef(r.ID)
	}
	templates := e.stores.Procedural.Match(mctx.Features)
	base = append(base, e.templateSignals(templates)...)

	var (
		extra     []signal
		degraded  string
		narrative string
		archive   []memory.Scored
	)

	archive, err := e.stores.LongTerm.Retrieve(ctx, query, e.cfg.RetrieveK, now)
	if err != nil {
		degraded = "long-term retrieval failed: " + err.Error()
	} else {
		extra = append(extra, e.archiveSignals(archive, recent)...)
		if e.generator != nil {
			op, err := e.consult(ctx, promptInput{
				Query:          query,
				Context:        mctx,
				Recent:         recent,
				Archive:        archive,
				Templates:      templates,
				Considerations: e.stores.Prospective.Considerations(),
			})
			if err != nil {
				degraded = "generative provider failed: " + err.Error()
			} else {
				narrative = op.Reasoning
				extra = append(extra, signal{
					SignalTrace: memory.SignalTrace{
						Source:   memory.SourceGenerative,
						Key:      signalKey(memory.SourceGenerative, e.generator.ID(), op.Direction),
						Vote:     op.Direction,
						Strength: op.Confidence,
						Detail:   op.Reasoning,
					},
					decay: 1,
				})
			}
		}
	}

	signals := base
	if degraded == "" {
		signals = append(signals, extra...)
		for _, s := range archive {
			wm.AddRef(s.Record.ID)
		}
	} else {
		e.logger.Warn("decision cycle degraded", zap.String("query", query), zap.String("reason", degraded))
	}

	d := e.aggregate(mctx, signals, degraded != "")
	d.Reasoning.DegradedReason = degraded
	d.Reasoning.Narrative = narrative
	for _, s := range d.Reasoning.Signals {
		wm.AddSignal(s)
	}

	view := wm.View()
	d.ID = uuid.New().String()
	d.Timestamp = now
	d.Query = query
	d.Asset = mctx.Asset
	d.ContextRefs = view.ContextRefs
	if d.ContextRefs == nil {
		d.ContextRefs = []string{}
	}

	if err := e.stores.Autobiographical.Log(d); err != nil {
		return memory.Decision{}, fmt.Errorf("log decision: %w", err)
	}

	e.logger.Info("decision made",
		zap.String("id", d.ID),
		zap.String("recommendation", string(d.Recommendation)),
		zap.Float64("confidence", d.Confidence),
		zap.String("signature", d.Reasoning.Signature),
		zap.Bool("degraded", d.Reasoning.Degraded))
	return d, nil
}

func (e *Engine) consult(ctx context.Context, in promptInput) (Opinion, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.GenerateTimeout)
	defer cancel()

	prompt, memoryContext := buildPrompt(in)
	reply, err := e.generator.Generate(ctx, prompt, memoryContext)
	if err != nil {
		return Opinion{}, provider.Classify("generate", err)
	}
	return ParseOpinion(reply)
}

func signalKey(source, kind string, vote market.Direction) string {
	return source + ":" + kind + ":" + string(vote)
}

func (e *Engine) recentSignals(recent []memory.Record, now time.Time) []signal {
	var out []signal
	for _, r := range recent {
		if s, ok := e.recordSignal(r); ok {
			s.decay = e.cfg.ShortTermDecay.Weight(r.Timestamp, now)
			out = append(out, s)
		}
	}
	return out
}

// archiveSignals converts retrieved long-term records, skipping those already
// counted from short-term memory.
func (e *Engine) archiveSignals(archive []memory.Scored, recent []memory.Record) []signal {
	seen := make(map[string]bool, len(recent))
	for _, r := range recent {
		seen[r.ID] = true
	}
	var out []signal
	for _, sc := range archive {
		if seen[sc.Record.ID] {
			continue
		}
		if s, ok := e.recordSignal(sc.Record); ok {
			s.decay = sc.Relevance
			out = append(out, s)
		}
	}
	return out
}

// recordSignal maps a record to its vote and strength. Zero-strength records
// do not vote.
func (e *Engine) recordSignal(r memory.Record) (signal, bool) {
	var s signal
	s.RecordID = r.ID
	switch r.Kind {
	case memory.KindNews:
		v := r.News.SentimentScore()
		if v == 0 {
			return s, false
		}
		s.Source = memory.SourceNews
		s.Vote = directionOf(v)
		s.Strength = math.Min(1, math.Abs(v))
		s.Key = signalKey(s.Source, "sentiment", s.Vote)
		s.Detail = r.News.Text
	case memory.KindPrice:
		dev := r.Price.Deviation()
		if dev == 0 {
			return s, false
		}
		s.Source = memory.SourcePrice
		s.Vote = directionOf(dev)
		s.Strength = math.Min(1, math.Abs(dev)/e.cfg.PriceScale)
		s.Key = signalKey(s.Source, "trend", s.Vote)
		s.Detail = fmt.Sprintf("%s %.4f vs average %.4f", r.Price.Asset, r.Price.Price, r.Price.RollingAverage)
	case memory.KindFact:
		if !r.Fact.Direction.Valid() || r.Fact.Confidence <= 0 {
			return s, false
		}
		category := r.Fact.Category
		if category == "" {
			category = "general"
		}
		s.Source = memory.SourceFact
		s.Vote = r.Fact.Direction
		s.Strength = math.Min(1, r.Fact.Confidence)
		s.Key = signalKey(s.Source, category, s.Vote)
		s.Detail = r.Fact.Text
	default:
		return s, false
	}
	return s, true
}

func (e *Engine) templateSignals(templates []memory.StrategyTemplate) []signal {
	out := make([]signal, 0, len(templates))
	for _, t := range templates {
		if t.Strength <= 0 {
			continue
		}
		out = append(out, signal{
			SignalTrace: memory.SignalTrace{
				Source:   memory.SourceStrategy,
				Key:      signalKey(memory.SourceStrategy, t.ID, t.Vote),
				Vote:     t.Vote,
				Strength: t.Strength,
				Detail:   t.Name,
			},
			decay: 1,
		})
	}
	return out
}

func directionOf(v float64) market.Direction {
	if v > 0 {
		return market.Long
	}
	return market.Short
}

// aggregate weighs every signal and applies the direction and confidence rules.
func (e *Engine) aggregate(mctx Context, signals []signal, degraded bool) memory.Decision {
	var long, short float64
	traces := make([]memory.SignalTrace, 0, len(signals))
	for _, s := range signals {
		rw := e.stores.Reinforcement.Weight(memory.ReinforcementKey(mctx.Signature, s.Key))
		base, ok := e.cfg.BaseWeights[s.Source]
		if !ok {
			base = 1
		}
		s.Weight = base * s.decay * rw
		contribution := s.Weight * s.Strength
		if s.Vote == market.Long {
			long += contribution
		} else {
			short += contribution
		}
		traces = append(traces, s.SignalTrace)
	}

	r := memory.Reasoning{
		Signature:   mctx.Signature,
		Features:    append([]string(nil), mctx.Features...),
		LongWeight:  long,
		ShortWeight: short,
		Degraded:    degraded,
	}

	var winner market.Direction
	switch {
	case long > short:
		winner = market.Long
	case short > long:
		winner = market.Short
	default:
		winner = e.cfg.TieBias
		r.TieBreak = true
	}

	win, lose := long, short
	if winner == market.Short {
		win, lose = short, long
	}
	r.Margin = win - lose

	var confidence float64
	if !r.TieBreak && win+lose > 0 {
		confidence = clamp01((win - lose) / (win + lose))
	}

	var against int
	for i := range traces {
		if traces[i].Vote != winner {
			traces[i].Conflicting = true
			against++
		}
	}
	if len(traces) > 0 && float64(against)/float64(len(traces)) > e.cfg.ConflictRatio {
		confidence *= e.cfg.ConflictPenalty
		r.ConflictPenalty = true
	}
	if degraded && confidence > e.cfg.DegradedCap {
		confidence = e.cfg.DegradedCap
	}
	r.Signals = traces

	return memory.Decision{
		Recommendation: winner,
		Confidence:     clamp01(confidence),
		Reasoning:      r,
	}
}
