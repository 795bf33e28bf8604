// Package feedback turns realized outcomes into reinforcement updates.
package feedback

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/finmem/internal/market"
	"github.com/nidhogg/finmem/internal/memory"
)

// DefaultAlpha is the EMA learning rate.
const DefaultAlpha = 0.2

// ErrQueueClosed is returned by Submit after Run has stopped.
var ErrQueueClosed = errors.New("feedback queue closed")

// Request is one outcome report.
type Request struct {
	DecisionID string    `json:"decision_id"`
	Label      string    `json:"outcome"`
	Reward     float64   `json:"reward"`
	ResolvedAt time.Time `json:"resolved_at,omitempty"`
}

// Result reports what an outcome changed.
type Result struct {
	Decision memory.Decision    `json:"decision"`
	Updated  map[string]float64 `json:"updated_weights"`
	FactID   string             `json:"fact_id,omitempty"`
	Repeated bool               `json:"repeated"`
}

// ResolvedFunc observes decisions once their outcome is attached.
type ResolvedFunc func(ctx context.Context, d memory.Decision)

// Processor applies outcomes to the autobiographical log and the
// reinforcement table.
type Processor struct {
	stores     *memory.Stores
	alpha      float64
	queue      chan Request
	stopping   chan struct{}
	done       chan struct{}
	mu         sync.RWMutex
	closed     bool
	onResolved []ResolvedFunc
	logger     *zap.Logger
}

// NewProcessor creates a processor. queueSize bounds Submit's buffer.
func NewProcessor(stores *memory.Stores, alpha float64, queueSize int, logger *zap.Logger) *Processor {
	if alpha <= 0 || alpha > 1 {
		alpha = DefaultAlpha
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Processor{
		stores: stores,
		alpha:  alpha,
		queue:    make(chan Request, queueSize),
		stopping: make(chan struct{}),
		done:     make(chan struct{}),
		logger:   logger,
	}
}

// OnResolved registers fn to run after each newly attached outcome.
func (p *Processor) OnResolved(fn ResolvedFunc) {
	p.onResolved = append(p.onResolved, fn)
}

func (r Request) validate() error {
	switch {
	case strings.TrimSpace(r.DecisionID) == "":
		return &market.ValidationError{Field: "decision_id", Reason: "required"}
	case strings.TrimSpace(r.Label) == "":
		return &market.ValidationError{Field: "outcome", Reason: "required"}
	case math.IsNaN(r.Reward) || r.Reward < -1 || r.Reward > 1:
		return &market.ValidationError{Field: "reward", Reason: "must be within [-1, 1]"}
	}
	return nil
}

// ProcessFeedback attaches the outcome to its decision and updates every
// signal weight the decision used. Unknown decisions fail with
// memory.ErrNotFound before anything is written; a conflicting outcome fails
// with memory.ErrConflict. Repeating an identical outcome changes nothing.
func (p *Processor) ProcessFeedback(ctx context.Context, req Request) (Result, error) {
	if err := req.validate(); err != nil {
		return Result{}, err
	}
	if req.ResolvedAt.IsZero() {
		req.ResolvedAt = time.Now().UTC()
	}
	if _, err := p.stores.Autobiographical.Get(req.DecisionID); err != nil {
		return Result{}, err
	}

	d, attached, err := p.stores.Autobiographical.AttachOutcome(req.DecisionID, memory.Outcome{
		Label:      req.Label,
		Reward:     req.Reward,
		ResolvedAt: req.ResolvedAt,
	})
	if err != nil {
		return Result{}, err
	}
	if !attached {
		return Result{Decision: d, Repeated: true}, nil
	}

	updated := p.stores.Reinforcement.Update(p.alpha, Rewards(d, req.Reward))

	fact := lessonFact(d, req)
	if err := p.stores.LongTerm.AddFact(ctx, fact); err != nil {
		p.logger.Warn("archive feedback fact failed", zap.String("decision", d.ID), zap.Error(err))
	}
	p.stores.Prospective.AddConsideration(consideration(d, req))

	p.logger.Info("feedback processed",
		zap.String("decision", d.ID),
		zap.String("outcome", req.Label),
		zap.Float64("reward", req.Reward),
		zap.Int("weights", len(updated)))

	for _, fn := range p.onResolved {
		fn(ctx, d)
	}
	return Result{Decision: d, Updated: updated, FactID: fact.ID}, nil
}

// Rewards maps every distinct signal of d to the reward it earns: reward for
// signals that voted with the decision, -reward for those against it.
func Rewards(d memory.Decision, reward float64) map[string]float64 {
	out := make(map[string]float64, len(d.Reasoning.Signals))
	for _, s := range d.Reasoning.Signals {
		key := memory.ReinforcementKey(d.Reasoning.Signature, s.Key)
		if _, ok := out[key]; ok {
			continue
		}
		if s.Vote == d.Recommendation {
			out[key] = reward
		} else {
			out[key] = -reward
		}
	}
	return out
}

func lessonFact(d memory.Decision, req Request) market.Fact {
	dir := d.Recommendation
	if req.Reward < 0 {
		dir = dir.Opposite()
	}
	return market.Fact{
		ID:        uuid.New().String(),
		Timestamp: req.ResolvedAt,
		Text: fmt.Sprintf("%s: recommending %s in context %s was %s (reward %+.2f)",
			d.Query, d.Recommendation, d.Reasoning.Signature, req.Label, req.Reward),
		Category:   "feedback",
		Asset:      d.Asset,
		Direction:  dir,
		Confidence: math.Abs(req.Reward),
		Source:     "feedback:" + d.ID,
	}
}

func consideration(d memory.Decision, req Request) string {
	verdict := "worked"
	if req.Reward < 0 {
		verdict = "failed"
	}
	return fmt.Sprintf("In context %s, %s %s (%s, reward %+.2f).",
		d.Reasoning.Signature, d.Recommendation, verdict, req.Label, req.Reward)
}

// Submit queues req for the worker started by Run. Unknown decisions fail
// with memory.ErrNotFound here rather than in the worker.
func (p *Processor) Submit(ctx context.Context, req Request) error {
	if err := req.validate(); err != nil {
		return err
	}
	if _, err := p.stores.Autobiographical.Get(req.DecisionID); err != nil {
		return err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrQueueClosed
	}
	select {
	case p.queue <- req:
		return nil
	case <-p.stopping:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run processes queued requests until ctx is cancelled, then applies what
// is still queued before returning. Failures are logged.
func (p *Processor) Run(ctx context.Context) {
	defer close(p.done)
	work := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			p.drain(work)
			return
		case req := <-p.queue:
			p.apply(work, req)
		}
	}
}

// Done is closed once Run has drained the queue and returned.
func (p *Processor) Done() <-chan struct{} { return p.done }

func (p *Processor) drain(ctx context.Context) {
	close(p.stopping)
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	var n int
	for {
		select {
		case req := <-p.queue:
			p.apply(ctx, req)
			n++
		default:
			if n > 0 {
				p.logger.Info("feedback queue drained", zap.Int("requests", n))
			}
			return
		}
	}
}

func (p *Processor) apply(ctx context.Context, req Request) {
	if _, err := p.ProcessFeedback(ctx, req); err != nil {
		p.logger.Warn("queued feedback failed",
			zap.String("decision", req.DecisionID), zap.Error(err))
	}
}
