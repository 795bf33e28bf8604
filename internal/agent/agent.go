// Package agent owns one recommendation agent: its memories and the services
// that read and write them.
package agent

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/finmem/internal/cache"
	"github.com/nidhogg/finmem/internal/decision"
	"github.com/nidhogg/finmem/internal/feedback"
	"github.com/nidhogg/finmem/internal/lineage"
	"github.com/nidhogg/finmem/internal/market"
	"github.com/nidhogg/finmem/internal/memory"
	"github.com/nidhogg/finmem/internal/notify"
	"github.com/nidhogg/finmem/internal/persistence"
	"github.com/nidhogg/finmem/internal/vectorstore"
)

// ErrPersistenceDisabled is returned by Save and Load when no snapshot
// backend is configured.
var ErrPersistenceDisabled = errors.New("persistence is not configured")

// Deps are the collaborators of an Agent. Only Stores and Engine are
// required.
type Deps struct {
	Stores      *memory.Stores
	Engine      *decision.Engine
	Feedback    *feedback.Processor
	Persistence *persistence.Manager
	Backend     persistence.Backend
	Lineage     lineage.Recorder
	Notifier    *notify.Fanout
	Cache       cache.Store
	Vectors     vectorstore.Store
	Now         func() time.Time
}

// Agent is the aggregate every entry point works through.
type Agent struct {
	stores      *memory.Stores
	engine      *decision.Engine
	feedback    *feedback.Processor
	persistence *persistence.Manager
	backend     persistence.Backend
	lineage     lineage.Recorder
	notifier    *notify.Fanout
	cache       cache.Store
	vectors     vectorstore.Store
	now         func() time.Time
	logger      *zap.Logger
}

// New wires an agent from deps.
func New(deps Deps, logger *zap.Logger) *Agent {
	a := &Agent{
		stores:      deps.Stores,
		engine:      deps.Engine,
		feedback:    deps.Feedback,
		persistence: deps.Persistence,
		backend:     deps.Backend,
		lineage:     deps.Lineage,
		notifier:    deps.Notifier,
		cache:       deps.Cache,
		vectors:     deps.Vectors,
		now:         deps.Now,
		logger:      logger,
	}
	if a.feedback == nil {
		a.feedback = feedback.NewProcessor(a.stores, feedback.DefaultAlpha, 0, logger)
	}
	if a.lineage == nil {
		a.lineage = lineage.Nop{}
	}
	if a.notifier == nil {
		a.notifier = notify.NewFanout(0, logger)
	}
	if a.now == nil {
		a.now = func() time.Time { return time.Now().UTC() }
	}
	a.feedback.OnResolved(a.recordOutcome)
	return a
}

// Stores exposes the agent's memories.
func (a *Agent) Stores() *memory.Stores { return a.stores }

// Feedback exposes the feedback processor, for running its queue.
func (a *Agent) Feedback() *feedback.Processor { return a.feedback }

// Notifier exposes the notification fanout.
func (a *Agent) Notifier() *notify.Fanout { return a.notifier }

// Now returns the agent's clock reading.
func (a *Agent) Now() time.Time { return a.now() }

// IngestNews validates and stores one news item.
func (a *Agent) IngestNews(ctx context.Context, n market.NewsItem) (memory.Record, error) {
	return a.stores.Sensory.IngestNews(ctx, n)
}

// IngestPrice validates and stores one price tick.
func (a *Agent) IngestPrice(ctx context.Context, p market.PriceTick) (memory.Record, error) {
	return a.stores.Sensory.IngestPrice(ctx, p)
}

// Recommend runs one decision cycle. A zero now means the agent clock.
func (a *Agent) Recommend(ctx context.Context, query string, now time.Time) (memory.Decision, error) {
	if now.IsZero() {
		now = a.now()
	}
	d, err := a.engine.MakeRecommendation(ctx, query, now)
	if err != nil {
		return memory.Decision{}, err
	}
	if err := a.lineage.RecordDecision(ctx, d); err != nil {
		a.logger.Warn("lineage write failed", zap.String("decision", d.ID), zap.Error(err))
	}
	return d, nil
}

// Decision returns a logged decision.
func (a *Agent) Decision(id string) (memory.Decision, error) {
	return a.stores.Autobiographical.Get(id)
}

// Decisions returns the autobiographical log, oldest first.
func (a *Agent) Decisions() []memory.Decision {
	return a.stores.Autobiographical.List()
}

// ProcessFeedback applies an outcome synchronously.
func (a *Agent) ProcessFeedback(ctx context.Context, req feedback.Request) (feedback.Result, error) {
	if req.ResolvedAt.IsZero() {
		req.ResolvedAt = a.now()
	}
	return a.feedback.ProcessFeedback(ctx, req)
}

func (a *Agent) recordOutcome(ctx context.Context, d memory.Decision) {
	if err := a.lineage.RecordOutcome(ctx, d); err != nil {
		a.logger.Warn("lineage outcome write failed", zap.String("decision", d.ID), zap.Error(err))
	}
}

// Schedule adds a prospective trigger.
func (a *Agent) Schedule(t memory.Trigger) (memory.Trigger, error) {
	return a.stores.Prospective.Schedule(t, a.now())
}

// Triggers lists the prospective triggers.
func (a *Agent) Triggers() []memory.Trigger {
	return a.stores.Prospective.List()
}

// Tick fires due triggers and runs a decision cycle for each. Decisions are
// posted to the configured notifiers. A failed cycle is logged and skipped.
func (a *Agent) Tick(ctx context.Context, now time.Time, events []string) []memory.Decision {
	if now.IsZero() {
		now = a.now()
	}
	reqs := a.stores.Prospective.Tick(ctx, now, events)
	out := make([]memory.Decision, 0, len(reqs))
	for _, r := range reqs {
		d, err := a.Recommend(ctx, triggerQuery(r), r.Now)
		if err != nil {
			a.logger.Error("scheduled decision failed",
				zap.String("trigger", r.TriggerID), zap.Error(err))
			continue
		}
		a.logger.Info("scheduled decision",
			zap.String("trigger", r.TriggerID),
			zap.String("reason", r.Reason),
			zap.String("recommendation", string(d.Recommendation)),
			zap.Float64("confidence", d.Confidence))
		if a.notifier.Len() > 0 {
			// failures are logged by the fanout
			_ = a.notifier.Notify(ctx, notify.FromDecision(d, r.Reason))
		}
		out = append(out, d)
	}
	return out
}

// triggerQuery puts the trigger asset in front of its query unless the
// query already names it.
func triggerQuery(r memory.DecisionRequest) string {
	if r.Asset == "" || strings.Contains(strings.ToUpper(r.Query), strings.ToUpper(r.Asset)) {
		return r.Query
	}
	return r.Asset + " " + r.Query
}

// Save snapshots every store.
func (a *Agent) Save(ctx context.Context) (persistence.Info, error) {
	if a.persistence == nil {
		return persistence.Info{}, ErrPersistenceDisabled
	}
	return a.persistence.Save(ctx)
}

// Load replaces every store with the saved snapshot.
func (a *Agent) Load(ctx context.Context) (persistence.Info, error) {
	if a.persistence == nil {
		return persistence.Info{}, ErrPersistenceDisabled
	}
	return a.persistence.Load(ctx)
}

// Compact re-applies the long-term merge policy and returns how many
// records it removed.
func (a *Agent) Compact() int {
	return a.stores.LongTerm.Compact()
}

// Close releases every external connection.
func (a *Agent) Close(ctx context.Context) error {
	var errs []error
	if err := a.lineage.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if a.backend != nil {
		if err := a.backend.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.vectors != nil {
		if err := a.vectors.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
