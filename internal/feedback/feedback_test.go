package feedback

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nidhogg/finmem/internal/decision"
	"github.com/nidhogg/finmem/internal/market"
	"github.com/nidhogg/finmem/internal/memory"
)

var now = time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)

func score(v float64) *float64 { return &v }

func mixedStores(t *testing.T) *memory.Stores {
	t.Helper()
	ctx := context.Background()
	s := memory.NewStores(memory.Options{}, zap.NewNop())
	for i, v := range []float64{0.6, -0.6, 0.5, -0.5, 0.4} {
		_, err := s.Sensory.IngestNews(ctx, market.NewsItem{
			Timestamp: now.Add(time.Duration(i-30) * time.Minute),
			Text:      "btc headline",
			Asset:     "BTC",
			Sentiment: score(v),
		})
		require.NoError(t, err)
	}
	for i, p := range []float64{99.5, 99, 98.5} {
		_, err := s.Sensory.IngestPrice(ctx, market.PriceTick{
			Asset:          "BTC",
			Timestamp:      now.Add(time.Duration(i-25) * time.Minute),
			Price:          p,
			RollingAverage: 100,
		})
		require.NoError(t, err)
	}
	return s
}

func TestUnknownDecisionWritesNothing(t *testing.T) {
	s := mixedStores(t)
	p := NewProcessor(s, 0, 0, zap.NewNop())
	ltm := s.LongTerm.Len()

	_, err := p.ProcessFeedback(context.Background(), Request{DecisionID: "missing", Label: "hit", Reward: 1})
	require.ErrorIs(t, err, memory.ErrNotFound)

	assert.Empty(t, s.Reinforcement.Keys())
	assert.Equal(t, ltm, s.LongTerm.Len())
	assert.Empty(t, s.Prospective.Considerations())
}

func TestPositiveFeedbackDoesNotLowerConfidence(t *testing.T) {
	ctx := context.Background()
	s := mixedStores(t)
	e := decision.NewEngine(s, nil, decision.Config{}, zap.NewNop())
	p := NewProcessor(s, DefaultAlpha, 0, zap.NewNop())

	first, err := e.MakeRecommendation(ctx, "BTC outlook", now)
	require.NoError(t, err)

	res, err := p.ProcessFeedback(ctx, Request{
		DecisionID: first.ID,
		Label:      "price fell",
		Reward:     0.8,
		ResolvedAt: now.Add(time.Hour),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, res.Updated)
	assert.NotEmpty(t, res.FactID)
	require.NotNil(t, res.Decision.Outcome)

	second, err := e.MakeRecommendation(ctx, "BTC outlook", now)
	require.NoError(t, err)
	assert.Equal(t, first.Reasoning.Signature, second.Reasoning.Signature)
	assert.Equal(t, first.Recommendation, second.Recommendation)
	assert.GreaterOrEqual(t, second.Confidence, first.Confidence)

	for _, sig := range first.Reasoning.Signals {
		w := s.Reinforcement.Weight(memory.ReinforcementKey(first.Reasoning.Signature, sig.Key))
		if sig.Vote == first.Recommendation {
			assert.InDelta(t, 0.96, w, 1e-9, sig.Key)
		} else {
			assert.InDelta(t, 0.64, w, 1e-9, sig.Key)
		}
	}
	assert.Len(t, s.Prospective.Considerations(), 1)
}

func TestOutcomeIsWriteOnce(t *testing.T) {
	ctx := context.Background()
	s := mixedStores(t)
	e := decision.NewEngine(s, nil, decision.Config{}, zap.NewNop())
	p := NewProcessor(s, 0, 0, zap.NewNop())

	d, err := e.MakeRecommendation(ctx, "BTC outlook", now)
	require.NoError(t, err)

	req := Request{DecisionID: d.ID, Label: "hit", Reward: 0.5, ResolvedAt: now.Add(time.Hour)}
	_, err = p.ProcessFeedback(ctx, req)
	require.NoError(t, err)
	weights := make(map[string]float64)
	for _, k := range s.Reinforcement.Keys() {
		weights[k] = s.Reinforcement.Weight(k)
	}
	ltm := s.LongTerm.Len()

	res, err := p.ProcessFeedback(ctx, req)
	require.NoError(t, err)
	assert.True(t, res.Repeated)

	conflicting := req
	conflicting.Reward = -0.5
	_, err = p.ProcessFeedback(ctx, conflicting)
	require.ErrorIs(t, err, memory.ErrConflict)

	for k, w := range weights {
		assert.Equal(t, w, s.Reinforcement.Weight(k), "weight %s changed", k)
	}
	assert.Equal(t, ltm, s.LongTerm.Len())
	got, err := s.Autobiographical.Get(d.ID)
	require.NoError(t, err)
	assert.Equal(t, 0.5, got.Outcome.Reward)
}

func TestRewardsAttribution(t *testing.T) {
	d := memory.Decision{
		Recommendation: market.Long,
		Reasoning: memory.Reasoning{
			Signature: "sig",
			Signals: []memory.SignalTrace{
				{Key: "news:sentiment:Long", Vote: market.Long},
				{Key: "news:sentiment:Long", Vote: market.Long},
				{Key: "price:trend:Short", Vote: market.Short},
			},
		},
	}
	got := Rewards(d, 0.6)
	assert.Equal(t, map[string]float64{
		"sig|news:sentiment:Long": 0.6,
		"sig|price:trend:Short":   -0.6,
	}, got)
}

func TestValidation(t *testing.T) {
	p := NewProcessor(memory.NewStores(memory.Options{}, zap.NewNop()), 0, 0, zap.NewNop())
	for _, req := range []Request{
		{Label: "x", Reward: 0.1},
		{DecisionID: "d", Reward: 0.1},
		{DecisionID: "d", Label: "x", Reward: 1.5},
	} {
		_, err := p.ProcessFeedback(context.Background(), req)
		assert.ErrorIs(t, err, market.ErrValidation)
	}
}

func TestSubmitAndRun(t *testing.T) {
	s := mixedStores(t)
	e := decision.NewEngine(s, nil, decision.Config{}, zap.NewNop())
	p := NewProcessor(s, 0, 4, zap.NewNop())

	var resolved []string
	done := make(chan struct{}, 1)
	p.OnResolved(func(ctx context.Context, d memory.Decision) {
		resolved = append(resolved, d.ID)
		done <- struct{}{}
	})

	d, err := e.MakeRecommendation(context.Background(), "BTC outlook", now)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(stopped)
	}()

	require.NoError(t, p.Submit(ctx, Request{DecisionID: d.ID, Label: "hit", Reward: 0.3}))
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("queued feedback was not processed")
	}
	cancel()
	<-stopped

	assert.Equal(t, []string{d.ID}, resolved)
	err = p.Submit(context.Background(), Request{DecisionID: d.ID, Label: "hit", Reward: 0.3})
	assert.True(t, errors.Is(err, ErrQueueClosed))
}

func TestRunDrainsQueuedOnCancel(t *testing.T) {
	s := mixedStores(t)
	e := decision.NewEngine(s, nil, decision.Config{}, zap.NewNop())
	p := NewProcessor(s, 0, 16, zap.NewNop())
	ctx := context.Background()

	var ids []string
	for i := 0; i < 8; i++ {
		d, err := e.MakeRecommendation(ctx, "BTC outlook", now.Add(time.Duration(i)*time.Minute))
		require.NoError(t, err)
		require.NoError(t, p.Submit(ctx, Request{DecisionID: d.ID, Label: "hit", Reward: 0.2}))
		ids = append(ids, d.ID)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	p.Run(cancelled)

	select {
	case <-p.Done():
	default:
		t.Fatal("Done not closed after Run returned")
	}
	for _, id := range ids {
		d, err := s.Autobiographical.Get(id)
		require.NoError(t, err)
		assert.NotNil(t, d.Outcome, id)
	}
	err := p.Submit(ctx, Request{DecisionID: ids[0], Label: "hit", Reward: 0.2})
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestSubmitUnknownDecision(t *testing.T) {
	p := NewProcessor(mixedStores(t), 0, 4, zap.NewNop())
	err := p.Submit(context.Background(), Request{DecisionID: "nope", Label: "hit", Reward: 0.1})
	assert.ErrorIs(t, err, memory.ErrNotFound)
}
