package lineage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nidhogg/finmem/internal/market"
	"github.com/nidhogg/finmem/internal/memory"
)

func sampleDecision() memory.Decision {
	return memory.Decision{
		ID:             "d1",
		Timestamp:      time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		Query:          "BTC outlook",
		Asset:          "BTC",
		Recommendation: market.Short,
		Confidence:     0.34,
		Reasoning: memory.Reasoning{
			Signature: "asset:btc,trend_down",
			Signals: []memory.SignalTrace{
				{Source: memory.SourceNews, Key: "news:sentiment:Long", RecordID: "n1", Vote: market.Long, Weight: 0.4},
				{Source: memory.SourceNews, Key: "news:sentiment:Long", RecordID: "n1", Vote: market.Long, Weight: 0.9},
				{Source: memory.SourcePrice, Key: "price:trend:Short", RecordID: "p1", Vote: market.Short, Weight: 1},
				{Source: memory.SourceStrategy, Key: "strategy:momentum-short:Short", Vote: market.Short, Weight: 0.6},
				{Source: memory.SourceGenerative, Key: "generative:openai:Short", Vote: market.Short, Weight: 0.5},
			},
		},
		ContextRefs: []string{"n1", "p1", "f9"},
	}
}

func TestBuild(t *testing.T) {
	g := Build(sampleDecision())
	assert.Equal(t, "d1", g.DecisionID)
	assert.Equal(t, "Short", g.Recommendation)
	assert.Equal(t, []string{"momentum-short"}, g.Strategies)
	require.Len(t, g.Records, 3)
	assert.Equal(t, Consulted{ID: "f9"}, g.Records[0])
	assert.Equal(t, "n1", g.Records[1].ID)
	assert.InDelta(t, 0.9, g.Records[1].Weight, 1e-9, "heaviest citation wins")
	assert.Equal(t, "p1", g.Records[2].ID)
}

func TestStrategyID(t *testing.T) {
	assert.Equal(t, "momentum-long", strategyID("strategy:momentum-long:Long"))
	assert.Equal(t, "", strategyID("news:sentiment:Long"))
}

func TestNop(t *testing.T) {
	var r Recorder = Nop{}
	ctx := context.Background()
	assert.NoError(t, r.RecordDecision(ctx, sampleDecision()))
	assert.NoError(t, r.RecordOutcome(ctx, sampleDecision()))
	assert.NoError(t, r.Close(ctx))
}
