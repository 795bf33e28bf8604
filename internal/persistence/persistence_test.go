package persistence

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nidhogg/finmem/internal/decision"
	"github.com/nidhogg/finmem/internal/feedback"
	"github.com/nidhogg/finmem/internal/market"
	"github.com/nidhogg/finmem/internal/memory"
)

var now = time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)

// memBackend is an in-memory Backend. It keeps every write in history.
type memBackend struct {
	mu      sync.Mutex
	data    []byte
	history [][]byte
}

func (b *memBackend) Write(_ context.Context, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = append([]byte(nil), data...)
	b.history = append(b.history, b.data)
	return nil
}

func (b *memBackend) Read(context.Context) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.data == nil {
		return nil, ErrNoSnapshot
	}
	return b.data, nil
}

func (b *memBackend) Close() error { return nil }

func score(v float64) *float64 { return &v }

// populated returns stores touched by every operation that changes state.
func populated(t *testing.T) *memory.Stores {
	t.Helper()
	ctx := context.Background()
	s := memory.NewStores(memory.Options{}, zap.NewNop())
	for i, v := range []float64{0.6, -0.4, 0.5} {
		_, err := s.Sensory.IngestNews(ctx, market.NewsItem{
			Timestamp: now.Add(time.Duration(i-20) * time.Minute),
			Text:      "btc headline",
			Asset:     "BTC",
			Sentiment: score(v),
		})
		require.NoError(t, err)
	}
	_, err := s.Sensory.IngestPrice(ctx, market.PriceTick{
		Asset: "BTC", Timestamp: now.Add(-10 * time.Minute), Price: 101, RollingAverage: 100,
	})
	require.NoError(t, err)

	d, err := decision.NewEngine(s, nil, decision.Config{}, zap.NewNop()).MakeRecommendation(ctx, "BTC outlook", now)
	require.NoError(t, err)
	_, err = feedback.NewProcessor(s, 0, 0, zap.NewNop()).ProcessFeedback(ctx, feedback.Request{
		DecisionID: d.ID, Label: "hit", Reward: 0.4, ResolvedAt: now.Add(time.Hour),
	})
	require.NoError(t, err)

	fire := now.Add(time.Hour)
	_, err = s.Prospective.Schedule(memory.Trigger{FireAt: &fire, Query: "BTC close", Every: 24 * time.Hour}, now)
	require.NoError(t, err)
	return s
}

func newManager(t *testing.T, s *memory.Stores, b Backend) *Manager {
	t.Helper()
	m, err := NewManager(s, b, zap.NewNop())
	require.NoError(t, err)
	m.now = func() time.Time { return now }
	return m
}

func stateJSON(t *testing.T, s *memory.Stores) string {
	t.Helper()
	data, err := json.Marshal(s.View())
	require.NoError(t, err)
	return string(data)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	src := populated(t)
	b := &memBackend{}

	info, err := newManager(t, src, b).Save(ctx)
	require.NoError(t, err)
	assert.Equal(t, CurrentVersion, info.Version)
	assert.Equal(t, 1, info.Decisions)

	dst := memory.NewStores(memory.Options{}, zap.NewNop())
	loaded, err := newManager(t, dst, b).Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, info.Decisions, loaded.Decisions)
	assert.JSONEq(t, stateJSON(t, src), stateJSON(t, dst))

	// a restored agent decides exactly like the one that was saved
	e1 := decision.NewEngine(src, nil, decision.Config{}, zap.NewNop())
	e2 := decision.NewEngine(dst, nil, decision.Config{}, zap.NewNop())
	d1, err := e1.MakeRecommendation(ctx, "BTC outlook", now.Add(2*time.Hour))
	require.NoError(t, err)
	d2, err := e2.MakeRecommendation(ctx, "BTC outlook", now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, d1.Recommendation, d2.Recommendation)
	assert.Equal(t, d1.Confidence, d2.Confidence)
}

func TestLoadWithoutSnapshot(t *testing.T) {
	m := newManager(t, memory.NewStores(memory.Options{}, zap.NewNop()), &memBackend{})
	_, err := m.Load(context.Background())
	require.ErrorIs(t, err, ErrNoSnapshot)
	var perr *PersistenceError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "read", perr.Op)
}

func TestNewerVersionRejected(t *testing.T) {
	s := populated(t)
	before := stateJSON(t, s)
	b := &memBackend{data: []byte(`{
		"schema": "finmem.snapshot",
		"version": 99,
		"created_at": "2024-03-01T12:00:00Z",
		"state": {}
	}`)}
	_, err := newManager(t, s, b).Load(context.Background())
	require.ErrorIs(t, err, ErrIncompatibleVersion)
	assert.JSONEq(t, before, stateJSON(t, s))
}

func TestInvalidSnapshotLeavesStoresUntouched(t *testing.T) {
	s := populated(t)
	before := stateJSON(t, s)

	for name, doc := range map[string]string{
		"not json":     `{"schema":`,
		"wrong schema": `{"schema":"other","version":2,"created_at":"2024-03-01T12:00:00Z","state":{}}`,
		"missing stores": `{"schema":"finmem.snapshot","version":2,"created_at":"2024-03-01T12:00:00Z",
			"state":{"short_term":[]}}`,
		"confidence out of range": `{"schema":"finmem.snapshot","version":2,"created_at":"2024-03-01T12:00:00Z",
			"state":{"short_term":[],"long_term":[],"procedural":null,
				"prospective":{"triggers":[],"considerations":[]},
				"autobiographical":[{"id":"d1","timestamp":"2024-03-01T12:00:00Z","query":"q",
					"recommendation":"Long","confidence":1.7}],
				"reinforcement":{}}}`,
		"hold recommendation": `{"schema":"finmem.snapshot","version":2,"created_at":"2024-03-01T12:00:00Z",
			"state":{"short_term":[],"long_term":[],"procedural":null,
				"prospective":{"triggers":[],"considerations":[]},
				"autobiographical":[{"id":"d1","timestamp":"2024-03-01T12:00:00Z","query":"q",
					"recommendation":"Hold","confidence":0.5}],
				"reinforcement":{}}}`,
		"news record without payload": `{"schema":"finmem.snapshot","version":2,"created_at":"2024-03-01T12:00:00Z",
			"state":{"short_term":[{"id":"n1","kind":"news","timestamp":"2024-03-01T12:00:00Z"}],
				"long_term":[],"procedural":null,
				"prospective":{"triggers":[],"considerations":[]},
				"autobiographical":[],"reinforcement":{}}}`,
		"fact record without payload": `{"schema":"finmem.snapshot","version":2,"created_at":"2024-03-01T12:00:00Z",
			"state":{"short_term":[],"long_term":[{"id":"f1","kind":"fact","timestamp":"2024-03-01T12:00:00Z"}],
				"procedural":null,
				"prospective":{"triggers":[],"considerations":[]},
				"autobiographical":[],"reinforcement":{}}}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := newManager(t, s, &memBackend{data: []byte(doc)}).Load(context.Background())
			require.ErrorIs(t, err, ErrInvalidSnapshot)
			assert.JSONEq(t, before, stateJSON(t, s))
		})
	}
}

func TestLoadRejectsRecordWithoutPayload(t *testing.T) {
	ctx := context.Background()
	b := &memBackend{}
	_, err := newManager(t, populated(t), b).Save(ctx)
	require.NoError(t, err)

	// strip the payload from a saved record, keeping the envelope valid
	var env map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(b.data, &env))
	var state map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(env["state"], &state))
	state["short_term"] = json.RawMessage(`[{"id":"x","kind":"news","timestamp":"2024-03-01T12:00:00Z"}]`)
	env["state"], err = json.Marshal(state)
	require.NoError(t, err)
	b.data, err = json.Marshal(env)
	require.NoError(t, err)

	dst := populated(t)
	before := stateJSON(t, dst)
	_, err = newManager(t, dst, b).Load(ctx)
	require.ErrorIs(t, err, ErrInvalidSnapshot)
	assert.JSONEq(t, before, stateJSON(t, dst))

	assert.NotPanics(t, func() {
		_, err := decision.NewEngine(dst, nil, decision.Config{}, zap.NewNop()).MakeRecommendation(ctx, "BTC outlook", now)
		assert.NoError(t, err)
	})
}

func TestConcurrentIngestDecideSave(t *testing.T) {
	ctx := context.Background()
	logger := zap.NewNop()
	s := memory.NewStores(memory.Options{ShortTermCapacity: 8}, logger)
	engine := decision.NewEngine(s, nil, decision.Config{}, logger)
	fb := feedback.NewProcessor(s, 0, 0, logger)
	b := &memBackend{}
	m := newManager(t, s, b)

	var wg sync.WaitGroup
	errs := make(chan error, 256)
	const rounds = 40

	wg.Add(4)
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			_, err := s.Sensory.IngestNews(ctx, market.NewsItem{
				Timestamp: now.Add(time.Duration(i) * time.Second),
				Text:      "btc rally continues",
				Asset:     "BTC",
				Sentiment: score(0.5),
			})
			if err != nil {
				errs <- err
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			_, err := s.Sensory.IngestPrice(ctx, market.PriceTick{
				Asset: "BTC", Timestamp: now.Add(time.Duration(i) * time.Second), Price: 100 + float64(i), RollingAverage: 100,
			})
			if err != nil {
				errs <- err
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < rounds/4; i++ {
			at := now.Add(time.Duration(rounds+i) * time.Second)
			d, err := engine.MakeRecommendation(ctx, "BTC outlook", at)
			if err != nil {
				errs <- err
				continue
			}
			if _, err := fb.ProcessFeedback(ctx, feedback.Request{
				DecisionID: d.ID, Label: "hit", Reward: 0.3, ResolvedAt: at.Add(time.Hour),
			}); err != nil {
				errs <- err
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < rounds/4; i++ {
			if _, err := m.Save(ctx); err != nil {
				errs <- err
			}
		}
	}()
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assert.LessOrEqual(t, s.ShortTerm.Len(), s.ShortTerm.Capacity())
	_, err := m.Save(ctx)
	require.NoError(t, err)

	b.mu.Lock()
	history := b.history
	b.mu.Unlock()
	require.NotEmpty(t, history)
	for i, data := range history {
		st, _, err := m.Decode(data)
		require.NoError(t, err, "snapshot %d", i)
		assert.LessOrEqual(t, len(st.ShortTerm), s.ShortTerm.Capacity(), "snapshot %d", i)
	}

	final := memory.NewStores(memory.Options{ShortTermCapacity: 8}, logger)
	_, err = newManager(t, final, b).Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, rounds/4, final.Autobiographical.Len())
}

func TestMigrateVersionOne(t *testing.T) {
	doc := `{
		"schema": "finmem.snapshot",
		"version": 1,
		"created_at": "2024-03-01T12:00:00Z",
		"state": {
			"short_term": [],
			"long_term": [{"id": "f1", "kind": "fact", "store_type": "long_term",
				"timestamp": "2024-03-01T11:00:00Z", "decay_weight": 1,
				"fact": {"id": "f1", "timestamp": "2024-03-01T11:00:00Z", "text": "btc rallies after halving",
					"category": "lesson", "asset": "BTC", "direction": "Long", "confidence": 0.7}}],
			"autobiographical": [],
			"prospective": [{"id": "t1", "series_id": "t1", "event": "fomc", "query": "rates",
				"status": "pending", "created_at": "2024-03-01T11:00:00Z"}],
			"weights": {"sig|news:sentiment:Long": 0.8}
		}
	}`
	s := memory.NewStores(memory.Options{}, zap.NewNop())
	info, err := newManager(t, s, &memBackend{data: []byte(doc)}).Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, info.Version)

	assert.InDelta(t, 0.8, s.Reinforcement.Weight("sig|news:sentiment:Long"), 1e-9)
	trig, err := s.Prospective.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, "fomc", trig.Event)
	_, ok := s.LongTerm.Get("f1")
	assert.True(t, ok)
	assert.NotEmpty(t, s.Procedural.List(), "missing templates keep the defaults")
}

func TestMissingMigrationStep(t *testing.T) {
	s := memory.NewStores(memory.Options{}, zap.NewNop())
	m := newManager(t, s, &memBackend{data: []byte(
		`{"schema":"finmem.snapshot","version":1,"created_at":"2024-03-01T12:00:00Z","state":{}}`)})
	delete(m.migrations, 1)
	_, err := m.Load(context.Background())
	require.ErrorIs(t, err, ErrIncompatibleVersion)
}

func TestFileBackendAtomicWrite(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	b, err := NewFileBackend(filepath.Join(dir, "state", "snapshot.json"))
	require.NoError(t, err)

	_, err = b.Read(ctx)
	require.ErrorIs(t, err, ErrNoSnapshot)

	require.NoError(t, b.Write(ctx, []byte(`{"a":1}`)))
	require.NoError(t, b.Write(ctx, []byte(`{"a":2}`)))

	data, err := b.Read(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":2}`, string(data))

	entries, err := os.ReadDir(filepath.Dir(b.Path()))
	require.NoError(t, err)
	require.Len(t, entries, 1, "temporary files must not be left behind")
	assert.Equal(t, "snapshot.json", entries[0].Name())
}

func TestManagerWithFileBackend(t *testing.T) {
	ctx := context.Background()
	b, err := NewFileBackend(filepath.Join(t.TempDir(), "snapshot.json"))
	require.NoError(t, err)

	src := populated(t)
	_, err = newManager(t, src, b).Save(ctx)
	require.NoError(t, err)

	dst := memory.NewStores(memory.Options{}, zap.NewNop())
	_, err = newManager(t, dst, b).Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, src.Autobiographical.Len(), dst.Autobiographical.Len())
	assert.Equal(t, src.Prospective.Considerations(), dst.Prospective.Considerations())
}
