package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/finmem/internal/agent"
	"github.com/nidhogg/finmem/internal/decision"
	"github.com/nidhogg/finmem/internal/market"
	"github.com/nidhogg/finmem/internal/memory"
	"github.com/nidhogg/finmem/internal/persistence"
)

var now = time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)

// newTestServer wires an agent with in-memory stores and a file snapshot
// backend (no Redis, Postgres or Neo4j).
func newTestServer(t *testing.T) (*agent.Agent, *httptest.Server) {
	t.Helper()
	logger := zap.NewNop()
	stores := memory.NewStores(memory.Options{}, logger)
	backend, err := persistence.NewFileBackend(filepath.Join(t.TempDir(), "snapshot.json"))
	if err != nil {
		t.Fatalf("file backend: %v", err)
	}
	manager, err := persistence.NewManager(stores, backend, logger)
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	a := agent.New(agent.Deps{
		Stores:      stores,
		Engine:      decision.NewEngine(stores, nil, decision.Config{}, logger),
		Persistence: manager,
		Backend:     backend,
		Now:         func() time.Time { return now },
	}, logger)
	sched := agent.NewScheduler(a, time.Hour, 0, logger)

	ts := httptest.NewServer(NewHandler(a, sched, nil, logger).Router())
	t.Cleanup(ts.Close)
	return a, ts
}

func postJSON(t *testing.T, ts *httptest.Server, path string, body interface{}) *http.Response {
	t.Helper()
	var b []byte
	switch v := body.(type) {
	case string:
		b = []byte(v)
	default:
		b, _ = json.Marshal(body)
	}
	resp, err := http.Post(ts.URL+path, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func getJSON(t *testing.T, ts *httptest.Server, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		var body map[string]any
		json.NewDecoder(resp.Body).Decode(&body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d (%v)", resp.StatusCode, want, body)
	}
}

func seed(t *testing.T, ts *httptest.Server) {
	t.Helper()
	resp := postJSON(t, ts, "/api/news", []map[string]any{
		{"timestamp": "2024-03-01T12:00:00Z", "text": "BTC rally on ETF approval", "asset": "BTC"},
		{"timestamp": "2024-03-01T12:05:00Z", "text": "bitcoin surges to record high", "asset": "BTC"},
	})
	expectStatus(t, resp, http.StatusCreated)
	resp.Body.Close()

	resp = postJSON(t, ts, "/api/prices", map[string]any{
		"asset": "BTC", "timestamp": "2024-03-01T12:10:00Z", "price": 102.0, "rolling_average": 100.0,
	})
	expectStatus(t, resp, http.StatusCreated)
	resp.Body.Close()
}

// --- Tests ---

func TestHealthCheck(t *testing.T) {
	_, ts := newTestServer(t)
	resp := getJSON(t, ts, "/api/health")
	expectStatus(t, resp, http.StatusOK)

	var body map[string]any
	decodeJSON(t, resp, &body)
	if body["status"] != "ok" {
		t.Errorf("status = %v", body["status"])
	}
}

func TestIngestBatchAndSingle(t *testing.T) {
	a, ts := newTestServer(t)
	seed(t, ts)
	if got := a.Stores().ShortTerm.Len(); got != 3 {
		t.Errorf("short-term len = %d, want 3", got)
	}

	resp := postJSON(t, ts, "/api/news", map[string]any{"text": "no timestamp"})
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = postJSON(t, ts, "/api/prices", `{"asset": "BTC", "price": `)
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	// a partly valid batch keeps the valid items
	resp = postJSON(t, ts, "/api/prices", []map[string]any{
		{"asset": "ETH", "timestamp": "2024-03-01T12:11:00Z", "price": 3000.0},
		{"asset": "ETH", "timestamp": "2024-03-01T12:12:00Z", "price": -1.0},
	})
	expectStatus(t, resp, http.StatusCreated)
	var ing ingestResponse
	decodeJSON(t, resp, &ing)
	if len(ing.Accepted) != 1 || len(ing.Errors) != 1 || ing.Errors[0].Index != 1 {
		t.Errorf("unexpected ingest response: %+v", ing)
	}
}

func TestRecommendAndFeedback(t *testing.T) {
	_, ts := newTestServer(t)
	seed(t, ts)

	resp := postJSON(t, ts, "/api/recommendations", map[string]any{"query": "BTC outlook"})
	expectStatus(t, resp, http.StatusOK)
	var d memory.Decision
	decodeJSON(t, resp, &d)
	if d.Recommendation != "Long" {
		t.Errorf("recommendation = %s, want Long", d.Recommendation)
	}
	if d.Confidence < 0 || d.Confidence > 1 {
		t.Errorf("confidence %f out of range", d.Confidence)
	}

	resp = getJSON(t, ts, "/api/decisions/"+d.ID)
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = getJSON(t, ts, "/api/decisions/nope")
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()

	fb := map[string]any{"decision_id": d.ID, "outcome": "price rose", "reward": 0.7}
	resp = postJSON(t, ts, "/api/feedback", fb)
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	// the same outcome again is accepted, a different one conflicts
	resp = postJSON(t, ts, "/api/feedback", fb)
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()
	fb["reward"] = -0.7
	resp = postJSON(t, ts, "/api/feedback", fb)
	expectStatus(t, resp, http.StatusConflict)
	resp.Body.Close()

	resp = postJSON(t, ts, "/api/feedback", map[string]any{"decision_id": "nope", "outcome": "x", "reward": 0.1})
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()

	resp = getJSON(t, ts, "/api/decisions?limit=1")
	var list []memory.Decision
	decodeJSON(t, resp, &list)
	if len(list) != 1 || list[0].Outcome == nil {
		t.Errorf("decision list = %+v", list)
	}
}

func TestRecommendValidation(t *testing.T) {
	_, ts := newTestServer(t)
	resp := postJSON(t, ts, "/api/recommendations", map[string]any{"query": ""})
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()
}

func TestAsyncFeedback(t *testing.T) {
	a, ts := newTestServer(t)
	seed(t, ts)

	resp := postJSON(t, ts, "/api/feedback?async=true", map[string]any{"decision_id": "nope", "outcome": "x", "reward": 0.1})
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()

	resp = postJSON(t, ts, "/api/recommendations", map[string]any{"query": "BTC outlook"})
	expectStatus(t, resp, http.StatusOK)
	var d memory.Decision
	decodeJSON(t, resp, &d)

	resp = postJSON(t, ts, "/api/feedback?async=true", map[string]any{"decision_id": d.ID, "outcome": "price rose", "reward": 0.4})
	expectStatus(t, resp, http.StatusAccepted)
	resp.Body.Close()

	// the worker applies what was queued once it is stopped
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	a.Feedback().Run(ctx)
	got, err := a.Decision(d.ID)
	if err != nil {
		t.Fatalf("decision: %v", err)
	}
	if got.Outcome == nil || got.Outcome.Reward != 0.4 {
		t.Errorf("outcome = %+v, want reward 0.4", got.Outcome)
	}
}

func TestTriggersAndTick(t *testing.T) {
	_, ts := newTestServer(t)
	seed(t, ts)

	resp := postJSON(t, ts, "/api/triggers", map[string]any{"query": "outlook", "asset": "BTC", "after": "30m"})
	expectStatus(t, resp, http.StatusCreated)
	var trig memory.Trigger
	decodeJSON(t, resp, &trig)
	if trig.FireAt == nil || !trig.FireAt.Equal(now.Add(30*time.Minute)) {
		t.Errorf("fire_at = %v", trig.FireAt)
	}

	resp = postJSON(t, ts, "/api/triggers", map[string]any{"query": "missing schedule"})
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = postJSON(t, ts, "/api/triggers", map[string]any{"id": trig.ID, "query": "dup", "event": "x"})
	expectStatus(t, resp, http.StatusConflict)
	resp.Body.Close()

	resp = postJSON(t, ts, "/api/triggers/tick", map[string]any{"now": now.Add(time.Hour)})
	expectStatus(t, resp, http.StatusOK)
	var fired []memory.Decision
	decodeJSON(t, resp, &fired)
	if len(fired) != 1 || fired[0].Asset != "BTC" {
		t.Errorf("fired = %+v", fired)
	}

	resp = getJSON(t, ts, "/api/triggers")
	var triggers []memory.Trigger
	decodeJSON(t, resp, &triggers)
	for _, tr := range triggers {
		if tr.ID == trig.ID && tr.Status != memory.TriggerConsumed {
			t.Errorf("trigger %s status = %s", tr.ID, tr.Status)
		}
	}

	resp = postJSON(t, ts, "/api/events/fomc", nil)
	expectStatus(t, resp, http.StatusAccepted)
	resp.Body.Close()
}

func TestSnapshots(t *testing.T) {
	a, ts := newTestServer(t)

	resp := postJSON(t, ts, "/api/snapshots/load", nil)
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()

	seed(t, ts)
	resp = postJSON(t, ts, "/api/snapshots/save", nil)
	expectStatus(t, resp, http.StatusOK)
	var info persistence.Info
	decodeJSON(t, resp, &info)
	if info.Version != persistence.CurrentVersion {
		t.Errorf("version = %d", info.Version)
	}

	extra := market.NewsItem{Timestamp: now, Text: "ETH upgrade delayed", Asset: "ETH"}
	if _, err := a.IngestNews(context.Background(), extra); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	resp = postJSON(t, ts, "/api/snapshots/load", nil)
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()
	if got := a.Stores().ShortTerm.Len(); got != 3 {
		t.Errorf("after load short-term len = %d, want 3", got)
	}
}

func TestCorruptSnapshotIsServerError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "snapshot.json")
	if err := os.WriteFile(path, []byte(`{"schema":"finmem.snapshot","version":9}`), 0o600); err != nil {
		t.Fatal(err)
	}
	logger := zap.NewNop()
	stores := memory.NewStores(memory.Options{}, logger)
	backend, _ := persistence.NewFileBackend(path)
	manager, err := persistence.NewManager(stores, backend, logger)
	if err != nil {
		t.Fatal(err)
	}
	a := agent.New(agent.Deps{
		Stores:      stores,
		Engine:      decision.NewEngine(stores, nil, decision.Config{}, logger),
		Persistence: manager,
	}, logger)
	ts := httptest.NewServer(NewHandler(a, nil, nil, logger).Router())
	defer ts.Close()

	resp := postJSON(t, ts, "/api/snapshots/load", nil)
	expectStatus(t, resp, http.StatusInternalServerError)
	resp.Body.Close()

	resp = postJSON(t, ts, "/api/events/fomc", nil)
	expectStatus(t, resp, http.StatusServiceUnavailable)
	resp.Body.Close()
}

func TestStrategiesAndMemoryViews(t *testing.T) {
	_, ts := newTestServer(t)
	seed(t, ts)

	resp := postJSON(t, ts, "/api/strategies", map[string]any{
		"id": "fade-euphoria", "name": "Fade euphoria", "tags": []string{"sentiment_positive", "high_volatility"},
		"vote": "Short", "strength": 0.4,
	})
	expectStatus(t, resp, http.StatusCreated)
	resp.Body.Close()

	resp = postJSON(t, ts, "/api/strategies", map[string]any{"id": "bad", "tags": []string{"x"}, "vote": "Hold"})
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = getJSON(t, ts, "/api/strategies")
	var templates []memory.StrategyTemplate
	decodeJSON(t, resp, &templates)
	if len(templates) != len(memory.DefaultTemplates())+1 {
		t.Errorf("templates = %d", len(templates))
	}

	resp = getJSON(t, ts, "/api/memory/short-term?n=2")
	var recent []memory.Record
	decodeJSON(t, resp, &recent)
	if len(recent) != 2 {
		t.Errorf("recent = %d, want 2", len(recent))
	}

	resp = getJSON(t, ts, "/api/memory/long-term?q=bitcoin+record&k=5")
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = postJSON(t, ts, "/api/memory/compact", nil)
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()
}
