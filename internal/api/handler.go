package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/nidhogg/finmem/internal/agent"
	"github.com/nidhogg/finmem/internal/config"
	"github.com/nidhogg/finmem/internal/feedback"
	"github.com/nidhogg/finmem/internal/market"
	"github.com/nidhogg/finmem/internal/memory"
	"github.com/nidhogg/finmem/internal/persistence"
)

// maxBody bounds request bodies.
const maxBody = 4 << 20

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	agent     *agent.Agent
	scheduler *agent.Scheduler
	origins   []string
	logger    *zap.Logger
}

// NewHandler creates a new API handler. scheduler may be nil.
func NewHandler(a *agent.Agent, scheduler *agent.Scheduler, origins []string, logger *zap.Logger) *Handler {
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return &Handler{agent: a, scheduler: scheduler, origins: origins, logger: logger}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: h.origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)

		// Ingestion
		r.Post("/news", h.ingestNews)
		r.Post("/prices", h.ingestPrices)

		// Decisions and feedback
		r.Post("/recommendations", h.recommend)
		r.Get("/decisions", h.listDecisions)
		r.Get("/decisions/{id}", h.getDecision)
		r.Post("/feedback", h.submitFeedback)

		// Prospective memory
		r.Post("/triggers", h.createTrigger)
		r.Get("/triggers", h.listTriggers)
		r.Post("/triggers/tick", h.tick)
		r.Post("/events/{name}", h.signalEvent)

		// Memory inspection
		r.Get("/memory/short-term", h.shortTerm)
		r.Get("/memory/long-term", h.longTerm)
		r.Post("/memory/compact", h.compact)
		r.Get("/strategies", h.listStrategies)
		r.Post("/strategies", h.addStrategy)
		r.Get("/considerations", h.considerations)
		r.Get("/notifications", h.notifications)

		// Snapshots
		r.Post("/snapshots/save", h.saveSnapshot)
		r.Post("/snapshots/load", h.loadSnapshot)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	s := h.agent.Stores()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"short_term": s.ShortTerm.Len(),
		"long_term":  s.LongTerm.Len(),
		"decisions":  s.Autobiographical.Len(),
	})
}

// decodeOneOrMany decodes a single JSON object or an array of them.
func decodeOneOrMany[T any](r *http.Request) ([]T, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		return nil, err
	}
	body = bytes.TrimSpace(body)
	if len(body) > 0 && body[0] == '[' {
		var many []T
		if err := json.Unmarshal(body, &many); err != nil {
			return nil, badRequest(err)
		}
		return many, nil
	}
	var one T
	if err := json.Unmarshal(body, &one); err != nil {
		return nil, badRequest(err)
	}
	return []T{one}, nil
}

type ingestResponse struct {
	Accepted []memory.Record `json:"accepted"`
	Errors   []ingestError   `json:"errors,omitempty"`
}

type ingestError struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

// ingest stores every item it can. A batch where nothing is accepted
// answers with the first error's status.
func ingest[T any](w http.ResponseWriter, r *http.Request, fn func(T) (memory.Record, error)) {
	items, err := decodeOneOrMany[T](r)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := ingestResponse{Accepted: make([]memory.Record, 0, len(items))}
	var first error
	for i, it := range items {
		rec, err := fn(it)
		if err != nil {
			if first == nil {
				first = err
			}
			resp.Errors = append(resp.Errors, ingestError{Index: i, Error: err.Error()})
			continue
		}
		resp.Accepted = append(resp.Accepted, rec)
	}
	if len(resp.Accepted) == 0 && first != nil {
		writeError(w, first)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (h *Handler) ingestNews(w http.ResponseWriter, r *http.Request) {
	ingest(w, r, func(n market.NewsItem) (memory.Record, error) {
		return h.agent.IngestNews(r.Context(), n)
	})
}

func (h *Handler) ingestPrices(w http.ResponseWriter, r *http.Request) {
	ingest(w, r, func(p market.PriceTick) (memory.Record, error) {
		return h.agent.IngestPrice(r.Context(), p)
	})
}

type recommendRequest struct {
	Query string     `json:"query"`
	Now   *time.Time `json:"now,omitempty"`
}

func (h *Handler) recommend(w http.ResponseWriter, r *http.Request) {
	var req recommendRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	var now time.Time
	if req.Now != nil {
		now = req.Now.UTC()
	}
	d, err := h.agent.Recommend(r.Context(), req.Query, now)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *Handler) listDecisions(w http.ResponseWriter, r *http.Request) {
	decisions := h.agent.Decisions()
	if limit := queryInt(r, "limit"); limit > 0 && limit < len(decisions) {
		decisions = decisions[len(decisions)-limit:]
	}
	writeJSON(w, http.StatusOK, decisions)
}

func (h *Handler) getDecision(w http.ResponseWriter, r *http.Request) {
	d, err := h.agent.Decision(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// submitFeedback applies the outcome synchronously, or queues it when
// ?async=true.
func (h *Handler) submitFeedback(w http.ResponseWriter, r *http.Request) {
	var req feedback.Request
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if r.URL.Query().Get("async") == "true" {
		if req.ResolvedAt.IsZero() {
			req.ResolvedAt = h.agent.Now()
		}
		if err := h.agent.Feedback().Submit(r.Context(), req); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued", "decision_id": req.DecisionID})
		return
	}
	res, err := h.agent.ProcessFeedback(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type triggerRequest struct {
	ID     string          `json:"id"`
	Query  string          `json:"query"`
	Asset  string          `json:"asset"`
	FireAt *time.Time      `json:"fire_at"`
	After  config.Duration `json:"after"`
	Event  string          `json:"event"`
	Every  config.Duration `json:"every"`
}

func (h *Handler) createTrigger(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	t := memory.Trigger{
		ID:     req.ID,
		Query:  req.Query,
		Asset:  req.Asset,
		FireAt: req.FireAt,
		Event:  req.Event,
		Every:  req.Every.Std(),
	}
	if t.FireAt == nil && req.After > 0 {
		at := h.agent.Now().Add(req.After.Std())
		t.FireAt = &at
	}
	created, err := h.agent.Schedule(t)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *Handler) listTriggers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.agent.Triggers())
}

type tickRequest struct {
	Now    *time.Time `json:"now,omitempty"`
	Events []string   `json:"events,omitempty"`
}

func (h *Handler) tick(w http.ResponseWriter, r *http.Request) {
	var req tickRequest
	if r.ContentLength != 0 {
		if err := decode(r, &req); err != nil {
			writeError(w, err)
			return
		}
	}
	now := h.agent.Now()
	if req.Now != nil {
		now = req.Now.UTC()
	}
	writeJSON(w, http.StatusOK, h.agent.Tick(r.Context(), now, req.Events))
}

// signalEvent queues an event for the scheduler's next tick.
func (h *Handler) signalEvent(w http.ResponseWriter, r *http.Request) {
	if h.scheduler == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "scheduler not running"})
		return
	}
	name := chi.URLParam(r, "name")
	h.scheduler.Signal(name)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued", "event": name})
}

func (h *Handler) shortTerm(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.agent.Stores().ShortTerm.Recent(queryInt(r, "n")))
}

func (h *Handler) longTerm(w http.ResponseWriter, r *http.Request) {
	k := queryInt(r, "k")
	if k <= 0 {
		k = 10
	}
	hits, err := h.agent.Stores().LongTerm.Retrieve(r.Context(), r.URL.Query().Get("q"), k, h.agent.Now())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, hits)
}

func (h *Handler) compact(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"removed": h.agent.Compact()})
}

func (h *Handler) listStrategies(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.agent.Stores().Procedural.List())
}

func (h *Handler) addStrategy(w http.ResponseWriter, r *http.Request) {
	var t memory.StrategyTemplate
	if err := decode(r, &t); err != nil {
		writeError(w, err)
		return
	}
	if err := h.agent.Stores().Procedural.Register(t); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (h *Handler) considerations(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.agent.Stores().Prospective.Considerations())
}

func (h *Handler) notifications(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.agent.Notifier().History(queryInt(r, "limit")))
}

func (h *Handler) saveSnapshot(w http.ResponseWriter, r *http.Request) {
	info, err := h.agent.Save(r.Context())
	if err != nil {
		h.logger.Error("snapshot save failed", zap.Error(err))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *Handler) loadSnapshot(w http.ResponseWriter, r *http.Request) {
	info, err := h.agent.Load(r.Context())
	if err != nil {
		h.logger.Error("snapshot load failed", zap.Error(err))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

type requestError struct{ err error }

func (e *requestError) Error() string { return "bad request: " + e.err.Error() }
func (e *requestError) Unwrap() error { return e.err }

func badRequest(err error) error { return &requestError{err: err} }

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(v); err != nil {
		return badRequest(err)
	}
	return nil
}

func queryInt(r *http.Request, name string) int {
	n, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil {
		return 0
	}
	return n
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	var reqErr *requestError
	switch {
	case errors.As(err, &reqErr), errors.Is(err, market.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, memory.ErrNotFound), errors.Is(err, persistence.ErrNoSnapshot):
		return http.StatusNotFound
	case errors.Is(err, memory.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, agent.ErrPersistenceDisabled), errors.Is(err, feedback.ErrQueueClosed):
		return http.StatusServiceUnavailable
	}
	// persistence and provider failures
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
