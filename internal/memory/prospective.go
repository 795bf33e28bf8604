package memory

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/finmem/internal/cache"
	"github.com/nidhogg/finmem/internal/market"
)

// MaxConsiderations bounds the free-text considerations kept.
const MaxConsiderations = 10

// TriggerStatus is the lifecycle state of a scheduled occurrence.
type TriggerStatus string

const (
	TriggerPending  TriggerStatus = "pending"
	TriggerConsumed TriggerStatus = "consumed"
)

// Trigger is a scheduled future decision cycle. It fires when FireAt has
// passed or when Event is observed, whichever is set.
type Trigger struct {
	ID        string        `json:"id"`
	SeriesID  string        `json:"series_id"`
	FireAt    *time.Time    `json:"fire_at,omitempty"`
	Event     string        `json:"event,omitempty"`
	Query     string        `json:"query"`
	Asset     string        `json:"asset,omitempty"`
	Every     time.Duration `json:"every,omitempty"`
	Status    TriggerStatus `json:"status"`
	Fired     int           `json:"fired"`
	CreatedAt time.Time     `json:"created_at"`
}

// DecisionRequest asks for a decision cycle on behalf of a fired trigger.
type DecisionRequest struct {
	TriggerID string    `json:"trigger_id"`
	Query     string    `json:"query"`
	Asset     string    `json:"asset,omitempty"`
	Now       time.Time `json:"now"`
	Reason    string    `json:"reason"`
}

// ProspectiveState is the persisted form of ProspectiveMemory.
type ProspectiveState struct {
	Triggers       []Trigger `json:"triggers"`
	Considerations []string  `json:"considerations"`
}

// ProspectiveMemory holds scheduled triggers and recent considerations.
type ProspectiveMemory struct {
	mu             sync.RWMutex
	triggers       map[string]*Trigger
	considerations []string

	cache    cache.Store
	cacheTTL time.Duration
	logger   *zap.Logger
}

func NewProspectiveMemory(logger *zap.Logger) *ProspectiveMemory {
	return &ProspectiveMemory{
		triggers: make(map[string]*Trigger),
		logger:   logger,
	}
}

// WithCache mirrors fired occurrences into c.
func (m *ProspectiveMemory) WithCache(c cache.Store, ttl time.Duration) *ProspectiveMemory {
	m.cache = c
	m.cacheTTL = ttl
	return m
}

// Schedule validates and registers t, returning the stored trigger.
func (m *ProspectiveMemory) Schedule(t Trigger, now time.Time) (Trigger, error) {
	t.Event = strings.TrimSpace(t.Event)
	switch {
	case t.FireAt == nil && t.Event == "":
		return Trigger{}, &market.ValidationError{Field: "trigger", Reason: "fire_at or event required"}
	case strings.TrimSpace(t.Query) == "":
		return Trigger{}, &market.ValidationError{Field: "query", Reason: "required"}
	case t.Every < 0:
		return Trigger{}, &market.ValidationError{Field: "every", Reason: "must not be negative"}
	}
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.SeriesID == "" {
		t.SeriesID = t.ID
	}
	if t.FireAt != nil {
		at := *t.FireAt
		t.FireAt = &at
	}
	t.Status = TriggerPending
	t.Fired = 0
	t.CreatedAt = now

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.triggers[t.ID]; ok {
		return Trigger{}, ErrConflict
	}
	m.triggers[t.ID] = &t
	return t, nil
}

func (t *Trigger) due(now time.Time, events map[string]bool) (bool, string) {
	if t.Status != TriggerPending {
		return false, ""
	}
	if t.FireAt != nil && !t.FireAt.After(now) {
		return true, "time"
	}
	if t.Event != "" && events[t.Event] {
		return true, "event:" + t.Event
	}
	return false, ""
}

// Tick fires every due trigger. Each occurrence is marked consumed before its
// request is returned, so it fires exactly once. Repeating triggers get a new
// pending occurrence; consumed occurrences are pruned on the next tick.
func (m *ProspectiveMemory) Tick(ctx context.Context, now time.Time, events []string) []DecisionRequest {
	seen := make(map[string]bool, len(events))
	for _, e := range events {
		seen[e] = true
	}

	m.mu.Lock()
	for id, t := range m.triggers {
		if t.Status == TriggerConsumed {
			delete(m.triggers, id)
		}
	}

	var due []*Trigger
	for _, t := range m.triggers {
		if ok, _ := t.due(now, seen); ok {
			due = append(due, t)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		a, b := due[i], due[j]
		if a.FireAt != nil && b.FireAt != nil && !a.FireAt.Equal(*b.FireAt) {
			return a.FireAt.Before(*b.FireAt)
		}
		return a.ID < b.ID
	})

	requests := make([]DecisionRequest, 0, len(due))
	for _, t := range due {
		_, reason := t.due(now, seen)
		t.Status = TriggerConsumed
		t.Fired++
		requests = append(requests, DecisionRequest{
			TriggerID: t.ID,
			Query:     t.Query,
			Asset:     t.Asset,
			Now:       now,
			Reason:    reason,
		})
		if t.Every > 0 {
			next := m.nextOccurrence(t, now)
			m.triggers[next.ID] = next
		}
	}
	m.mu.Unlock()

	if m.cache != nil {
		for _, r := range requests {
			m.mirror(ctx, r)
		}
	}
	return requests
}

func (m *ProspectiveMemory) nextOccurrence(t *Trigger, now time.Time) *Trigger {
	next := *t
	next.ID = uuid.New().String()
	next.Status = TriggerPending
	if t.FireAt != nil {
		at := t.FireAt.Add(t.Every)
		for !at.After(now) {
			at = at.Add(t.Every)
		}
		next.FireAt = &at
	}
	return &next
}

func (m *ProspectiveMemory) mirror(ctx context.Context, r DecisionRequest) {
	data, err := json.Marshal(r)
	if err == nil {
		err = m.cache.Set(ctx, "prospective:fired:"+r.TriggerID, data, m.cacheTTL)
	}
	if err != nil {
		m.logger.Warn("prospective cache mirror failed", zap.String("trigger", r.TriggerID), zap.Error(err))
	}
}

// Get returns the trigger with id.
func (m *ProspectiveMemory) Get(id string) (Trigger, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.triggers[id]
	if !ok {
		return Trigger{}, ErrNotFound
	}
	return *t, nil
}

// HasSeries reports whether any occurrence of series id is held, pending or
// not yet pruned.
func (m *ProspectiveMemory) HasSeries(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.triggers {
		if t.ID == id || t.SeriesID == id {
			return true
		}
	}
	return false
}

// List returns all triggers ordered by creation time then id.
func (m *ProspectiveMemory) List() []Trigger {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.triggersLocked()
}

func (m *ProspectiveMemory) triggersLocked() []Trigger {
	out := make([]Trigger, 0, len(m.triggers))
	for _, t := range m.triggers {
		c := *t
		if t.FireAt != nil {
			at := *t.FireAt
			c.FireAt = &at
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// AddConsideration remembers text, keeping only the most recent ones.
func (m *ProspectiveMemory) AddConsideration(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.considerations = append(m.considerations, text)
	if over := len(m.considerations) - MaxConsiderations; over > 0 {
		m.considerations = append([]string(nil), m.considerations[over:]...)
	}
}

// Considerations returns the kept considerations, oldest first.
func (m *ProspectiveMemory) Considerations() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.considerations...)
}

func (m *ProspectiveMemory) snapshotLocked() ProspectiveState {
	return ProspectiveState{
		Triggers:       m.triggersLocked(),
		Considerations: append([]string(nil), m.considerations...),
	}
}

func (m *ProspectiveMemory) restoreLocked(st ProspectiveState) {
	m.triggers = make(map[string]*Trigger, len(st.Triggers))
	for i := range st.Triggers {
		t := st.Triggers[i]
		m.triggers[t.ID] = &t
	}
	m.considerations = append([]string(nil), st.Considerations...)
	if over := len(m.considerations) - MaxConsiderations; over > 0 {
		m.considerations = m.considerations[over:]
	}
}
