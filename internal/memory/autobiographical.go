package memory

import (
	"fmt"
	"sync"

	"github.com/nidhogg/finmem/internal/market"
)

type autobioEntry struct {
	mu sync.Mutex
	d  Decision
}

// AutobiographicalMemory is the append-only decision log. The only mutation
// after Log is attaching a single outcome.
type AutobiographicalMemory struct {
	mu      sync.RWMutex
	entries map[string]*autobioEntry
	order   []string
}

func NewAutobiographicalMemory() *AutobiographicalMemory {
	return &AutobiographicalMemory{entries: make(map[string]*autobioEntry)}
}

// Log appends d. A duplicate id fails with ErrConflict.
func (m *AutobiographicalMemory) Log(d Decision) error {
	if d.ID == "" {
		return &market.ValidationError{Field: "id", Reason: "required"}
	}
	if !d.Recommendation.Valid() {
		return &market.ValidationError{Field: "recommendation", Reason: "must be Long or Short"}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[d.ID]; ok {
		return fmt.Errorf("decision %s: %w", d.ID, ErrConflict)
	}
	m.entries[d.ID] = &autobioEntry{d: d.Clone()}
	m.order = append(m.order, d.ID)
	return nil
}

func (m *AutobiographicalMemory) entry(id string) (*autobioEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, fmt.Errorf("decision %s: %w", id, ErrNotFound)
	}
	return e, nil
}

// AttachOutcome records the realized outcome of decision id and reports
// whether it was newly attached. Attaching the same outcome again is a no-op;
// a different one fails with ErrConflict and the first is kept. Only the
// affected entry is locked.
func (m *AutobiographicalMemory) AttachOutcome(id string, o Outcome) (Decision, bool, error) {
	e, err := m.entry(id)
	if err != nil {
		return Decision{}, false, err
	}
	o.DecisionID = id

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.d.Outcome != nil {
		if e.d.Outcome.Equal(o) {
			return e.d.Clone(), false, nil
		}
		return Decision{}, false, fmt.Errorf("decision %s already resolved: %w", id, ErrConflict)
	}
	e.d.Outcome = &o
	return e.d.Clone(), true, nil
}

// Get returns a copy of decision id.
func (m *AutobiographicalMemory) Get(id string) (Decision, error) {
	e, err := m.entry(id)
	if err != nil {
		return Decision{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.d.Clone(), nil
}

// List returns all decisions in logging order.
func (m *AutobiographicalMemory) List() []Decision {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshotLocked()
}

func (m *AutobiographicalMemory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.order)
}

func (m *AutobiographicalMemory) snapshotLocked() []Decision {
	out := make([]Decision, 0, len(m.order))
	for _, id := range m.order {
		e := m.entries[id]
		e.mu.Lock()
		out = append(out, e.d.Clone())
		e.mu.Unlock()
	}
	return out
}

func (m *AutobiographicalMemory) restoreLocked(decisions []Decision) {
	m.entries = make(map[string]*autobioEntry, len(decisions))
	m.order = make([]string, 0, len(decisions))
	for _, d := range decisions {
		if _, ok := m.entries[d.ID]; ok {
			continue
		}
		m.entries[d.ID] = &autobioEntry{d: d.Clone()}
		m.order = append(m.order, d.ID)
	}
}
