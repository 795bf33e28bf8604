package memory

import "sync"

// WorkingMemory is the scratch space of one decision cycle. It is reset at
// the start of every cycle.
type WorkingMemory struct {
	mu          sync.Mutex
	query       string
	features    []string
	signals     []SignalTrace
	contextRefs []string
	seenRefs    map[string]bool
}

// WorkingView is a copy of the working memory contents.
type WorkingView struct {
	Query       string
	Features    []string
	Signals     []SignalTrace
	ContextRefs []string
}

func NewWorkingMemory() *WorkingMemory {
	return &WorkingMemory{seenRefs: make(map[string]bool)}
}

// Reset clears all state and starts a cycle for query.
func (w *WorkingMemory) Reset(query string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.query = query
	w.features = nil
	w.signals = nil
	w.contextRefs = nil
	w.seenRefs = make(map[string]bool)
}

func (w *WorkingMemory) SetFeatures(features []string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.features = append([]string(nil), features...)
}

// AddSignal records a signal and its record as context.
func (w *WorkingMemory) AddSignal(s SignalTrace) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.signals = append(w.signals, s)
	if s.RecordID != "" {
		w.addRefLocked(s.RecordID)
	}
}

// AddRef records a consulted record id once.
func (w *WorkingMemory) AddRef(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.addRefLocked(id)
}

func (w *WorkingMemory) addRefLocked(id string) {
	if id == "" || w.seenRefs[id] {
		return
	}
	w.seenRefs[id] = true
	w.contextRefs = append(w.contextRefs, id)
}

// View returns a copy of the current contents.
func (w *WorkingMemory) View() WorkingView {
	w.mu.Lock()
	defer w.mu.Unlock()
	return WorkingView{
		Query:       w.query,
		Features:    append([]string(nil), w.features...),
		Signals:     append([]SignalTrace(nil), w.signals...),
		ContextRefs: append([]string(nil), w.contextRefs...),
	}
}
