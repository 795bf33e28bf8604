package memory

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/finmem/internal/market"
)

// State is a point-in-time copy of every persistent store.
type State struct {
	ShortTerm        []Record           `json:"short_term"`
	LongTerm         []Record           `json:"long_term"`
	Procedural       []StrategyTemplate `json:"procedural"`
	Prospective      ProspectiveState   `json:"prospective"`
	Autobiographical []Decision         `json:"autobiographical"`
	Reinforcement    map[string]float64 `json:"reinforcement"`
}

// Options configures the stores.
type Options struct {
	ShortTermCapacity int
	LongTermDecay     DecayConfig
	CompactionBucket  time.Duration
	Templates         []StrategyTemplate
	Lexicon           *market.Lexicon
}

// Stores is the set of memories owned by one agent.
type Stores struct {
	Sensory          *SensoryBuffer
	ShortTerm        *ShortTermMemory
	Working          *WorkingMemory
	LongTerm         *LongTermMemory
	Procedural       *ProceduralMemory
	Prospective      *ProspectiveMemory
	Autobiographical *AutobiographicalMemory
	Reinforcement    *Reinforcement
}

// NewStores builds every store. The sensory buffer promotes into short-term
// then long-term memory.
func NewStores(opts Options, logger *zap.Logger) *Stores {
	templates := opts.Templates
	if templates == nil {
		templates = DefaultTemplates()
	}
	s := &Stores{
		ShortTerm:        NewShortTermMemory(opts.ShortTermCapacity, logger),
		Working:          NewWorkingMemory(),
		LongTerm:         NewLongTermMemory(opts.LongTermDecay, opts.CompactionBucket, logger),
		Procedural:       NewProceduralMemory(templates),
		Prospective:      NewProspectiveMemory(logger),
		Autobiographical: NewAutobiographicalMemory(),
		Reinforcement:    NewReinforcement(),
	}
	s.Sensory = NewSensoryBuffer(opts.Lexicon, s.promote, logger)
	return s
}

func (s *Stores) promote(ctx context.Context, r Record) error {
	s.ShortTerm.Add(ctx, r)
	return s.LongTerm.Archive(ctx, r)
}

// rlockAll takes every store read lock in a fixed order.
func (s *Stores) rlockAll() func() {
	s.ShortTerm.mu.RLock()
	s.LongTerm.mu.RLock()
	s.Procedural.mu.RLock()
	s.Prospective.mu.RLock()
	s.Autobiographical.mu.RLock()
	s.Reinforcement.mu.RLock()
	return func() {
		s.Reinforcement.mu.RUnlock()
		s.Autobiographical.mu.RUnlock()
		s.Prospective.mu.RUnlock()
		s.Procedural.mu.RUnlock()
		s.LongTerm.mu.RUnlock()
		s.ShortTerm.mu.RUnlock()
	}
}

// lockAll is the write counterpart of rlockAll.
func (s *Stores) lockAll() func() {
	s.ShortTerm.mu.Lock()
	s.LongTerm.mu.Lock()
	s.Procedural.mu.Lock()
	s.Prospective.mu.Lock()
	s.Autobiographical.mu.Lock()
	s.Reinforcement.mu.Lock()
	return func() {
		s.Reinforcement.mu.Unlock()
		s.Autobiographical.mu.Unlock()
		s.Prospective.mu.Unlock()
		s.Procedural.mu.Unlock()
		s.LongTerm.mu.Unlock()
		s.ShortTerm.mu.Unlock()
	}
}

// View copies every store while holding all their read locks at once.
func (s *Stores) View() State {
	unlock := s.rlockAll()
	defer unlock()
	return State{
		ShortTerm:        s.ShortTerm.snapshotLocked(),
		LongTerm:         s.LongTerm.snapshotLocked(),
		Procedural:       s.Procedural.snapshotLocked(),
		Prospective:      s.Prospective.snapshotLocked(),
		Autobiographical: s.Autobiographical.snapshotLocked(),
		Reinforcement:    s.Reinforcement.snapshotLocked(),
	}
}

// Validate checks that every record carries the payload its kind names.
func (st State) Validate() error {
	check := func(name string, records []Record) error {
		for i, r := range records {
			if r.ID == "" || !r.valid() {
				return fmt.Errorf("%s[%d]: record %q has no %s payload", name, i, r.ID, r.Kind)
			}
		}
		return nil
	}
	if err := check("short_term", st.ShortTerm); err != nil {
		return err
	}
	return check("long_term", st.LongTerm)
}

// Restore replaces the contents of every store in one step.
func (s *Stores) Restore(st State) {
	unlock := s.lockAll()
	defer unlock()
	s.ShortTerm.restoreLocked(st.ShortTerm)
	s.LongTerm.restoreLocked(st.LongTerm)
	if st.Procedural != nil {
		s.Procedural.restoreLocked(st.Procedural)
	}
	s.Prospective.restoreLocked(st.Prospective)
	s.Autobiographical.restoreLocked(st.Autobiographical)
	s.Reinforcement.restoreLocked(st.Reinforcement)
}
