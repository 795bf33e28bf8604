package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/finmem/internal/embedding"
	"github.com/nidhogg/finmem/internal/market"
	"github.com/nidhogg/finmem/internal/provider"
	"github.com/nidhogg/finmem/internal/vectorstore"
)

// DefaultCompactionBucket is the merge granularity of long-term records.
const DefaultCompactionBucket = time.Hour

// Scored is a retrieved record with its relevance breakdown.
type Scored struct {
	Record    Record  `json:"record"`
	Relevance float64 `json:"relevance"`
	Decay     float64 `json:"decay"`
	Match     float64 `json:"match"`
}

// LongTermMemory is the durable archive of news, prices and learned facts.
type LongTermMemory struct {
	mu      sync.RWMutex
	records []Record
	byKey   map[string]int

	decay  DecayConfig
	bucket time.Duration

	embedder embedding.Provider
	vectors  vectorstore.Store
	retry    provider.RetryPolicy
	logger   *zap.Logger
}

// NewLongTermMemory creates an archive. A zero bucket uses DefaultCompactionBucket.
func NewLongTermMemory(decay DecayConfig, bucket time.Duration, logger *zap.Logger) *LongTermMemory {
	if decay.HalfLife <= 0 {
		decay = DefaultLongTermDecay()
	}
	if bucket <= 0 {
		bucket = DefaultCompactionBucket
	}
	return &LongTermMemory{
		byKey:  make(map[string]int),
		decay:  decay,
		bucket: bucket,
		retry:  provider.DefaultRetryPolicy(),
		logger: logger,
	}
}

// WithVectors routes retrieval through an embedding provider and vector index.
func (m *LongTermMemory) WithVectors(e embedding.Provider, v vectorstore.Store, retry provider.RetryPolicy) *LongTermMemory {
	m.embedder = e
	m.vectors = v
	m.retry = retry
	return m
}

func (m *LongTermMemory) vectorEnabled() bool {
	return m.embedder != nil && m.vectors != nil
}

// mergeKey groups records of the same kind and asset within one time bucket.
// Facts are keyed by id and never merge.
func (m *LongTermMemory) mergeKey(r Record) string {
	if r.Kind == KindFact {
		return "fact|" + r.ID
	}
	return fmt.Sprintf("%s|%s|%d", r.Kind, r.Asset, r.Timestamp.Truncate(m.bucket).Unix())
}

// Archive appends r or merges it into the record sharing its key, keeping
// whichever is latest. When vectors are configured the stored record is
// indexed; indexing failures are logged and do not fail the archive.
func (m *LongTermMemory) Archive(ctx context.Context, r Record) error {
	if !r.valid() {
		return &market.ValidationError{Field: "payload", Reason: "does not match kind " + string(r.Kind)}
	}
	r = r.with(StoreLongTerm)

	m.mu.Lock()
	stored := m.mergeLocked(r)
	m.mu.Unlock()

	if stored && m.vectorEnabled() {
		m.index(ctx, r)
	}
	return nil
}

// AddFact archives a learned fact.
func (m *LongTermMemory) AddFact(ctx context.Context, f market.Fact) error {
	return m.Archive(ctx, FactRecord(f))
}

func (m *LongTermMemory) mergeLocked(r Record) bool {
	key := m.mergeKey(r)
	if i, ok := m.byKey[key]; ok {
		if r.Timestamp.Before(m.records[i].Timestamp) {
			return false
		}
		m.records[i] = r
		return true
	}
	m.byKey[key] = len(m.records)
	m.records = append(m.records, r)
	return true
}

func (m *LongTermMemory) index(ctx context.Context, r Record) {
	text := r.Text()
	if text == "" {
		return
	}
	vecs, err := provider.Do(ctx, m.retry, "embed record", func(ctx context.Context) ([][]float32, error) {
		return m.embedder.Embed(ctx, []string{text})
	})
	if err == nil && len(vecs) != 1 {
		err = fmt.Errorf("got %d embeddings", len(vecs))
	}
	if err == nil {
		meta := map[string]string{"kind": string(r.Kind), "asset": r.Asset}
		_, err = provider.Do(ctx, m.retry, "vector upsert", func(ctx context.Context) (struct{}, error) {
			return struct{}{}, m.vectors.Upsert(ctx, r.ID, vecs[0], meta)
		})
	}
	if err != nil {
		m.logger.Warn("long-term indexing failed", zap.String("record", r.ID), zap.Error(err))
	}
}

// Reindex pushes every record into the vector index. Used after a restore.
func (m *LongTermMemory) Reindex(ctx context.Context) {
	if !m.vectorEnabled() {
		return
	}
	m.mu.RLock()
	records := append([]Record(nil), m.records...)
	m.mu.RUnlock()
	for _, r := range records {
		m.index(ctx, r)
	}
}

// Retrieve returns up to k records ranked by decay × match. Records stamped
// after now are not visible. A vector collaborator failure is returned as a
// *provider.ProviderError.
func (m *LongTermMemory) Retrieve(ctx context.Context, query string, k int, now time.Time) ([]Scored, error) {
	if k <= 0 {
		return nil, nil
	}
	var scored []Scored
	var err error
	if m.vectorEnabled() {
		scored, err = m.retrieveVector(ctx, query, k, now)
		if err != nil {
			return nil, err
		}
	} else {
		scored = m.retrieveKeyword(query, now)
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Relevance != scored[j].Relevance {
			return scored[i].Relevance > scored[j].Relevance
		}
		if !scored[i].Record.Timestamp.Equal(scored[j].Record.Timestamp) {
			return scored[i].Record.Timestamp.After(scored[j].Record.Timestamp)
		}
		return scored[i].Record.ID < scored[j].Record.ID
	})
	if len(scored) > k {
		scored = scored[:k]
	}
	return scored, nil
}

func (m *LongTermMemory) retrieveKeyword(query string, now time.Time) []Scored {
	terms := market.Tokenize(query)

	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Scored, 0, len(m.records))
	for _, r := range m.records {
		if r.Timestamp.After(now) {
			continue
		}
		match := 0.2 + 0.8*textMatch(terms, r)
		out = append(out, m.score(r, match, now))
	}
	return out
}

func (m *LongTermMemory) retrieveVector(ctx context.Context, query string, k int, now time.Time) ([]Scored, error) {
	vecs, err := provider.Do(ctx, m.retry, "embed query", func(ctx context.Context) ([][]float32, error) {
		return m.embedder.Embed(ctx, []string{query})
	})
	if err != nil {
		return nil, err
	}
	if len(vecs) != 1 {
		return nil, &provider.ProviderError{Op: "embed query", Kind: provider.ErrInvalidResponse,
			Err: fmt.Errorf("got %d embeddings", len(vecs))}
	}
	// merged records leave stale ids in the index
	hits, err := provider.Do(ctx, m.retry, "vector query", func(ctx context.Context) ([]vectorstore.Hit, error) {
		return m.vectors.Query(ctx, vecs[0], k*3)
	})
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	byID := make(map[string]int, len(m.records))
	for i, r := range m.records {
		byID[r.ID] = i
	}
	out := make([]Scored, 0, len(hits))
	for _, h := range hits {
		i, ok := byID[h.ID]
		if !ok || m.records[i].Timestamp.After(now) {
			continue
		}
		match := float64(h.Score)
		if match < 0 {
			match = 0
		}
		if match > 1 {
			match = 1
		}
		out = append(out, m.score(m.records[i], match, now))
	}
	return out, nil
}

func (m *LongTermMemory) score(r Record, match float64, now time.Time) Scored {
	d := m.decay.Weight(r.Timestamp, now)
	r.DecayWeight = d
	return Scored{Record: r, Relevance: d * match, Decay: d, Match: match}
}

// Compact re-applies the merge policy to every record.
func (m *LongTermMemory) Compact() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	before := len(m.records)
	m.rebuildLocked(m.records)
	return before - len(m.records)
}

func (m *LongTermMemory) rebuildLocked(records []Record) {
	old := records
	m.records = make([]Record, 0, len(old))
	m.byKey = make(map[string]int, len(old))
	for _, r := range old {
		m.mergeLocked(r.with(StoreLongTerm))
	}
}

// Len returns the number of archived records.
func (m *LongTermMemory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

// Get returns the archived record with id.
func (m *LongTermMemory) Get(id string) (Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.records {
		if r.ID == id {
			return r, true
		}
	}
	return Record{}, false
}

func (m *LongTermMemory) snapshotLocked() []Record {
	return append([]Record(nil), m.records...)
}

func (m *LongTermMemory) restoreLocked(records []Record) {
	m.rebuildLocked(records)
}
