package memory

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/finmem/internal/cache"
)

// DefaultShortTermCapacity is the window size when none is configured.
const DefaultShortTermCapacity = 30

const shortTermCacheKey = "stm:window"

// ShortTermMemory is a bounded FIFO window of recent records.
type ShortTermMemory struct {
	mu       sync.RWMutex
	capacity int
	records  []Record // oldest first

	cache    cache.Store
	cacheTTL time.Duration
	logger   *zap.Logger
}

// NewShortTermMemory creates a window holding at most capacity records.
func NewShortTermMemory(capacity int, logger *zap.Logger) *ShortTermMemory {
	if capacity <= 0 {
		capacity = DefaultShortTermCapacity
	}
	return &ShortTermMemory{
		capacity: capacity,
		records:  make([]Record, 0, capacity),
		logger:   logger,
	}
}

// WithCache mirrors the window into c after every Add.
func (m *ShortTermMemory) WithCache(c cache.Store, ttl time.Duration) *ShortTermMemory {
	m.cache = c
	m.cacheTTL = ttl
	return m
}

// Add appends r, evicting the oldest records beyond capacity.
func (m *ShortTermMemory) Add(ctx context.Context, r Record) {
	m.mu.Lock()
	m.records = append(m.records, r.with(StoreShortTerm))
	if over := len(m.records) - m.capacity; over > 0 {
		evicted := m.records[:over]
		for _, e := range evicted {
			m.logger.Debug("short-term eviction", zap.String("record", e.ID))
		}
		m.records = append(m.records[:0:0], m.records[over:]...)
	}
	var window []Record
	if m.cache != nil {
		window = append([]Record(nil), m.records...)
	}
	m.mu.Unlock()

	if window != nil {
		m.mirror(ctx, window)
	}
}

func (m *ShortTermMemory) mirror(ctx context.Context, window []Record) {
	data, err := json.Marshal(window)
	if err == nil {
		err = m.cache.Set(ctx, shortTermCacheKey, data, m.cacheTTL)
	}
	if err != nil {
		m.logger.Warn("short-term cache mirror failed", zap.Error(err))
	}
}

// Recent returns the n most recent records, newest first. n <= 0 or n larger
// than the window returns everything.
func (m *ShortTermMemory) Recent(n int) []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if n <= 0 || n > len(m.records) {
		n = len(m.records)
	}
	out := make([]Record, 0, n)
	for i := len(m.records) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, m.records[i])
	}
	return out
}

// Len returns the number of records held.
func (m *ShortTermMemory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

// Capacity returns the configured bound.
func (m *ShortTermMemory) Capacity() int { return m.capacity }

func (m *ShortTermMemory) snapshotLocked() []Record {
	return append([]Record(nil), m.records...)
}

func (m *ShortTermMemory) restoreLocked(records []Record) {
	if over := len(records) - m.capacity; over > 0 {
		records = records[over:]
	}
	m.records = make([]Record, 0, m.capacity)
	for _, r := range records {
		m.records = append(m.records, r.with(StoreShortTerm))
	}
}
