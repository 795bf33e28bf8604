package memory

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/nidhogg/finmem/internal/market"
)

// PromoteFunc moves a record out of the sensory buffer into the durable stores.
type PromoteFunc func(ctx context.Context, r Record) error

// SensoryBuffer is the transient intake for raw events. Every ingest drains
// the buffer synchronously and in arrival order.
type SensoryBuffer struct {
	mu      sync.Mutex
	pending []Record
	lexicon *market.Lexicon
	promote PromoteFunc
	logger  *zap.Logger
}

// NewSensoryBuffer creates a buffer that drains into promote.
func NewSensoryBuffer(lex *market.Lexicon, promote PromoteFunc, logger *zap.Logger) *SensoryBuffer {
	if lex == nil {
		lex = market.DefaultLexicon()
	}
	return &SensoryBuffer{lexicon: lex, promote: promote, logger: logger}
}

// IngestNews validates n, derives its sentiment if absent and promotes it.
func (b *SensoryBuffer) IngestNews(ctx context.Context, n market.NewsItem) (Record, error) {
	if err := market.PrepareNews(&n, b.lexicon); err != nil {
		return Record{}, err
	}
	r := NewsRecord(n)
	return r, b.ingest(ctx, r)
}

// IngestPrice validates p and promotes it.
func (b *SensoryBuffer) IngestPrice(ctx context.Context, p market.PriceTick) (Record, error) {
	if err := market.PreparePrice(&p); err != nil {
		return Record{}, err
	}
	r := PriceRecord(p)
	return r, b.ingest(ctx, r)
}

func (b *SensoryBuffer) ingest(ctx context.Context, r Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = append(b.pending, r.with(StoreSensory))
	return b.drainLocked(ctx)
}

// drainLocked promotes pending records in order. Records that fail to promote
// are dropped; the first error is returned.
func (b *SensoryBuffer) drainLocked(ctx context.Context) error {
	var firstErr error
	for _, r := range b.pending {
		if err := b.promote(ctx, r); err != nil {
			b.logger.Warn("sensory promotion failed", zap.String("record", r.ID), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	b.pending = b.pending[:0]
	return firstErr
}

// Pending returns records still waiting to be drained. Normally empty.
func (b *SensoryBuffer) Pending() []Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Record(nil), b.pending...)
}
