package memory

import (
	"fmt"
	"strings"
	"time"

	"github.com/nidhogg/finmem/internal/market"
)

// StoreType names the store a record currently lives in.
type StoreType string

const (
	StoreSensory   StoreType = "sensory"
	StoreShortTerm StoreType = "short_term"
	StoreLongTerm  StoreType = "long_term"
)

// Kind names the payload a record carries.
type Kind string

const (
	KindNews  Kind = "news"
	KindPrice Kind = "price"
	KindFact  Kind = "fact"
)

// Record is the envelope every store except the autobiographical log keeps.
// Exactly one payload pointer is set, matching Kind.
type Record struct {
	ID          string            `json:"id"`
	Store       StoreType         `json:"store_type"`
	Kind        Kind              `json:"kind"`
	Asset       string            `json:"asset,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
	DecayWeight float64           `json:"decay_weight"`
	News        *market.NewsItem  `json:"news,omitempty"`
	Price       *market.PriceTick `json:"price,omitempty"`
	Fact        *market.Fact      `json:"fact,omitempty"`
}

// NewsRecord wraps a prepared news item.
func NewsRecord(n market.NewsItem) Record {
	return Record{ID: n.ID, Kind: KindNews, Asset: n.Asset, Timestamp: n.Timestamp, DecayWeight: 1, News: &n}
}

// PriceRecord wraps a prepared price tick.
func PriceRecord(p market.PriceTick) Record {
	return Record{ID: p.ID, Kind: KindPrice, Asset: p.Asset, Timestamp: p.Timestamp, DecayWeight: 1, Price: &p}
}

// FactRecord wraps a learned fact.
func FactRecord(f market.Fact) Record {
	return Record{ID: f.ID, Kind: KindFact, Asset: f.Asset, Timestamp: f.Timestamp, DecayWeight: 1, Fact: &f}
}

// Text is the searchable text of the record.
func (r Record) Text() string {
	switch r.Kind {
	case KindNews:
		if r.News != nil {
			return r.News.Text
		}
	case KindPrice:
		if r.Price != nil {
			trend := "flat"
			switch d := r.Price.Deviation(); {
			case d > 0:
				trend = "above average up"
			case d < 0:
				trend = "below average down"
			}
			return fmt.Sprintf("%s price %.4f %s", strings.ToLower(r.Price.Asset), r.Price.Price, trend)
		}
	case KindFact:
		if r.Fact != nil {
			return r.Fact.Text
		}
	}
	return ""
}

// valid reports whether the payload matches Kind.
func (r Record) valid() bool {
	switch r.Kind {
	case KindNews:
		return r.News != nil
	case KindPrice:
		return r.Price != nil
	case KindFact:
		return r.Fact != nil
	}
	return false
}

func (r Record) with(store StoreType) Record {
	r.Store = store
	return r
}
