package market

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"
)

// ErrValidation marks malformed input records.
var ErrValidation = errors.New("validation failed")

// ValidationError describes which field of a record was rejected.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// PrepareNews validates n and fills its ID and derived sentiment.
func PrepareNews(n *NewsItem, lex *Lexicon) error {
	if n == nil {
		return invalid("news", "nil record")
	}
	if n.Timestamp.IsZero() {
		return invalid("timestamp", "required")
	}
	if strings.TrimSpace(n.Text) == "" {
		return invalid("text", "required")
	}
	if n.Sentiment != nil {
		s := *n.Sentiment
		if math.IsNaN(s) || s < -1 || s > 1 {
			return invalid("sentiment", "must be within [-1, 1]")
		}
	} else if lex != nil {
		s := lex.Score(n.Text)
		n.Sentiment = &s
	}
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.Source == "" {
		n.Source = "unknown"
	}
	return nil
}

// PreparePrice validates p and fills its ID.
func PreparePrice(p *PriceTick) error {
	if p == nil {
		return invalid("price", "nil record")
	}
	if strings.TrimSpace(p.Asset) == "" {
		return invalid("asset", "required")
	}
	if p.Timestamp.IsZero() {
		return invalid("timestamp", "required")
	}
	if !(p.Price > 0) || math.IsInf(p.Price, 0) {
		return invalid("price", "must be positive")
	}
	if p.RollingAverage < 0 || math.IsNaN(p.RollingAverage) || math.IsInf(p.RollingAverage, 0) {
		return invalid("rolling_average", "must be non-negative")
	}
	if p.RollingAverage == 0 {
		p.RollingAverage = p.Price
	}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	return nil
}
