package market

import (
	"fmt"
	"strings"
	"time"
)

// Direction is a trading recommendation. There is no neutral value.
type Direction string

const (
	Long  Direction = "Long"
	Short Direction = "Short"
)

// Opposite returns the other side.
func (d Direction) Opposite() Direction {
	if d == Long {
		return Short
	}
	return Long
}

// Valid reports whether d is one of the two allowed values.
func (d Direction) Valid() bool {
	return d == Long || d == Short
}

// ParseDirection accepts "long"/"short" in any case.
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "long":
		return Long, nil
	case "short":
		return Short, nil
	}
	return "", fmt.Errorf("%w: direction %q", ErrValidation, s)
}

// NewsItem is a single market news event. Immutable once ingested.
type NewsItem struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Text      string    `json:"text"`
	Source    string    `json:"source"`
	Asset     string    `json:"asset,omitempty"`
	Sentiment *float64  `json:"sentiment,omitempty"`
}

// SentimentScore returns the derived sentiment, or 0 if none was set.
func (n *NewsItem) SentimentScore() float64 {
	if n.Sentiment == nil {
		return 0
	}
	return *n.Sentiment
}

// PriceTick is a single price observation with its rolling average.
type PriceTick struct {
	ID             string    `json:"id"`
	Asset          string    `json:"asset"`
	Timestamp      time.Time `json:"timestamp"`
	Price          float64   `json:"price"`
	RollingAverage float64   `json:"rolling_average"`
}

// Deviation is the relative distance of the price from its rolling average.
func (p *PriceTick) Deviation() float64 {
	if p.RollingAverage == 0 {
		return 0
	}
	return (p.Price - p.RollingAverage) / p.RollingAverage
}

// Fact is a learned statement archived in long-term memory.
type Fact struct {
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	Text       string    `json:"text"`
	Category   string    `json:"category"`
	Asset      string    `json:"asset,omitempty"`
	Direction  Direction `json:"direction"`
	Confidence float64   `json:"confidence"`
	Source     string    `json:"source"`
}
