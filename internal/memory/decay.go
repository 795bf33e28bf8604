package memory

import (
	"math"
	"time"
)

// DecayConfig controls how a record's weight shrinks with age.
type DecayConfig struct {
	HalfLife  time.Duration `json:"half_life"`  // time for the weight to halve
	MinWeight float64       `json:"min_weight"` // floor value, never decay below this
}

// DefaultLongTermDecay returns the long-term defaults (one week half-life).
func DefaultLongTermDecay() DecayConfig {
	return DecayConfig{
		HalfLife:  168 * time.Hour,
		MinWeight: 0.05,
	}
}

// DefaultShortTermDecay returns the short-term defaults.
func DefaultShortTermDecay() DecayConfig {
	return DecayConfig{
		HalfLife:  6 * time.Hour,
		MinWeight: 0.05,
	}
}

// Weight returns max(MinWeight, 0.5^(age/HalfLife)). Records from the future
// count as fresh.
func (c DecayConfig) Weight(ts, now time.Time) float64 {
	if c.HalfLife <= 0 {
		c = DefaultLongTermDecay()
	}
	age := now.Sub(ts)
	if age <= 0 {
		return 1
	}
	w := math.Pow(0.5, float64(age)/float64(c.HalfLife))
	if w < c.MinWeight {
		return c.MinWeight
	}
	return w
}
