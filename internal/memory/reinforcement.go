package memory

import (
	"sort"
	"sync"
)

const (
	// DefaultReinforcement is the weight of a signal never seen in feedback.
	DefaultReinforcement = 1.0
	// MinReinforcement keeps a weight from ever flipping a signal's vote.
	MinReinforcement = 0.01
)

// ReinforcementKey joins a context signature and a signal key.
func ReinforcementKey(signature, signalKey string) string {
	return signature + "|" + signalKey
}

// Reinforcement is the table of learned signal weights.
type Reinforcement struct {
	mu      sync.RWMutex
	weights map[string]float64
}

func NewReinforcement() *Reinforcement {
	return &Reinforcement{weights: make(map[string]float64)}
}

// Weight returns the stored weight for key, DefaultReinforcement if unseen,
// never below MinReinforcement.
func (r *Reinforcement) Weight(key string) float64 {
	r.mu.RLock()
	w, ok := r.weights[key]
	r.mu.RUnlock()
	if !ok {
		return DefaultReinforcement
	}
	if w < MinReinforcement {
		return MinReinforcement
	}
	return w
}

// Update applies new = (1-alpha)*old + alpha*reward to every key and returns
// the new raw values.
func (r *Reinforcement) Update(alpha float64, rewards map[string]float64) map[string]float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]float64, len(rewards))
	for key, reward := range rewards {
		old, ok := r.weights[key]
		if !ok {
			old = DefaultReinforcement
		}
		nw := (1-alpha)*old + alpha*reward
		r.weights[key] = nw
		out[key] = nw
	}
	return out
}

// Keys returns all stored keys, sorted.
func (r *Reinforcement) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.weights))
	for k := range r.weights {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (r *Reinforcement) snapshotLocked() map[string]float64 {
	out := make(map[string]float64, len(r.weights))
	for k, v := range r.weights {
		out[k] = v
	}
	return out
}

func (r *Reinforcement) restoreLocked(weights map[string]float64) {
	r.weights = make(map[string]float64, len(weights))
	for k, v := range weights {
		r.weights[k] = v
	}
}
