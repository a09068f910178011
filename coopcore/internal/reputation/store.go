// Package reputation keeps a per-agent trust score in [0,1] that weights
// consensus votes.
package reputation

import (
	"math"
	"sort"
	"sync"
	"time"
)

const (
	Min     = 0.0
	Max     = 1.0
	Neutral = 0.5
)

// Change describes one applied update.
type Change struct {
	AgentID string    `json:"agent_id"`
	Old     float64   `json:"old"`
	New     float64   `json:"new"`
	Delta   float64   `json:"delta"`
	At      time.Time `json:"at"`
}

// Option configures a Store.
type Option func(*Store)

// WithInitial sets the score returned for agents never seen before.
func WithInitial(score float64) Option {
	return func(s *Store) { s.initial = clamp(score) }
}

// WithOnChange registers fn to observe every update, in the order updates are
// applied. fn runs while the store is locked and must not call back into it.
func WithOnChange(fn func(Change)) Option {
	return func(s *Store) { s.onChange = fn }
}

// Store is safe for concurrent use. All writes for all agents go through one
// mutex so no read-modify-write is ever lost.
type Store struct {
	mu       sync.RWMutex
	scores   map[string]float64
	initial  float64
	onChange func(Change)
}

func NewStore(opts ...Option) *Store {
	s := &Store{scores: make(map[string]float64), initial: Neutral}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the agent's score, or the initial score if it has none yet.
func (s *Store) Get(agentID string) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.scores[agentID]; ok {
		return v
	}
	return s.initial
}

// Update adds delta to the agent's score and clamps the result to [Min, Max].
// A NaN delta leaves the score untouched.
func (s *Store) Update(agentID string, delta float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.scores[agentID]
	if !ok {
		old = s.initial
	}
	if math.IsNaN(delta) {
		return old
	}
	next := clamp(old + delta)
	s.scores[agentID] = next
	if s.onChange != nil {
		s.onChange(Change{AgentID: agentID, Old: old, New: next, Delta: delta, At: time.Now().UTC()})
	}
	return next
}

// Seed sets an absolute starting score, clamped.
func (s *Store) Seed(agentID string, score float64) float64 {
	if math.IsNaN(score) {
		score = s.initial
	}
	v := clamp(score)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scores[agentID] = v
	return v
}

// Snapshot returns a copy of all known scores.
func (s *Store) Snapshot() map[string]float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]float64, len(s.scores))
	for k, v := range s.scores {
		out[k] = v
	}
	return out
}

// Agents returns the ids of all agents with a score, sorted.
func (s *Store) Agents() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.scores))
	for k := range s.scores {
		ids = append(ids, k)
	}
	sort.Strings(ids)
	return ids
}

func clamp(v float64) float64 {
	switch {
	case math.IsInf(v, 1) || v > Max:
		return Max
	case math.IsInf(v, -1) || v < Min:
		return Min
	}
	return v
}
