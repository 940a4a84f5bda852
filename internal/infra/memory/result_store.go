package memory

import (
	"context"
	"sync"

	"arena-service/internal/domain"
)

// ResultStore keeps final match results in memory (useful for tests/demos).
type ResultStore struct {
	mu      sync.RWMutex
	results map[string]domain.MatchResult
	order   []string
}

func NewResultStore() *ResultStore {
	return &ResultStore{results: make(map[string]domain.MatchResult)}
}

// SaveMatchResult is idempotent per match id; a second save for the same
// match is ignored.
func (s *ResultStore) SaveMatchResult(_ context.Context, result domain.MatchResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.results[result.MatchID]; ok {
		return nil
	}
	s.results[result.MatchID] = result
	s.order = append(s.order, result.MatchID)
	return nil
}

func (s *ResultStore) Result(matchID string) (domain.MatchResult, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result, ok := s.results[matchID]
	return result, ok
}

// Results returns saved results in save order.
func (s *ResultStore) Results() []domain.MatchResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.MatchResult, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.results[id])
	}
	return out
}
