package memory

import (
	"sync"

	"arena-service/internal/app"
)

// MatchRegistry is an in-memory implementation of app.MatchRegistry.
type MatchRegistry struct {
	mu      sync.RWMutex
	matches map[string]*app.Session
}

func NewMatchRegistry() *MatchRegistry {
	return &MatchRegistry{
		matches: make(map[string]*app.Session),
	}
}

func (r *MatchRegistry) GetOrCreate(matchID string, create func() *app.Session) (*app.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if session, ok := r.matches[matchID]; ok {
		return session, false
	}
	session := create()
	r.matches[matchID] = session
	return session, true
}

func (r *MatchRegistry) Get(matchID string) (*app.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	session, ok := r.matches[matchID]
	return session, ok
}

func (r *MatchRegistry) Remove(matchID string, session *app.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.matches[matchID]; ok && current == session {
		delete(r.matches, matchID)
	}
}

func (r *MatchRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.matches)
}

// IDs lists indexed match ids in no particular order.
func (r *MatchRegistry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.matches))
	for id := range r.matches {
		ids = append(ids, id)
	}
	return ids
}
