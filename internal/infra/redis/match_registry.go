package redis

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"arena-service/internal/app"
	"arena-service/internal/domain"
	"github.com/redis/go-redis/v9"
)

// MatchRegistry is a Redis-aware implementation of app.MatchRegistry.
// Notes:
//   - Sessions live in a local map; their timers and broadcasts are in-process.
//   - Redis carries a liveness key and the latest public view per match, so
//     other instances and operators can see what is running here.
type MatchRegistry struct {
	client *redis.Client
	ttl    time.Duration

	mu      sync.RWMutex
	matches map[string]*app.Session
}

func NewMatchRegistry(client *redis.Client, ttl time.Duration) *MatchRegistry {
	return &MatchRegistry{
		client:  client,
		ttl:     ttl,
		matches: make(map[string]*app.Session),
	}
}

// writeTimeout bounds the best-effort key writes made outside the refresh loop.
const writeTimeout = 2 * time.Second

// GetOrCreate indexes the session under r.mu and writes its liveness key
// after the lock is released.
func (r *MatchRegistry) GetOrCreate(matchID string, create func() *app.Session) (*app.Session, bool) {
	r.mu.Lock()
	if session, ok := r.matches[matchID]; ok {
		r.mu.Unlock()
		return session, false
	}
	session := create()
	r.matches[matchID] = session
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	// best-effort liveness marker
	_ = r.client.Set(ctx, liveKey(matchID), session.CreatedAt().Unix(), r.ttl).Err()
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
	current, ok := r.matches[matchID]
	if !ok || current != session {
		r.mu.Unlock()
		return
	}
	delete(r.matches, matchID)
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	_ = r.client.Del(ctx, liveKey(matchID), stateKey(matchID)).Err()
}

func (r *MatchRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.matches)
}

// Refresh extends every local liveness key and stores each match's current
// public view. It returns the number of matches written.
func (r *MatchRegistry) Refresh(ctx context.Context) (int, error) {
	r.mu.RLock()
	sessions := make([]*app.Session, 0, len(r.matches))
	for _, session := range r.matches {
		sessions = append(sessions, session)
	}
	r.mu.RUnlock()

	pipe := r.client.Pipeline()
	for _, session := range sessions {
		payload, err := json.Marshal(session.View())
		if err != nil {
			return 0, err
		}
		pipe.Set(ctx, stateKey(session.ID()), payload, r.ttl)
		// Set rather than Expire so a key lost to a racing Remove comes back
		pipe.Set(ctx, liveKey(session.ID()), session.CreatedAt().Unix(), r.ttl)
	}
	if len(sessions) == 0 {
		return 0, nil
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(sessions), nil
}

// LoadView reads the last stored view of a match, possibly written by
// another instance.
func (r *MatchRegistry) LoadView(ctx context.Context, matchID string) (domain.MatchView, error) {
	payload, err := r.client.Get(ctx, stateKey(matchID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.MatchView{}, domain.ErrMatchNotFound
	}
	if err != nil {
		return domain.MatchView{}, err
	}
	var view domain.MatchView
	if err := json.Unmarshal(payload, &view); err != nil {
		return domain.MatchView{}, err
	}
	return view, nil
}

func liveKey(matchID string) string {
	return "arena:match:" + matchID
}

func stateKey(matchID string) string {
	return "arena:match:" + matchID + ":state"
}
