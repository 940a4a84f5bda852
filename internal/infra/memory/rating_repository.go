package memory

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"arena-service/internal/domain"
	"golang.org/x/sync/singleflight"
)

// RatingLoader fetches a player's rating from a backing store.
type RatingLoader interface {
	LoadRating(ctx context.Context, userID string) (float64, error)
}

// RatingRepository caches ratings with TTL to avoid repeated DB hits.
type RatingRepository struct {
	loader RatingLoader
	ttl    time.Duration
	clock  func() time.Time
	sf     singleflight.Group

	mu    sync.RWMutex
	rnd   *rand.Rand
	cache map[string]cachedRating
}

type cachedRating struct {
	rating    float64
	expiresAt time.Time
}

func NewRatingRepository(loader RatingLoader, ttl time.Duration) *RatingRepository {
	return NewRatingRepositoryWithClock(loader, ttl, time.Now)
}

// NewRatingRepositoryWithClock allows expiry to be tested deterministically.
func NewRatingRepositoryWithClock(loader RatingLoader, ttl time.Duration, clock func() time.Time) *RatingRepository {
	return &RatingRepository{
		loader: loader,
		ttl:    ttl,
		clock:  clock,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
		cache:  make(map[string]cachedRating),
	}
}

func (r *RatingRepository) GetRating(ctx context.Context, userID string) (float64, error) {
	if rating, ok := r.cached(userID, r.clock()); ok {
		return rating, nil
	}

	result, err, _ := r.sf.Do(userID, func() (interface{}, error) {
		now := r.clock()
		if rating, ok := r.cached(userID, now); ok {
			return rating, nil
		}

		rating, err := r.loader.LoadRating(ctx, userID)
		if err != nil {
			return 0.0, err
		}

		r.mu.Lock()
		r.cache[userID] = cachedRating{
			rating:    rating,
			expiresAt: now.Add(r.ttlWithJitterLocked()),
		}
		r.mu.Unlock()
		return rating, nil
	})
	if err != nil {
		return 0, err
	}
	return result.(float64), nil
}

// Invalidate drops a cached rating so the next read goes to the loader.
func (r *RatingRepository) Invalidate(_ context.Context, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, userID)
	return nil
}

func (r *RatingRepository) cached(userID string, now time.Time) (float64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.cache[userID]
	if !ok || !entry.expiresAt.After(now) {
		return 0, false
	}
	return entry.rating, true
}

func (r *RatingRepository) ttlWithJitterLocked() time.Duration {
	if r.ttl <= 0 {
		return 0
	}
	// add up to 10% jitter to spread expirations
	jitterMax := int64(r.ttl) / 10
	return r.ttl + time.Duration(r.rnd.Int63n(jitterMax+1))
}

// StaticRatingLoader is a simple loader backed by an in-memory map (useful for tests/demos).
type StaticRatingLoader struct {
	mu      sync.RWMutex
	ratings map[string]float64
}

func NewStaticRatingLoader(ratings map[string]float64) *StaticRatingLoader {
	copied := make(map[string]float64, len(ratings))
	for k, v := range ratings {
		copied[k] = v
	}
	return &StaticRatingLoader{ratings: copied}
}

func (l *StaticRatingLoader) LoadRating(_ context.Context, userID string) (float64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if rating, ok := l.ratings[userID]; ok {
		return rating, nil
	}
	return 0, domain.ErrRatingNotFound
}

func (l *StaticRatingLoader) SetRating(userID string, rating float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ratings[userID] = rating
}
