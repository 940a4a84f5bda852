package redis

import (
	"context"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"arena-service/internal/infra/memory"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// RatingRepository caches ratings in Redis (one string key per user) and
// falls back to a loader on cache miss.
// Ratings are stored as: SET arena:rating:{userID} {rating} EX ttl
type RatingRepository struct {
	client *redis.Client
	loader memory.RatingLoader
	ttl    time.Duration
	sf     singleflight.Group

	mu  sync.Mutex
	rnd *rand.Rand
}

func NewRatingRepository(client *redis.Client, loader memory.RatingLoader, ttl time.Duration) *RatingRepository {
	return &RatingRepository{
		client: client,
		loader: loader,
		ttl:    ttl,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (r *RatingRepository) GetRating(ctx context.Context, userID string) (float64, error) {
	if rating, ok := r.cached(ctx, userID); ok {
		return rating, nil
	}

	result, err, _ := r.sf.Do(userID, func() (interface{}, error) {
		// Re-check cache in case another goroutine filled it.
		if rating, ok := r.cached(ctx, userID); ok {
			return rating, nil
		}

		rating, err := r.loader.LoadRating(ctx, userID)
		if err != nil {
			return 0.0, err
		}
		_ = r.client.Set(ctx, ratingKey(userID), strconv.FormatFloat(rating, 'f', -1, 64), r.ttlWithJitter()).Err()
		return rating, nil
	})
	if err != nil {
		return 0, err
	}
	return result.(float64), nil
}

// Invalidate drops a cached rating.
func (r *RatingRepository) Invalidate(ctx context.Context, userID string) error {
	return r.client.Del(ctx, ratingKey(userID)).Err()
}

func (r *RatingRepository) cached(ctx context.Context, userID string) (float64, bool) {
	raw, err := r.client.Get(ctx, ratingKey(userID)).Result()
	if err != nil {
		return 0, false
	}
	rating, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false
	}
	return rating, true
}

func ratingKey(userID string) string {
	return "arena:rating:" + userID
}

func (r *RatingRepository) ttlWithJitter() time.Duration {
	if r.ttl <= 0 {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	jitterMax := int64(r.ttl) / 10
	return r.ttl + time.Duration(r.rnd.Int63n(jitterMax+1))
}
