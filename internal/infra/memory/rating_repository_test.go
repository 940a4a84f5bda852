package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"arena-service/internal/domain"
)

func TestRatingRepositoryCaches(t *testing.T) {
	loader := &countingLoader{RatingLoader: NewStaticRatingLoader(map[string]float64{"u1": 1450})}
	repo := NewRatingRepository(loader, time.Minute)

	rating, err := repo.GetRating(context.Background(), "u1")
	if err != nil {
		t.Fatalf("get rating: %v", err)
	}
	if rating != 1450 {
		t.Fatalf("expected 1450, got %v", rating)
	}
	if _, err := repo.GetRating(context.Background(), "u1"); err != nil {
		t.Fatalf("get rating 2: %v", err)
	}
	if loader.count() != 1 {
		t.Fatalf("expected cache hit, loader calls %d", loader.count())
	}
}

func TestRatingRepositoryExpires(t *testing.T) {
	now := time.Unix(0, 0)
	static := NewStaticRatingLoader(map[string]float64{"u1": 1000})
	loader := &countingLoader{RatingLoader: static}
	repo := NewRatingRepositoryWithClock(loader, time.Minute, func() time.Time { return now })

	_, _ = repo.GetRating(context.Background(), "u1")
	static.SetRating("u1", 1100)

	// past ttl plus the maximum jitter
	now = now.Add(67 * time.Second)
	rating, err := repo.GetRating(context.Background(), "u1")
	if err != nil {
		t.Fatalf("get rating: %v", err)
	}
	if rating != 1100 || loader.count() != 2 {
		t.Fatalf("expected reload after expiry, got %v after %d calls", rating, loader.count())
	}

	static.SetRating("u1", 1200)
	if err := repo.Invalidate(context.Background(), "u1"); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if rating, _ := repo.GetRating(context.Background(), "u1"); rating != 1200 {
		t.Fatalf("expected invalidate to force reload, got %v", rating)
	}
}

func TestRatingRepositoryUnknownUser(t *testing.T) {
	repo := NewRatingRepository(NewStaticRatingLoader(nil), time.Minute)
	if _, err := repo.GetRating(context.Background(), "ghost"); !errors.Is(err, domain.ErrRatingNotFound) {
		t.Fatalf("expected ErrRatingNotFound, got %v", err)
	}
}

type countingLoader struct {
	RatingLoader
	mu    sync.Mutex
	calls int
}

func (l *countingLoader) LoadRating(ctx context.Context, userID string) (float64, error) {
	l.mu.Lock()
	l.calls++
	l.mu.Unlock()
	return l.RatingLoader.LoadRating(ctx, userID)
}

func (l *countingLoader) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}
