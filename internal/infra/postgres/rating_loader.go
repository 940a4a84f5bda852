package postgres

import (
	"context"
	"errors"
	"fmt"

	"arena-service/internal/domain"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
)

// RatingLoader loads player ratings from Postgres.
type RatingLoader struct {
	pool *pgxpool.Pool
}

func NewRatingLoader(pool *pgxpool.Pool) *RatingLoader {
	return &RatingLoader{pool: pool}
}

func (l *RatingLoader) LoadRating(ctx context.Context, userID string) (float64, error) {
	var rating float64
	err := l.pool.QueryRow(ctx, `SELECT rating FROM user_ratings WHERE user_id=$1`, userID).Scan(&rating)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, domain.ErrRatingNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("load rating: %w", err)
	}
	return rating, nil
}

// SaveRating upserts a rating; used for seeding and admin tooling.
func (l *RatingLoader) SaveRating(ctx context.Context, userID string, rating float64) error {
	_, err := l.pool.Exec(ctx, `
		INSERT INTO user_ratings (user_id, rating, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (user_id) DO UPDATE SET rating=EXCLUDED.rating, updated_at=EXCLUDED.updated_at`,
		userID, rating)
	if err != nil {
		return fmt.Errorf("save rating: %w", err)
	}
	return nil
}
