package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"arena-service/internal/domain"
	"github.com/uptrace/bun"
)

type matchResultRow struct {
	bun.BaseModel `bun:"table:match_results"`

	MatchID     string                   `bun:"match_id,pk"`
	Category    string                   `bun:"category"`
	Reason      string                   `bun:"reason"`
	ForfeitedBy string                   `bun:"forfeited_by"`
	StartedAt   time.Time                `bun:"started_at"`
	EndedAt     time.Time                `bun:"ended_at"`
	SyncVersion int64                    `bun:"sync_version"`
	Issues      []domain.ConnectionIssue `bun:"issues,type:jsonb"`
}

type matchPlayerRow struct {
	bun.BaseModel `bun:"table:match_result_players"`

	MatchID           string  `bun:"match_id,pk"`
	UserID            string  `bun:"user_id,pk"`
	Position          int     `bun:"position"`
	DisplayName       string  `bun:"display_name"`
	Side              string  `bun:"side"`
	Rating            float64 `bun:"rating"`
	Score             int     `bun:"score"`
	ScoreDelta        int     `bun:"score_delta"`
	Streak            int     `bun:"streak"`
	QuestionsAnswered int     `bun:"questions_answered"`
	CorrectAnswers    int     `bun:"correct_answers"`
	Accuracy          float64 `bun:"accuracy"`
	AvgAnswerMillis   int64   `bun:"avg_answer_ms"`
	Disconnects       int     `bun:"disconnects"`
	RoundTripMillis   int64   `bun:"rtt_ms"`
	FinalConnection   string  `bun:"final_connection"`
}

// ResultStore persists final match results through bun.
type ResultStore struct {
	db *bun.DB
}

func NewResultStore(db *bun.DB) *ResultStore {
	return &ResultStore{db: db}
}

// SaveMatchResult writes the result and its per-player rows in one
// transaction. Saving a match twice keeps the first result.
func (s *ResultStore) SaveMatchResult(ctx context.Context, result domain.MatchResult) error {
	row := matchResultRow{
		MatchID:     result.MatchID,
		Category:    string(result.Category),
		Reason:      result.Reason,
		ForfeitedBy: result.ForfeitedBy,
		StartedAt:   result.StartedAt,
		EndedAt:     result.EndedAt,
		SyncVersion: int64(result.SyncVersion),
		Issues:      result.Issues,
	}
	if row.Issues == nil {
		row.Issues = []domain.ConnectionIssue{}
	}

	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		res, err := tx.NewInsert().Model(&row).On("CONFLICT (match_id) DO NOTHING").Exec(ctx)
		if err != nil {
			return fmt.Errorf("insert match result: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return nil
		}
		if len(result.Players) == 0 {
			return nil
		}

		players := make([]matchPlayerRow, 0, len(result.Players))
		for i, p := range result.Players {
			players = append(players, matchPlayerRow{
				MatchID:           result.MatchID,
				UserID:            p.UserID,
				Position:          i,
				DisplayName:       p.DisplayName,
				Side:              p.Side,
				Rating:            p.Rating,
				Score:             p.Score,
				ScoreDelta:        p.ScoreDelta,
				Streak:            p.Streak,
				QuestionsAnswered: p.QuestionsAnswered,
				CorrectAnswers:    p.CorrectAnswers,
				Accuracy:          p.Accuracy,
				AvgAnswerMillis:   p.AvgAnswerMillis,
				Disconnects:       p.Disconnects,
				RoundTripMillis:   p.RoundTripMillis,
				FinalConnection:   string(p.FinalConnection),
			})
		}
		if _, err := tx.NewInsert().Model(&players).Exec(ctx); err != nil {
			return fmt.Errorf("insert match players: %w", err)
		}
		return nil
	})
}

// MatchResult reads a stored result back.
func (s *ResultStore) MatchResult(ctx context.Context, matchID string) (domain.MatchResult, error) {
	var row matchResultRow
	err := s.db.NewSelect().Model(&row).Where("match_id = ?", matchID).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.MatchResult{}, domain.ErrMatchNotFound
	}
	if err != nil {
		return domain.MatchResult{}, fmt.Errorf("load match result: %w", err)
	}

	var players []matchPlayerRow
	if err := s.db.NewSelect().Model(&players).Where("match_id = ?", matchID).Order("position ASC").Scan(ctx); err != nil {
		return domain.MatchResult{}, fmt.Errorf("load match players: %w", err)
	}

	result := domain.MatchResult{
		MatchID:     row.MatchID,
		Category:    domain.OperationCategory(row.Category),
		Reason:      row.Reason,
		ForfeitedBy: row.ForfeitedBy,
		StartedAt:   row.StartedAt,
		EndedAt:     row.EndedAt,
		SyncVersion: uint64(row.SyncVersion),
		Issues:      row.Issues,
	}
	for _, p := range players {
		result.Players = append(result.Players, domain.PlayerResult{
			UserID:            p.UserID,
			DisplayName:       p.DisplayName,
			Side:              p.Side,
			Rating:            p.Rating,
			Score:             p.Score,
			ScoreDelta:        p.ScoreDelta,
			Streak:            p.Streak,
			QuestionsAnswered: p.QuestionsAnswered,
			CorrectAnswers:    p.CorrectAnswers,
			Accuracy:          p.Accuracy,
			AvgAnswerMillis:   p.AvgAnswerMillis,
			Disconnects:       p.Disconnects,
			RoundTripMillis:   p.RoundTripMillis,
			FinalConnection:   domain.ConnectionState(p.FinalConnection),
		})
	}
	return result, nil
}
