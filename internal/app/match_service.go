package app

import (
	"context"
	"errors"
	"time"

	"arena-service/internal/clock"
	"arena-service/internal/connquality"
	"arena-service/internal/domain"
	"go.uber.org/zap"
)

// MatchRegistry abstracts where live sessions are indexed (in-memory, Redis, etc).
type MatchRegistry interface {
	// GetOrCreate returns the live session for matchID, calling create when
	// there is none. created reports whether create was used.
	GetOrCreate(matchID string, create func() *Session) (session *Session, created bool)
	Get(matchID string) (*Session, bool)
	// Remove drops matchID only while it still maps to session.
	Remove(matchID string, session *Session)
	Len() int
}

// ResultRepository persists final match results.
type ResultRepository interface {
	SaveMatchResult(ctx context.Context, result domain.MatchResult) error
}

// RatingRepository loads player ratings (from cache/backing store).
type RatingRepository interface {
	GetRating(ctx context.Context, userID string) (float64, error)
}

// RatingInvalidator is implemented by rating caches. Ratings are recomputed
// from saved results elsewhere, so cached values for a match's players are
// dropped once its result is persisted.
type RatingInvalidator interface {
	Invalidate(ctx context.Context, userID string) error
}

// MatchService contains the live match use cases.
type MatchService struct {
	matches  MatchRegistry
	results  ResultRepository
	ratings  RatingRepository
	problems ProblemSource
	monitor  *connquality.Monitor
	clock    clock.Clock
	cfg      SessionConfig
	log      *zap.Logger

	defaultCategory domain.OperationCategory
	defaultRating   float64
	saveTimeout     time.Duration
}

type Option func(*MatchService)

func WithClock(c clock.Clock) Option { return func(s *MatchService) { s.clock = c } }

func WithLogger(log *zap.Logger) Option {
	return func(s *MatchService) {
		if log != nil {
			s.log = log
		}
	}
}

func WithSessionConfig(cfg SessionConfig) Option { return func(s *MatchService) { s.cfg = cfg } }

func WithMonitor(m *connquality.Monitor) Option { return func(s *MatchService) { s.monitor = m } }

func WithDefaultCategory(c domain.OperationCategory) Option {
	return func(s *MatchService) { s.defaultCategory = c }
}

// WithDefaultRating sets the rating used when a player has none on record.
func WithDefaultRating(r float64) Option { return func(s *MatchService) { s.defaultRating = r } }

func NewMatchService(matches MatchRegistry, results ResultRepository, ratings RatingRepository, problems ProblemSource, opts ...Option) *MatchService {
	s := &MatchService{
		matches:         matches,
		results:         results,
		ratings:         ratings,
		problems:        problems,
		monitor:         connquality.NewMonitor(connquality.DefaultThresholds, connquality.DefaultWindow),
		clock:           clock.Real{},
		cfg:             DefaultSessionConfig(),
		log:             zap.NewNop(),
		defaultCategory: domain.CategoryMixed,
		defaultRating:   1200,
		saveTimeout:     5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateMatch seeds a session with an expected roster, as the team queue
// does once opponents are found. An existing live session is returned as is.
func (s *MatchService) CreateMatch(_ context.Context, matchID string, category domain.OperationCategory, roster []RosterEntry) (domain.MatchView, error) {
	if category == "" {
		category = s.defaultCategory
	}
	if !category.Valid() {
		return domain.MatchView{}, domain.ErrInvalidCategory
	}
	session, created := s.matches.GetOrCreate(matchID, s.factory(matchID, category, roster))
	if created {
		s.log.Info("match created", zap.String("match_id", matchID), zap.String("category", string(category)), zap.Int("roster", len(roster)))
	}
	return session.View(), nil
}

// Join registers or restores a player. Unknown matches are created on demand
// with category (or the default category when empty).
func (s *MatchService) Join(ctx context.Context, matchID, userID, displayName string, category domain.OperationCategory) (domain.MatchSnapshot, error) {
	if category == "" {
		category = s.defaultCategory
	}
	if !category.Valid() {
		return domain.MatchSnapshot{}, domain.ErrInvalidCategory
	}
	rating := s.rating(ctx, userID)

	for attempt := 0; ; attempt++ {
		session, _ := s.matches.GetOrCreate(matchID, s.factory(matchID, category, nil))
		snap, err := session.Join(userID, displayName, rating)
		if errors.Is(err, domain.ErrMatchNotFound) && attempt == 0 {
			// torn down between lookup and join; index a fresh one
			s.matches.Remove(matchID, session)
			continue
		}
		return snap, err
	}
}

func (s *MatchService) SubmitAnswer(_ context.Context, matchID, userID string, submission domain.AnswerSubmission) (domain.AnswerOutcome, error) {
	session, err := s.session(matchID)
	if err != nil {
		return domain.AnswerOutcome{}, err
	}
	return session.SubmitAnswer(userID, submission)
}

// Subscribe returns a channel of pushes for one player. The caller must
// invoke the returned cancel function to avoid leaks.
func (s *MatchService) Subscribe(_ context.Context, matchID, userID string) (<-chan domain.MatchEvent, func(), error) {
	session, err := s.session(matchID)
	if err != nil {
		return nil, nil, err
	}
	return session.Subscribe(userID)
}

// Disconnect starts the reconnection grace period for a dropped player.
func (s *MatchService) Disconnect(_ context.Context, matchID, userID, reason string) error {
	session, err := s.session(matchID)
	if err != nil {
		return err
	}
	disconnected, err := session.Disconnect(userID, reason)
	if disconnected {
		s.monitor.RecordDisconnect(userID)
	}
	return err
}

// Detach starts the grace period for a dropped connection whose push
// channel was events. A connection that was already replaced is ignored.
func (s *MatchService) Detach(_ context.Context, matchID, userID string, events <-chan domain.MatchEvent, reason string) error {
	session, err := s.session(matchID)
	if err != nil {
		return err
	}
	detached, err := session.Detach(userID, events, reason)
	if detached {
		s.monitor.RecordDisconnect(userID)
	}
	return err
}

// Leave removes a waiting player or forfeits an active match.
func (s *MatchService) Leave(_ context.Context, matchID, userID string) error {
	session, err := s.session(matchID)
	if err != nil {
		return err
	}
	return session.Leave(userID)
}

func (s *MatchService) Forfeit(_ context.Context, matchID, userID string) error {
	session, err := s.session(matchID)
	if err != nil {
		return err
	}
	return session.Forfeit(userID)
}

// Resync returns the full current state regardless of lastVersion.
func (s *MatchService) Resync(_ context.Context, matchID, userID string, lastVersion uint64) (domain.MatchSnapshot, error) {
	session, err := s.session(matchID)
	if err != nil {
		return domain.MatchSnapshot{}, err
	}
	snap, err := session.Snapshot(userID)
	if err != nil {
		return snap, err
	}
	if lastVersion > snap.SyncVersion {
		s.log.Warn("client reported a version ahead of the server",
			zap.String("match_id", matchID),
			zap.String("user_id", userID),
			zap.Uint64("client_version", lastVersion),
			zap.Uint64("server_version", snap.SyncVersion))
	}
	return snap, nil
}

// RecordPong folds a ping echo into the player's RTT window. matchID may be
// empty for connections not bound to a match.
func (s *MatchService) RecordPong(_ context.Context, matchID, userID string, sentAt time.Time) connquality.Metrics {
	metrics := s.monitor.RecordPong(userID, sentAt)
	if matchID == "" {
		return metrics
	}
	if session, ok := s.matches.Get(matchID); ok {
		session.UpdateConnection(metrics)
	}
	return metrics
}

// Connection returns the current RTT metrics of a user.
func (s *MatchService) Connection(userID string) (connquality.Metrics, bool) {
	return s.monitor.Metrics(userID)
}

// ForgetConnection drops a user's RTT history once none of their sockets
// remain.
func (s *MatchService) ForgetConnection(userID string) {
	s.monitor.Forget(userID)
}

// Match returns the public view of a live match.
func (s *MatchService) Match(matchID string) (domain.MatchView, error) {
	session, err := s.session(matchID)
	if err != nil {
		return domain.MatchView{}, err
	}
	return session.View(), nil
}

// ActiveMatches is the number of sessions currently indexed.
func (s *MatchService) ActiveMatches() int {
	return s.matches.Len()
}

func (s *MatchService) session(matchID string) (*Session, error) {
	session, ok := s.matches.Get(matchID)
	if !ok {
		return nil, domain.ErrMatchNotFound
	}
	return session, nil
}

func (s *MatchService) rating(ctx context.Context, userID string) float64 {
	if s.ratings == nil {
		return s.defaultRating
	}
	rating, err := s.ratings.GetRating(ctx, userID)
	if err != nil {
		if !errors.Is(err, domain.ErrRatingNotFound) {
			s.log.Warn("rating lookup failed", zap.String("user_id", userID), zap.Error(err))
		}
		return s.defaultRating
	}
	return rating
}

func (s *MatchService) factory(matchID string, category domain.OperationCategory, roster []RosterEntry) func() *Session {
	return func() *Session {
		return newSession(matchID, category, s.cfg, s.clock, s.problems, roster, sessionHooks{
			onEnd:     s.persist,
			onDestroy: func(session *Session) { s.matches.Remove(session.ID(), session) },
		}, s.log)
	}
}

func (s *MatchService) persist(result domain.MatchResult) {
	if s.results == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.saveTimeout)
	defer cancel()
	if err := s.results.SaveMatchResult(ctx, result); err != nil {
		s.log.Error("failed to persist match result", zap.String("match_id", result.MatchID), zap.Error(err))
		return
	}
	s.log.Info("match result persisted", zap.String("match_id", result.MatchID), zap.Int("players", len(result.Players)))

	invalidator, ok := s.ratings.(RatingInvalidator)
	if !ok {
		return
	}
	for _, p := range result.Players {
		if err := invalidator.Invalidate(ctx, p.UserID); err != nil {
			s.log.Warn("failed to invalidate cached rating", zap.String("user_id", p.UserID), zap.Error(err))
		}
	}
}

// NewSession is exported for infrastructure layers that need to seed
// sessions outside the service.
func NewSession(matchID string, category domain.OperationCategory, cfg SessionConfig, clk clock.Clock, problems ProblemSource) *Session {
	return newSession(matchID, category, cfg, clk, problems, nil, sessionHooks{}, nil)
}
