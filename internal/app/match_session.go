package app

import (
	"sync"
	"time"

	"arena-service/internal/clock"
	"arena-service/internal/connquality"
	"arena-service/internal/domain"
	"go.uber.org/zap"
)

// End reasons recorded on the match result.
const (
	ReasonTimeUp    = "time_up"
	ReasonForfeit   = "forfeit"
	ReasonAbandoned = "abandoned"
)

// SessionConfig holds the timing and scoring rules of a match.
type SessionConfig struct {
	MinPlayers            int
	MaxPlayers            int
	Duration              time.Duration
	StartDelay            time.Duration
	ReconnectGrace        time.Duration
	EndLinger             time.Duration
	InitTimeout           time.Duration
	MaxInitRecoveries     int
	PointsPerCorrect      int
	ConnectionStatesEvery int
}

func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		MinPlayers:            2,
		MaxPlayers:            10,
		Duration:              60 * time.Second,
		StartDelay:            1500 * time.Millisecond,
		ReconnectGrace:        30 * time.Second,
		EndLinger:             5 * time.Second,
		InitTimeout:           15 * time.Second,
		MaxInitRecoveries:     3,
		PointsPerCorrect:      100,
		ConnectionStatesEvery: 5,
	}
}

// ProblemSource hands out fresh problems for a category.
type ProblemSource interface {
	Generate(category domain.OperationCategory) (domain.Problem, error)
}

// RosterEntry pre-seeds a match with an expected player and their side.
type RosterEntry struct {
	UserID string `json:"userId"`
	Side   string `json:"side"`
}

type sessionHooks struct {
	onEnd     func(domain.MatchResult)
	onDestroy func(*Session)
}

// armed is a scheduled callback tagged with the generation it was armed in;
// a fire whose generation no longer matches its slot is stale and dropped.
type armed struct {
	timer clock.Timer
	gen   uint64
}

func (a *armed) current(gen uint64) bool { return a != nil && a.gen == gen }

func (a *armed) stop() {
	if a != nil {
		a.timer.Stop()
	}
}

// Session is the authoritative state of one live match. Its exported methods
// are the only mutation entry points; each runs under the session lock, and
// hooks that reach other components run after the lock is released.
type Session struct {
	id        string
	category  domain.OperationCategory
	createdAt time.Time
	cfg       SessionConfig
	clock     clock.Clock
	problems  ProblemSource
	hooks     sessionHooks
	log       *zap.Logger

	mu             sync.Mutex
	status         domain.MatchStatus
	timeRemaining  int
	syncVersion    uint64
	players        map[string]*domain.PlayerState
	order          []string
	roster         map[string]string
	issues         []domain.ConnectionIssue
	disconnects    map[string]int
	pendingConn    map[string]connquality.Metrics
	forfeitedBy    string
	reason         string
	startedAt      time.Time
	endedAt        time.Time
	ticks          int
	initRecoveries int
	destroyed      bool

	gen          uint64
	startTimer   *armed
	tickTimer    *armed
	initTimer    *armed
	destroyTimer *armed
	graceTimers  map[string]*armed

	subscribers map[string]chan domain.MatchEvent
	after       []func()
}

func newSession(
	id string,
	category domain.OperationCategory,
	cfg SessionConfig,
	clk clock.Clock,
	problems ProblemSource,
	roster []RosterEntry,
	hooks sessionHooks,
	log *zap.Logger,
) *Session {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Session{
		id:          id,
		category:    category,
		createdAt:   clk.Now(),
		cfg:         cfg,
		clock:       clk,
		problems:    problems,
		hooks:       hooks,
		log:         log.With(zap.String("match_id", id)),
		status:      domain.MatchWaiting,
		players:     make(map[string]*domain.PlayerState),
		disconnects: make(map[string]int),
		pendingConn: make(map[string]connquality.Metrics),
		graceTimers: make(map[string]*armed),
		subscribers: make(map[string]chan domain.MatchEvent),
	}
	if len(roster) > 0 {
		s.roster = make(map[string]string, len(roster))
		for _, entry := range roster {
			s.roster[entry.UserID] = entry.Side
		}
	}

	s.mu.Lock()
	s.initTimer = s.arm(cfg.InitTimeout, s.initExpired)
	s.mu.Unlock()
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) Category() domain.OperationCategory { return s.category }

func (s *Session) CreatedAt() time.Time { return s.createdAt }

func (s *Session) Status() domain.MatchStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) SyncVersion() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.syncVersion
}

// IsEmpty reports whether the session has no players left.
func (s *Session) IsEmpty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.players) == 0
}

// Destroyed reports whether the session has been torn down.
func (s *Session) Destroyed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.destroyed
}

// ConnectionIssues returns the diagnostic disconnect log.
func (s *Session) ConnectionIssues() []domain.ConnectionIssue {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.ConnectionIssue(nil), s.issues...)
}

// Join adds a player, or restores a disconnected one without losing state.
func (s *Session) Join(userID, displayName string, rating float64) (domain.MatchSnapshot, error) {
	s.mu.Lock()
	defer s.unlock()

	if s.destroyed {
		return domain.MatchSnapshot{}, domain.ErrMatchNotFound
	}
	if s.status == domain.MatchEnded {
		return domain.MatchSnapshot{}, domain.ErrMatchEnded
	}
	now := s.clock.Now()

	if p, ok := s.players[userID]; ok {
		if displayName != "" {
			p.DisplayName = displayName
		}
		grace, disconnected := s.graceTimers[userID]
		if !disconnected {
			// duplicate join from a live connection
			return s.snapshotLocked(userID), nil
		}
		grace.stop()
		delete(s.graceTimers, userID)
		p.ConnectionState = domain.ConnectionGood
		p.ConnectedAt = now
		p.LastActivityAt = now
		s.bumpLocked()
		s.broadcastLocked(domain.EventPlayerReconnected, publicPlayer(p))
		s.log.Info("player reconnected", zap.String("user_id", userID))
		return s.snapshotLocked(userID), nil
	}

	if s.status != domain.MatchWaiting {
		return domain.MatchSnapshot{}, domain.ErrRosterLocked
	}
	side, expected := s.roster[userID]
	if s.roster != nil && !expected {
		return domain.MatchSnapshot{}, domain.ErrNotOnRoster
	}
	if s.cfg.MaxPlayers > 0 && len(s.players) >= s.cfg.MaxPlayers {
		return domain.MatchSnapshot{}, domain.ErrRosterFull
	}

	p := &domain.PlayerState{
		UserID:          userID,
		DisplayName:     displayName,
		Side:            side,
		Rating:          rating,
		ConnectionState: domain.ConnectionGood,
		ConnectedAt:     now,
		LastActivityAt:  now,
	}
	s.players[userID] = p
	s.order = append(s.order, userID)
	s.bumpLocked()
	s.broadcastLocked(domain.EventPlayerJoined, publicPlayer(p))
	s.log.Info("player joined", zap.String("user_id", userID), zap.Int("roster", len(s.players)))

	if s.readyLocked() && s.startTimer == nil {
		s.startTimer = s.arm(s.cfg.StartDelay, s.startMatch)
	}
	return s.snapshotLocked(userID), nil
}

// SubmitAnswer scores an answer against the player's current question and
// hands out the next one. Either everything applies or nothing does.
func (s *Session) SubmitAnswer(userID string, submission domain.AnswerSubmission) (domain.AnswerOutcome, error) {
	s.mu.Lock()
	defer s.unlock()

	if s.destroyed {
		return domain.AnswerOutcome{}, domain.ErrMatchNotFound
	}
	switch s.status {
	case domain.MatchEnded:
		return domain.AnswerOutcome{}, domain.ErrMatchEnded
	case domain.MatchWaiting:
		return domain.AnswerOutcome{}, domain.ErrMatchNotActive
	}
	p, ok := s.players[userID]
	if !ok {
		return domain.AnswerOutcome{}, domain.ErrPlayerNotFound
	}
	question := p.CurrentQuestion
	if question == nil {
		return domain.AnswerOutcome{}, domain.ErrMatchNotActive
	}
	if submission.QuestionID != "" && submission.QuestionID != question.ID {
		return domain.AnswerOutcome{}, domain.ErrStaleQuestion
	}

	next, err := s.problems.Generate(s.category)
	if err != nil {
		return domain.AnswerOutcome{}, err
	}
	now := s.clock.Now()
	next.DistributedAt = now

	correct := submission.Answer == question.CorrectAnswer
	awarded := 0
	if correct {
		awarded = s.cfg.PointsPerCorrect
		p.Score += awarded
		p.Streak++
		p.CorrectAnswers++
	} else {
		p.Streak = 0
	}
	p.QuestionsAnswered++
	if took := now.Sub(question.DistributedAt); took > 0 {
		p.AnswerTime += took
	}
	p.CurrentQuestion = &next
	p.LastActivityAt = now

	version := s.bumpLocked()
	s.broadcastLocked(domain.EventAnswerResult, domain.AnswerBroadcast{
		UserID:     userID,
		QuestionID: question.ID,
		Correct:    correct,
		Awarded:    awarded,
	})
	s.sendToLocked(userID, domain.EventNewQuestion, &next)

	return domain.AnswerOutcome{
		QuestionID:   question.ID,
		Correct:      correct,
		Awarded:      awarded,
		Score:        p.Score,
		Streak:       p.Streak,
		NextQuestion: &next,
		SyncVersion:  version,
	}, nil
}

// Disconnect marks a player BAD and starts the reconnection grace period.
// It reports whether this call did so.
func (s *Session) Disconnect(userID, reason string) (bool, error) {
	s.mu.Lock()
	defer s.unlock()
	return s.disconnectLocked(userID, reason)
}

// Detach is Disconnect for a dropped connection. It does nothing when events
// is no longer userID's subscription, since a newer connection has taken over.
func (s *Session) Detach(userID string, events <-chan domain.MatchEvent, reason string) (bool, error) {
	s.mu.Lock()
	defer s.unlock()

	if s.destroyed {
		return false, domain.ErrMatchNotFound
	}
	if cur, ok := s.subscribers[userID]; !ok || (<-chan domain.MatchEvent)(cur) != events {
		return false, nil
	}
	return s.disconnectLocked(userID, reason)
}

func (s *Session) disconnectLocked(userID, reason string) (bool, error) {
	if s.destroyed {
		return false, domain.ErrMatchNotFound
	}
	p, ok := s.players[userID]
	if !ok {
		return false, domain.ErrPlayerNotFound
	}
	if s.status == domain.MatchEnded {
		return false, nil
	}
	if _, pending := s.graceTimers[userID]; pending {
		return false, nil
	}

	p.ConnectionState = domain.ConnectionBad
	delete(s.pendingConn, userID)
	s.issues = append(s.issues, domain.ConnectionIssue{UserID: userID, Reason: reason, At: s.clock.Now()})
	s.disconnects[userID]++
	s.graceTimers[userID] = s.arm(s.cfg.ReconnectGrace, func(gen uint64) {
		s.graceExpired(userID, gen)
	})
	s.bumpLocked()
	s.broadcastLocked(domain.EventPlayerDisconnect, publicPlayer(p))
	s.log.Info("player disconnected", zap.String("user_id", userID), zap.String("reason", reason))
	return true, nil
}

// Leave removes a player before the match starts; during play it forfeits.
func (s *Session) Leave(userID string) error {
	s.mu.Lock()
	defer s.unlock()

	if s.destroyed {
		return domain.ErrMatchNotFound
	}
	if _, ok := s.players[userID]; !ok {
		return domain.ErrPlayerNotFound
	}
	switch s.status {
	case domain.MatchEnded:
		return nil
	case domain.MatchActive:
		s.forfeitLocked(userID)
	default:
		s.removeWaitingLocked(userID, "left")
	}
	return nil
}

// Forfeit ends an active match immediately, recording who gave up.
func (s *Session) Forfeit(userID string) error {
	return s.Leave(userID)
}

// Snapshot is the full resync payload for userID, independent of version.
func (s *Session) Snapshot(userID string) (domain.MatchSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.destroyed {
		return domain.MatchSnapshot{}, domain.ErrMatchNotFound
	}
	if _, ok := s.players[userID]; !ok {
		return domain.MatchSnapshot{}, domain.ErrPlayerNotFound
	}
	return s.snapshotLocked(userID), nil
}

// View is the public state at the current version.
func (s *Session) View() domain.MatchView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewLocked()
}

// UpdateConnection queues a fresh RTT classification; it becomes visible on
// the next connection_states push.
func (s *Session) UpdateConnection(metrics connquality.Metrics) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.players[metrics.UserID]; !ok || s.status == domain.MatchEnded {
		return
	}
	if _, disconnected := s.graceTimers[metrics.UserID]; disconnected {
		return
	}
	s.pendingConn[metrics.UserID] = metrics
}

// Subscribe registers userID's push channel, replacing an older one. The
// first event is a state_sync snapshot.
func (s *Session) Subscribe(userID string) (<-chan domain.MatchEvent, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.destroyed {
		return nil, nil, domain.ErrMatchNotFound
	}
	if old, ok := s.subscribers[userID]; ok {
		close(old)
	}
	ch := make(chan domain.MatchEvent, 32)
	s.subscribers[userID] = ch

	snap := s.snapshotLocked(userID)
	ch <- domain.MatchEvent{
		Type:        domain.EventStateSync,
		MatchID:     s.id,
		SyncVersion: snap.SyncVersion,
		State:       &snap.MatchView,
		Data:        snap.CurrentQuestion,
	}

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if cur, ok := s.subscribers[userID]; ok && cur == ch {
			delete(s.subscribers, userID)
			close(ch)
		}
	}
	return ch, cancel, nil
}

func (s *Session) startMatch(gen uint64) {
	s.mu.Lock()
	defer s.unlock()

	if !s.startTimer.current(gen) {
		return
	}
	s.startTimer = nil
	if s.status != domain.MatchWaiting || len(s.players) < s.cfg.MinPlayers {
		return
	}

	first := make(map[string]domain.Problem, len(s.players))
	for _, userID := range s.order {
		problem, err := s.problems.Generate(s.category)
		if err != nil {
			s.log.Error("failed to generate opening problem", zap.Error(err))
			return
		}
		first[userID] = problem
	}

	now := s.clock.Now()
	s.status = domain.MatchActive
	s.startedAt = now
	s.timeRemaining = int(s.cfg.Duration / time.Second)
	s.initTimer.stop()
	s.initTimer = nil
	for userID, problem := range first {
		problem := problem
		problem.DistributedAt = now
		s.players[userID].CurrentQuestion = &problem
		s.players[userID].LastActivityAt = now
	}

	s.bumpLocked()
	s.broadcastLocked(domain.EventMatchStart, nil)
	for userID := range first {
		s.sendToLocked(userID, domain.EventNewQuestion, s.players[userID].CurrentQuestion)
	}
	s.tickTimer = s.arm(time.Second, s.tick)
	s.log.Info("match started", zap.Int("players", len(s.players)), zap.Int("seconds", s.timeRemaining))
}

func (s *Session) tick(gen uint64) {
	s.mu.Lock()
	defer s.unlock()

	if !s.tickTimer.current(gen) {
		return
	}
	s.tickTimer = nil
	if s.status != domain.MatchActive {
		return
	}

	s.timeRemaining--
	s.ticks++
	if s.timeRemaining <= 0 {
		s.timeRemaining = 0
		s.endLocked(ReasonTimeUp)
		return
	}
	s.bumpLocked()
	s.broadcastLocked(domain.EventTimeUpdate, nil)

	if s.cfg.ConnectionStatesEvery > 0 && s.ticks%s.cfg.ConnectionStatesEvery == 0 {
		s.flushConnectionStatesLocked()
	}
	s.tickTimer = s.arm(time.Second, s.tick)
}

func (s *Session) graceExpired(userID string, gen uint64) {
	s.mu.Lock()
	defer s.unlock()

	if !s.graceTimers[userID].current(gen) {
		return
	}
	delete(s.graceTimers, userID)
	if s.status == domain.MatchEnded || s.destroyed {
		return
	}

	p := s.players[userID]
	s.removePlayerLocked(userID)
	s.bumpLocked()
	s.broadcastLocked(domain.EventPlayerLeft, publicPlayer(p))
	s.log.Info("reconnection grace expired", zap.String("user_id", userID), zap.Int("roster", len(s.players)))

	if len(s.players) == 0 {
		s.destroyLocked()
		return
	}
	if s.status == domain.MatchWaiting && len(s.players) < s.cfg.MinPlayers {
		s.startTimer.stop()
		s.startTimer = nil
	}
}

// initExpired fires when a match never reached ACTIVE in time. It re-pushes
// full state to everyone and retries, abandoning only after repeated misses.
func (s *Session) initExpired(gen uint64) {
	s.mu.Lock()
	defer s.unlock()

	if !s.initTimer.current(gen) {
		return
	}
	s.initTimer = nil
	if s.status != domain.MatchWaiting || s.destroyed {
		return
	}
	if len(s.players) == 0 {
		s.log.Info("match never started and roster is empty")
		s.destroyLocked()
		return
	}

	s.initRecoveries++
	if s.initRecoveries > s.cfg.MaxInitRecoveries {
		s.log.Warn("match abandoned before start", zap.Int("recoveries", s.initRecoveries-1))
		s.endLocked(ReasonAbandoned)
		return
	}

	s.bumpLocked()
	for userID, ch := range s.subscribers {
		snap := s.snapshotLocked(userID)
		send(ch, domain.MatchEvent{
			Type:        domain.EventStateSync,
			MatchID:     s.id,
			SyncVersion: snap.SyncVersion,
			State:       &snap.MatchView,
			Data:        snap.CurrentQuestion,
		})
	}
	if len(s.players) >= s.cfg.MinPlayers && s.startTimer == nil {
		s.startTimer = s.arm(s.cfg.StartDelay, s.startMatch)
	}
	s.initTimer = s.arm(s.cfg.InitTimeout, s.initExpired)
	s.log.Info("initialization recovery", zap.Int("attempt", s.initRecoveries), zap.Int("roster", len(s.players)))
}

func (s *Session) destroyExpired(gen uint64) {
	s.mu.Lock()
	defer s.unlock()

	if !s.destroyTimer.current(gen) {
		return
	}
	s.destroyTimer = nil
	s.destroyLocked()
}

func (s *Session) forfeitLocked(userID string) {
	s.forfeitedBy = userID
	s.bumpLocked()
	s.broadcastLocked(domain.EventPlayerForfeit, publicPlayer(s.players[userID]))
	s.log.Info("player forfeited", zap.String("user_id", userID))
	s.endLocked(ReasonForfeit)
}

func (s *Session) removeWaitingLocked(userID, reason string) {
	p := s.players[userID]
	if grace, ok := s.graceTimers[userID]; ok {
		grace.stop()
		delete(s.graceTimers, userID)
	}
	s.removePlayerLocked(userID)
	s.bumpLocked()
	s.broadcastLocked(domain.EventPlayerLeft, publicPlayer(p))
	s.log.Info("player left", zap.String("user_id", userID), zap.String("reason", reason))

	if len(s.players) == 0 {
		s.destroyLocked()
		return
	}
	if len(s.players) < s.cfg.MinPlayers {
		s.startTimer.stop()
		s.startTimer = nil
	}
}

func (s *Session) endLocked(reason string) {
	if s.status == domain.MatchEnded {
		return
	}
	s.status = domain.MatchEnded
	s.reason = reason
	s.endedAt = s.clock.Now()

	s.startTimer.stop()
	s.tickTimer.stop()
	s.initTimer.stop()
	s.startTimer, s.tickTimer, s.initTimer = nil, nil, nil
	for userID, grace := range s.graceTimers {
		grace.stop()
		delete(s.graceTimers, userID)
	}
	s.applyPendingConnLocked()

	s.bumpLocked()
	result := s.resultLocked()
	s.broadcastLocked(domain.EventMatchEnd, result)
	s.log.Info("match ended", zap.String("reason", reason), zap.Uint64("sync_version", s.syncVersion))

	if !s.startedAt.IsZero() && s.hooks.onEnd != nil {
		onEnd := s.hooks.onEnd
		s.after = append(s.after, func() { onEnd(result) })
	}
	s.destroyTimer = s.arm(s.cfg.EndLinger, s.destroyExpired)
}

func (s *Session) destroyLocked() {
	if s.destroyed {
		return
	}
	s.destroyed = true
	for _, a := range []*armed{s.startTimer, s.tickTimer, s.initTimer, s.destroyTimer} {
		a.stop()
	}
	s.startTimer, s.tickTimer, s.initTimer, s.destroyTimer = nil, nil, nil, nil
	for userID, grace := range s.graceTimers {
		grace.stop()
		delete(s.graceTimers, userID)
	}
	for userID, ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, userID)
	}
	s.log.Info("match destroyed")
	if s.hooks.onDestroy != nil {
		onDestroy := s.hooks.onDestroy
		s.after = append(s.after, func() { onDestroy(s) })
	}
}

func (s *Session) flushConnectionStatesLocked() {
	if len(s.pendingConn) == 0 {
		return
	}
	s.applyPendingConnLocked()
	s.bumpLocked()
	s.broadcastLocked(domain.EventConnectionStates, nil)
}

func (s *Session) applyPendingConnLocked() {
	for userID, m := range s.pendingConn {
		if p, ok := s.players[userID]; ok {
			p.ConnectionState = m.Classification
			p.RoundTripMillis = m.RollingAverageMillis
		}
		delete(s.pendingConn, userID)
	}
}

func (s *Session) removePlayerLocked(userID string) {
	delete(s.players, userID)
	delete(s.pendingConn, userID)
	for i, id := range s.order {
		if id == userID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

func (s *Session) readyLocked() bool {
	if len(s.players) < s.cfg.MinPlayers {
		return false
	}
	return s.roster == nil || len(s.players) >= len(s.roster)
}

func (s *Session) bumpLocked() uint64 {
	s.syncVersion++
	return s.syncVersion
}

func (s *Session) viewLocked() domain.MatchView {
	players := make([]domain.PlayerState, 0, len(s.order))
	for _, userID := range s.order {
		players = append(players, publicPlayer(s.players[userID]))
	}
	return domain.MatchView{
		MatchID:              s.id,
		Category:             s.category,
		Status:               s.status,
		TimeRemainingSeconds: s.timeRemaining,
		SyncVersion:          s.syncVersion,
		Players:              players,
		ForfeitedBy:          s.forfeitedBy,
	}
}

func (s *Session) snapshotLocked(userID string) domain.MatchSnapshot {
	snap := domain.MatchSnapshot{MatchView: s.viewLocked()}
	if p, ok := s.players[userID]; ok && p.CurrentQuestion != nil {
		q := *p.CurrentQuestion
		snap.CurrentQuestion = &q
	}
	return snap
}

func (s *Session) resultLocked() domain.MatchResult {
	result := domain.MatchResult{
		MatchID:     s.id,
		Category:    s.category,
		Reason:      s.reason,
		ForfeitedBy: s.forfeitedBy,
		StartedAt:   s.startedAt,
		EndedAt:     s.endedAt,
		SyncVersion: s.syncVersion,
		Issues:      append([]domain.ConnectionIssue(nil), s.issues...),
	}
	for _, userID := range s.order {
		p := s.players[userID]
		row := domain.PlayerResult{
			UserID:            p.UserID,
			DisplayName:       p.DisplayName,
			Side:              p.Side,
			Rating:            p.Rating,
			Score:             p.Score,
			ScoreDelta:        p.Score,
			Streak:            p.Streak,
			QuestionsAnswered: p.QuestionsAnswered,
			CorrectAnswers:    p.CorrectAnswers,
			Disconnects:       s.disconnects[userID],
			RoundTripMillis:   p.RoundTripMillis,
			FinalConnection:   p.ConnectionState,
		}
		if p.QuestionsAnswered > 0 {
			row.Accuracy = float64(p.CorrectAnswers) / float64(p.QuestionsAnswered)
			row.AvgAnswerMillis = (p.AnswerTime / time.Duration(p.QuestionsAnswered)).Milliseconds()
		}
		result.Players = append(result.Players, row)
	}
	return result
}

func (s *Session) broadcastLocked(typ domain.EventType, data any) {
	view := s.viewLocked()
	event := domain.MatchEvent{
		Type:        typ,
		MatchID:     s.id,
		SyncVersion: view.SyncVersion,
		State:       &view,
		Data:        data,
	}
	for _, ch := range s.subscribers {
		send(ch, event)
	}
}

func (s *Session) sendToLocked(userID string, typ domain.EventType, data any) {
	ch, ok := s.subscribers[userID]
	if !ok {
		return
	}
	send(ch, domain.MatchEvent{
		Type:        typ,
		MatchID:     s.id,
		SyncVersion: s.syncVersion,
		Data:        data,
	})
}

// send never blocks the session: a full channel loses its oldest event.
// Every versioned push carries full state, so the newest one is enough.
func send(ch chan domain.MatchEvent, event domain.MatchEvent) {
	select {
	case ch <- event:
	default:
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- event:
		default:
		}
	}
}

func (s *Session) arm(d time.Duration, fire func(gen uint64)) *armed {
	s.gen++
	gen := s.gen
	return &armed{timer: s.clock.AfterFunc(d, func() { fire(gen) }), gen: gen}
}

func (s *Session) unlock() {
	after := s.after
	s.after = nil
	s.mu.Unlock()
	for _, f := range after {
		f()
	}
}

func publicPlayer(p *domain.PlayerState) domain.PlayerState {
	if p == nil {
		return domain.PlayerState{}
	}
	out := *p
	out.CurrentQuestion = nil
	return out
}
