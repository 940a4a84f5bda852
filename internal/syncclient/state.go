package syncclient

import (
	"encoding/json"
	"sync"
	"time"

	"arena-service/internal/connquality"
	"arena-service/internal/domain"
)

// Pending is an answer the client has sent but the server has not scored yet.
type Pending struct {
	QuestionID  string
	Answer      int
	SubmittedAt time.Time
}

// Prediction is the confirmed view with this player's in-flight answers
// layered on top. It is derived on demand and never written back.
type Prediction struct {
	View           domain.MatchView
	Question       *domain.Problem
	PendingAnswers int
}

// State is the client's copy of one match. The confirmed view is replaced
// whole by every accepted push; pending answers are the only local guess.
type State struct {
	userID string
	now    func() time.Time

	mu        sync.Mutex
	version   uint64
	confirmed domain.MatchView
	question  *domain.Problem
	pending   []Pending
	result    *domain.MatchResult
	syncedAt  time.Time
	rtt       time.Duration
	stale     int
	snapshots int
}

func NewState(userID string, now func() time.Time) *State {
	if now == nil {
		now = time.Now
	}
	return &State{userID: userID, now: now}
}

// Apply folds a push into the state. Pushes older than the held version are
// discarded and reported as false, except state_sync, which is a full
// resync and is installed whatever its version.
func (s *State) Apply(ev domain.MatchEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ev.SyncVersion < s.version && ev.Type != domain.EventStateSync {
		s.stale++
		return false
	}
	s.version = ev.SyncVersion
	if ev.State != nil {
		s.replaceLocked(*ev.State)
	}

	switch ev.Type {
	case domain.EventStateSync:
		var problem *domain.Problem
		if err := decodeData(ev.Data, &problem); err == nil && problem != nil {
			s.setQuestionLocked(problem)
		} else {
			s.question = nil
			s.pending = nil
		}
	case domain.EventNewQuestion:
		var problem *domain.Problem
		if err := decodeData(ev.Data, &problem); err == nil && problem != nil {
			s.setQuestionLocked(problem)
		}
	case domain.EventAnswerResult:
		var answer domain.AnswerBroadcast
		if err := decodeData(ev.Data, &answer); err == nil && answer.UserID == s.userID {
			s.resolveLocked(answer.QuestionID)
		}
	case domain.EventMatchEnd:
		var result domain.MatchResult
		if err := decodeData(ev.Data, &result); err == nil {
			s.result = &result
		}
		s.question = nil
		s.pending = nil
	}
	return true
}

// ApplySnapshot installs a full resync regardless of version.
func (s *State) ApplySnapshot(snap domain.MatchSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.snapshots++
	s.version = snap.SyncVersion
	s.replaceLocked(snap.MatchView)
	s.question = nil
	if snap.CurrentQuestion != nil {
		s.setQuestionLocked(snap.CurrentQuestion)
	} else {
		s.pending = nil
	}
}

// Acknowledge resolves the pending answer the server has scored.
func (s *State) Acknowledge(outcome domain.AnswerOutcome) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.resolveLocked(outcome.QuestionID)
	if outcome.NextQuestion != nil && outcome.SyncVersion >= s.version {
		s.setQuestionLocked(outcome.NextQuestion)
	}
}

// Reject drops the oldest pending answer after the server refused it.
func (s *State) Reject() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) > 0 {
		s.pending = s.pending[1:]
	}
}

// Predict records an answer about to be sent for the current question.
func (s *State) Predict(answer int) (Pending, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.question == nil || s.confirmed.Status != domain.MatchActive {
		return Pending{}, false
	}
	for _, p := range s.pending {
		if p.QuestionID == s.question.ID {
			return Pending{}, false
		}
	}
	p := Pending{QuestionID: s.question.ID, Answer: answer, SubmittedAt: s.now()}
	s.pending = append(s.pending, p)
	return p, true
}

// Confirmed is the last authoritative view.
func (s *State) Confirmed() domain.MatchView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyView(s.confirmed)
}

func (s *State) Predicted() Prediction {
	s.mu.Lock()
	defer s.mu.Unlock()

	view := copyView(s.confirmed)
	if me := view.Player(s.userID); me != nil {
		me.QuestionsAnswered += len(s.pending)
	}
	return Prediction{View: view, Question: s.question, PendingAnswers: len(s.pending)}
}

func (s *State) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// Question is the player's current question, nil outside of play.
func (s *State) Question() *domain.Problem {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.question
}

func (s *State) Pending() []Pending {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Pending(nil), s.pending...)
}

// Result is the final match record once match_end arrived.
func (s *State) Result() (domain.MatchResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.result == nil {
		return domain.MatchResult{}, false
	}
	return *s.result, true
}

// Stale counts pushes rejected for carrying an old version.
func (s *State) Stale() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stale
}

// Snapshots counts full snapshots installed, one per successful join.
func (s *State) Snapshots() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshots
}

// SetRTT stores the rolling average reported by the server.
func (s *State) SetRTT(avg time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rtt = avg
}

// DisplayTimeRemaining is the countdown to show: the confirmed remaining
// time minus what elapsed locally and half the rolling RTT. Display only.
func (s *State) DisplayTimeRemaining() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.confirmed.Status != domain.MatchActive {
		return time.Duration(s.confirmed.TimeRemainingSeconds) * time.Second
	}
	remaining := time.Duration(s.confirmed.TimeRemainingSeconds)*time.Second -
		s.now().Sub(s.syncedAt) -
		connquality.DisplayOffset(s.rtt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (s *State) replaceLocked(view domain.MatchView) {
	s.confirmed = copyView(view)
	s.syncedAt = s.now()
}

func (s *State) setQuestionLocked(problem *domain.Problem) {
	q := *problem
	s.question = &q
	// anything pending for an older question has been scored
	kept := s.pending[:0]
	for _, p := range s.pending {
		if p.QuestionID == q.ID {
			kept = append(kept, p)
		}
	}
	s.pending = kept
}

func (s *State) resolveLocked(questionID string) {
	for i, p := range s.pending {
		if p.QuestionID == questionID {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return
		}
	}
}

func copyView(v domain.MatchView) domain.MatchView {
	v.Players = append([]domain.PlayerState(nil), v.Players...)
	return v
}

// decodeData converts an event's data into v. Events decoded from the wire
// carry generic maps, events built in process carry the concrete type.
func decodeData(data any, v any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}
