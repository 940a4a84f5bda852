package syncclient

import (
	"testing"
	"time"

	"arena-service/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type manualNow struct{ t time.Time }

func (m *manualNow) now() time.Time { return m.t }

func view(version uint64, status domain.MatchStatus, remaining int, score int) *domain.MatchView {
	return &domain.MatchView{
		MatchID:              "m1",
		Status:               status,
		TimeRemainingSeconds: remaining,
		SyncVersion:          version,
		Players: []domain.PlayerState{
			{UserID: "me", Score: score},
			{UserID: "other"},
		},
	}
}

func event(typ domain.EventType, v *domain.MatchView, data any) domain.MatchEvent {
	ev := domain.MatchEvent{Type: typ, MatchID: "m1", State: v, Data: data}
	if v != nil {
		ev.SyncVersion = v.SyncVersion
	}
	return ev
}

func TestStateDiscardsOlderVersions(t *testing.T) {
	s := NewState("me", nil)

	assert.True(t, s.Apply(event(domain.EventTimeUpdate, view(5, domain.MatchActive, 40, 200), nil)))
	assert.False(t, s.Apply(event(domain.EventTimeUpdate, view(4, domain.MatchActive, 41, 100), nil)))
	assert.Equal(t, uint64(5), s.Version())
	assert.Equal(t, 200, s.Confirmed().Player("me").Score)
	assert.Equal(t, 1, s.Stale())

	// equal versions are accepted
	assert.True(t, s.Apply(event(domain.EventConnectionStates, view(5, domain.MatchActive, 40, 200), nil)))
}

func TestResyncReplyIsInstalledWhateverItsVersion(t *testing.T) {
	s := NewState("me", nil)
	s.Apply(event(domain.EventTimeUpdate, view(12, domain.MatchActive, 30, 300), nil))
	s.Apply(event(domain.EventNewQuestion, view(12, domain.MatchActive, 30, 300), &domain.Problem{ID: "q12"}))

	assert.True(t, s.Apply(event(domain.EventStateSync, view(8, domain.MatchActive, 33, 200), &domain.Problem{ID: "q8"})))
	assert.Equal(t, uint64(8), s.Version())
	assert.Equal(t, 200, s.Confirmed().Player("me").Score)
	require.NotNil(t, s.Question())
	assert.Equal(t, "q8", s.Question().ID)
	assert.Zero(t, s.Stale())

	// a resync without a question clears the local one
	assert.True(t, s.Apply(event(domain.EventStateSync, view(6, domain.MatchWaiting, 60, 0), nil)))
	assert.Nil(t, s.Question())
}

func TestStateConvergesRegardlessOfDeliveryOrder(t *testing.T) {
	pushes := []domain.MatchEvent{
		event(domain.EventMatchStart, view(3, domain.MatchActive, 60, 0), nil),
		event(domain.EventAnswerResult, view(4, domain.MatchActive, 60, 100), nil),
		event(domain.EventTimeUpdate, view(5, domain.MatchActive, 59, 100), nil),
	}
	inOrder := NewState("me", nil)
	for _, ev := range pushes {
		inOrder.Apply(ev)
	}
	shuffled := NewState("me", nil)
	for _, i := range []int{2, 0, 1} {
		shuffled.Apply(pushes[i])
	}
	assert.Equal(t, inOrder.Confirmed(), shuffled.Confirmed())
	assert.Equal(t, inOrder.Version(), shuffled.Version())
}

func TestSnapshotIsUnconditional(t *testing.T) {
	s := NewState("me", nil)
	s.Apply(event(domain.EventTimeUpdate, view(9, domain.MatchActive, 30, 300), nil))

	s.ApplySnapshot(domain.MatchSnapshot{
		MatchView:       *view(7, domain.MatchActive, 28, 300),
		CurrentQuestion: &domain.Problem{ID: "q7"},
	})
	assert.Equal(t, uint64(7), s.Version())
	assert.Equal(t, 28, s.Confirmed().TimeRemainingSeconds)
	require.NotNil(t, s.Question())
	assert.Equal(t, "q7", s.Question().ID)
}

func TestPredictionReconcilesToServerEcho(t *testing.T) {
	s := NewState("me", nil)
	s.Apply(event(domain.EventMatchStart, view(3, domain.MatchActive, 60, 0), nil))
	_, ok := s.Predict(5)
	assert.False(t, ok, "no question yet")

	s.Apply(domain.MatchEvent{Type: domain.EventNewQuestion, SyncVersion: 3, Data: &domain.Problem{ID: "q1"}})
	p, ok := s.Predict(5)
	require.True(t, ok)
	assert.Equal(t, "q1", p.QuestionID)
	_, ok = s.Predict(6)
	assert.False(t, ok, "one answer per question")

	predicted := s.Predicted()
	assert.Equal(t, 1, predicted.PendingAnswers)
	assert.Equal(t, 1, predicted.View.Player("me").QuestionsAnswered)
	assert.Equal(t, 0, s.Confirmed().Player("me").QuestionsAnswered, "prediction never leaks into confirmed state")

	confirmed := view(4, domain.MatchActive, 60, 100)
	confirmed.Players[0].QuestionsAnswered = 1
	s.Apply(event(domain.EventAnswerResult, confirmed, domain.AnswerBroadcast{UserID: "me", QuestionID: "q1", Correct: true, Awarded: 100}))
	assert.Empty(t, s.Pending())
	predicted = s.Predicted()
	assert.Equal(t, 1, predicted.View.Player("me").QuestionsAnswered)
	assert.Equal(t, 100, predicted.View.Player("me").Score)
}

func TestPendingClearedByNewQuestionOrRejection(t *testing.T) {
	s := NewState("me", nil)
	s.Apply(event(domain.EventMatchStart, view(3, domain.MatchActive, 60, 0), nil))
	s.Apply(domain.MatchEvent{Type: domain.EventNewQuestion, SyncVersion: 3, Data: map[string]any{"id": "q1"}})
	_, ok := s.Predict(1)
	require.True(t, ok)

	s.Apply(domain.MatchEvent{Type: domain.EventNewQuestion, SyncVersion: 4, Data: map[string]any{"id": "q2"}})
	assert.Empty(t, s.Pending())
	assert.Equal(t, "q2", s.Question().ID)

	_, ok = s.Predict(2)
	require.True(t, ok)
	s.Reject()
	assert.Empty(t, s.Pending())
}

func TestMatchEndKeepsResult(t *testing.T) {
	s := NewState("me", nil)
	s.Apply(event(domain.EventMatchEnd, view(12, domain.MatchEnded, 0, 400), domain.MatchResult{MatchID: "m1", Reason: "time_up"}))

	result, ok := s.Result()
	require.True(t, ok)
	assert.Equal(t, "time_up", result.Reason)
	assert.Nil(t, s.Question())
}

func TestDisplayTimeRemainingOffsetsHalfRTT(t *testing.T) {
	clk := &manualNow{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := NewState("me", clk.now)
	s.Apply(event(domain.EventTimeUpdate, view(5, domain.MatchActive, 30, 0), nil))

	assert.Equal(t, 30*time.Second, s.DisplayTimeRemaining())

	s.SetRTT(200 * time.Millisecond)
	clk.t = clk.t.Add(400 * time.Millisecond)
	assert.Equal(t, 30*time.Second-500*time.Millisecond, s.DisplayTimeRemaining())

	clk.t = clk.t.Add(time.Minute)
	assert.Equal(t, time.Duration(0), s.DisplayTimeRemaining())

	s.Apply(event(domain.EventMatchEnd, view(6, domain.MatchEnded, 0, 0), nil))
	assert.Equal(t, time.Duration(0), s.DisplayTimeRemaining())
}
