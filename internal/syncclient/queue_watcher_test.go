package syncclient

import (
	"testing"

	"arena-service/internal/domain"
	"github.com/stretchr/testify/assert"
)

func TestAbsentPollsAreDebounced(t *testing.T) {
	w := NewQueueWatcher(DefaultAbsentPolls)

	assert.Equal(t, Stay, w.ObservePoll(&domain.QueueStatus{Phase: domain.PhaseTeammates}))
	assert.Equal(t, Stay, w.ObservePoll(nil), "one empty read may be a race")
	assert.Equal(t, Stay, w.ObservePoll(&domain.QueueStatus{Phase: domain.PhaseTeammates}))
	assert.Equal(t, Stay, w.ObservePoll(nil), "the streak restarted")
	assert.Equal(t, Cancelled, w.ObservePoll(nil))
	assert.Equal(t, Cancelled, w.Decision())
}

func TestPushedCancellationIsImmediateAndIdempotent(t *testing.T) {
	w := NewQueueWatcher(0)

	assert.Equal(t, Cancelled, w.ObservePush(domain.QueueUpdate{Type: domain.QueueCancelled, Reason: "leader_cancelled"}))
	assert.Equal(t, "leader_cancelled", w.Reason())

	// the same cancellation seen again, by poll or push, changes nothing
	assert.Equal(t, Stay, w.ObservePoll(nil))
	assert.Equal(t, Stay, w.ObservePoll(nil))
	assert.Equal(t, Stay, w.ObservePush(domain.QueueUpdate{Type: domain.QueueCancelled}))
	assert.Equal(t, Cancelled, w.Decision())
}

func TestMatchFoundRedirectsOnce(t *testing.T) {
	w := NewQueueWatcher(DefaultAbsentPolls)

	assert.Equal(t, Stay, w.ObservePush(domain.QueueUpdate{Type: domain.QueuePhaseChanged, Status: &domain.QueueStatus{Phase: domain.PhaseOpponentSearch}}))
	assert.Equal(t, domain.PhaseOpponentSearch, w.Phase())

	found := &domain.QueueStatus{Phase: domain.PhaseMatchFound, MatchID: "m42"}
	assert.Equal(t, MatchFound, w.ObservePush(domain.QueueUpdate{Type: domain.QueueMatchFound, Status: found}))
	assert.Equal(t, Stay, w.ObservePoll(found))
	assert.Equal(t, "m42", w.MatchID())

	w.Reset()
	assert.Equal(t, Stay, w.Decision())
	assert.Empty(t, w.MatchID())
}
