package syncclient

import (
	"sync"

	"arena-service/internal/domain"
)

// Decision is what a member's client should do after an observation.
type Decision int

const (
	// Stay means keep waiting.
	Stay Decision = iota
	// Cancelled means the queue is gone; leave the queue screen.
	Cancelled
	// MatchFound means redirect to the match in MatchID.
	MatchFound
)

// DefaultAbsentPolls is how many consecutive empty polls confirm a cancel.
const DefaultAbsentPolls = 2

// QueueWatcher turns a member's queue observations into one redirect
// decision. Polls that read no state are treated as possibly stale until
// enough arrive in a row; a pushed cancellation is authoritative. Once a
// decision is made every later observation is a no-op.
type QueueWatcher struct {
	threshold int

	mu      sync.Mutex
	absent  int
	phase   domain.QueuePhase
	matchID string
	reason  string
	decided Decision
}

func NewQueueWatcher(absentPolls int) *QueueWatcher {
	if absentPolls < 1 {
		absentPolls = DefaultAbsentPolls
	}
	return &QueueWatcher{threshold: absentPolls}
}

// ObservePoll handles the result of a status poll; nil means no state.
func (w *QueueWatcher) ObservePoll(status *domain.QueueStatus) Decision {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.decided != Stay {
		return Stay
	}
	if status == nil {
		w.absent++
		if w.absent >= w.threshold {
			return w.decideLocked(Cancelled, "")
		}
		return Stay
	}
	return w.statusLocked(*status)
}

// ObservePush handles a team queue push.
func (w *QueueWatcher) ObservePush(update domain.QueueUpdate) Decision {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.decided != Stay {
		return Stay
	}
	switch update.Type {
	case domain.QueueCancelled:
		return w.decideLocked(Cancelled, update.Reason)
	case domain.QueueMatchFound, domain.QueuePhaseChanged:
		if update.Status != nil {
			return w.statusLocked(*update.Status)
		}
	}
	return Stay
}

// Decision is the decision made so far, Stay if none.
func (w *QueueWatcher) Decision() Decision {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.decided
}

func (w *QueueWatcher) Phase() domain.QueuePhase {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.phase
}

func (w *QueueWatcher) MatchID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.matchID
}

// Reason is the cancellation reason when one was pushed.
func (w *QueueWatcher) Reason() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reason
}

// Reset arms the watcher for a new queue entry.
func (w *QueueWatcher) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.absent = 0
	w.phase = ""
	w.matchID = ""
	w.reason = ""
	w.decided = Stay
}

func (w *QueueWatcher) statusLocked(status domain.QueueStatus) Decision {
	w.absent = 0
	w.phase = status.Phase
	if status.Phase == domain.PhaseMatchFound && status.MatchID != "" {
		w.matchID = status.MatchID
		return w.decideLocked(MatchFound, "")
	}
	return Stay
}

func (w *QueueWatcher) decideLocked(d Decision, reason string) Decision {
	w.decided = d
	w.reason = reason
	if d == Cancelled {
		w.phase = ""
	}
	return d
}
