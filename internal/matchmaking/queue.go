// Package matchmaking pairs same-size units by rating proximity. The
// acceptable rating gap widens the longer a ticket waits.
package matchmaking

import (
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrAlreadyQueued = errors.New("ticket already queued")
	ErrInvalidTicket = errors.New("ticket needs a team id and a positive size")
)

// Ticket is one unit waiting for an opponent.
type Ticket struct {
	TeamID     string    `json:"teamId"`
	Rating     float64   `json:"rating"`
	Size       int       `json:"size"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

// Pairing is a found match between two tickets.
type Pairing struct {
	MatchID string `json:"matchId"`
	Home    Ticket `json:"home"`
	Away    Ticket `json:"away"`
}

// Options control how far apart paired ratings may be.
type Options struct {
	BaseWindow float64
	// Growth widens the window per second waited.
	Growth    float64
	MaxWindow float64
}

var DefaultOptions = Options{BaseWindow: 100, Growth: 50, MaxWindow: 600}

type Queue struct {
	opts Options
	now  func() time.Time

	mu      sync.Mutex
	tickets []Ticket
}

func NewQueue(opts Options, now func() time.Time) *Queue {
	if now == nil {
		now = time.Now
	}
	return &Queue{opts: opts, now: now}
}

// Enqueue adds a ticket and pairs it at once when a compatible opponent is
// already waiting.
func (q *Queue) Enqueue(ticket Ticket) (*Pairing, error) {
	if ticket.TeamID == "" || ticket.Size <= 0 {
		return nil, ErrInvalidTicket
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.indexLocked(ticket.TeamID) >= 0 {
		return nil, ErrAlreadyQueued
	}
	now := q.now()
	if ticket.EnqueuedAt.IsZero() {
		ticket.EnqueuedAt = now
	}
	if i := q.bestLocked(ticket, -1, now); i >= 0 {
		opponent := q.tickets[i]
		q.removeLocked(i)
		return newPairing(opponent, ticket), nil
	}
	q.tickets = append(q.tickets, ticket)
	return nil, nil
}

// Cancel removes a waiting ticket. It reports whether one was removed.
func (q *Queue) Cancel(teamID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := q.indexLocked(teamID)
	if i < 0 {
		return false
	}
	q.removeLocked(i)
	return true
}

// Sweep pairs every waiting ticket it can, oldest first, using the windows
// as widened by time spent waiting.
func (q *Queue) Sweep() []Pairing {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var out []Pairing
	for i := 0; i < len(q.tickets); {
		j := q.bestLocked(q.tickets[i], i, now)
		if j < 0 {
			i++
			continue
		}
		home, away := q.tickets[i], q.tickets[j]
		// j > i always; remove the later one first
		q.removeLocked(j)
		q.removeLocked(i)
		out = append(out, *newPairing(home, away))
	}
	return out
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tickets)
}

func (q *Queue) Contains(teamID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.indexLocked(teamID) >= 0
}

// Window is the rating gap a ticket accepts at now.
func (q *Queue) Window(ticket Ticket, now time.Time) float64 {
	waited := now.Sub(ticket.EnqueuedAt).Seconds()
	if waited < 0 {
		waited = 0
	}
	w := q.opts.BaseWindow + q.opts.Growth*waited
	if q.opts.MaxWindow > 0 && w > q.opts.MaxWindow {
		w = q.opts.MaxWindow
	}
	return w
}

// bestLocked finds the closest-rated compatible ticket after index skip
// (or anywhere when skip is -1). Ties go to the longest waiting.
func (q *Queue) bestLocked(ticket Ticket, skip int, now time.Time) int {
	best, bestGap := -1, math.Inf(1)
	for i, other := range q.tickets {
		if i <= skip || other.TeamID == ticket.TeamID || other.Size != ticket.Size {
			continue
		}
		gap := math.Abs(other.Rating - ticket.Rating)
		if gap > math.Max(q.Window(ticket, now), q.Window(other, now)) {
			continue
		}
		if gap < bestGap {
			best, bestGap = i, gap
		}
	}
	return best
}

func (q *Queue) indexLocked(teamID string) int {
	for i, t := range q.tickets {
		if t.TeamID == teamID {
			return i
		}
	}
	return -1
}

func (q *Queue) removeLocked(i int) {
	q.tickets = append(q.tickets[:i], q.tickets[i+1:]...)
}

// Waiting returns a copy of the queued tickets, oldest first.
func (q *Queue) Waiting() []Ticket {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := append([]Ticket(nil), q.tickets...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].EnqueuedAt.Before(out[j].EnqueuedAt) })
	return out
}

func newPairing(home, away Ticket) *Pairing {
	return &Pairing{MatchID: uuid.NewString(), Home: home, Away: away}
}
