package matchmaking

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnqueuePairsCloseRatingsImmediately(t *testing.T) {
	now := time.Unix(1000, 0)
	q := NewQueue(DefaultOptions, func() time.Time { return now })

	p, err := q.Enqueue(Ticket{TeamID: "a", Rating: 1500, Size: 5})
	require.NoError(t, err)
	assert.Nil(t, p)

	p, err = q.Enqueue(Ticket{TeamID: "b", Rating: 1560, Size: 5})
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "a", p.Home.TeamID)
	assert.Equal(t, "b", p.Away.TeamID)
	assert.NotEmpty(t, p.MatchID)
	assert.Equal(t, 0, q.Len())
}

func TestWindowWidensWithWait(t *testing.T) {
	now := time.Unix(1000, 0)
	q := NewQueue(DefaultOptions, func() time.Time { return now })

	_, _ = q.Enqueue(Ticket{TeamID: "a", Rating: 1000, Size: 5})
	p, _ := q.Enqueue(Ticket{TeamID: "b", Rating: 1300, Size: 5})
	assert.Nil(t, p, "300 apart is outside the base window")
	assert.Empty(t, q.Sweep())

	// after 4s the older ticket accepts 100+4*50 = 300
	now = now.Add(4 * time.Second)
	pairs := q.Sweep()
	require.Len(t, pairs, 1)
	assert.Equal(t, "a", pairs[0].Home.TeamID)
	assert.Equal(t, 0, q.Len())
}

func TestWindowIsCapped(t *testing.T) {
	now := time.Unix(0, 0)
	q := NewQueue(DefaultOptions, func() time.Time { return now })
	ticket := Ticket{TeamID: "a", EnqueuedAt: now}
	assert.Equal(t, 600.0, q.Window(ticket, now.Add(time.Hour)))
}

func TestSizesMustMatch(t *testing.T) {
	q := NewQueue(DefaultOptions, nil)
	_, _ = q.Enqueue(Ticket{TeamID: "a", Rating: 1200, Size: 5})
	p, _ := q.Enqueue(Ticket{TeamID: "b", Rating: 1200, Size: 3})
	assert.Nil(t, p)
	assert.Equal(t, 2, q.Len())
}

func TestSweepPrefersClosestRating(t *testing.T) {
	now := time.Unix(0, 0)
	q := NewQueue(Options{BaseWindow: 1000}, func() time.Time { return now })
	q.tickets = []Ticket{
		{TeamID: "a", Rating: 1000, Size: 5, EnqueuedAt: now},
		{TeamID: "b", Rating: 1400, Size: 5, EnqueuedAt: now},
		{TeamID: "c", Rating: 1050, Size: 5, EnqueuedAt: now},
		{TeamID: "d", Rating: 1450, Size: 5, EnqueuedAt: now},
	}
	pairs := q.Sweep()
	require.Len(t, pairs, 2)
	assert.Equal(t, []string{"a", "c"}, []string{pairs[0].Home.TeamID, pairs[0].Away.TeamID})
	assert.Equal(t, []string{"b", "d"}, []string{pairs[1].Home.TeamID, pairs[1].Away.TeamID})
}

func TestCancelAndDuplicates(t *testing.T) {
	q := NewQueue(DefaultOptions, nil)
	_, err := q.Enqueue(Ticket{TeamID: "a", Rating: 1, Size: 5})
	require.NoError(t, err)
	_, err = q.Enqueue(Ticket{TeamID: "a", Rating: 1, Size: 5})
	assert.ErrorIs(t, err, ErrAlreadyQueued)
	_, err = q.Enqueue(Ticket{Size: 5})
	assert.ErrorIs(t, err, ErrInvalidTicket)

	assert.True(t, q.Contains("a"))
	assert.True(t, q.Cancel("a"))
	assert.False(t, q.Cancel("a"))
	assert.Empty(t, q.Waiting())
}
