package syncclient

import (
	"context"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"arena-service/internal/app"
	"arena-service/internal/clock"
	"arena-service/internal/domain"
	"arena-service/internal/infra/memory"
	transport "arena-service/internal/transport/http"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sevens struct {
	mu sync.Mutex
	n  int
}

func (s *sevens) Generate(category domain.OperationCategory) (domain.Problem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return domain.Problem{ID: fmt.Sprintf("s%d", s.n), QuestionText: "3 + 4", CorrectAnswer: 7, Category: category}, nil
}

type arena struct {
	url     string
	clock   *clock.Fake
	matches *app.MatchService
}

func newArena(t *testing.T) *arena {
	t.Helper()
	clk := clock.NewFake(time.Date(2024, 8, 1, 10, 0, 0, 0, time.UTC))
	matches := app.NewMatchService(memory.NewMatchRegistry(), memory.NewResultStore(), nil, &sevens{}, app.WithClock(clk))
	server := httptest.NewServer(transport.SetupRoutes(matches, nil, transport.HandlerConfig{MessagesPerSecond: 100, Burst: 100}, nil))
	t.Cleanup(server.Close)
	return &arena{
		url:     "ws" + strings.TrimPrefix(server.URL, "http") + "/ws",
		clock:   clk,
		matches: matches,
	}
}

func (a *arena) client(userID string) *Client {
	return NewClient(Config{
		URL:         a.url,
		UserID:      userID,
		DisplayName: strings.ToUpper(userID),
		MatchID:     "duel",
		MinBackoff:  10 * time.Millisecond,
		MaxBackoff:  50 * time.Millisecond,
		MaxElapsed:  5 * time.Second,
	}, nil)
}

func run(ctx context.Context, c *Client) <-chan error {
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	return done
}

func players(c *Client) int { return len(c.State().Confirmed().Players) }

func TestClientPlaysReconnectsAndFinishes(t *testing.T) {
	a := newArena(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	alice, bob := a.client("alice"), a.client("bob")
	aliceDone, bobDone := run(ctx, alice), run(ctx, bob)

	require.Eventually(t, func() bool { return players(alice) == 2 && players(bob) == 2 }, 3*time.Second, 10*time.Millisecond)

	a.clock.Advance(app.DefaultSessionConfig().StartDelay)
	require.Eventually(t, func() bool { return alice.State().Question() != nil }, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, alice.Submit(7))
	require.Eventually(t, func() bool {
		me := alice.State().Confirmed().Player("alice")
		return me != nil && me.Score == 100 && len(alice.State().Pending()) == 0
	}, 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		other := bob.State().Confirmed().Player("alice")
		return other != nil && other.Score == 100
	}, 3*time.Second, 10*time.Millisecond)

	require.Equal(t, 1, alice.State().Snapshots())
	alice.Drop()
	require.Eventually(t, func() bool { return alice.State().Snapshots() == 2 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, alice.Connects())
	require.Eventually(t, func() bool {
		me := alice.State().Confirmed().Player("alice")
		return me != nil && me.ConnectionState == domain.ConnectionGood
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, 100, alice.State().Confirmed().Player("alice").Score, "score survives the reconnect")
	require.NotNil(t, alice.State().Question())

	require.NoError(t, bob.Forfeit())
	require.NoError(t, <-aliceDone)
	require.NoError(t, <-bobDone)

	result, ok := alice.State().Result()
	require.True(t, ok)
	assert.Equal(t, app.ReasonForfeit, result.Reason)
	assert.Equal(t, "bob", alice.State().Confirmed().ForfeitedBy)
}

func TestClientStopsWhenJoinIsRefused(t *testing.T) {
	a := newArena(t)
	_, err := a.matches.CreateMatch(context.Background(), "duel", domain.CategoryAddition, []app.RosterEntry{{UserID: "alice"}, {UserID: "bob"}})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = a.client("mallory").Run(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), domain.ErrNotOnRoster.Error())
}

func TestClientGivesUpWhenContextEnds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c := NewClient(Config{URL: "ws://127.0.0.1:1/ws", UserID: "alice", MatchID: "duel", MinBackoff: time.Millisecond}, nil)
	done := run(ctx, c)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("client kept retrying after cancel")
	}
	assert.ErrorIs(t, c.Submit(7), ErrNoQuestion)
	assert.ErrorIs(t, c.PollQueue(), ErrNotConnected)
}
