package http

import (
	"encoding/json"
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
	"arena-service/internal/matchmaking"
	"arena-service/internal/teamqueue"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubProblems struct {
	mu sync.Mutex
	n  int
}

func (s *stubProblems) Generate(category domain.OperationCategory) (domain.Problem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return domain.Problem{ID: fmt.Sprintf("q%d", s.n), QuestionText: "4 + 3", CorrectAnswer: 7, Category: category}, nil
}

type testServer struct {
	server  *httptest.Server
	clock   *clock.Fake
	matches *app.MatchService
	queue   *teamqueue.Orchestrator
	results *memory.ResultStore
}

func newTestServer(t *testing.T, cfg HandlerConfig) *testServer {
	t.Helper()
	ts := &testServer{
		clock:   clock.NewFake(time.Date(2024, 7, 1, 18, 0, 0, 0, time.UTC)),
		results: memory.NewResultStore(),
	}
	ratings := memory.NewRatingRepository(memory.NewStaticRatingLoader(map[string]float64{"u1": 1400}), time.Minute)
	ts.matches = app.NewMatchService(memory.NewMatchRegistry(), ts.results, ratings, &stubProblems{}, app.WithClock(ts.clock))
	ts.queue = teamqueue.NewOrchestrator(teamqueue.DefaultConfig(), ts.clock, ratings,
		matchmaking.NewQueue(matchmaking.DefaultOptions, ts.clock.Now), ts.matches, nil)
	ts.server = httptest.NewServer(SetupRoutes(ts.matches, ts.queue, cfg, nil))
	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) dial(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(ts.server.URL, "http") + "/ws?userId=" + userID + "&name=" + userID
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func send(t *testing.T, conn *websocket.Conn, typ string, payload any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(map[string]any{"type": typ, "payload": payload}))
}

// readUntil skips messages until one of type typ arrives.
func readUntil(t *testing.T, conn *websocket.Conn, typ string) envelope {
	t.Helper()
	for i := 0; i < 50; i++ {
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		var msg envelope
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Type == typ {
			return msg
		}
	}
	t.Fatalf("no %s message", typ)
	return envelope{}
}

func decode[T any](t *testing.T, msg envelope) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(msg.Payload, &v))
	return v
}

func (ts *testServer) joinMatch(t *testing.T, conn *websocket.Conn, matchID string) domain.MatchSnapshot {
	t.Helper()
	send(t, conn, MsgJoin, map[string]any{"matchId": matchID})
	snap := decode[domain.MatchSnapshot](t, readUntil(t, conn, MsgJoined))
	readUntil(t, conn, string(domain.EventStateSync))
	return snap
}

// ready waits for one round trip so the connection's queue subscription is
// in place.
func (ts *testServer) ready(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	send(t, conn, MsgQueueStatus, nil)
	readUntil(t, conn, MsgQueueStatus)
}

func noPing() HandlerConfig {
	return HandlerConfig{MessagesPerSecond: 100, Burst: 100}
}

func TestWebSocketMatchFlow(t *testing.T) {
	ts := newTestServer(t, noPing())
	c1 := ts.dial(t, "u1")
	c2 := ts.dial(t, "u2")

	snap := ts.joinMatch(t, c1, "m1")
	assert.Equal(t, domain.MatchWaiting, snap.Status)
	require.NotNil(t, snap.Player("u1"))
	assert.Equal(t, 1400.0, snap.Player("u1").Rating)

	ts.joinMatch(t, c2, "m1")
	readUntil(t, c1, string(domain.EventPlayerJoined))

	ts.clock.Advance(app.DefaultSessionConfig().StartDelay)
	readUntil(t, c1, string(domain.EventMatchStart))
	question := decode[domain.MatchEvent](t, readUntil(t, c1, string(domain.EventNewQuestion)))
	raw, err := json.Marshal(question.Data)
	require.NoError(t, err)
	var problem domain.Problem
	require.NoError(t, json.Unmarshal(raw, &problem))
	require.NotEmpty(t, problem.ID)

	send(t, c1, MsgSubmitAnswer, map[string]any{"questionId": problem.ID, "answer": 7})
	ack := decode[domain.AnswerOutcome](t, readUntil(t, c1, MsgAnswerAck))
	assert.True(t, ack.Correct)
	assert.Equal(t, 100, ack.Score)
	require.NotNil(t, ack.NextQuestion)

	result := decode[domain.MatchEvent](t, readUntil(t, c2, string(domain.EventAnswerResult)))
	require.NotNil(t, result.State)
	assert.Equal(t, 100, result.State.Player("u1").Score)

	send(t, c2, MsgResync, map[string]any{"lastVersion": 0})
	resynced := decode[domain.MatchEvent](t, readUntil(t, c2, string(domain.EventStateSync)))
	require.NotNil(t, resynced.State)
	assert.Equal(t, ack.SyncVersion, resynced.SyncVersion)

	send(t, c2, MsgForfeit, nil)
	end := decode[domain.MatchEvent](t, readUntil(t, c1, string(domain.EventMatchEnd)))
	require.NotNil(t, end.State)
	assert.Equal(t, domain.MatchEnded, end.State.Status)
	assert.Equal(t, "u2", end.State.ForfeitedBy)

	require.Eventually(t, func() bool {
		saved, ok := ts.results.Result("m1")
		return ok && saved.Reason == app.ReasonForfeit
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWebSocketRejectsAnswerOutsideMatch(t *testing.T) {
	ts := newTestServer(t, noPing())
	conn := ts.dial(t, "u1")

	send(t, conn, MsgSubmitAnswer, map[string]any{"answer": 1})
	msg := decode[errorPayload](t, readUntil(t, conn, MsgError))
	assert.Equal(t, MsgSubmitAnswer, msg.Request)

	ts.joinMatch(t, conn, "m2")
	send(t, conn, MsgSubmitAnswer, map[string]any{"answer": 1})
	msg = decode[errorPayload](t, readUntil(t, conn, MsgError))
	assert.Equal(t, domain.ErrMatchNotActive.Error(), msg.Message)

	send(t, conn, "teleport", nil)
	msg = decode[errorPayload](t, readUntil(t, conn, MsgError))
	assert.Equal(t, "unsupported message type", msg.Message)
}

func TestWebSocketDisconnectStartsGrace(t *testing.T) {
	ts := newTestServer(t, noPing())
	c1 := ts.dial(t, "u1")
	c2 := ts.dial(t, "u2")
	ts.joinMatch(t, c1, "m3")
	ts.joinMatch(t, c2, "m3")

	require.NoError(t, c2.Close())
	ev := decode[domain.MatchEvent](t, readUntil(t, c1, string(domain.EventPlayerDisconnect)))
	require.NotNil(t, ev.State)
	assert.Equal(t, domain.ConnectionBad, ev.State.Player("u2").ConnectionState)

	c2 = ts.dial(t, "u2")
	snap := ts.joinMatch(t, c2, "m3")
	assert.Equal(t, domain.ConnectionGood, snap.Player("u2").ConnectionState)
	readUntil(t, c1, string(domain.EventPlayerReconnected))
}

func TestWebSocketPongReportsQuality(t *testing.T) {
	ts := newTestServer(t, noPing())
	conn := ts.dial(t, "u1")

	send(t, conn, MsgPong, map[string]any{"sentAt": ts.clock.Now().UnixMilli()})
	msg := readUntil(t, conn, MsgQuality)
	var metrics struct {
		UserID  string `json:"userId"`
		Samples int    `json:"samples"`
	}
	require.NoError(t, json.Unmarshal(msg.Payload, &metrics))
	assert.Equal(t, "u1", metrics.UserID)
	assert.Equal(t, 1, metrics.Samples)
}

func TestWebSocketSendsPings(t *testing.T) {
	ts := newTestServer(t, HandlerConfig{PingInterval: 20 * time.Millisecond, MessagesPerSecond: 10, Burst: 10})
	conn := ts.dial(t, "u1")

	ping := decode[pingPayload](t, readUntil(t, conn, MsgPing))
	assert.NotZero(t, ping.SentAt)
}

func TestWebSocketRateLimit(t *testing.T) {
	ts := newTestServer(t, HandlerConfig{MessagesPerSecond: 0.001, Burst: 1})
	conn := ts.dial(t, "u1")

	send(t, conn, MsgQueueStatus, nil)
	send(t, conn, MsgQueueStatus, nil)
	msg := decode[errorPayload](t, readUntil(t, conn, MsgError))
	assert.Equal(t, "rate limited", msg.Message)
}

func TestWebSocketTeamQueue(t *testing.T) {
	ts := newTestServer(t, noPing())
	leader := ts.dial(t, "a1")
	member := ts.dial(t, "a2")
	ts.ready(t, member)

	send(t, leader, MsgJoinQueue, map[string]any{"partyId": "p1", "members": []string{"a1", "a2", "a3", "a4", "a5"}})
	status := decode[domain.QueueStatus](t, readUntil(t, leader, MsgQueueStatus))
	assert.Equal(t, domain.PhaseRoleSelection, status.Phase)
	require.NotEmpty(t, status.TeamID)

	update := decode[domain.QueueUpdate](t, readUntil(t, member, string(domain.QueueTeamUpdated)))
	require.NotNil(t, update.Team)
	assert.Equal(t, domain.SelectionLeaderPick, update.Team.Mode)

	send(t, member, MsgSelectRole, map[string]any{"teamId": status.TeamID, "role": "IGL", "candidateUserId": "a2"})
	failed := decode[errorPayload](t, readUntil(t, member, MsgError))
	assert.Equal(t, domain.ErrNotPartyLeader.Error(), failed.Message)

	send(t, leader, MsgSelectRole, map[string]any{"teamId": status.TeamID, "role": "IGL", "candidateUserId": "a2"})
	send(t, leader, MsgSelectRole, map[string]any{"teamId": status.TeamID, "role": "ANCHOR", "candidateUserId": "a3"})
	send(t, leader, MsgConfirmRoles, map[string]any{"teamId": status.TeamID})

	for {
		update = decode[domain.QueueUpdate](t, readUntil(t, member, string(domain.QueuePhaseChanged)))
		if update.Status != nil && update.Status.Phase == domain.PhaseOpponentSearch {
			break
		}
	}

	send(t, leader, MsgLeaveQueue, nil)
	cancelled := decode[domain.QueueUpdate](t, readUntil(t, member, string(domain.QueueCancelled)))
	assert.Equal(t, teamqueue.ReasonLeaderCancelled, cancelled.Reason)

	send(t, member, MsgQueueStatus, nil)
	msg := readUntil(t, member, MsgQueueStatus)
	assert.Equal(t, "null", string(msg.Payload))
}

func TestWebSocketReplacedLeaderSocketKeepsQueue(t *testing.T) {
	ts := newTestServer(t, noPing())
	first := ts.dial(t, "a1")
	send(t, first, MsgJoinQueue, map[string]any{"partyId": "p1", "members": []string{"a1", "a2"}})
	status := decode[domain.QueueStatus](t, readUntil(t, first, MsgQueueStatus))
	require.Equal(t, domain.PhaseTeammates, status.Phase)

	second := ts.dial(t, "a1")
	ts.ready(t, second)
	require.NoError(t, first.Close())

	assert.Never(t, func() bool {
		_, err := ts.queue.Status("a1")
		return err != nil
	}, 300*time.Millisecond, 10*time.Millisecond)
	status, err := ts.queue.Status("a2")
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseTeammates, status.Phase)

	// the live socket closing still applies the leader rule
	require.NoError(t, second.Close())
	require.Eventually(t, func() bool {
		_, err := ts.queue.Status("a2")
		return err != nil
	}, 3*time.Second, 10*time.Millisecond)
}

func TestWebSocketForgetsQualityAfterLastSocket(t *testing.T) {
	ts := newTestServer(t, noPing())
	first := ts.dial(t, "u1")
	second := ts.dial(t, "u1")

	send(t, first, MsgPong, map[string]any{"sentAt": ts.clock.Now().UnixMilli()})
	readUntil(t, first, MsgQuality)
	ts.ready(t, second)

	require.NoError(t, first.Close())
	assert.Never(t, func() bool {
		_, ok := ts.matches.Connection("u1")
		return !ok
	}, 200*time.Millisecond, 10*time.Millisecond)

	require.NoError(t, second.Close())
	require.Eventually(t, func() bool {
		_, ok := ts.matches.Connection("u1")
		return !ok
	}, 3*time.Second, 10*time.Millisecond)
}
