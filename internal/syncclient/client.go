// Package syncclient is the player side of the match sync protocol: it keeps
// a versioned copy of the match, reconnects with backoff and resyncs after
// every reconnect.
package syncclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"arena-service/internal/domain"
	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	msgJoin         = "join"
	msgJoined       = "joined"
	msgSubmitAnswer = "submit_answer"
	msgAnswerAck    = "answer_ack"
	msgPing         = "connection_ping"
	msgPong         = "pong"
	msgQuality      = "connection_quality"
	msgLeave        = "leave"
	msgForfeit      = "forfeit"
	msgResync       = "request_resync"
	msgQueueStatus  = "queue_status"
	msgError        = "error"
)

var (
	ErrNotConnected = errors.New("not connected")
	ErrNoQuestion   = errors.New("no question to answer")
	errMatchOver    = errors.New("match over")
)

type Config struct {
	// URL is the socket endpoint, e.g. ws://localhost:8080/ws.
	URL         string
	UserID      string
	DisplayName string
	MatchID     string
	Category    domain.OperationCategory

	MinBackoff time.Duration
	MaxBackoff time.Duration
	// MaxElapsed bounds the whole reconnect loop; zero retries forever.
	MaxElapsed time.Duration

	// OnEvent sees every accepted match push.
	OnEvent func(domain.MatchEvent)
}

type Client struct {
	cfg    Config
	dialer *websocket.Dialer
	state  *State
	queue  *QueueWatcher
	log    *zap.Logger

	writeMu  sync.Mutex
	mu       sync.Mutex
	conn     *websocket.Conn
	connects int
}

type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type wireError struct {
	Message string `json:"message"`
	Request string `json:"request"`
}

func NewClient(cfg Config, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = 250 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 5 * time.Second
	}
	return &Client{
		cfg:    cfg,
		dialer: websocket.DefaultDialer,
		state:  NewState(cfg.UserID, time.Now),
		queue:  NewQueueWatcher(DefaultAbsentPolls),
		log:    log.With(zap.String("user_id", cfg.UserID), zap.String("match_id", cfg.MatchID)),
	}
}

func (c *Client) State() *State { return c.state }

func (c *Client) Queue() *QueueWatcher { return c.queue }

// Connects is how many sessions have been established so far.
func (c *Client) Connects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connects
}

// Run keeps the client connected until the match ends, the server refuses
// the join, or ctx is done. Dropped connections are retried with
// exponential backoff and followed by a full resync.
func (c *Client) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.MinBackoff
	b.MaxInterval = c.cfg.MaxBackoff
	b.MaxElapsedTime = c.cfg.MaxElapsed

	return backoff.RetryNotify(func() error {
		err := c.session(ctx, b)
		if errors.Is(err, errMatchOver) {
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
		c.log.Info("connection lost; reconnecting", zap.Error(err), zap.Duration("wait", wait))
	})
}

func (c *Client) session(ctx context.Context, b backoff.BackOff) error {
	q := url.Values{}
	q.Set("userId", c.cfg.UserID)
	q.Set("name", c.cfg.DisplayName)
	conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL+"?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	c.mu.Lock()
	c.conn = conn
	c.connects++
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
	}()

	resync := c.state.Version() > 0
	if err := c.write(msgJoin, map[string]any{
		"matchId":     c.cfg.MatchID,
		"displayName": c.cfg.DisplayName,
		"category":    c.cfg.Category,
	}); err != nil {
		return err
	}
	if resync {
		if err := c.RequestResync(); err != nil {
			return err
		}
	}
	b.Reset()

	for {
		var msg envelope
		if err := conn.ReadJSON(&msg); err != nil {
			return fmt.Errorf("read: %w", err)
		}
		if err := c.dispatch(msg); err != nil {
			return err
		}
	}
}

func (c *Client) dispatch(msg envelope) error {
	switch msg.Type {
	case msgJoined:
		var snap domain.MatchSnapshot
		if err := json.Unmarshal(msg.Payload, &snap); err != nil {
			return err
		}
		c.state.ApplySnapshot(snap)
	case msgAnswerAck:
		var outcome domain.AnswerOutcome
		if err := json.Unmarshal(msg.Payload, &outcome); err != nil {
			return err
		}
		c.state.Acknowledge(outcome)
	case msgPing:
		var ping struct {
			SentAt int64 `json:"sentAt"`
		}
		if err := json.Unmarshal(msg.Payload, &ping); err != nil {
			return err
		}
		return c.write(msgPong, ping)
	case msgQuality:
		var metrics struct {
			RollingAverageMillis int64 `json:"rollingAverageMillis"`
		}
		if err := json.Unmarshal(msg.Payload, &metrics); err != nil {
			return err
		}
		c.state.SetRTT(time.Duration(metrics.RollingAverageMillis) * time.Millisecond)
	case msgQueueStatus:
		var status *domain.QueueStatus
		if err := json.Unmarshal(msg.Payload, &status); err != nil {
			return err
		}
		c.queue.ObservePoll(status)
	case string(domain.QueuePhaseChanged), string(domain.QueueTeamUpdated), string(domain.QueueCancelled), string(domain.QueueMatchFound):
		var update domain.QueueUpdate
		if err := json.Unmarshal(msg.Payload, &update); err != nil {
			return err
		}
		c.queue.ObservePush(update)
	case msgError:
		var e wireError
		if err := json.Unmarshal(msg.Payload, &e); err != nil {
			return err
		}
		c.log.Info("server rejected request", zap.String("request", e.Request), zap.String("message", e.Message))
		switch e.Request {
		case msgSubmitAnswer:
			c.state.Reject()
		case msgJoin:
			return backoff.Permanent(fmt.Errorf("join rejected: %s", e.Message))
		}
	default:
		var ev domain.MatchEvent
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			return err
		}
		if ev.Type == "" {
			return nil
		}
		if !c.state.Apply(ev) {
			c.log.Debug("stale push discarded", zap.String("type", string(ev.Type)), zap.Uint64("sync_version", ev.SyncVersion))
			return nil
		}
		if c.cfg.OnEvent != nil {
			c.cfg.OnEvent(ev)
		}
		if ev.Type == domain.EventMatchEnd {
			return errMatchOver
		}
	}
	return nil
}

// Submit answers the current question. The answer stays pending until the
// server scores it.
func (c *Client) Submit(answer int) error {
	p, ok := c.state.Predict(answer)
	if !ok {
		return ErrNoQuestion
	}
	if err := c.write(msgSubmitAnswer, map[string]any{"questionId": p.QuestionID, "answer": answer}); err != nil {
		c.state.Reject()
		return err
	}
	return nil
}

// RequestResync asks for the full state; the reply replaces the local copy.
func (c *Client) RequestResync() error {
	return c.write(msgResync, map[string]any{"lastVersion": c.state.Version()})
}

func (c *Client) Leave() error { return c.write(msgLeave, nil) }

func (c *Client) Forfeit() error { return c.write(msgForfeit, nil) }

// PollQueue asks for the member's queue status; the reply feeds Queue().
func (c *Client) PollQueue() error { return c.write(msgQueueStatus, nil) }

// Drop closes the current connection without leaving the match.
func (c *Client) Drop() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (c *Client) write(typ string, payload any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(map[string]any{"type": typ, "payload": payload})
}
