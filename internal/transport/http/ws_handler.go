package http

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"arena-service/internal/app"
	"arena-service/internal/domain"
	"arena-service/internal/teamqueue"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Message types on the socket. Match and queue pushes reuse their event
// type names.
const (
	MsgJoin          = "join"
	MsgJoined        = "joined"
	MsgSubmitAnswer  = "submit_answer"
	MsgAnswerAck     = "answer_ack"
	MsgPong          = "pong"
	MsgPing          = "connection_ping"
	MsgQuality       = "connection_quality"
	MsgLeave         = "leave"
	MsgForfeit       = "forfeit"
	MsgResync        = "request_resync"
	MsgJoinQueue     = "join_queue"
	MsgLeaveQueue    = "leave_queue"
	MsgQueueStatus   = "queue_status"
	MsgSelectRole    = "select_role"
	MsgConfirmRoles  = "confirm_roles"
	MsgError         = "error"
)

// HandlerConfig tunes per-connection behavior.
type HandlerConfig struct {
	PingInterval      time.Duration
	MessagesPerSecond float64
	Burst             int
}

func DefaultHandlerConfig() HandlerConfig {
	return HandlerConfig{PingInterval: 2 * time.Second, MessagesPerSecond: 15, Burst: 30}
}

type WSHandler struct {
	matches  *app.MatchService
	queue    *teamqueue.Orchestrator
	cfg      HandlerConfig
	log      *zap.Logger
	upgrader websocket.Upgrader

	mu   sync.Mutex
	live map[string]int
}

func NewWSHandler(matches *app.MatchService, queue *teamqueue.Orchestrator, cfg HandlerConfig, log *zap.Logger) *WSHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &WSHandler{
		matches: matches,
		queue:   queue,
		cfg:     cfg,
		log:     log,
		live:    make(map[string]int),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

type inboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type joinPayload struct {
	MatchID     string                   `json:"matchId"`
	DisplayName string                   `json:"displayName"`
	Category    domain.OperationCategory `json:"category"`
}

type answerPayload struct {
	QuestionID string `json:"questionId"`
	Answer     int    `json:"answer"`
}

type pingPayload struct {
	SentAt int64 `json:"sentAt"`
}

type resyncPayload struct {
	LastVersion uint64 `json:"lastVersion"`
}

type joinQueuePayload struct {
	PartyID string   `json:"partyId"`
	Members []string `json:"members"`
}

type rolePayload struct {
	TeamID          string      `json:"teamId"`
	Role            domain.Role `json:"role"`
	CandidateUserID string      `json:"candidateUserId"`
}

type outboundMessage[T any] struct {
	Type    string `json:"type"`
	Payload T      `json:"payload"`
}

type errorPayload struct {
	Message string `json:"message"`
	Request string `json:"request,omitempty"`
}

// connection is the state of one socket. Only the read loop touches
// matchID and stopMatch.
type connection struct {
	h           *WSHandler
	conn        *websocket.Conn
	userID      string
	displayName string
	send        chan outboundMessage[any]
	done        chan struct{}
	wg          sync.WaitGroup
	limiter     *rate.Limiter
	log         *zap.Logger

	matchID   string
	events    <-chan domain.MatchEvent
	stopMatch func()
	updates   <-chan domain.QueueUpdate
}

// ServeWS upgrades HTTP requests to websockets and wires them into the match
// and team queue use cases.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		http.Error(w, "missing userId", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("ws upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	c := &connection{
		h:           h,
		conn:        conn,
		userID:      userID,
		displayName: r.URL.Query().Get("name"),
		send:        make(chan outboundMessage[any], 64),
		done:        make(chan struct{}),
		limiter:     rate.NewLimiter(rate.Limit(h.cfg.MessagesPerSecond), h.cfg.Burst),
		log:         h.log.With(zap.String("user_id", userID)),
	}
	h.attach(userID)
	c.run(r.Context())
}

func (h *WSHandler) attach(userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.live[userID]++
}

// detach reports whether userID's last socket just closed.
func (h *WSHandler) detach(userID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.live[userID]--
	if h.live[userID] > 0 {
		return false
	}
	delete(h.live, userID)
	return true
}

func (c *connection) run(ctx context.Context) {
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		broken := false
		for msg := range c.send {
			if broken {
				continue
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				c.log.Info("ws write error", zap.Error(err))
				// unblocks the read loop; keep draining so pushers never stall
				_ = c.conn.Close()
				broken = true
			}
		}
	}()

	c.wg.Add(1)
	go c.pinger()

	if c.h.queue != nil {
		updates, cancel := c.h.queue.Subscribe(c.userID)
		c.updates = updates
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			defer cancel()
			for {
				select {
				case update, ok := <-updates:
					if !ok {
						return
					}
					c.push(string(update.Type), update)
				case <-c.done:
					return
				}
			}
		}()
	}

	for {
		var inbound inboundMessage
		if err := c.conn.ReadJSON(&inbound); err != nil {
			break
		}
		if c.limiter != nil && !c.limiter.Allow() {
			c.fail(inbound.Type, "rate limited")
			continue
		}
		c.handle(ctx, inbound)
	}

	c.disconnect()
	close(c.done)
	c.wg.Wait()
	close(c.send)
	<-writerDone
}

func (c *connection) handle(ctx context.Context, in inboundMessage) {
	switch in.Type {
	case MsgJoin:
		var p joinPayload
		if !c.decode(in, &p) {
			return
		}
		c.join(ctx, p)
	case MsgSubmitAnswer:
		var p answerPayload
		if !c.decode(in, &p) || !c.inMatch(in.Type) {
			return
		}
		outcome, err := c.h.matches.SubmitAnswer(ctx, c.matchID, c.userID, domain.AnswerSubmission{QuestionID: p.QuestionID, Answer: p.Answer})
		if err != nil {
			c.reject(in.Type, err)
			return
		}
		c.push(MsgAnswerAck, outcome)
	case MsgPong:
		var p pingPayload
		if !c.decode(in, &p) {
			return
		}
		metrics := c.h.matches.RecordPong(ctx, c.matchID, c.userID, time.UnixMilli(p.SentAt))
		c.push(MsgQuality, metrics)
	case MsgLeave, MsgForfeit:
		if !c.inMatch(in.Type) {
			return
		}
		var err error
		if in.Type == MsgForfeit {
			err = c.h.matches.Forfeit(ctx, c.matchID, c.userID)
		} else {
			err = c.h.matches.Leave(ctx, c.matchID, c.userID)
		}
		if err != nil {
			c.reject(in.Type, err)
			return
		}
		// a forfeiting player stays bound to receive match_end
		if view, err := c.h.matches.Match(c.matchID); err != nil || view.Player(c.userID) == nil {
			c.unbind()
		}
	case MsgResync:
		var p resyncPayload
		if !c.decode(in, &p) || !c.inMatch(in.Type) {
			return
		}
		snap, err := c.h.matches.Resync(ctx, c.matchID, c.userID, p.LastVersion)
		if err != nil {
			c.reject(in.Type, err)
			return
		}
		c.push(string(domain.EventStateSync), snapshotEvent(snap))
	case MsgJoinQueue:
		var p joinQueuePayload
		if !c.decode(in, &p) || !c.queueEnabled(in.Type) {
			return
		}
		status, err := c.h.queue.EnterQueue(ctx, c.userID, domain.Party{ID: p.PartyID, LeaderID: c.userID, Members: p.Members})
		if err != nil {
			c.reject(in.Type, err)
			return
		}
		c.push(MsgQueueStatus, status)
	case MsgLeaveQueue:
		if !c.queueEnabled(in.Type) {
			return
		}
		if err := c.h.queue.LeaveQueue(ctx, c.userID); err != nil {
			c.reject(in.Type, err)
		}
	case MsgQueueStatus:
		if !c.queueEnabled(in.Type) {
			return
		}
		status, err := c.h.queue.Status(c.userID)
		if err != nil {
			// absent state reads as null; clients debounce it
			c.push(MsgQueueStatus, nil)
			return
		}
		c.push(MsgQueueStatus, status)
	case MsgSelectRole:
		var p rolePayload
		if !c.decode(in, &p) || !c.queueEnabled(in.Type) {
			return
		}
		if _, err := c.h.queue.SelectRole(p.TeamID, c.userID, p.Role, p.CandidateUserID); err != nil {
			c.reject(in.Type, err)
		}
	case MsgConfirmRoles:
		var p rolePayload
		if !c.decode(in, &p) || !c.queueEnabled(in.Type) {
			return
		}
		if _, err := c.h.queue.ConfirmRoles(p.TeamID, c.userID); err != nil {
			c.reject(in.Type, err)
		}
	default:
		c.fail(in.Type, "unsupported message type")
	}
}

func (c *connection) join(ctx context.Context, p joinPayload) {
	if p.MatchID == "" {
		c.fail(MsgJoin, "missing matchId")
		return
	}
	name := p.DisplayName
	if name == "" {
		name = c.displayName
	}
	snap, err := c.h.matches.Join(ctx, p.MatchID, c.userID, name, p.Category)
	if err != nil {
		c.reject(MsgJoin, err)
		return
	}
	c.unbind()
	events, cancel, err := c.h.matches.Subscribe(ctx, p.MatchID, c.userID)
	if err != nil {
		c.reject(MsgJoin, err)
		return
	}
	c.matchID = p.MatchID
	c.events = events
	c.push(MsgJoined, snap)

	stop := make(chan struct{})
	var once sync.Once
	c.stopMatch = func() {
		once.Do(func() {
			close(stop)
			cancel()
		})
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case ev, ok := <-events:
				if !ok {
					return
				}
				c.push(string(ev.Type), ev)
			case <-stop:
				return
			case <-c.done:
				return
			}
		}
	}()
	c.log.Info("connection bound to match", zap.String("match_id", p.MatchID))
}

// disconnect runs once the socket is gone: the match starts its grace
// period and the queue applies its disconnect policy, both only when this
// socket had not been replaced by a newer one.
func (c *connection) disconnect() {
	if c.matchID != "" && c.events != nil {
		if err := c.h.matches.Detach(context.Background(), c.matchID, c.userID, c.events, "connection closed"); err != nil {
			c.log.Info("disconnect ignored", zap.String("match_id", c.matchID), zap.Error(err))
		}
	}
	c.unbind()
	if c.h.queue != nil && c.updates != nil {
		c.h.queue.DetachQueue(c.userID, c.updates)
	}
	if c.h.detach(c.userID) {
		c.h.matches.ForgetConnection(c.userID)
	}
}

func (c *connection) unbind() {
	if c.stopMatch != nil {
		c.stopMatch()
		c.stopMatch = nil
	}
	c.matchID = ""
	c.events = nil
}

func (c *connection) pinger() {
	defer c.wg.Done()
	if c.h.cfg.PingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(c.h.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			c.push(MsgPing, pingPayload{SentAt: now.UnixMilli()})
		case <-c.done:
			return
		}
	}
}

func (c *connection) push(typ string, payload any) {
	select {
	case c.send <- outboundMessage[any]{Type: typ, Payload: payload}:
	case <-c.done:
	}
}

func (c *connection) decode(in inboundMessage, v any) bool {
	if len(in.Payload) == 0 {
		return true
	}
	if err := json.Unmarshal(in.Payload, v); err != nil {
		c.fail(in.Type, "invalid "+in.Type+" payload")
		return false
	}
	return true
}

func (c *connection) inMatch(request string) bool {
	if c.matchID == "" {
		c.fail(request, "join a match first")
		return false
	}
	return true
}

func (c *connection) queueEnabled(request string) bool {
	if c.h.queue == nil {
		c.fail(request, "team queue disabled")
		return false
	}
	return true
}

func (c *connection) reject(request string, err error) {
	c.log.Info("request rejected", zap.String("request", request), zap.String("match_id", c.matchID), zap.Error(err))
	c.fail(request, err.Error())
}

func (c *connection) fail(request, message string) {
	c.push(MsgError, errorPayload{Message: message, Request: request})
}

func snapshotEvent(snap domain.MatchSnapshot) domain.MatchEvent {
	view := snap.MatchView
	return domain.MatchEvent{
		Type:        domain.EventStateSync,
		MatchID:     view.MatchID,
		SyncVersion: view.SyncVersion,
		State:       &view,
		Data:        snap.CurrentQuestion,
	}
}
