package domain

// EventType names a server to client push.
type EventType string

const (
	EventMatchState        EventType = "match_state"
	EventPlayerJoined      EventType = "player_joined"
	EventPlayerReconnected EventType = "player_reconnected"
	EventPlayerDisconnect  EventType = "player_disconnected"
	EventPlayerLeft        EventType = "player_left"
	EventPlayerForfeit     EventType = "player_forfeit"
	EventMatchStart        EventType = "match_start"
	EventNewQuestion       EventType = "new_question"
	EventTimeUpdate        EventType = "time_update"
	EventAnswerResult      EventType = "answer_result"
	EventMatchEnd          EventType = "match_end"
	EventStateSync         EventType = "state_sync"
	EventConnectionStates  EventType = "connection_states"
)

// MatchEvent is one push from a match session. State is the full public view
// at SyncVersion, so a client can replace its copy instead of merging.
type MatchEvent struct {
	Type        EventType  `json:"type"`
	MatchID     string     `json:"matchId"`
	SyncVersion uint64     `json:"syncVersion"`
	State       *MatchView `json:"state,omitempty"`
	Data        any        `json:"data,omitempty"`
}

// AnswerBroadcast is the public data of an answer_result push.
type AnswerBroadcast struct {
	UserID     string `json:"userId"`
	QuestionID string `json:"questionId"`
	Correct    bool   `json:"correct"`
	Awarded    int    `json:"awarded"`
}

// QueueUpdateType names a team queue push.
type QueueUpdateType string

const (
	QueuePhaseChanged QueueUpdateType = "queue_phase"
	QueueTeamUpdated  QueueUpdateType = "assembled_team"
	QueueCancelled    QueueUpdateType = "queue_cancelled"
	QueueMatchFound   QueueUpdateType = "match_found"
)

// QueueUpdate is a team queue push to one member. Status is nil when the
// member's queue state has been cleared.
type QueueUpdate struct {
	Type   QueueUpdateType `json:"type"`
	Status *QueueStatus    `json:"status,omitempty"`
	Team   *AssembledTeam  `json:"team,omitempty"`
	Reason string          `json:"reason,omitempty"`
}
