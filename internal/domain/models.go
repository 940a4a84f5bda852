package domain

import "time"

// MatchStatus is the lifecycle state of a match session. It only moves forward.
type MatchStatus string

const (
	MatchWaiting MatchStatus = "WAITING"
	MatchActive  MatchStatus = "ACTIVE"
	MatchEnded   MatchStatus = "ENDED"
)

// ConnectionState is the tri-state classification of a player's link.
type ConnectionState string

const (
	ConnectionGood     ConnectionState = "GOOD"
	ConnectionDegraded ConnectionState = "DEGRADED"
	ConnectionBad      ConnectionState = "BAD"
)

// OperationCategory selects which arithmetic problems a match hands out.
type OperationCategory string

const (
	CategoryAddition       OperationCategory = "addition"
	CategorySubtraction    OperationCategory = "subtraction"
	CategoryMultiplication OperationCategory = "multiplication"
	CategoryDivision       OperationCategory = "division"
	CategoryMixed          OperationCategory = "mixed"
)

// Valid reports whether c is a known category.
func (c OperationCategory) Valid() bool {
	switch c {
	case CategoryAddition, CategorySubtraction, CategoryMultiplication, CategoryDivision, CategoryMixed:
		return true
	}
	return false
}

// Problem is a single arithmetic question. Immutable once created; the answer
// never leaves the server.
type Problem struct {
	ID            string            `json:"id"`
	QuestionText  string            `json:"questionText"`
	CorrectAnswer int               `json:"-"`
	Category      OperationCategory `json:"operationCategory"`
	DistributedAt time.Time         `json:"distributedAt"`
}

// PlayerState is owned by exactly one match session.
type PlayerState struct {
	UserID            string          `json:"userId"`
	DisplayName       string          `json:"displayName"`
	Side              string          `json:"side,omitempty"`
	Rating            float64         `json:"rating"`
	Score             int             `json:"score"`
	Streak            int             `json:"streak"`
	QuestionsAnswered int             `json:"questionsAnswered"`
	CorrectAnswers    int             `json:"correctAnswers"`
	CurrentQuestion   *Problem        `json:"-"`
	ConnectionState   ConnectionState `json:"connectionState"`
	RoundTripMillis   int64           `json:"roundTripMillis"`
	ConnectedAt       time.Time       `json:"connectedAt"`
	LastActivityAt    time.Time       `json:"lastActivityAt"`

	AnswerTime time.Duration `json:"-"`
}

// ConnectionIssue is a diagnostic record of a disconnect. Not authoritative.
type ConnectionIssue struct {
	UserID string    `json:"userId"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// MatchView is the public, versioned state of a match that every
// authoritative push carries.
type MatchView struct {
	MatchID              string            `json:"matchId"`
	Category             OperationCategory `json:"operationCategory"`
	Status               MatchStatus       `json:"status"`
	TimeRemainingSeconds int               `json:"timeRemainingSeconds"`
	SyncVersion          uint64            `json:"syncVersion"`
	Players              []PlayerState     `json:"players"`
	ForfeitedBy          string            `json:"forfeitedBy,omitempty"`
}

// Player returns the roster entry for userID, or nil.
func (v MatchView) Player(userID string) *PlayerState {
	for i := range v.Players {
		if v.Players[i].UserID == userID {
			return &v.Players[i]
		}
	}
	return nil
}

// MatchSnapshot is a full resync payload: the public view plus the
// requesting player's private question.
type MatchSnapshot struct {
	MatchView
	CurrentQuestion *Problem `json:"currentQuestion,omitempty"`
}

// AnswerSubmission is what a player sends when answering.
type AnswerSubmission struct {
	QuestionID string `json:"questionId,omitempty"`
	Answer     int    `json:"answer"`
}

// AnswerOutcome summarizes one scored submission for the submitter.
type AnswerOutcome struct {
	QuestionID   string   `json:"questionId"`
	Correct      bool     `json:"correct"`
	Awarded      int      `json:"awarded"`
	Score        int      `json:"score"`
	Streak       int      `json:"streak"`
	NextQuestion *Problem `json:"nextQuestion"`
	SyncVersion  uint64   `json:"syncVersion"`
}

// PlayerResult is one row of a finalized match record.
type PlayerResult struct {
	UserID            string          `json:"userId"`
	DisplayName       string          `json:"displayName"`
	Side              string          `json:"side,omitempty"`
	Rating            float64         `json:"rating"`
	Score             int             `json:"score"`
	ScoreDelta        int             `json:"scoreDelta"`
	Streak            int             `json:"streak"`
	QuestionsAnswered int             `json:"questionsAnswered"`
	CorrectAnswers    int             `json:"correctAnswers"`
	Accuracy          float64         `json:"accuracy"`
	AvgAnswerMillis   int64           `json:"avgAnswerMillis"`
	Disconnects       int             `json:"disconnects"`
	RoundTripMillis   int64           `json:"roundTripMillis"`
	FinalConnection   ConnectionState `json:"finalConnection"`
}

// MatchResult is the finalized record handed to the persistence collaborator.
type MatchResult struct {
	MatchID     string            `json:"matchId"`
	Category    OperationCategory `json:"operationCategory"`
	Reason      string            `json:"reason"`
	ForfeitedBy string            `json:"forfeitedBy,omitempty"`
	StartedAt   time.Time         `json:"startedAt"`
	EndedAt     time.Time         `json:"endedAt"`
	SyncVersion uint64            `json:"syncVersion"`
	Players     []PlayerResult    `json:"players"`
	Issues      []ConnectionIssue `json:"connectionIssues"`
}

// QueuePhase is the team queue phase of a party. An absent phase means not queued.
type QueuePhase string

const (
	PhaseTeammates      QueuePhase = "TEAMMATES"
	PhaseRoleSelection  QueuePhase = "ROLE_SELECTION"
	PhaseOpponentSearch QueuePhase = "OPPONENT_SEARCH"
	PhaseMatchFound     QueuePhase = "MATCH_FOUND"
)

// TeamSize is the number of players in an assembled team.
const TeamSize = 5

// Party is a pre-existing group of 1-5 users queueing together.
type Party struct {
	ID       string   `json:"partyId"`
	LeaderID string   `json:"leaderId"`
	Members  []string `json:"members"`
}

// Has reports whether userID belongs to the party.
func (p Party) Has(userID string) bool {
	for _, m := range p.Members {
		if m == userID {
			return true
		}
	}
	return false
}

// QueueStatus is what a member reads when polling the team queue.
type QueueStatus struct {
	Party          Party      `json:"party"`
	Phase          QueuePhase `json:"phase"`
	QueueEnteredAt time.Time  `json:"queueEnteredAt"`
	TeamID         string     `json:"teamId,omitempty"`
	MatchID        string     `json:"matchId,omitempty"`
}

// Role is one of the two leadership roles of an assembled team.
type Role string

const (
	RoleIGL    Role = "IGL"
	RoleAnchor Role = "ANCHOR"
)

// SelectionMode decides how roles are chosen.
type SelectionMode string

const (
	SelectionLeaderPick SelectionMode = "LEADER_PICK"
	SelectionVote       SelectionMode = "VOTE"
)

// AssembledTeam is the 5-player unit formed during teammate search.
type AssembledTeam struct {
	ID                       string                         `json:"id"`
	MemberUserIDs            []string                       `json:"memberUserIds"`
	SourcePartyIDs           []string                       `json:"sourcePartyIds"`
	Mode                     SelectionMode                  `json:"mode"`
	IGLUserID                string                         `json:"iglUserId,omitempty"`
	AnchorUserID             string                         `json:"anchorUserId,omitempty"`
	IGLVotes                 map[string]map[string]struct{} `json:"-"`
	AnchorVotes              map[string]map[string]struct{} `json:"-"`
	IGLVoteCounts            map[string]int                 `json:"iglVoteCounts,omitempty"`
	AnchorVoteCounts         map[string]int                 `json:"anchorVoteCounts,omitempty"`
	SelectionStartedAt       time.Time                      `json:"selectionStartedAt"`
	SelectionDeadlineSeconds int                            `json:"selectionDeadlineSeconds"`
	LargestPartyLeaderID     string                         `json:"largestPartyLeaderId"`
	Confirmed                bool                           `json:"confirmed"`
	Version                  uint64                         `json:"version"`
}

// HasMember reports whether userID is on the team.
func (t AssembledTeam) HasMember(userID string) bool {
	for _, m := range t.MemberUserIDs {
		if m == userID {
			return true
		}
	}
	return false
}
