// Package teamqueue runs the five-player team queue: teammate assembly,
// IGL/Anchor role selection, opponent search and hand-off to a match.
package teamqueue

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"arena-service/internal/app"
	"arena-service/internal/clock"
	"arena-service/internal/domain"
	"arena-service/internal/matchmaking"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Cancellation reasons carried on queue_cancelled pushes.
const (
	ReasonLeft               = "left"
	ReasonLeaderCancelled    = "leader_cancelled"
	ReasonLeaderDisconnected = "leader_disconnected"
	ReasonTeamDissolved      = "team_dissolved"
	ReasonMatchUnavailable   = "match_unavailable"
)

type Config struct {
	SelectionTimeout time.Duration
	PollInterval     time.Duration
	FoundLinger      time.Duration
	Category         domain.OperationCategory
	DefaultRating    float64
}

func DefaultConfig() Config {
	return Config{
		SelectionTimeout: 25 * time.Second,
		PollInterval:     2 * time.Second,
		FoundLinger:      10 * time.Second,
		Category:         domain.CategoryMixed,
		DefaultRating:    1200,
	}
}

// Matchmaker pairs confirmed teams with opponents.
type Matchmaker interface {
	Enqueue(ticket matchmaking.Ticket) (*matchmaking.Pairing, error)
	Cancel(teamID string) bool
	Sweep() []matchmaking.Pairing
}

// MatchCreator receives both rosters once opponents are found.
type MatchCreator interface {
	CreateMatch(ctx context.Context, matchID string, category domain.OperationCategory, roster []app.RosterEntry) (domain.MatchView, error)
}

// RatingSource supplies skill ratings for timeout role resolution and
// opponent search.
type RatingSource interface {
	GetRating(ctx context.Context, userID string) (float64, error)
}

type timerRef struct {
	timer clock.Timer
	gen   uint64
}

func (t *timerRef) current(gen uint64) bool { return t != nil && t.gen == gen }

func (t *timerRef) stop() {
	if t != nil {
		t.timer.Stop()
	}
}

type partyEntry struct {
	party     domain.Party
	phase     domain.QueuePhase
	enteredAt time.Time
	seq       uint64
	teamID    string
	matchID   string
	ratings   map[string]float64
}

type teamEntry struct {
	team      domain.AssembledTeam
	parties   []string
	ratings   map[string]float64
	selection *timerRef
	linger    *timerRef
	found     bool
}

// Orchestrator owns every party and assembled team. One lock serializes
// all of them, since assembly reads across parties.
type Orchestrator struct {
	cfg        Config
	clock      clock.Clock
	ratings    RatingSource
	matchmaker Matchmaker
	matches    MatchCreator
	log        *zap.Logger

	mu          sync.Mutex
	seq         uint64
	gen         uint64
	parties     map[string]*partyEntry
	members     map[string]string
	teams       map[string]*teamEntry
	poll        *timerRef
	subscribers map[string]chan domain.QueueUpdate
	// after holds calls that must run once mu is released
	after []func()
}

func NewOrchestrator(cfg Config, clk clock.Clock, ratings RatingSource, matchmaker Matchmaker, matches MatchCreator, log *zap.Logger) *Orchestrator {
	if log == nil {
		log = zap.NewNop()
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Orchestrator{
		cfg:         cfg,
		clock:       clk,
		ratings:     ratings,
		matchmaker:  matchmaker,
		matches:     matches,
		log:         log,
		parties:     make(map[string]*partyEntry),
		members:     make(map[string]string),
		teams:       make(map[string]*teamEntry),
		subscribers: make(map[string]chan domain.QueueUpdate),
	}
}

// EnterQueue starts teammate search for a party. Only its leader may do so.
// A full party skips straight to role selection.
func (o *Orchestrator) EnterQueue(ctx context.Context, actorUserID string, party domain.Party) (domain.QueueStatus, error) {
	if err := validateParty(party); err != nil {
		return domain.QueueStatus{}, err
	}
	if actorUserID != party.LeaderID {
		return domain.QueueStatus{}, domain.ErrNotPartyLeader
	}
	if o.queued(party) {
		return domain.QueueStatus{}, domain.ErrAlreadyQueued
	}

	// ratings are fetched before taking the lock
	ratings := make(map[string]float64, len(party.Members))
	for _, userID := range party.Members {
		ratings[userID] = o.rating(ctx, userID)
	}

	o.mu.Lock()
	defer o.unlock()

	if _, ok := o.parties[party.ID]; ok {
		return domain.QueueStatus{}, domain.ErrAlreadyQueued
	}
	for _, userID := range party.Members {
		if _, ok := o.members[userID]; ok {
			return domain.QueueStatus{}, domain.ErrAlreadyQueued
		}
	}

	o.seq++
	pe := &partyEntry{
		party:     copyParty(party),
		phase:     domain.PhaseTeammates,
		enteredAt: o.clock.Now(),
		seq:       o.seq,
		ratings:   ratings,
	}
	o.parties[party.ID] = pe
	for _, userID := range party.Members {
		o.members[userID] = party.ID
	}
	o.log.Info("party entered team queue",
		zap.String("party_id", party.ID),
		zap.String("user_id", party.LeaderID),
		zap.Int("size", len(party.Members)))

	if len(party.Members) == domain.TeamSize {
		o.formTeamLocked([]*partyEntry{pe})
	} else {
		o.notifyPartyLocked(pe, domain.QueuePhaseChanged, "")
		o.assembleLocked()
	}
	return statusOf(pe), nil
}

// LeaveQueue removes a user's queue state. A leader leaving cancels the
// whole party; a member leaving dissolves any assembled team first.
func (o *Orchestrator) LeaveQueue(_ context.Context, userID string) error {
	o.mu.Lock()
	defer o.unlock()

	pe, ok := o.partyOfLocked(userID)
	if !ok {
		return domain.ErrNotQueued
	}
	if pe.phase == domain.PhaseMatchFound {
		o.removePartyLocked(pe)
		return nil
	}
	if userID == pe.party.LeaderID {
		o.cancelPartyLocked(pe, ReasonLeaderCancelled)
		return nil
	}
	o.removeMemberLocked(pe, userID, ReasonLeft)
	return nil
}

// Disconnect applies the disconnect policy: a leader dropping while
// searching cancels the queue; anyone else dropping changes nothing.
func (o *Orchestrator) Disconnect(userID string) {
	o.mu.Lock()
	defer o.unlock()
	o.disconnectLocked(userID)
}

// DetachQueue applies the disconnect policy only when updates is still the
// user's current subscription. A close of a connection that a newer one
// already replaced is ignored.
func (o *Orchestrator) DetachQueue(userID string, updates <-chan domain.QueueUpdate) {
	o.mu.Lock()
	defer o.unlock()

	cur, ok := o.subscribers[userID]
	if !ok || cur != updates {
		o.log.Debug("stale connection closed; queue untouched", zap.String("user_id", userID))
		return
	}
	o.disconnectLocked(userID)
}

func (o *Orchestrator) disconnectLocked(userID string) {
	pe, ok := o.partyOfLocked(userID)
	if !ok {
		return
	}
	if userID != pe.party.LeaderID {
		o.log.Info("party member disconnected; queue continues", zap.String("user_id", userID), zap.String("party_id", pe.party.ID))
		return
	}
	switch pe.phase {
	case domain.PhaseTeammates, domain.PhaseOpponentSearch:
		o.cancelPartyLocked(pe, ReasonLeaderDisconnected)
	default:
		o.log.Info("leader disconnected; queue continues", zap.String("user_id", userID), zap.String("phase", string(pe.phase)))
	}
}

// Status is what a member reads when polling.
func (o *Orchestrator) Status(userID string) (domain.QueueStatus, error) {
	o.mu.Lock()
	defer o.unlock()

	pe, ok := o.partyOfLocked(userID)
	if !ok {
		return domain.QueueStatus{}, domain.ErrNotQueued
	}
	return statusOf(pe), nil
}

// Team returns an assembled team by id.
func (o *Orchestrator) Team(teamID string) (domain.AssembledTeam, error) {
	o.mu.Lock()
	defer o.unlock()

	te, ok := o.teams[teamID]
	if !ok {
		return domain.AssembledTeam{}, domain.ErrTeamNotFound
	}
	return copyTeam(te.team), nil
}

// SelectRole assigns (LEADER_PICK) or votes for (VOTE) a role candidate.
func (o *Orchestrator) SelectRole(teamID, actorUserID string, role domain.Role, candidateUserID string) (domain.AssembledTeam, error) {
	o.mu.Lock()
	defer o.unlock()

	te, err := o.openTeamLocked(teamID, actorUserID)
	if err != nil {
		return domain.AssembledTeam{}, err
	}
	if role != domain.RoleIGL && role != domain.RoleAnchor {
		return domain.AssembledTeam{}, domain.ErrInvalidRole
	}
	if !te.team.HasMember(candidateUserID) {
		return domain.AssembledTeam{}, domain.ErrNotTeamMember
	}

	team := &te.team
	switch team.Mode {
	case domain.SelectionLeaderPick:
		if actorUserID != team.LargestPartyLeaderID {
			return domain.AssembledTeam{}, domain.ErrNotPartyLeader
		}
		if role == domain.RoleIGL {
			if candidateUserID == team.AnchorUserID {
				return domain.AssembledTeam{}, domain.ErrRoleConflict
			}
			team.IGLUserID = candidateUserID
		} else {
			if candidateUserID == team.IGLUserID {
				return domain.AssembledTeam{}, domain.ErrRoleConflict
			}
			team.AnchorUserID = candidateUserID
		}
	default:
		votes := team.IGLVotes
		if role == domain.RoleAnchor {
			votes = team.AnchorVotes
		}
		castVote(votes, actorUserID, candidateUserID)
		o.resolveVotesLocked(te)
	}

	team.Version++
	o.notifyTeamLocked(te)
	o.log.Info("role selection updated",
		zap.String("team_id", teamID),
		zap.String("user_id", actorUserID),
		zap.String("role", string(role)),
		zap.String("candidate", candidateUserID))
	return copyTeam(*team), nil
}

// ConfirmRoles closes role selection once both roles are set and sends the
// team into opponent search.
func (o *Orchestrator) ConfirmRoles(teamID, actorUserID string) (domain.AssembledTeam, error) {
	o.mu.Lock()
	defer o.unlock()

	te, err := o.openTeamLocked(teamID, actorUserID)
	if err != nil {
		return domain.AssembledTeam{}, err
	}
	if actorUserID != te.team.LargestPartyLeaderID {
		return domain.AssembledTeam{}, domain.ErrNotPartyLeader
	}
	if te.team.IGLUserID == "" || te.team.AnchorUserID == "" {
		return domain.AssembledTeam{}, domain.ErrRolesIncomplete
	}
	o.confirmLocked(te)
	return copyTeam(te.team), nil
}

// Subscribe registers userID's push channel, replacing an older one. When
// the user is queued the first update is their current status.
func (o *Orchestrator) Subscribe(userID string) (<-chan domain.QueueUpdate, func()) {
	o.mu.Lock()
	defer o.unlock()

	if old, ok := o.subscribers[userID]; ok {
		close(old)
	}
	ch := make(chan domain.QueueUpdate, 16)
	o.subscribers[userID] = ch
	if pe, ok := o.partyOfLocked(userID); ok {
		status := statusOf(pe)
		update := domain.QueueUpdate{Type: domain.QueuePhaseChanged, Status: &status}
		if te, ok := o.teams[pe.teamID]; ok {
			team := copyTeam(te.team)
			update.Team = &team
		}
		ch <- update
	}

	cancel := func() {
		o.mu.Lock()
		defer o.unlock()
		if cur, ok := o.subscribers[userID]; ok && cur == ch {
			delete(o.subscribers, userID)
			close(ch)
		}
	}
	return ch, cancel
}

// Searching is the number of confirmed teams waiting for an opponent.
func (o *Orchestrator) Searching() int {
	o.mu.Lock()
	defer o.unlock()
	return o.searchingLocked()
}

// fills lists, per number of seats still open, every way of filling them
// with parties of 1-4 players, larger parties first.
var fills = [domain.TeamSize][][]int{
	0: {{}},
	1: {{1}},
	2: {{2}, {1, 1}},
	3: {{3}, {2, 1}, {1, 1, 1}},
	4: {{4}, {3, 1}, {2, 2}, {2, 1, 1}, {1, 1, 1, 1}},
}

// assembleLocked forms as many exact-size teams as the waiting parties
// allow. The oldest waiting party that can be completed anchors each team.
// Parties of equal size are interchangeable, so only the oldest party of
// each size is tried as an anchor and only the oldest parties of each size
// are picked to fill it.
func (o *Orchestrator) assembleLocked() {
	for {
		buckets := o.waitingBySizeLocked()
		var anchors []*partyEntry
		for size := 1; size < domain.TeamSize; size++ {
			if len(buckets[size]) > 0 {
				anchors = append(anchors, buckets[size][0])
			}
		}
		sort.Slice(anchors, func(i, j int) bool { return anchors[i].seq < anchors[j].seq })

		formed := false
		for _, anchor := range anchors {
			picked, ok := fillFrom(buckets, anchor)
			if !ok {
				continue
			}
			o.formTeamLocked(append([]*partyEntry{anchor}, picked...))
			formed = true
			break
		}
		if !formed {
			return
		}
	}
}

// fillFrom picks the oldest parties that complete anchor's team exactly.
// Among the ways to fill it, the one whose newest pick waited longest wins.
func fillFrom(buckets [domain.TeamSize][]*partyEntry, anchor *partyEntry) ([]*partyEntry, bool) {
	size := len(anchor.party.Members)
	var best []*partyEntry
	var bestSeq uint64
	found := false
	for _, sizes := range fills[domain.TeamSize-size] {
		used := [domain.TeamSize]int{}
		var picked []*partyEntry
		ok := true
		for _, s := range sizes {
			bucket := buckets[s]
			if s == size {
				// the anchor is the head of its own bucket
				bucket = bucket[1:]
			}
			if used[s] >= len(bucket) {
				ok = false
				break
			}
			picked = append(picked, bucket[used[s]])
			used[s]++
		}
		if !ok {
			continue
		}
		var newest uint64
		for _, pe := range picked {
			if pe.seq > newest {
				newest = pe.seq
			}
		}
		if !found || newest < bestSeq {
			best, bestSeq, found = picked, newest, true
		}
	}
	sort.Slice(best, func(i, j int) bool { return best[i].seq < best[j].seq })
	return best, found
}

func (o *Orchestrator) formTeamLocked(parties []*partyEntry) {
	now := o.clock.Now()
	te := &teamEntry{
		team: domain.AssembledTeam{
			ID:                       uuid.NewString(),
			Mode:                     domain.SelectionVote,
			IGLVotes:                 make(map[string]map[string]struct{}),
			AnchorVotes:              make(map[string]map[string]struct{}),
			IGLVoteCounts:            make(map[string]int),
			AnchorVoteCounts:         make(map[string]int),
			SelectionStartedAt:       now,
			SelectionDeadlineSeconds: int(o.cfg.SelectionTimeout / time.Second),
			Version:                  1,
		},
		ratings: make(map[string]float64, domain.TeamSize),
	}
	if len(parties) == 1 {
		te.team.Mode = domain.SelectionLeaderPick
	}

	largest := parties[0]
	for _, pe := range parties {
		te.team.MemberUserIDs = append(te.team.MemberUserIDs, pe.party.Members...)
		te.team.SourcePartyIDs = append(te.team.SourcePartyIDs, pe.party.ID)
		te.parties = append(te.parties, pe.party.ID)
		for userID, r := range pe.ratings {
			te.ratings[userID] = r
		}
		if len(pe.party.Members) > len(largest.party.Members) {
			largest = pe
		}
		pe.phase = domain.PhaseRoleSelection
		pe.teamID = te.team.ID
	}
	te.team.LargestPartyLeaderID = largest.party.LeaderID
	o.teams[te.team.ID] = te

	teamID := te.team.ID
	te.selection = o.arm(o.cfg.SelectionTimeout, func(gen uint64) { o.selectionExpired(teamID, gen) })

	o.log.Info("team assembled",
		zap.String("team_id", teamID),
		zap.Strings("parties", te.team.SourcePartyIDs),
		zap.String("mode", string(te.team.Mode)))
	for _, pe := range parties {
		o.notifyPartyLocked(pe, domain.QueuePhaseChanged, "")
	}
	o.notifyTeamLocked(te)
}

func (o *Orchestrator) selectionExpired(teamID string, gen uint64) {
	o.mu.Lock()
	defer o.unlock()

	te, ok := o.teams[teamID]
	if !ok || !te.selection.current(gen) || te.team.Confirmed {
		return
	}
	te.selection = nil

	byRating := o.membersByRatingLocked(te)
	team := &te.team
	if team.IGLUserID == "" {
		for _, userID := range byRating {
			if userID != team.AnchorUserID {
				team.IGLUserID = userID
				break
			}
		}
	}
	if team.AnchorUserID == "" {
		for _, userID := range byRating {
			if userID != team.IGLUserID {
				team.AnchorUserID = userID
				break
			}
		}
	}
	o.log.Info("role selection timed out; auto-confirming",
		zap.String("team_id", teamID),
		zap.String("igl", team.IGLUserID),
		zap.String("anchor", team.AnchorUserID))
	o.confirmLocked(te)
}

func (o *Orchestrator) confirmLocked(te *teamEntry) {
	te.selection.stop()
	te.selection = nil
	te.team.Confirmed = true
	te.team.Version++

	var sum float64
	for _, userID := range te.team.MemberUserIDs {
		sum += te.ratings[userID]
	}
	for _, partyID := range te.parties {
		if pe, ok := o.parties[partyID]; ok {
			pe.phase = domain.PhaseOpponentSearch
			o.notifyPartyLocked(pe, domain.QueuePhaseChanged, "")
		}
	}
	o.notifyTeamLocked(te)

	pairing, err := o.matchmaker.Enqueue(matchmaking.Ticket{
		TeamID:     te.team.ID,
		Rating:     sum / float64(len(te.team.MemberUserIDs)),
		Size:       len(te.team.MemberUserIDs),
		EnqueuedAt: o.clock.Now(),
	})
	if err != nil && !errors.Is(err, matchmaking.ErrAlreadyQueued) {
		o.log.Error("failed to enqueue team for opponent search", zap.String("team_id", te.team.ID), zap.Error(err))
	}
	o.log.Info("roles confirmed", zap.String("team_id", te.team.ID))
	if pairing != nil {
		o.matchFoundLocked(*pairing)
	}
	o.armPollLocked()
}

func (o *Orchestrator) pollExpired(gen uint64) {
	o.mu.Lock()
	defer o.unlock()

	if !o.poll.current(gen) {
		return
	}
	o.poll = nil
	for _, pairing := range o.matchmaker.Sweep() {
		o.matchFoundLocked(pairing)
	}
	o.armPollLocked()
}

func (o *Orchestrator) armPollLocked() {
	if o.poll != nil || o.searchingLocked() == 0 {
		return
	}
	o.poll = o.arm(o.cfg.PollInterval, o.pollExpired)
}

// matchFoundLocked reserves both teams for pairing. The match itself is
// created by createMatch once o.mu is released.
func (o *Orchestrator) matchFoundLocked(pairing matchmaking.Pairing) {
	home, homeOK := o.teams[pairing.Home.TeamID]
	away, awayOK := o.teams[pairing.Away.TeamID]
	if !homeOK || !awayOK {
		// one side vanished; put the survivor back in line
		for _, te := range []*teamEntry{home, away} {
			if te != nil && !te.found {
				_, _ = o.matchmaker.Enqueue(matchmaking.Ticket{TeamID: te.team.ID, Rating: ticketRating(pairing, te.team.ID), Size: len(te.team.MemberUserIDs)})
			}
		}
		return
	}

	var roster []app.RosterEntry
	for _, side := range []struct {
		name string
		te   *teamEntry
	}{{"A", home}, {"B", away}} {
		for _, userID := range side.te.team.MemberUserIDs {
			roster = append(roster, app.RosterEntry{UserID: userID, Side: side.name})
		}
	}
	// found keeps both teams out of the matchmaker and out of dissolution
	// while the match is created outside the lock
	home.found, away.found = true, true
	o.after = append(o.after, func() { o.createMatch(pairing, roster) })
}

// createMatch runs without o.mu held and then settles both teams.
func (o *Orchestrator) createMatch(pairing matchmaking.Pairing, roster []app.RosterEntry) {
	_, err := o.matches.CreateMatch(context.Background(), pairing.MatchID, o.cfg.Category, roster)

	o.mu.Lock()
	defer o.unlock()

	var teams []*teamEntry
	for _, teamID := range []string{pairing.Home.TeamID, pairing.Away.TeamID} {
		if te, ok := o.teams[teamID]; ok {
			teams = append(teams, te)
		}
	}
	if err != nil {
		o.log.Error("failed to create match for pairing", zap.String("match_id", pairing.MatchID), zap.Error(err))
		for _, te := range teams {
			delete(o.teams, te.team.ID)
			for _, pe := range o.teamPartiesLocked(te) {
				o.removePartyLocked(pe)
				for _, userID := range pe.party.Members {
					o.sendLocked(userID, domain.QueueUpdate{Type: domain.QueueCancelled, Reason: ReasonMatchUnavailable})
				}
			}
		}
		return
	}

	for _, te := range teams {
		for _, pe := range o.teamPartiesLocked(te) {
			pe.phase = domain.PhaseMatchFound
			pe.matchID = pairing.MatchID
			o.notifyPartyLocked(pe, domain.QueueMatchFound, "")
		}
		teamID := te.team.ID
		te.linger = o.arm(o.cfg.FoundLinger, func(gen uint64) { o.lingerExpired(teamID, gen) })
	}
	o.log.Info("match found",
		zap.String("match_id", pairing.MatchID),
		zap.String("home", pairing.Home.TeamID),
		zap.String("away", pairing.Away.TeamID))
}

// teamPartiesLocked returns the parties still attached to te. A party that
// left or moved on while its match was being created is skipped.
func (o *Orchestrator) teamPartiesLocked(te *teamEntry) []*partyEntry {
	var out []*partyEntry
	for _, partyID := range te.parties {
		if pe, ok := o.parties[partyID]; ok && pe.teamID == te.team.ID {
			out = append(out, pe)
		}
	}
	return out
}

func (o *Orchestrator) lingerExpired(teamID string, gen uint64) {
	o.mu.Lock()
	defer o.unlock()

	te, ok := o.teams[teamID]
	if !ok || !te.linger.current(gen) {
		return
	}
	for _, pe := range o.teamPartiesLocked(te) {
		o.removePartyLocked(pe)
	}
	delete(o.teams, teamID)
}

// cancelPartyLocked clears the party's state before anyone is notified.
// Other parties of its team go back to teammate search.
func (o *Orchestrator) cancelPartyLocked(pe *partyEntry, reason string) {
	others := o.dissolveLocked(pe.teamID, pe.party.ID)
	members := append([]string(nil), pe.party.Members...)
	o.removePartyLocked(pe)

	for _, userID := range members {
		o.sendLocked(userID, domain.QueueUpdate{Type: domain.QueueCancelled, Reason: reason})
	}
	for _, other := range others {
		o.notifyPartyLocked(other, domain.QueuePhaseChanged, ReasonTeamDissolved)
	}
	o.log.Info("party queue cancelled", zap.String("party_id", pe.party.ID), zap.String("reason", reason))
	o.assembleLocked()
}

// removeMemberLocked drops one non-leader member from a party.
func (o *Orchestrator) removeMemberLocked(pe *partyEntry, userID, reason string) {
	others := o.dissolveLocked(pe.teamID, pe.party.ID)

	kept := pe.party.Members[:0:0]
	for _, m := range pe.party.Members {
		if m != userID {
			kept = append(kept, m)
		}
	}
	pe.party.Members = kept
	delete(pe.ratings, userID)
	delete(o.members, userID)
	pe.phase = domain.PhaseTeammates
	pe.teamID = ""

	o.sendLocked(userID, domain.QueueUpdate{Type: domain.QueueCancelled, Reason: reason})
	o.notifyPartyLocked(pe, domain.QueuePhaseChanged, "")
	for _, other := range others {
		o.notifyPartyLocked(other, domain.QueuePhaseChanged, ReasonTeamDissolved)
	}
	o.log.Info("member left team queue", zap.String("party_id", pe.party.ID), zap.String("user_id", userID))
	o.assembleLocked()
}

// dissolveLocked breaks up a team that has not found a match. Every party
// except skip returns to teammate search and is returned to the caller.
func (o *Orchestrator) dissolveLocked(teamID, skip string) []*partyEntry {
	te, ok := o.teams[teamID]
	if !ok || te.found {
		return nil
	}
	te.selection.stop()
	te.linger.stop()
	o.matchmaker.Cancel(teamID)
	delete(o.teams, teamID)

	var others []*partyEntry
	for _, partyID := range te.parties {
		pe, ok := o.parties[partyID]
		if !ok {
			continue
		}
		pe.phase = domain.PhaseTeammates
		pe.teamID = ""
		if partyID != skip {
			others = append(others, pe)
		}
	}
	o.log.Info("team dissolved", zap.String("team_id", teamID))
	return others
}

func (o *Orchestrator) removePartyLocked(pe *partyEntry) {
	delete(o.parties, pe.party.ID)
	for _, userID := range pe.party.Members {
		if o.members[userID] == pe.party.ID {
			delete(o.members, userID)
		}
	}
}

func (o *Orchestrator) openTeamLocked(teamID, actorUserID string) (*teamEntry, error) {
	te, ok := o.teams[teamID]
	if !ok {
		return nil, domain.ErrTeamNotFound
	}
	if !te.team.HasMember(actorUserID) {
		return nil, domain.ErrNotTeamMember
	}
	if te.team.Confirmed {
		return nil, domain.ErrSelectionClosed
	}
	return te, nil
}

// resolveVotesLocked provisionally assigns each role to its plurality
// leader. The Anchor never resolves to the IGL.
func (o *Orchestrator) resolveVotesLocked(te *teamEntry) {
	team := &te.team
	team.IGLVoteCounts = countVotes(team.IGLVotes)
	team.AnchorVoteCounts = countVotes(team.AnchorVotes)
	team.IGLUserID = o.pluralityLocked(te, team.IGLVotes, "")
	team.AnchorUserID = o.pluralityLocked(te, team.AnchorVotes, team.IGLUserID)
}

// pluralityLocked breaks ties by the largest party leader's own vote, then
// by rating, then by member order.
func (o *Orchestrator) pluralityLocked(te *teamEntry, votes map[string]map[string]struct{}, exclude string) string {
	best := 0
	var tied []string
	for _, userID := range te.team.MemberUserIDs {
		if userID == exclude {
			continue
		}
		n := len(votes[userID])
		switch {
		case n == 0 || n < best:
		case n > best:
			best, tied = n, []string{userID}
		default:
			tied = append(tied, userID)
		}
	}
	if len(tied) <= 1 {
		if len(tied) == 1 {
			return tied[0]
		}
		return ""
	}
	for _, candidate := range tied {
		if _, ok := votes[candidate][te.team.LargestPartyLeaderID]; ok {
			return candidate
		}
	}
	sort.SliceStable(tied, func(i, j int) bool { return te.ratings[tied[i]] > te.ratings[tied[j]] })
	return tied[0]
}

func (o *Orchestrator) membersByRatingLocked(te *teamEntry) []string {
	out := append([]string(nil), te.team.MemberUserIDs...)
	sort.SliceStable(out, func(i, j int) bool { return te.ratings[out[i]] > te.ratings[out[j]] })
	return out
}

// waitingBySizeLocked groups parties in teammate search by size, oldest
// first within each size.
func (o *Orchestrator) waitingBySizeLocked() [domain.TeamSize][]*partyEntry {
	var buckets [domain.TeamSize][]*partyEntry
	for _, pe := range o.parties {
		size := len(pe.party.Members)
		if pe.phase == domain.PhaseTeammates && size > 0 && size < domain.TeamSize {
			buckets[size] = append(buckets[size], pe)
		}
	}
	for _, bucket := range buckets {
		sort.Slice(bucket, func(i, j int) bool { return bucket[i].seq < bucket[j].seq })
	}
	return buckets
}

func (o *Orchestrator) searchingLocked() int {
	n := 0
	for _, te := range o.teams {
		if te.team.Confirmed && !te.found {
			n++
		}
	}
	return n
}

func (o *Orchestrator) partyOfLocked(userID string) (*partyEntry, bool) {
	partyID, ok := o.members[userID]
	if !ok {
		return nil, false
	}
	pe, ok := o.parties[partyID]
	return pe, ok
}

func (o *Orchestrator) queued(party domain.Party) bool {
	o.mu.Lock()
	defer o.unlock()
	if _, ok := o.parties[party.ID]; ok {
		return true
	}
	for _, userID := range party.Members {
		if _, ok := o.members[userID]; ok {
			return true
		}
	}
	return false
}

func (o *Orchestrator) notifyPartyLocked(pe *partyEntry, typ domain.QueueUpdateType, reason string) {
	for _, userID := range pe.party.Members {
		status := statusOf(pe)
		o.sendLocked(userID, domain.QueueUpdate{Type: typ, Status: &status, Reason: reason})
	}
}

func (o *Orchestrator) notifyTeamLocked(te *teamEntry) {
	for _, userID := range te.team.MemberUserIDs {
		team := copyTeam(te.team)
		o.sendLocked(userID, domain.QueueUpdate{Type: domain.QueueTeamUpdated, Team: &team})
	}
}

// sendLocked never blocks: a full channel loses its oldest update, and a
// member can always poll Status for the current phase.
func (o *Orchestrator) sendLocked(userID string, update domain.QueueUpdate) {
	ch, ok := o.subscribers[userID]
	if !ok {
		return
	}
	select {
	case ch <- update:
	default:
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- update:
		default:
		}
	}
}

func (o *Orchestrator) rating(ctx context.Context, userID string) float64 {
	if o.ratings == nil {
		return o.cfg.DefaultRating
	}
	r, err := o.ratings.GetRating(ctx, userID)
	if err != nil {
		if !errors.Is(err, domain.ErrRatingNotFound) {
			o.log.Warn("rating lookup failed", zap.String("user_id", userID), zap.Error(err))
		}
		return o.cfg.DefaultRating
	}
	return r
}

// unlock releases mu and then runs the calls queued while it was held.
func (o *Orchestrator) unlock() {
	after := o.after
	o.after = nil
	o.mu.Unlock()
	for _, f := range after {
		f()
	}
}

func (o *Orchestrator) arm(d time.Duration, fire func(gen uint64)) *timerRef {
	o.gen++
	gen := o.gen
	return &timerRef{timer: o.clock.AfterFunc(d, func() { fire(gen) }), gen: gen}
}

func validateParty(p domain.Party) error {
	if p.ID == "" || len(p.Members) == 0 || len(p.Members) > domain.TeamSize {
		return domain.ErrInvalidParty
	}
	seen := make(map[string]struct{}, len(p.Members))
	for _, userID := range p.Members {
		if userID == "" {
			return domain.ErrInvalidParty
		}
		if _, dup := seen[userID]; dup {
			return domain.ErrInvalidParty
		}
		seen[userID] = struct{}{}
	}
	if !p.Has(p.LeaderID) {
		return domain.ErrInvalidParty
	}
	return nil
}

func castVote(votes map[string]map[string]struct{}, voter, candidate string) {
	for _, voters := range votes {
		delete(voters, voter)
	}
	if votes[candidate] == nil {
		votes[candidate] = make(map[string]struct{})
	}
	votes[candidate][voter] = struct{}{}
}

func countVotes(votes map[string]map[string]struct{}) map[string]int {
	counts := make(map[string]int, len(votes))
	for candidate, voters := range votes {
		if len(voters) > 0 {
			counts[candidate] = len(voters)
		}
	}
	return counts
}

func ticketRating(p matchmaking.Pairing, teamID string) float64 {
	if p.Home.TeamID == teamID {
		return p.Home.Rating
	}
	return p.Away.Rating
}

func statusOf(pe *partyEntry) domain.QueueStatus {
	return domain.QueueStatus{
		Party:          copyParty(pe.party),
		Phase:          pe.phase,
		QueueEnteredAt: pe.enteredAt,
		TeamID:         pe.teamID,
		MatchID:        pe.matchID,
	}
}

func copyParty(p domain.Party) domain.Party {
	p.Members = append([]string(nil), p.Members...)
	return p
}

func copyTeam(t domain.AssembledTeam) domain.AssembledTeam {
	out := t
	out.MemberUserIDs = append([]string(nil), t.MemberUserIDs...)
	out.SourcePartyIDs = append([]string(nil), t.SourcePartyIDs...)
	out.IGLVotes, out.AnchorVotes = nil, nil
	out.IGLVoteCounts = copyCounts(t.IGLVoteCounts)
	out.AnchorVoteCounts = copyCounts(t.AnchorVoteCounts)
	return out
}

func copyCounts(in map[string]int) map[string]int {
	if in == nil {
		return nil
	}
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
