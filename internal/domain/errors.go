package domain

import "errors"

var (
	// ErrMatchNotFound is returned when no session exists for a match id.
	ErrMatchNotFound = errors.New("match not found")
	// ErrPlayerNotFound is returned when a user acts on a match they are not in.
	ErrPlayerNotFound = errors.New("player not found in match")
	// ErrMatchNotActive rejects answers outside of the ACTIVE phase.
	ErrMatchNotActive = errors.New("match is not active")
	// ErrMatchEnded rejects operations against a finished match.
	ErrMatchEnded = errors.New("match has ended")
	// ErrRosterLocked rejects new players once the roster has been assembled.
	ErrRosterLocked = errors.New("match roster is locked")
	// ErrRosterFull rejects joins beyond the maximum roster size.
	ErrRosterFull = errors.New("match roster is full")
	// ErrNotOnRoster rejects users outside a pre-seeded roster.
	ErrNotOnRoster = errors.New("user is not on the match roster")
	// ErrStaleQuestion rejects an answer for a question that is no longer current.
	ErrStaleQuestion = errors.New("answer is for a stale question")
	// ErrInvalidCategory indicates an unknown operation category.
	ErrInvalidCategory = errors.New("unknown operation category")

	// ErrInvalidParty rejects malformed parties (size, duplicates, leader).
	ErrInvalidParty = errors.New("invalid party")
	// ErrAlreadyQueued rejects a party whose member is already in the queue.
	ErrAlreadyQueued = errors.New("user is already queued")
	// ErrNotQueued is returned when a user has no queue state.
	ErrNotQueued = errors.New("user is not queued")
	// ErrNotPartyLeader rejects leader-only actions from other members.
	ErrNotPartyLeader = errors.New("only the party leader can do that")
	// ErrTeamNotFound is returned for unknown or dissolved assembled teams.
	ErrTeamNotFound = errors.New("assembled team not found")
	// ErrNotTeamMember rejects votes and picks involving non-members.
	ErrNotTeamMember = errors.New("user is not a member of the team")
	// ErrRoleConflict rejects assigning both roles to the same user.
	ErrRoleConflict = errors.New("IGL and Anchor must be different users")
	// ErrRolesIncomplete rejects confirmation before both roles are set.
	ErrRolesIncomplete = errors.New("both roles must be set before confirming")
	// ErrInvalidRole indicates an unknown role name.
	ErrInvalidRole = errors.New("unknown role")
	// ErrSelectionClosed rejects role changes after confirmation.
	ErrSelectionClosed = errors.New("role selection is closed")

	// ErrRatingNotFound indicates the rating source has no row for a user.
	ErrRatingNotFound = errors.New("rating not found")
)
