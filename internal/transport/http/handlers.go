package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"arena-service/internal/app"
	"arena-service/internal/domain"
	"arena-service/internal/teamqueue"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// API serves the REST side of the service.
type API struct {
	matches *app.MatchService
	queue   *teamqueue.Orchestrator
	log     *zap.Logger
}

type createMatchRequest struct {
	MatchID  string                   `json:"matchId"`
	Category domain.OperationCategory `json:"category"`
}

type enterQueueRequest struct {
	UserID  string   `json:"userId"`
	PartyID string   `json:"partyId"`
	Members []string `json:"members"`
}

type roleRequest struct {
	UserID          string      `json:"userId"`
	Role            domain.Role `json:"role"`
	CandidateUserID string      `json:"candidateUserId"`
}

func Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (a *API) CreateMatch(w http.ResponseWriter, r *http.Request) {
	var req createMatchRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}
	}
	if req.MatchID == "" {
		req.MatchID = uuid.NewString()
	}
	view, err := a.matches.CreateMatch(r.Context(), req.MatchID, req.Category, nil)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

func (a *API) GetMatch(w http.ResponseWriter, r *http.Request) {
	view, err := a.matches.Match(chi.URLParam(r, "matchId"))
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// GetMatchState is the HTTP resync path: the full state plus the caller's
// own question.
func (a *API) GetMatchState(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		http.Error(w, "missing userId", http.StatusBadRequest)
		return
	}
	snap, err := a.matches.Resync(r.Context(), chi.URLParam(r, "matchId"), userID, 0)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (a *API) EnterQueue(w http.ResponseWriter, r *http.Request) {
	var req enterQueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if req.PartyID == "" {
		req.PartyID = uuid.NewString()
	}
	status, err := a.queue.EnterQueue(r.Context(), req.UserID, domain.Party{ID: req.PartyID, LeaderID: req.UserID, Members: req.Members})
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, status)
}

func (a *API) QueueStatus(w http.ResponseWriter, r *http.Request) {
	status, err := a.queue.Status(chi.URLParam(r, "userId"))
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (a *API) LeaveQueue(w http.ResponseWriter, r *http.Request) {
	if err := a.queue.LeaveQueue(r.Context(), chi.URLParam(r, "userId")); err != nil {
		a.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) GetTeam(w http.ResponseWriter, r *http.Request) {
	team, err := a.queue.Team(chi.URLParam(r, "teamId"))
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, team)
}

func (a *API) SelectRole(w http.ResponseWriter, r *http.Request) {
	var req roleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	team, err := a.queue.SelectRole(chi.URLParam(r, "teamId"), req.UserID, req.Role, req.CandidateUserID)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, team)
}

func (a *API) ConfirmRoles(w http.ResponseWriter, r *http.Request) {
	var req roleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	team, err := a.queue.ConfirmRoles(chi.URLParam(r, "teamId"), req.UserID)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, team)
}

func (a *API) fail(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		a.log.Error("request failed", zap.Error(err))
	}
	writeJSON(w, status, errorPayload{Message: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrMatchNotFound),
		errors.Is(err, domain.ErrPlayerNotFound),
		errors.Is(err, domain.ErrNotQueued),
		errors.Is(err, domain.ErrTeamNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidCategory),
		errors.Is(err, domain.ErrInvalidParty),
		errors.Is(err, domain.ErrInvalidRole),
		errors.Is(err, domain.ErrRoleConflict),
		errors.Is(err, domain.ErrRolesIncomplete):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotPartyLeader),
		errors.Is(err, domain.ErrNotTeamMember),
		errors.Is(err, domain.ErrNotOnRoster):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrAlreadyQueued),
		errors.Is(err, domain.ErrSelectionClosed),
		errors.Is(err, domain.ErrRosterLocked),
		errors.Is(err, domain.ErrRosterFull),
		errors.Is(err, domain.ErrMatchEnded),
		errors.Is(err, domain.ErrMatchNotActive),
		errors.Is(err, domain.ErrStaleQuestion):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
