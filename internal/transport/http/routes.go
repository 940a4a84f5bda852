package http

import (
	"net/http"

	"arena-service/internal/app"
	"arena-service/internal/teamqueue"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// SetupRoutes mounts the socket endpoint plus the REST fallbacks used for
// polling and resync.
func SetupRoutes(matches *app.MatchService, queue *teamqueue.Orchestrator, cfg HandlerConfig, log *zap.Logger) http.Handler {
	api := &API{matches: matches, queue: queue, log: log}
	if api.log == nil {
		api.log = zap.NewNop()
	}
	ws := NewWSHandler(matches, queue, cfg, log)

	r := chi.NewRouter()
	r.Get("/healthz", Healthz)
	r.Get("/ws", ws.ServeWS)

	r.Post("/matches", api.CreateMatch)
	r.Get("/matches/{matchId}", api.GetMatch)
	r.Get("/matches/{matchId}/state", api.GetMatchState)

	if queue != nil {
		r.Post("/queue", api.EnterQueue)
		r.Get("/queue/{userId}", api.QueueStatus)
		r.Delete("/queue/{userId}", api.LeaveQueue)
		r.Get("/teams/{teamId}", api.GetTeam)
		r.Post("/teams/{teamId}/roles", api.SelectRole)
		r.Post("/teams/{teamId}/confirm", api.ConfirmRoles)
	}
	return r
}
