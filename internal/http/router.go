package http

import (
	"context"
	"log/slog"
	"net/http"
)

// HealthCheck reports whether the service can reach its store.
type HealthCheck func(ctx context.Context) error

type RouterConfig struct {
	Checkins   *CheckinHandler
	Anomalies  *AnomalyHandler
	Policies   *PolicyHandler
	Health     HealthCheck
	Logger     *slog.Logger
	Middleware []func(http.Handler) http.Handler
}

// NewRouter wires every endpoint. All routes except /healthz require a caller identity.
func NewRouter(cfg RouterConfig) http.Handler {
	api := http.NewServeMux()

	if cfg.Checkins != nil {
		api.HandleFunc("POST /peer-tokens", cfg.Checkins.IssuePeerToken)
		api.HandleFunc("POST /checkins", cfg.Checkins.Start)
		api.HandleFunc("GET /checkins/{id}", cfg.Checkins.Get)
		api.HandleFunc("POST /checkins/{id}/heartbeat", cfg.Checkins.Heartbeat)
		api.HandleFunc("POST /checkins/{id}/complete", cfg.Checkins.Complete)
		api.HandleFunc("POST /checkins/{id}/challenges", cfg.Checkins.IssueChallenge)
		api.HandleFunc("POST /challenges/{id}/resolve", cfg.Checkins.ResolveChallenge)
	}

	if cfg.Anomalies != nil {
		api.HandleFunc("GET /anomalies", cfg.Anomalies.List)
		api.HandleFunc("POST /anomalies/{id}/resolve", cfg.Anomalies.Resolve)
	}

	if cfg.Policies != nil {
		api.HandleFunc("GET /policy", cfg.Policies.GetPolicy)
		api.HandleFunc("PUT /policy", cfg.Policies.UpdatePolicy)
		api.HandleFunc("GET /sites", cfg.Policies.ListSites)
		api.HandleFunc("PUT /sites/{code}", cfg.Policies.PutSite)
		api.HandleFunc("GET /holidays", cfg.Policies.ListHolidays)
		api.HandleFunc("POST /holidays", cfg.Policies.AddHoliday)
		api.HandleFunc("POST /holidays/sync", cfg.Policies.SyncHolidays)
		api.HandleFunc("DELETE /holidays/{date}", cfg.Policies.DeleteHoliday)
	}

	root := http.NewServeMux()
	root.HandleFunc("GET /healthz", healthHandler(cfg.Health, newResponder(cfg.Logger)))
	root.Handle("/", RequirePrincipal(cfg.Logger)(api))

	var handler http.Handler = root
	for i := len(cfg.Middleware) - 1; i >= 0; i-- {
		if cfg.Middleware[i] != nil {
			handler = cfg.Middleware[i](handler)
		}
	}

	return handler
}

func healthHandler(check HealthCheck, responder responder) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			if err := check(r.Context()); err != nil {
				responder.writeError(r.Context(), w, http.StatusServiceUnavailable, err)
				return
			}
		}
		responder.writeJSON(r.Context(), w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
