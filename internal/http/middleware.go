package http

import (
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/example/presence-engine/internal/application"
	"github.com/example/presence-engine/internal/logging"
)

// Identity headers set by the upstream authentication layer.
const (
	HeaderUserID    = "X-User-ID"
	HeaderCompanyID = "X-Company-ID"
	HeaderUserRole  = "X-User-Role"
)

const (
	roleAdmin = "admin"
	roleAgent = "agent"
)

// RequirePrincipal builds the caller identity from the trusted identity headers and rejects
// requests that do not carry a complete one.
func RequirePrincipal(logger *slog.Logger) func(http.Handler) http.Handler {
	responder := newResponder(logger)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := principalFromHeaders(r)
			if !ok {
				responder.writeError(r.Context(), w, http.StatusUnauthorized, errMissingIdentity)
				return
			}

			ctx := ContextWithPrincipal(r.Context(), principal)
			ctx = logging.WithAttrs(ctx, nil, slog.Group("caller",
				"user_id", principal.UserID,
				"company_id", principal.CompanyID,
				"admin", principal.IsAdmin,
			))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func principalFromHeaders(r *http.Request) (application.Principal, bool) {
	userID := strings.TrimSpace(r.Header.Get(HeaderUserID))
	companyID := strings.TrimSpace(r.Header.Get(HeaderCompanyID))
	role := strings.ToLower(strings.TrimSpace(r.Header.Get(HeaderUserRole)))
	if userID == "" || companyID == "" {
		return application.Principal{}, false
	}
	switch role {
	case roleAdmin, roleAgent:
	default:
		return application.Principal{}, false
	}
	return application.Principal{
		UserID:    userID,
		CompanyID: companyID,
		IsAdmin:   role == roleAdmin,
	}, true
}

// RequestLogger attaches a request scoped logger to the context and logs request timing.
func RequestLogger(base *slog.Logger) func(http.Handler) http.Handler {
	if base == nil {
		base = slog.Default()
	}
	var counter atomic.Uint64

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := counter.Add(1)
			logger := base.With(
				"request_id", id,
				"method", r.Method,
				"path", r.URL.Path,
			)

			ctx := logging.ContextWithLogger(r.Context(), logger)
			recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			logger.InfoContext(ctx, "request started")
			next.ServeHTTP(recorder, r.WithContext(ctx))
			logger.InfoContext(ctx, "request completed", "status", recorder.status, "duration", time.Since(start))
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}
