package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/example/presence-engine/internal/application"
	"github.com/example/presence-engine/internal/logging"
)

var (
	errBadRequestBody  = errors.New("request body is not valid JSON")
	errMissingIdentity = errors.New("caller identity headers are missing or invalid")
	errMissingPathID   = errors.New("resource id is missing")
)

type responder struct {
	logger *slog.Logger
}

func newResponder(logger *slog.Logger) responder {
	if logger == nil {
		logger = slog.Default()
	}
	return responder{logger: logger}
}

func (r responder) writeJSON(ctx context.Context, w http.ResponseWriter, status int, payload any) {
	if w == nil {
		return
	}

	if status == http.StatusNoContent || payload == nil {
		w.WriteHeader(status)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		r.loggerFor(ctx).ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

func (r responder) writeError(ctx context.Context, w http.ResponseWriter, status int, err error) {
	message := statusMessage(status)
	if err != nil {
		if msg := strings.TrimSpace(err.Error()); msg != "" {
			message = msg
		}
		r.loggerFor(ctx).ErrorContext(ctx, "request failed", "status", status, "error", err)
	}

	r.writeJSON(ctx, w, status, errorResponse{Message: message})
}

func (r responder) handleServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		r.writeError(ctx, w, http.StatusInternalServerError, errors.New("unknown error"))
		return
	}

	var (
		vErr      *application.ValidationError
		policyErr *application.PolicyViolationError
		fenceErr  *application.GeofenceViolationError
	)
	switch {
	case errors.As(err, &vErr):
		r.writeJSON(ctx, w, http.StatusUnprocessableEntity, errorResponse{
			ErrorCode: "VALIDATION_FAILED",
			Message:   statusMessage(http.StatusUnprocessableEntity),
			Errors:    vErr.FieldErrors,
		})
	case errors.As(err, &policyErr):
		r.writeJSON(ctx, w, http.StatusUnprocessableEntity, errorResponse{
			ErrorCode: "POLICY_VIOLATION",
			Message:   "check-in is not allowed by the company policy at this time",
			Reason:    string(policyErr.Reason),
		})
	case errors.As(err, &fenceErr):
		distance, radius := fenceErr.DistanceMeters, fenceErr.RadiusMeters
		r.writeJSON(ctx, w, http.StatusUnprocessableEntity, errorResponse{
			ErrorCode:      "GEOFENCE_VIOLATION",
			Message:        "device is outside the site radius",
			DistanceMeters: &distance,
			RadiusMeters:   &radius,
		})
	case errors.Is(err, application.ErrPolicyViolation):
		r.writeJSON(ctx, w, http.StatusUnprocessableEntity, errorResponse{ErrorCode: "POLICY_VIOLATION", Message: "check-in is not allowed by the company policy at this time"})
	case errors.Is(err, application.ErrGeofenceViolation):
		r.writeJSON(ctx, w, http.StatusUnprocessableEntity, errorResponse{ErrorCode: "GEOFENCE_VIOLATION", Message: "device is outside the site radius"})
	case errors.Is(err, application.ErrTokenInvalid):
		r.writeJSON(ctx, w, http.StatusConflict, errorResponse{ErrorCode: "TOKEN_INVALID", Message: "peer token is invalid, expired or already used"})
	case errors.Is(err, application.ErrConflictingSession):
		r.writeJSON(ctx, w, http.StatusConflict, errorResponse{ErrorCode: "CONFLICTING_SESSION", Message: "an agent already has an open session"})
	case errors.Is(err, application.ErrChallengeOpen):
		r.writeJSON(ctx, w, http.StatusConflict, errorResponse{ErrorCode: "CHALLENGE_OPEN", Message: "the session has a pending challenge"})
	case errors.Is(err, application.ErrChallengeExpired):
		r.writeJSON(ctx, w, http.StatusConflict, errorResponse{ErrorCode: "CHALLENGE_EXPIRED", Message: "the challenge deadline has passed"})
	case errors.Is(err, application.ErrSessionNotDue):
		r.writeJSON(ctx, w, http.StatusConflict, errorResponse{ErrorCode: "SESSION_NOT_DUE", Message: "the session has not reached its expected end"})
	case errors.Is(err, application.ErrSessionExpired):
		r.writeJSON(ctx, w, http.StatusConflict, errorResponse{ErrorCode: "SESSION_EXPIRED", Message: "the session has expired"})
	case errors.Is(err, application.ErrInvalidState):
		r.writeJSON(ctx, w, http.StatusConflict, errorResponse{ErrorCode: "INVALID_STATE", Message: statusMessage(http.StatusConflict)})
	case errors.Is(err, application.ErrUnauthorized):
		r.writeJSON(ctx, w, http.StatusForbidden, errorResponse{ErrorCode: "FORBIDDEN", Message: statusMessage(http.StatusForbidden)})
	case errors.Is(err, application.ErrNotFound):
		r.writeJSON(ctx, w, http.StatusNotFound, errorResponse{ErrorCode: "NOT_FOUND", Message: statusMessage(http.StatusNotFound)})
	case errors.Is(err, application.ErrStoreTimeout):
		r.writeJSON(ctx, w, http.StatusServiceUnavailable, errorResponse{ErrorCode: "STORE_TIMEOUT", Message: statusMessage(http.StatusServiceUnavailable)})
	case errors.Is(err, application.ErrUnavailable):
		r.writeJSON(ctx, w, http.StatusBadGateway, errorResponse{ErrorCode: "UPSTREAM_UNAVAILABLE", Message: statusMessage(http.StatusBadGateway)})
	default:
		r.writeJSON(ctx, w, http.StatusInternalServerError, errorResponse{Message: statusMessage(http.StatusInternalServerError)})
	}
}

func (r responder) loggerFor(ctx context.Context) *slog.Logger {
	if logger := logging.FromContext(ctx); logger != nil {
		return logger
	}
	return r.logger
}

func statusMessage(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "the request is malformed"
	case http.StatusUnauthorized:
		return "authentication is required"
	case http.StatusForbidden:
		return "you are not allowed to perform this operation"
	case http.StatusNotFound:
		return "the requested resource does not exist"
	case http.StatusConflict:
		return "the request conflicts with the current state of the resource"
	case http.StatusUnprocessableEntity:
		return "the request contains invalid fields"
	case http.StatusBadGateway:
		return "an upstream provider is unavailable"
	case http.StatusServiceUnavailable:
		return "the store did not respond in time, retry later"
	default:
		return "internal server error"
	}
}

type errorResponse struct {
	ErrorCode      string            `json:"error_code,omitempty"`
	Message        string            `json:"message"`
	Errors         map[string]string `json:"errors,omitempty"`
	Reason         string            `json:"reason,omitempty"`
	DistanceMeters *float64          `json:"distance_m,omitempty"`
	RadiusMeters   *float64          `json:"radius_m,omitempty"`
}

func decodeJSON(r *http.Request, dst any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dst)
}

type queryError string

func (q queryError) Error() string {
	return "invalid query parameter: " + string(q)
}

func errInvalidQuery(name string) error {
	return queryError(name)
}
