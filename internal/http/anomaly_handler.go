package http

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/example/presence-engine/internal/application"
)

type anomalyService interface {
	ListAnomalies(ctx context.Context, params application.ListAnomaliesParams) ([]application.Anomaly, error)
	ResolveAnomaly(ctx context.Context, principal application.Principal, anomalyID string) (application.Anomaly, error)
}

type AnomalyHandler struct {
	service   anomalyService
	responder responder
	logger    *slog.Logger
}

func NewAnomalyHandler(service anomalyService, logger *slog.Logger) *AnomalyHandler {
	base := defaultLogger(logger)
	return &AnomalyHandler{service: service, responder: newResponder(base), logger: base}
}

func (h *AnomalyHandler) log(ctx context.Context, operation string, attrs ...any) *slog.Logger {
	if h == nil {
		return slog.Default()
	}
	return handlerLogger(ctx, h.logger, "AnomalyHandler", operation, attrs...)
}

// List accepts the optional query parameters open, session_id and limit.
func (h *AnomalyHandler) List(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.service == nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	principal := requestPrincipal(r)
	query := r.URL.Query()

	params := application.ListAnomaliesParams{
		Principal: principal,
		SessionID: strings.TrimSpace(query.Get("session_id")),
	}
	if raw := strings.TrimSpace(query.Get("open")); raw != "" {
		open, err := strconv.ParseBool(raw)
		if err != nil {
			h.responder.writeError(r.Context(), w, http.StatusBadRequest, errInvalidQuery("open"))
			return
		}
		params.OpenOnly = open
	}
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			h.responder.writeError(r.Context(), w, http.StatusBadRequest, errInvalidQuery("limit"))
			return
		}
		params.Limit = limit
	}

	logger := h.log(r.Context(), "List", "principal_id", principal.UserID)
	anomalies, err := h.service.ListAnomalies(r.Context(), params)
	if err != nil {
		logger.ErrorContext(r.Context(), "anomaly list failed", "error", err, "error_kind", application.ErrorKind(err))
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}

	logger.With("result_count", len(anomalies)).InfoContext(r.Context(), "anomalies listed")
	out := make([]anomalyDTO, 0, len(anomalies))
	for _, anomaly := range anomalies {
		out = append(out, toAnomalyDTO(anomaly))
	}
	h.responder.writeJSON(r.Context(), w, http.StatusOK, listAnomaliesResponse{Anomalies: out})
}

func (h *AnomalyHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.service == nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	anomalyID, ok := pathID(r)
	if !ok {
		h.responder.writeError(r.Context(), w, http.StatusBadRequest, errMissingPathID)
		return
	}

	principal := requestPrincipal(r)
	logger := h.log(r.Context(), "Resolve", "principal_id", principal.UserID, "anomaly_id", anomalyID)

	anomaly, err := h.service.ResolveAnomaly(r.Context(), principal, anomalyID)
	if err != nil {
		logger.ErrorContext(r.Context(), "anomaly resolution failed", "error", err, "error_kind", application.ErrorKind(err))
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}

	logger.InfoContext(r.Context(), "anomaly resolved")
	h.responder.writeJSON(r.Context(), w, http.StatusOK, anomalyResponse{Anomaly: toAnomalyDTO(anomaly)})
}

type listAnomaliesResponse struct {
	Anomalies []anomalyDTO `json:"anomalies"`
}

type anomalyResponse struct {
	Anomaly anomalyDTO `json:"anomaly"`
}

type anomalyDTO struct {
	ID          string  `json:"id"`
	SessionID   string  `json:"session_id,omitempty"`
	Type        string  `json:"type"`
	Severity    int     `json:"severity"`
	Explanation string  `json:"explanation"`
	DetectedAt  string  `json:"detected_at"`
	Resolved    bool    `json:"resolved"`
	ResolvedAt  *string `json:"resolved_at,omitempty"`
}

func toAnomalyDTO(anomaly application.Anomaly) anomalyDTO {
	return anomalyDTO{
		ID:          anomaly.ID,
		SessionID:   anomaly.SessionID,
		Type:        string(anomaly.Type),
		Severity:    anomaly.Severity,
		Explanation: anomaly.Explanation,
		DetectedAt:  formatTime(anomaly.DetectedAt),
		Resolved:    anomaly.Resolved,
		ResolvedAt:  formatOptionalTime(anomaly.ResolvedAt),
	}
}
