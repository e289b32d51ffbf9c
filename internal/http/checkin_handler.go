package http

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/example/presence-engine/internal/application"
)

type peerTokenService interface {
	Issue(ctx context.Context, principal application.Principal) (application.IssuedPeerToken, error)
}

type presenceService interface {
	StartCheckin(ctx context.Context, params application.StartCheckinParams) (application.CheckinSession, error)
	GetSession(ctx context.Context, principal application.Principal, sessionID string) (application.CheckinSession, error)
	Heartbeat(ctx context.Context, params application.HeartbeatParams) (application.HeartbeatResult, error)
	Complete(ctx context.Context, principal application.Principal, sessionID string) (application.CheckinSession, error)
}

type challengeService interface {
	Issue(ctx context.Context, params application.IssueChallengeParams) (application.Challenge, error)
	Resolve(ctx context.Context, params application.ResolveChallengeParams) (application.Challenge, error)
}

// CheckinHandler serves the peer token, session and challenge endpoints.
type CheckinHandler struct {
	tokens     peerTokenService
	sessions   presenceService
	challenges challengeService
	responder  responder
	logger     *slog.Logger
}

func NewCheckinHandler(tokens peerTokenService, sessions presenceService, challenges challengeService, logger *slog.Logger) *CheckinHandler {
	base := defaultLogger(logger)
	return &CheckinHandler{
		tokens:     tokens,
		sessions:   sessions,
		challenges: challenges,
		responder:  newResponder(base),
		logger:     base,
	}
}

func (h *CheckinHandler) log(ctx context.Context, operation string, attrs ...any) *slog.Logger {
	if h == nil {
		return slog.Default()
	}
	return handlerLogger(ctx, h.logger, "CheckinHandler", operation, attrs...)
}

func (h *CheckinHandler) ready(w http.ResponseWriter) bool {
	if h == nil || h.tokens == nil || h.sessions == nil || h.challenges == nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return false
	}
	return true
}

func (h *CheckinHandler) IssuePeerToken(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}

	principal := requestPrincipal(r)
	logger := h.log(r.Context(), "IssuePeerToken", "principal_id", principal.UserID)

	issued, err := h.tokens.Issue(r.Context(), principal)
	if err != nil {
		logger.ErrorContext(r.Context(), "peer token issue failed", "error", err, "error_kind", application.ErrorKind(err))
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}

	logger.InfoContext(r.Context(), "peer token issued")
	h.responder.writeJSON(r.Context(), w, http.StatusCreated, peerTokenResponse{
		Token:     issued.Token,
		QRPayload: issued.QRPayload,
		ExpiresAt: formatTime(issued.ExpiresAt),
	})
}

func (h *CheckinHandler) Start(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}

	principal := requestPrincipal(r)

	var req startCheckinRequest
	if err := decodeJSON(r, &req); err != nil {
		h.log(r.Context(), "Start", "principal_id", principal.UserID, "error_kind", "bad_request").ErrorContext(r.Context(), "failed to decode check-in request", "error", err)
		h.responder.writeError(r.Context(), w, http.StatusBadRequest, errBadRequestBody)
		return
	}

	logger := h.log(r.Context(), "Start", "principal_id", principal.UserID, "site_code", req.SiteCode)

	session, err := h.sessions.StartCheckin(r.Context(), application.StartCheckinParams{
		Principal:    principal,
		SiteCode:     req.SiteCode,
		PartnerToken: req.PartnerToken,
		Note:         req.Note,
		Geo:          req.Geo.toReading(),
	})
	if err != nil {
		logger.ErrorContext(r.Context(), "check-in failed", "error", err, "error_kind", application.ErrorKind(err))
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}

	logger.With("session_id", session.ID).InfoContext(r.Context(), "check-in started")
	h.responder.writeJSON(r.Context(), w, http.StatusCreated, sessionResponse{Session: toSessionDTO(session)})
}

func (h *CheckinHandler) Get(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}

	sessionID, ok := pathID(r)
	if !ok {
		h.responder.writeError(r.Context(), w, http.StatusBadRequest, errMissingPathID)
		return
	}

	principal := requestPrincipal(r)
	logger := h.log(r.Context(), "Get", "principal_id", principal.UserID, "session_id", sessionID)

	session, err := h.sessions.GetSession(r.Context(), principal, sessionID)
	if err != nil {
		logger.ErrorContext(r.Context(), "session lookup failed", "error", err, "error_kind", application.ErrorKind(err))
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}

	h.responder.writeJSON(r.Context(), w, http.StatusOK, sessionResponse{Session: toSessionDTO(session)})
}

func (h *CheckinHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}

	sessionID, ok := pathID(r)
	if !ok {
		h.responder.writeError(r.Context(), w, http.StatusBadRequest, errMissingPathID)
		return
	}

	principal := requestPrincipal(r)

	var req heartbeatRequest
	if err := decodeJSON(r, &req); err != nil {
		h.log(r.Context(), "Heartbeat", "principal_id", principal.UserID, "session_id", sessionID, "error_kind", "bad_request").ErrorContext(r.Context(), "failed to decode heartbeat", "error", err)
		h.responder.writeError(r.Context(), w, http.StatusBadRequest, errBadRequestBody)
		return
	}

	logger := h.log(r.Context(), "Heartbeat", "principal_id", principal.UserID, "session_id", sessionID)

	result, err := h.sessions.Heartbeat(r.Context(), application.HeartbeatParams{
		Principal: principal,
		SessionID: sessionID,
		Geo:       req.Geo.toReading(),
	})
	if err != nil {
		logger.ErrorContext(r.Context(), "heartbeat rejected", "error", err, "error_kind", application.ErrorKind(err))
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}

	response := heartbeatResponse{
		Status:      string(result.Session.Status),
		DriftMeters: result.DriftMeters,
	}
	if result.Anomaly != nil {
		dto := toAnomalyDTO(*result.Anomaly)
		response.Anomaly = &dto
	}
	h.responder.writeJSON(r.Context(), w, http.StatusOK, response)
}

func (h *CheckinHandler) Complete(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}

	sessionID, ok := pathID(r)
	if !ok {
		h.responder.writeError(r.Context(), w, http.StatusBadRequest, errMissingPathID)
		return
	}

	principal := requestPrincipal(r)
	logger := h.log(r.Context(), "Complete", "principal_id", principal.UserID, "session_id", sessionID)

	session, err := h.sessions.Complete(r.Context(), principal, sessionID)
	if err != nil {
		logger.ErrorContext(r.Context(), "session completion failed", "error", err, "error_kind", application.ErrorKind(err))
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}

	logger.InfoContext(r.Context(), "session completed")
	h.responder.writeJSON(r.Context(), w, http.StatusOK, sessionResponse{Session: toSessionDTO(session)})
}

func (h *CheckinHandler) IssueChallenge(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}

	sessionID, ok := pathID(r)
	if !ok {
		h.responder.writeError(r.Context(), w, http.StatusBadRequest, errMissingPathID)
		return
	}

	principal := requestPrincipal(r)

	var req issueChallengeRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			h.log(r.Context(), "IssueChallenge", "principal_id", principal.UserID, "session_id", sessionID, "error_kind", "bad_request").ErrorContext(r.Context(), "failed to decode challenge request", "error", err)
			h.responder.writeError(r.Context(), w, http.StatusBadRequest, errBadRequestBody)
			return
		}
	}

	logger := h.log(r.Context(), "IssueChallenge", "principal_id", principal.UserID, "session_id", sessionID)

	challenge, err := h.challenges.Issue(r.Context(), application.IssueChallengeParams{
		Principal: principal,
		SessionID: sessionID,
		TTL:       time.Duration(req.TTLSeconds) * time.Second,
	})
	if err != nil {
		logger.ErrorContext(r.Context(), "challenge issue failed", "error", err, "error_kind", application.ErrorKind(err))
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}

	logger.With("challenge_id", challenge.ID).InfoContext(r.Context(), "challenge issued")
	h.responder.writeJSON(r.Context(), w, http.StatusCreated, challengeResponse{Challenge: toChallengeDTO(challenge)})
}

func (h *CheckinHandler) ResolveChallenge(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}

	challengeID, ok := pathID(r)
	if !ok {
		h.responder.writeError(r.Context(), w, http.StatusBadRequest, errMissingPathID)
		return
	}

	principal := requestPrincipal(r)

	var req resolveChallengeRequest
	if err := decodeJSON(r, &req); err != nil || req.Passed == nil {
		h.log(r.Context(), "ResolveChallenge", "principal_id", principal.UserID, "challenge_id", challengeID, "error_kind", "bad_request").ErrorContext(r.Context(), "failed to decode challenge outcome", "error", err)
		h.responder.writeError(r.Context(), w, http.StatusBadRequest, errBadRequestBody)
		return
	}

	logger := h.log(r.Context(), "ResolveChallenge", "principal_id", principal.UserID, "challenge_id", challengeID)

	challenge, err := h.challenges.Resolve(r.Context(), application.ResolveChallengeParams{
		Principal:   principal,
		ChallengeID: challengeID,
		Passed:      *req.Passed,
	})
	if err != nil {
		logger.ErrorContext(r.Context(), "challenge resolution failed", "error", err, "error_kind", application.ErrorKind(err))
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}

	logger.With("status", challenge.Status).InfoContext(r.Context(), "challenge resolved")
	h.responder.writeJSON(r.Context(), w, http.StatusOK, challengeResponse{Challenge: toChallengeDTO(challenge)})
}

func pathID(r *http.Request) (string, bool) {
	id := strings.TrimSpace(r.PathValue("id"))
	return id, id != ""
}

type geoDTO struct {
	Lat       float64 `json:"lat"`
	Lng       float64 `json:"lng"`
	AccuracyM float64 `json:"accuracy_m"`
}

func (g geoDTO) toReading() application.GeoReading {
	return application.GeoReading{Lat: g.Lat, Lng: g.Lng, AccuracyMeters: g.AccuracyM}
}

type startCheckinRequest struct {
	SiteCode     string `json:"site_code"`
	PartnerToken string `json:"partner_token"`
	Note         string `json:"note"`
	Geo          geoDTO `json:"geo"`
}

type heartbeatRequest struct {
	Geo geoDTO `json:"geo"`
}

type issueChallengeRequest struct {
	TTLSeconds int `json:"ttl_seconds"`
}

type resolveChallengeRequest struct {
	Passed *bool `json:"passed"`
}

type peerTokenResponse struct {
	Token     string `json:"token"`
	QRPayload string `json:"qr_payload"`
	ExpiresAt string `json:"expires_at"`
}

type sessionResponse struct {
	Session sessionDTO `json:"session"`
}

type sessionDTO struct {
	ID              string  `json:"id"`
	SiteID          string  `json:"site_id"`
	AgentAID        string  `json:"agent_a_id"`
	AgentBID        string  `json:"agent_b_id"`
	Status          string  `json:"status"`
	Note            string  `json:"note,omitempty"`
	StartedAt       string  `json:"started_at"`
	ExpectedEndAt   string  `json:"expected_end_at"`
	LastHeartbeatAt string  `json:"last_heartbeat_at"`
	LastLocation    geoDTO  `json:"last_location"`
	EndedAt         *string `json:"ended_at,omitempty"`
}

func toSessionDTO(session application.CheckinSession) sessionDTO {
	return sessionDTO{
		ID:              session.ID,
		SiteID:          session.SiteID,
		AgentAID:        session.AgentAID,
		AgentBID:        session.AgentBID,
		Status:          string(session.Status),
		Note:            session.Note,
		StartedAt:       formatTime(session.StartedAt),
		ExpectedEndAt:   formatTime(session.ExpectedEndAt),
		LastHeartbeatAt: formatTime(session.LastHeartbeatAt),
		LastLocation: geoDTO{
			Lat:       session.LastLocation.Lat,
			Lng:       session.LastLocation.Lng,
			AccuracyM: session.LastLocation.AccuracyMeters,
		},
		EndedAt: formatOptionalTime(session.EndedAt),
	}
}

type heartbeatResponse struct {
	Status      string      `json:"status"`
	DriftMeters float64     `json:"drift_meters"`
	Anomaly     *anomalyDTO `json:"anomaly,omitempty"`
}

type challengeResponse struct {
	Challenge challengeDTO `json:"challenge"`
}

type challengeDTO struct {
	ID         string  `json:"id"`
	SessionID  string  `json:"session_id"`
	Status     string  `json:"status"`
	IssuedAt   string  `json:"issued_at"`
	ExpiresAt  string  `json:"expires_at"`
	ResolvedAt *string `json:"resolved_at,omitempty"`
}

func toChallengeDTO(challenge application.Challenge) challengeDTO {
	return challengeDTO{
		ID:         challenge.ID,
		SessionID:  challenge.SessionID,
		Status:     string(challenge.Status),
		IssuedAt:   formatTime(challenge.IssuedAt),
		ExpiresAt:  formatTime(challenge.ExpiresAt),
		ResolvedAt: formatOptionalTime(challenge.ResolvedAt),
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatOptionalTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	formatted := formatTime(*t)
	return &formatted
}
