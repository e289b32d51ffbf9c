package http

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/example/presence-engine/internal/application"
	"github.com/example/presence-engine/internal/policy"
)

type policyService interface {
	GetPolicy(ctx context.Context, principal application.Principal) (policy.Policy, error)
	UpdatePolicy(ctx context.Context, principal application.Principal, input application.PolicyInput) (policy.Policy, error)
	ListSites(ctx context.Context, principal application.Principal) ([]application.Site, error)
	UpsertSite(ctx context.Context, principal application.Principal, input application.SiteInput) (application.Site, error)
	ListHolidays(ctx context.Context, principal application.Principal, year int) ([]policy.Holiday, error)
	AddHoliday(ctx context.Context, principal application.Principal, input application.HolidayInput) (policy.Holiday, error)
	DeleteHoliday(ctx context.Context, principal application.Principal, date string) error
	SyncHolidays(ctx context.Context, principal application.Principal, country string, year int) (application.SyncHolidaysResult, error)
}

// PolicyHandler serves the company settings read models: policy, sites and holidays.
type PolicyHandler struct {
	service   policyService
	responder responder
	logger    *slog.Logger
}

func NewPolicyHandler(service policyService, logger *slog.Logger) *PolicyHandler {
	base := defaultLogger(logger)
	return &PolicyHandler{service: service, responder: newResponder(base), logger: base}
}

func (h *PolicyHandler) log(ctx context.Context, operation string, attrs ...any) *slog.Logger {
	if h == nil {
		return slog.Default()
	}
	return handlerLogger(ctx, h.logger, "PolicyHandler", operation, attrs...)
}

func (h *PolicyHandler) ready(w http.ResponseWriter) bool {
	if h == nil || h.service == nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return false
	}
	return true
}

func (h *PolicyHandler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}

	principal := requestPrincipal(r)
	p, err := h.service.GetPolicy(r.Context(), principal)
	if err != nil {
		h.log(r.Context(), "GetPolicy", "principal_id", principal.UserID).ErrorContext(r.Context(), "policy lookup failed", "error", err, "error_kind", application.ErrorKind(err))
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}

	h.responder.writeJSON(r.Context(), w, http.StatusOK, policyResponse{Policy: toPolicyDTO(p)})
}

func (h *PolicyHandler) UpdatePolicy(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}

	principal := requestPrincipal(r)

	var req policyDTO
	if err := decodeJSON(r, &req); err != nil {
		h.log(r.Context(), "UpdatePolicy", "principal_id", principal.UserID, "error_kind", "bad_request").ErrorContext(r.Context(), "failed to decode policy", "error", err)
		h.responder.writeError(r.Context(), w, http.StatusBadRequest, errBadRequestBody)
		return
	}

	logger := h.log(r.Context(), "UpdatePolicy", "principal_id", principal.UserID)
	p, err := h.service.UpdatePolicy(r.Context(), principal, req.toInput())
	if err != nil {
		logger.ErrorContext(r.Context(), "policy update failed", "error", err, "error_kind", application.ErrorKind(err))
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}

	logger.InfoContext(r.Context(), "policy updated")
	h.responder.writeJSON(r.Context(), w, http.StatusOK, policyResponse{Policy: toPolicyDTO(p)})
}

func (h *PolicyHandler) ListSites(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}

	principal := requestPrincipal(r)
	sites, err := h.service.ListSites(r.Context(), principal)
	if err != nil {
		h.log(r.Context(), "ListSites", "principal_id", principal.UserID).ErrorContext(r.Context(), "site list failed", "error", err, "error_kind", application.ErrorKind(err))
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}

	out := make([]siteDTO, 0, len(sites))
	for _, site := range sites {
		out = append(out, toSiteDTO(site))
	}
	h.responder.writeJSON(r.Context(), w, http.StatusOK, listSitesResponse{Sites: out})
}

// PutSite creates or replaces the site identified by the code in the path.
func (h *PolicyHandler) PutSite(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}

	code := strings.TrimSpace(r.PathValue("code"))
	if code == "" {
		h.responder.writeError(r.Context(), w, http.StatusBadRequest, errMissingPathID)
		return
	}

	principal := requestPrincipal(r)

	var req siteRequest
	if err := decodeJSON(r, &req); err != nil {
		h.log(r.Context(), "PutSite", "principal_id", principal.UserID, "site_code", code, "error_kind", "bad_request").ErrorContext(r.Context(), "failed to decode site", "error", err)
		h.responder.writeError(r.Context(), w, http.StatusBadRequest, errBadRequestBody)
		return
	}

	logger := h.log(r.Context(), "PutSite", "principal_id", principal.UserID, "site_code", code)
	site, err := h.service.UpsertSite(r.Context(), principal, application.SiteInput{
		Code:         code,
		Name:         req.Name,
		City:         req.City,
		Lat:          req.Lat,
		Lng:          req.Lng,
		RadiusMeters: req.RadiusM,
	})
	if err != nil {
		logger.ErrorContext(r.Context(), "site upsert failed", "error", err, "error_kind", application.ErrorKind(err))
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}

	logger.With("site_id", site.ID).InfoContext(r.Context(), "site saved")
	h.responder.writeJSON(r.Context(), w, http.StatusOK, siteResponse{Site: toSiteDTO(site)})
}

func (h *PolicyHandler) ListHolidays(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}

	principal := requestPrincipal(r)

	year := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("year")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			h.responder.writeError(r.Context(), w, http.StatusBadRequest, errInvalidQuery("year"))
			return
		}
		year = parsed
	}

	holidays, err := h.service.ListHolidays(r.Context(), principal, year)
	if err != nil {
		h.log(r.Context(), "ListHolidays", "principal_id", principal.UserID).ErrorContext(r.Context(), "holiday list failed", "error", err, "error_kind", application.ErrorKind(err))
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}

	out := make([]holidayDTO, 0, len(holidays))
	for _, holiday := range holidays {
		out = append(out, toHolidayDTO(holiday))
	}
	h.responder.writeJSON(r.Context(), w, http.StatusOK, listHolidaysResponse{Holidays: out})
}

func (h *PolicyHandler) AddHoliday(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}

	principal := requestPrincipal(r)

	var req holidayRequest
	if err := decodeJSON(r, &req); err != nil {
		h.log(r.Context(), "AddHoliday", "principal_id", principal.UserID, "error_kind", "bad_request").ErrorContext(r.Context(), "failed to decode holiday", "error", err)
		h.responder.writeError(r.Context(), w, http.StatusBadRequest, errBadRequestBody)
		return
	}

	logger := h.log(r.Context(), "AddHoliday", "principal_id", principal.UserID, "date", req.Date)
	holiday, err := h.service.AddHoliday(r.Context(), principal, application.HolidayInput{Date: req.Date, Name: req.Name})
	if err != nil {
		logger.ErrorContext(r.Context(), "holiday creation failed", "error", err, "error_kind", application.ErrorKind(err))
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}

	logger.InfoContext(r.Context(), "holiday added")
	h.responder.writeJSON(r.Context(), w, http.StatusCreated, holidayResponse{Holiday: toHolidayDTO(holiday)})
}

func (h *PolicyHandler) DeleteHoliday(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}

	date := strings.TrimSpace(r.PathValue("date"))
	if date == "" {
		h.responder.writeError(r.Context(), w, http.StatusBadRequest, errMissingPathID)
		return
	}

	principal := requestPrincipal(r)
	logger := h.log(r.Context(), "DeleteHoliday", "principal_id", principal.UserID, "date", date)
	if err := h.service.DeleteHoliday(r.Context(), principal, date); err != nil {
		logger.ErrorContext(r.Context(), "holiday delete failed", "error", err, "error_kind", application.ErrorKind(err))
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}

	logger.InfoContext(r.Context(), "holiday deleted")
	h.responder.writeJSON(r.Context(), w, http.StatusNoContent, nil)
}

// SyncHolidays imports official holidays. The body is optional; the year defaults to the current one.
func (h *PolicyHandler) SyncHolidays(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}

	principal := requestPrincipal(r)

	var req syncHolidaysRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			h.log(r.Context(), "SyncHolidays", "principal_id", principal.UserID, "error_kind", "bad_request").ErrorContext(r.Context(), "failed to decode sync request", "error", err)
			h.responder.writeError(r.Context(), w, http.StatusBadRequest, errBadRequestBody)
			return
		}
	}
	if req.Year == 0 {
		req.Year = time.Now().UTC().Year()
	}

	logger := h.log(r.Context(), "SyncHolidays", "principal_id", principal.UserID, "year", req.Year)
	result, err := h.service.SyncHolidays(r.Context(), principal, req.CountryCode, req.Year)
	if err != nil {
		logger.ErrorContext(r.Context(), "holiday sync failed", "error", err, "error_kind", application.ErrorKind(err))
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}

	logger.With("added", result.Added).InfoContext(r.Context(), "holidays synced")
	h.responder.writeJSON(r.Context(), w, http.StatusOK, syncHolidaysResponse{
		CountryCode: result.CountryCode,
		Year:        result.Year,
		Added:       result.Added,
	})
}

type windowDTO struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

type policyDTO struct {
	CountryCode            string     `json:"country_code"`
	Timezone               string     `json:"timezone"`
	WorkDays               []int      `json:"work_days"`
	Work                   windowDTO  `json:"work"`
	Break                  *windowDTO `json:"break,omitempty"`
	SessionDurationMinutes int        `json:"session_duration_minutes,omitempty"`
}

func (p policyDTO) toInput() application.PolicyInput {
	input := application.PolicyInput{
		CountryCode:     p.CountryCode,
		Timezone:        p.Timezone,
		WorkDays:        p.WorkDays,
		WorkStart:       p.Work.Start,
		WorkEnd:         p.Work.End,
		SessionDuration: time.Duration(p.SessionDurationMinutes) * time.Minute,
	}
	if p.Break != nil {
		input.BreakStart = p.Break.Start
		input.BreakEnd = p.Break.End
	}
	return input
}

func toPolicyDTO(p policy.Policy) policyDTO {
	days := make([]int, 0, len(p.WorkDays))
	for _, day := range p.WorkDays {
		days = append(days, policy.IndexOfWeekday(day))
	}
	dto := policyDTO{
		CountryCode:            p.CountryCode,
		Timezone:               p.Timezone,
		WorkDays:               days,
		Work:                   windowDTO{Start: p.Work.Start.String(), End: p.Work.End.String()},
		SessionDurationMinutes: int(p.SessionDuration / time.Minute),
	}
	if p.Break != nil {
		dto.Break = &windowDTO{Start: p.Break.Start.String(), End: p.Break.End.String()}
	}
	return dto
}

type policyResponse struct {
	Policy policyDTO `json:"policy"`
}

type siteRequest struct {
	Name    string  `json:"name"`
	City    string  `json:"city"`
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	RadiusM float64 `json:"radius_m"`
}

type siteDTO struct {
	ID        string  `json:"id"`
	Code      string  `json:"code"`
	Name      string  `json:"name"`
	City      string  `json:"city,omitempty"`
	Lat       float64 `json:"lat"`
	Lng       float64 `json:"lng"`
	RadiusM   float64 `json:"radius_m"`
	QRPayload string  `json:"qr_payload"`
	UpdatedAt string  `json:"updated_at"`
}

func toSiteDTO(site application.Site) siteDTO {
	return siteDTO{
		ID:        site.ID,
		Code:      site.Code,
		Name:      site.Name,
		City:      site.City,
		Lat:       site.Lat,
		Lng:       site.Lng,
		RadiusM:   site.RadiusMeters,
		QRPayload: application.SiteQRPrefix + site.Code,
		UpdatedAt: formatTime(site.UpdatedAt),
	}
}

type siteResponse struct {
	Site siteDTO `json:"site"`
}

type listSitesResponse struct {
	Sites []siteDTO `json:"sites"`
}

type holidayRequest struct {
	Date string `json:"date"`
	Name string `json:"name"`
}

type holidayDTO struct {
	Date   string `json:"date"`
	Name   string `json:"name"`
	Source string `json:"source"`
}

func toHolidayDTO(holiday policy.Holiday) holidayDTO {
	return holidayDTO{Date: holiday.Date.String(), Name: holiday.Name, Source: string(holiday.Source)}
}

type holidayResponse struct {
	Holiday holidayDTO `json:"holiday"`
}

type listHolidaysResponse struct {
	Holidays []holidayDTO `json:"holidays"`
}

type syncHolidaysRequest struct {
	CountryCode string `json:"country_code"`
	Year        int    `json:"year"`
}

type syncHolidaysResponse struct {
	CountryCode string `json:"country_code"`
	Year        int    `json:"year"`
	Added       int    `json:"added"`
}
