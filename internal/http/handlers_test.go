package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/example/presence-engine/internal/application"
	"github.com/example/presence-engine/internal/policy"
)

var fixedTime = time.Date(2025, 5, 5, 9, 0, 0, 0, time.UTC)

type peerTokenStub struct {
	issued application.IssuedPeerToken
	err    error
}

func (s *peerTokenStub) Issue(ctx context.Context, principal application.Principal) (application.IssuedPeerToken, error) {
	return s.issued, s.err
}

type presenceStub struct {
	startParams     application.StartCheckinParams
	heartbeatParams application.HeartbeatParams
	session         application.CheckinSession
	heartbeat       application.HeartbeatResult
	err             error
}

func (s *presenceStub) StartCheckin(ctx context.Context, params application.StartCheckinParams) (application.CheckinSession, error) {
	s.startParams = params
	return s.session, s.err
}

func (s *presenceStub) GetSession(ctx context.Context, principal application.Principal, sessionID string) (application.CheckinSession, error) {
	if s.err != nil {
		return application.CheckinSession{}, s.err
	}
	session := s.session
	session.ID = sessionID
	return session, nil
}

func (s *presenceStub) Heartbeat(ctx context.Context, params application.HeartbeatParams) (application.HeartbeatResult, error) {
	s.heartbeatParams = params
	return s.heartbeat, s.err
}

func (s *presenceStub) Complete(ctx context.Context, principal application.Principal, sessionID string) (application.CheckinSession, error) {
	return s.session, s.err
}

type challengeStub struct {
	issueParams   application.IssueChallengeParams
	resolveParams application.ResolveChallengeParams
	challenge     application.Challenge
	err           error
}

func (s *challengeStub) Issue(ctx context.Context, params application.IssueChallengeParams) (application.Challenge, error) {
	s.issueParams = params
	return s.challenge, s.err
}

func (s *challengeStub) Resolve(ctx context.Context, params application.ResolveChallengeParams) (application.Challenge, error) {
	s.resolveParams = params
	return s.challenge, s.err
}

type anomalyStub struct {
	params    application.ListAnomaliesParams
	anomalies []application.Anomaly
	err       error
}

func (s *anomalyStub) ListAnomalies(ctx context.Context, params application.ListAnomaliesParams) ([]application.Anomaly, error) {
	s.params = params
	return s.anomalies, s.err
}

func (s *anomalyStub) ResolveAnomaly(ctx context.Context, principal application.Principal, anomalyID string) (application.Anomaly, error) {
	if s.err != nil {
		return application.Anomaly{}, s.err
	}
	return application.Anomaly{ID: anomalyID, Resolved: true, DetectedAt: fixedTime}, nil
}

type policyStub struct {
	policy    policy.Policy
	siteInput application.SiteInput
	deleted   string
	syncYear  int
	err       error
}

func (s *policyStub) GetPolicy(ctx context.Context, principal application.Principal) (policy.Policy, error) {
	return s.policy, s.err
}

func (s *policyStub) UpdatePolicy(ctx context.Context, principal application.Principal, input application.PolicyInput) (policy.Policy, error) {
	return s.policy, s.err
}

func (s *policyStub) ListSites(ctx context.Context, principal application.Principal) ([]application.Site, error) {
	return nil, s.err
}

func (s *policyStub) UpsertSite(ctx context.Context, principal application.Principal, input application.SiteInput) (application.Site, error) {
	s.siteInput = input
	if s.err != nil {
		return application.Site{}, s.err
	}
	return application.Site{ID: "site-1", Code: input.Code, Name: input.Name, RadiusMeters: input.RadiusMeters}, nil
}

func (s *policyStub) ListHolidays(ctx context.Context, principal application.Principal, year int) ([]policy.Holiday, error) {
	return []policy.Holiday{{Date: policy.Date{Year: 2025, Month: time.August, Day: 1}, Name: "Independence Day", Source: policy.HolidaySourceOfficial}}, s.err
}

func (s *policyStub) AddHoliday(ctx context.Context, principal application.Principal, input application.HolidayInput) (policy.Holiday, error) {
	return policy.Holiday{}, s.err
}

func (s *policyStub) DeleteHoliday(ctx context.Context, principal application.Principal, date string) error {
	s.deleted = date
	return s.err
}

func (s *policyStub) SyncHolidays(ctx context.Context, principal application.Principal, country string, year int) (application.SyncHolidaysResult, error) {
	s.syncYear = year
	return application.SyncHolidaysResult{CountryCode: "BJ", Year: year, Added: 3}, s.err
}

type routerFixture struct {
	tokens     *peerTokenStub
	presence   *presenceStub
	challenges *challengeStub
	anomalies  *anomalyStub
	policies   *policyStub
	health     error
	handler    http.Handler
}

func newRouterFixture() *routerFixture {
	f := &routerFixture{
		tokens:     &peerTokenStub{},
		presence:   &presenceStub{},
		challenges: &challengeStub{},
		anomalies:  &anomalyStub{},
		policies:   &policyStub{},
	}
	logger := discardLogger()
	f.handler = NewRouter(RouterConfig{
		Checkins:  NewCheckinHandler(f.tokens, f.presence, f.challenges, logger),
		Anomalies: NewAnomalyHandler(f.anomalies, logger),
		Policies:  NewPolicyHandler(f.policies, logger),
		Health:    func(ctx context.Context) error { return f.health },
		Logger:    logger,
	})
	return f
}

func (f *routerFixture) do(method, path, body, role string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	if role != "" {
		req.Header.Set(HeaderUserID, "user-1")
		req.Header.Set(HeaderCompanyID, "co-1")
		req.Header.Set(HeaderUserRole, role)
	}
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, req)
	return recorder
}

func decodeBody[T any](t *testing.T, recorder *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(recorder.Body.Bytes(), &out); err != nil {
		t.Fatalf("expected JSON body, got %q: %v", recorder.Body.String(), err)
	}
	return out
}

func TestCheckinHandlers(t *testing.T) {
	t.Parallel()

	t.Run("issue peer token returns the QR payload", func(t *testing.T) {
		t.Parallel()
		f := newRouterFixture()
		f.tokens.issued = application.IssuedPeerToken{Token: "tok", QRPayload: "PEER:tok", ExpiresAt: fixedTime}

		rec := f.do(http.MethodPost, "/peer-tokens", "", "agent")
		if rec.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d", rec.Code)
		}
		body := decodeBody[peerTokenResponse](t, rec)
		if body.QRPayload != "PEER:tok" || body.ExpiresAt != "2025-05-05T09:00:00Z" {
			t.Fatalf("unexpected body %+v", body)
		}
	})

	t.Run("start forwards the request and returns 201", func(t *testing.T) {
		t.Parallel()
		f := newRouterFixture()
		f.presence.session = application.CheckinSession{ID: "s-1", Status: application.SessionActive, StartedAt: fixedTime}

		rec := f.do(http.MethodPost, "/checkins",
			`{"site_code":"SITE:HQ","partner_token":"PEER:tok","note":"morning","geo":{"lat":6.36,"lng":2.41,"accuracy_m":9}}`, "agent")
		if rec.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", rec.Code, rec.Body.String())
		}
		params := f.presence.startParams
		if params.Principal.UserID != "user-1" || params.SiteCode != "SITE:HQ" || params.PartnerToken != "PEER:tok" {
			t.Fatalf("unexpected params %+v", params)
		}
		if params.Geo.AccuracyMeters != 9 || params.Geo.Lat != 6.36 {
			t.Fatalf("unexpected geo %+v", params.Geo)
		}
		body := decodeBody[sessionResponse](t, rec)
		if body.Session.ID != "s-1" || body.Session.Status != "ACTIVE" {
			t.Fatalf("unexpected session %+v", body.Session)
		}
	})

	t.Run("start rejects malformed bodies", func(t *testing.T) {
		t.Parallel()
		f := newRouterFixture()

		rec := f.do(http.MethodPost, "/checkins", `{"site_code":`, "agent")
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected status 400, got %d", rec.Code)
		}
	})

	t.Run("heartbeat acknowledges with status and drift", func(t *testing.T) {
		t.Parallel()
		f := newRouterFixture()
		f.presence.heartbeat = application.HeartbeatResult{
			Session:     application.CheckinSession{Status: application.SessionActive},
			DriftMeters: 260,
			Anomaly:     &application.Anomaly{ID: "a-1", Type: application.AnomalyGeoDrift, Severity: 1, DetectedAt: fixedTime},
		}

		rec := f.do(http.MethodPost, "/checkins/s-9/heartbeat", `{"geo":{"lat":1,"lng":2,"accuracy_m":5}}`, "agent")
		if rec.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rec.Code)
		}
		if f.presence.heartbeatParams.SessionID != "s-9" {
			t.Fatalf("expected session id from the path, got %q", f.presence.heartbeatParams.SessionID)
		}
		body := decodeBody[heartbeatResponse](t, rec)
		if body.Status != "ACTIVE" || body.DriftMeters != 260 || body.Anomaly == nil || body.Anomaly.Type != "GEO_DRIFT" {
			t.Fatalf("unexpected ack %+v", body)
		}
	})

	t.Run("get uses the path id", func(t *testing.T) {
		t.Parallel()
		f := newRouterFixture()

		rec := f.do(http.MethodGet, "/checkins/s-42", "", "admin")
		if rec.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rec.Code)
		}
		if body := decodeBody[sessionResponse](t, rec); body.Session.ID != "s-42" {
			t.Fatalf("expected session s-42, got %q", body.Session.ID)
		}
	})

	t.Run("issue challenge converts ttl seconds", func(t *testing.T) {
		t.Parallel()
		f := newRouterFixture()
		f.challenges.challenge = application.Challenge{ID: "c-1", Status: application.ChallengePending}

		rec := f.do(http.MethodPost, "/checkins/s-1/challenges", `{"ttl_seconds":45}`, "admin")
		if rec.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d", rec.Code)
		}
		if f.challenges.issueParams.TTL != 45*time.Second || f.challenges.issueParams.SessionID != "s-1" {
			t.Fatalf("unexpected params %+v", f.challenges.issueParams)
		}
	})

	t.Run("issue challenge accepts an empty body", func(t *testing.T) {
		t.Parallel()
		f := newRouterFixture()

		rec := f.do(http.MethodPost, "/checkins/s-1/challenges", "", "admin")
		if rec.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d", rec.Code)
		}
		if f.challenges.issueParams.TTL != 0 {
			t.Fatalf("expected default ttl, got %s", f.challenges.issueParams.TTL)
		}
	})

	t.Run("resolve requires the passed flag", func(t *testing.T) {
		t.Parallel()
		f := newRouterFixture()

		if rec := f.do(http.MethodPost, "/challenges/c-1/resolve", `{}`, "agent"); rec.Code != http.StatusBadRequest {
			t.Fatalf("expected status 400, got %d", rec.Code)
		}
		rec := f.do(http.MethodPost, "/challenges/c-1/resolve", `{"passed":false}`, "agent")
		if rec.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rec.Code)
		}
		if f.challenges.resolveParams.Passed || f.challenges.resolveParams.ChallengeID != "c-1" {
			t.Fatalf("unexpected params %+v", f.challenges.resolveParams)
		}
	})

	t.Run("wrong method is rejected", func(t *testing.T) {
		t.Parallel()
		f := newRouterFixture()

		rec := f.do(http.MethodDelete, "/checkins/s-1", "", "agent")
		if rec.Code != http.StatusMethodNotAllowed {
			t.Fatalf("expected status 405, got %d", rec.Code)
		}
	})

	t.Run("requests without identity are rejected", func(t *testing.T) {
		t.Parallel()
		f := newRouterFixture()

		rec := f.do(http.MethodPost, "/peer-tokens", "", "")
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("expected status 401, got %d", rec.Code)
		}
	})
}

func TestServiceErrorMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{name: "policy violation", err: &application.PolicyViolationError{Reason: policy.ReasonHoliday}, wantStatus: http.StatusUnprocessableEntity, wantCode: "POLICY_VIOLATION"},
		{name: "geofence violation", err: fmt.Errorf("wrapped: %w", &application.GeofenceViolationError{DistanceMeters: 250, RadiusMeters: 200}), wantStatus: http.StatusUnprocessableEntity, wantCode: "GEOFENCE_VIOLATION"},
		{name: "token invalid", err: application.ErrTokenInvalid, wantStatus: http.StatusConflict, wantCode: "TOKEN_INVALID"},
		{name: "conflicting session", err: fmt.Errorf("%w: agent busy", application.ErrConflictingSession), wantStatus: http.StatusConflict, wantCode: "CONFLICTING_SESSION"},
		{name: "invalid state", err: application.ErrInvalidState, wantStatus: http.StatusConflict, wantCode: "INVALID_STATE"},
		{name: "session expired", err: application.ErrSessionExpired, wantStatus: http.StatusConflict, wantCode: "SESSION_EXPIRED"},
		{name: "validation", err: &application.ValidationError{FieldErrors: map[string]string{"site_code": "site code is required"}}, wantStatus: http.StatusUnprocessableEntity, wantCode: "VALIDATION_FAILED"},
		{name: "unauthorized", err: application.ErrUnauthorized, wantStatus: http.StatusForbidden, wantCode: "FORBIDDEN"},
		{name: "not found", err: application.ErrNotFound, wantStatus: http.StatusNotFound, wantCode: "NOT_FOUND"},
		{name: "store timeout", err: application.ErrStoreTimeout, wantStatus: http.StatusServiceUnavailable, wantCode: "STORE_TIMEOUT"},
		{name: "unknown", err: errors.New("boom"), wantStatus: http.StatusInternalServerError},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f := newRouterFixture()
			f.presence.err = tc.err

			rec := f.do(http.MethodPost, "/checkins", `{"site_code":"HQ"}`, "agent")
			if rec.Code != tc.wantStatus {
				t.Fatalf("expected status %d, got %d", tc.wantStatus, rec.Code)
			}
			body := decodeBody[errorResponse](t, rec)
			if body.ErrorCode != tc.wantCode {
				t.Fatalf("expected error code %q, got %q", tc.wantCode, body.ErrorCode)
			}
			if body.Message == "" {
				t.Fatal("expected a message")
			}
		})
	}

	t.Run("geofence failures report the distance", func(t *testing.T) {
		t.Parallel()
		f := newRouterFixture()
		f.presence.err = &application.GeofenceViolationError{DistanceMeters: 250, RadiusMeters: 200}

		body := decodeBody[errorResponse](t, f.do(http.MethodPost, "/checkins", `{}`, "agent"))
		if body.DistanceMeters == nil || *body.DistanceMeters != 250 || *body.RadiusMeters != 200 {
			t.Fatalf("unexpected geofence details %+v", body)
		}
	})

	t.Run("validation failures list fields", func(t *testing.T) {
		t.Parallel()
		f := newRouterFixture()
		f.presence.err = &application.ValidationError{FieldErrors: map[string]string{"geo.lat": "latitude out of range"}}

		body := decodeBody[errorResponse](t, f.do(http.MethodPost, "/checkins", `{}`, "agent"))
		if body.Errors["geo.lat"] != "latitude out of range" {
			t.Fatalf("unexpected field errors %+v", body.Errors)
		}
	})
}

func TestAnomalyHandlers(t *testing.T) {
	t.Parallel()

	t.Run("list parses query parameters", func(t *testing.T) {
		t.Parallel()
		f := newRouterFixture()
		f.anomalies.anomalies = []application.Anomaly{{ID: "a-1", Type: application.AnomalyHeartbeatSilence, Severity: 2, DetectedAt: fixedTime}}

		rec := f.do(http.MethodGet, "/anomalies?open=true&session_id=s-1&limit=10", "", "admin")
		if rec.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rec.Code)
		}
		params := f.anomalies.params
		if !params.OpenOnly || params.SessionID != "s-1" || params.Limit != 10 {
			t.Fatalf("unexpected params %+v", params)
		}
		body := decodeBody[listAnomaliesResponse](t, rec)
		if len(body.Anomalies) != 1 || body.Anomalies[0].Type != "HEARTBEAT_SILENCE" {
			t.Fatalf("unexpected anomalies %+v", body.Anomalies)
		}
	})

	t.Run("list rejects malformed flags", func(t *testing.T) {
		t.Parallel()
		f := newRouterFixture()

		if rec := f.do(http.MethodGet, "/anomalies?open=maybe", "", "admin"); rec.Code != http.StatusBadRequest {
			t.Fatalf("expected status 400, got %d", rec.Code)
		}
	})

	t.Run("resolve maps forbidden callers", func(t *testing.T) {
		t.Parallel()
		f := newRouterFixture()
		f.anomalies.err = application.ErrUnauthorized

		if rec := f.do(http.MethodPost, "/anomalies/a-1/resolve", "", "agent"); rec.Code != http.StatusForbidden {
			t.Fatalf("expected status 403, got %d", rec.Code)
		}
	})
}

func TestPolicyHandlers(t *testing.T) {
	t.Parallel()

	t.Run("policy is rendered with monday based work days", func(t *testing.T) {
		t.Parallel()
		f := newRouterFixture()
		f.policies.policy = policy.Policy{
			CountryCode: "BJ",
			Timezone:    "UTC",
			WorkDays:    []time.Weekday{time.Monday, time.Friday},
			Work:        policy.Window{Start: policy.NewClockTime(8, 0), End: policy.NewClockTime(18, 0)},
		}

		rec := f.do(http.MethodGet, "/policy", "", "agent")
		if rec.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rec.Code)
		}
		body := decodeBody[policyResponse](t, rec)
		if len(body.Policy.WorkDays) != 2 || body.Policy.WorkDays[0] != 0 || body.Policy.WorkDays[1] != 4 {
			t.Fatalf("unexpected work days %v", body.Policy.WorkDays)
		}
		if body.Policy.Work.Start != "08:00" || body.Policy.Break != nil {
			t.Fatalf("unexpected windows %+v", body.Policy)
		}
	})

	t.Run("site code comes from the path", func(t *testing.T) {
		t.Parallel()
		f := newRouterFixture()

		rec := f.do(http.MethodPut, "/sites/HQ", `{"name":"Head office","lat":6.36,"lng":2.41,"radius_m":150}`, "admin")
		if rec.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rec.Code)
		}
		if f.policies.siteInput.Code != "HQ" || f.policies.siteInput.RadiusMeters != 150 {
			t.Fatalf("unexpected input %+v", f.policies.siteInput)
		}
		if body := decodeBody[siteResponse](t, rec); body.Site.QRPayload != "SITE:HQ" {
			t.Fatalf("expected site QR payload, got %q", body.Site.QRPayload)
		}
	})

	t.Run("holidays list and delete", func(t *testing.T) {
		t.Parallel()
		f := newRouterFixture()

		rec := f.do(http.MethodGet, "/holidays?year=2025", "", "agent")
		if rec.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rec.Code)
		}
		if body := decodeBody[listHolidaysResponse](t, rec); len(body.Holidays) != 1 || body.Holidays[0].Date != "2025-08-01" {
			t.Fatalf("unexpected holidays %+v", body.Holidays)
		}

		rec = f.do(http.MethodDelete, "/holidays/2025-08-01", "", "admin")
		if rec.Code != http.StatusNoContent {
			t.Fatalf("expected status 204, got %d", rec.Code)
		}
		if f.policies.deleted != "2025-08-01" {
			t.Fatalf("expected the path date, got %q", f.policies.deleted)
		}
	})

	t.Run("sync reports added holidays", func(t *testing.T) {
		t.Parallel()
		f := newRouterFixture()

		rec := f.do(http.MethodPost, "/holidays/sync", `{"country_code":"BJ","year":2025}`, "admin")
		if rec.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rec.Code)
		}
		if body := decodeBody[syncHolidaysResponse](t, rec); body.Added != 3 || body.Year != 2025 {
			t.Fatalf("unexpected sync result %+v", body)
		}
	})

	t.Run("sync upstream failures map to bad gateway", func(t *testing.T) {
		t.Parallel()
		f := newRouterFixture()
		f.policies.err = fmt.Errorf("%w: nager down", application.ErrUnavailable)

		if rec := f.do(http.MethodPost, "/holidays/sync", "", "admin"); rec.Code != http.StatusBadGateway {
			t.Fatalf("expected status 502, got %d", rec.Code)
		}
	})
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	f := newRouterFixture()
	if rec := f.do(http.MethodGet, "/healthz", "", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 without identity, got %d", rec.Code)
	}

	f.health = errors.New("database closed")
	if rec := f.do(http.MethodGet, "/healthz", "", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rec.Code)
	}
}
