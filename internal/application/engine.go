package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/example/presence-engine/internal/geofence"
	"github.com/example/presence-engine/internal/persistence"
	"github.com/example/presence-engine/internal/policy"
)

const (
	// DefaultDriftThresholdMeters is how far past the site radius a heartbeat may drift before
	// a GEO_DRIFT anomaly is raised.
	DefaultDriftThresholdMeters = 200.0
	// MinChallengeTTL and MaxChallengeTTL bound the lifetime of a challenge.
	MinChallengeTTL = 5 * time.Second
	MaxChallengeTTL = 10 * time.Minute

	maxNoteLength = 500
)

// EngineConfig holds the timing and threshold parameters of the presence engine.
type EngineConfig struct {
	// SessionDuration applies when the company policy has no session duration.
	SessionDuration time.Duration
	// SessionGrace is how long past its expected end a session still accepts heartbeats.
	SessionGrace time.Duration
	// SilenceWindow is the heartbeat gap that raises HEARTBEAT_SILENCE.
	SilenceWindow time.Duration
	// SilenceFlagAfter is the gap that moves the session to ANOMALY_FLAGGED. Zero disables it.
	SilenceFlagAfter time.Duration
	// DriftThresholdMeters is the drift past the radius that raises GEO_DRIFT.
	DriftThresholdMeters float64
	// DriftTerminateMeters flags the session when reached. Zero disables it.
	DriftTerminateMeters float64
	// MaxChallengeFailures flags the session once this many challenges failed. Zero disables it.
	MaxChallengeFailures int
	// ChallengeTTL applies when a challenge is issued without a TTL.
	ChallengeTTL time.Duration
	StoreTimeout time.Duration
	// AnomalyDebounce suppresses repeats per (session, type). Zero selects the default and a
	// negative value disables it.
	AnomalyDebounce time.Duration
	// SweepBatchSize bounds the records a single sweep pass examines.
	SweepBatchSize int
}

// DefaultEngineConfig returns the production defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		SessionDuration:      8 * time.Hour,
		SessionGrace:         15 * time.Minute,
		SilenceWindow:        5 * time.Minute,
		SilenceFlagAfter:     20 * time.Minute,
		DriftThresholdMeters: DefaultDriftThresholdMeters,
		MaxChallengeFailures: 3,
		ChallengeTTL:         20 * time.Second,
		StoreTimeout:         defaultStoreTimeout,
		AnomalyDebounce:      DefaultAnomalyDebounce,
		SweepBatchSize:       200,
	}
}

func (c EngineConfig) withDefaults() EngineConfig {
	d := DefaultEngineConfig()
	if c.SessionDuration <= 0 {
		c.SessionDuration = d.SessionDuration
	}
	if c.SessionGrace < 0 {
		c.SessionGrace = 0
	}
	if c.SilenceWindow <= 0 {
		c.SilenceWindow = d.SilenceWindow
	}
	if c.DriftThresholdMeters <= 0 {
		c.DriftThresholdMeters = d.DriftThresholdMeters
	}
	if c.ChallengeTTL <= 0 {
		c.ChallengeTTL = d.ChallengeTTL
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = d.StoreTimeout
	}
	if c.SweepBatchSize <= 0 {
		c.SweepBatchSize = d.SweepBatchSize
	}
	return c
}

// PolicySource supplies company policy snapshots.
type PolicySource interface {
	Snapshot(ctx context.Context, companyID string) (policy.Policy, error)
}

// PeerTokenConsumer claims a partner token and returns its owner.
type PeerTokenConsumer interface {
	Consume(ctx context.Context, companyID, consumerID, token string) (string, error)
}

// EngineDeps lists the collaborators of the presence engine.
type EngineDeps struct {
	Sessions    persistence.SessionRepository
	Sites       persistence.SiteRepository
	Policies    PolicySource
	Tokens      PeerTokenConsumer
	Config      EngineConfig
	IDGenerator func() string
	Now         func() time.Time
	Logger      *slog.Logger
}

// PresenceEngine runs the check-in session state machine: it opens sessions after the policy,
// geofence and peer token checks, records heartbeats, completes sessions and sweeps stale or
// silent ones. Work on one session or agent is serialised; unrelated keys proceed in parallel.
type PresenceEngine struct {
	sessions    persistence.SessionRepository
	sites       persistence.SiteRepository
	policies    PolicySource
	tokens      PeerTokenConsumer
	emitter     *AnomalyEmitter
	challenges  *ChallengeCoordinator
	locks       *keyedMutex
	staleSweep  sweepCursor
	silentSweep sweepCursor
	cfg         EngineConfig
	idGenerator func() string
	now         func() time.Time
	logger      *slog.Logger
}

// NewPresenceEngine constructs the engine and its challenge coordinator.
func NewPresenceEngine(deps EngineDeps) *PresenceEngine {
	idGenerator := deps.IDGenerator
	if idGenerator == nil {
		idGenerator = func() string { return "" }
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	cfg := deps.Config.withDefaults()
	engine := &PresenceEngine{
		sessions:    deps.Sessions,
		sites:       deps.Sites,
		policies:    deps.Policies,
		tokens:      deps.Tokens,
		emitter:     NewAnomalyEmitter(cfg.AnomalyDebounce, idGenerator),
		locks:       newKeyedMutex(),
		cfg:         cfg,
		idGenerator: idGenerator,
		now:         now,
		logger:      defaultLogger(deps.Logger),
	}
	engine.challenges = &ChallengeCoordinator{engine: engine}
	return engine
}

// Challenges returns the coordinator that shares this engine's store and locks.
func (e *PresenceEngine) Challenges() *ChallengeCoordinator {
	if e == nil {
		return nil
	}
	return e.challenges
}

func (e *PresenceEngine) loggerWith(ctx context.Context, operation string, attrs ...any) *slog.Logger {
	return serviceLogger(ctx, e.logger, "PresenceEngine", operation, attrs...)
}

func (e *PresenceEngine) store(ctx context.Context, fn func(ctx context.Context) error) error {
	return withStoreTimeout(ctx, e.cfg.StoreTimeout, fn)
}

func (e *PresenceEngine) withinTx(ctx context.Context, fn func(tx persistence.SessionTx) error) error {
	return e.store(ctx, func(ctx context.Context) error {
		return e.sessions.WithinTx(ctx, fn)
	})
}

// StartCheckin opens a session for the caller (agent A) and the partner whose peer token was
// scanned (agent B). Policy, geofence and token failures are reported to the caller; no anomaly
// is recorded for them.
func (e *PresenceEngine) StartCheckin(ctx context.Context, params StartCheckinParams) (session CheckinSession, err error) {
	if e == nil {
		err = fmt.Errorf("PresenceEngine is nil")
		return
	}

	principal := params.Principal
	siteCode := normalizeSiteCode(params.SiteCode)
	logger := e.loggerWith(ctx, "StartCheckin",
		"principal_id", principal.UserID,
		"company_id", principal.CompanyID,
		"site_code", siteCode,
	)
	defer func() {
		if err != nil {
			logger.ErrorContext(ctx, "failed to start check-in", "error", err, "error_kind", ErrorKind(err))
			return
		}
		logger.With("session_id", session.ID, "partner_id", session.AgentBID).InfoContext(ctx, "check-in started")
	}()

	if principal.UserID == "" || principal.CompanyID == "" {
		err = ErrUnauthorized
		return
	}
	if e.sessions == nil || e.sites == nil || e.policies == nil || e.tokens == nil {
		err = fmt.Errorf("presence engine not fully configured")
		return
	}

	vErr := &ValidationError{}
	if siteCode == "" {
		vErr.add("site_code", "site code is required")
	}
	if strings.TrimSpace(params.PartnerToken) == "" {
		vErr.add("partner_token", "partner token is required")
	}
	if len(params.Note) > maxNoteLength {
		vErr.add("note", fmt.Sprintf("note cannot exceed %d characters", maxNoteLength))
	}
	vErr.merge(validateGeo(params.Geo))
	if vErr.HasErrors() {
		err = vErr
		return
	}

	release, lockErr := e.locks.Lock(ctx, agentKey(principal.CompanyID, principal.UserID))
	if lockErr != nil {
		err = fmt.Errorf("%w: %v", ErrStoreTimeout, lockErr)
		return
	}
	defer release()

	now := e.now().UTC()

	snapshot, snapErr := e.policies.Snapshot(ctx, principal.CompanyID)
	switch {
	case errors.Is(snapErr, ErrNotFound):
		err = &PolicyViolationError{Reason: policy.ReasonInvalidPolicy}
		return
	case snapErr != nil:
		err = snapErr
		return
	}
	if decision := policy.Evaluate(snapshot, now); !decision.Allowed {
		err = &PolicyViolationError{Reason: decision.Reason}
		return
	}

	var site persistence.Site
	err = e.store(ctx, func(ctx context.Context) error {
		var siteErr error
		site, siteErr = e.sites.GetSiteByCode(ctx, principal.CompanyID, siteCode)
		return siteErr
	})
	if err != nil {
		err = mapStoreError(err)
		return
	}

	measurement := geofence.Measure(siteFence(site), geoPoint(params.Geo))
	if !measurement.Within {
		err = &GeofenceViolationError{DistanceMeters: measurement.DistanceMeters, RadiusMeters: site.RadiusMeters}
		return
	}

	// Refuse before consuming so a busy initiator does not burn the partner's token.
	err = e.withinTx(ctx, func(tx persistence.SessionTx) error {
		open, openErr := tx.HasOpenSession(ctx, principal.CompanyID, principal.UserID)
		if openErr != nil {
			return openErr
		}
		if open {
			return fmt.Errorf("%w: agent %s", ErrConflictingSession, principal.UserID)
		}
		return nil
	})
	if err != nil {
		return
	}

	partnerID, consumeErr := e.tokens.Consume(ctx, principal.CompanyID, principal.UserID, params.PartnerToken)
	if consumeErr != nil {
		err = consumeErr
		return
	}

	duration := snapshot.SessionDuration
	if duration <= 0 {
		duration = e.cfg.SessionDuration
	}

	record := persistence.Session{
		ID:              e.idGenerator(),
		CompanyID:       principal.CompanyID,
		SiteID:          site.ID,
		AgentAID:        principal.UserID,
		AgentBID:        partnerID,
		Status:          persistence.SessionActive,
		StartedAt:       now,
		ExpectedEndAt:   now.Add(duration),
		LastHeartbeatAt: now,
		LastLat:         params.Geo.Lat,
		LastLng:         params.Geo.Lng,
		LastAccuracy:    params.Geo.AccuracyMeters,
		UpdatedAt:       now,
	}
	if note := strings.TrimSpace(params.Note); note != "" {
		record.Note = &note
	}

	err = e.withinTx(ctx, func(tx persistence.SessionTx) error {
		for _, agentID := range []string{record.AgentAID, record.AgentBID} {
			open, openErr := tx.HasOpenSession(ctx, record.CompanyID, agentID)
			if openErr != nil {
				return openErr
			}
			if open {
				return fmt.Errorf("%w: agent %s", ErrConflictingSession, agentID)
			}
		}
		return tx.InsertSession(ctx, record)
	})
	if errors.Is(err, persistence.ErrDuplicate) {
		err = fmt.Errorf("%w: %v", ErrConflictingSession, err)
	}
	if err != nil {
		return
	}

	session = toCheckinSession(record)
	return
}

// GetSession returns a session to one of its agents or to an administrator of its company.
func (e *PresenceEngine) GetSession(ctx context.Context, principal Principal, sessionID string) (CheckinSession, error) {
	if e == nil {
		return CheckinSession{}, fmt.Errorf("PresenceEngine is nil")
	}
	if principal.UserID == "" || principal.CompanyID == "" {
		return CheckinSession{}, ErrUnauthorized
	}
	record, err := e.loadSession(ctx, principal, sessionID, false)
	if err != nil {
		return CheckinSession{}, err
	}
	return toCheckinSession(record), nil
}

// Heartbeat records a liveness report from one of the session's agents. A report that drifts
// past the threshold raises GEO_DRIFT. A report past the grace period expires the session and
// fails with ErrSessionExpired.
func (e *PresenceEngine) Heartbeat(ctx context.Context, params HeartbeatParams) (result HeartbeatResult, err error) {
	if e == nil {
		err = fmt.Errorf("PresenceEngine is nil")
		return
	}

	principal := params.Principal
	logger := e.loggerWith(ctx, "Heartbeat",
		"principal_id", principal.UserID,
		"company_id", principal.CompanyID,
		"session_id", params.SessionID,
	)
	var raised []*Anomaly
	defer func() {
		e.logAnomalies(ctx, logger, raised)
		if err != nil {
			logger.ErrorContext(ctx, "failed to record heartbeat", "error", err, "error_kind", ErrorKind(err))
			return
		}
		logger.InfoContext(ctx, "heartbeat recorded", "drift_meters", math.Round(result.DriftMeters))
	}()

	if principal.UserID == "" || principal.CompanyID == "" {
		err = ErrUnauthorized
		return
	}
	if e.sessions == nil || e.sites == nil {
		err = fmt.Errorf("presence engine not fully configured")
		return
	}
	if vErr := validateGeo(params.Geo); vErr.HasErrors() {
		err = vErr
		return
	}

	release, lockErr := e.locks.Lock(ctx, sessionKey(params.SessionID))
	if lockErr != nil {
		err = fmt.Errorf("%w: %v", ErrStoreTimeout, lockErr)
		return
	}
	defer release()

	current, loadErr := e.loadSession(ctx, principal, params.SessionID, true)
	if loadErr != nil {
		err = loadErr
		return
	}
	if err = openSessionState(current); err != nil {
		return
	}

	var site persistence.Site
	err = e.store(ctx, func(ctx context.Context) error {
		var siteErr error
		site, siteErr = e.sites.GetSite(ctx, current.SiteID)
		return siteErr
	})
	if err != nil {
		err = mapStoreError(err)
		return
	}

	now := e.now().UTC()
	if e.isStale(current, now) {
		var anomaly *Anomaly
		anomaly, _, err = e.expireStaleSession(ctx, current.ID, now)
		raised = append(raised, anomaly)
		if err == nil {
			err = fmt.Errorf("%w: session %s passed its expected end", ErrSessionExpired, current.ID)
		}
		return
	}

	measurement := geofence.Measure(siteFence(site), geoPoint(params.Geo))
	err = e.withinTx(ctx, func(tx persistence.SessionTx) error {
		raised = nil
		result = HeartbeatResult{DriftMeters: math.Max(0, measurement.DriftMeters)}

		if expired, expireErr := e.expireDueChallenge(ctx, tx, current.ID, now); expireErr != nil {
			return expireErr
		} else if expired != nil {
			raised = append(raised, expired)
		}

		if err := tx.RecordHeartbeat(ctx, persistence.HeartbeatUpdate{
			SessionID: current.ID,
			At:        now,
			Lat:       params.Geo.Lat,
			Lng:       params.Geo.Lng,
			Accuracy:  params.Geo.AccuracyMeters,
		}); err != nil {
			return err
		}

		if measurement.DriftMeters > e.cfg.DriftThresholdMeters {
			anomaly, emitErr := e.emitter.Emit(ctx, tx, AnomalyEvent{
				CompanyID: current.CompanyID,
				SessionID: current.ID,
				Type:      AnomalyGeoDrift,
				Severity:  DriftSeverity(measurement.DriftMeters, e.cfg.DriftThresholdMeters),
				Explanation: fmt.Sprintf("heartbeat %.0fm from site center, %.0fm beyond the %.0fm radius",
					measurement.DistanceMeters, measurement.DriftMeters, site.RadiusMeters),
				TriggerKey: formatInstant(now),
				At:         now,
			})
			if emitErr != nil {
				return emitErr
			}
			if anomaly != nil {
				raised = append(raised, anomaly)
				result.Anomaly = anomaly
			}
		}

		if e.cfg.DriftTerminateMeters > 0 && measurement.DriftMeters >= e.cfg.DriftTerminateMeters {
			if err := closeSession(ctx, tx, current.ID, persistence.SessionAnomalyFlagged, now); err != nil {
				return err
			}
		}

		updated, getErr := tx.GetSession(ctx, current.ID)
		if getErr != nil {
			return getErr
		}
		result.Session = toCheckinSession(updated)
		return nil
	})
	if err != nil {
		err = mapStoreError(err)
		return
	}
	return
}

// Complete ends a session once its expected end has passed and no challenge is pending.
func (e *PresenceEngine) Complete(ctx context.Context, principal Principal, sessionID string) (session CheckinSession, err error) {
	if e == nil {
		err = fmt.Errorf("PresenceEngine is nil")
		return
	}

	logger := e.loggerWith(ctx, "Complete",
		"principal_id", principal.UserID,
		"company_id", principal.CompanyID,
		"session_id", sessionID,
	)
	var raised []*Anomaly
	defer func() {
		e.logAnomalies(ctx, logger, raised)
		if err != nil {
			logger.ErrorContext(ctx, "failed to complete session", "error", err, "error_kind", ErrorKind(err))
			return
		}
		logger.InfoContext(ctx, "session completed")
	}()

	if principal.UserID == "" || principal.CompanyID == "" {
		err = ErrUnauthorized
		return
	}
	if e.sessions == nil {
		err = fmt.Errorf("session repository not configured")
		return
	}

	release, lockErr := e.locks.Lock(ctx, sessionKey(sessionID))
	if lockErr != nil {
		err = fmt.Errorf("%w: %v", ErrStoreTimeout, lockErr)
		return
	}
	defer release()

	current, loadErr := e.loadSession(ctx, principal, sessionID, false)
	if loadErr != nil {
		err = loadErr
		return
	}
	if err = openSessionState(current); err != nil {
		return
	}

	now := e.now().UTC()
	if now.Before(current.ExpectedEndAt) {
		err = fmt.Errorf("%w: expected end %s", ErrSessionNotDue, current.ExpectedEndAt.Format(time.RFC3339))
		return
	}
	if e.isStale(current, now) {
		var anomaly *Anomaly
		anomaly, _, err = e.expireStaleSession(ctx, current.ID, now)
		raised = append(raised, anomaly)
		if err == nil {
			err = fmt.Errorf("%w: session %s passed its grace period", ErrSessionExpired, current.ID)
		}
		return
	}

	err = e.withinTx(ctx, func(tx persistence.SessionTx) error {
		raised = nil
		expired, expireErr := e.expireDueChallenge(ctx, tx, current.ID, now)
		if expireErr != nil {
			return expireErr
		}
		if expired != nil {
			raised = append(raised, expired)
		} else if _, pendingErr := tx.GetPendingChallenge(ctx, current.ID); pendingErr == nil {
			return fmt.Errorf("%w: resolve the pending challenge first", ErrChallengeOpen)
		} else if !errors.Is(pendingErr, persistence.ErrNotFound) {
			return pendingErr
		}

		if err := tx.TransitionSession(ctx, current.ID, persistence.OpenSessionStatuses, persistence.SessionCompleted, now); err != nil {
			return err
		}
		updated, getErr := tx.GetSession(ctx, current.ID)
		if getErr != nil {
			return getErr
		}
		session = toCheckinSession(updated)
		return nil
	})
	if err != nil {
		err = mapStoreError(err)
		return
	}
	return
}

// loadSession reads a session visible to principal. Sessions of other companies are reported as
// missing. When agentOnly is set, administrators who are not agents of the session are refused.
func (e *PresenceEngine) loadSession(ctx context.Context, principal Principal, sessionID string, agentOnly bool) (persistence.Session, error) {
	var record persistence.Session
	err := e.store(ctx, func(ctx context.Context) error {
		var getErr error
		record, getErr = e.sessions.GetSession(ctx, sessionID)
		return getErr
	})
	if err != nil {
		return persistence.Session{}, mapStoreError(err)
	}
	if record.CompanyID != principal.CompanyID {
		return persistence.Session{}, fmt.Errorf("%w: session %s", ErrNotFound, sessionID)
	}
	isAgent := record.AgentAID == principal.UserID || record.AgentBID == principal.UserID
	if !isAgent && (agentOnly || !principal.IsAdmin) {
		return persistence.Session{}, ErrUnauthorized
	}
	return record, nil
}

func (e *PresenceEngine) isStale(session persistence.Session, now time.Time) bool {
	return now.After(session.ExpectedEndAt.Add(e.cfg.SessionGrace))
}

// expireStaleSession moves an open session past its grace period to EXPIRED and records
// SESSION_TIMEOUT. It reports false when the session is no longer open or not yet stale.
func (e *PresenceEngine) expireStaleSession(ctx context.Context, sessionID string, now time.Time) (*Anomaly, bool, error) {
	var (
		anomaly *Anomaly
		expired bool
	)
	err := e.withinTx(ctx, func(tx persistence.SessionTx) error {
		anomaly, expired = nil, false
		current, err := tx.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if persistence.IsTerminalSessionStatus(current.Status) || !e.isStale(current, now) {
			return nil
		}
		if err := closeSession(ctx, tx, sessionID, persistence.SessionExpired, now); err != nil {
			return err
		}
		anomaly, err = e.emitter.Emit(ctx, tx, AnomalyEvent{
			CompanyID: current.CompanyID,
			SessionID: current.ID,
			Type:      AnomalySessionTimeout,
			Severity:  1,
			Explanation: fmt.Sprintf("session was still open %s after its expected end",
				now.Sub(current.ExpectedEndAt).Round(time.Second)),
			TriggerKey: "expired",
			At:         now,
			Force:      true,
		})
		if err != nil {
			return err
		}
		expired = true
		return nil
	})
	if err != nil {
		return nil, false, mapStoreError(err)
	}
	return anomaly, expired, nil
}

// expireDueChallenge expires the session's pending challenge when its deadline has passed.
func (e *PresenceEngine) expireDueChallenge(ctx context.Context, tx persistence.SessionTx, sessionID string, now time.Time) (*Anomaly, error) {
	pending, err := tx.GetPendingChallenge(ctx, sessionID)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if now.Before(pending.ExpiresAt) {
		return nil, nil
	}
	return e.expireChallenge(ctx, tx, pending, now)
}

// expireChallenge moves a pending challenge to EXPIRED, records CHALLENGE_TIMEOUT and returns the
// session to ACTIVE.
func (e *PresenceEngine) expireChallenge(ctx context.Context, tx persistence.SessionTx, challenge persistence.Challenge, now time.Time) (*Anomaly, error) {
	if err := tx.TransitionChallenge(ctx, challenge.ID, persistence.ChallengePending, persistence.ChallengeExpired, now); err != nil {
		return nil, err
	}
	anomaly, err := e.emitter.Emit(ctx, tx, AnomalyEvent{
		CompanyID:   challenge.CompanyID,
		SessionID:   challenge.SessionID,
		Type:        AnomalyChallengeTimeout,
		Severity:    2,
		Explanation: fmt.Sprintf("challenge %s was not answered before %s", challenge.ID, challenge.ExpiresAt.Format(time.RFC3339)),
		TriggerKey:  challenge.ID,
		At:          now,
		Force:       true,
	})
	if err != nil {
		return nil, err
	}
	err = tx.TransitionSession(ctx, challenge.SessionID,
		[]string{persistence.SessionChallengePending}, persistence.SessionActive, now)
	if err != nil && !errors.Is(err, persistence.ErrStaleState) {
		return nil, err
	}
	return anomaly, nil
}

func (e *PresenceEngine) logAnomalies(ctx context.Context, logger *slog.Logger, anomalies []*Anomaly) {
	for _, a := range anomalies {
		if a == nil {
			continue
		}
		logger.WarnContext(ctx, "anomaly recorded",
			"anomaly_id", a.ID,
			"anomaly_session_id", a.SessionID,
			"anomaly_type", a.Type,
			"severity", a.Severity,
		)
	}
}

// closeSession ends an open session, expiring any challenge still pending on it.
func closeSession(ctx context.Context, tx persistence.SessionTx, sessionID, to string, now time.Time) error {
	pending, err := tx.GetPendingChallenge(ctx, sessionID)
	switch {
	case err == nil:
		if err := tx.TransitionChallenge(ctx, pending.ID, persistence.ChallengePending, persistence.ChallengeExpired, now); err != nil {
			return err
		}
	case !errors.Is(err, persistence.ErrNotFound):
		return err
	}
	return tx.TransitionSession(ctx, sessionID, persistence.OpenSessionStatuses, to, now)
}

func openSessionState(session persistence.Session) error {
	switch session.Status {
	case persistence.SessionActive, persistence.SessionChallengePending:
		return nil
	case persistence.SessionExpired:
		return fmt.Errorf("%w: session %s", ErrSessionExpired, session.ID)
	}
	return fmt.Errorf("%w: session %s is %s", ErrInvalidState, session.ID, session.Status)
}

func validateGeo(geo GeoReading) *ValidationError {
	vErr := &ValidationError{}
	if math.IsNaN(geo.Lat) || geo.Lat < -90 || geo.Lat > 90 {
		vErr.add("geo.lat", "latitude must be between -90 and 90")
	}
	if math.IsNaN(geo.Lng) || geo.Lng < -180 || geo.Lng > 180 {
		vErr.add("geo.lng", "longitude must be between -180 and 180")
	}
	if math.IsNaN(geo.AccuracyMeters) || geo.AccuracyMeters < 0 {
		vErr.add("geo.accuracy_m", "accuracy cannot be negative")
	}
	return vErr
}

func siteFence(site persistence.Site) geofence.Fence {
	return geofence.Fence{
		Center:       geofence.Point{Lat: site.Lat, Lng: site.Lng},
		RadiusMeters: site.RadiusMeters,
	}
}

func geoPoint(geo GeoReading) geofence.Point {
	return geofence.Point{Lat: geo.Lat, Lng: geo.Lng}
}
