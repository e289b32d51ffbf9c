package persistence

import (
	"context"
	"time"
)

// PolicyRepository stores company policies and holiday calendars.
type PolicyRepository interface {
	GetCompanyPolicy(ctx context.Context, companyID string) (CompanyPolicy, error)
	UpsertCompanyPolicy(ctx context.Context, policy CompanyPolicy) error
	ListHolidays(ctx context.Context, companyID string) ([]Holiday, error)
	// InsertHolidays stores holidays whose date is not yet present and returns how many were added.
	InsertHolidays(ctx context.Context, holidays []Holiday) (int, error)
	DeleteHoliday(ctx context.Context, companyID, date string) error
}

// SiteRepository stores check-in sites.
type SiteRepository interface {
	GetSite(ctx context.Context, id string) (Site, error)
	GetSiteByCode(ctx context.Context, companyID, code string) (Site, error)
	UpsertSite(ctx context.Context, site Site) (Site, error)
	ListSites(ctx context.Context, companyID string) ([]Site, error)
}

// ConsumePeerTokenParams describes an atomic peer token consumption.
type ConsumePeerTokenParams struct {
	TokenHash  string
	CompanyID  string
	ConsumerID string
	At         time.Time
}

// PeerTokenRepository stores one-time partner tokens.
type PeerTokenRepository interface {
	InsertPeerToken(ctx context.Context, token PeerToken) error
	// ConsumePeerToken marks an eligible token consumed in a single atomic step. A token is
	// eligible when it exists, is unconsumed, belongs to CompanyID, is not owned by ConsumerID
	// and expires after At. Ineligible tokens yield ErrNotFound and are left untouched.
	ConsumePeerToken(ctx context.Context, params ConsumePeerTokenParams) (PeerToken, error)
	PurgePeerTokens(ctx context.Context, expiredBefore time.Time) (int64, error)
}

// HeartbeatUpdate records a liveness report against an open session.
type HeartbeatUpdate struct {
	SessionID string
	At        time.Time
	Lat       float64
	Lng       float64
	Accuracy  float64
}

// SessionTx exposes the session, challenge and anomaly operations available inside a transaction.
type SessionTx interface {
	InsertSession(ctx context.Context, session Session) error
	GetSession(ctx context.Context, id string) (Session, error)
	HasOpenSession(ctx context.Context, companyID, agentID string) (bool, error)
	// TransitionSession moves a session from one of the listed statuses to the target status.
	// ErrStaleState is returned when the session is not in any of the listed statuses.
	TransitionSession(ctx context.Context, id string, from []string, to string, at time.Time) error
	RecordHeartbeat(ctx context.Context, update HeartbeatUpdate) error

	InsertChallenge(ctx context.Context, challenge Challenge) error
	GetChallenge(ctx context.Context, id string) (Challenge, error)
	GetPendingChallenge(ctx context.Context, sessionID string) (Challenge, error)
	TransitionChallenge(ctx context.Context, id, from, to string, at time.Time) error
	CountChallenges(ctx context.Context, sessionID, status string) (int, error)

	InsertAnomaly(ctx context.Context, anomaly Anomaly) error
	LatestAnomaly(ctx context.Context, sessionID, anomalyType string) (Anomaly, error)
}

// SessionFilter narrows session listings.
type SessionFilter struct {
	CompanyID           string
	Statuses            []string
	ExpectedEndBefore   *time.Time
	LastHeartbeatBefore *time.Time
	// After resumes a listing strictly after this position in (started_at, id) order.
	After *SessionCursor
	Limit int
}

// SessionCursor is a position in the (started_at, id) order of ListSessions.
type SessionCursor struct {
	StartedAt time.Time
	ID        string
}

// AnomalyFilter narrows anomaly listings.
type AnomalyFilter struct {
	CompanyID string
	SessionID string
	OpenOnly  bool
	Limit     int
}

// SessionRepository owns check-in sessions, challenges and anomalies.
type SessionRepository interface {
	// WithinTx runs fn inside a single transaction. fn returning an error rolls back every write.
	WithinTx(ctx context.Context, fn func(tx SessionTx) error) error
	GetSession(ctx context.Context, id string) (Session, error)
	GetChallenge(ctx context.Context, id string) (Challenge, error)
	ListSessions(ctx context.Context, filter SessionFilter) ([]Session, error)
	ListExpiredChallenges(ctx context.Context, at time.Time, limit int) ([]Challenge, error)
	ListAnomalies(ctx context.Context, filter AnomalyFilter) ([]Anomaly, error)
	ResolveAnomaly(ctx context.Context, companyID, id string, at time.Time) (Anomaly, error)
}
