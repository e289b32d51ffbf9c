package application

import (
	"time"

	"github.com/example/presence-engine/internal/persistence"
)

// Principal is the verified caller supplied by the authentication layer.
type Principal struct {
	UserID    string
	CompanyID string
	IsAdmin   bool
}

// GeoReading is a device location report.
type GeoReading struct {
	Lat            float64
	Lng            float64
	AccuracyMeters float64
}

// SessionStatus is the lifecycle state of a check-in session.
type SessionStatus string

const (
	SessionActive           SessionStatus = persistence.SessionActive
	SessionChallengePending SessionStatus = persistence.SessionChallengePending
	SessionCompleted        SessionStatus = persistence.SessionCompleted
	SessionAnomalyFlagged   SessionStatus = persistence.SessionAnomalyFlagged
	SessionExpired          SessionStatus = persistence.SessionExpired
)

// Terminal reports whether no further transition is possible.
func (s SessionStatus) Terminal() bool {
	return persistence.IsTerminalSessionStatus(string(s))
}

// ChallengeStatus is the state of a liveness challenge.
type ChallengeStatus string

const (
	ChallengePending ChallengeStatus = persistence.ChallengePending
	ChallengePassed  ChallengeStatus = persistence.ChallengePassed
	ChallengeFailed  ChallengeStatus = persistence.ChallengeFailed
	ChallengeExpired ChallengeStatus = persistence.ChallengeExpired
)

// AnomalyType enumerates runtime rule violations.
type AnomalyType string

const (
	AnomalyGeoDrift         AnomalyType = "GEO_DRIFT"
	AnomalyChallengeFailed  AnomalyType = "CHALLENGE_FAILED"
	AnomalyChallengeTimeout AnomalyType = "CHALLENGE_TIMEOUT"
	AnomalyHeartbeatSilence AnomalyType = "HEARTBEAT_SILENCE"
	AnomalySessionTimeout   AnomalyType = "SESSION_TIMEOUT"
)

// Site QR codes and peer QR codes carry these prefixes.
const (
	SiteQRPrefix = "SITE:"
	PeerQRPrefix = "PEER:"
)

// CheckinSession is a two-agent presence session.
type CheckinSession struct {
	ID              string
	CompanyID       string
	SiteID          string
	AgentAID        string
	AgentBID        string
	Status          SessionStatus
	Note            string
	StartedAt       time.Time
	ExpectedEndAt   time.Time
	LastHeartbeatAt time.Time
	LastLocation    GeoReading
	EndedAt         *time.Time
}

// HasAgent reports whether userID is one of the paired agents.
func (s CheckinSession) HasAgent(userID string) bool {
	return userID != "" && (s.AgentAID == userID || s.AgentBID == userID)
}

// Challenge is a liveness check issued against a session.
type Challenge struct {
	ID         string
	SessionID  string
	CompanyID  string
	Status     ChallengeStatus
	IssuedAt   time.Time
	ExpiresAt  time.Time
	ResolvedAt *time.Time
}

// Anomaly is a persisted runtime rule violation.
type Anomaly struct {
	ID          string
	CompanyID   string
	SessionID   string
	Type        AnomalyType
	Severity    int
	Explanation string
	DetectedAt  time.Time
	Resolved    bool
	ResolvedAt  *time.Time
}

// Site is a physical check-in location.
type Site struct {
	ID           string
	CompanyID    string
	Code         string
	Name         string
	City         string
	Lat          float64
	Lng          float64
	RadiusMeters float64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// IssuedPeerToken is returned once to the partner agent. Only its hash is stored.
type IssuedPeerToken struct {
	Token     string
	QRPayload string
	ExpiresAt time.Time
}

// StartCheckinParams wraps the data required to open a session.
type StartCheckinParams struct {
	Principal    Principal
	SiteCode     string
	PartnerToken string
	Note         string
	Geo          GeoReading
}

// HeartbeatParams wraps a liveness report.
type HeartbeatParams struct {
	Principal Principal
	SessionID string
	Geo       GeoReading
}

// HeartbeatResult acknowledges a heartbeat. Anomaly is set when the report raised one.
type HeartbeatResult struct {
	Session     CheckinSession
	DriftMeters float64
	Anomaly     *Anomaly
}

// IssueChallengeParams wraps a privileged challenge request. A zero TTL selects the default.
type IssueChallengeParams struct {
	Principal Principal
	SessionID string
	TTL       time.Duration
}

// ResolveChallengeParams wraps the outcome reported for a challenge.
type ResolveChallengeParams struct {
	Principal   Principal
	ChallengeID string
	Passed      bool
}

// ListAnomaliesParams narrows an anomaly listing to the caller's company.
type ListAnomaliesParams struct {
	Principal Principal
	SessionID string
	OpenOnly  bool
	Limit     int
}

// PolicyInput carries caller provided policy fields. WorkDays use Monday = 0 ... Sunday = 6 and
// clock values use "HH:MM".
type PolicyInput struct {
	CountryCode     string
	Timezone        string
	WorkDays        []int
	WorkStart       string
	WorkEnd         string
	BreakStart      string
	BreakEnd        string
	SessionDuration time.Duration
}

// SiteInput carries caller provided site fields.
type SiteInput struct {
	Code         string
	Name         string
	City         string
	Lat          float64
	Lng          float64
	RadiusMeters float64
}

// HolidayInput declares a custom holiday.
type HolidayInput struct {
	Date string
	Name string
}

// SyncHolidaysResult reports how many official holidays were added.
type SyncHolidaysResult struct {
	CountryCode string
	Year        int
	Added       int
}

// SweepReport summarises one sweep pass.
type SweepReport struct {
	Examined  int
	Processed int
	Anomalies int
}

func toCheckinSession(record persistence.Session) CheckinSession {
	session := CheckinSession{
		ID:              record.ID,
		CompanyID:       record.CompanyID,
		SiteID:          record.SiteID,
		AgentAID:        record.AgentAID,
		AgentBID:        record.AgentBID,
		Status:          SessionStatus(record.Status),
		StartedAt:       record.StartedAt,
		ExpectedEndAt:   record.ExpectedEndAt,
		LastHeartbeatAt: record.LastHeartbeatAt,
		LastLocation: GeoReading{
			Lat:            record.LastLat,
			Lng:            record.LastLng,
			AccuracyMeters: record.LastAccuracy,
		},
		EndedAt: record.EndedAt,
	}
	if record.Note != nil {
		session.Note = *record.Note
	}
	return session
}

func toChallenge(record persistence.Challenge) Challenge {
	return Challenge{
		ID:         record.ID,
		SessionID:  record.SessionID,
		CompanyID:  record.CompanyID,
		Status:     ChallengeStatus(record.Status),
		IssuedAt:   record.IssuedAt,
		ExpiresAt:  record.ExpiresAt,
		ResolvedAt: record.ResolvedAt,
	}
}

func toAnomaly(record persistence.Anomaly) Anomaly {
	anomaly := Anomaly{
		ID:          record.ID,
		CompanyID:   record.CompanyID,
		Type:        AnomalyType(record.Type),
		Severity:    record.Severity,
		Explanation: record.Explanation,
		DetectedAt:  record.DetectedAt,
		Resolved:    record.Resolved,
		ResolvedAt:  record.ResolvedAt,
	}
	if record.SessionID != nil {
		anomaly.SessionID = *record.SessionID
	}
	return anomaly
}

func toSite(record persistence.Site) Site {
	return Site(record)
}
