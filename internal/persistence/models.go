package persistence

import "time"

// Session statuses as stored. HANDSHAKE is never persisted.
const (
	SessionActive           = "ACTIVE"
	SessionChallengePending = "CHALLENGE_PENDING"
	SessionCompleted        = "COMPLETED"
	SessionAnomalyFlagged   = "ANOMALY_FLAGGED"
	SessionExpired          = "EXPIRED"
)

// Challenge statuses as stored.
const (
	ChallengePending = "PENDING"
	ChallengePassed  = "PASSED"
	ChallengeFailed  = "FAILED"
	ChallengeExpired = "EXPIRED"
)

// OpenSessionStatuses lists the statuses that count against the one-session-per-agent rule.
var OpenSessionStatuses = []string{SessionActive, SessionChallengePending}

// IsTerminalSessionStatus reports whether status is a final session state.
func IsTerminalSessionStatus(status string) bool {
	switch status {
	case SessionCompleted, SessionAnomalyFlagged, SessionExpired:
		return true
	}
	return false
}

// CompanyPolicy stores the check-in rules of a company. Clock values are minutes after midnight.
type CompanyPolicy struct {
	CompanyID       string
	CountryCode     string
	Timezone        string
	WorkDays        []int
	WorkStart       int
	WorkEnd         int
	BreakStart      *int
	BreakEnd        *int
	SessionDuration time.Duration
	UpdatedAt       time.Time
}

// Holiday is a company calendar entry. Date uses the YYYY-MM-DD layout.
type Holiday struct {
	ID        string
	CompanyID string
	Date      string
	Name      string
	Source    string
	CreatedAt time.Time
}

// Site is a physical location agents check in at.
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

// PeerToken stores a hashed one-time partner token.
type PeerToken struct {
	TokenHash  string
	UserID     string
	CompanyID  string
	IssuedAt   time.Time
	ExpiresAt  time.Time
	ConsumedAt *time.Time
	ConsumedBy *string
}

// Session is a persisted check-in session.
type Session struct {
	ID              string
	CompanyID       string
	SiteID          string
	AgentAID        string
	AgentBID        string
	Status          string
	Note            *string
	StartedAt       time.Time
	ExpectedEndAt   time.Time
	LastHeartbeatAt time.Time
	LastLat         float64
	LastLng         float64
	LastAccuracy    float64
	EndedAt         *time.Time
	UpdatedAt       time.Time
}

// Challenge is a persisted liveness challenge.
type Challenge struct {
	ID         string
	SessionID  string
	CompanyID  string
	Status     string
	IssuedAt   time.Time
	ExpiresAt  time.Time
	ResolvedAt *time.Time
}

// Anomaly is a persisted rule violation. TriggerKey makes emission idempotent per
// (session, type, trigger).
type Anomaly struct {
	ID          string
	CompanyID   string
	SessionID   *string
	Type        string
	Severity    int
	Explanation string
	TriggerKey  string
	DetectedAt  time.Time
	Resolved    bool
	ResolvedAt  *time.Time
}
