package testfixtures

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/example/presence-engine/internal/persistence"
)

var (
	siteCounter      uint64
	sessionCounter   uint64
	challengeCounter uint64
	anomalyCounter   uint64
	tokenCounter     uint64
)

// DefaultCompanyID is the company every fixture belongs to unless overridden.
const DefaultCompanyID = "company-001"

// Monday 2025-05-05 09:00 UTC, inside a regular working day.
var referenceTime = time.Date(2025, time.May, 5, 9, 0, 0, 0, time.UTC)

// ReferenceTime returns the canonical baseline timestamp used by fixtures.
func ReferenceTime() time.Time {
	return referenceTime
}

// ----------------------------- Policy fixtures -----------------------------

// PolicyFixture is a Monday to Friday, 08:00 to 18:00 policy with a 13:00 to 14:00 break.
type PolicyFixture struct {
	persistence.CompanyPolicy
}

// PolicyOption configures the generated policy fixture.
type PolicyOption func(*PolicyFixture)

// NewPolicyFixture returns a deterministic policy fixture.
func NewPolicyFixture(opts ...PolicyOption) PolicyFixture {
	breakStart, breakEnd := 13*60, 14*60
	fixture := PolicyFixture{CompanyPolicy: persistence.CompanyPolicy{
		CompanyID:   DefaultCompanyID,
		CountryCode: "BJ",
		Timezone:    "UTC",
		WorkDays:    []int{0, 1, 2, 3, 4},
		WorkStart:   8 * 60,
		WorkEnd:     18 * 60,
		BreakStart:  &breakStart,
		BreakEnd:    &breakEnd,
		UpdatedAt:   referenceTime,
	}}
	for _, opt := range opts {
		opt(&fixture)
	}
	return fixture
}

// WithPolicyCompany overrides the owning company.
func WithPolicyCompany(companyID string) PolicyOption {
	return func(f *PolicyFixture) { f.CompanyID = companyID }
}

// WithPolicyTimezone overrides the IANA timezone.
func WithPolicyTimezone(tz string) PolicyOption {
	return func(f *PolicyFixture) { f.Timezone = tz }
}

// WithoutPolicyBreak removes the break window.
func WithoutPolicyBreak() PolicyOption {
	return func(f *PolicyFixture) {
		f.BreakStart = nil
		f.BreakEnd = nil
	}
}

// WithPolicySessionDuration sets the per-company session length.
func WithPolicySessionDuration(d time.Duration) PolicyOption {
	return func(f *PolicyFixture) { f.SessionDuration = d }
}

// Persistence converts the fixture into its persistence representation.
func (f PolicyFixture) Persistence() persistence.CompanyPolicy {
	out := f.CompanyPolicy
	out.WorkDays = append([]int(nil), f.WorkDays...)
	return out
}

// ----------------------------- Site fixtures -----------------------------

// SiteFixture represents a check-in site.
type SiteFixture struct {
	persistence.Site
}

// SiteOption configures the generated site fixture.
type SiteOption func(*SiteFixture)

// NewSiteFixture returns a site in Cotonou with a 200 m radius.
func NewSiteFixture(opts ...SiteOption) SiteFixture {
	idx := atomic.AddUint64(&siteCounter, 1)
	fixture := SiteFixture{Site: persistence.Site{
		ID:           fmt.Sprintf("site-%03d", idx),
		CompanyID:    DefaultCompanyID,
		Code:         fmt.Sprintf("S%03d", idx),
		Name:         fmt.Sprintf("Site %03d", idx),
		City:         "Cotonou",
		Lat:          6.3654,
		Lng:          2.4183,
		RadiusMeters: 200,
		CreatedAt:    referenceTime,
		UpdatedAt:    referenceTime,
	}}
	for _, opt := range opts {
		opt(&fixture)
	}
	return fixture
}

// WithSiteID overrides the identifier.
func WithSiteID(id string) SiteOption {
	return func(f *SiteFixture) { f.ID = id }
}

// WithSiteCode overrides the code printed on the site QR.
func WithSiteCode(code string) SiteOption {
	return func(f *SiteFixture) { f.Code = code }
}

// WithSiteCompany overrides the owning company.
func WithSiteCompany(companyID string) SiteOption {
	return func(f *SiteFixture) { f.CompanyID = companyID }
}

// WithSiteLocation overrides the center and radius.
func WithSiteLocation(lat, lng, radius float64) SiteOption {
	return func(f *SiteFixture) {
		f.Lat = lat
		f.Lng = lng
		f.RadiusMeters = radius
	}
}

// Persistence converts the fixture into its persistence representation.
func (f SiteFixture) Persistence() persistence.Site {
	return f.Site
}

// ----------------------------- Session fixtures -----------------------------

// SessionFixture represents an ACTIVE session that started at the reference time.
type SessionFixture struct {
	persistence.Session
}

// SessionOption configures the generated session fixture.
type SessionOption func(*SessionFixture)

// NewSessionFixture returns a deterministic session fixture. The site must exist before the
// session is inserted into a store that enforces foreign keys.
func NewSessionFixture(opts ...SessionOption) SessionFixture {
	idx := atomic.AddUint64(&sessionCounter, 1)
	fixture := SessionFixture{Session: persistence.Session{
		ID:              fmt.Sprintf("session-%03d", idx),
		CompanyID:       DefaultCompanyID,
		SiteID:          "site-001",
		AgentAID:        fmt.Sprintf("agent-a-%03d", idx),
		AgentBID:        fmt.Sprintf("agent-b-%03d", idx),
		Status:          persistence.SessionActive,
		StartedAt:       referenceTime,
		ExpectedEndAt:   referenceTime.Add(8 * time.Hour),
		LastHeartbeatAt: referenceTime,
		LastLat:         6.3654,
		LastLng:         2.4183,
		LastAccuracy:    10,
		UpdatedAt:       referenceTime,
	}}
	for _, opt := range opts {
		opt(&fixture)
	}
	return fixture
}

// WithSessionID overrides the identifier.
func WithSessionID(id string) SessionOption {
	return func(f *SessionFixture) { f.ID = id }
}

// WithSessionSite overrides the site.
func WithSessionSite(siteID string) SessionOption {
	return func(f *SessionFixture) { f.SiteID = siteID }
}

// WithSessionCompany overrides the owning company.
func WithSessionCompany(companyID string) SessionOption {
	return func(f *SessionFixture) { f.CompanyID = companyID }
}

// WithSessionAgents overrides the initiating and partner agents.
func WithSessionAgents(agentA, agentB string) SessionOption {
	return func(f *SessionFixture) {
		f.AgentAID = agentA
		f.AgentBID = agentB
	}
}

// WithSessionStatus overrides the lifecycle status.
func WithSessionStatus(status string) SessionOption {
	return func(f *SessionFixture) { f.Status = status }
}

// WithSessionTimes sets the start and expected end. The last heartbeat follows the start.
func WithSessionTimes(startedAt, expectedEndAt time.Time) SessionOption {
	return func(f *SessionFixture) {
		f.StartedAt = startedAt
		f.ExpectedEndAt = expectedEndAt
		f.LastHeartbeatAt = startedAt
		f.UpdatedAt = startedAt
	}
}

// WithSessionHeartbeat overrides the last heartbeat instant.
func WithSessionHeartbeat(at time.Time) SessionOption {
	return func(f *SessionFixture) { f.LastHeartbeatAt = at }
}

// WithSessionNote attaches a note.
func WithSessionNote(note string) SessionOption {
	return func(f *SessionFixture) { f.Note = &note }
}

// Persistence converts the fixture into its persistence representation.
func (f SessionFixture) Persistence() persistence.Session {
	out := f.Session
	if f.Note != nil {
		note := *f.Note
		out.Note = &note
	}
	return out
}

// ----------------------------- Challenge fixtures -----------------------------

// ChallengeFixture represents a PENDING challenge with a 20 second deadline.
type ChallengeFixture struct {
	persistence.Challenge
}

// ChallengeOption configures the generated challenge fixture.
type ChallengeOption func(*ChallengeFixture)

// NewChallengeFixture returns a challenge for sessionID.
func NewChallengeFixture(sessionID string, opts ...ChallengeOption) ChallengeFixture {
	idx := atomic.AddUint64(&challengeCounter, 1)
	fixture := ChallengeFixture{Challenge: persistence.Challenge{
		ID:        fmt.Sprintf("challenge-%03d", idx),
		SessionID: sessionID,
		CompanyID: DefaultCompanyID,
		Status:    persistence.ChallengePending,
		IssuedAt:  referenceTime,
		ExpiresAt: referenceTime.Add(20 * time.Second),
	}}
	for _, opt := range opts {
		opt(&fixture)
	}
	return fixture
}

// WithChallengeID overrides the identifier.
func WithChallengeID(id string) ChallengeOption {
	return func(f *ChallengeFixture) { f.ID = id }
}

// WithChallengeStatus overrides the status.
func WithChallengeStatus(status string) ChallengeOption {
	return func(f *ChallengeFixture) { f.Status = status }
}

// WithChallengeWindow sets the issue instant and deadline.
func WithChallengeWindow(issuedAt, expiresAt time.Time) ChallengeOption {
	return func(f *ChallengeFixture) {
		f.IssuedAt = issuedAt
		f.ExpiresAt = expiresAt
	}
}

// Persistence converts the fixture into its persistence representation.
func (f ChallengeFixture) Persistence() persistence.Challenge {
	return f.Challenge
}

// ----------------------------- Anomaly fixtures -----------------------------

// AnomalyFixture represents an unresolved anomaly.
type AnomalyFixture struct {
	persistence.Anomaly
}

// AnomalyOption configures the generated anomaly fixture.
type AnomalyOption func(*AnomalyFixture)

// NewAnomalyFixture returns a HEARTBEAT_SILENCE anomaly for sessionID.
func NewAnomalyFixture(sessionID string, opts ...AnomalyOption) AnomalyFixture {
	idx := atomic.AddUint64(&anomalyCounter, 1)
	sid := sessionID
	fixture := AnomalyFixture{Anomaly: persistence.Anomaly{
		ID:          fmt.Sprintf("anomaly-%03d", idx),
		CompanyID:   DefaultCompanyID,
		SessionID:   &sid,
		Type:        "HEARTBEAT_SILENCE",
		Severity:    2,
		Explanation: "no heartbeat received",
		TriggerKey:  fmt.Sprintf("trigger-%03d", idx),
		DetectedAt:  referenceTime,
	}}
	for _, opt := range opts {
		opt(&fixture)
	}
	return fixture
}

// WithAnomalyType overrides the type and severity.
func WithAnomalyType(anomalyType string, severity int) AnomalyOption {
	return func(f *AnomalyFixture) {
		f.Type = anomalyType
		f.Severity = severity
	}
}

// WithAnomalyTrigger overrides the idempotency trigger key.
func WithAnomalyTrigger(trigger string) AnomalyOption {
	return func(f *AnomalyFixture) { f.TriggerKey = trigger }
}

// WithAnomalyDetectedAt overrides the detection instant.
func WithAnomalyDetectedAt(at time.Time) AnomalyOption {
	return func(f *AnomalyFixture) { f.DetectedAt = at }
}

// Persistence converts the fixture into its persistence representation.
func (f AnomalyFixture) Persistence() persistence.Anomaly {
	out := f.Anomaly
	if f.SessionID != nil {
		sid := *f.SessionID
		out.SessionID = &sid
	}
	return out
}

// ----------------------------- Peer token fixtures -----------------------------

// PeerTokenFixture represents an unconsumed token issued at the reference time.
type PeerTokenFixture struct {
	persistence.PeerToken
}

// PeerTokenOption configures the generated token fixture.
type PeerTokenOption func(*PeerTokenFixture)

// NewPeerTokenFixture returns a token owned by userID that expires 30 seconds after issue.
func NewPeerTokenFixture(userID string, opts ...PeerTokenOption) PeerTokenFixture {
	idx := atomic.AddUint64(&tokenCounter, 1)
	fixture := PeerTokenFixture{PeerToken: persistence.PeerToken{
		TokenHash: fmt.Sprintf("hash-%03d", idx),
		UserID:    userID,
		CompanyID: DefaultCompanyID,
		IssuedAt:  referenceTime,
		ExpiresAt: referenceTime.Add(30 * time.Second),
	}}
	for _, opt := range opts {
		opt(&fixture)
	}
	return fixture
}

// WithTokenHash overrides the stored digest.
func WithTokenHash(hash string) PeerTokenOption {
	return func(f *PeerTokenFixture) { f.TokenHash = hash }
}

// WithTokenExpiry overrides the expiry instant.
func WithTokenExpiry(at time.Time) PeerTokenOption {
	return func(f *PeerTokenFixture) { f.ExpiresAt = at }
}

// WithTokenCompany overrides the issuing company.
func WithTokenCompany(companyID string) PeerTokenOption {
	return func(f *PeerTokenFixture) { f.CompanyID = companyID }
}

// Persistence converts the fixture into its persistence representation.
func (f PeerTokenFixture) Persistence() persistence.PeerToken {
	return f.PeerToken
}
