package application

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/example/presence-engine/internal/geofence"
	"github.com/example/presence-engine/internal/persistence"
	"github.com/example/presence-engine/internal/persistence/memory"
	"github.com/example/presence-engine/internal/policy"
)

const testCompany = "co-1"

// Monday 09:00 UTC.
var referenceTime = time.Date(2025, 5, 5, 9, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(start time.Time) *testClock {
	return &testClock{now: start}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type sequence struct {
	mu     sync.Mutex
	prefix string
	n      int
}

func (s *sequence) Next() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("%s-%d", s.prefix, s.n)
}

type policySourceStub struct {
	snapshot policy.Policy
	err      error
}

func (p *policySourceStub) Snapshot(ctx context.Context, companyID string) (policy.Policy, error) {
	if p.err != nil {
		return policy.Policy{}, p.err
	}
	return p.snapshot, nil
}

func workingPolicy(companyID string) policy.Policy {
	return policy.Policy{
		CompanyID:   companyID,
		CountryCode: "BJ",
		Timezone:    "UTC",
		WorkDays:    []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday},
		Work:        policy.Window{Start: policy.NewClockTime(8, 0), End: policy.NewClockTime(18, 0)},
		Break:       &policy.Window{Start: policy.NewClockTime(13, 0), End: policy.NewClockTime(14, 0)},
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type engineHarness struct {
	store    *memory.Storage
	clock    *testClock
	policies *policySourceStub
	tokens   *PeerTokenService
	engine   *PresenceEngine
	site     persistence.Site
}

func newEngineHarness(t *testing.T, configure func(*EngineConfig)) *engineHarness {
	t.Helper()

	store := memory.New()
	clock := newTestClock(referenceTime)
	ids := &sequence{prefix: "id"}

	site := persistence.Site{
		ID:           "site-1",
		CompanyID:    testCompany,
		Code:         "HQ",
		Name:         "Head office",
		City:         "Cotonou",
		Lat:          6.3654,
		Lng:          2.4183,
		RadiusMeters: 200,
		CreatedAt:    referenceTime,
		UpdatedAt:    referenceTime,
	}
	if _, err := store.UpsertSite(context.Background(), site); err != nil {
		t.Fatalf("seed site: %v", err)
	}

	cfg := DefaultEngineConfig()
	if configure != nil {
		configure(&cfg)
	}

	policies := &policySourceStub{snapshot: workingPolicy(testCompany)}
	tokens := NewPeerTokenServiceWithLogger(store, PeerTokenConfig{Secret: []byte("test-secret")}, clock.Now, discardLogger())
	engine := NewPresenceEngine(EngineDeps{
		Sessions:    store,
		Sites:       store,
		Policies:    policies,
		Tokens:      tokens,
		Config:      cfg,
		IDGenerator: ids.Next,
		Now:         clock.Now,
		Logger:      discardLogger(),
	})

	return &engineHarness{
		store:    store,
		clock:    clock,
		policies: policies,
		tokens:   tokens,
		engine:   engine,
		site:     site,
	}
}

func agent(id string) Principal {
	return Principal{UserID: id, CompanyID: testCompany}
}

func admin() Principal {
	return Principal{UserID: "admin-1", CompanyID: testCompany, IsAdmin: true}
}

// north returns a reading the given distance north of the site center. Distances along a
// meridian are exact under the haversine formula.
func (h *engineHarness) north(meters float64) GeoReading {
	degrees := meters / (geofence.EarthRadiusMeters * math.Pi / 180)
	return GeoReading{Lat: h.site.Lat + degrees, Lng: h.site.Lng, AccuracyMeters: 8}
}

func (h *engineHarness) issueToken(t *testing.T, partner string) string {
	t.Helper()
	issued, err := h.tokens.Issue(context.Background(), agent(partner))
	if err != nil {
		t.Fatalf("issue token for %s: %v", partner, err)
	}
	return issued.Token
}

func (h *engineHarness) start(t *testing.T, initiator, partner string) CheckinSession {
	t.Helper()
	session, err := h.engine.StartCheckin(context.Background(), StartCheckinParams{
		Principal:    agent(initiator),
		SiteCode:     h.site.Code,
		PartnerToken: h.issueToken(t, partner),
		Geo:          h.north(50),
	})
	if err != nil {
		t.Fatalf("start check-in %s/%s: %v", initiator, partner, err)
	}
	return session
}

func (h *engineHarness) session(t *testing.T, id string) persistence.Session {
	t.Helper()
	record, err := h.store.GetSession(context.Background(), id)
	if err != nil {
		t.Fatalf("get session %s: %v", id, err)
	}
	return record
}

func (h *engineHarness) anomalies(t *testing.T, sessionID string, anomalyType AnomalyType) []persistence.Anomaly {
	t.Helper()
	records, err := h.store.ListAnomalies(context.Background(), persistence.AnomalyFilter{
		CompanyID: testCompany,
		SessionID: sessionID,
	})
	if err != nil {
		t.Fatalf("list anomalies: %v", err)
	}
	var out []persistence.Anomaly
	for _, record := range records {
		if record.Type == string(anomalyType) {
			out = append(out, record)
		}
	}
	return out
}
