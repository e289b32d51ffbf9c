package persistence_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/example/presence-engine/internal/persistence"
	"github.com/example/presence-engine/internal/testfixtures"
)

// forEachStore runs fn once per storage backend with a fresh store.
func forEachStore(t *testing.T, fn func(t *testing.T, ctx context.Context, store *testfixtures.StoreHarness)) {
	t.Helper()
	for _, newStore := range testfixtures.StoreConstructors() {
		store := newStore(t)
		t.Run(store.Name, func(t *testing.T) {
			t.Parallel()
			fn(t, context.Background(), store)
		})
	}
}

func seedSite(t *testing.T, ctx context.Context, store *testfixtures.StoreHarness, opts ...testfixtures.SiteOption) persistence.Site {
	t.Helper()
	site, err := store.Sites.UpsertSite(ctx, testfixtures.NewSiteFixture(opts...).Persistence())
	if err != nil {
		t.Fatalf("UpsertSite failed: %v", err)
	}
	return site
}

func seedSession(t *testing.T, ctx context.Context, store *testfixtures.StoreHarness, opts ...testfixtures.SessionOption) persistence.Session {
	t.Helper()
	session := testfixtures.NewSessionFixture(opts...).Persistence()
	if err := store.Sessions.WithinTx(ctx, func(tx persistence.SessionTx) error {
		return tx.InsertSession(ctx, session)
	}); err != nil {
		t.Fatalf("InsertSession failed: %v", err)
	}
	return session
}

func TestPolicyRepository(t *testing.T) {
	t.Parallel()

	t.Run("stores and replaces company policies", func(t *testing.T) {
		t.Parallel()
		forEachStore(t, func(t *testing.T, ctx context.Context, store *testfixtures.StoreHarness) {
			if _, err := store.Policies.GetCompanyPolicy(ctx, testfixtures.DefaultCompanyID); !errors.Is(err, persistence.ErrNotFound) {
				t.Fatalf("expected persistence.ErrNotFound, got %v", err)
			}

			policy := testfixtures.NewPolicyFixture(testfixtures.WithPolicySessionDuration(6 * time.Hour)).Persistence()
			if err := store.Policies.UpsertCompanyPolicy(ctx, policy); err != nil {
				t.Fatalf("UpsertCompanyPolicy failed: %v", err)
			}

			fetched, err := store.Policies.GetCompanyPolicy(ctx, policy.CompanyID)
			if err != nil {
				t.Fatalf("GetCompanyPolicy failed: %v", err)
			}
			if fetched.Timezone != "UTC" || len(fetched.WorkDays) != 5 || fetched.SessionDuration != 6*time.Hour {
				t.Fatalf("unexpected policy: %#v", fetched)
			}
			if fetched.BreakStart == nil || *fetched.BreakStart != 13*60 {
				t.Fatalf("expected break start 780, got %v", fetched.BreakStart)
			}

			replaced := testfixtures.NewPolicyFixture(testfixtures.WithoutPolicyBreak(), testfixtures.WithPolicyTimezone("Africa/Lagos")).Persistence()
			if err := store.Policies.UpsertCompanyPolicy(ctx, replaced); err != nil {
				t.Fatalf("UpsertCompanyPolicy failed: %v", err)
			}
			fetched, err = store.Policies.GetCompanyPolicy(ctx, policy.CompanyID)
			if err != nil {
				t.Fatalf("GetCompanyPolicy failed: %v", err)
			}
			if fetched.BreakStart != nil || fetched.Timezone != "Africa/Lagos" {
				t.Fatalf("expected replaced policy, got %#v", fetched)
			}
		})
	})

	t.Run("rejects inverted work windows", func(t *testing.T) {
		t.Parallel()
		forEachStore(t, func(t *testing.T, ctx context.Context, store *testfixtures.StoreHarness) {
			policy := testfixtures.NewPolicyFixture().Persistence()
			policy.WorkStart, policy.WorkEnd = 18*60, 8*60
			if err := store.Policies.UpsertCompanyPolicy(ctx, policy); !errors.Is(err, persistence.ErrConstraintViolation) {
				t.Fatalf("expected persistence.ErrConstraintViolation, got %v", err)
			}
		})
	})

	t.Run("inserts holidays once per date", func(t *testing.T) {
		t.Parallel()
		forEachStore(t, func(t *testing.T, ctx context.Context, store *testfixtures.StoreHarness) {
			base := testfixtures.ReferenceTime()
			holidays := []persistence.Holiday{
				{ID: "h-1", CompanyID: testfixtures.DefaultCompanyID, Date: "2025-08-01", Name: "Independence Day", Source: "official", CreatedAt: base},
				{ID: "h-2", CompanyID: testfixtures.DefaultCompanyID, Date: "2025-01-10", Name: "Vodun Day", Source: "official", CreatedAt: base},
			}
			added, err := store.Policies.InsertHolidays(ctx, holidays)
			if err != nil || added != 2 {
				t.Fatalf("expected 2 holidays added, got %d (%v)", added, err)
			}

			again := []persistence.Holiday{
				{ID: "h-3", CompanyID: testfixtures.DefaultCompanyID, Date: "2025-08-01", Name: "Duplicate", Source: "custom", CreatedAt: base},
				{ID: "h-4", CompanyID: testfixtures.DefaultCompanyID, Date: "2025-12-25", Name: "Christmas", Source: "custom", CreatedAt: base},
			}
			added, err = store.Policies.InsertHolidays(ctx, again)
			if err != nil || added != 1 {
				t.Fatalf("expected 1 holiday added, got %d (%v)", added, err)
			}

			listed, err := store.Policies.ListHolidays(ctx, testfixtures.DefaultCompanyID)
			if err != nil {
				t.Fatalf("ListHolidays failed: %v", err)
			}
			if len(listed) != 3 || listed[0].Date != "2025-01-10" || listed[1].Name != "Independence Day" {
				t.Fatalf("unexpected holidays: %#v", listed)
			}

			if err := store.Policies.DeleteHoliday(ctx, testfixtures.DefaultCompanyID, "2025-12-25"); err != nil {
				t.Fatalf("DeleteHoliday failed: %v", err)
			}
			if err := store.Policies.DeleteHoliday(ctx, testfixtures.DefaultCompanyID, "2025-12-25"); !errors.Is(err, persistence.ErrNotFound) {
				t.Fatalf("expected persistence.ErrNotFound, got %v", err)
			}
		})
	})
}

func TestSiteRepository(t *testing.T) {
	t.Parallel()

	t.Run("upserts by company and code", func(t *testing.T) {
		t.Parallel()
		forEachStore(t, func(t *testing.T, ctx context.Context, store *testfixtures.StoreHarness) {
			created := seedSite(t, ctx, store, testfixtures.WithSiteID("site-hq"), testfixtures.WithSiteCode("HQ"))

			edit := testfixtures.NewSiteFixture(
				testfixtures.WithSiteID("site-other"),
				testfixtures.WithSiteCode("HQ"),
				testfixtures.WithSiteLocation(6.5, 2.6, 350),
			).Persistence()
			updated, err := store.Sites.UpsertSite(ctx, edit)
			if err != nil {
				t.Fatalf("UpsertSite failed: %v", err)
			}
			if updated.ID != created.ID || updated.RadiusMeters != 350 {
				t.Fatalf("expected the existing site to be edited, got %#v", updated)
			}

			byCode, err := store.Sites.GetSiteByCode(ctx, testfixtures.DefaultCompanyID, "HQ")
			if err != nil || byCode.ID != "site-hq" {
				t.Fatalf("expected site-hq by code, got %#v (%v)", byCode, err)
			}
			if _, err := store.Sites.GetSiteByCode(ctx, "company-other", "HQ"); !errors.Is(err, persistence.ErrNotFound) {
				t.Fatalf("expected persistence.ErrNotFound for another company, got %v", err)
			}

			seedSite(t, ctx, store, testfixtures.WithSiteCode("AA"))
			sites, err := store.Sites.ListSites(ctx, testfixtures.DefaultCompanyID)
			if err != nil {
				t.Fatalf("ListSites failed: %v", err)
			}
			if len(sites) != 2 || sites[0].Code != "AA" {
				t.Fatalf("expected sites ordered by code, got %#v", sites)
			}
		})
	})

	t.Run("rejects a non positive radius", func(t *testing.T) {
		t.Parallel()
		forEachStore(t, func(t *testing.T, ctx context.Context, store *testfixtures.StoreHarness) {
			site := testfixtures.NewSiteFixture(testfixtures.WithSiteLocation(6.3, 2.4, 0)).Persistence()
			if _, err := store.Sites.UpsertSite(ctx, site); !errors.Is(err, persistence.ErrConstraintViolation) {
				t.Fatalf("expected persistence.ErrConstraintViolation, got %v", err)
			}
		})
	})
}

func TestPeerTokenRepository(t *testing.T) {
	t.Parallel()

	t.Run("consumes an eligible token exactly once", func(t *testing.T) {
		t.Parallel()
		forEachStore(t, func(t *testing.T, ctx context.Context, store *testfixtures.StoreHarness) {
			token := testfixtures.NewPeerTokenFixture("agent-b").Persistence()
			if err := store.Tokens.InsertPeerToken(ctx, token); err != nil {
				t.Fatalf("InsertPeerToken failed: %v", err)
			}
			if err := store.Tokens.InsertPeerToken(ctx, token); !errors.Is(err, persistence.ErrDuplicate) {
				t.Fatalf("expected persistence.ErrDuplicate, got %v", err)
			}

			params := persistence.ConsumePeerTokenParams{
				TokenHash:  token.TokenHash,
				CompanyID:  token.CompanyID,
				ConsumerID: "agent-a",
				At:         testfixtures.ReferenceTime().Add(10 * time.Second),
			}
			consumed, err := store.Tokens.ConsumePeerToken(ctx, params)
			if err != nil {
				t.Fatalf("ConsumePeerToken failed: %v", err)
			}
			if consumed.UserID != "agent-b" || consumed.ConsumedBy == nil || *consumed.ConsumedBy != "agent-a" {
				t.Fatalf("unexpected consumed token: %#v", consumed)
			}
			if _, err := store.Tokens.ConsumePeerToken(ctx, params); !errors.Is(err, persistence.ErrNotFound) {
				t.Fatalf("expected persistence.ErrNotFound on reuse, got %v", err)
			}
		})
	})

	t.Run("ineligible consumers leave the token untouched", func(t *testing.T) {
		t.Parallel()
		forEachStore(t, func(t *testing.T, ctx context.Context, store *testfixtures.StoreHarness) {
			token := testfixtures.NewPeerTokenFixture("agent-b").Persistence()
			if err := store.Tokens.InsertPeerToken(ctx, token); err != nil {
				t.Fatalf("InsertPeerToken failed: %v", err)
			}
			at := testfixtures.ReferenceTime().Add(time.Second)

			attempts := []persistence.ConsumePeerTokenParams{
				{TokenHash: token.TokenHash, CompanyID: "company-other", ConsumerID: "agent-a", At: at},
				{TokenHash: token.TokenHash, CompanyID: token.CompanyID, ConsumerID: "agent-b", At: at},
				{TokenHash: token.TokenHash, CompanyID: token.CompanyID, ConsumerID: "agent-a", At: token.ExpiresAt},
				{TokenHash: "unknown", CompanyID: token.CompanyID, ConsumerID: "agent-a", At: at},
			}
			for i, attempt := range attempts {
				if _, err := store.Tokens.ConsumePeerToken(ctx, attempt); !errors.Is(err, persistence.ErrNotFound) {
					t.Fatalf("attempt %d: expected persistence.ErrNotFound, got %v", i, err)
				}
			}

			if _, err := store.Tokens.ConsumePeerToken(ctx, persistence.ConsumePeerTokenParams{
				TokenHash: token.TokenHash, CompanyID: token.CompanyID, ConsumerID: "agent-a", At: at,
			}); err != nil {
				t.Fatalf("expected the token to remain consumable, got %v", err)
			}
		})
	})

	t.Run("concurrent consumers race for one token", func(t *testing.T) {
		t.Parallel()
		forEachStore(t, func(t *testing.T, ctx context.Context, store *testfixtures.StoreHarness) {
			token := testfixtures.NewPeerTokenFixture("agent-b").Persistence()
			if err := store.Tokens.InsertPeerToken(ctx, token); err != nil {
				t.Fatalf("InsertPeerToken failed: %v", err)
			}

			var (
				wg      sync.WaitGroup
				mu      sync.Mutex
				winners int
			)
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					_, err := store.Tokens.ConsumePeerToken(ctx, persistence.ConsumePeerTokenParams{
						TokenHash:  token.TokenHash,
						CompanyID:  token.CompanyID,
						ConsumerID: "agent-" + string(rune('c'+i)),
						At:         testfixtures.ReferenceTime().Add(time.Second),
					})
					if err == nil {
						mu.Lock()
						winners++
						mu.Unlock()
					}
				}(i)
			}
			wg.Wait()

			if winners != 1 {
				t.Fatalf("expected exactly one winner, got %d", winners)
			}
		})
	})

	t.Run("purges tokens expired before the cutoff", func(t *testing.T) {
		t.Parallel()
		forEachStore(t, func(t *testing.T, ctx context.Context, store *testfixtures.StoreHarness) {
			base := testfixtures.ReferenceTime()
			old := testfixtures.NewPeerTokenFixture("agent-b", testfixtures.WithTokenExpiry(base.Add(-time.Hour))).Persistence()
			fresh := testfixtures.NewPeerTokenFixture("agent-c", testfixtures.WithTokenExpiry(base.Add(time.Minute))).Persistence()
			for _, token := range []persistence.PeerToken{old, fresh} {
				if err := store.Tokens.InsertPeerToken(ctx, token); err != nil {
					t.Fatalf("InsertPeerToken failed: %v", err)
				}
			}

			purged, err := store.Tokens.PurgePeerTokens(ctx, base)
			if err != nil || purged != 1 {
				t.Fatalf("expected one purged token, got %d (%v)", purged, err)
			}
		})
	})
}

func TestSessionRepository(t *testing.T) {
	t.Parallel()

	t.Run("allows one open session per agent", func(t *testing.T) {
		t.Parallel()
		forEachStore(t, func(t *testing.T, ctx context.Context, store *testfixtures.StoreHarness) {
			site := seedSite(t, ctx, store)
			first := seedSession(t, ctx, store, testfixtures.WithSessionSite(site.ID), testfixtures.WithSessionAgents("alice", "bob"))

			err := store.Sessions.WithinTx(ctx, func(tx persistence.SessionTx) error {
				open, err := tx.HasOpenSession(ctx, testfixtures.DefaultCompanyID, "bob")
				if err != nil {
					return err
				}
				if !open {
					t.Fatalf("expected bob to hold an open session")
				}
				other := testfixtures.NewSessionFixture(testfixtures.WithSessionSite(site.ID), testfixtures.WithSessionAgents("carol", "bob")).Persistence()
				return tx.InsertSession(ctx, other)
			})
			if !errors.Is(err, persistence.ErrDuplicate) {
				t.Fatalf("expected persistence.ErrDuplicate, got %v", err)
			}

			if err := store.Sessions.WithinTx(ctx, func(tx persistence.SessionTx) error {
				return tx.TransitionSession(ctx, first.ID, persistence.OpenSessionStatuses, persistence.SessionCompleted, testfixtures.ReferenceTime().Add(8*time.Hour))
			}); err != nil {
				t.Fatalf("TransitionSession failed: %v", err)
			}

			seedSession(t, ctx, store, testfixtures.WithSessionSite(site.ID), testfixtures.WithSessionAgents("carol", "bob"))

			fetched, err := store.Sessions.GetSession(ctx, first.ID)
			if err != nil {
				t.Fatalf("GetSession failed: %v", err)
			}
			if fetched.Status != persistence.SessionCompleted || fetched.EndedAt == nil {
				t.Fatalf("expected a completed session with an end time, got %#v", fetched)
			}
		})
	})

	t.Run("rejects sessions at unknown sites", func(t *testing.T) {
		t.Parallel()
		forEachStore(t, func(t *testing.T, ctx context.Context, store *testfixtures.StoreHarness) {
			session := testfixtures.NewSessionFixture(testfixtures.WithSessionSite("missing")).Persistence()
			err := store.Sessions.WithinTx(ctx, func(tx persistence.SessionTx) error {
				return tx.InsertSession(ctx, session)
			})
			if !errors.Is(err, persistence.ErrConstraintViolation) {
				t.Fatalf("expected persistence.ErrConstraintViolation, got %v", err)
			}
		})
	})

	t.Run("transitions are conditional on the current status", func(t *testing.T) {
		t.Parallel()
		forEachStore(t, func(t *testing.T, ctx context.Context, store *testfixtures.StoreHarness) {
			site := seedSite(t, ctx, store)
			session := seedSession(t, ctx, store, testfixtures.WithSessionSite(site.ID))
			at := testfixtures.ReferenceTime().Add(time.Hour)

			err := store.Sessions.WithinTx(ctx, func(tx persistence.SessionTx) error {
				return tx.TransitionSession(ctx, session.ID, []string{persistence.SessionChallengePending}, persistence.SessionActive, at)
			})
			if !errors.Is(err, persistence.ErrStaleState) {
				t.Fatalf("expected persistence.ErrStaleState, got %v", err)
			}

			err = store.Sessions.WithinTx(ctx, func(tx persistence.SessionTx) error {
				return tx.TransitionSession(ctx, "missing", persistence.OpenSessionStatuses, persistence.SessionExpired, at)
			})
			if !errors.Is(err, persistence.ErrNotFound) {
				t.Fatalf("expected persistence.ErrNotFound, got %v", err)
			}
		})
	})

	t.Run("a failed transaction rolls back every write", func(t *testing.T) {
		t.Parallel()
		forEachStore(t, func(t *testing.T, ctx context.Context, store *testfixtures.StoreHarness) {
			site := seedSite(t, ctx, store)
			session := testfixtures.NewSessionFixture(testfixtures.WithSessionSite(site.ID)).Persistence()
			boom := errors.New("boom")

			err := store.Sessions.WithinTx(ctx, func(tx persistence.SessionTx) error {
				if err := tx.InsertSession(ctx, session); err != nil {
					return err
				}
				return boom
			})
			if !errors.Is(err, boom) {
				t.Fatalf("expected the callback error, got %v", err)
			}
			if _, err := store.Sessions.GetSession(ctx, session.ID); !errors.Is(err, persistence.ErrNotFound) {
				t.Fatalf("expected the insert to be rolled back, got %v", err)
			}
		})
	})

	t.Run("records heartbeats on open sessions only", func(t *testing.T) {
		t.Parallel()
		forEachStore(t, func(t *testing.T, ctx context.Context, store *testfixtures.StoreHarness) {
			site := seedSite(t, ctx, store)
			session := seedSession(t, ctx, store, testfixtures.WithSessionSite(site.ID))
			at := testfixtures.ReferenceTime().Add(2 * time.Minute)

			if err := store.Sessions.WithinTx(ctx, func(tx persistence.SessionTx) error {
				return tx.RecordHeartbeat(ctx, persistence.HeartbeatUpdate{SessionID: session.ID, At: at, Lat: 6.4, Lng: 2.5, Accuracy: 7})
			}); err != nil {
				t.Fatalf("RecordHeartbeat failed: %v", err)
			}

			fetched, err := store.Sessions.GetSession(ctx, session.ID)
			if err != nil {
				t.Fatalf("GetSession failed: %v", err)
			}
			if !fetched.LastHeartbeatAt.Equal(at) || fetched.LastLat != 6.4 || fetched.LastAccuracy != 7 {
				t.Fatalf("unexpected heartbeat state: %#v", fetched)
			}

			err = store.Sessions.WithinTx(ctx, func(tx persistence.SessionTx) error {
				if err := tx.TransitionSession(ctx, session.ID, persistence.OpenSessionStatuses, persistence.SessionExpired, at); err != nil {
					return err
				}
				return tx.RecordHeartbeat(ctx, persistence.HeartbeatUpdate{SessionID: session.ID, At: at.Add(time.Minute)})
			})
			if !errors.Is(err, persistence.ErrStaleState) {
				t.Fatalf("expected persistence.ErrStaleState, got %v", err)
			}
		})
	})

	t.Run("lists sessions by status and deadlines", func(t *testing.T) {
		t.Parallel()
		forEachStore(t, func(t *testing.T, ctx context.Context, store *testfixtures.StoreHarness) {
			site := seedSite(t, ctx, store)
			base := testfixtures.ReferenceTime()
			early := seedSession(t, ctx, store,
				testfixtures.WithSessionSite(site.ID),
				testfixtures.WithSessionTimes(base.Add(-9*time.Hour), base.Add(-time.Hour)),
			)
			seedSession(t, ctx, store,
				testfixtures.WithSessionSite(site.ID),
				testfixtures.WithSessionTimes(base, base.Add(8*time.Hour)),
			)

			cutoff := base
			overdue, err := store.Sessions.ListSessions(ctx, persistence.SessionFilter{
				Statuses:          persistence.OpenSessionStatuses,
				ExpectedEndBefore: &cutoff,
			})
			if err != nil {
				t.Fatalf("ListSessions failed: %v", err)
			}
			if len(overdue) != 1 || overdue[0].ID != early.ID {
				t.Fatalf("expected only the overdue session, got %#v", overdue)
			}

			silentCutoff := base.Add(-5 * time.Minute)
			silent, err := store.Sessions.ListSessions(ctx, persistence.SessionFilter{
				Statuses:            persistence.OpenSessionStatuses,
				LastHeartbeatBefore: &silentCutoff,
				Limit:               10,
			})
			if err != nil {
				t.Fatalf("ListSessions failed: %v", err)
			}
			if len(silent) != 1 || silent[0].ID != early.ID {
				t.Fatalf("expected only the silent session, got %#v", silent)
			}
		})
	})

	t.Run("resumes listings after a cursor", func(t *testing.T) {
		t.Parallel()
		forEachStore(t, func(t *testing.T, ctx context.Context, store *testfixtures.StoreHarness) {
			site := seedSite(t, ctx, store)
			base := testfixtures.ReferenceTime()
			for _, s := range []struct {
				id    string
				start time.Time
			}{
				{"cursor-b", base},
				{"cursor-a", base},
				{"cursor-c", base.Add(time.Minute)},
			} {
				seedSession(t, ctx, store,
					testfixtures.WithSessionID(s.id),
					testfixtures.WithSessionSite(site.ID),
					testfixtures.WithSessionTimes(s.start, s.start.Add(8*time.Hour)),
				)
			}

			ids := func(after *persistence.SessionCursor) []string {
				t.Helper()
				sessions, err := store.Sessions.ListSessions(ctx, persistence.SessionFilter{After: after, Limit: 10})
				if err != nil {
					t.Fatalf("ListSessions failed: %v", err)
				}
				out := make([]string, 0, len(sessions))
				for _, session := range sessions {
					out = append(out, session.ID)
				}
				return out
			}

			if got := ids(nil); strings.Join(got, ",") != "cursor-a,cursor-b,cursor-c" {
				t.Fatalf("expected (started_at, id) order, got %v", got)
			}
			if got := ids(&persistence.SessionCursor{StartedAt: base, ID: "cursor-a"}); strings.Join(got, ",") != "cursor-b,cursor-c" {
				t.Fatalf("expected the listing to resume after cursor-a, got %v", got)
			}
			if got := ids(&persistence.SessionCursor{StartedAt: base.Add(time.Minute), ID: "cursor-c"}); len(got) != 0 {
				t.Fatalf("expected nothing after the last session, got %v", got)
			}
		})
	})
}

func TestChallengeRepository(t *testing.T) {
	t.Parallel()

	t.Run("allows one pending challenge per session", func(t *testing.T) {
		t.Parallel()
		forEachStore(t, func(t *testing.T, ctx context.Context, store *testfixtures.StoreHarness) {
			site := seedSite(t, ctx, store)
			session := seedSession(t, ctx, store, testfixtures.WithSessionSite(site.ID))
			first := testfixtures.NewChallengeFixture(session.ID).Persistence()
			second := testfixtures.NewChallengeFixture(session.ID).Persistence()

			if err := store.Sessions.WithinTx(ctx, func(tx persistence.SessionTx) error {
				return tx.InsertChallenge(ctx, first)
			}); err != nil {
				t.Fatalf("InsertChallenge failed: %v", err)
			}

			err := store.Sessions.WithinTx(ctx, func(tx persistence.SessionTx) error {
				return tx.InsertChallenge(ctx, second)
			})
			if !errors.Is(err, persistence.ErrDuplicate) {
				t.Fatalf("expected persistence.ErrDuplicate, got %v", err)
			}

			resolvedAt := testfixtures.ReferenceTime().Add(5 * time.Second)
			if err := store.Sessions.WithinTx(ctx, func(tx persistence.SessionTx) error {
				pending, err := tx.GetPendingChallenge(ctx, session.ID)
				if err != nil {
					return err
				}
				if pending.ID != first.ID {
					t.Fatalf("expected pending challenge %s, got %s", first.ID, pending.ID)
				}
				if err := tx.TransitionChallenge(ctx, first.ID, persistence.ChallengePending, persistence.ChallengeFailed, resolvedAt); err != nil {
					return err
				}
				if err := tx.InsertChallenge(ctx, second); err != nil {
					return err
				}
				count, err := tx.CountChallenges(ctx, session.ID, persistence.ChallengeFailed)
				if err != nil {
					return err
				}
				if count != 1 {
					t.Fatalf("expected one failed challenge, got %d", count)
				}
				return nil
			}); err != nil {
				t.Fatalf("challenge rotation failed: %v", err)
			}

			fetched, err := store.Sessions.GetChallenge(ctx, first.ID)
			if err != nil {
				t.Fatalf("GetChallenge failed: %v", err)
			}
			if fetched.Status != persistence.ChallengeFailed || fetched.ResolvedAt == nil || !fetched.ResolvedAt.Equal(resolvedAt) {
				t.Fatalf("unexpected resolved challenge: %#v", fetched)
			}

			err = store.Sessions.WithinTx(ctx, func(tx persistence.SessionTx) error {
				return tx.TransitionChallenge(ctx, first.ID, persistence.ChallengePending, persistence.ChallengePassed, resolvedAt)
			})
			if !errors.Is(err, persistence.ErrStaleState) {
				t.Fatalf("expected persistence.ErrStaleState, got %v", err)
			}
		})
	})

	t.Run("lists pending challenges past their deadline", func(t *testing.T) {
		t.Parallel()
		forEachStore(t, func(t *testing.T, ctx context.Context, store *testfixtures.StoreHarness) {
			site := seedSite(t, ctx, store)
			base := testfixtures.ReferenceTime()
			due := seedSession(t, ctx, store, testfixtures.WithSessionSite(site.ID))
			later := seedSession(t, ctx, store, testfixtures.WithSessionSite(site.ID))

			challenges := []persistence.Challenge{
				testfixtures.NewChallengeFixture(due.ID, testfixtures.WithChallengeWindow(base, base.Add(20*time.Second))).Persistence(),
				testfixtures.NewChallengeFixture(later.ID, testfixtures.WithChallengeWindow(base, base.Add(time.Minute))).Persistence(),
			}
			if err := store.Sessions.WithinTx(ctx, func(tx persistence.SessionTx) error {
				for _, c := range challenges {
					if err := tx.InsertChallenge(ctx, c); err != nil {
						return err
					}
				}
				return nil
			}); err != nil {
				t.Fatalf("InsertChallenge failed: %v", err)
			}

			expired, err := store.Sessions.ListExpiredChallenges(ctx, base.Add(20*time.Second), 10)
			if err != nil {
				t.Fatalf("ListExpiredChallenges failed: %v", err)
			}
			if len(expired) != 1 || expired[0].SessionID != due.ID {
				t.Fatalf("expected the due challenge only, got %#v", expired)
			}
		})
	})
}

func TestAnomalyRepository(t *testing.T) {
	t.Parallel()

	t.Run("trigger keys make anomalies idempotent", func(t *testing.T) {
		t.Parallel()
		forEachStore(t, func(t *testing.T, ctx context.Context, store *testfixtures.StoreHarness) {
			site := seedSite(t, ctx, store)
			session := seedSession(t, ctx, store, testfixtures.WithSessionSite(site.ID))
			base := testfixtures.ReferenceTime()

			first := testfixtures.NewAnomalyFixture(session.ID, testfixtures.WithAnomalyTrigger("t-1")).Persistence()
			repeat := testfixtures.NewAnomalyFixture(session.ID, testfixtures.WithAnomalyTrigger("t-1")).Persistence()
			other := testfixtures.NewAnomalyFixture(session.ID,
				testfixtures.WithAnomalyTrigger("t-2"),
				testfixtures.WithAnomalyDetectedAt(base.Add(time.Minute)),
			).Persistence()

			if err := store.Sessions.WithinTx(ctx, func(tx persistence.SessionTx) error {
				return tx.InsertAnomaly(ctx, first)
			}); err != nil {
				t.Fatalf("InsertAnomaly failed: %v", err)
			}
			err := store.Sessions.WithinTx(ctx, func(tx persistence.SessionTx) error {
				return tx.InsertAnomaly(ctx, repeat)
			})
			if !errors.Is(err, persistence.ErrDuplicate) {
				t.Fatalf("expected persistence.ErrDuplicate, got %v", err)
			}

			if err := store.Sessions.WithinTx(ctx, func(tx persistence.SessionTx) error {
				if err := tx.InsertAnomaly(ctx, other); err != nil {
					return err
				}
				latest, err := tx.LatestAnomaly(ctx, session.ID, first.Type)
				if err != nil {
					return err
				}
				if latest.ID != other.ID {
					t.Fatalf("expected latest anomaly %s, got %s", other.ID, latest.ID)
				}
				return nil
			}); err != nil {
				t.Fatalf("InsertAnomaly failed: %v", err)
			}
		})
	})

	t.Run("rejects severities outside one to five", func(t *testing.T) {
		t.Parallel()
		forEachStore(t, func(t *testing.T, ctx context.Context, store *testfixtures.StoreHarness) {
			site := seedSite(t, ctx, store)
			session := seedSession(t, ctx, store, testfixtures.WithSessionSite(site.ID))
			anomaly := testfixtures.NewAnomalyFixture(session.ID, testfixtures.WithAnomalyType("GEO_DRIFT", 6)).Persistence()

			err := store.Sessions.WithinTx(ctx, func(tx persistence.SessionTx) error {
				return tx.InsertAnomaly(ctx, anomaly)
			})
			if !errors.Is(err, persistence.ErrConstraintViolation) {
				t.Fatalf("expected persistence.ErrConstraintViolation, got %v", err)
			}
		})
	})

	t.Run("lists and resolves within the company scope", func(t *testing.T) {
		t.Parallel()
		forEachStore(t, func(t *testing.T, ctx context.Context, store *testfixtures.StoreHarness) {
			site := seedSite(t, ctx, store)
			session := seedSession(t, ctx, store, testfixtures.WithSessionSite(site.ID))
			base := testfixtures.ReferenceTime()

			older := testfixtures.NewAnomalyFixture(session.ID).Persistence()
			newer := testfixtures.NewAnomalyFixture(session.ID,
				testfixtures.WithAnomalyType("GEO_DRIFT", 3),
				testfixtures.WithAnomalyDetectedAt(base.Add(time.Minute)),
			).Persistence()
			if err := store.Sessions.WithinTx(ctx, func(tx persistence.SessionTx) error {
				if err := tx.InsertAnomaly(ctx, older); err != nil {
					return err
				}
				return tx.InsertAnomaly(ctx, newer)
			}); err != nil {
				t.Fatalf("InsertAnomaly failed: %v", err)
			}

			if _, err := store.Sessions.ResolveAnomaly(ctx, "company-other", older.ID, base); !errors.Is(err, persistence.ErrNotFound) {
				t.Fatalf("expected persistence.ErrNotFound across companies, got %v", err)
			}

			resolvedAt := base.Add(time.Hour)
			resolved, err := store.Sessions.ResolveAnomaly(ctx, testfixtures.DefaultCompanyID, older.ID, resolvedAt)
			if err != nil {
				t.Fatalf("ResolveAnomaly failed: %v", err)
			}
			if !resolved.Resolved || resolved.ResolvedAt == nil || !resolved.ResolvedAt.Equal(resolvedAt) {
				t.Fatalf("unexpected resolved anomaly: %#v", resolved)
			}

			again, err := store.Sessions.ResolveAnomaly(ctx, testfixtures.DefaultCompanyID, older.ID, resolvedAt.Add(time.Hour))
			if err != nil || !again.ResolvedAt.Equal(resolvedAt) {
				t.Fatalf("expected the first resolution time to stick, got %#v (%v)", again, err)
			}

			all, err := store.Sessions.ListAnomalies(ctx, persistence.AnomalyFilter{CompanyID: testfixtures.DefaultCompanyID})
			if err != nil {
				t.Fatalf("ListAnomalies failed: %v", err)
			}
			if len(all) != 2 || all[0].ID != newer.ID {
				t.Fatalf("expected newest first, got %#v", all)
			}

			open, err := store.Sessions.ListAnomalies(ctx, persistence.AnomalyFilter{CompanyID: testfixtures.DefaultCompanyID, OpenOnly: true})
			if err != nil {
				t.Fatalf("ListAnomalies failed: %v", err)
			}
			if len(open) != 1 || open[0].ID != newer.ID {
				t.Fatalf("expected only the open anomaly, got %#v", open)
			}
		})
	})
}
