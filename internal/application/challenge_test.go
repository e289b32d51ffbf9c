package application

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/presence-engine/internal/persistence"
)

func issueChallenge(t *testing.T, h *engineHarness, sessionID string, ttl time.Duration) Challenge {
	t.Helper()
	challenge, err := h.engine.Challenges().Issue(context.Background(), IssueChallengeParams{
		Principal: admin(),
		SessionID: sessionID,
		TTL:       ttl,
	})
	if err != nil {
		t.Fatalf("issue challenge: %v", err)
	}
	return challenge
}

func TestChallengeCoordinator_Issue(t *testing.T) {
	t.Run("moves the session to CHALLENGE_PENDING", func(t *testing.T) {
		h := newEngineHarness(t, nil)
		session := h.start(t, "alice", "bob")

		challenge := issueChallenge(t, h, session.ID, 0)
		if challenge.Status != ChallengePending {
			t.Fatalf("expected PENDING, got %s", challenge.Status)
		}
		if !challenge.ExpiresAt.Equal(referenceTime.Add(20 * time.Second)) {
			t.Fatalf("expected default 20s ttl, got expiry %s", challenge.ExpiresAt)
		}
		if status := h.session(t, session.ID).Status; status != persistence.SessionChallengePending {
			t.Fatalf("expected CHALLENGE_PENDING, got %s", status)
		}
	})

	t.Run("refuses a second pending challenge", func(t *testing.T) {
		h := newEngineHarness(t, nil)
		session := h.start(t, "alice", "bob")
		issueChallenge(t, h, session.ID, time.Minute)

		_, err := h.engine.Challenges().Issue(context.Background(), IssueChallengeParams{
			Principal: admin(),
			SessionID: session.ID,
		})
		if !errors.Is(err, ErrChallengeOpen) {
			t.Fatalf("expected ErrChallengeOpen, got %v", err)
		}
	})

	t.Run("requires administrator privileges", func(t *testing.T) {
		h := newEngineHarness(t, nil)
		session := h.start(t, "alice", "bob")

		_, err := h.engine.Challenges().Issue(context.Background(), IssueChallengeParams{
			Principal: agent("alice"),
			SessionID: session.ID,
		})
		if !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("expected ErrUnauthorized, got %v", err)
		}
	})

	t.Run("validates the ttl", func(t *testing.T) {
		h := newEngineHarness(t, nil)
		session := h.start(t, "alice", "bob")

		for _, ttl := range []time.Duration{time.Second, time.Hour} {
			_, err := h.engine.Challenges().Issue(context.Background(), IssueChallengeParams{
				Principal: admin(),
				SessionID: session.ID,
				TTL:       ttl,
			})
			var vErr *ValidationError
			if !errors.As(err, &vErr) {
				t.Fatalf("ttl %s: expected validation error, got %v", ttl, err)
			}
		}
	})

	t.Run("refuses a terminal session", func(t *testing.T) {
		h := newEngineHarness(t, nil)
		session := h.start(t, "alice", "bob")
		h.clock.Advance(8 * time.Hour)
		if _, err := h.engine.Complete(context.Background(), agent("alice"), session.ID); err != nil {
			t.Fatalf("complete: %v", err)
		}

		_, err := h.engine.Challenges().Issue(context.Background(), IssueChallengeParams{
			Principal: admin(),
			SessionID: session.ID,
		})
		if !errors.Is(err, ErrInvalidState) {
			t.Fatalf("expected ErrInvalidState, got %v", err)
		}
	})

	t.Run("hides sessions of other companies", func(t *testing.T) {
		h := newEngineHarness(t, nil)
		session := h.start(t, "alice", "bob")

		_, err := h.engine.Challenges().Issue(context.Background(), IssueChallengeParams{
			Principal: Principal{UserID: "admin-2", CompanyID: "co-2", IsAdmin: true},
			SessionID: session.ID,
		})
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestChallengeCoordinator_Resolve(t *testing.T) {
	t.Run("passed returns the session to ACTIVE", func(t *testing.T) {
		h := newEngineHarness(t, nil)
		session := h.start(t, "alice", "bob")
		challenge := issueChallenge(t, h, session.ID, 0)
		h.clock.Advance(5 * time.Second)

		resolved, err := h.engine.Challenges().Resolve(context.Background(), ResolveChallengeParams{
			Principal:   agent("bob"),
			ChallengeID: challenge.ID,
			Passed:      true,
		})
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if resolved.Status != ChallengePassed || resolved.ResolvedAt == nil {
			t.Fatalf("expected PASSED with a resolution time, got %s", resolved.Status)
		}
		if status := h.session(t, session.ID).Status; status != persistence.SessionActive {
			t.Fatalf("expected ACTIVE, got %s", status)
		}

		_, err = h.engine.Challenges().Resolve(context.Background(), ResolveChallengeParams{
			Principal:   agent("bob"),
			ChallengeID: challenge.ID,
			Passed:      false,
		})
		if !errors.Is(err, ErrInvalidState) {
			t.Fatalf("expected ErrInvalidState for a resolved challenge, got %v", err)
		}
	})

	t.Run("failed raises CHALLENGE_FAILED and keeps the session running", func(t *testing.T) {
		h := newEngineHarness(t, nil)
		session := h.start(t, "alice", "bob")
		challenge := issueChallenge(t, h, session.ID, 0)

		resolved, err := h.engine.Challenges().Resolve(context.Background(), ResolveChallengeParams{
			Principal:   admin(),
			ChallengeID: challenge.ID,
		})
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if resolved.Status != ChallengeFailed {
			t.Fatalf("expected FAILED, got %s", resolved.Status)
		}
		anomalies := h.anomalies(t, session.ID, AnomalyChallengeFailed)
		if len(anomalies) != 1 || anomalies[0].Severity != 3 {
			t.Fatalf("expected one severity 3 CHALLENGE_FAILED, got %+v", anomalies)
		}
		if status := h.session(t, session.ID).Status; status != persistence.SessionActive {
			t.Fatalf("expected ACTIVE, got %s", status)
		}
	})

	t.Run("repeated failures flag the session", func(t *testing.T) {
		h := newEngineHarness(t, func(cfg *EngineConfig) { cfg.MaxChallengeFailures = 2 })
		session := h.start(t, "alice", "bob")

		for i := 0; i < 2; i++ {
			challenge := issueChallenge(t, h, session.ID, 0)
			if _, err := h.engine.Challenges().Resolve(context.Background(), ResolveChallengeParams{
				Principal:   agent("alice"),
				ChallengeID: challenge.ID,
			}); err != nil {
				t.Fatalf("resolve %d: %v", i, err)
			}
			h.clock.Advance(time.Second)
		}

		if status := h.session(t, session.ID).Status; status != persistence.SessionAnomalyFlagged {
			t.Fatalf("expected ANOMALY_FLAGGED, got %s", status)
		}
		anomalies := h.anomalies(t, session.ID, AnomalyChallengeFailed)
		if len(anomalies) != 2 {
			t.Fatalf("expected 2 CHALLENGE_FAILED, got %d", len(anomalies))
		}
		if anomalies[0].Severity != 5 {
			t.Fatalf("expected the escalating failure to carry severity 5, got %d", anomalies[0].Severity)
		}
	})

	t.Run("each failed challenge is recorded inside the debounce window", func(t *testing.T) {
		h := newEngineHarness(t, nil)
		session := h.start(t, "alice", "bob")

		for i := 0; i < 2; i++ {
			challenge := issueChallenge(t, h, session.ID, 0)
			if _, err := h.engine.Challenges().Resolve(context.Background(), ResolveChallengeParams{
				Principal:   agent("alice"),
				ChallengeID: challenge.ID,
			}); err != nil {
				t.Fatalf("resolve %d: %v", i, err)
			}
			h.clock.Advance(time.Minute)
		}

		anomalies := h.anomalies(t, session.ID, AnomalyChallengeFailed)
		if len(anomalies) != 2 {
			t.Fatalf("expected 2 CHALLENGE_FAILED, got %d", len(anomalies))
		}
		if anomalies[0].TriggerKey == anomalies[1].TriggerKey {
			t.Fatalf("expected one trigger per challenge, got %q twice", anomalies[0].TriggerKey)
		}
		if status := h.session(t, session.ID).Status; status != persistence.SessionActive {
			t.Fatalf("expected ACTIVE below the failure limit, got %s", status)
		}
	})

	t.Run("a late resolution expires the challenge", func(t *testing.T) {
		h := newEngineHarness(t, nil)
		session := h.start(t, "alice", "bob")
		challenge := issueChallenge(t, h, session.ID, 0)
		h.clock.Advance(20 * time.Second)

		_, err := h.engine.Challenges().Resolve(context.Background(), ResolveChallengeParams{
			Principal:   agent("alice"),
			ChallengeID: challenge.ID,
			Passed:      true,
		})
		if !errors.Is(err, ErrChallengeExpired) {
			t.Fatalf("expected ErrChallengeExpired, got %v", err)
		}

		stored, getErr := h.store.GetChallenge(context.Background(), challenge.ID)
		if getErr != nil {
			t.Fatalf("get challenge: %v", getErr)
		}
		if stored.Status != persistence.ChallengeExpired {
			t.Fatalf("expected EXPIRED, got %s", stored.Status)
		}
		if status := h.session(t, session.ID).Status; status != persistence.SessionActive {
			t.Fatalf("expected ACTIVE, got %s", status)
		}
		if got := len(h.anomalies(t, session.ID, AnomalyChallengeTimeout)); got != 1 {
			t.Fatalf("expected 1 CHALLENGE_TIMEOUT, got %d", got)
		}
	})

	t.Run("restricts resolution to agents and administrators of the company", func(t *testing.T) {
		h := newEngineHarness(t, nil)
		session := h.start(t, "alice", "bob")
		challenge := issueChallenge(t, h, session.ID, 0)

		_, err := h.engine.Challenges().Resolve(context.Background(), ResolveChallengeParams{
			Principal:   agent("mallory"),
			ChallengeID: challenge.ID,
			Passed:      true,
		})
		if !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("expected ErrUnauthorized, got %v", err)
		}

		_, err = h.engine.Challenges().Resolve(context.Background(), ResolveChallengeParams{
			Principal:   Principal{UserID: "alice", CompanyID: "co-2"},
			ChallengeID: challenge.ID,
			Passed:      true,
		})
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestChallengeCoordinator_SweepExpired(t *testing.T) {
	h := newEngineHarness(t, nil)
	session := h.start(t, "alice", "bob")
	challenge := issueChallenge(t, h, session.ID, 20*time.Second)

	h.clock.Advance(10 * time.Second)
	report, err := h.engine.Challenges().SweepExpired(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if report.Examined != 0 {
		t.Fatalf("expected nothing to expire yet, got %+v", report)
	}

	h.clock.Advance(15 * time.Second)
	for i := 0; i < 3; i++ {
		report, err = h.engine.Challenges().SweepExpired(context.Background())
		if err != nil {
			t.Fatalf("sweep %d: %v", i, err)
		}
		if i == 0 && (report.Processed != 1 || report.Anomalies != 1) {
			t.Fatalf("expected the first sweep to expire one challenge, got %+v", report)
		}
		if i > 0 && report.Processed != 0 {
			t.Fatalf("expected later sweeps to be no-ops, got %+v", report)
		}
	}

	stored, err := h.store.GetChallenge(context.Background(), challenge.ID)
	if err != nil {
		t.Fatalf("get challenge: %v", err)
	}
	if stored.Status != persistence.ChallengeExpired {
		t.Fatalf("expected EXPIRED, got %s", stored.Status)
	}
	if got := len(h.anomalies(t, session.ID, AnomalyChallengeTimeout)); got != 1 {
		t.Fatalf("expected exactly one CHALLENGE_TIMEOUT, got %d", got)
	}
	if status := h.session(t, session.ID).Status; status != persistence.SessionActive {
		t.Fatalf("expected ACTIVE, got %s", status)
	}
}

func TestChallengeCoordinator_SweepExpiredRecordsEachTimeout(t *testing.T) {
	h := newEngineHarness(t, nil)
	session := h.start(t, "alice", "bob")

	for i := 0; i < 2; i++ {
		issueChallenge(t, h, session.ID, 20*time.Second)
		h.clock.Advance(30 * time.Second)
		report, err := h.engine.Challenges().SweepExpired(context.Background())
		if err != nil {
			t.Fatalf("sweep %d: %v", i, err)
		}
		if report.Processed != 1 || report.Anomalies != 1 {
			t.Fatalf("expected sweep %d to record a timeout, got %+v", i, report)
		}
	}

	if got := len(h.anomalies(t, session.ID, AnomalyChallengeTimeout)); got != 2 {
		t.Fatalf("expected 2 CHALLENGE_TIMEOUT, got %d", got)
	}
}
