package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/presence-engine/internal/persistence"
)

var baseTime = time.Date(2025, time.May, 5, 9, 0, 0, 0, time.UTC)

func newSeededStorage(t *testing.T) (*Storage, persistence.Session) {
	t.Helper()
	ctx := context.Background()
	store := New()
	if _, err := store.UpsertSite(ctx, persistence.Site{
		ID: "site-1", CompanyID: "co-1", Code: "HQ", Name: "HQ", RadiusMeters: 100,
		CreatedAt: baseTime, UpdatedAt: baseTime,
	}); err != nil {
		t.Fatalf("UpsertSite failed: %v", err)
	}

	session := persistence.Session{
		ID: "session-1", CompanyID: "co-1", SiteID: "site-1", AgentAID: "agent-a", AgentBID: "agent-b",
		Status: persistence.SessionActive, StartedAt: baseTime, ExpectedEndAt: baseTime.Add(8 * time.Hour),
		LastHeartbeatAt: baseTime, UpdatedAt: baseTime,
	}
	if err := store.WithinTx(ctx, func(tx persistence.SessionTx) error {
		return tx.InsertSession(ctx, session)
	}); err != nil {
		t.Fatalf("InsertSession failed: %v", err)
	}
	return store, session
}

func TestWithinTxUndoesWritesOnFailure(t *testing.T) {
	ctx := context.Background()
	store, session := newSeededStorage(t)
	errBoom := errors.New("boom")

	err := store.WithinTx(ctx, func(tx persistence.SessionTx) error {
		if err := tx.RecordHeartbeat(ctx, persistence.HeartbeatUpdate{SessionID: session.ID, At: baseTime.Add(time.Minute), Lat: 1}); err != nil {
			return err
		}
		if err := tx.InsertChallenge(ctx, persistence.Challenge{
			ID: "challenge-1", SessionID: session.ID, CompanyID: "co-1", Status: persistence.ChallengePending,
			IssuedAt: baseTime, ExpiresAt: baseTime.Add(time.Minute),
		}); err != nil {
			return err
		}
		if err := tx.TransitionSession(ctx, session.ID, persistence.OpenSessionStatuses, persistence.SessionChallengePending, baseTime); err != nil {
			return err
		}
		return errBoom
	})
	if !errors.Is(err, errBoom) {
		t.Fatalf("expected the callback error, got %v", err)
	}

	stored, err := store.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if stored.Status != persistence.SessionActive || !stored.LastHeartbeatAt.Equal(baseTime) || stored.LastLat != 0 {
		t.Fatalf("expected the session to be restored, got %+v", stored)
	}
	if _, err := store.GetChallenge(ctx, "challenge-1"); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected the inserted challenge to be removed, got %v", err)
	}
}

func TestWithinTxUndoesWritesOnPanic(t *testing.T) {
	ctx := context.Background()
	store, session := newSeededStorage(t)

	func() {
		defer func() {
			if recover() == nil {
				t.Fatalf("expected the panic to propagate")
			}
		}()
		_ = store.WithinTx(ctx, func(tx persistence.SessionTx) error {
			if err := tx.TransitionSession(ctx, session.ID, persistence.OpenSessionStatuses, persistence.SessionCompleted, baseTime); err != nil {
				return err
			}
			panic("boom")
		})
	}()

	stored, err := store.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if stored.Status != persistence.SessionActive || stored.EndedAt != nil {
		t.Fatalf("expected the session to be restored, got %+v", stored)
	}
}

func TestWithinTxUndoesWritesWhenContextEnds(t *testing.T) {
	store, session := newSeededStorage(t)
	ctx, cancel := context.WithCancel(context.Background())

	err := store.WithinTx(ctx, func(tx persistence.SessionTx) error {
		cancel()
		return tx.RecordHeartbeat(ctx, persistence.HeartbeatUpdate{SessionID: session.ID, At: baseTime.Add(time.Minute)})
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	stored, err := store.GetSession(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if !stored.LastHeartbeatAt.Equal(baseTime) {
		t.Fatalf("expected the heartbeat to be undone, got %s", stored.LastHeartbeatAt)
	}
}

func TestWithinTxCommitsOnSuccess(t *testing.T) {
	ctx := context.Background()
	store, session := newSeededStorage(t)

	if err := store.WithinTx(ctx, func(tx persistence.SessionTx) error {
		return tx.RecordHeartbeat(ctx, persistence.HeartbeatUpdate{SessionID: session.ID, At: baseTime.Add(time.Minute)})
	}); err != nil {
		t.Fatalf("WithinTx failed: %v", err)
	}

	stored, err := store.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if !stored.LastHeartbeatAt.Equal(baseTime.Add(time.Minute)) {
		t.Fatalf("expected the heartbeat to be stored, got %s", stored.LastHeartbeatAt)
	}
}
