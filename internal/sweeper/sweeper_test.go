package sweeper

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/example/presence-engine/internal/application"
)

type sessionSweeperStub struct {
	mu        sync.Mutex
	staleRuns int
	silentRun int
	staleErr  error
}

func (s *sessionSweeperStub) SweepStaleSessions(ctx context.Context) (application.SweepReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.staleRuns++
	return application.SweepReport{Examined: 2, Processed: 1, Anomalies: 1}, s.staleErr
}

func (s *sessionSweeperStub) SweepSilentSessions(ctx context.Context) (application.SweepReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.silentRun++
	return application.SweepReport{Examined: 3}, nil
}

func (s *sessionSweeperStub) runs() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.staleRuns, s.silentRun
}

type challengeSweeperStub struct {
	err error
}

func (c *challengeSweeperStub) SweepExpired(ctx context.Context) (application.SweepReport, error) {
	return application.SweepReport{Examined: 1, Processed: 1, Anomalies: 1}, c.err
}

type tokenPurgerStub struct {
	before time.Time
}

func (p *tokenPurgerStub) Purge(ctx context.Context, before time.Time) (int64, error) {
	p.before = before
	return 4, nil
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSweeper_RunOnce(t *testing.T) {
	now := time.Date(2025, 5, 5, 9, 0, 0, 0, time.UTC)

	t.Run("runs every sweep and collects reports", func(t *testing.T) {
		sessions := &sessionSweeperStub{}
		tokens := &tokenPurgerStub{}
		s := New(sessions, &challengeSweeperStub{}, tokens, Config{TokenRetention: time.Hour},
			func() time.Time { return now }, discard())

		report, err := s.RunOnce(context.Background())
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if report.Challenges.Processed != 1 || report.Stale.Processed != 1 || report.Silent.Examined != 3 {
			t.Fatalf("unexpected report %+v", report)
		}
		if report.TokensPurged != 4 {
			t.Fatalf("expected 4 purged tokens, got %d", report.TokensPurged)
		}
		if !tokens.before.Equal(now.Add(-time.Hour)) {
			t.Fatalf("expected purge cutoff %s, got %s", now.Add(-time.Hour), tokens.before)
		}
	})

	t.Run("joins errors without skipping other sweeps", func(t *testing.T) {
		staleErr := errors.New("store down")
		sessions := &sessionSweeperStub{staleErr: staleErr}
		challengeErr := application.ErrStoreTimeout
		s := New(sessions, &challengeSweeperStub{err: challengeErr}, nil, Config{}, nil, discard())

		report, err := s.RunOnce(context.Background())
		if !errors.Is(err, staleErr) || !errors.Is(err, application.ErrStoreTimeout) {
			t.Fatalf("expected both errors to be joined, got %v", err)
		}
		if !strings.Contains(err.Error(), "stale sessions") {
			t.Fatalf("expected the sweep name in the error, got %q", err.Error())
		}
		if _, silent := sessions.runs(); silent != 1 || report.Silent.Examined != 3 {
			t.Fatalf("expected the silence sweep to run regardless")
		}
	})

	t.Run("skips missing collaborators", func(t *testing.T) {
		s := New(nil, nil, nil, Config{}, nil, discard())
		if _, err := s.RunOnce(context.Background()); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
	})
}

func TestSweeper_StartStop(t *testing.T) {
	sessions := &sessionSweeperStub{}
	s := New(sessions, nil, nil, Config{Interval: 5 * time.Millisecond}, nil, discard())

	s.Start(context.Background())
	deadline := time.Now().Add(2 * time.Second)
	for {
		stale, _ := sessions.runs()
		if stale >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected repeated cycles, got %d", stale)
		}
		time.Sleep(time.Millisecond)
	}
	s.Stop()

	stopped, _ := sessions.runs()
	time.Sleep(20 * time.Millisecond)
	if after, _ := sessions.runs(); after != stopped {
		t.Fatalf("expected no cycles after Stop, got %d more", after-stopped)
	}
}

func TestSweeper_StopWithoutStart(t *testing.T) {
	s := New(nil, nil, nil, Config{}, nil, discard())
	s.Stop()
}
