// Package sweeper runs the recurring presence sweeps: challenge expiry, stale session expiry,
// heartbeat silence detection and peer token purging.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/example/presence-engine/internal/application"
)

// DefaultInterval is used when no interval is configured.
const DefaultInterval = 15 * time.Second

// SessionSweeper expires stale sessions and reports silent ones.
type SessionSweeper interface {
	SweepStaleSessions(ctx context.Context) (application.SweepReport, error)
	SweepSilentSessions(ctx context.Context) (application.SweepReport, error)
}

// ChallengeSweeper expires overdue challenges.
type ChallengeSweeper interface {
	SweepExpired(ctx context.Context) (application.SweepReport, error)
}

// TokenPurger deletes peer tokens that expired before a cutoff.
type TokenPurger interface {
	Purge(ctx context.Context, before time.Time) (int64, error)
}

// Config holds the parameters for New.
type Config struct {
	Interval time.Duration
	// TokenRetention keeps expired peer tokens this long before purging them.
	TokenRetention time.Duration
}

// Report summarises one sweep cycle.
type Report struct {
	Challenges   application.SweepReport
	Stale        application.SweepReport
	Silent       application.SweepReport
	TokensPurged int64
}

// Sweeper runs every sweep on a fixed interval. Failed items are left in place and picked up by
// the next cycle.
type Sweeper struct {
	sessions   SessionSweeper
	challenges ChallengeSweeper
	tokens     TokenPurger
	cfg        Config
	now        func() time.Time
	logger     *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a sweeper but does not start it. Nil collaborators are skipped.
func New(sessions SessionSweeper, challenges ChallengeSweeper, tokens TokenPurger, cfg Config, now func() time.Time, logger *slog.Logger) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.TokenRetention < 0 {
		cfg.TokenRetention = 0
	}
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		sessions:   sessions,
		challenges: challenges,
		tokens:     tokens,
		cfg:        cfg,
		now:        now,
		logger:     logger.With("component", "sweeper"),
		done:       make(chan struct{}),
	}
}

// Start runs a cycle immediately, then repeats on the configured interval until ctx is cancelled
// or Stop is called.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.loop(ctx)
	s.logger.InfoContext(ctx, "sweeper started", "interval", s.cfg.Interval.String())
}

// Stop signals the loop to exit and waits for the running cycle to finish.
func (s *Sweeper) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}

func (s *Sweeper) loop(ctx context.Context) {
	defer close(s.done)

	s.cycle(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.cycle(ctx)
		}
	}
}

func (s *Sweeper) cycle(ctx context.Context) {
	if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
		s.logger.ErrorContext(ctx, "sweep cycle incomplete", "error", err, "error_kind", application.ErrorKind(err))
	}
}

// RunOnce runs every sweep concurrently and waits for all of them. Errors from independent sweeps
// are joined; one failing sweep does not stop the others.
func (s *Sweeper) RunOnce(ctx context.Context) (Report, error) {
	var (
		report Report
		g      errgroup.Group
		errs   [4]error
	)

	if s.challenges != nil {
		g.Go(func() error {
			var err error
			report.Challenges, err = s.challenges.SweepExpired(ctx)
			errs[0] = wrap("challenge expiry", err)
			return nil
		})
	}
	if s.sessions != nil {
		g.Go(func() error {
			var err error
			report.Stale, err = s.sessions.SweepStaleSessions(ctx)
			errs[1] = wrap("stale sessions", err)
			return nil
		})
		g.Go(func() error {
			var err error
			report.Silent, err = s.sessions.SweepSilentSessions(ctx)
			errs[2] = wrap("heartbeat silence", err)
			return nil
		})
	}
	if s.tokens != nil {
		g.Go(func() error {
			var err error
			report.TokensPurged, err = s.tokens.Purge(ctx, s.now().UTC().Add(-s.cfg.TokenRetention))
			errs[3] = wrap("peer token purge", err)
			return nil
		})
	}
	_ = g.Wait()

	if report.TokensPurged > 0 {
		s.logger.InfoContext(ctx, "expired peer tokens purged", "count", report.TokensPurged)
	}
	return report, errors.Join(errs[:]...)
}

func wrap(sweep string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", sweep, err)
}
