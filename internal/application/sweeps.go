package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/presence-engine/internal/persistence"
)

// SweepStaleSessions expires open sessions whose grace period has passed. Each session is
// rechecked under its lock, so sessions handled by a concurrent heartbeat are skipped.
func (e *PresenceEngine) SweepStaleSessions(ctx context.Context) (report SweepReport, err error) {
	if e == nil {
		err = fmt.Errorf("PresenceEngine is nil")
		return
	}

	logger := e.loggerWith(ctx, "SweepStaleSessions")
	var raised []*Anomaly
	defer func() {
		e.finishSweep(ctx, logger, "stale session sweep", report, raised, err)
	}()

	if e.sessions == nil {
		err = fmt.Errorf("session repository not configured")
		return
	}

	now := e.now().UTC()
	cutoff := now.Add(-e.cfg.SessionGrace)
	candidates, listErr := e.listOpenSessions(ctx, &e.staleSweep, persistence.SessionFilter{ExpectedEndBefore: &cutoff})
	if listErr != nil {
		err = listErr
		return
	}

	var errs []error
	for _, candidate := range candidates {
		report.Examined++
		anomaly, expired, sweepErr := e.expireStaleLocked(ctx, candidate.ID, now)
		if sweepErr != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", candidate.ID, sweepErr))
			continue
		}
		if expired {
			report.Processed++
		}
		if anomaly != nil {
			report.Anomalies++
			raised = append(raised, anomaly)
		}
	}
	err = errors.Join(errs...)
	return
}

func (e *PresenceEngine) expireStaleLocked(ctx context.Context, sessionID string, now time.Time) (*Anomaly, bool, error) {
	release, err := e.locks.Lock(ctx, sessionKey(sessionID))
	if err != nil {
		return nil, false, err
	}
	defer release()
	return e.expireStaleSession(ctx, sessionID, now)
}

// SweepSilentSessions raises HEARTBEAT_SILENCE for open sessions that have not reported within the
// silence window, and flags sessions whose silence reached SilenceFlagAfter. Sessions past their
// grace period are left to SweepStaleSessions.
func (e *PresenceEngine) SweepSilentSessions(ctx context.Context) (report SweepReport, err error) {
	if e == nil {
		err = fmt.Errorf("PresenceEngine is nil")
		return
	}

	logger := e.loggerWith(ctx, "SweepSilentSessions")
	var raised []*Anomaly
	defer func() {
		e.finishSweep(ctx, logger, "silence sweep", report, raised, err)
	}()

	if e.sessions == nil {
		err = fmt.Errorf("session repository not configured")
		return
	}

	now := e.now().UTC()
	cutoff := now.Add(-e.cfg.SilenceWindow)
	candidates, listErr := e.listOpenSessions(ctx, &e.silentSweep, persistence.SessionFilter{LastHeartbeatBefore: &cutoff})
	if listErr != nil {
		err = listErr
		return
	}

	var errs []error
	for _, candidate := range candidates {
		report.Examined++
		anomaly, handled, sweepErr := e.flagSilence(ctx, candidate.ID, now)
		if sweepErr != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", candidate.ID, sweepErr))
			continue
		}
		if handled {
			report.Processed++
		}
		if anomaly != nil {
			report.Anomalies++
			raised = append(raised, anomaly)
		}
	}
	err = errors.Join(errs...)
	return
}

func (e *PresenceEngine) flagSilence(ctx context.Context, sessionID string, now time.Time) (*Anomaly, bool, error) {
	release, err := e.locks.Lock(ctx, sessionKey(sessionID))
	if err != nil {
		return nil, false, err
	}
	defer release()

	var (
		anomaly *Anomaly
		handled bool
	)
	err = e.withinTx(ctx, func(tx persistence.SessionTx) error {
		anomaly, handled = nil, false
		current, err := tx.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if persistence.IsTerminalSessionStatus(current.Status) || e.isStale(current, now) {
			return nil
		}
		silence := now.Sub(current.LastHeartbeatAt)
		if silence <= e.cfg.SilenceWindow {
			return nil
		}

		event := AnomalyEvent{
			CompanyID:   current.CompanyID,
			SessionID:   current.ID,
			Type:        AnomalyHeartbeatSilence,
			Severity:    2,
			Explanation: fmt.Sprintf("no heartbeat for %s", silence.Round(time.Second)),
			TriggerKey:  formatInstant(current.LastHeartbeatAt),
			At:          now,
		}
		if e.cfg.SilenceFlagAfter > 0 && silence >= e.cfg.SilenceFlagAfter {
			if err := closeSession(ctx, tx, current.ID, persistence.SessionAnomalyFlagged, now); err != nil {
				return err
			}
			event.Severity = 4
			event.Force = true
			event.TriggerKey += "/flag"
			event.Explanation = fmt.Sprintf("no heartbeat for %s, session flagged", silence.Round(time.Second))
			handled = true
		}

		anomaly, err = e.emitter.Emit(ctx, tx, event)
		if err != nil {
			return err
		}
		if anomaly != nil {
			handled = true
		}
		return nil
	})
	return anomaly, handled, mapStoreError(err)
}

// listOpenSessions returns the next batch of open sessions matching filter, resuming after the
// batch the previous pass of the same sweep examined. Sessions that keep matching after they were
// handled therefore cannot starve the ones behind them.
func (e *PresenceEngine) listOpenSessions(ctx context.Context, cursor *sweepCursor, filter persistence.SessionFilter) ([]persistence.Session, error) {
	filter.Statuses = persistence.OpenSessionStatuses
	filter.Limit = e.cfg.SweepBatchSize
	filter.After = cursor.position()
	var sessions []persistence.Session
	err := e.store(ctx, func(ctx context.Context) error {
		var listErr error
		sessions, listErr = e.sessions.ListSessions(ctx, filter)
		return listErr
	})
	if err != nil {
		return nil, err
	}
	cursor.advance(sessions, filter.Limit)
	return sessions, nil
}

// sweepCursor is where the next pass of a sweep resumes. A short batch means the end of the
// candidates was reached, and the next pass starts over.
type sweepCursor struct {
	mu   sync.Mutex
	next *persistence.SessionCursor
}

func (c *sweepCursor) position() *persistence.SessionCursor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.next
}

func (c *sweepCursor) advance(batch []persistence.Session, limit int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if limit <= 0 || len(batch) < limit {
		c.next = nil
		return
	}
	last := batch[len(batch)-1]
	c.next = &persistence.SessionCursor{StartedAt: last.StartedAt, ID: last.ID}
}

func (e *PresenceEngine) finishSweep(ctx context.Context, logger *slog.Logger, name string, report SweepReport, raised []*Anomaly, err error) {
	e.logAnomalies(ctx, logger, raised)
	if err != nil {
		logger.ErrorContext(ctx, name+" incomplete", "error", err, "error_kind", ErrorKind(err),
			"examined", report.Examined, "processed", report.Processed)
		return
	}
	if report.Examined > 0 {
		logger.InfoContext(ctx, name+" finished",
			"examined", report.Examined, "processed", report.Processed, "anomalies", report.Anomalies)
	}
}
