package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/presence-engine/internal/persistence"
)

// ChallengeCoordinator issues liveness challenges against running sessions and resolves or
// expires them. It shares the engine's store, locks and anomaly emitter so that challenge
// handling and heartbeats on one session are serialised.
type ChallengeCoordinator struct {
	engine *PresenceEngine
}

func (c *ChallengeCoordinator) loggerWith(ctx context.Context, operation string, attrs ...any) *slog.Logger {
	return serviceLogger(ctx, c.engine.logger, "ChallengeCoordinator", operation, attrs...)
}

// Issue opens a challenge on an ACTIVE session and moves the session to CHALLENGE_PENDING.
// Administrators only.
func (c *ChallengeCoordinator) Issue(ctx context.Context, params IssueChallengeParams) (challenge Challenge, err error) {
	if c == nil || c.engine == nil {
		err = fmt.Errorf("ChallengeCoordinator is nil")
		return
	}
	e := c.engine

	principal := params.Principal
	logger := c.loggerWith(ctx, "Issue",
		"principal_id", principal.UserID,
		"company_id", principal.CompanyID,
		"session_id", params.SessionID,
	)
	defer func() {
		if err != nil {
			logger.ErrorContext(ctx, "failed to issue challenge", "error", err, "error_kind", ErrorKind(err))
			return
		}
		logger.InfoContext(ctx, "challenge issued", "challenge_id", challenge.ID, "expires_at", challenge.ExpiresAt)
	}()

	if !principal.IsAdmin || principal.CompanyID == "" {
		err = ErrUnauthorized
		return
	}
	if e.sessions == nil {
		err = fmt.Errorf("session repository not configured")
		return
	}

	ttl := params.TTL
	if ttl == 0 {
		ttl = e.cfg.ChallengeTTL
	}
	if ttl < MinChallengeTTL || ttl > MaxChallengeTTL {
		vErr := &ValidationError{}
		vErr.add("ttl_seconds", fmt.Sprintf("ttl must be between %s and %s", MinChallengeTTL, MaxChallengeTTL))
		err = vErr
		return
	}

	release, lockErr := e.locks.Lock(ctx, sessionKey(params.SessionID))
	if lockErr != nil {
		err = fmt.Errorf("%w: %v", ErrStoreTimeout, lockErr)
		return
	}
	defer release()

	current, loadErr := e.loadSession(ctx, principal, params.SessionID, false)
	if loadErr != nil {
		err = loadErr
		return
	}

	now := e.now().UTC()
	record := persistence.Challenge{
		ID:        e.idGenerator(),
		SessionID: current.ID,
		CompanyID: current.CompanyID,
		Status:    persistence.ChallengePending,
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
	}

	err = e.withinTx(ctx, func(tx persistence.SessionTx) error {
		latest, err := tx.GetSession(ctx, current.ID)
		if err != nil {
			return err
		}
		switch latest.Status {
		case persistence.SessionActive:
		case persistence.SessionChallengePending:
			return fmt.Errorf("%w: session %s", ErrChallengeOpen, current.ID)
		default:
			return fmt.Errorf("%w: session %s is %s", ErrInvalidState, current.ID, latest.Status)
		}
		if err := tx.InsertChallenge(ctx, record); err != nil {
			if errors.Is(err, persistence.ErrDuplicate) {
				return fmt.Errorf("%w: %v", ErrChallengeOpen, err)
			}
			return err
		}
		return tx.TransitionSession(ctx, current.ID,
			[]string{persistence.SessionActive}, persistence.SessionChallengePending, now)
	})
	if err != nil {
		err = mapStoreError(err)
		return
	}

	challenge = toChallenge(record)
	return
}

// Resolve records the outcome of a pending challenge. A passed challenge returns the session to
// ACTIVE. A failed one raises CHALLENGE_FAILED and, once the failure limit is reached, flags the
// session. A challenge resolved at or after its deadline is expired instead and
// ErrChallengeExpired is returned.
func (c *ChallengeCoordinator) Resolve(ctx context.Context, params ResolveChallengeParams) (challenge Challenge, err error) {
	if c == nil || c.engine == nil {
		err = fmt.Errorf("ChallengeCoordinator is nil")
		return
	}
	e := c.engine

	principal := params.Principal
	logger := c.loggerWith(ctx, "Resolve",
		"principal_id", principal.UserID,
		"company_id", principal.CompanyID,
		"challenge_id", params.ChallengeID,
		"passed", params.Passed,
	)
	var raised []*Anomaly
	defer func() {
		e.logAnomalies(ctx, logger, raised)
		if err != nil {
			logger.ErrorContext(ctx, "failed to resolve challenge", "error", err, "error_kind", ErrorKind(err))
			return
		}
		logger.InfoContext(ctx, "challenge resolved", "status", challenge.Status)
	}()

	if principal.UserID == "" || principal.CompanyID == "" {
		err = ErrUnauthorized
		return
	}
	if e.sessions == nil {
		err = fmt.Errorf("session repository not configured")
		return
	}

	var target persistence.Challenge
	err = e.store(ctx, func(ctx context.Context) error {
		var getErr error
		target, getErr = e.sessions.GetChallenge(ctx, params.ChallengeID)
		return getErr
	})
	if err != nil {
		err = mapStoreError(err)
		return
	}
	if target.CompanyID != principal.CompanyID {
		err = fmt.Errorf("%w: challenge %s", ErrNotFound, params.ChallengeID)
		return
	}

	release, lockErr := e.locks.Lock(ctx, sessionKey(target.SessionID))
	if lockErr != nil {
		err = fmt.Errorf("%w: %v", ErrStoreTimeout, lockErr)
		return
	}
	defer release()

	if _, loadErr := e.loadSession(ctx, principal, target.SessionID, false); loadErr != nil {
		err = loadErr
		return
	}

	now := e.now().UTC()
	var expired bool
	err = e.withinTx(ctx, func(tx persistence.SessionTx) error {
		raised = nil
		expired = false

		current, err := tx.GetChallenge(ctx, target.ID)
		if err != nil {
			return err
		}
		if current.Status != persistence.ChallengePending {
			return fmt.Errorf("%w: challenge %s is %s", ErrInvalidState, current.ID, current.Status)
		}

		if !now.Before(current.ExpiresAt) {
			anomaly, err := e.expireChallenge(ctx, tx, current, now)
			if err != nil {
				return err
			}
			if anomaly != nil {
				raised = append(raised, anomaly)
			}
			expired = true
			return nil
		}

		if params.Passed {
			if err := tx.TransitionChallenge(ctx, current.ID, persistence.ChallengePending, persistence.ChallengePassed, now); err != nil {
				return err
			}
			if err := tx.TransitionSession(ctx, current.SessionID,
				[]string{persistence.SessionChallengePending}, persistence.SessionActive, now); err != nil {
				return err
			}
		} else {
			anomaly, err := c.fail(ctx, tx, current, now)
			if err != nil {
				return err
			}
			if anomaly != nil {
				raised = append(raised, anomaly)
			}
		}

		resolved, err := tx.GetChallenge(ctx, current.ID)
		if err != nil {
			return err
		}
		challenge = toChallenge(resolved)
		return nil
	})
	if err != nil {
		err = mapStoreError(err)
		return
	}
	if expired {
		err = fmt.Errorf("%w: challenge %s", ErrChallengeExpired, target.ID)
	}
	return
}

// fail moves a challenge to FAILED and either returns the session to ACTIVE or, when the failure
// limit is reached, flags it.
func (c *ChallengeCoordinator) fail(ctx context.Context, tx persistence.SessionTx, challenge persistence.Challenge, now time.Time) (*Anomaly, error) {
	e := c.engine
	if err := tx.TransitionChallenge(ctx, challenge.ID, persistence.ChallengePending, persistence.ChallengeFailed, now); err != nil {
		return nil, err
	}
	failures, err := tx.CountChallenges(ctx, challenge.SessionID, persistence.ChallengeFailed)
	if err != nil {
		return nil, err
	}
	escalate := e.cfg.MaxChallengeFailures > 0 && failures >= e.cfg.MaxChallengeFailures

	event := AnomalyEvent{
		CompanyID:   challenge.CompanyID,
		SessionID:   challenge.SessionID,
		Type:        AnomalyChallengeFailed,
		Severity:    3,
		Explanation: fmt.Sprintf("challenge %s failed (%d failed so far)", challenge.ID, failures),
		TriggerKey:  challenge.ID,
		At:          now,
		Force:       true,
	}
	if escalate {
		event.Severity = 5
		event.Explanation = fmt.Sprintf("challenge %s failed, %d failures reached the limit of %d",
			challenge.ID, failures, e.cfg.MaxChallengeFailures)
	}
	anomaly, err := e.emitter.Emit(ctx, tx, event)
	if err != nil {
		return nil, err
	}

	if escalate {
		err = closeSession(ctx, tx, challenge.SessionID, persistence.SessionAnomalyFlagged, now)
	} else {
		err = tx.TransitionSession(ctx, challenge.SessionID,
			[]string{persistence.SessionChallengePending}, persistence.SessionActive, now)
	}
	if err != nil {
		return nil, err
	}
	return anomaly, nil
}

// SweepExpired expires every pending challenge whose deadline is at or before now. A challenge
// already handled by a concurrent request is skipped, so repeated sweeps record each timeout once.
func (c *ChallengeCoordinator) SweepExpired(ctx context.Context) (report SweepReport, err error) {
	if c == nil || c.engine == nil {
		err = fmt.Errorf("ChallengeCoordinator is nil")
		return
	}
	e := c.engine

	logger := c.loggerWith(ctx, "SweepExpired")
	var raised []*Anomaly
	defer func() {
		e.finishSweep(ctx, logger, "challenge sweep", report, raised, err)
	}()

	if e.sessions == nil {
		err = fmt.Errorf("session repository not configured")
		return
	}

	now := e.now().UTC()
	var candidates []persistence.Challenge
	err = e.store(ctx, func(ctx context.Context) error {
		var listErr error
		candidates, listErr = e.sessions.ListExpiredChallenges(ctx, now, e.cfg.SweepBatchSize)
		return listErr
	})
	if err != nil {
		return
	}

	var errs []error
	for _, candidate := range candidates {
		report.Examined++
		anomaly, handled, sweepErr := c.expireOne(ctx, candidate.ID, candidate.SessionID, now)
		if sweepErr != nil {
			errs = append(errs, fmt.Errorf("challenge %s: %w", candidate.ID, sweepErr))
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

func (c *ChallengeCoordinator) expireOne(ctx context.Context, challengeID, sessionID string, now time.Time) (*Anomaly, bool, error) {
	e := c.engine
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
		current, err := tx.GetChallenge(ctx, challengeID)
		if err != nil {
			return err
		}
		if current.Status != persistence.ChallengePending || now.Before(current.ExpiresAt) {
			return nil
		}
		anomaly, err = e.expireChallenge(ctx, tx, current, now)
		if err != nil {
			return err
		}
		handled = true
		return nil
	})
	return anomaly, handled, err
}
