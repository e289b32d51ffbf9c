package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/example/presence-engine/internal/persistence"
)

const sessionColumns = `id, company_id, site_id, agent_a_id, agent_b_id, status, note, started_at, expected_end_at,
	last_heartbeat_at, last_lat, last_lng, last_accuracy_m, ended_at, updated_at`

const challengeColumns = `id, session_id, company_id, status, issued_at, expires_at, resolved_at`

const anomalyColumns = `id, company_id, session_id, type, severity, explanation, trigger_key, detected_at, resolved, resolved_at`

// WithinTx runs fn inside a single IMMEDIATE transaction. The whole transaction is retried when
// the database reports it is busy, so fn must not keep state across calls.
func (s *Storage) WithinTx(ctx context.Context, fn func(tx persistence.SessionTx) error) error {
	return s.exec(ctx, func() error {
		return s.pool.WithTransaction(ctx, func(tx *sql.Tx) error {
			return fn(&sessionTx{q: tx, mapper: s.mapper})
		})
	})
}

// GetSession reads a session outside any transaction.
func (s *Storage) GetSession(ctx context.Context, id string) (persistence.Session, error) {
	return getSession(ctx, s.pool.DB(), s.mapper, id)
}

// GetChallenge reads a challenge outside any transaction.
func (s *Storage) GetChallenge(ctx context.Context, id string) (persistence.Challenge, error) {
	return getChallenge(ctx, s.pool.DB(), s.mapper, `WHERE id = ?`, id)
}

// ListSessions returns sessions matching filter ordered by start time.
func (s *Storage) ListSessions(ctx context.Context, filter persistence.SessionFilter) ([]persistence.Session, error) {
	var (
		clauses []string
		args    []any
	)
	if filter.CompanyID != "" {
		clauses = append(clauses, "company_id = ?")
		args = append(args, filter.CompanyID)
	}
	if len(filter.Statuses) > 0 {
		clauses = append(clauses, "status IN ("+placeholders(len(filter.Statuses))+")")
		args = append(args, stringArgs(filter.Statuses)...)
	}
	if filter.ExpectedEndBefore != nil {
		clauses = append(clauses, "expected_end_at < ?")
		args = append(args, formatTime(*filter.ExpectedEndBefore))
	}
	if filter.LastHeartbeatBefore != nil {
		clauses = append(clauses, "last_heartbeat_at < ?")
		args = append(args, formatTime(*filter.LastHeartbeatBefore))
	}
	if filter.After != nil {
		startedAt := formatTime(filter.After.StartedAt)
		clauses = append(clauses, "(started_at > ? OR (started_at = ? AND id > ?))")
		args = append(args, startedAt, startedAt, filter.After.ID)
	}

	query := `SELECT ` + sessionColumns + ` FROM checkin_sessions`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY started_at, id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.pool.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, s.mapper.MapError(err)
	}
	defer rows.Close()

	sessions := []persistence.Session{}
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, s.mapper.MapError(err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, s.mapper.MapError(err)
	}
	return sessions, nil
}

// ListExpiredChallenges returns pending challenges whose deadline is at or before at, oldest first.
func (s *Storage) ListExpiredChallenges(ctx context.Context, at time.Time, limit int) ([]persistence.Challenge, error) {
	query := `SELECT ` + challengeColumns + ` FROM challenges
		WHERE status = ? AND expires_at <= ?
		ORDER BY expires_at, id`
	args := []any{persistence.ChallengePending, formatTime(at)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.pool.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, s.mapper.MapError(err)
	}
	defer rows.Close()

	challenges := []persistence.Challenge{}
	for rows.Next() {
		challenge, err := scanChallenge(rows)
		if err != nil {
			return nil, s.mapper.MapError(err)
		}
		challenges = append(challenges, challenge)
	}
	if err := rows.Err(); err != nil {
		return nil, s.mapper.MapError(err)
	}
	return challenges, nil
}

// ListAnomalies returns anomalies matching filter, newest first.
func (s *Storage) ListAnomalies(ctx context.Context, filter persistence.AnomalyFilter) ([]persistence.Anomaly, error) {
	var (
		clauses []string
		args    []any
	)
	if filter.CompanyID != "" {
		clauses = append(clauses, "company_id = ?")
		args = append(args, filter.CompanyID)
	}
	if filter.SessionID != "" {
		clauses = append(clauses, "session_id = ?")
		args = append(args, filter.SessionID)
	}
	if filter.OpenOnly {
		clauses = append(clauses, "resolved = 0")
	}

	query := `SELECT ` + anomalyColumns + ` FROM anomalies`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY detected_at DESC, id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.pool.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, s.mapper.MapError(err)
	}
	defer rows.Close()

	anomalies := []persistence.Anomaly{}
	for rows.Next() {
		anomaly, err := scanAnomaly(rows)
		if err != nil {
			return nil, s.mapper.MapError(err)
		}
		anomalies = append(anomalies, anomaly)
	}
	if err := rows.Err(); err != nil {
		return nil, s.mapper.MapError(err)
	}
	return anomalies, nil
}

// ResolveAnomaly marks an anomaly of the company resolved. Resolving twice keeps the first
// resolution time.
func (s *Storage) ResolveAnomaly(ctx context.Context, companyID, id string, at time.Time) (persistence.Anomaly, error) {
	var anomaly persistence.Anomaly
	err := s.exec(ctx, func() error {
		return s.pool.WithTransaction(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, `
				UPDATE anomalies SET resolved = 1, resolved_at = ?
				WHERE id = ? AND company_id = ? AND resolved = 0`,
				formatTime(at), id, companyID,
			); err != nil {
				return err
			}
			row := tx.QueryRowContext(ctx, `SELECT `+anomalyColumns+` FROM anomalies WHERE id = ? AND company_id = ?`, id, companyID)
			var err error
			anomaly, err = scanAnomaly(row)
			return err
		})
	})
	if err != nil {
		return persistence.Anomaly{}, err
	}
	return anomaly, nil
}

type sessionTx struct {
	q      querier
	mapper *ErrorMapper
}

func (t *sessionTx) InsertSession(ctx context.Context, session persistence.Session) error {
	if _, err := t.q.ExecContext(ctx, `
		INSERT INTO checkin_sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session.ID,
		session.CompanyID,
		session.SiteID,
		session.AgentAID,
		session.AgentBID,
		session.Status,
		nullString(session.Note),
		formatTime(session.StartedAt),
		formatTime(session.ExpectedEndAt),
		formatTime(session.LastHeartbeatAt),
		session.LastLat,
		session.LastLng,
		session.LastAccuracy,
		nullTime(session.EndedAt),
		formatTime(session.UpdatedAt),
	); err != nil {
		return t.mapper.MapError(err)
	}

	open := boolToInt(!persistence.IsTerminalSessionStatus(session.Status))
	for _, agentID := range []string{session.AgentAID, session.AgentBID} {
		if _, err := t.q.ExecContext(ctx, `
			INSERT INTO session_agents (session_id, company_id, agent_id, open) VALUES (?, ?, ?, ?)`,
			session.ID, session.CompanyID, agentID, open,
		); err != nil {
			return t.mapper.MapError(err)
		}
	}
	return nil
}

func (t *sessionTx) GetSession(ctx context.Context, id string) (persistence.Session, error) {
	return getSession(ctx, t.q, t.mapper, id)
}

func (t *sessionTx) HasOpenSession(ctx context.Context, companyID, agentID string) (bool, error) {
	var one int
	err := t.q.QueryRowContext(ctx, `
		SELECT 1 FROM session_agents WHERE company_id = ? AND agent_id = ? AND open = 1 LIMIT 1`,
		companyID, agentID,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, t.mapper.MapError(err)
	}
	return true, nil
}

func (t *sessionTx) TransitionSession(ctx context.Context, id string, from []string, to string, at time.Time) error {
	if len(from) == 0 {
		return fmt.Errorf("%w: no source status for session %s", persistence.ErrStaleState, id)
	}
	terminal := persistence.IsTerminalSessionStatus(to)

	args := []any{to, formatTime(at), terminal, formatTime(at), id}
	args = append(args, stringArgs(from)...)
	result, err := t.q.ExecContext(ctx, `
		UPDATE checkin_sessions
		SET status = ?,
			updated_at = ?,
			ended_at = CASE WHEN ? THEN ? ELSE ended_at END
		WHERE id = ? AND status IN (`+placeholders(len(from))+`)`,
		args...,
	)
	if err != nil {
		return t.mapper.MapError(err)
	}
	if err := t.requireRow(ctx, result, "checkin_sessions", id); err != nil {
		return err
	}

	if terminal {
		if _, err := t.q.ExecContext(ctx,
			`UPDATE session_agents SET open = 0 WHERE session_id = ?`, id); err != nil {
			return t.mapper.MapError(err)
		}
	}
	return nil
}

func (t *sessionTx) RecordHeartbeat(ctx context.Context, update persistence.HeartbeatUpdate) error {
	args := []any{formatTime(update.At), update.Lat, update.Lng, update.Accuracy, formatTime(update.At), update.SessionID}
	args = append(args, stringArgs(persistence.OpenSessionStatuses)...)
	result, err := t.q.ExecContext(ctx, `
		UPDATE checkin_sessions
		SET last_heartbeat_at = ?, last_lat = ?, last_lng = ?, last_accuracy_m = ?, updated_at = ?
		WHERE id = ? AND status IN (`+placeholders(len(persistence.OpenSessionStatuses))+`)`,
		args...,
	)
	if err != nil {
		return t.mapper.MapError(err)
	}
	return t.requireRow(ctx, result, "checkin_sessions", update.SessionID)
}

func (t *sessionTx) InsertChallenge(ctx context.Context, challenge persistence.Challenge) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO challenges (`+challengeColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		challenge.ID,
		challenge.SessionID,
		challenge.CompanyID,
		challenge.Status,
		formatTime(challenge.IssuedAt),
		formatTime(challenge.ExpiresAt),
		nullTime(challenge.ResolvedAt),
	)
	return t.mapper.MapError(err)
}

func (t *sessionTx) GetChallenge(ctx context.Context, id string) (persistence.Challenge, error) {
	return getChallenge(ctx, t.q, t.mapper, `WHERE id = ?`, id)
}

func (t *sessionTx) GetPendingChallenge(ctx context.Context, sessionID string) (persistence.Challenge, error) {
	return getChallenge(ctx, t.q, t.mapper, `WHERE session_id = ? AND status = ?`, sessionID, persistence.ChallengePending)
}

func (t *sessionTx) TransitionChallenge(ctx context.Context, id, from, to string, at time.Time) error {
	result, err := t.q.ExecContext(ctx, `
		UPDATE challenges SET status = ?, resolved_at = ? WHERE id = ? AND status = ?`,
		to, formatTime(at), id, from,
	)
	if err != nil {
		return t.mapper.MapError(err)
	}
	return t.requireRow(ctx, result, "challenges", id)
}

func (t *sessionTx) CountChallenges(ctx context.Context, sessionID, status string) (int, error) {
	var count int
	if err := t.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM challenges WHERE session_id = ? AND status = ?`, sessionID, status,
	).Scan(&count); err != nil {
		return 0, t.mapper.MapError(err)
	}
	return count, nil
}

func (t *sessionTx) InsertAnomaly(ctx context.Context, anomaly persistence.Anomaly) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO anomalies (`+anomalyColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		anomaly.ID,
		anomaly.CompanyID,
		nullString(anomaly.SessionID),
		anomaly.Type,
		anomaly.Severity,
		anomaly.Explanation,
		anomaly.TriggerKey,
		formatTime(anomaly.DetectedAt),
		boolToInt(anomaly.Resolved),
		nullTime(anomaly.ResolvedAt),
	)
	return t.mapper.MapError(err)
}

func (t *sessionTx) LatestAnomaly(ctx context.Context, sessionID, anomalyType string) (persistence.Anomaly, error) {
	row := t.q.QueryRowContext(ctx, `
		SELECT `+anomalyColumns+` FROM anomalies
		WHERE session_id = ? AND type = ?
		ORDER BY detected_at DESC, id DESC
		LIMIT 1`, sessionID, anomalyType)
	anomaly, err := scanAnomaly(row)
	if err != nil {
		return persistence.Anomaly{}, t.mapper.MapError(err)
	}
	return anomaly, nil
}

// requireRow turns a conditional update that matched nothing into ErrNotFound or ErrStaleState.
func (t *sessionTx) requireRow(ctx context.Context, result sql.Result, table, id string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return t.mapper.MapError(err)
	}
	if n > 0 {
		return nil
	}
	var one int
	err = t.q.QueryRowContext(ctx, `SELECT 1 FROM `+table+` WHERE id = ?`, id).Scan(&one)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("%w: %s %s", persistence.ErrNotFound, table, id)
	case err != nil:
		return t.mapper.MapError(err)
	}
	return fmt.Errorf("%w: %s %s", persistence.ErrStaleState, table, id)
}

func getSession(ctx context.Context, q querier, mapper *ErrorMapper, id string) (persistence.Session, error) {
	row := q.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM checkin_sessions WHERE id = ?`, id)
	session, err := scanSession(row)
	if err != nil {
		return persistence.Session{}, mapper.MapError(err)
	}
	return session, nil
}

func getChallenge(ctx context.Context, q querier, mapper *ErrorMapper, where string, args ...any) (persistence.Challenge, error) {
	row := q.QueryRowContext(ctx, `SELECT `+challengeColumns+` FROM challenges `+where, args...)
	challenge, err := scanChallenge(row)
	if err != nil {
		return persistence.Challenge{}, mapper.MapError(err)
	}
	return challenge, nil
}

func scanSession(row rowScanner) (persistence.Session, error) {
	var (
		session         persistence.Session
		note            sql.NullString
		startedAt       string
		expectedEndAt   string
		lastHeartbeatAt string
		endedAt         sql.NullString
		updatedAt       string
		err             error
	)
	if err = row.Scan(
		&session.ID,
		&session.CompanyID,
		&session.SiteID,
		&session.AgentAID,
		&session.AgentBID,
		&session.Status,
		&note,
		&startedAt,
		&expectedEndAt,
		&lastHeartbeatAt,
		&session.LastLat,
		&session.LastLng,
		&session.LastAccuracy,
		&endedAt,
		&updatedAt,
	); err != nil {
		return persistence.Session{}, err
	}
	session.Note = stringPtr(note)
	if session.StartedAt, err = parseTime(startedAt); err != nil {
		return persistence.Session{}, err
	}
	if session.ExpectedEndAt, err = parseTime(expectedEndAt); err != nil {
		return persistence.Session{}, err
	}
	if session.LastHeartbeatAt, err = parseTime(lastHeartbeatAt); err != nil {
		return persistence.Session{}, err
	}
	if session.EndedAt, err = parseNullTime(endedAt); err != nil {
		return persistence.Session{}, err
	}
	if session.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return persistence.Session{}, err
	}
	return session, nil
}

func scanChallenge(row rowScanner) (persistence.Challenge, error) {
	var (
		challenge  persistence.Challenge
		issuedAt   string
		expiresAt  string
		resolvedAt sql.NullString
		err        error
	)
	if err = row.Scan(
		&challenge.ID,
		&challenge.SessionID,
		&challenge.CompanyID,
		&challenge.Status,
		&issuedAt,
		&expiresAt,
		&resolvedAt,
	); err != nil {
		return persistence.Challenge{}, err
	}
	if challenge.IssuedAt, err = parseTime(issuedAt); err != nil {
		return persistence.Challenge{}, err
	}
	if challenge.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return persistence.Challenge{}, err
	}
	if challenge.ResolvedAt, err = parseNullTime(resolvedAt); err != nil {
		return persistence.Challenge{}, err
	}
	return challenge, nil
}

func scanAnomaly(row rowScanner) (persistence.Anomaly, error) {
	var (
		anomaly    persistence.Anomaly
		sessionID  sql.NullString
		detectedAt string
		resolved   int
		resolvedAt sql.NullString
		err        error
	)
	if err = row.Scan(
		&anomaly.ID,
		&anomaly.CompanyID,
		&sessionID,
		&anomaly.Type,
		&anomaly.Severity,
		&anomaly.Explanation,
		&anomaly.TriggerKey,
		&detectedAt,
		&resolved,
		&resolvedAt,
	); err != nil {
		return persistence.Anomaly{}, err
	}
	anomaly.SessionID = stringPtr(sessionID)
	anomaly.Resolved = resolved != 0
	if anomaly.DetectedAt, err = parseTime(detectedAt); err != nil {
		return persistence.Anomaly{}, err
	}
	if anomaly.ResolvedAt, err = parseNullTime(resolvedAt); err != nil {
		return persistence.Anomaly{}, err
	}
	return anomaly, nil
}
