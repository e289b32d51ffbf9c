package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/example/presence-engine/internal/persistence"
)

// memoryTx writes to the live state while WithinTx holds the lock and keeps an undo entry
// per write.
type memoryTx struct {
	state *state
	undo  []func()
}

// put stores value under id and records how to restore the previous entry.
func put[V any](t *memoryTx, records map[string]V, id string, value V) {
	prev, existed := records[id]
	t.undo = append(t.undo, func() {
		if existed {
			records[id] = prev
			return
		}
		delete(records, id)
	})
	records[id] = value
}

func (t *memoryTx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

func (t *memoryTx) InsertSession(ctx context.Context, session persistence.Session) error {
	st := t.state
	if _, ok := st.sessions[session.ID]; ok {
		return fmt.Errorf("%w: session %s already exists", persistence.ErrDuplicate, session.ID)
	}
	if session.AgentAID == session.AgentBID {
		return fmt.Errorf("%w: session agents must differ", persistence.ErrConstraintViolation)
	}
	if _, ok := st.sites[session.SiteID]; !ok {
		return fmt.Errorf("%w: unknown site %s", persistence.ErrConstraintViolation, session.SiteID)
	}
	if !persistence.IsTerminalSessionStatus(session.Status) {
		for _, agentID := range []string{session.AgentAID, session.AgentBID} {
			if st.hasOpenSession(session.CompanyID, agentID) {
				return fmt.Errorf("%w: agent %s already has an open session", persistence.ErrDuplicate, agentID)
			}
		}
	}
	put(t, st.sessions, session.ID, cloneSession(session))
	return nil
}

func (t *memoryTx) GetSession(ctx context.Context, id string) (persistence.Session, error) {
	session, ok := t.state.sessions[id]
	if !ok {
		return persistence.Session{}, persistence.ErrNotFound
	}
	return cloneSession(session), nil
}

func (t *memoryTx) HasOpenSession(ctx context.Context, companyID, agentID string) (bool, error) {
	return t.state.hasOpenSession(companyID, agentID), nil
}

func (t *memoryTx) TransitionSession(ctx context.Context, id string, from []string, to string, at time.Time) error {
	session, ok := t.state.sessions[id]
	if !ok {
		return fmt.Errorf("%w: session %s", persistence.ErrNotFound, id)
	}
	if !contains(from, session.Status) {
		return fmt.Errorf("%w: session %s is %s", persistence.ErrStaleState, id, session.Status)
	}
	session.Status = to
	session.UpdatedAt = at
	if persistence.IsTerminalSessionStatus(to) {
		ended := at
		session.EndedAt = &ended
	}
	put(t, t.state.sessions, id, session)
	return nil
}

func (t *memoryTx) RecordHeartbeat(ctx context.Context, update persistence.HeartbeatUpdate) error {
	session, ok := t.state.sessions[update.SessionID]
	if !ok {
		return fmt.Errorf("%w: session %s", persistence.ErrNotFound, update.SessionID)
	}
	if !contains(persistence.OpenSessionStatuses, session.Status) {
		return fmt.Errorf("%w: session %s is %s", persistence.ErrStaleState, update.SessionID, session.Status)
	}
	session.LastHeartbeatAt = update.At
	session.LastLat = update.Lat
	session.LastLng = update.Lng
	session.LastAccuracy = update.Accuracy
	session.UpdatedAt = update.At
	put(t, t.state.sessions, update.SessionID, session)
	return nil
}

func (t *memoryTx) InsertChallenge(ctx context.Context, challenge persistence.Challenge) error {
	st := t.state
	if _, ok := st.challenges[challenge.ID]; ok {
		return fmt.Errorf("%w: challenge %s already exists", persistence.ErrDuplicate, challenge.ID)
	}
	if _, ok := st.sessions[challenge.SessionID]; !ok {
		return fmt.Errorf("%w: unknown session %s", persistence.ErrConstraintViolation, challenge.SessionID)
	}
	if challenge.Status == persistence.ChallengePending {
		if _, ok := st.pendingChallenge(challenge.SessionID); ok {
			return fmt.Errorf("%w: session %s already has a pending challenge", persistence.ErrDuplicate, challenge.SessionID)
		}
	}
	put(t, st.challenges, challenge.ID, cloneChallenge(challenge))
	return nil
}

func (t *memoryTx) GetChallenge(ctx context.Context, id string) (persistence.Challenge, error) {
	challenge, ok := t.state.challenges[id]
	if !ok {
		return persistence.Challenge{}, persistence.ErrNotFound
	}
	return cloneChallenge(challenge), nil
}

func (t *memoryTx) GetPendingChallenge(ctx context.Context, sessionID string) (persistence.Challenge, error) {
	challenge, ok := t.state.pendingChallenge(sessionID)
	if !ok {
		return persistence.Challenge{}, persistence.ErrNotFound
	}
	return cloneChallenge(challenge), nil
}

func (t *memoryTx) TransitionChallenge(ctx context.Context, id, from, to string, at time.Time) error {
	challenge, ok := t.state.challenges[id]
	if !ok {
		return fmt.Errorf("%w: challenge %s", persistence.ErrNotFound, id)
	}
	if challenge.Status != from {
		return fmt.Errorf("%w: challenge %s is %s", persistence.ErrStaleState, id, challenge.Status)
	}
	resolved := at
	challenge.Status = to
	challenge.ResolvedAt = &resolved
	put(t, t.state.challenges, id, challenge)
	return nil
}

func (t *memoryTx) CountChallenges(ctx context.Context, sessionID, status string) (int, error) {
	count := 0
	for _, challenge := range t.state.challenges {
		if challenge.SessionID == sessionID && challenge.Status == status {
			count++
		}
	}
	return count, nil
}

func (t *memoryTx) InsertAnomaly(ctx context.Context, anomaly persistence.Anomaly) error {
	st := t.state
	if _, ok := st.anomalies[anomaly.ID]; ok {
		return fmt.Errorf("%w: anomaly %s already exists", persistence.ErrDuplicate, anomaly.ID)
	}
	if anomaly.Severity < 1 || anomaly.Severity > 5 {
		return fmt.Errorf("%w: severity %d out of range", persistence.ErrConstraintViolation, anomaly.Severity)
	}
	if anomaly.SessionID != nil {
		for _, existing := range st.anomalies {
			if existing.SessionID != nil &&
				*existing.SessionID == *anomaly.SessionID &&
				existing.Type == anomaly.Type &&
				existing.TriggerKey == anomaly.TriggerKey {
				return fmt.Errorf("%w: anomaly %s for trigger %s already recorded", persistence.ErrDuplicate, anomaly.Type, anomaly.TriggerKey)
			}
		}
	}
	put(t, st.anomalies, anomaly.ID, cloneAnomaly(anomaly))
	return nil
}

func (t *memoryTx) LatestAnomaly(ctx context.Context, sessionID, anomalyType string) (persistence.Anomaly, error) {
	var (
		latest persistence.Anomaly
		found  bool
	)
	for _, anomaly := range t.state.anomalies {
		if anomaly.SessionID == nil || *anomaly.SessionID != sessionID || anomaly.Type != anomalyType {
			continue
		}
		if !found || anomaly.DetectedAt.After(latest.DetectedAt) ||
			(anomaly.DetectedAt.Equal(latest.DetectedAt) && anomaly.ID > latest.ID) {
			latest = anomaly
			found = true
		}
	}
	if !found {
		return persistence.Anomaly{}, persistence.ErrNotFound
	}
	return cloneAnomaly(latest), nil
}

func (st *state) hasOpenSession(companyID, agentID string) bool {
	for _, session := range st.sessions {
		if session.CompanyID != companyID || persistence.IsTerminalSessionStatus(session.Status) {
			continue
		}
		if session.AgentAID == agentID || session.AgentBID == agentID {
			return true
		}
	}
	return false
}

func (st *state) pendingChallenge(sessionID string) (persistence.Challenge, bool) {
	for _, challenge := range st.challenges {
		if challenge.SessionID == sessionID && challenge.Status == persistence.ChallengePending {
			return challenge, true
		}
	}
	return persistence.Challenge{}, false
}
