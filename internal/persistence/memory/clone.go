package memory

import (
	"time"

	"github.com/example/presence-engine/internal/persistence"
)

func clonePolicy(policy persistence.CompanyPolicy) persistence.CompanyPolicy {
	policy.WorkDays = append([]int(nil), policy.WorkDays...)
	policy.BreakStart = cloneInt(policy.BreakStart)
	policy.BreakEnd = cloneInt(policy.BreakEnd)
	return policy
}

func clonePeerToken(token persistence.PeerToken) persistence.PeerToken {
	token.ConsumedAt = cloneTime(token.ConsumedAt)
	token.ConsumedBy = cloneString(token.ConsumedBy)
	return token
}

func cloneSession(session persistence.Session) persistence.Session {
	session.Note = cloneString(session.Note)
	session.EndedAt = cloneTime(session.EndedAt)
	return session
}

func cloneChallenge(challenge persistence.Challenge) persistence.Challenge {
	challenge.ResolvedAt = cloneTime(challenge.ResolvedAt)
	return challenge
}

func cloneAnomaly(anomaly persistence.Anomaly) persistence.Anomaly {
	anomaly.SessionID = cloneString(anomaly.SessionID)
	anomaly.ResolvedAt = cloneTime(anomaly.ResolvedAt)
	return anomaly
}

func cloneInt(v *int) *int {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func cloneString(v *string) *string {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func cloneTime(v *time.Time) *time.Time {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
