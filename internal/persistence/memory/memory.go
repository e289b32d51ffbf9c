// Package memory provides an in-process implementation of the persistence repositories.
// It backs unit tests and single-node development runs; state is lost on exit. Session writes are
// serialised by one lock, so production deployments use the sqlite store.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/example/presence-engine/internal/persistence"
)

// Storage keeps every record in maps guarded by a single lock.
type Storage struct {
	mu    sync.RWMutex
	state *state
}

type state struct {
	policies   map[string]persistence.CompanyPolicy
	holidays   map[string]map[string]persistence.Holiday
	sites      map[string]persistence.Site
	tokens     map[string]persistence.PeerToken
	sessions   map[string]persistence.Session
	challenges map[string]persistence.Challenge
	anomalies  map[string]persistence.Anomaly
}

var (
	_ persistence.PolicyRepository    = (*Storage)(nil)
	_ persistence.SiteRepository      = (*Storage)(nil)
	_ persistence.PeerTokenRepository = (*Storage)(nil)
	_ persistence.SessionRepository   = (*Storage)(nil)
)

// New returns an empty Storage.
func New() *Storage {
	return &Storage{state: newState()}
}

func newState() *state {
	return &state{
		policies:   make(map[string]persistence.CompanyPolicy),
		holidays:   make(map[string]map[string]persistence.Holiday),
		sites:      make(map[string]persistence.Site),
		tokens:     make(map[string]persistence.PeerToken),
		sessions:   make(map[string]persistence.Session),
		challenges: make(map[string]persistence.Challenge),
		anomalies:  make(map[string]persistence.Anomaly),
	}
}

// Close is a no-op.
func (s *Storage) Close() error {
	return nil
}

// Ping always succeeds.
func (s *Storage) Ping(context.Context) error {
	return nil
}

// --- PolicyRepository implementation ---

// GetCompanyPolicy returns the stored policy of a company.
func (s *Storage) GetCompanyPolicy(ctx context.Context, companyID string) (persistence.CompanyPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	policy, ok := s.state.policies[companyID]
	if !ok {
		return persistence.CompanyPolicy{}, persistence.ErrNotFound
	}
	return clonePolicy(policy), nil
}

// UpsertCompanyPolicy creates or replaces the policy of a company.
func (s *Storage) UpsertCompanyPolicy(ctx context.Context, policy persistence.CompanyPolicy) error {
	if policy.CompanyID == "" {
		return fmt.Errorf("%w: company id is required", persistence.ErrConstraintViolation)
	}
	if policy.WorkStart >= policy.WorkEnd {
		return fmt.Errorf("%w: work start must precede work end", persistence.ErrConstraintViolation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.policies[policy.CompanyID] = clonePolicy(policy)
	return nil
}

// ListHolidays returns a company's holidays ordered by date.
func (s *Storage) ListHolidays(ctx context.Context, companyID string) ([]persistence.Holiday, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	holidays := make([]persistence.Holiday, 0, len(s.state.holidays[companyID]))
	for _, h := range s.state.holidays[companyID] {
		holidays = append(holidays, h)
	}
	sort.Slice(holidays, func(i, j int) bool { return holidays[i].Date < holidays[j].Date })
	return holidays, nil
}

// InsertHolidays stores holidays whose date is not yet on the company calendar.
func (s *Storage) InsertHolidays(ctx context.Context, holidays []persistence.Holiday) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, h := range holidays {
		if h.Source != "official" && h.Source != "custom" {
			return 0, fmt.Errorf("%w: unknown holiday source %q", persistence.ErrConstraintViolation, h.Source)
		}
	}

	inserted := 0
	for _, h := range holidays {
		calendar, ok := s.state.holidays[h.CompanyID]
		if !ok {
			calendar = make(map[string]persistence.Holiday)
			s.state.holidays[h.CompanyID] = calendar
		}
		if _, exists := calendar[h.Date]; exists {
			continue
		}
		calendar[h.Date] = h
		inserted++
	}
	return inserted, nil
}

// DeleteHoliday removes the holiday on date from a company's calendar.
func (s *Storage) DeleteHoliday(ctx context.Context, companyID, date string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.state.holidays[companyID][date]; !ok {
		return persistence.ErrNotFound
	}
	delete(s.state.holidays[companyID], date)
	return nil
}

// --- SiteRepository implementation ---

// GetSite returns a site by id.
func (s *Storage) GetSite(ctx context.Context, id string) (persistence.Site, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	site, ok := s.state.sites[id]
	if !ok {
		return persistence.Site{}, persistence.ErrNotFound
	}
	return site, nil
}

// GetSiteByCode returns a company's site by code.
func (s *Storage) GetSiteByCode(ctx context.Context, companyID, code string) (persistence.Site, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if site, ok := s.state.siteByCode(companyID, code); ok {
		return site, nil
	}
	return persistence.Site{}, persistence.ErrNotFound
}

// UpsertSite creates a site or edits the one sharing its (company, code).
func (s *Storage) UpsertSite(ctx context.Context, site persistence.Site) (persistence.Site, error) {
	if site.RadiusMeters <= 0 {
		return persistence.Site{}, fmt.Errorf("%w: radius must be positive", persistence.ErrConstraintViolation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.state.siteByCode(site.CompanyID, site.Code); ok {
		site.ID = existing.ID
		site.CreatedAt = existing.CreatedAt
	} else if _, taken := s.state.sites[site.ID]; taken {
		return persistence.Site{}, fmt.Errorf("%w: site %s already exists", persistence.ErrDuplicate, site.ID)
	}
	s.state.sites[site.ID] = site
	return site, nil
}

// ListSites returns a company's sites ordered by code.
func (s *Storage) ListSites(ctx context.Context, companyID string) ([]persistence.Site, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sites := []persistence.Site{}
	for _, site := range s.state.sites {
		if site.CompanyID == companyID {
			sites = append(sites, site)
		}
	}
	sort.Slice(sites, func(i, j int) bool { return sites[i].Code < sites[j].Code })
	return sites, nil
}

func (st *state) siteByCode(companyID, code string) (persistence.Site, bool) {
	for _, site := range st.sites {
		if site.CompanyID == companyID && site.Code == code {
			return site, true
		}
	}
	return persistence.Site{}, false
}

// --- PeerTokenRepository implementation ---

// InsertPeerToken stores a freshly issued token hash.
func (s *Storage) InsertPeerToken(ctx context.Context, token persistence.PeerToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.state.tokens[token.TokenHash]; ok {
		return fmt.Errorf("%w: peer token already exists", persistence.ErrDuplicate)
	}
	s.state.tokens[token.TokenHash] = clonePeerToken(token)
	return nil
}

// ConsumePeerToken claims an eligible token under the write lock.
func (s *Storage) ConsumePeerToken(ctx context.Context, params persistence.ConsumePeerTokenParams) (persistence.PeerToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	token, ok := s.state.tokens[params.TokenHash]
	if !ok ||
		token.ConsumedAt != nil ||
		token.CompanyID != params.CompanyID ||
		token.UserID == params.ConsumerID ||
		!token.ExpiresAt.After(params.At) {
		return persistence.PeerToken{}, persistence.ErrNotFound
	}

	at := params.At
	consumer := params.ConsumerID
	token.ConsumedAt = &at
	token.ConsumedBy = &consumer
	s.state.tokens[params.TokenHash] = token
	return clonePeerToken(token), nil
}

// PurgePeerTokens deletes tokens that expired before the given instant.
func (s *Storage) PurgePeerTokens(ctx context.Context, expiredBefore time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var purged int64
	for hash, token := range s.state.tokens {
		if token.ExpiresAt.Before(expiredBefore) {
			delete(s.state.tokens, hash)
			purged++
		}
	}
	return purged, nil
}

// --- SessionRepository implementation ---

// WithinTx runs fn under the write lock. Writes go straight to the maps and are undone in
// reverse order when fn fails, panics or outlives ctx, so a transaction costs only the records it
// touches.
func (s *Storage) WithinTx(ctx context.Context, fn func(tx persistence.SessionTx) error) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memoryTx{state: s.state}
	defer func() {
		if p := recover(); p != nil {
			tx.rollback()
			panic(p)
		}
	}()

	err = fn(tx)
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		tx.rollback()
	}
	return err
}

// GetSession returns a session by id.
func (s *Storage) GetSession(ctx context.Context, id string) (persistence.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.state.sessions[id]
	if !ok {
		return persistence.Session{}, persistence.ErrNotFound
	}
	return cloneSession(session), nil
}

// GetChallenge returns a challenge by id.
func (s *Storage) GetChallenge(ctx context.Context, id string) (persistence.Challenge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	challenge, ok := s.state.challenges[id]
	if !ok {
		return persistence.Challenge{}, persistence.ErrNotFound
	}
	return cloneChallenge(challenge), nil
}

// ListSessions returns sessions matching filter ordered by start time.
func (s *Storage) ListSessions(ctx context.Context, filter persistence.SessionFilter) ([]persistence.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sessions := []persistence.Session{}
	for _, session := range s.state.sessions {
		if matchesSessionFilter(session, filter) {
			sessions = append(sessions, cloneSession(session))
		}
	}
	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].StartedAt.Equal(sessions[j].StartedAt) {
			return sessions[i].ID < sessions[j].ID
		}
		return sessions[i].StartedAt.Before(sessions[j].StartedAt)
	})
	if filter.Limit > 0 && len(sessions) > filter.Limit {
		sessions = sessions[:filter.Limit]
	}
	return sessions, nil
}

// ListExpiredChallenges returns pending challenges whose deadline is at or before at, oldest first.
func (s *Storage) ListExpiredChallenges(ctx context.Context, at time.Time, limit int) ([]persistence.Challenge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	challenges := []persistence.Challenge{}
	for _, challenge := range s.state.challenges {
		if challenge.Status == persistence.ChallengePending && !challenge.ExpiresAt.After(at) {
			challenges = append(challenges, cloneChallenge(challenge))
		}
	}
	sort.Slice(challenges, func(i, j int) bool {
		if challenges[i].ExpiresAt.Equal(challenges[j].ExpiresAt) {
			return challenges[i].ID < challenges[j].ID
		}
		return challenges[i].ExpiresAt.Before(challenges[j].ExpiresAt)
	})
	if limit > 0 && len(challenges) > limit {
		challenges = challenges[:limit]
	}
	return challenges, nil
}

// ListAnomalies returns anomalies matching filter, newest first.
func (s *Storage) ListAnomalies(ctx context.Context, filter persistence.AnomalyFilter) ([]persistence.Anomaly, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	anomalies := []persistence.Anomaly{}
	for _, anomaly := range s.state.anomalies {
		if filter.CompanyID != "" && anomaly.CompanyID != filter.CompanyID {
			continue
		}
		if filter.SessionID != "" && (anomaly.SessionID == nil || *anomaly.SessionID != filter.SessionID) {
			continue
		}
		if filter.OpenOnly && anomaly.Resolved {
			continue
		}
		anomalies = append(anomalies, cloneAnomaly(anomaly))
	}
	sort.Slice(anomalies, func(i, j int) bool {
		if anomalies[i].DetectedAt.Equal(anomalies[j].DetectedAt) {
			return anomalies[i].ID < anomalies[j].ID
		}
		return anomalies[i].DetectedAt.After(anomalies[j].DetectedAt)
	})
	if filter.Limit > 0 && len(anomalies) > filter.Limit {
		anomalies = anomalies[:filter.Limit]
	}
	return anomalies, nil
}

// ResolveAnomaly marks an anomaly of the company resolved. Resolving twice keeps the first
// resolution time.
func (s *Storage) ResolveAnomaly(ctx context.Context, companyID, id string, at time.Time) (persistence.Anomaly, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	anomaly, ok := s.state.anomalies[id]
	if !ok || anomaly.CompanyID != companyID {
		return persistence.Anomaly{}, persistence.ErrNotFound
	}
	if !anomaly.Resolved {
		resolvedAt := at
		anomaly.Resolved = true
		anomaly.ResolvedAt = &resolvedAt
		s.state.anomalies[id] = anomaly
	}
	return cloneAnomaly(anomaly), nil
}

func matchesSessionFilter(session persistence.Session, filter persistence.SessionFilter) bool {
	if filter.CompanyID != "" && session.CompanyID != filter.CompanyID {
		return false
	}
	if len(filter.Statuses) > 0 && !contains(filter.Statuses, session.Status) {
		return false
	}
	if filter.ExpectedEndBefore != nil && !session.ExpectedEndAt.Before(*filter.ExpectedEndBefore) {
		return false
	}
	if filter.LastHeartbeatBefore != nil && !session.LastHeartbeatAt.Before(*filter.LastHeartbeatBefore) {
		return false
	}
	if after := filter.After; after != nil {
		if session.StartedAt.Before(after.StartedAt) {
			return false
		}
		if session.StartedAt.Equal(after.StartedAt) && session.ID <= after.ID {
			return false
		}
	}
	return true
}

func contains(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}
