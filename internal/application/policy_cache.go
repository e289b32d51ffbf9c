package application

import (
	"sync"
	"time"

	"github.com/example/presence-engine/internal/policy"
)

// policyCache stores recently loaded policy snapshots per company so check-ins do not reload
// the policy and holiday calendar on every request. Policy and holiday writes invalidate the
// company entry.
type policyCache struct {
	mu         sync.RWMutex
	now        func() time.Time
	ttl        time.Duration
	maxEntries int
	entries    map[string]policyCacheEntry
}

type policyCacheEntry struct {
	snapshot  policy.Policy
	expiresAt time.Time
}

// newPolicyCache returns nil, which caches nothing, for a negative ttl.
func newPolicyCache(ttl time.Duration, maxEntries int, now func() time.Time) *policyCache {
	if ttl < 0 {
		return nil
	}
	if ttl == 0 {
		ttl = 30 * time.Second
	}
	if maxEntries <= 0 {
		maxEntries = 1024
	}
	if now == nil {
		now = time.Now
	}
	return &policyCache{
		now:        now,
		ttl:        ttl,
		maxEntries: maxEntries,
		entries:    make(map[string]policyCacheEntry),
	}
}

func (c *policyCache) Get(companyID string) (policy.Policy, bool) {
	if c == nil {
		return policy.Policy{}, false
	}
	c.mu.RLock()
	entry, ok := c.entries[companyID]
	c.mu.RUnlock()
	if !ok {
		return policy.Policy{}, false
	}
	if !c.now().Before(entry.expiresAt) {
		c.mu.Lock()
		delete(c.entries, companyID)
		c.mu.Unlock()
		return policy.Policy{}, false
	}
	return clonePolicy(entry.snapshot), true
}

func (c *policyCache) Store(companyID string, snapshot policy.Policy) {
	if c == nil {
		return
	}
	cloned := clonePolicy(snapshot)
	expiry := c.now().Add(c.ttl)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.cleanupLocked()
	if _, exists := c.entries[companyID]; !exists && len(c.entries) >= c.maxEntries {
		c.evictOneLocked()
	}
	c.entries[companyID] = policyCacheEntry{snapshot: cloned, expiresAt: expiry}
}

func (c *policyCache) Invalidate(companyID string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	delete(c.entries, companyID)
	c.mu.Unlock()
}

func (c *policyCache) cleanupLocked() {
	now := c.now()
	for key, entry := range c.entries {
		if !now.Before(entry.expiresAt) {
			delete(c.entries, key)
		}
	}
}

func (c *policyCache) evictOneLocked() {
	var (
		oldestKey string
		oldest    time.Time
	)
	for key, entry := range c.entries {
		if oldestKey == "" || entry.expiresAt.Before(oldest) {
			oldestKey, oldest = key, entry.expiresAt
		}
	}
	delete(c.entries, oldestKey)
}

func clonePolicy(p policy.Policy) policy.Policy {
	p.WorkDays = append([]time.Weekday(nil), p.WorkDays...)
	p.Holidays = append([]policy.Holiday(nil), p.Holidays...)
	if p.Break != nil {
		b := *p.Break
		p.Break = &b
	}
	return p
}
