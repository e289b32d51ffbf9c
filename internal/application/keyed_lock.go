package application

import (
	"context"
	"sort"
	"sync"
)

// keyedMutex serialises work per key. Unrelated keys never contend, and entries are dropped
// once no goroutine holds or waits for them.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	ch   chan struct{}
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedEntry)}
}

// Lock acquires every key in sorted order so that overlapping multi-key callers cannot deadlock.
// The returned function releases them. Lock gives up when ctx is done.
func (k *keyedMutex) Lock(ctx context.Context, keys ...string) (func(), error) {
	ordered := uniqueSorted(keys)
	acquired := make([]string, 0, len(ordered))
	release := func() {
		for i := len(acquired) - 1; i >= 0; i-- {
			k.unlock(acquired[i])
		}
	}

	for _, key := range ordered {
		if err := k.lock(ctx, key); err != nil {
			release()
			return nil, err
		}
		acquired = append(acquired, key)
	}
	return release, nil
}

func (k *keyedMutex) lock(ctx context.Context, key string) error {
	k.mu.Lock()
	entry, ok := k.locks[key]
	if !ok {
		entry = &keyedEntry{ch: make(chan struct{}, 1)}
		k.locks[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	select {
	case entry.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		k.release(key, entry)
		return ctx.Err()
	}
}

func (k *keyedMutex) unlock(key string) {
	k.mu.Lock()
	entry, ok := k.locks[key]
	k.mu.Unlock()
	if !ok {
		return
	}
	<-entry.ch
	k.release(key, entry)
}

func (k *keyedMutex) release(key string, entry *keyedEntry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	entry.refs--
	if entry.refs == 0 {
		delete(k.locks, key)
	}
}

func uniqueSorted(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

func agentKey(companyID, agentID string) string {
	return "agent|" + companyID + "|" + agentID
}

func sessionKey(sessionID string) string {
	return "session|" + sessionID
}
