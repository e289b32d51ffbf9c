// Package redis stores one-time peer tokens in Redis so several engine replicas can share them.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/example/presence-engine/internal/persistence"
)

// DefaultKeyPrefix namespaces token keys.
const DefaultKeyPrefix = "presence:peer:"

// consumeScript deletes the token hash only when every eligibility rule holds, in one server-side step.
// KEYS[1] token key. ARGV company_id, consumer_id, now_ms.
var consumeScript = goredis.NewScript(`
local fields = redis.call('HMGET', KEYS[1], 'user_id', 'company_id', 'issued_ms', 'expires_ms')
if not fields[1] or not fields[2] or not fields[4] then
	return false
end
if fields[2] ~= ARGV[1] then
	return false
end
if fields[1] == ARGV[2] then
	return false
end
if tonumber(fields[4]) <= tonumber(ARGV[3]) then
	return false
end
redis.call('DEL', KEYS[1])
return fields
`)

// insertScript creates a token hash with its expiry unless the key exists.
// KEYS[1] token key. ARGV user_id, company_id, issued_ms, expires_ms, ttl_ms.
var insertScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1], 'user_id', ARGV[1], 'company_id', ARGV[2], 'issued_ms', ARGV[3], 'expires_ms', ARGV[4])
redis.call('PEXPIRE', KEYS[1], ARGV[5])
return 1
`)

// NewClient connects to addr and verifies the server answers.
func NewClient(ctx context.Context, addr, password string, db int) (*goredis.Client, error) {
	if addr == "" {
		return nil, fmt.Errorf("redis address is not configured")
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return client, nil
}

// PeerTokenStore implements persistence.PeerTokenRepository on Redis hashes. Consumed tokens are
// deleted and expired ones are evicted by key TTL, so there is nothing to purge.
type PeerTokenStore struct {
	client goredis.UniversalClient
	prefix string
}

var _ persistence.PeerTokenRepository = (*PeerTokenStore)(nil)

// NewPeerTokenStore returns a store using client. An empty prefix selects DefaultKeyPrefix.
func NewPeerTokenStore(client goredis.UniversalClient, prefix string) *PeerTokenStore {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &PeerTokenStore{client: client, prefix: prefix}
}

func (s *PeerTokenStore) key(hash string) string {
	return s.prefix + hash
}

// InsertPeerToken creates the token hash and its TTL in one server-side step, so no token is ever
// stored without an expiry. Expiry is still checked against the caller's clock on consume.
func (s *PeerTokenStore) InsertPeerToken(ctx context.Context, token persistence.PeerToken) error {
	ttl := token.ExpiresAt.Sub(token.IssuedAt)
	if ttl < time.Millisecond {
		ttl = time.Millisecond
	}

	created, err := insertScript.Run(ctx, s.client,
		[]string{s.key(token.TokenHash)},
		token.UserID,
		token.CompanyID,
		strconv.FormatInt(token.IssuedAt.UnixMilli(), 10),
		strconv.FormatInt(token.ExpiresAt.UnixMilli(), 10),
		strconv.FormatInt(ttl.Milliseconds(), 10),
	).Int()
	if err != nil {
		return fmt.Errorf("failed to store peer token: %w", err)
	}
	if created == 0 {
		return fmt.Errorf("%w: peer token already exists", persistence.ErrDuplicate)
	}
	return nil
}

// ConsumePeerToken claims an eligible token through a Lua script.
func (s *PeerTokenStore) ConsumePeerToken(ctx context.Context, params persistence.ConsumePeerTokenParams) (persistence.PeerToken, error) {
	result, err := consumeScript.Run(ctx, s.client,
		[]string{s.key(params.TokenHash)},
		params.CompanyID,
		params.ConsumerID,
		strconv.FormatInt(params.At.UnixMilli(), 10),
	).StringSlice()
	if errors.Is(err, goredis.Nil) {
		return persistence.PeerToken{}, persistence.ErrNotFound
	}
	if err != nil {
		return persistence.PeerToken{}, fmt.Errorf("failed to consume peer token: %w", err)
	}
	if len(result) != 4 {
		return persistence.PeerToken{}, fmt.Errorf("unexpected consume reply length %d", len(result))
	}

	issuedMs, err := strconv.ParseInt(result[2], 10, 64)
	if err != nil {
		return persistence.PeerToken{}, fmt.Errorf("invalid stored issued_ms %q: %w", result[2], err)
	}
	expiresMs, err := strconv.ParseInt(result[3], 10, 64)
	if err != nil {
		return persistence.PeerToken{}, fmt.Errorf("invalid stored expires_ms %q: %w", result[3], err)
	}

	at := params.At
	consumer := params.ConsumerID
	return persistence.PeerToken{
		TokenHash:  params.TokenHash,
		UserID:     result[0],
		CompanyID:  result[1],
		IssuedAt:   time.UnixMilli(issuedMs).UTC(),
		ExpiresAt:  time.UnixMilli(expiresMs).UTC(),
		ConsumedAt: &at,
		ConsumedBy: &consumer,
	}, nil
}

// PurgePeerTokens is a no-op; Redis evicts expired keys itself.
func (s *PeerTokenStore) PurgePeerTokens(ctx context.Context, expiredBefore time.Time) (int64, error) {
	return 0, nil
}
