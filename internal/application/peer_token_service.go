package application

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/example/presence-engine/internal/persistence"
)

const (
	// DefaultPeerTokenTTL is how long an issued peer token stays consumable.
	DefaultPeerTokenTTL = 30 * time.Second
	// MaxPeerTokenTTL caps the peer token lifetime.
	MaxPeerTokenTTL = 2 * time.Minute

	peerTokenBytes = 24
)

// PeerTokenConfig configures token issuance.
type PeerTokenConfig struct {
	// Secret keys the at-rest token hash. It must stay stable across restarts.
	Secret       []byte
	TTL          time.Duration
	StoreTimeout time.Duration
}

// PeerTokenService issues and consumes one-time partner tokens. Only a keyed BLAKE2b digest of
// each token is stored.
type PeerTokenService struct {
	tokens       persistence.PeerTokenRepository
	hashKey      [32]byte
	ttl          time.Duration
	storeTimeout time.Duration
	random       io.Reader
	now          func() time.Time
	logger       *slog.Logger
}

// NewPeerTokenService constructs a token service with the provided dependencies.
func NewPeerTokenService(tokens persistence.PeerTokenRepository, cfg PeerTokenConfig, now func() time.Time) *PeerTokenService {
	return NewPeerTokenServiceWithLogger(tokens, cfg, now, nil)
}

// NewPeerTokenServiceWithLogger constructs a token service with a specified logger.
func NewPeerTokenServiceWithLogger(tokens persistence.PeerTokenRepository, cfg PeerTokenConfig, now func() time.Time, logger *slog.Logger) *PeerTokenService {
	if now == nil {
		now = time.Now
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultPeerTokenTTL
	}
	if ttl > MaxPeerTokenTTL {
		ttl = MaxPeerTokenTTL
	}
	return &PeerTokenService{
		tokens:       tokens,
		hashKey:      blake2b.Sum256(cfg.Secret),
		ttl:          ttl,
		storeTimeout: cfg.StoreTimeout,
		random:       rand.Reader,
		now:          now,
		logger:       defaultLogger(logger),
	}
}

func (s *PeerTokenService) loggerWith(ctx context.Context, operation string, attrs ...any) *slog.Logger {
	return serviceLogger(ctx, s.logger, "PeerTokenService", operation, attrs...)
}

// Issue creates a token the caller shows to their partner as a QR code.
func (s *PeerTokenService) Issue(ctx context.Context, principal Principal) (issued IssuedPeerToken, err error) {
	if s == nil {
		err = fmt.Errorf("PeerTokenService is nil")
		return
	}

	logger := s.loggerWith(ctx, "Issue",
		"principal_id", principal.UserID,
		"company_id", principal.CompanyID,
	)
	defer func() {
		if err != nil {
			logger.ErrorContext(ctx, "failed to issue peer token", "error", err, "error_kind", ErrorKind(err))
			return
		}
		logger.InfoContext(ctx, "peer token issued", "expires_at", issued.ExpiresAt)
	}()

	if principal.UserID == "" || principal.CompanyID == "" {
		err = ErrUnauthorized
		return
	}
	if s.tokens == nil {
		err = fmt.Errorf("peer token repository not configured")
		return
	}

	raw := make([]byte, peerTokenBytes)
	if _, err = io.ReadFull(s.random, raw); err != nil {
		err = fmt.Errorf("generate peer token: %w", err)
		return
	}
	token := base64.RawURLEncoding.EncodeToString(raw)

	issuedAt := s.now().UTC()
	record := persistence.PeerToken{
		TokenHash: s.hash(token),
		UserID:    principal.UserID,
		CompanyID: principal.CompanyID,
		IssuedAt:  issuedAt,
		ExpiresAt: issuedAt.Add(s.ttl),
	}
	err = withStoreTimeout(ctx, s.storeTimeout, func(ctx context.Context) error {
		return s.tokens.InsertPeerToken(ctx, record)
	})
	if err != nil {
		return
	}

	issued = IssuedPeerToken{
		Token:     token,
		QRPayload: PeerQRPrefix + token,
		ExpiresAt: record.ExpiresAt,
	}
	return
}

// Consume atomically claims a token presented by consumerID and returns the owning partner.
// Unknown, expired, consumed, self-owned and foreign-company tokens all yield ErrTokenInvalid.
func (s *PeerTokenService) Consume(ctx context.Context, companyID, consumerID, presented string) (partnerID string, err error) {
	if s == nil {
		return "", fmt.Errorf("PeerTokenService is nil")
	}
	if s.tokens == nil {
		return "", fmt.Errorf("peer token repository not configured")
	}

	token := normalizePeerToken(presented)
	if token == "" {
		return "", fmt.Errorf("%w: empty token", ErrTokenInvalid)
	}

	var record persistence.PeerToken
	err = withStoreTimeout(ctx, s.storeTimeout, func(ctx context.Context) error {
		var consumeErr error
		record, consumeErr = s.tokens.ConsumePeerToken(ctx, persistence.ConsumePeerTokenParams{
			TokenHash:  s.hash(token),
			CompanyID:  companyID,
			ConsumerID: consumerID,
			At:         s.now().UTC(),
		})
		return consumeErr
	})
	if errors.Is(err, persistence.ErrNotFound) {
		return "", fmt.Errorf("%w: unknown, expired, consumed or not usable by this agent", ErrTokenInvalid)
	}
	if err != nil {
		return "", err
	}
	return record.UserID, nil
}

// Purge removes tokens that expired before the given instant.
func (s *PeerTokenService) Purge(ctx context.Context, before time.Time) (int64, error) {
	if s == nil || s.tokens == nil {
		return 0, nil
	}
	var purged int64
	err := withStoreTimeout(ctx, s.storeTimeout, func(ctx context.Context) error {
		var purgeErr error
		purged, purgeErr = s.tokens.PurgePeerTokens(ctx, before)
		return purgeErr
	})
	return purged, err
}

func (s *PeerTokenService) hash(token string) string {
	h, err := blake2b.New256(s.hashKey[:])
	if err != nil {
		// Only reachable with a key longer than 64 bytes.
		panic(err)
	}
	h.Write([]byte(token))
	return hex.EncodeToString(h.Sum(nil))
}

func normalizePeerToken(presented string) string {
	token := strings.TrimSpace(presented)
	if rest, ok := strings.CutPrefix(token, PeerQRPrefix); ok {
		token = strings.TrimSpace(rest)
	}
	return token
}
