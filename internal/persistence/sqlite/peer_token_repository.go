package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/example/presence-engine/internal/persistence"
)

// InsertPeerToken stores a freshly issued token hash.
func (s *Storage) InsertPeerToken(ctx context.Context, token persistence.PeerToken) error {
	return s.exec(ctx, func() error {
		_, err := s.pool.DB().ExecContext(ctx, `
			INSERT INTO peer_tokens (token_hash, user_id, company_id, issued_at, expires_at, consumed_at, consumed_by)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			token.TokenHash,
			token.UserID,
			token.CompanyID,
			formatTime(token.IssuedAt),
			formatTime(token.ExpiresAt),
			nullTime(token.ConsumedAt),
			nullString(token.ConsumedBy),
		)
		return err
	})
}

// ConsumePeerToken claims a token with one conditional UPDATE, so concurrent consumers cannot
// both succeed.
func (s *Storage) ConsumePeerToken(ctx context.Context, params persistence.ConsumePeerTokenParams) (persistence.PeerToken, error) {
	var token persistence.PeerToken
	err := s.exec(ctx, func() error {
		row := s.pool.DB().QueryRowContext(ctx, `
			UPDATE peer_tokens
			SET consumed_at = ?, consumed_by = ?
			WHERE token_hash = ?
				AND company_id = ?
				AND user_id <> ?
				AND consumed_at IS NULL
				AND expires_at > ?
			RETURNING token_hash, user_id, company_id, issued_at, expires_at, consumed_at, consumed_by`,
			formatTime(params.At),
			params.ConsumerID,
			params.TokenHash,
			params.CompanyID,
			params.ConsumerID,
			formatTime(params.At),
		)
		var err error
		token, err = scanPeerToken(row)
		return err
	})
	if err != nil {
		return persistence.PeerToken{}, err
	}
	return token, nil
}

// PurgePeerTokens deletes tokens that expired before the given instant.
func (s *Storage) PurgePeerTokens(ctx context.Context, expiredBefore time.Time) (int64, error) {
	var purged int64
	err := s.exec(ctx, func() error {
		result, err := s.pool.DB().ExecContext(ctx,
			`DELETE FROM peer_tokens WHERE expires_at < ?`, formatTime(expiredBefore))
		if err != nil {
			return err
		}
		purged, err = result.RowsAffected()
		return err
	})
	return purged, err
}

func scanPeerToken(row rowScanner) (persistence.PeerToken, error) {
	var (
		token      persistence.PeerToken
		issuedAt   string
		expiresAt  string
		consumedAt sql.NullString
		consumedBy sql.NullString
		err        error
	)
	if err = row.Scan(&token.TokenHash, &token.UserID, &token.CompanyID, &issuedAt, &expiresAt, &consumedAt, &consumedBy); err != nil {
		return persistence.PeerToken{}, err
	}
	if token.IssuedAt, err = parseTime(issuedAt); err != nil {
		return persistence.PeerToken{}, err
	}
	if token.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return persistence.PeerToken{}, err
	}
	if token.ConsumedAt, err = parseNullTime(consumedAt); err != nil {
		return persistence.PeerToken{}, err
	}
	token.ConsumedBy = stringPtr(consumedBy)
	return token, nil
}
