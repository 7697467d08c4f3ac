package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/stackwatch/stackwatch/pkg/types"
)

// RevokeToken inserts a denylist entry keyed by token digest. Revoking the
// same token twice is a no-op.
func (s *Store) RevokeToken(ctx context.Context, t *types.RevokedToken) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO revoked_token (digest, user_email, revocation_reason, revoked_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (digest) DO NOTHING`,
		t.Digest, t.UserEmail, t.Reason, t.RevokedAt, t.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	return nil
}

// IsTokenRevoked checks the denylist. Runs on every authenticated request,
// served by the unique digest index.
func (s *Store) IsTokenRevoked(ctx context.Context, digest string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		`SELECT EXISTS (SELECT 1 FROM revoked_token WHERE digest = $1)`, digest)
	if err != nil {
		return false, fmt.Errorf("failed to check token revocation: %w", err)
	}
	return exists, nil
}

// DeleteExpiredTokens sweeps denylist rows whose tokens have expired on
// their own. Expired tokens fail verification regardless of the denylist.
func (s *Store) DeleteExpiredTokens(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM revoked_token WHERE expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep expired tokens: %w", err)
	}
	return res.RowsAffected()
}

// DeleteTokensForUser removes all denylist rows for a user, used when the
// user record itself is removed.
func (s *Store) DeleteTokensForUser(ctx context.Context, email string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM revoked_token WHERE user_email = $1`, email)
	if err != nil {
		return 0, fmt.Errorf("failed to delete tokens for user: %w", err)
	}
	return res.RowsAffected()
}
