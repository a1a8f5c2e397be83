package pg

import (
	"context"
	"database/sql"
	"errors"

	"github.com/sunkingbms/backend-main/internal/auth"
)

type refreshTokenStore struct{ db *sql.DB }

func (s refreshTokenStore) Create(ctx context.Context, tok *auth.RefreshToken) error {
	_, err := s.db.ExecContext(ctx, `
		insert into refresh_tokens (id, identity_id, token_hash, expires_at, created_at, revoked)
		values ($1, $2, $3, $4, $5, $6)`,
		tok.ID, tok.IdentityID, tok.TokenHash, tok.ExpiresAt, tok.CreatedAt, tok.Revoked)
	return mapConstraintError(err)
}

func (s refreshTokenStore) Find(ctx context.Context, id string) (*auth.RefreshToken, error) {
	var tok auth.RefreshToken
	err := s.db.QueryRowContext(ctx, `
		select id, identity_id, token_hash, expires_at, created_at, revoked
		from refresh_tokens
		where id = $1`, id).
		Scan(&tok.ID, &tok.IdentityID, &tok.TokenHash, &tok.ExpiresAt, &tok.CreatedAt, &tok.Revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &tok, nil
}

// MarkRevoked flips the revoked flag only when it is not already set, so
// exactly one of several concurrent rotations wins. Losing a row that was
// already revoked reports ErrTokenBlacklisted.
func (s refreshTokenStore) MarkRevoked(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`update refresh_tokens set revoked = true where id = $1 and not revoked`, id)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		var revoked bool
		err := s.db.QueryRowContext(ctx,
			`select revoked from refresh_tokens where id = $1`, id).Scan(&revoked)
		if errors.Is(err, sql.ErrNoRows) {
			return auth.ErrNotFound
		}
		if err != nil {
			return err
		}
		return auth.ErrTokenBlacklisted
	}
	return nil
}

func (s refreshTokenStore) MarkRevokedByIdentity(ctx context.Context, identityID string) error {
	_, err := s.db.ExecContext(ctx,
		`update refresh_tokens set revoked = true where identity_id = $1 and not revoked`, identityID)
	return err
}
