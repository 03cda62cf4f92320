package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/token-lifecycle-api/internal/models"
)

const uniqueViolation = "23505"

// RefreshTokenRepository persists refresh tokens in PostgreSQL.
type RefreshTokenRepository struct {
	db        *sqlx.DB
	maxActive int
}

// NewRefreshTokenRepository creates a repository enforcing maxActive tokens per principal.
func NewRefreshTokenRepository(db *sqlx.DB, maxActive int) *RefreshTokenRepository {
	if maxActive < 1 {
		maxActive = 1
	}
	return &RefreshTokenRepository{db: db, maxActive: maxActive}
}

// Add inserts the token, first evicting the principal's oldest tokens when the bound is reached.
// The advisory lock serializes concurrent adds for one principal even before it has any rows;
// eviction and insertion commit or roll back together.
func (r *RefreshTokenRepository) Add(ctx context.Context, token *models.RefreshToken) (int, error) {
	if err := prepareRefreshToken(token); err != nil {
		return 0, err
	}

	tx, err := r.lockedTx(ctx, token.PrincipalID)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	evicted, err := r.insert(ctx, tx, token)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit refresh token tx: %w", err)
	}
	return evicted, nil
}

// Rotate deletes the principal's token holding presented and inserts next in the same
// transaction. When presented is not stored for the principal nothing changes.
func (r *RefreshTokenRepository) Rotate(ctx context.Context, principalID, presented string, next *models.RefreshToken) (int, models.RevokeResult, error) {
	if err := prepareRefreshToken(next); err != nil {
		return 0, models.RevokeNotFound, err
	}

	tx, err := r.lockedTx(ctx, principalID)
	if err != nil {
		return 0, models.RevokeNotFound, err
	}
	defer func() { _ = tx.Rollback() }()

	const revokeQuery = `DELETE FROM refresh_tokens WHERE principal_id = $1 AND token_hash = $2`
	res, err := tx.ExecContext(ctx, revokeQuery, principalID, HashSecret(presented))
	if err != nil {
		return 0, models.RevokeNotFound, fmt.Errorf("revoke rotated refresh token: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, models.RevokeNotFound, fmt.Errorf("revoke rotated refresh token rows: %w", err)
	}
	if affected == 0 {
		return 0, models.RevokeNotFound, nil
	}

	evicted, err := r.insert(ctx, tx, next)
	if err != nil {
		return 0, models.RevokeNotFound, err
	}
	if err := tx.Commit(); err != nil {
		return 0, models.RevokeNotFound, fmt.Errorf("commit refresh token tx: %w", err)
	}
	return evicted, models.RevokeRemoved, nil
}

func (r *RefreshTokenRepository) lockedTx(ctx context.Context, principalID string) (*sqlx.Tx, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin refresh token tx: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, principalID); err != nil {
		_ = tx.Rollback()
		return nil, fmt.Errorf("lock principal refresh tokens: %w", err)
	}
	return tx, nil
}

// insert evicts the oldest rows beyond the bound and inserts token. seq breaks ties between rows
// sharing a creation timestamp in insertion order.
func (r *RefreshTokenRepository) insert(ctx context.Context, tx *sqlx.Tx, token *models.RefreshToken) (int, error) {
	var ids []string
	const listQuery = `SELECT id FROM refresh_tokens WHERE principal_id = $1 ORDER BY created_at ASC, seq ASC`
	if err := tx.SelectContext(ctx, &ids, listQuery, token.PrincipalID); err != nil {
		return 0, fmt.Errorf("list principal refresh tokens: %w", err)
	}

	evicted := evictionCount(len(ids), r.maxActive)
	if evicted > 0 {
		const deleteQuery = `DELETE FROM refresh_tokens WHERE id = ANY($1::uuid[])`
		if _, err := tx.ExecContext(ctx, deleteQuery, pq.Array(ids[:evicted])); err != nil {
			return 0, fmt.Errorf("evict refresh tokens: %w", err)
		}
	}

	const insertQuery = `INSERT INTO refresh_tokens (id, principal_id, token_hash, created_at, expires_at, issuing_ip) VALUES (:id, :principal_id, :token_hash, :created_at, :expires_at, :issuing_ip)`
	if _, err := tx.NamedExecContext(ctx, insertQuery, token); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return 0, ErrDuplicateRefreshToken
		}
		return 0, fmt.Errorf("create refresh token: %w", err)
	}
	return evicted, nil
}

// Validate reports whether the principal holds an unexpired token with this secret.
func (r *RefreshTokenRepository) Validate(ctx context.Context, principalID, secret string, at time.Time) (bool, error) {
	const query = `SELECT EXISTS (SELECT 1 FROM refresh_tokens WHERE principal_id = $1 AND token_hash = $2 AND expires_at > $3)`
	var exists bool
	if err := r.db.GetContext(ctx, &exists, query, principalID, HashSecret(secret), at.UTC()); err != nil {
		return false, fmt.Errorf("validate refresh token: %w", err)
	}
	return exists, nil
}

// Revoke deletes the principal's token with this secret.
func (r *RefreshTokenRepository) Revoke(ctx context.Context, principalID, secret string) (models.RevokeResult, error) {
	const query = `DELETE FROM refresh_tokens WHERE principal_id = $1 AND token_hash = $2`
	res, err := r.db.ExecContext(ctx, query, principalID, HashSecret(secret))
	if err != nil {
		return models.RevokeNotFound, fmt.Errorf("revoke refresh token: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return models.RevokeNotFound, fmt.Errorf("revoke refresh token rows: %w", err)
	}
	if affected == 0 {
		return models.RevokeNotFound, nil
	}
	return models.RevokeRemoved, nil
}

// LookupIssuingIP returns the address recorded when the token was issued, or "".
func (r *RefreshTokenRepository) LookupIssuingIP(ctx context.Context, secret string) (string, error) {
	const query = `SELECT COALESCE(issuing_ip, '') FROM refresh_tokens WHERE token_hash = $1 LIMIT 1`
	var ip string
	if err := r.db.GetContext(ctx, &ip, query, HashSecret(secret)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("lookup refresh token ip: %w", err)
	}
	return ip, nil
}
