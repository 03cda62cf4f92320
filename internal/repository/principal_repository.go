package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"golang.org/x/crypto/bcrypt"

	"github.com/noah-isme/token-lifecycle-api/internal/models"
)

// PrincipalRepository reads principals and their roles. The identity tables are owned
// elsewhere; this repository never writes to them.
type PrincipalRepository struct {
	db *sqlx.DB
}

// NewPrincipalRepository creates a new instance of PrincipalRepository.
func NewPrincipalRepository(db *sqlx.DB) *PrincipalRepository {
	return &PrincipalRepository{db: db}
}

// FindByEmail returns a principal by email address, compared case-insensitively.
func (r *PrincipalRepository) FindByEmail(ctx context.Context, email string) (*models.Principal, error) {
	const query = `SELECT id, email, password_hash, created_at FROM users WHERE LOWER(email) = LOWER($1) LIMIT 1`
	var principal models.Principal
	if err := r.db.GetContext(ctx, &principal, query, email); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find principal by email: %w", err)
	}
	return &principal, nil
}

// FindByID returns a principal by identifier.
func (r *PrincipalRepository) FindByID(ctx context.Context, id string) (*models.Principal, error) {
	const query = `SELECT id, email, password_hash, created_at FROM users WHERE id = $1 LIMIT 1`
	var principal models.Principal
	if err := r.db.GetContext(ctx, &principal, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find principal by id: %w", err)
	}
	return &principal, nil
}

// RolesOf returns the principal's role names in ascending order.
func (r *PrincipalRepository) RolesOf(ctx context.Context, principalID string) ([]string, error) {
	const query = `SELECT role FROM user_roles WHERE user_id = $1 ORDER BY role ASC`
	roles := []string{}
	if err := r.db.SelectContext(ctx, &roles, query, principalID); err != nil {
		return nil, fmt.Errorf("list principal roles: %w", err)
	}
	return roles, nil
}

// VerifyPassword reports whether password matches the principal's stored hash.
func (r *PrincipalRepository) VerifyPassword(_ context.Context, principal *models.Principal, password string) (bool, error) {
	if principal == nil || principal.PasswordHash == "" {
		return false, nil
	}
	err := bcrypt.CompareHashAndPassword([]byte(principal.PasswordHash), []byte(password))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return false, nil
	}
	return false, fmt.Errorf("verify password: %w", err)
}
