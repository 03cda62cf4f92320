package models

import "time"

// RefreshToken represents a persisted refresh token. Only the hash of the secret is stored;
// Secret is populated on the value handed back to the caller and is never persisted.
type RefreshToken struct {
	ID          string    `db:"id" json:"id"`
	PrincipalID string    `db:"principal_id" json:"principal_id"`
	Secret      string    `db:"-" json:"-"`
	TokenHash   string    `db:"token_hash" json:"-"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	ExpiresAt   time.Time `db:"expires_at" json:"expires_at"`
	IssuingIP   *string   `db:"issuing_ip" json:"issuing_ip,omitempty"`
}

// ActiveAt reports whether the token has not yet expired at the given instant.
func (t *RefreshToken) ActiveAt(at time.Time) bool {
	return t != nil && at.Before(t.ExpiresAt)
}

// RevokeResult distinguishes a removal from a no-op revocation.
type RevokeResult int

const (
	RevokeNotFound RevokeResult = iota
	RevokeRemoved
)

func (r RevokeResult) String() string {
	if r == RevokeRemoved {
		return "removed"
	}
	return "not_found"
}

// TokenPair is the result of a successful issue or rotation.
type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	ExpiresAt        time.Time `json:"expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}
