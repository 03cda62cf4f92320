package repository

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/noah-isme/token-lifecycle-api/internal/models"
)

// ErrDuplicateRefreshToken is returned when a secret collides with a stored token.
var ErrDuplicateRefreshToken = errors.New("refresh token already exists")

// HashSecret derives the lookup key under which a refresh secret is persisted.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

func prepareRefreshToken(token *models.RefreshToken) error {
	if token == nil || token.PrincipalID == "" {
		return errors.New("refresh token: principal id is required")
	}
	if token.TokenHash == "" {
		if token.Secret == "" {
			return errors.New("refresh token: secret is required")
		}
		token.TokenHash = HashSecret(token.Secret)
	}
	if token.ID == "" {
		token.ID = uuid.NewString()
	}
	if token.CreatedAt.IsZero() {
		token.CreatedAt = time.Now().UTC()
	}
	token.CreatedAt = token.CreatedAt.UTC()
	token.ExpiresAt = token.ExpiresAt.UTC()
	return nil
}

func evictionCount(current, maxActive int) int {
	if current < maxActive {
		return 0
	}
	return current - maxActive + 1
}
