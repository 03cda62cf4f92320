package models

import (
	"github.com/golang-jwt/jwt/v5"
)

// LoginRequest holds credentials for authenticating a principal.
type LoginRequest struct {
	Email     string `json:"email" validate:"required,email"`
	Password  string `json:"password" validate:"required"`
	IP        string `json:"-"`
	UserAgent string `json:"-"`
}

// RefreshRequest exchanges a refresh token for a new pair. Email may be left empty, in which
// case it is read from the (possibly expired) access token.
type RefreshRequest struct {
	Email        string `json:"email,omitempty" validate:"omitempty,email"`
	AccessToken  string `json:"access_token" validate:"required_without=Email"`
	RefreshToken string `json:"refresh_token" validate:"required"`
	IP           string `json:"-"`
	UserAgent    string `json:"-"`
}

// LogoutRequest carries the refresh token to revoke.
type LogoutRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
}

// ValidateTokenRequest asks whether an access token is currently valid.
type ValidateTokenRequest struct {
	Token string `json:"token" binding:"required"`
}

// ValidateTokenResponse reports the outcome of an access token check.
type ValidateTokenResponse struct {
	Valid bool `json:"valid"`
}

// PrincipalInfo describes the authenticated principal in responses.
type PrincipalInfo struct {
	ID    string   `json:"id"`
	Email string   `json:"email"`
	Roles []string `json:"roles"`
}

// AccessClaims is the payload of an access token.
type AccessClaims struct {
	Email     string   `json:"email"`
	Roles     []string `json:"roles,omitempty"`
	CreatedAt string   `json:"created_at,omitempty"`
	jwt.RegisteredClaims
}
