package service

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/noah-isme/token-lifecycle-api/internal/models"
)

const (
	minRefreshSize = 32
	maxRefreshSize = 128
)

// TokenMinterConfig carries the immutable signing configuration.
type TokenMinterConfig struct {
	Secret           []byte
	Issuer           string
	Audience         string
	AccessExpiry     time.Duration
	RefreshSizeBytes int
	// Now overrides the clock; nil means time.Now.
	Now func() time.Time
	// Random overrides the entropy source; nil means crypto/rand.
	Random io.Reader
}

// TokenMinter produces signed access tokens and random refresh secrets. It holds no mutable
// state and is safe for concurrent use.
type TokenMinter struct {
	secret      []byte
	issuer      string
	audience    string
	expiry      time.Duration
	refreshSize int
	now         func() time.Time
	random      io.Reader
	parser      *jwt.Parser
	unverified  *jwt.Parser
}

// NewTokenMinter validates the configuration and fails closed when the key material is unusable.
func NewTokenMinter(cfg TokenMinterConfig) (*TokenMinter, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("token minter: signing secret is empty")
	}
	if cfg.Issuer == "" || cfg.Audience == "" {
		return nil, errors.New("token minter: issuer and audience are required")
	}
	if cfg.AccessExpiry <= 0 {
		return nil, errors.New("token minter: access token expiry must be positive")
	}
	if cfg.RefreshSizeBytes < minRefreshSize || cfg.RefreshSizeBytes > maxRefreshSize {
		return nil, fmt.Errorf("token minter: refresh token size %d outside [%d, %d]", cfg.RefreshSizeBytes, minRefreshSize, maxRefreshSize)
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	random := cfg.Random
	if random == nil {
		random = rand.Reader
	}

	secret := make([]byte, len(cfg.Secret))
	copy(secret, cfg.Secret)

	m := &TokenMinter{
		secret:      secret,
		issuer:      cfg.Issuer,
		audience:    cfg.Audience,
		expiry:      cfg.AccessExpiry,
		refreshSize: cfg.RefreshSizeBytes,
		now:         func() time.Time { return now().UTC() },
		random:      random,
	}
	m.parser = jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(m.issuer),
		jwt.WithAudience(m.audience),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(0),
		jwt.WithTimeFunc(m.now),
	)
	m.unverified = jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	return m, nil
}

// AccessExpiry returns the configured access token lifetime.
func (m *TokenMinter) AccessExpiry() time.Duration {
	return m.expiry
}

// MintAccessToken signs a claim set for the principal carrying the given roles.
func (m *TokenMinter) MintAccessToken(principal *models.Principal, roles []string) (string, time.Time, error) {
	if principal == nil || principal.ID == "" {
		return "", time.Time{}, errors.New("mint access token: principal is required")
	}

	issuedAt := m.now()
	expiresAt := issuedAt.Add(m.expiry)
	claims := &models.AccessClaims{
		Email:     principal.Email,
		Roles:     append([]string(nil), roles...),
		CreatedAt: issuedAt.Format(time.RFC3339),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    m.issuer,
			Subject:   principal.ID,
			Audience:  jwt.ClaimStrings{m.audience},
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign access token: %w", err)
	}
	return signed, expiresAt, nil
}

// MintRefreshSecret draws the configured number of bytes from the CSPRNG.
func (m *TokenMinter) MintRefreshSecret() (string, error) {
	buf := make([]byte, m.refreshSize)
	if _, err := io.ReadFull(m.random, buf); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// ParseAccessToken fully validates the token and returns its claims.
func (m *TokenMinter) ParseAccessToken(tokenString string) (*models.AccessClaims, error) {
	claims := &models.AccessClaims{}
	token, err := m.parser.ParseWithClaims(tokenString, claims, m.keyFunc)
	if err != nil {
		return nil, err
	}
	if !token.Valid || claims.Subject == "" {
		return nil, errors.New("access token claims are incomplete")
	}
	return claims, nil
}

// VerifyAccessToken reports whether the token passes signature, issuer, audience and expiry checks.
func (m *TokenMinter) VerifyAccessToken(tokenString string) bool {
	_, err := m.ParseAccessToken(tokenString)
	return err == nil
}

// ExtractClaims checks the signature but not the lifetime, so that an expired access token can
// still identify its principal during a refresh.
func (m *TokenMinter) ExtractClaims(tokenString string) (*models.AccessClaims, error) {
	claims := &models.AccessClaims{}
	if _, err := m.unverified.ParseWithClaims(tokenString, claims, m.keyFunc); err != nil {
		return nil, err
	}
	if claims.Issuer != m.issuer {
		return nil, jwt.ErrTokenInvalidIssuer
	}
	return claims, nil
}

func (m *TokenMinter) keyFunc(token *jwt.Token) (interface{}, error) {
	if token.Method != jwt.SigningMethodHS256 {
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}
	return m.secret, nil
}
