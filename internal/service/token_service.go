package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/token-lifecycle-api/internal/models"
	appErrors "github.com/noah-isme/token-lifecycle-api/pkg/errors"
	"github.com/noah-isme/token-lifecycle-api/pkg/middleware/requestid"
)

// PrincipalStore resolves principals, their roles and their credentials.
type PrincipalStore interface {
	FindByEmail(ctx context.Context, email string) (*models.Principal, error)
	FindByID(ctx context.Context, id string) (*models.Principal, error)
	RolesOf(ctx context.Context, principalID string) ([]string, error)
	VerifyPassword(ctx context.Context, principal *models.Principal, password string) (bool, error)
}

// RefreshTokenStore keeps a bounded set of refresh tokens per principal.
type RefreshTokenStore interface {
	Add(ctx context.Context, token *models.RefreshToken) (int, error)
	Validate(ctx context.Context, principalID, secret string, at time.Time) (bool, error)
	Revoke(ctx context.Context, principalID, secret string) (models.RevokeResult, error)
	// Rotate removes presented and stores next as one atomic step. It stores nothing and reports
	// RevokeNotFound when presented is not the principal's.
	Rotate(ctx context.Context, principalID, presented string, next *models.RefreshToken) (int, models.RevokeResult, error)
	LookupIssuingIP(ctx context.Context, secret string) (string, error)
}

// AuditLogger records lifecycle events.
type AuditLogger interface {
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

// TokenServiceConfig tunes refresh token behaviour.
type TokenServiceConfig struct {
	RefreshExpiry time.Duration
	// RevokeOnRotate makes a refresh token single use: a successful refresh revokes it.
	RevokeOnRotate bool
	// EnforceIPBinding rejects refresh and revoke calls from an address other than the issuing one.
	EnforceIPBinding bool
	Now              func() time.Time
}

// TokenService coordinates minting, storage and revocation of token pairs.
type TokenService struct {
	principals PrincipalStore
	minter     *TokenMinter
	store      RefreshTokenStore
	audit      AuditLogger
	metrics    *MetricsService
	logger     *zap.Logger
	validator  *validator.Validate
	config     TokenServiceConfig
	now        func() time.Time
}

// NewTokenService constructs a TokenService.
func NewTokenService(principals PrincipalStore, minter *TokenMinter, store RefreshTokenStore, audit AuditLogger, metrics *MetricsService, logger *zap.Logger, config TokenServiceConfig) *TokenService {
	if logger == nil {
		logger = zap.NewNop()
	}
	now := config.Now
	if now == nil {
		now = time.Now
	}
	return &TokenService{
		principals: principals,
		minter:     minter,
		store:      store,
		audit:      audit,
		metrics:    metrics,
		logger:     logger,
		validator:  validator.New(),
		config:     config,
		now:        func() time.Time { return now().UTC() },
	}
}

// Issue mints a new access token and refresh token for the principal. When the principal
// already holds the maximum number of refresh tokens the oldest ones are evicted.
func (s *TokenService) Issue(ctx context.Context, principal *models.Principal, ip string) (*models.TokenPair, error) {
	return s.issue(ctx, principal, ip, models.AuditActionIssue, "")
}

// issue mints a pair and stores its refresh token. A non-empty rotated secret is swapped out for
// the new token in the same store operation, so a failure at any step leaves it usable.
func (s *TokenService) issue(ctx context.Context, principal *models.Principal, ip, action, rotated string) (*models.TokenPair, error) {
	if principal == nil || principal.ID == "" {
		return nil, appErrors.Clone(appErrors.ErrInternal, "principal is required to issue tokens")
	}

	roles, err := s.principals.RolesOf(ctx, principal.ID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load principal roles")
	}

	accessToken, accessExpiresAt, err := s.minter.MintAccessToken(principal, roles)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create access token")
	}

	secret, err := s.minter.MintRefreshSecret()
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create refresh token")
	}

	now := s.now()
	token := &models.RefreshToken{
		PrincipalID: principal.ID,
		Secret:      secret,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.config.RefreshExpiry),
	}
	if ip != "" {
		token.IssuingIP = &ip
	}

	evicted, err := s.persist(ctx, token, rotated)
	if err != nil {
		return nil, err
	}

	s.metrics.RecordIssue(evicted)
	if evicted > 0 {
		s.log(ctx).Debug("evicted refresh tokens", zap.String("principal_id", principal.ID), zap.Int("count", evicted))
	}
	s.record(ctx, principal.ID, action, ip, map[string]interface{}{"evicted": evicted, "rotated": rotated != ""})

	return &models.TokenPair{
		AccessToken:      accessToken,
		RefreshToken:     secret,
		ExpiresAt:        accessExpiresAt,
		RefreshExpiresAt: token.ExpiresAt,
	}, nil
}

// Refresh exchanges a valid refresh token for a new pair. The principal is identified by the
// request email or, when absent, by the email claim of the access token, whose signature is
// checked but whose lifetime is not.
func (s *TokenService) Refresh(ctx context.Context, req models.RefreshRequest) (*models.TokenPair, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid refresh payload")
	}

	email := req.Email
	if email == "" {
		claims, err := s.minter.ExtractClaims(req.AccessToken)
		if err != nil || claims.Email == "" {
			s.metrics.RecordRejection(RejectionInvalidAccessToken)
			return nil, appErrors.Clone(appErrors.ErrInvalidToken, "access token cannot identify the principal")
		}
		email = claims.Email
	}

	principal, err := s.principals.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.metrics.RecordRejection(RejectionPrincipalNotFound)
			return nil, appErrors.ErrPrincipalNotFound
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load principal")
	}

	if s.config.EnforceIPBinding {
		if err := s.checkIssuingIP(ctx, req.RefreshToken, req.IP); err != nil {
			return nil, err
		}
	}

	start := time.Now()
	valid, err := s.store.Validate(ctx, principal.ID, req.RefreshToken, s.now())
	s.metrics.ObserveStore("validate", time.Since(start))
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to validate refresh token")
	}
	if !valid {
		s.metrics.RecordRejection(RejectionInvalidRefreshToken)
		return nil, appErrors.ErrInvalidRefreshToken
	}

	rotated := ""
	if s.config.RevokeOnRotate {
		rotated = req.RefreshToken
	}
	return s.issue(ctx, principal, req.IP, models.AuditActionRefresh, rotated)
}

func (s *TokenService) persist(ctx context.Context, token *models.RefreshToken, rotated string) (int, error) {
	start := time.Now()
	if rotated == "" {
		evicted, err := s.store.Add(ctx, token)
		s.metrics.ObserveStore("add", time.Since(start))
		if err != nil {
			return 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to persist refresh token")
		}
		return evicted, nil
	}

	evicted, result, err := s.store.Rotate(ctx, token.PrincipalID, rotated, token)
	s.metrics.ObserveStore("rotate", time.Since(start))
	if err != nil {
		return 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to rotate refresh token")
	}
	s.metrics.RecordRevoke(result.String())
	if result == models.RevokeNotFound {
		// Lost a race with a concurrent rotation of the same token.
		s.metrics.RecordRejection(RejectionInvalidRefreshToken)
		return 0, appErrors.ErrInvalidRefreshToken
	}
	return evicted, nil
}

// Logout revokes the refresh token on behalf of the principal named by the access token. The
// access token's signature is checked but not its lifetime, so an expired one still signs out.
func (s *TokenService) Logout(ctx context.Context, accessToken, secret, ip string) (models.RevokeResult, error) {
	claims, err := s.minter.ExtractClaims(accessToken)
	if err != nil || claims.Subject == "" {
		s.metrics.RecordRejection(RejectionInvalidAccessToken)
		return models.RevokeNotFound, appErrors.ErrInvalidToken
	}

	principal, err := s.principals.FindByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.metrics.RecordRejection(RejectionPrincipalNotFound)
			return models.RevokeNotFound, appErrors.ErrPrincipalNotFound
		}
		return models.RevokeNotFound, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load principal")
	}

	return s.Revoke(ctx, principal.ID, secret, ip)
}

// Revoke removes the principal's refresh token. Revoking an unknown or already revoked token
// is not an error.
func (s *TokenService) Revoke(ctx context.Context, principalID, secret, ip string) (models.RevokeResult, error) {
	if principalID == "" || secret == "" {
		return models.RevokeNotFound, nil
	}

	if s.config.EnforceIPBinding {
		if err := s.checkIssuingIP(ctx, secret, ip); err != nil {
			return models.RevokeNotFound, err
		}
	}

	result, err := s.revoke(ctx, principalID, secret)
	if err != nil {
		return models.RevokeNotFound, err
	}
	if result == models.RevokeNotFound {
		s.log(ctx).Debug("refresh token not found on revoke", zap.String("principal_id", principalID))
	}
	s.record(ctx, principalID, models.AuditActionRevoke, ip, map[string]interface{}{"result": result.String()})
	return result, nil
}

func (s *TokenService) revoke(ctx context.Context, principalID, secret string) (models.RevokeResult, error) {
	start := time.Now()
	result, err := s.store.Revoke(ctx, principalID, secret)
	s.metrics.ObserveStore("revoke", time.Since(start))
	if err != nil {
		return models.RevokeNotFound, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to revoke refresh token")
	}
	s.metrics.RecordRevoke(result.String())
	return result, nil
}

// ValidateAccessToken reports whether the access token is currently valid.
func (s *TokenService) ValidateAccessToken(token string) bool {
	return s.minter.VerifyAccessToken(token)
}

// ParseAccessToken validates the access token and returns its claims.
func (s *TokenService) ParseAccessToken(token string) (*models.AccessClaims, error) {
	claims, err := s.minter.ParseAccessToken(token)
	if err != nil {
		s.metrics.RecordRejection(RejectionInvalidAccessToken)
		return nil, appErrors.Wrap(err, appErrors.ErrInvalidToken.Code, appErrors.ErrInvalidToken.Status, appErrors.ErrInvalidToken.Message)
	}
	return claims, nil
}

func (s *TokenService) checkIssuingIP(ctx context.Context, secret, ip string) error {
	issuingIP, err := s.store.LookupIssuingIP(ctx, secret)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to look up issuing address")
	}
	if issuingIP != "" && issuingIP != ip {
		s.metrics.RecordRejection(RejectionIPMismatch)
		s.log(ctx).Info("refresh token used from a different address", zap.String("issuing_ip", issuingIP), zap.String("ip", ip))
		return appErrors.ErrIPMismatch
	}
	return nil
}

func (s *TokenService) record(ctx context.Context, principalID, action, ip string, values map[string]interface{}) {
	if s.audit == nil {
		return
	}
	payload, err := json.Marshal(values)
	if err != nil {
		payload = nil
	}
	if err := s.audit.CreateAuditLog(ctx, &models.AuditLog{
		PrincipalID: &principalID,
		Action:      action,
		Resource:    "refresh_token",
		NewValues:   payload,
		IPAddress:   ip,
	}); err != nil {
		s.log(ctx).Warn("failed to record audit log", zap.String("action", action), zap.Error(err))
	}
}

func (s *TokenService) log(ctx context.Context) *zap.Logger {
	if id := requestid.FromContext(ctx); id != "" {
		return s.logger.With(zap.String("request_id", id))
	}
	return s.logger
}
