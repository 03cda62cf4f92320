package service

import (
	"context"
	"database/sql"
	"errors"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/token-lifecycle-api/internal/models"
	appErrors "github.com/noah-isme/token-lifecycle-api/pkg/errors"
)

// AuthService authenticates principals by credentials and hands out token pairs.
type AuthService struct {
	principals PrincipalStore
	tokens     *TokenService
	audit      AuditLogger
	metrics    *MetricsService
	validator  *validator.Validate
	logger     *zap.Logger
}

// NewAuthService constructs an AuthService instance.
func NewAuthService(principals PrincipalStore, tokens *TokenService, audit AuditLogger, metrics *MetricsService, validate *validator.Validate, logger *zap.Logger) *AuthService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	return &AuthService{principals: principals, tokens: tokens, audit: audit, metrics: metrics, validator: validate, logger: logger}
}

// Login authenticates a principal and returns issued tokens.
func (s *AuthService) Login(ctx context.Context, req models.LoginRequest) (*models.TokenPair, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid login payload")
	}

	principal, err := s.principals.FindByEmail(ctx, req.Email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.metrics.RecordRejection(RejectionInvalidCredentials)
			return nil, appErrors.ErrInvalidCredentials
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to fetch principal")
	}

	ok, err := s.principals.VerifyPassword(ctx, principal, req.Password)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to verify credentials")
	}
	if !ok {
		s.metrics.RecordRejection(RejectionInvalidCredentials)
		return nil, appErrors.ErrInvalidCredentials
	}

	pair, err := s.tokens.Issue(ctx, principal, req.IP)
	if err != nil {
		return nil, err
	}

	if s.audit != nil {
		if err := s.audit.CreateAuditLog(ctx, &models.AuditLog{
			PrincipalID: &principal.ID,
			Action:      models.AuditActionLogin,
			Resource:    "auth",
			NewValues:   []byte(`{"status":"success"}`),
			IPAddress:   req.IP,
			UserAgent:   req.UserAgent,
		}); err != nil {
			s.logger.Warn("failed to record login audit log", zap.Error(err))
		}
	}

	return pair, nil
}
