package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/token-lifecycle-api/internal/middleware"
	"github.com/noah-isme/token-lifecycle-api/internal/models"
	"github.com/noah-isme/token-lifecycle-api/internal/service"
	appErrors "github.com/noah-isme/token-lifecycle-api/pkg/errors"
	"github.com/noah-isme/token-lifecycle-api/pkg/response"
)

// AuthHandler wires HTTP endpoints to the auth and token services.
type AuthHandler struct {
	auth   *service.AuthService
	tokens *service.TokenService
}

// NewAuthHandler creates a new handler.
func NewAuthHandler(auth *service.AuthService, tokens *service.TokenService) *AuthHandler {
	return &AuthHandler{auth: auth, tokens: tokens}
}

// Register mounts the auth routes on the group. Me sits behind the bearer middleware; Logout reads
// the bearer token itself because an expired access token may still sign out.
func (h *AuthHandler) Register(group *gin.RouterGroup, jwt gin.HandlerFunc) {
	auth := group.Group("/auth")
	auth.POST("/login", h.Login)
	auth.POST("/refresh", h.Refresh)
	auth.POST("/validate", h.Validate)
	auth.POST("/logout", h.Logout)
	auth.GET("/me", jwt, h.Me)
}

// Login authenticates by email and password and returns a token pair.
func (h *AuthHandler) Login(c *gin.Context) {
	var req models.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid login payload"))
		return
	}
	req.IP = c.ClientIP()
	req.UserAgent = c.GetHeader("User-Agent")

	res, err := h.auth.Login(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, res)
}

// Refresh exchanges a refresh token for a new pair.
func (h *AuthHandler) Refresh(c *gin.Context) {
	var req models.RefreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid refresh payload"))
		return
	}
	if req.AccessToken == "" {
		if token, ok := middleware.BearerToken(c.GetHeader("Authorization")); ok {
			req.AccessToken = token
		}
	}
	req.IP = c.ClientIP()
	req.UserAgent = c.GetHeader("User-Agent")

	res, err := h.tokens.Refresh(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, res)
}

// Logout revokes the posted refresh token of the principal named by the bearer token. It answers
// 204 whether or not the token was still stored.
func (h *AuthHandler) Logout(c *gin.Context) {
	accessToken, ok := middleware.BearerToken(c.GetHeader("Authorization"))
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	var req models.LogoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "refresh token required"))
		return
	}

	if _, err := h.tokens.Logout(c.Request.Context(), accessToken, req.RefreshToken, c.ClientIP()); err != nil {
		response.Error(c, err)
		return
	}

	response.NoContent(c)
}

// Validate reports whether the posted access token is currently valid.
func (h *AuthHandler) Validate(c *gin.Context) {
	var req models.ValidateTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "token required"))
		return
	}

	response.JSON(c, http.StatusOK, models.ValidateTokenResponse{Valid: h.tokens.ValidateAccessToken(req.Token)})
}

// Me returns the authenticated principal as described by its access token.
func (h *AuthHandler) Me(c *gin.Context) {
	claims := middleware.ClaimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	roles := claims.Roles
	if roles == nil {
		roles = []string{}
	}
	response.JSON(c, http.StatusOK, models.PrincipalInfo{ID: claims.Subject, Email: claims.Email, Roles: roles})
}
