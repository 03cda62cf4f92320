package handler

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/noah-isme/token-lifecycle-api/internal/middleware"
	"github.com/noah-isme/token-lifecycle-api/internal/models"
	"github.com/noah-isme/token-lifecycle-api/internal/repository"
	"github.com/noah-isme/token-lifecycle-api/internal/service"
)

type stubPrincipalStore struct {
	principal *models.Principal
}

func (s stubPrincipalStore) FindByEmail(_ context.Context, email string) (*models.Principal, error) {
	if email != s.principal.Email {
		return nil, sql.ErrNoRows
	}
	return s.principal, nil
}

func (s stubPrincipalStore) FindByID(_ context.Context, id string) (*models.Principal, error) {
	if id != s.principal.ID {
		return nil, sql.ErrNoRows
	}
	return s.principal, nil
}

func (s stubPrincipalStore) RolesOf(context.Context, string) ([]string, error) {
	return []string{"user"}, nil
}

func (s stubPrincipalStore) VerifyPassword(_ context.Context, p *models.Principal, password string) (bool, error) {
	return bcrypt.CompareHashAndPassword([]byte(p.PasswordHash), []byte(password)) == nil, nil
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Code string `json:"code"`
	} `json:"error"`
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var testMinterConfig = service.TokenMinterConfig{
	Secret: []byte("handler-test-secret"), Issuer: "token-api", Audience: "token-clients",
	AccessExpiry: 15 * time.Minute, RefreshSizeBytes: 32,
}

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	return newTestRouterWithClock(t, &testClock{now: time.Now()})
}

func newTestRouterWithClock(t *testing.T, clock *testClock) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	hash, err := bcrypt.GenerateFromPassword([]byte("password"), bcrypt.MinCost)
	require.NoError(t, err)
	principals := stubPrincipalStore{principal: &models.Principal{ID: "p1", Email: "user@example.com", PasswordHash: string(hash)}}

	cfg := testMinterConfig
	cfg.Now = clock.Now
	minter, err := service.NewTokenMinter(cfg)
	require.NoError(t, err)

	metrics := service.NewMetricsService()
	tokens := service.NewTokenService(principals, minter, repository.NewMemoryRefreshTokenRepository(2), nil, metrics, zap.NewNop(),
		service.TokenServiceConfig{RefreshExpiry: time.Hour, Now: clock.Now})
	auth := service.NewAuthService(principals, tokens, nil, metrics, nil, zap.NewNop())

	router := gin.New()
	router.Use(middleware.Metrics(metrics))
	api := router.Group("/api/v1")
	NewAuthHandler(auth, tokens).Register(api, middleware.JWT(tokens))
	metricsHandler := NewMetricsHandler(metrics, map[string]HealthCheck{"memory": func(context.Context) error { return nil }})
	api.GET("/health", metricsHandler.Health)
	router.GET("/metrics", metricsHandler.Prometheus)
	return router
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body interface{}, bearer string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, req)

	var env envelope
	if recorder.Body.Len() > 0 && recorder.Header().Get("Content-Type") != "" {
		_ = json.Unmarshal(recorder.Body.Bytes(), &env)
	}
	return recorder, env
}

func login(t *testing.T, router *gin.Engine) models.TokenPair {
	t.Helper()
	recorder, env := doJSON(t, router, http.MethodPost, "/api/v1/auth/login", gin.H{"email": "user@example.com", "password": "password"}, "")
	require.Equal(t, http.StatusOK, recorder.Code, recorder.Body.String())
	assert.Equal(t, "no-store", recorder.Header().Get("Cache-Control"))
	var pair models.TokenPair
	require.NoError(t, json.Unmarshal(env.Data, &pair))
	return pair
}

func TestAuthHandlerLogin(t *testing.T) {
	router := newTestRouter(t)
	pair := login(t, router)
	assert.NotEmpty(t, pair.AccessToken)
	assert.NotEmpty(t, pair.RefreshToken)

	recorder, env := doJSON(t, router, http.MethodPost, "/api/v1/auth/login", gin.H{"email": "user@example.com", "password": "nope"}, "")
	assert.Equal(t, http.StatusUnauthorized, recorder.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, "INVALID_CREDENTIALS", env.Error.Code)
}

func TestAuthHandlerRefresh(t *testing.T) {
	router := newTestRouter(t)
	pair := login(t, router)

	recorder, env := doJSON(t, router, http.MethodPost, "/api/v1/auth/refresh",
		gin.H{"access_token": pair.AccessToken, "refresh_token": pair.RefreshToken}, "")
	require.Equal(t, http.StatusOK, recorder.Code, recorder.Body.String())
	var rotated models.TokenPair
	require.NoError(t, json.Unmarshal(env.Data, &rotated))
	assert.NotEqual(t, pair.RefreshToken, rotated.RefreshToken)

	recorder, _ = doJSON(t, router, http.MethodPost, "/api/v1/auth/refresh",
		gin.H{"refresh_token": pair.RefreshToken}, pair.AccessToken)
	assert.Equal(t, http.StatusOK, recorder.Code)

	recorder, env = doJSON(t, router, http.MethodPost, "/api/v1/auth/refresh",
		gin.H{"access_token": pair.AccessToken, "refresh_token": "bogus"}, "")
	assert.Equal(t, http.StatusUnauthorized, recorder.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, "INVALID_REFRESH_TOKEN", env.Error.Code)
}

func TestAuthHandlerLogoutIsIdempotent(t *testing.T) {
	router := newTestRouter(t)
	pair := login(t, router)

	for i := 0; i < 2; i++ {
		recorder, _ := doJSON(t, router, http.MethodPost, "/api/v1/auth/logout", gin.H{"refresh_token": pair.RefreshToken}, pair.AccessToken)
		assert.Equal(t, http.StatusNoContent, recorder.Code)
	}

	recorder, _ := doJSON(t, router, http.MethodPost, "/api/v1/auth/refresh",
		gin.H{"access_token": pair.AccessToken, "refresh_token": pair.RefreshToken}, "")
	assert.Equal(t, http.StatusUnauthorized, recorder.Code)

	recorder, _ = doJSON(t, router, http.MethodPost, "/api/v1/auth/logout", gin.H{"refresh_token": pair.RefreshToken}, "")
	assert.Equal(t, http.StatusUnauthorized, recorder.Code)

	recorder, _ = doJSON(t, router, http.MethodPost, "/api/v1/auth/logout", gin.H{}, pair.AccessToken)
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestAuthHandlerLogoutWithExpiredAccessToken(t *testing.T) {
	clock := &testClock{now: time.Now()}
	router := newTestRouterWithClock(t, clock)
	pair := login(t, router)

	clock.Advance(20 * time.Minute)
	recorder, _ := doJSON(t, router, http.MethodGet, "/api/v1/auth/me", nil, pair.AccessToken)
	require.Equal(t, http.StatusUnauthorized, recorder.Code)

	recorder, _ = doJSON(t, router, http.MethodPost, "/api/v1/auth/logout", gin.H{"refresh_token": pair.RefreshToken}, pair.AccessToken)
	assert.Equal(t, http.StatusNoContent, recorder.Code, recorder.Body.String())

	recorder, env := doJSON(t, router, http.MethodPost, "/api/v1/auth/refresh",
		gin.H{"access_token": pair.AccessToken, "refresh_token": pair.RefreshToken}, "")
	assert.Equal(t, http.StatusUnauthorized, recorder.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, "INVALID_REFRESH_TOKEN", env.Error.Code)
}

func TestAuthHandlerLogoutRejectsUnknownPrincipalAndForgedToken(t *testing.T) {
	router := newTestRouter(t)
	pair := login(t, router)

	minter, err := service.NewTokenMinter(testMinterConfig)
	require.NoError(t, err)
	ghost, _, err := minter.MintAccessToken(&models.Principal{ID: "ghost", Email: "ghost@example.com"}, nil)
	require.NoError(t, err)

	recorder, env := doJSON(t, router, http.MethodPost, "/api/v1/auth/logout", gin.H{"refresh_token": pair.RefreshToken}, ghost)
	assert.Equal(t, http.StatusNotFound, recorder.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, "PRINCIPAL_NOT_FOUND", env.Error.Code)

	forged := testMinterConfig
	forged.Secret = []byte("another-secret")
	other, err := service.NewTokenMinter(forged)
	require.NoError(t, err)
	token, _, err := other.MintAccessToken(&models.Principal{ID: "p1", Email: "user@example.com"}, nil)
	require.NoError(t, err)

	recorder, env = doJSON(t, router, http.MethodPost, "/api/v1/auth/logout", gin.H{"refresh_token": pair.RefreshToken}, token)
	assert.Equal(t, http.StatusUnauthorized, recorder.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, "INVALID_TOKEN", env.Error.Code)

	recorder, _ = doJSON(t, router, http.MethodPost, "/api/v1/auth/refresh",
		gin.H{"access_token": pair.AccessToken, "refresh_token": pair.RefreshToken}, "")
	assert.Equal(t, http.StatusOK, recorder.Code)
}

func TestAuthHandlerValidate(t *testing.T) {
	router := newTestRouter(t)
	pair := login(t, router)

	recorder, env := doJSON(t, router, http.MethodPost, "/api/v1/auth/validate", gin.H{"token": pair.AccessToken}, "")
	require.Equal(t, http.StatusOK, recorder.Code)
	var res models.ValidateTokenResponse
	require.NoError(t, json.Unmarshal(env.Data, &res))
	assert.True(t, res.Valid)

	_, env = doJSON(t, router, http.MethodPost, "/api/v1/auth/validate", gin.H{"token": "garbage"}, "")
	require.NoError(t, json.Unmarshal(env.Data, &res))
	assert.False(t, res.Valid)
}

func TestAuthHandlerMe(t *testing.T) {
	router := newTestRouter(t)
	pair := login(t, router)

	recorder, env := doJSON(t, router, http.MethodGet, "/api/v1/auth/me", nil, pair.AccessToken)
	require.Equal(t, http.StatusOK, recorder.Code)
	var info models.PrincipalInfo
	require.NoError(t, json.Unmarshal(env.Data, &info))
	assert.Equal(t, "p1", info.ID)
	assert.Equal(t, "user@example.com", info.Email)
	assert.Equal(t, []string{"user"}, info.Roles)

	recorder, env = doJSON(t, router, http.MethodGet, "/api/v1/auth/me", nil, "not-a-token")
	assert.Equal(t, http.StatusUnauthorized, recorder.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, "INVALID_TOKEN", env.Error.Code)
}

func TestMetricsHandler(t *testing.T) {
	router := newTestRouter(t)
	login(t, router)

	recorder, _ := doJSON(t, router, http.MethodGet, "/api/v1/health", nil, "")
	assert.Equal(t, http.StatusOK, recorder.Code)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	metricsRecorder := httptest.NewRecorder()
	router.ServeHTTP(metricsRecorder, req)
	assert.Equal(t, http.StatusOK, metricsRecorder.Code)
	assert.Contains(t, metricsRecorder.Body.String(), "tokens_issued_total 1")
}

func TestHealthReportsFailingDependency(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewMetricsHandler(nil, map[string]HealthCheck{
		"postgres": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return errors.New("connection refused") },
	})

	recorder := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(recorder)
	c.Request = httptest.NewRequest(http.MethodGet, "/health", nil)
	h.Health(c)

	assert.Equal(t, http.StatusServiceUnavailable, recorder.Code)
	assert.Contains(t, recorder.Body.String(), `"redis":"down"`)
	assert.Contains(t, recorder.Body.String(), `"postgres":"up"`)

	recorder = httptest.NewRecorder()
	c, _ = gin.CreateTestContext(recorder)
	c.Request = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	h.Prometheus(c)
	c.Writer.WriteHeaderNow()
	assert.Equal(t, http.StatusServiceUnavailable, recorder.Code)
}
