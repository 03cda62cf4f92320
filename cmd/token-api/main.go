package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/token-lifecycle-api/internal/handler"
	"github.com/noah-isme/token-lifecycle-api/internal/middleware"
	"github.com/noah-isme/token-lifecycle-api/internal/migrations"
	"github.com/noah-isme/token-lifecycle-api/internal/repository"
	"github.com/noah-isme/token-lifecycle-api/internal/service"
	"github.com/noah-isme/token-lifecycle-api/pkg/cache"
	"github.com/noah-isme/token-lifecycle-api/pkg/config"
	"github.com/noah-isme/token-lifecycle-api/pkg/database"
	"github.com/noah-isme/token-lifecycle-api/pkg/jobs"
	"github.com/noah-isme/token-lifecycle-api/pkg/logger"
	reqidmiddleware "github.com/noah-isme/token-lifecycle-api/pkg/middleware/requestid"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Fatal("failed to connect database", zap.Error(err))
	}
	defer db.Close()

	if cfg.Database.AutoMigrate {
		if err := database.Migrate(ctx, db, migrations.FS); err != nil {
			logr.Fatal("failed to run migrations", zap.Error(err))
		}
	}

	checks := map[string]handler.HealthCheck{"postgres": db.PingContext}

	var store service.RefreshTokenStore
	switch cfg.RefreshToken.Store {
	case config.StoreRedis:
		client, err := cache.NewRedis(ctx, cfg.Redis)
		if err != nil {
			logr.Fatal("failed to connect redis", zap.Error(err))
		}
		defer client.Close()
		checks["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
		store = repository.NewRedisRefreshTokenRepository(client, cfg.Redis.KeyPrefix, cfg.RefreshToken.MaxActivePerUser)
	case config.StoreMemory:
		logr.Warn("refresh tokens are kept in process memory and will not survive a restart")
		store = repository.NewMemoryRefreshTokenRepository(cfg.RefreshToken.MaxActivePerUser)
	default:
		store = repository.NewRefreshTokenRepository(db, cfg.RefreshToken.MaxActivePerUser)
	}

	minter, err := service.NewTokenMinter(service.TokenMinterConfig{
		Secret:           []byte(cfg.JWT.Secret),
		Issuer:           cfg.JWT.Issuer,
		Audience:         cfg.JWT.Audience,
		AccessExpiry:     cfg.JWT.Expiry(),
		RefreshSizeBytes: cfg.RefreshToken.SizeBytes,
	})
	if err != nil {
		log.Fatalf("failed to init token minter: %v", err)
	}

	principalRepo := repository.NewPrincipalRepository(db)
	auditLogger := service.NewAsyncAuditLogger(repository.NewAuditRepository(db), jobs.QueueConfig{
		Workers:    2,
		BufferSize: 256,
		MaxRetries: 2,
		Logger:     logr,
	})
	auditLogger.Start()
	defer auditLogger.Stop()
	metricsSvc := service.NewMetricsService()

	tokenSvc := service.NewTokenService(principalRepo, minter, store, auditLogger, metricsSvc, logr, service.TokenServiceConfig{
		RefreshExpiry:    cfg.RefreshToken.Expiry(),
		RevokeOnRotate:   cfg.RefreshToken.RevokeOnRotate,
		EnforceIPBinding: cfg.RefreshToken.EnforceIPBinding,
	})
	authSvc := service.NewAuthService(principalRepo, tokenSvc, auditLogger, metricsSvc, validator.New(), logr)

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr, "/metrics", cfg.APIPrefix+"/health"))
	r.Use(middleware.Metrics(metricsSvc))

	metricsHandler := handler.NewMetricsHandler(metricsSvc, checks)
	r.GET("/metrics", metricsHandler.Prometheus)

	api := r.Group(cfg.APIPrefix)
	api.GET("/health", metricsHandler.Health)
	handler.NewAuthHandler(authSvc, tokenSvc).Register(api, middleware.JWT(tokenSvc))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logr.Info("server starting",
			zap.String("addr", srv.Addr),
			zap.String("env", cfg.Env),
			zap.String("refresh_store", cfg.RefreshToken.Store),
			zap.Int("max_active_refresh_tokens", cfg.RefreshToken.MaxActivePerUser),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logr.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Error("graceful shutdown failed", zap.Error(err))
	}
}
