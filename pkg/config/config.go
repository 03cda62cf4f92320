package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Refresh token store drivers.
const (
	StorePostgres = "postgres"
	StoreRedis    = "redis"
	StoreMemory   = "memory"
)

type Config struct {
	Env       string `validate:"required,oneof=development production test"`
	Port      int    `validate:"required,min=1,max=65535"`
	APIPrefix string

	Database     DatabaseConfig
	Redis        RedisConfig
	JWT          JWTConfig
	RefreshToken RefreshTokenConfig
	Log          LogConfig
}

type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Name         string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
	AutoMigrate  bool
}

type RedisConfig struct {
	Host      string
	Port      int
	Password  string
	DB        int
	KeyPrefix string
}

// JWTConfig holds the access token signing settings. None of them has a default.
type JWTConfig struct {
	Secret        string `validate:"required"`
	Issuer        string `validate:"required"`
	Audience      string `validate:"required"`
	ExpiryMinutes int    `validate:"required,min=1"`
}

// Expiry returns the access token lifetime.
func (c JWTConfig) Expiry() time.Duration {
	return time.Duration(c.ExpiryMinutes) * time.Minute
}

// RefreshTokenConfig bounds refresh token issuance.
type RefreshTokenConfig struct {
	ExpiryDays       int    `validate:"required,min=1,max=365"`
	SizeBytes        int    `validate:"required,min=32,max=128"`
	MaxActivePerUser int    `validate:"required,min=1,max=10"`
	Store            string `validate:"required,oneof=postgres redis memory"`
	RevokeOnRotate   bool
	EnforceIPBinding bool
}

// Expiry returns the refresh token lifetime.
func (c RefreshTokenConfig) Expiry() time.Duration {
	return time.Duration(c.ExpiryDays) * 24 * time.Hour
}

type LogConfig struct {
	Level  string
	Format string
}

// Load reads the environment (and an optional .env file) and validates the result.
// A returned error means the process must not start serving.
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	return FromViper(v)
}

// FromViper builds and validates a Config from an already populated viper instance.
func FromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{}

	cfg.Env = v.GetString("ENV")
	cfg.Port = v.GetInt("PORT")
	cfg.APIPrefix = v.GetString("API_PREFIX")

	cfg.Database = DatabaseConfig{
		Host:         v.GetString("DB_HOST"),
		Port:         v.GetInt("DB_PORT"),
		User:         v.GetString("DB_USER"),
		Password:     v.GetString("DB_PASSWORD"),
		Name:         v.GetString("DB_NAME"),
		SSLMode:      v.GetString("DB_SSL_MODE"),
		MaxOpenConns: v.GetInt("DB_MAX_OPEN_CONNS"),
		MaxIdleConns: v.GetInt("DB_MAX_IDLE_CONNS"),
		AutoMigrate:  v.GetBool("DB_AUTO_MIGRATE"),
	}

	cfg.Redis = RedisConfig{
		Host:      v.GetString("REDIS_HOST"),
		Port:      v.GetInt("REDIS_PORT"),
		Password:  v.GetString("REDIS_PASSWORD"),
		DB:        v.GetInt("REDIS_DB"),
		KeyPrefix: v.GetString("REDIS_KEY_PREFIX"),
	}

	cfg.JWT = JWTConfig{
		Secret:        v.GetString("JWT_SECRET"),
		Issuer:        v.GetString("JWT_ISSUER"),
		Audience:      v.GetString("JWT_AUDIENCE"),
		ExpiryMinutes: v.GetInt("JWT_EXPIRY_MINUTES"),
	}

	cfg.RefreshToken = RefreshTokenConfig{
		ExpiryDays:       v.GetInt("REFRESH_TOKEN_EXPIRY_DAYS"),
		SizeBytes:        v.GetInt("REFRESH_TOKEN_SIZE_BYTES"),
		MaxActivePerUser: v.GetInt("REFRESH_TOKEN_MAX_ACTIVE"),
		Store:            strings.ToLower(v.GetString("REFRESH_TOKEN_STORE")),
		RevokeOnRotate:   v.GetBool("REFRESH_TOKEN_REVOKE_ON_ROTATE"),
		EnforceIPBinding: v.GetBool("REFRESH_TOKEN_ENFORCE_IP"),
	}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required settings and ranges.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			msgs := make([]string, 0, len(fieldErrs))
			for _, fe := range fieldErrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q (value %v)", fe.Namespace(), fe.Tag(), redactValue(fe)))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func redactValue(fe validator.FieldError) interface{} {
	if fe.Field() == "Secret" {
		return "[redacted]"
	}
	return fe.Value()
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8080)
	v.SetDefault("API_PREFIX", "/api/v1")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "token_lifecycle")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)
	v.SetDefault("DB_AUTO_MIGRATE", true)

	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("REDIS_KEY_PREFIX", "rt")

	v.SetDefault("REFRESH_TOKEN_EXPIRY_DAYS", 7)
	v.SetDefault("REFRESH_TOKEN_SIZE_BYTES", 64)
	v.SetDefault("REFRESH_TOKEN_MAX_ACTIVE", 5)
	v.SetDefault("REFRESH_TOKEN_STORE", StorePostgres)
	v.SetDefault("REFRESH_TOKEN_REVOKE_ON_ROTATE", false)
	v.SetDefault("REFRESH_TOKEN_ENFORCE_IP", false)

	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
}
