/**
 * @description
 * This package handles the configuration management for the wizard service. It uses
 * Viper to read configuration from environment variables and an optional .env file.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */
package config

import (
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

const (
	defaultRedisKeyPrefix  = "valarpay:wizard"
	defaultJanitorSchedule = "@every 1m"
)

// Config holds all the configuration variables for the wizard service.
type Config struct {
	ServerPort               string `mapstructure:"SERVER_PORT"`
	BackendBaseURL           string `mapstructure:"BACKEND_BASE_URL"`
	BackendAPIKey            string `mapstructure:"BACKEND_API_KEY"`
	BackendTimeoutSeconds    int    `mapstructure:"BACKEND_TIMEOUT_SECONDS"`
	DatabaseURL              string `mapstructure:"DATABASE_URL"`
	RedisURL                 string `mapstructure:"REDIS_URL"`
	RedisKeyPrefix           string `mapstructure:"REDIS_KEY_PREFIX"`
	RabbitMQURL              string `mapstructure:"RABBITMQ_URL"`
	EventsExchange           string `mapstructure:"EVENTS_EXCHANGE"`
	SessionTTLMinutes        int    `mapstructure:"SESSION_TTL_MINUTES"`
	JanitorSchedule          string `mapstructure:"JANITOR_SCHEDULE"`
	VerifyRateLimitPerMinute int    `mapstructure:"VERIFY_RATE_LIMIT_PER_MINUTE"`
	CatalogPath              string `mapstructure:"CATALOG_PATH"`
	CORSAllowedOrigins       string `mapstructure:"CORS_ALLOWED_ORIGINS"`
	JWKSURL                  string `mapstructure:"JWKS_URL"`
	JWTSecret                string `mapstructure:"JWT_SECRET"`
	JWTIssuer                string `mapstructure:"JWT_ISSUER"`
	JWTAudience              string `mapstructure:"JWT_AUDIENCE"`
	AuthDevMode              bool   `mapstructure:"AUTH_DEV_MODE"`
	LogLevel                 string `mapstructure:"LOG_LEVEL"`
	LogFormat                string `mapstructure:"LOG_FORMAT"`
}

// LoadConfig reads configuration from environment variables and an optional .env in path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("BACKEND_BASE_URL", "http://localhost:3000/api/v1")
	viper.SetDefault("BACKEND_TIMEOUT_SECONDS", 30)
	viper.SetDefault("REDIS_KEY_PREFIX", defaultRedisKeyPrefix)
	viper.SetDefault("EVENTS_EXCHANGE", "wizard_events")
	viper.SetDefault("SESSION_TTL_MINUTES", 15)
	viper.SetDefault("JANITOR_SCHEDULE", defaultJanitorSchedule)
	viper.SetDefault("VERIFY_RATE_LIMIT_PER_MINUTE", 20)
	viper.SetDefault("CORS_ALLOWED_ORIGINS", "*")
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("LOG_FORMAT", "text")

	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("BACKEND_BASE_URL", "BACKEND_BASE_URL", "VALARPAY_API_BASE_URL")
	_ = viper.BindEnv("BACKEND_API_KEY", "BACKEND_API_KEY", "VALARPAY_API_KEY")
	_ = viper.BindEnv("BACKEND_TIMEOUT_SECONDS")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("REDIS_KEY_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("EVENTS_EXCHANGE")
	_ = viper.BindEnv("SESSION_TTL_MINUTES")
	_ = viper.BindEnv("JANITOR_SCHEDULE")
	_ = viper.BindEnv("VERIFY_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("CATALOG_PATH")
	_ = viper.BindEnv("CORS_ALLOWED_ORIGINS")
	_ = viper.BindEnv("JWKS_URL", "JWKS_URL", "CLERK_JWKS_URL")
	_ = viper.BindEnv("JWT_SECRET")
	_ = viper.BindEnv("JWT_ISSUER", "JWT_ISSUER", "CLERK_ISSUER")
	_ = viper.BindEnv("JWT_AUDIENCE", "JWT_AUDIENCE", "CLERK_AUDIENCE")
	_ = viper.BindEnv("AUTH_DEV_MODE")
	_ = viper.BindEnv("LOG_LEVEL")
	_ = viper.BindEnv("LOG_FORMAT")

	// A missing .env is fine; other read errors fall back to the environment.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("failed to read config file; using environment values", "component", "config", "error", err)
		}
	}

	if err = viper.Unmarshal(&config); err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.BackendBaseURL = strings.TrimRight(strings.TrimSpace(config.BackendBaseURL), "/")
	config.BackendAPIKey = strings.TrimSpace(config.BackendAPIKey)
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisKeyPrefix = strings.TrimSuffix(strings.TrimSpace(config.RedisKeyPrefix), ":")
	if config.RedisKeyPrefix == "" {
		config.RedisKeyPrefix = defaultRedisKeyPrefix
	}
	if config.BackendTimeoutSeconds <= 0 {
		slog.Warn("invalid BACKEND_TIMEOUT_SECONDS; using default", "component", "config", "value", config.BackendTimeoutSeconds)
		config.BackendTimeoutSeconds = 30
	}
	if config.SessionTTLMinutes <= 0 {
		slog.Warn("invalid SESSION_TTL_MINUTES; using default", "component", "config", "value", config.SessionTTLMinutes)
		config.SessionTTLMinutes = 15
	}
	if config.VerifyRateLimitPerMinute < 0 {
		config.VerifyRateLimitPerMinute = 0
	}
	config.JanitorSchedule = strings.TrimSpace(config.JanitorSchedule)
	if _, parseErr := cron.ParseStandard(config.JanitorSchedule); parseErr != nil {
		slog.Warn("invalid JANITOR_SCHEDULE; using default", "component", "config", "value", config.JanitorSchedule, "error", parseErr)
		config.JanitorSchedule = defaultJanitorSchedule
	}
	config.JWKSURL = strings.TrimSpace(config.JWKSURL)
	config.JWTIssuer = strings.TrimSpace(config.JWTIssuer)
	config.JWTAudience = strings.TrimSpace(config.JWTAudience)
	config.LogLevel = strings.ToLower(strings.TrimSpace(config.LogLevel))
	config.LogFormat = strings.ToLower(strings.TrimSpace(config.LogFormat))

	if config.AuthDevMode {
		slog.Warn("AUTH_DEV_MODE is set; bearer token signatures are not verified", "component", "config")
	} else if config.JWKSURL == "" && config.JWTSecret == "" {
		slog.Warn("neither JWKS_URL nor JWT_SECRET is set; authenticated routes cannot start", "component", "config")
	}
	if config.BackendAPIKey == "" {
		slog.Warn("BACKEND_API_KEY is not set; backend calls will be rejected", "component", "config")
	}
	return
}

func (c Config) BackendTimeout() time.Duration {
	return time.Duration(c.BackendTimeoutSeconds) * time.Second
}

func (c Config) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLMinutes) * time.Minute
}

// AllowedOrigins splits CORS_ALLOWED_ORIGINS on commas.
func (c Config) AllowedOrigins() []string {
	var out []string
	for _, origin := range strings.Split(c.CORSAllowedOrigins, ",") {
		if o := strings.TrimSpace(origin); o != "" {
			out = append(out, o)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}
