package config

import (
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds configuration shared by all netsight services.
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Environment
	Env string `env:"NETSIGHT_ENV" envDefault:"development"` // development or production

	// Server basics
	Addr string `env:"NETSIGHT_ADDR" envDefault:":8000"`

	// Auth
	JWTSecret    string `env:"JWT_SECRET" envDefault:""`
	JWTAlgorithm string `env:"JWT_ALGORITHM" envDefault:"HS256"`

	// Federated identity (optional). With no URL set the local provider
	// stands alone.
	ExternalAuthURL    string `env:"EXTERNAL_AUTH_URL" envDefault:""`
	ExternalAuthSecret string `env:"EXTERNAL_AUTH_SECRET" envDefault:""`

	// Downstream services
	AuthServiceURL         string `env:"AUTH_SERVICE_URL" envDefault:"http://localhost:8001"`
	MetricsServiceURL      string `env:"METRICS_SERVICE_URL" envDefault:"http://localhost:8002"`
	HealthServiceURL       string `env:"HEALTH_SERVICE_URL" envDefault:"http://localhost:8003"`
	BackendServiceURL      string `env:"BACKEND_SERVICE_URL" envDefault:"http://localhost:8004"`
	NotificationServiceURL string `env:"NOTIFICATION_SERVICE_URL" envDefault:"http://localhost:8005"`

	// KV store
	RedisURL string `env:"REDIS_URL" envDefault:"redis://localhost:6379"`
	RedisDB  int    `env:"REDIS_DB" envDefault:"0"`

	// Relational store
	DatabaseURL string `env:"DATABASE_URL" envDefault:"postgres://localhost:5432/netsight?sslmode=disable"`

	// CORS
	CORSOrigins string `env:"CORS_ORIGINS" envDefault:"*"`

	// Snapshot publication
	MetricsPublishInterval time.Duration `env:"METRICS_PUBLISH_INTERVAL" envDefault:"10s"`

	// Usage reporter batching
	UsageBatchSize     int           `env:"USAGE_BATCH_SIZE" envDefault:"50"`
	UsageBatchInterval time.Duration `env:"USAGE_BATCH_INTERVAL_SECONDS" envDefault:"15s"`

	// Daily quota default (requests per user per calendar day)
	DefaultDailyLimit int64 `env:"DEFAULT_DAILY_LIMIT" envDefault:"50"`

	// Gateway connection admission
	MaxConnections  int `env:"WS_MAX_CONNECTIONS" envDefault:"500"`
	ConnRateIPBurst int `env:"CONN_RATE_IP_BURST" envDefault:"10"`
	ConnRateGlobal  int `env:"CONN_RATE_GLOBAL_BURST" envDefault:"300"`

	// Notification persistence directory
	NotifyDataDir string `env:"NOTIFY_DATA_DIR" envDefault:"./data"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads configuration from an optional .env file and the environment.
// Priority: ENV vars > .env file > defaults.
func Load(logger *zerolog.Logger) (*Config, error) {
	// .env is a development convenience; in production the environment is
	// populated directly.
	if err := godotenv.Load(); err == nil && logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.Env != "development" && c.Env != "production" {
		return fmt.Errorf("NETSIGHT_ENV must be development or production, got %q", c.Env)
	}

	// Production hardening: a wildcard CORS origin or an empty JWT secret is
	// a configuration error, not a warning.
	if c.Env == "production" {
		if c.JWTSecret == "" {
			return fmt.Errorf("JWT_SECRET is required in production")
		}
		for _, origin := range c.CORSOriginList() {
			if origin == "*" {
				return fmt.Errorf("wildcard CORS origin is not allowed in production")
			}
		}
	}

	if c.MetricsPublishInterval < 5*time.Second {
		return fmt.Errorf("METRICS_PUBLISH_INTERVAL must be >= 5s, got %s", c.MetricsPublishInterval)
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("WS_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}

	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}

	return nil
}

// CORSOriginList splits the comma-separated allowlist.
func (c *Config) CORSOriginList() []string {
	result := []string{}
	for _, o := range strings.Split(c.CORSOrigins, ",") {
		trimmed := strings.TrimSpace(o)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

// ApplyOverrides updates declared fields from a map of lowercased env tag
// names to values and returns the sorted list of field names that changed.
// Unknown keys and unparseable values are skipped.
func (c *Config) ApplyOverrides(overrides map[string]string) []string {
	updated := []string{}
	v := reflect.ValueOf(c).Elem()
	t := v.Type()

	for i := 0; i < t.NumField(); i++ {
		tag := t.Field(i).Tag.Get("env")
		if tag == "" {
			continue
		}
		raw, ok := overrides[strings.ToLower(tag)]
		if !ok {
			continue
		}

		field := v.Field(i)
		switch field.Kind() {
		case reflect.String:
			if field.String() != raw {
				field.SetString(raw)
				updated = append(updated, t.Field(i).Name)
			}
		case reflect.Int, reflect.Int64:
			if field.Type() == reflect.TypeOf(time.Duration(0)) {
				d, err := time.ParseDuration(raw)
				if err != nil {
					continue
				}
				if field.Int() != int64(d) {
					field.SetInt(int64(d))
					updated = append(updated, t.Field(i).Name)
				}
			} else {
				n, err := strconv.ParseInt(raw, 10, 64)
				if err != nil {
					continue
				}
				if field.Int() != n {
					field.SetInt(n)
					updated = append(updated, t.Field(i).Name)
				}
			}
		}
	}

	sort.Strings(updated)
	return updated
}

// LogConfig logs the effective configuration with structured fields.
// Secrets are redacted.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("env", c.Env).
		Str("addr", c.Addr).
		Str("redis_url", c.RedisURL).
		Int("redis_db", c.RedisDB).
		Str("cors_origins", c.CORSOrigins).
		Dur("metrics_publish_interval", c.MetricsPublishInterval).
		Int("usage_batch_size", c.UsageBatchSize).
		Dur("usage_batch_interval", c.UsageBatchInterval).
		Int64("default_daily_limit", c.DefaultDailyLimit).
		Int("max_connections", c.MaxConnections).
		Bool("jwt_secret_set", c.JWTSecret != "").
		Bool("external_auth_enabled", c.ExternalAuthURL != "").
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Configuration loaded")
}
