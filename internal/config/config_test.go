package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Env:                    "development",
		Addr:                   ":8000",
		JWTAlgorithm:           "HS256",
		CORSOrigins:            "*",
		MetricsPublishInterval: 10 * time.Second,
		MaxConnections:         500,
		LogLevel:               "info",
		LogFormat:              "json",
	}
}

func TestValidateAcceptsDevelopmentDefaults(t *testing.T) {
	require.NoError(t, validConfig().Validate())
}

func TestProductionForbidsWildcardCORS(t *testing.T) {
	cfg := validConfig()
	cfg.Env = "production"
	cfg.JWTSecret = "secret"
	cfg.CORSOrigins = "https://app.example.com, *"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wildcard CORS")
}

func TestProductionRequiresJWTSecret(t *testing.T) {
	cfg := validConfig()
	cfg.Env = "production"
	cfg.CORSOrigins = "https://app.example.com"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_SECRET")
}

func TestPublishIntervalFloor(t *testing.T) {
	cfg := validConfig()
	cfg.MetricsPublishInterval = 2 * time.Second

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "METRICS_PUBLISH_INTERVAL")
}

func TestValidateRejectsUnknownEnums(t *testing.T) {
	cfg := validConfig()
	cfg.LogLevel = "verbose"
	require.Error(t, cfg.Validate())

	cfg = validConfig()
	cfg.LogFormat = "xml"
	require.Error(t, cfg.Validate())

	cfg = validConfig()
	cfg.Env = "staging"
	require.Error(t, cfg.Validate())
}

func TestCORSOriginListSplitsAndTrims(t *testing.T) {
	cfg := validConfig()
	cfg.CORSOrigins = " https://a.example.com , https://b.example.com ,, "
	assert.Equal(t,
		[]string{"https://a.example.com", "https://b.example.com"},
		cfg.CORSOriginList())
}

func TestApplyOverridesUpdatesDeclaredFields(t *testing.T) {
	cfg := validConfig()

	updated := cfg.ApplyOverrides(map[string]string{
		"log_level":                "debug",
		"ws_max_connections":       "1000",
		"metrics_publish_interval": "30s",
		"unknown_key":              "ignored",
	})

	assert.Equal(t, []string{"LogLevel", "MaxConnections", "MetricsPublishInterval"}, updated)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 1000, cfg.MaxConnections)
	assert.Equal(t, 30*time.Second, cfg.MetricsPublishInterval)
}

func TestApplyOverridesSkipsUnparseableAndUnchanged(t *testing.T) {
	cfg := validConfig()

	updated := cfg.ApplyOverrides(map[string]string{
		"ws_max_connections": "not-a-number",
		"log_level":          "info", // already the current value
	})
	assert.Empty(t, updated)
	assert.Equal(t, 500, cfg.MaxConnections)
}
