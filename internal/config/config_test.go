package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	assert.Equal(t, ":8787", cfg.Addr)
	assert.Equal(t, "session", cfg.SessionCookie)
	assert.Equal(t, 15*time.Minute, cfg.AccessTTL)
	assert.Equal(t, 7*24*time.Hour, cfg.RefreshTTL)
	assert.Equal(t, 5, cfg.AuthRateLimit)
	assert.Equal(t, 15*time.Minute, cfg.AuthRateWindow)
	assert.Equal(t, 10, cfg.FormRateLimit)
	assert.Equal(t, time.Minute, cfg.FormRateWindow)
	assert.False(t, cfg.Production())
	assert.Equal(t, DevJWTSecret, cfg.JWTSecret)
	assert.Contains(t, cfg.TrustedProxies, "10.0.0.0/8")
	assert.NoError(t, cfg.Validate())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("APP_ENV", "Production")
	t.Setenv("APP_CORS_ORIGINS", " https://a.example , ,https://b.example")
	t.Setenv("APP_AUTH_RATE_LIMIT", "nope")
	t.Setenv("MINIO_USE_SSL", "true")
	t.Setenv("APP_PUBLIC_URL", "https://app.example/")

	cfg := Load()
	assert.True(t, cfg.Production())
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
	assert.Equal(t, 5, cfg.AuthRateLimit)
	assert.True(t, cfg.MinioUseSSL)
	assert.Equal(t, "https://app.example", cfg.PublicURL)
}

func TestValidateRequiresJWTSecretInProduction(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	assert.ErrorContains(t, Load().Validate(), "APP_JWT_SECRET must be set")

	t.Setenv("APP_JWT_SECRET", "short")
	assert.ErrorContains(t, Load().Validate(), "at least 32 bytes")

	t.Setenv("APP_JWT_SECRET", strings.Repeat("k", 32))
	assert.NoError(t, Load().Validate())

	t.Setenv("APP_TRUSTED_PROXIES", "10.1.0.0/16")
	assert.Equal(t, []string{"10.1.0.0/16"}, Load().TrustedProxies)
}
