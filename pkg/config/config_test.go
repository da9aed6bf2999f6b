package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	return Config{
		TokenSecret:   strings.Repeat("k", 32),
		TokenAlg:      "HS256",
		TokenTTL:      time.Minute,
		HandshakeTTL:  time.Minute,
		LockoutWindow: time.Hour,
		LockoutLevels: []LockoutLevel{{Threshold: 5, Cooldown: 5 * time.Minute}},
		LockoutScope:  ScopeGlobal,
		StoreFailure:  FailClosed,
		TenantHeader:  "X-Tenant-ID",
		Policy:        DefaultSecurityPolicy(),

		ExemptPaths:     []string{"/healthz", "/auth/login"},
		CredentialPaths: []string{"/auth/login"},
	}
}

func TestParseLevels(t *testing.T) {
	t.Run("default table parses in order", func(t *testing.T) {
		lv, err := ParseLevels("10:10m, 5:5m,20:60m,15:30m")
		require.NoError(t, err)
		assert.Equal(t, []LockoutLevel{
			{5, 5 * time.Minute}, {10, 10 * time.Minute}, {15, 30 * time.Minute}, {20, 60 * time.Minute},
		}, lv)
	})

	for _, bad := range []string{"", "5", "x:5m", "5:soon", "0:5m", "5:5m,5:10m", "5:-1m"} {
		t.Run("rejects "+bad, func(t *testing.T) {
			_, err := ParseLevels(bad)
			assert.Error(t, err)
		})
	}
}

func TestValidate(t *testing.T) {
	t.Run("valid config passes", func(t *testing.T) {
		assert.NoError(t, validConfig().Validate())
	})

	t.Run("short secret is refused", func(t *testing.T) {
		c := validConfig()
		c.TokenSecret = "short"
		assert.ErrorContains(t, c.Validate(), "TOKEN_SECRET")
	})

	t.Run("none algorithm is refused", func(t *testing.T) {
		c := validConfig()
		c.TokenAlg = "none"
		assert.ErrorContains(t, c.Validate(), "TOKEN_ALG")
	})

	t.Run("unknown failure mode is refused", func(t *testing.T) {
		c := validConfig()
		c.StoreFailure = "open"
		assert.ErrorContains(t, c.Validate(), "STORE_FAILURE_MODE")
	})

	t.Run("credential path must be exempt", func(t *testing.T) {
		c := validConfig()
		c.ExemptPaths = []string{"/healthz"}
		assert.ErrorContains(t, c.Validate(), "/auth/login")
	})

	t.Run("partial oauth settings are refused", func(t *testing.T) {
		c := validConfig()
		c.OAuthClientID = "client"
		assert.ErrorContains(t, c.Validate(), "OAUTH_CLIENT_ID")
	})

	t.Run("wildcard origin is refused", func(t *testing.T) {
		c := validConfig()
		c.Policy.AllowedOrigins = []string{"*"}
		assert.ErrorContains(t, c.Validate(), "wildcards")
	})
}

func TestValidateOrigin(t *testing.T) {
	assert.NoError(t, ValidateOrigin("https://app.example.com"))
	assert.NoError(t, ValidateOrigin("http://localhost:3000"))
	assert.Error(t, ValidateOrigin("https://*.example.com"))
	assert.Error(t, ValidateOrigin("app.example.com"))
	assert.Error(t, ValidateOrigin("https://app.example.com/path"))
	assert.Error(t, ValidateOrigin("https://user:pw@app.example.com"))
}

func TestLoadSecurityPolicy(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
allowed_origins:
  - https://app.example.com
allow_credentials: true
hsts_max_age: 31536000
csp:
  img-src: "'self' data:"
`), 0o600))

	p, err := LoadSecurityPolicy(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://app.example.com"}, p.AllowedOrigins)
	assert.Equal(t, 31536000, p.HSTSMaxAge)
	assert.Equal(t, "'self' data:", p.CSP["img-src"])
	assert.Equal(t, "'none'", p.CSP["frame-ancestors"], "defaults survive a partial override")
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("LOCKOUT_THRESHOLDS", "3:1m")
	t.Setenv("STORE_FAILURE_MODE", "degraded")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example.com, https://b.example.com")
	t.Setenv("TOKEN_TTL", "2m")

	c := Load()
	assert.Equal(t, []LockoutLevel{{3, time.Minute}}, c.LockoutLevels)
	assert.Equal(t, Degraded, c.StoreFailure)
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, c.Policy.AllowedOrigins)
	assert.Equal(t, 2*time.Minute, c.TokenTTL)
	assert.Equal(t, "X-Tenant-ID", c.TenantHeader)
}
