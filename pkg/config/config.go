package config

import (
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Store failure modes. Degraded must be chosen explicitly by the operator.
const (
	FailClosed = "closed"
	Degraded   = "degraded"
)

// Lockout scoping.
const (
	ScopeGlobal = "global"
	ScopeTenant = "tenant"
)

// LockoutLevel is one row of the escalation table.
type LockoutLevel struct {
	Threshold int
	Cooldown  time.Duration
}

type Config struct {
	Env      string
	HTTPAddr string

	// Redis & Postgres
	RedisURL     string
	DatabaseURL  string
	StoreTimeout time.Duration
	StoreFailure string // closed | degraded

	// Tokens
	TokenSecret string
	TokenAlg    string
	TokenTTL    time.Duration
	TokenIssuer string
	ClockSkew   time.Duration

	TenantHeader string
	AdminRole    string

	// Lockout
	LockoutWindow     time.Duration
	LockoutLevels     []LockoutLevel
	IPLockoutLevels   []LockoutLevel
	LockoutScope      string
	TrustProxy        bool
	TrustedProxyCount int

	// External identity provider
	HandshakeTTL      time.Duration
	OAuthClientID     string
	OAuthClientSecret string
	OAuthAuthURL      string
	OAuthTokenURL     string
	OAuthUserInfoURL  string
	OAuthRedirectURL  string
	OAuthScopes       []string
	OAuthSubjectPath  string
	OAuthTenantPath   string
	OAuthRolePath     string
	OAuthSuccessURL   string

	// Paths that skip token verification.
	ExemptPaths []string
	// Paths that submit credentials and are subject to lockout.
	CredentialPaths []string

	Policy SecurityPolicy
}

// SecurityPolicy is the static header policy. It may be overridden from a
// YAML file named by SECURITY_POLICY_FILE.
type SecurityPolicy struct {
	AllowedOrigins   []string          `yaml:"allowed_origins"`
	AllowCredentials bool              `yaml:"allow_credentials"`
	AllowedMethods   []string          `yaml:"allowed_methods"`
	AllowedHeaders   []string          `yaml:"allowed_headers"`
	MaxAge           int               `yaml:"max_age"`
	CSP              map[string]string `yaml:"csp"`
	ReferrerPolicy   string            `yaml:"referrer_policy"`
	HSTSMaxAge       int               `yaml:"hsts_max_age"`
}

func Load() Config {
	_ = godotenv.Load()
	cfg := Config{
		Env:               env("TENANTGATE_ENV", "dev"),
		HTTPAddr:          env("HTTP_ADDR", ":8080"),
		RedisURL:          env("REDIS_URL", ""),
		DatabaseURL:       env("DATABASE_URL", ""),
		StoreTimeout:      envDuration("STORE_TIMEOUT", 500*time.Millisecond),
		StoreFailure:      env("STORE_FAILURE_MODE", FailClosed),
		TokenSecret:       env("TOKEN_SECRET", ""),
		TokenAlg:          env("TOKEN_ALG", "HS256"),
		TokenTTL:          envDuration("TOKEN_TTL", 15*time.Minute),
		TokenIssuer:       env("TOKEN_ISSUER", "tenantgate"),
		ClockSkew:         envDuration("CLOCK_SKEW", 30*time.Second),
		TenantHeader:      env("TENANT_HEADER", "X-Tenant-ID"),
		AdminRole:         env("ADMIN_ROLE", "admin"),
		LockoutWindow:     envDuration("LOCKOUT_WINDOW", 72*time.Hour),
		LockoutScope:      env("LOCKOUT_SCOPE", ScopeGlobal),
		TrustProxy:        envBool("TRUST_PROXY", false),
		TrustedProxyCount: envInt("TRUSTED_PROXY_COUNT", 1),
		HandshakeTTL:      envDuration("HANDSHAKE_TTL", 5*time.Minute),
		OAuthClientID:     env("OAUTH_CLIENT_ID", ""),
		OAuthClientSecret: env("OAUTH_CLIENT_SECRET", ""),
		OAuthAuthURL:      env("OAUTH_AUTH_URL", ""),
		OAuthTokenURL:     env("OAUTH_TOKEN_URL", ""),
		OAuthUserInfoURL:  env("OAUTH_USERINFO_URL", ""),
		OAuthRedirectURL:  env("OAUTH_REDIRECT_URL", ""),
		OAuthScopes:       envList("OAUTH_SCOPES", []string{"openid", "email", "profile"}),
		OAuthSubjectPath:  env("OAUTH_SUBJECT_PATH", "sub"),
		OAuthTenantPath:   env("OAUTH_TENANT_PATH", "tenant_id"),
		OAuthRolePath:     env("OAUTH_ROLE_PATH", "role"),
		OAuthSuccessURL:   env("OAUTH_SUCCESS_URL", "/"),
		ExemptPaths: envList("EXEMPT_PATHS", []string{
			"/healthz", "/metrics", "/auth/login", "/auth/register", "/auth/oauth/start", "/auth/oauth/callback",
		}),
		CredentialPaths: envList("CREDENTIAL_PATHS", []string{"/auth/login"}),
		Policy:          DefaultSecurityPolicy(),
	}
	var err error
	if cfg.LockoutLevels, err = ParseLevels(env("LOCKOUT_THRESHOLDS", "5:5m,10:10m,15:30m,20:60m")); err != nil {
		log.Fatalf("LOCKOUT_THRESHOLDS: %v", err)
	}
	if cfg.IPLockoutLevels, err = ParseLevels(env("IP_LOCKOUT_THRESHOLDS", "50:15m,100:60m")); err != nil {
		log.Fatalf("IP_LOCKOUT_THRESHOLDS: %v", err)
	}
	if v := os.Getenv("CORS_ALLOWED_ORIGINS"); v != "" {
		cfg.Policy.AllowedOrigins = envList("CORS_ALLOWED_ORIGINS", nil)
	}
	cfg.Policy.AllowCredentials = envBool("CORS_ALLOW_CREDENTIALS", cfg.Policy.AllowCredentials)
	if f := os.Getenv("SECURITY_POLICY_FILE"); f != "" {
		if cfg.Policy, err = LoadSecurityPolicy(f); err != nil {
			log.Fatalf("SECURITY_POLICY_FILE: %v", err)
		}
	}
	if cfg.StoreFailure == Degraded {
		log.Println("[WARN] STORE_FAILURE_MODE=degraded: lockout checks are skipped while the shared store is unreachable")
	}
	return cfg
}

// DefaultSecurityPolicy is the restrictive baseline.
func DefaultSecurityPolicy() SecurityPolicy {
	return SecurityPolicy{
		AllowedOrigins:   []string{"http://localhost:3000"},
		AllowCredentials: true,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Tenant-ID", "X-Request-Id"},
		MaxAge:           600,
		CSP: map[string]string{
			"default-src":     "'self'",
			"script-src":      "'self'",
			"object-src":      "'none'",
			"base-uri":        "'self'",
			"form-action":     "'self'",
			"frame-ancestors": "'none'",
		},
		ReferrerPolicy: "no-referrer",
	}
}

// LoadSecurityPolicy reads a YAML policy file on top of the defaults.
func LoadSecurityPolicy(path string) (SecurityPolicy, error) {
	p := DefaultSecurityPolicy()
	b, err := os.ReadFile(path)
	if err != nil {
		return p, err
	}
	if err := yaml.Unmarshal(b, &p); err != nil {
		return p, fmt.Errorf("parse %s: %w", path, err)
	}
	return p, nil
}

// ParseLevels parses "5:5m,10:10m" into an escalation table sorted by threshold.
func ParseLevels(s string) ([]LockoutLevel, error) {
	var out []LockoutLevel
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, d, ok := strings.Cut(part, ":")
		if !ok {
			return nil, fmt.Errorf("level %q: want threshold:cooldown", part)
		}
		th, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil || th <= 0 {
			return nil, fmt.Errorf("level %q: bad threshold", part)
		}
		cd, err := time.ParseDuration(strings.TrimSpace(d))
		if err != nil || cd <= 0 {
			return nil, fmt.Errorf("level %q: bad cooldown", part)
		}
		out = append(out, LockoutLevel{Threshold: th, Cooldown: cd})
	}
	if len(out) == 0 {
		return nil, errors.New("empty escalation table")
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Threshold < out[j].Threshold })
	for i := 1; i < len(out); i++ {
		if out[i].Threshold == out[i-1].Threshold {
			return nil, fmt.Errorf("duplicate threshold %d", out[i].Threshold)
		}
	}
	return out, nil
}

// Validate rejects settings that would weaken the gateway.
func (c Config) Validate() error {
	var errs []error
	if len(c.TokenSecret) < 32 {
		errs = append(errs, errors.New("TOKEN_SECRET must be at least 32 bytes"))
	}
	switch c.TokenAlg {
	case "HS256", "HS384", "HS512":
	default:
		errs = append(errs, fmt.Errorf("TOKEN_ALG %q not allowed", c.TokenAlg))
	}
	switch c.StoreFailure {
	case FailClosed, Degraded:
	default:
		errs = append(errs, fmt.Errorf("STORE_FAILURE_MODE %q: want %s or %s", c.StoreFailure, FailClosed, Degraded))
	}
	switch c.LockoutScope {
	case ScopeGlobal, ScopeTenant:
	default:
		errs = append(errs, fmt.Errorf("LOCKOUT_SCOPE %q: want %s or %s", c.LockoutScope, ScopeGlobal, ScopeTenant))
	}
	if c.TokenTTL <= 0 || c.HandshakeTTL <= 0 || c.LockoutWindow <= 0 {
		errs = append(errs, errors.New("TOKEN_TTL, HANDSHAKE_TTL and LOCKOUT_WINDOW must be positive"))
	}
	if len(c.LockoutLevels) == 0 {
		errs = append(errs, errors.New("LOCKOUT_THRESHOLDS must not be empty"))
	}
	if strings.TrimSpace(c.TenantHeader) == "" {
		errs = append(errs, errors.New("TENANT_HEADER must not be empty"))
	}
	exempt := map[string]bool{}
	for _, p := range c.ExemptPaths {
		exempt[p] = true
	}
	for _, p := range c.CredentialPaths {
		if !exempt[p] {
			errs = append(errs, fmt.Errorf("credential path %s must also be listed in EXEMPT_PATHS", p))
		}
	}
	if c.OAuthClientID != "" && (c.OAuthAuthURL == "" || c.OAuthTokenURL == "" || c.OAuthUserInfoURL == "" || c.OAuthRedirectURL == "") {
		errs = append(errs, errors.New("OAUTH_CLIENT_ID requires OAUTH_AUTH_URL, OAUTH_TOKEN_URL, OAUTH_USERINFO_URL and OAUTH_REDIRECT_URL"))
	}
	for _, o := range c.Policy.AllowedOrigins {
		if err := ValidateOrigin(o); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ValidateOrigin accepts only a bare scheme://host[:port] origin. Wildcards are refused.
func ValidateOrigin(o string) error {
	if strings.Contains(o, "*") {
		return fmt.Errorf("origin %q: wildcards are not allowed", o)
	}
	u, err := url.Parse(o)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("origin %q: want scheme://host[:port]", o)
	}
	if (u.Path != "" && u.Path != "/") || u.RawQuery != "" || u.Fragment != "" || u.User != nil {
		return fmt.Errorf("origin %q: must not carry path, query or credentials", o)
	}
	return nil
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envBool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return def
		}
		return b
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			return def
		}
		return i
	}
	return def
}

func envDuration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			log.Printf("[WARN] %s=%q is not a duration, using %s", k, v, def)
			return def
		}
		return d
	}
	return def
}

func envList(k string, def []string) []string {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
