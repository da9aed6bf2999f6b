// Package token issues and verifies the gateway's bearer credentials.
//
// Verification is strictly ordered: the compact JWS is parsed, its single
// protected header is checked against the configured algorithm, the HMAC is
// verified, and only then are claims decoded and validated.
package token

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"tenantgate/pkg/problems"
)

const (
	MinSecretLen = 32
	maxTokenLen  = 4096

	claimTenant = "tid"
	claimRole   = "role"
)

var allowedAlgs = map[string]jwa.SignatureAlgorithm{
	"HS256": jwa.HS256,
	"HS384": jwa.HS384,
	"HS512": jwa.HS512,
}

// Claims is the verified identity carried by a token.
type Claims struct {
	Subject   string    `json:"sub"`
	Tenant    string    `json:"tid"`
	Role      string    `json:"role"`
	IssuedAt  time.Time `json:"iat"`
	ExpiresAt time.Time `json:"exp"`
}

type Service struct {
	secret []byte
	alg    jwa.SignatureAlgorithm
	issuer string
	skew   time.Duration
	now    func() time.Time
}

type Option func(*Service)

func WithIssuer(iss string) Option { return func(s *Service) { s.issuer = iss } }

func WithSkew(d time.Duration) Option { return func(s *Service) { s.skew = d } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func NewService(secret []byte, alg string, opts ...Option) (*Service, error) {
	if len(secret) < MinSecretLen {
		return nil, fmt.Errorf("token secret must be at least %d bytes, got %d", MinSecretLen, len(secret))
	}
	a, ok := allowedAlgs[alg]
	if !ok {
		return nil, fmt.Errorf("token algorithm %q not allowed", alg)
	}
	s := &Service{
		secret: append([]byte(nil), secret...),
		alg:    a,
		skew:   30 * time.Second,
		now:    time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Issue signs a new token for the given identity.
func (s *Service) Issue(subject, tenant, role string, ttl time.Duration) (string, error) {
	if subject == "" || tenant == "" || role == "" {
		return "", errors.New("token: subject, tenant and role are required")
	}
	if ttl <= 0 {
		return "", errors.New("token: ttl must be positive")
	}
	now := s.now().UTC().Truncate(time.Second)
	b := jwt.NewBuilder().
		Subject(subject).
		IssuedAt(now).
		NotBefore(now).
		Expiration(now.Add(ttl)).
		Claim(claimTenant, tenant).
		Claim(claimRole, role)
	if s.issuer != "" {
		b = b.Issuer(s.issuer)
	}
	tok, err := b.Build()
	if err != nil {
		return "", fmt.Errorf("token: build: %w", err)
	}
	signed, err := jwt.Sign(tok, jwt.WithKey(s.alg, s.secret))
	if err != nil {
		return "", fmt.Errorf("token: sign: %w", err)
	}
	return string(signed), nil
}

// Verify returns the claims of a valid token. Every failure is a
// *problems.Rejection of kind SignatureInvalid, Expired or MalformedToken.
func (s *Service) Verify(raw string) (Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || len(raw) > maxTokenLen || strings.Count(raw, ".") != 2 {
		return Claims{}, problems.Reject(problems.MalformedToken, "not_compact", nil)
	}

	msg, err := jws.Parse([]byte(raw))
	if err != nil {
		return Claims{}, problems.Reject(problems.MalformedToken, "jws_parse", err)
	}
	sigs := msg.Signatures()
	if len(sigs) != 1 {
		return Claims{}, problems.Reject(problems.MalformedToken, "signature_count", nil)
	}
	if got := sigs[0].ProtectedHeaders().Algorithm(); got != s.alg {
		return Claims{}, problems.Reject(problems.SignatureInvalid, "alg_not_allowed", fmt.Errorf("alg %q", got))
	}
	if _, err := jws.Verify([]byte(raw), jws.WithKey(s.alg, s.secret)); err != nil {
		return Claims{}, problems.Reject(problems.SignatureInvalid, "signature", err)
	}

	// Signature is good; claims may be read from here on.
	tok, err := jwt.ParseInsecure([]byte(raw))
	if err != nil {
		return Claims{}, problems.Reject(problems.MalformedToken, "claims_decode", err)
	}
	vopts := []jwt.ValidateOption{
		jwt.WithClock(jwt.ClockFunc(s.now)),
		jwt.WithAcceptableSkew(s.skew),
		jwt.WithRequiredClaim(jwt.ExpirationKey),
		jwt.WithRequiredClaim(jwt.IssuedAtKey),
		jwt.WithRequiredClaim(jwt.SubjectKey),
	}
	if s.issuer != "" {
		vopts = append(vopts, jwt.WithIssuer(s.issuer))
	}
	if err := jwt.Validate(tok, vopts...); err != nil {
		if errors.Is(err, jwt.ErrTokenExpired()) {
			return Claims{}, problems.Reject(problems.Expired, "expired", err)
		}
		return Claims{}, problems.Reject(problems.MalformedToken, "claims_invalid", err)
	}
	if !tok.Expiration().After(tok.IssuedAt()) {
		return Claims{}, problems.Reject(problems.MalformedToken, "exp_before_iat", nil)
	}

	c := Claims{
		Subject:   tok.Subject(),
		IssuedAt:  tok.IssuedAt().UTC(),
		ExpiresAt: tok.Expiration().UTC(),
	}
	c.Tenant, _ = stringClaim(tok, claimTenant)
	c.Role, _ = stringClaim(tok, claimRole)
	if c.Subject == "" || c.Role == "" {
		return Claims{}, problems.Reject(problems.MalformedToken, "identity_claims", nil)
	}
	return c, nil
}

// BearerFrom extracts the token from an Authorization header value.
func BearerFrom(header string) (string, bool) {
	const prefix = "bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	raw := strings.TrimSpace(header[len(prefix):])
	return raw, raw != ""
}

func stringClaim(tok jwt.Token, name string) (string, bool) {
	v, ok := tok.Get(name)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}
