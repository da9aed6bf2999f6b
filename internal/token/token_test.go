package token

import (
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tenantgate/pkg/problems"
)

var secret = []byte(strings.Repeat("s3cr3t-", 6))

const tenantID = "01HZX3K7Q9B2M4N6P8R0S2T4V6"

func newService(t *testing.T, now *time.Time, opts ...Option) *Service {
	t.Helper()
	opts = append([]Option{WithClock(func() time.Time { return *now }), WithIssuer("tenantgate")}, opts...)
	s, err := NewService(secret, "HS256", opts...)
	require.NoError(t, err)
	return s
}

func requireKind(t *testing.T, err error, kinds ...problems.Kind) {
	t.Helper()
	rej, ok := problems.AsRejection(err)
	require.True(t, ok, "want *problems.Rejection, got %v", err)
	assert.Contains(t, kinds, rej.Kind)
	assert.Equal(t, 401, problems.Status(rej.Kind))
}

func TestNewService(t *testing.T) {
	t.Run("short secret is refused", func(t *testing.T) {
		_, err := NewService([]byte("too-short"), "HS256")
		assert.Error(t, err)
	})
	t.Run("non hmac algorithms are refused", func(t *testing.T) {
		for _, alg := range []string{"none", "RS256", "ES256", ""} {
			_, err := NewService(secret, alg)
			assert.Error(t, err, alg)
		}
	})
}

func TestIssueVerifyRoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := newService(t, &now)

	raw, err := s.Issue("alice", tenantID, "admin", 15*time.Minute)
	require.NoError(t, err)

	c, err := s.Verify(raw)
	require.NoError(t, err)
	assert.Equal(t, Claims{
		Subject:   "alice",
		Tenant:    tenantID,
		Role:      "admin",
		IssuedAt:  now,
		ExpiresAt: now.Add(15 * time.Minute),
	}, c)
}

func TestVerifyRejectsEverySingleBitMutation(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := newService(t, &now)
	raw, err := s.Issue("alice", tenantID, "member", time.Hour)
	require.NoError(t, err)

	parts := strings.Split(raw, ".")
	for _, seg := range []int{1, 2} {
		decoded, err := base64.RawURLEncoding.DecodeString(parts[seg])
		require.NoError(t, err)
		for i := range decoded {
			mutated := append([]byte(nil), decoded...)
			mutated[i] ^= 1 << (i % 8)
			p := append([]string(nil), parts...)
			p[seg] = base64.RawURLEncoding.EncodeToString(mutated)

			_, err := s.Verify(strings.Join(p, "."))
			require.Error(t, err, "segment %d byte %d", seg, i)
			requireKind(t, err, problems.SignatureInvalid, problems.MalformedToken)
		}
	}
}

func TestVerifyRejectsForeignAlgorithms(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := newService(t, &now)

	t.Run("alg none", func(t *testing.T) {
		header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none","typ":"JWT"}`))
		payload := base64.RawURLEncoding.EncodeToString([]byte(`{"sub":"alice","tid":"` + tenantID + `","role":"admin","iat":1772366400,"exp":1872366400}`))
		_, err := s.Verify(header + "." + payload + ".")
		requireKind(t, err, problems.SignatureInvalid, problems.MalformedToken)
	})

	t.Run("same secret under another hmac", func(t *testing.T) {
		tok, err := jwt.NewBuilder().Subject("alice").IssuedAt(now).Expiration(now.Add(time.Hour)).
			Issuer("tenantgate").Claim("tid", tenantID).Claim("role", "admin").Build()
		require.NoError(t, err)
		signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS512, secret))
		require.NoError(t, err)

		_, err = s.Verify(string(signed))
		requireKind(t, err, problems.SignatureInvalid)
	})

	t.Run("different secret", func(t *testing.T) {
		other, err := NewService([]byte(strings.Repeat("x", 32)), "HS256", WithClock(func() time.Time { return now }))
		require.NoError(t, err)
		raw, err := other.Issue("alice", tenantID, "admin", time.Hour)
		require.NoError(t, err)

		_, err = s.Verify(raw)
		requireKind(t, err, problems.SignatureInvalid)
	})
}

func TestVerifyTimeChecks(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := newService(t, &now, WithSkew(time.Second))
	raw, err := s.Issue("alice", tenantID, "member", time.Minute)
	require.NoError(t, err)

	t.Run("still valid before expiry", func(t *testing.T) {
		now = time.Date(2026, 3, 1, 12, 0, 59, 0, time.UTC)
		_, err := s.Verify(raw)
		assert.NoError(t, err)
	})

	t.Run("expired", func(t *testing.T) {
		now = time.Date(2026, 3, 1, 12, 2, 0, 0, time.UTC)
		_, err := s.Verify(raw)
		requireKind(t, err, problems.Expired)
	})

	t.Run("issued in the future", func(t *testing.T) {
		now = time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)
		_, err := s.Verify(raw)
		requireKind(t, err, problems.MalformedToken)
	})
}

func TestVerifyMalformed(t *testing.T) {
	now := time.Now()
	s := newService(t, &now)
	for _, raw := range []string{"", "abc", "a.b", "a.b.c.d", "!!!.???.***", strings.Repeat("a", 5000) + ".b.c"} {
		_, err := s.Verify(raw)
		requireKind(t, err, problems.MalformedToken, problems.SignatureInvalid)
	}
}

func TestIssueRequiresIdentity(t *testing.T) {
	now := time.Now()
	s := newService(t, &now)
	_, err := s.Issue("", tenantID, "admin", time.Minute)
	assert.Error(t, err)
	_, err = s.Issue("alice", tenantID, "admin", 0)
	assert.Error(t, err)
}

func TestBearerFrom(t *testing.T) {
	raw, ok := BearerFrom("Bearer abc.def.ghi")
	assert.True(t, ok)
	assert.Equal(t, "abc.def.ghi", raw)

	raw, ok = BearerFrom("bearer   xyz ")
	assert.True(t, ok)
	assert.Equal(t, "xyz", raw)

	_, ok = BearerFrom("Basic Zm9vOmJhcg==")
	assert.False(t, ok)
	_, ok = BearerFrom("Bearer ")
	assert.False(t, ok)
}
