// Package credentials verifies a submitted secret against a stored bcrypt
// hash and returns the identity it belongs to.
package credentials

import (
	"context"
	"crypto/rand"
	"errors"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// ErrInvalid is returned for an unknown principal or a wrong secret alike.
var ErrInvalid = errors.New("credentials: invalid")

// MaxSecretLen is bcrypt's input limit.
const MaxSecretLen = 72

type Identity struct {
	Subject string
	Tenant  string
	Role    string
}

type Verifier interface {
	Verify(ctx context.Context, tenant, principal, secret string) (Identity, error)
}

// dummyHash is compared against when the principal does not exist so that
// unknown and known users cost the same.
var dummyHash = func() []byte {
	b := make([]byte, 24)
	_, _ = rand.Read(b)
	h, err := bcrypt.GenerateFromPassword(b, bcrypt.DefaultCost)
	if err != nil {
		panic(err)
	}
	return h
}()

// Hash returns a bcrypt hash for secret.
func Hash(secret string) (string, error) {
	if secret == "" || len(secret) > MaxSecretLen {
		return "", errors.New("credentials: secret must be 1-72 bytes")
	}
	h, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// compare runs exactly one bcrypt comparison whether or not hash is known.
func compare(hash []byte, secret string) bool {
	if len(secret) == 0 || len(secret) > MaxSecretLen {
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte("x"))
		return false
	}
	if len(hash) == 0 {
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(secret))
		return false
	}
	return bcrypt.CompareHashAndPassword(hash, []byte(secret)) == nil
}

func normalize(principal string) string { return strings.ToLower(strings.TrimSpace(principal)) }
