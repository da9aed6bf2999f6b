// Package handshake issues and consumes the one-time state values that bind
// an external identity provider redirect to the browser that started it.
package handshake

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"tenantgate/pkg/kv"
	"tenantgate/pkg/problems"
)

const (
	// StateBytes is the entropy of a state value (256 bits).
	StateBytes = 32
	// StateLen is the length of the base64url encoding of StateBytes.
	StateLen = 43

	keyPrefix = "handshake:"
)

type Store struct {
	kv  kv.Store
	ttl time.Duration
}

func New(store kv.Store, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Store{kv: store, ttl: ttl}
}

// NewBinding returns a random nonce for the binding cookie.
func NewBinding() (string, error) { return randomToken() }

// Begin creates a state bound to the caller's binding nonce.
func (s *Store) Begin(ctx context.Context, binding string) (string, error) {
	if binding == "" {
		return "", errors.New("handshake: empty binding")
	}
	state, err := randomToken()
	if err != nil {
		return "", err
	}
	if err := s.kv.SetWithTTL(ctx, keyPrefix+state, digest(binding), s.ttl); err != nil {
		return "", problems.Reject(problems.StoreUnavailable, "handshake_begin", err)
	}
	return state, nil
}

// Complete consumes state exactly once. A state that was never issued, was
// already used, expired, was lost with the store, or was issued to another
// binding is rejected as HandshakeStateInvalid.
func (s *Store) Complete(ctx context.Context, state, binding string) error {
	if !WellFormed(state) {
		return problems.Reject(problems.HandshakeMalformed, "state_syntax", nil)
	}
	if binding == "" {
		return problems.Reject(problems.HandshakeStateInvalid, "binding_missing", nil)
	}
	ok, err := s.kv.CompareAndDelete(ctx, keyPrefix+state, digest(binding))
	if err != nil {
		return problems.Reject(problems.StoreUnavailable, "handshake_complete", err)
	}
	if !ok {
		return problems.Reject(problems.HandshakeStateInvalid, "state_unknown", nil)
	}
	return nil
}

// WellFormed reports whether v has the exact shape of an issued state.
func WellFormed(v string) bool {
	if len(v) != StateLen {
		return false
	}
	b, err := base64.RawURLEncoding.Strict().DecodeString(v)
	return err == nil && len(b) == StateBytes
}

func randomToken() (string, error) {
	b := make([]byte, StateBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("handshake: random: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func digest(binding string) string {
	h := sha256.Sum256([]byte(binding))
	return hex.EncodeToString(h[:])
}
