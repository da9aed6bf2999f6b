// Package kv is the shared, TTL-aware key-value store behind lockout counters
// and handshake states. Every mutating operation is atomic on the store side
// so that concurrent gateway processes never lose an update.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable wraps every failure to reach the backing store. Callers
// classify it as an infrastructure failure, never as a security decision.
var ErrUnavailable = errors.New("kv store unavailable")

type Store interface {
	// Increment atomically adds one to key and (re)sets its TTL, returning the new value.
	Increment(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// Get returns the value and whether the key exists.
	Get(ctx context.Context, key string) (string, bool, error)
	SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error
	// SetIfGreater writes value with ttl only if key is absent or holds a
	// value that sorts lower byte-wise. It reports whether the write happened.
	SetIfGreater(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// CompareAndDelete deletes key only if it currently holds expected.
	// It reports whether the delete happened.
	CompareAndDelete(ctx context.Context, key, expected string) (bool, error)
	Delete(ctx context.Context, keys ...string) error
}
