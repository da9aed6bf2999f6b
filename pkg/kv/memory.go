package kv

import (
	"context"
	"strconv"
	"sync"
	"time"
)

type memEntry struct {
	value   string
	expires time.Time // zero = no expiry
}

// Memory is a process-local Store for development and tests. It gives the
// same atomicity guarantees as Redis within one process only.
type Memory struct {
	mu   sync.Mutex
	data map[string]memEntry
	now  func() time.Time
}

func NewMemory() *Memory {
	return &Memory{data: map[string]memEntry{}, now: time.Now}
}

// WithClock replaces the clock used for expiry.
func (m *Memory) WithClock(now func() time.Time) *Memory {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
	return m
}

// Flush drops every key, as a restart of a non-persistent store would.
func (m *Memory) Flush() {
	m.mu.Lock()
	m.data = map[string]memEntry{}
	m.mu.Unlock()
}

// lookup must be called with mu held.
func (m *Memory) lookup(key string) (memEntry, bool) {
	e, ok := m.data[key]
	if !ok {
		return memEntry{}, false
	}
	if !e.expires.IsZero() && !m.now().Before(e.expires) {
		delete(m.data, key)
		return memEntry{}, false
	}
	return e, true
}

func (m *Memory) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.now().Add(ttl)
}

func (m *Memory) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	if e, ok := m.lookup(key); ok {
		n, _ = strconv.ParseInt(e.value, 10, 64)
	}
	n++
	m.data[key] = memEntry{value: strconv.FormatInt(n, 10), expires: m.expiry(ttl)}
	return n, nil
}

func (m *Memory) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.lookup(key)
	return e.value, ok, nil
}

func (m *Memory) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	m.data[key] = memEntry{value: value, expires: m.expiry(ttl)}
	m.mu.Unlock()
	return nil
}

func (m *Memory) SetIfGreater(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.lookup(key); ok && e.value >= value {
		return false, nil
	}
	m.data[key] = memEntry{value: value, expires: m.expiry(ttl)}
	return true, nil
}

func (m *Memory) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.lookup(key)
	if !ok || e.value != expected {
		return false, nil
	}
	delete(m.data, key)
	return true, nil
}

func (m *Memory) Delete(ctx context.Context, keys ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	for _, k := range keys {
		delete(m.data, k)
	}
	m.mu.Unlock()
	return nil
}
