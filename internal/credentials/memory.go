package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
)

type memUser struct {
	identity Identity
	hash     []byte
}

// Memory is an in-process verifier for development and tests.
type Memory struct {
	mu    sync.RWMutex
	users map[string]memUser // key: tenant+":"+principal
}

func NewMemory() *Memory { return &Memory{users: map[string]memUser{}} }

// NewMemoryFromEnv seeds users from USER_SEED_JSON:
//
//	[{"tenant":"01H...","username":"alice","password":"...","role":"admin"}]
//
// password_hash may be given instead of password.
func NewMemoryFromEnv(log *zap.SugaredLogger) (*Memory, error) {
	m := NewMemory()
	seed := os.Getenv("USER_SEED_JSON")
	if seed == "" {
		log.Infow("no USER_SEED_JSON; credential store is empty")
		return m, nil
	}
	var entries []struct {
		Tenant       string `json:"tenant"`
		Username     string `json:"username"`
		Subject      string `json:"subject"`
		Password     string `json:"password"`
		PasswordHash string `json:"password_hash"`
		Role         string `json:"role"`
	}
	if err := json.Unmarshal([]byte(seed), &entries); err != nil {
		return nil, fmt.Errorf("USER_SEED_JSON: %w", err)
	}
	for _, e := range entries {
		hash := e.PasswordHash
		if hash == "" {
			h, err := Hash(e.Password)
			if err != nil {
				return nil, fmt.Errorf("USER_SEED_JSON %s: %w", e.Username, err)
			}
			hash = h
		}
		m.Put(e.Tenant, e.Username, e.Subject, e.Role, hash)
	}
	log.Infow("seeded credential store", "users", len(entries))
	return m, nil
}

// Put stores a user with an existing bcrypt hash. Subject defaults to the username.
func (m *Memory) Put(tenant, username, subject, role, hash string) {
	if subject == "" {
		subject = normalize(username)
	}
	m.mu.Lock()
	m.users[tenant+":"+normalize(username)] = memUser{
		identity: Identity{Subject: subject, Tenant: tenant, Role: role},
		hash:     []byte(hash),
	}
	m.mu.Unlock()
}

func (m *Memory) Verify(ctx context.Context, tenant, principal, secret string) (Identity, error) {
	if err := ctx.Err(); err != nil {
		return Identity{}, err
	}
	m.mu.RLock()
	u, ok := m.users[tenant+":"+normalize(principal)]
	m.mu.RUnlock()
	if !compare(u.hash, secret) || !ok {
		return Identity{}, ErrInvalid
	}
	return u.identity, nil
}
