package problems

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrite(t *testing.T) {
	t.Run("every 401 kind produces the same body", func(t *testing.T) {
		var bodies []string
		for _, k := range []Kind{SignatureInvalid, Expired, MalformedToken, TenantMissing, TenantMismatch, TenantInvalid, HandshakeStateInvalid, CredentialsInvalid} {
			w := httptest.NewRecorder()
			Write(w, Reject(k, "some_internal_reason", errors.New("detail that must not leak")))
			assert.Equal(t, http.StatusUnauthorized, w.Code, k.String())
			assert.NotContains(t, w.Body.String(), "some_internal_reason")
			assert.NotContains(t, w.Body.String(), "must not leak")
			bodies = append(bodies, w.Body.String())
		}
		for _, b := range bodies[1:] {
			assert.Equal(t, bodies[0], b)
		}
	})

	t.Run("lockout carries retry-after rounded up to seconds", func(t *testing.T) {
		w := httptest.NewRecorder()
		Write(w, Locked("pair", 299*time.Second+time.Millisecond))
		assert.Equal(t, http.StatusLocked, w.Code)
		assert.Equal(t, "300", w.Header().Get("Retry-After"))
	})

	t.Run("malformed handshake is a 400", func(t *testing.T) {
		w := httptest.NewRecorder()
		Write(w, Reject(HandshakeMalformed, "state_missing", nil))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("unknown errors become 503", func(t *testing.T) {
		w := httptest.NewRecorder()
		Write(w, errors.New("boom"))
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		var p Problem
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &p))
		assert.Equal(t, Type("unavailable"), p.Type)
	})
}

func TestRejectionMatching(t *testing.T) {
	err := fmt.Errorf("verify: %w", Reject(Expired, "exp", nil))
	assert.True(t, errors.Is(err, &Rejection{Kind: Expired}))
	assert.False(t, errors.Is(err, &Rejection{Kind: SignatureInvalid}))
	assert.Equal(t, Expired, KindOf(err))
	assert.Equal(t, Kind(0), KindOf(errors.New("plain")))
	assert.True(t, StoreUnavailable.Infrastructure())
	assert.False(t, LockedOut.Infrastructure())
}
