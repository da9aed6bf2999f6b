package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestResolveClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remote     string
		xff        string
		realIP     string
		trustProxy bool
		proxies    int
		want       string
	}{
		{name: "direct connection", remote: "10.0.0.9:4411", want: "10.0.0.9"},
		{name: "forwarded header ignored when proxy untrusted", remote: "10.0.0.9:4411", xff: "1.2.3.4", want: "10.0.0.9"},
		{name: "one trusted proxy", remote: "10.0.0.1:80", xff: "1.2.3.4", trustProxy: true, proxies: 1, want: "1.2.3.4"},
		{name: "spoofed left entries skipped", remote: "10.0.0.1:80", xff: "6.6.6.6, 1.2.3.4", trustProxy: true, proxies: 1, want: "1.2.3.4"},
		{name: "two trusted proxies", remote: "10.0.0.1:80", xff: "1.2.3.4, 10.0.0.2", trustProxy: true, proxies: 2, want: "1.2.3.4"},
		{name: "garbage falls back to real ip", remote: "10.0.0.1:80", xff: "nope", realIP: "5.5.5.5", trustProxy: true, proxies: 1, want: "5.5.5.5"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tc.remote
			if tc.xff != "" {
				r.Header.Set("X-Forwarded-For", tc.xff)
			}
			if tc.realIP != "" {
				r.Header.Set("X-Real-IP", tc.realIP)
			}
			assert.Equal(t, tc.want, ResolveClientIP(r, tc.trustProxy, tc.proxies))
		})
	}
}

func TestRequestID(t *testing.T) {
	var seen string
	h := RequestID()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFrom(r.Context())
	}))

	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Request-Id", "not-a-uuid\r\ninjected")
	h.ServeHTTP(rec, r)

	_, err := uuid.Parse(seen)
	require.NoError(t, err, "non-uuid ids are replaced")
	assert.Equal(t, seen, rec.Header().Get("X-Request-Id"))
}

func TestRecover(t *testing.T) {
	h := Recover(zap.NewNop().Sugar())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "boom")
}

func TestDebugWriteHeaderReportsSecondWrite(t *testing.T) {
	t.Setenv("DEBUG_DOUBLE_WRITE", "1")
	core, logs := observer.New(zap.DebugLevel)
	h := DebugWriteHeader(zap.New(core).Sugar())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.WriteHeader(http.StatusOK)
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/whoami", nil))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	entries := logs.FilterMessage("double WriteHeader").All()
	require.Len(t, entries, 1)
	assert.Equal(t, int64(401), entries[0].ContextMap()["first"])
}

func TestDebugWriteHeaderDisabledByDefault(t *testing.T) {
	t.Setenv("DEBUG_DOUBLE_WRITE", "")
	next := http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})
	h := DebugWriteHeader(zap.NewNop().Sugar())(next)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}
