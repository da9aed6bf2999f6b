package oauth

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"tenantgate/internal/audit"
	"tenantgate/internal/handshake"
	"tenantgate/internal/token"
	"tenantgate/pkg/kv"
)

const tid = "01HZX3R8K4N2B6V5C7D9E0F1G2"

var secret = []byte("0123456789abcdef0123456789abcdef")

type stubExchanger struct {
	calls atomic.Int32
	doc   any
	err   error
}

func (s *stubExchanger) Exchange(context.Context, string, string) (any, error) {
	s.calls.Add(1)
	return s.doc, s.err
}

type fixture struct {
	h      *Handlers
	ex     *stubExchanger
	tokens *token.Service
	events *audit.Recorder
}

func newFixture(t *testing.T, store kv.Store) *fixture {
	t.Helper()
	tokens, err := token.NewService(secret, "HS256")
	require.NoError(t, err)
	mapper, err := NewMapper("sub", "tenant_id", "roles[0]", "")
	require.NoError(t, err)
	ex := &stubExchanger{doc: map[string]any{"sub": "ext-42", "tenant_id": tid, "roles": []any{"admin"}}}
	events := &audit.Recorder{}
	cfg := &oauth2.Config{
		ClientID:    "client",
		RedirectURL: "https://gw.example.com/auth/oauth/callback",
		Endpoint:    oauth2.Endpoint{AuthURL: "https://idp.example.com/authorize", TokenURL: "https://idp.example.com/token"},
		Scopes:      []string{"openid"},
	}
	h := New(cfg, handshake.New(store, time.Minute), ex, mapper, tokens, events, zap.NewNop().Sugar(), Options{})
	return &fixture{h: h, ex: ex, tokens: tokens, events: events}
}

// start runs /auth/oauth/start and returns the issued state and binding cookie.
func (f *fixture) start(t *testing.T) (string, *http.Cookie) {
	t.Helper()
	w := httptest.NewRecorder()
	f.h.Start(w, httptest.NewRequest(http.MethodGet, "/auth/oauth/start", nil))
	require.Equal(t, http.StatusFound, w.Code)

	loc, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	state := loc.Query().Get("state")
	require.True(t, handshake.WellFormed(state))

	var binding *http.Cookie
	for _, c := range w.Result().Cookies() {
		if c.Name == BindingCookie {
			binding = c
		}
	}
	require.NotNil(t, binding)
	assert.True(t, binding.HttpOnly)
	assert.True(t, binding.Secure)
	assert.Equal(t, http.SameSiteLaxMode, binding.SameSite)

	sum := sha256.Sum256([]byte(binding.Value))
	assert.Equal(t, base64.RawURLEncoding.EncodeToString(sum[:]), loc.Query().Get("code_challenge"))
	assert.Equal(t, "S256", loc.Query().Get("code_challenge_method"))
	return state, binding
}

func (f *fixture) callback(state, code string, binding *http.Cookie) *httptest.ResponseRecorder {
	q := url.Values{}
	if state != "" {
		q.Set("state", state)
	}
	if code != "" {
		q.Set("code", code)
	}
	r := httptest.NewRequest(http.MethodGet, "/auth/oauth/callback?"+q.Encode(), nil)
	if binding != nil {
		r.AddCookie(binding)
	}
	w := httptest.NewRecorder()
	f.h.Callback(w, r)
	return w
}

func TestCallbackIssuesToken(t *testing.T) {
	f := newFixture(t, kv.NewMemory())
	state, binding := f.start(t)

	w := f.callback(state, "code-1", binding)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	claims, err := f.tokens.Verify(body["access_token"].(string))
	require.NoError(t, err)
	assert.Equal(t, "ext-42", claims.Subject)
	assert.Equal(t, tid, claims.Tenant)
	assert.Equal(t, "admin", claims.Role)
	assert.Equal(t, int32(1), f.ex.calls.Load())
}

func TestCallbackRejectsBeforeExchange(t *testing.T) {
	f := newFixture(t, kv.NewMemory())
	state, binding := f.start(t)
	unknown := base64.RawURLEncoding.EncodeToString(make([]byte, handshake.StateBytes))

	cases := []struct {
		name    string
		state   string
		code    string
		binding *http.Cookie
		status  int
	}{
		{"missing state", "", "c", binding, http.StatusBadRequest},
		{"malformed state", "not-a-state", "c", binding, http.StatusBadRequest},
		{"missing code", state, "", binding, http.StatusBadRequest},
		{"never issued", unknown, "c", binding, http.StatusUnauthorized},
		{"no binding cookie", state, "c", nil, http.StatusUnauthorized},
		{"foreign binding", state, "c", &http.Cookie{Name: BindingCookie, Value: "someone-else"}, http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := f.callback(tc.state, tc.code, tc.binding)
			assert.Equal(t, tc.status, w.Code)
			assert.NotContains(t, w.Body.String(), "access_token")
		})
	}
	assert.Zero(t, f.ex.calls.Load(), "no rejected callback may reach the provider")
	assert.Contains(t, f.events.Names(), audit.EventOAuthReject)

	// the state survived every rejected attempt and still completes once
	assert.Equal(t, http.StatusOK, f.callback(state, "c", binding).Code)
	assert.Equal(t, http.StatusUnauthorized, f.callback(state, "c", binding).Code)
	assert.Equal(t, int32(1), f.ex.calls.Load())
}

func TestCallbackAfterStoreFlush(t *testing.T) {
	mem := kv.NewMemory()
	f := newFixture(t, mem)
	state, binding := f.start(t)
	mem.Flush()

	w := f.callback(state, "c", binding)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.NotContains(t, w.Body.String(), "access_token")
	assert.Zero(t, f.ex.calls.Load())
}

func TestConcurrentCallbacksSucceedOnce(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	f := newFixture(t, kv.NewRedis(rdb, "t:", time.Second))
	state, binding := f.start(t)

	const n = 12
	codes := make([]int, n)
	var wg sync.WaitGroup
	begin := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-begin
			codes[i] = f.callback(state, "c", binding).Code
		}(i)
	}
	close(begin)
	wg.Wait()

	ok := 0
	for _, c := range codes {
		if c == http.StatusOK {
			ok++
		} else {
			assert.Equal(t, http.StatusUnauthorized, c)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, int32(1), f.ex.calls.Load())
}

func TestCallbackProviderFailures(t *testing.T) {
	t.Run("exchange error", func(t *testing.T) {
		f := newFixture(t, kv.NewMemory())
		f.ex.err = errors.New("invalid_grant")
		state, binding := f.start(t)
		assert.Equal(t, http.StatusUnauthorized, f.callback(state, "c", binding).Code)
	})

	t.Run("profile without tenant", func(t *testing.T) {
		f := newFixture(t, kv.NewMemory())
		f.ex.doc = map[string]any{"sub": "ext-42"}
		state, binding := f.start(t)
		w := f.callback(state, "c", binding)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.NotContains(t, w.Body.String(), "access_token")
	})
}

func TestStartStoreOutage(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer rdb.Close()
	f := newFixture(t, kv.NewRedis(rdb, "", 200*time.Millisecond))
	mr.Close()

	w := httptest.NewRecorder()
	f.h.Start(w, httptest.NewRequest(http.MethodGet, "/auth/oauth/start", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Empty(t, w.Header().Get("Location"))
	assert.Contains(t, f.events.Names(), audit.EventStoreFailure)
}

func TestMapper(t *testing.T) {
	m, err := NewMapper("user.id", "org.tenant", "", "viewer")
	require.NoError(t, err)

	p, err := m.Map(map[string]any{"user": map[string]any{"id": "u1"}, "org": map[string]any{"tenant": tid}})
	require.NoError(t, err)
	assert.Equal(t, Profile{Subject: "u1", Tenant: tid, Role: "viewer"}, p)

	_, err = m.Map(map[string]any{"user": map[string]any{"id": "u1"}, "org": map[string]any{"tenant": "acme"}})
	assert.Error(t, err, "non-ulid tenant")
	_, err = m.Map(map[string]any{"org": map[string]any{"tenant": tid}})
	assert.Error(t, err, "missing subject")

	_, err = NewMapper("", "t", "", "")
	assert.Error(t, err)
	_, err = NewMapper("sub", "[[", "", "")
	assert.Error(t, err)
}

func TestProviderExchangerSendsVerifier(t *testing.T) {
	var gotVerifier string
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		gotVerifier = r.PostForm.Get("code_verifier")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"at-1","token_type":"Bearer","expires_in":60}`))
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer at-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"sub":"ext-1","tenant_id":"` + tid + `"}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cfg := &oauth2.Config{
		ClientID: "client", ClientSecret: "s",
		Endpoint: oauth2.Endpoint{TokenURL: srv.URL + "/token", AuthStyle: oauth2.AuthStyleInParams},
	}
	ex := NewProviderExchanger(cfg, srv.URL+"/userinfo", srv.Client())
	doc, err := ex.Exchange(context.Background(), "code", "the-binding")
	require.NoError(t, err)
	assert.Equal(t, "the-binding", gotVerifier)
	assert.Equal(t, "ext-1", doc.(map[string]any)["sub"])
}

func TestCallbackRedirectsToSuccessURL(t *testing.T) {
	f := newFixture(t, kv.NewMemory())
	f.h.successURL = "https://app.example.com/signed-in"
	state, binding := f.start(t)

	w := f.callback(state, "c", binding)
	require.Equal(t, http.StatusSeeOther, w.Code)
	loc, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "/signed-in", loc.Path)
	frag, err := url.ParseQuery(loc.Fragment)
	require.NoError(t, err)
	_, err = f.tokens.Verify(frag.Get("access_token"))
	assert.NoError(t, err)
	assert.Empty(t, loc.RawQuery, "token never travels in the query string")
}
