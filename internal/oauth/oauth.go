// Package oauth serves the two external identity provider entry points.
// Every callback is checked against the handshake store before any code
// exchange happens.
package oauth

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"tenantgate/internal/audit"
	"tenantgate/internal/handshake"
	"tenantgate/internal/token"
	"tenantgate/pkg/middleware"
	"tenantgate/pkg/problems"
)

const (
	BindingCookie = "tg_oauth_binding"
	cookiePath    = "/auth/oauth"
	maxCodeLen    = 2048
)

type Handlers struct {
	cfg          *oauth2.Config
	states       *handshake.Store
	exchanger    Exchanger
	mapper       *Mapper
	tokens       *token.Service
	tokenTTL     time.Duration
	handshakeTTL time.Duration
	events       audit.Emitter
	log          *zap.SugaredLogger
	insecure     bool
	successURL   string
}

type Options struct {
	TokenTTL     time.Duration
	HandshakeTTL time.Duration
	// InsecureCookies drops the Secure flag; local development over http only.
	InsecureCookies bool
	// SuccessURL, when set, receives the token in the URL fragment instead of
	// a JSON body.
	SuccessURL string
}

func New(cfg *oauth2.Config, states *handshake.Store, ex Exchanger, mapper *Mapper, tokens *token.Service,
	events audit.Emitter, log *zap.SugaredLogger, opts Options) *Handlers {
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = 15 * time.Minute
	}
	if opts.HandshakeTTL <= 0 {
		opts.HandshakeTTL = 5 * time.Minute
	}
	return &Handlers{
		cfg: cfg, states: states, exchanger: ex, mapper: mapper, tokens: tokens,
		tokenTTL: opts.TokenTTL, handshakeTTL: opts.HandshakeTTL,
		events: events, log: log, insecure: opts.InsecureCookies, successURL: opts.SuccessURL,
	}
}

// Start begins a handshake and redirects to the provider. The binding nonce
// is set as an HttpOnly cookie and doubles as the PKCE verifier.
func (h *Handlers) Start(w http.ResponseWriter, r *http.Request) {
	binding, err := handshake.NewBinding()
	if err != nil {
		h.log.Errorw("binding nonce", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	state, err := h.states.Begin(r.Context(), binding)
	if err != nil {
		h.reject(w, r, err)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     BindingCookie,
		Value:    binding,
		Path:     cookiePath,
		MaxAge:   int(h.handshakeTTL.Seconds()),
		HttpOnly: true,
		Secure:   !h.insecure,
		SameSite: http.SameSiteLaxMode,
	})
	w.Header().Set("Cache-Control", "no-store")
	http.Redirect(w, r, h.cfg.AuthCodeURL(state, oauth2.S256ChallengeOption(binding)), http.StatusFound)
}

// Callback completes the handshake, then exchanges the code. Any rejection
// leaves no token and no exchange behind.
func (h *Handlers) Callback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	state, code := q.Get("state"), q.Get("code")
	if len(q["state"]) != 1 || len(q["code"]) != 1 || !handshake.WellFormed(state) || code == "" || len(code) > maxCodeLen {
		h.reject(w, r, problems.Reject(problems.HandshakeMalformed, "callback_params", nil))
		return
	}
	var binding string
	if c, err := r.Cookie(BindingCookie); err == nil {
		binding = c.Value
	}
	if err := h.states.Complete(r.Context(), state, binding); err != nil {
		h.reject(w, r, err)
		return
	}
	http.SetCookie(w, &http.Cookie{Name: BindingCookie, Value: "", Path: cookiePath, MaxAge: -1, HttpOnly: true, Secure: !h.insecure, SameSite: http.SameSiteLaxMode})

	doc, err := h.exchanger.Exchange(r.Context(), code, binding)
	if err != nil {
		h.reject(w, r, problems.Reject(problems.HandshakeStateInvalid, "exchange_failed", err))
		return
	}
	prof, err := h.mapper.Map(doc)
	if err != nil {
		h.reject(w, r, problems.Reject(problems.HandshakeStateInvalid, "profile_unmapped", err))
		return
	}
	raw, err := h.tokens.Issue(prof.Subject, prof.Tenant, prof.Role, h.tokenTTL)
	if err != nil {
		h.log.Errorw("token issue failed", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	if h.successURL != "" {
		frag := url.Values{}
		frag.Set("access_token", raw)
		frag.Set("token_type", "Bearer")
		frag.Set("expires_in", strconv.Itoa(int(h.tokenTTL.Seconds())))
		frag.Set("tenant", prof.Tenant)
		http.Redirect(w, r, h.successURL+"#"+frag.Encode(), http.StatusSeeOther)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"access_token": raw,
		"token_type":   "Bearer",
		"expires_in":   int(h.tokenTTL.Seconds()),
		"tenant":       prof.Tenant,
	})
}

func (h *Handlers) reject(w http.ResponseWriter, r *http.Request, err error) {
	rej, ok := problems.AsRejection(err)
	if !ok {
		rej = problems.Reject(problems.StoreUnavailable, "handshake", err)
	}
	name := audit.EventOAuthReject
	if rej.Kind.Infrastructure() {
		name = audit.EventStoreFailure
	}
	h.events.Emit(r.Context(), audit.Event{
		Name:      name,
		Reason:    rej.Reason,
		Kind:      rej.Kind.String(),
		Path:      r.URL.Path,
		Method:    r.Method,
		Client:    middleware.ClientIPFrom(r.Context()),
		RequestID: middleware.RequestIDFrom(r.Context()),
	})
	problems.Write(w, rej)
}
