// Package gateway runs every inbound request through an ordered pipeline of
// stages and either attaches a validated principal or halts with one
// rejection. HTTP status mapping happens only when the rejection is written.
package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"tenantgate/internal/attempts"
	"tenantgate/internal/audit"
	"tenantgate/internal/credentials"
	"tenantgate/internal/tenant"
	"tenantgate/internal/token"
	"tenantgate/pkg/middleware"
	"tenantgate/pkg/problems"
)

type State int

const (
	Unauthenticated State = iota
	TokenVerified
	TenantValidated
	Authorized
	Rejected
)

func (s State) String() string {
	switch s {
	case Unauthenticated:
		return "unauthenticated"
	case TokenVerified:
		return "token_verified"
	case TenantValidated:
		return "tenant_validated"
	case Authorized:
		return "authorized"
	case Rejected:
		return "rejected"
	}
	return "unknown"
}

// Outcome is what a stage returns: accept, or reject with a reason.
type Outcome struct {
	Rejection *problems.Rejection
}

func Accept() Outcome { return Outcome{} }

func Reject(r *problems.Rejection) Outcome { return Outcome{Rejection: r} }

func (o Outcome) Accepted() bool { return o.Rejection == nil }

// flow is the per-request pipeline state threaded through the stages.
type flow struct {
	r      *http.Request
	state  State
	exempt bool
	claims token.Claims
	tenant string
}

type stage struct {
	name string
	run  func(*flow) Outcome
}

// Config selects which paths skip token checks and which submit credentials.
type Config struct {
	ExemptPaths     []string
	CredentialPaths []string
}

type Gateway struct {
	tokens      *token.Service
	tenants     *tenant.Validator
	tracker     *attempts.Tracker
	verifier    credentials.Verifier
	events      audit.Emitter
	log         *zap.SugaredLogger
	exempt      map[string]bool
	credentials map[string]bool
	stages      []stage
}

func New(cfg Config, tokens *token.Service, tenants *tenant.Validator, tracker *attempts.Tracker,
	verifier credentials.Verifier, events audit.Emitter, log *zap.SugaredLogger) *Gateway {
	g := &Gateway{
		tokens:      tokens,
		tenants:     tenants,
		tracker:     tracker,
		verifier:    verifier,
		events:      events,
		log:         log,
		exempt:      set(cfg.ExemptPaths),
		credentials: set(cfg.CredentialPaths),
	}
	g.stages = []stage{
		{"exemption", g.checkExemption},
		{"token", g.verifyToken},
		{"tenant", g.validateTenant},
		{"lockout", g.checkLockout},
		{"principal", g.attachPrincipal},
	}
	return g
}

// Evaluate runs the pipeline. It returns the request to hand downstream,
// the final state, and the first rejection if any.
func (g *Gateway) Evaluate(r *http.Request) (*http.Request, State, *problems.Rejection) {
	f := &flow{r: r, state: Unauthenticated}
	for _, s := range g.stages {
		if out := s.run(f); !out.Accepted() {
			return r, Rejected, out.Rejection
		}
	}
	return f.r, f.state, nil
}

// Middleware is the HTTP form of Evaluate.
func (g *Gateway) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		out, _, rej := g.Evaluate(r)
		if rej != nil {
			g.reject(w, r, rej, "")
			return
		}
		next.ServeHTTP(w, out)
	})
}

func (g *Gateway) checkExemption(f *flow) Outcome {
	f.exempt = g.exempt[f.r.URL.Path]
	return Accept()
}

// checkLockout runs on credential submission paths only, after the token
// stages (a credential path that is not exempt must carry a valid token
// first). The submission is parsed here, before any secret comparison, and
// handed to the login handler through the context.
func (g *Gateway) checkLockout(f *flow) Outcome {
	if !g.credentials[f.r.URL.Path] {
		return Accept()
	}
	sub, rej := g.readSubmission(f.r)
	if rej != nil {
		return Reject(rej)
	}
	st, err := g.tracker.CheckLockout(f.r.Context(), sub.key())
	if err != nil {
		return Reject(asRejection(err, problems.StoreUnavailable, "lockout_check"))
	}
	if st.Locked {
		return Reject(problems.Locked(st.Scope, st.RetryAfter))
	}
	f.r = f.r.WithContext(withSubmission(f.r.Context(), sub))
	return Accept()
}

func (g *Gateway) verifyToken(f *flow) Outcome {
	if f.exempt {
		return Accept()
	}
	raw, ok := token.BearerFrom(f.r.Header.Get("Authorization"))
	if !ok {
		return Reject(problems.Reject(problems.MalformedToken, "bearer_missing", nil))
	}
	claims, err := g.tokens.Verify(raw)
	if err != nil {
		return Reject(asRejection(err, problems.MalformedToken, "verify"))
	}
	f.claims = claims
	f.state = TokenVerified
	return Accept()
}

func (g *Gateway) validateTenant(f *flow) Outcome {
	if f.exempt {
		return Accept()
	}
	if f.state != TokenVerified {
		return Reject(problems.Reject(problems.MalformedToken, "tenant_before_token", nil))
	}
	id, err := g.tenants.Validate(f.claims.Tenant, f.r)
	if err != nil {
		return Reject(asRejection(err, problems.TenantInvalid, "validate"))
	}
	f.tenant = id
	f.state = TenantValidated
	return Accept()
}

func (g *Gateway) attachPrincipal(f *flow) Outcome {
	if f.exempt {
		return Accept()
	}
	if f.state != TenantValidated || f.tenant == "" {
		return Reject(problems.Reject(problems.TenantMissing, "principal_without_tenant", nil))
	}
	p := Principal{Subject: f.claims.Subject, Role: f.claims.Role, Tenant: f.tenant}
	ctx := WithPrincipal(f.r.Context(), p)
	ctx = tenant.WithTenant(ctx, f.tenant)
	f.r = f.r.WithContext(ctx)
	f.state = Authorized
	return Accept()
}

// Submission is a parsed credential submission.
type Submission struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Tenant   string `json:"-"`
	IP       string `json:"-"`
}

func (s Submission) key() attempts.Key {
	return attempts.Key{Principal: s.Username, IP: s.IP, Tenant: s.Tenant}
}

const maxSubmission = 4 << 10

func (g *Gateway) readSubmission(r *http.Request) (Submission, *problems.Rejection) {
	var sub Submission
	body, err := io.ReadAll(io.LimitReader(r.Body, maxSubmission+1))
	if err != nil || len(body) > maxSubmission {
		return sub, problems.Reject(problems.CredentialsInvalid, "submission_unreadable", err)
	}
	if err := json.Unmarshal(body, &sub); err != nil {
		return sub, problems.Reject(problems.CredentialsInvalid, "submission_malformed", err)
	}
	sub.Username = strings.TrimSpace(sub.Username)
	if sub.Username == "" || sub.Password == "" {
		return sub, problems.Reject(problems.CredentialsInvalid, "submission_incomplete", nil)
	}
	sub.Tenant = strings.TrimSpace(r.Header.Get(g.tenants.Header()))
	if sub.Tenant == "" {
		return sub, problems.Reject(problems.TenantMissing, tenant.ReasonHeaderMissing, nil)
	}
	if !tenant.Valid(sub.Tenant) {
		return sub, problems.Reject(problems.TenantInvalid, tenant.ReasonHeaderMalformed, nil)
	}
	sub.IP = clientIP(r)
	return sub, nil
}

type ctxSubmissionKey struct{}

func withSubmission(ctx context.Context, s Submission) context.Context {
	return context.WithValue(ctx, ctxSubmissionKey{}, s)
}

// SubmissionFrom returns the submission accepted by the lockout stage.
func SubmissionFrom(ctx context.Context) (Submission, bool) {
	s, ok := ctx.Value(ctxSubmissionKey{}).(Submission)
	return s, ok
}

// reject logs the rejection as a security event and writes the uniform response.
func (g *Gateway) reject(w http.ResponseWriter, r *http.Request, rej *problems.Rejection, principal string) {
	g.events.Emit(r.Context(), audit.Event{
		Name:      eventFor(rej.Kind),
		Reason:    rej.Reason,
		Kind:      rej.Kind.String(),
		Path:      r.URL.Path,
		Method:    r.Method,
		Client:    clientIP(r),
		Principal: principal,
		RequestID: middleware.RequestIDFrom(r.Context()),
	})
	if rej.Kind.Infrastructure() {
		g.log.Errorw("store unavailable", "path", r.URL.Path, "err", rej.Err)
	}
	problems.Write(w, rej)
}

func eventFor(k problems.Kind) string {
	switch k {
	case problems.LockedOut:
		return audit.EventLockout
	case problems.TenantMissing, problems.TenantMismatch, problems.TenantInvalid:
		return audit.EventTenantReject
	case problems.HandshakeStateInvalid, problems.HandshakeMalformed:
		return audit.EventOAuthReject
	case problems.StoreUnavailable:
		return audit.EventStoreFailure
	}
	return audit.EventFail
}

func asRejection(err error, fallback problems.Kind, reason string) *problems.Rejection {
	if rej, ok := problems.AsRejection(err); ok {
		return rej
	}
	return problems.Reject(fallback, reason, err)
}

func clientIP(r *http.Request) string {
	if ip := middleware.ClientIPFrom(r.Context()); ip != "" {
		return ip
	}
	return middleware.ResolveClientIP(r, false, 0)
}

func set(list []string) map[string]bool {
	m := make(map[string]bool, len(list))
	for _, p := range list {
		m[p] = true
	}
	return m
}
