// Package server assembles the gateway pipeline and its routes.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"tenantgate/internal/attempts"
	"tenantgate/internal/audit"
	"tenantgate/internal/credentials"
	"tenantgate/internal/gateway"
	"tenantgate/internal/handshake"
	"tenantgate/internal/oauth"
	"tenantgate/internal/policy"
	"tenantgate/internal/tenant"
	"tenantgate/internal/token"
	"tenantgate/pkg/config"
	"tenantgate/pkg/kv"
	"tenantgate/pkg/middleware"
)

// Deps are the collaborators that outlive a single server instance.
type Deps struct {
	Store    kv.Store
	Verifier credentials.Verifier
	Events   audit.Emitter
	// Exchanger overrides the provider-backed code exchange. Nil builds one
	// from the OAuth settings when a client id is configured.
	Exchanger oauth.Exchanger
	Clock     func() time.Time
}

type Server struct {
	cfg     config.Config
	log     *zap.SugaredLogger
	handler http.Handler

	Tokens  *token.Service
	Tracker *attempts.Tracker
}

func New(cfg config.Config, log *zap.SugaredLogger, d Deps) (*Server, error) {
	if d.Clock == nil {
		d.Clock = time.Now
	}
	tokens, err := token.NewService([]byte(cfg.TokenSecret), cfg.TokenAlg,
		token.WithIssuer(cfg.TokenIssuer), token.WithSkew(cfg.ClockSkew), token.WithClock(d.Clock))
	if err != nil {
		return nil, err
	}
	tracker := attempts.New(d.Store, log,
		attempts.WithLevels(levels(cfg.LockoutLevels), levels(cfg.IPLockoutLevels)),
		attempts.WithWindow(cfg.LockoutWindow),
		attempts.WithWriteTimeout(cfg.StoreTimeout*2),
		attempts.WithTenantScope(cfg.LockoutScope == config.ScopeTenant),
		attempts.WithDegraded(cfg.StoreFailure == config.Degraded),
		attempts.WithClock(d.Clock),
		attempts.WithEvents(d.Events),
	)
	pol, err := policy.New(cfg.Policy, d.Events)
	if err != nil {
		return nil, fmt.Errorf("security policy: %w", err)
	}
	gw := gateway.New(gateway.Config{
		ExemptPaths:     cfg.ExemptPaths,
		CredentialPaths: cfg.CredentialPaths,
	}, tokens, tenant.NewValidator(cfg.TenantHeader), tracker, d.Verifier, d.Events, log)

	r := chi.NewRouter()
	r.Use(
		middleware.RequestID(),
		middleware.ClientIP(cfg.TrustProxy, cfg.TrustedProxyCount),
		middleware.Recover(log),
		middleware.DebugWriteHeader(log),
		middleware.Tracing(log),
		chimw.CleanPath,
		pol.Handler,
		gw.Middleware,
	)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Post("/auth/login", gw.Login(cfg.TokenTTL))

	if cfg.OAuthClientID != "" {
		oh, err := newOAuth(cfg, log, d, tokens)
		if err != nil {
			return nil, err
		}
		r.Get("/auth/oauth/start", oh.Start)
		r.Get("/auth/oauth/callback", oh.Callback)
	}

	r.Route("/v1", func(v chi.Router) {
		v.Get("/whoami", gateway.Whoami)
	})
	r.Route("/admin", func(ar chi.Router) {
		ar.Use(gateway.RequireRole(cfg.AdminRole))
		ar.Post("/lockouts/unlock", gw.Unlock())
	})

	return &Server{cfg: cfg, log: log, handler: r, Tokens: tokens, Tracker: tracker}, nil
}

func newOAuth(cfg config.Config, log *zap.SugaredLogger, d Deps, tokens *token.Service) (*oauth.Handlers, error) {
	oc := &oauth2.Config{
		ClientID:     cfg.OAuthClientID,
		ClientSecret: cfg.OAuthClientSecret,
		RedirectURL:  cfg.OAuthRedirectURL,
		Scopes:       cfg.OAuthScopes,
		Endpoint:     oauth2.Endpoint{AuthURL: cfg.OAuthAuthURL, TokenURL: cfg.OAuthTokenURL},
	}
	mapper, err := oauth.NewMapper(cfg.OAuthSubjectPath, cfg.OAuthTenantPath, cfg.OAuthRolePath, "member")
	if err != nil {
		return nil, err
	}
	ex := d.Exchanger
	if ex == nil {
		ex = oauth.NewProviderExchanger(oc, cfg.OAuthUserInfoURL, nil)
	}
	return oauth.New(oc, handshake.New(d.Store, cfg.HandshakeTTL), ex, mapper, tokens, d.Events, log, oauth.Options{
		TokenTTL:        cfg.TokenTTL,
		HandshakeTTL:    cfg.HandshakeTTL,
		InsecureCookies: cfg.Env == "dev",
		SuccessURL:      cfg.OAuthSuccessURL,
	}), nil
}

func (s *Server) Handler() http.Handler { return s.handler }

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.HTTPAddr,
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		s.log.Infof("tenantgate listening at %s", s.cfg.HTTPAddr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return middleware.ShutdownTracing(shutdownCtx)
}

func levels(in []config.LockoutLevel) []attempts.Level {
	if len(in) == 0 {
		return nil
	}
	out := make([]attempts.Level, len(in))
	for i, l := range in {
		out[i] = attempts.Level{Threshold: int64(l.Threshold), Cooldown: l.Cooldown}
	}
	return out
}
