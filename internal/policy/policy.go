// Package policy applies the static response security headers and decides
// cross-origin access from an exact-match origin allow-list.
package policy

import (
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/go-chi/cors"

	"tenantgate/internal/audit"
	"tenantgate/pkg/config"
	"tenantgate/pkg/middleware"
	"tenantgate/pkg/problems"
)

// requiredCSP directives must be present with exactly these values.
var requiredCSP = map[string]string{
	"object-src":      "'none'",
	"frame-ancestors": "'none'",
}

var cspOrder = []string{"default-src", "script-src", "object-src", "base-uri", "form-action", "frame-ancestors"}

type Policy struct {
	origins     map[string]struct{}
	credentials bool
	headers     http.Header
	cors        *cors.Cors
	events      audit.Emitter
}

// New validates the policy. Wildcard origins, non-origin URLs and CSP
// directives that allow inline or eval'd script are refused.
func New(cfg config.SecurityPolicy, events audit.Emitter) (*Policy, error) {
	p := &Policy{
		origins:     map[string]struct{}{},
		credentials: cfg.AllowCredentials,
		events:      events,
	}
	for _, o := range cfg.AllowedOrigins {
		if err := config.ValidateOrigin(o); err != nil {
			return nil, err
		}
		p.origins[strings.TrimSuffix(o, "/")] = struct{}{}
	}

	csp, err := buildCSP(cfg.CSP)
	if err != nil {
		return nil, err
	}
	h := http.Header{}
	h.Set("Content-Security-Policy", csp)
	h.Set("X-Frame-Options", "DENY")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Cross-Origin-Opener-Policy", "same-origin")
	h.Set("Cross-Origin-Embedder-Policy", "require-corp")
	h.Set("Cross-Origin-Resource-Policy", "same-origin")
	ref := cfg.ReferrerPolicy
	if ref == "" {
		ref = "no-referrer"
	}
	h.Set("Referrer-Policy", ref)
	if cfg.HSTSMaxAge > 0 {
		h.Set("Strict-Transport-Security", "max-age="+strconv.Itoa(cfg.HSTSMaxAge)+"; includeSubDomains")
	}
	p.headers = h

	p.cors = cors.New(cors.Options{
		AllowOriginFunc:    func(_ *http.Request, origin string) bool { return p.AllowOrigin(origin) },
		AllowedMethods:     cfg.AllowedMethods,
		AllowedHeaders:     cfg.AllowedHeaders,
		ExposedHeaders:     []string{"X-Request-Id", "Retry-After"},
		AllowCredentials:   cfg.AllowCredentials,
		MaxAge:             cfg.MaxAge,
		OptionsPassthrough: true,
	})
	return p, nil
}

// Headers returns a copy of the static security headers.
func (p *Policy) Headers() http.Header { return p.headers.Clone() }

// AllowOrigin reports whether origin exactly matches an allow-listed entry.
func (p *Policy) AllowOrigin(origin string) bool {
	if origin == "" || origin == "*" || origin == "null" {
		return false
	}
	_, ok := p.origins[origin]
	return ok
}

// Handler sets the security headers on every response, runs the CORS
// decision, and answers preflight requests itself with 204 and no body.
// Preflights never reach next, so they are never authenticated.
func (p *Policy) Handler(next http.Handler) http.Handler {
	inner := p.cors.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPreflight(r) {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	}))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		for k, v := range p.headers {
			h[k] = append([]string(nil), v...)
		}
		if o := r.Header.Get("Origin"); o != "" && !p.AllowOrigin(o) && !sameOrigin(r, o) && p.events != nil {
			p.events.Emit(r.Context(), audit.Event{
				Name:      audit.EventOriginReject,
				Kind:      problems.OriginRejected.String(),
				Reason:    "origin_not_allowed",
				Path:      r.URL.Path,
				Method:    r.Method,
				Client:    middleware.ClientIPFrom(r.Context()),
				RequestID: middleware.RequestIDFrom(r.Context()),
			})
		}
		inner.ServeHTTP(&guardWriter{ResponseWriter: w, credentials: p.credentials}, r)
	})
}

// sameOrigin reports whether origin names the host the request was sent to.
// Browsers send Origin on first-party POSTs too; those are not cross-origin.
func sameOrigin(r *http.Request, origin string) bool {
	u, err := url.Parse(origin)
	return err == nil && u.Host != "" && strings.EqualFold(u.Host, r.Host)
}

func isPreflight(r *http.Request) bool {
	return r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != ""
}

// guardWriter strips a wildcard Allow-Origin from credentialed responses,
// whoever set it.
type guardWriter struct {
	http.ResponseWriter
	credentials bool
	wrote       bool
}

func (g *guardWriter) WriteHeader(code int) {
	if !g.wrote {
		g.wrote = true
		h := g.ResponseWriter.Header()
		if h.Get("Access-Control-Allow-Origin") == "*" && (g.credentials || h.Get("Access-Control-Allow-Credentials") == "true") {
			h.Del("Access-Control-Allow-Origin")
		}
	}
	g.ResponseWriter.WriteHeader(code)
}

func (g *guardWriter) Write(b []byte) (int, error) {
	if !g.wrote {
		g.WriteHeader(http.StatusOK)
	}
	return g.ResponseWriter.Write(b)
}

func (g *guardWriter) Unwrap() http.ResponseWriter { return g.ResponseWriter }

func buildCSP(directives map[string]string) (string, error) {
	d := map[string]string{}
	for k, v := range config.DefaultSecurityPolicy().CSP {
		d[k] = v
	}
	for k, v := range directives {
		d[strings.ToLower(strings.TrimSpace(k))] = strings.TrimSpace(v)
	}
	for k, want := range requiredCSP {
		if d[k] != want {
			return "", fmt.Errorf("csp %s must be %s", k, want)
		}
	}
	for _, k := range []string{"default-src", "script-src"} {
		v := d[k]
		for _, bad := range []string{"'unsafe-inline'", "'unsafe-eval'", "*", "data:"} {
			for _, tok := range strings.Fields(v) {
				if tok == bad {
					return "", fmt.Errorf("csp %s must not allow %s", k, bad)
				}
			}
		}
	}

	keys := append([]string(nil), cspOrder...)
	var extra []string
	for k := range d {
		if !contains(cspOrder, k) {
			extra = append(extra, k)
		}
	}
	sort.Strings(extra)
	keys = append(keys, extra...)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		if v, ok := d[k]; ok && v != "" {
			parts = append(parts, k+" "+v)
		}
	}
	return strings.Join(parts, "; "), nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
