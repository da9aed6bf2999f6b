package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"tenantgate/internal/attempts"
	"tenantgate/internal/audit"
	"tenantgate/internal/credentials"
	"tenantgate/pkg/middleware"
	"tenantgate/pkg/problems"
)

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// Login compares a submission that already passed the lockout stage and
// issues a token on success. Failures are counted toward lockout.
func (g *Gateway) Login(ttl time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sub, ok := SubmissionFrom(r.Context())
		if !ok {
			// Only reachable if the route is not listed as a credential path.
			g.reject(w, r, problems.Reject(problems.CredentialsInvalid, "lockout_stage_skipped", nil), "")
			return
		}
		id, err := g.verifier.Verify(r.Context(), sub.Tenant, sub.Username, sub.Password)
		switch {
		case errors.Is(err, credentials.ErrInvalid):
			g.loginFailed(w, r, sub)
			return
		case err != nil:
			g.reject(w, r, problems.Reject(problems.StoreUnavailable, "credential_lookup", err), sub.Username)
			return
		}

		if err := g.tracker.RecordSuccess(r.Context(), sub.key()); err != nil {
			g.log.Warnw("attempt reset failed", "err", err)
		}
		raw, err := g.tokens.Issue(id.Subject, id.Tenant, id.Role, ttl)
		if err != nil {
			g.log.Errorw("token issue failed", "err", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Cache-Control", "no-store")
		writeJSON(w, tokenResponse{AccessToken: raw, TokenType: "Bearer", ExpiresIn: int(ttl.Seconds())}, http.StatusOK)
	}
}

func (g *Gateway) loginFailed(w http.ResponseWriter, r *http.Request, sub Submission) {
	rec, err := g.tracker.RecordFailure(r.Context(), sub.key())
	if err != nil {
		if rej, ok := problems.AsRejection(err); ok {
			g.reject(w, r, rej, sub.Username)
			return
		}
		// request went away before the attempt could be counted
		g.log.Debugw("failure not recorded", "err", err)
	}
	if rec.Level > 0 || rec.IPLocked {
		reason := "pair_threshold"
		if rec.Level == 0 {
			reason = "ip_threshold"
		}
		g.events.Emit(r.Context(), audit.Event{
			Name:      audit.EventLockout,
			Reason:    reason,
			Path:      r.URL.Path,
			Method:    r.Method,
			Client:    sub.IP,
			Principal: sub.Username,
			Tenant:    sub.Tenant,
			RequestID: middleware.RequestIDFrom(r.Context()),
		})
	}
	g.reject(w, r, problems.Reject(problems.CredentialsInvalid, "bad_credentials", nil), sub.Username)
}

type unlockRequest struct {
	Principal string `json:"principal"`
	IP        string `json:"ip"`
}

// Unlock force-clears a pair lockout record in the caller's own tenant. Mount
// it behind RequireRole. Records that are not tenant keyed (global scope, or
// IP-level records shared by every tenant) are operator-only and refused here.
func (g *Gateway) Unlock() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := PrincipalFrom(r.Context())
		if !ok {
			problems.Write(w, problems.Reject(problems.Forbidden, "no_principal", nil))
			return
		}
		if !g.tracker.TenantScoped() {
			problems.Write(w, problems.Reject(problems.Forbidden, "unlock_not_tenant_scoped", nil))
			return
		}
		var req unlockRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSubmission)).Decode(&req); err != nil {
			writeJSON(w, map[string]string{"error": "malformed body"}, http.StatusBadRequest)
			return
		}
		key := attempts.Key{Principal: strings.TrimSpace(req.Principal), IP: strings.TrimSpace(req.IP), Tenant: p.Tenant}
		if key.Principal == "" {
			problems.Write(w, problems.Reject(problems.Forbidden, "ip_unlock_operator_only", nil))
			return
		}
		if key.IP == "" {
			writeJSON(w, map[string]string{"error": "principal and ip required"}, http.StatusBadRequest)
			return
		}
		if err := g.tracker.Unlock(r.Context(), key, p.Subject+"@"+p.Tenant); err != nil {
			problems.Write(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// Whoami echoes the validated principal.
func Whoami(w http.ResponseWriter, r *http.Request) {
	p, ok := PrincipalFrom(r.Context())
	if !ok {
		problems.Write(w, problems.Reject(problems.MalformedToken, "no_principal", nil))
		return
	}
	writeJSON(w, p, http.StatusOK)
}

func writeJSON(w http.ResponseWriter, v any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
