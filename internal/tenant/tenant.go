// Package tenant cross-checks the tenant named by a verified token against
// the tenant named by the request header.
package tenant

import (
	"context"
	"net/http"
	"strings"

	"github.com/oklog/ulid/v2"

	"tenantgate/pkg/problems"
)

const DefaultHeader = "X-Tenant-ID"

// Reason codes. They reach the log sink only.
const (
	ReasonClaimMissing    = "claim_missing"
	ReasonHeaderMissing   = "header_missing"
	ReasonHeaderAmbiguous = "header_ambiguous"
	ReasonClaimMalformed  = "claim_malformed"
	ReasonHeaderMalformed = "header_malformed"
	ReasonMismatch        = "mismatch"
)

type Validator struct {
	header string
}

func NewValidator(header string) *Validator {
	if strings.TrimSpace(header) == "" {
		header = DefaultHeader
	}
	return &Validator{header: http.CanonicalHeaderKey(header)}
}

func (v *Validator) Header() string { return v.header }

// Validate returns the canonical tenant id when the verified claim and the
// request header name the same well-formed tenant.
func (v *Validator) Validate(claimTenant string, r *http.Request) (string, error) {
	if strings.TrimSpace(claimTenant) == "" {
		return "", problems.Reject(problems.TenantMissing, ReasonClaimMissing, nil)
	}
	values := r.Header.Values(v.header)
	switch {
	case len(values) == 0 || strings.TrimSpace(values[0]) == "":
		return "", problems.Reject(problems.TenantMissing, ReasonHeaderMissing, nil)
	case len(values) > 1:
		return "", problems.Reject(problems.TenantInvalid, ReasonHeaderAmbiguous, nil)
	}

	fromClaim, err := ulid.ParseStrict(claimTenant)
	if err != nil {
		return "", problems.Reject(problems.TenantInvalid, ReasonClaimMalformed, err)
	}
	fromHeader, err := ulid.ParseStrict(strings.TrimSpace(values[0]))
	if err != nil {
		return "", problems.Reject(problems.TenantInvalid, ReasonHeaderMalformed, err)
	}
	if fromClaim.Compare(fromHeader) != 0 {
		return "", problems.Reject(problems.TenantMismatch, ReasonMismatch, nil)
	}
	return fromClaim.String(), nil
}

// Valid reports whether id is a well-formed tenant id.
func Valid(id string) bool {
	_, err := ulid.ParseStrict(id)
	return err == nil
}

type ctxTenantKey struct{}

func WithTenant(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxTenantKey{}, id)
}

// TenantFrom returns the validated tenant id, or "" outside a validated request.
func TenantFrom(ctx context.Context) string {
	if v, ok := ctx.Value(ctxTenantKey{}).(string); ok {
		return v
	}
	return ""
}
