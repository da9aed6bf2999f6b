package gateway

import "context"

// Principal is the validated identity handed to downstream handlers.
type Principal struct {
	Subject string `json:"subject"`
	Role    string `json:"role"`
	Tenant  string `json:"tenant"`
}

type ctxPrincipalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, ctxPrincipalKey{}, p)
}

func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(ctxPrincipalKey{}).(Principal)
	return p, ok
}
