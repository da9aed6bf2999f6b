// pkg/middleware/clientip.go
package middleware

import (
	"context"
	"net"
	"net/http"
	"strings"
)

type ctxClientIPKey struct{}

// ClientIP resolves the caller address once per request. Forwarding headers
// are honoured only when trustProxy is set; trustedProxies counts the hops we
// control from the right of X-Forwarded-For.
func ClientIP(trustProxy bool, trustedProxies int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := ResolveClientIP(r, trustProxy, trustedProxies)
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxClientIPKey{}, ip)))
		})
	}
}

func ClientIPFrom(ctx context.Context) string {
	if v, ok := ctx.Value(ctxClientIPKey{}).(string); ok {
		return v
	}
	return ""
}

func ResolveClientIP(r *http.Request, trustProxy bool, trustedProxies int) string {
	if trustProxy {
		if ip := fromXFF(r.Header.Get("X-Forwarded-For"), trustedProxies); ip != "" {
			return ip
		}
		if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); net.ParseIP(xri) != nil {
			return xri
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func fromXFF(xff string, trustedProxies int) string {
	if xff == "" {
		return ""
	}
	ips := strings.Split(xff, ",")
	if trustedProxies <= 0 {
		trustedProxies = 1
	}
	i := len(ips) - trustedProxies
	if i < 0 {
		i = 0
	}
	ip := strings.TrimSpace(ips[i])
	if net.ParseIP(ip) == nil {
		return ""
	}
	return ip
}
