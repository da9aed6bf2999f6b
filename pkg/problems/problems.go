package problems

import (
	"encoding/json"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

// Base returns the base URL for problem type identifiers.
// Order of precedence:
// 1. PROBLEM_BASE_URL (exact base, e.g. https://mydomain.com/problems)
// 2. BASE_PUBLIC_URL + "/problems" (if set)
// 3. https://example.com/problems (fallback)
func Base() string {
	if b := os.Getenv("PROBLEM_BASE_URL"); b != "" {
		return strings.TrimRight(b, "/")
	}
	if b := os.Getenv("BASE_PUBLIC_URL"); b != "" {
		return strings.TrimRight(b, "/") + "/problems"
	}
	return "https://example.com/problems"
}

// Type builds a full problem type URL for the given slug.
func Type(slug string) string { return Base() + "/" + slug }

// Problem is the RFC 7807 body written for every gateway rejection.
type Problem struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Status maps a rejection kind onto the caller-visible HTTP status.
// Internal distinctions between 401 kinds are not observable by the caller.
func Status(k Kind) int {
	switch k {
	case LockedOut:
		return http.StatusLocked
	case HandshakeMalformed:
		return http.StatusBadRequest
	case Forbidden:
		return http.StatusForbidden
	case StoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusUnauthorized
	}
}

// problemFor returns the public body for a status. Every 401 shares one body.
func problemFor(status int) Problem {
	switch status {
	case http.StatusLocked:
		return Problem{Type: Type("locked"), Title: "Too many failed attempts", Status: status, Detail: "Try again later"}
	case http.StatusBadRequest:
		return Problem{Type: Type("bad-request"), Title: "Malformed request", Status: status}
	case http.StatusForbidden:
		return Problem{Type: Type("forbidden"), Title: "Forbidden", Status: status}
	case http.StatusServiceUnavailable:
		return Problem{Type: Type("unavailable"), Title: "Service temporarily unavailable", Status: status}
	default:
		return Problem{Type: Type("unauthorized"), Title: "Unauthorized", Status: http.StatusUnauthorized}
	}
}

// Write converts err into the HTTP error surface. Errors that are not a
// *Rejection are treated as an infrastructure failure.
func Write(w http.ResponseWriter, err error) {
	rej, ok := AsRejection(err)
	if !ok {
		rej = Reject(StoreUnavailable, "internal", err)
	}
	status := Status(rej.Kind)
	if rej.Kind == LockedOut && rej.RetryAfter > 0 {
		secs := int((rej.RetryAfter + time.Second - 1) / time.Second)
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="tenantgate"`)
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problemFor(status))
}
