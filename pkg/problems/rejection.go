package problems

import (
	"errors"
	"time"
)

// Kind classifies why the gateway refused a request.
type Kind int

const (
	SignatureInvalid Kind = iota + 1
	Expired
	MalformedToken
	LockedOut
	TenantMissing
	TenantMismatch
	TenantInvalid
	HandshakeStateInvalid
	HandshakeMalformed
	OriginRejected
	StoreUnavailable
	CredentialsInvalid
	Forbidden
)

var kindNames = map[Kind]string{
	SignatureInvalid:      "signature_invalid",
	Expired:               "expired",
	MalformedToken:        "malformed_token",
	LockedOut:             "locked_out",
	TenantMissing:         "tenant_missing",
	TenantMismatch:        "tenant_mismatch",
	TenantInvalid:         "tenant_invalid",
	HandshakeStateInvalid: "handshake_state_invalid",
	HandshakeMalformed:    "handshake_malformed",
	OriginRejected:        "origin_rejected",
	StoreUnavailable:      "store_unavailable",
	CredentialsInvalid:    "credentials_invalid",
	Forbidden:             "forbidden",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// Infrastructure reports whether the kind is an availability failure rather
// than a security rejection.
func (k Kind) Infrastructure() bool { return k == StoreUnavailable }

// Rejection is the terminal outcome of a failed gateway stage. Reason is a
// short machine-readable code that only ever reaches the log sink.
type Rejection struct {
	Kind       Kind
	Reason     string
	RetryAfter time.Duration
	Err        error
}

func (r *Rejection) Error() string {
	msg := r.Kind.String()
	if r.Reason != "" {
		msg += ": " + r.Reason
	}
	if r.Err != nil {
		msg += ": " + r.Err.Error()
	}
	return msg
}

func (r *Rejection) Unwrap() error { return r.Err }

// Is matches another *Rejection by kind, so errors.Is(err, &Rejection{Kind: Expired}) works.
func (r *Rejection) Is(target error) bool {
	t, ok := target.(*Rejection)
	return ok && t.Kind == r.Kind
}

// Reject builds a rejection of kind k.
func Reject(k Kind, reason string, err error) *Rejection {
	return &Rejection{Kind: k, Reason: reason, Err: err}
}

// Locked builds a LockedOut rejection carrying the remaining cooldown.
func Locked(reason string, retryAfter time.Duration) *Rejection {
	return &Rejection{Kind: LockedOut, Reason: reason, RetryAfter: retryAfter}
}

// AsRejection unwraps err into a *Rejection.
func AsRejection(err error) (*Rejection, bool) {
	var rej *Rejection
	if errors.As(err, &rej) {
		return rej, true
	}
	return nil, false
}

// KindOf returns the rejection kind of err, or 0 when err is not a rejection.
func KindOf(err error) Kind {
	if rej, ok := AsRejection(err); ok {
		return rej.Kind
	}
	return 0
}
