// Package audit records security events: one structured log entry per event,
// a Prometheus counter, and optionally an append-only Postgres row.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

const (
	EventFail         = "auth.fail"
	EventLockout      = "auth.lockout"
	EventTenantReject = "auth.tenant_reject"
	EventOAuthReject  = "auth.oauth_reject"
	EventUnlocked     = "auth.unlocked"
	EventOriginReject = "auth.origin_reject"
	EventStoreFailure = "auth.store_unavailable"
)

var (
	eventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tenantgate_security_events_total",
		Help: "Security events by name.",
	}, []string{"event"})
	rejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tenantgate_rejections_total",
		Help: "Gateway rejections by internal kind.",
	}, []string{"kind"})
)

// Event is a single security occurrence. Client and Principal are raw values
// and are redacted before they leave the process.
type Event struct {
	Name      string
	Reason    string
	Kind      string
	Path      string
	Method    string
	Client    string
	Principal string
	Tenant    string
	RequestID string
	Actor     string
	At        time.Time
}

// Emitter is what the gateway components depend on.
type Emitter interface {
	Emit(ctx context.Context, e Event)
}

type Sink struct {
	log  *zap.SugaredLogger
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewSink builds a sink. pool may be nil, in which case events are only logged.
func NewSink(log *zap.SugaredLogger, pool *pgxpool.Pool) *Sink {
	return &Sink{log: log, pool: pool, now: time.Now}
}

func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS security_events (
	id BIGSERIAL PRIMARY KEY,
	event text NOT NULL,
	reason text,
	kind text,
	path text,
	method text,
	client_hash text,
	principal_hash text,
	tenant_id text,
	request_id text,
	actor text,
	occurred_at timestamptz NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS security_events_occurred_idx ON security_events(occurred_at);
CREATE INDEX IF NOT EXISTS security_events_event_idx ON security_events(event, occurred_at);
`)
	return err
}

func (s *Sink) Emit(ctx context.Context, e Event) {
	if e.At.IsZero() {
		e.At = s.now().UTC()
	}
	eventsTotal.WithLabelValues(e.Name).Inc()
	if e.Kind != "" {
		rejectionsTotal.WithLabelValues(e.Kind).Inc()
	}

	client, principal := Redact(e.Client), Redact(e.Principal)
	kv := []any{
		"event", e.Name,
		"reason", e.Reason,
		"path", e.Path,
		"method", e.Method,
		"client", client,
		"request_id", e.RequestID,
		"at", e.At,
	}
	if e.Kind != "" {
		kv = append(kv, "kind", e.Kind)
	}
	if e.Principal != "" {
		kv = append(kv, "principal", principal)
	}
	if e.Tenant != "" {
		kv = append(kv, "tenant", e.Tenant)
	}
	if e.Actor != "" {
		kv = append(kv, "actor", e.Actor)
	}
	switch e.Name {
	case EventStoreFailure:
		s.log.Errorw("security event", kv...)
	case EventUnlocked:
		s.log.Infow("security event", kv...)
	default:
		s.log.Warnw("security event", kv...)
	}

	if s.pool == nil {
		return
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	_, err := s.pool.Exec(wctx, `INSERT INTO security_events(event,reason,kind,path,method,client_hash,principal_hash,tenant_id,request_id,actor,occurred_at)
	 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		e.Name, e.Reason, e.Kind, e.Path, e.Method, client, principal, e.Tenant, e.RequestID, e.Actor, e.At)
	if err != nil {
		s.log.Errorw("audit persist failed", "event", e.Name, "err", err)
	}
}

// Redact returns a short stable digest suitable for correlating log lines.
func Redact(v string) string {
	if v == "" {
		return ""
	}
	h := sha256.Sum256([]byte(v))
	return hex.EncodeToString(h[:])[:16]
}

// Recorder keeps events in memory for tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(_ context.Context, e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Names lists the names of recorded events in order.
func (r *Recorder) Names() []string {
	evs := r.Events()
	out := make([]string, len(evs))
	for i, e := range evs {
		out[i] = e.Name
	}
	return out
}
