// Package attempts tracks failed credential submissions and computes
// progressive lockout per (principal, source IP), plus an independent
// per-IP abuse counter.
package attempts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"tenantgate/internal/audit"
	"tenantgate/pkg/kv"
	"tenantgate/pkg/problems"
)

// Level is one row of an escalation table.
type Level struct {
	Threshold int64
	Cooldown  time.Duration
}

var (
	DefaultLevels = []Level{
		{Threshold: 5, Cooldown: 5 * time.Minute},
		{Threshold: 10, Cooldown: 10 * time.Minute},
		{Threshold: 15, Cooldown: 30 * time.Minute},
		{Threshold: 20, Cooldown: 60 * time.Minute},
	}
	DefaultIPLevels = []Level{
		{Threshold: 50, Cooldown: 15 * time.Minute},
		{Threshold: 100, Cooldown: 60 * time.Minute},
	}
)

// Key identifies the record. Tenant is only part of the key when the
// tracker is tenant scoped.
type Key struct {
	Principal string
	IP        string
	Tenant    string
}

// Status is the read-only lockout view consulted before a credential check.
type Status struct {
	Locked     bool
	RetryAfter time.Duration
	// Scope is "pair" or "ip" when locked.
	Scope string
	Level int
}

// Record is the state after a failure was recorded.
type Record struct {
	Count       int64
	Level       int
	LockedUntil time.Time
	IPCount     int64
	IPLocked    bool
}

type Tracker struct {
	store       kv.Store
	levels      []Level
	ipLevels    []Level
	window      time.Duration
	timeout     time.Duration
	tenantScope bool
	degraded    bool
	now         func() time.Time
	log         *zap.SugaredLogger
	events      audit.Emitter
}

type Option func(*Tracker)

func WithLevels(pair, ip []Level) Option {
	return func(t *Tracker) {
		if len(pair) > 0 {
			t.levels = pair
		}
		if len(ip) > 0 {
			t.ipLevels = ip
		}
	}
}

func WithWindow(d time.Duration) Option { return func(t *Tracker) { t.window = d } }

// WithWriteTimeout bounds writes that outlive the request context.
func WithWriteTimeout(d time.Duration) Option { return func(t *Tracker) { t.timeout = d } }

// WithTenantScope includes the tenant in the record key.
func WithTenantScope(on bool) Option { return func(t *Tracker) { t.tenantScope = on } }

// WithDegraded makes store outages non-fatal for lockout checks. Operators
// must opt in explicitly.
func WithDegraded(on bool) Option { return func(t *Tracker) { t.degraded = on } }

func WithClock(now func() time.Time) Option { return func(t *Tracker) { t.now = now } }

func WithEvents(e audit.Emitter) Option { return func(t *Tracker) { t.events = e } }

func New(store kv.Store, log *zap.SugaredLogger, opts ...Option) *Tracker {
	t := &Tracker{
		store:    store,
		levels:   DefaultLevels,
		ipLevels: DefaultIPLevels,
		window:   72 * time.Hour,
		timeout:  time.Second,
		now:      time.Now,
		log:      log,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// TenantScoped reports whether records are keyed per tenant.
func (t *Tracker) TenantScoped() bool { return t.tenantScope }

// CheckLockout reports whether the pair or the source IP is currently locked.
func (t *Tracker) CheckLockout(ctx context.Context, k Key) (Status, error) {
	now := t.now()
	pair, err := t.readLock(ctx, t.pairKey(k)+":lock", now)
	if err != nil {
		return t.degradedStatus("check_pair", err)
	}
	ip, err := t.readLock(ctx, ipKey(k.IP)+":lock", now)
	if err != nil {
		return t.degradedStatus("check_ip", err)
	}
	switch {
	case pair.Locked && (!ip.Locked || pair.RetryAfter >= ip.RetryAfter):
		pair.Scope = "pair"
		return pair, nil
	case ip.Locked:
		ip.Scope = "ip"
		return ip, nil
	}
	return Status{}, nil
}

// RecordFailure counts one failed attempt. Once started the writes are not
// interrupted by request cancellation; a context that is already done
// records nothing.
func (t *Tracker) RecordFailure(ctx context.Context, k Key) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.timeout)
	defer cancel()

	now := t.now()
	var rec Record
	pk := t.pairKey(k)
	n, err := t.store.Increment(wctx, pk, t.window)
	if err != nil {
		return t.degradedRecord("record_pair", err)
	}
	rec.Count = n
	if idx, ok := levelFor(t.levels, n); ok {
		lv := t.levels[idx]
		rec.Level = idx + 1
		rec.LockedUntil = now.Add(lv.Cooldown)
		if _, err := t.store.SetIfGreater(wctx, pk+":lock", encodeLock(rec.LockedUntil, rec.Level), lv.Cooldown); err != nil {
			return t.degradedRecord("lock_pair", err)
		}
	}

	if k.IP == "" {
		return rec, nil
	}
	ik := ipKey(k.IP)
	m, err := t.store.Increment(wctx, ik, t.window)
	if err != nil {
		return t.degradedRecord("record_ip", err)
	}
	rec.IPCount = m
	if idx, ok := levelFor(t.ipLevels, m); ok {
		lv := t.ipLevels[idx]
		rec.IPLocked = true
		if _, err := t.store.SetIfGreater(wctx, ik+":lock", encodeLock(now.Add(lv.Cooldown), idx+1), lv.Cooldown); err != nil {
			return t.degradedRecord("lock_ip", err)
		}
	}
	return rec, nil
}

// RecordSuccess clears the pair record. The IP-level counter is left alone.
func (t *Tracker) RecordSuccess(ctx context.Context, k Key) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.timeout)
	defer cancel()
	pk := t.pairKey(k)
	if err := t.store.Delete(wctx, pk, pk+":lock"); err != nil {
		if t.degraded {
			t.log.Warnw("attempt reset skipped, store unavailable", "err", err)
			return nil
		}
		return problems.Reject(problems.StoreUnavailable, "reset_pair", err)
	}
	return nil
}

// Unlock is an administrative force-unlock. With an empty principal it clears
// the IP-level record instead. It is always audited as a distinct event.
func (t *Tracker) Unlock(ctx context.Context, k Key, actor string) error {
	var keys []string
	if k.Principal == "" {
		if k.IP == "" {
			return errors.New("unlock: principal or ip required")
		}
		ik := ipKey(k.IP)
		keys = []string{ik, ik + ":lock"}
	} else {
		pk := t.pairKey(k)
		keys = []string{pk, pk + ":lock"}
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.timeout)
	defer cancel()
	if err := t.store.Delete(wctx, keys...); err != nil {
		return problems.Reject(problems.StoreUnavailable, "unlock", err)
	}
	if t.events != nil {
		reason := "admin_pair"
		if k.Principal == "" {
			reason = "admin_ip"
		}
		t.events.Emit(ctx, audit.Event{
			Name:      audit.EventUnlocked,
			Reason:    reason,
			Client:    k.IP,
			Principal: k.Principal,
			Tenant:    k.Tenant,
			Actor:     actor,
		})
	}
	return nil
}

func (t *Tracker) readLock(ctx context.Context, key string, now time.Time) (Status, error) {
	v, ok, err := t.store.Get(ctx, key)
	if err != nil || !ok {
		return Status{}, err
	}
	until, level, err := decodeLock(v)
	if err != nil {
		t.log.Warnw("discarding unreadable lock record", "err", err)
		return Status{}, nil
	}
	if !until.After(now) {
		return Status{}, nil
	}
	return Status{Locked: true, RetryAfter: until.Sub(now), Level: level}, nil
}

func (t *Tracker) degradedStatus(op string, err error) (Status, error) {
	if t.degraded {
		t.log.Warnw("lockout check skipped, store unavailable", "op", op, "err", err)
		return Status{}, nil
	}
	return Status{}, problems.Reject(problems.StoreUnavailable, op, err)
}

func (t *Tracker) degradedRecord(op string, err error) (Record, error) {
	if t.degraded {
		t.log.Warnw("failed attempt not recorded, store unavailable", "op", op, "err", err)
		return Record{}, nil
	}
	return Record{}, problems.Reject(problems.StoreUnavailable, op, err)
}

// pairKey hashes the identity so raw principals never become store keys.
func (t *Tracker) pairKey(k Key) string {
	parts := []string{normalizePrincipal(k.Principal), k.IP}
	if t.tenantScope {
		parts = append(parts, k.Tenant)
	}
	h := sha256.Sum256([]byte(strings.Join(parts, "\x00")))
	return "attempts:pair:" + hex.EncodeToString(h[:])
}

func ipKey(ip string) string { return "attempts:ip:" + ip }

func normalizePrincipal(p string) string { return strings.ToLower(strings.TrimSpace(p)) }

// levelFor returns the table row triggered by exactly n failures. Counts past
// the last threshold re-apply the top row.
func levelFor(levels []Level, n int64) (int, bool) {
	if len(levels) == 0 {
		return 0, false
	}
	for i, lv := range levels {
		if n == lv.Threshold {
			return i, true
		}
	}
	if last := len(levels) - 1; n > levels[last].Threshold {
		return last, true
	}
	return 0, false
}

// encodeLock renders a lock as fixed-width "level:untilMillis" so that byte
// order equals (level, until) order. Lock writes go through SetIfGreater and
// can therefore never replace a heavier lock with a lighter one.
func encodeLock(until time.Time, level int) string {
	return fmt.Sprintf("%03d:%013d", level, until.UnixMilli())
}

func decodeLock(v string) (time.Time, int, error) {
	lv, ms, ok := strings.Cut(v, ":")
	if !ok {
		return time.Time{}, 0, fmt.Errorf("lock record %q", v)
	}
	m, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return time.Time{}, 0, err
	}
	l, err := strconv.Atoi(lv)
	if err != nil {
		return time.Time{}, 0, err
	}
	return time.UnixMilli(m), l, nil
}
