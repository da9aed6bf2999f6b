package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var opDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "tenantgate_store_op_duration_seconds",
	Help:    "Latency of shared store operations.",
	Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
}, []string{"op"})

// KEYS[1] = counter key, ARGV[1] = ttl in ms.
// The TTL is refreshed on every increment, which makes the window sliding.
var incrementScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
redis.call('PEXPIRE', KEYS[1], ARGV[1])
return n
`)

// KEYS[1] = key, ARGV[1] = expected value. Returns 1 when deleted.
var compareAndDeleteScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`)

// KEYS[1] = key, ARGV[1] = value, ARGV[2] = ttl in ms. Returns 1 when written.
var setIfGreaterScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur and cur >= ARGV[1] then
    return 0
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
return 1
`)

// Redis is the production Store. All keys are namespaced by prefix.
type Redis struct {
	rdb     redis.UniversalClient
	prefix  string
	timeout time.Duration
}

func NewRedis(rdb redis.UniversalClient, prefix string, timeout time.Duration) *Redis {
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	return &Redis{rdb: rdb, prefix: prefix, timeout: timeout}
}

// do runs one store round trip under the op timeout, with a span and a latency sample.
func (s *Redis) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	ctx, span := otel.Tracer("tenantgate/kv").Start(ctx, "kv."+op)
	span.SetAttributes(attribute.String("db.system", "redis"))
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	opDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil && !errors.Is(err, redis.Nil) {
		span.RecordError(err)
		span.SetStatus(codes.Error, op)
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
	}
	return err
}

func (s *Redis) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	var n int64
	err := s.do(ctx, "increment", func(ctx context.Context) error {
		var err error
		n, err = incrementScript.Run(ctx, s.rdb, []string{s.prefix + key}, ttl.Milliseconds()).Int64()
		return err
	})
	return n, err
}

func (s *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.do(ctx, "get", func(ctx context.Context) error {
		var err error
		v, err = s.rdb.Get(ctx, s.prefix+key).Result()
		return err
	})
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *Redis) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.do(ctx, "set", func(ctx context.Context) error {
		return s.rdb.Set(ctx, s.prefix+key, value, ttl).Err()
	})
}

func (s *Redis) SetIfGreater(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	var n int64
	err := s.do(ctx, "set_if_greater", func(ctx context.Context) error {
		var err error
		n, err = setIfGreaterScript.Run(ctx, s.rdb, []string{s.prefix + key}, value, ttl.Milliseconds()).Int64()
		return err
	})
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Redis) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	var n int64
	err := s.do(ctx, "compare_and_delete", func(ctx context.Context) error {
		var err error
		n, err = compareAndDeleteScript.Run(ctx, s.rdb, []string{s.prefix + key}, expected).Int64()
		return err
	})
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Redis) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = s.prefix + k
	}
	return s.do(ctx, "delete", func(ctx context.Context) error {
		return s.rdb.Del(ctx, full...).Err()
	})
}
