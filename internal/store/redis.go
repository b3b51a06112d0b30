package store

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/keithlinneman/quotagate/internal/xerrors"
)

// incrScript does the whole bucket update in one round trip so concurrent
// callers across processes always read a consistent post-increment snapshot.
// One hash per counter key: numeric epoch fields hold bucket counts,
// "first:<epoch>" holds the earliest attempt of that bucket in unix millis.
// The epoch-2 remnant is deleted on every call so active keys never grow
// unbounded; idle keys die with the hash TTL.
var incrScript = redis.NewScript(`
local curr = redis.call('HINCRBY', KEYS[1], ARGV[2], 1)
redis.call('HSETNX', KEYS[1], 'first:' .. ARGV[2], ARGV[3])
local prev = tonumber(redis.call('HGET', KEYS[1], ARGV[4]) or '0')
local first = tonumber(redis.call('HGET', KEYS[1], 'first:' .. ARGV[2]) or ARGV[3])
redis.call('HDEL', KEYS[1], ARGV[5], 'first:' .. ARGV[5])
redis.call('PEXPIRE', KEYS[1], ARGV[1])
return {curr, prev, first}
`)

// RedisOptions configures the distributed backend.
type RedisOptions struct {
	// Addr is the host:port of the shared redis. May point at a currently
	// unreachable server; the client connects lazily on first use.
	Addr     string
	Password string
	DB       int

	// Timeout bounds every store round trip. On expiry the call reports an
	// error and the failover layer serves the request from local state - the
	// admission path never blocks on a slow backend.
	Timeout time.Duration

	// KeyPrefix namespaces counter hashes, default "qg:".
	KeyPrefix string
}

// Redis is the distributed backend shared across process instances.
type Redis struct {
	rdb    *redis.Client
	prefix string
	limit  time.Duration
}

// NewRedis builds the distributed backend. It does not dial: an absent or
// down redis must not prevent process startup.
func NewRedis(opts RedisOptions) *Redis {
	if opts.Timeout <= 0 {
		opts.Timeout = 150 * time.Millisecond
	}
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = "qg:"
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  opts.Timeout,
		ReadTimeout:  opts.Timeout,
		WriteTimeout: opts.Timeout,
	})
	return &Redis{rdb: rdb, prefix: opts.KeyPrefix, limit: opts.Timeout}
}

// Incr implements Store with a single EVALSHA round trip.
func (r *Redis) Incr(ctx context.Context, key string, window time.Duration, now time.Time) (Sample, error) {
	epoch := BucketEpoch(now, window)
	ttl := 2 * window / time.Millisecond

	cctx, cancel := context.WithTimeout(ctx, r.limit)
	defer cancel()

	res, err := incrScript.Run(cctx, r.rdb,
		[]string{r.prefix + key},
		int64(ttl),
		strconv.FormatInt(epoch, 10),
		now.UnixMilli(),
		strconv.FormatInt(epoch-1, 10),
		strconv.FormatInt(epoch-2, 10),
	).Result()
	if err != nil {
		return Sample{}, xerrors.Wrap(err, "redis incr")
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 3 {
		return Sample{}, xerrors.Newf("redis incr: unexpected reply %T", res)
	}
	curr, _ := vals[0].(int64)
	prev, _ := vals[1].(int64)
	firstMs, _ := vals[2].(int64)

	return Sample{
		Current:  curr,
		Previous: prev,
		First:    time.UnixMilli(firstMs),
	}, nil
}

// Reset implements Store.
func (r *Redis) Reset(ctx context.Context, key string) error {
	cctx, cancel := context.WithTimeout(ctx, r.limit)
	defer cancel()
	if err := r.rdb.Del(cctx, r.prefix+key).Err(); err != nil {
		return xerrors.Wrap(err, "redis reset")
	}
	return nil
}

// Ping reports whether the backend is reachable, for the readiness probe.
func (r *Redis) Ping(ctx context.Context) error {
	cctx, cancel := context.WithTimeout(ctx, r.limit)
	defer cancel()
	if err := r.rdb.Ping(cctx).Err(); err != nil {
		return xerrors.Wrap(err, "redis ping")
	}
	return nil
}

// Close releases the client's connection pool.
func (r *Redis) Close() error { return r.rdb.Close() }
