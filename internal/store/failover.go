package store

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/keithlinneman/quotagate/internal/log"
)

// Failover serves counting from the distributed backend and switches to the
// in-process backend for the duration of an outage. The switch is transparent
// to callers: Incr never returns a backend error, it returns a process-local
// sample instead. That relaxes consistency (per-process quotas) but never
// tightens it, and availability of the protected endpoint wins over perfect
// accuracy during an outage.
type Failover struct {
	primary  Store
	fallback Store

	// probation is how long to keep serving locally before re-probing the
	// primary on the next call. Reconnection is lazy, no background dialer.
	probation time.Duration

	degraded atomic.Bool
	retryAt  atomic.Int64 // unix nanos of the next primary probe

	lg       log.Logger
	warnOnce rate.Sometimes

	// OnDegraded is invoked on every state transition, used to drive the
	// fallback_active gauge. May be nil.
	OnDegraded func(active bool)

	// OnPrimaryError is invoked per failed primary round trip. May be nil.
	OnPrimaryError func()
}

// FailoverOption tweaks a Failover.
type FailoverOption func(*Failover)

// WithProbation sets how long an outage keeps the store on the local backend
// before the primary is probed again.
func WithProbation(d time.Duration) FailoverOption {
	return func(f *Failover) { f.probation = d }
}

// WithDegradedHook sets the state-transition callback.
func WithDegradedHook(fn func(active bool)) FailoverOption {
	return func(f *Failover) { f.OnDegraded = fn }
}

// WithPrimaryErrorHook sets the per-error callback.
func WithPrimaryErrorHook(fn func()) FailoverOption {
	return func(f *Failover) { f.OnPrimaryError = fn }
}

// NewFailover wraps primary with automatic fallback to the local backend.
func NewFailover(primary, fallback Store, lg log.Logger, opts ...FailoverOption) *Failover {
	f := &Failover{
		primary:   primary,
		fallback:  fallback,
		probation: 5 * time.Second,
		lg:        lg,
		// one warn per interval, outages are noisy enough without a log line per request
		warnOnce: rate.Sometimes{Interval: 30 * time.Second},
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Degraded reports whether counting is currently process-local.
func (f *Failover) Degraded() bool { return f.degraded.Load() }

// Incr implements Store. A primary failure is absorbed here: the request is
// counted locally and the error is logged, never propagated.
func (f *Failover) Incr(ctx context.Context, key string, window time.Duration, now time.Time) (Sample, error) {
	if f.degraded.Load() && now.UnixNano() < f.retryAt.Load() {
		return f.fallback.Incr(ctx, key, window, now)
	}

	s, err := f.primary.Incr(ctx, key, window, now)
	if err == nil {
		if f.degraded.CompareAndSwap(true, false) {
			f.lg.Info(ctx, "counter store recovered, resuming distributed counting")
			if f.OnDegraded != nil {
				f.OnDegraded(false)
			}
		}
		return s, nil
	}

	if f.OnPrimaryError != nil {
		f.OnPrimaryError()
	}
	f.retryAt.Store(now.Add(f.probation).UnixNano())
	if f.degraded.CompareAndSwap(false, true) {
		f.lg.Warn(ctx, "counter store unreachable, degrading to in-process counting", "err", err.Error())
		if f.OnDegraded != nil {
			f.OnDegraded(true)
		}
	} else {
		f.warnOnce.Do(func() {
			f.lg.Warn(ctx, "counter store still unreachable", "err", err.Error())
		})
	}
	return f.fallback.Incr(ctx, key, window, now)
}

// Reset implements Store. Both backends are cleared so a recovery doesn't
// resurrect counts a caller asked to drop.
func (f *Failover) Reset(ctx context.Context, key string) error {
	ferr := f.fallback.Reset(ctx, key)
	if f.degraded.Load() {
		return ferr
	}
	if err := f.primary.Reset(ctx, key); err != nil {
		return err
	}
	return ferr
}
