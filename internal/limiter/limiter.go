// Package limiter implements the sliding-window admission decision on top of
// a counting store.
//
// The algorithm is the sliding-window counter approximation: the trailing
// window count is estimated as prev*(1-f) + curr, where f is the elapsed
// fraction of the current fixed bucket and curr excludes the attempt being
// judged. This avoids the double-burst flaw of
// naive fixed windows without keeping a timestamp log per key. A request is
// admitted iff the estimate is strictly below the quota; exactly-at-limit
// denies. Attempts are counted unconditionally, admitted or not, so the
// counters also feed suspicious-activity scoring.
package limiter

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/keithlinneman/quotagate/internal/policy"
	"github.com/keithlinneman/quotagate/internal/store"
)

// Decision is the admission verdict plus the quota metadata the host needs to
// build Retry-After and X-RateLimit-* headers. Produced fresh per call, never
// persisted by the engine.
type Decision struct {
	Allowed   bool
	Policy    string
	Limit     int
	Remaining int

	// ResetAt is when the current fixed bucket ends.
	ResetAt time.Time

	// RetryAfter is how long a denied caller must wait for the estimate to
	// drop below the quota by one unit. Zero when allowed or bypassed.
	RetryAfter time.Duration

	// Reason tags the outcome: "ok", "quota_exceeded", "bypass_admin",
	// "bypass_whitelist", plus "ip_fallback" when USER scope had no subject.
	Reason string

	// Message and CulturalMessage are carried through from the policy
	// untouched; audience-specific copy selection belongs to the host.
	Message         string
	CulturalMessage string
}

// Outcome reason tags.
const (
	ReasonOK              = "ok"
	ReasonQuotaExceeded   = "quota_exceeded"
	ReasonBypassAdmin     = "bypass_admin"
	ReasonBypassWhitelist = "bypass_whitelist"
	ReasonIPFallback      = "ip_fallback"
	ReasonStoreError      = "store_error"
)

// JoinReasons combines an outcome tag with qualifier tags like ip_fallback.
func JoinReasons(tags ...string) string {
	out := tags[:0:0]
	for _, t := range tags {
		if t != "" {
			out = append(out, t)
		}
	}
	return strings.Join(out, ",")
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds for the header.
func (d Decision) RetryAfterSeconds() int {
	if d.RetryAfter <= 0 {
		return 0
	}
	return int(math.Ceil(d.RetryAfter.Seconds()))
}

// SlidingWindow decides allow/deny for a (key, policy) pair. Its only
// dependency is the store; it holds no per-key state of its own, so one
// instance serves every policy concurrently.
type SlidingWindow struct {
	store store.Store
	now   func() time.Time
}

// Option tweaks a SlidingWindow.
type Option func(*SlidingWindow)

// WithClock injects the time source, used by tests to pin bucket boundaries.
func WithClock(now func() time.Time) Option {
	return func(l *SlidingWindow) { l.now = now }
}

func New(s store.Store, opts ...Option) *SlidingWindow {
	l := &SlidingWindow{store: s, now: time.Now}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Allow records one attempt against key and decides admission under pol.
// The store increment happens before the verdict is computed, so the count
// reflects attempts; a cancelled caller is still an attempt and is never
// rolled back. A non-nil error means the store itself failed; the engine
// treats that as fail-open, never fail-closed.
func (l *SlidingWindow) Allow(ctx context.Context, key string, pol policy.Policy) (Decision, error) {
	now := l.now()
	d := Decision{
		Policy:          pol.Name,
		Limit:           pol.MaxRequests,
		Message:         pol.Message,
		CulturalMessage: pol.CulturalMessage,
	}

	// registry validation prevents these, but a zero-value policy slipping
	// through must deny, not divide by zero
	if pol.MaxRequests <= 0 || pol.Window <= 0 {
		d.Reason = ReasonQuotaExceeded
		d.ResetAt = now
		d.RetryAfter = time.Second
		return d, nil
	}

	sample, err := l.store.Incr(ctx, key, pol.Window, now)
	if err != nil {
		return d, err
	}

	bucketStart := store.BucketStart(now, pol.Window)
	d.ResetAt = bucketStart.Add(pol.Window)

	f := float64(now.Sub(bucketStart)) / float64(pol.Window)
	estimate := float64(sample.Previous)*(1-f) + float64(sample.Current-1)

	max := float64(pol.MaxRequests)
	if estimate < max {
		d.Allowed = true
		d.Reason = ReasonOK
		d.Remaining = pol.MaxRequests - 1 - int(math.Floor(estimate))
		if d.Remaining < 0 {
			d.Remaining = 0
		}
		return d, nil
	}

	d.Reason = ReasonQuotaExceeded
	d.RetryAfter = l.retryAfter(pol, sample, bucketStart, now)
	return d, nil
}

// Reset clears all counted state for key.
func (l *SlidingWindow) Reset(ctx context.Context, key string) error {
	return l.store.Reset(ctx, key)
}

// retryAfter solves directly for the earliest time the estimate is projected
// to admit again, instead of making clients poll.
//
// When the current bucket alone holds at least max attempts, nothing admits
// until those attempts age out of the trailing window; they are tracked by
// the bucket's earliest-attempt timestamp. Otherwise the denial is driven by
// the previous bucket's weighted tail, which decays linearly within the
// current bucket, so the crossing point has a closed form.
func (l *SlidingWindow) retryAfter(pol policy.Policy, s store.Sample, bucketStart, now time.Time) time.Duration {
	max := int64(pol.MaxRequests)

	var at time.Time
	if s.Current >= max {
		at = s.First.Add(pol.Window)
	} else {
		// prev*(1-f) + curr <= max-1  =>  f >= 1 - (max-1-curr)/prev
		needF := 1 - float64(max-1-s.Current)/float64(s.Previous)
		if needF < 0 {
			needF = 0
		}
		at = bucketStart.Add(time.Duration(needF * float64(pol.Window)))
	}

	retry := at.Sub(now)
	if retry < time.Second {
		retry = time.Second
	}
	if retry > pol.Window {
		retry = pol.Window
	}
	return retry
}
