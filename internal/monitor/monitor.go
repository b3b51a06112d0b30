// Package monitor aggregates admission decisions and detector output into
// metrics and threshold-crossing alerts. It is a pure consumer: nothing here
// feeds back into the limiter's decision.
package monitor

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/keithlinneman/quotagate/internal/alert"
	"github.com/keithlinneman/quotagate/internal/engine"
	"github.com/keithlinneman/quotagate/internal/limiter"
	"github.com/keithlinneman/quotagate/internal/log"
	"github.com/keithlinneman/quotagate/internal/metrics"
)

// Thresholds are the quota-utilization fractions that raise alerts.
type Thresholds struct {
	Warning  float64
	Alert    float64
	Critical float64
}

// DefaultThresholds matches the usual warn/alert/critical ladder.
func DefaultThresholds() Thresholds {
	return Thresholds{Warning: 0.6, Alert: 0.8, Critical: 0.95}
}

// PolicyStats is the rolling view of one policy, for the ops surface.
type PolicyStats struct {
	Allowed     int64   `json:"allowed"`
	Denied      int64   `json:"denied"`
	Bypassed    int64   `json:"bypassed"`
	Utilization float64 `json:"utilization"`
}

const recentCap = 256

// Monitor implements engine.Sink and receives detector events via OnAlert.
type Monitor struct {
	mu       sync.Mutex
	policies map[string]*PolicyStats
	recent   []alert.Event
	lastEmit map[string]time.Time

	th       Thresholds
	cooldown time.Duration
	m        *metrics.Metrics
	lg       log.Logger
	now      func() time.Time
}

// Option tweaks a Monitor.
type Option func(*Monitor)

// WithCooldown sets the per-(policy, subject) alert suppression window,
// default one minute. Idempotent emission within the window prevents alert
// storms when a subject hammers a saturated quota.
func WithCooldown(d time.Duration) Option {
	return func(mo *Monitor) { mo.cooldown = d }
}

// WithClock injects the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(mo *Monitor) { mo.now = now }
}

func New(th Thresholds, m *metrics.Metrics, lg log.Logger, opts ...Option) *Monitor {
	mo := &Monitor{
		policies: make(map[string]*PolicyStats),
		lastEmit: make(map[string]time.Time),
		th:       th,
		cooldown: time.Minute,
		m:        m,
		lg:       lg,
		now:      time.Now,
	}
	for _, o := range opts {
		o(mo)
	}
	return mo
}

// Observe implements engine.Sink.
func (mo *Monitor) Observe(ctx context.Context, req engine.Request, dec limiter.Decision) {
	outcome := "allowed"
	switch {
	case strings.HasPrefix(dec.Reason, "bypass"):
		outcome = "bypassed"
	case !dec.Allowed:
		outcome = "denied"
	}
	if mo.m != nil {
		mo.m.ObserveDecision(dec.Policy, outcome)
	}

	ratio := utilization(dec)
	if mo.m != nil && dec.Limit > 0 {
		mo.m.SetUtilization(dec.Policy, ratio)
	}

	mo.mu.Lock()
	st, ok := mo.policies[dec.Policy]
	if !ok {
		st = &PolicyStats{}
		mo.policies[dec.Policy] = st
	}
	switch outcome {
	case "allowed":
		st.Allowed++
	case "denied":
		st.Denied++
	case "bypassed":
		st.Bypassed++
	}
	st.Utilization = ratio
	mo.mu.Unlock()

	if sev, crossed := mo.severityFor(ratio); crossed {
		subject := req.SubjectID
		if subject == "" {
			subject = req.IP
		}
		mo.raise(ctx, alert.Event{
			Time:     mo.now(),
			Severity: sev,
			Kind:     "quota_utilization",
			Policy:   dec.Policy,
			Subject:  subject,
			Value:    ratio,
			Limit:    mo.thresholdFor(sev),
		})
	}
}

// OnAlert receives detector events.
func (mo *Monitor) OnAlert(ev alert.Event) {
	mo.record(ev)
}

// raise emits a quota alert unless one for the same (policy, subject) fired
// within the cooldown.
func (mo *Monitor) raise(ctx context.Context, ev alert.Event) {
	key := ev.Policy + "\x1f" + ev.Subject

	mo.mu.Lock()
	if last, ok := mo.lastEmit[key]; ok && ev.Time.Sub(last) < mo.cooldown {
		mo.mu.Unlock()
		return
	}
	mo.lastEmit[key] = ev.Time
	// keep the cooldown map from growing without bound under churn
	if len(mo.lastEmit) > 4*recentCap {
		cutoff := ev.Time.Add(-mo.cooldown)
		for k, t := range mo.lastEmit {
			if t.Before(cutoff) {
				delete(mo.lastEmit, k)
			}
		}
	}
	mo.mu.Unlock()

	mo.record(ev)
	if mo.lg != nil {
		mo.lg.Warn(ctx, "quota utilization threshold crossed",
			"policy", ev.Policy,
			"subject", ev.Subject,
			"severity", ev.Severity.String(),
			"utilization", ev.Value,
		)
	}
}

func (mo *Monitor) record(ev alert.Event) {
	if mo.m != nil {
		mo.m.IncAlert(ev.Kind, ev.Severity.String())
	}
	mo.mu.Lock()
	mo.recent = append(mo.recent, ev)
	if len(mo.recent) > recentCap {
		mo.recent = mo.recent[len(mo.recent)-recentCap:]
	}
	mo.mu.Unlock()
}

// RecentAlerts returns up to n most recent alert events, newest last.
func (mo *Monitor) RecentAlerts(n int) []alert.Event {
	mo.mu.Lock()
	defer mo.mu.Unlock()
	if n <= 0 || n > len(mo.recent) {
		n = len(mo.recent)
	}
	out := make([]alert.Event, n)
	copy(out, mo.recent[len(mo.recent)-n:])
	return out
}

// Snapshot returns the per-policy rolling stats.
func (mo *Monitor) Snapshot() map[string]PolicyStats {
	mo.mu.Lock()
	defer mo.mu.Unlock()
	out := make(map[string]PolicyStats, len(mo.policies))
	for name, st := range mo.policies {
		out[name] = *st
	}
	return out
}

func (mo *Monitor) severityFor(ratio float64) (alert.Severity, bool) {
	switch {
	case mo.th.Critical > 0 && ratio >= mo.th.Critical:
		return alert.SeverityCritical, true
	case mo.th.Alert > 0 && ratio >= mo.th.Alert:
		return alert.SeverityAlert, true
	case mo.th.Warning > 0 && ratio >= mo.th.Warning:
		return alert.SeverityWarning, true
	default:
		return 0, false
	}
}

func (mo *Monitor) thresholdFor(sev alert.Severity) float64 {
	switch sev {
	case alert.SeverityCritical:
		return mo.th.Critical
	case alert.SeverityAlert:
		return mo.th.Alert
	default:
		return mo.th.Warning
	}
}

// utilization is the consumed fraction of the quota at decision time.
func utilization(dec limiter.Decision) float64 {
	if dec.Limit <= 0 {
		return 0
	}
	u := float64(dec.Limit-dec.Remaining) / float64(dec.Limit)
	if u < 0 {
		return 0
	}
	if u > 1 {
		return 1
	}
	return u
}
