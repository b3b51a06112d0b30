// Package detector is the secondary, longer-horizon analyzer. It watches the
// same request descriptors the limiter sees and flags burst rate, endpoint
// fan-out, and repeated authentication failures per subject or IP. It runs
// entirely off the admission path: it never blocks or alters a decision, it
// only emits alert events.
package detector

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/keithlinneman/quotagate/internal/alert"
	"github.com/keithlinneman/quotagate/internal/engine"
	"github.com/keithlinneman/quotagate/internal/limiter"
	"github.com/keithlinneman/quotagate/internal/log"
)

// Thresholds configures the detection rules. Horizons are deliberately longer
// than typical limiter windows; the detector looks for sustained patterns,
// not single bursts the limiter already handles.
type Thresholds struct {
	// RapidRequests fires when one subject/IP exceeds this many requests
	// within RapidWindow.
	RapidRequests int
	RapidWindow   time.Duration

	// EndpointFanout fires when one subject/IP touches this many distinct
	// endpoints within FanoutWindow.
	EndpointFanout int
	FanoutWindow   time.Duration

	// AuthFailures fires on this many failed authentications within
	// AuthFailWindow.
	AuthFailures   int
	AuthFailWindow time.Duration
}

// DefaultThresholds are conservative starting values.
func DefaultThresholds() Thresholds {
	return Thresholds{
		RapidRequests:  120,
		RapidWindow:    time.Minute,
		EndpointFanout: 25,
		FanoutWindow:   5 * time.Minute,
		AuthFailures:   10,
		AuthFailWindow: 5 * time.Minute,
	}
}

// activity is the per-subject sliding state.
type activity struct {
	requests  window
	authFails window
	endpoints map[string]time.Time
	lastSeen  time.Time
	// lastFired suppresses re-emitting the same rule while the subject stays
	// over threshold; cleared once the window slides back under.
	lastFired map[string]time.Time
}

// Detector implements engine.Sink.
type Detector struct {
	mu       sync.Mutex
	subjects map[string]*activity

	th   Thresholds
	emit func(alert.Event)
	lg   log.Logger
	now  func() time.Time
}

// Option tweaks a Detector.
type Option func(*Detector)

// WithClock injects the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(d *Detector) { d.now = now }
}

// New creates the detector and starts its eviction goroutine, stopped by ctx.
// emit receives every alert event; it must not block for long since it runs
// on the engine's dispatch goroutine.
func New(ctx context.Context, th Thresholds, emit func(alert.Event), lg log.Logger, opts ...Option) *Detector {
	d := &Detector{
		subjects: make(map[string]*activity),
		th:       th,
		emit:     emit,
		lg:       lg,
		now:      time.Now,
	}
	for _, o := range opts {
		o(d)
	}
	go d.evict(ctx)
	return d
}

// Observe implements engine.Sink. Any internal failure is swallowed and
// logged; detector trouble must never surface as a request error, and a panic
// here must not kill the engine's dispatch goroutine.
func (d *Detector) Observe(ctx context.Context, req engine.Request, dec limiter.Decision) {
	defer func() {
		if r := recover(); r != nil {
			d.lg.Warn(ctx, "detector update failed", "panic", fmt.Sprint(r))
		}
	}()

	key := subjectKey(req.SubjectID, req.IP)
	if key == "" {
		return
	}
	now := req.Time
	if now.IsZero() {
		now = d.now()
	}

	d.mu.Lock()
	a := d.touch(key, now)
	a.requests.add(now)
	if req.EndpointID != "" {
		a.endpoints[req.EndpointID] = now
	}
	rapid := a.requests.count(now)
	fanout := a.fanoutCount(now, d.th.FanoutWindow)
	d.mu.Unlock()

	if d.th.RapidRequests > 0 && rapid > d.th.RapidRequests {
		d.fire(key, alert.Event{
			Time:     now,
			Severity: alert.SeverityAlert,
			Kind:     "rapid_requests",
			Subject:  key,
			Value:    float64(rapid),
			Limit:    float64(d.th.RapidRequests),
			Detail:   fmt.Sprintf("%d requests in %s", rapid, d.th.RapidWindow),
		})
	}
	if d.th.EndpointFanout > 0 && fanout > d.th.EndpointFanout {
		d.fire(key, alert.Event{
			Time:     now,
			Severity: alert.SeverityAlert,
			Kind:     "endpoint_fanout",
			Subject:  key,
			Value:    float64(fanout),
			Limit:    float64(d.th.EndpointFanout),
			Detail:   fmt.Sprintf("%d distinct endpoints in %s", fanout, d.th.FanoutWindow),
		})
	}
}

// RecordAuthFailure feeds a failed authentication, reported by the host after
// its own auth layer rejects a credential.
func (d *Detector) RecordAuthFailure(ctx context.Context, subjectID, ip string) {
	defer func() {
		if r := recover(); r != nil {
			d.lg.Warn(ctx, "detector update failed", "panic", fmt.Sprint(r))
		}
	}()

	key := subjectKey(subjectID, ip)
	if key == "" {
		return
	}
	now := d.now()

	d.mu.Lock()
	a := d.touch(key, now)
	a.authFails.add(now)
	fails := a.authFails.count(now)
	d.mu.Unlock()

	if d.th.AuthFailures > 0 && fails > d.th.AuthFailures {
		d.fire(key, alert.Event{
			Time:     now,
			Severity: alert.SeverityCritical,
			Kind:     "auth_failures",
			Subject:  key,
			Value:    float64(fails),
			Limit:    float64(d.th.AuthFailures),
			Detail:   fmt.Sprintf("%d auth failures in %s", fails, d.th.AuthFailWindow),
		})
	}
}

// touch returns the activity entry for key, creating it if needed.
// Callers hold d.mu.
func (d *Detector) touch(key string, now time.Time) *activity {
	a, ok := d.subjects[key]
	if !ok {
		a = &activity{
			requests:  window{span: d.th.RapidWindow},
			authFails: window{span: d.th.AuthFailWindow},
			endpoints: make(map[string]time.Time),
			lastFired: make(map[string]time.Time),
		}
		d.subjects[key] = a
	}
	a.lastSeen = now
	return a
}

// fire emits the event unless the same rule already fired for this subject
// within its horizon.
func (d *Detector) fire(key string, ev alert.Event) {
	d.mu.Lock()
	a, ok := d.subjects[key]
	if !ok {
		d.mu.Unlock()
		return
	}
	if last, fired := a.lastFired[ev.Kind]; fired && ev.Time.Sub(last) < d.horizonFor(ev.Kind) {
		d.mu.Unlock()
		return
	}
	a.lastFired[ev.Kind] = ev.Time
	d.mu.Unlock()

	if d.emit != nil {
		d.emit(ev)
	}
}

func (d *Detector) horizonFor(kind string) time.Duration {
	switch kind {
	case "rapid_requests":
		return d.th.RapidWindow
	case "endpoint_fanout":
		return d.th.FanoutWindow
	default:
		return d.th.AuthFailWindow
	}
}

// fanoutCount counts distinct endpoints seen within the horizon and drops
// stale ones. Callers hold d.mu.
func (a *activity) fanoutCount(now time.Time, span time.Duration) int {
	cutoff := now.Add(-span)
	for ep, seen := range a.endpoints {
		if seen.Before(cutoff) {
			delete(a.endpoints, ep)
		}
	}
	return len(a.endpoints)
}

// subjectKey prefers the authenticated subject, mirroring the limiter's USER
// scope preference, and falls back to the IP for anonymous traffic.
func subjectKey(subjectID, ip string) string {
	if subjectID != "" {
		return "user:" + subjectID
	}
	if ip != "" {
		return "ip:" + ip
	}
	return ""
}

// evict drops subjects idle past the longest horizon.
func (d *Detector) evict(ctx context.Context) {
	span := d.th.FanoutWindow
	if d.th.AuthFailWindow > span {
		span = d.th.AuthFailWindow
	}
	if span <= 0 {
		span = 5 * time.Minute
	}
	ticker := time.NewTicker(span / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			d.mu.Lock()
			for key, a := range d.subjects {
				if now.Sub(a.lastSeen) > span {
					delete(d.subjects, key)
				}
			}
			d.mu.Unlock()
		}
	}
}
