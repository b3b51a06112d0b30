package detector

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/keithlinneman/quotagate/internal/alert"
	"github.com/keithlinneman/quotagate/internal/engine"
	"github.com/keithlinneman/quotagate/internal/limiter"
	"github.com/keithlinneman/quotagate/internal/log"
)

type eventCollector struct {
	mu     sync.Mutex
	events []alert.Event
}

func (c *eventCollector) emit(ev alert.Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func (c *eventCollector) byKind(kind string) []alert.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []alert.Event
	for _, ev := range c.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func testThresholds() Thresholds {
	return Thresholds{
		RapidRequests:  3,
		RapidWindow:    time.Minute,
		EndpointFanout: 2,
		FanoutWindow:   5 * time.Minute,
		AuthFailures:   2,
		AuthFailWindow: 5 * time.Minute,
	}
}

func newFixture(t *testing.T) (*Detector, *eventCollector, *time.Time) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	col := &eventCollector{}
	now := time.Unix(1700000000, 0)
	d := New(ctx, testThresholds(), col.emit, log.Nop(),
		WithClock(func() time.Time { return now }))
	return d, col, &now
}

func observe(d *Detector, subject, ip, endpoint string, at time.Time) {
	d.Observe(context.Background(), engine.Request{
		SubjectID:  subject,
		IP:         ip,
		EndpointID: endpoint,
		Time:       at,
	}, limiter.Decision{Allowed: true})
}

func TestRapidRequestsFiresOverThreshold(t *testing.T) {
	d, col, now := newFixture(t)

	for i := 0; i < 3; i++ {
		observe(d, "alice", "", "GET /a", *now)
	}
	if got := col.byKind("rapid_requests"); len(got) != 0 {
		t.Fatalf("fired at threshold (%d events), must fire only above it", len(got))
	}

	observe(d, "alice", "", "GET /a", *now)
	got := col.byKind("rapid_requests")
	if len(got) != 1 {
		t.Fatalf("got %d rapid_requests events, want 1", len(got))
	}
	if got[0].Subject != "user:alice" {
		t.Fatalf("Subject = %q, want user:alice", got[0].Subject)
	}
	if got[0].Value != 4 || got[0].Limit != 3 {
		t.Fatalf("event value/limit = %v/%v, want 4/3", got[0].Value, got[0].Limit)
	}
}

func TestRapidRequestsSuppressesRefire(t *testing.T) {
	d, col, now := newFixture(t)

	for i := 0; i < 10; i++ {
		observe(d, "alice", "", "GET /a", *now)
	}
	if got := col.byKind("rapid_requests"); len(got) != 1 {
		t.Fatalf("got %d events while staying over threshold, want 1", len(got))
	}

	// past the horizon the rule may fire again
	*now = now.Add(2 * time.Minute)
	for i := 0; i < 4; i++ {
		observe(d, "alice", "", "GET /a", *now)
	}
	if got := col.byKind("rapid_requests"); len(got) != 2 {
		t.Fatalf("got %d events after horizon passed, want 2", len(got))
	}
}

func TestRapidWindowSlides(t *testing.T) {
	d, col, now := newFixture(t)

	// 3 requests, then 3 more after the first have slid out: never over
	for i := 0; i < 3; i++ {
		observe(d, "alice", "", "GET /a", *now)
	}
	*now = now.Add(2 * time.Minute)
	for i := 0; i < 3; i++ {
		observe(d, "alice", "", "GET /a", *now)
	}
	if got := col.byKind("rapid_requests"); len(got) != 0 {
		t.Fatalf("fired across a slid window (%d events)", len(got))
	}
}

func TestEndpointFanoutFires(t *testing.T) {
	d, col, now := newFixture(t)

	observe(d, "", "203.0.113.5", "GET /a", *now)
	observe(d, "", "203.0.113.5", "GET /b", *now)
	if got := col.byKind("endpoint_fanout"); len(got) != 0 {
		t.Fatalf("fired at threshold (%d events)", len(got))
	}

	observe(d, "", "203.0.113.5", "GET /c", *now)
	got := col.byKind("endpoint_fanout")
	if len(got) != 1 {
		t.Fatalf("got %d endpoint_fanout events, want 1", len(got))
	}
	if got[0].Subject != "ip:203.0.113.5" {
		t.Fatalf("Subject = %q, want ip:203.0.113.5", got[0].Subject)
	}
}

func TestFanoutCountsDistinctNotTotal(t *testing.T) {
	d, col, now := newFixture(t)

	// repeat hits on two endpoints stay at the distinct threshold
	observe(d, "bob", "", "GET /a", *now)
	observe(d, "bob", "", "GET /a", *now)
	observe(d, "bob", "", "GET /b", *now)
	if got := col.byKind("endpoint_fanout"); len(got) != 0 {
		t.Fatalf("fanout fired on repeat hits (%d events)", len(got))
	}
}

func TestAuthFailuresFire(t *testing.T) {
	d, col, _ := newFixture(t)
	ctx := context.Background()

	d.RecordAuthFailure(ctx, "alice", "203.0.113.5")
	d.RecordAuthFailure(ctx, "alice", "203.0.113.5")
	if got := col.byKind("auth_failures"); len(got) != 0 {
		t.Fatalf("fired at threshold (%d events)", len(got))
	}

	d.RecordAuthFailure(ctx, "alice", "203.0.113.5")
	got := col.byKind("auth_failures")
	if len(got) != 1 {
		t.Fatalf("got %d auth_failures events, want 1", len(got))
	}
	if got[0].Severity != alert.SeverityCritical {
		t.Fatalf("Severity = %v, want critical", got[0].Severity)
	}
}

func TestAnonymousFailuresKeyOnIP(t *testing.T) {
	d, col, _ := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d.RecordAuthFailure(ctx, "", "203.0.113.5")
	}
	got := col.byKind("auth_failures")
	if len(got) != 1 {
		t.Fatalf("got %d events, want 1", len(got))
	}
	if got[0].Subject != "ip:203.0.113.5" {
		t.Fatalf("Subject = %q, want ip:203.0.113.5", got[0].Subject)
	}
}

func TestSubjectsAreIndependent(t *testing.T) {
	d, col, now := newFixture(t)

	// two subjects each under threshold must not pool
	for i := 0; i < 3; i++ {
		observe(d, "alice", "", "GET /a", *now)
		observe(d, "bob", "", "GET /a", *now)
	}
	if got := col.byKind("rapid_requests"); len(got) != 0 {
		t.Fatalf("independent subjects pooled into %d events", len(got))
	}
}

func TestObserveIgnoresEmptySubjects(t *testing.T) {
	d, col, now := newFixture(t)
	for i := 0; i < 10; i++ {
		observe(d, "", "", "GET /a", *now)
	}
	if len(col.byKind("rapid_requests")) != 0 {
		t.Fatal("events emitted for requests with no subject or IP")
	}
}
