package opshttp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/keithlinneman/quotagate/internal/alert"
	"github.com/keithlinneman/quotagate/internal/engine"
	"github.com/keithlinneman/quotagate/internal/limiter"
	"github.com/keithlinneman/quotagate/internal/log"
	"github.com/keithlinneman/quotagate/internal/monitor"
	"github.com/keithlinneman/quotagate/internal/probe"
)

func TestHealthzHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	HealthzHandler(probe.Static(true, ""))(rec, httptest.NewRequest(http.MethodGet, "/-/healthy", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthy probe: status %d, want 200", rec.Code)
	}

	rec = httptest.NewRecorder()
	HealthzHandler(probe.Static(false, "backend down"))(rec, httptest.NewRequest(http.MethodGet, "/-/healthy", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("failing probe: status %d, want 503", rec.Code)
	}
	if rec.Body.String() != "backend down\n" {
		t.Fatalf("body = %q, want the failure reason", rec.Body.String())
	}
}

func TestReadyzHandlerWithShutdownGate(t *testing.T) {
	var gate probe.ShutdownGate
	h := ReadyzHandler(probe.Multi(gate.Probe()))

	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/-/ready", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d before drain, want 200", rec.Code)
	}

	gate.Set("draining")
	rec = httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/-/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status %d while draining, want 503", rec.Code)
	}
}

func opsMonitor(t *testing.T) *monitor.Monitor {
	t.Helper()
	mo := monitor.New(monitor.DefaultThresholds(), nil, log.Nop())
	mo.Observe(context.Background(), engine.Request{SubjectID: "alice"}, limiter.Decision{
		Allowed: true, Policy: "api", Limit: 100, Remaining: 80, Reason: limiter.ReasonOK,
	})
	mo.OnAlert(alert.Event{Kind: "rapid_requests", Subject: "user:alice", Value: 130, Limit: 120})
	mo.OnAlert(alert.Event{Kind: "auth_failures", Subject: "ip:203.0.113.5", Value: 12, Limit: 10})
	return mo
}

func TestAlertsEndpoint(t *testing.T) {
	h := alertsHandler(Options{Monitor: opsMonitor(t)})

	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/-/alerts", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var body struct {
		Count  int           `json:"count"`
		Alerts []alert.Event `json:"alerts"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("body not json: %v", err)
	}
	if body.Count != 2 || len(body.Alerts) != 2 {
		t.Fatalf("count = %d, alerts = %d, want 2/2", body.Count, len(body.Alerts))
	}
	if body.Alerts[1].Kind != "auth_failures" {
		t.Fatalf("newest alert kind = %q, want auth_failures last", body.Alerts[1].Kind)
	}
}

func TestAlertsEndpointLimit(t *testing.T) {
	h := alertsHandler(Options{Monitor: opsMonitor(t)})

	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/-/alerts?limit=1", nil))

	var body struct {
		Count  int           `json:"count"`
		Alerts []alert.Event `json:"alerts"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("body not json: %v", err)
	}
	if body.Count != 1 {
		t.Fatalf("count = %d with limit=1", body.Count)
	}

	rec = httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/-/alerts?limit=nope", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad limit: status %d, want 400", rec.Code)
	}
}

func TestQuotaEndpoint(t *testing.T) {
	h := quotaHandler(Options{Monitor: opsMonitor(t)})

	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/-/quota", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var body struct {
		Policies map[string]monitor.PolicyStats `json:"policies"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("body not json: %v", err)
	}
	st, ok := body.Policies["api"]
	if !ok {
		t.Fatal("no stats for policy api")
	}
	if st.Allowed != 1 {
		t.Fatalf("allowed = %d, want 1", st.Allowed)
	}
	if st.Utilization != 0.2 {
		t.Fatalf("utilization = %v, want 0.2", st.Utilization)
	}
}
